// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

// See doc.go for documentation
import (
	"context"
	"flag"
	"os"
	"runtime"

	"github.com/grailbio/bambuild/build"
	"github.com/grailbio/bambuild/encoding/bam"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
)

var (
	byteInterval = flag.Int("byte-interval", build.DefaultOpts.GIndexByteInterval, "Approximate compressed bytes between index entries")
	outFlag      = flag.String("out", "", "Index path; defaults to <bam>.gbai")
)

func rebuild(ctx context.Context, bamPath, indexPath string) (err error) {
	in, err := file.Open(ctx, bamPath)
	if err != nil {
		return err
	}
	defer in.Close(ctx) // nolint: errcheck
	out, err := file.Create(ctx, indexPath)
	if err != nil {
		return err
	}
	defer func() {
		if e := out.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	return bam.WriteGIndex(out.Writer(ctx), in.Reader(ctx), *byteInterval, runtime.NumCPU())
}

func main() {
	shutdown := grail.Init()
	defer shutdown()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	bamPath := flag.Arg(0)
	indexPath := *outFlag
	if indexPath == "" {
		indexPath = bamPath + ".gbai"
	}
	if err := rebuild(vcontext.Background(), bamPath, indexPath); err != nil {
		log.Fatalf("%s: %v", bamPath, err)
	}
	log.Printf("wrote %s", indexPath)
}
