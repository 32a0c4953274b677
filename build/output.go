// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package build

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/grailbio/bambuild/encoding/bam"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
)

// outputFile is one BAM output together with its sidecar files.  Shards
// are appended by at most one saver at a time.
type outputFile struct {
	path   string
	opts   Opts
	f      file.File
	gindex file.File
	md5    hash.Hash
	w      *bam.Writer
	stats  OutputStats
}

func createOutput(ctx context.Context, path string, header *sam.Header, opts Opts) (*outputFile, error) {
	out := &outputFile{path: path, opts: opts, stats: OutputStats{Path: path}}
	var err error
	if out.f, err = file.Create(ctx, path); err != nil {
		return nil, errors.E(err, fmt.Sprintf("create %s", path))
	}
	var w io.Writer = out.f.Writer(ctx)
	if opts.ProduceMD5 {
		out.md5 = md5.New()
		w = io.MultiWriter(w, out.md5)
	}
	wopts := bam.WriterOpts{
		GzipLevel:          opts.GzipLevel,
		Index:              opts.WriteBAI,
		GIndexByteInterval: opts.GIndexByteInterval,
	}
	if opts.WriteGIndex {
		if out.gindex, err = file.Create(ctx, path+".gbai"); err != nil {
			out.discard(ctx)
			return nil, errors.E(err, fmt.Sprintf("create %s.gbai", path))
		}
		wopts.GIndex = out.gindex.Writer(ctx)
	}
	if out.w, err = bam.NewWriter(w, header, wopts); err != nil {
		out.discard(ctx)
		return nil, err
	}
	return out, nil
}

func (out *outputFile) writeShard(s *bam.Shard) error {
	if err := out.w.WriteShard(s); err != nil {
		return errors.E(err, fmt.Sprintf("write %s", out.path))
	}
	return nil
}

// discard closes the files without completing them.
func (out *outputFile) discard(ctx context.Context) {
	if out.gindex != nil {
		if err := out.gindex.Close(ctx); err != nil {
			log.Error.Printf("close %s.gbai: %v", out.path, err)
		}
	}
	if err := out.f.Close(ctx); err != nil {
		log.Error.Printf("close %s: %v", out.path, err)
	}
}

// close terminates the BAM stream and writes the indexes.
func (out *outputFile) close(ctx context.Context) error {
	e := errors.Once{}
	e.Set(out.w.Close())
	out.stats.Records = out.w.Records()
	out.stats.Bytes = out.w.Offset()
	if out.gindex != nil {
		e.Set(out.gindex.Close(ctx))
	}
	e.Set(out.f.Close(ctx))
	if out.opts.WriteBAI {
		e.Set(out.writeSidecar(ctx, out.path+".bai", out.w.WriteIndex))
	}
	if out.md5 != nil {
		out.stats.MD5 = hex.EncodeToString(out.md5.Sum(nil))
		e.Set(out.writeSidecar(ctx, out.path+".md5", func(w io.Writer) error {
			_, err := io.WriteString(w, out.stats.MD5+"\n")
			return err
		}))
	}
	if err := e.Err(); err != nil {
		return err
	}
	log.Printf("%s: %d records, %d bytes", out.path, out.stats.Records, out.stats.Bytes)
	return nil
}

func (out *outputFile) writeSidecar(ctx context.Context, path string, write func(io.Writer) error) error {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, fmt.Sprintf("create %s", path))
	}
	if err := write(f.Writer(ctx)); err != nil {
		_ = f.Close(ctx)
		return errors.E(err, fmt.Sprintf("write %s", path))
	}
	return f.Close(ctx)
}
