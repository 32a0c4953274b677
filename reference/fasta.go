// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package reference

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/grailbio/base/file"
	"github.com/pkg/errors"
)

const maxLineSize = 1024 * 1024 * 300 // 300 MB

// ParseFASTA reads all sequences of a FASTA stream into memory.
// Sequence names stop at the first space after '>', and bases are
// upper-cased.  Contigs are indexed in order of appearance.
func ParseFASTA(r io.Reader) (ContigList, error) {
	var contigs ContigList
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, maxLineSize)
	var name string
	var seq bytes.Buffer
	started := false
	flush := func() {
		contigs = append(contigs, Contig{
			Index: len(contigs),
			Name:  name,
			Bases: bytes.ToUpper(seq.Bytes()),
		})
		seq.Reset()
	}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if line[0] == '>' {
			if started {
				flush()
			}
			fields := bytes.Fields(line[1:])
			if len(fields) == 0 {
				return nil, errors.Errorf("malformed FASTA header at contig %d", len(contigs))
			}
			name = string(fields[0])
			started = true
			continue
		}
		if !started {
			return nil, errors.Errorf("malformed FASTA file: sequence before the first header")
		}
		seq.Write(bytes.TrimSpace(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "couldn't read FASTA data")
	}
	if !started {
		return nil, errors.Errorf("empty FASTA file")
	}
	flush()
	return contigs, nil
}

// LoadFASTA reads the FASTA file at path, which may be any path
// supported by grailbio/base/file.
func LoadFASTA(ctx context.Context, path string) (contigs ContigList, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() {
		if e := in.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	return ParseFASTA(in.Reader(ctx))
}
