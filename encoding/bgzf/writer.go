// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package bgzf writes block gzipped streams for staged BAM output.
//
// A bgzf stream is a run of gzip members, each holding at most 64KiB of
// payload, whose "BC" extra subfield records the compressed member size
// minus one.  A complete file ends with Terminator, an empty member.
//
// Bins are staged into independent in-memory streams closed with
// CloseWithoutTerminator.  Every staged stream starts on a member
// boundary, so a virtual offset taken while staging stays valid after
// the stream is appended to the output once it is shifted with
// Relocate by the output size at the time of the append.
package bgzf

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

const (
	// DefaultUncompressedBlockSize is the payload size of a member, as
	// chosen by samtools, sambamba and biogo.
	DefaultUncompressedBlockSize = 0x0ff00

	// MaxUncompressedBlockSize is the largest payload a member may carry.
	MaxUncompressedBlockSize = 0x10000

	// maxMemberSize bounds the compressed size of a member.
	maxMemberSize = 0x10000

	// Byte offsets within the gzip header of a member.
	xflOffset   = 8
	extraOffset = 12
)

// bcSubfield is the "BC" extra subfield; its last two bytes receive
// the member size.
var bcSubfield = [...]byte{'B', 'C', 2, 0, 0, 0}

// Terminator is the empty member that ends a bgzf file.
var Terminator = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x06, 0x00, 0x42, 0x43,
	0x02, 0x00, 0x1b, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// Writer compresses a payload into bgzf members.  It is not safe for
// concurrent use.
type Writer struct {
	w         io.Writer
	gz        *gzip.Writer
	blockSize int
	xfl       int

	pending bytes.Buffer // payload of the open member
	member  bytes.Buffer // scratch for the compressed member

	written uint64 // compressed bytes emitted so far
	blocks  int
}

// NewWriter returns a Writer with the default member size.
func NewWriter(w io.Writer, level int) (*Writer, error) {
	return NewWriterParams(w, level, DefaultUncompressedBlockSize, -1)
}

// NewWriterParams returns a Writer that puts at most
// uncompressedBlockSize payload bytes in a member.  A non-negative
// gzipXFL overrides the XFL header byte of every member.
func NewWriterParams(w io.Writer, level, uncompressedBlockSize, gzipXFL int) (*Writer, error) {
	switch {
	case uncompressedBlockSize <= 0 || uncompressedBlockSize > MaxUncompressedBlockSize:
		return nil, fmt.Errorf("bgzf: block size %d not in (0, %d]", uncompressedBlockSize, MaxUncompressedBlockSize)
	case gzipXFL < -1 || gzipXFL > 255:
		return nil, fmt.Errorf("bgzf: XFL %d not in [-1, 255]", gzipXFL)
	}
	bw := &Writer{w: w, blockSize: uncompressedBlockSize, xfl: gzipXFL}
	var err error
	if bw.gz, err = gzip.NewWriterLevel(&bw.member, level); err != nil {
		return nil, fmt.Errorf("bgzf: %v", err)
	}
	return bw, nil
}

// Write appends p to the payload, emitting a member whenever a full
// block is pending.
func (w *Writer) Write(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		room := w.blockSize - w.pending.Len()
		chunk := p[n:]
		if len(chunk) > room {
			chunk = chunk[:room]
		}
		w.pending.Write(chunk)
		n += len(chunk)
		if w.pending.Len() == w.blockSize {
			if err := w.flushMember(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// flushMember compresses the pending payload into one member and
// writes it out.
func (w *Writer) flushMember() error {
	w.member.Reset()
	w.gz.Reset(&w.member)
	w.gz.Header.Extra = append([]byte(nil), bcSubfield[:]...)
	w.gz.Header.OS = 0xff
	if _, err := w.gz.Write(w.pending.Bytes()); err != nil {
		return err
	}
	if err := w.gz.Close(); err != nil {
		return err
	}
	w.pending.Reset()

	b := w.member.Bytes()
	if len(b) < extraOffset+len(bcSubfield) || !bytes.Equal(b[extraOffset:extraOffset+4], bcSubfield[:4]) {
		return fmt.Errorf("bgzf: gzip header lacks the BC subfield")
	}
	size := len(b) - 1
	if size >= maxMemberSize {
		return fmt.Errorf("bgzf: member of %d bytes exceeds %d", size+1, maxMemberSize)
	}
	if w.xfl >= 0 {
		b[xflOffset] = byte(w.xfl)
	}
	b[extraOffset+4] = byte(size)
	b[extraOffset+5] = byte(size >> 8)
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	w.written += uint64(len(b))
	w.blocks++
	return nil
}

// CloseWithoutTerminator emits the pending payload, if any, and leaves
// the stream open for concatenation.
func (w *Writer) CloseWithoutTerminator() error {
	if w.pending.Len() == 0 {
		return nil
	}
	return w.flushMember()
}

// Close emits the pending payload followed by Terminator.
func (w *Writer) Close() error {
	if err := w.CloseWithoutTerminator(); err != nil {
		return err
	}
	_, err := w.w.Write(Terminator)
	return err
}

// VOffset is the virtual offset of the next payload byte.
func (w *Writer) VOffset() uint64 {
	return w.written<<16 | uint64(w.pending.Len())
}

// CompressedSize is the number of compressed bytes written so far.
func (w *Writer) CompressedSize() uint64 { return w.written }

// Blocks is the number of members written so far.
func (w *Writer) Blocks() int { return w.blocks }

// Relocate shifts a virtual offset recorded by a Writer whose output
// was later appended at byte offset base of another bgzf stream.
func Relocate(voffset, base uint64) uint64 {
	return (voffset>>16+base)<<16 | voffset&0xffff
}
