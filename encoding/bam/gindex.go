// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package bam

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/hts/sam"
	"github.com/klauspost/compress/gzip"
)

// maxRecordSize bounds the block_size field of a record read back by
// WriteGIndex.
const maxRecordSize = 0xffffff

// GIndex is the content of a .gbai file: a positional index of a
// coordinate-sorted BAM file that maps (RefID, Pos, Seq) to the voffset
// of a record.  Unlike .bai, whose linear index has a 16 kbp
// resolution, entries are spaced by compressed bytes, so a dense region
// still gets many entries and a reader seeks close to any position.
//
// A .gbai file is gzip compressed.  It starts with the 16-byte magic
// "GBAI\x01" plus 11 fixed bytes, followed by little-endian
// GIndexEntry values in (RefID, Pos, Seq) order, with unplaced records
// (RefID -1) last.  The first record of every reference present in the
// BAM has an entry, so the first entry points at the first record.
type GIndex []GIndexEntry

var gbaiMagic = []byte{
	'G', 'B', 'A', 'I', 0x01, 0xf1, 0x78, 0x5c,
	0x7b, 0xcb, 0xc1, 0xba, 0x08, 0x23, 0xb1, 0x19,
}

// GIndexEntry is one entry of a GIndex.  Seq numbers the records that
// share (RefID, Pos); the writers in this package only index the first
// record at a position, so it is always 0 in files they produce.
type GIndexEntry struct {
	RefID   int32
	Pos     int32
	Seq     uint32
	VOffset uint64
}

// compare orders entries by (RefID, Pos, Seq), with RefID -1 last.
func (e *GIndexEntry) compare(o *GIndexEntry) int {
	if e.RefID != o.RefID {
		switch {
		case e.RefID < 0:
			return 1
		case o.RefID < 0:
			return -1
		case e.RefID < o.RefID:
			return -1
		}
		return 1
	}
	switch {
	case e.Pos != o.Pos:
		if e.Pos < o.Pos {
			return -1
		}
		return 1
	case e.Seq != o.Seq:
		if e.Seq < o.Seq {
			return -1
		}
		return 1
	}
	return 0
}

// RecordOffset returns the voffset of the last indexed record at or
// before (refID, pos, seq).  Reading forward from there reaches the
// target if the BAM has it; reading past it without a match means it
// is absent.  It panics on an empty index.
func (idx *GIndex) RecordOffset(refID, pos int32, seq uint32) bgzf.Offset {
	entries := *idx
	if len(entries) == 0 {
		panic("RecordOffset on an empty GIndex")
	}
	target := GIndexEntry{RefID: refID, Pos: pos, Seq: seq}
	// i is the first entry after the target.
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].compare(&target) > 0
	})
	if i > 0 {
		i--
	}
	return ToBGZFOffset(entries[i].VOffset)
}

// UnmappedOffset returns a voffset at or before the first unplaced
// record.
func (idx *GIndex) UnmappedOffset() bgzf.Offset {
	return idx.RecordOffset(-1, 0, 0)
}

// ToBGZFOffset splits a packed voffset.
func ToBGZFOffset(voffset uint64) bgzf.Offset {
	return bgzf.Offset{File: int64(voffset >> 16), Block: uint16(voffset)}
}

func toVOffset(offset bgzf.Offset) uint64 {
	return uint64(offset.File)<<16 | uint64(offset.Block)
}

// GIndexWriter streams .gbai entries for records appended in
// coordinate order.  An entry is emitted for the first record of every
// RefID, and then for the first record at a new position once the
// output has advanced at least byteInterval compressed bytes since the
// previous entry.
type GIndexWriter struct {
	gz             *gzip.Writer
	byteInterval   uint64
	started        bool
	prevRefID      int32
	prevPos        int32
	prevFileOffset uint64
	n              int
}

// NewGIndexWriter writes the .gbai header to w and returns a writer
// for the entries.
func NewGIndexWriter(w io.Writer, byteInterval int) (*GIndexWriter, error) {
	gw := &GIndexWriter{
		gz:           gzip.NewWriter(w),
		byteInterval: uint64(byteInterval),
	}
	if _, err := gw.gz.Write(gbaiMagic); err != nil {
		return nil, fmt.Errorf("write gbai header: %v", err)
	}
	return gw, nil
}

// Add registers the record at (refID, pos) that starts at voffset.
// Records must be added in file order.
func (w *GIndexWriter) Add(refID, pos int32, voffset uint64) error {
	fileOffset := voffset >> 16
	if !w.started || refID != w.prevRefID {
		w.started = true
		w.prevRefID = refID
		w.prevPos = pos
		w.prevFileOffset = fileOffset
		return w.append(&GIndexEntry{RefID: refID, Pos: pos, VOffset: voffset})
	}
	if pos == w.prevPos {
		return nil
	}
	w.prevPos = pos
	if fileOffset-w.prevFileOffset < w.byteInterval {
		return nil
	}
	w.prevFileOffset = fileOffset
	return w.append(&GIndexEntry{RefID: refID, Pos: pos, VOffset: voffset})
}

func (w *GIndexWriter) append(entry *GIndexEntry) error {
	w.n++
	return binary.Write(w.gz, binary.LittleEndian, entry)
}

// Len is the number of entries written so far.
func (w *GIndexWriter) Len() int { return w.n }

// Close flushes the gzip stream.  It does not close the underlying
// writer.
func (w *GIndexWriter) Close() error {
	return w.gz.Close()
}

// WriteGIndex scans the BAM file in r and writes its .gbai index to w.
// It produces the same entries as a GIndexWriter fed while the BAM was
// written, so it can rebuild a missing or stale index.
func WriteGIndex(w io.Writer, r io.Reader, byteInterval, parallelism int) error {
	br, err := bgzf.NewReader(r, parallelism)
	if err != nil {
		return err
	}
	header, err := sam.NewHeader(nil, nil)
	if err != nil {
		return err
	}
	if err := header.DecodeBinary(br); err != nil {
		return fmt.Errorf("read bam header: %v", err)
	}
	gw, err := NewGIndexWriter(w, byteInterval)
	if err != nil {
		return err
	}
	var (
		// Only block_size, refID and pos are decoded.
		fixed [12]byte
		skip  []byte
	)
	for n := 0; ; n++ {
		if _, err := io.ReadFull(br, fixed[:4]); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("record %d: %v", n, err)
		}
		begin := toVOffset(br.LastChunk().Begin)
		size := int(binary.LittleEndian.Uint32(fixed[:4]))
		if size < 8 || size > maxRecordSize {
			return fmt.Errorf("record %d: bad block size %d", n, size)
		}
		if _, err := io.ReadFull(br, fixed[4:12]); err != nil {
			return fmt.Errorf("record %d: %v", n, err)
		}
		if rest := size - 8; rest > 0 {
			if cap(skip) < rest {
				skip = make([]byte, rest)
			}
			if _, err := io.ReadFull(br, skip[:rest]); err != nil {
				return fmt.Errorf("record %d is truncated: %v", n, err)
			}
		}
		refID := int32(binary.LittleEndian.Uint32(fixed[4:8]))
		pos := int32(binary.LittleEndian.Uint32(fixed[8:12]))
		if err := gw.Add(refID, pos, begin); err != nil {
			return err
		}
	}
	return gw.Close()
}

// ReadGIndex parses a .gbai file.  It fails when the entries are not
// strictly increasing in both position and voffset.
func ReadGIndex(r io.Reader) (*GIndex, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	magic := make([]byte, len(gbaiMagic))
	if _, err := io.ReadFull(gz, magic); err != nil {
		return nil, fmt.Errorf("read gbai header: %v", err)
	}
	if !bytes.Equal(magic, gbaiMagic) {
		return nil, fmt.Errorf("not a gbai file: header %v", magic)
	}
	index := GIndex{}
	for {
		var e GIndexEntry
		if err := binary.Read(gz, binary.LittleEndian, &e); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("gbai entry %d: %v", len(index), err)
		}
		if n := len(index); n > 0 {
			prev := &index[n-1]
			if prev.compare(&e) >= 0 || prev.VOffset >= e.VOffset {
				return nil, fmt.Errorf("gbai entry %d: %+v does not follow %+v", n, e, *prev)
			}
		}
		index = append(index, e)
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return &index, nil
}
