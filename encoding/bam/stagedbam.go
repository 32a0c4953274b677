// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package bam

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/grailbio/bambuild/encoding/bgzf"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/bam"
	hbgzf "github.com/grailbio/hts/bgzf"
	"github.com/grailbio/hts/sam"
	"v.io/x/lib/vlog"
)

// Writing a sorted BAM as a sequence of staged shards.
//
// Each bin of the build is compressed into its own Shard by a
// Compressor.  Compressors are owned by worker threads, so every bin
// can be compressed independently of the others.  A Shard starts on a
// bgzf block boundary and carries the relative virtual offsets of its
// records.  The Writer appends shards to the output in the order they
// are given, relocates the recorded offsets, and feeds the .bai and
// .gbai indexes from them:
//
//   w, err := NewWriter(f, header, WriterOpts{Index: true})
//   c := NewCompressor(gzip.DefaultCompression)
//
//   if c.StartShard() != nil { panic }
//   if c.AddRecord(record0) != nil { panic }
//   shard, err := c.CloseShard()
//
//   if w.WriteShard(shard) != nil { panic }
//   if w.Close() != nil { panic }
//   if w.WriteIndex(baiFile) != nil { panic }

// RecordSpan locates one serialized record inside a Shard.  Begin and
// End are virtual offsets relative to the start of the shard.
type RecordSpan struct {
	RefID  int32
	Pos    int32
	RefEnd int32 // exclusive, 0 when the record covers no reference bases
	Flags  sam.Flags
	Begin  uint64
	End    uint64
}

// Shard is a compressed run of BAM records ready to be appended to the
// output file.
type Shard struct {
	buf   bytes.Buffer
	Spans []RecordSpan
}

// Len is the number of records in the shard.
func (s *Shard) Len() int { return len(s.Spans) }

// Size is the compressed size of the shard, in bytes.
func (s *Shard) Size() int { return s.buf.Len() }

// Bytes is the compressed content of the shard.  It is valid until the
// shard is written.
func (s *Shard) Bytes() []byte { return s.buf.Bytes() }

// Compressor serializes and compresses records into a Shard.  A
// Compressor is not safe for concurrent use; use one per thread.
type Compressor struct {
	level int
	bgzf  *bgzf.Writer
	shard *Shard
	rec   bytes.Buffer
}

// NewCompressor creates a Compressor that compresses at the given gzip
// level.
func NewCompressor(level int) *Compressor {
	return &Compressor{level: level}
}

// StartShard begins a new shard.  It crashes if the previous shard was
// not closed.
func (c *Compressor) StartShard() error {
	if c.shard != nil {
		vlog.Fatalf("existing shard still in progress")
	}
	c.shard = &Shard{}
	var err error
	c.bgzf, err = bgzf.NewWriter(&c.shard.buf, c.level)
	return err
}

// AddRecord appends r to the current shard.
func (c *Compressor) AddRecord(r *sam.Record) error {
	c.rec.Reset()
	if err := Marshal(r, &c.rec); err != nil {
		return err
	}
	span := RecordSpan{
		RefID: int32(r.Ref.ID()),
		Pos:   int32(r.Pos),
		Flags: r.Flags,
		Begin: c.bgzf.VOffset(),
	}
	if r.Ref != nil && r.Flags&sam.Unmapped == 0 {
		span.RefEnd = int32(r.End())
	}
	if _, err := c.bgzf.Write(c.rec.Bytes()); err != nil {
		return err
	}
	span.End = c.bgzf.VOffset()
	c.shard.Spans = append(c.shard.Spans, span)
	return nil
}

// CloseShard flushes the current shard and returns it.
func (c *Compressor) CloseShard() (*Shard, error) {
	if c.shard == nil {
		return nil, errors.E(errors.Precondition, "CloseShard called without StartShard")
	}
	err := c.bgzf.CloseWithoutTerminator()
	s := c.shard
	c.shard, c.bgzf = nil, nil
	if err != nil {
		return nil, err
	}
	return s, nil
}

// WriterOpts configures a Writer.
type WriterOpts struct {
	// GzipLevel is the compression level of the header block.
	GzipLevel int
	// Index enables building a .bai index, see WriteIndex.
	Index bool
	// GIndex, when non-nil, receives a .gbai index while shards are
	// written.
	GIndex io.Writer
	// GIndexByteInterval is the approximate compressed distance
	// between .gbai entries.
	GIndexByteInterval int
}

// Writer appends shards to a BAM stream.
type Writer struct {
	w       io.Writer
	refs    []*sam.Reference
	coffset uint64
	bai     *bam.Index
	baiErr  error
	tiles   baiTiles
	gindex  *GIndexWriter
	records int64
	closed  bool
}

// NewWriter writes the BAM header to w and returns a Writer ready to
// accept shards.
func NewWriter(w io.Writer, header *sam.Header, opts WriterOpts) (*Writer, error) {
	bw := &Writer{w: w, refs: header.Refs()}
	if opts.Index {
		bw.bai = &bam.Index{}
	}
	if opts.GIndex != nil {
		var err error
		if bw.gindex, err = NewGIndexWriter(opts.GIndex, opts.GIndexByteInterval); err != nil {
			return nil, err
		}
	}
	var staged bytes.Buffer
	hw, err := bgzf.NewWriter(&staged, opts.GzipLevel)
	if err != nil {
		return nil, err
	}
	if err := header.EncodeBinary(hw); err != nil {
		return nil, err
	}
	if err := hw.CloseWithoutTerminator(); err != nil {
		return nil, err
	}
	if err := bw.append(&staged); err != nil {
		return nil, err
	}
	return bw, nil
}

func (bw *Writer) append(b *bytes.Buffer) error {
	n, err := b.WriteTo(bw.w)
	bw.coffset += uint64(n)
	return err
}

// Offset is the number of bytes written to the underlying writer.
func (bw *Writer) Offset() uint64 { return bw.coffset }

// Records is the number of records written so far.
func (bw *Writer) Records() int64 { return bw.records }

// WriteShard appends s to the output and registers its records with the
// indexes.  s must not be reused afterwards.
func (bw *Writer) WriteShard(s *Shard) error {
	if bw.closed {
		return errors.E(errors.Precondition, "WriteShard after Close")
	}
	base := bw.coffset
	if err := bw.append(&s.buf); err != nil {
		return err
	}
	for i := range s.Spans {
		span := &s.Spans[i]
		begin := bgzf.Relocate(span.Begin, base)
		end := bgzf.Relocate(span.End, base)
		if bw.bai != nil {
			if err := bw.addToIndex(span, hbgzf.Chunk{
				Begin: ToBGZFOffset(begin),
				End:   ToBGZFOffset(end),
			}); err != nil {
				return err
			}
		}
		if bw.gindex != nil {
			if err := bw.gindex.Add(span.RefID, span.Pos, begin); err != nil {
				return err
			}
		}
	}
	bw.records += int64(len(s.Spans))
	return nil
}

// baiTileWidth is the span of one .bai linear index tile.
const baiTileWidth = 1 << 14

// baiTiles mirrors the number of linear index tiles hts/bam holds for
// the current reference.  hts/bam panics on a record that ends in the
// first unknown tile but starts in an earlier one, and a record ending
// further out leaves its own end tile unknown.
type baiTiles struct {
	ref int32
	n   int
}

// addToIndex registers the record of span with the .bai index.  A mapped
// record that reaches unregistered tiles is presented with its reference
// end stretched to the next tile boundary, so that the index registers
// every tile the record overlaps.  The bin of such a record is a
// containing bin, which queries still visit.  If the index cannot take
// a record, the .bai is dropped and WriteIndex reports why.
func (bw *Writer) addToIndex(span *RecordSpan, c hbgzf.Chunk) (err error) {
	r := bw.indexRecord(span)
	if r.Ref == nil || r.Pos < 0 {
		return bw.bai.Add(r, c)
	}
	if span.RefID != bw.tiles.ref {
		bw.tiles = baiTiles{ref: span.RefID}
	}
	last := r.End() / baiTileWidth
	if last >= bw.tiles.n {
		if r.Flags&sam.Unmapped == 0 {
			r.Cigar = sam.Cigar{sam.NewCigarOp(sam.CigarMatch, (last+1)*baiTileWidth-r.Pos)}
			bw.tiles.n = last + 1
		} else if last == bw.tiles.n {
			bw.tiles.n = last + 1
		} else {
			bw.tiles.n = last
		}
	}
	defer func() {
		if p := recover(); p != nil {
			bw.bai, bw.baiErr = nil, errors.E(errors.Other,
				fmt.Sprintf("bai index dropped at %d:%d: %v", span.RefID, span.Pos, p))
			log.Error.Printf("%v", bw.baiErr)
			err = nil
		}
	}()
	if err := bw.bai.Add(r, c); err != nil {
		return errors.E(err, fmt.Sprintf("bai index at %d:%d", span.RefID, span.Pos))
	}
	return nil
}

// indexRecord builds the minimal record the .bai index needs: its
// reference, its position, its reference span and its flags.
func (bw *Writer) indexRecord(span *RecordSpan) *sam.Record {
	r := &sam.Record{Pos: int(span.Pos), Flags: span.Flags}
	if span.RefID >= 0 && int(span.RefID) < len(bw.refs) {
		r.Ref = bw.refs[span.RefID]
	}
	if span.RefEnd > span.Pos {
		r.Cigar = sam.Cigar{sam.NewCigarOp(sam.CigarMatch, int(span.RefEnd-span.Pos))}
	}
	return r
}

// Close appends the bgzf terminator and flushes the .gbai index.  It
// does not close the underlying writers.
func (bw *Writer) Close() error {
	if bw.closed {
		return nil
	}
	bw.closed = true
	n, err := bw.w.Write(bgzf.Terminator)
	bw.coffset += uint64(n)
	if err != nil {
		return err
	}
	if bw.gindex != nil {
		return bw.gindex.Close()
	}
	return nil
}

// WriteIndex writes the .bai index of everything written so far.  The
// index lists every reference of the header, including the ones without
// records.
func (bw *Writer) WriteIndex(w io.Writer) error {
	if bw.baiErr != nil {
		return bw.baiErr
	}
	if bw.bai == nil {
		return errors.E(errors.Precondition, "bai index is disabled")
	}
	var buf bytes.Buffer
	if err := bam.WriteIndex(&buf, bw.bai); err != nil {
		return err
	}
	b := buf.Bytes()
	// magic, n_ref, the indexed references, then n_no_coor when the index
	// saw unplaced records.
	const prefix = 8
	if len(b) < prefix {
		return errors.E(errors.Integrity, fmt.Sprintf("bai index of %d bytes", len(b)))
	}
	indexed := int(int32(binary.LittleEndian.Uint32(b[4:prefix])))
	if indexed > len(bw.refs) {
		return errors.E(errors.Integrity, fmt.Sprintf("bai index has %d references, header %d", indexed, len(bw.refs)))
	}
	refsEnd := len(b)
	if _, ok := bw.bai.Unmapped(); ok {
		refsEnd -= 8
	}
	var nref [4]byte
	binary.LittleEndian.PutUint32(nref[:], uint32(len(bw.refs)))
	// An empty reference is n_bin = 0 and n_intv = 0.
	padding := make([]byte, 8*(len(bw.refs)-indexed))
	for _, chunk := range [][]byte{b[:4], nref[:], b[prefix:refsEnd], padding, b[refsEnd:]} {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}
