// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package fragment

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"unsafe"

	"github.com/grailbio/bambuild/reference"
	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
)

// lastArenaID numbers arenas so that handles into a released or
// resized arena are detected.
var lastArenaID uint64

func newArenaID() uint64 { return atomic.AddUint64(&lastArenaID, 1) }

// MaxArenaSize is the largest arena a Buffer holds.  Records address
// their mates with signed 32-bit offsets.
const MaxArenaSize = math.MaxInt32

// Handle locates a record inside one particular arena.
type Handle struct {
	arena uint64
	off   uint32
}

// Offset is the byte offset of the record in its arena.
func (h Handle) Offset() int { return int(h.off) }

// ownCigar marks a CigarRef that points at the record's own cigar.
const ownCigar = -1

// CigarRef locates the current cigar of a fragment: either the cigar
// stored in the record or a rewritten one in a cigar store.
type CigarRef struct {
	Store int32
	Off   uint32
	Len   uint32
}

// SplitInfo is one reference segment of an alignment that skips
// reference bases (cigar N operations).
type SplitInfo struct {
	Pos      reference.Position
	CigarOff uint16
	CigarLen uint16
}

// Index is the lightweight, sortable descriptor of one fragment.
type Index struct {
	// Pos is the position the fragment sorts at.  Refinement passes
	// update it together with the record.
	Pos  reference.Position
	Data Handle
	// Mate equals Data when the fragment has no mate in the bin.
	Mate    Handle
	Cigar   CigarRef
	Reverse bool

	SplitInfoOffset uint32
	SplitInfoCount  uint32
}

// HasMate tells whether the mate record is in the same bin.
func (i *Index) HasMate() bool { return i.Mate != i.Data }

// IndexSize is the memory charged per fragment for its Index.
const IndexSize = int64(unsafe.Sizeof(Index{}))

// MalformedError reports a record that fails structural validation.
type MalformedError struct {
	Offset int
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed fragment record at offset %d: %s", e.Offset, e.Reason)
}

// Buffer is the arena holding the packed records of one bin, plus the
// Index entries describing them.  A Buffer is owned by one bin at a
// time and is not safe for concurrent mutation, except that distinct
// Index entries, records and cigar stores may be updated by distinct
// goroutines.
type Buffer struct {
	id       uint64
	pool     *Pool
	reserved int64
	data     []byte
	index    []Index
	splits   []SplitInfo
	stores   [][]sam.CigarOp
}

// NewBuffer creates an empty buffer charging its memory to pool.  A nil
// pool is unlimited.
func NewBuffer(pool *Pool) *Buffer {
	if pool == nil {
		pool = NewPool(0)
	}
	return &Buffer{id: newArenaID(), pool: pool}
}

// Resize replaces the arena with one of exactly size bytes, and charges
// the pool for the arena plus the Index of the given number of records.
// Existing handles become invalid.  On failure the buffer is left
// empty.  The error is a *MalformedError when size exceeds
// MaxArenaSize, and an *OutOfMemoryError otherwise.
func (b *Buffer) Resize(size int64, records int) error {
	b.Unreserve()
	if size > MaxArenaSize {
		return &MalformedError{Offset: 0, Reason: fmt.Sprintf("bin data of %d bytes exceeds the arena limit of %d", size, MaxArenaSize)}
	}
	extra := int64(records) * IndexSize
	data, err := b.pool.alloc(size, extra)
	if err != nil {
		return err
	}
	b.data = data
	b.reserved = size + extra
	b.index = make([]Index, 0, records)
	return nil
}

// Unreserve releases the arena and all derived state.
func (b *Buffer) Unreserve() {
	if b.reserved > 0 {
		b.pool.Release(b.reserved)
	}
	b.reserved = 0
	b.data = nil
	b.index = nil
	b.splits = nil
	b.stores = nil
	b.id = newArenaID()
}

// Bytes is the arena, for loaders to fill.
func (b *Buffer) Bytes() []byte { return b.data }

// Size is the arena size in bytes.
func (b *Buffer) Size() int { return len(b.data) }

// Reserved is the number of bytes charged to the pool.
func (b *Buffer) Reserved() int64 { return b.reserved }

// Index returns the fragment descriptors.  The slice may be reordered
// and its entries updated in place.
func (b *Buffer) Index() []Index { return b.index }

// Fragment returns the record h points to.
func (b *Buffer) Fragment(h Handle) (Fragment, error) {
	if h.arena != b.id {
		return Fragment{}, errors.Errorf("stale fragment handle (arena %d, buffer arena %d)", h.arena, b.id)
	}
	off := int(h.off)
	if off%4 != 0 || off+HeaderSize > len(b.data) {
		return Fragment{}, errors.Errorf("fragment offset %d outside of %d-byte arena", off, len(b.data))
	}
	n := int(le.Uint32(b.data[off:]))
	if n < HeaderSize || off+n > len(b.data) {
		return Fragment{}, errors.Errorf("fragment at offset %d overruns the arena", off)
	}
	return Fragment{b: b.data[off : off+n]}, nil
}

// Mate returns the mate record of i, or the fragment itself when it has
// no mate in the bin.
func (b *Buffer) Mate(i *Index) (Fragment, error) { return b.Fragment(i.Mate) }

// validateRecord checks the layout of the record at off.
func (b *Buffer) validateRecord(off int) (Fragment, error) {
	if off+HeaderSize > len(b.data) {
		return Fragment{}, &MalformedError{off, "truncated header"}
	}
	f := Fragment{b: b.data[off:]}
	n := f.Len()
	if n < HeaderSize || n%4 != 0 || off+n > len(b.data) {
		return Fragment{}, &MalformedError{off, fmt.Sprintf("bad record length %d", n)}
	}
	f.b = f.b[:n]
	payload := payloadSize(f.CigarLength(), f.nameLength(), f.ReadLength())
	if payload > n || n-payload >= 4 {
		return Fragment{}, &MalformedError{off, fmt.Sprintf("record length %d does not match its %d-byte payload", n, payload)}
	}
	if f.nameLength() == 0 {
		return Fragment{}, &MalformedError{off, "empty read name"}
	}
	cigar := f.Cigar()
	queryLen := 0
	for _, op := range cigar {
		if op.Type() > sam.CigarBack {
			return Fragment{}, &MalformedError{off, fmt.Sprintf("invalid cigar operation %d", op.Type())}
		}
		queryLen += op.Len() * op.Type().Consumes().Query
	}
	if len(cigar) > 0 && queryLen != f.ReadLength() {
		return Fragment{}, &MalformedError{off, fmt.Sprintf("cigar %v covers %d of %d bases", cigar, queryLen, f.ReadLength())}
	}
	if !f.IsUnmapped() && (f.RefID() < 0 || f.Pos() < 0 || len(cigar) == 0) {
		return Fragment{}, &MalformedError{off, "mapped record without placement or cigar"}
	}
	return f, nil
}

// BuildIndex validates the arena and creates one Index per record.  It
// fails with a *MalformedError when a record is inconsistent, when a
// mate offset does not point at a record, or when the arena holds a
// different number of records than expected.
func (b *Buffer) BuildIndex(expected int) error {
	b.index = b.index[:0]
	b.splits = b.splits[:0]
	var starts []int
	for off := 0; off < len(b.data); {
		f, err := b.validateRecord(off)
		if err != nil {
			return err
		}
		starts = append(starts, off)
		h := Handle{b.id, uint32(off)}
		idx := Index{
			Pos:     f.Position(),
			Data:    h,
			Mate:    h,
			Cigar:   CigarRef{Store: ownCigar, Len: uint32(f.CigarLength())},
			Reverse: f.IsReverse(),
		}
		if m := f.MateOffset(); m >= 0 {
			idx.Mate = Handle{b.id, uint32(m)}
		}
		b.addSplitInfo(&idx, f)
		b.index = append(b.index, idx)
		off += f.Len()
	}
	for i := range b.index {
		idx := &b.index[i]
		if !idx.HasMate() {
			continue
		}
		m := idx.Mate.Offset()
		j := sort.SearchInts(starts, m)
		if j == len(starts) || starts[j] != m {
			return &MalformedError{idx.Data.Offset(), fmt.Sprintf("mate offset %d is not a record", m)}
		}
	}
	if len(b.index) != expected {
		return &MalformedError{len(b.data), fmt.Sprintf("found %d records, expected %d", len(b.index), expected)}
	}
	return nil
}

func (b *Buffer) addSplitInfo(idx *Index, f Fragment) {
	cigar := f.Cigar()
	split := false
	for _, op := range cigar {
		if op.Type() == sam.CigarSkipped {
			split = true
			break
		}
	}
	if !split {
		return
	}
	idx.SplitInfoOffset = uint32(len(b.splits))
	pos := idx.Pos
	begin := 0
	for i, op := range cigar {
		if op.Type() != sam.CigarSkipped {
			continue
		}
		b.splits = append(b.splits, SplitInfo{Pos: pos, CigarOff: uint16(begin), CigarLen: uint16(i - begin)})
		pos = pos.Add(int64(ReferenceLength(cigar[begin:i]) + op.Len()))
		begin = i + 1
	}
	b.splits = append(b.splits, SplitInfo{Pos: pos, CigarOff: uint16(begin), CigarLen: uint16(len(cigar) - begin)})
	idx.SplitInfoCount = uint32(len(b.splits)) - idx.SplitInfoOffset
}

// SplitInfo returns the reference segments of a split alignment, or
// nil.
func (b *Buffer) SplitInfo(i *Index) []SplitInfo {
	return b.splits[i.SplitInfoOffset : i.SplitInfoOffset+i.SplitInfoCount]
}

// ResetCigarStores prepares n independent stores for rewritten cigars,
// one per concurrent worker.
func (b *Buffer) ResetCigarStores(n int) {
	b.stores = make([][]sam.CigarOp, n)
}

// AppendCigar copies c into the given store.
func (b *Buffer) AppendCigar(store int, c sam.Cigar) CigarRef {
	ref := CigarRef{Store: int32(store), Off: uint32(len(b.stores[store])), Len: uint32(len(c))}
	b.stores[store] = append(b.stores[store], c...)
	return ref
}

// Cigar returns the current cigar of i.
func (b *Buffer) Cigar(i *Index) sam.Cigar {
	if i.Cigar.Store == ownCigar {
		f, err := b.Fragment(i.Data)
		if err != nil {
			panic(err)
		}
		return f.Cigar()
	}
	s := b.stores[i.Cigar.Store]
	return s[i.Cigar.Off : i.Cigar.Off+i.Cigar.Len : i.Cigar.Off+i.Cigar.Len]
}

// UnclippedPosition is the position of i before its leading soft clip.
// Positions before the start of the contig clamp to 0.
func (b *Buffer) UnclippedPosition(i *Index) reference.Position {
	return i.Pos.Add(-int64(LeadingSoftClip(b.Cigar(i))))
}

// OrderForBAM is the output order: by position with unplaced records
// last, then by originating cluster so that pairs stay together, then
// mapped before unmapped so that a shadow follows its mate, then first
// read before second read.
func (b *Buffer) OrderForBAM(x, y *Index) bool {
	if x.Pos != y.Pos {
		return x.Pos < y.Pos
	}
	fx, err := b.Fragment(x.Data)
	if err != nil {
		panic(err)
	}
	fy, err := b.Fragment(y.Data)
	if err != nil {
		panic(err)
	}
	if kx, ky := fx.ClusterKey(), fy.ClusterKey(); kx != ky {
		return kx < ky
	}
	if ux, uy := fx.IsUnmapped(), fy.IsUnmapped(); ux != uy {
		return !ux
	}
	return !fx.IsSecondRead() && fy.IsSecondRead()
}
