// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package reference holds the reference genome as seen by the bam
// builder: packed genomic positions, the in-memory contig list used by
// the refinement passes, and the BAM header describing it.
package reference

import "fmt"

// Position packs a contig index and a 0-based offset into one ordered
// value.  Positions compare in genome order, and Unmapped sorts after
// every mapped position.
type Position uint64

// Unmapped is the position of fragments with no placement.
const Unmapped = Position(^uint64(0))

// NewPosition creates a Position.  offset may be negative only
// transiently, e.g. while undoing a soft clip at the start of a contig;
// such positions are clamped to 0.
func NewPosition(contig int, offset int64) Position {
	if offset < 0 {
		offset = 0
	}
	return Position(uint64(contig)<<32 | uint64(uint32(offset)))
}

// Contig returns the contig index, or -1 for Unmapped.
func (p Position) Contig() int {
	if p == Unmapped {
		return -1
	}
	return int(p >> 32)
}

// Offset returns the 0-based offset on the contig, or -1 for Unmapped.
func (p Position) Offset() int64 {
	if p == Unmapped {
		return -1
	}
	return int64(uint32(p))
}

// IsUnmapped tells whether p is the Unmapped placeholder.
func (p Position) IsUnmapped() bool { return p == Unmapped }

// Add moves p by delta bases on the same contig.
func (p Position) Add(delta int64) Position {
	if p == Unmapped {
		return p
	}
	return NewPosition(p.Contig(), p.Offset()+delta)
}

func (p Position) String() string {
	if p == Unmapped {
		return "unmapped"
	}
	return fmt.Sprintf("%d:%d", p.Contig(), p.Offset())
}
