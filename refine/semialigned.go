// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package refine

import (
	"github.com/grailbio/bambuild/fragment"
	"github.com/grailbio/bambuild/reference"
	"github.com/grailbio/hts/sam"
	"github.com/willf/bitset"
)

// DefaultSemialignedMinMatches is the run of consecutive matching bases
// that ends a semialigned read end.
const DefaultSemialignedMinMatches = 5

// SemialignedEndsClipper soft clips read ends that do not align well:
// each end is clipped up to the first run of MinMatches consecutive
// matching bases.  It is not safe for concurrent use.
type SemialignedEndsClipper struct {
	MinMatches int
	mismatches bitset.BitSet
}

// NewSemialignedEndsClipper creates a clipper requiring minMatches
// consecutive matches; 0 selects the default.
func NewSemialignedEndsClipper(minMatches int) *SemialignedEndsClipper {
	if minMatches <= 0 {
		minMatches = DefaultSemialignedMinMatches
	}
	return &SemialignedEndsClipper{MinMatches: minMatches}
}

// markMismatches records, per base of op (starting at query offset q and
// reference offset r), whether it mismatches the reference.
func (c *SemialignedEndsClipper) markMismatches(seq, ref []byte, q, r, n int) {
	c.mismatches.ClearAll()
	for i := 0; i < n; i++ {
		if r+i >= len(ref) || !fragment.BasesMatch(seq[q+i], ref[r+i]) {
			c.mismatches.Set(uint(i))
		}
	}
}

// firstRun returns the offset of the first run of MinMatches matches
// among n marked bases, scanning forward or backward.  It returns -1
// when there is no such run.
func (c *SemialignedEndsClipper) firstRun(n int, forward bool) int {
	run := 0
	for k := 0; k < n; k++ {
		i := k
		if !forward {
			i = n - 1 - k
		}
		if c.mismatches.Test(uint(i)) {
			run = 0
			continue
		}
		if run++; run == c.MinMatches {
			return k - run + 1
		}
	}
	return -1
}

// Clip clips both ends of t.  binEnd caps the left side: the alignment
// start never moves to or past it.  It returns whether the alignment
// changed.
func (c *SemialignedEndsClipper) Clip(contigs reference.ContigList, binEnd reference.Position, t *Target) (bool, error) {
	if !t.refinable() {
		return false, nil
	}
	leftChanged, err := c.clipLeftSide(contigs, binEnd, t)
	if err != nil {
		return false, err
	}
	rightChanged, err := c.clipRightSide(contigs, t)
	return leftChanged || rightChanged, err
}

func (c *SemialignedEndsClipper) clipLeftSide(contigs reference.ContigList, binEnd reference.Position, t *Target) (bool, error) {
	cigar := t.Cigar()
	clip := fragment.LeadingSoftClip(cigar)
	first := 0
	if clip > 0 {
		first = 1
	}
	if first >= len(cigar) || cigar[first].Type() != sam.CigarMatch {
		return false, nil
	}
	n := cigar[first].Len()
	ref, err := contigs.ClampedBases(t.Index.Pos, int64(n))
	if err != nil {
		return false, err
	}
	c.markMismatches(t.Fragment.Seq(), ref, clip, 0, n)
	k := c.firstRun(n, true)
	if k <= 0 {
		return false, nil
	}
	newPos := t.Index.Pos.Add(int64(k))
	if binEnd != reference.Unmapped && newPos >= binEnd {
		return false, nil
	}
	clipped, shift := clipLeft(cigar, clip+k)
	return true, t.update(contigs, clipped, t.Index.Pos.Add(int64(shift)))
}

func (c *SemialignedEndsClipper) clipRightSide(contigs reference.ContigList, t *Target) (bool, error) {
	cigar := t.Cigar()
	clip := fragment.TrailingSoftClip(cigar)
	last := len(cigar) - 1
	if clip > 0 {
		last--
	}
	if last < 0 || cigar[last].Type() != sam.CigarMatch {
		return false, nil
	}
	n := cigar[last].Len()
	readLen := t.Fragment.ReadLength()
	q := readLen - clip - n
	r := fragment.ReferenceLength(cigar) - n
	ref, err := contigs.ClampedBases(t.Index.Pos, int64(r+n))
	if err != nil {
		return false, err
	}
	c.markMismatches(t.Fragment.Seq(), ref, q, r, n)
	k := c.firstRun(n, false)
	if k <= 0 {
		return false, nil
	}
	return true, t.update(contigs, clipRight(cigar, clip+k), t.Index.Pos)
}
