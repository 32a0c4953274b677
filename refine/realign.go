// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package refine

import (
	"fmt"
	"sort"

	"github.com/grailbio/bambuild/fragment"
	"github.com/grailbio/bambuild/reference"
	"github.com/grailbio/hts/sam"
)

// RealignMode selects the gaps the realigner tries.
type RealignMode int

const (
	// RealignNone disables gap realignment.
	RealignNone RealignMode = iota
	// RealignSample tries the gaps found in the bin's own alignments.
	RealignSample
	// RealignAll also tries the known indels.
	RealignAll
)

// ParseRealignMode parses "none", "sample" or "all".
func ParseRealignMode(s string) (RealignMode, error) {
	switch s {
	case "none", "":
		return RealignNone, nil
	case "sample":
		return RealignSample, nil
	case "all":
		return RealignAll, nil
	}
	return RealignNone, fmt.Errorf("unknown gap realignment mode %q", s)
}

func (m RealignMode) String() string {
	switch m {
	case RealignSample:
		return "sample"
	case RealignAll:
		return "all"
	}
	return "none"
}

// Gap is an indel on the reference.  A positive Length is a deletion
// of reference bases starting at Pos; a negative Length is an insertion
// of read bases before Pos.
type Gap struct {
	Pos    reference.Position
	Length int
}

// end is the first reference position after the gap.
func (g Gap) end() reference.Position {
	if g.Length > 0 {
		return g.Pos.Add(int64(g.Length))
	}
	return g.Pos
}

// SortGaps orders gaps by position and length, and removes duplicates.
func SortGaps(gaps []Gap) []Gap {
	sort.Slice(gaps, func(i, j int) bool {
		if gaps[i].Pos != gaps[j].Pos {
			return gaps[i].Pos < gaps[j].Pos
		}
		return gaps[i].Length < gaps[j].Length
	})
	out := gaps[:0]
	for i, g := range gaps {
		if i == 0 || g != gaps[i-1] {
			out = append(out, g)
		}
	}
	return out
}

// Scoring are the alignment scores the realigner maximizes.
type Scoring struct {
	Match, Mismatch, GapOpen, GapExtend int
}

// DefaultScoring matches the aligner's default scores.
var DefaultScoring = Scoring{Match: 2, Mismatch: -8, GapOpen: -15, GapExtend: -3}

// DefaultRealignedGapsPerFragment bounds the gaps introduced per
// fragment.
const DefaultRealignedGapsPerFragment = 4

// maxCandidatesPerFragment bounds the gaps tried per fragment.
const maxCandidatesPerFragment = 32

// GapRealigner moves ungapped alignments onto better-scoring gap
// placements.  Prepare must be called once per bin before Realign,
// which is then safe for concurrent use.
type GapRealigner struct {
	Mode        RealignMode
	MaxGaps     int
	Scoring     Scoring
	KnownIndels []Gap // sorted

	gaps []Gap
}

// NewGapRealigner creates a realigner.  knownIndels need not be sorted.
func NewGapRealigner(mode RealignMode, maxGaps int, scoring Scoring, knownIndels []Gap) *GapRealigner {
	if maxGaps <= 0 {
		maxGaps = DefaultRealignedGapsPerFragment
	}
	return &GapRealigner{
		Mode:        mode,
		MaxGaps:     maxGaps,
		Scoring:     scoring,
		KnownIndels: SortGaps(append([]Gap(nil), knownIndels...)),
	}
}

// Prepare collects the candidate gaps of a bin covering [begin, end).
func (g *GapRealigner) Prepare(buf *fragment.Buffer, begin, end reference.Position) {
	g.gaps = g.gaps[:0]
	if g.Mode == RealignNone {
		return
	}
	index := buf.Index()
	for i := range index {
		idx := &index[i]
		if idx.Pos.IsUnmapped() {
			continue
		}
		pos := idx.Pos
		for _, op := range buf.Cigar(idx) {
			switch op.Type() {
			case sam.CigarDeletion:
				g.gaps = append(g.gaps, Gap{Pos: pos, Length: op.Len()})
			case sam.CigarInsertion:
				g.gaps = append(g.gaps, Gap{Pos: pos, Length: -op.Len()})
			}
			pos = pos.Add(int64(op.Len() * op.Type().Consumes().Reference))
		}
	}
	if g.Mode == RealignAll {
		lo := sort.Search(len(g.KnownIndels), func(i int) bool { return g.KnownIndels[i].Pos >= begin })
		for _, gap := range g.KnownIndels[lo:] {
			if gap.Pos >= end {
				break
			}
			g.gaps = append(g.gaps, gap)
		}
	}
	g.gaps = SortGaps(g.gaps)
}

// Gaps returns the prepared candidates.
func (g *GapRealigner) Gaps() []Gap { return g.gaps }

// score evaluates an alignment of seq against ref.
func (g *GapRealigner) score(c sam.Cigar, seq, ref []byte) int {
	s := 0
	q, r := 0, 0
	for _, op := range c {
		n := op.Len()
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			for i := 0; i < n; i++ {
				if r+i < len(ref) && fragment.BasesMatch(seq[q+i], ref[r+i]) {
					s += g.Scoring.Match
				} else {
					s += g.Scoring.Mismatch
				}
			}
			q += n
			r += n
		case sam.CigarInsertion, sam.CigarDeletion:
			s += g.Scoring.GapOpen + (n-1)*g.Scoring.GapExtend
			q += n * op.Type().Consumes().Query
			r += n * op.Type().Consumes().Reference
		default:
			cons := op.Type().Consumes()
			q += n * cons.Query
			r += n * cons.Reference
		}
	}
	return s
}

// placeGaps builds the cigar of an alignment starting at pos that
// covers aligned query bases and opens the given gaps, in order.  It
// returns false when a gap does not fit strictly inside the alignment.
func placeGaps(pos reference.Position, leftClip, aligned, rightClip int, gaps []Gap) (sam.Cigar, bool) {
	c := fragment.AppendOp(nil, sam.CigarSoftClipped, leftClip)
	refPos := pos
	remaining := aligned
	for _, gap := range gaps {
		m := int(gap.Pos.Offset() - refPos.Offset())
		if gap.Pos.Contig() != pos.Contig() || m <= 0 || m >= remaining {
			return nil, false
		}
		c = fragment.AppendOp(c, sam.CigarMatch, m)
		remaining -= m
		if gap.Length > 0 {
			c = fragment.AppendOp(c, sam.CigarDeletion, gap.Length)
		} else {
			if -gap.Length >= remaining {
				return nil, false
			}
			c = fragment.AppendOp(c, sam.CigarInsertion, -gap.Length)
			remaining += gap.Length
		}
		refPos = gap.end()
	}
	c = fragment.AppendOp(c, sam.CigarMatch, remaining)
	c = fragment.AppendOp(c, sam.CigarSoftClipped, rightClip)
	return c, true
}

// Realign tries the prepared gaps on t, keeping the alignment start
// fixed, and applies the best-scoring placement with at most MaxGaps
// gaps when it beats the current alignment.  Only ungapped, unsplit
// alignments are considered.  The result never extends past end.
func (g *GapRealigner) Realign(contigs reference.ContigList, end reference.Position, t *Target) (bool, error) {
	if g.Mode == RealignNone || len(g.gaps) == 0 || !t.refinable() {
		return false, nil
	}
	cigar := t.Cigar()
	if fragment.IsGapped(cigar) || fragment.IsSplit(cigar) {
		return false, nil
	}
	pos := t.Index.Pos
	leftClip := fragment.LeadingSoftClip(cigar)
	rightClip := fragment.TrailingSoftClip(cigar)
	aligned := alignedBases(cigar)
	readLen := t.Fragment.ReadLength()
	contig, err := contigs.Contig(pos.Contig())
	if err != nil {
		return false, err
	}
	// Deletions extend the reference span; fetch enough bases for the
	// longest candidate.
	span := int64(aligned)
	lo := sort.Search(len(g.gaps), func(i int) bool { return g.gaps[i].Pos > pos })
	hi := lo
	for hi < len(g.gaps) && hi-lo < maxCandidatesPerFragment && g.gaps[hi].Pos < pos.Add(int64(aligned)) {
		if g.gaps[hi].Length > 0 {
			span += int64(g.gaps[hi].Length)
		}
		hi++
	}
	if hi == lo {
		return false, nil
	}
	ref, err := contigs.ClampedBases(pos, span)
	if err != nil {
		return false, err
	}
	seq := t.Fragment.Seq()
	best := cigar
	bestScore := g.score(cigar, seq, ref)
	var chosen []Gap
	for len(chosen) < g.MaxGaps {
		improved := false
		roundBest, roundScore := best, bestScore
		var roundGap Gap
		for _, gap := range g.gaps[lo:hi] {
			if len(chosen) > 0 && gap.Pos <= chosen[len(chosen)-1].end() {
				continue
			}
			candidate, ok := placeGaps(pos, leftClip, aligned, rightClip, append(chosen, gap))
			if !ok {
				continue
			}
			refLen := int64(fragment.ReferenceLength(candidate))
			if pos.Offset()+refLen > contig.Len() || (end != reference.Unmapped && pos.Add(refLen) > end) {
				continue
			}
			if s := g.score(candidate, seq, ref); s > roundScore {
				roundBest, roundScore, roundGap = candidate, s, gap
				improved = true
			}
		}
		if !improved {
			break
		}
		best, bestScore = roundBest, roundScore
		chosen = append(chosen, roundGap)
	}
	if len(chosen) == 0 {
		return false, nil
	}
	if fragment.QueryLength(best) != readLen {
		panic(fmt.Sprintf("realigned cigar %v does not cover %d bases", best, readLen))
	}
	return true, t.update(contigs, best, pos)
}
