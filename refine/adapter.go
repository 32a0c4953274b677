// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package refine

import (
	"github.com/grailbio/bambuild/fragment"
	"github.com/grailbio/bambuild/reference"
	"github.com/grailbio/hts/sam"
)

// DefaultAdapterMismatchPercent is the flank mismatch rate at or above
// which an alignment is left unclipped.
const DefaultAdapterMismatchPercent = 40

// Adapter is a sequencing adapter, given as it reads on the forward
// strand of the read that runs into it.
type Adapter struct {
	Name     string
	Sequence string
}

// Nextera and TruSeq are the common Illumina adapters.
var (
	Nextera = Adapter{Name: "Nextera", Sequence: "CTGTCTCTTATACACATCT"}
	TruSeq  = Adapter{Name: "TruSeq", Sequence: "AGATCGGAAGAGC"}
)

// AdapterOpts configures an AdapterClipper.
type AdapterOpts struct {
	Adapters []Adapter
	// MismatchPercent is the flank mismatch rate at or above which the
	// read is judged not to contain adapter.
	MismatchPercent int
	// MinOverlap is the shortest adapter prefix that is recognized at
	// the end of a read.
	MinOverlap int
	// MaxMismatches is the number of mismatching bases tolerated per
	// MismatchSpan bases of adapter.
	MaxMismatches int
	MismatchSpan  int
}

// DefaultAdapterOpts clips Nextera adapters.
var DefaultAdapterOpts = AdapterOpts{
	Adapters:        []Adapter{Nextera},
	MismatchPercent: DefaultAdapterMismatchPercent,
	MinOverlap:      5,
	MaxMismatches:   1,
	MismatchSpan:    8,
}

// adapterRange is the span [begin, end) of read bases, in reference
// orientation, covered by an adapter.
type adapterRange struct {
	initialized bool
	empty       bool
	begin, end  int
}

// AdapterClipper soft clips the adapter-contaminated end of fragments.
// Adapter ranges are cached per (read index, strand) for the template
// currently being processed, so that the two reads of a pair and their
// realignments share one lookup each.  An AdapterClipper is not safe for
// concurrent use.
type AdapterClipper struct {
	opts     AdapterOpts
	adapters [][2][]byte // [adapter][strand]
	template uint64
	seeded   bool
	ranges   [2][2]adapterRange // [read index][strand]
}

// NewAdapterClipper creates a clipper.
func NewAdapterClipper(opts AdapterOpts) *AdapterClipper {
	if opts.MismatchPercent == 0 {
		opts.MismatchPercent = DefaultAdapterMismatchPercent
	}
	if opts.MinOverlap == 0 {
		opts.MinOverlap = DefaultAdapterOpts.MinOverlap
	}
	if opts.MismatchSpan == 0 {
		opts.MismatchSpan = DefaultAdapterOpts.MismatchSpan
	}
	c := &AdapterClipper{opts: opts}
	for _, a := range opts.Adapters {
		fwd := []byte(a.Sequence)
		c.adapters = append(c.adapters, [2][]byte{fwd, reverseComplement(fwd)})
	}
	return c
}

func reverseComplement(s []byte) []byte {
	r := make([]byte, len(s))
	for i, b := range s {
		var c byte
		switch b {
		case 'A':
			c = 'T'
		case 'C':
			c = 'G'
		case 'G':
			c = 'C'
		case 'T':
			c = 'A'
		default:
			c = 'N'
		}
		r[len(s)-1-i] = c
	}
	return r
}

func strandOf(reverse bool) int {
	if reverse {
		return 1
	}
	return 0
}

// rangeFor returns the cached adapter range of the target, computing
// it on first use.
func (c *AdapterClipper) rangeFor(f fragment.Fragment) adapterRange {
	if key := f.ClusterKey(); !c.seeded || key != c.template {
		c.ranges = [2][2]adapterRange{}
		c.template = key
		c.seeded = true
	}
	read := 0
	if f.IsSecondRead() {
		read = 1
	}
	strand := strandOf(f.IsReverse())
	r := &c.ranges[read][strand]
	if !r.initialized {
		*r = c.findAdapter(f.Seq(), strand)
	}
	return *r
}

// findAdapter looks for the adapter running off the 3' end of the read.
// On the forward strand that is the right end of seq; on the reverse
// strand seq holds the reverse complement, so the adapter runs off the
// left end.
func (c *AdapterClipper) findAdapter(seq []byte, strand int) adapterRange {
	result := adapterRange{initialized: true, empty: true}
	for _, adapter := range c.adapters {
		a := adapter[strand]
		if strand == 0 {
			for s := 0; s+c.opts.MinOverlap <= len(seq); s++ {
				overlap := len(seq) - s
				if overlap > len(a) {
					overlap = len(a)
				}
				if c.matches(seq[s:s+overlap], a[:overlap]) {
					if result.empty || s < result.begin {
						result = adapterRange{initialized: true, begin: s, end: len(seq)}
					}
					break
				}
			}
			continue
		}
		for e := len(seq); e >= c.opts.MinOverlap; e-- {
			overlap := e
			if overlap > len(a) {
				overlap = len(a)
			}
			if c.matches(seq[e-overlap:e], a[len(a)-overlap:]) {
				if result.empty || e > result.end {
					result = adapterRange{initialized: true, begin: 0, end: e}
				}
				break
			}
		}
	}
	return result
}

func (c *AdapterClipper) matches(read, adapter []byte) bool {
	allowed := len(adapter) * c.opts.MaxMismatches / c.opts.MismatchSpan
	mismatches := 0
	for i := range adapter {
		if read[i] != adapter[i] {
			if mismatches++; mismatches > allowed {
				return false
			}
		}
	}
	return true
}

// decideSide picks the read end the adapter range overlaps.  A range
// covering the whole read is attributed to the 3' end of the strand.
func decideSide(r adapterRange, readLen int, reverse bool) (left, ok bool) {
	touchesLeft := r.begin == 0
	touchesRight := r.end == readLen
	switch {
	case touchesLeft && touchesRight:
		return reverse, true
	case touchesLeft:
		return true, true
	case touchesRight:
		return false, true
	}
	return false, false
}

// flankMismatchPercent is the mismatch rate of the aligned bases of t
// outside [begin, end).
func flankMismatchPercent(contigs reference.ContigList, t *Target, begin, end int) (int, error) {
	c := t.Cigar()
	ref, err := contigs.ClampedBases(t.Index.Pos, int64(fragment.ReferenceLength(c)))
	if err != nil {
		return 0, err
	}
	seq := t.Fragment.Seq()
	aligned, mismatches := 0, 0
	q, r := 0, 0
	for _, op := range c {
		n := op.Len()
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			for i := 0; i < n; i++ {
				if q+i >= begin && q+i < end {
					continue
				}
				aligned++
				if r+i >= len(ref) || !fragment.BasesMatch(seq[q+i], ref[r+i]) {
					mismatches++
				}
			}
			q += n
			r += n
		default:
			cons := op.Type().Consumes()
			q += n * cons.Query
			r += n * cons.Reference
		}
	}
	if aligned == 0 {
		return 100, nil
	}
	return mismatches * 100 / aligned, nil
}

// Clip soft clips the adapter range of t, on exactly one side, unless
// the aligned flank mismatches the reference at or above the configured
// rate.  A clip that would move the alignment start to or past binEnd
// is not applied.  It returns whether the alignment changed.
func (c *AdapterClipper) Clip(contigs reference.ContigList, binEnd reference.Position, t *Target) (bool, error) {
	if len(c.adapters) == 0 || !t.refinable() {
		return false, nil
	}
	r := c.rangeFor(t.Fragment)
	if r.empty {
		return false, nil
	}
	readLen := t.Fragment.ReadLength()
	left, ok := decideSide(r, readLen, t.Fragment.IsReverse())
	if !ok {
		return false, nil
	}
	pct, err := flankMismatchPercent(contigs, t, r.begin, r.end)
	if err != nil {
		return false, err
	}
	if pct >= c.opts.MismatchPercent {
		return false, nil
	}
	cigar := t.Cigar()
	if left {
		n := r.end
		if n <= fragment.LeadingSoftClip(cigar) || n >= readLen-fragment.TrailingSoftClip(cigar) {
			return false, nil
		}
		clipped, shift := clipLeft(cigar, n)
		pos := t.Index.Pos.Add(int64(shift))
		if binEnd != reference.Unmapped && pos >= binEnd {
			return false, nil
		}
		return true, t.update(contigs, clipped, pos)
	}
	n := readLen - r.begin
	if n <= fragment.TrailingSoftClip(cigar) || n >= readLen-fragment.LeadingSoftClip(cigar) {
		return false, nil
	}
	return true, t.update(contigs, clipRight(cigar, n), t.Index.Pos)
}
