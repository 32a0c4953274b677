// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package fragment

import "github.com/grailbio/hts/sam"

// ReferenceLength is the number of reference bases c spans.
func ReferenceLength(c sam.Cigar) int {
	n := 0
	for _, op := range c {
		n += op.Len() * op.Type().Consumes().Reference
	}
	return n
}

// QueryLength is the number of read bases c covers.
func QueryLength(c sam.Cigar) int {
	n := 0
	for _, op := range c {
		n += op.Len() * op.Type().Consumes().Query
	}
	return n
}

// LeadingSoftClip is the length of the soft clip opening c, if any.
func LeadingSoftClip(c sam.Cigar) int {
	if len(c) > 0 && c[0].Type() == sam.CigarSoftClipped {
		return c[0].Len()
	}
	return 0
}

// TrailingSoftClip is the length of the soft clip closing c, if any.
func TrailingSoftClip(c sam.Cigar) int {
	if len(c) > 0 && c[len(c)-1].Type() == sam.CigarSoftClipped {
		return c[len(c)-1].Len()
	}
	return 0
}

// IsGapped tells whether c contains insertions or deletions.
func IsGapped(c sam.Cigar) bool {
	for _, op := range c {
		switch op.Type() {
		case sam.CigarInsertion, sam.CigarDeletion:
			return true
		}
	}
	return false
}

// IsSplit tells whether c skips reference bases.
func IsSplit(c sam.Cigar) bool {
	for _, op := range c {
		if op.Type() == sam.CigarSkipped {
			return true
		}
	}
	return false
}

// AppendOp appends an operation to c, merging it with the last one
// when both have the same type.  Zero-length operations are dropped.
func AppendOp(c sam.Cigar, t sam.CigarOpType, n int) sam.Cigar {
	if n <= 0 {
		return c
	}
	if k := len(c); k > 0 && c[k-1].Type() == t {
		c[k-1] = sam.NewCigarOp(t, c[k-1].Len()+n)
		return c
	}
	return append(c, sam.NewCigarOp(t, n))
}

// EditDistance computes the NM value of an alignment: mismatching
// aligned bases plus inserted and deleted bases.  ref must start at the
// alignment position.  Bases past the end of ref count as mismatches.
func EditDistance(c sam.Cigar, seq, ref []byte) int {
	nm := 0
	q, r := 0, 0
	for _, op := range c {
		n := op.Len()
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			for i := 0; i < n; i++ {
				if r+i >= len(ref) || !BasesMatch(seq[q+i], ref[r+i]) {
					nm++
				}
			}
			q += n
			r += n
		case sam.CigarInsertion:
			nm += n
			q += n
		case sam.CigarDeletion:
			nm += n
			r += n
		case sam.CigarSkipped:
			r += n
		case sam.CigarSoftClipped:
			q += n
		}
	}
	return nm
}

// BasesMatch compares a read base against a reference base.  N never
// matches.
func BasesMatch(read, ref byte) bool {
	return read == ref && read != 'N'
}
