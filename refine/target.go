// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package refine implements the local alignment refinements applied to
// each bin before it is written: sequencing adapter clipping,
// semialigned end clipping, and gap realignment.  They run in that
// order, since each pass relies on the clips decided by the previous
// ones.  Every pass is idempotent.
package refine

import (
	"github.com/grailbio/bambuild/fragment"
	"github.com/grailbio/bambuild/reference"
	"github.com/grailbio/hts/sam"
)

// Target is one fragment being refined, together with the buffer that
// owns it and the cigar store the calling worker appends to.
type Target struct {
	Buf      *fragment.Buffer
	Index    *fragment.Index
	Fragment fragment.Fragment
	Store    int
}

// NewTarget resolves the record of idx.
func NewTarget(buf *fragment.Buffer, idx *fragment.Index, store int) (Target, error) {
	f, err := buf.Fragment(idx.Data)
	if err != nil {
		return Target{}, err
	}
	return Target{Buf: buf, Index: idx, Fragment: f, Store: store}, nil
}

// Cigar is the current alignment of the target.
func (t *Target) Cigar() sam.Cigar { return t.Buf.Cigar(t.Index) }

// refinable tells whether the target carries an alignment the passes
// may rewrite.
func (t *Target) refinable() bool {
	return !t.Fragment.IsUnmapped() && !t.Index.Pos.IsUnmapped() && len(t.Cigar()) > 0
}

// update stores a rewritten alignment in the index and the record, and
// recomputes the edit distance.
func (t *Target) update(contigs reference.ContigList, c sam.Cigar, pos reference.Position) error {
	ref, err := contigs.ClampedBases(pos, int64(fragment.ReferenceLength(c)))
	if err != nil {
		return err
	}
	t.Index.Cigar = t.Buf.AppendCigar(t.Store, c)
	t.Index.Pos = pos
	t.Fragment.SetPosition(pos)
	t.Fragment.SetEditDistance(fragment.EditDistance(c, t.Fragment.Seq(), ref))
	return nil
}

// alignedBases is the number of query bases between the soft clips.
func alignedBases(c sam.Cigar) int {
	return fragment.QueryLength(c) - fragment.LeadingSoftClip(c) - fragment.TrailingSoftClip(c)
}
