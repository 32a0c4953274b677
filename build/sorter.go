// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package build

import (
	"context"
	"fmt"
	"io"

	"github.com/dgryski/go-farm"
	"github.com/golang/snappy"
	"github.com/grailbio/bambuild/encoding/bam"
	"github.com/grailbio/bambuild/fragment"
	"github.com/grailbio/bambuild/reference"
	"github.com/grailbio/bambuild/refine"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
)

// part is the per-thread state of one part of a bin's compute stage.
type part struct {
	begin, end  int
	adapters    *refine.AdapterClipper
	semialigned *refine.SemialignedEndsClipper

	adapterClipped     int
	semialignedClipped int
	realigned          int
}

// binData is everything held for a resident bin.
type binData struct {
	buf       *fragment.Buffer
	realigner *refine.GapRealigner
	parts     []part
	shard     *bam.Shard
	stats     BinStats
}

// BinSorter implements the stages of a build on packed fragment bins:
// it loads a bin into a fragment.Buffer, refines every fragment, sorts
// the bin into output order, compresses it, and appends it to its
// output file.
type BinSorter struct {
	opts    Opts
	contigs reference.ContigList
	header  *sam.Header
	bins    []Bin
	pool    *fragment.Pool
	outputs []*outputFile
	data    []*binData
	stats   []BinStats
}

// NewBinSorter creates the stages for bins.  pool bounds the memory of
// the resident bins.  outputs are indexed by Bin.Output.
func NewBinSorter(opts Opts, contigs reference.ContigList, header *sam.Header, bins []Bin, pool *fragment.Pool, outputs []*outputFile) *BinSorter {
	return &BinSorter{
		opts:    opts,
		contigs: contigs,
		header:  header,
		bins:    bins,
		pool:    pool,
		outputs: outputs,
		data:    make([]*binData, len(bins)),
		stats:   make([]BinStats, len(bins)),
	}
}

// Stats returns the statistics of the saved bins.
func (s *BinSorter) Stats() []BinStats { return s.stats }

// Allocate implements Stages.
func (s *BinSorter) Allocate(bin int) error {
	buf := fragment.NewBuffer(s.pool)
	if err := buf.Resize(s.bins[bin].DataSize, s.bins[bin].Records); err != nil {
		return err
	}
	s.data[bin] = &binData{buf: buf, stats: BinStats{Bin: bin, Path: s.bins[bin].Path}}
	return nil
}

// Load implements Stages.  The stream must hold exactly DataSize bytes.
func (s *BinSorter) Load(ctx context.Context, bin int) (err error) {
	meta := s.bins[bin]
	d := s.data[bin]
	if meta.DataSize == 0 && meta.Path == "" {
		return nil
	}
	f, err := file.Open(ctx, meta.Path)
	if err != nil {
		return err
	}
	defer func() {
		if e := f.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	var r io.Reader = f.Reader(ctx)
	if meta.Snappy {
		r = snappy.NewReader(r)
	}
	n, err := io.ReadFull(r, d.buf.Bytes())
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &fragment.MalformedError{Offset: n, Reason: fmt.Sprintf("%s: stream ends after %d of %d bytes", meta.Path, n, meta.DataSize)}
	}
	if err != nil {
		return errors.E(err, fmt.Sprintf("read %s", meta.Path))
	}
	var extra [1]byte
	if m, _ := r.Read(extra[:]); m > 0 {
		return &fragment.MalformedError{Offset: n, Reason: fmt.Sprintf("%s: stream is longer than %d bytes", meta.Path, meta.DataSize)}
	}
	log.Debug.Printf("bin %d: loaded %d bytes from %s", bin, n, meta.Path)
	return nil
}

// Prepare implements Stages.  It indexes the bin and splits it into
// parts of FragmentsPerPart fragments.
func (s *BinSorter) Prepare(bin int) (int, error) {
	d := s.data[bin]
	if err := d.buf.BuildIndex(s.bins[bin].Records); err != nil {
		return 0, err
	}
	n := len(d.buf.Index())
	parts := (n + s.opts.FragmentsPerPart - 1) / s.opts.FragmentsPerPart
	d.buf.ResetCigarStores(parts)
	if s.opts.RealignGaps != refine.RealignNone {
		d.realigner = refine.NewGapRealigner(s.opts.RealignGaps, s.opts.RealignedGapsPerFragment, s.opts.GapScoring, s.opts.KnownIndels)
		d.realigner.Prepare(d.buf, s.bins[bin].Begin, s.bins[bin].End)
	}
	d.parts = make([]part, parts)
	for i := range d.parts {
		p := &d.parts[i]
		p.begin = i * s.opts.FragmentsPerPart
		p.end = p.begin + s.opts.FragmentsPerPart
		if p.end > n {
			p.end = n
		}
		if s.opts.ClipAdapters {
			aopts := refine.DefaultAdapterOpts
			aopts.Adapters = s.opts.Adapters
			aopts.MismatchPercent = s.opts.AdapterMismatchPercent
			p.adapters = refine.NewAdapterClipper(aopts)
		}
		if s.opts.ClipSemialigned {
			p.semialigned = refine.NewSemialignedEndsClipper(s.opts.SemialignedMinMatches)
		}
	}
	return parts, nil
}

// ComputePart implements Stages.  It refines the fragments of one part:
// adapter clipping, then semialigned end clipping, then gap
// realignment.
func (s *BinSorter) ComputePart(bin, i int) error {
	d := s.data[bin]
	p := &d.parts[i]
	binEnd := s.bins[bin].End
	index := d.buf.Index()
	for j := p.begin; j < p.end; j++ {
		t, err := refine.NewTarget(d.buf, &index[j], i)
		if err != nil {
			return err
		}
		if p.adapters != nil {
			changed, err := p.adapters.Clip(s.contigs, binEnd, &t)
			if err != nil {
				return err
			}
			if changed {
				p.adapterClipped++
			}
		}
		if p.semialigned != nil {
			changed, err := p.semialigned.Clip(s.contigs, binEnd, &t)
			if err != nil {
				return err
			}
			if changed {
				p.semialignedClipped++
			}
		}
		if d.realigner != nil {
			changed, err := d.realigner.Realign(s.contigs, binEnd, &t)
			if err != nil {
				return err
			}
			if changed {
				p.realigned++
			}
		}
	}
	return nil
}

// Finish implements Stages.  It propagates the refined positions to the
// mates, sorts the bin and compresses it.
func (s *BinSorter) Finish(bin int) error {
	d := s.data[bin]
	for _, p := range d.parts {
		d.stats.AdapterClipped += p.adapterClipped
		d.stats.SemialignedClipped += p.semialignedClipped
		d.stats.Realigned += p.realigned
	}
	d.parts = nil
	if err := s.resyncMates(d); err != nil {
		return err
	}
	d.buf.SortForBAM()
	if !d.buf.IsSortedForBAM() {
		return errors.E(errors.Integrity, fmt.Sprintf("bin %d is not sorted after sorting", bin))
	}
	return s.serialize(bin, d)
}

// resyncMates updates the mate fields of every fragment from its mate in
// the bin, whose position may have changed during refinement.  Shadows,
// unmapped fragments with a mapped mate, are placed at their mate.
func (s *BinSorter) resyncMates(d *binData) error {
	index := d.buf.Index()
	byHandle := make(map[fragment.Handle]int, len(index))
	for i := range index {
		byHandle[index[i].Data] = i
	}
	for i := range index {
		idx := &index[i]
		if !idx.HasMate() {
			continue
		}
		f, err := d.buf.Fragment(idx.Data)
		if err != nil {
			return err
		}
		j, ok := byHandle[idx.Mate]
		if !ok {
			return errors.E(errors.Integrity, fmt.Sprintf("mate of record at offset %d is not indexed", idx.Data.Offset()))
		}
		mateIdx := &index[j]
		mate, err := d.buf.Fragment(mateIdx.Data)
		if err != nil {
			return err
		}
		switch {
		case f.IsUnmapped() && !mate.IsUnmapped():
			f.SetPosition(mate.Position())
			idx.Pos = mate.Position()
			f.SetMatePosition(mate.RefID(), mate.Pos())
			f.SetTemplateLength(0)
			d.stats.Shadows++
		case !f.IsUnmapped() && mate.IsUnmapped():
			f.SetMatePosition(f.RefID(), f.Pos())
			f.SetTemplateLength(0)
		case !f.IsUnmapped():
			f.SetMatePosition(mate.RefID(), mate.Pos())
			f.SetTemplateLength(templateLength(f, d.buf.Cigar(idx), mate, d.buf.Cigar(mateIdx)))
		}
	}
	return nil
}

// templateLength is the signed observed template length of a mapped
// pair: positive for the leftmost fragment.
func templateLength(f fragment.Fragment, fc sam.Cigar, m fragment.Fragment, mc sam.Cigar) int32 {
	if f.RefID() != m.RefID() {
		return 0
	}
	fBegin, mBegin := f.Pos(), m.Pos()
	fEnd := fBegin + int32(fragment.ReferenceLength(fc))
	mEnd := mBegin + int32(fragment.ReferenceLength(mc))
	begin, end := fBegin, fEnd
	if mBegin < begin {
		begin = mBegin
	}
	if mEnd > end {
		end = mEnd
	}
	n := end - begin
	if fBegin < mBegin || (fBegin == mBegin && !f.IsSecondRead()) {
		return n
	}
	return -n
}

// serialize compresses the sorted bin into a shard.
func (s *BinSorter) serialize(bin int, d *binData) error {
	c := bam.NewCompressor(s.opts.GzipLevel)
	if err := c.StartShard(); err != nil {
		return err
	}
	refs := s.header.Refs()
	index := d.buf.Index()
	rec := &sam.Record{}
	for i := range index {
		idx := &index[i]
		f, err := d.buf.Fragment(idx.Data)
		if err != nil {
			return err
		}
		*rec = sam.Record{
			Name:    string(f.Name()),
			Pos:     int(f.Pos()),
			MapQ:    f.MapQ(),
			Cigar:   d.buf.Cigar(idx),
			Flags:   f.Flags(),
			MatePos: int(f.MatePos()),
			TempLen: int(f.TemplateLength()),
			Seq:     sam.NewSeq(f.Seq()),
			Qual:    f.Qual(),
		}
		if id := f.RefID(); id >= 0 && int(id) < len(refs) {
			rec.Ref = refs[id]
		}
		if id := f.MateRefID(); id >= 0 && int(id) < len(refs) {
			rec.MateRef = refs[id]
		}
		if f.IsUnmapped() {
			d.stats.Unmapped++
		} else {
			nm, err := sam.NewAux(nmTag, f.EditDistance())
			if err != nil {
				return err
			}
			rec.AuxFields = sam.AuxFields{nm}
		}
		if err := c.AddRecord(rec); err != nil {
			return errors.E(err, fmt.Sprintf("bin %d: record %s", bin, rec.Name))
		}
	}
	shard, err := c.CloseShard()
	if err != nil {
		return err
	}
	d.shard = shard
	d.stats.Records = shard.Len()
	d.stats.CompressedBytes = shard.Size()
	d.stats.Fingerprint = farm.Fingerprint64(shard.Bytes())
	return nil
}

var nmTag = sam.NewTag("NM")

// Save implements Stages.
func (s *BinSorter) Save(ctx context.Context, bin int) error {
	d := s.data[bin]
	out := s.outputs[s.bins[bin].Output]
	if err := out.writeShard(d.shard); err != nil {
		return err
	}
	d.shard = nil
	s.stats[bin] = d.stats
	s.stats[bin].Saved = true
	log.Debug.Printf("bin %d: saved %d records to %s", bin, d.stats.Records, out.path)
	return nil
}

// Release implements Stages.
func (s *BinSorter) Release(bin int) {
	d := s.data[bin]
	if d == nil {
		return
	}
	d.buf.Unreserve()
	s.data[bin] = nil
}
