// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package build

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/bambuild/reference"
	"github.com/grailbio/bambuild/refine"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// Bin describes one partition of the input: a stream of packed
// fragment records covering [Begin, End) on the reference, destined for
// one output file.  Bins of the unplaced fragments have Begin and End
// set to reference.Unmapped.
type Bin struct {
	Path     string
	DataSize int64
	Records  int
	// Snappy is set when the stream is snappy framed.
	Snappy bool
	Begin  reference.Position
	End    reference.Position
	// Output is the index of the output file.
	Output int
}

func (b Bin) String() string {
	return fmt.Sprintf("%s[%v,%v) %d records %d bytes", b.Path, b.Begin, b.End, b.Records, b.DataSize)
}

// Stage is a step of the bin pipeline.
type Stage int

const (
	StageAllocate Stage = iota
	StageLoad
	StageCompute
	StageSave
)

func (s Stage) String() string {
	switch s {
	case StageAllocate:
		return "allocate"
	case StageLoad:
		return "load"
	case StageCompute:
		return "compute"
	case StageSave:
		return "save"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// State is the progress of a bin.  States only move forward, except
// that any state before Released may move to Failed.
type State int

const (
	Unallocated State = iota
	// Allocated bins hold their buffer and wait for a load slot.
	Allocated
	Loading
	// Loaded bins wait for a compute slot.
	Loaded
	Computing
	// Computed bins wait for a save slot.
	Computed
	Saving
	Released
	Failed
)

var stateNames = [...]string{
	Unallocated: "unallocated",
	Allocated:   "allocated",
	Loading:     "loading",
	Loaded:      "loaded",
	Computing:   "computing",
	Computed:    "computed",
	Saving:      "saving",
	Released:    "released",
	Failed:      "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// manifestRow is one line of a bin manifest.
type manifestRow struct {
	Path     string `tsv:"path"`
	Output   string `tsv:"output"`
	Contig   string `tsv:"contig"`
	Begin    int64  `tsv:"begin"`
	End      int64  `tsv:"end"`
	DataSize int64  `tsv:"data_size"`
	Records  int    `tsv:"records"`
	Snappy   string `tsv:"snappy"`
}

// ReadManifest parses a tab-separated bin manifest with the columns
// path, output, contig, begin, end, data_size, records and snappy.  The
// contig "*" denotes unplaced fragments.  Bins must be listed in output
// order: within one output file, in increasing coordinate order.  It
// returns the bins and the output paths, in order of first use.
func ReadManifest(r io.Reader, contigs reference.ContigList) ([]Bin, []string, error) {
	byName := make(map[string]int, len(contigs))
	for i := range contigs {
		byName[contigs[i].Name] = i
	}
	reader := tsv.NewReader(r)
	reader.HasHeaderRow = true
	reader.UseHeaderNames = true
	reader.Comment = '#'

	var (
		bins    []Bin
		outputs []string
		last    []reference.Position
	)
	outputIndex := map[string]int{}
	for line := 1; ; line++ {
		var row manifestRow
		if err := reader.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, nil, errors.E(errors.Invalid, fmt.Sprintf("manifest row %d", line), err)
		}
		snappy, err := strconv.ParseBool(row.Snappy)
		if err != nil {
			return nil, nil, errors.E(errors.Invalid, fmt.Sprintf("manifest row %d: snappy", line), err)
		}
		bin := Bin{
			Path:     row.Path,
			DataSize: row.DataSize,
			Records:  row.Records,
			Snappy:   snappy,
			Begin:    reference.Unmapped,
			End:      reference.Unmapped,
		}
		if row.DataSize < 0 || row.Records < 0 {
			return nil, nil, errors.E(errors.Invalid, fmt.Sprintf("manifest row %d: negative size", line))
		}
		if row.Contig != "*" {
			c, ok := byName[row.Contig]
			if !ok {
				return nil, nil, errors.E(errors.Invalid, fmt.Sprintf("manifest row %d: unknown contig %q", line, row.Contig))
			}
			if row.Begin < 0 || row.End < row.Begin || row.End > contigs[c].Len() {
				return nil, nil, errors.E(errors.Invalid, fmt.Sprintf("manifest row %d: bad range [%d,%d) on %s", line, row.Begin, row.End, row.Contig))
			}
			bin.Begin = reference.NewPosition(c, row.Begin)
			bin.End = reference.NewPosition(c, row.End)
		}
		out, ok := outputIndex[row.Output]
		if !ok {
			out = len(outputs)
			outputIndex[row.Output] = out
			outputs = append(outputs, row.Output)
			last = append(last, 0)
		}
		if bin.Begin < last[out] {
			return nil, nil, errors.E(errors.Invalid, fmt.Sprintf("manifest row %d: bin %v is out of order in %s", line, bin.Begin, row.Output))
		}
		last[out] = bin.Begin
		bin.Output = out
		bins = append(bins, bin)
	}
	return bins, outputs, nil
}

// LoadManifest reads a bin manifest from a local or remote path.
func LoadManifest(ctx context.Context, path string, contigs reference.ContigList) (bins []Bin, outputs []string, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if e := f.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	return ReadManifest(f.Reader(ctx), contigs)
}

// knownIndelRow is one line of a known indels file.  Length is the
// number of deleted reference bases; negative lengths are insertions.
type knownIndelRow struct {
	Contig string `tsv:"contig"`
	Pos    int64  `tsv:"pos"`
	Length int    `tsv:"length"`
}

// ReadKnownIndels parses a tab-separated file of known indels with the
// columns contig, pos (0-based) and length.  Indels on contigs missing
// from the reference are skipped.
func ReadKnownIndels(r io.Reader, contigs reference.ContigList) ([]refine.Gap, error) {
	byName := make(map[string]int, len(contigs))
	for i := range contigs {
		byName[contigs[i].Name] = i
	}
	reader := tsv.NewReader(r)
	reader.HasHeaderRow = true
	reader.UseHeaderNames = true
	reader.Comment = '#'
	var gaps []refine.Gap
	skipped := map[string]bool{}
	for line := 1; ; line++ {
		var row knownIndelRow
		if err := reader.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, fmt.Sprintf("known indels row %d", line), err)
		}
		c, ok := byName[strings.TrimSpace(row.Contig)]
		if !ok {
			skipped[row.Contig] = true
			continue
		}
		if row.Length == 0 || row.Pos < 0 || row.Pos > contigs[c].Len() {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("known indels row %d: bad indel %s:%d/%d", line, row.Contig, row.Pos, row.Length))
		}
		gaps = append(gaps, refine.Gap{Pos: reference.NewPosition(c, row.Pos), Length: row.Length})
	}
	if len(skipped) > 0 {
		log.Printf("known indels: skipped %d contigs missing from the reference", len(skipped))
	}
	return refine.SortGaps(gaps), nil
}

// LoadKnownIndels reads a known indels file from a local or remote path.
func LoadKnownIndels(ctx context.Context, path string, contigs reference.ContigList) (gaps []refine.Gap, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if e := f.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	return ReadKnownIndels(f.Reader(ctx), contigs)
}
