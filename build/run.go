// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package build

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/grailbio/bambuild/fragment"
	"github.com/grailbio/bambuild/reference"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/multierror"
)

// memoryFraction is the share of the physical memory that bin buffers
// may use when Opts.MemoryLimit is unset.
const memoryFraction = 0.8

// EstimateOptimumFragmentsPerBin returns the number of fragments per bin
// that lets every compute thread hold one bin, given the memory
// available for bin buffers, the mean packed fragment size and the
// expected compression ratio of the output.
func EstimateOptimumFragmentsPerBin(availableMemory int64, computeThreads int, meanFragmentSize int64, compressionRatio float64) int64 {
	if computeThreads <= 0 || meanFragmentSize <= 0 {
		return 0
	}
	if compressionRatio < 1 {
		compressionRatio = 1
	}
	perFragment := float64(meanFragmentSize) + float64(fragment.IndexSize) + float64(meanFragmentSize)/compressionRatio
	return int64(float64(availableMemory) / float64(computeThreads) / perFragment)
}

// MemoryLimit resolves the bound on bin buffer memory: opts.MemoryLimit
// when set, else a share of the physical memory.
func MemoryLimit(opts Opts) (int64, error) {
	if opts.MemoryLimit > 0 {
		return opts.MemoryLimit, nil
	}
	total, err := availableMemory()
	if err != nil {
		return 0, errors.E(err, "cannot derive a memory limit; set one explicitly")
	}
	return int64(float64(total) * memoryFraction), nil
}

// Run builds the given outputs from bins.  Bin.Output indexes outputs.
// Each output gets a .bai and a .gbai index and a .md5 checksum as
// configured by opts.
func Run(ctx context.Context, contigs reference.ContigList, bins []Bin, outputs []string, opts Opts) (*Stats, error) {
	for _, bin := range bins {
		if bin.Output < 0 || bin.Output >= len(outputs) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("bin %v: output %d not in [0,%d)", bin, bin.Output, len(outputs)))
		}
	}
	if err := opts.fill(); err != nil {
		return nil, err
	}
	limit, err := MemoryLimit(opts)
	if err != nil {
		return nil, err
	}
	stats := &Stats{RunID: uuid.New().String(), MemoryLimit: limit}
	header, err := reference.NewHeader(contigs, reference.HeaderOpts{
		ProgramName: opts.ProgramName,
		CommandLine: opts.CommandLine,
		RunID:       stats.RunID,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("build %s: %d bins into %d outputs, memory limit %d bytes", stats.RunID, len(bins), len(outputs), limit)

	files := make([]*outputFile, 0, len(outputs))
	discard := func() {
		for _, f := range files {
			f.discard(ctx)
		}
	}
	for _, path := range outputs {
		f, err := createOutput(ctx, path, header, opts)
		if err != nil {
			discard()
			return nil, err
		}
		files = append(files, f)
	}

	sorter := NewBinSorter(opts, contigs, header, bins, fragment.NewPool(limit), files)
	b, err := New(bins, sorter, opts)
	if err != nil {
		discard()
		return nil, err
	}
	runErr := b.Run(ctx)
	stats.Scheduler = b.Stats()
	stats.Bins = sorter.Stats()
	for i := range stats.Bins {
		stats.Bins[i].Bin = i
		stats.Bins[i].Path = bins[i].Path
	}
	if b.Terminated() {
		discard()
		return stats, runErr
	}

	errs := multierror.NewMultiError(len(files) + 1)
	if runErr != nil {
		errs.Add(runErr)
	}
	for _, f := range files {
		if err := f.close(ctx); err != nil {
			errs.Add(err)
		}
		stats.Outputs = append(stats.Outputs, f.stats)
	}
	return stats, errs.Err()
}
