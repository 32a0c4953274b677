// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package build

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/sugawarayuuta/sonnet"
)

// SchedulerStats summarizes how the scheduler ran.
type SchedulerStats struct {
	Bins       int `json:"bins"`
	FailedBins int `json:"failed_bins"`
	// PeakResidentBins is the largest number of bins that held memory at
	// the same time.
	PeakResidentBins int `json:"peak_resident_bins"`
	// MaxResidentBins is the residency cap at the end of the run, after
	// any reduction caused by allocation failures.
	MaxResidentBins   int `json:"max_resident_bins"`
	AllocationRetries int `json:"allocation_retries"`
}

// BinStats describes the output of one bin.
type BinStats struct {
	Bin                int    `json:"bin"`
	Path               string `json:"path"`
	Saved              bool   `json:"saved"`
	Records            int    `json:"records"`
	Unmapped           int    `json:"unmapped"`
	Shadows            int    `json:"shadows"`
	AdapterClipped     int    `json:"adapter_clipped"`
	SemialignedClipped int    `json:"semialigned_clipped"`
	Realigned          int    `json:"realigned"`
	CompressedBytes    int    `json:"compressed_bytes"`
	// Fingerprint is a hash of the compressed records of the bin.  Two
	// runs over the same inputs and options produce the same value.
	Fingerprint uint64 `json:"fingerprint"`
}

// OutputStats describes one output file.
type OutputStats struct {
	Path    string `json:"path"`
	Records int64  `json:"records"`
	Bytes   uint64 `json:"bytes"`
	MD5     string `json:"md5,omitempty"`
}

// Stats is the summary of a Run.
type Stats struct {
	RunID       string         `json:"run_id"`
	MemoryLimit int64          `json:"memory_limit"`
	Scheduler   SchedulerStats `json:"scheduler"`
	Outputs     []OutputStats  `json:"outputs"`
	Bins        []BinStats     `json:"bins"`
}

// Totals sums the per-bin counters of the saved bins.
func (s *Stats) Totals() BinStats {
	t := BinStats{Bin: -1}
	for _, b := range s.Bins {
		if !b.Saved {
			continue
		}
		t.Records += b.Records
		t.Unmapped += b.Unmapped
		t.Shadows += b.Shadows
		t.AdapterClipped += b.AdapterClipped
		t.SemialignedClipped += b.SemialignedClipped
		t.Realigned += b.Realigned
		t.CompressedBytes += b.CompressedBytes
	}
	return t
}

// WriteStats writes s as JSON to path.
func WriteStats(ctx context.Context, path string, s *Stats) (err error) {
	data, err := sonnet.Marshal(s)
	if err != nil {
		return errors.E(err, "encode stats")
	}
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if e := out.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	if _, err = out.Writer(ctx).Write(append(data, '\n')); err != nil {
		return errors.E(err, fmt.Sprintf("write %s", path))
	}
	return nil
}
