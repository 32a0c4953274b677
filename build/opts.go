// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package build

import (
	"fmt"
	"runtime"

	"github.com/grailbio/bambuild/refine"
	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/gzip"
)

// Opts configures a build.
type Opts struct {
	// Parallelism is the number of worker threads shared by all stages.
	Parallelism int
	// MaxLoaders, MaxComputers and MaxSavers bound the bins in each
	// stage.
	MaxLoaders   int
	MaxComputers int
	MaxSavers    int
	// ThreadsPerTask bounds the threads cooperating on one bin's
	// compute stage.
	ThreadsPerTask int
	// FragmentsPerPart is the unit of compute work handed to a thread.
	FragmentsPerPart int
	// MaxResidentBins is the initial bound on bins holding buffers.  0
	// means Parallelism.
	MaxResidentBins int
	// AllocationRetries bounds the retries of a failed bin allocation.
	// 0 means DefaultOpts.AllocationRetries; a negative value disables
	// retries.
	AllocationRetries int
	// MemoryLimit bounds the bytes of all resident bin buffers.  0
	// derives the limit from the physical memory.
	MemoryLimit int64

	// GzipLevel is the compression level of the output.
	GzipLevel int
	// WriteBAI writes <output>.bai.
	WriteBAI bool
	// WriteGIndex writes <output>.gbai, with entries spaced by
	// GIndexByteInterval compressed bytes.
	WriteGIndex        bool
	GIndexByteInterval int
	// ProduceMD5 writes <output>.md5.
	ProduceMD5 bool

	RealignGaps              refine.RealignMode
	RealignedGapsPerFragment int
	KnownIndels              []refine.Gap
	GapScoring               refine.Scoring

	ClipAdapters bool
	Adapters     []refine.Adapter
	// AdapterMismatchPercent is the flank mismatch rate, in percent, at
	// which an adapter match is rejected.  0 means the default of 40.  A
	// threshold of 0% would reject every match; turn ClipAdapters off
	// instead.
	AdapterMismatchPercent int

	ClipSemialigned       bool
	SemialignedMinMatches int

	// ProgramName and CommandLine go into the @PG header line.
	ProgramName string
	CommandLine string

	// OnTransition, when set, is called on every bin state change while
	// the scheduler lock is held.  It must not call back into the Build.
	OnTransition func(Transition)
}

// DefaultOpts are the default build options.
var DefaultOpts = Opts{
	MaxLoaders:               4,
	MaxSavers:                2,
	FragmentsPerPart:         8192,
	AllocationRetries:        16,
	GzipLevel:                gzip.BestSpeed,
	WriteBAI:                 true,
	WriteGIndex:              true,
	GIndexByteInterval:       8192,
	RealignGaps:              refine.RealignSample,
	RealignedGapsPerFragment: refine.DefaultRealignedGapsPerFragment,
	GapScoring:               refine.DefaultScoring,
	ClipAdapters:             true,
	Adapters:                 []refine.Adapter{refine.Nextera},
	AdapterMismatchPercent:   refine.DefaultAdapterMismatchPercent,
	ClipSemialigned:          true,
	SemialignedMinMatches:    refine.DefaultSemialignedMinMatches,
	ProgramName:              "bio-bam-build",
}

// fill replaces the unset fields of o with defaults and validates the
// result.
func (o *Opts) fill() error {
	if o.Parallelism <= 0 {
		o.Parallelism = runtime.NumCPU()
	}
	if o.MaxLoaders <= 0 {
		o.MaxLoaders = DefaultOpts.MaxLoaders
	}
	if o.MaxComputers <= 0 {
		o.MaxComputers = o.Parallelism
	}
	if o.MaxSavers <= 0 {
		o.MaxSavers = DefaultOpts.MaxSavers
	}
	if o.ThreadsPerTask <= 0 {
		o.ThreadsPerTask = o.Parallelism
	}
	if o.FragmentsPerPart <= 0 {
		o.FragmentsPerPart = DefaultOpts.FragmentsPerPart
	}
	if o.MaxResidentBins <= 0 {
		o.MaxResidentBins = o.Parallelism
	}
	if o.AllocationRetries == 0 {
		o.AllocationRetries = DefaultOpts.AllocationRetries
	}
	if o.GIndexByteInterval <= 0 {
		o.GIndexByteInterval = DefaultOpts.GIndexByteInterval
	}
	if o.GzipLevel < gzip.HuffmanOnly || o.GzipLevel > gzip.BestCompression {
		return errors.E(errors.Invalid, fmt.Sprintf("invalid gzip level %d", o.GzipLevel))
	}
	if o.AdapterMismatchPercent < 0 || o.AdapterMismatchPercent > 100 {
		return errors.E(errors.Invalid, fmt.Sprintf("adapter mismatch percent %d not in [0,100]", o.AdapterMismatchPercent))
	}
	if o.AdapterMismatchPercent == 0 {
		o.AdapterMismatchPercent = refine.DefaultAdapterMismatchPercent
	}
	if o.SemialignedMinMatches <= 0 {
		o.SemialignedMinMatches = refine.DefaultSemialignedMinMatches
	}
	if o.RealignedGapsPerFragment <= 0 {
		o.RealignedGapsPerFragment = refine.DefaultRealignedGapsPerFragment
	}
	if o.GapScoring == (refine.Scoring{}) {
		o.GapScoring = refine.DefaultScoring
	}
	return nil
}
