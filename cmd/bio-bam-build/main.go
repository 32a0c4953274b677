// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

// bio-bam-build sorts, refines and indexes bins of aligned fragments
// into coordinate-sorted BAM files.
//
// Usage: bio-bam-build -reference ref.fa -manifest bins.tsv [flags]

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/grailbio/bambuild/build"
	"github.com/grailbio/bambuild/reference"
	"github.com/grailbio/bambuild/refine"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
)

var (
	referenceFlag   = flag.String("reference", "", "FASTA reference the fragments are aligned to")
	manifestFlag    = flag.String("manifest", "", "TSV manifest of the bins, in output order")
	knownIndelsFlag = flag.String("known-indels", "", "TSV of known indels for -realign=all")
	statsFlag       = flag.String("stats", "", "If set, write the run statistics as JSON to this path")

	parallelismFlag      = flag.Int("parallelism", 0, "Worker threads; 0 means one per CPU")
	maxLoadersFlag       = flag.Int("max-loaders", build.DefaultOpts.MaxLoaders, "Bins loaded at the same time")
	maxComputersFlag     = flag.Int("max-computers", 0, "Bins computed at the same time; 0 means -parallelism")
	maxSaversFlag        = flag.Int("max-savers", build.DefaultOpts.MaxSavers, "Bins saved at the same time")
	threadsPerTaskFlag   = flag.Int("threads-per-task", 0, "Threads cooperating on one bin; 0 means -parallelism")
	fragmentsPerPartFlag = flag.Int("fragments-per-part", build.DefaultOpts.FragmentsPerPart, "Fragments per unit of compute work")
	memoryLimitFlag      = flag.Int64("memory-limit", 0, "Bytes of resident bin buffers; 0 derives the limit from the physical memory")
	retriesFlag          = flag.Int("allocation-retries", build.DefaultOpts.AllocationRetries, "Retries of a failed bin allocation; negative disables retries")

	gzipLevelFlag = flag.Int("gzip-level", build.DefaultOpts.GzipLevel, "Compression level of the output")
	baiFlag       = flag.Bool("bai", build.DefaultOpts.WriteBAI, "Write a .bai index next to each output")
	gbaiFlag      = flag.Bool("gbai", build.DefaultOpts.WriteGIndex, "Write a .gbai index next to each output")
	gbaiSpaceFlag = flag.Int("gbai-byte-interval", build.DefaultOpts.GIndexByteInterval, "Compressed bytes between .gbai entries")
	md5Flag       = flag.Bool("md5", false, "Write a .md5 checksum next to each output")

	realignFlag         = flag.String("realign", build.DefaultOpts.RealignGaps.String(), "Gap realignment: none, sample or all")
	realignedGapsFlag   = flag.Int("realigned-gaps", build.DefaultOpts.RealignedGapsPerFragment, "Gaps introduced per fragment by realignment")
	clipAdaptersFlag    = flag.Bool("clip-adapters", build.DefaultOpts.ClipAdapters, "Soft clip sequencing adapters")
	adaptersFlag        = flag.String("adapters", "Nextera", "Comma-separated adapters: Nextera, TruSeq, or NAME=SEQUENCE")
	adapterMismatchFlag = flag.Int("adapter-mismatch-percent", build.DefaultOpts.AdapterMismatchPercent, "Flank mismatch percentage at which an adapter match is rejected")
	clipSemialignedFlag = flag.Bool("clip-semialigned", build.DefaultOpts.ClipSemialigned, "Soft clip ends before the first run of matches")
	semialignedRunFlag  = flag.Int("semialigned-min-matches", build.DefaultOpts.SemialignedMinMatches, "Length of the match run that ends a semialigned clip")

	estimateFlag    = flag.Bool("estimate", false, "Print the optimum fragments per bin and exit")
	fragmentSize    = flag.Int64("mean-fragment-size", 400, "Mean packed fragment size, for -estimate")
	compressionFlag = flag.Float64("compression-ratio", 4, "Expected output compression ratio, for -estimate")
)

// parseAdapters parses the -adapters flag.
func parseAdapters(s string) ([]refine.Adapter, error) {
	known := map[string]refine.Adapter{
		strings.ToLower(refine.Nextera.Name): refine.Nextera,
		strings.ToLower(refine.TruSeq.Name):  refine.TruSeq,
	}
	var adapters []refine.Adapter
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if i := strings.Index(name, "="); i > 0 {
			seq := strings.ToUpper(name[i+1:])
			if strings.Trim(seq, "ACGTN") != "" || seq == "" {
				return nil, fmt.Errorf("adapter %s: invalid sequence %q", name[:i], seq)
			}
			adapters = append(adapters, refine.Adapter{Name: name[:i], Sequence: seq})
			continue
		}
		a, ok := known[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("unknown adapter %q", name)
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}

func buildOpts() (build.Opts, error) {
	opts := build.DefaultOpts
	opts.Parallelism = *parallelismFlag
	opts.MaxLoaders = *maxLoadersFlag
	opts.MaxComputers = *maxComputersFlag
	opts.MaxSavers = *maxSaversFlag
	opts.ThreadsPerTask = *threadsPerTaskFlag
	opts.FragmentsPerPart = *fragmentsPerPartFlag
	opts.MemoryLimit = *memoryLimitFlag
	opts.AllocationRetries = *retriesFlag
	opts.GzipLevel = *gzipLevelFlag
	opts.WriteBAI = *baiFlag
	opts.WriteGIndex = *gbaiFlag
	opts.GIndexByteInterval = *gbaiSpaceFlag
	opts.ProduceMD5 = *md5Flag
	opts.RealignedGapsPerFragment = *realignedGapsFlag
	opts.ClipAdapters = *clipAdaptersFlag
	opts.AdapterMismatchPercent = *adapterMismatchFlag
	opts.ClipSemialigned = *clipSemialignedFlag
	opts.SemialignedMinMatches = *semialignedRunFlag
	opts.CommandLine = strings.Join(os.Args, " ")
	var err error
	if opts.RealignGaps, err = refine.ParseRealignMode(*realignFlag); err != nil {
		return opts, err
	}
	if opts.Adapters, err = parseAdapters(*adaptersFlag); err != nil {
		return opts, err
	}
	return opts, nil
}

func run(ctx context.Context, opts build.Opts) error {
	contigs, err := reference.LoadFASTA(ctx, *referenceFlag)
	if err != nil {
		return err
	}
	bins, outputs, err := build.LoadManifest(ctx, *manifestFlag, contigs)
	if err != nil {
		return err
	}
	if *knownIndelsFlag != "" {
		if opts.KnownIndels, err = build.LoadKnownIndels(ctx, *knownIndelsFlag, contigs); err != nil {
			return err
		}
		log.Printf("%s: %d known indels", *knownIndelsFlag, len(opts.KnownIndels))
	} else if opts.RealignGaps == refine.RealignAll {
		log.Printf("warning: -realign=all without -known-indels realigns against the bin's own gaps only")
	}
	stats, err := build.Run(ctx, contigs, bins, outputs, opts)
	if stats != nil && *statsFlag != "" {
		if serr := build.WriteStats(ctx, *statsFlag, stats); serr != nil && err == nil {
			err = serr
		}
	}
	if err != nil {
		return err
	}
	totals := stats.Totals()
	log.Printf("run %s: %d records in %d bins; %d adapter clipped, %d semialigned clipped, %d realigned",
		stats.RunID, totals.Records, len(stats.Bins), totals.AdapterClipped, totals.SemialignedClipped, totals.Realigned)
	return nil
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	flag.Usage = func() {
		os.Stderr.WriteString(`Usage:
bio-bam-build -reference <ref.fa> -manifest <bins.tsv> [flags]

The manifest lists one bin per line, with the header
  path output contig begin end data_size records snappy
Bins of the same output must appear in coordinate order; contig "*" marks
the bin of unplaced fragments, which must come last.

bio-bam-build -estimate [-memory-limit N] [-mean-fragment-size N] [-compression-ratio R]

prints the number of fragments per bin that keeps one bin per compute
thread in memory.
`)
		flag.PrintDefaults()
	}
	shutdown := grail.Init()
	defer shutdown()

	opts, err := buildOpts()
	if err != nil {
		log.Fatal(err)
	}
	if *estimateFlag {
		limit, err := build.MemoryLimit(opts)
		if err != nil {
			log.Fatal(err)
		}
		threads := opts.MaxComputers
		if threads == 0 {
			threads = opts.Parallelism
		}
		if threads == 0 {
			threads = runtime.NumCPU()
		}
		fmt.Println(build.EstimateOptimumFragmentsPerBin(limit, threads, *fragmentSize, *compressionFlag))
		return
	}
	if *referenceFlag == "" || *manifestFlag == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(vcontext.Background(), opts); err != nil {
		log.Fatalf("bio-bam-build: %v", err)
	}
}
