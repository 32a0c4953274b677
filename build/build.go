// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package build turns bins of packed fragment records into sorted,
// indexed BAM files.
//
// Every bin goes through four stages: its buffer is allocated, its
// records are loaded, the compute stage refines and sorts them and
// compresses the result, and the save stage appends the compressed
// bytes to the bin's output file.  A fixed pool of worker threads
// carries bins through the stages.  Each stage has a bounded number of
// slots, and bins enter every stage in bin order, so that each output
// file is written in coordinate order without a merge pass:
//
//   nextUnserialized <= nextUnprocessed <= nextUnloaded <= nextUnallocated
//
// A thread waiting for a compute slot helps finish the most urgent
// (earliest) bin instead of idling, which keeps the number of resident
// bins close to the number of compute slots.
package build

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/bambuild/fragment"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/multierror"
	"github.com/grailbio/base/traverse"
	"github.com/willf/bitset"
)

// Stages performs the work of each stage of a bin.  Build calls them
// without holding its lock.  Calls for one bin never overlap, except
// ComputePart, which is called concurrently for distinct parts between
// Prepare and Finish.
type Stages interface {
	// Allocate reserves the buffers of bin.  It returns a
	// *fragment.OutOfMemoryError when memory is short.
	Allocate(bin int) error
	// Load reads the records of bin.
	Load(ctx context.Context, bin int) error
	// Prepare starts the compute stage and returns the number of parts
	// it is split into.
	Prepare(bin int) (int, error)
	// ComputePart processes one part.
	ComputePart(bin, part int) error
	// Finish completes the compute stage once all parts are done.
	Finish(bin int) error
	// Save writes bin to its output.
	Save(ctx context.Context, bin int) error
	// Release frees everything held for bin.  It is called once per
	// allocated bin, whatever its outcome.
	Release(bin int)
}

// Cursors are the ordering cursors of the scheduler: the next bin to
// enter each stage.
type Cursors struct {
	NextUnallocated  int
	NextUnloaded     int
	NextUnprocessed  int
	NextUnserialized int
}

func (c Cursors) valid(n int) bool {
	return 0 <= c.NextUnserialized &&
		c.NextUnserialized <= c.NextUnprocessed &&
		c.NextUnprocessed <= c.NextUnloaded &&
		c.NextUnloaded <= c.NextUnallocated &&
		c.NextUnallocated <= n
}

// Transition describes a bin state change.
type Transition struct {
	Bin      int
	From, To State
	Cursors  Cursors
	// MaxResident is the current bound on resident bins.
	MaxResident int
}

// Build schedules bins through the stages.
type Build struct {
	opts   Opts
	bins   []Bin
	stages Stages

	mu   sync.Mutex
	cond *sync.Cond

	states  []State
	cursors Cursors
	// allocating is set while the bin at NextUnallocated is being
	// allocated.
	allocating   bool
	resident     int
	maxResident  int
	peakResident int
	retries      int
	loaders      int
	computers    int
	savers       int
	held         []bool // bins holding buffers
	saving       []bool // by output
	tasks        taskRegistry
	failed       bitset.BitSet
	warned       map[string]bool

	terminated bool
	cause      error
	errs       []*BinError
}

// New creates a build of bins.  Bins must be in output order.
func New(bins []Bin, stages Stages, opts Opts) (*Build, error) {
	if err := opts.fill(); err != nil {
		return nil, err
	}
	outputs := 0
	for _, bin := range bins {
		if bin.Output < 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("bin %v: negative output index", bin))
		}
		if bin.Output >= outputs {
			outputs = bin.Output + 1
		}
	}
	b := &Build{
		opts:        opts,
		bins:        bins,
		stages:      stages,
		states:      make([]State, len(bins)),
		held:        make([]bool, len(bins)),
		maxResident: opts.MaxResidentBins,
		saving:      make([]bool, outputs),
		warned:      map[string]bool{},
	}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

// Run processes all bins.  It returns an error naming every failed bin
// and stage; bins that failed recoverably are missing from the output,
// while a fatal failure stops the whole build.
func (b *Build) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			b.Terminate(ctx.Err())
		case <-done:
		}
	}()
	log.Debug.Printf("build: %d bins, %d threads, slots load %d compute %d save %d",
		len(b.bins), b.opts.Parallelism, b.opts.MaxLoaders, b.opts.MaxComputers, b.opts.MaxSavers)
	return b.runError(traverse.Each(b.opts.Parallelism, func(thread int) error {
		return b.worker(ctx, thread)
	}))
}

// runError is the error of a run whose workers returned err.  Worker
// errors are bin errors, which b.err reports in bin order.
func (b *Build) runError(err error) error {
	if berr := b.err(); berr != nil {
		return berr
	}
	return err
}

// Terminate stops the build.  Threads waiting for a stage return at
// once; work in progress completes its current step first.
func (b *Build) Terminate(err error) {
	b.mu.Lock()
	b.terminate(err)
	b.mu.Unlock()
}

// terminate is Terminate with the lock held.
func (b *Build) terminate(err error) {
	if b.terminated {
		return
	}
	if err == nil {
		err = errors.E(errors.Canceled, "build terminated")
	}
	log.Error.Printf("build: terminating: %v", err)
	b.terminated = true
	b.cause = err
	b.cond.Broadcast()
}

// Terminated tells whether the build was stopped, by a fatal failure or
// by Terminate.
func (b *Build) Terminated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminated
}

// Errors returns the bin errors recorded so far.
func (b *Build) Errors() []*BinError {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*BinError(nil), b.errs...)
}

// State returns the current state of bin.
func (b *Build) State(bin int) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[bin]
}

// Stats reports the scheduler counters.
func (b *Build) Stats() SchedulerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return SchedulerStats{
		Bins:              len(b.bins),
		FailedBins:        int(b.failed.Count()),
		PeakResidentBins:  b.peakResident,
		MaxResidentBins:   b.maxResident,
		AllocationRetries: b.retries,
	}
}

// err aggregates the recorded errors: the termination cause first, then
// the bin errors in bin order.
func (b *Build) err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	errs := append([]*BinError(nil), b.errs...)
	sort.SliceStable(errs, func(i, j int) bool {
		if errs[i].Bin != errs[j].Bin {
			return errs[i].Bin < errs[j].Bin
		}
		return errs[i].Stage < errs[j].Stage
	})
	me := multierror.NewMultiError(len(errs) + 1)
	if b.cause != nil {
		me.Add(b.cause)
	}
	for _, e := range errs {
		if e == b.cause {
			continue
		}
		me.Add(e)
	}
	return me.Err()
}

func (b *Build) worker(ctx context.Context, thread int) error {
	for {
		bin, err := b.allocateBin(thread)
		if err != nil || bin < 0 {
			return err
		}
		if err := b.processBin(ctx, bin); err != nil {
			return err
		}
	}
}

// processBin carries an allocated bin through the remaining stages.
func (b *Build) processBin(ctx context.Context, bin int) error {
	if err := b.waitForLoadSlot(bin); err != nil {
		return b.abandon(bin, err)
	}
	if !b.isFailed(bin) {
		err := b.stages.Load(ctx, bin)
		if err := b.returnLoadSlot(bin, err); err != nil {
			return b.abandon(bin, err)
		}
	}
	if err := b.compute(bin); err != nil {
		return b.abandon(bin, err)
	}
	if err := b.waitForSaveSlot(bin); err != nil {
		return b.abandon(bin, err)
	}
	if !b.isFailed(bin) {
		err := b.stages.Save(ctx, bin)
		if err := b.returnSaveSlot(bin, err); err != nil {
			return b.abandon(bin, err)
		}
	}
	return nil
}

func (b *Build) isFailed(bin int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed.Test(uint(bin))
}

// transition moves bin to a new state.  The lock must be held.
func (b *Build) transition(bin int, to State) {
	from := b.states[bin]
	if from == Failed || from == Released || (to != Failed && to <= from) {
		b.violation(bin, fmt.Sprintf("bin %d: transition %v -> %v", bin, from, to))
		return
	}
	b.states[bin] = to
	log.Debug.Printf("bin %d: %v -> %v", bin, from, to)
	if b.opts.OnTransition != nil {
		b.opts.OnTransition(Transition{
			Bin:         bin,
			From:        from,
			To:          to,
			Cursors:     b.cursors,
			MaxResident: b.maxResident,
		})
	}
}

// checkInvariants verifies the cursor order and the slot counts.  The
// lock must be held.
func (b *Build) checkInvariants(bin int) {
	if !b.cursors.valid(len(b.bins)) {
		b.violation(bin, fmt.Sprintf("cursors out of order: %+v", b.cursors))
	}
	if b.loaders < 0 || b.loaders > b.opts.MaxLoaders ||
		b.computers < 0 || b.computers > b.opts.MaxComputers ||
		b.savers < 0 || b.savers > b.opts.MaxSavers {
		b.violation(bin, fmt.Sprintf("slot counts out of range: load %d compute %d save %d",
			b.loaders, b.computers, b.savers))
	}
}

func (b *Build) violation(bin int, msg string) {
	e := newBinError(InvariantViolation, bin, StageCompute, errors.E(msg))
	b.errs = append(b.errs, e)
	b.terminate(e)
}

// fail records err for bin.  Fatal failures terminate the build and are
// returned; recoverable ones mark the bin failed and return nil.  The
// lock must be held.
func (b *Build) fail(bin int, stage Stage, err error) error {
	e := newBinError(classify(stage, err), bin, stage, err)
	b.errs = append(b.errs, e)
	if b.states[bin] != Failed {
		b.transition(bin, Failed)
	}
	b.failed.Set(uint(bin))
	if e.Fatal() {
		b.terminate(e)
		return e
	}
	log.Error.Printf("%v", e)
	b.cond.Broadcast()
	return nil
}

// terminationError is returned by the threads abandoning a bin after
// the build was terminated.  The lock must be held.
func (b *Build) terminationError(bin int, stage Stage) error {
	e := newBinError(Terminated, bin, stage, errors.E("build terminated", b.cause))
	b.errs = append(b.errs, e)
	return e
}

// abandon fails bin, if it has not failed already, and releases it
// after err stopped its thread.
func (b *Build) abandon(bin int, err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s := b.states[bin]; s != Failed && s != Released {
		b.transition(bin, Failed)
		b.failed.Set(uint(bin))
	}
	b.releaseLocked(bin)
	return err
}

// releaseLocked frees the buffers of bin, once.  The lock must be held;
// it is dropped while the stages release the bin.
func (b *Build) releaseLocked(bin int) {
	if !b.held[bin] {
		return
	}
	b.held[bin] = false
	if b.states[bin] != Failed {
		b.transition(bin, Released)
	}
	b.mu.Unlock()
	b.stages.Release(bin)
	b.mu.Lock()
	b.resident--
	b.cond.Broadcast()
}

// allocateBin claims the next bin and reserves its buffers.  It returns
// -1 when all bins are claimed.  A bin whose allocation failed
// recoverably is returned failed.  Allocation is serialized so that bins
// become resident in bin order.  When the allocation fails for lack of
// memory, the bound on resident bins is halved and the allocation is
// retried once the earlier bins are released.  It fails for good when
// it fails with no other bin resident, or after AllocationRetries
// retries.
func (b *Build) allocateBin(thread int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.terminated {
			return -1, nil
		}
		if b.cursors.NextUnallocated >= len(b.bins) {
			return -1, nil
		}
		if !b.allocating && b.resident < b.maxResident {
			break
		}
		b.cond.Wait()
	}
	bin := b.cursors.NextUnallocated
	b.allocating = true
	defer func() {
		b.allocating = false
		b.cond.Broadcast()
	}()
	log.Debug.Printf("thread %d: allocating bin %d: %v", thread, bin, b.bins[bin])
	for attempt := 0; ; attempt++ {
		b.mu.Unlock()
		err := b.stages.Allocate(bin)
		b.mu.Lock()
		if err == nil {
			break
		}
		retryable := classify(StageAllocate, err) == AllocationFailure
		if b.terminated || !retryable || (b.maxResident <= 1 && b.resident == 0) || attempt >= b.opts.AllocationRetries {
			b.mu.Unlock()
			b.stages.Release(bin)
			b.mu.Lock()
			if b.terminated {
				return -1, b.terminationError(bin, StageAllocate)
			}
			if retryable {
				b.warnOnce(bin, err)
			}
			if ferr := b.fail(bin, StageAllocate, err); ferr != nil {
				return -1, ferr
			}
			// The failed bin holds no buffers; it passes the remaining
			// cursors without work.
			b.cursors.NextUnallocated++
			b.checkInvariants(bin)
			return bin, nil
		}
		b.warnOnce(bin, err)
		b.retries++
		if b.maxResident > 1 {
			b.maxResident /= 2
		}
		log.Debug.Printf("bin %d: allocation retry %d with at most %d resident bins (%d resident)",
			bin, attempt+1, b.maxResident, b.resident)
		for !b.terminated && b.resident >= b.maxResident && b.resident > 0 {
			b.cond.Wait()
		}
	}
	b.resident++
	b.held[bin] = true
	if b.resident > b.peakResident {
		b.peakResident = b.resident
	}
	b.cursors.NextUnallocated++
	b.transition(bin, Allocated)
	b.checkInvariants(bin)
	return bin, nil
}

// warnOnce logs an allocation failure, once per distinct cause.  The
// lock must be held.
func (b *Build) warnOnce(bin int, err error) {
	cause := err.Error()
	if oom, ok := err.(*fragment.OutOfMemoryError); ok {
		cause = oom.Cause
	}
	if b.warned[cause] {
		log.Debug.Printf("bin %d: allocation failed: %v", bin, err)
		return
	}
	b.warned[cause] = true
	log.Printf("warning: bin %d: allocation failed, reducing resident bins: %v", bin, err)
}

// waitForLoadSlot blocks until bin is the next to load and a load slot
// is free.  Failed bins only wait for their turn.
func (b *Build) waitForLoadSlot(bin int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	failed := b.failed.Test(uint(bin))
	for {
		if b.terminated {
			return b.terminationError(bin, StageLoad)
		}
		if b.cursors.NextUnloaded == bin && (failed || b.loaders < b.opts.MaxLoaders) {
			break
		}
		b.cond.Wait()
	}
	b.cursors.NextUnloaded++
	if !failed {
		b.loaders++
		b.transition(bin, Loading)
	}
	b.checkInvariants(bin)
	b.cond.Broadcast()
	return nil
}

func (b *Build) returnLoadSlot(bin int, err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loaders--
	b.cond.Broadcast()
	if err != nil {
		if ferr := b.fail(bin, StageLoad, err); ferr != nil {
			return ferr
		}
		b.releaseLocked(bin)
		return nil
	}
	b.transition(bin, Loaded)
	return nil
}

// compute runs the compute stage of bin.  While bin waits for its turn,
// the thread helps the most urgent task.
func (b *Build) compute(bin int) error {
	b.mu.Lock()
	failed := b.failed.Test(uint(bin))
	for {
		if b.terminated {
			defer b.mu.Unlock()
			return b.terminationError(bin, StageCompute)
		}
		if b.cursors.NextUnprocessed == bin && (failed || b.computers < b.opts.MaxComputers) {
			break
		}
		if t := b.tasks.mostUrgent(bin); t != nil {
			b.work(t, false)
			continue
		}
		b.cond.Wait()
	}
	b.cursors.NextUnprocessed++
	if failed {
		b.checkInvariants(bin)
		b.cond.Broadcast()
		b.mu.Unlock()
		return nil
	}
	b.computers++
	b.transition(bin, Computing)
	b.checkInvariants(bin)
	b.cond.Broadcast()
	b.mu.Unlock()

	parts, err := b.stages.Prepare(bin)
	if err == nil && parts > 0 {
		var complete bool
		if complete, err = b.runTask(bin, parts); err == nil && !complete {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.computers--
			b.cond.Broadcast()
			return b.terminationError(bin, StageCompute)
		}
	}
	if err == nil {
		err = b.stages.Finish(bin)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.computers--
	b.cond.Broadcast()
	if err != nil {
		if ferr := b.fail(bin, StageCompute, err); ferr != nil {
			return ferr
		}
		b.releaseLocked(bin)
		return nil
	}
	b.transition(bin, Computed)
	return nil
}

// runTask registers the task of bin so that waiting threads can join
// it, and processes its parts.  It returns once no part is in progress,
// telling whether all parts were done.
func (b *Build) runTask(bin, parts int) (bool, error) {
	t := &Task{
		bin:        bin,
		priority:   bin,
		parts:      parts,
		maxThreads: b.opts.ThreadsPerTask,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks.add(t)
	b.cond.Broadcast()
	b.work(t, true)
	for t.busy() {
		b.cond.Wait()
	}
	b.tasks.remove(t)
	return t.complete(), t.err
}

// work processes parts of t until none is left, the build terminates,
// or, for a helper, a more urgent task needs a thread.  The lock must be
// held; it is dropped while parts are processed.
func (b *Build) work(t *Task, owner bool) {
	t.threadsIn++
	for !b.terminated && t.err == nil && t.next < t.parts {
		if !owner && b.tasks.mostUrgent(t.priority) != nil {
			log.Debug.Printf("bin %d: yielding to a more urgent bin", t.bin)
			break
		}
		part := t.next
		t.next++
		b.mu.Unlock()
		err := b.stages.ComputePart(t.bin, part)
		b.mu.Lock()
		t.done++
		if err != nil && t.err == nil {
			t.err = err
		}
	}
	t.threadsIn--
	b.cond.Broadcast()
}

// waitForSaveSlot blocks until bin is the next to save, a save slot is
// free, and no other bin is saving to the same output.
func (b *Build) waitForSaveSlot(bin int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	failed := b.failed.Test(uint(bin))
	out := b.bins[bin].Output
	for {
		if b.terminated {
			return b.terminationError(bin, StageSave)
		}
		if b.cursors.NextUnserialized == bin && (failed || (b.savers < b.opts.MaxSavers && !b.saving[out])) {
			break
		}
		b.cond.Wait()
	}
	b.cursors.NextUnserialized++
	if !failed {
		b.savers++
		b.saving[out] = true
		b.transition(bin, Saving)
	}
	b.checkInvariants(bin)
	b.cond.Broadcast()
	return nil
}

func (b *Build) returnSaveSlot(bin int, err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.savers--
	b.saving[b.bins[bin].Output] = false
	b.cond.Broadcast()
	if err != nil {
		if ferr := b.fail(bin, StageSave, err); ferr != nil {
			return ferr
		}
	}
	b.releaseLocked(bin)
	return nil
}
