// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package build

import "github.com/biogo/store/llrb"

// Task is the compute stage of one bin, split into parts that the
// threads in the task claim one at a time.  The thread owning the bin
// stays in the task until every part is done; other threads join while
// the task has unclaimed parts and spare capacity.
type Task struct {
	bin int
	// priority is the bin order: lower is more urgent.
	priority   int
	parts      int
	next       int // first unclaimed part
	done       int
	maxThreads int
	threadsIn  int
	err        error
}

// Compare implements llrb.Comparable.
func (t *Task) Compare(c llrb.Comparable) int {
	return t.priority - c.(*Task).priority
}

// busy tells whether parts are still being processed.
func (t *Task) busy() bool { return t.done < t.next }

// complete tells whether every part is done.
func (t *Task) complete() bool { return t.done == t.parts }

// joinable tells whether another thread can take parts of t.
func (t *Task) joinable() bool {
	return t.err == nil && t.next < t.parts && t.threadsIn < t.maxThreads
}

// taskRegistry orders the running tasks by urgency.
type taskRegistry struct {
	tree llrb.Tree
}

func (r *taskRegistry) add(t *Task)    { r.tree.Insert(t) }
func (r *taskRegistry) remove(t *Task) { r.tree.Delete(t) }
func (r *taskRegistry) len() int       { return r.tree.Len() }

// mostUrgent returns the most urgent joinable task with a priority below
// limit, or nil.
func (r *taskRegistry) mostUrgent(limit int) *Task {
	var found *Task
	r.tree.Do(func(c llrb.Comparable) bool {
		t := c.(*Task)
		if t.priority >= limit {
			return true
		}
		if t.joinable() {
			found = t
			return true
		}
		return false
	})
	return found
}
