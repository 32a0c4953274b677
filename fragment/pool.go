// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package fragment

import (
	"fmt"
	"sync/atomic"
)

// OutOfMemoryError is returned when a Pool cannot satisfy a
// reservation.
type OutOfMemoryError struct {
	Requested int64
	Used      int64
	Limit     int64
	// Cause distinguishes exhausting the pool limit from a failing heap
	// allocation.
	Cause string
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("out of memory (%s): requested %d bytes with %d of %d in use",
		e.Cause, e.Requested, e.Used, e.Limit)
}

// Pool accounts for the memory held by resident bins.  A zero limit
// means unlimited.
type Pool struct {
	limit int64
	used  int64
}

// NewPool creates a pool that hands out at most limit bytes.
func NewPool(limit int64) *Pool { return &Pool{limit: limit} }

// Limit is the configured limit, 0 when unlimited.
func (p *Pool) Limit() int64 { return p.limit }

// Used is the number of bytes currently reserved.
func (p *Pool) Used() int64 { return atomic.LoadInt64(&p.used) }

// Reserve accounts for n more bytes.
func (p *Pool) Reserve(n int64) error {
	used := atomic.AddInt64(&p.used, n)
	if p.limit > 0 && used > p.limit {
		atomic.AddInt64(&p.used, -n)
		return &OutOfMemoryError{Requested: n, Used: used - n, Limit: p.limit, Cause: "limit"}
	}
	return nil
}

// Release returns n bytes to the pool.
func (p *Pool) Release(n int64) {
	if atomic.AddInt64(&p.used, -n) < 0 {
		panic("fragment.Pool: released more than reserved")
	}
}

// alloc reserves and allocates an n-byte slice.  The runtime reports
// impossible sizes by panicking, which is turned into an error here.
func (p *Pool) alloc(n int64, extra int64) (b []byte, err error) {
	if err = p.Reserve(n + extra); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			p.Release(n + extra)
			b, err = nil, &OutOfMemoryError{Requested: n, Used: p.Used(), Limit: p.limit, Cause: fmt.Sprint(r)}
		}
	}()
	return make([]byte, n), nil
}
