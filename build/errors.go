// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package build

import (
	goerrors "errors"
	"fmt"

	"github.com/grailbio/bambuild/fragment"
	"github.com/grailbio/bambuild/reference"
	"github.com/grailbio/base/errors"
)

// Failure classifies what went wrong with a bin.
type Failure int

const (
	// AllocationFailure means the bin buffer could not be sized.  It is
	// retried with fewer resident bins before it becomes fatal.
	AllocationFailure Failure = iota + 1
	// MalformedRecord means the bin input failed validation.  Only the
	// bin fails; the other bins are still written.
	MalformedRecord
	// ReferenceOutOfRange means a refinement pass looked up bases
	// outside of the reference.
	ReferenceOutOfRange
	// IoFailure means reading a bin or writing an output failed.
	IoFailure
	// InvariantViolation means the scheduler bookkeeping is
	// inconsistent.
	InvariantViolation
	// Terminated is reported by the bins abandoned after the build was
	// terminated.
	Terminated
)

var failureNames = [...]string{
	AllocationFailure:   "allocation failure",
	MalformedRecord:     "malformed record",
	ReferenceOutOfRange: "reference out of range",
	IoFailure:           "i/o failure",
	InvariantViolation:  "invariant violation",
	Terminated:          "terminated",
}

func (f Failure) String() string {
	if f <= 0 || int(f) >= len(failureNames) {
		return fmt.Sprintf("failure(%d)", int(f))
	}
	return failureNames[f]
}

// kind maps a failure onto the error kinds of grailbio/base/errors.
func (f Failure) kind() errors.Kind {
	switch f {
	case AllocationFailure:
		return errors.OOM
	case MalformedRecord:
		return errors.Invalid
	case ReferenceOutOfRange:
		return errors.Precondition
	case InvariantViolation:
		return errors.Integrity
	case Terminated:
		return errors.Canceled
	}
	return errors.Other
}

// BinError reports the failure of one bin in one stage.
type BinError struct {
	Failure Failure
	Bin     int
	Stage   Stage
	Err     error
}

func newBinError(failure Failure, bin int, stage Stage, err error) *BinError {
	return &BinError{
		Failure: failure,
		Bin:     bin,
		Stage:   stage,
		Err:     errors.E(failure.kind(), err),
	}
}

func (e *BinError) Error() string {
	return fmt.Sprintf("bin %d: %v during %v: %v", e.Bin, e.Failure, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *BinError) Unwrap() error { return e.Err }

// Fatal tells whether the failure stops the build.
func (e *BinError) Fatal() bool { return e.Failure != MalformedRecord }

// classify attributes err, returned by the given stage, to a failure.
func classify(stage Stage, err error) Failure {
	for e := err; e != nil; {
		switch v := e.(type) {
		case *BinError:
			return v.Failure
		case *fragment.MalformedError:
			return MalformedRecord
		case *reference.OutOfRangeError:
			return ReferenceOutOfRange
		case *fragment.OutOfMemoryError:
			return AllocationFailure
		case *errors.Error:
			e = v.Err
		default:
			e = goerrors.Unwrap(e)
		}
	}
	switch stage {
	case StageAllocate:
		return AllocationFailure
	case StageLoad, StageSave:
		return IoFailure
	}
	return InvariantViolation
}
