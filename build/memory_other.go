// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// +build !linux

package build

import "github.com/grailbio/base/errors"

func availableMemory() (int64, error) {
	return 0, errors.E(errors.NotSupported, "memory detection is only supported on linux")
}
