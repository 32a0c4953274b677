// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package bam serializes alignment records into coordinate-sorted BAM
// output. Records are staged per bin into bgzf blocks, and the staged
// bins are appended to the output file in bin order while the .bai and
// .gbai indexes are built on the fly.
package bam
