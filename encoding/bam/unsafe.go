// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package bam

import (
	"reflect"
	"unsafe"

	"github.com/grailbio/hts/sam"
)

// CigarOpSize is the size of one sam.CigarOp, in bytes.
const CigarOpSize = int(unsafe.Sizeof(sam.CigarOp(0)))

// Packed fragments and BAM records both store cigar operations as
// little-endian uint32s, which is host order on every supported
// platform, so the conversions below share memory instead of copying.

// retype points dst at the memory of src, scaling the length and
// capacity by the element size ratio.
func retype(dst, src unsafe.Pointer, mul, div int) {
	sh := (*reflect.SliceHeader)(src)
	dh := (*reflect.SliceHeader)(dst)
	dh.Data = sh.Data
	dh.Len = sh.Len * mul / div
	dh.Cap = sh.Cap * mul / div
}

// UnsafeBytesToCigar returns the cigar stored in src without copying.
// src must hold 4-byte aligned sam.CigarOps.
func UnsafeBytesToCigar(src []byte) (cigar sam.Cigar) {
	if len(src) == 0 {
		return nil
	}
	retype(unsafe.Pointer(&cigar), unsafe.Pointer(&src), 1, CigarOpSize)
	return cigar
}

func unsafeCigarToBytes(src sam.Cigar) (b []byte) {
	retype(unsafe.Pointer(&b), unsafe.Pointer(&src), CigarOpSize, 1)
	return b
}

func unsafeDoubletsToBytes(src []sam.Doublet) (b []byte) {
	retype(unsafe.Pointer(&b), unsafe.Pointer(&src), 1, 1)
	return b
}
