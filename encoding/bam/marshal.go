// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package bam

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/grailbio/hts/sam"
)

// bamFixedBytes is the size of the fixed part of a BAM record, not
// counting the leading block_size field.
const bamFixedBytes = 32

// maxNameLen is the longest read name a BAM record can hold; l_read_name
// is a uint8 that counts the trailing NUL.
const maxNameLen = 254

// terminated reports whether the aux value of type t is NUL terminated
// in the binary encoding.
func terminated(t byte) bool { return t == 'Z' || t == 'H' }

// validate checks the record fields whose BAM encoding has a fixed
// width.
func validate(r *sam.Record) error {
	switch {
	case r.Name == "" || len(r.Name) > maxNameLen:
		return fmt.Errorf("bam: record name %q is empty or longer than %d bytes", r.Name, maxNameLen)
	case r.Qual != nil && len(r.Qual) != r.Seq.Length:
		return fmt.Errorf("bam: record %s has %d quality scores for %d bases", r.Name, len(r.Qual), r.Seq.Length)
	case len(r.Cigar) > 0xffff:
		return fmt.Errorf("bam: record %s has %d cigar operations", r.Name, len(r.Cigar))
	}
	return nil
}

// Marshal appends the BAM encoding of r, including the leading
// block_size field, to buf.  A record without quality scores gets 0xff
// for every base.
func Marshal(r *sam.Record, buf *bytes.Buffer) error {
	if err := validate(r); err != nil {
		return err
	}
	auxBytes := 0
	for _, a := range r.AuxFields {
		auxBytes += len(a)
		if terminated(a.Type()) {
			auxBytes++
		}
	}
	size := bamFixedBytes + len(r.Name) + 1 + len(r.Cigar)*CigarOpSize +
		len(r.Seq.Seq) + r.Seq.Length + auxBytes
	buf.Grow(4 + size)

	var fixed [4 + bamFixedBytes]byte
	le := binary.LittleEndian
	le.PutUint32(fixed[0:], uint32(size))
	le.PutUint32(fixed[4:], uint32(int32(r.Ref.ID())))
	le.PutUint32(fixed[8:], uint32(int32(r.Pos)))
	fixed[12] = byte(len(r.Name) + 1)
	fixed[13] = r.MapQ
	le.PutUint16(fixed[14:], uint16(r.Bin()))
	le.PutUint16(fixed[16:], uint16(len(r.Cigar)))
	le.PutUint16(fixed[18:], uint16(r.Flags))
	le.PutUint32(fixed[20:], uint32(r.Seq.Length))
	le.PutUint32(fixed[24:], uint32(int32(r.MateRef.ID())))
	le.PutUint32(fixed[28:], uint32(int32(r.MatePos)))
	le.PutUint32(fixed[32:], uint32(int32(r.TempLen)))
	buf.Write(fixed[:])

	buf.WriteString(r.Name)
	buf.WriteByte(0)
	buf.Write(unsafeCigarToBytes(r.Cigar))
	buf.Write(unsafeDoubletsToBytes(r.Seq.Seq))
	if r.Qual != nil {
		buf.Write(r.Qual)
	} else {
		for i := 0; i < r.Seq.Length; i++ {
			buf.WriteByte(0xff)
		}
	}
	for _, a := range r.AuxFields {
		buf.Write(a)
		if terminated(a.Type()) {
			buf.WriteByte(0)
		}
	}
	return nil
}
