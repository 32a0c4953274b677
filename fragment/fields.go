// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package fragment

import (
	"fmt"

	"github.com/grailbio/hts/sam"
	"github.com/pkg/errors"
)

// Fields is the unpacked form of a record, used to produce bin streams.
type Fields struct {
	Name           string
	RefID          int32
	Pos            int32
	MateRefID      int32
	MatePos        int32
	TemplateLength int32
	Tile           uint32
	ClusterID      uint32
	Flags          sam.Flags
	EditDistance   uint16
	MapQ           byte
	Cigar          sam.Cigar
	Seq            []byte
	Qual           []byte
}

// Size is the encoded size of f, padding included.
func (f *Fields) Size() int {
	return paddedSize(payloadSize(len(f.Cigar), len(f.Name), len(f.Seq)))
}

func (f *Fields) validate() error {
	if len(f.Name) == 0 || len(f.Name) > 0xff {
		return errors.Errorf("read name %q: length must be in [1, 255]", f.Name)
	}
	if len(f.Seq) > 0xffff {
		return errors.Errorf("read %s: too long (%d bases)", f.Name, len(f.Seq))
	}
	if f.Qual != nil && len(f.Qual) != len(f.Seq) {
		return errors.Errorf("read %s: %d qualities for %d bases", f.Name, len(f.Qual), len(f.Seq))
	}
	if len(f.Cigar) > 0xffff {
		return errors.Errorf("read %s: too many cigar operations", f.Name)
	}
	return nil
}

// appendRecord encodes f at the end of dst.
func appendRecord(dst []byte, f *Fields, mateOffset int32) []byte {
	size := f.Size()
	start := len(dst)
	for i := 0; i < size; i++ {
		dst = append(dst, 0)
	}
	b := dst[start:]
	le.PutUint32(b[offTotal:], uint32(size))
	le.PutUint32(b[offRefID:], uint32(f.RefID))
	le.PutUint32(b[offPos:], uint32(f.Pos))
	le.PutUint32(b[offMateRefID:], uint32(f.MateRefID))
	le.PutUint32(b[offMatePos:], uint32(f.MatePos))
	le.PutUint32(b[offTLen:], uint32(f.TemplateLength))
	le.PutUint32(b[offMateOff:], uint32(mateOffset))
	le.PutUint32(b[offTile:], f.Tile)
	le.PutUint32(b[offCluster:], f.ClusterID)
	le.PutUint16(b[offFlags:], uint16(f.Flags))
	le.PutUint16(b[offEdit:], f.EditDistance)
	le.PutUint16(b[offReadLen:], uint16(len(f.Seq)))
	le.PutUint16(b[offCigarLen:], uint16(len(f.Cigar)))
	b[offMapQ] = f.MapQ
	b[offNameLen] = byte(len(f.Name))
	off := HeaderSize
	for _, op := range f.Cigar {
		le.PutUint32(b[off:], uint32(op))
		off += 4
	}
	off += copy(b[off:], f.Name)
	off += copy(b[off:], f.Seq)
	if f.Qual != nil {
		copy(b[off:], f.Qual)
	} else {
		for i := range f.Seq {
			b[off+i] = 0xff
		}
	}
	return dst
}

type mateKey struct {
	name   string
	second bool
}

// EncodeBin packs fields into a bin stream.  Paired records that share
// a name are linked to each other through their mate offsets.
func EncodeBin(fields []Fields) ([]byte, error) {
	offsets := make([]int32, len(fields))
	byName := make(map[mateKey]int, len(fields))
	size := 0
	for i := range fields {
		f := &fields[i]
		if err := f.validate(); err != nil {
			return nil, err
		}
		offsets[i] = int32(size)
		size += f.Size()
		if f.Flags&sam.Paired != 0 {
			k := mateKey{f.Name, f.Flags&sam.Read2 != 0}
			if _, dup := byName[k]; dup {
				return nil, fmt.Errorf("read %s: duplicate record for the same mate", f.Name)
			}
			byName[k] = i
		}
	}
	out := make([]byte, 0, size)
	for i := range fields {
		f := &fields[i]
		mate := int32(-1)
		if f.Flags&sam.Paired != 0 {
			if j, ok := byName[mateKey{f.Name, f.Flags&sam.Read2 == 0}]; ok {
				mate = offsets[j]
			}
		}
		out = appendRecord(out, f, mate)
	}
	return out, nil
}
