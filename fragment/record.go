// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package fragment implements the packed fragment records of one bin
// and the Buffer that owns them between loading and saving.
//
// A bin's input is a sequence of fixed-layout, little-endian records:
//
//   offset size field
//   0      4    total record length, including padding
//   4      4    reference id, -1 when unplaced
//   8      4    0-based position
//   12     4    mate reference id
//   16     4    mate position
//   20     4    template length
//   24     4    byte offset of the mate record within the bin, -1 if none
//   28     4    tile
//   32     4    cluster id within the tile
//   36     2    SAM flags
//   38     2    edit distance
//   40     2    read length
//   42     2    number of cigar operations
//   44     1    mapping quality
//   45     1    name length
//   46     2    reserved
//   48          cigar operations (4 bytes each), name, bases, qualities
//
// Records are padded to a multiple of 4 bytes so that the cigar
// operations of every record are aligned.
package fragment

import (
	"encoding/binary"

	"github.com/grailbio/bambuild/encoding/bam"
	"github.com/grailbio/bambuild/reference"
	"github.com/grailbio/hts/sam"
)

// HeaderSize is the size of the fixed part of a record.
const HeaderSize = 48

const (
	offTotal     = 0
	offRefID     = 4
	offPos       = 8
	offMateRefID = 12
	offMatePos   = 16
	offTLen      = 20
	offMateOff   = 24
	offTile      = 28
	offCluster   = 32
	offFlags     = 36
	offEdit      = 38
	offReadLen   = 40
	offCigarLen  = 42
	offMapQ      = 44
	offNameLen   = 45
)

var le = binary.LittleEndian

// Fragment is a typed view over one record of a Buffer.  It aliases the
// buffer memory and is only valid while the buffer is not resized.
type Fragment struct {
	b []byte
}

// Len is the record length in bytes, padding included.
func (f Fragment) Len() int { return int(le.Uint32(f.b[offTotal:])) }

// RefID is the reference index, or -1 for an unplaced record.
func (f Fragment) RefID() int32 { return int32(le.Uint32(f.b[offRefID:])) }

// Pos is the 0-based position of the first aligned base.
func (f Fragment) Pos() int32 { return int32(le.Uint32(f.b[offPos:])) }

// Position packs RefID and Pos; unplaced records map to
// reference.Unmapped.
func (f Fragment) Position() reference.Position {
	if f.RefID() < 0 {
		return reference.Unmapped
	}
	return reference.NewPosition(int(f.RefID()), int64(f.Pos()))
}

// SetPosition moves the record on its reference.
func (f Fragment) SetPosition(p reference.Position) {
	if p.IsUnmapped() {
		le.PutUint32(f.b[offRefID:], ^uint32(0))
		le.PutUint32(f.b[offPos:], ^uint32(0))
		return
	}
	le.PutUint32(f.b[offRefID:], uint32(p.Contig()))
	le.PutUint32(f.b[offPos:], uint32(p.Offset()))
}

func (f Fragment) MateRefID() int32 { return int32(le.Uint32(f.b[offMateRefID:])) }
func (f Fragment) MatePos() int32   { return int32(le.Uint32(f.b[offMatePos:])) }

// SetMatePosition updates the mate coordinates.
func (f Fragment) SetMatePosition(refID, pos int32) {
	le.PutUint32(f.b[offMateRefID:], uint32(refID))
	le.PutUint32(f.b[offMatePos:], uint32(pos))
}

func (f Fragment) TemplateLength() int32     { return int32(le.Uint32(f.b[offTLen:])) }
func (f Fragment) SetTemplateLength(n int32) { le.PutUint32(f.b[offTLen:], uint32(n)) }

// MateOffset is the byte offset of the mate record, or -1.
func (f Fragment) MateOffset() int32 { return int32(le.Uint32(f.b[offMateOff:])) }

func (f Fragment) Tile() uint32      { return le.Uint32(f.b[offTile:]) }
func (f Fragment) ClusterID() uint32 { return le.Uint32(f.b[offCluster:]) }

// Flags are the SAM flags of the record.
func (f Fragment) Flags() sam.Flags { return sam.Flags(le.Uint16(f.b[offFlags:])) }

// SetFlags replaces the SAM flags.
func (f Fragment) SetFlags(flags sam.Flags) { le.PutUint16(f.b[offFlags:], uint16(flags)) }

func (f Fragment) EditDistance() int { return int(le.Uint16(f.b[offEdit:])) }

// SetEditDistance stores n, saturating at the field width.
func (f Fragment) SetEditDistance(n int) {
	if n > 0xffff {
		n = 0xffff
	}
	le.PutUint16(f.b[offEdit:], uint16(n))
}

func (f Fragment) ReadLength() int  { return int(le.Uint16(f.b[offReadLen:])) }
func (f Fragment) CigarLength() int { return int(le.Uint16(f.b[offCigarLen:])) }
func (f Fragment) MapQ() byte       { return f.b[offMapQ] }
func (f Fragment) nameLength() int  { return int(f.b[offNameLen]) }

func (f Fragment) IsReverse() bool  { return f.Flags()&sam.Reverse != 0 }
func (f Fragment) IsUnmapped() bool { return f.Flags()&sam.Unmapped != 0 }
func (f Fragment) IsPaired() bool   { return f.Flags()&sam.Paired != 0 }

// IsSecondRead tells whether the record is the second read of its
// pair.
func (f Fragment) IsSecondRead() bool { return f.Flags()&sam.Read2 != 0 }

// ClusterKey identifies the originating cluster across tiles.
func (f Fragment) ClusterKey() uint64 {
	return uint64(f.Tile())*clustersPerTile + uint64(f.ClusterID())
}

// clustersPerTile is larger than any real tile's cluster count.
const clustersPerTile = 10000000000

func (f Fragment) cigarBytes() []byte {
	return f.b[HeaderSize : HeaderSize+f.CigarLength()*bam.CigarOpSize]
}

// Cigar is the alignment as loaded.  Refinement results are kept in the
// Index, not in the record.
func (f Fragment) Cigar() sam.Cigar { return bam.UnsafeBytesToCigar(f.cigarBytes()) }

func (f Fragment) nameOffset() int { return HeaderSize + f.CigarLength()*bam.CigarOpSize }

// Name is the read name.
func (f Fragment) Name() []byte {
	off := f.nameOffset()
	return f.b[off : off+f.nameLength()]
}

// Seq is the read bases as ASCII, in reference orientation.
func (f Fragment) Seq() []byte {
	off := f.nameOffset() + f.nameLength()
	return f.b[off : off+f.ReadLength()]
}

// Qual is the raw phred qualities, in reference orientation.
func (f Fragment) Qual() []byte {
	off := f.nameOffset() + f.nameLength() + f.ReadLength()
	return f.b[off : off+f.ReadLength()]
}

func payloadSize(cigarOps, nameLen, readLen int) int {
	return HeaderSize + cigarOps*bam.CigarOpSize + nameLen + 2*readLen
}

func paddedSize(n int) int { return (n + 3) &^ 3 }
