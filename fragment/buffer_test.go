// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package fragment

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/grailbio/bambuild/reference"
	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cigar(ops ...interface{}) sam.Cigar {
	var c sam.Cigar
	for i := 0; i < len(ops); i += 2 {
		c = append(c, sam.NewCigarOp(ops[i].(sam.CigarOpType), ops[i+1].(int)))
	}
	return c
}

func mapped(name string, pos int32, flags sam.Flags, c sam.Cigar) Fields {
	n := QueryLength(c)
	seq := make([]byte, n)
	for i := range seq {
		seq[i] = "ACGT"[i%4]
	}
	return Fields{
		Name:      name,
		RefID:     0,
		Pos:       pos,
		MateRefID: -1,
		MatePos:   -1,
		Tile:      1101,
		ClusterID: uint32(len(name)),
		Flags:     flags,
		MapQ:      60,
		Cigar:     c,
		Seq:       seq,
	}
}

func loadBuffer(t *testing.T, pool *Pool, fields []Fields) *Buffer {
	data, err := EncodeBin(fields)
	require.NoError(t, err)
	b := NewBuffer(pool)
	require.NoError(t, b.Resize(int64(len(data)), len(fields)))
	copy(b.Bytes(), data)
	require.NoError(t, b.BuildIndex(len(fields)))
	return b
}

func TestBuildIndex(t *testing.T) {
	r1 := mapped("pair", 100, sam.Paired|sam.Read1, cigar(sam.CigarSoftClipped, 3, sam.CigarMatch, 7))
	r2 := mapped("pair", 150, sam.Paired|sam.Read2|sam.Reverse, cigar(sam.CigarMatch, 10))
	single := mapped("single", 120, 0, cigar(sam.CigarMatch, 4, sam.CigarSkipped, 50, sam.CigarMatch, 6))
	b := loadBuffer(t, nil, []Fields{r1, single, r2})

	index := b.Index()
	require.Len(t, index, 3)
	assert.Equal(t, 0, index[0].Data.Offset())
	assert.Equal(t, index[2].Data, index[0].Mate)
	assert.Equal(t, index[0].Data, index[2].Mate)
	assert.True(t, index[0].HasMate())
	assert.False(t, index[1].HasMate())
	assert.True(t, index[2].Reverse)
	assert.Equal(t, reference.NewPosition(0, 120), index[1].Pos)

	f, err := b.Fragment(index[1].Data)
	require.NoError(t, err)
	assert.Equal(t, "single", string(f.Name()))
	assert.Equal(t, "ACGTACGTAC", string(f.Seq()))
	assert.Equal(t, 10, len(f.Qual()))
	assert.Equal(t, byte(0xff), f.Qual()[0])
	assert.Equal(t, int32(-1), f.MateOffset())

	mate, err := b.Mate(&index[0])
	require.NoError(t, err)
	assert.True(t, mate.IsSecondRead())

	splits := b.SplitInfo(&index[1])
	require.Len(t, splits, 2)
	assert.Equal(t, SplitInfo{Pos: reference.NewPosition(0, 120), CigarOff: 0, CigarLen: 1}, splits[0])
	assert.Equal(t, SplitInfo{Pos: reference.NewPosition(0, 174), CigarOff: 2, CigarLen: 1}, splits[1])
	assert.Len(t, b.SplitInfo(&index[0]), 0)

	assert.Equal(t, reference.NewPosition(0, 97), b.UnclippedPosition(&index[0]))
	assert.Equal(t, index[2].Pos, b.UnclippedPosition(&index[2]))
}

func TestUnclippedPositionProperty(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	var fields []Fields
	for i := 0; i < 200; i++ {
		clip := rnd.Intn(5)
		c := cigar(sam.CigarMatch, 20)
		if clip > 0 {
			c = cigar(sam.CigarSoftClipped, clip, sam.CigarMatch, 20-clip)
		}
		fields = append(fields, mapped(fmt.Sprintf("r%d", i), int32(100+rnd.Intn(1000)), 0, c))
	}
	b := loadBuffer(t, nil, fields)
	for i := range b.Index() {
		idx := &b.Index()[i]
		expected := idx.Pos.Offset() - int64(LeadingSoftClip(b.Cigar(idx)))
		assert.Equal(t, expected, b.UnclippedPosition(idx).Offset())
	}
}

func TestMalformed(t *testing.T) {
	good, err := EncodeBin([]Fields{
		mapped("a", 1, 0, cigar(sam.CigarMatch, 5)),
		mapped("b", 2, 0, cigar(sam.CigarMatch, 5)),
	})
	require.NoError(t, err)

	for _, test := range []struct {
		name    string
		corrupt func(b []byte) []byte
		records int
	}{
		{"count", func(b []byte) []byte { return b }, 3},
		{"truncated", func(b []byte) []byte { return b[:len(b)-4] }, 2},
		{"length", func(b []byte) []byte { le.PutUint32(b[0:], 47); return b }, 2},
		{"oversized", func(b []byte) []byte { le.PutUint32(b[0:], uint32(len(b)+4)); return b }, 2},
		{"cigar", func(b []byte) []byte { le.PutUint16(b[offReadLen:], 6); return b }, 2},
		{"mate", func(b []byte) []byte { le.PutUint32(b[offMateOff:], 4); return b }, 2},
		{"unplaced", func(b []byte) []byte { le.PutUint32(b[offRefID:], ^uint32(0)); return b }, 2},
	} {
		data := test.corrupt(append([]byte(nil), good...))
		buf := NewBuffer(nil)
		require.NoError(t, buf.Resize(int64(len(data)), test.records))
		copy(buf.Bytes(), data)
		err := buf.BuildIndex(test.records)
		_, ok := err.(*MalformedError)
		assert.True(t, ok, "%s: %v", test.name, err)
	}
}

func TestStaleHandles(t *testing.T) {
	pool := NewPool(0)
	b := loadBuffer(t, pool, []Fields{mapped("a", 1, 0, cigar(sam.CigarMatch, 5))})
	h := b.Index()[0].Data
	_, err := b.Fragment(h)
	require.NoError(t, err)
	assert.True(t, pool.Used() > 0)

	other := loadBuffer(t, pool, []Fields{mapped("a", 1, 0, cigar(sam.CigarMatch, 5))})
	_, err = other.Fragment(h)
	assert.Error(t, err, "handle of another arena")

	require.NoError(t, b.Resize(64, 1))
	_, err = b.Fragment(h)
	assert.Error(t, err, "handle survived a resize")

	b.Unreserve()
	other.Unreserve()
	_, err = b.Fragment(h)
	assert.Error(t, err)
	assert.Equal(t, int64(0), pool.Used())
}

func TestEmptyBuffer(t *testing.T) {
	b := NewBuffer(nil)
	require.NoError(t, b.Resize(0, 0))
	require.NoError(t, b.BuildIndex(0))
	assert.Len(t, b.Index(), 0)
	b.SortForBAM()
	assert.True(t, b.IsSortedForBAM())
}

func TestPoolLimit(t *testing.T) {
	pool := NewPool(1 << 20)
	b := NewBuffer(pool)
	err := b.Resize(1<<30, 1000)
	oom, ok := err.(*OutOfMemoryError)
	require.True(t, ok, "err: %v", err)
	assert.Equal(t, "limit", oom.Cause)
	assert.Equal(t, int64(0), pool.Used())
	assert.Equal(t, 0, b.Size())

	require.NoError(t, b.Resize(1000, 10))
	assert.Equal(t, 1000+10*IndexSize, pool.Used())
	b.Unreserve()
	assert.Equal(t, int64(0), pool.Used())
}

func TestArenaLimit(t *testing.T) {
	pool := NewPool(0)
	b := NewBuffer(pool)
	require.NoError(t, b.Resize(1000, 10))
	err := b.Resize(MaxArenaSize+1, 1)
	_, ok := err.(*MalformedError)
	require.True(t, ok, "err: %v", err)
	assert.Contains(t, err.Error(), "arena limit")
	assert.Equal(t, int64(0), pool.Used())
	assert.Equal(t, 0, b.Size())
}

func TestCigarStores(t *testing.T) {
	b := loadBuffer(t, nil, []Fields{
		mapped("a", 1, 0, cigar(sam.CigarMatch, 5)),
		mapped("b", 2, 0, cigar(sam.CigarMatch, 5)),
	})
	b.ResetCigarStores(2)
	idx := b.Index()
	idx[0].Cigar = b.AppendCigar(1, cigar(sam.CigarSoftClipped, 2, sam.CigarMatch, 3))
	idx[1].Cigar = b.AppendCigar(1, cigar(sam.CigarMatch, 3, sam.CigarSoftClipped, 2))
	assert.Equal(t, "2S3M", b.Cigar(&idx[0]).String())
	assert.Equal(t, "3M2S", b.Cigar(&idx[1]).String())
	f, err := b.Fragment(idx[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "5M", f.Cigar().String())
}

func shuffledOrderFields(rnd *rand.Rand) []Fields {
	var fields []Fields
	for i := 0; i < 300; i++ {
		name := fmt.Sprintf("r%d", i%40)
		f := mapped(name, int32(rnd.Intn(5)), 0, cigar(sam.CigarMatch, 5))
		f.Tile = uint32(1101 + rnd.Intn(2))
		f.ClusterID = uint32(rnd.Intn(3))
		if rnd.Intn(2) == 0 {
			f.Flags |= sam.Read2
		}
		if rnd.Intn(3) == 0 {
			f.Flags |= sam.Unmapped
		}
		if rnd.Intn(10) == 0 {
			f.RefID, f.Pos = -1, -1
			f.Flags |= sam.Unmapped
			f.Cigar = nil
		}
		fields = append(fields, f)
	}
	return fields
}

func TestOrderForBAM(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	fields := shuffledOrderFields(rnd)
	b := loadBuffer(t, nil, fields)
	index := b.Index()

	// Strict weak ordering: irreflexive, asymmetric, and
	// incomparability is transitive.
	for i := range index {
		assert.False(t, b.OrderForBAM(&index[i], &index[i]))
		for j := range index {
			if b.OrderForBAM(&index[i], &index[j]) {
				assert.False(t, b.OrderForBAM(&index[j], &index[i]))
			}
		}
	}

	b.SortForBAM()
	require.True(t, b.IsSortedForBAM())
	first := append([]Index(nil), b.Index()...)
	b.SortForBAM()
	assert.Equal(t, first, b.Index(), "sorting twice must not change the order")

	// Unplaced records are last.
	last := b.Index()[len(b.Index())-1]
	assert.True(t, last.Pos.IsUnmapped())
}

func TestOrderForBAMTieBreaks(t *testing.T) {
	shadow := mapped("p", 10, sam.Paired|sam.Read2|sam.Unmapped, cigar(sam.CigarMatch, 5))
	shadow.Cigar = nil
	anchor := mapped("p", 10, sam.Paired|sam.Read1, cigar(sam.CigarMatch, 5))
	second := mapped("q", 10, sam.Read2, cigar(sam.CigarMatch, 5))
	firstRead := mapped("q", 10, sam.Read1, cigar(sam.CigarMatch, 5))
	otherCluster := mapped("zz", 10, 0, cigar(sam.CigarMatch, 5))
	otherCluster.ClusterID = 0

	b := loadBuffer(t, nil, []Fields{shadow, second, anchor, firstRead, otherCluster})
	b.SortForBAM()
	var names []string
	for i := range b.Index() {
		f, err := b.Fragment(b.Index()[i].Data)
		require.NoError(t, err)
		names = append(names, fmt.Sprintf("%s/%v/%v", f.Name(), f.IsUnmapped(), f.IsSecondRead()))
	}
	assert.Equal(t, []string{
		"zz/false/false",
		"p/false/false",
		"q/false/false",
		"q/false/true",
		"p/true/true",
	}, names)
}

func TestEncodeBinErrors(t *testing.T) {
	f := mapped("a", 1, sam.Paired, cigar(sam.CigarMatch, 5))
	_, err := EncodeBin([]Fields{f, f})
	assert.Error(t, err)
	f.Name = ""
	_, err = EncodeBin([]Fields{f})
	assert.Error(t, err)
}

func TestEditDistance(t *testing.T) {
	ref := []byte("ACGTACGTAC")
	assert.Equal(t, 0, EditDistance(cigar(sam.CigarMatch, 4), []byte("ACGT"), ref))
	assert.Equal(t, 1, EditDistance(cigar(sam.CigarMatch, 4), []byte("ACTT"), ref))
	assert.Equal(t, 2, EditDistance(cigar(sam.CigarSoftClipped, 2, sam.CigarMatch, 2, sam.CigarDeletion, 2, sam.CigarMatch, 2),
		[]byte("TTACAC"), ref))
	assert.Equal(t, 1, EditDistance(cigar(sam.CigarMatch, 2, sam.CigarInsertion, 1, sam.CigarMatch, 2),
		[]byte("ACNGT"), ref))
	assert.Equal(t, 1, EditDistance(cigar(sam.CigarMatch, 1), []byte("N"), []byte("N")))
	assert.Equal(t, "3S", AppendOp(AppendOp(nil, sam.CigarSoftClipped, 1), sam.CigarSoftClipped, 2).String())
}
