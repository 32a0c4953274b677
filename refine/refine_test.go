// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package refine

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/grailbio/bambuild/fragment"
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

func periodicContigs(n int) reference.ContigList {
	return reference.ContigList{{Index: 0, Name: "chr1", Bases: bytes.Repeat([]byte("ACGT"), n/4)}}
}

func randomContigs(n int) reference.ContigList {
	rnd := rand.New(rand.NewSource(1))
	b := make([]byte, n)
	for i := range b {
		b[i] = "ACGT"[rnd.Intn(4)]
	}
	return reference.ContigList{{Index: 0, Name: "chr1", Bases: b}}
}

func field(name string, pos int32, flags sam.Flags, c sam.Cigar, seq []byte) fragment.Fields {
	return fragment.Fields{
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

func load(t *testing.T, fields ...fragment.Fields) *fragment.Buffer {
	data, err := fragment.EncodeBin(fields)
	require.NoError(t, err)
	b := fragment.NewBuffer(nil)
	require.NoError(t, b.Resize(int64(len(data)), len(fields)))
	copy(b.Bytes(), data)
	require.NoError(t, b.BuildIndex(len(fields)))
	b.ResetCigarStores(1)
	return b
}

func target(t *testing.T, b *fragment.Buffer, i int) Target {
	tg, err := NewTarget(b, &b.Index()[i], 0)
	require.NoError(t, err)
	return tg
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestClipLeft(t *testing.T) {
	for _, test := range []struct {
		in    sam.Cigar
		n     int
		out   sam.Cigar
		shift int
	}{
		{cigar(sam.CigarMatch, 10), 3, cigar(sam.CigarSoftClipped, 3, sam.CigarMatch, 7), 3},
		{cigar(sam.CigarSoftClipped, 2, sam.CigarMatch, 8), 3, cigar(sam.CigarSoftClipped, 3, sam.CigarMatch, 7), 1},
		{cigar(sam.CigarMatch, 3, sam.CigarInsertion, 2, sam.CigarMatch, 5), 3, cigar(sam.CigarSoftClipped, 5, sam.CigarMatch, 5), 3},
		{cigar(sam.CigarMatch, 3, sam.CigarDeletion, 2, sam.CigarMatch, 5), 4, cigar(sam.CigarSoftClipped, 4, sam.CigarMatch, 4), 6},
	} {
		out, shift := clipLeft(test.in, test.n)
		assert.Equal(t, test.out.String(), out.String(), "clipLeft(%v, %d)", test.in, test.n)
		assert.Equal(t, test.shift, shift, "clipLeft(%v, %d)", test.in, test.n)
		assert.Equal(t, fragment.QueryLength(test.in), fragment.QueryLength(out))
	}
}

func TestClipRight(t *testing.T) {
	assert.Equal(t, "6M4S", clipRight(cigar(sam.CigarMatch, 10), 4).String())
	assert.Equal(t, "7M3S", clipRight(cigar(sam.CigarMatch, 8, sam.CigarSoftClipped, 2), 3).String())
	assert.Equal(t, "2S4M4S", clipRight(cigar(sam.CigarSoftClipped, 2, sam.CigarMatch, 5, sam.CigarInsertion, 1, sam.CigarMatch, 2), 4).String())
}

func TestAdapterClipForward(t *testing.T) {
	contigs := periodicContigs(200)
	seq := concat(contigs[0].Bases[0:20], []byte(Nextera.Sequence[:10]))
	b := load(t, field("fwd", 0, 0, cigar(sam.CigarMatch, 30), seq))
	clipper := NewAdapterClipper(DefaultAdapterOpts)

	tg := target(t, b, 0)
	changed, err := clipper.Clip(contigs, reference.Unmapped, &tg)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "20M10S", tg.Cigar().String())
	assert.Equal(t, reference.NewPosition(0, 0), b.Index()[0].Pos)
	assert.Equal(t, 0, tg.Fragment.EditDistance())

	// Cached range, already clipped.
	assert.True(t, clipper.ranges[0][0].initialized)
	changed, err = clipper.Clip(contigs, reference.Unmapped, &tg)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "20M10S", tg.Cigar().String())
}

func TestAdapterClipReverse(t *testing.T) {
	contigs := periodicContigs(200)
	rc := reverseComplement([]byte(Nextera.Sequence))
	seq := concat(rc[len(rc)-10:], contigs[0].Bases[10:30])
	b := load(t, field("rev", 0, sam.Reverse, cigar(sam.CigarMatch, 30), seq))
	clipper := NewAdapterClipper(DefaultAdapterOpts)

	tg := target(t, b, 0)
	changed, err := clipper.Clip(contigs, reference.Unmapped, &tg)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "10S20M", tg.Cigar().String())
	assert.Equal(t, reference.NewPosition(0, 10), b.Index()[0].Pos)
	assert.Equal(t, int32(10), tg.Fragment.Pos())
}

func TestClipIsIdempotent(t *testing.T) {
	contigs := periodicContigs(200)
	rc := reverseComplement([]byte(Nextera.Sequence))
	semi := append([]byte(nil), contigs[0].Bases[0:30]...)
	semi[1], semi[3], semi[27] = 'N', 'N', 'N'
	for _, test := range []struct {
		name  string
		clip  func(reference.ContigList, reference.Position, *Target) (bool, error)
		field fragment.Fields
		cigar string
		pos   int64
	}{
		{"forward", NewAdapterClipper(DefaultAdapterOpts).Clip,
			field("fwd", 0, 0, cigar(sam.CigarMatch, 30), concat(contigs[0].Bases[0:20], []byte(Nextera.Sequence[:10]))),
			"20M10S", 0},
		{"reverse", NewAdapterClipper(DefaultAdapterOpts).Clip,
			field("rev", 0, sam.Reverse, cigar(sam.CigarMatch, 30), concat(rc[len(rc)-10:], contigs[0].Bases[10:30])),
			"10S20M", 10},
		{"semialigned", NewSemialignedEndsClipper(0).Clip,
			field("semi", 0, 0, cigar(sam.CigarMatch, 30), semi),
			"4S23M3S", 4},
	} {
		b := load(t, test.field)
		tg := target(t, b, 0)
		changed, err := test.clip(contigs, reference.Unmapped, &tg)
		require.NoError(t, err)
		assert.True(t, changed, test.name)
		for i := 0; i < 2; i++ {
			changed, err = test.clip(contigs, reference.Unmapped, &tg)
			require.NoError(t, err)
			assert.False(t, changed, test.name)
			assert.Equal(t, test.cigar, tg.Cigar().String(), test.name)
			assert.Equal(t, reference.NewPosition(0, test.pos), b.Index()[0].Pos, test.name)
			assert.Equal(t, int32(test.pos), tg.Fragment.Pos(), test.name)
		}
	}
}

func TestAdapterClipBinEnd(t *testing.T) {
	contigs := periodicContigs(200)
	rc := reverseComplement([]byte(Nextera.Sequence))
	seq := concat(rc[len(rc)-10:], contigs[0].Bases[10:30])
	b := load(t, field("rev", 0, sam.Reverse, cigar(sam.CigarMatch, 30), seq))
	tg := target(t, b, 0)
	changed, err := NewAdapterClipper(DefaultAdapterOpts).Clip(contigs, reference.NewPosition(0, 10), &tg)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "30M", tg.Cigar().String())
}

func TestAdapterMismatchThreshold(t *testing.T) {
	contigs := periodicContigs(200)
	for _, test := range []struct {
		mismatches int
		clipped    bool
	}{
		{0, true},
		{7, true},  // 35%
		{8, false}, // 40%
		{12, false},
	} {
		flank := append([]byte(nil), contigs[0].Bases[0:20]...)
		for i := 0; i < test.mismatches; i++ {
			flank[i] = 'N'
		}
		seq := concat(flank, []byte(Nextera.Sequence[:10]))
		b := load(t, field("thr", 0, 0, cigar(sam.CigarMatch, 30), seq))
		tg := target(t, b, 0)
		changed, err := NewAdapterClipper(DefaultAdapterOpts).Clip(contigs, reference.Unmapped, &tg)
		require.NoError(t, err)
		assert.Equal(t, test.clipped, changed, "%d mismatches", test.mismatches)
		if !test.clipped {
			assert.Equal(t, "30M", tg.Cigar().String())
		}
	}
}

func TestAdapterNoAdapter(t *testing.T) {
	contigs := periodicContigs(200)
	b := load(t,
		field("clean", 0, 0, cigar(sam.CigarMatch, 30), contigs[0].Bases[0:30]),
		fragment.Fields{Name: "unmapped", RefID: -1, Pos: -1, MateRefID: -1, MatePos: -1,
			Flags: sam.Unmapped, Seq: []byte(Nextera.Sequence)},
	)
	clipper := NewAdapterClipper(DefaultAdapterOpts)
	for i := range b.Index() {
		tg := target(t, b, i)
		changed, err := clipper.Clip(contigs, reference.Unmapped, &tg)
		require.NoError(t, err)
		assert.False(t, changed)
	}
}

func TestAdapterCacheResetsPerTemplate(t *testing.T) {
	contigs := periodicContigs(200)
	adapter := concat(contigs[0].Bases[0:20], []byte(Nextera.Sequence[:10]))
	b := load(t,
		field("a", 0, 0, cigar(sam.CigarMatch, 30), adapter),
		field("bb", 0, 0, cigar(sam.CigarMatch, 30), contigs[0].Bases[0:30]),
	)
	clipper := NewAdapterClipper(DefaultAdapterOpts)
	tg := target(t, b, 0)
	changed, err := clipper.Clip(contigs, reference.Unmapped, &tg)
	require.NoError(t, err)
	assert.True(t, changed)

	// A different cluster must not reuse the first read's range.
	tg = target(t, b, 1)
	changed, err = clipper.Clip(contigs, reference.Unmapped, &tg)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "30M", tg.Cigar().String())
}

func TestSemialignedEnds(t *testing.T) {
	contigs := periodicContigs(200)
	seq := append([]byte(nil), contigs[0].Bases[0:30]...)
	seq[1], seq[3], seq[27] = 'N', 'N', 'N'
	b := load(t, field("semi", 0, 0, cigar(sam.CigarMatch, 30), seq))
	clipper := NewSemialignedEndsClipper(0)
	assert.Equal(t, DefaultSemialignedMinMatches, clipper.MinMatches)

	tg := target(t, b, 0)
	changed, err := clipper.Clip(contigs, reference.Unmapped, &tg)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "4S23M3S", tg.Cigar().String())
	assert.Equal(t, reference.NewPosition(0, 4), b.Index()[0].Pos)
	assert.Equal(t, 0, tg.Fragment.EditDistance())

	changed, err = clipper.Clip(contigs, reference.Unmapped, &tg)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "4S23M3S", tg.Cigar().String())
}

func TestSemialignedBinEnd(t *testing.T) {
	contigs := periodicContigs(200)
	seq := append([]byte(nil), contigs[0].Bases[0:30]...)
	seq[1], seq[3], seq[27] = 'N', 'N', 'N'
	b := load(t, field("semi", 0, 0, cigar(sam.CigarMatch, 30), seq))
	tg := target(t, b, 0)
	changed, err := NewSemialignedEndsClipper(5).Clip(contigs, reference.NewPosition(0, 3), &tg)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "27M3S", tg.Cigar().String())
	assert.Equal(t, reference.NewPosition(0, 0), b.Index()[0].Pos)
}

func TestSemialignedNoRun(t *testing.T) {
	contigs := periodicContigs(200)
	seq := append([]byte(nil), contigs[0].Bases[0:8]...)
	for i := 0; i < len(seq); i += 3 {
		seq[i] = 'N'
	}
	b := load(t, field("short", 0, 0, cigar(sam.CigarMatch, 8), seq))
	tg := target(t, b, 0)
	changed, err := NewSemialignedEndsClipper(5).Clip(contigs, reference.Unmapped, &tg)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "8M", tg.Cigar().String())
}

// deletionRead returns a 40-base read carrying a 3-base deletion at
// offset 70 of the contig, starting at 50.
func deletionRead(contigs reference.ContigList) []byte {
	bases := contigs[0].Bases
	return concat(bases[50:70], bases[73:93])
}

func TestRealignSample(t *testing.T) {
	contigs := randomContigs(300)
	seq := deletionRead(contigs)
	b := load(t,
		field("gapped", 50, 0, cigar(sam.CigarMatch, 20, sam.CigarDeletion, 3, sam.CigarMatch, 20), seq),
		field("ungapped", 50, 0, cigar(sam.CigarMatch, 40), seq),
	)
	r := NewGapRealigner(RealignSample, 0, DefaultScoring, nil)
	r.Prepare(b, reference.NewPosition(0, 0), reference.NewPosition(0, 300))
	require.Equal(t, []Gap{{Pos: reference.NewPosition(0, 70), Length: 3}}, r.Gaps())

	tg := target(t, b, 0)
	changed, err := r.Realign(contigs, reference.Unmapped, &tg)
	require.NoError(t, err)
	assert.False(t, changed)

	tg = target(t, b, 1)
	changed, err = r.Realign(contigs, reference.Unmapped, &tg)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "20M3D20M", tg.Cigar().String())
	assert.Equal(t, reference.NewPosition(0, 50), b.Index()[1].Pos)
	assert.Equal(t, 3, tg.Fragment.EditDistance())

	changed, err = r.Realign(contigs, reference.Unmapped, &tg)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRealignKnownIndels(t *testing.T) {
	contigs := randomContigs(300)
	seq := deletionRead(contigs)
	known := []Gap{
		{Pos: reference.NewPosition(0, 200), Length: 2},
		{Pos: reference.NewPosition(0, 70), Length: 3},
	}
	for _, test := range []struct {
		mode    RealignMode
		changed bool
	}{
		{RealignNone, false},
		{RealignSample, false},
		{RealignAll, true},
	} {
		b := load(t, field("ungapped", 50, 0, cigar(sam.CigarMatch, 40), seq))
		r := NewGapRealigner(test.mode, 0, DefaultScoring, known)
		r.Prepare(b, reference.NewPosition(0, 0), reference.NewPosition(0, 150))
		tg := target(t, b, 0)
		changed, err := r.Realign(contigs, reference.Unmapped, &tg)
		require.NoError(t, err)
		assert.Equal(t, test.changed, changed, "mode %v", test.mode)
	}
}

func TestRealignBinEnd(t *testing.T) {
	contigs := randomContigs(300)
	seq := deletionRead(contigs)
	b := load(t, field("ungapped", 50, 0, cigar(sam.CigarMatch, 40), seq))
	r := NewGapRealigner(RealignAll, 0, DefaultScoring, []Gap{{Pos: reference.NewPosition(0, 70), Length: 3}})
	r.Prepare(b, reference.NewPosition(0, 0), reference.NewPosition(0, 300))
	tg := target(t, b, 0)
	changed, err := r.Realign(contigs, reference.NewPosition(0, 91), &tg)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "40M", tg.Cigar().String())
}

func TestParseRealignMode(t *testing.T) {
	for _, s := range []string{"none", "sample", "all"} {
		m, err := ParseRealignMode(s)
		require.NoError(t, err)
		assert.Equal(t, s, m.String())
	}
	_, err := ParseRealignMode("most")
	assert.Error(t, err)
}

func TestSortGaps(t *testing.T) {
	p := reference.NewPosition
	gaps := SortGaps([]Gap{{p(0, 9), 1}, {p(0, 3), -2}, {p(0, 9), 1}, {p(0, 3), 4}})
	assert.Equal(t, []Gap{{p(0, 3), -2}, {p(0, 3), 4}, {p(0, 9), 1}}, gaps)
}
