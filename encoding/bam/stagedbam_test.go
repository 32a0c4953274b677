// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package bam

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	hbam "github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/klauspost/compress/gzip"
)

func newTestHeader(t *testing.T) *sam.Header {
	chr1, err := sam.NewReference("chr1", "", "", 1000000, nil, nil)
	assert.NoError(t, err)
	chr2, err := sam.NewReference("chr2", "", "", 500000, nil, nil)
	assert.NoError(t, err)
	header, err := sam.NewHeader(nil, []*sam.Reference{chr1, chr2})
	assert.NoError(t, err)
	header.SortOrder = sam.Coordinate
	return header
}

// newTestRecords returns n sorted records spread over both references
// of the header, followed by two unplaced unmapped records.
func newTestRecords(t *testing.T, header *sam.Header, n int) []*sam.Record {
	refs := header.Refs()
	var records []*sam.Record
	for i := 0; i < n; i++ {
		ref := refs[0]
		pos := i * 37
		if i >= n/2 {
			ref = refs[1]
			pos = (i - n/2) * 53
		}
		seq := []byte("ACGTACGTAC")
		qual := bytes.Repeat([]byte{30}, len(seq))
		nm, err := sam.NewAux(sam.NewTag("NM"), i%3)
		assert.NoError(t, err)
		r, err := sam.NewRecord(fmt.Sprintf("read%d", i), ref, ref, pos, pos+100, 110, 60,
			[]sam.CigarOp{sam.NewCigarOp(sam.CigarSoftClipped, 2), sam.NewCigarOp(sam.CigarMatch, 8)},
			seq, qual, []sam.Aux{nm})
		assert.NoError(t, err)
		r.Flags = sam.Paired | sam.ProperPair
		records = append(records, r)
	}
	for i := 0; i < 2; i++ {
		r, err := sam.NewRecord(fmt.Sprintf("unmapped%d", i), nil, nil, -1, -1, 0, 0,
			nil, []byte("NNNNA"), nil, nil)
		assert.NoError(t, err)
		r.Flags = sam.Unmapped
		records = append(records, r)
	}
	return records
}

// writeShards writes records as shards of shardSize records and
// returns the bam, bai and gbai contents.
func writeShards(t *testing.T, header *sam.Header, records []*sam.Record, shardSize int) (bamBuf, baiBuf, gbaiBuf *bytes.Buffer) {
	bamBuf, baiBuf, gbaiBuf = &bytes.Buffer{}, &bytes.Buffer{}, &bytes.Buffer{}
	w, err := NewWriter(bamBuf, header, WriterOpts{
		GzipLevel:          gzip.DefaultCompression,
		Index:              true,
		GIndex:             gbaiBuf,
		GIndexByteInterval: 64,
	})
	assert.NoError(t, err)
	c := NewCompressor(gzip.BestSpeed)
	for i := 0; i < len(records); i += shardSize {
		assert.NoError(t, c.StartShard())
		end := i + shardSize
		if end > len(records) {
			end = len(records)
		}
		for _, r := range records[i:end] {
			assert.NoError(t, c.AddRecord(r))
		}
		shard, err := c.CloseShard()
		assert.NoError(t, err)
		expect.EQ(t, shard.Len(), end-i)
		assert.NoError(t, w.WriteShard(shard))
	}
	assert.NoError(t, w.Close())
	assert.NoError(t, w.WriteIndex(baiBuf))
	expect.EQ(t, w.Records(), int64(len(records)))
	expect.EQ(t, w.Offset(), uint64(bamBuf.Len()))
	return
}

func readAll(t *testing.T, r io.Reader) []*sam.Record {
	reader, err := hbam.NewReader(r, 1)
	assert.NoError(t, err)
	var got []*sam.Record
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		assert.NoError(t, err)
		got = append(got, rec)
	}
	assert.NoError(t, reader.Close())
	return got
}

func TestShardedWriteRoundTrip(t *testing.T) {
	header := newTestHeader(t)
	records := newTestRecords(t, header, 200)
	for _, shardSize := range []int{1, 7, 1000} {
		bamBuf, _, _ := writeShards(t, header, records, shardSize)
		got := readAll(t, bamBuf)
		assert.EQ(t, len(got), len(records))
		for i := range records {
			expected, err := records[i].MarshalText()
			assert.NoError(t, err)
			actual, err := got[i].MarshalText()
			assert.NoError(t, err)
			expect.EQ(t, string(actual), string(expected), "shardSize %d record %d", shardSize, i)
		}
	}
}

func TestMarshalMissingQuality(t *testing.T) {
	header := newTestHeader(t)
	r, err := sam.NewRecord("q", header.Refs()[0], nil, 10, -1, 0, 60,
		[]sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 4)}, []byte("ACGT"), nil, nil)
	assert.NoError(t, err)
	var buf bytes.Buffer
	assert.NoError(t, Marshal(r, &buf))
	// block_size covers the fixed fields, name, one cigar op, two seq
	// bytes and four 0xff quality bytes.
	expect.EQ(t, buf.Len()-4, bamFixedBytes+2+4+2+4)
	expect.EQ(t, buf.Bytes()[buf.Len()-1], byte(0xff))

	r.Name = ""
	expect.NotNil(t, Marshal(r, &buf))
}

func TestShardedWriteIndex(t *testing.T) {
	header := newTestHeader(t)
	records := newTestRecords(t, header, 400)
	bamBuf, baiBuf, _ := writeShards(t, header, records, 13)

	idx, err := hbam.ReadIndex(baiBuf)
	assert.NoError(t, err)
	reader, err := hbam.NewReader(bytes.NewReader(bamBuf.Bytes()), 1)
	assert.NoError(t, err)

	// Query a window of chr2, and check that every record overlapping
	// the window is reachable from the index chunks.
	ref := header.Refs()[1]
	beg, end := 1000, 3000
	chunks, err := idx.Chunks(ref, beg, end)
	assert.NoError(t, err)
	assert.True(t, len(chunks) > 0)
	it, err := hbam.NewIterator(reader, chunks)
	assert.NoError(t, err)
	found := map[string]bool{}
	for it.Next() {
		r := it.Record()
		found[r.Name] = true
	}
	assert.NoError(t, it.Close())
	for _, r := range records {
		if r.Ref != ref || r.End() <= beg || r.Pos >= end {
			continue
		}
		expect.True(t, found[r.Name], "record %s missing from index query", r.Name)
	}
	unmapped, ok := idx.Unmapped()
	expect.True(t, ok)
	expect.EQ(t, unmapped, uint64(2))
}

func TestCloseShardWithoutStart(t *testing.T) {
	c := NewCompressor(gzip.BestSpeed)
	_, err := c.CloseShard()
	expect.NotNil(t, err)
}

func newMappedRecord(t *testing.T, name string, ref *sam.Reference, pos, length int) *sam.Record {
	seq := bytes.Repeat([]byte("A"), length)
	r, err := sam.NewRecord(name, ref, nil, pos, -1, 0, 60,
		[]sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, length)}, seq, nil, nil)
	assert.NoError(t, err)
	return r
}

func queryNames(t *testing.T, bamBuf *bytes.Buffer, idx *hbam.Index, ref *sam.Reference, beg, end int) map[string]bool {
	reader, err := hbam.NewReader(bytes.NewReader(bamBuf.Bytes()), 1)
	assert.NoError(t, err)
	chunks, err := idx.Chunks(ref, beg, end)
	assert.NoError(t, err)
	it, err := hbam.NewIterator(reader, chunks)
	assert.NoError(t, err)
	names := map[string]bool{}
	for it.Next() {
		names[it.Record().Name] = true
	}
	assert.NoError(t, it.Close())
	return names
}

// Reads crossing 16 kbp linear index tiles, including reads that reach
// several tiles at once, must be indexed and reachable.
func TestIndexTileSpanningReads(t *testing.T) {
	refs := make([]*sam.Reference, 3)
	for i := range refs {
		var err error
		refs[i], err = sam.NewReference(fmt.Sprintf("chr%d", i+1), "", "", 200000, nil, nil)
		assert.NoError(t, err)
	}
	header, err := sam.NewHeader(nil, refs)
	assert.NoError(t, err)
	header.SortOrder = sam.Coordinate

	records := []*sam.Record{
		newMappedRecord(t, "first", refs[0], 100, 10),
		newMappedRecord(t, "crossing", refs[0], 16380, 10),
		newMappedRecord(t, "inside", refs[0], 16400, 10),
		newMappedRecord(t, "long", refs[0], 40000, 60000),
		newMappedRecord(t, "after", refs[0], 120000, 10),
		newMappedRecord(t, "other", refs[1], 32760, 20),
	}
	for _, shardSize := range []int{1, 2, len(records)} {
		bamBuf, baiBuf, _ := writeShards(t, header, records, shardSize)
		idx, err := hbam.ReadIndex(baiBuf)
		assert.NoError(t, err)
		// chr3 has no reads but is still listed.
		expect.EQ(t, idx.NumRefs(), 3)

		expect.True(t, queryNames(t, bamBuf, idx, refs[0], 16385, 16386)["crossing"])
		names := queryNames(t, bamBuf, idx, refs[0], 80000, 80001)
		expect.True(t, names["long"])
		expect.False(t, names["first"])
		expect.True(t, queryNames(t, bamBuf, idx, refs[0], 120000, 120005)["after"])
		expect.True(t, queryNames(t, bamBuf, idx, refs[1], 32770, 32771)["other"])
	}
}

// A placed unmapped record the linear index cannot take drops the .bai
// without failing the BAM itself.
func TestIndexDroppedOnUnindexableRecord(t *testing.T) {
	header := newTestHeader(t)
	ref := header.Refs()[0]
	shadow, err := sam.NewRecord("shadow", ref, ref, 16383, 16383, 0, 0,
		nil, []byte("ACGT"), nil, nil)
	assert.NoError(t, err)
	shadow.Flags = sam.Paired | sam.Unmapped

	var bamBuf, baiBuf bytes.Buffer
	w, err := NewWriter(&bamBuf, header, WriterOpts{GzipLevel: gzip.BestSpeed, Index: true})
	assert.NoError(t, err)
	c := NewCompressor(gzip.BestSpeed)
	assert.NoError(t, c.StartShard())
	assert.NoError(t, c.AddRecord(newMappedRecord(t, "first", ref, 100, 10)))
	assert.NoError(t, c.AddRecord(shadow))
	shard, err := c.CloseShard()
	assert.NoError(t, err)
	assert.NoError(t, w.WriteShard(shard))
	assert.NoError(t, w.Close())
	err = w.WriteIndex(&baiBuf)
	expect.NotNil(t, err)
	expect.HasSubstr(t, err.Error(), "bai index dropped")
	expect.EQ(t, len(readAll(t, &bamBuf)), 2)
}
