// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package reference

import "fmt"

// Contig is one reference sequence.  Bases are upper case.
type Contig struct {
	Index int
	Name  string
	Bases []byte
}

// Len is the contig length in bases.
func (c *Contig) Len() int64 { return int64(len(c.Bases)) }

// OutOfRangeError is returned when a lookup falls outside of the
// reference.
type OutOfRangeError struct {
	Contig int
	Offset int64
	Length int64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("reference position %d:%d (+%d) is out of range", e.Contig, e.Offset, e.Length)
}

// ContigList is the reference, indexed by contig index.
type ContigList []Contig

// Contig returns the contig with the given index.
func (l ContigList) Contig(index int) (*Contig, error) {
	if index < 0 || index >= len(l) {
		return nil, &OutOfRangeError{Contig: index, Offset: -1}
	}
	return &l[index], nil
}

// Base returns the reference base at p.
func (l ContigList) Base(p Position) (byte, error) {
	b, err := l.Bases(p, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bases returns the n reference bases starting at p.  The result
// aliases the contig storage and must not be modified.
func (l ContigList) Bases(p Position, n int64) ([]byte, error) {
	c, err := l.Contig(p.Contig())
	if err != nil {
		return nil, err
	}
	off := p.Offset()
	if n < 0 || off+n > c.Len() {
		return nil, &OutOfRangeError{Contig: c.Index, Offset: off, Length: n}
	}
	return c.Bases[off : off+n], nil
}

// ClampedBases returns up to n bases starting at p, stopping at the end
// of the contig.
func (l ContigList) ClampedBases(p Position, n int64) ([]byte, error) {
	c, err := l.Contig(p.Contig())
	if err != nil {
		return nil, err
	}
	off := p.Offset()
	if off > c.Len() {
		return nil, &OutOfRangeError{Contig: c.Index, Offset: off, Length: n}
	}
	end := off + n
	if end > c.Len() {
		end = c.Len()
	}
	return c.Bases[off:end], nil
}

// EndPosition is the first position past the end of the given contig.
func (l ContigList) EndPosition(index int) Position {
	return NewPosition(index, l[index].Len())
}
