// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package fragment

import (
	"sort"

	psort "github.com/exascience/pargo/sort"
)

// indexSorter adapts an Index slice to pargo's parallel stable sort.
type indexSorter struct {
	buf   *Buffer
	index []Index
}

func (s indexSorter) SequentialSort(i, j int) {
	index, buf := s.index[i:j], s.buf
	sort.SliceStable(index, func(i, j int) bool {
		return buf.OrderForBAM(&index[i], &index[j])
	})
}

func (s indexSorter) NewTemp() psort.StableSorter {
	return indexSorter{s.buf, make([]Index, len(s.index))}
}

func (s indexSorter) Len() int { return len(s.index) }

func (s indexSorter) Less(i, j int) bool {
	return s.buf.OrderForBAM(&s.index[i], &s.index[j])
}

func (s indexSorter) Assign(p psort.StableSorter) func(i, j, len int) {
	dst, src := s.index, p.(indexSorter).index
	return func(i, j, len int) {
		copy(dst[i:i+len], src[j:j+len])
	}
}

// SortForBAM stably sorts the Index into output order.
func (b *Buffer) SortForBAM() {
	psort.StableSort(indexSorter{b, b.index})
}

// IsSortedForBAM tells whether the Index is in output order.
func (b *Buffer) IsSortedForBAM() bool {
	for i := 1; i < len(b.index); i++ {
		if b.OrderForBAM(&b.index[i], &b.index[i-1]) {
			return false
		}
	}
	return true
}
