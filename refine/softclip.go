// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package refine

import (
	"github.com/grailbio/bambuild/fragment"
	"github.com/grailbio/hts/sam"
)

// clipLeft soft clips at least the first n query bases of c, counting
// any existing leading soft clip.  It returns the new cigar and the
// number of reference bases the alignment start moves by.  Insertions
// and deletions left at the new alignment start are absorbed into the
// clip and the shift respectively.
func clipLeft(c sam.Cigar, n int) (sam.Cigar, int) {
	shift, clipped := 0, 0
	i := 0
	var head sam.CigarOp
	split := false
	for ; i < len(c) && clipped < n; i++ {
		op := c[i]
		cons := op.Type().Consumes()
		take := op.Len()
		if cons.Query > 0 && cons.Reference > 0 && clipped+take > n {
			take = n - clipped
			head = sam.NewCigarOp(op.Type(), op.Len()-take)
			split = true
		}
		clipped += take * cons.Query
		shift += take * cons.Reference
		if split {
			i++
			break
		}
	}
	if !split {
		for ; i < len(c); i++ {
			cons := c[i].Type().Consumes()
			if cons.Query > 0 && cons.Reference > 0 {
				break
			}
			clipped += c[i].Len() * cons.Query
			shift += c[i].Len() * cons.Reference
		}
	}
	out := fragment.AppendOp(make(sam.Cigar, 0, len(c)+1), sam.CigarSoftClipped, clipped)
	if split {
		out = fragment.AppendOp(out, head.Type(), head.Len())
	}
	for _, op := range c[i:] {
		out = fragment.AppendOp(out, op.Type(), op.Len())
	}
	return out, shift
}

func reverseCigar(c sam.Cigar) sam.Cigar {
	r := make(sam.Cigar, len(c))
	for i, op := range c {
		r[len(c)-1-i] = op
	}
	return r
}

// clipRight soft clips at least the last n query bases of c, counting
// any existing trailing soft clip.  The alignment start does not move.
func clipRight(c sam.Cigar, n int) sam.Cigar {
	out, _ := clipLeft(reverseCigar(c), n)
	return reverseCigar(out)
}
