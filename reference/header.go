// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package reference

import (
	"github.com/grailbio/hts/sam"
)

// HeaderOpts describes the @PG line of a generated header.
type HeaderOpts struct {
	ProgramName string
	Version     string
	CommandLine string
	// RunID becomes the @PG ID, so that outputs of different runs can be
	// told apart.
	RunID string
}

// NewHeader builds a coordinate-sorted BAM header with one @SQ line per
// contig.
func NewHeader(contigs ContigList, opts HeaderOpts) (*sam.Header, error) {
	refs := make([]*sam.Reference, len(contigs))
	for i := range contigs {
		ref, err := sam.NewReference(contigs[i].Name, "", "", len(contigs[i].Bases), nil, nil)
		if err != nil {
			return nil, err
		}
		refs[i] = ref
	}
	header, err := sam.NewHeader(nil, refs)
	if err != nil {
		return nil, err
	}
	header.Version = "1.4"
	header.SortOrder = sam.Coordinate
	if opts.RunID != "" {
		pg := sam.NewProgram(opts.RunID, opts.ProgramName, opts.CommandLine, "", opts.Version)
		if err := header.AddProgram(pg); err != nil {
			return nil, err
		}
	}
	return header, nil
}
