// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/grailbio/bambuild/refine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAdapters(t *testing.T) {
	adapters, err := parseAdapters("nextera, TruSeq,custom=acgtn")
	require.NoError(t, err)
	assert.Equal(t, []refine.Adapter{
		refine.Nextera,
		refine.TruSeq,
		{Name: "custom", Sequence: "ACGTN"},
	}, adapters)

	adapters, err = parseAdapters("")
	require.NoError(t, err)
	assert.Empty(t, adapters)

	_, err = parseAdapters("illumina")
	assert.Error(t, err)
	_, err = parseAdapters("bad=ACGU")
	assert.Error(t, err)
	_, err = parseAdapters("empty=")
	assert.Error(t, err)
}
