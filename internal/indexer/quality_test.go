// SPDX-License-Identifier: MIT

package indexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipearr/pipearr/internal/pipeline/model"
)

func TestMinResolution(t *testing.T) {
	p := MinResolution(1080)

	assert.True(t, p(model.Release{Resolution: 1080}))
	assert.True(t, p(model.Release{Resolution: 2160}))
	assert.False(t, p(model.Release{Resolution: 720}))
	assert.False(t, p(model.Release{Resolution: 0}), "unknown resolution never passes")
}

func TestRankOrdersByResolutionSeedersSize(t *testing.T) {
	releases := []model.Release{
		{Title: "small-1080", Resolution: 1080, Seeders: 50, SizeBytes: 4 << 30},
		{Title: "uhd", Resolution: 2160, Seeders: 5, SizeBytes: 30 << 30},
		{Title: "big-1080", Resolution: 1080, Seeders: 50, SizeBytes: 9 << 30},
		{Title: "seeded-1080", Resolution: 1080, Seeders: 200, SizeBytes: 2 << 30},
	}

	Rank(releases)

	order := make([]string, len(releases))
	for i, r := range releases {
		order[i] = r.Title
	}
	assert.Equal(t, []string{"uhd", "seeded-1080", "big-1080", "small-1080"}, order)
}

func TestPartition(t *testing.T) {
	releases := []model.Release{
		{Title: "hd", Resolution: 1080, Seeders: 10},
		{Title: "sd", Resolution: 480, Seeders: 90},
		{Title: "uhd", Resolution: 2160, Seeders: 1},
	}

	matching, below := Partition(releases, MinResolution(1080))
	require.Len(t, matching, 2)
	require.Len(t, below, 1)
	assert.Equal(t, "uhd", matching[0].Title)
	assert.Equal(t, "sd", below[0].Title)
}

func TestTopCopies(t *testing.T) {
	releases := []model.Release{{Title: "a"}, {Title: "b"}, {Title: "c"}}

	top := Top(releases, 2)
	require.Len(t, top, 2)
	top[0].Title = "mutated"
	assert.Equal(t, "a", releases[0].Title)

	assert.Len(t, Top(releases, 10), 3)
	assert.Nil(t, Top(releases, 0))
}
