// SPDX-License-Identifier: MIT

package mediafile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipearr/pipearr/internal/pipeline/model"
)

func TestMainVideoPicksLargestRealVideo(t *testing.T) {
	files := []model.MediaFile{
		{Path: "The.Matrix.1999.1080p/matrix.nfo", Size: 4 << 10},
		{Path: "The.Matrix.1999.1080p/Sample/matrix-sample.mkv", Size: 120 << 20},
		{Path: "The.Matrix.1999.1080p/matrix-sample.mkv", Size: 150 << 20},
		{Path: "The.Matrix.1999.1080p/matrix.srt", Size: 80 << 10},
		{Path: "The.Matrix.1999.1080p/matrix.mkv", Size: 8 << 30},
		{Path: "The.Matrix.1999.1080p/extras/deleted-scene.mkv", Size: 900 << 20},
	}

	main, ok := MainVideo(files)
	require.True(t, ok)
	assert.Equal(t, "The.Matrix.1999.1080p/matrix.mkv", main.Path)
}

func TestMainVideoRejectsTinyFiles(t *testing.T) {
	_, ok := MainVideo([]model.MediaFile{
		{Path: "release/clip.mkv", Size: 50 << 20},
	})
	assert.False(t, ok)
}

func TestIsSample(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"show/Sample/ep.mkv", true},
		{"show/samples/ep.mkv", true},
		{"show/ep.sample.mkv", true},
		{"show/sample-ep.mkv", true},
		{"show/Ep.S01E01.SAMPLE.mkv", true},
		{"show/ep.mkv", false},
		// "sample" inside a word does not count.
		{"show/examples.mkv", false},
		{"show/Sampleton.Abbey.S01E01.mkv", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsSample(tc.path), tc.path)
	}
}

func TestEpisodeFileMatching(t *testing.T) {
	files := []model.MediaFile{
		{Path: "BB.S01/Breaking.Bad.S01E01.1080p.mkv", Size: 2 << 30},
		{Path: "BB.S01/Breaking.Bad.S01E02.1080p.mkv", Size: 2 << 30},
		{Path: "BB.S01/Breaking.Bad.S01E02.Sample.mkv", Size: 200 << 20},
		{Path: "BB.S01/Breaking.Bad.S01E03.1080p.mkv", Size: 2 << 30},
	}

	f, ok := EpisodeFile(files, 1, 2)
	require.True(t, ok)
	assert.Equal(t, "BB.S01/Breaking.Bad.S01E02.1080p.mkv", f.Path)

	_, ok = EpisodeFile(files, 1, 4)
	assert.False(t, ok)

	_, ok = EpisodeFile(files, 2, 1)
	assert.False(t, ok, "wrong season must not match")
}

func TestMapEpisodes(t *testing.T) {
	files := []model.MediaFile{
		{Path: "BB.S01/Breaking.Bad.S01E01.mkv", Size: 2 << 30},
		{Path: "BB.S01/Breaking.Bad.S01E02.mkv", Size: 2 << 30},
	}

	got := MapEpisodes(files, 1, []int{1, 2, 3})
	require.Len(t, got, 2)
	assert.Contains(t, got[1].Path, "S01E01")
	assert.Contains(t, got[2].Path, "S01E02")
	_, ok := got[3]
	assert.False(t, ok)
}

func TestFirstRARVolume(t *testing.T) {
	cases := []struct {
		name  string
		paths []string
		want  string
		ok    bool
	}{
		{
			name:  "part naming",
			paths: []string{"rel/x.part2.rar", "rel/x.part1.rar", "rel/x.part3.rar"},
			want:  "rel/x.part1.rar",
			ok:    true,
		},
		{
			name:  "padded part naming",
			paths: []string{"rel/x.part02.rar", "rel/x.part01.rar"},
			want:  "rel/x.part01.rar",
			ok:    true,
		},
		{
			name:  "plain rar with split volumes",
			paths: []string{"rel/x.r00", "rel/x.r01", "rel/x.rar"},
			want:  "rel/x.rar",
			ok:    true,
		},
		{
			name:  "no archive",
			paths: []string{"rel/x.mkv"},
			ok:    false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := FirstRARVolume(tc.paths)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIsRAR(t *testing.T) {
	assert.True(t, IsRAR("x.rar"))
	assert.True(t, IsRAR("x.R00"))
	assert.True(t, IsRAR("x.part1.rar"))
	assert.False(t, IsRAR("x.mkv"))
	assert.False(t, IsRAR("x.tar"))
}
