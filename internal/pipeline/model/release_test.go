// SPDX-License-Identifier: MIT

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1.5 GB", 1610612736},
		{"1,024 KB", 1048576},
		{"700 MB", 734003200},
		{"2 TB", 2199023255552},
		{"512 MiB", 536870912},
		{"1024", 1024},
		{"345 B", 345},
		{"0.5 gb", 536870912},
		{"8 K", 8192},
		{"", 0},
		{"invalid", 0},
		{"1.5 XB", 0},
		{"GB", 0},
		{"  2 GB  ", 2147483648},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSize(tt.in))
		})
	}
}

func TestParseResolution(t *testing.T) {
	tests := []struct {
		title string
		want  int
	}{
		{"Show.Name.S01E02.1080p.WEB.H264-GRP", 1080},
		{"Movie.Title.2023.2160p.UHD.BluRay.x265", 2160},
		{"Old.Film.1987.720p.HDTV", 720},
		{"Broadcast.Rip.576i.DVB", 576},
		{"Some.Movie.4K.HDR.Remux", 2160},
		{"Plain.Release.Name", 0},
		{"Show.S01.480p.DVDRip", 480},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseResolution(tt.title))
		})
	}
}

func TestResolutionLabel(t *testing.T) {
	assert.Equal(t, "1080p", ResolutionLabel(1080))
	assert.Equal(t, "2160p", ResolutionLabel(2160))
	assert.Equal(t, "unknown", ResolutionLabel(0))
}
