// SPDX-License-Identifier: MIT

package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractMissingBinary(t *testing.T) {
	u := NewUnrar("/nonexistent/unrar-binary")

	err := u.Extract(context.Background(), "/tmp/x.rar", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBinaryNotFound)
}

func TestDetectFindsSetHeads(t *testing.T) {
	u := NewUnrar("")
	files := []string{
		"rel/movie.mkv",
		"rel/movie.rar",
		"rel/movie.r00",
		"rel/movie.r01",
		"rel/extras.part1.rar",
		"rel/extras.part2.rar",
		"rel/other.PART01.RAR",
	}

	heads := u.Detect(files)
	assert.Equal(t, []string{"rel/extras.part1.rar", "rel/movie.rar", "rel/other.PART01.RAR"}, heads)
}

func TestResolveBinDefaultsToPath(t *testing.T) {
	u := NewUnrar("")
	_, err := u.resolveBin()
	// Whether unrar is installed or not, the failure mode must stay
	// the typed sentinel.
	if err != nil {
		assert.ErrorIs(t, err, ErrBinaryNotFound)
	}
}
