// SPDX-License-Identifier: MIT

package indexer

import (
	"sort"

	"github.com/pipearr/pipearr/internal/pipeline/model"
)

// Predicate decides whether a release satisfies the requested quality.
type Predicate func(model.Release) bool

// MinResolution accepts releases at or above the given vertical
// resolution. Releases without a recognizable resolution never pass.
func MinResolution(height int) Predicate {
	return func(r model.Release) bool {
		return r.Resolution > 0 && r.Resolution >= height
	}
}

// Rank orders releases in place: resolution first, then seeders, then
// size, all descending.
func Rank(releases []model.Release) {
	sort.SliceStable(releases, func(i, j int) bool {
		a, b := releases[i], releases[j]
		if a.Resolution != b.Resolution {
			return a.Resolution > b.Resolution
		}
		if a.Seeders != b.Seeders {
			return a.Seeders > b.Seeders
		}
		return a.SizeBytes > b.SizeBytes
	})
}

// Partition splits releases into those passing the predicate and the
// rest, both ranked.
func Partition(releases []model.Release, p Predicate) (matching, below []model.Release) {
	for _, r := range releases {
		if p(r) {
			matching = append(matching, r)
		} else {
			below = append(below, r)
		}
	}
	Rank(matching)
	Rank(below)
	return matching, below
}

// Top returns at most n releases from the front of an already-ranked
// slice, copied so later mutation cannot alias.
func Top(releases []model.Release, n int) []model.Release {
	if n > len(releases) {
		n = len(releases)
	}
	if n <= 0 {
		return nil
	}
	out := make([]model.Release, n)
	copy(out, releases[:n])
	return out
}
