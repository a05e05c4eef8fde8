// SPDX-License-Identifier: MIT

// Package indexer searches release indexers for downloadable releases.
package indexer

import (
	"context"

	"github.com/pipearr/pipearr/internal/pipeline/model"
)

// MovieQuery identifies one movie search.
type MovieQuery struct {
	CatalogID int64
	Title     string
	Year      int
}

// SeasonQuery identifies one tv season search. Episode selection
// happens on the results, not in the query.
type SeasonQuery struct {
	CatalogID int64
	Title     string
	Season    int
}

// Client is the search surface the pipeline depends on.
type Client interface {
	SearchMovie(ctx context.Context, q MovieQuery) ([]model.Release, error)
	SearchTVSeason(ctx context.Context, q SeasonQuery) ([]model.Release, error)
}
