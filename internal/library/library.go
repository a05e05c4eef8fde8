// SPDX-License-Identifier: MIT

// Package library indexes delivered media per server so the pipeline
// can answer "is this already on that server" without asking it.
package library

import (
	"context"
	"time"

	"github.com/pipearr/pipearr/internal/pipeline/model"
)

// Item is one delivered file on one server.
type Item struct {
	CatalogID   int64           `json:"catalogId"`
	MediaType   model.MediaType `json:"mediaType"`
	Title       string          `json:"title"`
	Year        int             `json:"year"`
	Season      int             `json:"season,omitempty"`
	Episode     int             `json:"episode,omitempty"`
	ServerID    string          `json:"serverId"`
	Path        string          `json:"path"`
	SizeBytes   int64           `json:"sizeBytes"`
	Resolution  string          `json:"resolution,omitempty"`
	DeliveredAt time.Time       `json:"deliveredAt"`
}

// Key identifies one library entry. Movies carry zero season and
// episode.
type Key struct {
	CatalogID int64
	MediaType model.MediaType
	ServerID  string
	Season    int
	Episode   int
}

// KeyOf derives the entry key from an item.
func KeyOf(it Item) Key {
	return Key{
		CatalogID: it.CatalogID,
		MediaType: it.MediaType,
		ServerID:  it.ServerID,
		Season:    it.Season,
		Episode:   it.Episode,
	}
}

// Index is the pipeline's view of delivered media.
type Index interface {
	// Upsert records a delivery, replacing any previous entry for the
	// same key.
	Upsert(ctx context.Context, item Item) error

	// Has reports whether the key is already delivered.
	Has(ctx context.Context, key Key) (bool, error)

	// ItemsByCatalog lists every delivered entry of one catalog title
	// across all servers.
	ItemsByCatalog(ctx context.Context, catalogID int64) ([]Item, error)
}
