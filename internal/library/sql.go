// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/pipeline/model"
	"github.com/pipearr/pipearr/internal/pipeline/retry"
)

// SQL implements Index on the pipeline database. It shares the store's
// handle so deliveries and pipeline state commit to the same file.
type SQL struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQL creates the library table if needed and returns the index.
func NewSQL(db *sql.DB) (*SQL, error) {
	s := &SQL{db: db, logger: log.WithComponent("library")}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS library_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			catalog_id INTEGER NOT NULL,
			media_type TEXT NOT NULL,
			title TEXT NOT NULL,
			year INTEGER NOT NULL DEFAULT 0,
			season INTEGER NOT NULL DEFAULT 0,
			episode INTEGER NOT NULL DEFAULT 0,
			server_id TEXT NOT NULL,
			path TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			resolution TEXT,
			delivered_at TEXT NOT NULL,
			UNIQUE(catalog_id, media_type, server_id, season, episode)
		);
		CREATE INDEX IF NOT EXISTS idx_library_catalog ON library_items(catalog_id);
	`); err != nil {
		return nil, fmt.Errorf("create library table: %w", err)
	}
	return s, nil
}

// Upsert records the delivery. Re-deliveries of the same key replace
// the previous row.
func (s *SQL) Upsert(ctx context.Context, item Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO library_items (catalog_id, media_type, title, year, season,
			episode, server_id, path, size_bytes, resolution, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(catalog_id, media_type, server_id, season, episode) DO UPDATE SET
			title = excluded.title,
			year = excluded.year,
			path = excluded.path,
			size_bytes = excluded.size_bytes,
			resolution = excluded.resolution,
			delivered_at = excluded.delivered_at`,
		item.CatalogID, string(item.MediaType), item.Title, item.Year, item.Season,
		item.Episode, item.ServerID, item.Path, item.SizeBytes, item.Resolution,
		item.DeliveredAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return retry.Tag(retry.ServiceLibrary, fmt.Errorf("upsert library entry: %w", err))
	}
	s.logger.Debug().
		Str(log.FieldEvent, "library.upserted").
		Int64("catalog_id", item.CatalogID).
		Str(log.FieldServerID, item.ServerID).
		Str(log.FieldPath, item.Path).
		Msg("library entry recorded")
	return nil
}

// Has reports whether the key is already delivered.
func (s *SQL) Has(ctx context.Context, key Key) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM library_items
		WHERE catalog_id = ? AND media_type = ? AND server_id = ? AND season = ? AND episode = ?`,
		key.CatalogID, string(key.MediaType), key.ServerID, key.Season, key.Episode,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, retry.Tag(retry.ServiceLibrary, fmt.Errorf("query library entry: %w", err))
	}
	return true, nil
}

// ItemsByCatalog lists the catalog title's delivered entries.
func (s *SQL) ItemsByCatalog(ctx context.Context, catalogID int64) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT catalog_id, media_type, title, year, season, episode, server_id,
			path, size_bytes, resolution, delivered_at
		FROM library_items
		WHERE catalog_id = ?
		ORDER BY media_type, season, episode, server_id`, catalogID)
	if err != nil {
		return nil, retry.Tag(retry.ServiceLibrary, fmt.Errorf("query library entries: %w", err))
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			it          Item
			mediaType   string
			resolution  sql.NullString
			deliveredAt string
		)
		if err := rows.Scan(&it.CatalogID, &mediaType, &it.Title, &it.Year, &it.Season,
			&it.Episode, &it.ServerID, &it.Path, &it.SizeBytes, &resolution, &deliveredAt); err != nil {
			return nil, retry.Tag(retry.ServiceLibrary, fmt.Errorf("scan library entry: %w", err))
		}
		it.MediaType = model.MediaType(mediaType)
		it.Resolution = resolution.String
		it.DeliveredAt, _ = time.Parse(time.RFC3339, deliveredAt)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, retry.Tag(retry.ServiceLibrary, fmt.Errorf("iterate library entries: %w", err))
	}
	return items, nil
}
