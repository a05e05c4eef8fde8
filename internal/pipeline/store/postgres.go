// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipearr/pipearr/internal/pipeline/model"
)

// Postgres is the shared-deployment store, selected with
// database.driver "postgres".
type Postgres struct {
	pool   *pgxpool.Pool
	flight aggregateFlight
}

// NewPostgres connects to dsn, verifies the connection and runs
// migrations.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Postgres{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

var postgresMigrations = []string{`
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		media_type TEXT NOT NULL,
		catalog_id BIGINT NOT NULL DEFAULT 0,
		title TEXT NOT NULL,
		year INTEGER NOT NULL DEFAULT 0,
		season INTEGER NOT NULL DEFAULT 0,
		episodes JSONB NOT NULL DEFAULT 'null',
		template TEXT NOT NULL DEFAULT '',
		targets JSONB NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		catalog_id BIGINT NOT NULL DEFAULT 0,
		title TEXT NOT NULL,
		year INTEGER NOT NULL DEFAULT 0,
		season INTEGER NOT NULL DEFAULT 0,
		episode INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		current_step TEXT NOT NULL DEFAULT '',
		step_context JSONB NOT NULL DEFAULT '{}',
		checkpoint JSONB,
		progress INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		last_error TEXT NOT NULL DEFAULT '',
		error_history JSONB,
		next_retry_at TIMESTAMPTZ,
		skip_until TIMESTAMPTZ,
		cooldown_ends_at TIMESTAMPTZ,
		download_id TEXT NOT NULL DEFAULT '',
		encoding_job_id TEXT NOT NULL DEFAULT '',
		last_progress_value INTEGER NOT NULL DEFAULT 0,
		last_progress_at TIMESTAMPTZ,
		downloaded_at TIMESTAMPTZ,
		encoded_at TIMESTAMPTZ,
		delivered_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_request ON items(request_id);
	CREATE INDEX IF NOT EXISTS idx_items_eligibility ON items(status, next_retry_at, skip_until);
	CREATE INDEX IF NOT EXISTS idx_items_cooldown ON items(status, cooldown_ends_at);

	CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL DEFAULT '',
		info_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		normalized_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		save_path TEXT NOT NULL DEFAULT '',
		content_path TEXT NOT NULL DEFAULT '',
		complete BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_normalized ON downloads(normalized_name);

	CREATE TABLE IF NOT EXISTS encoder_assignments (
		job_id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		status TEXT NOT NULL,
		progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		speed DOUBLE PRECISION NOT NULL DEFAULT 0,
		eta_seconds INTEGER NOT NULL DEFAULT 0,
		output_path TEXT NOT NULL DEFAULT '',
		output_size BIGINT NOT NULL DEFAULT 0,
		compression_ratio DOUBLE PRECISION NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_assignments_item ON encoder_assignments(item_id);
	`,
}

func (s *Postgres) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL
	)`); err != nil {
		return err
	}

	var current int
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return err
	}

	for v := current; v < len(postgresMigrations); v++ {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, postgresMigrations[v]); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`,
			v+1, time.Now().UTC(),
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %d: %w", v+1, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Requests

func (s *Postgres) CreateRequest(ctx context.Context, req *model.Request) error {
	targets, err := json.Marshal(req.Targets)
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}
	episodes, err := json.Marshal(req.Episodes)
	if err != nil {
		return fmt.Errorf("marshal episodes: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO requests (id, media_type, catalog_id, title, year, season, episodes,
			template, targets, status, progress, error, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $14)`,
		req.ID, string(req.MediaType), req.CatalogID, req.Title, req.Year, req.Season,
		episodes, req.Template, targets, string(req.Status), req.Progress, req.Error,
		req.CreatedAt.UTC(), req.UpdatedAt.UTC(),
	)
	return err
}

func scanPgRequest(row pgx.Row) (*model.Request, int, error) {
	var (
		req               model.Request
		episodes, targets []byte
		version           int
	)
	err := row.Scan(&req.ID, (*string)(&req.MediaType), &req.CatalogID, &req.Title,
		&req.Year, &req.Season, &episodes, &req.Template, &targets,
		(*string)(&req.Status), &req.Progress, &req.Error, &version,
		&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, 0, err
	}
	if err := json.Unmarshal(episodes, &req.Episodes); err != nil {
		return nil, 0, fmt.Errorf("unmarshal episodes: %w", err)
	}
	if err := json.Unmarshal(targets, &req.Targets); err != nil {
		return nil, 0, fmt.Errorf("unmarshal targets: %w", err)
	}
	return &req, version, nil
}

func (s *Postgres) getRequestVersion(ctx context.Context, id string) (*model.Request, int, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
	req, version, err := scanPgRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	return req, version, nil
}

func (s *Postgres) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	req, _, err := s.getRequestVersion(ctx, id)
	return req, err
}

func (s *Postgres) ListRequests(ctx context.Context, limit, offset int) ([]model.Request, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM requests`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+requestColumns+` FROM requests ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []model.Request
	for rows.Next() {
		req, _, err := scanPgRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *req)
	}
	return out, total, rows.Err()
}

func (s *Postgres) UpdateRequest(ctx context.Context, id string, fn func(*model.Request) error) (*model.Request, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		req, version, err := s.getRequestVersion(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(req); err != nil {
			return nil, err
		}
		req.UpdatedAt = time.Now().UTC()

		episodes, err := json.Marshal(req.Episodes)
		if err != nil {
			return nil, fmt.Errorf("marshal episodes: %w", err)
		}
		targets, err := json.Marshal(req.Targets)
		if err != nil {
			return nil, fmt.Errorf("marshal targets: %w", err)
		}

		tag, err := s.pool.Exec(ctx, `
			UPDATE requests SET media_type = $1, catalog_id = $2, title = $3, year = $4,
				season = $5, episodes = $6, template = $7, targets = $8, status = $9,
				progress = $10, error = $11, version = $12, updated_at = $13
			WHERE id = $14 AND version = $15`,
			string(req.MediaType), req.CatalogID, req.Title, req.Year, req.Season,
			episodes, req.Template, targets, string(req.Status), req.Progress,
			req.Error, version+1, req.UpdatedAt, id, version,
		)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 1 {
			return req, nil
		}
	}
	return nil, fmt.Errorf("request %s: %w", id, ErrConflict)
}

func (s *Postgres) DeleteRequest(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM items WHERE request_id = $1`, id); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM requests WHERE id = $1`, id)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return tx.Commit(ctx)
}

// Items

func (s *Postgres) CreateItem(ctx context.Context, item *model.Item) error {
	stepCtx, checkpoint, history, err := marshalPgItemDocs(item)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO items (id, request_id, kind, catalog_id, title, year, season, episode,
			status, current_step, step_context, checkpoint, progress, attempts, max_attempts,
			last_error, error_history, next_retry_at, skip_until, cooldown_ends_at,
			download_id, encoding_job_id, last_progress_value, last_progress_at,
			downloaded_at, encoded_at, delivered_at, completed_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, 1, $29, $30)`,
		item.ID, item.RequestID, string(item.Kind), item.CatalogID, item.Title,
		item.Year, item.Season, item.Episode, string(item.Status), item.CurrentStep,
		stepCtx, checkpoint, item.Progress, item.Attempts, item.MaxAttempts,
		item.LastError, history, utcPtr(item.NextRetryAt), utcPtr(item.SkipUntil),
		utcPtr(item.CooldownEndsAt), item.DownloadID, item.EncodingJobID,
		item.LastProgressValue, utcPtr(item.LastProgressAt),
		utcPtr(item.DownloadedAt), utcPtr(item.EncodedAt),
		utcPtr(item.DeliveredAt), utcPtr(item.CompletedAt),
		item.CreatedAt.UTC(), item.UpdatedAt.UTC(),
	)
	return err
}

func marshalPgItemDocs(item *model.Item) (stepCtx []byte, checkpoint, history []byte, err error) {
	stepCtx, err = json.Marshal(item.Context)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal step context: %w", err)
	}
	if item.Checkpoint != nil {
		checkpoint, err = json.Marshal(item.Checkpoint)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal checkpoint: %w", err)
		}
	}
	if len(item.ErrorHistory) > 0 {
		history, err = json.Marshal(item.ErrorHistory)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal error history: %w", err)
		}
	}
	return stepCtx, checkpoint, history, nil
}

func scanPgItem(row pgx.Row) (*model.Item, int, error) {
	var (
		item                     model.Item
		stepCtx, checkpoint      []byte
		history                  []byte
		nextRetry, skipUntil     *time.Time
		cooldown, lastProgress   *time.Time
		downloadedAt, encodedAt  *time.Time
		deliveredAt, completedAt *time.Time
		version                  int
	)
	err := row.Scan(&item.ID, &item.RequestID, (*string)(&item.Kind), &item.CatalogID,
		&item.Title, &item.Year, &item.Season, &item.Episode,
		(*string)(&item.Status), &item.CurrentStep, &stepCtx, &checkpoint,
		&item.Progress, &item.Attempts, &item.MaxAttempts, &item.LastError, &history,
		&nextRetry, &skipUntil, &cooldown, &item.DownloadID, &item.EncodingJobID,
		&item.LastProgressValue, &lastProgress,
		&downloadedAt, &encodedAt, &deliveredAt, &completedAt,
		&version, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, 0, err
	}

	if err := json.Unmarshal(stepCtx, &item.Context); err != nil {
		return nil, 0, fmt.Errorf("unmarshal step context: %w", err)
	}
	if len(checkpoint) > 0 {
		item.Checkpoint = &model.Checkpoint{}
		if err := json.Unmarshal(checkpoint, item.Checkpoint); err != nil {
			return nil, 0, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &item.ErrorHistory); err != nil {
			return nil, 0, fmt.Errorf("unmarshal error history: %w", err)
		}
	}
	item.NextRetryAt = nextRetry
	item.SkipUntil = skipUntil
	item.CooldownEndsAt = cooldown
	item.LastProgressAt = lastProgress
	item.DownloadedAt = downloadedAt
	item.EncodedAt = encodedAt
	item.DeliveredAt = deliveredAt
	item.CompletedAt = completedAt
	return &item, version, nil
}

func (s *Postgres) getItemVersion(ctx context.Context, id string) (*model.Item, int, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id)
	item, version, err := scanPgItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	return item, version, nil
}

func (s *Postgres) GetItem(ctx context.Context, id string) (*model.Item, error) {
	item, _, err := s.getItemVersion(ctx, id)
	return item, err
}

func (s *Postgres) queryItems(ctx context.Context, query string, args ...any) ([]model.Item, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Item
	for rows.Next() {
		item, _, err := scanPgItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

func (s *Postgres) ItemsByRequest(ctx context.Context, requestID string) ([]model.Item, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE request_id = $1 ORDER BY season, episode, id`,
		requestID)
}

func (s *Postgres) ItemsByStatus(ctx context.Context, statuses []model.Status) ([]model.Item, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE status = ANY($1) ORDER BY updated_at, id`,
		statusStrings(statuses))
}

func (s *Postgres) ItemsForProcessing(ctx context.Context, statuses []model.Status, now time.Time, limit int) ([]model.Item, error) {
	if len(statuses) == 0 || limit <= 0 {
		return nil, nil
	}
	return s.queryItems(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE status = ANY($1)
		  AND (next_retry_at IS NULL OR next_retry_at <= $2)
		  AND (skip_until IS NULL OR skip_until <= $2)
		ORDER BY updated_at ASC, id ASC
		LIMIT $3`,
		statusStrings(statuses), now.UTC(), limit)
}

func (s *Postgres) ItemsWithElapsedCooldown(ctx context.Context, now time.Time, limit int) ([]model.Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryItems(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE status = $1 AND cooldown_ends_at IS NOT NULL AND cooldown_ends_at <= $2
		ORDER BY cooldown_ends_at ASC, id ASC
		LIMIT $3`,
		string(model.StatusDiscovered), now.UTC(), limit)
}

func statusStrings(statuses []model.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func (s *Postgres) UpdateItem(ctx context.Context, id string, fn func(*model.Item) error) (*model.Item, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		item, version, err := s.getItemVersion(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(item); err != nil {
			return nil, err
		}
		item.UpdatedAt = time.Now().UTC()

		stepCtx, checkpoint, history, err := marshalPgItemDocs(item)
		if err != nil {
			return nil, err
		}

		tag, err := s.pool.Exec(ctx, `
			UPDATE items SET status = $1, current_step = $2, step_context = $3, checkpoint = $4,
				progress = $5, attempts = $6, max_attempts = $7, last_error = $8, error_history = $9,
				next_retry_at = $10, skip_until = $11, cooldown_ends_at = $12,
				download_id = $13, encoding_job_id = $14,
				last_progress_value = $15, last_progress_at = $16,
				downloaded_at = $17, encoded_at = $18, delivered_at = $19, completed_at = $20,
				version = $21, updated_at = $22
			WHERE id = $23 AND version = $24`,
			string(item.Status), item.CurrentStep, stepCtx, checkpoint,
			item.Progress, item.Attempts, item.MaxAttempts, item.LastError, history,
			utcPtr(item.NextRetryAt), utcPtr(item.SkipUntil), utcPtr(item.CooldownEndsAt),
			item.DownloadID, item.EncodingJobID,
			item.LastProgressValue, utcPtr(item.LastProgressAt),
			utcPtr(item.DownloadedAt), utcPtr(item.EncodedAt),
			utcPtr(item.DeliveredAt), utcPtr(item.CompletedAt),
			version+1, item.UpdatedAt, id, version,
		)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 1 {
			return item, nil
		}
	}
	return nil, fmt.Errorf("item %s: %w", id, ErrConflict)
}

func (s *Postgres) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[model.Status(status)] = count
	}
	return out, rows.Err()
}

// Downloads

func (s *Postgres) UpsertDownload(ctx context.Context, dl *model.Download) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO downloads (id, request_id, info_hash, name, normalized_name,
			status, progress, save_path, content_path, complete, created_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (info_hash) DO UPDATE SET
			name = EXCLUDED.name,
			normalized_name = EXCLUDED.normalized_name,
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			save_path = EXCLUDED.save_path,
			content_path = EXCLUDED.content_path,
			complete = EXCLUDED.complete,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at`,
		dl.ID, dl.RequestID, dl.InfoHash, dl.Name, dl.NormalizedName,
		dl.Status, dl.Progress, dl.SavePath, dl.ContentPath, dl.Complete,
		dl.CreatedAt.UTC(), utcPtr(dl.CompletedAt), dl.UpdatedAt.UTC(),
	)
	return err
}

func scanPgDownload(row pgx.Row) (*model.Download, error) {
	var (
		dl          model.Download
		completedAt *time.Time
	)
	err := row.Scan(&dl.ID, &dl.RequestID, &dl.InfoHash, &dl.Name, &dl.NormalizedName,
		&dl.Status, &dl.Progress, &dl.SavePath, &dl.ContentPath, &dl.Complete,
		&dl.CreatedAt, &completedAt, &dl.UpdatedAt)
	if err != nil {
		return nil, err
	}
	dl.CompletedAt = completedAt
	return &dl, nil
}

func (s *Postgres) DownloadByInfoHash(ctx context.Context, infoHash string) (*model.Download, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE info_hash = $1`, infoHash)
	dl, err := scanPgDownload(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("download %s: %w", infoHash, ErrNotFound)
	}
	return dl, err
}

func (s *Postgres) FindDownloadByNormalizedName(ctx context.Context, normalized string) (*model.Download, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE normalized_name = $1 ORDER BY created_at DESC LIMIT 1`,
		normalized)
	dl, err := scanPgDownload(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("download named %q: %w", normalized, ErrNotFound)
	}
	return dl, err
}

// Encoder assignments

func (s *Postgres) UpsertAssignment(ctx context.Context, a *model.EncoderAssignment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO encoder_assignments (job_id, item_id, status, progress, speed,
			eta_seconds, output_path, output_size, compression_ratio, error_message,
			created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			speed = EXCLUDED.speed,
			eta_seconds = EXCLUDED.eta_seconds,
			output_path = EXCLUDED.output_path,
			output_size = EXCLUDED.output_size,
			compression_ratio = EXCLUDED.compression_ratio,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at`,
		a.JobID, a.ItemID, string(a.Status), a.Progress, a.Speed, a.ETASeconds,
		a.OutputPath, a.OutputSize, a.CompressionRatio, a.ErrorMessage,
		a.CreatedAt.UTC(), a.UpdatedAt.UTC(), utcPtr(a.CompletedAt),
	)
	return err
}

func (s *Postgres) AssignmentByJobID(ctx context.Context, jobID string) (*model.EncoderAssignment, error) {
	var (
		a           model.EncoderAssignment
		completedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, item_id, status, progress, speed, eta_seconds, output_path,
			output_size, compression_ratio, error_message, created_at, updated_at, completed_at
		FROM encoder_assignments WHERE job_id = $1`, jobID).
		Scan(&a.JobID, &a.ItemID, (*string)(&a.Status), &a.Progress, &a.Speed,
			&a.ETASeconds, &a.OutputPath, &a.OutputSize, &a.CompressionRatio,
			&a.ErrorMessage, &a.CreatedAt, &a.UpdatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("assignment %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.CompletedAt = completedAt
	return &a, nil
}

// Aggregates

func (s *Postgres) RecomputeRequestAggregate(ctx context.Context, requestID string) (*model.Request, error) {
	return s.flight.do(requestID, func() (*model.Request, error) {
		items, err := s.ItemsByRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		status, progress, errMsg := computeAggregate(items)
		return s.UpdateRequest(ctx, requestID, func(req *model.Request) error {
			req.Status = status
			req.Progress = progress
			req.Error = errMsg
			return nil
		})
	})
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
