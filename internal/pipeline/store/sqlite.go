// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)

	"github.com/pipearr/pipearr/internal/pipeline/model"
)

// SQLite is the default persistent store.
type SQLite struct {
	db     *sql.DB
	flight aggregateFlight
}

// NewSQLite opens or creates the database at dbPath and runs
// migrations. The PRAGMAs ride in the DSN so they apply to every
// connection in the pool: busy_timeout avoids "database locked" errors
// under the worker fan-out, WAL keeps readers off the writer's back.
func NewSQLite(dbPath string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so sibling packages can share one
// database file.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

var sqliteMigrations = []string{`
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		media_type TEXT NOT NULL,
		catalog_id INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL,
		year INTEGER NOT NULL DEFAULT 0,
		season INTEGER NOT NULL DEFAULT 0,
		episodes TEXT,
		template TEXT,
		targets TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS items (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		catalog_id INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL,
		year INTEGER NOT NULL DEFAULT 0,
		season INTEGER NOT NULL DEFAULT 0,
		episode INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		current_step TEXT,
		step_context TEXT NOT NULL DEFAULT '{}',
		checkpoint TEXT,
		progress INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		last_error TEXT,
		error_history TEXT,
		next_retry_at TEXT,
		skip_until TEXT,
		cooldown_ends_at TEXT,
		download_id TEXT,
		encoding_job_id TEXT,
		last_progress_value INTEGER NOT NULL DEFAULT 0,
		last_progress_at TEXT,
		downloaded_at TEXT,
		encoded_at TEXT,
		delivered_at TEXT,
		completed_at TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_request ON items(request_id);
	CREATE INDEX IF NOT EXISTS idx_items_eligibility ON items(status, next_retry_at, skip_until);
	CREATE INDEX IF NOT EXISTS idx_items_cooldown ON items(status, cooldown_ends_at);

	CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		request_id TEXT,
		info_hash TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		normalized_name TEXT,
		status TEXT NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		save_path TEXT,
		content_path TEXT,
		complete INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		completed_at TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_normalized ON downloads(normalized_name);

	CREATE TABLE IF NOT EXISTS encoder_assignments (
		job_id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		status TEXT NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		speed REAL NOT NULL DEFAULT 0,
		eta_seconds INTEGER NOT NULL DEFAULT 0,
		output_path TEXT,
		output_size INTEGER NOT NULL DEFAULT 0,
		compression_ratio REAL NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_assignments_item ON encoder_assignments(item_id);
	`,
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return err
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return err
	}

	for v := current; v < len(sqliteMigrations); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(sqliteMigrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			v+1, formatTime(time.Now()),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Requests

func (s *SQLite) CreateRequest(ctx context.Context, req *model.Request) error {
	targets, err := json.Marshal(req.Targets)
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}
	episodes, err := json.Marshal(req.Episodes)
	if err != nil {
		return fmt.Errorf("marshal episodes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO requests (id, media_type, catalog_id, title, year, season, episodes,
			template, targets, status, progress, error, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		req.ID, string(req.MediaType), req.CatalogID, req.Title, req.Year, req.Season,
		string(episodes), nullStr(req.Template), string(targets), string(req.Status),
		req.Progress, nullStr(req.Error), formatTime(req.CreatedAt), formatTime(req.UpdatedAt),
	)
	return err
}

const requestColumns = `id, media_type, catalog_id, title, year, season, episodes,
	template, targets, status, progress, error, version, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (*model.Request, int, error) {
	var (
		req                        model.Request
		episodes, targets          string
		template, errMsg           sql.NullString
		version                    int
		createdAtStr, updatedAtStr string
	)
	err := row.Scan(&req.ID, (*string)(&req.MediaType), &req.CatalogID, &req.Title,
		&req.Year, &req.Season, &episodes, &template, &targets,
		(*string)(&req.Status), &req.Progress, &errMsg, &version,
		&createdAtStr, &updatedAtStr)
	if err != nil {
		return nil, 0, err
	}
	if episodes != "" {
		if err := json.Unmarshal([]byte(episodes), &req.Episodes); err != nil {
			return nil, 0, fmt.Errorf("unmarshal episodes: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(targets), &req.Targets); err != nil {
		return nil, 0, fmt.Errorf("unmarshal targets: %w", err)
	}
	req.Template = template.String
	req.Error = errMsg.String
	req.CreatedAt = parseTime(createdAtStr)
	req.UpdatedAt = parseTime(updatedAtStr)
	return &req, version, nil
}

func (s *SQLite) getRequestVersion(ctx context.Context, id string) (*model.Request, int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	req, version, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, 0, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	return req, version, nil
}

func (s *SQLite) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	req, _, err := s.getRequestVersion(ctx, id)
	return req, err
}

func (s *SQLite) ListRequests(ctx context.Context, limit, offset int) ([]model.Request, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Request
	for rows.Next() {
		req, _, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *req)
	}
	return out, total, rows.Err()
}

func (s *SQLite) UpdateRequest(ctx context.Context, id string, fn func(*model.Request) error) (*model.Request, error) {
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

		res, err := s.db.ExecContext(ctx, `
			UPDATE requests SET media_type = ?, catalog_id = ?, title = ?, year = ?,
				season = ?, episodes = ?, template = ?, targets = ?, status = ?,
				progress = ?, error = ?, version = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			string(req.MediaType), req.CatalogID, req.Title, req.Year, req.Season,
			string(episodes), nullStr(req.Template), string(targets), string(req.Status),
			req.Progress, nullStr(req.Error), version+1, formatTime(req.UpdatedAt),
			id, version,
		)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return req, nil
		}
		// Lost the race; re-read and try again.
	}
	return nil, fmt.Errorf("request %s: %w", id, ErrConflict)
}

func (s *SQLite) DeleteRequest(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE request_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE id = ?`, id)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		_ = tx.Rollback()
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// Items

const itemColumns = `id, request_id, kind, catalog_id, title, year, season, episode,
	status, current_step, step_context, checkpoint, progress, attempts, max_attempts,
	last_error, error_history, next_retry_at, skip_until, cooldown_ends_at,
	download_id, encoding_job_id, last_progress_value, last_progress_at,
	downloaded_at, encoded_at, delivered_at, completed_at, version, created_at, updated_at`

func (s *SQLite) CreateItem(ctx context.Context, item *model.Item) error {
	stepCtx, checkpoint, history, err := marshalItemDocs(item)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO items (id, request_id, kind, catalog_id, title, year, season, episode,
			status, current_step, step_context, checkpoint, progress, attempts, max_attempts,
			last_error, error_history, next_retry_at, skip_until, cooldown_ends_at,
			download_id, encoding_job_id, last_progress_value, last_progress_at,
			downloaded_at, encoded_at, delivered_at, completed_at, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		item.ID, item.RequestID, string(item.Kind), item.CatalogID, item.Title,
		item.Year, item.Season, item.Episode, string(item.Status),
		nullStr(item.CurrentStep), stepCtx, checkpoint, item.Progress,
		item.Attempts, item.MaxAttempts, nullStr(item.LastError), history,
		nullTime(item.NextRetryAt), nullTime(item.SkipUntil), nullTime(item.CooldownEndsAt),
		nullStr(item.DownloadID), nullStr(item.EncodingJobID),
		item.LastProgressValue, nullTime(item.LastProgressAt),
		nullTime(item.DownloadedAt), nullTime(item.EncodedAt),
		nullTime(item.DeliveredAt), nullTime(item.CompletedAt),
		formatTime(item.CreatedAt), formatTime(item.UpdatedAt),
	)
	return err
}

func marshalItemDocs(item *model.Item) (stepCtx string, checkpoint, history sql.NullString, err error) {
	raw, err := json.Marshal(item.Context)
	if err != nil {
		return "", checkpoint, history, fmt.Errorf("marshal step context: %w", err)
	}
	stepCtx = string(raw)

	if item.Checkpoint != nil {
		raw, err = json.Marshal(item.Checkpoint)
		if err != nil {
			return "", checkpoint, history, fmt.Errorf("marshal checkpoint: %w", err)
		}
		checkpoint = sql.NullString{String: string(raw), Valid: true}
	}
	if len(item.ErrorHistory) > 0 {
		raw, err = json.Marshal(item.ErrorHistory)
		if err != nil {
			return "", checkpoint, history, fmt.Errorf("marshal error history: %w", err)
		}
		history = sql.NullString{String: string(raw), Valid: true}
	}
	return stepCtx, checkpoint, history, nil
}

func scanItem(row interface{ Scan(...any) error }) (*model.Item, int, error) {
	var (
		item                             model.Item
		currentStep, checkpoint, history sql.NullString
		lastError, downloadID, jobID     sql.NullString
		stepCtx                          string
		nextRetry, skipUntil, cooldown   sql.NullString
		lastProgress                     sql.NullString
		downloadedAt, encodedAt          sql.NullString
		deliveredAt, completedAt         sql.NullString
		version                          int
		createdAtStr, updatedAtStr       string
	)
	err := row.Scan(&item.ID, &item.RequestID, (*string)(&item.Kind), &item.CatalogID,
		&item.Title, &item.Year, &item.Season, &item.Episode,
		(*string)(&item.Status), &currentStep, &stepCtx, &checkpoint,
		&item.Progress, &item.Attempts, &item.MaxAttempts, &lastError, &history,
		&nextRetry, &skipUntil, &cooldown, &downloadID, &jobID,
		&item.LastProgressValue, &lastProgress,
		&downloadedAt, &encodedAt, &deliveredAt, &completedAt,
		&version, &createdAtStr, &updatedAtStr)
	if err != nil {
		return nil, 0, err
	}

	if err := json.Unmarshal([]byte(stepCtx), &item.Context); err != nil {
		return nil, 0, fmt.Errorf("unmarshal step context: %w", err)
	}
	if checkpoint.Valid {
		item.Checkpoint = &model.Checkpoint{}
		if err := json.Unmarshal([]byte(checkpoint.String), item.Checkpoint); err != nil {
			return nil, 0, fmt.Errorf("unmarshal checkpoint: %w", err)
		}
	}
	if history.Valid {
		if err := json.Unmarshal([]byte(history.String), &item.ErrorHistory); err != nil {
			return nil, 0, fmt.Errorf("unmarshal error history: %w", err)
		}
	}
	item.CurrentStep = currentStep.String
	item.LastError = lastError.String
	item.DownloadID = downloadID.String
	item.EncodingJobID = jobID.String
	item.NextRetryAt = parseTimePtr(nextRetry)
	item.SkipUntil = parseTimePtr(skipUntil)
	item.CooldownEndsAt = parseTimePtr(cooldown)
	item.LastProgressAt = parseTimePtr(lastProgress)
	item.DownloadedAt = parseTimePtr(downloadedAt)
	item.EncodedAt = parseTimePtr(encodedAt)
	item.DeliveredAt = parseTimePtr(deliveredAt)
	item.CompletedAt = parseTimePtr(completedAt)
	item.CreatedAt = parseTime(createdAtStr)
	item.UpdatedAt = parseTime(updatedAtStr)
	return &item, version, nil
}

func (s *SQLite) getItemVersion(ctx context.Context, id string) (*model.Item, int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	item, version, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, 0, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	return item, version, nil
}

func (s *SQLite) GetItem(ctx context.Context, id string) (*model.Item, error) {
	item, _, err := s.getItemVersion(ctx, id)
	return item, err
}

func (s *SQLite) queryItems(ctx context.Context, query string, args ...any) ([]model.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Item
	for rows.Next() {
		item, _, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

func (s *SQLite) ItemsByRequest(ctx context.Context, requestID string) ([]model.Item, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE request_id = ? ORDER BY season, episode, id`,
		requestID)
}

func (s *SQLite) ItemsByStatus(ctx context.Context, statuses []model.Status) ([]model.Item, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders, args := statusArgs(statuses)
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE status IN (`+placeholders+`) ORDER BY updated_at, id`,
		args...)
}

func (s *SQLite) ItemsForProcessing(ctx context.Context, statuses []model.Status, now time.Time, limit int) ([]model.Item, error) {
	if len(statuses) == 0 || limit <= 0 {
		return nil, nil
	}
	placeholders, args := statusArgs(statuses)
	nowStr := formatTime(now)
	args = append(args, nowStr, nowStr, limit)
	return s.queryItems(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE status IN (`+placeholders+`)
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)
		  AND (skip_until IS NULL OR skip_until <= ?)
		ORDER BY updated_at ASC, id ASC
		LIMIT ?`,
		args...)
}

func (s *SQLite) ItemsWithElapsedCooldown(ctx context.Context, now time.Time, limit int) ([]model.Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryItems(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE status = ? AND cooldown_ends_at IS NOT NULL AND cooldown_ends_at <= ?
		ORDER BY cooldown_ends_at ASC, id ASC
		LIMIT ?`,
		string(model.StatusDiscovered), formatTime(now), limit)
}

func statusArgs(statuses []model.Status) (string, []any) {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ","), args
}

func (s *SQLite) UpdateItem(ctx context.Context, id string, fn func(*model.Item) error) (*model.Item, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		item, version, err := s.getItemVersion(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(item); err != nil {
			return nil, err
		}
		item.UpdatedAt = time.Now().UTC()

		stepCtx, checkpoint, history, err := marshalItemDocs(item)
		if err != nil {
			return nil, err
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE items SET status = ?, current_step = ?, step_context = ?, checkpoint = ?,
				progress = ?, attempts = ?, max_attempts = ?, last_error = ?, error_history = ?,
				next_retry_at = ?, skip_until = ?, cooldown_ends_at = ?,
				download_id = ?, encoding_job_id = ?,
				last_progress_value = ?, last_progress_at = ?,
				downloaded_at = ?, encoded_at = ?, delivered_at = ?, completed_at = ?,
				version = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			string(item.Status), nullStr(item.CurrentStep), stepCtx, checkpoint,
			item.Progress, item.Attempts, item.MaxAttempts,
			nullStr(item.LastError), history,
			nullTime(item.NextRetryAt), nullTime(item.SkipUntil), nullTime(item.CooldownEndsAt),
			nullStr(item.DownloadID), nullStr(item.EncodingJobID),
			item.LastProgressValue, nullTime(item.LastProgressAt),
			nullTime(item.DownloadedAt), nullTime(item.EncodedAt),
			nullTime(item.DeliveredAt), nullTime(item.CompletedAt),
			version+1, formatTime(item.UpdatedAt),
			id, version,
		)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return item, nil
		}
	}
	return nil, fmt.Errorf("item %s: %w", id, ErrConflict)
}

func (s *SQLite) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *SQLite) UpsertDownload(ctx context.Context, dl *model.Download) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (id, request_id, info_hash, name, normalized_name,
			status, progress, save_path, content_path, complete, created_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(info_hash) DO UPDATE SET
			name = excluded.name,
			normalized_name = excluded.normalized_name,
			status = excluded.status,
			progress = excluded.progress,
			save_path = excluded.save_path,
			content_path = excluded.content_path,
			complete = excluded.complete,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`,
		dl.ID, nullStr(dl.RequestID), dl.InfoHash, dl.Name, nullStr(dl.NormalizedName),
		dl.Status, dl.Progress, nullStr(dl.SavePath), nullStr(dl.ContentPath),
		boolInt(dl.Complete), formatTime(dl.CreatedAt), nullTime(dl.CompletedAt),
		formatTime(dl.UpdatedAt),
	)
	return err
}

const downloadColumns = `id, request_id, info_hash, name, normalized_name, status,
	progress, save_path, content_path, complete, created_at, completed_at, updated_at`

func scanDownload(row interface{ Scan(...any) error }) (*model.Download, error) {
	var (
		dl                         model.Download
		requestID, normalized      sql.NullString
		savePath, contentPath      sql.NullString
		complete                   int
		createdAtStr, updatedAtStr string
		completedAt                sql.NullString
	)
	err := row.Scan(&dl.ID, &requestID, &dl.InfoHash, &dl.Name, &normalized,
		&dl.Status, &dl.Progress, &savePath, &contentPath, &complete,
		&createdAtStr, &completedAt, &updatedAtStr)
	if err != nil {
		return nil, err
	}
	dl.RequestID = requestID.String
	dl.NormalizedName = normalized.String
	dl.SavePath = savePath.String
	dl.ContentPath = contentPath.String
	dl.Complete = complete != 0
	dl.CreatedAt = parseTime(createdAtStr)
	dl.CompletedAt = parseTimePtr(completedAt)
	dl.UpdatedAt = parseTime(updatedAtStr)
	return &dl, nil
}

func (s *SQLite) DownloadByInfoHash(ctx context.Context, infoHash string) (*model.Download, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE info_hash = ?`, infoHash)
	dl, err := scanDownload(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("download %s: %w", infoHash, ErrNotFound)
	}
	return dl, err
}

func (s *SQLite) FindDownloadByNormalizedName(ctx context.Context, normalized string) (*model.Download, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE normalized_name = ? ORDER BY created_at DESC LIMIT 1`,
		normalized)
	dl, err := scanDownload(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("download named %q: %w", normalized, ErrNotFound)
	}
	return dl, err
}

// Encoder assignments

func (s *SQLite) UpsertAssignment(ctx context.Context, a *model.EncoderAssignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO encoder_assignments (job_id, item_id, status, progress, speed,
			eta_seconds, output_path, output_size, compression_ratio, error_message,
			created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			speed = excluded.speed,
			eta_seconds = excluded.eta_seconds,
			output_path = excluded.output_path,
			output_size = excluded.output_size,
			compression_ratio = excluded.compression_ratio,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at`,
		a.JobID, a.ItemID, string(a.Status), a.Progress, a.Speed, a.ETASeconds,
		nullStr(a.OutputPath), a.OutputSize, a.CompressionRatio, nullStr(a.ErrorMessage),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt), nullTime(a.CompletedAt),
	)
	return err
}

func (s *SQLite) AssignmentByJobID(ctx context.Context, jobID string) (*model.EncoderAssignment, error) {
	var (
		a                          model.EncoderAssignment
		outputPath, errorMessage   sql.NullString
		createdAtStr, updatedAtStr string
		completedAt                sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, item_id, status, progress, speed, eta_seconds, output_path,
			output_size, compression_ratio, error_message, created_at, updated_at, completed_at
		FROM encoder_assignments WHERE job_id = ?`, jobID).
		Scan(&a.JobID, &a.ItemID, (*string)(&a.Status), &a.Progress, &a.Speed,
			&a.ETASeconds, &outputPath, &a.OutputSize, &a.CompressionRatio,
			&errorMessage, &createdAtStr, &updatedAtStr, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("assignment %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.OutputPath = outputPath.String
	a.ErrorMessage = errorMessage.String
	a.CreatedAt = parseTime(createdAtStr)
	a.UpdatedAt = parseTime(updatedAtStr)
	a.CompletedAt = parseTimePtr(completedAt)
	return &a, nil
}

// Aggregates

func (s *SQLite) RecomputeRequestAggregate(ctx context.Context, requestID string) (*model.Request, error) {
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

// Helpers

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
