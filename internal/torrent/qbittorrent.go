// SPDX-License-Identifier: MIT

package torrent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipearr/pipearr/internal/cache"
	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/mediafile"
	"github.com/pipearr/pipearr/internal/metrics"
	"github.com/pipearr/pipearr/internal/netutil"
	"github.com/pipearr/pipearr/internal/pipeline/model"
	"github.com/pipearr/pipearr/internal/pipeline/retry"
)

const (
	defaultSessionTTL = 30 * time.Minute

	// locateAttempts bounds how long Add waits for the client to
	// resolve a .torrent link into a listed torrent.
	locateAttempts = 5
	locateDelay    = 400 * time.Millisecond
)

// QBittorrent implements Client against the qBittorrent WebUI API v2.
// The SID session cookie lives in a cache so restarts and sibling
// workers share one login.
type QBittorrent struct {
	endpoint string
	username string
	password string
	http     *http.Client
	sessions cache.Cache
	ttl      time.Duration
	logger   zerolog.Logger

	// loginMu keeps concurrent relogins from stampeding the WebUI.
	loginMu sync.Mutex
}

// QBOption configures the client.
type QBOption func(*QBittorrent)

// WithQBHTTPClient overrides the outbound HTTP client.
func WithQBHTTPClient(c *http.Client) QBOption {
	return func(q *QBittorrent) { q.http = c }
}

// WithSessionCache sets where the SID cookie is kept and for how long.
func WithSessionCache(c cache.Cache, ttl time.Duration) QBOption {
	return func(q *QBittorrent) {
		q.sessions = c
		if ttl > 0 {
			q.ttl = ttl
		}
	}
}

// NewQBittorrent validates the endpoint and builds a client.
func NewQBittorrent(endpoint, username, password string, opts ...QBOption) (*QBittorrent, error) {
	normalized, err := netutil.ValidateEndpoint(endpoint)
	if err != nil {
		return nil, fmt.Errorf("torrent endpoint: %w", err)
	}
	q := &QBittorrent{
		endpoint: normalized,
		username: username,
		password: password,
		http:     netutil.NewHTTPClient(netutil.DefaultTimeout),
		sessions: cache.NewMemory(time.Minute),
		ttl:      defaultSessionTTL,
		logger:   log.WithComponent("torrent"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *QBittorrent) sessionKey() string { return "qbt:sid:" + q.endpoint }

// InvalidateSession drops the cached login cookie. The next call logs
// in again.
func (q *QBittorrent) InvalidateSession() {
	q.sessions.Delete(q.sessionKey())
}

func (q *QBittorrent) sid(ctx context.Context) (string, error) {
	if v, ok := q.sessions.Get(q.sessionKey()); ok {
		return string(v), nil
	}
	q.loginMu.Lock()
	defer q.loginMu.Unlock()
	// Another caller may have logged in while we waited.
	if v, ok := q.sessions.Get(q.sessionKey()); ok {
		return string(v), nil
	}
	return q.login(ctx)
}

func (q *QBittorrent) login(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", q.username)
	form.Set("password", q.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.endpoint+"/api/v2/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", retry.Tag(retry.ServiceTorrent, fmt.Errorf("build login request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := q.http.Do(req)
	if err != nil {
		return "", retry.Tag(retry.ServiceTorrent, fmt.Errorf("login: %w", err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK || strings.HasPrefix(string(body), "Fails") {
		return "", retry.Mark(retry.ServiceTorrent, retry.KindAuthStale, fmt.Errorf("login rejected (status %d)", resp.StatusCode))
	}
	for _, c := range resp.Cookies() {
		if c.Name == "SID" && c.Value != "" {
			q.sessions.Set(q.sessionKey(), []byte(c.Value), q.ttl)
			q.logger.Debug().Str(log.FieldEvent, "torrent.login").Msg("webui session established")
			return c.Value, nil
		}
	}
	return "", retry.Mark(retry.ServiceTorrent, retry.KindAuthStale, fmt.Errorf("login response carried no session cookie"))
}

// do performs one authenticated WebUI call. A 401/403 drops the cached
// session and surfaces as auth_stale; the retry policy brings the item
// back after the relogin.
func (q *QBittorrent) do(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	sid, err := q.sid(ctx)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, q.endpoint+path, body)
	if err != nil {
		return nil, retry.Tag(retry.ServiceTorrent, fmt.Errorf("build request: %w", err))
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.AddCookie(&http.Cookie{Name: "SID", Value: sid})

	resp, err := q.http.Do(req)
	if err != nil {
		metrics.RecordAdapterRequest(retry.ServiceTorrent, "error")
		return nil, retry.Tag(retry.ServiceTorrent, fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		q.InvalidateSession()
		metrics.RecordAdapterRequest(retry.ServiceTorrent, "auth_stale")
		return nil, retry.Mark(retry.ServiceTorrent, retry.KindAuthStale, fmt.Errorf("%s returned %d", path, resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.RecordAdapterRequest(retry.ServiceTorrent, "rate_limited")
		return nil, retry.RateLimited(retry.ServiceTorrent, 0, fmt.Errorf("%s returned 429", path))
	case resp.StatusCode >= 500:
		metrics.RecordAdapterRequest(retry.ServiceTorrent, "error")
		return nil, retry.Mark(retry.ServiceTorrent, retry.KindServiceUnavailable, fmt.Errorf("%s returned %d", path, resp.StatusCode))
	default:
		metrics.RecordAdapterRequest(retry.ServiceTorrent, "error")
		return nil, retry.Tag(retry.ServiceTorrent, fmt.Errorf("%s returned unexpected status %d", path, resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		metrics.RecordAdapterRequest(retry.ServiceTorrent, "error")
		return nil, retry.Tag(retry.ServiceTorrent, fmt.Errorf("read response: %w", err))
	}
	metrics.RecordAdapterRequest(retry.ServiceTorrent, "success")
	return data, nil
}

// qbtTorrent is the WebUI torrents/info row.
type qbtTorrent struct {
	Hash         string  `json:"hash"`
	Name         string  `json:"name"`
	State        string  `json:"state"`
	Progress     float64 `json:"progress"`
	SavePath     string  `json:"save_path"`
	ContentPath  string  `json:"content_path"`
	AddedOn      int64   `json:"added_on"`
	CompletionOn int64   `json:"completion_on"`
	Category     string  `json:"category"`
}

func (t qbtTorrent) toStatus() TorrentStatus {
	return TorrentStatus{
		InfoHash:    strings.ToLower(t.Hash),
		Name:        t.Name,
		State:       t.State,
		Progress:    t.Progress * 100,
		Complete:    t.Progress >= 1,
		SavePath:    t.SavePath,
		ContentPath: t.ContentPath,
		AddedAt:     t.AddedOn,
		CompletedAt: t.CompletionOn,
	}
}

// Add hands the release to qBittorrent and resolves the torrent it
// created. The hash comes from the request, the magnet URI, or a short
// name-matching lookup for .torrent links.
func (q *QBittorrent) Add(ctx context.Context, req AddRequest) (*Added, error) {
	form := url.Values{}
	form.Set("urls", req.URL)
	if req.Category != "" {
		form.Set("category", req.Category)
	}
	if req.SavePath != "" {
		form.Set("savepath", req.SavePath)
	}

	body, err := q.do(ctx, http.MethodPost, "/api/v2/torrents/add", form)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(string(body), "Fails") {
		return nil, retry.Tag(retry.ServiceTorrent, fmt.Errorf("client refused torrent %q", req.Name))
	}

	hash := strings.ToLower(req.InfoHash)
	if hash == "" {
		hash = ParseMagnetInfoHash(req.URL)
	}
	if hash != "" {
		name := req.Name
		if st, err := q.Status(ctx, hash); err == nil && st != nil {
			name = st.Name
		}
		q.logger.Info().
			Str(log.FieldEvent, "torrent.added").
			Str(log.FieldInfoHash, hash).
			Str("name", name).
			Msg("torrent added")
		return &Added{InfoHash: hash, Name: name}, nil
	}
	return q.locateByName(ctx, req)
}

// locateByName finds a just-added torrent the WebUI gave us no hash
// for. The client may still be fetching the metadata, so it polls a
// few times before giving up.
func (q *QBittorrent) locateByName(ctx context.Context, req AddRequest) (*Added, error) {
	for attempt := 0; attempt < locateAttempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(locateDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, retry.Tag(retry.ServiceTorrent, ctx.Err())
			case <-t.C:
			}
		}
		torrents, err := q.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range torrents {
			if mediafile.NameMatches(req.Name, t.Name, 0.6) {
				q.logger.Info().
					Str(log.FieldEvent, "torrent.added").
					Str(log.FieldInfoHash, t.InfoHash).
					Str("name", t.Name).
					Msg("torrent located by name")
				return &Added{InfoHash: t.InfoHash, Name: t.Name}, nil
			}
		}
	}
	return nil, retry.Tag(retry.ServiceTorrent, fmt.Errorf("added torrent %q did not appear in the client", req.Name))
}

// Status returns the torrent, or nil, nil when the client does not
// know the hash.
func (q *QBittorrent) Status(ctx context.Context, infoHash string) (*TorrentStatus, error) {
	data, err := q.do(ctx, http.MethodGet, "/api/v2/torrents/info?hashes="+url.QueryEscape(strings.ToLower(infoHash)), nil)
	if err != nil {
		return nil, err
	}
	var rows []qbtTorrent
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, retry.Tag(retry.ServiceTorrent, fmt.Errorf("parse torrent list: %w", err))
	}
	if len(rows) == 0 {
		return nil, nil
	}
	st := rows[0].toStatus()
	return &st, nil
}

// List returns every torrent the client tracks.
func (q *QBittorrent) List(ctx context.Context) ([]TorrentStatus, error) {
	data, err := q.do(ctx, http.MethodGet, "/api/v2/torrents/info", nil)
	if err != nil {
		return nil, err
	}
	var rows []qbtTorrent
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, retry.Tag(retry.ServiceTorrent, fmt.Errorf("parse torrent list: %w", err))
	}
	out := make([]TorrentStatus, len(rows))
	for i, row := range rows {
		out[i] = row.toStatus()
	}
	return out, nil
}

// qbtFile is the WebUI torrents/files row; name is relative to the
// torrent root.
type qbtFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Files lists the torrent's content with absolute paths, resolved
// against the torrent's save path.
func (q *QBittorrent) Files(ctx context.Context, infoHash string) ([]model.MediaFile, error) {
	st, err := q.Status(ctx, infoHash)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, retry.Tag(retry.ServiceTorrent, fmt.Errorf("torrent %s not found", infoHash))
	}

	data, err := q.do(ctx, http.MethodGet, "/api/v2/torrents/files?hash="+url.QueryEscape(strings.ToLower(infoHash)), nil)
	if err != nil {
		return nil, err
	}
	var rows []qbtFile
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, retry.Tag(retry.ServiceTorrent, fmt.Errorf("parse file list: %w", err))
	}
	out := make([]model.MediaFile, len(rows))
	for i, f := range rows {
		out[i] = model.MediaFile{
			Path: filepath.Join(st.SavePath, filepath.FromSlash(f.Name)),
			Size: f.Size,
		}
	}
	return out, nil
}

// Remove deletes the torrent from the client, optionally with its
// data.
func (q *QBittorrent) Remove(ctx context.Context, infoHash string, deleteData bool) error {
	form := url.Values{}
	form.Set("hashes", strings.ToLower(infoHash))
	form.Set("deleteFiles", fmt.Sprintf("%t", deleteData))
	_, err := q.do(ctx, http.MethodPost, "/api/v2/torrents/delete", form)
	return err
}
