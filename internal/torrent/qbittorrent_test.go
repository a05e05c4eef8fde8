// SPDX-License-Identifier: MIT

package torrent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipearr/pipearr/internal/cache"
	"github.com/pipearr/pipearr/internal/pipeline/retry"
)

// fakeWebUI is a minimal qBittorrent WebUI for the client tests.
type fakeWebUI struct {
	mu         sync.Mutex
	logins     int
	sid        string
	expired    map[string]bool
	torrents   []map[string]any
	files      []map[string]any
	addForm    url.Values
	deleteForm url.Values
}

func (f *fakeWebUI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if r.URL.Path == "/api/v2/auth/login" {
			_ = r.ParseForm()
			if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "secret" {
				_, _ = w.Write([]byte("Fails."))
				return
			}
			f.logins++
			f.sid = fmt.Sprintf("sid-%d", f.logins)
			http.SetCookie(w, &http.Cookie{Name: "SID", Value: f.sid})
			_, _ = w.Write([]byte("Ok."))
			return
		}

		c, err := r.Cookie("SID")
		if err != nil || c.Value == "" || f.expired[c.Value] {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		switch r.URL.Path {
		case "/api/v2/torrents/info":
			rows := f.torrents
			if hashes := r.URL.Query().Get("hashes"); hashes != "" {
				rows = nil
				for _, t := range f.torrents {
					if t["hash"] == hashes {
						rows = append(rows, t)
					}
				}
			}
			if rows == nil {
				rows = []map[string]any{}
			}
			_ = json.NewEncoder(w).Encode(rows)
		case "/api/v2/torrents/files":
			_ = json.NewEncoder(w).Encode(f.files)
		case "/api/v2/torrents/add":
			_ = r.ParseForm()
			f.addForm = r.PostForm
			_, _ = w.Write([]byte("Ok."))
		case "/api/v2/torrents/delete":
			_ = r.ParseForm()
			f.deleteForm = r.PostForm
			_, _ = w.Write([]byte("Ok."))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestClient(t *testing.T, fake *fakeWebUI) *QBittorrent {
	t.Helper()
	if fake.expired == nil {
		fake.expired = make(map[string]bool)
	}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	client, err := NewQBittorrent(srv.URL, "admin", "secret",
		WithQBHTTPClient(srv.Client()),
		WithSessionCache(cache.NewMemory(time.Minute), 30*time.Minute))
	require.NoError(t, err)
	return client
}

func TestSessionIsCachedAcrossCalls(t *testing.T) {
	fake := &fakeWebUI{
		torrents: []map[string]any{{"hash": "abc", "name": "The Matrix", "progress": 0.42, "state": "downloading", "save_path": "/data/done"}},
	}
	client := newTestClient(t, fake)
	ctx := context.Background()

	_, err := client.List(ctx)
	require.NoError(t, err)
	_, err = client.List(ctx)
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 1, fake.logins, "one login serves many calls")
}

func TestStatusMapsFields(t *testing.T) {
	fake := &fakeWebUI{
		torrents: []map[string]any{{
			"hash": "aabb", "name": "The.Matrix.1999", "progress": 0.42,
			"state": "downloading", "save_path": "/data/done",
			"content_path": "/data/done/The.Matrix.1999", "added_on": 1748772000,
		}},
	}
	client := newTestClient(t, fake)

	st, err := client.Status(context.Background(), "AABB")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "aabb", st.InfoHash)
	assert.InDelta(t, 42.0, st.Progress, 0.001)
	assert.False(t, st.Complete)
	assert.Equal(t, "/data/done", st.SavePath)
}

func TestStatusUnknownHashIsNil(t *testing.T) {
	client := newTestClient(t, &fakeWebUI{})

	st, err := client.Status(context.Background(), "ffff")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestExpiredSessionSurfacesAuthStale(t *testing.T) {
	fake := &fakeWebUI{}
	client := newTestClient(t, fake)
	ctx := context.Background()

	_, err := client.List(ctx)
	require.NoError(t, err)

	// Expire the session server-side.
	fake.mu.Lock()
	fake.expired[fake.sid] = true
	fake.mu.Unlock()

	_, err = client.List(ctx)
	require.Error(t, err)
	kind, service := retry.Classify(err)
	assert.Equal(t, retry.KindAuthStale, kind)
	assert.Equal(t, retry.ServiceTorrent, service)

	// The stale cookie was dropped: the next call logs in again.
	_, err = client.List(ctx)
	require.NoError(t, err)
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 2, fake.logins)
}

func TestAddMagnetUsesEmbeddedHash(t *testing.T) {
	fake := &fakeWebUI{}
	client := newTestClient(t, fake)

	added, err := client.Add(context.Background(), AddRequest{
		URL:      "magnet:?xt=urn:btih:AABBCCDDEEFF00112233445566778899AABBCCDD&dn=The.Matrix.1999",
		Name:     "The.Matrix.1999.1080p.BluRay.x264",
		Category: "pipearr",
		SavePath: "/data/incoming",
	})
	require.NoError(t, err)
	assert.Equal(t, "aabbccddeeff00112233445566778899aabbccdd", added.InfoHash)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "pipearr", fake.addForm.Get("category"))
	assert.Equal(t, "/data/incoming", fake.addForm.Get("savepath"))
}

func TestAddTorrentLinkLocatesByName(t *testing.T) {
	fake := &fakeWebUI{
		torrents: []map[string]any{
			{"hash": "1111", "name": "Some.Other.Release", "progress": 0.1},
			{"hash": "2222", "name": "The Matrix 1999 1080p BluRay x264 GROUP", "progress": 0.0},
		},
	}
	client := newTestClient(t, fake)

	added, err := client.Add(context.Background(), AddRequest{
		URL:  "http://indexer.example/dl/2.torrent",
		Name: "The.Matrix.1999.1080p.BluRay.x264-GROUP",
	})
	require.NoError(t, err)
	assert.Equal(t, "2222", added.InfoHash)
}

func TestFilesResolveAbsolutePaths(t *testing.T) {
	fake := &fakeWebUI{
		torrents: []map[string]any{{"hash": "abced", "name": "The.Matrix.1999", "progress": 1.0, "save_path": "/data/done"}},
		files: []map[string]any{
			{"name": "The.Matrix.1999/matrix.mkv", "size": int64(8 << 30)},
			{"name": "The.Matrix.1999/matrix.nfo", "size": int64(4096)},
		},
	}
	client := newTestClient(t, fake)

	files, err := client.Files(context.Background(), "abced")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "/data/done/The.Matrix.1999/matrix.mkv", files[0].Path)
	assert.Equal(t, int64(8<<30), files[0].Size)
}

func TestRemovePassesDeleteFlag(t *testing.T) {
	fake := &fakeWebUI{}
	client := newTestClient(t, fake)

	require.NoError(t, client.Remove(context.Background(), "ABCD", true))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "abcd", fake.deleteForm.Get("hashes"))
	assert.Equal(t, "true", fake.deleteForm.Get("deleteFiles"))
}

func TestParseMagnetInfoHash(t *testing.T) {
	assert.Equal(t,
		"aabbccddeeff00112233445566778899aabbccdd",
		ParseMagnetInfoHash("magnet:?xt=urn:btih:AABBCCDDEEFF00112233445566778899AABBCCDD&dn=x"))
	assert.Empty(t, ParseMagnetInfoHash("http://example.com/file.torrent"))
	assert.Empty(t, ParseMagnetInfoHash("magnet:?dn=missing-hash"))
}
