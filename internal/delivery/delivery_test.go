// SPDX-License-Identifier: MIT

package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipearr/pipearr/internal/pipeline/retry"
)

func writeSource(t *testing.T, size int) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "encoded_item-1.mkv")
	require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte("x"), size), 0o644))
	return src
}

func TestFilesystemDeliveryCopiesAtomically(t *testing.T) {
	root := t.TempDir()
	src := writeSource(t, 4096)

	router, err := NewRouter([]Server{{ID: "srv-1", Name: "shelf", Root: root}})
	require.NoError(t, err)

	dest := MoviePath(root, "The Matrix", 1999, "1080p")
	var last int64
	n, err := router.Deliver(context.Background(), "srv-1", src, dest, func(total int64) { last = total })
	require.NoError(t, err)
	assert.Equal(t, int64(4096), n)
	assert.Equal(t, int64(4096), last)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Len(t, got, 4096)

	info, err := router.Stat(context.Background(), "srv-1", dest)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, int64(4096), info.Size)
}

func TestFilesystemStatMissingFileIsNil(t *testing.T) {
	router, err := NewRouter([]Server{{ID: "srv-1", Root: t.TempDir()}})
	require.NoError(t, err)

	info, err := router.Stat(context.Background(), "srv-1", filepath.Join(t.TempDir(), "nope.mkv"))
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestHTTPDeliveryStreamsBody(t *testing.T) {
	var gotPath atomic.Value
	var gotBytes atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		n, err := io.Copy(io.Discard, r.Body)
		require.NoError(t, err)
		gotBytes.Store(n)
		gotPath.Store(r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)

	router, err := NewRouter([]Server{{ID: "srv-http", Endpoint: srv.URL, Root: "/media"}},
		WithRouterHTTPClient(srv.Client()))
	require.NoError(t, err)

	src := writeSource(t, 8192)
	dest := MoviePath("/media", "The Matrix", 1999, "1080p")
	n, err := router.Deliver(context.Background(), "srv-http", src, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), n)
	assert.Equal(t, int64(8192), gotBytes.Load())
	assert.Equal(t, "/media/movies/The Matrix (1999)/The Matrix (1999) - 1080p.mkv", gotPath.Load())
}

func TestHTTPStatReadsSizeFromHead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Length", "12345")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	router, err := NewRouter([]Server{{ID: "srv-http", Endpoint: srv.URL, Root: "/media"}},
		WithRouterHTTPClient(srv.Client()))
	require.NoError(t, err)

	info, err := router.Stat(context.Background(), "srv-http", "/media/movies/x.mkv")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, int64(12345), info.Size)
}

func TestHTTPStatMissingFileIsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	router, err := NewRouter([]Server{{ID: "srv-http", Endpoint: srv.URL, Root: "/media"}},
		WithRouterHTTPClient(srv.Client()))
	require.NoError(t, err)

	info, err := router.Stat(context.Background(), "srv-http", "/media/movies/x.mkv")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestHTTPOutOfSpaceClassifiesAsDiskFull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInsufficientStorage)
	}))
	t.Cleanup(srv.Close)

	router, err := NewRouter([]Server{{ID: "srv-http", Endpoint: srv.URL, Root: "/media"}},
		WithRouterHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = router.Deliver(context.Background(), "srv-http", writeSource(t, 64), "/media/x.mkv", nil)
	require.Error(t, err)
	kind, service := retry.Classify(err)
	assert.Equal(t, retry.KindDiskFull, kind)
	assert.Equal(t, retry.ServiceDelivery, service)
}

func TestUnknownServerRejected(t *testing.T) {
	router, err := NewRouter([]Server{{ID: "srv-1", Root: t.TempDir()}})
	require.NoError(t, err)

	_, err = router.Deliver(context.Background(), "ghost", writeSource(t, 64), "/x.mkv", nil)
	require.Error(t, err)
	kind, _ := retry.Classify(err)
	assert.Equal(t, retry.KindValidation, kind)
}

func TestRouterRejectsServerWithoutDestination(t *testing.T) {
	_, err := NewRouter([]Server{{ID: "srv-1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither endpoint nor root")
}
