// SPDX-License-Identifier: MIT

package delivery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipearr/pipearr/internal/metrics"
	"github.com/pipearr/pipearr/internal/pipeline/retry"
)

// httpUpload streams files to a server's HTTP storage endpoint with a
// chunked PUT.
type httpUpload struct {
	http   *http.Client
	logger zerolog.Logger
}

func (u *httpUpload) deliver(ctx context.Context, srv Server, localPath, remotePath string, onProgress func(int64)) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	pr := &progressReader{r: &ctxReader{ctx: ctx, r: f}, onProgress: onProgress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, srv.Endpoint+escapeRemotePath(remotePath), pr)
	if err != nil {
		return 0, retry.Tag(retry.ServiceDelivery, fmt.Errorf("build upload request: %w", err))
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := u.http.Do(req)
	if err != nil {
		metrics.RecordAdapterRequest(retry.ServiceDelivery, "error")
		return pr.n, retry.Tag(retry.ServiceDelivery, fmt.Errorf("upload to %s: %w", srv.ID, err))
	}
	defer resp.Body.Close()

	if err := u.checkStatus(resp, remotePath); err != nil {
		return pr.n, err
	}
	metrics.RecordAdapterRequest(retry.ServiceDelivery, "success")
	return pr.n, nil
}

func (u *httpUpload) stat(ctx context.Context, srv Server, remotePath string) (*FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, srv.Endpoint+escapeRemotePath(remotePath), nil)
	if err != nil {
		return nil, retry.Tag(retry.ServiceDelivery, fmt.Errorf("build stat request: %w", err))
	}
	resp, err := u.http.Do(req)
	if err != nil {
		metrics.RecordAdapterRequest(retry.ServiceDelivery, "error")
		return nil, retry.Tag(retry.ServiceDelivery, fmt.Errorf("stat on %s: %w", srv.ID, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		metrics.RecordAdapterRequest(retry.ServiceDelivery, "success")
		return nil, nil
	}
	if err := u.checkStatus(resp, remotePath); err != nil {
		return nil, err
	}
	metrics.RecordAdapterRequest(retry.ServiceDelivery, "success")

	info := &FileInfo{Path: remotePath, Size: resp.ContentLength}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.ModTime = t
		}
	}
	return info, nil
}

// checkStatus maps non-2xx upload responses onto retry kinds.
func (u *httpUpload) checkStatus(resp *http.Response, remotePath string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		metrics.RecordAdapterRequest(retry.ServiceDelivery, "auth_stale")
		return retry.Mark(retry.ServiceDelivery, retry.KindAuthStale, fmt.Errorf("server returned %d for %s", resp.StatusCode, remotePath))
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.RecordAdapterRequest(retry.ServiceDelivery, "rate_limited")
		return retry.RateLimited(retry.ServiceDelivery, parseRetryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("server returned 429 for %s", remotePath))
	case resp.StatusCode == http.StatusInsufficientStorage:
		metrics.RecordAdapterRequest(retry.ServiceDelivery, "error")
		return retry.Mark(retry.ServiceDelivery, retry.KindDiskFull, fmt.Errorf("server out of space for %s", remotePath))
	case resp.StatusCode >= 500:
		metrics.RecordAdapterRequest(retry.ServiceDelivery, "error")
		return retry.Mark(retry.ServiceDelivery, retry.KindServiceUnavailable, fmt.Errorf("server returned %d for %s", resp.StatusCode, remotePath))
	default:
		metrics.RecordAdapterRequest(retry.ServiceDelivery, "error")
		return retry.Tag(retry.ServiceDelivery, fmt.Errorf("server returned unexpected status %d for %s", resp.StatusCode, remotePath))
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// escapeRemotePath escapes each path segment while keeping the
// separators.
func escapeRemotePath(remotePath string) string {
	segments := strings.Split(remotePath, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
