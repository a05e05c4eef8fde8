// SPDX-License-Identifier: MIT

// Package delivery moves encoded files onto media servers. A Router
// picks the HTTP upload or filesystem sender per server record.
package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/metrics"
	"github.com/pipearr/pipearr/internal/netutil"
	"github.com/pipearr/pipearr/internal/pipeline/retry"
)

// FileInfo describes a file on a delivery server.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Transport streams local files to delivery servers. onProgress, when
// non-nil, receives the cumulative byte count of the transfer.
type Transport interface {
	Deliver(ctx context.Context, serverID, localPath, remotePath string, onProgress func(bytes int64)) (int64, error)

	// Stat returns nil, nil when the remote file does not exist.
	Stat(ctx context.Context, serverID, remotePath string) (*FileInfo, error)
}

// Server describes one delivery destination. An empty Endpoint selects
// the filesystem sender against a locally mounted Root.
type Server struct {
	ID       string
	Name     string
	Endpoint string
	Root     string
}

// Router implements Transport across all configured servers.
type Router struct {
	servers map[string]Server
	upload  *httpUpload
	fs      *fsSender
	logger  zerolog.Logger
}

// RouterOption configures the router.
type RouterOption func(*Router)

// WithRouterHTTPClient overrides the HTTP client used by the upload
// sender.
func WithRouterHTTPClient(c *http.Client) RouterOption {
	return func(r *Router) { r.upload.http = c }
}

// NewRouter validates the server records and builds a transport over
// them.
func NewRouter(servers []Server, opts ...RouterOption) (*Router, error) {
	logger := log.WithComponent("delivery")
	r := &Router{
		servers: make(map[string]Server, len(servers)),
		upload:  &httpUpload{http: netutil.NewHTTPClient(netutil.DefaultTimeout), logger: logger},
		fs:      &fsSender{logger: logger},
		logger:  logger,
	}
	for _, srv := range servers {
		if srv.ID == "" {
			return nil, fmt.Errorf("delivery server %q has no id", srv.Name)
		}
		if srv.Endpoint != "" {
			normalized, err := netutil.ValidateEndpoint(srv.Endpoint)
			if err != nil {
				return nil, fmt.Errorf("delivery server %s endpoint: %w", srv.ID, err)
			}
			srv.Endpoint = normalized
		} else if srv.Root == "" {
			return nil, fmt.Errorf("delivery server %s has neither endpoint nor root", srv.ID)
		}
		r.servers[srv.ID] = srv
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Router) server(serverID string) (Server, error) {
	srv, ok := r.servers[serverID]
	if !ok {
		return Server{}, retry.Mark(retry.ServiceDelivery, retry.KindValidation, fmt.Errorf("unknown delivery server %q", serverID))
	}
	return srv, nil
}

// Deliver streams localPath to remotePath on the server and returns the
// bytes sent.
func (r *Router) Deliver(ctx context.Context, serverID, localPath, remotePath string, onProgress func(int64)) (int64, error) {
	srv, err := r.server(serverID)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	var n int64
	if srv.Endpoint != "" {
		n, err = r.upload.deliver(ctx, srv, localPath, remotePath, onProgress)
	} else {
		n, err = r.fs.deliver(ctx, srv, localPath, remotePath, onProgress)
	}
	if err != nil {
		metrics.RecordDelivery(serverID, "failure")
		return n, err
	}
	metrics.RecordDelivery(serverID, "success")
	metrics.AddDeliveredBytes(serverID, n)
	r.logger.Info().
		Str(log.FieldEvent, "delivery.complete").
		Str(log.FieldServerID, serverID).
		Str(log.FieldRemotePath, remotePath).
		Int64("bytes", n).
		Dur("took", time.Since(start)).
		Msg("file delivered")
	return n, nil
}

// Stat checks whether remotePath already exists on the server.
func (r *Router) Stat(ctx context.Context, serverID, remotePath string) (*FileInfo, error) {
	srv, err := r.server(serverID)
	if err != nil {
		return nil, err
	}
	if srv.Endpoint != "" {
		return r.upload.stat(ctx, srv, remotePath)
	}
	return r.fs.stat(srv, remotePath)
}

// progressReader counts bytes as they flow and reports the running
// total.
type progressReader struct {
	r          io.Reader
	n          int64
	onProgress func(int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.n += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.n)
		}
	}
	return n, err
}

// ctxReader aborts a long copy when the context ends.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}
