// SPDX-License-Identifier: MIT

package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/metrics"
	"github.com/pipearr/pipearr/internal/netutil"
	"github.com/pipearr/pipearr/internal/pipeline/model"
	"github.com/pipearr/pipearr/internal/pipeline/retry"
)

// AssignmentStore persists the latest remote state of each job.
type AssignmentStore interface {
	UpsertAssignment(ctx context.Context, a *model.EncoderAssignment) error
}

// Pool implements Dispatcher against the encoder pool's JSON API.
type Pool struct {
	endpoint string
	apiKey   string
	http     *http.Client
	store    AssignmentStore
	now      func() time.Time
	logger   zerolog.Logger
}

// PoolOption configures the pool client.
type PoolOption func(*Pool)

// WithPoolHTTPClient overrides the outbound HTTP client.
func WithPoolHTTPClient(c *http.Client) PoolOption {
	return func(p *Pool) { p.http = c }
}

// WithPoolClock overrides the clock used for assignment timestamps.
func WithPoolClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// NewPool validates the endpoint and builds a pool client. Assignments
// returned by Queue and Refresh are persisted through store.
func NewPool(endpoint, apiKey string, store AssignmentStore, opts ...PoolOption) (*Pool, error) {
	normalized, err := netutil.ValidateEndpoint(endpoint)
	if err != nil {
		return nil, fmt.Errorf("encoder endpoint: %w", err)
	}
	p := &Pool{
		endpoint: normalized,
		apiKey:   apiKey,
		http:     netutil.NewHTTPClient(netutil.DefaultTimeout),
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   log.WithComponent("encoder"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// do performs one pool API call and decodes the JSON response into out
// when out is non-nil.
func (p *Pool) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.endpoint+path, body)
	if err != nil {
		return retry.Tag(retry.ServiceEncoder, fmt.Errorf("build request: %w", err))
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		req.Header.Set("X-Api-Key", p.apiKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		metrics.RecordAdapterRequest(retry.ServiceEncoder, "error")
		return retry.Tag(retry.ServiceEncoder, fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		metrics.RecordAdapterRequest(retry.ServiceEncoder, "auth_stale")
		return retry.Mark(retry.ServiceEncoder, retry.KindAuthStale, fmt.Errorf("%s returned %d", path, resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		metrics.RecordAdapterRequest(retry.ServiceEncoder, "error")
		return retry.Mark(retry.ServiceEncoder, retry.KindNotFound, fmt.Errorf("%s returned 404", path))
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.RecordAdapterRequest(retry.ServiceEncoder, "rate_limited")
		return retry.RateLimited(retry.ServiceEncoder, retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("%s returned 429", path))
	case resp.StatusCode >= 500:
		metrics.RecordAdapterRequest(retry.ServiceEncoder, "error")
		return retry.Mark(retry.ServiceEncoder, retry.KindServiceUnavailable, fmt.Errorf("%s returned %d", path, resp.StatusCode))
	default:
		metrics.RecordAdapterRequest(retry.ServiceEncoder, "error")
		return retry.Tag(retry.ServiceEncoder, fmt.Errorf("%s returned unexpected status %d", path, resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out); err != nil {
			metrics.RecordAdapterRequest(retry.ServiceEncoder, "error")
			return retry.Tag(retry.ServiceEncoder, fmt.Errorf("decode response: %w", err))
		}
	}
	metrics.RecordAdapterRequest(retry.ServiceEncoder, "success")
	return nil
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// poolEncoder is one row of the pool's encoder inventory.
type poolEncoder struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// EncoderCount returns the number of encoders not reported offline.
func (p *Pool) EncoderCount(ctx context.Context) (int, error) {
	var encoders []poolEncoder
	if err := p.do(ctx, http.MethodGet, "/api/v1/encoders", nil, &encoders); err != nil {
		return 0, err
	}
	n := 0
	for _, e := range encoders {
		if !strings.EqualFold(e.Status, "offline") {
			n++
		}
	}
	return n, nil
}

// poolJob is the pool's JSON view of one job.
type poolJob struct {
	ID               string  `json:"id"`
	ItemID           string  `json:"itemId"`
	Status           string  `json:"status"`
	Progress         float64 `json:"progress"`
	Speed            float64 `json:"speed"`
	ETASeconds       int     `json:"etaSeconds"`
	OutputPath       string  `json:"outputPath"`
	OutputSize       int64   `json:"outputSize"`
	CompressionRatio float64 `json:"compressionRatio"`
	Error            string  `json:"error"`
}

func (j poolJob) toAssignment(now time.Time) *model.EncoderAssignment {
	status := model.AssignmentStatus(strings.ToLower(j.Status))
	switch status {
	case model.AssignmentQueued, model.AssignmentDispatched, model.AssignmentEncoding,
		model.AssignmentCompleted, model.AssignmentFailed, model.AssignmentCancelled:
	case "":
		status = model.AssignmentQueued
	default:
		// Unknown remote states stay in flight so the poller keeps
		// watching them.
		status = model.AssignmentDispatched
	}
	a := &model.EncoderAssignment{
		JobID:            j.ID,
		ItemID:           j.ItemID,
		Status:           status,
		Progress:         j.Progress,
		Speed:            j.Speed,
		ETASeconds:       j.ETASeconds,
		OutputPath:       j.OutputPath,
		OutputSize:       j.OutputSize,
		CompressionRatio: j.CompressionRatio,
		ErrorMessage:     j.Error,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if a.Done() {
		a.CompletedAt = &now
	}
	return a
}

// Queue submits the job and persists the queued assignment.
func (p *Pool) Queue(ctx context.Context, job Job) (*model.EncoderAssignment, error) {
	var created poolJob
	if err := p.do(ctx, http.MethodPost, "/api/v1/jobs", job, &created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, retry.Tag(retry.ServiceEncoder, fmt.Errorf("pool accepted job for item %s without an id", job.ItemID))
	}
	a := created.toAssignment(p.now())
	if a.ItemID == "" {
		a.ItemID = job.ItemID
	}
	if err := p.persist(ctx, a); err != nil {
		return nil, err
	}
	p.logger.Info().
		Str(log.FieldEvent, "encode.queued").
		Str(log.FieldJobID, a.JobID).
		Str(log.FieldItemID, a.ItemID).
		Str(log.FieldCodec, job.Codec).
		Msg("encode job queued")
	return a, nil
}

// Refresh fetches the job's remote state and persists the row. The
// upsert keeps the original created_at.
func (p *Pool) Refresh(ctx context.Context, jobID string) (*model.EncoderAssignment, error) {
	var job poolJob
	if err := p.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, err
	}
	a := job.toAssignment(p.now())
	if a.JobID == "" {
		a.JobID = jobID
	}
	if err := p.persist(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Cancel stops the remote job. Jobs the pool already dropped count as
// cancelled.
func (p *Pool) Cancel(ctx context.Context, jobID string) error {
	err := p.do(ctx, http.MethodDelete, "/api/v1/jobs/"+url.PathEscape(jobID), nil, nil)
	if err != nil {
		if kind, _ := retry.Classify(err); kind == retry.KindNotFound {
			return nil
		}
		return err
	}
	p.logger.Debug().
		Str(log.FieldEvent, "encode.cancelled").
		Str(log.FieldJobID, jobID).
		Msg("encode job cancelled")
	return nil
}

func (p *Pool) persist(ctx context.Context, a *model.EncoderAssignment) error {
	if err := p.store.UpsertAssignment(ctx, a); err != nil {
		return fmt.Errorf("persist assignment %s: %w", a.JobID, err)
	}
	return nil
}
