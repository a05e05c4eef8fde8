// SPDX-License-Identifier: MIT

// Package orchestrator is the only mutation path for requests and
// items. It serializes mutations per item, enforces the status graph
// and its entry/exit requirements on every change, routes errors
// through the retry policy and keeps request aggregates current.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/pipeline/model"
	"github.com/pipearr/pipearr/internal/pipeline/store"
)

// TorrentRemover is the slice of the torrent client Cancel needs.
type TorrentRemover interface {
	Remove(ctx context.Context, infoHash string, deleteData bool) error
}

// defaultMaxAttempts bounds attempt-counting retries per item.
const defaultMaxAttempts = 5

// defaultProgressDebounce limits identical-value progress writes.
const defaultProgressDebounce = 30 * time.Second

// errNoChange signals from inside a mutation func that the operation is
// an intentional no-op; the caller returns the unchanged item.
var errNoChange = errors.New("no change")

type Orchestrator struct {
	store            store.Store
	torrent          TorrentRemover
	invalidators     map[string]func()
	now              func() time.Time
	maxAttempts      int
	progressDebounce time.Duration
	locks            keyedMutex
	logger           zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTorrentRemover lets Cancel drop the torrent of a downloading
// item.
func WithTorrentRemover(r TorrentRemover) Option {
	return func(o *Orchestrator) { o.torrent = r }
}

// WithAuthInvalidator registers the hook to drop a service's cached
// session when an auth_stale error is handled.
func WithAuthInvalidator(service string, fn func()) Option {
	return func(o *Orchestrator) { o.invalidators[service] = fn }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithMaxAttempts overrides the default attempt budget for new items.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithProgressDebounce overrides the identical-value progress write
// window.
func WithProgressDebounce(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.progressDebounce = d
		}
	}
}

// New wires an orchestrator over the given store.
func New(s store.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:            s,
		invalidators:     make(map[string]func()),
		now:              func() time.Time { return time.Now().UTC() },
		maxAttempts:      defaultMaxAttempts,
		progressDebounce: defaultProgressDebounce,
		logger:           log.WithComponent("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Clock returns the orchestrator's time source. Workers default to it
// so a test clock set here governs the whole pipeline.
func (o *Orchestrator) Clock() func() time.Time { return o.now }

// NewRequest is the input to CreateRequest.
type NewRequest struct {
	MediaType model.MediaType
	CatalogID int64
	Title     string
	Year      int
	Season    int
	Episodes  []int
	Template  string
	Targets   []model.Target
}

func (r NewRequest) validate() error {
	var problems []string
	switch r.MediaType {
	case model.MediaTypeMovie, model.MediaTypeTV:
	default:
		problems = append(problems, fmt.Sprintf("unknown media type %q", r.MediaType))
	}
	if r.Title == "" {
		problems = append(problems, "title is required")
	}
	if len(r.Targets) == 0 {
		problems = append(problems, "at least one delivery target is required")
	}
	if r.MediaType == model.MediaTypeMovie && r.Year <= 0 {
		problems = append(problems, "movie requests need a year")
	}
	if r.MediaType == model.MediaTypeTV {
		if r.Season <= 0 {
			problems = append(problems, "tv requests need a season")
		}
		if len(r.Episodes) == 0 {
			problems = append(problems, "tv requests need at least one episode")
		}
		for _, ep := range r.Episodes {
			if ep <= 0 {
				problems = append(problems, fmt.Sprintf("invalid episode number %d", ep))
			}
		}
	}
	if len(problems) > 0 {
		return &RequestValidationError{Problems: problems}
	}
	return nil
}

// CreateRequest validates the input and creates the request with one
// pending item per media unit.
func (o *Orchestrator) CreateRequest(ctx context.Context, in NewRequest) (*model.Request, []model.Item, error) {
	if err := in.validate(); err != nil {
		return nil, nil, err
	}
	now := o.now()

	req := &model.Request{
		ID:        uuid.NewString(),
		MediaType: in.MediaType,
		CatalogID: in.CatalogID,
		Title:     in.Title,
		Year:      in.Year,
		Season:    in.Season,
		Episodes:  in.Episodes,
		Template:  in.Template,
		Targets:   in.Targets,
		Status:    model.RequestPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateRequest(ctx, req); err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}

	var items []model.Item
	newItem := func(kind model.ItemKind, season, episode int) model.Item {
		return model.Item{
			ID:          uuid.NewString(),
			RequestID:   req.ID,
			Kind:        kind,
			CatalogID:   in.CatalogID,
			Title:       in.Title,
			Year:        in.Year,
			Season:      season,
			Episode:     episode,
			Status:      model.StatusPending,
			MaxAttempts: o.maxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	switch in.MediaType {
	case model.MediaTypeMovie:
		items = append(items, newItem(model.KindMovie, 0, 0))
	case model.MediaTypeTV:
		for _, ep := range in.Episodes {
			items = append(items, newItem(model.KindEpisode, in.Season, ep))
		}
	}
	for i := range items {
		if err := o.store.CreateItem(ctx, &items[i]); err != nil {
			return nil, nil, fmt.Errorf("create item: %w", err)
		}
	}

	o.logger.Info().
		Str(log.FieldEvent, "request.created").
		Str(log.FieldRequestID, req.ID).
		Str("media_type", string(in.MediaType)).
		Int("items", len(items)).
		Msg("request created")
	return req, items, nil
}

// GetItem reads one item.
func (o *Orchestrator) GetItem(ctx context.Context, itemID string) (*model.Item, error) {
	return o.store.GetItem(ctx, itemID)
}

// GetRequest reads one request.
func (o *Orchestrator) GetRequest(ctx context.Context, requestID string) (*model.Request, error) {
	return o.store.GetRequest(ctx, requestID)
}

// ItemsByRequest lists a request's items.
func (o *Orchestrator) ItemsByRequest(ctx context.Context, requestID string) ([]model.Item, error) {
	return o.store.ItemsByRequest(ctx, requestID)
}

// ItemsForProcessing returns gate-cleared items in the given statuses,
// oldest update first.
func (o *Orchestrator) ItemsForProcessing(ctx context.Context, statuses []model.Status, limit int) ([]model.Item, error) {
	return o.store.ItemsForProcessing(ctx, statuses, o.now(), limit)
}

// ItemsWithElapsedCooldown returns discovered items due for a fresh
// search.
func (o *Orchestrator) ItemsWithElapsedCooldown(ctx context.Context, limit int) ([]model.Item, error) {
	return o.store.ItemsWithElapsedCooldown(ctx, o.now(), limit)
}

// recomputeAggregate refreshes the request roll-up after an item
// change. Failures are logged, not propagated: the aggregates task
// will catch up.
func (o *Orchestrator) recomputeAggregate(ctx context.Context, requestID string) {
	if requestID == "" {
		return
	}
	if _, err := o.store.RecomputeRequestAggregate(ctx, requestID); err != nil {
		o.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "request.aggregate_failed").
			Str(log.FieldRequestID, requestID).
			Msg("request aggregate recompute failed")
	}
}
