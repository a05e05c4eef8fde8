// SPDX-License-Identifier: MIT

// Package store persists the pipeline entities. SQLite is the default
// backend, PostgreSQL the alternative for shared deployments, and the
// in-memory store backs unit tests. All item mutation goes through
// UpdateItem's read-modify-write so callers never hand-roll SQL.
package store

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pipearr/pipearr/internal/pipeline/model"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an optimistic update keeps losing the
// race after several retries.
var ErrConflict = errors.New("update conflict")

// Store is the persistence surface for the pipeline.
type Store interface {
	// Requests.
	CreateRequest(ctx context.Context, req *model.Request) error
	GetRequest(ctx context.Context, id string) (*model.Request, error)
	ListRequests(ctx context.Context, limit, offset int) ([]model.Request, int, error)
	UpdateRequest(ctx context.Context, id string, fn func(*model.Request) error) (*model.Request, error)
	DeleteRequest(ctx context.Context, id string) error

	// Items.
	CreateItem(ctx context.Context, item *model.Item) error
	GetItem(ctx context.Context, id string) (*model.Item, error)
	ItemsByRequest(ctx context.Context, requestID string) ([]model.Item, error)
	ItemsByStatus(ctx context.Context, statuses []model.Status) ([]model.Item, error)
	UpdateItem(ctx context.Context, id string, fn func(*model.Item) error) (*model.Item, error)

	// ItemsForProcessing returns items in one of the given statuses
	// whose retry and skip gates have passed, oldest update first.
	ItemsForProcessing(ctx context.Context, statuses []model.Status, now time.Time, limit int) ([]model.Item, error)

	// ItemsWithElapsedCooldown returns discovered items whose cooldown
	// deadline has passed.
	ItemsWithElapsedCooldown(ctx context.Context, now time.Time, limit int) ([]model.Item, error)

	CountByStatus(ctx context.Context) (map[model.Status]int, error)

	// Downloads, keyed by info hash.
	UpsertDownload(ctx context.Context, dl *model.Download) error
	DownloadByInfoHash(ctx context.Context, infoHash string) (*model.Download, error)
	FindDownloadByNormalizedName(ctx context.Context, normalized string) (*model.Download, error)

	// Encoder assignments, keyed by job id.
	UpsertAssignment(ctx context.Context, a *model.EncoderAssignment) error
	AssignmentByJobID(ctx context.Context, jobID string) (*model.EncoderAssignment, error)

	// RecomputeRequestAggregate derives request status and progress
	// from the request's items. Concurrent calls for the same request
	// collapse into one computation.
	RecomputeRequestAggregate(ctx context.Context, requestID string) (*model.Request, error)

	Close() error
}

// maxUpdateRetries bounds the optimistic-concurrency retry loop on SQL
// stores.
const maxUpdateRetries = 5

// aggregateFlight dedupes concurrent aggregate recomputations per
// request. Shared by all backends.
type aggregateFlight struct {
	g singleflight.Group
}

func (f *aggregateFlight) do(requestID string, fn func() (*model.Request, error)) (*model.Request, error) {
	v, err, _ := f.g.Do(requestID, func() (any, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Request), nil
}

// computeAggregate folds the items of a request into its derived
// status, progress and error message.
func computeAggregate(items []model.Item) (model.RequestStatus, int, string) {
	if len(items) == 0 {
		return model.RequestPending, 0, ""
	}

	var (
		sum       int
		completed int
		failed    int
		terminal  int
		advanced  int
		firstErr  string
	)
	for i := range items {
		it := &items[i]
		sum += it.Progress
		switch it.Status {
		case model.StatusCompleted:
			completed++
			terminal++
		case model.StatusFailed:
			failed++
			terminal++
			if firstErr == "" {
				firstErr = it.LastError
			}
		case model.StatusCancelled:
			terminal++
		}
		if it.Status != model.StatusPending {
			advanced++
		}
	}
	progress := sum / len(items)

	switch {
	case completed == len(items):
		return model.RequestCompleted, progress, ""
	case terminal == len(items) && failed > 0:
		return model.RequestFailed, progress, firstErr
	case terminal == len(items) && completed == 0:
		return model.RequestCancelled, progress, ""
	case terminal == len(items):
		// Mixed completed and cancelled counts as done.
		return model.RequestCompleted, progress, ""
	case advanced > 0:
		return model.RequestProcessing, progress, ""
	default:
		return model.RequestPending, progress, ""
	}
}
