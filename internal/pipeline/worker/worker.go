// SPDX-License-Identifier: MIT

// Package worker implements the stage workers that drive items through
// the pipeline: search, download, encode, deliver, plus the recovery
// sweep and the status gauges. Each worker claims a batch of eligible
// items in its input statuses, processes them under a bounded
// concurrency limit, and performs every item mutation through the
// orchestrator. A tick never blocks on external completion; long-running
// work is observed across short ticks over persisted state.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/pipearr/pipearr/internal/config"
	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/metrics"
	"github.com/pipearr/pipearr/internal/pipeline/fsm"
	"github.com/pipearr/pipearr/internal/pipeline/model"
	"github.com/pipearr/pipearr/internal/telemetry"
)

// Worker is what the scheduler runs: one batch pass per tick.
type Worker interface {
	ID() string
	Interval() time.Duration
	RunBatch(ctx context.Context) error
}

// Limits tunes batch claiming shared by the stage workers.
type Limits struct {
	// BatchSize caps how many items one tick claims.
	BatchSize int
	// Concurrency caps how many claimed items are processed in
	// parallel.
	Concurrency int
}

const (
	defaultBatchSize   = 20
	defaultConcurrency = 3
)

func (l Limits) withDefaults() Limits {
	if l.BatchSize <= 0 {
		l.BatchSize = defaultBatchSize
	}
	if l.Concurrency <= 0 {
		l.Concurrency = defaultConcurrency
	}
	return l
}

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeSkipped = "skipped"
)

// errSkipItem signals that an item was intentionally left alone this
// tick (no capacity, waiting on another component, first orphan
// sighting). Skips are counted but never routed through HandleError.
var errSkipItem = errors.New("item skipped")

// errorSink is the slice of the orchestrator batch processing reports
// item failures to.
type errorSink interface {
	HandleError(ctx context.Context, itemID, stage string, cause error) (*model.Item, error)
}

// TemplateSource resolves a request's pipeline template by name. The
// config Holder's current snapshot backs it in the daemon.
type TemplateSource interface {
	Template(name string) config.Template
}

// runItems fans the claimed batch out to fn under the concurrency
// limit. Errors from fn are routed through the orchestrator's error
// handling; runItems itself never fails.
func runItems(ctx context.Context, name string, items []model.Item, concurrency int, sink errorSink, logger zerolog.Logger, fn func(context.Context, *model.Item) error) {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i := range items {
		it := items[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			ictx := log.ContextWithWorker(log.ContextWithItemID(ctx, it.ID), name)
			ictx, span := telemetry.Tracer("pipearr/worker").Start(ictx, name+".process",
				trace.WithAttributes(telemetry.WorkerAttributes(name, it.ID)...))
			defer span.End()

			err := fn(ictx, &it)
			switch {
			case err == nil:
				metrics.RecordWorkerItem(name, outcomeSuccess)
			case errors.Is(err, errSkipItem):
				metrics.RecordWorkerItem(name, outcomeSkipped)
			case errors.Is(err, context.Canceled):
				// Shutdown mid-item; the next run resumes it.
			case isStaleClaim(err):
				metrics.RecordWorkerItem(name, outcomeSkipped)
				logger.Warn().
					Err(err).
					Str(log.FieldEvent, "worker.stale_claim").
					Str(log.FieldWorker, name).
					Str(log.FieldItemID, it.ID).
					Msg("item moved since it was claimed, left for the next pass")
			default:
				metrics.RecordWorkerItem(name, outcomeFailure)
				span.RecordError(err)
				if _, herr := sink.HandleError(ictx, it.ID, name, err); herr != nil {
					logger.Error().
						Err(herr).
						Str(log.FieldEvent, "worker.handle_error_failed").
						Str(log.FieldWorker, name).
						Str(log.FieldItemID, it.ID).
						Msg("item error could not be recorded")
				}
			}
		}()
	}
	wg.Wait()
}

// observeRun records tick-level metrics for one worker run.
func observeRun(name string, start time.Time, err error) {
	metrics.ObserveWorkerDuration(name, time.Since(start).Seconds())
	if err != nil {
		metrics.RecordWorkerRun(name, outcomeFailure)
		return
	}
	metrics.RecordWorkerRun(name, outcomeSuccess)
}

// isStaleClaim reports whether err is a transition rejected by the
// status graph. Batches claim items without holding them, so an item
// can legitimately move between the claim and the worker's transition;
// that is a race to log, not an item failure.
func isStaleClaim(err error) bool {
	var inv *fsm.InvalidTransitionError
	return errors.As(err, &inv)
}

// progressStalled reports whether the item's progress has not advanced
// within the window. Items that never reported progress are judged from
// the stall timer armed at stage entry.
func progressStalled(it *model.Item, now time.Time, window time.Duration) bool {
	if window <= 0 || it.LastProgressAt == nil {
		return false
	}
	return now.Sub(*it.LastProgressAt) > window
}

func realClock() time.Time { return time.Now().UTC() }
