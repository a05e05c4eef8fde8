// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/metrics"
	"github.com/pipearr/pipearr/internal/pipeline/model"
	"github.com/pipearr/pipearr/internal/pipeline/retry"
)

// HandleError records a stage failure on the item and applies the
// retry policy: schedule another run, park the item, or fail it for
// good. Calls on terminal items are ignored.
func (o *Orchestrator) HandleError(ctx context.Context, itemID, stage string, cause error) (*model.Item, error) {
	kind, service := retry.Classify(cause)
	hint := retry.RetryAfterHint(cause)

	unlock := o.locks.lock(itemID)
	defer unlock()

	var (
		from      model.Status
		decision  retry.Decision
		exhausted bool
		changed   bool
	)
	item, err := o.store.UpdateItem(ctx, itemID, func(it *model.Item) error {
		exhausted, changed = false, false
		from = it.Status
		if from.IsTerminal() {
			return errNoChange
		}
		now := o.now()
		attempt := it.Attempts + 1
		decision = retry.Decide(kind, service != "", attempt, hint)

		it.RecordError(model.ErrorEvent{
			At:             now,
			Kind:           string(decision.Kind),
			Service:        service,
			Message:        retry.Message(cause),
			CountedAttempt: decision.CountsAttempt,
		})

		if decision.Permanent {
			it.Status = model.StatusFailed
			changed = true
			return nil
		}
		if decision.CountsAttempt {
			it.Attempts = attempt
			limit := it.MaxAttempts
			if limit <= 0 {
				limit = o.maxAttempts
			}
			if it.Attempts >= limit {
				exhausted = true
				it.LastError = "retries exhausted: " + retry.Message(cause)
				it.Status = model.StatusFailed
				changed = true
				return nil
			}
		}

		if decision.RetryIn > 0 {
			t := now.Add(decision.RetryIn)
			it.NextRetryAt = &t
		}
		if decision.SkipFor > 0 {
			t := now.Add(decision.SkipFor)
			it.SkipUntil = &t
		}
		if decision.ClearDownloadID {
			it.DownloadID = ""
		}

		// Delayed attempt-counting retries go back to pending and the
		// stage workers resume from the preserved context; a failed
		// delivery re-enters at encoded so the checkpoint keeps its
		// delivered servers. Skip-mode decisions and immediate retries
		// (stale auth) park the item where it is: the same worker
		// claims it again. Nothing polls searching, so it always falls
		// back to pending.
		target := from
		if decision.CountsAttempt && decision.RetryIn > 0 {
			target = model.StatusPending
		}
		switch {
		case from == model.StatusSearching:
			target = model.StatusPending
		case from == model.StatusDelivering:
			target = model.StatusEncoded
		}
		if it.Status != target {
			it.Status = target
			changed = true
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		o.logger.Debug().
			Str(log.FieldEvent, "item.error_ignored").
			Str(log.FieldItemID, itemID).
			Str(log.FieldOldStatus, string(from)).
			Err(cause).
			Msg("error on terminal item ignored")
		return o.store.GetItem(ctx, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("handle error for item %s: %w", itemID, err)
	}

	metrics.RecordError(string(decision.Kind), service)
	if exhausted {
		metrics.RecordRetriesExhausted()
	} else if decision.Retryable() {
		metrics.RecordRetry(string(decision.Kind))
	}
	if changed {
		metrics.RecordTransition(string(from), string(item.Status))
	}
	if decision.InvalidateAuth {
		if fn := o.invalidators[service]; fn != nil {
			fn()
		}
	}

	evt := o.logger.Warn().
		Str(log.FieldEvent, "item.error").
		Str(log.FieldItemID, item.ID).
		Str(log.FieldRequestID, item.RequestID).
		Str(log.FieldStep, stage).
		Str(log.FieldErrorKind, string(decision.Kind)).
		Str(log.FieldService, service).
		Str(log.FieldOldStatus, string(from)).
		Str(log.FieldNewStatus, string(item.Status)).
		Int("attempts", item.Attempts).
		Err(cause)
	if item.NextRetryAt != nil {
		evt = evt.Time("next_retry_at", *item.NextRetryAt)
	}
	if item.SkipUntil != nil {
		evt = evt.Time("skip_until", *item.SkipUntil)
	}
	evt.Msg("stage error handled")

	o.recomputeAggregate(ctx, item.RequestID)
	return item, nil
}

// Cancel moves an item to cancelled. Cancelling an already cancelled
// item is a no-op; completed and failed items cannot be cancelled. The
// torrent of a still-downloading item is removed without touching
// downloaded data.
func (o *Orchestrator) Cancel(ctx context.Context, itemID, reason string) (*model.Item, error) {
	unlock := o.locks.lock(itemID)
	defer unlock()

	var (
		from        model.Status
		dropTorrent string
	)
	item, err := o.store.UpdateItem(ctx, itemID, func(it *model.Item) error {
		dropTorrent = ""
		from = it.Status
		if from == model.StatusCancelled {
			return errNoChange
		}
		if from.IsTerminal() {
			return &fsmCancelError{itemID: it.ID, status: from}
		}
		if from == model.StatusDownloading && it.DownloadID != "" {
			dropTorrent = it.DownloadID
		}
		it.Status = model.StatusCancelled
		return nil
	})
	if errors.Is(err, errNoChange) {
		return o.store.GetItem(ctx, itemID)
	}
	if err != nil {
		return nil, err
	}

	metrics.RecordTransition(string(from), string(model.StatusCancelled))
	if dropTorrent != "" && o.torrent != nil {
		if rmErr := o.torrent.Remove(ctx, dropTorrent, false); rmErr != nil {
			o.logger.Warn().
				Err(rmErr).
				Str(log.FieldEvent, "item.cancel_torrent_failed").
				Str(log.FieldItemID, itemID).
				Str(log.FieldInfoHash, dropTorrent).
				Msg("torrent removal on cancel failed")
		}
	}
	o.logger.Info().
		Str(log.FieldEvent, "item.cancelled").
		Str(log.FieldItemID, item.ID).
		Str(log.FieldRequestID, item.RequestID).
		Str(log.FieldOldStatus, string(from)).
		Str("reason", reason).
		Msg("item cancelled")

	o.recomputeAggregate(ctx, item.RequestID)
	return item, nil
}

// fsmCancelError adapts a cancel on a finished item to the invalid
// transition error shape.
type fsmCancelError struct {
	itemID string
	status model.Status
}

func (e *fsmCancelError) Error() string {
	return fmt.Sprintf("item %s already %s, cannot cancel", e.itemID, e.status)
}

// CancelRequest cancels every live item of a request. Terminal items
// are left as they are. The first error is returned after all items
// have been tried.
func (o *Orchestrator) CancelRequest(ctx context.Context, requestID, reason string) error {
	items, err := o.store.ItemsByRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("cancel request %s: %w", requestID, err)
	}
	var firstErr error
	for i := range items {
		if items[i].Status.IsTerminal() {
			continue
		}
		if _, err := o.Cancel(ctx, items[i].ID, reason); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.logger.Info().
		Str(log.FieldEvent, "request.cancelled").
		Str(log.FieldRequestID, requestID).
		Str("reason", reason).
		Msg("request cancelled")
	o.recomputeAggregate(ctx, requestID)
	return firstErr
}

// Retry puts a failed or cancelled item back at the start of the
// pipeline with a clean slate. Delivered servers recorded in the
// checkpoint stay delivered; everything else is re-earned.
func (o *Orchestrator) Retry(ctx context.Context, itemID string) (*model.Item, error) {
	unlock := o.locks.lock(itemID)
	defer unlock()

	var from model.Status
	item, err := o.store.UpdateItem(ctx, itemID, func(it *model.Item) error {
		from = it.Status
		if from != model.StatusFailed && from != model.StatusCancelled {
			return &NotRetryableError{ItemID: it.ID, Status: from}
		}
		it.Status = model.StatusPending
		it.CurrentStep = ""
		it.Progress = 0
		it.Attempts = 0
		it.LastError = ""
		it.NextRetryAt = nil
		it.SkipUntil = nil
		it.CooldownEndsAt = nil
		it.DownloadID = ""
		it.EncodingJobID = ""
		it.LastProgressValue = 0
		it.LastProgressAt = nil
		it.DownloadedAt = nil
		it.EncodedAt = nil
		it.DeliveredAt = nil
		it.CompletedAt = nil
		it.Context = model.StepContext{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordTransition(string(from), string(model.StatusPending))
	o.logger.Info().
		Str(log.FieldEvent, "item.retried").
		Str(log.FieldItemID, item.ID).
		Str(log.FieldRequestID, item.RequestID).
		Str(log.FieldOldStatus, string(from)).
		Msg("item reset for retry")

	o.recomputeAggregate(ctx, item.RequestID)
	return item, nil
}

// UpdateProgress raises the item progress. Writes are debounced:
// a value that does not advance the stored one is persisted at most
// once per debounce window, as a liveness touch that leaves the
// last-advance markers alone.
func (o *Orchestrator) UpdateProgress(ctx context.Context, itemID string, progress int) (*model.Item, error) {
	unlock := o.locks.lock(itemID)
	defer unlock()

	item, err := o.store.UpdateItem(ctx, itemID, func(it *model.Item) error {
		now := o.now()
		if applyProgress(it, progress, now) {
			return nil
		}
		if it.LastProgressAt == nil || now.Sub(*it.LastProgressAt) >= o.progressDebounce {
			// Liveness touch: UpdatedAt moves, the stall markers do not.
			return nil
		}
		return errNoChange
	})
	if errors.Is(err, errNoChange) {
		return o.store.GetItem(ctx, itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("update progress for item %s: %w", itemID, err)
	}
	return item, nil
}

// AttachDownload points an item at a torrent without a status change.
// Recovery uses it to re-associate an orphaned downloading item with
// the torrent found in the client.
func (o *Orchestrator) AttachDownload(ctx context.Context, itemID, downloadID string) (*model.Item, error) {
	unlock := o.locks.lock(itemID)
	defer unlock()

	item, err := o.store.UpdateItem(ctx, itemID, func(it *model.Item) error {
		it.DownloadID = downloadID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("attach download for item %s: %w", itemID, err)
	}
	o.logger.Info().
		Str(log.FieldEvent, "item.download_attached").
		Str(log.FieldItemID, item.ID).
		Str(log.FieldInfoHash, downloadID).
		Msg("item re-associated with torrent")
	return item, nil
}

// UpdateStepContext merges a context patch into the item without a
// status change.
func (o *Orchestrator) UpdateStepContext(ctx context.Context, itemID string, patch model.StepContext) (*model.Item, error) {
	unlock := o.locks.lock(itemID)
	defer unlock()

	item, err := o.store.UpdateItem(ctx, itemID, func(it *model.Item) error {
		it.Context = it.Context.Merge(patch)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update context for item %s: %w", itemID, err)
	}
	return item, nil
}

// SetSkipUntil parks an item until the given time without changing
// its status. Used when a dependency is down and the item should keep
// its place in the pipeline.
func (o *Orchestrator) SetSkipUntil(ctx context.Context, itemID string, until time.Time, reason string) (*model.Item, error) {
	unlock := o.locks.lock(itemID)
	defer unlock()

	item, err := o.store.UpdateItem(ctx, itemID, func(it *model.Item) error {
		t := until.UTC()
		it.SkipUntil = &t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("set skip for item %s: %w", itemID, err)
	}
	o.logger.Info().
		Str(log.FieldEvent, "item.skipped").
		Str(log.FieldItemID, item.ID).
		Time("skip_until", until).
		Str("reason", reason).
		Msg("item parked")
	return item, nil
}

// ClearGates removes the retry and skip gates so the item is eligible
// on the next worker pass. An operator nudge.
func (o *Orchestrator) ClearGates(ctx context.Context, itemID string) (*model.Item, error) {
	unlock := o.locks.lock(itemID)
	defer unlock()

	item, err := o.store.UpdateItem(ctx, itemID, func(it *model.Item) error {
		it.NextRetryAt = nil
		it.SkipUntil = nil
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("clear gates for item %s: %w", itemID, err)
	}
	return item, nil
}
