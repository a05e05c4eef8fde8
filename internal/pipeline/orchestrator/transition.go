// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/metrics"
	"github.com/pipearr/pipearr/internal/pipeline/fsm"
	"github.com/pipearr/pipearr/internal/pipeline/model"
	"github.com/pipearr/pipearr/internal/pipeline/validate"
)

type transitionPlan struct {
	step           *string
	patch          *model.StepContext
	progress       *int
	downloadID     *string
	encodingJobID  *string
	cooldownEndsAt *time.Time
	checkpoint     *model.Checkpoint
	assignment     *model.EncoderAssignment
}

// TransitionOption amends the item alongside a status change. The
// amended item is what entry/exit validation sees.
type TransitionOption func(*transitionPlan)

// WithStep records the pipeline step label the worker is in.
func WithStep(step string) TransitionOption {
	return func(p *transitionPlan) { p.step = &step }
}

// WithContextPatch merges the given step context into the item's.
func WithContextPatch(patch model.StepContext) TransitionOption {
	return func(p *transitionPlan) { p.patch = &patch }
}

// WithProgress raises the item progress. Values below the current
// progress are ignored.
func WithProgress(progress int) TransitionOption {
	return func(p *transitionPlan) { p.progress = &progress }
}

// WithDownloadID sets the torrent hash the item is tracking. An empty
// value clears it.
func WithDownloadID(id string) TransitionOption {
	return func(p *transitionPlan) { p.downloadID = &id }
}

// WithEncodingJobID sets the encoder job the item is tracking.
func WithEncodingJobID(id string) TransitionOption {
	return func(p *transitionPlan) { p.encodingJobID = &id }
}

// WithCooldown sets when a discovered item becomes due for a fresh
// search.
func WithCooldown(until time.Time) TransitionOption {
	return func(p *transitionPlan) { p.cooldownEndsAt = &until }
}

// WithCheckpointInit seeds the delivery checkpoint if the item has
// none yet. An existing checkpoint always wins so re-entries keep the
// already delivered servers.
func WithCheckpointInit(cp *model.Checkpoint) TransitionOption {
	return func(p *transitionPlan) { p.checkpoint = cp }
}

// WithAssignment supplies the encoder's view of the job for the
// encoding exit check.
func WithAssignment(a *model.EncoderAssignment) TransitionOption {
	return func(p *transitionPlan) { p.assignment = a }
}

// Transition moves an item to the target status. The move is checked
// against the status graph and the target's entry and exit
// requirements after the options have been applied; a refused move
// leaves the item untouched.
func (o *Orchestrator) Transition(ctx context.Context, itemID string, to model.Status, opts ...TransitionOption) (*model.Item, error) {
	var plan transitionPlan
	for _, opt := range opts {
		opt(&plan)
	}

	unlock := o.locks.lock(itemID)
	defer unlock()

	var from model.Status
	item, err := o.store.UpdateItem(ctx, itemID, func(it *model.Item) error {
		from = it.Status
		if err := fsm.Validate(from, to); err != nil {
			return err
		}
		now := o.now()
		o.applyPlan(it, &plan, now)
		if res := validate.Check(it, from, to, validate.ExitState{Assignment: plan.assignment}); !res.Valid {
			return &ValidationError{ItemID: it.ID, From: from, To: to, Violations: res.Violations}
		}
		it.Status = to
		applyStageEffects(it, from, to, now)
		return nil
	})
	if err != nil {
		var inv *fsm.InvalidTransitionError
		if errors.As(err, &inv) {
			metrics.RecordInvalidTransition(string(inv.From), string(inv.To))
			o.logger.Warn().
				Str(log.FieldEvent, "item.transition_invalid").
				Str(log.FieldItemID, itemID).
				Str(log.FieldOldStatus, string(inv.From)).
				Str(log.FieldNewStatus, string(inv.To)).
				Msg("transition not in status graph")
			return nil, err
		}
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			o.logger.Warn().
				Str(log.FieldEvent, "item.transition_refused").
				Str(log.FieldItemID, itemID).
				Str(log.FieldOldStatus, string(vErr.From)).
				Str(log.FieldNewStatus, string(vErr.To)).
				Strs("violations", vErr.Violations).
				Msg("transition refused by validation")
			return nil, err
		}
		return nil, fmt.Errorf("transition item %s: %w", itemID, err)
	}

	metrics.RecordTransition(string(from), string(to))
	evt := o.logger.Info().
		Str(log.FieldEvent, "item.transition").
		Str(log.FieldItemID, item.ID).
		Str(log.FieldRequestID, item.RequestID).
		Str(log.FieldOldStatus, string(from)).
		Str(log.FieldNewStatus, string(to))
	if item.CurrentStep != "" {
		evt = evt.Str(log.FieldStep, item.CurrentStep)
	}
	evt.Msg("item transitioned")

	o.recomputeAggregate(ctx, item.RequestID)
	return item, nil
}

func (o *Orchestrator) applyPlan(it *model.Item, plan *transitionPlan, now time.Time) {
	if plan.patch != nil {
		it.Context = it.Context.Merge(*plan.patch)
	}
	if plan.progress != nil {
		applyProgress(it, *plan.progress, now)
	}
	if plan.downloadID != nil {
		it.DownloadID = *plan.downloadID
	}
	if plan.encodingJobID != nil {
		it.EncodingJobID = *plan.encodingJobID
	}
	if plan.cooldownEndsAt != nil {
		t := plan.cooldownEndsAt.UTC()
		it.CooldownEndsAt = &t
	}
	if plan.checkpoint != nil && it.Checkpoint == nil {
		it.Checkpoint = plan.checkpoint
	}
	if plan.step != nil {
		it.CurrentStep = *plan.step
	}
}

// applyProgress raises the item progress, clamped to 0..100. Progress
// never goes backwards; the last-advance markers feed stall detection.
func applyProgress(it *model.Item, v int, now time.Time) bool {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	if v <= it.Progress {
		return false
	}
	it.Progress = v
	it.LastProgressValue = v
	t := now
	it.LastProgressAt = &t
	return true
}

// applyStageEffects stamps the bookkeeping a freshly entered status
// implies. Progress is per stage: entering a transfer stage starts it
// over at zero and arms the stall timer. A self-loop is a progress
// update within the stage and keeps the markers.
func applyStageEffects(it *model.Item, from, to model.Status, now time.Time) {
	switch to {
	case model.StatusDownloading, model.StatusEncoding, model.StatusDelivering:
		if from == to {
			break
		}
		it.Progress = 0
		it.LastProgressValue = 0
		t := now
		it.LastProgressAt = &t
	case model.StatusDownloaded:
		t := now
		it.DownloadedAt = &t
	case model.StatusEncoded:
		t := now
		it.EncodedAt = &t
	case model.StatusCompleted:
		it.Progress = 100
		t := now
		it.DeliveredAt = &t
		it.CompletedAt = &t
	}
	if to != model.StatusDiscovered {
		it.CooldownEndsAt = nil
	}
}
