// SPDX-License-Identifier: MIT

// Package fsm holds the pipeline status graph. It is intentionally
// strict: every transition not listed here is an error, including
// exits from terminal statuses. Only the active stages (downloading,
// encoding, delivering) may self-loop, for progress updates. State
// itself lives in the store; this package only answers whether an
// edge exists.
package fsm

import (
	"fmt"

	"github.com/pipearr/pipearr/internal/pipeline/model"
)

// transitions maps each status to the statuses it may move to.
var transitions = map[model.Status][]model.Status{
	model.StatusPending:     {model.StatusSearching, model.StatusCancelled, model.StatusFailed},
	model.StatusSearching:   {model.StatusFound, model.StatusDiscovered, model.StatusPending, model.StatusFailed, model.StatusCancelled},
	model.StatusFound:       {model.StatusDownloading, model.StatusPending, model.StatusFailed, model.StatusCancelled},
	model.StatusDiscovered:  {model.StatusSearching, model.StatusPending, model.StatusFailed, model.StatusCancelled},
	model.StatusDownloading: {model.StatusDownloading, model.StatusDownloaded, model.StatusPending, model.StatusFailed, model.StatusCancelled},
	model.StatusDownloaded:  {model.StatusEncoding, model.StatusPending, model.StatusFailed, model.StatusCancelled},
	model.StatusEncoding:    {model.StatusEncoding, model.StatusEncoded, model.StatusPending, model.StatusFailed, model.StatusCancelled},
	model.StatusEncoded:     {model.StatusDelivering, model.StatusPending, model.StatusFailed, model.StatusCancelled},
	model.StatusDelivering:  {model.StatusDelivering, model.StatusCompleted, model.StatusEncoded, model.StatusPending, model.StatusFailed, model.StatusCancelled},
	model.StatusCompleted:   nil,
	model.StatusFailed:      nil,
	model.StatusCancelled:   nil,
}

// InvalidTransitionError reports a rejected edge.
type InvalidTransitionError struct {
	From model.Status
	To   model.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to model.Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Validate returns an *InvalidTransitionError when the edge does not
// exist, nil otherwise.
func Validate(from, to model.Status) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// ValidTargets returns the statuses reachable from the given status in
// table order. Terminal statuses yield nil.
func ValidTargets(from model.Status) []model.Status {
	src := transitions[from]
	if len(src) == 0 {
		return nil
	}
	out := make([]model.Status, len(src))
	copy(out, src)
	return out
}
