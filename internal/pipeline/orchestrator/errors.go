// SPDX-License-Identifier: MIT

package orchestrator

import (
	"fmt"
	"strings"

	"github.com/pipearr/pipearr/internal/pipeline/model"
)

// RequestValidationError reports why a request could not be created.
type RequestValidationError struct {
	Problems []string
}

func (e *RequestValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Problems, "; ")
}

// ValidationError reports the entry/exit requirements a transition
// failed to meet. The transition itself was legal on the status graph.
type ValidationError struct {
	ItemID     string
	From       model.Status
	To         model.Status
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("transition %s -> %s refused for item %s: %s",
		e.From, e.To, e.ItemID, strings.Join(e.Violations, "; "))
}

// NotRetryableError reports a Retry call on an item outside the
// failed/cancelled states.
type NotRetryableError struct {
	ItemID string
	Status model.Status
}

func (e *NotRetryableError) Error() string {
	return fmt.Sprintf("item %s in status %s cannot be retried", e.ItemID, e.Status)
}
