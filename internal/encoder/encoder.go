// SPDX-License-Identifier: MIT

// Package encoder dispatches encode jobs to an external encoder pool
// and mirrors their remote state into encoder assignments.
package encoder

import (
	"context"

	"github.com/pipearr/pipearr/internal/pipeline/model"
)

// Job describes one encode handed to the pool.
type Job struct {
	ItemID     string `json:"itemId"`
	InputPath  string `json:"inputPath"`
	OutputPath string `json:"outputPath"`
	Codec      string `json:"codec"`
	Preset     string `json:"preset"`
	CRF        int    `json:"crf"`
	MaxHeight  int    `json:"maxHeight,omitempty"`
}

// Dispatcher is the encode worker's view of the encoder pool.
type Dispatcher interface {
	// EncoderCount reports how many encoders can accept work right now.
	EncoderCount(ctx context.Context) (int, error)

	// Queue submits the job and returns the pool's assignment for it.
	Queue(ctx context.Context, job Job) (*model.EncoderAssignment, error)

	// Refresh fetches the job's current remote state and persists the
	// updated assignment row.
	Refresh(ctx context.Context, jobID string) (*model.EncoderAssignment, error)

	// Cancel asks the pool to stop the job. A job the pool no longer
	// knows is not an error.
	Cancel(ctx context.Context, jobID string) error
}
