// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/pipearr/pipearr/internal/metrics"
	"github.com/pipearr/pipearr/internal/pipeline/model"
	"github.com/pipearr/pipearr/internal/pipeline/store"
)

// Gauges refreshes the per-status item gauge from the store. Statuses
// with no items are reset to zero so a drained status does not keep its
// last value.
type Gauges struct {
	st       store.Store
	interval time.Duration
	now      func() time.Time
}

// NewGauges builds the gauge refresher.
func NewGauges(st store.Store, interval time.Duration) *Gauges {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Gauges{st: st, interval: interval, now: realClock}
}

func (w *Gauges) ID() string              { return "gauges" }
func (w *Gauges) Interval() time.Duration { return w.interval }

func (w *Gauges) RunBatch(ctx context.Context) (err error) {
	defer observeRun(w.ID(), w.now(), err)

	counts, err := w.st.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count items by status: %w", err)
	}
	for _, s := range model.AllStatuses() {
		metrics.SetItemCount(string(s), counts[s])
	}
	return nil
}
