// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pipearr/pipearr/internal/config"
	"github.com/pipearr/pipearr/internal/delivery"
	"github.com/pipearr/pipearr/internal/library"
	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/metrics"
	"github.com/pipearr/pipearr/internal/pipeline/model"
	"github.com/pipearr/pipearr/internal/pipeline/orchestrator"
	"github.com/pipearr/pipearr/internal/pipeline/retry"
)

// DeliverConfig tunes the deliver worker.
type DeliverConfig struct {
	Limits
	Interval time.Duration
	// ServerConcurrency caps parallel uploads per server when the server
	// record names no limit of its own.
	ServerConcurrency int
	// StartRatePerSecond limits how many uploads per server may start
	// per second.
	StartRatePerSecond float64
	// Cleanup removes the local encoded artifact after the item
	// completes.
	Cleanup bool
}

func (c DeliverConfig) withDefaults() DeliverConfig {
	c.Limits = c.Limits.withDefaults()
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.ServerConcurrency <= 0 {
		c.ServerConcurrency = 3
	}
	if c.StartRatePerSecond <= 0 {
		c.StartRatePerSecond = 1
	}
	return c
}

// ServerSource resolves delivery server records by id. The config
// Holder's current snapshot backs it in the daemon.
type ServerSource interface {
	ServerByID(id string) (config.Server, bool)
}

// deliveryOutcome is what one upload goroutine reports back to the tick
// loop.
type deliveryOutcome struct {
	itemID   string
	serverID string
	result   model.DeliveryResult
	err      error
}

// Deliver fans encoded files out to every target server of the item's
// request. Uploads run in goroutines; the durable per-server outcome
// lands in the item's checkpoint the moment it is known, so a crash
// never re-uploads to a server that already has the file. All worker
// maps are owned by the tick goroutine and the reap channel is the only
// way results come back in.
type Deliver struct {
	orc       *orchestrator.Orchestrator
	transport delivery.Transport
	servers   ServerSource
	lib       library.Index
	cfg       DeliverConfig
	now       func() time.Time
	logger    zerolog.Logger

	active    map[string]struct{}             // itemID|serverID
	perServer map[string]int                  // running uploads per server
	limiters  map[string]*rate.Limiter        // upload starts per server
	results   map[string][]model.DeliveryResult // finished uploads per item
	outcomes  chan deliveryOutcome
	wg        sync.WaitGroup
}

// DeliverOption configures the deliver worker.
type DeliverOption func(*Deliver)

// WithDeliverClock overrides the worker's time source.
func WithDeliverClock(now func() time.Time) DeliverOption {
	return func(w *Deliver) { w.now = now }
}

// NewDeliver builds the deliver worker. lib may be nil when no library
// index is configured.
func NewDeliver(orc *orchestrator.Orchestrator, transport delivery.Transport, servers ServerSource, lib library.Index, cfg DeliverConfig, opts ...DeliverOption) *Deliver {
	w := &Deliver{
		orc:       orc,
		transport: transport,
		servers:   servers,
		lib:       lib,
		cfg:       cfg.withDefaults(),
		now:       orc.Clock(),
		logger:    log.WithComponent("worker.deliver"),
		active:    make(map[string]struct{}),
		perServer: make(map[string]int),
		limiters:  make(map[string]*rate.Limiter),
		results:   make(map[string][]model.DeliveryResult),
		outcomes:  make(chan deliveryOutcome, 256),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Deliver) ID() string              { return "deliver" }
func (w *Deliver) Interval() time.Duration { return w.cfg.Interval }

// Drain waits for in-flight uploads, for shutdown and tests.
func (w *Deliver) Drain() { w.wg.Wait() }

// RunBatch reaps finished uploads, completes covered items, and starts
// new uploads within the per-server limits.
func (w *Deliver) RunBatch(ctx context.Context) (err error) {
	defer observeRun(w.ID(), w.now(), err)

	w.reap()

	items, err := w.orc.ItemsForProcessing(ctx, []model.Status{model.StatusEncoded, model.StatusDelivering}, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim deliver items: %w", err)
	}
	for i := range items {
		it := items[i]
		ictx := log.ContextWithWorker(log.ContextWithItemID(ctx, it.ID), w.ID())
		perr := w.processItem(ictx, &it)
		switch {
		case perr == nil:
			metrics.RecordWorkerItem(w.ID(), outcomeSuccess)
		case errors.Is(perr, errSkipItem):
			metrics.RecordWorkerItem(w.ID(), outcomeSkipped)
		case errors.Is(perr, context.Canceled):
		case isStaleClaim(perr):
			metrics.RecordWorkerItem(w.ID(), outcomeSkipped)
			w.logger.Warn().
				Err(perr).
				Str(log.FieldEvent, "worker.stale_claim").
				Str(log.FieldItemID, it.ID).
				Msg("item moved since it was claimed, left for the next pass")
		default:
			metrics.RecordWorkerItem(w.ID(), outcomeFailure)
			if _, herr := w.orc.HandleError(ictx, it.ID, w.ID(), perr); herr != nil {
				w.logger.Error().
					Err(herr).
					Str(log.FieldEvent, "worker.handle_error_failed").
					Str(log.FieldItemID, it.ID).
					Msg("item error could not be recorded")
			}
		}
	}
	return nil
}

// reap drains the outcome channel and releases the slots of finished
// uploads. The durable side (checkpoint, library index) already
// happened in the goroutine.
func (w *Deliver) reap() {
	for {
		select {
		case out := <-w.outcomes:
			delete(w.active, out.itemID+"|"+out.serverID)
			if w.perServer[out.serverID] > 0 {
				w.perServer[out.serverID]--
			}
			if out.err == nil {
				w.results[out.itemID] = append(w.results[out.itemID], out.result)
			}
		default:
			return
		}
	}
}

func (w *Deliver) processItem(ctx context.Context, it *model.Item) error {
	req, err := w.orc.GetRequest(ctx, it.RequestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", it.RequestID, err)
	}
	if len(req.Targets) == 0 {
		return retry.Mark(retry.ServiceDelivery, retry.KindValidation, errors.New("request has no delivery targets"))
	}
	ec := it.Context.Encode
	if ec == nil || ec.EncodedFile == "" {
		return retry.Mark(retry.ServiceDelivery, retry.KindValidation, errors.New("encoded item has no artifact"))
	}

	targetIDs := make([]string, len(req.Targets))
	for i, t := range req.Targets {
		targetIDs[i] = t.ServerID
	}

	if it.Status == model.StatusDelivering && !w.itemActive(it.ID) {
		if it.Checkpoint.Covers(targetIDs) {
			return w.complete(ctx, it, req, ec)
		}
		if done, err := w.settleFailures(ctx, it, targetIDs); done || err != nil {
			return err
		}
	}

	return w.startUploads(ctx, it, req, ec)
}

// itemActive reports whether any upload of the item is still running.
func (w *Deliver) itemActive(itemID string) bool {
	prefix := itemID + "|"
	for key := range w.active {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// settleFailures reacts to an item whose remaining servers all failed.
// All targets failed with no success is a stage error; a partial
// failure re-enters encoded keeping the delivered servers, so the next
// pass retries only the missing ones.
func (w *Deliver) settleFailures(ctx context.Context, it *model.Item, targetIDs []string) (bool, error) {
	cp := it.Checkpoint
	if cp == nil || len(cp.FailedServers) == 0 {
		return false, nil
	}
	outstanding := 0
	failed := 0
	var reason string
	for _, id := range targetIDs {
		if cp.Delivered(id) {
			continue
		}
		outstanding++
		if msg, ok := cp.FailedServers[id]; ok {
			failed++
			if reason == "" {
				reason = msg
			}
		}
	}
	if outstanding == 0 || failed < outstanding {
		return false, nil
	}

	if len(cp.DeliveredServers) == 0 {
		return true, retry.Tag(retry.ServiceDelivery, fmt.Errorf("all %d target servers failed: %s", failed, reason))
	}
	_, err := w.orc.Transition(ctx, it.ID, model.StatusEncoded,
		orchestrator.WithStep("delivery_partial"))
	if err != nil {
		return true, err
	}
	w.logger.Warn().
		Str(log.FieldEvent, "deliver.partial").
		Str(log.FieldItemID, it.ID).
		Int("delivered", len(cp.DeliveredServers)).
		Int("failed", failed).
		Msg("partial delivery, missing servers retried next pass")
	return true, nil
}

// complete closes out an item whose checkpoint covers every target.
func (w *Deliver) complete(ctx context.Context, it *model.Item, req *model.Request, ec *model.EncodeContext) error {
	results := w.collectResults(it, req, ec)

	_, err := w.orc.Transition(ctx, it.ID, model.StatusCompleted,
		orchestrator.WithStep("delivered"),
		orchestrator.WithProgress(100),
		orchestrator.WithContextPatch(model.StepContext{Deliver: &model.DeliverContext{
			StartedAt:       startedAt(it),
			DeliveryResults: results,
		}}))
	if err != nil {
		return err
	}
	delete(w.results, it.ID)

	if w.cfg.Cleanup {
		if rmErr := os.Remove(ec.EncodedFile); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			w.logger.Warn().
				Err(rmErr).
				Str(log.FieldEvent, "deliver.cleanup_failed").
				Str(log.FieldItemID, it.ID).
				Str(log.FieldPath, ec.EncodedFile).
				Msg("encoded artifact not removed")
		} else {
			// The sidecar goes with the artifact.
			_ = os.Remove(ec.EncodedFile + ".json")
		}
	}
	w.logger.Info().
		Str(log.FieldEvent, "deliver.completed").
		Str(log.FieldItemID, it.ID).
		Str(log.FieldRequestID, it.RequestID).
		Int("servers", len(results)).
		Msg("item delivered to all targets")
	return nil
}

// collectResults builds one delivery result per target server, from the
// outcomes observed this process or synthesized from the checkpoint
// after a restart.
func (w *Deliver) collectResults(it *model.Item, req *model.Request, ec *model.EncodeContext) []model.DeliveryResult {
	observed := make(map[string]model.DeliveryResult, len(w.results[it.ID]))
	for _, r := range w.results[it.ID] {
		observed[r.ServerID] = r
	}
	now := w.now()
	out := make([]model.DeliveryResult, 0, len(req.Targets))
	for _, t := range req.Targets {
		if r, ok := observed[t.ServerID]; ok {
			out = append(out, r)
			continue
		}
		r := model.DeliveryResult{
			ServerID:   t.ServerID,
			ServerName: t.ServerName,
			Bytes:      ec.EncodedFileSize,
			At:         now,
		}
		if srv, ok := w.servers.ServerByID(t.ServerID); ok {
			r.Path = w.destination(srv, it, ec)
		}
		out = append(out, r)
	}
	return out
}

// startUploads begins an upload for every target server that is not
// delivered, not in flight, and within the server's concurrency and
// start-rate limits.
func (w *Deliver) startUploads(ctx context.Context, it *model.Item, req *model.Request, ec *model.EncodeContext) error {
	delivered := 0
	for _, t := range req.Targets {
		if it.Checkpoint.Delivered(t.ServerID) {
			delivered++
		}
	}

	started := 0
	for _, t := range req.Targets {
		if it.Checkpoint.Delivered(t.ServerID) {
			continue
		}
		key := it.ID + "|" + t.ServerID
		if _, ok := w.active[key]; ok {
			continue
		}
		srv, ok := w.servers.ServerByID(t.ServerID)
		if !ok {
			if _, err := w.orc.MarkDeliveryFailed(ctx, it.ID, t.ServerID, "server not configured"); err != nil {
				return err
			}
			continue
		}
		if w.perServer[t.ServerID] >= w.serverLimit(srv) {
			continue
		}
		if !w.limiterFor(srv).AllowN(w.now(), 1) {
			continue
		}

		if it.Status == model.StatusEncoded {
			item, err := w.orc.Transition(ctx, it.ID, model.StatusDelivering,
				orchestrator.WithStep("delivering"),
				orchestrator.WithCheckpointInit(&model.Checkpoint{}),
				orchestrator.WithContextPatch(model.StepContext{Deliver: &model.DeliverContext{
					StartedAt: timePtr(w.now()),
				}}))
			if err != nil {
				return err
			}
			*it = *item
		}

		w.active[key] = struct{}{}
		w.perServer[t.ServerID]++
		started++
		w.launch(ctx, it, srv, t, ec, delivered, len(req.Targets))
	}

	if started == 0 && !w.itemActive(it.ID) {
		// Nothing to do and nothing running: capacity or rate held the
		// item back this tick.
		if it.Status == model.StatusDelivering || it.Status == model.StatusEncoded {
			return errSkipItem
		}
	}
	return nil
}

func (w *Deliver) serverLimit(srv config.Server) int {
	if srv.Concurrency > 0 {
		return srv.Concurrency
	}
	return w.cfg.ServerConcurrency
}

// limiterFor returns the server's start-rate limiter. The burst equals
// the server's upload slots, so a fresh tick may fill them at once and
// the rate only throttles sustained churn.
func (w *Deliver) limiterFor(srv config.Server) *rate.Limiter {
	l, ok := w.limiters[srv.ID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(w.cfg.StartRatePerSecond), w.serverLimit(srv))
		w.limiters[srv.ID] = l
	}
	return l
}

// launch starts one upload goroutine. The goroutine owns the durable
// outcome (checkpoint mark, library upsert) and reports the slot back
// over the outcome channel.
func (w *Deliver) launch(ctx context.Context, it *model.Item, srv config.Server, target model.Target, ec *model.EncodeContext, deliveredBefore, totalTargets int) {
	itemID := it.ID
	item := *it
	dest := w.destination(srv, it, ec)
	size := ec.EncodedFileSize
	local := ec.EncodedFile
	resolution := model.ResolutionLabel(ec.Resolution)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		start := w.now()

		onProgress := func(bytes int64) {
			if size <= 0 || totalTargets == 0 {
				return
			}
			overall := (int64(deliveredBefore)*size + bytes) * 100 / (size * int64(totalTargets))
			_, _ = w.orc.UpdateProgress(ctx, itemID, int(overall))
		}

		n, err := w.deliverOne(ctx, srv, local, dest, size, onProgress)
		if err != nil {
			_, merr := w.orc.MarkDeliveryFailed(ctx, itemID, target.ServerID, err.Error())
			if merr != nil {
				w.logger.Error().
					Err(merr).
					Str(log.FieldEvent, "deliver.checkpoint_failed").
					Str(log.FieldItemID, itemID).
					Str(log.FieldServerID, target.ServerID).
					Msg("delivery failure not checkpointed")
			}
			w.outcomes <- deliveryOutcome{itemID: itemID, serverID: target.ServerID, err: err}
			return
		}

		if _, err := w.orc.MarkDelivered(ctx, itemID, target.ServerID); err != nil {
			w.logger.Error().
				Err(err).
				Str(log.FieldEvent, "deliver.checkpoint_failed").
				Str(log.FieldItemID, itemID).
				Str(log.FieldServerID, target.ServerID).
				Msg("delivery success not checkpointed")
			w.outcomes <- deliveryOutcome{itemID: itemID, serverID: target.ServerID, err: err}
			return
		}
		if w.lib != nil {
			if err := w.lib.Upsert(ctx, library.Item{
				CatalogID:   item.CatalogID,
				MediaType:   mediaTypeOf(&item),
				Title:       item.Title,
				Year:        item.Year,
				Season:      item.Season,
				Episode:     item.Episode,
				ServerID:    target.ServerID,
				Path:        dest,
				SizeBytes:   size,
				Resolution:  resolution,
				DeliveredAt: w.now(),
			}); err != nil {
				w.logger.Warn().
					Err(err).
					Str(log.FieldEvent, "deliver.index_failed").
					Str(log.FieldItemID, itemID).
					Str(log.FieldServerID, target.ServerID).
					Msg("library index not updated")
			}
		}
		w.outcomes <- deliveryOutcome{
			itemID:   itemID,
			serverID: target.ServerID,
			result: model.DeliveryResult{
				ServerID:   target.ServerID,
				ServerName: target.ServerName,
				Path:       dest,
				Bytes:      n,
				DurationMs: w.now().Sub(start).Milliseconds(),
				At:         w.now(),
			},
		}
	}()
}

// deliverOne streams the file, unless the destination already holds a
// file of the right size from an interrupted earlier run.
func (w *Deliver) deliverOne(ctx context.Context, srv config.Server, local, dest string, size int64, onProgress func(int64)) (int64, error) {
	if info, err := w.transport.Stat(ctx, srv.ID, dest); err == nil && info != nil && size > 0 && info.Size == size {
		w.logger.Info().
			Str(log.FieldEvent, "deliver.already_present").
			Str(log.FieldServerID, srv.ID).
			Str(log.FieldRemotePath, dest).
			Msg("destination already has the file")
		return info.Size, nil
	}
	return w.transport.Deliver(ctx, srv.ID, local, dest, onProgress)
}

// destination builds the media path for the item on one server.
func (w *Deliver) destination(srv config.Server, it *model.Item, ec *model.EncodeContext) string {
	label := model.ResolutionLabel(ec.Resolution)
	if it.Kind == model.KindEpisode {
		return delivery.EpisodePath(srv.Root, it.Title, it.Year, it.Season, it.Episode, label)
	}
	return delivery.MoviePath(srv.Root, it.Title, it.Year, label)
}

func mediaTypeOf(it *model.Item) model.MediaType {
	if it.Kind == model.KindEpisode {
		return model.MediaTypeTV
	}
	return model.MediaTypeMovie
}

func startedAt(it *model.Item) *time.Time {
	if it.Context.Deliver != nil && it.Context.Deliver.StartedAt != nil {
		return it.Context.Deliver.StartedAt
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }
