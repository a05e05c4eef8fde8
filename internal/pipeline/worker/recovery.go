// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/mediafile"
	"github.com/pipearr/pipearr/internal/pipeline/model"
	"github.com/pipearr/pipearr/internal/pipeline/orchestrator"
	"github.com/pipearr/pipearr/internal/pipeline/retry"
	"github.com/pipearr/pipearr/internal/torrent"
)

// RecoveryConfig tunes the recovery sweep.
type RecoveryConfig struct {
	Limits
	Interval time.Duration
	// MatchThreshold is the significant-word overlap above which a
	// torrent is accepted as the item's download.
	MatchThreshold float64
	// StuckDeliveryAge is how old a fully-delivered but uncompleted
	// item must be before the sweep reports it.
	StuckDeliveryAge time.Duration
}

func (c RecoveryConfig) withDefaults() RecoveryConfig {
	c.Limits = c.Limits.withDefaults()
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.MatchThreshold <= 0 {
		c.MatchThreshold = 0.8
	}
	if c.StuckDeliveryAge <= 0 {
		c.StuckDeliveryAge = time.Hour
	}
	return c
}

// Recovery re-associates downloading items whose torrent vanished from
// the client (or was never attached) by matching torrent names against
// the item's expected release. An orphan with no single match survives
// its first sighting and fails on the second, one sweep period later.
type Recovery struct {
	orc    *orchestrator.Orchestrator
	client torrent.Client
	dl     *Download
	cfg    RecoveryConfig
	now    func() time.Time
	logger zerolog.Logger

	// firstSeen tracks when an orphan was first observed, keyed by item
	// id. Tick-goroutine owned.
	firstSeen map[string]time.Time
}

// RecoveryOption configures the recovery worker.
type RecoveryOption func(*Recovery)

// WithRecoveryClock overrides the worker's time source.
func WithRecoveryClock(now func() time.Time) RecoveryOption {
	return func(w *Recovery) { w.now = now }
}

// NewRecovery builds the recovery worker. dl finalizes re-associated
// complete torrents through the regular download completion path.
func NewRecovery(orc *orchestrator.Orchestrator, client torrent.Client, dl *Download, cfg RecoveryConfig, opts ...RecoveryOption) *Recovery {
	w := &Recovery{
		orc:       orc,
		client:    client,
		dl:        dl,
		cfg:       cfg.withDefaults(),
		now:       orc.Clock(),
		logger:    log.WithComponent("worker.recovery"),
		firstSeen: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Recovery) ID() string              { return "recovery" }
func (w *Recovery) Interval() time.Duration { return w.cfg.Interval }

// RunBatch sweeps downloading items for orphans and reports delivering
// items stuck past full checkpoint coverage.
func (w *Recovery) RunBatch(ctx context.Context) (err error) {
	defer observeRun(w.ID(), w.now(), err)

	items, err := w.orc.ItemsForProcessing(ctx, []model.Status{model.StatusDownloading}, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim downloading items: %w", err)
	}

	var torrents []torrent.TorrentStatus
	if len(items) > 0 {
		torrents, err = w.client.List(ctx)
		if err != nil {
			return fmt.Errorf("list torrents: %w", err)
		}
	}
	byHash := make(map[string]*torrent.TorrentStatus, len(torrents))
	for i := range torrents {
		byHash[torrents[i].InfoHash] = &torrents[i]
	}

	seen := make(map[string]struct{}, len(items))
	for i := range items {
		it := items[i]
		if it.DownloadID != "" {
			if _, known := byHash[it.DownloadID]; known {
				continue
			}
		}
		seen[it.ID] = struct{}{}
		ictx := log.ContextWithWorker(log.ContextWithItemID(ctx, it.ID), w.ID())
		if perr := w.recoverOrphan(ictx, &it, torrents); perr != nil && !errors.Is(perr, errSkipItem) {
			if _, herr := w.orc.HandleError(ictx, it.ID, w.ID(), perr); herr != nil {
				w.logger.Error().
					Err(herr).
					Str(log.FieldEvent, "worker.handle_error_failed").
					Str(log.FieldItemID, it.ID).
					Msg("orphan error could not be recorded")
			}
		}
	}
	// Items no longer orphaned drop their sighting.
	for id := range w.firstSeen {
		if _, still := seen[id]; !still {
			delete(w.firstSeen, id)
		}
	}

	w.reportStuckDeliveries(ctx)
	return nil
}

// recoverOrphan matches one orphaned item against the client's torrents
// and re-associates on a single unambiguous match.
func (w *Recovery) recoverOrphan(ctx context.Context, it *model.Item, torrents []torrent.TorrentStatus) error {
	expected := w.expectedName(it)
	var matches []*torrent.TorrentStatus
	for i := range torrents {
		if mediafile.NameMatches(expected, torrents[i].Name, w.cfg.MatchThreshold) {
			matches = append(matches, &torrents[i])
		}
	}

	if len(matches) != 1 {
		first, sighted := w.firstSeen[it.ID]
		if !sighted {
			w.firstSeen[it.ID] = w.now()
			w.logger.Warn().
				Str(log.FieldEvent, "recovery.orphan_sighted").
				Str(log.FieldItemID, it.ID).
				Str(log.FieldTitle, it.Title).
				Int("matches", len(matches)).
				Msg("orphaned download, waiting one sweep before failing")
			return errSkipItem
		}
		if w.now().Sub(first) <= w.cfg.Interval {
			return errSkipItem
		}
		delete(w.firstSeen, it.ID)
		return retry.Mark(retry.ServiceTorrent, retry.KindNotFound,
			fmt.Errorf("download lost: %d torrents match %q", len(matches), expected))
	}

	match := matches[0]
	delete(w.firstSeen, it.ID)
	if _, err := w.orc.AttachDownload(ctx, it.ID, match.InfoHash); err != nil {
		return err
	}
	it.DownloadID = match.InfoHash
	if w.dl != nil {
		if err := w.dl.recordDownload(ctx, it, match.InfoHash, match.Name); err != nil {
			return err
		}
		if match.Complete {
			return w.dl.finalize(ctx, it, match)
		}
	}
	w.logger.Info().
		Str(log.FieldEvent, "recovery.reassociated").
		Str(log.FieldItemID, it.ID).
		Str(log.FieldInfoHash, match.InfoHash).
		Bool("complete", match.Complete).
		Msg("orphaned item re-associated, polling resumes")
	return nil
}

// expectedName derives the name the item's torrent should carry, from
// the selected release when one is recorded.
func (w *Recovery) expectedName(it *model.Item) string {
	if s := it.Context.Search; s != nil {
		if s.SelectedRelease != nil && s.SelectedRelease.Title != "" {
			return s.SelectedRelease.Title
		}
		if len(s.SelectedPacks) > 0 && s.SelectedPacks[0].Title != "" {
			return s.SelectedPacks[0].Title
		}
	}
	return it.SearchQuery()
}

// reportStuckDeliveries logs delivering items whose checkpoint covers
// every target but never completed. The deliver worker completes them
// on its next pass; this is the safety net that makes the crash window
// visible.
func (w *Recovery) reportStuckDeliveries(ctx context.Context) {
	items, err := w.orc.ItemsForProcessing(ctx, []model.Status{model.StatusDelivering}, w.cfg.BatchSize)
	if err != nil {
		w.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "recovery.delivering_scan_failed").
			Msg("delivering items not scanned")
		return
	}
	now := w.now()
	for i := range items {
		it := &items[i]
		if now.Sub(it.UpdatedAt) < w.cfg.StuckDeliveryAge {
			continue
		}
		req, err := w.orc.GetRequest(ctx, it.RequestID)
		if err != nil {
			continue
		}
		targetIDs := make([]string, len(req.Targets))
		for j, t := range req.Targets {
			targetIDs[j] = t.ServerID
		}
		if it.Checkpoint.Covers(targetIDs) {
			w.logger.Warn().
				Str(log.FieldEvent, "recovery.delivery_uncompleted").
				Str(log.FieldItemID, it.ID).
				Time("updated_at", it.UpdatedAt).
				Msg("fully delivered item awaiting completion")
		}
	}
}
