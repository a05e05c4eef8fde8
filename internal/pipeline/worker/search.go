// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipearr/pipearr/internal/config"
	"github.com/pipearr/pipearr/internal/indexer"
	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/mediafile"
	"github.com/pipearr/pipearr/internal/pipeline/model"
	"github.com/pipearr/pipearr/internal/pipeline/orchestrator"
	"github.com/pipearr/pipearr/internal/torrent"
)

// SearchConfig tunes the search worker.
type SearchConfig struct {
	Limits
	Interval time.Duration
	// DiscoveryCooldown is how long an item with zero indexer results
	// waits before it is searched again.
	DiscoveryCooldown time.Duration
	// DefaultResolution applies when the request's template names no
	// encode height.
	DefaultResolution int
	// Alternatives caps how many runner-up releases are recorded.
	Alternatives int
	// AdoptThreshold is the significant-word overlap above which an
	// existing torrent is adopted instead of grabbing a new release.
	AdoptThreshold float64
}

func (c SearchConfig) withDefaults() SearchConfig {
	c.Limits = c.Limits.withDefaults()
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.DiscoveryCooldown <= 0 {
		c.DiscoveryCooldown = 6 * time.Hour
	}
	if c.DefaultResolution <= 0 {
		c.DefaultResolution = 1080
	}
	if c.Alternatives <= 0 {
		c.Alternatives = 5
	}
	if c.AdoptThreshold <= 0 {
		c.AdoptThreshold = 0.8
	}
	return c
}

// Search selects a release for pending items. Items with no usable
// release enter discovered (nothing found, retried after a cooldown) or
// stay in searching with alternatives recorded (quality unavailable,
// waiting on an external choice).
type Search struct {
	orc       *orchestrator.Orchestrator
	idx       indexer.Client
	client    torrent.Client
	templates TemplateSource
	cfg       SearchConfig
	now       func() time.Time
	logger    zerolog.Logger
}

// SearchOption configures the search worker.
type SearchOption func(*Search)

// WithSearchClock overrides the worker's time source.
func WithSearchClock(now func() time.Time) SearchOption {
	return func(w *Search) { w.now = now }
}

// NewSearch builds the search worker. client may be nil when no torrent
// client is configured; existing-download adoption is skipped then.
func NewSearch(orc *orchestrator.Orchestrator, idx indexer.Client, client torrent.Client, templates TemplateSource, cfg SearchConfig, opts ...SearchOption) *Search {
	w := &Search{
		orc:       orc,
		idx:       idx,
		client:    client,
		templates: templates,
		cfg:       cfg.withDefaults(),
		now:       orc.Clock(),
		logger:    log.WithComponent("worker.search"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Search) ID() string              { return "search" }
func (w *Search) Interval() time.Duration { return w.cfg.Interval }

// RunBatch resumes discovered items whose cooldown elapsed, then works
// through the eligible pending items.
func (w *Search) RunBatch(ctx context.Context) (err error) {
	defer observeRun(w.ID(), w.now(), err)

	resumed, err := w.orc.ItemsWithElapsedCooldown(ctx, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim discovered items: %w", err)
	}
	runItems(ctx, w.ID(), resumed, w.cfg.Concurrency, w.orc, w.logger, func(ctx context.Context, it *model.Item) error {
		item, terr := w.orc.Transition(ctx, it.ID, model.StatusSearching, orchestrator.WithStep("search_resumed"))
		if terr != nil {
			return terr
		}
		return w.search(ctx, item)
	})

	items, err := w.orc.ItemsForProcessing(ctx, []model.Status{model.StatusPending}, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim pending items: %w", err)
	}
	runItems(ctx, w.ID(), items, w.cfg.Concurrency, w.orc, w.logger, w.processPending)
	return nil
}

func (w *Search) processPending(ctx context.Context, it *model.Item) error {
	// A download attached by an earlier pass (or by recovery) makes
	// searching redundant. The item still passes through searching, the
	// only way out of pending.
	if it.DownloadID != "" {
		if _, err := w.orc.Transition(ctx, it.ID, model.StatusSearching,
			orchestrator.WithStep("search_skipped")); err != nil {
			return err
		}
		_, err := w.orc.Transition(ctx, it.ID, model.StatusFound,
			orchestrator.WithStep("search_skipped"),
			orchestrator.WithContextPatch(model.StepContext{Search: &model.SearchContext{
				Skipped:    true,
				SkipReason: "download already attached",
			}}))
		return err
	}

	item, err := w.orc.Transition(ctx, it.ID, model.StatusSearching, orchestrator.WithStep("searching"))
	if err != nil {
		return err
	}
	return w.search(ctx, item)
}

// search runs on an item already in searching and either selects a
// release, adopts an existing torrent, or parks the item.
func (w *Search) search(ctx context.Context, it *model.Item) error {
	req, err := w.orc.GetRequest(ctx, it.RequestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", it.RequestID, err)
	}
	required := w.requiredResolution(req)

	if it.Kind == model.KindMovie {
		if adopted, err := w.adoptExisting(ctx, it, required); err != nil {
			return err
		} else if adopted {
			return nil
		}
	}

	releases, err := w.query(ctx, it)
	if err != nil {
		return err
	}

	if len(releases) == 0 {
		until := w.now().Add(w.cfg.DiscoveryCooldown)
		_, err := w.orc.Transition(ctx, it.ID, model.StatusDiscovered,
			orchestrator.WithStep("no_releases"),
			orchestrator.WithCooldown(until))
		return err
	}

	var packs, singles []model.Release
	if it.Kind == model.KindEpisode {
		for _, r := range releases {
			switch mediafile.Classify(r.Title, it.Season) {
			case mediafile.KindSeasonPack:
				packs = append(packs, r)
			case mediafile.KindEpisode:
				if mediafile.MatchesEpisode(r.Title, it.Season, it.Episode) {
					singles = append(singles, r)
				}
			}
		}
	} else {
		singles = releases
	}

	quality := indexer.MinResolution(required)
	matchingPacks, belowPacks := indexer.Partition(packs, quality)
	matchingSingles, belowSingles := indexer.Partition(singles, quality)

	// Season packs cover the whole request with one download, so a
	// matching pack wins over individual episodes.
	if len(matchingPacks) > 0 {
		indexer.Rank(matchingPacks)
		_, err := w.orc.Transition(ctx, it.ID, model.StatusFound,
			orchestrator.WithStep("release_selected"),
			orchestrator.WithContextPatch(model.StepContext{Search: &model.SearchContext{
				SelectedPacks:       matchingPacks[:1],
				AlternativeReleases: indexer.Top(matchingPacks[1:], w.cfg.Alternatives),
			}}))
		return err
	}

	if len(matchingSingles) > 0 {
		indexer.Rank(matchingSingles)
		_, err := w.orc.Transition(ctx, it.ID, model.StatusFound,
			orchestrator.WithStep("release_selected"),
			orchestrator.WithContextPatch(model.StepContext{Search: &model.SearchContext{
				SelectedRelease:     &matchingSingles[0],
				AlternativeReleases: indexer.Top(matchingSingles[1:], w.cfg.Alternatives),
			}}))
		return err
	}

	// Releases exist but none meet the quality bar. Record the best of
	// the rest and wait for an external choice; no automatic retry.
	below := append(belowPacks, belowSingles...)
	indexer.Rank(below)
	qualityMet := false
	if _, err := w.orc.UpdateStepContext(ctx, it.ID, model.StepContext{Search: &model.SearchContext{
		AlternativeReleases: indexer.Top(below, w.cfg.Alternatives),
		QualityMet:          &qualityMet,
	}}); err != nil {
		return err
	}
	w.logger.Info().
		Str(log.FieldEvent, "search.quality_unavailable").
		Str(log.FieldItemID, it.ID).
		Str(log.FieldTitle, it.Title).
		Int(log.FieldResolution, required).
		Int("below_threshold", len(below)).
		Msg("no release meets the required quality")
	return nil
}

func (w *Search) query(ctx context.Context, it *model.Item) ([]model.Release, error) {
	if it.Kind == model.KindEpisode {
		return w.idx.SearchTVSeason(ctx, indexer.SeasonQuery{
			CatalogID: it.CatalogID,
			Title:     it.Title,
			Season:    it.Season,
		})
	}
	return w.idx.SearchMovie(ctx, indexer.MovieQuery{
		CatalogID: it.CatalogID,
		Title:     it.Title,
		Year:      it.Year,
	})
}

// adoptExisting scans the torrent client for a torrent that already is
// this movie at sufficient quality. Adopting skips the indexer round
// trip and, when the torrent is complete, most of the download stage.
func (w *Search) adoptExisting(ctx context.Context, it *model.Item, required int) (bool, error) {
	if w.client == nil {
		return false, nil
	}
	torrents, err := w.client.List(ctx)
	if err != nil {
		// Adoption is an optimization; a down torrent client must not
		// fail the search.
		w.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "search.adopt_list_failed").
			Str(log.FieldItemID, it.ID).
			Msg("torrent list unavailable, searching indexers instead")
		return false, nil
	}

	query := it.SearchQuery()
	var best *torrent.TorrentStatus
	for i := range torrents {
		t := &torrents[i]
		if !mediafile.NameMatches(query, t.Name, w.cfg.AdoptThreshold) {
			continue
		}
		if model.ParseResolution(t.Name) < required {
			continue
		}
		if best == nil || (t.Complete && !best.Complete) {
			best = t
		}
	}
	if best == nil {
		return false, nil
	}

	_, err = w.orc.Transition(ctx, it.ID, model.StatusFound,
		orchestrator.WithStep("existing_download"),
		orchestrator.WithContextPatch(model.StepContext{Search: &model.SearchContext{
			ExistingDownload: &model.ExistingDownload{
				InfoHash: best.InfoHash,
				Complete: best.Complete,
			},
		}}))
	if err != nil {
		return false, err
	}
	w.logger.Info().
		Str(log.FieldEvent, "search.existing_adopted").
		Str(log.FieldItemID, it.ID).
		Str(log.FieldInfoHash, best.InfoHash).
		Bool("complete", best.Complete).
		Msg("existing torrent adopted")
	return true, nil
}

// requiredResolution reads the encode height from the request's
// pipeline template.
func (w *Search) requiredResolution(req *model.Request) int {
	if w.templates == nil {
		return w.cfg.DefaultResolution
	}
	tpl := w.templates.Template(req.Template)
	return tpl.FindStep(config.StepEncode).ConfigInt("maxHeight", w.cfg.DefaultResolution)
}
