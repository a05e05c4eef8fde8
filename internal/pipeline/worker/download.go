// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/pipearr/pipearr/internal/archive"
	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/mediafile"
	"github.com/pipearr/pipearr/internal/pipeline/model"
	"github.com/pipearr/pipearr/internal/pipeline/orchestrator"
	"github.com/pipearr/pipearr/internal/pipeline/retry"
	"github.com/pipearr/pipearr/internal/pipeline/store"
	"github.com/pipearr/pipearr/internal/torrent"
)

// DownloadConfig tunes the download worker.
type DownloadConfig struct {
	Limits
	Interval time.Duration
	// WallTimeout bounds the total time a torrent may take.
	WallTimeout time.Duration
	// StallTimeout bounds the time without progress advance.
	StallTimeout time.Duration
	// Category and SavePath are handed to the torrent client on add.
	Category string
	SavePath string
}

func (c DownloadConfig) withDefaults() DownloadConfig {
	c.Limits = c.Limits.withDefaults()
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.WallTimeout <= 0 {
		c.WallTimeout = 24 * time.Hour
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 10 * time.Minute
	}
	return c
}

// Download grabs selected releases with the torrent client and watches
// them to completion. Found items are started (or an existing torrent
// adopted); downloading items are polled, stall-checked and finalized.
type Download struct {
	orc       *orchestrator.Orchestrator
	st        store.Store
	client    torrent.Client
	extractor archive.Extractor
	cfg       DownloadConfig
	now       func() time.Time
	logger    zerolog.Logger
}

// DownloadOption configures the download worker.
type DownloadOption func(*Download)

// WithDownloadClock overrides the worker's time source.
func WithDownloadClock(now func() time.Time) DownloadOption {
	return func(w *Download) { w.now = now }
}

// NewDownload builds the download worker.
func NewDownload(orc *orchestrator.Orchestrator, st store.Store, client torrent.Client, extractor archive.Extractor, cfg DownloadConfig, opts ...DownloadOption) *Download {
	w := &Download{
		orc:       orc,
		st:        st,
		client:    client,
		extractor: extractor,
		cfg:       cfg.withDefaults(),
		now:       orc.Clock(),
		logger:    log.WithComponent("worker.download"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Download) ID() string              { return "download" }
func (w *Download) Interval() time.Duration { return w.cfg.Interval }

// RunBatch starts found items and polls downloading ones.
func (w *Download) RunBatch(ctx context.Context) (err error) {
	defer observeRun(w.ID(), w.now(), err)

	items, err := w.orc.ItemsForProcessing(ctx, []model.Status{model.StatusFound, model.StatusDownloading}, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim download items: %w", err)
	}
	runItems(ctx, w.ID(), items, w.cfg.Concurrency, w.orc, w.logger, w.processItem)
	return nil
}

func (w *Download) processItem(ctx context.Context, it *model.Item) error {
	switch it.Status {
	case model.StatusFound:
		return w.start(ctx, it)
	case model.StatusDownloading:
		return w.poll(ctx, it)
	default:
		// A sibling finalization may have advanced the item between
		// claim and dispatch.
		return errSkipItem
	}
}

// start moves a found item into downloading, either by adopting an
// existing torrent or by adding the selected release.
func (w *Download) start(ctx context.Context, it *model.Item) error {
	sctx := it.Context.Search
	if sctx == nil {
		return retry.Mark(retry.ServiceTorrent, retry.KindValidation, errors.New("found item has no search context"))
	}

	if sctx.ExistingDownload != nil {
		hash := sctx.ExistingDownload.InfoHash
		if err := w.recordDownload(ctx, it, hash, ""); err != nil {
			return err
		}
		_, err := w.orc.Transition(ctx, it.ID, model.StatusDownloading,
			orchestrator.WithStep("download_adopted"),
			orchestrator.WithDownloadID(hash),
			orchestrator.WithContextPatch(model.StepContext{Download: w.startedContext()}))
		// A complete adopted torrent is finalized on the next poll.
		return err
	}

	candidates := make([]model.Release, 0, 1+len(sctx.SelectedPacks))
	if sctx.SelectedRelease != nil {
		candidates = append(candidates, *sctx.SelectedRelease)
	}
	candidates = append(candidates, sctx.SelectedPacks...)
	if len(candidates) == 0 {
		return retry.Mark(retry.ServiceTorrent, retry.KindValidation, errors.New("found item has no selected release"))
	}

	var lastErr error
	for _, rel := range candidates {
		added, err := w.client.Add(ctx, torrent.AddRequest{
			URL:      firstNonEmpty(rel.MagnetURI, rel.DownloadURL),
			InfoHash: rel.InfoHash,
			Name:     rel.Title,
			Category: w.cfg.Category,
			SavePath: w.cfg.SavePath,
		})
		if err != nil {
			lastErr = err
			continue
		}
		if err := w.recordDownload(ctx, it, added.InfoHash, added.Name); err != nil {
			return err
		}
		_, err = w.orc.Transition(ctx, it.ID, model.StatusDownloading,
			orchestrator.WithStep("download_started"),
			orchestrator.WithDownloadID(added.InfoHash),
			orchestrator.WithContextPatch(model.StepContext{Download: w.startedContext()}))
		return err
	}
	return fmt.Errorf("add release to torrent client: %w", lastErr)
}

func (w *Download) startedContext() *model.DownloadContext {
	t := w.now()
	return &model.DownloadContext{StartedAt: &t}
}

// poll reads the torrent state for one downloading item, advances its
// progress, fires stall detection, and finalizes a completed torrent.
func (w *Download) poll(ctx context.Context, it *model.Item) error {
	status, err := w.client.Status(ctx, it.DownloadID)
	if err != nil {
		return err
	}
	if status == nil {
		// The torrent vanished from the client; reconciliation is the
		// recovery worker's job.
		w.logger.Warn().
			Str(log.FieldEvent, "download.orphaned").
			Str(log.FieldItemID, it.ID).
			Str(log.FieldInfoHash, it.DownloadID).
			Msg("torrent unknown to client, leaving to recovery")
		return errSkipItem
	}

	if !status.Complete {
		item, err := w.orc.UpdateProgress(ctx, it.ID, int(status.Progress*100))
		if err != nil {
			return err
		}
		now := w.now()
		if item.Progress < 100 && progressStalled(item, now, w.cfg.StallTimeout) {
			return retry.Mark(retry.ServiceTorrent, retry.KindDownloadStalled,
				fmt.Errorf("no download progress for %s", w.cfg.StallTimeout))
		}
		if d := item.Context.Download; d != nil && d.StartedAt != nil && now.Sub(*d.StartedAt) > w.cfg.WallTimeout {
			return retry.Mark(retry.ServiceTorrent, retry.KindDownloadStalled,
				fmt.Errorf("download exceeded %s wall time", w.cfg.WallTimeout))
		}
		return nil
	}

	return w.finalize(ctx, it, status)
}

// finalize resolves the video file(s) inside a completed torrent and
// moves the item (and, for season packs, its siblings) to downloaded.
func (w *Download) finalize(ctx context.Context, it *model.Item, status *torrent.TorrentStatus) error {
	files, err := w.client.Files(ctx, it.DownloadID)
	if err != nil {
		return err
	}
	files, err = w.extractArchives(ctx, it, status, files)
	if err != nil {
		return err
	}

	w.markDownloadComplete(ctx, it, status)

	isPack := it.Context.Search != nil && len(it.Context.Search.SelectedPacks) > 0
	if it.Kind == model.KindEpisode && isPack {
		return w.finalizePack(ctx, it, status, files)
	}

	var file model.MediaFile
	var ok bool
	if it.Kind == model.KindEpisode {
		file, ok = mediafile.EpisodeFile(files, it.Season, it.Episode)
	} else {
		file, ok = mediafile.MainVideo(files)
	}
	if !ok {
		return retry.Mark(retry.ServiceTorrent, retry.KindValidation,
			fmt.Errorf("no usable video file in torrent %s", status.Name))
	}

	_, err = w.orc.Transition(ctx, it.ID, model.StatusDownloaded,
		orchestrator.WithStep("download_complete"),
		orchestrator.WithProgress(100),
		orchestrator.WithContextPatch(model.StepContext{Download: &model.DownloadContext{
			Complete:    true,
			ContentPath: status.ContentPath,
			VideoFile:   &file,
		}}))
	return err
}

// finalizePack maps every requested episode of the season to its file
// and finalizes this item plus any sibling still waiting on the pack.
func (w *Download) finalizePack(ctx context.Context, it *model.Item, status *torrent.TorrentStatus, files []model.MediaFile) error {
	req, err := w.orc.GetRequest(ctx, it.RequestID)
	if err != nil {
		return fmt.Errorf("load request %s: %w", it.RequestID, err)
	}
	byEpisode := mediafile.MapEpisodes(files, it.Season, req.Episodes)
	if len(byEpisode) == 0 {
		return retry.Mark(retry.ServiceTorrent, retry.KindValidation,
			fmt.Errorf("season pack %s contains none of the requested episodes", status.Name))
	}

	episodeFiles := make(map[string]model.MediaFile, len(byEpisode))
	for ep, f := range byEpisode {
		episodeFiles[fmt.Sprintf("S%02dE%02d", it.Season, ep)] = f
	}

	siblings, err := w.st.ItemsByRequest(ctx, it.RequestID)
	if err != nil {
		return fmt.Errorf("load siblings: %w", err)
	}
	for i := range siblings {
		sib := &siblings[i]
		if sib.ID == it.ID || sib.Kind != model.KindEpisode || sib.Season != it.Season {
			continue
		}
		file, ok := byEpisode[sib.Episode]
		if !ok {
			continue
		}
		if err := w.finalizeSibling(ctx, sib, it.DownloadID, status, file, episodeFiles); err != nil {
			w.logger.Warn().
				Err(err).
				Str(log.FieldEvent, "download.sibling_finalize_failed").
				Str(log.FieldItemID, sib.ID).
				Msg("season pack sibling not finalized")
		}
	}

	file, ok := byEpisode[it.Episode]
	if !ok {
		return retry.Mark(retry.ServiceTorrent, retry.KindValidation,
			fmt.Errorf("episode %s missing from season pack %s", it.EpisodeCode(), status.Name))
	}
	_, err = w.orc.Transition(ctx, it.ID, model.StatusDownloaded,
		orchestrator.WithStep("download_complete"),
		orchestrator.WithProgress(100),
		orchestrator.WithContextPatch(model.StepContext{Download: &model.DownloadContext{
			Complete:     true,
			ContentPath:  status.ContentPath,
			VideoFile:    &file,
			EpisodeFiles: episodeFiles,
		}}))
	return err
}

// finalizeSibling walks one sibling episode of a season pack to
// downloaded, stepping it through downloading first when it has not
// started yet.
func (w *Download) finalizeSibling(ctx context.Context, sib *model.Item, infoHash string, status *torrent.TorrentStatus, file model.MediaFile, episodeFiles map[string]model.MediaFile) error {
	switch sib.Status {
	case model.StatusFound:
		if _, err := w.orc.Transition(ctx, sib.ID, model.StatusDownloading,
			orchestrator.WithStep("download_adopted"),
			orchestrator.WithDownloadID(infoHash)); err != nil {
			return err
		}
	case model.StatusDownloading:
	default:
		return nil
	}
	_, err := w.orc.Transition(ctx, sib.ID, model.StatusDownloaded,
		orchestrator.WithStep("download_complete"),
		orchestrator.WithProgress(100),
		orchestrator.WithDownloadID(infoHash),
		orchestrator.WithContextPatch(model.StepContext{Download: &model.DownloadContext{
			Complete:     true,
			ContentPath:  status.ContentPath,
			VideoFile:    &file,
			EpisodeFiles: episodeFiles,
		}}))
	return err
}

// extractArchives unpacks RAR payloads in place and returns the file
// set extended with the extracted content.
func (w *Download) extractArchives(ctx context.Context, it *model.Item, status *torrent.TorrentStatus, files []model.MediaFile) ([]model.MediaFile, error) {
	if w.extractor == nil {
		return files, nil
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	volumes := w.extractor.Detect(paths)
	if len(volumes) == 0 {
		return files, nil
	}

	destDir := status.ContentPath
	if destDir == "" {
		destDir = status.SavePath
	}
	w.logger.Info().
		Str(log.FieldEvent, "download.extracting").
		Str(log.FieldItemID, it.ID).
		Str(log.FieldPath, volumes[0]).
		Msg("extracting archive payload")
	if err := w.extractor.Extract(ctx, volumes[0], destDir); err != nil {
		if errors.Is(err, archive.ErrBinaryNotFound) {
			return nil, retry.Mark(retry.ServiceTorrent, retry.KindValidation, err)
		}
		return nil, fmt.Errorf("extract %s: %w", volumes[0], err)
	}

	extracted, err := listVideoFiles(destDir)
	if err != nil {
		return nil, fmt.Errorf("scan extracted content: %w", err)
	}
	return append(files, extracted...), nil
}

// recordDownload upserts the shared downloads row for an item's
// torrent. Row failures are logged, not fatal: the torrent client
// remains the source of truth.
func (w *Download) recordDownload(ctx context.Context, it *model.Item, infoHash, name string) error {
	if name == "" {
		if status, err := w.client.Status(ctx, infoHash); err == nil && status != nil {
			name = status.Name
		}
	}
	now := w.now()
	dl := &model.Download{
		ID:             infoHash,
		RequestID:      it.RequestID,
		InfoHash:       infoHash,
		Name:           name,
		NormalizedName: mediafile.Normalize(name),
		Status:         "downloading",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := w.st.UpsertDownload(ctx, dl); err != nil {
		return fmt.Errorf("record download %s: %w", infoHash, err)
	}
	return nil
}

func (w *Download) markDownloadComplete(ctx context.Context, it *model.Item, status *torrent.TorrentStatus) {
	now := w.now()
	dl := &model.Download{
		ID:             status.InfoHash,
		RequestID:      it.RequestID,
		InfoHash:       status.InfoHash,
		Name:           status.Name,
		NormalizedName: mediafile.Normalize(status.Name),
		Status:         "complete",
		Progress:       1,
		SavePath:       status.SavePath,
		ContentPath:    status.ContentPath,
		Complete:       true,
		CreatedAt:      now,
		CompletedAt:    &now,
		UpdatedAt:      now,
	}
	if err := w.st.UpsertDownload(ctx, dl); err != nil {
		w.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "download.record_failed").
			Str(log.FieldInfoHash, status.InfoHash).
			Msg("download row not updated")
	}
}

// listVideoFiles walks dir and returns every video file found.
func listVideoFiles(dir string) ([]model.MediaFile, error) {
	var out []model.MediaFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !mediafile.IsVideo(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, model.MediaFile{Path: path, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
