// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/pipearr/pipearr/internal/config"
	"github.com/pipearr/pipearr/internal/encoder"
	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/pipeline/model"
	"github.com/pipearr/pipearr/internal/pipeline/orchestrator"
	"github.com/pipearr/pipearr/internal/pipeline/retry"
	"github.com/pipearr/pipearr/internal/pipeline/store"
)

// EncodeConfig tunes the encode worker.
type EncodeConfig struct {
	Limits
	Interval time.Duration
	// OutputDir holds the deterministic encode artifacts.
	OutputDir string
	// WallTimeout bounds the total encode time.
	WallTimeout time.Duration
	// StallTimeout bounds the time without progress advance.
	StallTimeout time.Duration
	// DefaultResolution applies when the template names no height.
	DefaultResolution int
}

func (c EncodeConfig) withDefaults() EncodeConfig {
	c.Limits = c.Limits.withDefaults()
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.WallTimeout <= 0 {
		c.WallTimeout = 12 * time.Hour
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 10 * time.Minute
	}
	if c.DefaultResolution <= 0 {
		c.DefaultResolution = 1080
	}
	return c
}

// Encode dispatches downloaded items to the encoder pool and watches
// the assignments. Finished artifacts land under a deterministic name
// derived from the item id, so a crashed or retried item finds its own
// output and never encodes twice.
type Encode struct {
	orc       *orchestrator.Orchestrator
	st        store.Store
	pool      encoder.Dispatcher
	templates TemplateSource
	cfg       EncodeConfig
	now       func() time.Time
	logger    zerolog.Logger
}

// EncodeOption configures the encode worker.
type EncodeOption func(*Encode)

// WithEncodeClock overrides the worker's time source.
func WithEncodeClock(now func() time.Time) EncodeOption {
	return func(w *Encode) { w.now = now }
}

// NewEncode builds the encode worker.
func NewEncode(orc *orchestrator.Orchestrator, st store.Store, pool encoder.Dispatcher, templates TemplateSource, cfg EncodeConfig, opts ...EncodeOption) *Encode {
	w := &Encode{
		orc:       orc,
		st:        st,
		pool:      pool,
		templates: templates,
		cfg:       cfg.withDefaults(),
		now:       orc.Clock(),
		logger:    log.WithComponent("worker.encode"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Encode) ID() string              { return "encode" }
func (w *Encode) Interval() time.Duration { return w.cfg.Interval }

// FinalPath is the deterministic artifact location for an item.
func (w *Encode) FinalPath(itemID string) string {
	return filepath.Join(w.cfg.OutputDir, "encoded_"+itemID+".mkv")
}

// TempPath is where the encoder writes before the atomic promote.
func (w *Encode) TempPath(itemID string) string {
	return filepath.Join(w.cfg.OutputDir, "encoded_"+itemID+".tmp.mkv")
}

func (w *Encode) sidecarPath(itemID string) string {
	return w.FinalPath(itemID) + ".json"
}

// RunBatch dispatches downloaded items and polls encoding ones.
func (w *Encode) RunBatch(ctx context.Context) (err error) {
	defer observeRun(w.ID(), w.now(), err)

	items, err := w.orc.ItemsForProcessing(ctx, []model.Status{model.StatusDownloaded, model.StatusEncoding}, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim encode items: %w", err)
	}
	runItems(ctx, w.ID(), items, w.cfg.Concurrency, w.orc, w.logger, w.processItem)
	return nil
}

func (w *Encode) processItem(ctx context.Context, it *model.Item) error {
	switch it.Status {
	case model.StatusDownloaded:
		return w.dispatch(ctx, it)
	case model.StatusEncoding:
		return w.poll(ctx, it)
	default:
		return errSkipItem
	}
}

// dispatch starts (or resumes) the encode of one downloaded item.
func (w *Encode) dispatch(ctx context.Context, it *model.Item) error {
	// Early exit: a still-tracked assignment finished while the item
	// sat in downloaded (crash between completion and transition).
	if it.EncodingJobID != "" {
		a, err := w.st.AssignmentByJobID(ctx, it.EncodingJobID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if a != nil && a.Status == model.AssignmentCompleted {
			if _, err := w.orc.Transition(ctx, it.ID, model.StatusEncoding,
				orchestrator.WithStep("encode_resume"),
				orchestrator.WithEncodingJobID(a.JobID)); err != nil {
				return err
			}
			return w.finish(ctx, it, a)
		}
	}

	// Early exit: the deterministic artifact already exists.
	if done, err := w.promoteArtifact(ctx, it); err != nil || done {
		return err
	}

	count, err := w.pool.EncoderCount(ctx)
	if err != nil {
		return err
	}
	if count == 0 {
		return retry.Mark(retry.ServiceEncoder, retry.KindEncoderUnavailable, errors.New("no encoder available"))
	}

	input, err := inputFile(it)
	if err != nil {
		return err
	}
	job := w.buildJob(ctx, it, input)

	// A stale temp output from an interrupted run would confuse the
	// encoder; start clean.
	if err := os.Remove(w.TempPath(it.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale temp output: %w", err)
	}

	a, err := w.pool.Queue(ctx, job)
	if err != nil {
		return err
	}
	_, err = w.orc.Transition(ctx, it.ID, model.StatusEncoding,
		orchestrator.WithStep("encode_dispatched"),
		orchestrator.WithEncodingJobID(a.JobID))
	if err != nil {
		return err
	}
	w.logger.Info().
		Str(log.FieldEvent, "encode.dispatched").
		Str(log.FieldItemID, it.ID).
		Str(log.FieldJobID, a.JobID).
		Str(log.FieldPath, input).
		Str(log.FieldCodec, job.Codec).
		Msg("encode job queued")
	return nil
}

// poll refreshes one encoding item's assignment and reacts to its
// remote state.
func (w *Encode) poll(ctx context.Context, it *model.Item) error {
	a, err := w.pool.Refresh(ctx, it.EncodingJobID)
	if err != nil {
		return err
	}

	switch a.Status {
	case model.AssignmentCompleted:
		return w.finish(ctx, it, a)
	case model.AssignmentFailed:
		msg := a.ErrorMessage
		if msg == "" {
			msg = "encoder reported failure"
		}
		return retry.Tag(retry.ServiceEncoder, errors.New(msg))
	case model.AssignmentCancelled:
		return retry.Tag(retry.ServiceEncoder, errors.New("encode job cancelled by pool"))
	}

	item, err := w.orc.UpdateProgress(ctx, it.ID, int(a.Progress))
	if err != nil {
		return err
	}
	now := w.now()
	stalled := item.Progress < 100 && progressStalled(item, now, w.cfg.StallTimeout)
	overWall := now.Sub(stageStart(item)) > w.cfg.WallTimeout
	if stalled || overWall {
		// Best effort: the pool should stop burning cycles on a job
		// nobody will collect.
		if cerr := w.pool.Cancel(ctx, it.EncodingJobID); cerr != nil {
			w.logger.Warn().
				Err(cerr).
				Str(log.FieldEvent, "encode.cancel_failed").
				Str(log.FieldJobID, it.EncodingJobID).
				Msg("stalled encode job not cancelled")
		}
		reason := fmt.Sprintf("no encode progress for %s", w.cfg.StallTimeout)
		if overWall && !stalled {
			reason = fmt.Sprintf("encode exceeded %s wall time", w.cfg.WallTimeout)
		}
		return retry.Mark(retry.ServiceEncoder, retry.KindDownloadStalled, errors.New(reason))
	}
	return nil
}

// finish promotes a completed assignment's output to the deterministic
// final path and moves the item to encoded.
func (w *Encode) finish(ctx context.Context, it *model.Item, a *model.EncoderAssignment) error {
	final := w.FinalPath(it.ID)

	output := a.OutputPath
	if output == "" {
		output = w.TempPath(it.ID)
	}
	if output != final {
		if err := os.Rename(output, final); err != nil {
			if _, statErr := os.Stat(final); statErr != nil {
				return fmt.Errorf("promote encode output: %w", err)
			}
			// The final artifact is already in place from an earlier
			// pass; the temp output is gone with it.
		}
	}

	size := a.OutputSize
	if size == 0 {
		if info, err := os.Stat(final); err == nil {
			size = info.Size()
		}
	}

	tpl := w.template(ctx, it)
	step := tpl.FindStep(config.StepEncode)
	ec := &model.EncodeContext{
		EncodedFile:      final,
		EncodedFileSize:  size,
		CompressionRatio: a.CompressionRatio,
		Resolution:       step.ConfigInt("maxHeight", w.cfg.DefaultResolution),
		Codec:            step.ConfigString("codec", "hevc"),
	}
	if err := w.writeSidecar(it.ID, a.JobID, ec); err != nil {
		w.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "encode.sidecar_failed").
			Str(log.FieldItemID, it.ID).
			Msg("encode sidecar not written")
	}

	_, err := w.orc.Transition(ctx, it.ID, model.StatusEncoded,
		orchestrator.WithStep("encode_complete"),
		orchestrator.WithProgress(100),
		orchestrator.WithAssignment(a),
		orchestrator.WithContextPatch(model.StepContext{Encode: ec}))
	return err
}

// promoteArtifact short-circuits a downloaded item whose deterministic
// output already exists on disk.
func (w *Encode) promoteArtifact(ctx context.Context, it *model.Item) (bool, error) {
	final := w.FinalPath(it.ID)
	info, err := os.Stat(final)
	if err != nil {
		return false, nil
	}

	ec := &model.EncodeContext{EncodedFile: final, EncodedFileSize: info.Size()}
	jobID := "artifact-" + it.ID
	if sc, err := w.readSidecar(it.ID); err == nil {
		ec.CompressionRatio = sc.CompressionRatio
		ec.Resolution = sc.Resolution
		ec.Codec = sc.Codec
		if sc.JobID != "" {
			jobID = sc.JobID
		}
	} else {
		tpl := w.template(ctx, it)
		step := tpl.FindStep(config.StepEncode)
		ec.Resolution = step.ConfigInt("maxHeight", w.cfg.DefaultResolution)
		ec.Codec = step.ConfigString("codec", "hevc")
	}

	if _, err := w.orc.Transition(ctx, it.ID, model.StatusEncoding,
		orchestrator.WithStep("encode_artifact_found"),
		orchestrator.WithEncodingJobID(jobID)); err != nil {
		return false, err
	}
	_, err = w.orc.Transition(ctx, it.ID, model.StatusEncoded,
		orchestrator.WithStep("encode_artifact_found"),
		orchestrator.WithProgress(100),
		orchestrator.WithAssignment(&model.EncoderAssignment{
			JobID:  jobID,
			ItemID: it.ID,
			Status: model.AssignmentCompleted,
		}),
		orchestrator.WithContextPatch(model.StepContext{Encode: ec}))
	if err != nil {
		return false, err
	}
	w.logger.Info().
		Str(log.FieldEvent, "encode.artifact_promoted").
		Str(log.FieldItemID, it.ID).
		Str(log.FieldPath, final).
		Msg("existing encode artifact promoted")
	return true, nil
}

func (w *Encode) buildJob(ctx context.Context, it *model.Item, input string) encoder.Job {
	tpl := w.template(ctx, it)
	step := tpl.FindStep(config.StepEncode)
	return encoder.Job{
		ItemID:     it.ID,
		InputPath:  input,
		OutputPath: w.TempPath(it.ID),
		Codec:      step.ConfigString("codec", "hevc"),
		Preset:     step.ConfigString("preset", "medium"),
		CRF:        step.ConfigInt("crf", 23),
		MaxHeight:  step.ConfigInt("maxHeight", w.cfg.DefaultResolution),
	}
}

func (w *Encode) template(ctx context.Context, it *model.Item) config.Template {
	if w.templates == nil {
		return config.DefaultTemplate()
	}
	name := ""
	if req, err := w.orc.GetRequest(ctx, it.RequestID); err == nil {
		name = req.Template
	}
	return w.templates.Template(name)
}

// encodeSidecar is the metadata written next to each artifact so a
// restart can promote it without re-asking the encoder pool.
type encodeSidecar struct {
	JobID            string  `json:"jobId"`
	Resolution       int     `json:"resolution"`
	Codec            string  `json:"codec"`
	Size             int64   `json:"size"`
	CompressionRatio float64 `json:"compressionRatio"`
}

func (w *Encode) writeSidecar(itemID, jobID string, ec *model.EncodeContext) error {
	data, err := json.Marshal(encodeSidecar{
		JobID:            jobID,
		Resolution:       ec.Resolution,
		Codec:            ec.Codec,
		Size:             ec.EncodedFileSize,
		CompressionRatio: ec.CompressionRatio,
	})
	if err != nil {
		return err
	}
	return renameio.WriteFile(w.sidecarPath(itemID), data, 0o644)
}

func (w *Encode) readSidecar(itemID string) (*encodeSidecar, error) {
	data, err := os.ReadFile(w.sidecarPath(itemID))
	if err != nil {
		return nil, err
	}
	var sc encodeSidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// inputFile picks the encode source from the download context.
func inputFile(it *model.Item) (string, error) {
	d := it.Context.Download
	if d == nil {
		return "", retry.Mark(retry.ServiceEncoder, retry.KindValidation, errors.New("downloaded item has no download context"))
	}
	if d.VideoFile != nil && d.VideoFile.Path != "" {
		return d.VideoFile.Path, nil
	}
	if it.Kind == model.KindEpisode {
		if f, ok := d.EpisodeFiles[it.EpisodeCode()]; ok && f.Path != "" {
			return f.Path, nil
		}
	}
	return "", retry.Mark(retry.ServiceEncoder, retry.KindValidation, errors.New("downloaded item has no source file"))
}

// stageStart approximates when the current stage began.
func stageStart(it *model.Item) time.Time {
	if it.DownloadedAt != nil {
		return *it.DownloadedAt
	}
	return it.CreatedAt
}
