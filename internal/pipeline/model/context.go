// SPDX-License-Identifier: MIT

package model

import (
	"encoding/json"
	"time"
)

// StepContext is the per-item scratch space workers hand to each other.
// Each section belongs to the worker of the same name; a worker only
// writes its own section. Top-level keys this version does not know are
// preserved verbatim across a round-trip so newer writers and older
// readers can share a store.
type StepContext struct {
	Search   *SearchContext   `json:"-"`
	Download *DownloadContext `json:"-"`
	Encode   *EncodeContext   `json:"-"`
	Deliver  *DeliverContext  `json:"-"`

	extra map[string]json.RawMessage
}

// SearchContext is written by the search worker when a release has been
// chosen, skipped or deferred.
type SearchContext struct {
	SelectedRelease     *Release          `json:"selectedRelease,omitempty"`
	SelectedPacks       []Release         `json:"selectedPacks,omitempty"`
	AlternativeReleases []Release         `json:"alternativeReleases,omitempty"`
	ExistingDownload    *ExistingDownload `json:"existingDownload,omitempty"`
	QualityMet          *bool             `json:"qualityMet,omitempty"`
	Skipped             bool              `json:"skipped,omitempty"`
	SkipReason          string            `json:"skipReason,omitempty"`
}

// ExistingDownload points at a torrent client entry adopted instead of
// adding a new one.
type ExistingDownload struct {
	InfoHash string `json:"infoHash"`
	Complete bool   `json:"complete"`
}

// DownloadContext records where the finished payload landed.
type DownloadContext struct {
	StartedAt    *time.Time           `json:"startedAt,omitempty"`
	Complete     bool                 `json:"complete,omitempty"`
	ContentPath  string               `json:"contentPath,omitempty"`
	Extracted    bool                 `json:"extracted,omitempty"`
	VideoFile    *MediaFile           `json:"videoFile,omitempty"`
	EpisodeFiles map[string]MediaFile `json:"episodeFiles,omitempty"`
}

// MediaFile is one located video file.
type MediaFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// EncodeContext records the finished encode artifact.
type EncodeContext struct {
	EncodedFile      string  `json:"encodedFile,omitempty"`
	EncodedFileSize  int64   `json:"encodedFileSize,omitempty"`
	CompressionRatio float64 `json:"compressionRatio,omitempty"`
	Resolution       int     `json:"resolution,omitempty"`
	Codec            string  `json:"codec,omitempty"`
}

// DeliverContext records the outcome of the fan-out to all targets.
type DeliverContext struct {
	StartedAt       *time.Time       `json:"startedAt,omitempty"`
	DeliveryResults []DeliveryResult `json:"deliveryResults,omitempty"`
}

// DeliveryResult is one successful upload to one server.
type DeliveryResult struct {
	ServerID   string    `json:"serverId"`
	ServerName string    `json:"serverName,omitempty"`
	Path       string    `json:"path"`
	Bytes      int64     `json:"bytes"`
	DurationMs int64     `json:"durationMs"`
	At         time.Time `json:"at"`
}

// MarshalJSON emits the known sections under their fixed keys and
// replays any preserved unknown keys alongside them.
func (c StepContext) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, 4+len(c.extra))
	for k, v := range c.extra {
		out[k] = v
	}
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = raw
		return nil
	}
	if c.Search != nil {
		if err := put("search", c.Search); err != nil {
			return nil, err
		}
	}
	if c.Download != nil {
		if err := put("download", c.Download); err != nil {
			return nil, err
		}
	}
	if c.Encode != nil {
		if err := put("encode", c.Encode); err != nil {
			return nil, err
		}
	}
	if c.Deliver != nil {
		if err := put("deliver", c.Deliver); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the known sections and stashes everything else
// in the unknown-key store.
func (c *StepContext) UnmarshalJSON(data []byte) error {
	*c = StepContext{}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		switch k {
		case "search":
			c.Search = &SearchContext{}
			if err := json.Unmarshal(v, c.Search); err != nil {
				return err
			}
		case "download":
			c.Download = &DownloadContext{}
			if err := json.Unmarshal(v, c.Download); err != nil {
				return err
			}
		case "encode":
			c.Encode = &EncodeContext{}
			if err := json.Unmarshal(v, c.Encode); err != nil {
				return err
			}
		case "deliver":
			c.Deliver = &DeliverContext{}
			if err := json.Unmarshal(v, c.Deliver); err != nil {
				return err
			}
		default:
			if c.extra == nil {
				c.extra = make(map[string]json.RawMessage)
			}
			c.extra[k] = v
		}
	}
	return nil
}

// Merge overlays patch onto c field by field. Within a section, set
// patch fields win and unset ones keep the base value, so a worker can
// amend its section without restating it; unknown keys merge by name
// with patch winning. Neither receiver nor patch is mutated.
func (c StepContext) Merge(patch StepContext) StepContext {
	out := c
	out.Search = mergeSearch(c.Search, patch.Search)
	out.Download = mergeDownload(c.Download, patch.Download)
	out.Encode = mergeEncode(c.Encode, patch.Encode)
	out.Deliver = mergeDeliver(c.Deliver, patch.Deliver)
	if len(patch.extra) > 0 {
		merged := make(map[string]json.RawMessage, len(c.extra)+len(patch.extra))
		for k, v := range c.extra {
			merged[k] = v
		}
		for k, v := range patch.extra {
			merged[k] = v
		}
		out.extra = merged
	}
	return out
}

func mergeSearch(base, patch *SearchContext) *SearchContext {
	if patch == nil {
		return base
	}
	if base == nil {
		out := *patch
		return &out
	}
	out := *base
	if patch.SelectedRelease != nil {
		out.SelectedRelease = patch.SelectedRelease
	}
	if len(patch.SelectedPacks) > 0 {
		out.SelectedPacks = patch.SelectedPacks
	}
	if len(patch.AlternativeReleases) > 0 {
		out.AlternativeReleases = patch.AlternativeReleases
	}
	if patch.ExistingDownload != nil {
		out.ExistingDownload = patch.ExistingDownload
	}
	if patch.QualityMet != nil {
		out.QualityMet = patch.QualityMet
	}
	if patch.Skipped {
		out.Skipped = true
	}
	if patch.SkipReason != "" {
		out.SkipReason = patch.SkipReason
	}
	return &out
}

func mergeDownload(base, patch *DownloadContext) *DownloadContext {
	if patch == nil {
		return base
	}
	if base == nil {
		out := *patch
		return &out
	}
	out := *base
	if patch.StartedAt != nil {
		out.StartedAt = patch.StartedAt
	}
	if patch.Complete {
		out.Complete = true
	}
	if patch.ContentPath != "" {
		out.ContentPath = patch.ContentPath
	}
	if patch.Extracted {
		out.Extracted = true
	}
	if patch.VideoFile != nil {
		out.VideoFile = patch.VideoFile
	}
	if len(patch.EpisodeFiles) > 0 {
		merged := make(map[string]MediaFile, len(base.EpisodeFiles)+len(patch.EpisodeFiles))
		for k, v := range base.EpisodeFiles {
			merged[k] = v
		}
		for k, v := range patch.EpisodeFiles {
			merged[k] = v
		}
		out.EpisodeFiles = merged
	}
	return &out
}

func mergeEncode(base, patch *EncodeContext) *EncodeContext {
	if patch == nil {
		return base
	}
	if base == nil {
		out := *patch
		return &out
	}
	out := *base
	if patch.EncodedFile != "" {
		out.EncodedFile = patch.EncodedFile
	}
	if patch.EncodedFileSize > 0 {
		out.EncodedFileSize = patch.EncodedFileSize
	}
	if patch.CompressionRatio > 0 {
		out.CompressionRatio = patch.CompressionRatio
	}
	if patch.Resolution > 0 {
		out.Resolution = patch.Resolution
	}
	if patch.Codec != "" {
		out.Codec = patch.Codec
	}
	return &out
}

func mergeDeliver(base, patch *DeliverContext) *DeliverContext {
	if patch == nil {
		return base
	}
	if base == nil {
		out := *patch
		return &out
	}
	out := *base
	if patch.StartedAt != nil {
		out.StartedAt = patch.StartedAt
	}
	if len(patch.DeliveryResults) > 0 {
		out.DeliveryResults = patch.DeliveryResults
	}
	return &out
}

// SetExtra stores an unknown-key payload, mainly for tests and forward
// compatibility shims.
func (c *StepContext) SetExtra(key string, raw json.RawMessage) {
	if c.extra == nil {
		c.extra = make(map[string]json.RawMessage)
	}
	c.extra[key] = raw
}

// Extra returns the preserved payload for key, if any.
func (c *StepContext) Extra(key string) (json.RawMessage, bool) {
	raw, ok := c.extra[key]
	return raw, ok
}
