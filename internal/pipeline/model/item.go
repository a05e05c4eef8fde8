// SPDX-License-Identifier: MIT

package model

import (
	"fmt"
	"time"
)

// maxErrorHistory caps the retained error events per item. Older events
// are dropped first.
const maxErrorHistory = 20

// Request is a user-facing acquisition order. A movie request owns one
// item, a tv request owns one item per episode. Status and Progress are
// derived from the items and recomputed by the orchestrator.
type Request struct {
	ID        string        `json:"id"`
	MediaType MediaType     `json:"mediaType"`
	CatalogID int64         `json:"catalogId"`
	Title     string        `json:"title"`
	Year      int           `json:"year"`
	Season    int           `json:"season,omitempty"`
	Episodes  []int         `json:"episodes,omitempty"`
	Template  string        `json:"template,omitempty"`
	Targets   []Target      `json:"targets"`
	Status    RequestStatus `json:"status"`
	Progress  int           `json:"progress"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Target names one delivery destination for a request.
type Target struct {
	ServerID   string `json:"serverId"`
	ServerName string `json:"serverName,omitempty"`
	ProfileID  string `json:"profileId,omitempty"`
}

// Item is one unit of pipeline work. All worker state lives here: the
// current status, the per-step context blob, retry bookkeeping and the
// scheduling gates consulted by the eligibility query.
type Item struct {
	ID        string   `json:"id"`
	RequestID string   `json:"requestId"`
	Kind      ItemKind `json:"kind"`
	CatalogID int64    `json:"catalogId"`
	Title     string   `json:"title"`
	Year      int      `json:"year"`
	Season    int      `json:"season,omitempty"`
	Episode   int      `json:"episode,omitempty"`

	Status      Status      `json:"status"`
	CurrentStep string      `json:"currentStep,omitempty"`
	Context     StepContext `json:"context"`
	Checkpoint  *Checkpoint `json:"checkpoint,omitempty"`
	Progress    int         `json:"progress"`

	Attempts     int          `json:"attempts"`
	MaxAttempts  int          `json:"maxAttempts"`
	LastError    string       `json:"lastError,omitempty"`
	ErrorHistory []ErrorEvent `json:"errorHistory,omitempty"`

	NextRetryAt    *time.Time `json:"nextRetryAt,omitempty"`
	SkipUntil      *time.Time `json:"skipUntil,omitempty"`
	CooldownEndsAt *time.Time `json:"cooldownEndsAt,omitempty"`

	DownloadID    string `json:"downloadId,omitempty"`
	EncodingJobID string `json:"encodingJobId,omitempty"`

	LastProgressValue int        `json:"lastProgressValue,omitempty"`
	LastProgressAt    *time.Time `json:"lastProgressAt,omitempty"`

	DownloadedAt *time.Time `json:"downloadedAt,omitempty"`
	EncodedAt    *time.Time `json:"encodedAt,omitempty"`
	DeliveredAt  *time.Time `json:"deliveredAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// EpisodeCode renders the SxxEyy marker for episode items, empty for
// movies.
func (i *Item) EpisodeCode() string {
	if i.Kind != KindEpisode {
		return ""
	}
	return fmt.Sprintf("S%02dE%02d", i.Season, i.Episode)
}

// SearchQuery is the title string sent to indexers. Episodes append the
// episode code, movies the year.
func (i *Item) SearchQuery() string {
	if i.Kind == KindEpisode {
		return fmt.Sprintf("%s %s", i.Title, i.EpisodeCode())
	}
	if i.Year > 0 {
		return fmt.Sprintf("%s %d", i.Title, i.Year)
	}
	return i.Title
}

// RecordError appends ev to the history, keeping at most maxErrorHistory
// entries, and mirrors the message into LastError.
func (i *Item) RecordError(ev ErrorEvent) {
	i.ErrorHistory = append(i.ErrorHistory, ev)
	if n := len(i.ErrorHistory); n > maxErrorHistory {
		i.ErrorHistory = i.ErrorHistory[n-maxErrorHistory:]
	}
	i.LastError = ev.Message
}

// ErrorEvent is one classified failure in an item's history.
type ErrorEvent struct {
	At             time.Time `json:"at"`
	Kind           string    `json:"kind"`
	Service        string    `json:"service,omitempty"`
	Message        string    `json:"message"`
	CountedAttempt bool      `json:"countedAttempt"`
}

// Checkpoint records per-server delivery outcomes so a retried or
// resumed delivery never re-uploads to a server that already has the
// file.
type Checkpoint struct {
	DeliveredServers []string          `json:"deliveredServers,omitempty"`
	FailedServers    map[string]string `json:"failedServers,omitempty"`
}

// Delivered reports whether serverID has already received the file.
func (c *Checkpoint) Delivered(serverID string) bool {
	if c == nil {
		return false
	}
	for _, id := range c.DeliveredServers {
		if id == serverID {
			return true
		}
	}
	return false
}

// MarkDelivered records a successful delivery and clears any prior
// failure for the same server. Idempotent.
func (c *Checkpoint) MarkDelivered(serverID string) {
	if !c.Delivered(serverID) {
		c.DeliveredServers = append(c.DeliveredServers, serverID)
	}
	delete(c.FailedServers, serverID)
}

// MarkFailed records a failed delivery attempt unless the server was
// already delivered to.
func (c *Checkpoint) MarkFailed(serverID, reason string) {
	if c.Delivered(serverID) {
		return
	}
	if c.FailedServers == nil {
		c.FailedServers = make(map[string]string)
	}
	c.FailedServers[serverID] = reason
}

// Covers reports whether every given server has been delivered to.
func (c *Checkpoint) Covers(serverIDs []string) bool {
	for _, id := range serverIDs {
		if !c.Delivered(id) {
			return false
		}
	}
	return true
}

// Download tracks one torrent client entry shared by the items that
// selected it. Season packs map many items to one download.
type Download struct {
	ID             string     `json:"id"`
	RequestID      string     `json:"requestId,omitempty"`
	InfoHash       string     `json:"infoHash"`
	Name           string     `json:"name"`
	NormalizedName string     `json:"normalizedName,omitempty"`
	Status         string     `json:"status"`
	Progress       float64    `json:"progress"`
	SavePath       string     `json:"savePath,omitempty"`
	ContentPath    string     `json:"contentPath,omitempty"`
	Complete       bool       `json:"complete"`
	CreatedAt      time.Time  `json:"createdAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// AssignmentStatus is the encoder-side state of a dispatched job.
type AssignmentStatus string

const (
	AssignmentQueued     AssignmentStatus = "queued"
	AssignmentDispatched AssignmentStatus = "dispatched"
	AssignmentEncoding   AssignmentStatus = "encoding"
	AssignmentCompleted  AssignmentStatus = "completed"
	AssignmentFailed     AssignmentStatus = "failed"
	AssignmentCancelled  AssignmentStatus = "cancelled"
)

// EncoderAssignment mirrors the remote encoder's view of one job. The
// encode worker refreshes it every tick and persists the latest copy.
type EncoderAssignment struct {
	JobID            string           `json:"jobId"`
	ItemID           string           `json:"itemId"`
	Status           AssignmentStatus `json:"status"`
	Progress         float64          `json:"progress"`
	Speed            float64          `json:"speed,omitempty"`
	ETASeconds       int              `json:"etaSeconds,omitempty"`
	OutputPath       string           `json:"outputPath,omitempty"`
	OutputSize       int64            `json:"outputSize,omitempty"`
	CompressionRatio float64          `json:"compressionRatio,omitempty"`
	ErrorMessage     string           `json:"errorMessage,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	CompletedAt      *time.Time       `json:"completedAt,omitempty"`
}

// Done reports whether the assignment reached a terminal encoder state.
func (a *EncoderAssignment) Done() bool {
	switch a.Status {
	case AssignmentCompleted, AssignmentFailed, AssignmentCancelled:
		return true
	default:
		return false
	}
}
