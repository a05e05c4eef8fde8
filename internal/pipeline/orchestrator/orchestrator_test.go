// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipearr/pipearr/internal/pipeline/fsm"
	"github.com/pipearr/pipearr/internal/pipeline/model"
	"github.com/pipearr/pipearr/internal/pipeline/retry"
	"github.com/pipearr/pipearr/internal/pipeline/store"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *store.Memory, *time.Time) {
	t.Helper()
	st := store.NewMemory()
	now := testEpoch
	clock := func() time.Time { return now }
	o := New(st, append([]Option{WithClock(clock)}, opts...)...)
	t.Cleanup(func() { _ = st.Close() })
	return o, st, &now
}

func seedItem(t *testing.T, st *store.Memory, status model.Status, mutate func(*model.Item)) *model.Item {
	t.Helper()
	ctx := context.Background()
	req := &model.Request{
		ID:        uuid.NewString(),
		MediaType: model.MediaTypeMovie,
		CatalogID: 603,
		Title:     "The Matrix",
		Year:      1999,
		Targets:   []model.Target{{ServerID: "srv-1", ServerName: "main", ProfileID: "hd"}},
		Status:    model.RequestProcessing,
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}
	require.NoError(t, st.CreateRequest(ctx, req))

	it := &model.Item{
		ID:          uuid.NewString(),
		RequestID:   req.ID,
		Kind:        model.KindMovie,
		CatalogID:   603,
		Title:       "The Matrix",
		Year:        1999,
		Status:      status,
		MaxAttempts: 5,
		CreatedAt:   testEpoch,
		UpdatedAt:   testEpoch,
	}
	if mutate != nil {
		mutate(it)
	}
	require.NoError(t, st.CreateItem(ctx, it))
	return it
}

func TestCreateRequestMovie(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()

	req, items, err := o.CreateRequest(ctx, NewRequest{
		MediaType: model.MediaTypeMovie,
		CatalogID: 603,
		Title:     "The Matrix",
		Year:      1999,
		Targets:   []model.Target{{ServerID: "srv-1"}},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)

	assert.Equal(t, model.RequestPending, req.Status)
	assert.Equal(t, model.KindMovie, items[0].Kind)
	assert.Equal(t, model.StatusPending, items[0].Status)
	assert.Equal(t, 5, items[0].MaxAttempts)
	assert.Equal(t, req.ID, items[0].RequestID)

	stored, err := st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "The Matrix", stored.Title)
}

func TestCreateRequestTV(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	_, items, err := o.CreateRequest(context.Background(), NewRequest{
		MediaType: model.MediaTypeTV,
		CatalogID: 1396,
		Title:     "Breaking Bad",
		Year:      2008,
		Season:    1,
		Episodes:  []int{1, 2, 3},
		Targets:   []model.Target{{ServerID: "srv-1"}},
	})
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, it := range items {
		assert.Equal(t, model.KindEpisode, it.Kind)
		assert.Equal(t, 1, it.Season)
		assert.Equal(t, i+1, it.Episode)
	}
}

func TestCreateRequestRejectsBadInput(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   NewRequest
		want string
	}{
		{
			name: "missing title",
			in:   NewRequest{MediaType: model.MediaTypeMovie, Year: 1999, Targets: []model.Target{{ServerID: "s"}}},
			want: "title is required",
		},
		{
			name: "no targets",
			in:   NewRequest{MediaType: model.MediaTypeMovie, Title: "x", Year: 1999},
			want: "delivery target",
		},
		{
			name: "movie without year",
			in:   NewRequest{MediaType: model.MediaTypeMovie, Title: "x", Targets: []model.Target{{ServerID: "s"}}},
			want: "need a year",
		},
		{
			name: "tv without episodes",
			in:   NewRequest{MediaType: model.MediaTypeTV, Title: "x", Season: 1, Targets: []model.Target{{ServerID: "s"}}},
			want: "at least one episode",
		},
		{
			name: "bad media type",
			in:   NewRequest{MediaType: "music", Title: "x", Targets: []model.Target{{ServerID: "s"}}},
			want: "unknown media type",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := o.CreateRequest(ctx, tc.in)
			var vErr *RequestValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestTransitionFullPipeline(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusPending, nil)

	_, err := o.Transition(ctx, it.ID, model.StatusSearching, WithStep("search"))
	require.NoError(t, err)

	release := &model.Release{Title: "The.Matrix.1999.1080p.BluRay.x264", InfoHash: "abc123", Seeders: 40}
	_, err = o.Transition(ctx, it.ID, model.StatusFound,
		WithContextPatch(model.StepContext{Search: &model.SearchContext{SelectedRelease: release}}))
	require.NoError(t, err)

	got, err := o.Transition(ctx, it.ID, model.StatusDownloading, WithDownloadID("abc123"))
	require.NoError(t, err)
	require.NotNil(t, got.LastProgressAt, "entering downloading arms the stall timer")

	got, err = o.Transition(ctx, it.ID, model.StatusDownloaded,
		WithProgress(100),
		WithContextPatch(model.StepContext{Download: &model.DownloadContext{
			Complete:  true,
			VideoFile: &model.MediaFile{Path: "/data/done/matrix.mkv", Size: 8 << 30},
		}}))
	require.NoError(t, err)
	require.NotNil(t, got.DownloadedAt)

	_, err = o.Transition(ctx, it.ID, model.StatusEncoding, WithEncodingJobID("job-1"))
	require.NoError(t, err)

	got, err = o.Transition(ctx, it.ID, model.StatusEncoded,
		WithAssignment(&model.EncoderAssignment{JobID: "job-1", Status: model.AssignmentCompleted}),
		WithContextPatch(model.StepContext{Encode: &model.EncodeContext{EncodedFile: "/data/encoded/matrix.mkv"}}))
	require.NoError(t, err)
	require.NotNil(t, got.EncodedAt)

	_, err = o.Transition(ctx, it.ID, model.StatusDelivering, WithCheckpointInit(&model.Checkpoint{}))
	require.NoError(t, err)

	got, err = o.Transition(ctx, it.ID, model.StatusCompleted,
		WithContextPatch(model.StepContext{Deliver: &model.DeliverContext{
			DeliveryResults: []model.DeliveryResult{{ServerID: "srv-1", Path: "/library/movies/The Matrix (1999).mkv"}},
		}}))
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.DeliveredAt)

	req, err := st.GetRequest(ctx, it.RequestID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCompleted, req.Status)
	assert.Equal(t, 100, req.Progress)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusPending, nil)

	_, err := o.Transition(ctx, it.ID, model.StatusDownloading, WithDownloadID("abc"))
	var inv *fsm.InvalidTransitionError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, model.StatusPending, inv.From)

	// The refused move changed nothing.
	stored, err := st.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.Status)
	assert.Empty(t, stored.DownloadID)
}

func TestTransitionRefusedByEntryValidation(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusSearching, nil)

	_, err := o.Transition(ctx, it.ID, model.StatusFound)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Violations, "Search context required for found state")

	stored, err := st.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSearching, stored.Status)
}

func TestTransitionRefusedByExitValidation(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusEncoding, func(m *model.Item) {
		m.EncodingJobID = "job-1"
		m.Context.Encode = &model.EncodeContext{EncodedFile: "/data/encoded/out.mkv"}
	})

	_, err := o.Transition(ctx, it.ID, model.StatusEncoded,
		WithAssignment(&model.EncoderAssignment{JobID: "job-1", Status: model.AssignmentEncoding}))
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Violations, "Encoder assignment must be completed before encoded state")
}

func TestTransitionCooldownLifecycle(t *testing.T) {
	o, st, now := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusSearching, nil)

	until := now.Add(6 * time.Hour)
	got, err := o.Transition(ctx, it.ID, model.StatusDiscovered, WithCooldown(until))
	require.NoError(t, err)
	require.NotNil(t, got.CooldownEndsAt)
	assert.True(t, got.CooldownEndsAt.Equal(until))

	got, err = o.Transition(ctx, it.ID, model.StatusSearching)
	require.NoError(t, err)
	assert.Nil(t, got.CooldownEndsAt, "leaving discovered clears the cooldown")
}

func TestTransitionSelfLoopKeepsStageProgress(t *testing.T) {
	o, st, now := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusDownloading, func(m *model.Item) {
		m.DownloadID = "abc123"
		m.Progress = 40
		m.LastProgressValue = 40
		t := testEpoch
		m.LastProgressAt = &t
	})

	*now = now.Add(10 * time.Second)
	got, err := o.Transition(ctx, it.ID, model.StatusDownloading, WithProgress(55))
	require.NoError(t, err)

	assert.Equal(t, model.StatusDownloading, got.Status)
	assert.Equal(t, 55, got.Progress, "a self-loop must not reset stage progress")
	require.NotNil(t, got.LastProgressAt)
	assert.True(t, got.LastProgressAt.Equal(*now))

	// Only the active stages may loop on themselves.
	parked := seedItem(t, st, model.StatusPending, nil)
	_, err = o.Transition(ctx, parked.ID, model.StatusPending)
	var inv *fsm.InvalidTransitionError
	require.ErrorAs(t, err, &inv)
}

func TestHandleErrorSchedulesBackoffRetry(t *testing.T) {
	o, st, now := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusSearching, nil)

	// No service tag, so the failure is the item's own and counts.
	cause := errors.New("dial tcp: i/o timeout")
	got, err := o.HandleError(ctx, it.ID, "search", cause)
	require.NoError(t, err)

	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.Equal(now.Add(time.Minute)))
	require.Len(t, got.ErrorHistory, 1)
	assert.Equal(t, "network_timeout", got.ErrorHistory[0].Kind)
	assert.Empty(t, got.ErrorHistory[0].Service)
	assert.True(t, got.ErrorHistory[0].CountedAttempt)

	// Second failure doubles the delay.
	got, err = o.HandleError(ctx, it.ID, "search", cause)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.True(t, got.NextRetryAt.Equal(now.Add(2*time.Minute)))
}

func TestHandleErrorTaggedNetworkParksWithoutCounting(t *testing.T) {
	o, st, now := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusDownloading, func(m *model.Item) { m.DownloadID = "abc123" })

	cause := retry.Mark(retry.ServiceTorrent, retry.KindNetworkRefused, errors.New("connection refused"))
	got, err := o.HandleError(ctx, it.ID, "download", cause)
	require.NoError(t, err)

	assert.Equal(t, model.StatusDownloading, got.Status, "a down service parks the item in place")
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.NextRetryAt)
	require.NotNil(t, got.SkipUntil)
	assert.True(t, got.SkipUntil.Equal(now.Add(time.Minute)))
	require.Len(t, got.ErrorHistory, 1)
	assert.False(t, got.ErrorHistory[0].CountedAttempt)
}

func TestHandleErrorExhaustsAttempts(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusSearching, func(m *model.Item) { m.Attempts = 4 })

	got, err := o.HandleError(ctx, it.ID, "search", errors.New("connection refused"))
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 5, got.Attempts)
	assert.True(t, strings.HasPrefix(got.LastError, "retries exhausted: "), "lastError = %q", got.LastError)

	req, err := st.GetRequest(ctx, it.RequestID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestFailed, req.Status)
}

func TestHandleErrorRateLimitedSkipsWithoutCounting(t *testing.T) {
	o, st, now := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusSearching, nil)

	cause := retry.RateLimited(retry.ServiceIndexer, 10*time.Minute, errors.New("429 too many requests"))
	got, err := o.HandleError(ctx, it.ID, "search", cause)
	require.NoError(t, err)

	assert.Equal(t, model.StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.NextRetryAt)
	require.NotNil(t, got.SkipUntil)
	assert.True(t, got.SkipUntil.Equal(now.Add(10*time.Minute)), "Retry-After hint wins over the default")
	require.Len(t, got.ErrorHistory, 1)
	assert.False(t, got.ErrorHistory[0].CountedAttempt)
}

func TestHandleErrorAuthStaleInvalidatesSession(t *testing.T) {
	var invalidated bool
	o, st, _ := newTestOrchestrator(t, WithAuthInvalidator(retry.ServiceTorrent, func() { invalidated = true }))
	ctx := context.Background()
	it := seedItem(t, st, model.StatusSearching, nil)

	got, err := o.HandleError(ctx, it.ID, "download", retry.Mark(retry.ServiceTorrent, retry.KindAuthStale, errors.New("403 forbidden")))
	require.NoError(t, err)

	// Retry is immediate with fresh credentials, but the attempt counts.
	assert.True(t, invalidated)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.SkipUntil)
	assert.Nil(t, got.NextRetryAt)
	assert.Equal(t, model.StatusPending, got.Status, "nothing polls searching")
}

func TestHandleErrorPermanentFailsImmediately(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusSearching, nil)

	got, err := o.HandleError(ctx, it.ID, "search", retry.Mark(retry.ServiceIndexer, retry.KindValidation, errors.New("unrar binary not found")))
	require.NoError(t, err)

	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Equal(t, "unrar binary not found", got.ErrorHistory[0].Message)
	assert.NotEmpty(t, got.LastError)
}

func TestHandleErrorStalledDownloadClearsHash(t *testing.T) {
	o, st, now := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusDownloading, func(m *model.Item) { m.DownloadID = "abc123" })

	got, err := o.HandleError(ctx, it.ID, "download", retry.Mark(retry.ServiceTorrent, retry.KindDownloadStalled, errors.New("no progress for 10m")))
	require.NoError(t, err)

	assert.Equal(t, model.StatusPending, got.Status)
	assert.Empty(t, got.DownloadID, "a stalled torrent is abandoned")
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.Equal(now.Add(30*time.Second)))
}

func TestHandleErrorDeliveringFallsBackToEncoded(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusDelivering, func(m *model.Item) {
		m.Context.Encode = &model.EncodeContext{EncodedFile: "/data/encoded/out.mkv"}
		m.Checkpoint = &model.Checkpoint{DeliveredServers: []string{"srv-1"}}
	})

	got, err := o.HandleError(ctx, it.ID, "deliver", retry.Mark(retry.ServiceDelivery, retry.KindNetworkRefused, errors.New("connection refused")))
	require.NoError(t, err)

	assert.Equal(t, model.StatusEncoded, got.Status)
	require.NotNil(t, got.Checkpoint)
	assert.True(t, got.Checkpoint.Delivered("srv-1"), "delivered servers survive a delivery retry")
}

func TestHandleErrorEncoderOutageParksItemInPlace(t *testing.T) {
	o, st, now := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusDownloaded, func(m *model.Item) {
		m.Context.Download = &model.DownloadContext{
			Complete:  true,
			VideoFile: &model.MediaFile{Path: "/dl/movie.mkv", Size: 2 << 30},
		}
	})

	got, err := o.HandleError(ctx, it.ID, "encode", retry.Mark(retry.ServiceEncoder, retry.KindEncoderUnavailable, errors.New("no encoder available")))
	require.NoError(t, err)

	assert.Equal(t, model.StatusDownloaded, got.Status, "skip-mode errors leave the item where it is")
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.NextRetryAt)
	require.NotNil(t, got.SkipUntil)
	assert.True(t, got.SkipUntil.Equal(now.Add(5*time.Minute)))
}

func TestMarkDeliveredAccumulatesCheckpoint(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusDelivering, func(m *model.Item) {
		m.Context.Encode = &model.EncodeContext{EncodedFile: "/data/encoded/out.mkv"}
		m.Checkpoint = &model.Checkpoint{}
	})

	_, err := o.MarkDeliveryFailed(ctx, it.ID, "srv-2", "connection refused")
	require.NoError(t, err)
	got, err := o.MarkDelivered(ctx, it.ID, "srv-1")
	require.NoError(t, err)
	assert.True(t, got.Checkpoint.Delivered("srv-1"))
	assert.Equal(t, "connection refused", got.Checkpoint.FailedServers["srv-2"])

	// A later success clears the recorded failure.
	got, err = o.MarkDelivered(ctx, it.ID, "srv-2")
	require.NoError(t, err)
	assert.True(t, got.Checkpoint.Covers([]string{"srv-1", "srv-2"}))
	assert.Empty(t, got.Checkpoint.FailedServers)
}

func TestHandleErrorIgnoresTerminalItems(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusCompleted, func(m *model.Item) { m.Progress = 100 })

	got, err := o.HandleError(ctx, it.ID, "deliver", errors.New("late failure"))
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Empty(t, got.ErrorHistory)
}

func TestCancelIsIdempotent(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusSearching, nil)

	got, err := o.Cancel(ctx, it.ID, "user request")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	got, err = o.Cancel(ctx, it.ID, "user request")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
}

func TestCancelRefusesFinishedItems(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusCompleted, func(m *model.Item) { m.Progress = 100 })

	_, err := o.Cancel(ctx, it.ID, "too late")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot cancel")
}

type fakeRemover struct {
	mu     sync.Mutex
	hashes []string
	data   []bool
}

func (f *fakeRemover) Remove(_ context.Context, infoHash string, deleteData bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes = append(f.hashes, infoHash)
	f.data = append(f.data, deleteData)
	return nil
}

func TestCancelRemovesActiveTorrent(t *testing.T) {
	remover := &fakeRemover{}
	o, st, _ := newTestOrchestrator(t, WithTorrentRemover(remover))
	ctx := context.Background()
	it := seedItem(t, st, model.StatusDownloading, func(m *model.Item) { m.DownloadID = "abc123" })

	_, err := o.Cancel(ctx, it.ID, "user request")
	require.NoError(t, err)

	require.Len(t, remover.hashes, 1)
	assert.Equal(t, "abc123", remover.hashes[0])
	assert.False(t, remover.data[0], "downloaded data is kept on cancel")
}

func TestCancelRequestSkipsTerminalItems(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()

	req := &model.Request{
		ID:        uuid.NewString(),
		MediaType: model.MediaTypeTV,
		Title:     "Breaking Bad",
		Year:      2008,
		Season:    1,
		Episodes:  []int{1, 2},
		Targets:   []model.Target{{ServerID: "srv-1"}},
		Status:    model.RequestProcessing,
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}
	require.NoError(t, st.CreateRequest(ctx, req))
	done := &model.Item{
		ID: uuid.NewString(), RequestID: req.ID, Kind: model.KindEpisode,
		Title: "Breaking Bad", Year: 2008, Season: 1, Episode: 1,
		Status: model.StatusCompleted, Progress: 100, MaxAttempts: 5,
		CreatedAt: testEpoch, UpdatedAt: testEpoch,
	}
	live := &model.Item{
		ID: uuid.NewString(), RequestID: req.ID, Kind: model.KindEpisode,
		Title: "Breaking Bad", Year: 2008, Season: 1, Episode: 2,
		Status: model.StatusSearching, MaxAttempts: 5,
		CreatedAt: testEpoch, UpdatedAt: testEpoch,
	}
	require.NoError(t, st.CreateItem(ctx, done))
	require.NoError(t, st.CreateItem(ctx, live))

	require.NoError(t, o.CancelRequest(ctx, req.ID, "user request"))

	gotDone, err := st.GetItem(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, gotDone.Status)

	gotLive, err := st.GetItem(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, gotLive.Status)

	// One finished and one cancelled item roll up to completed.
	gotReq, err := st.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCompleted, gotReq.Status)
}

func TestRetryResetsFailedItem(t *testing.T) {
	o, st, now := newTestOrchestrator(t)
	ctx := context.Background()
	gate := now.Add(time.Hour)
	it := seedItem(t, st, model.StatusFailed, func(m *model.Item) {
		m.Attempts = 5
		m.LastError = "retries exhausted: connection refused"
		m.NextRetryAt = &gate
		m.DownloadID = "abc123"
		m.EncodingJobID = "job-1"
		m.Progress = 80
		m.Context.Search = &model.SearchContext{SelectedRelease: &model.Release{Title: "stale"}}
		m.Checkpoint = &model.Checkpoint{DeliveredServers: []string{"srv-1"}}
	})

	got, err := o.Retry(ctx, it.ID)
	require.NoError(t, err)

	assert.Equal(t, model.StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Zero(t, got.Progress)
	assert.Empty(t, got.LastError)
	assert.Empty(t, got.DownloadID)
	assert.Empty(t, got.EncodingJobID)
	assert.Nil(t, got.NextRetryAt)
	assert.Nil(t, got.Context.Search, "stage context is re-earned")
	require.NotNil(t, got.Checkpoint)
	assert.True(t, got.Checkpoint.Delivered("srv-1"), "delivered servers survive a retry")
}

func TestRetryRequiresTerminalRetryableStatus(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusSearching, nil)

	_, err := o.Retry(ctx, it.ID)
	var nrErr *NotRetryableError
	require.ErrorAs(t, err, &nrErr)
	assert.Equal(t, model.StatusSearching, nrErr.Status)
}

func TestUpdateProgressMonotonicWithDebounce(t *testing.T) {
	o, st, now := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusDownloading, func(m *model.Item) { m.DownloadID = "abc123" })

	got, err := o.UpdateProgress(ctx, it.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Progress)
	require.NotNil(t, got.LastProgressAt)
	firstAdvance := *got.LastProgressAt

	// A lower value never wins.
	got, err = o.UpdateProgress(ctx, it.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Progress)

	// Same value inside the debounce window is dropped entirely.
	before, err := st.GetItem(ctx, it.ID)
	require.NoError(t, err)
	got, err = o.UpdateProgress(ctx, it.ID, 10)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(before.UpdatedAt), "no write inside the debounce window")

	// After the window the same value is persisted as a liveness touch
	// that leaves the stall markers alone.
	*now = now.Add(31 * time.Second)
	got, err = o.UpdateProgress(ctx, it.ID, 10)
	require.NoError(t, err)
	assert.True(t, got.LastProgressAt.Equal(firstAdvance), "liveness touch must not reset the stall timer")

	// Values above 100 clamp.
	got, err = o.UpdateProgress(ctx, it.ID, 250)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
}

func TestUpdateStepContextMerges(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusDownloading, func(m *model.Item) {
		m.DownloadID = "abc123"
		m.Context.Search = &model.SearchContext{Skipped: true, SkipReason: "existing download"}
	})

	got, err := o.UpdateStepContext(ctx, it.ID, model.StepContext{
		Download: &model.DownloadContext{ContentPath: "/data/done/matrix"},
	})
	require.NoError(t, err)

	require.NotNil(t, got.Context.Search, "untouched sections survive a patch")
	assert.True(t, got.Context.Search.Skipped)
	require.NotNil(t, got.Context.Download)
	assert.Equal(t, "/data/done/matrix", got.Context.Download.ContentPath)
}

func TestSetSkipUntilAndClearGates(t *testing.T) {
	o, st, now := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusPending, nil)

	until := now.Add(5 * time.Minute)
	_, err := o.SetSkipUntil(ctx, it.ID, until, "encoder down")
	require.NoError(t, err)

	eligible, err := o.ItemsForProcessing(ctx, []model.Status{model.StatusPending}, 10)
	require.NoError(t, err)
	assert.Empty(t, eligible, "a parked item is not handed to workers")

	_, err = o.ClearGates(ctx, it.ID)
	require.NoError(t, err)

	eligible, err = o.ItemsForProcessing(ctx, []model.Status{model.StatusPending}, 10)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, it.ID, eligible[0].ID)
}

func TestConcurrentProgressUpdatesSerialize(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()
	it := seedItem(t, st, model.StatusDownloading, func(m *model.Item) { m.DownloadID = "abc123" })

	var wg sync.WaitGroup
	for p := 1; p <= 50; p++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			_, err := o.UpdateProgress(ctx, it.ID, v)
			assert.NoError(t, err)
		}(p * 2)
	}
	wg.Wait()

	got, err := st.GetItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
}
