// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pipearr/pipearr/internal/config"
	"github.com/pipearr/pipearr/internal/delivery"
	"github.com/pipearr/pipearr/internal/encoder"
	"github.com/pipearr/pipearr/internal/indexer"
	"github.com/pipearr/pipearr/internal/library"
	"github.com/pipearr/pipearr/internal/pipeline/model"
	"github.com/pipearr/pipearr/internal/pipeline/orchestrator"
	"github.com/pipearr/pipearr/internal/pipeline/store"
	"github.com/pipearr/pipearr/internal/torrent"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) (*orchestrator.Orchestrator, *store.Memory, *time.Time) {
	t.Helper()
	st := store.NewMemory()
	now := new(time.Time)
	*now = testEpoch
	o := orchestrator.New(st, orchestrator.WithClock(func() time.Time { return *now }))
	t.Cleanup(func() { _ = st.Close() })
	return o, st, now
}

type seedOpts struct {
	targets  []model.Target
	episodes []int
	season   int
	mutate   func(*model.Item)
}

func seedMovie(t *testing.T, st *store.Memory, status model.Status, opts seedOpts) *model.Item {
	t.Helper()
	ctx := context.Background()
	targets := opts.targets
	if targets == nil {
		targets = []model.Target{{ServerID: "srv-1", ServerName: "main"}}
	}
	req := &model.Request{
		ID:        uuid.NewString(),
		MediaType: model.MediaTypeMovie,
		CatalogID: 603,
		Title:     "The Matrix",
		Year:      1999,
		Targets:   targets,
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
	if opts.mutate != nil {
		opts.mutate(it)
	}
	require.NoError(t, st.CreateItem(ctx, it))
	return it
}

// seedSeason creates a tv request with one item per episode, all in the
// given status.
func seedSeason(t *testing.T, st *store.Memory, status model.Status, opts seedOpts) []model.Item {
	t.Helper()
	ctx := context.Background()
	targets := opts.targets
	if targets == nil {
		targets = []model.Target{{ServerID: "srv-1", ServerName: "main"}}
	}
	season := opts.season
	if season == 0 {
		season = 1
	}
	episodes := opts.episodes
	if episodes == nil {
		episodes = []int{1, 2}
	}
	req := &model.Request{
		ID:        uuid.NewString(),
		MediaType: model.MediaTypeTV,
		CatalogID: 1396,
		Title:     "Breaking Bad",
		Year:      2008,
		Season:    season,
		Episodes:  episodes,
		Targets:   targets,
		Status:    model.RequestProcessing,
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}
	require.NoError(t, st.CreateRequest(ctx, req))

	items := make([]model.Item, 0, len(episodes))
	for _, ep := range episodes {
		it := model.Item{
			ID:          uuid.NewString(),
			RequestID:   req.ID,
			Kind:        model.KindEpisode,
			CatalogID:   1396,
			Title:       "Breaking Bad",
			Year:        2008,
			Season:      season,
			Episode:     ep,
			Status:      status,
			MaxAttempts: 5,
			CreatedAt:   testEpoch,
			UpdatedAt:   testEpoch,
		}
		if opts.mutate != nil {
			opts.mutate(&it)
		}
		require.NoError(t, st.CreateItem(ctx, &it))
		items = append(items, it)
	}
	return items
}

// staticTemplates serves one template for every name.
type staticTemplates struct {
	tpl config.Template
}

func (s staticTemplates) Template(string) config.Template { return s.tpl }

func defaultTemplates() staticTemplates {
	return staticTemplates{tpl: config.DefaultTemplate()}
}

// fakeIndexer returns canned releases.
type fakeIndexer struct {
	releases []model.Release
	err      error
	queries  int
}

func (f *fakeIndexer) SearchMovie(_ context.Context, _ indexer.MovieQuery) ([]model.Release, error) {
	f.queries++
	return f.releases, f.err
}

func (f *fakeIndexer) SearchTVSeason(_ context.Context, _ indexer.SeasonQuery) ([]model.Release, error) {
	f.queries++
	return f.releases, f.err
}

// fakeTorrent is an in-memory torrent client.
type fakeTorrent struct {
	torrents map[string]*torrent.TorrentStatus
	files    map[string][]model.MediaFile
	added    []torrent.AddRequest
	addErr   error
	listErr  error
	removed  []string
}

func newFakeTorrent() *fakeTorrent {
	return &fakeTorrent{
		torrents: make(map[string]*torrent.TorrentStatus),
		files:    make(map[string][]model.MediaFile),
	}
}

func (f *fakeTorrent) Add(_ context.Context, req torrent.AddRequest) (*torrent.Added, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.added = append(f.added, req)
	hash := req.InfoHash
	if hash == "" {
		hash = fmt.Sprintf("hash-%d", len(f.added))
	}
	if _, ok := f.torrents[hash]; !ok {
		f.torrents[hash] = &torrent.TorrentStatus{InfoHash: hash, Name: req.Name, State: "downloading"}
	}
	return &torrent.Added{InfoHash: hash, Name: req.Name}, nil
}

func (f *fakeTorrent) Status(_ context.Context, infoHash string) (*torrent.TorrentStatus, error) {
	return f.torrents[infoHash], nil
}

func (f *fakeTorrent) List(_ context.Context) ([]torrent.TorrentStatus, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]torrent.TorrentStatus, 0, len(f.torrents))
	for _, t := range f.torrents {
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeTorrent) Files(_ context.Context, infoHash string) ([]model.MediaFile, error) {
	return f.files[infoHash], nil
}

func (f *fakeTorrent) Remove(_ context.Context, infoHash string, _ bool) error {
	f.removed = append(f.removed, infoHash)
	delete(f.torrents, infoHash)
	return nil
}

// fakeDispatcher is an in-memory encoder pool.
type fakeDispatcher struct {
	encoders    int
	countErr    error
	queueErr    error
	queued      []encoder.Job
	assignments map[string]*model.EncoderAssignment
	cancelled   []string
}

func newFakeDispatcher(encoders int) *fakeDispatcher {
	return &fakeDispatcher{
		encoders:    encoders,
		assignments: make(map[string]*model.EncoderAssignment),
	}
}

func (f *fakeDispatcher) EncoderCount(context.Context) (int, error) {
	return f.encoders, f.countErr
}

func (f *fakeDispatcher) Queue(_ context.Context, job encoder.Job) (*model.EncoderAssignment, error) {
	if f.queueErr != nil {
		return nil, f.queueErr
	}
	f.queued = append(f.queued, job)
	a := &model.EncoderAssignment{
		JobID:  fmt.Sprintf("job-%d", len(f.queued)),
		ItemID: job.ItemID,
		Status: model.AssignmentQueued,
	}
	f.assignments[a.JobID] = a
	return a, nil
}

func (f *fakeDispatcher) Refresh(_ context.Context, jobID string) (*model.EncoderAssignment, error) {
	a, ok := f.assignments[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: not found", jobID)
	}
	return a, nil
}

func (f *fakeDispatcher) Cancel(_ context.Context, jobID string) error {
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

// fakeTransport records deliveries and fails the configured servers.
type fakeTransport struct {
	delivered []deliveredFile
	failOn    map[string]error
	existing  map[string]*delivery.FileInfo // serverID|remotePath
}

type deliveredFile struct {
	serverID   string
	localPath  string
	remotePath string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		failOn:   make(map[string]error),
		existing: make(map[string]*delivery.FileInfo),
	}
}

func (f *fakeTransport) Deliver(_ context.Context, serverID, localPath, remotePath string, onProgress func(int64)) (int64, error) {
	if err := f.failOn[serverID]; err != nil {
		return 0, err
	}
	if onProgress != nil {
		onProgress(1 << 20)
	}
	f.delivered = append(f.delivered, deliveredFile{serverID: serverID, localPath: localPath, remotePath: remotePath})
	return 1 << 20, nil
}

func (f *fakeTransport) Stat(_ context.Context, serverID, remotePath string) (*delivery.FileInfo, error) {
	return f.existing[serverID+"|"+remotePath], nil
}

// staticServers resolves server records from a fixed set.
type staticServers map[string]config.Server

func (s staticServers) ServerByID(id string) (config.Server, bool) {
	srv, ok := s[id]
	return srv, ok
}

// fakeLibrary records upserts.
type fakeLibrary struct {
	items []library.Item
}

func (f *fakeLibrary) Upsert(_ context.Context, item library.Item) error {
	f.items = append(f.items, item)
	return nil
}

func (f *fakeLibrary) Has(_ context.Context, key library.Key) (bool, error) {
	for _, it := range f.items {
		if library.KeyOf(it) == key {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLibrary) ItemsByCatalog(_ context.Context, catalogID int64) ([]library.Item, error) {
	var out []library.Item
	for _, it := range f.items {
		if it.CatalogID == catalogID {
			out = append(out, it)
		}
	}
	return out, nil
}
