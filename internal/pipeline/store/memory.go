// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pipearr/pipearr/internal/pipeline/model"
)

// Memory is a map-backed store for unit tests. Entities are cloned on
// the way in and out so callers never share mutable state with the
// store.
type Memory struct {
	mu          sync.RWMutex
	requests    map[string]*model.Request
	items       map[string]*model.Item
	downloads   map[string]*model.Download // keyed by info hash
	assignments map[string]*model.EncoderAssignment
	flight      aggregateFlight
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		requests:    make(map[string]*model.Request),
		items:       make(map[string]*model.Item),
		downloads:   make(map[string]*model.Download),
		assignments: make(map[string]*model.EncoderAssignment),
	}
}

func (m *Memory) Close() error { return nil }

// clone round-trips src through JSON into dst. Entities are plain data,
// so this is safe and keeps aliasing bugs out of tests.
func clone[T any](src *T) *T {
	raw, err := json.Marshal(src)
	if err != nil {
		panic(fmt.Sprintf("store: clone marshal: %v", err))
	}
	dst := new(T)
	if err := json.Unmarshal(raw, dst); err != nil {
		panic(fmt.Sprintf("store: clone unmarshal: %v", err))
	}
	return dst
}

// Requests

func (m *Memory) CreateRequest(_ context.Context, req *model.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.requests[req.ID]; exists {
		return fmt.Errorf("request %s already exists", req.ID)
	}
	m.requests[req.ID] = clone(req)
	return nil
}

func (m *Memory) GetRequest(_ context.Context, id string) (*model.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return clone(req), nil
}

func (m *Memory) ListRequests(_ context.Context, limit, offset int) ([]model.Request, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*model.Request, 0, len(m.requests))
	for _, req := range m.requests {
		all = append(all, req)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	out := make([]model.Request, 0, end-offset)
	for _, req := range all[offset:end] {
		out = append(out, *clone(req))
	}
	return out, total, nil
}

func (m *Memory) UpdateRequest(_ context.Context, id string, fn func(*model.Request) error) (*model.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	next := clone(req)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	m.requests[id] = next
	return clone(next), nil
}

func (m *Memory) DeleteRequest(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[id]; !ok {
		return fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	delete(m.requests, id)
	for itemID, item := range m.items {
		if item.RequestID == id {
			delete(m.items, itemID)
		}
	}
	return nil
}

// Items

func (m *Memory) CreateItem(_ context.Context, item *model.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[item.ID]; exists {
		return fmt.Errorf("item %s already exists", item.ID)
	}
	m.items[item.ID] = clone(item)
	return nil
}

func (m *Memory) GetItem(_ context.Context, id string) (*model.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return clone(item), nil
}

func (m *Memory) ItemsByRequest(_ context.Context, requestID string) ([]model.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Item
	for _, item := range m.items {
		if item.RequestID == requestID {
			out = append(out, *clone(item))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Season != out[j].Season {
			return out[i].Season < out[j].Season
		}
		if out[i].Episode != out[j].Episode {
			return out[i].Episode < out[j].Episode
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ItemsByStatus(_ context.Context, statuses []model.Status) ([]model.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[model.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []model.Item
	for _, item := range m.items {
		if want[item.Status] {
			out = append(out, *clone(item))
		}
	}
	sortByUpdated(out)
	return out, nil
}

func (m *Memory) ItemsForProcessing(_ context.Context, statuses []model.Status, now time.Time, limit int) ([]model.Item, error) {
	if len(statuses) == 0 || limit <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[model.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []model.Item
	for _, item := range m.items {
		if !want[item.Status] {
			continue
		}
		if item.NextRetryAt != nil && item.NextRetryAt.After(now) {
			continue
		}
		if item.SkipUntil != nil && item.SkipUntil.After(now) {
			continue
		}
		out = append(out, *clone(item))
	}
	sortByUpdated(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ItemsWithElapsedCooldown(_ context.Context, now time.Time, limit int) ([]model.Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Item
	for _, item := range m.items {
		if item.Status != model.StatusDiscovered || item.CooldownEndsAt == nil {
			continue
		}
		if item.CooldownEndsAt.After(now) {
			continue
		}
		out = append(out, *clone(item))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CooldownEndsAt.Equal(*out[j].CooldownEndsAt) {
			return out[i].CooldownEndsAt.Before(*out[j].CooldownEndsAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortByUpdated(items []model.Item) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.Before(items[j].UpdatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func (m *Memory) UpdateItem(_ context.Context, id string, fn func(*model.Item) error) (*model.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	next := clone(item)
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	m.items[id] = next
	return clone(next), nil
}

func (m *Memory) CountByStatus(_ context.Context) (map[model.Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[model.Status]int)
	for _, item := range m.items {
		out[item.Status]++
	}
	return out, nil
}

// Downloads

func (m *Memory) UpsertDownload(_ context.Context, dl *model.Download) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.downloads[dl.InfoHash]; ok {
		next := clone(dl)
		next.ID = existing.ID
		next.CreatedAt = existing.CreatedAt
		m.downloads[dl.InfoHash] = next
		return nil
	}
	m.downloads[dl.InfoHash] = clone(dl)
	return nil
}

func (m *Memory) DownloadByInfoHash(_ context.Context, infoHash string) (*model.Download, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dl, ok := m.downloads[infoHash]
	if !ok {
		return nil, fmt.Errorf("download %s: %w", infoHash, ErrNotFound)
	}
	return clone(dl), nil
}

func (m *Memory) FindDownloadByNormalizedName(_ context.Context, normalized string) (*model.Download, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var newest *model.Download
	for _, dl := range m.downloads {
		if dl.NormalizedName != normalized {
			continue
		}
		if newest == nil || dl.CreatedAt.After(newest.CreatedAt) {
			newest = dl
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("download named %q: %w", normalized, ErrNotFound)
	}
	return clone(newest), nil
}

// Encoder assignments

func (m *Memory) UpsertAssignment(_ context.Context, a *model.EncoderAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.assignments[a.JobID]; ok {
		next := clone(a)
		next.CreatedAt = existing.CreatedAt
		m.assignments[a.JobID] = next
		return nil
	}
	m.assignments[a.JobID] = clone(a)
	return nil
}

func (m *Memory) AssignmentByJobID(_ context.Context, jobID string) (*model.EncoderAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[jobID]
	if !ok {
		return nil, fmt.Errorf("assignment %s: %w", jobID, ErrNotFound)
	}
	return clone(a), nil
}

// Aggregates

func (m *Memory) RecomputeRequestAggregate(ctx context.Context, requestID string) (*model.Request, error) {
	return m.flight.do(requestID, func() (*model.Request, error) {
		items, err := m.ItemsByRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		status, progress, errMsg := computeAggregate(items)
		return m.UpdateRequest(ctx, requestID, func(req *model.Request) error {
			req.Status = status
			req.Progress = progress
			req.Error = errMsg
			return nil
		})
	})
}
