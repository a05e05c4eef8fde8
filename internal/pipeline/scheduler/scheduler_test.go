// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockClock struct {
	mu    sync.Mutex
	timer *mockTimer
}

func (m *mockClock) Now() time.Time { return time.Now().UTC() }

func (m *mockClock) NewTimer(time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer == nil {
		m.timer = &mockTimer{c: make(chan time.Time, 1)}
	}
	return m.timer
}

// trigger fires the task's timer, waiting for the loop goroutine to
// have created it first.
func (m *mockClock) trigger() {
	for {
		m.mu.Lock()
		t := m.timer
		m.mu.Unlock()
		if t != nil {
			t.c <- time.Now()
			return
		}
		time.Sleep(time.Millisecond)
	}
}

type mockTimer struct {
	c chan time.Time
}

func (m *mockTimer) C() <-chan time.Time      { return m.c }
func (m *mockTimer) Stop() bool               { return true }
func (m *mockTimer) Reset(time.Duration) bool { return true }

type fakeTask struct {
	id       string
	interval time.Duration
	err      error
	panics   bool

	started chan struct{}
	release chan struct{}
}

func (f *fakeTask) ID() string              { return f.id }
func (f *fakeTask) Interval() time.Duration { return f.interval }

func (f *fakeTask) RunBatch(context.Context) error {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.panics {
		panic("boom")
	}
	return f.err
}

func startScheduler(t *testing.T, task *fakeTask, clock *mockClock) (*Scheduler, context.CancelFunc) {
	t.Helper()
	s := New(WithSchedulerClock(clock))
	require.NoError(t, s.Register(task, task.id))
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return s, cancel
}

func waitForRuns(t *testing.T, s *Scheduler, id string, runs uint64) TaskStatus {
	t.Helper()
	var st TaskStatus
	require.Eventually(t, func() bool {
		for _, ts := range s.Snapshot() {
			if ts.ID == id && ts.Runs >= runs {
				st = ts
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	return st
}

func TestSchedulerRunsTaskOnTick(t *testing.T) {
	clock := &mockClock{}
	task := &fakeTask{id: "search", interval: 30 * time.Second}
	s, _ := startScheduler(t, task, clock)

	clock.trigger()
	st := waitForRuns(t, s, "search", 1)
	assert.Equal(t, uint64(1), st.Runs)
	assert.Empty(t, st.LastError)
	require.NotNil(t, st.LastStart)

	clock.trigger()
	st = waitForRuns(t, s, "search", 2)
	assert.Equal(t, uint64(2), st.Runs)
}

func TestSchedulerSkipsOverlappingTick(t *testing.T) {
	clock := &mockClock{}
	task := &fakeTask{
		id:       "download",
		interval: 15 * time.Second,
		started:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	s, _ := startScheduler(t, task, clock)

	clock.trigger()
	<-task.started

	// The run is still blocked; this tick must be skipped, not queued.
	clock.trigger()
	require.Eventually(t, func() bool {
		return s.Snapshot()[0].Skips == 1
	}, time.Second, time.Millisecond)

	close(task.release)
	st := waitForRuns(t, s, "download", 1)
	assert.Equal(t, uint64(1), st.Runs, "the skipped tick must not run later")
	assert.Equal(t, uint64(1), st.Skips)
}

func TestSchedulerRecoversPanic(t *testing.T) {
	clock := &mockClock{}
	task := &fakeTask{id: "encode", interval: 15 * time.Second, panics: true}
	s, _ := startScheduler(t, task, clock)

	clock.trigger()
	st := waitForRuns(t, s, "encode", 1)
	assert.Equal(t, uint64(1), st.Panics)
	assert.Contains(t, st.LastError, "panic")

	// The loop survives and runs again.
	task.panics = false
	clock.trigger()
	st = waitForRuns(t, s, "encode", 2)
	assert.Equal(t, uint64(2), st.Runs)
}

func TestSchedulerRecordsTaskError(t *testing.T) {
	clock := &mockClock{}
	task := &fakeTask{id: "deliver", interval: time.Minute, err: errors.New("transport down")}
	s, _ := startScheduler(t, task, clock)

	clock.trigger()
	st := waitForRuns(t, s, "deliver", 1)
	assert.Equal(t, "transport down", st.LastError)

	// A clean run clears the error.
	task.err = nil
	clock.trigger()
	st = waitForRuns(t, s, "deliver", 2)
	assert.Empty(t, st.LastError)
}

func TestSchedulerStopWaitsForInflightRun(t *testing.T) {
	clock := &mockClock{}
	task := &fakeTask{
		id:       "recovery",
		interval: time.Minute,
		started:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	s := New(WithSchedulerClock(clock))
	require.NoError(t, s.Register(task, "recovery sweep"))
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	clock.trigger()
	<-task.started
	cancel()

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(task.release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the run finished")
	}
	assert.Equal(t, uint64(1), s.Snapshot()[0].Runs)
}

func TestSchedulerRegisterValidation(t *testing.T) {
	s := New()
	require.NoError(t, s.Register(&fakeTask{id: "search", interval: time.Second}, "search"))

	err := s.Register(&fakeTask{id: "search", interval: time.Second}, "again")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registered twice")

	err = s.Register(&fakeTask{id: "bad", interval: 0}, "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no interval")

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	defer func() {
		cancel()
		s.Stop()
	}()
	err = s.Register(&fakeTask{id: "late", interval: time.Second}, "late")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestSchedulerSnapshotSorted(t *testing.T) {
	s := New()
	require.NoError(t, s.Register(&fakeTask{id: "search", interval: time.Second}, "indexer search"))
	require.NoError(t, s.Register(&fakeTask{id: "deliver", interval: time.Minute}, "delivery fan-out"))

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "deliver", snap[0].ID)
	assert.Equal(t, "delivery fan-out", snap[0].Label)
	assert.Equal(t, time.Minute, snap[0].Interval)
	assert.Equal(t, "search", snap[1].ID)
}
