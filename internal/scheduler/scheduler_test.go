// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

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

	"github.com/tomtom215/marketscope/internal/config"
	"github.com/tomtom215/marketscope/internal/database"
	"github.com/tomtom215/marketscope/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	sources  map[int64]*models.DataSource
	outcomes map[int64][]database.SyncOutcome
	statuses map[int64][]models.SourceStatus
}

func newFakeStore(sources ...models.DataSource) *fakeStore {
	s := &fakeStore{
		sources:  make(map[int64]*models.DataSource),
		outcomes: make(map[int64][]database.SyncOutcome),
		statuses: make(map[int64][]models.SourceStatus),
	}
	for i := range sources {
		ds := sources[i]
		s.sources[ds.ID] = &ds
	}
	return s
}

func (s *fakeStore) ListDataSources(_ context.Context, f database.DataSourceFilter) ([]models.DataSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DataSource
	for _, ds := range s.sources {
		if f.Schedulable && !ds.Schedulable() {
			continue
		}
		out = append(out, *ds)
	}
	return out, nil
}

func (s *fakeStore) GetDataSource(_ context.Context, id int64) (*models.DataSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.sources[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *ds
	return &cp, nil
}

func (s *fakeStore) SetDataSourceStatus(_ context.Context, id int64, status models.SourceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = append(s.statuses[id], status)
	if ds, ok := s.sources[id]; ok {
		ds.Status = status
	}
	return nil
}

func (s *fakeStore) RecordSyncOutcome(_ context.Context, id int64, o database.SyncOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[id] = append(s.outcomes[id], o)
	if ds, ok := s.sources[id]; ok {
		ds.Status = o.Status
		last := o.LastSyncAt
		ds.LastSyncAt = &last
		ds.NextSyncAt = o.NextSyncAt
		ds.LastError = o.LastError
		ds.ConsecutiveFailures = o.ConsecutiveFailures
	}
	return nil
}

func (s *fakeStore) FailStaleSyncRuns(context.Context, time.Time) (int64, error) { return 0, nil }

func (s *fakeStore) lastOutcome(id int64) (database.SyncOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.outcomes[id]
	if len(o) == 0 {
		return database.SyncOutcome{}, false
	}
	return o[len(o)-1], true
}

type fakeRunner struct {
	mu       sync.Mutex
	calls    map[int64]int
	triggers []models.SyncTrigger
	err      error
	block    chan struct{}
	active   int
	peak     int
}

func newFakeRunner() *fakeRunner { return &fakeRunner{calls: make(map[int64]int)} }

func (r *fakeRunner) Run(ctx context.Context, ds *models.DataSource, trigger models.SyncTrigger) (*models.SyncRun, error) {
	r.mu.Lock()
	r.calls[ds.ID]++
	r.triggers = append(r.triggers, trigger)
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
	block, err := r.block, r.err
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	r.active--
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &models.SyncRun{DataSourceID: ds.ID, Trigger: trigger, Status: models.RunSuccess, StartedAt: now, FinishedAt: &now, Rows: 10, Tables: 1}, nil
}

func (r *fakeRunner) count(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		Enabled:            true,
		TickInterval:       10 * time.Millisecond,
		MaxConcurrent:      2,
		RunTimeout:         time.Second,
		FailureBackoff:     time.Minute,
		FailureBackoffMax:  time.Hour,
		DisableAfterErrors: 3,
	}
}

func hourly(id int64) models.DataSource {
	return models.DataSource{
		ID:       id,
		Type:     models.SourceCSV,
		Schedule: models.Schedule{Kind: models.ScheduleInterval, Every: time.Hour},
		Status:   models.StatusIdle,
	}
}

func TestSchedulerRunsDueSources(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := newFakeStore(hourly(1), hourly(2))
	runner := newFakeRunner()
	s := New(testSyncConfig(), store, runner, nil, nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return runner.count(1) == 1 && runner.count(2) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := store.lastOutcome(2)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	o, _ := store.lastOutcome(1)
	assert.Equal(t, models.StatusOK, o.Status)
	require.NotNil(t, o.NextSyncAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *o.NextSyncAt, 5*time.Second)

	next, ok := s.NextRunFor(1)
	require.True(t, ok)
	assert.True(t, next.After(time.Now().Add(50*time.Minute)))
}

func TestSchedulerSkipsManualSources(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	manual := hourly(1)
	manual.Schedule = models.Schedule{Kind: models.ScheduleManual}
	store := newFakeStore(manual)
	runner := newFakeRunner()
	s := New(testSyncConfig(), store, runner, nil, nil)

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, runner.count(1))
	assert.Equal(t, 0, s.Status().QueueDepth)

	require.NoError(t, s.TriggerSync(context.Background(), 1, models.TriggerManual))
	require.Eventually(t, func() bool { return runner.count(1) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := store.lastOutcome(1)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	o, _ := store.lastOutcome(1)
	assert.Nil(t, o.NextSyncAt, "manual sources are not requeued")
	assert.Equal(t, 0, s.Status().QueueDepth)
}

func TestTriggerSyncRejectsDuplicate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ds := hourly(1)
	ds.Schedule = models.Schedule{Kind: models.ScheduleManual}
	store := newFakeStore(ds)
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	s := New(testSyncConfig(), store, runner, nil, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.TriggerSync(ctx, 1, models.TriggerManual))
	assert.ErrorIs(t, s.TriggerSync(ctx, 1, models.TriggerManual), ErrSyncInProgress)

	require.Eventually(t, func() bool {
		return len(s.Status().Running) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, s.TriggerSync(ctx, 1, models.TriggerUpload), ErrSyncInProgress)

	close(runner.block)
	require.Eventually(t, func() bool { return len(s.Status().Running) == 0 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.TriggerSync(ctx, 1, models.TriggerUpload))
	require.Eventually(t, func() bool { return runner.count(1) == 2 }, 2*time.Second, 10*time.Millisecond)

	runner.mu.Lock()
	assert.Equal(t, []models.SyncTrigger{models.TriggerManual, models.TriggerUpload}, runner.triggers)
	runner.mu.Unlock()

	store.mu.Lock()
	assert.Contains(t, store.statuses[1], models.StatusQueued)
	assert.Contains(t, store.statuses[1], models.StatusSyncing)
	store.mu.Unlock()
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := newFakeStore(hourly(1), hourly(2), hourly(3), hourly(4), hourly(5))
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	s := New(testSyncConfig(), store, runner, nil, nil)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return len(s.Status().Running) == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s.Status().Running, 2)
	assert.Equal(t, 3, s.Status().QueueDepth)

	close(runner.block)
	require.Eventually(t, func() bool {
		total := 0
		for id := int64(1); id <= 5; id++ {
			total += runner.count(id)
		}
		return total == 5
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.LessOrEqual(t, runner.peak, 2)
}

func TestSchedulerFailureBackoffAndDisable(t *testing.T) {
	store := newFakeStore()
	runner := newFakeRunner()
	s := New(testSyncConfig(), store, runner, nil, nil)

	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	boom := errors.New("upstream 500")
	ctx := context.Background()

	ds := hourly(1)
	o := s.outcome(ctx, &ds, boom)
	assert.Equal(t, models.StatusFailed, o.Status)
	assert.Equal(t, 1, o.ConsecutiveFailures)
	assert.Equal(t, "upstream 500", o.LastError)
	require.NotNil(t, o.NextSyncAt)
	assert.Equal(t, now.Add(time.Hour), *o.NextSyncAt, "backoff shorter than interval keeps the interval")

	ds.ConsecutiveFailures = 1
	ds.Schedule.Every = time.Minute
	o = s.outcome(ctx, &ds, boom)
	assert.Equal(t, 2, o.ConsecutiveFailures)
	assert.Equal(t, now.Add(2*time.Minute), *o.NextSyncAt)

	ds.ConsecutiveFailures = 2
	o = s.outcome(ctx, &ds, boom)
	assert.Equal(t, models.StatusDisabled, o.Status)
	assert.Nil(t, o.NextSyncAt)

	ds.ConsecutiveFailures = 2
	o = s.outcome(ctx, &ds, nil)
	assert.Equal(t, models.StatusOK, o.Status)
	assert.Zero(t, o.ConsecutiveFailures)
	assert.Empty(t, o.LastError)
}

func TestSchedulerRequeuesOnLockContention(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	locker := NewLocalLocker()
	held, err := locker.TryLock(context.Background(), 1)
	require.NoError(t, err)

	store := newFakeStore(hourly(1))
	runner := newFakeRunner()
	s := New(testSyncConfig(), store, runner, locker, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, runner.count(1))
	_, queued := s.NextRunFor(1)
	assert.True(t, queued)

	held()
	require.Eventually(t, func() bool { return runner.count(1) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerClamp(t *testing.T) {
	store := newFakeStore()
	s := New(testSyncConfig(), store, newFakeRunner(), nil, func(_ context.Context, ds *models.DataSource) models.Schedule {
		sc := ds.Schedule
		if sc.Kind == models.ScheduleInterval && sc.Every < 6*time.Hour {
			sc.Every = 6 * time.Hour
		}
		return sc
	})
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	last := now.Add(-time.Hour)
	ds := hourly(9)
	ds.LastSyncAt = &last
	s.Reschedule(context.Background(), &ds)

	next, ok := s.NextRunFor(9)
	require.True(t, ok)
	assert.Equal(t, now.Add(5*time.Hour), next)

	ds.Status = models.StatusDisabled
	s.Reschedule(context.Background(), &ds)
	_, ok = s.NextRunFor(9)
	assert.False(t, ok)
}

func TestRunNow(t *testing.T) {
	store := newFakeStore(hourly(1))
	runner := newFakeRunner()
	locker := NewLocalLocker()
	s := New(testSyncConfig(), store, runner, locker, nil)

	run, err := s.RunNow(context.Background(), 1, models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, int64(10), run.Rows)
	assert.Equal(t, []models.SyncTrigger{models.TriggerManual}, runner.triggers)

	o, ok := store.lastOutcome(1)
	require.True(t, ok)
	assert.Equal(t, models.StatusOK, o.Status)

	held, err := locker.TryLock(context.Background(), 1)
	require.NoError(t, err, "RunNow must release the lock")
	_, err = s.RunNow(context.Background(), 1, models.TriggerManual)
	assert.ErrorIs(t, err, ErrSyncInProgress)
	held()

	_, err = s.RunNow(context.Background(), 99, models.TriggerManual)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestTimedSyncsDisabled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testSyncConfig()
	cfg.Enabled = false
	store := newFakeStore(hourly(1), hourly(2))
	runner := newFakeRunner()
	s := New(cfg, store, runner, nil, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, runner.count(1))

	require.NoError(t, s.TriggerSync(context.Background(), 2, models.TriggerManual))
	require.Eventually(t, func() bool { return runner.count(2) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, runner.count(1))
	require.Eventually(t, func() bool {
		_, ok := store.lastOutcome(2)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	_, queued := s.NextRunFor(2)
	assert.False(t, queued)
}

func TestHoldBlocksRunsUntilReleased(t *testing.T) {
	locker := NewLocalLocker()
	s := New(testSyncConfig(), newFakeStore(hourly(1)), newFakeRunner(), locker, nil)

	running, err := locker.TryLock(context.Background(), 1)
	require.NoError(t, err)
	_, err = s.Hold(context.Background(), 1)
	assert.ErrorIs(t, err, ErrSyncInProgress)
	running()

	release, err := s.Hold(context.Background(), 1)
	require.NoError(t, err)
	_, err = s.RunNow(context.Background(), 1, models.TriggerManual)
	assert.ErrorIs(t, err, ErrSyncInProgress)
	release()

	_, err = s.RunNow(context.Background(), 1, models.TriggerManual)
	assert.NoError(t, err)
}

func TestDueEntryDuringRunKeepsComputedNextRun(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := newFakeStore(hourly(1))
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	s := New(testSyncConfig(), store, runner, nil, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return runner.count(1) == 1 }, 2*time.Second, 5*time.Millisecond)

	// A schedule change while the run is in flight makes the source due again.
	s.queue.Upsert(1, time.Now())
	s.nudge()
	require.Eventually(t, func() bool {
		_, queued := s.NextRunFor(1)
		return !queued
	}, 2*time.Second, 5*time.Millisecond)

	close(runner.block)
	require.Eventually(t, func() bool {
		_, ok := store.lastOutcome(1)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.count(1))
	next, ok := s.NextRunFor(1)
	require.True(t, ok)
	assert.True(t, next.After(time.Now().Add(50*time.Minute)), "next run = %v", next)
}
