// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package scheduler decides when data sources sync and dispatches due
// syncs to a bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/marketscope/internal/config"
	"github.com/tomtom215/marketscope/internal/database"
	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/metrics"
	"github.com/tomtom215/marketscope/internal/models"
)

// Store is the data source persistence the scheduler needs.
type Store interface {
	ListDataSources(ctx context.Context, f database.DataSourceFilter) ([]models.DataSource, error)
	GetDataSource(ctx context.Context, id int64) (*models.DataSource, error)
	SetDataSourceStatus(ctx context.Context, id int64, status models.SourceStatus) error
	RecordSyncOutcome(ctx context.Context, id int64, o database.SyncOutcome) error
	FailStaleSyncRuns(ctx context.Context, olderThan time.Time) (int64, error)
}

// Runner performs one sync.
type Runner interface {
	Run(ctx context.Context, ds *models.DataSource, trigger models.SyncTrigger) (*models.SyncRun, error)
}

// ClampFunc adjusts a schedule to the owner's plan, such as raising
// the interval to a minimum.
type ClampFunc func(ctx context.Context, ds *models.DataSource) models.Schedule

// Status is a snapshot of scheduler activity.
type Status struct {
	Running    []int64    `json:"running"`
	QueueDepth int        `json:"queue_depth"`
	NextDue    *time.Time `json:"next_due,omitempty"`
}

// Scheduler tracks every schedulable data source in a Queue and runs due
// sources, at most MaxConcurrent at a time.
type Scheduler struct {
	cfg    config.SyncConfig
	store  Store
	runner Runner
	locker Locker
	clamp  ClampFunc
	queue  *Queue
	now    func() time.Time

	mu      sync.Mutex
	running map[int64]struct{}
	pending map[int64]models.SyncTrigger
	slots   chan struct{}
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler. A nil locker uses a LocalLocker; a nil clamp
// keeps schedules as configured.
func New(cfg config.SyncConfig, store Store, runner Runner, locker Locker, clamp ClampFunc) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		runner:  runner,
		locker:  locker,
		clamp:   clamp,
		queue:   NewQueue(),
		now:     time.Now,
		running: make(map[int64]struct{}),
		pending: make(map[int64]models.SyncTrigger),
		slots:   make(chan struct{}, cfg.MaxConcurrent),
		wake:    make(chan struct{}, 1),
	}
}

func (s *Scheduler) schedule(ctx context.Context, ds *models.DataSource) models.Schedule {
	if s.clamp != nil {
		return s.clamp(ctx, ds)
	}
	return ds.Schedule
}

// Start fails runs left over from a previous process, loads every
// schedulable source and starts the dispatch loop. With timed syncs
// disabled only manual triggers run.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if s.cfg.RunTimeout > 0 {
		stale, err := s.store.FailStaleSyncRuns(ctx, s.now().Add(-2*s.cfg.RunTimeout))
		if err != nil {
			logging.Warn().Err(err).Msg("Failed to close stale sync runs")
		} else if stale > 0 {
			logging.Info().Int64("runs", stale).Msg("Marked stale sync runs as failed")
		}
	}

	var sources []models.DataSource
	if s.cfg.Enabled {
		var err error
		sources, err = s.store.ListDataSources(ctx, database.DataSourceFilter{Schedulable: true})
		if err != nil {
			cancel()
			close(s.done)
			return fmt.Errorf("load data sources: %w", err)
		}
	}
	now := s.now()
	for i := range sources {
		ds := &sources[i]
		next := NextRun(s.schedule(ctx, ds), lastSync(ds), now)
		if ds.NextSyncAt != nil && ds.NextSyncAt.After(next) {
			next = *ds.NextSyncAt
		}
		if !next.IsZero() {
			s.queue.Upsert(ds.ID, next)
		}
	}
	metrics.SchedulerQueueDepth.Set(float64(s.queue.Len()))
	logging.Info().
		Int("sources", s.queue.Len()).
		Int("max_concurrent", s.cfg.MaxConcurrent).
		Dur("tick", s.cfg.TickInterval).
		Msg("Sync scheduler started")

	go s.loop(loopCtx)
	return nil
}

// Serve runs the scheduler as a supervised service until ctx ends.
func (s *Scheduler) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

func (s *Scheduler) String() string { return "sync-scheduler" }

// Stop ends the dispatch loop and waits for running syncs. Running syncs
// see their contexts canceled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.wg.Wait()
	logging.Info().Msg("Sync scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		s.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// dispatch pops as many due sources as there are free worker slots.
func (s *Scheduler) dispatch(ctx context.Context) {
	free := cap(s.slots) - len(s.slots)
	if free <= 0 {
		return
	}
	now := s.now()
	for _, e := range s.queue.PopDue(now, free) {
		s.slots <- struct{}{}
		s.wg.Add(1)
		go func(e Entry) {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.execute(ctx, e.DataSourceID)
			s.nudge()
		}(e)
	}
	metrics.SchedulerQueueDepth.Set(float64(s.queue.Len()))
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) execute(ctx context.Context, id int64) {
	s.mu.Lock()
	if _, busy := s.running[id]; busy {
		// The run in flight queues the next one when it finishes.
		s.mu.Unlock()
		return
	}
	trigger, manual := s.pending[id]
	delete(s.pending, id)
	s.running[id] = struct{}{}
	s.mu.Unlock()
	if !manual {
		trigger = models.TriggerSchedule
	}
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()
	log := logging.With().Int64("data_source_id", id).Str("trigger", string(trigger)).Logger()

	requeue := func() {
		if manual {
			s.mu.Lock()
			s.pending[id] = trigger
			s.mu.Unlock()
		}
		s.queue.Upsert(id, s.now().Add(s.cfg.TickInterval))
	}

	unlock, err := s.locker.TryLock(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			log.Debug().Msg("Sync lock held elsewhere, requeueing")
		} else {
			log.Warn().Err(err).Msg("Sync lock unavailable, requeueing")
		}
		requeue()
		return
	}
	defer unlock()

	ds, err := s.store.GetDataSource(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to load data source")
		requeue()
		return
	}
	if ds.Status == models.StatusDisabled && !manual {
		return
	}

	_, _ = s.runAndRecord(ctx, ds, trigger, log)
}

// RunNow runs one sync in the caller's goroutine and records its outcome.
// The queue is bypassed but the sync lock still applies, so a run already
// in progress elsewhere returns ErrSyncInProgress.
func (s *Scheduler) RunNow(ctx context.Context, id int64, trigger models.SyncTrigger) (*models.SyncRun, error) {
	unlock, err := s.locker.TryLock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ds, err := s.store.GetDataSource(ctx, id)
	if err != nil {
		return nil, err
	}
	log := logging.With().Int64("data_source_id", id).Str("trigger", string(trigger)).Logger()
	return s.runAndRecord(ctx, ds, trigger, log)
}

func (s *Scheduler) runAndRecord(ctx context.Context, ds *models.DataSource, trigger models.SyncTrigger, log zerolog.Logger) (*models.SyncRun, error) {
	if err := s.store.SetDataSourceStatus(ctx, ds.ID, models.StatusSyncing); err != nil {
		log.Warn().Err(err).Msg("Failed to mark data source syncing")
	}

	runCtx := ctx
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}
	run, runErr := s.runner.Run(logging.ContextWithLogger(runCtx, log), ds, trigger)

	outcome := s.outcome(ctx, ds, runErr)
	if err := s.store.RecordSyncOutcome(context.WithoutCancel(ctx), ds.ID, outcome); err != nil {
		log.Error().Err(err).Msg("Failed to record sync outcome")
	}
	if outcome.NextSyncAt != nil && s.cfg.Enabled {
		s.queue.Upsert(ds.ID, *outcome.NextSyncAt)
	}

	if runErr != nil {
		log.Warn().Err(runErr).Int("failures", outcome.ConsecutiveFailures).Msg("Sync failed")
	} else if run != nil {
		log.Info().Int64("rows", run.Rows).Int("tables", run.Tables).Dur("duration", run.Duration()).Msg("Sync finished")
	}
	return run, runErr
}

// outcome computes the source state after a run. Failures push the next
// run out by FailureBackoff; too many in a row disable the source.
func (s *Scheduler) outcome(ctx context.Context, ds *models.DataSource, runErr error) database.SyncOutcome {
	now := s.now().UTC()
	o := database.SyncOutcome{Status: models.StatusOK, LastSyncAt: now}
	next := NextRun(s.schedule(ctx, ds), now, now)
	if ds.Schedule.Kind == models.ScheduleManual {
		next = time.Time{}
	}

	if runErr != nil {
		o.Status = models.StatusFailed
		o.LastError = runErr.Error()
		o.ConsecutiveFailures = ds.ConsecutiveFailures + 1
		if !next.IsZero() {
			if retry := now.Add(FailureBackoff(o.ConsecutiveFailures, s.cfg.FailureBackoff, s.cfg.FailureBackoffMax)); retry.After(next) {
				next = retry
			}
		}
		if s.cfg.DisableAfterErrors > 0 && o.ConsecutiveFailures >= s.cfg.DisableAfterErrors {
			o.Status = models.StatusDisabled
			next = time.Time{}
		}
	}
	if !next.IsZero() {
		o.NextSyncAt = &next
	}
	return o
}

func lastSync(ds *models.DataSource) time.Time {
	if ds.LastSyncAt == nil {
		return time.Time{}
	}
	return *ds.LastSyncAt
}

// TriggerSync queues an immediate run. It returns ErrSyncInProgress when
// the source is running or already waiting for an immediate run.
func (s *Scheduler) TriggerSync(ctx context.Context, id int64, trigger models.SyncTrigger) error {
	s.mu.Lock()
	_, running := s.running[id]
	_, pending := s.pending[id]
	if running || pending {
		s.mu.Unlock()
		return ErrSyncInProgress
	}
	s.pending[id] = trigger
	s.mu.Unlock()

	if err := s.store.SetDataSourceStatus(ctx, id, models.StatusQueued); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return err
	}
	s.queue.Upsert(id, s.now())
	metrics.SchedulerQueueDepth.Set(float64(s.queue.Len()))
	s.nudge()
	return nil
}

// Reschedule recomputes the next run after a create or update.
func (s *Scheduler) Reschedule(ctx context.Context, ds *models.DataSource) {
	s.mu.Lock()
	_, pending := s.pending[ds.ID]
	s.mu.Unlock()
	if pending {
		return
	}
	if !ds.Schedulable() || !s.cfg.Enabled {
		s.queue.Remove(ds.ID)
		return
	}
	if next := NextRun(s.schedule(ctx, ds), lastSync(ds), s.now()); !next.IsZero() {
		s.queue.Upsert(ds.ID, next)
	}
	metrics.SchedulerQueueDepth.Set(float64(s.queue.Len()))
	s.nudge()
}

// Hold takes the sync lock of a source so that no run is in flight or
// starts until release is called. It returns ErrSyncInProgress while a
// run holds the lock.
func (s *Scheduler) Hold(ctx context.Context, id int64) (release func(), err error) {
	return s.locker.TryLock(ctx, id)
}

// Unschedule forgets a deleted source.
func (s *Scheduler) Unschedule(id int64) {
	s.queue.Remove(id)
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
	metrics.SchedulerQueueDepth.Set(float64(s.queue.Len()))
}

// NextRunFor returns the queued time of a source.
func (s *Scheduler) NextRunFor(id int64) (time.Time, bool) {
	return s.queue.Get(id)
}

// Status returns running sources, queue depth and the next due time.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{Running: make([]int64, 0, len(s.running))}
	for id := range s.running {
		st.Running = append(st.Running, id)
	}
	s.mu.Unlock()
	sort.Slice(st.Running, func(i, j int) bool { return st.Running[i] < st.Running[j] })
	st.QueueDepth = s.queue.Len()
	if e, ok := s.queue.Peek(); ok {
		next := e.NextRun
		st.NextDue = &next
	}
	return st
}
