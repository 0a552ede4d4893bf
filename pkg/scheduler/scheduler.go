// Package scheduler implements the background admission loop: it wakes on a
// fixed interval, consults the credential pool and executor for headroom,
// and hands the next eligible job to the task executor (spec.md §4.7).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomentu/poicrawler/internal/clock"
	"github.com/tomentu/poicrawler/internal/store"
	"github.com/tomentu/poicrawler/internal/telemetry"
)

// Tick is the scheduler's wake interval.
const Tick = 1 * time.Second

// StallWindow is the interval after which a running job with no heartbeat
// is considered reclaimable (spec.md §3).
const StallWindow = store.StallWindow

// offPeakCap and peakCap bound the number of concurrently running jobs,
// switching at 09:00 local time (spec.md §4.7 step 3).
const (
	offPeakCap = 1
	peakCap    = 3
	peakHour   = 9
)

// JobStore is the subset of internal/store.JobStore the scheduler needs.
type JobStore interface {
	CountActiveSince(ctx context.Context, since time.Time) (int, error)
	ListWaitingOrStalled(ctx context.Context, stallBoundary time.Time) ([]store.Job, error)
	ListResumable(ctx context.Context, stallBoundary time.Time) ([]store.Job, error)
	UpdateJobStatusIf(ctx context.Context, id int64, expectedFrom []store.Status, newStatus store.Status) (bool, error)
}

// CredentialProbe is the subset of pkg/credential.Pool the scheduler needs
// to gate admission on upstream credential availability.
type CredentialProbe interface {
	Acquire(ctx context.Context, kind store.Kind) (store.Credential, bool, error)
}

// Executor is the subset of pkg/executor.Executor the scheduler needs.
type Executor interface {
	Submit(taskID string, fn func(ctx context.Context, taskID string, cancel <-chan struct{}) bool) bool
	RunningIds() []string
}

// Execute is implemented by pkg/crawl.Engine.
type Execute func(ctx context.Context, taskID string, cancel <-chan struct{}) bool

// Scheduler is the priority-ordered admission loop (spec.md §4.7).
type Scheduler struct {
	jobs     JobStore
	creds    CredentialProbe
	executor Executor
	execute  Execute
	clock    clock.Clock
	logger   *slog.Logger

	busy chan struct{} // 1-buffered semaphore: non-blocking CheckAndAdmit guard
}

// New creates a Scheduler.
func New(jobs JobStore, creds CredentialProbe, executor Executor, execute Execute, c clock.Clock, logger *slog.Logger) *Scheduler {
	busy := make(chan struct{}, 1)
	busy <- struct{}{}
	return &Scheduler{jobs: jobs, creds: creds, executor: executor, execute: execute, clock: c, logger: logger, busy: busy}
}

// Run blocks, ticking every Tick and running CheckAndAdmit, until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "tick", Tick)
	ticker := time.NewTicker(Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.CheckAndAdmit(ctx); err != nil {
				s.logger.Error("scheduler tick", "error", err)
			}
		}
	}
}

// CheckAndAdmit runs a single admission decision, guarded by a non-blocking
// acquire so a slow tick never piles up concurrent admissions (spec.md
// §4.7, §5 "scheduler mutex").
func (s *Scheduler) CheckAndAdmit(ctx context.Context) error {
	select {
	case <-s.busy:
	default:
		return nil // previous tick still in flight; skip this one
	}
	defer func() { s.busy <- struct{}{} }()

	now := s.clock.Now()
	stallBoundary := now.Add(-StallWindow)

	activeCount, err := s.jobs.CountActiveSince(ctx, stallBoundary)
	if err != nil {
		return fmt.Errorf("counting active jobs: %w", err)
	}

	concurrencyCap := peakCap
	if now.Hour() < peakHour {
		concurrencyCap = offPeakCap
	}
	if activeCount >= concurrencyCap {
		return nil
	}

	// Probe only: the pool holds no reservation, so the credential is not
	// used here. Acquire still applies any due daily reset and, with a QPS
	// limiter, counts against the candidates' per-second budget (spec.md §9
	// open question).
	if _, ok, err := s.creds.Acquire(ctx, store.KindPolygon); err != nil {
		return fmt.Errorf("probing credential pool: %w", err)
	} else if !ok {
		return nil
	}

	candidates, err := s.jobs.ListWaitingOrStalled(ctx, stallBoundary)
	if err != nil {
		return fmt.Errorf("listing waiting/stalled jobs: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}
	job := candidates[0]

	ok, err := s.jobs.UpdateJobStatusIf(ctx, job.ID, []store.Status{store.StatusWaiting, store.StatusRunning}, store.StatusRunning)
	if err != nil {
		return fmt.Errorf("admitting job %s: %w", job.TaskID, err)
	}
	if !ok {
		return nil
	}

	s.executor.Submit(job.TaskID, func(ctx context.Context, taskID string, cancel <-chan struct{}) bool {
		return s.execute(ctx, taskID, cancel)
	})
	telemetry.JobsAdmittedTotal.Inc()
	s.logger.Info("admitted job", "task_id", job.TaskID, "priority", job.Priority)
	return nil
}

// ResumeTasks moves up to limit jobs in {pending, stash} or stalled running
// back to waiting, ordered by priority (spec.md §4.7 "ResumeTasks").
func (s *Scheduler) ResumeTasks(ctx context.Context, limit int) ([]string, error) {
	now := s.clock.Now()
	stallBoundary := now.Add(-StallWindow)

	candidates, err := s.jobs.ListResumable(ctx, stallBoundary)
	if err != nil {
		return nil, fmt.Errorf("listing resumable jobs: %w", err)
	}

	var resumed []string
	for _, job := range candidates {
		if len(resumed) >= limit {
			break
		}
		ok, err := s.jobs.UpdateJobStatusIf(ctx, job.ID, []store.Status{store.StatusPending, store.StatusStash, store.StatusRunning}, store.StatusWaiting)
		if err != nil {
			return resumed, fmt.Errorf("resuming job %s: %w", job.TaskID, err)
		}
		if ok {
			resumed = append(resumed, job.TaskID)
		}
	}
	return resumed, nil
}
