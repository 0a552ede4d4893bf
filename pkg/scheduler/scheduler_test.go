package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tomentu/poicrawler/internal/clock"
	"github.com/tomentu/poicrawler/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeJobs struct {
	activeCount   int
	waitingOrStal []store.Job
	resumable     []store.Job
	updated       map[int64]store.Status
}

func (f *fakeJobs) CountActiveSince(ctx context.Context, since time.Time) (int, error) {
	return f.activeCount, nil
}

func (f *fakeJobs) ListWaitingOrStalled(ctx context.Context, stallBoundary time.Time) ([]store.Job, error) {
	return f.waitingOrStal, nil
}

func (f *fakeJobs) ListResumable(ctx context.Context, stallBoundary time.Time) ([]store.Job, error) {
	return f.resumable, nil
}

func (f *fakeJobs) UpdateJobStatusIf(ctx context.Context, id int64, expectedFrom []store.Status, newStatus store.Status) (bool, error) {
	if f.updated == nil {
		f.updated = make(map[int64]store.Status)
	}
	f.updated[id] = newStatus
	return true, nil
}

type fakeCreds struct {
	available bool
}

func (f *fakeCreds) Acquire(ctx context.Context, kind store.Kind) (store.Credential, bool, error) {
	if !f.available {
		return store.Credential{}, false, nil
	}
	return store.Credential{ID: 1}, true, nil
}

type fakeExecutor struct {
	submitted []string
}

func (f *fakeExecutor) Submit(taskID string, fn func(ctx context.Context, taskID string, cancel <-chan struct{}) bool) bool {
	f.submitted = append(f.submitted, taskID)
	return true
}

func (f *fakeExecutor) RunningIds() []string { return f.submitted }

func noopExecute(ctx context.Context, taskID string, cancel <-chan struct{}) bool { return true }

func TestCheckAndAdmitSkipsWhenAtCap(t *testing.T) {
	jobs := &fakeJobs{activeCount: 3}
	s := New(jobs, &fakeCreds{available: true}, &fakeExecutor{}, noopExecute, clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), time.UTC), discardLogger())

	if err := s.CheckAndAdmit(context.Background()); err != nil {
		t.Fatalf("CheckAndAdmit: %v", err)
	}
	if len(jobs.updated) != 0 {
		t.Fatalf("expected no admission at cap")
	}
}

func TestCheckAndAdmitSkipsOffPeakAtOneActive(t *testing.T) {
	jobs := &fakeJobs{activeCount: 1, waitingOrStal: []store.Job{{ID: 1, TaskID: "t1"}}}
	executor := &fakeExecutor{}
	s := New(jobs, &fakeCreds{available: true}, executor, noopExecute, clock.NewFake(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC), time.UTC), discardLogger())

	if err := s.CheckAndAdmit(context.Background()); err != nil {
		t.Fatalf("CheckAndAdmit: %v", err)
	}
	if len(executor.submitted) != 0 {
		t.Fatalf("expected off-peak cap of 1 to block admission when already at 1 active")
	}
}

func TestCheckAndAdmitStopsWhenNoCredential(t *testing.T) {
	jobs := &fakeJobs{activeCount: 0, waitingOrStal: []store.Job{{ID: 1, TaskID: "t1"}}}
	executor := &fakeExecutor{}
	s := New(jobs, &fakeCreds{available: false}, executor, noopExecute, clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), time.UTC), discardLogger())

	if err := s.CheckAndAdmit(context.Background()); err != nil {
		t.Fatalf("CheckAndAdmit: %v", err)
	}
	if len(executor.submitted) != 0 {
		t.Fatalf("expected no admission without an available credential")
	}
}

func TestCheckAndAdmitAdmitsHighestPriority(t *testing.T) {
	jobs := &fakeJobs{
		activeCount: 0,
		waitingOrStal: []store.Job{
			{ID: 1, TaskID: "t1", Priority: 1},
			{ID: 2, TaskID: "t2", Priority: 5},
		},
	}
	executor := &fakeExecutor{}
	s := New(jobs, &fakeCreds{available: true}, executor, noopExecute, clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), time.UTC), discardLogger())

	if err := s.CheckAndAdmit(context.Background()); err != nil {
		t.Fatalf("CheckAndAdmit: %v", err)
	}
	if len(executor.submitted) != 1 || executor.submitted[0] != "t1" {
		t.Fatalf("expected first candidate in ListWaitingOrStalled order submitted, got %v", executor.submitted)
	}
	if jobs.updated[1] != store.StatusRunning {
		t.Fatalf("expected job 1 transitioned to running")
	}
}

func TestCheckAndAdmitNonBlockingGuardSkipsConcurrentTick(t *testing.T) {
	jobs := &fakeJobs{activeCount: 0, waitingOrStal: []store.Job{{ID: 1, TaskID: "t1"}}}
	s := New(jobs, &fakeCreds{available: true}, &fakeExecutor{}, noopExecute, clock.NewFake(time.Now(), time.UTC), discardLogger())

	<-s.busy // simulate a tick already in flight
	if err := s.CheckAndAdmit(context.Background()); err != nil {
		t.Fatalf("CheckAndAdmit: %v", err)
	}
	if len(jobs.updated) != 0 {
		t.Fatalf("expected busy guard to skip admission")
	}
}

func TestResumeTasksMovesCandidatesToWaiting(t *testing.T) {
	jobs := &fakeJobs{resumable: []store.Job{
		{ID: 1, TaskID: "t1", Status: store.StatusPending},
		{ID: 2, TaskID: "t2", Status: store.StatusStash},
		{ID: 3, TaskID: "t3", Status: store.StatusPending},
	}}
	s := New(jobs, &fakeCreds{}, &fakeExecutor{}, noopExecute, clock.NewFake(time.Now(), time.UTC), discardLogger())

	resumed, err := s.ResumeTasks(context.Background(), 2)
	if err != nil {
		t.Fatalf("ResumeTasks: %v", err)
	}
	if len(resumed) != 2 || resumed[0] != "t1" || resumed[1] != "t2" {
		t.Fatalf("ResumeTasks() = %v, want [t1 t2]", resumed)
	}
}
