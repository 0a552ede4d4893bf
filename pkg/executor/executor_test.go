package executor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubmitRejectsDuplicateTaskID(t *testing.T) {
	e := New(1, 4, discardLogger())
	defer e.Shutdown()

	started := make(chan struct{})
	release := make(chan struct{})
	ok1 := e.Submit("t1", func(ctx context.Context, taskID string, cancel <-chan struct{}) bool {
		close(started)
		<-release
		return true
	})
	if !ok1 {
		t.Fatalf("expected first submission to succeed")
	}
	<-started

	ok2 := e.Submit("t1", func(ctx context.Context, taskID string, cancel <-chan struct{}) bool { return true })
	if ok2 {
		t.Fatalf("expected duplicate submission to be rejected")
	}
	close(release)
}

func TestIsRunningAndRunningIds(t *testing.T) {
	e := New(2, 4, discardLogger())
	defer e.Shutdown()

	started := make(chan struct{})
	release := make(chan struct{})
	e.Submit("t1", func(ctx context.Context, taskID string, cancel <-chan struct{}) bool {
		close(started)
		<-release
		return true
	})
	<-started

	if !e.IsRunning("t1") {
		t.Fatalf("expected t1 to be running")
	}
	ids := e.RunningIds()
	if len(ids) != 1 || ids[0] != "t1" {
		t.Fatalf("RunningIds() = %v, want [t1]", ids)
	}
	close(release)
}

func TestStopAllSignalsCancelAndReturnsIds(t *testing.T) {
	e := New(2, 4, discardLogger())
	defer e.Shutdown()

	var mu sync.Mutex
	cancelled := make(map[string]bool)
	started := make(chan string, 2)

	submitLongRunning := func(id string) {
		e.Submit(id, func(ctx context.Context, taskID string, cancel <-chan struct{}) bool {
			started <- taskID
			select {
			case <-cancel:
				mu.Lock()
				cancelled[taskID] = true
				mu.Unlock()
				return false
			case <-time.After(2 * time.Second):
				return true
			}
		})
	}
	submitLongRunning("t1")
	submitLongRunning("t2")

	<-started
	<-started

	ids := e.StopAll()
	if len(ids) != 2 {
		t.Fatalf("StopAll() returned %d ids, want 2: %v", len(ids), ids)
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		done := cancelled["t1"] && cancelled["t2"]
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for cancellation to propagate")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestShutdownStopsWorkers(t *testing.T) {
	e := New(1, 4, discardLogger())
	done := make(chan struct{})
	go func() {
		e.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Shutdown did not return")
	}
}
