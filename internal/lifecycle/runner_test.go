package lifecycle

import (
	"context"
	"testing"
	"time"
)

func TestRunnerStartStop(t *testing.T) {
	r := NewRunner("test", time.Second)
	started := make(chan struct{})

	ok := r.Start(context.Background(), func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	if !ok {
		t.Fatal("expected start to succeed")
	}
	<-started

	if r.State() != StateRunning {
		t.Fatalf("expected running, got %s", r.State())
	}
	if r.Start(context.Background(), func(context.Context) {}) {
		t.Fatal("second start should be rejected while running")
	}

	if !r.Stop() {
		t.Fatal("expected loop to exit in time")
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
}

func TestRunnerStopIsIdempotent(t *testing.T) {
	r := NewRunner("test", time.Second)
	if !r.Stop() {
		t.Fatal("stop on a never-started runner should succeed")
	}

	r.Start(context.Background(), func(ctx context.Context) { <-ctx.Done() })
	r.Stop()
	if !r.Stop() {
		t.Fatal("repeated stop should succeed")
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
}

func TestRunnerParentCancelDoesNotStopLoop(t *testing.T) {
	r := NewRunner("test", time.Second)
	parent, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})

	r.Start(parent, func(ctx context.Context) {
		<-ctx.Done()
		close(exited)
	})
	cancel()

	select {
	case <-exited:
		t.Fatal("loop should outlive the parent context")
	case <-time.After(50 * time.Millisecond):
	}

	r.Stop()
	<-exited
}

func TestRunnerLoopReturningMarksStopped(t *testing.T) {
	r := NewRunner("test", time.Second)
	r.Start(context.Background(), func(context.Context) {})

	deadline := time.Now().Add(time.Second)
	for r.State() != StateStopped {
		if time.Now().After(deadline) {
			t.Fatalf("expected stopped after loop returned, got %s", r.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !r.Start(context.Background(), func(context.Context) {}) {
		t.Fatal("runner should be restartable")
	}
	r.Stop()
}

func TestRunnerStopTimeout(t *testing.T) {
	r := NewRunner("test", 20*time.Millisecond)
	release := make(chan struct{})
	r.Start(context.Background(), func(context.Context) { <-release })

	if r.Stop() {
		t.Fatal("expected stop to time out")
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped after timeout, got %s", r.State())
	}
	close(release)
}
