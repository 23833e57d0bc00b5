package workpool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestNewDefaultWorkers verifies the pool defaults to 1 worker if workers <= 0
func TestNewDefaultWorkers(t *testing.T) {
	for _, n := range []int{0, -5} {
		p := New("test", n, 0, testLogger())
		if p.Workers() != 1 {
			t.Errorf("New(%d) workers = %d, want 1", n, p.Workers())
		}
	}
}

func TestSubmitRunsJobs(t *testing.T) {
	p := New("test", 3, 10, testLogger())
	p.Start()
	defer p.Stop()

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		if err := p.Submit(func(ctx context.Context) {
			defer wg.Done()
			ran.Add(1)
		}); err != nil {
			t.Fatalf("Submit() failed: %v", err)
		}
	}
	wg.Wait()

	if ran.Load() != 10 {
		t.Errorf("ran %d jobs, want 10", ran.Load())
	}
}

func TestSubmitQueueFull(t *testing.T) {
	p := New("test", 1, 0, testLogger())
	p.Start()
	defer p.Stop()

	release := make(chan struct{})
	started := make(chan struct{})

	// The unbuffered queue only accepts a job once the worker is waiting
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := p.Submit(func(ctx context.Context) {
			close(started)
			<-release
		})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrQueueFull) || time.Now().After(deadline) {
			t.Fatalf("Submit() = %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	<-started

	if err := p.Submit(func(ctx context.Context) {}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Submit() with busy worker = %v, want ErrQueueFull", err)
	}
	close(release)
}

func TestSubmitAfterStop(t *testing.T) {
	p := New("test", 2, 2, testLogger())
	p.Start()
	p.Stop()

	if err := p.Submit(func(ctx context.Context) {}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Submit() after Stop = %v, want ErrPoolStopped", err)
	}
	// Second Stop must not panic on the closed queue
	p.Stop()
}

func TestStopCancelsRunningJobs(t *testing.T) {
	p := New("test", 1, 0, testLogger())
	p.Start()

	started := make(chan struct{})
	var cancelled atomic.Bool
	for {
		err := p.Submit(func(ctx context.Context) {
			close(started)
			<-ctx.Done()
			cancelled.Store(true)
		})
		if err == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	<-started

	p.Stop()
	if !cancelled.Load() {
		t.Error("running job did not observe cancellation")
	}
}

func TestPanickingJobDoesNotKillWorker(t *testing.T) {
	p := New("test", 1, 2, testLogger())
	p.Start()
	defer p.Stop()

	done := make(chan struct{})
	if err := p.Submit(func(ctx context.Context) { panic("boom") }); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if err := p.Submit(func(ctx context.Context) { close(done) }); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker stopped after a panicking job")
	}
}
