package workers_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-sim/internal/workers"
	"go.uber.org/zap"
)

func TestPoolRunsQueuedTasksBeforeStopping(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), &workers.PoolConfig{
		Name: "test", NumWorkers: 2, QueueSize: 100, ShutdownTimeout: 5 * time.Second,
	})
	pool.Start()

	var count atomic.Int64
	for i := 0; i < 50; i++ {
		if err := pool.SubmitFunc(func() error {
			count.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if count.Load() != 50 {
		t.Errorf("Expected 50 tasks executed, got %d", count.Load())
	}
	if stats := pool.Stats(); stats.TasksCompleted != 50 || stats.TasksSubmitted != 50 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if err := pool.SubmitFunc(func() error { return nil }); !errors.Is(err, workers.ErrPoolStopped) {
		t.Errorf("Expected ErrPoolStopped, got %v", err)
	}
}

func TestSubmitWaitReturnsTaskError(t *testing.T) {
	pool := workers.NewPool(nil, workers.DefaultPoolConfig("wait"))
	pool.Start()
	defer pool.Stop()

	boom := errors.New("boom")
	err := pool.SubmitWait(context.Background(), workers.TaskFunc(func() error { return boom }))
	if !errors.Is(err, boom) {
		t.Errorf("Expected boom, got %v", err)
	}

	err = pool.SubmitWait(context.Background(), workers.TaskFunc(func() error { panic("bad") }))
	var pe *workers.PanicError
	if !errors.As(err, &pe) {
		t.Errorf("Expected PanicError, got %v", err)
	}
}

func TestPanicRecoveryKeepsWorkerAlive(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), &workers.PoolConfig{
		Name: "panic", NumWorkers: 1, QueueSize: 10, ShutdownTimeout: time.Second, PanicRecovery: true,
	})
	pool.Start()

	var ran atomic.Bool
	pool.SubmitFunc(func() error { panic("first") })
	pool.SubmitFunc(func() error {
		ran.Store(true)
		return nil
	})
	pool.Stop()

	if !ran.Load() {
		t.Error("Worker should survive a panicking task")
	}
	if pool.Stats().PanicRecovered != 1 {
		t.Errorf("Expected 1 recovered panic, got %d", pool.Stats().PanicRecovered)
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := workers.NewPool(zap.NewNop(), nil)
	if err := pool.SubmitFunc(func() error { return nil }); !errors.Is(err, workers.ErrPoolStopped) {
		t.Errorf("Expected ErrPoolStopped before Start, got %v", err)
	}
}
