package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daBinLaoShi/WebServer/internal/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l := logging.NewLogger(&logging.Config{Level: logging.LevelOff, Dir: t.TempDir(), QueueSize: 0})
	t.Cleanup(l.Close)
	return l
}

func TestWorkerPoolRunsTasks(t *testing.T) {
	p := NewWorkerPool(4, testLogger(t))
	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			count.Add(1)
		})
	}
	wg.Wait()
	p.Close()
	if got := count.Load(); got != 100 {
		t.Errorf("ran %d tasks, want 100", got)
	}
}

func TestWorkerPoolCloseDrains(t *testing.T) {
	p := NewWorkerPool(2, testLogger(t))
	var count atomic.Int64
	for i := 0; i < 50; i++ {
		p.Submit(func() {
			time.Sleep(time.Millisecond)
			count.Add(1)
		})
	}
	p.Close()
	if got := count.Load(); got != 50 {
		t.Errorf("Close drained %d tasks, want 50", got)
	}
}

func TestWorkerPoolSubmitAfterClose(t *testing.T) {
	p := NewWorkerPool(1, testLogger(t))
	p.Close()
	ran := make(chan struct{}, 1)
	p.Submit(func() { ran <- struct{}{} })
	select {
	case <-ran:
		t.Error("task ran after Close")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestWorkerPoolSurvivesPanic(t *testing.T) {
	p := NewWorkerPool(1, testLogger(t))
	defer p.Close()
	done := make(chan struct{})
	p.Submit(func() { panic("boom") })
	p.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after a panicking task")
	}
}

func TestWorkerPoolClampsSize(t *testing.T) {
	p := NewWorkerPool(0, testLogger(t))
	defer p.Close()
	done := make(chan struct{})
	p.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("clamped pool did not run the task")
	}
}
