package scheduler_test

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazz-dev/availprobe/internal/scheduler"
)

// recordingHandler records every tick it receives.
type recordingHandler struct {
	mu    sync.Mutex
	ticks []scheduler.Tick
	delay time.Duration
}

func (h *recordingHandler) Run(ctx context.Context, tick scheduler.Tick) {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.ticks = append(h.ticks, tick)
	h.mu.Unlock()
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ticks)
}

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestScheduler_RunOnStartup(t *testing.T) {
	h := &recordingHandler{}
	sched := scheduler.New(time.Hour, h, nil)
	sched.SetRunOnStartup(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	if !waitFor(t, func() bool { return h.count() >= 1 }) {
		t.Fatal("expected a run immediately on startup")
	}
	h.mu.Lock()
	first := h.ticks[0]
	h.mu.Unlock()
	if !first.Last.IsZero() {
		t.Errorf("expected zero Last on first tick, got %v", first.Last)
	}
	if first.PastDue {
		t.Error("startup tick should not be past due")
	}
}

func TestScheduler_NoStartupRunByDefault(t *testing.T) {
	h := &recordingHandler{}
	sched := scheduler.New(time.Hour, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	sched.Wait()

	if n := h.count(); n != 0 {
		t.Errorf("expected no runs before the first tick, got %d", n)
	}
}

func TestScheduler_RunsPeriodically(t *testing.T) {
	h := &recordingHandler{}
	interval := 50 * time.Millisecond
	sched := scheduler.New(interval, h, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	sched.Start(ctx)
	<-ctx.Done()
	sched.Wait()

	// ~6 ticks in 300ms with 50ms interval.
	if n := h.count(); n < 3 {
		t.Errorf("expected at least 3 runs in 300ms, got %d", n)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	sort.Slice(h.ticks, func(i, j int) bool { return h.ticks[i].ScheduledAt.Before(h.ticks[j].ScheduledAt) })
	for i := 1; i < len(h.ticks); i++ {
		if !h.ticks[i].Last.Equal(h.ticks[i-1].ScheduledAt) {
			t.Errorf("tick %d: Last = %v, want previous ScheduledAt %v", i, h.ticks[i].Last, h.ticks[i-1].ScheduledAt)
		}
		if got := h.ticks[i].ScheduledAt.Sub(h.ticks[i-1].ScheduledAt); got%interval != 0 {
			t.Errorf("tick %d: ticks not aligned to interval, gap %v", i, got)
		}
	}
}

func TestScheduler_OverlappingRuns(t *testing.T) {
	var running, maxRunning int32
	h := scheduler.HandlerFunc(func(ctx context.Context, tick scheduler.Tick) {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				break
			}
		}
		time.Sleep(150 * time.Millisecond)
		atomic.AddInt32(&running, -1)
	})
	sched := scheduler.New(40*time.Millisecond, h, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	sched.Start(ctx)
	<-ctx.Done()
	sched.Wait()

	if atomic.LoadInt32(&maxRunning) < 2 {
		t.Error("expected a slow run not to block the next tick")
	}
}

func TestScheduler_ContextCancellation(t *testing.T) {
	h := &recordingHandler{}
	sched := scheduler.New(time.Hour, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		sched.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Wait() did not return within 2s after context cancel")
	}
}

func TestScheduler_Trigger(t *testing.T) {
	h := &recordingHandler{}
	sched := scheduler.New(time.Hour, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tick := sched.Trigger(ctx)
	if !tick.Manual {
		t.Error("expected manual tick")
	}
	if !waitFor(t, func() bool { return h.count() == 1 }) {
		t.Fatal("expected triggered run to execute")
	}
	if !sched.Last().Equal(tick.ScheduledAt) {
		t.Errorf("Last() = %v, want %v", sched.Last(), tick.ScheduledAt)
	}
}

func TestScheduler_HandlerPanicDoesNotCrash(t *testing.T) {
	var calls int32
	h := scheduler.HandlerFunc(func(ctx context.Context, tick scheduler.Tick) {
		atomic.AddInt32(&calls, 1)
		panic("boom")
	})
	sched := scheduler.New(time.Hour, h, nil)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Trigger(ctx)
	if !waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 1 }) {
		t.Fatal("expected handler to run")
	}
	cancel()
	sched.Wait()
}
