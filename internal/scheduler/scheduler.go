package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tick describes one scheduled invocation.
type Tick struct {
	ScheduledAt time.Time
	// Last is when the previous tick was scheduled; zero on the first run.
	Last time.Time
	// PastDue is set when the tick fired noticeably later than scheduled.
	PastDue bool
	Manual  bool
}

// Handler runs once per tick.
type Handler interface {
	Run(ctx context.Context, tick Tick)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, tick Tick)

func (f HandlerFunc) Run(ctx context.Context, tick Tick) { f(ctx, tick) }

// Scheduler invokes a handler on a fixed interval aligned to the wall clock.
// A run that outlasts the interval does not delay the next one; runs may overlap.
type Scheduler struct {
	interval     time.Duration
	runOnStartup bool
	handler      Handler
	logger       *zap.Logger
	now          func() time.Time
	wg           sync.WaitGroup

	mu   sync.Mutex
	last time.Time
}

// New creates a new Scheduler. Pass nil logger to discard logs.
func New(interval time.Duration, h Handler, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		interval: interval,
		handler:  h,
		logger:   logger,
		now:      time.Now,
	}
}

// SetRunOnStartup makes Start dispatch one run immediately.
func (s *Scheduler) SetRunOnStartup(v bool) {
	s.runOnStartup = v
}

// Start spawns the tick loop. It is non-blocking.
func (s *Scheduler) Start(ctx context.Context) {
	if s.runOnStartup {
		s.dispatch(ctx, s.tick(s.now(), false))
	}
	s.wg.Add(1)
	go s.loop(ctx)
}

// Trigger dispatches one run outside the schedule and returns its tick.
func (s *Scheduler) Trigger(ctx context.Context) Tick {
	t := s.tick(s.now(), true)
	s.dispatch(ctx, t)
	return t
}

// Wait blocks until the loop and every dispatched run have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Last returns when the most recent tick was scheduled.
func (s *Scheduler) Last() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	next := s.nextAfter(s.now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		now := s.now()
		t := s.tick(next, false)
		t.PastDue = now.Sub(next) > s.pastDueSlack()
		s.dispatch(ctx, t)

		next = next.Add(s.interval)
		if !next.After(now) {
			missed := now.Sub(next)/s.interval + 1
			s.logger.Warn("skipping missed ticks", zap.Int64("missed", int64(missed)))
			next = s.nextAfter(now)
		}
		timer.Reset(time.Until(next))
	}
}

func (s *Scheduler) tick(at time.Time, manual bool) Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := Tick{ScheduledAt: at, Last: s.last, Manual: manual}
	s.last = at
	return t
}

func (s *Scheduler) dispatch(ctx context.Context, t Tick) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("run handler panicked",
					zap.Error(fmt.Errorf("%v", r)),
					zap.ByteString("stack", debug.Stack()),
				)
			}
		}()
		s.handler.Run(ctx, t)
	}()
}

func (s *Scheduler) nextAfter(t time.Time) time.Time {
	return t.Truncate(s.interval).Add(s.interval)
}

func (s *Scheduler) pastDueSlack() time.Duration {
	slack := s.interval / 10
	if slack < time.Second {
		slack = time.Second
	}
	return slack
}
