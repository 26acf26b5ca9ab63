package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hazz-dev/availprobe/internal/engine"
	"github.com/hazz-dev/availprobe/internal/obs"
	"github.com/hazz-dev/availprobe/internal/scheduler"
	"github.com/hazz-dev/availprobe/internal/telemetry"
)

const defaultFlushTimeout = 30 * time.Second

// Options tunes a Runner.
type Options struct {
	// FlushTimeout bounds how long a run waits for its telemetry to be delivered.
	FlushTimeout time.Duration
	// TrackConfigured is only reported in the start-of-run log line.
	TrackConfigured bool
}

// Report is what a single run produced.
type Report struct {
	OperationID string
	Verdict     engine.Verdict
	Record      telemetry.AvailabilityRecord
	Exception   *telemetry.ExceptionRecord
	// FlushErr is the combined delivery error of all sinks.
	FlushErr error
}

// Runner is the entry point invoked on every tick. Each run gets a fresh
// operation id and reporter; sinks are shared between runs.
type Runner struct {
	cfg    engine.RunConfig
	guard  engine.Runner
	sinks  []telemetry.Sink
	opts   Options
	logger *zap.Logger
}

// New creates a Runner. Pass nil logger to discard logs.
func New(cfg engine.RunConfig, guard engine.Runner, sinks []telemetry.Sink, opts Options, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	return &Runner{cfg: cfg, guard: guard, sinks: sinks, opts: opts, logger: logger}
}

var _ scheduler.Handler = (*Runner)(nil)

// Run performs one run and reports it. It never panics.
func (r *Runner) Run(ctx context.Context, tick scheduler.Tick) {
	r.Execute(ctx, tick)
}

// Execute performs one run, emits exactly one availability record and
// flushes all telemetry before returning.
func (r *Runner) Execute(ctx context.Context, tick scheduler.Tick) (rep Report) {
	start := time.Now()
	opID := telemetry.NewOperationID()
	log := obs.WithTrace(ctx, r.logger).With(zap.String("operation_id", opID))

	log.Info("entering run", zap.Time("at", start), zap.Bool("manual", tick.Manual))
	if tick.PastDue {
		log.Warn("timer is running late", zap.Time("last_run", tick.Last), zap.Time("scheduled_at", tick.ScheduledAt))
	}

	cfg := r.cfg
	cfg.OperationID = opID
	log.Info("executing availability test run",
		zap.String("test_name", cfg.TestName),
		zap.String("location", cfg.Location),
		zap.Bool("track_configured", r.opts.TrackConfigured),
	)

	reporter := telemetry.NewReporter(r.logger, r.sinks...)
	rec := telemetry.AvailabilityRecord{
		ID:          opID,
		Name:        cfg.TestName,
		RunLocation: cfg.Location,
		Success:     false,
		Timestamp:   start.UTC(),
	}
	rep.OperationID = opID

	defer func() {
		if p := recover(); p != nil {
			exc := newException(cfg, fmt.Sprint(p), string(debug.Stack()))
			log.Error("the monitoring code failed with exception", zap.String("error", exc.Message))
			rec.Success = false
			rec.Message = exc.Message
			rep.Exception = &exc
			rep.Verdict = engine.Verdict{Message: exc.Message, Err: fmt.Errorf("unexpected failure: %v", p)}
		}
		if rep.Exception != nil {
			reporter.TrackException(*rep.Exception)
		}

		rec.Duration = time.Since(start)
		reporter.TrackAvailability(rec)
		rep.Record = rec

		// Telemetry must go out even when the run context is already done.
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.FlushTimeout)
		defer cancel()
		if err := reporter.Flush(flushCtx); err != nil {
			log.Error("flushing telemetry", zap.Error(err))
			rep.FlushErr = err
		}
		log.Info("run finished", zap.Bool("success", rec.Success), zap.Duration("duration", rec.Duration))
	}()

	v := r.guard.Run(ctx, cfg)
	rep.Verdict = v
	rec.Success = v.Success
	rec.Message = v.Message
	rec.Properties = properties(v)
	if orchestrationFailed(v) {
		exc := newException(cfg, v.Err.Error(), "")
		log.Error("the monitoring code failed with exception", zap.Error(v.Err))
		rep.Exception = &exc
	}
	return rep
}

// orchestrationFailed reports whether the run broke down for a reason other
// than endpoint failures, a timeout or cancellation.
func orchestrationFailed(v engine.Verdict) bool {
	if v.Err == nil || v.TimedOut {
		return false
	}
	return !errors.Is(v.Err, context.Canceled) && !errors.Is(v.Err, context.DeadlineExceeded)
}

func newException(cfg engine.RunConfig, msg, stack string) telemetry.ExceptionRecord {
	return telemetry.ExceptionRecord{
		OperationID: cfg.OperationID,
		TestName:    cfg.TestName,
		Location:    cfg.Location,
		Message:     msg,
		Stack:       stack,
		Timestamp:   time.Now().UTC(),
	}
}

func properties(v engine.Verdict) map[string]string {
	p := map[string]string{
		"endpoints": strconv.Itoa(len(v.Results)),
		"timed_out": strconv.FormatBool(v.TimedOut),
	}
	if len(v.Failed) > 0 {
		p["failed_urls"] = strings.Join(v.Failed, ",")
	}
	if v.Err != nil {
		p["error"] = v.Err.Error()
	}
	return p
}
