package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Runner is anything that can carry out one run.
type Runner interface {
	Run(ctx context.Context, cfg RunConfig) Verdict
}

// Guard bounds a Runner with a hard deadline.
type Guard struct {
	inner  Runner
	logger *zap.Logger
}

// NewGuard wraps inner. Pass nil logger to discard logs.
func NewGuard(inner Runner, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{inner: inner, logger: logger}
}

// Run returns the inner verdict if it arrives before cfg.Timeout, and a
// failed verdict otherwise. On timeout the context handed to the inner run
// is cancelled and its eventual verdict is discarded. A non-positive timeout
// disables the deadline.
func (g *Guard) Run(ctx context.Context, cfg RunConfig) Verdict {
	log := g.logger.With(zap.String("operation_id", cfg.OperationID))

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan Verdict, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("run panicked: %v", r)
				done <- Verdict{Message: err.Error(), Err: err}
			}
		}()
		done <- g.inner.Run(runCtx, cfg)
	}()

	select {
	case v := <-done:
		return v
	case <-runCtx.Done():
	}

	if ctx.Err() != nil {
		err := fmt.Errorf("run cancelled: %w", ctx.Err())
		log.Warn("run cancelled before completion", zap.Error(ctx.Err()))
		return Verdict{Message: err.Error(), Err: err}
	}

	msg := timedOutMessage(cfg.Timeout)
	log.Error("function timed out, exiting", zap.Duration("timeout", cfg.Timeout))
	return Verdict{TimedOut: true, Message: msg, Err: context.DeadlineExceeded}
}
