package probe

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds how often a failing endpoint is re-probed.
type RetryPolicy struct {
	Enabled    bool
	MaxRetries int
	// Backoff is the pause between attempts. Zero retries immediately.
	Backoff time.Duration
}

// Attempts returns the maximum number of probes the policy allows.
func (p RetryPolicy) Attempts() int {
	if !p.Enabled || p.MaxRetries <= 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Retrier re-probes a failing endpoint sequentially until it succeeds or the
// policy is exhausted.
type Retrier struct {
	prober Prober
	policy RetryPolicy
	logger *zap.Logger
}

// NewRetrier wraps prober with policy. Pass nil logger to discard logs.
func NewRetrier(prober Prober, policy RetryPolicy, logger *zap.Logger) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{prober: prober, policy: policy, logger: logger}
}

// Check probes target once, then retries on failure when the policy allows.
// It returns on the first success.
func (r *Retrier) Check(ctx context.Context, target Target) EndpointResult {
	log := r.logger.With(zap.String("url", target.URL), zap.String("operation_id", target.OperationID))
	limit := r.policy.Attempts()

	res := EndpointResult{URL: target.URL}
	for attempt := 1; attempt <= limit; attempt++ {
		if attempt > 1 {
			if !r.wait(ctx) {
				log.Warn("retries abandoned", zap.Int("attempt", attempt), zap.Error(ctx.Err()))
				break
			}
			log.Info("retrying url", zap.Int("attempt", attempt), zap.Int("retry", attempt-1))
		}

		res.Last = r.prober.Probe(ctx, target)
		res.Attempts = attempt
		if res.Last.Up() {
			res.Succeeded = true
			log.Info("health check passed", zap.Int("attempt", attempt))
			return res
		}
		log.Warn("health check failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", limit),
			zap.String("reason", res.Last.Error),
		)
	}
	return res
}

// wait pauses for the configured backoff. It reports false when ctx ends first.
func (r *Retrier) wait(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if r.policy.Backoff <= 0 {
		return true
	}
	t := time.NewTimer(r.policy.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
