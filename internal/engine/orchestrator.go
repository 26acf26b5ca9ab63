package engine

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/hazz-dev/availprobe/internal/probe"
)

// ProberFactory builds the prober used for a single run. If the returned
// prober implements io.Closer it is closed when the run ends.
type ProberFactory func(RunConfig) (probe.Prober, error)

// Orchestrator checks every configured endpoint in order and aggregates the
// results into a Verdict.
type Orchestrator struct {
	factory ProberFactory
	logger  *zap.Logger
}

// NewOrchestrator creates an Orchestrator. Pass nil logger to discard logs.
func NewOrchestrator(factory ProberFactory, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{factory: factory, logger: logger}
}

// Run performs one full pass. It never panics and reports every failure
// through the returned Verdict.
func (o *Orchestrator) Run(ctx context.Context, cfg RunConfig) (v Verdict) {
	log := o.logger.With(zap.String("operation_id", cfg.OperationID))

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("orchestrating run: %v", r)
			log.Error("run aborted", zap.Error(err), zap.ByteString("stack", debug.Stack()))
			v = Verdict{Message: err.Error(), Results: v.Results, Err: err}
		}
	}()

	if len(cfg.URLs) == 0 {
		log.Error("no url configured, test executed with no outcomes")
		return Verdict{Message: noEndpointsMessage}
	}

	log.Info("starting run",
		zap.Int("endpoints", len(cfg.URLs)),
		zap.Bool("retries_enabled", cfg.RetriesEnabled),
	)

	p, err := o.factory(cfg)
	if err != nil {
		err = fmt.Errorf("creating prober: %w", err)
		log.Error("run aborted", zap.Error(err))
		return Verdict{Message: err.Error(), Err: err}
	}
	if c, ok := p.(io.Closer); ok {
		defer c.Close()
	}

	retrier := probe.NewRetrier(p, cfg.RetryPolicy(), o.logger)
	failures := newFailureSet()
	results := make([]probe.EndpointResult, 0, len(cfg.URLs))

	for _, url := range cfg.URLs {
		if ctx.Err() != nil {
			// Remaining endpoints were never checked; they cannot count as passing.
			failures.add(url)
			results = append(results, probe.EndpointResult{URL: url})
			continue
		}
		res := retrier.Check(ctx, probe.Target{URL: url, OperationID: cfg.OperationID})
		results = append(results, res)
		v.Results = results
		if !res.Succeeded {
			failures.add(url)
		}
	}

	if failures.empty() {
		log.Info("all endpoints passed")
		return Verdict{Success: true, Message: passedMessage(cfg.URLs), Results: results}
	}

	failed := failures.list()
	log.Warn("endpoints failed", zap.Strings("failed", failed))
	return Verdict{Failed: failed, Message: failedMessage(failed), Results: results}
}
