package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Reporter buffers the records of one run and delivers them on Flush.
type Reporter struct {
	sinks  []Sink
	logger *zap.Logger

	mu      sync.Mutex
	pending Batch
}

// NewReporter creates a Reporter that fans out to sinks. Pass nil logger to
// discard logs.
func NewReporter(logger *zap.Logger, sinks ...Sink) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{sinks: sinks, logger: logger}
}

func (r *Reporter) TrackAvailability(rec AvailabilityRecord) {
	r.mu.Lock()
	r.pending.Availability = append(r.pending.Availability, rec)
	r.mu.Unlock()
}

func (r *Reporter) TrackException(rec ExceptionRecord) {
	r.mu.Lock()
	r.pending.Exceptions = append(r.pending.Exceptions, rec)
	r.mu.Unlock()
}

// Flush synchronously sends everything buffered to every sink. A failing
// sink does not stop delivery to the others; all errors are returned combined.
func (r *Reporter) Flush(ctx context.Context) error {
	r.mu.Lock()
	b := r.pending
	r.pending = Batch{}
	r.mu.Unlock()

	if b.Empty() {
		return nil
	}

	var errs error
	for _, s := range r.sinks {
		if err := s.Send(ctx, b); err != nil {
			r.logger.Error("sending telemetry", zap.String("sink", s.Name()), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("sink %s: %w", s.Name(), err))
		}
	}
	return errs
}
