package telemetry_test

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazz-dev/availprobe/internal/telemetry"
)

type recordingSink struct {
	name    string
	err     error
	mu      sync.Mutex
	batches []telemetry.Batch
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, b telemetry.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return s.err
}

func availability(id string, success bool) telemetry.AvailabilityRecord {
	return telemetry.AvailabilityRecord{
		ID:          id,
		Name:        "AvailabilityTestFunction",
		RunLocation: "eastus",
		Success:     success,
		Message:     "msg " + id,
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Duration:    1500 * time.Millisecond,
	}
}

func TestNewOperationID(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{32}$`)
	a, b := telemetry.NewOperationID(), telemetry.NewOperationID()
	assert.Regexp(t, re, a)
	assert.Regexp(t, re, b)
	assert.NotEqual(t, a, b)
}

func TestReporter_FlushFansOut(t *testing.T) {
	s1 := &recordingSink{name: "one"}
	s2 := &recordingSink{name: "two"}
	r := telemetry.NewReporter(nil, s1, s2)

	r.TrackAvailability(availability("op1", false))
	r.TrackException(telemetry.ExceptionRecord{OperationID: "op1", Message: "boom"})
	require.NoError(t, r.Flush(context.Background()))

	for _, s := range []*recordingSink{s1, s2} {
		require.Len(t, s.batches, 1, "sink %s", s.name)
		assert.Len(t, s.batches[0].Availability, 1)
		assert.Len(t, s.batches[0].Exceptions, 1)
	}
}

func TestReporter_FlushClearsBuffer(t *testing.T) {
	s := &recordingSink{name: "one"}
	r := telemetry.NewReporter(nil, s)

	r.TrackAvailability(availability("op1", true))
	require.NoError(t, r.Flush(context.Background()))
	require.NoError(t, r.Flush(context.Background()))

	assert.Len(t, s.batches, 1, "empty flush must not reach sinks")
}

func TestReporter_SinkErrorsCombined(t *testing.T) {
	bad1 := &recordingSink{name: "bad1", err: errors.New("down")}
	good := &recordingSink{name: "good"}
	bad2 := &recordingSink{name: "bad2", err: errors.New("refused")}
	r := telemetry.NewReporter(nil, bad1, good, bad2)

	r.TrackAvailability(availability("op1", true))
	err := r.Flush(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink bad1: down")
	assert.Contains(t, err.Error(), "sink bad2: refused")
	assert.Len(t, good.batches, 1, "a failing sink must not block the others")
}

func TestLogSink_Send(t *testing.T) {
	s := telemetry.NewLogSink(nil)
	assert.Equal(t, "log", s.Name())
	assert.NoError(t, s.Send(context.Background(), telemetry.Batch{
		Availability: []telemetry.AvailabilityRecord{availability("op1", false)},
		Exceptions:   []telemetry.ExceptionRecord{{OperationID: "op1", Message: "boom"}},
	}))
}
