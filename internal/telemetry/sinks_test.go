package telemetry_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hazz-dev/availprobe/internal/telemetry"
)

func TestTrackSink_PostsEnvelopes(t *testing.T) {
	var (
		mu   sync.Mutex
		body []map[string]any
		ct   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		ct = r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("decoding envelopes: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := telemetry.NewTrackSink(srv.URL, "1111-2222", srv.Client(), nil)
	err := s.Send(context.Background(), telemetry.Batch{
		Availability: []telemetry.AvailabilityRecord{availability("op1", false)},
		Exceptions: []telemetry.ExceptionRecord{{
			OperationID: "op1", TestName: "AvailabilityTestFunction", Location: "eastus", Message: "boom",
		}},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "application/json", ct)
	require.Len(t, body, 2)

	avail := body[0]
	assert.Equal(t, "Microsoft.ApplicationInsights.11112222.Availability", avail["name"])
	assert.Equal(t, "1111-2222", avail["iKey"])
	data := avail["data"].(map[string]any)
	assert.Equal(t, "AvailabilityData", data["baseType"])
	base := data["baseData"].(map[string]any)
	assert.Equal(t, "op1", base["id"])
	assert.Equal(t, "eastus", base["runLocation"])
	assert.Equal(t, false, base["success"])
	assert.Equal(t, "0.00:00:01.5000000", base["duration"])

	exc := body[1]["data"].(map[string]any)
	assert.Equal(t, "ExceptionData", exc["baseType"])
	props := exc["baseData"].(map[string]any)["properties"].(map[string]any)
	assert.Equal(t, "AvailabilityTestFunction", props["TestName"])
	assert.Equal(t, "eastus", props["TestLocation"])
	tags := body[1]["tags"].(map[string]any)
	assert.Equal(t, "op1", tags["ai.operation.id"])
}

func TestTrackSink_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid instrumentation key", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := telemetry.NewTrackSink(srv.URL, "key", nil, nil)
	err := s.Send(context.Background(), telemetry.Batch{Availability: []telemetry.AvailabilityRecord{availability("op1", true)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "invalid instrumentation key")
}

func TestTrackSink_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	s := telemetry.NewTrackSink(url, "key", nil, nil)
	assert.Error(t, s.Send(context.Background(), telemetry.Batch{Availability: []telemetry.AvailabilityRecord{availability("op1", true)}}))
}

func TestSpanSink_ExportsRunSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	s := telemetry.NewSpanSink(tp)
	rec := availability("op1", false)
	err := s.Send(context.Background(), telemetry.Batch{
		Availability: []telemetry.AvailabilityRecord{rec},
		Exceptions:   []telemetry.ExceptionRecord{{OperationID: "op1", Message: "boom"}},
	})
	require.NoError(t, err)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "availability AvailabilityTestFunction", span.Name)
	assert.Equal(t, codes.Error, span.Status.Code)
	assert.True(t, rec.Timestamp.Equal(span.StartTime))
	assert.Equal(t, rec.Duration, span.EndTime.Sub(span.StartTime))
	require.Len(t, span.Events, 1)
	assert.Equal(t, "exception", span.Events[0].Name)
}

func TestSpanSink_OrphanException(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	s := telemetry.NewSpanSink(tp)
	require.NoError(t, s.Send(context.Background(), telemetry.Batch{
		Exceptions: []telemetry.ExceptionRecord{{OperationID: "op9", Message: "boom"}},
	}))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "exception", spans[0].Name)
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink_PublishesKeyedMessages(t *testing.T) {
	w := &fakeWriter{}
	s := telemetry.NewKafkaSink(w, "availprobe.availability", nil)

	err := s.Send(context.Background(), telemetry.Batch{
		Availability: []telemetry.AvailabilityRecord{availability("op1", true), availability("op2", false)},
		Exceptions:   []telemetry.ExceptionRecord{{OperationID: "op2", Message: "boom"}},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 3)

	assert.Equal(t, "op1", string(w.msgs[0].Key))
	assert.Equal(t, "op2", string(w.msgs[2].Key))

	var ev struct {
		Type         string                        `json:"type"`
		Availability *telemetry.AvailabilityRecord `json:"availability"`
		Exception    *telemetry.ExceptionRecord    `json:"exception"`
	}
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &ev))
	assert.Equal(t, "availability", ev.Type)
	require.NotNil(t, ev.Availability)
	assert.Equal(t, "op2", ev.Availability.ID)
	assert.False(t, ev.Availability.Success)

	require.NoError(t, json.Unmarshal(w.msgs[2].Value, &ev))
	assert.Equal(t, "exception", ev.Type)
	require.NotNil(t, ev.Exception)
	assert.Equal(t, "boom", ev.Exception.Message)

	require.NoError(t, s.Close())
	assert.True(t, w.closed)
}

func TestKafkaSink_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	s := telemetry.NewKafkaSink(w, "t", nil)

	err := s.Send(context.Background(), telemetry.Batch{Availability: []telemetry.AvailabilityRecord{availability("op1", true)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}

func TestMetricsSink_RecordsRuns(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := telemetry.NewMetricsSink(reg)

	ok := availability("op1", true)
	failed := availability("op2", false)
	require.NoError(t, s.Send(context.Background(), telemetry.Batch{
		Availability: []telemetry.AvailabilityRecord{ok, failed},
		Exceptions:   []telemetry.ExceptionRecord{{OperationID: "op2", TestName: ok.Name, Location: ok.RunLocation}},
	}))

	expected := `
# HELP availprobe_runs_total Completed availability runs by result.
# TYPE availprobe_runs_total counter
availprobe_runs_total{location="eastus",success="false",test="AvailabilityTestFunction"} 1
availprobe_runs_total{location="eastus",success="true",test="AvailabilityTestFunction"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "availprobe_runs_total"))

	expected = `
# HELP availprobe_exceptions_total Runs that ended with an unexpected failure.
# TYPE availprobe_exceptions_total counter
availprobe_exceptions_total{location="eastus",test="AvailabilityTestFunction"} 1
# HELP availprobe_last_run_success 1 if the last run passed, 0 otherwise.
# TYPE availprobe_last_run_success gauge
availprobe_last_run_success{location="eastus",test="AvailabilityTestFunction"} 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"availprobe_exceptions_total", "availprobe_last_run_success"))

	families, err := reg.Gather()
	require.NoError(t, err)
	var lastSuccess float64
	var observations uint64
	for _, mf := range families {
		switch mf.GetName() {
		case "availprobe_last_success_timestamp_seconds":
			lastSuccess = mf.GetMetric()[0].GetGauge().GetValue()
		case "availprobe_run_duration_seconds":
			observations = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	assert.Equal(t, float64(ok.Timestamp.Add(ok.Duration).Unix()), lastSuccess)
	assert.Equal(t, uint64(2), observations)
}
