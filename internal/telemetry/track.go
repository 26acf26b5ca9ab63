package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTrackEndpoint is the public ingestion endpoint for track envelopes.
const DefaultTrackEndpoint = "https://dc.services.visualstudio.com/v2/track"

// TrackSink posts records as Application Insights envelopes.
type TrackSink struct {
	endpoint string
	iKey     string
	client   *http.Client
	logger   *zap.Logger
}

// NewTrackSink creates a TrackSink. An empty endpoint selects DefaultTrackEndpoint.
// Pass nil client to use a client with a 10 second timeout.
func NewTrackSink(endpoint, instrumentationKey string, client *http.Client, logger *zap.Logger) *TrackSink {
	if endpoint == "" {
		endpoint = DefaultTrackEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrackSink{
		endpoint: endpoint,
		iKey:     instrumentationKey,
		client:   client,
		logger:   logger.With(zap.String("component", "telemetry.track")),
	}
}

func (s *TrackSink) Name() string { return "track" }

type envelope struct {
	Name string            `json:"name"`
	Time string            `json:"time"`
	IKey string            `json:"iKey"`
	Tags map[string]string `json:"tags,omitempty"`
	Data envelopeData      `json:"data"`
}

type envelopeData struct {
	BaseType string `json:"baseType"`
	BaseData any    `json:"baseData"`
}

type availabilityData struct {
	Ver         int               `json:"ver"`
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Duration    string            `json:"duration"`
	Success     bool              `json:"success"`
	RunLocation string            `json:"runLocation"`
	Message     string            `json:"message"`
	Properties  map[string]string `json:"properties,omitempty"`
}

type exceptionData struct {
	Ver        int               `json:"ver"`
	Exceptions []exceptionDetail `json:"exceptions"`
	Properties map[string]string `json:"properties,omitempty"`
}

type exceptionDetail struct {
	TypeName     string `json:"typeName"`
	Message      string `json:"message"`
	HasFullStack bool   `json:"hasFullStack"`
	Stack        string `json:"stack,omitempty"`
}

// Send posts all records of the batch in one request.
func (s *TrackSink) Send(ctx context.Context, b Batch) error {
	envs := make([]envelope, 0, len(b.Availability)+len(b.Exceptions))
	for _, a := range b.Availability {
		envs = append(envs, s.availabilityEnvelope(a))
	}
	for _, e := range b.Exceptions {
		envs = append(envs, s.exceptionEnvelope(e))
	}

	body, err := json.Marshal(envs)
	if err != nil {
		return fmt.Errorf("marshaling track envelopes: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating track request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", s.endpoint, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("track endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	s.logger.Debug("telemetry posted", zap.Int("items", len(envs)), zap.Int("status", resp.StatusCode))
	return nil
}

func (s *TrackSink) availabilityEnvelope(a AvailabilityRecord) envelope {
	return envelope{
		Name: s.envelopeName("Availability"),
		Time: a.Timestamp.UTC().Format(time.RFC3339Nano),
		IKey: s.iKey,
		Tags: map[string]string{"ai.operation.id": a.ID},
		Data: envelopeData{
			BaseType: "AvailabilityData",
			BaseData: availabilityData{
				Ver:         2,
				ID:          a.ID,
				Name:        a.Name,
				Duration:    formatDuration(a.Duration),
				Success:     a.Success,
				RunLocation: a.RunLocation,
				Message:     a.Message,
				Properties:  a.Properties,
			},
		},
	}
}

func (s *TrackSink) exceptionEnvelope(e ExceptionRecord) envelope {
	return envelope{
		Name: s.envelopeName("Exception"),
		Time: e.Timestamp.UTC().Format(time.RFC3339Nano),
		IKey: s.iKey,
		Tags: map[string]string{"ai.operation.id": e.OperationID},
		Data: envelopeData{
			BaseType: "ExceptionData",
			BaseData: exceptionData{
				Ver: 2,
				Exceptions: []exceptionDetail{{
					TypeName:     "UnexpectedFailure",
					Message:      e.Message,
					HasFullStack: e.Stack != "",
					Stack:        e.Stack,
				}},
				Properties: map[string]string{
					"TestName":     e.TestName,
					"TestLocation": e.Location,
				},
			},
		},
	}
}

func (s *TrackSink) envelopeName(kind string) string {
	return "Microsoft.ApplicationInsights." + strings.ReplaceAll(s.iKey, "-", "") + "." + kind
}

// formatDuration renders d as d.hh:mm:ss.fffffff.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	sec := d / time.Second
	d -= sec * time.Second
	ticks := d / 100 // 100ns units

	return fmt.Sprintf("%d.%02d:%02d:%02d.%07d", days, h, m, sec, ticks)
}
