package telemetry

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AvailabilityRecord is the single result record emitted for every run.
type AvailabilityRecord struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	RunLocation string            `json:"runLocation"`
	Success     bool              `json:"success"`
	Message     string            `json:"message"`
	Timestamp   time.Time         `json:"timestamp"`
	Duration    time.Duration     `json:"duration"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// ExceptionRecord describes an unexpected failure. It shares OperationID with
// the availability record of the same run.
type ExceptionRecord struct {
	OperationID string    `json:"operationId"`
	TestName    string    `json:"testName"`
	Location    string    `json:"testLocation"`
	Message     string    `json:"message"`
	Stack       string    `json:"stack,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Batch is the set of records flushed together.
type Batch struct {
	Availability []AvailabilityRecord
	Exceptions   []ExceptionRecord
}

func (b Batch) Empty() bool {
	return len(b.Availability) == 0 && len(b.Exceptions) == 0
}

// Sink delivers batches to one backend. Implementations must be safe for
// concurrent use since overlapping runs share them.
type Sink interface {
	Name() string
	Send(ctx context.Context, b Batch) error
}

// NewOperationID returns a random run identifier: 32 lowercase hex characters.
func NewOperationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
