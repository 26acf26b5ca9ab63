package probe

import "time"

// Status represents the availability state observed by a probe.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// Kind classifies how a probe ended.
type Kind string

const (
	KindSuccess Kind = "success"
	// KindHTTPStatus means a response arrived with a status outside 2xx.
	KindHTTPStatus Kind = "http_status"
	// KindTransport means no response was received: refused connection,
	// DNS or TLS failure, request timeout or cancellation.
	KindTransport Kind = "transport"
)

// Target is one endpoint to probe, together with the run it belongs to.
type Target struct {
	URL         string
	OperationID string
}

// Outcome is the result of a single HTTP attempt against one URL.
type Outcome struct {
	URL          string
	Status       Status
	Kind         Kind
	StatusCode   int
	ResponseTime time.Duration
	Error        string
	CheckedAt    time.Time
}

// Up reports whether the attempt succeeded.
func (o Outcome) Up() bool { return o.Status == StatusUp }

// EndpointResult is the per-URL outcome after retries are exhausted.
type EndpointResult struct {
	URL       string
	Succeeded bool
	Attempts  int
	Last      Outcome
}
