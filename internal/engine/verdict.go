package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/hazz-dev/availprobe/internal/probe"
)

// RunConfig is the immutable input of one run.
type RunConfig struct {
	OperationID    string
	URLs           []string
	RetriesEnabled bool
	MaxRetries     int
	RetryBackoff   time.Duration
	Timeout        time.Duration
	TestName       string
	Location       string
}

// RetryPolicy derives the per-endpoint retry policy.
func (c RunConfig) RetryPolicy() probe.RetryPolicy {
	return probe.RetryPolicy{
		Enabled:    c.RetriesEnabled,
		MaxRetries: c.MaxRetries,
		Backoff:    c.RetryBackoff,
	}
}

// Verdict is the outcome of one run.
type Verdict struct {
	Success bool
	// Failed holds each failing URL once, in the order it was first seen.
	Failed   []string
	Message  string
	Results  []probe.EndpointResult
	TimedOut bool
	// Err is set when the run could not be carried out at all.
	Err error
}

// ParseURLs splits raw on sep and drops empty fragments.
func ParseURLs(raw, sep string) []string {
	if sep == "" {
		sep = ";"
	}
	var urls []string
	for _, part := range strings.Split(raw, sep) {
		if u := strings.TrimSpace(part); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// failureSet collects failed URLs for a single run.
type failureSet struct {
	seen  map[string]struct{}
	order []string
}

func newFailureSet() *failureSet {
	return &failureSet{seen: make(map[string]struct{})}
}

func (s *failureSet) add(url string) {
	if _, ok := s.seen[url]; ok {
		return
	}
	s.seen[url] = struct{}{}
	s.order = append(s.order, url)
}

func (s *failureSet) empty() bool { return len(s.order) == 0 }

func (s *failureSet) list() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

const noEndpointsMessage = "no endpoints configured, test executed with no outcomes"

func passedMessage(urls []string) string {
	return fmt.Sprintf("The health check for %s passed successfully", strings.Join(urls, ", "))
}

func failedMessage(failed []string) string {
	return "health check failed for following urls: " + strings.Join(failed, ", ")
}

func timedOutMessage(d time.Duration) string {
	return fmt.Sprintf("run timed out after %s", d)
}
