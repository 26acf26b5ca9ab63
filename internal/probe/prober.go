package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Prober performs a single availability probe. Implementations never panic
// or return errors; every failure is reported through the Outcome.
type Prober interface {
	Probe(ctx context.Context, target Target) Outcome
}

// HTTPOptions configures the HTTP transport used for one run.
type HTTPOptions struct {
	RequestTimeout time.Duration
	// VerifyTLS enables certificate validation. It is off by default because
	// the monitored endpoints are commonly internal services with self-signed
	// certificates.
	VerifyTLS bool
	UserAgent string
	// ProxyURL overrides the proxy taken from the environment.
	ProxyURL string
}

// HTTPProber issues GET requests and treats any 2xx status as success.
type HTTPProber struct {
	client    *http.Client
	transport *http.Transport
	userAgent string
	logger    *zap.Logger
}

// NewHTTPProber builds a prober with its own transport. Callers own the
// transport for the duration of a run and must call Close when done.
func NewHTTPProber(opts HTTPOptions, logger *zap.Logger) (*HTTPProber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	proxy := http.ProxyFromEnvironment
	if opts.ProxyURL != "" {
		u, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("proxy url %q must include scheme and host", opts.ProxyURL)
		}
		proxy = http.ProxyURL(u)
	}

	transport := &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !opts.VerifyTLS,
			MinVersion:         tls.VersionTLS12,
		},
	}

	return &HTTPProber{
		client: &http.Client{
			Timeout:   opts.RequestTimeout,
			Transport: otelhttp.NewTransport(transport),
		},
		transport: transport,
		userAgent: opts.UserAgent,
		logger:    logger,
	}, nil
}

// Close releases pooled connections held by the prober's transport.
func (p *HTTPProber) Close() error {
	p.transport.CloseIdleConnections()
	return nil
}

func (p *HTTPProber) Probe(ctx context.Context, target Target) Outcome {
	log := p.logger.With(zap.String("url", target.URL), zap.String("operation_id", target.OperationID))

	start := time.Now()
	out := Outcome{
		URL:       target.URL,
		Status:    StatusDown,
		CheckedAt: start,
	}

	log.Info("monitoring url")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		out.Kind = KindTransport
		out.Error = fmt.Sprintf("creating request: %v", err)
		out.ResponseTime = time.Since(start)
		log.Warn("probe failed", zap.String("reason", out.Error))
		return out
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	out.ResponseTime = time.Since(start)
	if err != nil {
		out.Kind = KindTransport
		out.Error = err.Error()
		log.Warn("probe failed", zap.String("reason", out.Error), zap.Duration("response_time", out.ResponseTime))
		return out
	}
	// Drain so the connection can be reused by later attempts in this run.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	out.StatusCode = resp.StatusCode
	if !successStatus(resp.StatusCode) {
		out.Kind = KindHTTPStatus
		out.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		log.Warn("probe failed",
			zap.Int("status_code", resp.StatusCode),
			zap.Duration("response_time", out.ResponseTime),
		)
		return out
	}

	out.Status = StatusUp
	out.Kind = KindSuccess
	log.Info("probe passed",
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("response_time", out.ResponseTime),
	)
	return out
}

func successStatus(code int) bool {
	return code >= 200 && code <= 299
}
