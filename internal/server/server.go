package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/hazz-dev/availprobe/internal/scheduler"
	"github.com/hazz-dev/availprobe/internal/telemetry"
)

// StatusStore defines the storage queries the server needs.
type StatusStore interface {
	AllLatest(ctx context.Context) ([]telemetry.StoredAvailability, error)
	ExceptionFor(ctx context.Context, operationID string) (*telemetry.ExceptionRecord, error)
}

// Info describes the probe this server reports on.
type Info struct {
	TestName  string
	Location  string
	Endpoints []string
	Interval  time.Duration
	Version   string
}

// Deps are the collaborators of a Server. Store, Trigger and Gatherer may be
// nil; the matching routes then answer 503.
type Deps struct {
	Store    StatusStore
	Trigger  func() scheduler.Tick
	Gatherer prometheus.Gatherer
	Info     Info
}

// Server holds the chi router and its dependencies.
type Server struct {
	deps   Deps
	router chi.Router
	logger *zap.Logger
}

// New creates a new Server and registers all routes.
func New(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		router: chi.NewRouter(),
		logger: logger,
	}
	s.registerRoutes()
	return s
}

// Router returns the chi router (for mounting or testing).
func (s *Server) Router() chi.Router {
	return s.router
}

// Handler returns the router wrapped with request tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "availprobe.api")
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Post("/api/runs", s.handleTriggerRun)
	r.Method(http.MethodGet, "/metrics", s.metricsHandler())
}

// --- Response helpers ---

type envelope struct {
	Data  interface{} `json:"data"`
	Error string      `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: msg})
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": s.deps.Info.Version})
}

type exceptionDetail struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type runDetail struct {
	OperationID string            `json:"operation_id"`
	TestName    string            `json:"test_name"`
	Location    string            `json:"location"`
	Success     bool              `json:"success"`
	Message     string            `json:"message"`
	DurationMs  int64             `json:"duration_ms"`
	Timestamp   time.Time         `json:"timestamp"`
	Properties  map[string]string `json:"properties,omitempty"`
	Exception   *exceptionDetail  `json:"exception,omitempty"`
}

type statusResponse struct {
	TestName  string      `json:"test_name"`
	Location  string      `json:"location"`
	Endpoints []string    `json:"endpoints"`
	Interval  string      `json:"interval"`
	Status    string      `json:"status"`
	Latest    []runDetail `json:"latest"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "status store disabled")
		return
	}

	info := s.deps.Info
	resp := statusResponse{
		TestName:  info.TestName,
		Location:  info.Location,
		Endpoints: info.Endpoints,
		Interval:  info.Interval.String(),
		Status:    "unknown",
		Latest:    []runDetail{},
	}
	if resp.Endpoints == nil {
		resp.Endpoints = []string{}
	}

	latest, err := s.deps.Store.AllLatest(r.Context())
	if err != nil {
		s.logger.Error("AllLatest", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	for _, a := range latest {
		d := runDetail{
			OperationID: a.ID,
			TestName:    a.Name,
			Location:    a.RunLocation,
			Success:     a.Success,
			Message:     a.Message,
			DurationMs:  a.Duration.Milliseconds(),
			Timestamp:   a.Timestamp,
			Properties:  a.Properties,
		}
		if !a.Success {
			exc, err := s.deps.Store.ExceptionFor(r.Context(), a.ID)
			if err != nil {
				s.logger.Error("ExceptionFor", zap.String("operation_id", a.ID), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if exc != nil {
				d.Exception = &exceptionDetail{Message: exc.Message, Timestamp: exc.Timestamp}
			}
		}
		if a.Name == info.TestName {
			resp.Status = "down"
			if a.Success {
				resp.Status = "up"
			}
		}
		resp.Latest = append(resp.Latest, d)
	}

	writeJSON(w, http.StatusOK, resp)
}

type triggerResponse struct {
	Status      string    `json:"status"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trigger == nil {
		writeError(w, http.StatusServiceUnavailable, "manual runs disabled")
		return
	}
	tick := s.deps.Trigger()
	s.logger.Info("manual run requested", zap.String("request_id", middleware.GetReqID(r.Context())))
	writeJSON(w, http.StatusAccepted, triggerResponse{Status: "scheduled", ScheduledAt: tick.ScheduledAt})
}

func (s *Server) metricsHandler() http.Handler {
	if s.deps.Gatherer == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "metrics disabled")
		})
	}
	return promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})
}

// --- Middleware ---

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
