// Package beacon is the HTTP collector for browser telemetry beacons. It
// also serves the error catalogue and translations to the widget shell.
package beacon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/turnstile-uxkit/pkg/i18n"
	"github.com/psantana5/turnstile-uxkit/pkg/logging"
	"github.com/psantana5/turnstile-uxkit/pkg/metrics"
	"github.com/psantana5/turnstile-uxkit/pkg/ratelimit"
	"github.com/psantana5/turnstile-uxkit/pkg/telemetry"
	"github.com/psantana5/turnstile-uxkit/pkg/tracing"
	"github.com/psantana5/turnstile-uxkit/pkg/widgeterr"
)

const (
	defaultMaxBodyBytes = 64 << 10
	limiterSweepEvery   = time.Minute
	limiterIdleAfter    = 10 * time.Minute
)

// Config holds the listener settings
type Config struct {
	Addr           string
	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64

	// MetricsToken, when set, is required as a bearer token on /metrics
	MetricsToken string

	// Serve HTTPS when both are set
	TLSCertFile string
	TLSKeyFile  string
}

// Deps are the collaborators a Server reports into
type Deps struct {
	Exporter *metrics.Exporter
	Tracer   *tracing.Provider
	Locales  *i18n.Loader
	Logger   *logging.Logger
}

// Server ingests beacons into a telemetry.Manager
type Server struct {
	cfg      Config
	router   *mux.Router
	manager  *telemetry.Manager
	exporter *metrics.Exporter
	locales  *i18n.Loader
	limiter  *ratelimit.Limiter
	logger   *logging.Logger
	started  time.Time
	accepted atomic.Int64
}

// NewServer wires the routes. A nil Exporter, Tracer or Locales gets a
// fresh default.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Exporter == nil {
		deps.Exporter = metrics.NewExporter()
	}
	if deps.Tracer == nil {
		deps.Tracer, _ = tracing.InitTracer(tracing.Config{ServiceName: "uxkit-beacon"}, deps.Logger)
	}
	if deps.Locales == nil {
		deps.Locales = i18n.New(i18n.Options{Locale: i18n.DefaultLocale, Logger: deps.Logger})
	}

	logger := deps.Logger.Component("beacon")
	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		exporter: deps.Exporter,
		locales:  deps.Locales,
		limiter:  ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		logger:   logger,
		started:  time.Now(),
		manager:  telemetry.NewManager(true, telemetry.WithLogger(logger)),
	}

	s.manager.AddHook(deps.Exporter.Hook())
	s.manager.AddHook(deps.Tracer.Hook(context.Background()))
	s.manager.AddHook(func(ev telemetry.Event) {
		fields := map[string]interface{}{
			"event":     string(ev.Kind()),
			"page_type": ev.PageType,
		}
		if code, ok := ev.ErrorCode(); ok {
			fields["error_code"] = string(code)
		}
		logger.Debug("Beacon received", fields)
	})

	s.router.Use(tracing.HTTPMiddleware(deps.Tracer))
	s.router.Use(deps.Exporter.Middleware)
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	ingest := s.limiter.Middleware(ratelimit.IPKeyFunc)(http.HandlerFunc(s.handleIngest))
	s.router.Handle("/telemetry", ingest).Methods("POST")
	var scrape http.Handler = s.exporter.Handler()
	if s.cfg.MetricsToken != "" {
		scrape = bearerAuth(s.cfg.MetricsToken, scrape)
	}
	s.router.Handle("/metrics", scrape).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/errors", s.handleListErrors).Methods("GET")
	s.router.HandleFunc("/errors/{code}", s.handleGetError).Methods("GET")
	s.router.HandleFunc("/i18n/{locale}/{key}", s.handleTranslate).Methods("GET")
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Telemetry exposes the server-side manager so callers can attach hooks
func (s *Server) Telemetry() *telemetry.Manager {
	return s.manager
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	useTLS := s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != ""
	if useTLS {
		tlsConfig, err := loadTLSConfig(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsConfig
	}

	go s.sweepLimiters(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Beacon server listening", map[string]interface{}{
			"addr": s.cfg.Addr,
			"tls":  useTLS,
		})
		if useTLS {
			// Certificates already live in srv.TLSConfig
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("beacon shutdown: %w", err)
		}
		s.logger.Info("Beacon server stopped")
		return nil
	}
}

func (s *Server) sweepLimiters(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.CleanupOldLimiters(limiterIdleAfter); n > 0 {
				s.logger.Debug("Dropped idle rate limiters", map[string]interface{}{"count": n})
			}
		}
	}
}

// IngestResponse acknowledges a beacon
type IngestResponse struct {
	Accepted int `json:"accepted"`
}

// handleIngest accepts one event object or an array of them
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		tracing.SetError(r.Context(), err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), status)
		return
	}

	events, err := decodeEvents(body)
	if err != nil {
		tracing.SetError(r.Context(), err)
		s.logger.Warn("Rejected beacon", map[string]interface{}{
			"remote": ratelimit.IPKeyFunc(r),
			"error":  err.Error(),
		})
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	for _, ev := range events {
		s.manager.Emit(ev)
	}
	s.accepted.Add(int64(len(events)))
	tracing.AddEvent(r.Context(), "beacon.accepted", attribute.Int("beacon.events", len(events)))

	writeJSON(w, http.StatusAccepted, IngestResponse{Accepted: len(events)})
}

func decodeEvents(body []byte) ([]telemetry.Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var events []telemetry.Event
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	var ev telemetry.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	return []telemetry.Event{ev}, nil
}

// HealthResponse reports liveness and ingest totals
type HealthResponse struct {
	Status        string `json:"status"`
	Accepted      int64  `json:"accepted"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "healthy",
		Accepted:      s.accepted.Load(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

// ErrorResponse is one catalogue entry
type ErrorResponse struct {
	Code      widgeterr.Code `json:"code"`
	Message   string         `json:"message"`
	Action    string         `json:"action"`
	Retryable bool           `json:"retryable"`
}

func errorResponse(code widgeterr.Code) ErrorResponse {
	d := widgeterr.Lookup(code)
	return ErrorResponse{
		Code:      code,
		Message:   d.Message,
		Action:    d.Action,
		Retryable: widgeterr.IsRetryable(code),
	}
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	known := widgeterr.Known()
	out := make([]ErrorResponse, 0, len(known))
	for _, code := range known {
		out = append(out, errorResponse(code))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetError answers unknown codes with the fallback pair
func (s *Server) handleGetError(w http.ResponseWriter, r *http.Request) {
	code := widgeterr.Code(mux.Vars(r)["code"])
	writeJSON(w, http.StatusOK, errorResponse(code))
}

// TranslateResponse carries one resolved key
type TranslateResponse struct {
	Locale string `json:"locale"`
	Key    string `json:"key"`
	Text   string `json:"text"`
}

// handleTranslate resolves key in locale; query parameters fill
// placeholders
func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	locale := s.locales.Match(vars["locale"])
	if locale == "" {
		http.Error(w, "Invalid locale", http.StatusBadRequest)
		return
	}

	params := make(map[string]any)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			params[name] = values[0]
		}
	}

	writeJSON(w, http.StatusOK, TranslateResponse{
		Locale: locale,
		Key:    vars["key"],
		Text:   s.locales.TIn(locale, vars["key"], params),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
