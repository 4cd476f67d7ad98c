// Package metrics turns telemetry events and beacon HTTP traffic into
// Prometheus series on a private registry.
package metrics

import (
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/turnstile-uxkit/pkg/telemetry"
	"github.com/psantana5/turnstile-uxkit/pkg/widgeterr"
)

const namespace = "uxkit"

const (
	// DefaultMaxPageTypes bounds the page_type label values kept apart
	DefaultMaxPageTypes = 32
	maxPageTypeLen      = 64

	unknownCode    = "unknown"
	otherPageType  = "other"
	unmatchedRoute = "unmatched"
)

// Option configures an Exporter
type Option func(*Exporter)

// WithMaxPageTypes sets how many distinct page types get their own series.
// Later page types are counted as "other".
func WithMaxPageTypes(n int) Option {
	return func(e *Exporter) {
		e.maxPageTypes = n
	}
}

// Exporter owns the challenge and HTTP series
type Exporter struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	failures      *prometheus.CounterVec
	retryAttempts prometheus.Histogram
	solveDuration prometheus.Histogram

	requests    *prometheus.CounterVec
	requestSize *prometheus.HistogramVec

	knownCodes   map[widgeterr.Code]bool
	maxPageTypes int
	mu           sync.Mutex
	pageTypes    map[string]bool
}

// NewExporter creates an exporter with its own registry
func NewExporter(opts ...Option) *Exporter {
	e := &Exporter{
		registry:     prometheus.NewRegistry(),
		knownCodes:   make(map[widgeterr.Code]bool),
		maxPageTypes: DefaultMaxPageTypes,
		pageTypes:    make(map[string]bool),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "telemetry_events_total",
				Help:      "Telemetry events by kind and page type",
			},
			[]string{"kind", "page_type"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "challenge_failures_total",
				Help:      "Failed challenges by error code",
			},
			[]string{"code"},
		),
		retryAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "challenge_retry_attempt",
				Help:      "Attempt number reported by retry events",
				Buckets:   prometheus.LinearBuckets(1, 1, 5),
			},
		),
		solveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "challenge_solve_seconds",
				Help:      "Time from render to token",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
			},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Beacon HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		requestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_size_bytes",
				Help:      "Beacon HTTP request body size",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),
	}

	for _, opt := range opts {
		opt(e)
	}
	for _, code := range widgeterr.Known() {
		e.knownCodes[code] = true
	}

	e.registry.MustRegister(
		e.events,
		e.failures,
		e.retryAttempts,
		e.solveDuration,
		e.requests,
		e.requestSize,
	)
	return e
}

// Registry returns the backing registry
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Observe records one telemetry event
func (e *Exporter) Observe(ev telemetry.Event) {
	kind := ev.Kind()
	if kind == "" {
		return
	}
	e.events.WithLabelValues(string(kind), e.pageTypeLabel(ev.PageType)).Inc()

	switch p := ev.Payload.(type) {
	case telemetry.Failed:
		e.failures.WithLabelValues(e.codeLabel(p.Code)).Inc()
	case telemetry.Solved:
		e.solveDuration.Observe(p.Elapsed.Seconds())
	case telemetry.RetryClicked:
		e.retryAttempts.Observe(float64(p.Attempt))
	}
}

// codeLabel folds codes outside the catalogue into "unknown"
func (e *Exporter) codeLabel(code widgeterr.Code) string {
	if e.knownCodes[code] {
		return string(code)
	}
	return unknownCode
}

// pageTypeLabel admits the first maxPageTypes page types seen
func (e *Exporter) pageTypeLabel(pageType string) string {
	if len(pageType) > maxPageTypeLen {
		return otherPageType
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pageTypes[pageType] {
		return pageType
	}
	if len(e.pageTypes) >= e.maxPageTypes {
		return otherPageType
	}
	e.pageTypes[pageType] = true
	return pageType
}

// Hook adapts Observe for telemetry.Manager.AddHook
func (e *Exporter) Hook() telemetry.Hook {
	return e.Observe
}

// Handler serves the registry in the Prometheus exposition format
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// WriteText writes every gathered family in text format
func (e *Exporter) WriteText(w io.Writer) error {
	families, err := e.registry.Gather()
	if err != nil {
		return err
	}
	encoder := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// Middleware counts requests per mux route template
func (e *Exporter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := unmatchedRoute
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		if r.ContentLength > 0 {
			e.requestSize.WithLabelValues(r.Method, route).Observe(float64(r.ContentLength))
		}

		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		e.requests.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
