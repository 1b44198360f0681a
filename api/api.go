// Package api is the HTTP gateway in front of the engine. It accepts
// uploads, hands them to the engine as process_image jobs and exposes job
// status, cancellation, the dead letter view and Prometheus metrics.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xraph/imgdispatch/engine"
)

const (
	defaultUploadPrefix  = "uploads"
	defaultMaxUploadSize = 32 << 20
	defaultListLimit     = 50
)

// API wires the HTTP handlers to an Engine.
type API struct {
	eng           *engine.Engine
	logger        *slog.Logger
	uploadPrefix  string
	maxUploadSize int64
	gatherer      prometheus.Gatherer
	metrics       *HTTPMetrics
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the request logger. Defaults to the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithUploadPrefix sets the storage prefix uploads are written under.
func WithUploadPrefix(prefix string) Option {
	return func(a *API) { a.uploadPrefix = prefix }
}

// WithMaxUploadSize bounds the multipart body of POST /upload.
func WithMaxUploadSize(n int64) Option {
	return func(a *API) { a.maxUploadSize = n }
}

// WithGatherer sets what GET /metrics exposes. Defaults to the Prometheus
// default gatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *API) { a.gatherer = g }
}

// WithHTTPMetrics instruments every route with m.
func WithHTTPMetrics(m *HTTPMetrics) Option {
	return func(a *API) { a.metrics = m }
}

// New creates an API from an Engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:           eng,
		logger:        eng.Logger(),
		uploadPrefix:  defaultUploadPrefix,
		maxUploadSize: defaultMaxUploadSize,
		gatherer:      prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns a router with every route registered.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.logger))
	r.Use(middleware.Recoverer)
	if a.metrics != nil {
		r.Use(a.metrics.Handler)
	}
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers the gateway routes on r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", a.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Post("/upload", a.upload)
		r.Get("/status/{jobID}", a.status)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/counts", a.jobCounts)
			r.Get("/{jobID}", a.getJob)
			r.Post("/{jobID}/cancel", a.cancelJob)
		})

		r.Route("/dlq", func(r chi.Router) {
			r.Get("/", a.listDLQ)
			r.Get("/count", a.dlqCount)
			r.Post("/{jobID}/replay", a.replayDLQ)
		})

		r.Get("/queues/{queue}", a.getQueue)
		r.Put("/queues/{queue}", a.setQueueLimits)

		r.Get("/cron", a.listCron)
	})
}
