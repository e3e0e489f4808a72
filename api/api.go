// Package api serves the hostguard operational HTTP surface: health,
// Prometheus metrics, pipeline stats, the active rules, stored alerts and
// process ancestry lookups. Every endpoint is read-only.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"hostguard/core"
	"hostguard/detect"
	"hostguard/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AlertStorer is the read side of alert storage
type AlertStorer interface {
	GetAlert(ctx context.Context, id string) (*core.Alert, error)
	Query(ctx context.Context, f storage.AlertFilter) ([]*core.Alert, error)
}

// StatsProvider reports pipeline counters
type StatsProvider interface {
	Stats() detect.DispatcherStats
}

// API holds the HTTP server
type API struct {
	router       *mux.Router
	server       *http.Server
	engine       *detect.Engine
	stats        StatsProvider
	alertStorage AlertStorer
	limiters     *clientLimiters
	logger       *zap.SugaredLogger
	started      time.Time
}

// Option configures the API
type Option func(*API)

// WithRateLimit limits each client to rps requests per second with the
// given burst. Zero or negative rates disable limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(a *API) {
		if rps > 0 {
			a.limiters = newClientLimiters(rps, burst)
		}
	}
}

// NewAPI creates the API. stats and alertStorage may be nil; the matching
// endpoints then answer 503.
func NewAPI(engine *detect.Engine, stats StatsProvider, alertStorage AlertStorer, logger *zap.SugaredLogger, opts ...Option) *API {
	a := &API{
		router:       mux.NewRouter(),
		engine:       engine,
		stats:        stats,
		alertStorage: alertStorage,
		logger:       logger,
		started:      time.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.setupRoutes()
	return a
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/stats", a.getStats).Methods("GET")
	v1.HandleFunc("/rules", a.getRules).Methods("GET")
	v1.HandleFunc("/rules/{id}", a.getRule).Methods("GET")
	v1.HandleFunc("/alerts", a.getAlerts).Methods("GET")
	v1.HandleFunc("/alerts/{id}", a.getAlert).Methods("GET")
	v1.HandleFunc("/processes/{host}/{pid:[0-9]+}", a.getProcess).Methods("GET")

	a.router.Use(a.loggingMiddleware)
	if a.limiters != nil {
		a.router.Use(a.rateLimitMiddleware)
	}
}

// Handler exposes the router, mainly for tests
func (a *API) Handler() http.Handler {
	return a.router
}

// Start serves on addr until Stop is called
func (a *API) Start(addr string) error {
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.logger.Infof("API listening on %s", addr)
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}
