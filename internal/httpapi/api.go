// Package httpapi exposes the bounty, ledger and payout operations over HTTP.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/civicbounty/service_layer/internal/idempotency"
	"github.com/civicbounty/service_layer/internal/jobs"
	"github.com/civicbounty/service_layer/internal/l402"
	"github.com/civicbounty/service_layer/internal/ledger"
	"github.com/civicbounty/service_layer/internal/logging"
	"github.com/civicbounty/service_layer/internal/metrics"
	"github.com/civicbounty/service_layer/internal/middleware"
	"github.com/civicbounty/service_layer/internal/reconcile"
)

// ActionCreateJob is the L402 action for paid posts.
const ActionCreateJob = "create_job"

// Config wires the API to its services. Hub, Reconciler and the edge middlewares are optional.
type Config struct {
	Jobs        *jobs.Service
	Ledger      *ledger.Service
	Engine      *l402.Engine
	Idempotency idempotency.Store
	Hub         http.Handler
	Reconciler  *reconcile.Reconciler

	Auth        *middleware.AuthMiddleware
	CORS        *middleware.CORSMiddleware
	RateLimiter *middleware.RateLimiter
	Logger      *logging.Logger
}

// API serves the HTTP surface.
type API struct {
	jobs       *jobs.Service
	ledger     *ledger.Service
	pricing    l402.Pricing
	gate       *middleware.L402Gate
	hub        http.Handler
	reconciler *reconcile.Reconciler
	auth       *middleware.AuthMiddleware
	cors       *middleware.CORSMiddleware
	limiter    *middleware.RateLimiter
	logger     *logging.Logger
	started    time.Time
}

// New creates the API.
func New(cfg Config) *API {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDefault("httpapi")
	}
	store := cfg.Idempotency
	if store == nil {
		store = idempotency.NewMemoryStore(idempotency.DefaultTTL)
	}
	return &API{
		jobs:       cfg.Jobs,
		ledger:     cfg.Ledger,
		pricing:    cfg.Engine.Pricing(),
		gate:       middleware.NewL402Gate(cfg.Engine, store, logger),
		hub:        cfg.Hub,
		reconciler: cfg.Reconciler,
		auth:       cfg.Auth,
		cors:       cfg.CORS,
		limiter:    cfg.RateLimiter,
		logger:     logger,
		started:    time.Now(),
	}
}

// Router returns the route table with per-route middleware applied.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.MetricsMiddleware())
	if a.auth != nil {
		r.Use(a.auth.Handler)
	}
	if a.limiter != nil {
		r.Use(a.limiter.Handler)
	}

	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if a.hub != nil {
		r.Handle("/ws/jobs", a.hub).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/jobs", a.gate.Protect(ActionCreateJob, a.priceJob)(http.HandlerFunc(a.handleCreateJob))).
		Methods(http.MethodPost)
	api.HandleFunc("/jobs/from-balance", a.handleCreateJobFromBalance).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", a.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", a.handleDeleteJob).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{id}/fix", a.handleSubmitFix).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/approve", a.handleApprove).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/reject", a.handleReject).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/close", a.handleClose).Methods(http.MethodPost)

	api.HandleFunc("/balance", a.handleBalance).Methods(http.MethodGet)
	api.HandleFunc("/deposits", a.handleCreateDeposit).Methods(http.MethodPost)
	api.HandleFunc("/deposits/{hash}/settle", a.handleSettleDeposit).Methods(http.MethodPost)
	api.HandleFunc("/withdrawals", a.handleWithdraw).Methods(http.MethodPost)
	api.HandleFunc("/donations", a.handleDonate).Methods(http.MethodPost)

	return r
}

// Handler returns the router behind the edge middlewares. Tracing is outermost so every
// response, including CORS preflights and 404s, carries a trace ID.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.Router()
	if a.cors != nil {
		h = a.cors.Handler(h)
	}
	return middleware.NewTracingMiddleware(a.logger).Handler(h)
}
