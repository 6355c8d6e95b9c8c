// Copyright 2025 The Apifuse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the RPC surface: definition CRUD, execution,
// run history, the live event stream, and operational endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/apifuse/apifuse/internal/cache"
	"github.com/apifuse/apifuse/internal/caller"
	"github.com/apifuse/apifuse/internal/config"
	"github.com/apifuse/apifuse/internal/engine"
	"github.com/apifuse/apifuse/internal/expression"
	"github.com/apifuse/apifuse/internal/metrics"
	"github.com/apifuse/apifuse/internal/store"
	"github.com/apifuse/apifuse/pkg/httpclient"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version string
	Commit  string
}

// Server wires the engine, store, and HTTP surface together.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	build  BuildInfo

	store    store.Store
	caller   *caller.Caller
	eval     *expression.Evaluator
	executor *engine.Executor
	broker   *engine.Broker
	samples  *engine.SampleCache
	metrics  *metrics.Metrics
	limiter  *tenantLimiter

	httpServer *http.Server
}

// New builds a fully wired server from configuration.
func New(cfg *config.Config, logger *slog.Logger, build BuildInfo) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var st store.Store
	switch cfg.Datastore.Type {
	case config.DatastoreSQLite:
		var err error
		st, err = store.OpenSQLite(store.SQLiteConfig{Path: cfg.Datastore.Path, WAL: cfg.Datastore.WAL})
		if err != nil {
			return nil, fmt.Errorf("open sqlite datastore: %w", err)
		}
		logger.Info("sqlite datastore ready", "path", cfg.Datastore.Path, "wal", cfg.Datastore.WAL)
	default:
		st = store.NewMemory()
		logger.Info("memory datastore ready")
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = cfg.HTTPTimeout()
	httpCfg.RetryAttempts = cfg.HTTP.RetryAttempts

	var respCache *cache.ResponseCache
	if cfg.Cache.TTLSeconds > 0 {
		respCache = cache.New(cfg.CacheTTL())
	}

	cal := caller.New(httpCfg, respCache, logger)
	eval := expression.New(0, 0)
	broker := engine.NewBroker()
	samples := engine.NewSampleCache(0)
	runner := engine.NewRunner(cal, eval, logger, cfg.Engine.LoopConcurrency)
	executor := engine.NewExecutor(runner, eval, engine.ExecutorOptions{
		Runs:    st,
		Broker:  broker,
		Samples: samples,
		Logger:  logger,
		Timeout: cfg.RunTimeout(),
	})

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		build:    build,
		store:    st,
		caller:   cal,
		eval:     eval,
		executor: executor,
		broker:   broker,
		samples:  samples,
		metrics:  metrics.New(),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = newTenantLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}
	return s, nil
}

// Handler assembles the full middleware chain. Health and metrics stay
// reachable without credentials.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	authed := s.authMiddleware(s.rateLimitMiddleware(mux))

	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/health" || r.URL.Path == "/metrics" {
			mux.ServeHTTP(w, r)
			return
		}
		authed.ServeHTTP(w, r)
	})
	return s.metrics.Middleware(h)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /v1/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /v1/workflows/{id}", s.handlePutWorkflow)
	mux.HandleFunc("DELETE /v1/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /v1/workflows/{id}/execute", s.handleExecuteWorkflow)
	mux.HandleFunc("POST /v1/workflows/{id}/sample", s.handleSampleWorkflow)
	mux.HandleFunc("POST /v1/workflows/{id}/validate-expression", s.handleValidateExpression)
	mux.HandleFunc("POST /v1/execute", s.handleExecuteInline)

	mux.HandleFunc("GET /v1/apis", s.handleListAPIs)
	mux.HandleFunc("GET /v1/apis/{id}", s.handleGetAPI)
	mux.HandleFunc("PUT /v1/apis/{id}", s.handlePutAPI)
	mux.HandleFunc("DELETE /v1/apis/{id}", s.handleDeleteAPI)
	mux.HandleFunc("POST /v1/apis/{id}/rename", s.handleRenameAPI)
	mux.HandleFunc("POST /v1/apis/{id}/call", s.handleCallAPI)

	mux.HandleFunc("GET /v1/extracts", s.handleListExtracts)
	mux.HandleFunc("GET /v1/extracts/{id}", s.handleGetExtract)
	mux.HandleFunc("PUT /v1/extracts/{id}", s.handlePutExtract)
	mux.HandleFunc("DELETE /v1/extracts/{id}", s.handleDeleteExtract)

	mux.HandleFunc("GET /v1/transforms", s.handleListTransforms)
	mux.HandleFunc("GET /v1/transforms/{id}", s.handleGetTransform)
	mux.HandleFunc("PUT /v1/transforms/{id}", s.handlePutTransform)
	mux.HandleFunc("DELETE /v1/transforms/{id}", s.handleDeleteTransform)

	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("DELETE /v1/runs/{id}", s.handleDeleteRun)
	mux.HandleFunc("DELETE /v1/runs", s.handleDeleteAllRuns)

	mux.HandleFunc("GET /v1/tenant", s.handleGetTenant)
	mux.HandleFunc("PUT /v1/tenant", s.handlePutTenant)

	mux.HandleFunc("GET /v1/logs", s.handleLogStream)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.Handler(),
		// No WriteTimeout: /v1/logs holds the connection open.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("apifused listening",
		"addr", s.cfg.Listen,
		"datastore", s.cfg.Datastore.Type,
		"auth", s.cfg.Auth.Mode,
		"version", s.build.Version)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes the datastore.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
