// Package server exposes the orchestrator over HTTP: the generate endpoint,
// the admin surface for provider configurations and usage history, and the
// operational endpoints (health, readiness, metrics).
//
// Handlers translate orchestrator errors into wire errors via apierr.Write;
// nothing in this package touches decrypted key material.
package server

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/applyforge/ai-orchestrator/internal/ledger"
	"github.com/applyforge/ai-orchestrator/internal/orchestrator"
	"github.com/applyforge/ai-orchestrator/internal/providers/factory"
	"github.com/applyforge/ai-orchestrator/internal/ratelimit"
	"github.com/applyforge/ai-orchestrator/internal/registry"
)

// Deps carries the server's collaborators.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Ledger       *ledger.Ledger

	// Metrics is the /metrics handler; nil disables the route.
	Metrics fasthttp.RequestHandler

	// Limiter guards the generate endpoint per user; nil disables it.
	Limiter *ratelimit.RPMLimiter

	// Build constructs adapters for credential tests.
	Build factory.Func

	// Ready reports backend readiness; nil means always ready.
	Ready func() bool

	CORSOrigins []string
	Version     string

	Log *slog.Logger
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	deps Deps
	log  *slog.Logger
	srv  *fasthttp.Server
}

// New creates a Server.
func New(deps Deps) *Server {
	if deps.Build == nil {
		deps.Build = factory.New
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{deps: deps, log: log}
}

// Handler builds the routed, middleware-wrapped request handler.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/generate", s.handleGenerate)
	r.DELETE("/v1/users/{user_id}/cache", s.handleEvictSession)

	r.GET("/admin/providers", s.handleListProviders)
	r.POST("/admin/providers", s.handleCreateProvider)
	r.GET("/admin/providers/{id}", s.handleGetProvider)
	r.PATCH("/admin/providers/{id}", s.handleUpdateProvider)
	r.DELETE("/admin/providers/{id}", s.handleDeleteProvider)
	r.POST("/admin/providers/{id}/test", s.handleTestProvider)

	r.GET("/admin/usage", s.handleUsageQuery)
	r.GET("/admin/usage/summary", s.handleUsageSummary)

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if s.deps.Metrics != nil {
		r.GET("/metrics", s.deps.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.deps.CORSOrigins),
		securityHeaders,
	)
}

// Start serves on addr (e.g. ":8080") and blocks until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"status": "ok", "version": s.deps.Version})
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.deps.Ready == nil || s.deps.Ready() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
