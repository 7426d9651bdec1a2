// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — database, optional Redis and ClickHouse connections
//  2. initServices — codec, registry, router, quota, cache, ledger, pricing
//  3. initOrchestrator — the generate facade
//  4. initServer   — HTTP surface with management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/applyforge/ai-orchestrator/internal/cache"
	"github.com/applyforge/ai-orchestrator/internal/config"
	"github.com/applyforge/ai-orchestrator/internal/crypto"
	"github.com/applyforge/ai-orchestrator/internal/ledger"
	"github.com/applyforge/ai-orchestrator/internal/metrics"
	"github.com/applyforge/ai-orchestrator/internal/modelrouter"
	"github.com/applyforge/ai-orchestrator/internal/orchestrator"
	"github.com/applyforge/ai-orchestrator/internal/pricing"
	"github.com/applyforge/ai-orchestrator/internal/quota"
	"github.com/applyforge/ai-orchestrator/internal/ratelimit"
	"github.com/applyforge/ai-orchestrator/internal/registry"
	"github.com/applyforge/ai-orchestrator/internal/server"

	"gorm.io/gorm"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	db *gorm.DB

	// Optional external connections — nil when not configured.
	rdb      *redis.Client
	exporter *ledger.Exporter

	memBackend *cache.MemoryBackend

	codec  *crypto.Codec
	reg    *registry.Registry
	router *modelrouter.Router
	quota  *quota.Manager
	cache  *cache.Cache
	ledger *ledger.Ledger
	prices *pricing.Table
	prom   *metrics.Registry

	orch *orchestrator.Orchestrator
	srv  *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"orchestrator", a.initOrchestrator},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting orchestrator",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("database", a.cfg.Database.Driver),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Bool("analytics_export", a.exporter != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.exporter != nil {
		if err := a.exporter.Close(); err != nil {
			a.log.Error("analytics exporter close error", slog.String("error", err.Error()))
		}
		a.exporter = nil
	}
	if a.memBackend != nil {
		a.memBackend.Close()
		a.memBackend = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function for the readiness
// endpoint. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// limiter builds the per-user RPM guard when Redis and a limit are present.
func (a *App) limiter() *ratelimit.RPMLimiter {
	if a.rdb == nil || a.cfg.RateLimit.RPM <= 0 {
		return nil
	}
	return ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPM)
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
