package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/applyforge/ai-orchestrator/internal/cache"
	"github.com/applyforge/ai-orchestrator/internal/crypto"
	"github.com/applyforge/ai-orchestrator/internal/domain"
	"github.com/applyforge/ai-orchestrator/internal/ledger"
	"github.com/applyforge/ai-orchestrator/internal/metrics"
	"github.com/applyforge/ai-orchestrator/internal/modelrouter"
	"github.com/applyforge/ai-orchestrator/internal/orchestrator"
	"github.com/applyforge/ai-orchestrator/internal/pricing"
	"github.com/applyforge/ai-orchestrator/internal/quota"
	"github.com/applyforge/ai-orchestrator/internal/registry"
	"github.com/applyforge/ai-orchestrator/internal/server"
	"github.com/applyforge/ai-orchestrator/internal/store"
)

// initInfra opens the database and establishes optional external
// connections. Redis is only required when CACHE_MODE=redis or rate limiting
// is enabled; ClickHouse only when CLICKHOUSE_DSN is set.
func (a *App) initInfra(ctx context.Context) error {
	db, err := store.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		return err
	}
	a.db = db
	a.log.Info("database ready", slog.String("driver", a.cfg.Database.Driver))

	needsRedis := a.cfg.Cache.Mode == "redis" ||
		(a.cfg.RateLimit.RPM > 0 && a.cfg.Redis.URL != "")
	if needsRedis {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouse.DSN != "" {
		exp, err := ledger.NewExporter(a.baseCtx, a.cfg.ClickHouse.DSN, a.log)
		if err != nil {
			// Analytics are optional; run without the export.
			a.log.Warn("clickhouse export disabled", slog.String("error", err.Error()))
		} else {
			a.exporter = exp
			a.log.Info("clickhouse export enabled")
		}
	}

	return nil
}

// initServices creates the domain services on top of the infrastructure.
func (a *App) initServices(ctx context.Context) error {
	codec, err := crypto.NewCodec(a.cfg.EncryptionSecret)
	if err != nil {
		return err
	}
	a.codec = codec

	a.reg = registry.New(a.db, codec, registry.Fallback{
		Kind:   domain.ProviderKind(a.cfg.Fallback.Kind),
		APIKey: a.cfg.Fallback.APIKey,
	}, a.log)

	a.router = modelrouter.New(a.cfg.Router.FastModel, a.cfg.Router.QualityModel, a.log)
	a.quota = quota.New(a.db, nil, a.log)
	a.prices = pricing.NewTable(nil, a.log)

	// Unpriced routed models produce zero-cost records; flag them at startup.
	for _, m := range []string{a.cfg.Router.FastModel, a.cfg.Router.QualityModel} {
		if !a.prices.Has(m) {
			a.log.Warn("routed model has no pricing row; its calls will be billed at zero",
				slog.String("model", m))
		}
	}

	var backend cache.Backend
	switch a.cfg.Cache.Mode {
	case "db":
		backend = cache.NewDBBackend(a.db, a.log)
		a.log.Info("cache backend: database")
	case "redis":
		backend = cache.NewRedisBackendFromClient(a.rdb, a.log)
		a.log.Info("cache backend: redis")
	case "memory":
		a.memBackend = cache.NewMemoryBackend(ctx)
		backend = a.memBackend
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	bypass := make([]domain.Plan, len(a.cfg.Cache.BypassPlans))
	for i, p := range a.cfg.Cache.BypassPlans {
		bypass[i] = domain.Plan(p)
	}
	a.cache = cache.New(backend, cache.Options{
		SessionTTL:  a.cfg.Cache.SessionTTL,
		ContentTTL:  a.cfg.Cache.ContentTTL,
		BypassPlans: bypass,
	}, a.log)

	a.ledger = ledger.New(a.db, a.exporter, a.log)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initOrchestrator builds the generate facade. The plan resolver is the
// integration point for the surrounding account system; standalone
// deployments classify every user with the configured default plan.
func (a *App) initOrchestrator(_ context.Context) error {
	defaultPlan := domain.Plan(a.cfg.DefaultPlan)

	a.orch = orchestrator.New(orchestrator.Deps{
		Registry: a.reg,
		Router:   a.router,
		Quota:    a.quota,
		Cache:    a.cache,
		Ledger:   a.ledger,
		Pricing:  a.prices,
		Metrics:  a.prom,
		Plans: orchestrator.PlanResolverFunc(func(context.Context, int64) (domain.Plan, error) {
			return defaultPlan, nil
		}),
		Log: a.log,
	})

	return nil
}

// initServer wires the HTTP surface.
func (a *App) initServer(_ context.Context) error {
	var ready func() bool
	if a.rdb != nil {
		ready = redisPinger(a.baseCtx, a.rdb)
	}

	a.srv = server.New(server.Deps{
		Orchestrator: a.orch,
		Registry:     a.reg,
		Ledger:       a.ledger,
		Metrics:      a.prom.Handler(),
		Limiter:      a.limiter(),
		Ready:        ready,
		CORSOrigins:  a.cfg.CORSOrigins,
		Version:      a.version,
		Log:          a.log,
	})

	if lim := a.cfg.RateLimit.RPM; lim > 0 && a.rdb != nil {
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", lim))
	}

	return nil
}
