// Package metrics provides a Prometheus metrics registry for the
// orchestrator.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// orchestrator_generate_total{task,status}
	generateTotal *prometheus.CounterVec

	// orchestrator_generate_duration_seconds{task,cache}
	generateDuration *prometheus.HistogramVec

	// orchestrator_tokens_total{provider,model,direction}
	tokensTotal *prometheus.CounterVec

	// orchestrator_cost_micro_usd_total{provider,model}
	costTotal *prometheus.CounterVec

	// orchestrator_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// orchestrator_quota_denials_total{dimension}
	quotaDenials *prometheus.CounterVec

	// orchestrator_provider_errors_total{provider,error_kind}
	providerErrors *prometheus.CounterVec

	// orchestrator_fallback_requests_total — env-fallback (degraded) calls
	fallbackRequests prometheus.Counter

	// orchestrator_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		generateTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_generate_total",
				Help: "Total generate calls by task and terminal status",
			},
			[]string{"task", "status"},
		),

		generateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_generate_duration_seconds",
				Help:    "End-to-end generate duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"task", "cache"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_tokens_total",
				Help: "Token usage totals derived from provider usage fields",
			},
			[]string{"provider", "model", "direction"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_cost_micro_usd_total",
				Help: "Accumulated cost in micro-USD",
			},
			[]string{"provider", "model"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		quotaDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_quota_denials_total",
				Help: "Requests denied by quota, by dimension",
			},
			[]string{"dimension"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_provider_errors_total",
				Help: "Provider failures by normalized kind",
			},
			[]string{"provider", "error_kind"},
		),

		fallbackRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_fallback_requests_total",
			Help: "Requests served through the environment-variable fallback provider",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.generateTotal,
		r.generateDuration,
		r.tokensTotal,
		r.costTotal,
		r.cacheOps,
		r.quotaDenials,
		r.providerErrors,
		r.fallbackRequests,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// ObserveGenerate records one terminal generate outcome.
func (r *Registry) ObserveGenerate(task, status string, cached bool, dur time.Duration) {
	r.generateTotal.WithLabelValues(task, status).Inc()
	r.generateDuration.WithLabelValues(task, cacheLabel(cached)).Observe(dur.Seconds())
}

// AddTokens records provider-reported token usage.
func (r *Registry) AddTokens(provider, model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// AddCost records the micro-USD cost of a provider call.
func (r *Registry) AddCost(provider, model string, microUSD int64) {
	if microUSD > 0 {
		r.costTotal.WithLabelValues(provider, model).Add(float64(microUSD))
	}
}

func (r *Registry) CacheGetHit(scope string) {
	r.cacheOps.WithLabelValues("get", "hit_"+scope).Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheSet() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) RecordQuotaDenial(dimension string) {
	r.quotaDenials.WithLabelValues(dimension).Inc()
}

func (r *Registry) RecordProviderError(provider, errorKind string) {
	r.providerErrors.WithLabelValues(provider, errorKind).Inc()
}

func (r *Registry) RecordFallback() {
	r.fallbackRequests.Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }

func cacheLabel(cached bool) string {
	if cached {
		return "hit"
	}
	return "miss"
}
