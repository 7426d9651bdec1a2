// Package orchestrator is the single entry point for AI generation: one
// Generate call composes provider selection, credential unsealing, model
// routing, quota admission, the three-tier cache, the provider adapter, and
// usage accounting in a fixed order.
//
// Every call, whatever its outcome, appends exactly one usage record.
// Decrypted API keys live on the stack of a single Generate call and are
// never logged or stored.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/applyforge/ai-orchestrator/internal/cache"
	"github.com/applyforge/ai-orchestrator/internal/domain"
	"github.com/applyforge/ai-orchestrator/internal/ledger"
	"github.com/applyforge/ai-orchestrator/internal/metrics"
	"github.com/applyforge/ai-orchestrator/internal/modelrouter"
	"github.com/applyforge/ai-orchestrator/internal/pricing"
	"github.com/applyforge/ai-orchestrator/internal/providers"
	"github.com/applyforge/ai-orchestrator/internal/providers/factory"
	"github.com/applyforge/ai-orchestrator/internal/quota"
	"github.com/applyforge/ai-orchestrator/internal/registry"
	"github.com/applyforge/ai-orchestrator/internal/store"
	"github.com/applyforge/ai-orchestrator/pkg/apierr"
)

// Request parameter defaults and bounds.
const (
	DefaultTemperature = 0.7
	MaxTemperature     = 2.0
	DefaultMaxTokens   = 4096
)

// PlanResolver reports the billing plan of a user. The surrounding
// application owns accounts; the orchestrator only needs the plan.
type PlanResolver interface {
	PlanFor(ctx context.Context, userID int64) (domain.Plan, error)
}

// PlanResolverFunc adapts a function to PlanResolver.
type PlanResolverFunc func(ctx context.Context, userID int64) (domain.Plan, error)

func (f PlanResolverFunc) PlanFor(ctx context.Context, userID int64) (domain.Plan, error) {
	return f(ctx, userID)
}

// Request is one generation request.
type Request struct {
	UserID int64
	Task   domain.Task
	Prompt string

	SystemPrompt string

	// Image and ImageMIME switch the call to the multimodal path.
	Image     []byte
	ImageMIME string

	// Temperature in [0, 2]; nil selects DefaultTemperature.
	Temperature *float64
	// MaxTokens <= 0 selects DefaultMaxTokens.
	MaxTokens int

	// ProviderOverride pins a provider kind instead of registry selection.
	ProviderOverride domain.ProviderKind

	// CacheKey overrides the derived content hash. CacheScope picks where a
	// fresh result is stored: content (default), session, or system.
	CacheKey   string
	CacheScope string

	// NoStore skips the cache write after a fresh result.
	NoStore bool
}

// Response is the outcome of a successful Generate call.
type Response struct {
	RequestID string
	Text      string
	Model     string

	Cached     bool
	CacheScope string

	InputTokens  int
	OutputTokens int
	Estimated    bool

	CostMicroUSD int64

	// Degraded marks a response served through the env fallback provider.
	Degraded bool
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Registry *registry.Registry
	Router   *modelrouter.Router
	Quota    *quota.Manager
	Cache    *cache.Cache
	Ledger   *ledger.Ledger
	Pricing  *pricing.Table
	Metrics  *metrics.Registry
	Plans    PlanResolver

	// Build constructs provider adapters; tests substitute fakes.
	Build factory.Func

	Log *slog.Logger
}

// Orchestrator implements the generate flow.
type Orchestrator struct {
	deps Deps
	log  *slog.Logger

	// validated memoizes credential checks per (config id, ciphertext digest)
	// so each stored key is verified once per process life. Rotating a key
	// changes the digest and forces re-validation without a restart.
	validated sync.Map
	group     singleflight.Group
}

// New creates an Orchestrator. Build defaults to the real adapter factory.
func New(deps Deps) *Orchestrator {
	if deps.Build == nil {
		deps.Build = factory.New
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{deps: deps, log: log}
}

// call carries the per-request state threaded through the generate steps.
type call struct {
	id    string
	start time.Time
	req   *Request
	plan  domain.Plan

	sel   *registry.Selected
	model string

	recorded bool
}

// Generate runs one generation request end to end and returns the response
// text with its accounting. Exactly one usage record is appended per call.
func (o *Orchestrator) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := normalize(req); err != nil {
		return nil, err
	}

	c := &call{id: uuid.NewString(), start: time.Now(), req: req}

	o.log.InfoContext(ctx, "generate started",
		slog.String("request_id", c.id),
		slog.Int64("user_id", req.UserID),
		slog.String("task", string(req.Task)),
		slog.Bool("multimodal", len(req.Image) > 0),
	)

	plan, err := o.deps.Plans.PlanFor(ctx, req.UserID)
	if err != nil {
		return nil, o.fail(ctx, c, store.StatusError,
			apierr.Wrap(apierr.KindInternal, "resolve user plan", err))
	}
	c.plan = plan

	// Step 1: pick the provider configuration.
	if req.ProviderOverride != "" {
		c.sel, err = o.deps.Registry.SelectKind(ctx, req.ProviderOverride)
	} else {
		c.sel, err = o.deps.Registry.SelectFor(ctx, req.Task)
	}
	if err != nil {
		return nil, o.fail(ctx, c, store.StatusError, err)
	}

	// Step 2: unseal the credential. The plaintext stays on this frame.
	apiKey := c.sel.EnvKey
	if c.sel.Config != nil {
		apiKey, err = o.deps.Registry.DecryptKey(c.sel.Config)
		if err != nil {
			return nil, o.fail(ctx, c, store.StatusError,
				apierr.Wrap(apierr.KindInvalidCredential, "unseal provider credentials", err))
		}
	}

	// Step 3: resolve the model. A model pinned on the config wins.
	routed, tier := o.deps.Router.Resolve(ctx, plan, req.Task)
	c.model = routed
	if c.sel.Config != nil && c.sel.Config.Model != "" {
		c.model = c.sel.Config.Model
	}

	// Step 4: quota admission, plan budgets then per-config caps.
	if err := o.deps.Quota.Check(ctx, req.UserID, plan, 0); err != nil {
		return nil, o.denyQuota(ctx, c, err)
	}
	if err := o.deps.Quota.CheckProvider(ctx, c.sel.Config, 0); err != nil {
		return nil, o.denyQuota(ctx, c, err)
	}

	// Step 5: cache lookup.
	key := req.CacheKey
	if key == "" {
		key = cache.ContentKey(req.Task, c.model, req.SystemPrompt, req.Prompt,
			*req.Temperature, req.MaxTokens, req.Image)
	}
	if o.deps.Cache.Bypasses(plan) {
		o.deps.Metrics.CacheGetBypass()
	} else if data, scope, ok := o.deps.Cache.Lookup(ctx, req.UserID, plan, key); ok {
		o.deps.Metrics.CacheGetHit(scope)
		return o.hit(ctx, c, scope, data), nil
	} else {
		o.deps.Metrics.CacheGetMiss()
	}

	// Steps 6–7: build the adapter and verify the credential on first use.
	adapter, err := o.deps.Build(ctx, c.sel.Kind, apiKey, c.model)
	if err != nil {
		return nil, o.fail(ctx, c, store.StatusError,
			apierr.Wrap(apierr.KindInternal, "build provider adapter", err))
	}
	if err := o.validateOnce(ctx, c.sel.Config, adapter); err != nil {
		return nil, o.fail(ctx, c, store.StatusError, err)
	}

	// Step 8: invoke the provider.
	preq := &providers.Request{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Temperature:  *req.Temperature,
		MaxTokens:    req.MaxTokens,
		Image:        req.Image,
		ImageMIME:    req.ImageMIME,
	}
	var res *providers.Result
	if len(req.Image) > 0 {
		res, err = adapter.GenerateMultimodal(ctx, preq)
	} else {
		res, err = adapter.GenerateText(ctx, preq)
	}
	if err != nil {
		status, mapped := o.mapProviderError(ctx, c, err)
		return nil, o.fail(ctx, c, status, mapped)
	}

	// Step 9: accounting.
	latency := time.Since(c.start)
	cost := o.deps.Pricing.Cost(c.model, res.InputTokens, res.OutputTokens)

	// Step 10: cache the fresh result.
	if !req.NoStore && !o.deps.Cache.Bypasses(plan) {
		o.storeResult(ctx, c, key, []byte(res.Text))
	}

	// Step 11: the one usage record for this call.
	o.append(ctx, c, &store.UsageRecord{
		UserID:           req.UserID,
		ProviderConfigID: configID(c.sel),
		Task:             string(req.Task),
		Model:            c.model,
		InputTokens:      res.InputTokens,
		OutputTokens:     res.OutputTokens,
		CostMicroUSD:     cost,
		LatencyMs:        latency.Milliseconds(),
		Status:           store.StatusSuccess,
		Estimated:        res.Estimated,
	})
	o.deps.Metrics.ObserveGenerate(string(req.Task), store.StatusSuccess, false, latency)
	o.deps.Metrics.AddTokens(string(c.sel.Kind), c.model, res.InputTokens, res.OutputTokens)
	o.deps.Metrics.AddCost(string(c.sel.Kind), c.model, cost)

	degraded := c.sel.Source == registry.SourceEnv
	if degraded {
		o.deps.Metrics.RecordFallback()
	}

	o.log.InfoContext(ctx, "generate finished",
		slog.String("request_id", c.id),
		slog.String("model", c.model),
		slog.String("tier", string(tier)),
		slog.String("source", string(c.sel.Source)),
		slog.Int64("latency_ms", latency.Milliseconds()),
		slog.Int64("cost_micro_usd", cost),
	)

	// Step 12: apiKey goes out of scope here.
	return &Response{
		RequestID:    c.id,
		Text:         res.Text,
		Model:        c.model,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Estimated:    res.Estimated,
		CostMicroUSD: cost,
		Degraded:     degraded,
	}, nil
}

// EvictSession drops the caller's session-scope cache, for logout signals.
func (o *Orchestrator) EvictSession(ctx context.Context, userID int64) error {
	return o.deps.Cache.EvictSession(ctx, userID)
}

func normalize(req *Request) error {
	if req.UserID <= 0 {
		return apierr.New(apierr.KindInternal, "user id is required")
	}
	if !req.Task.Valid() {
		return apierr.New(apierr.KindInternal, fmt.Sprintf("unknown task %q", req.Task))
	}
	if req.Prompt == "" {
		return apierr.New(apierr.KindInternal, "prompt must not be empty")
	}
	if req.Temperature == nil {
		t := DefaultTemperature
		req.Temperature = &t
	}
	if *req.Temperature < 0 || *req.Temperature > MaxTemperature {
		return apierr.New(apierr.KindInternal,
			fmt.Sprintf("temperature %v outside [0, %v]", *req.Temperature, MaxTemperature))
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}
	if len(req.Image) > 0 && req.ImageMIME == "" {
		return apierr.New(apierr.KindInternal, "image requires a mime type")
	}
	if req.ProviderOverride != "" && !req.ProviderOverride.Valid() {
		return apierr.New(apierr.KindInternal,
			fmt.Sprintf("unknown provider override %q", req.ProviderOverride))
	}
	switch req.CacheScope {
	case "", store.ScopeContent, store.ScopeSession, store.ScopeSystem:
	default:
		return apierr.New(apierr.KindInternal, fmt.Sprintf("unknown cache scope %q", req.CacheScope))
	}
	return nil
}

// validateOnce verifies the stored credential the first time a config is
// used, concurrently deduplicated. Env-fallback keys are not memoized: they
// have no config row to record the outcome on, and a bad key surfaces from
// the generate call itself.
func (o *Orchestrator) validateOnce(ctx context.Context, cfg *store.ProviderConfig, adapter providers.Adapter) error {
	if cfg == nil {
		return nil
	}

	digest := sha256.Sum256(cfg.APIKeyCiphertext)
	memoKey := fmt.Sprintf("%d:%x", cfg.ID, digest[:8])

	if _, ok := o.validated.Load(memoKey); ok {
		return nil
	}

	_, err, _ := o.group.Do(memoKey, func() (any, error) {
		if _, ok := o.validated.Load(memoKey); ok {
			return nil, nil
		}

		verr := adapter.ValidateCredentials(ctx)
		if rerr := o.deps.Registry.RecordTestResult(ctx, cfg.ID, verr == nil); rerr != nil {
			o.log.WarnContext(ctx, "credential test result not recorded",
				slog.Uint64("config_id", uint64(cfg.ID)),
				slog.Any("error", rerr),
			)
		}
		if verr != nil {
			return nil, apierr.Wrap(apierr.KindInvalidCredential,
				"provider rejected the configured credentials", verr)
		}

		o.validated.Store(memoKey, struct{}{})
		return nil, nil
	})
	return err
}

// hit finalizes a cache hit: a success record with zero tokens and cost.
func (o *Orchestrator) hit(ctx context.Context, c *call, scope string, data []byte) *Response {
	latency := time.Since(c.start)

	o.append(ctx, c, &store.UsageRecord{
		UserID:           c.req.UserID,
		ProviderConfigID: configID(c.sel),
		Task:             string(c.req.Task),
		Model:            c.model,
		LatencyMs:        latency.Milliseconds(),
		Status:           store.StatusSuccess,
		CacheHit:         true,
	})
	o.deps.Metrics.ObserveGenerate(string(c.req.Task), store.StatusSuccess, true, latency)

	o.log.InfoContext(ctx, "generate served from cache",
		slog.String("request_id", c.id),
		slog.String("scope", scope),
	)

	return &Response{
		RequestID:  c.id,
		Text:       string(data),
		Model:      c.model,
		Cached:     true,
		CacheScope: scope,
	}
}

// storeResult writes a fully realized response to the caller's chosen scope.
func (o *Orchestrator) storeResult(ctx context.Context, c *call, key string, payload []byte) {
	switch c.req.CacheScope {
	case store.ScopeSession:
		o.deps.Cache.StoreSession(ctx, c.req.UserID, key, payload)
	case store.ScopeSystem:
		o.deps.Cache.StoreSystem(ctx, key, payload)
	default:
		o.deps.Cache.StoreContent(ctx, key, payload)
	}
	o.deps.Metrics.CacheSet()
}

// denyQuota finalizes a quota denial.
func (o *Orchestrator) denyQuota(ctx context.Context, c *call, err error) error {
	var qe *apierr.QuotaError
	if errors.As(err, &qe) {
		o.deps.Metrics.RecordQuotaDenial(qe.Dimension)
		return o.fail(ctx, c, store.StatusQuotaDenied, err)
	}
	// Ledger read failure during the check, not a denial.
	return o.fail(ctx, c, store.StatusError,
		apierr.Wrap(apierr.KindInternal, "quota check", err))
}

// mapProviderError translates a normalized adapter failure into the caller
// taxonomy and its ledger status.
func (o *Orchestrator) mapProviderError(ctx context.Context, c *call, err error) (string, error) {
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return store.StatusCancelled, apierr.ErrCancelled
	}

	kind := providers.KindOf(err)
	o.deps.Metrics.RecordProviderError(string(c.sel.Kind), string(kind))

	switch kind {
	case providers.ErrTimeout:
		return store.StatusTimeout, apierr.Wrap(apierr.KindProviderTimeout, "provider call timed out", err)
	case providers.ErrBadCredential:
		return store.StatusError, apierr.Wrap(apierr.KindInvalidCredential,
			"provider rejected the configured credentials", err)
	case providers.ErrMalformed:
		return store.StatusError, apierr.Wrap(apierr.KindMalformedResponse,
			"provider returned an unusable payload", err)
	default:
		return store.StatusError, apierr.Wrap(apierr.KindProviderUnavailable,
			"provider unavailable", err)
	}
}

// fail writes the single usage record for a failed call and returns err.
func (o *Orchestrator) fail(ctx context.Context, c *call, status string, err error) error {
	latency := time.Since(c.start)

	o.append(ctx, c, &store.UsageRecord{
		UserID:           c.req.UserID,
		ProviderConfigID: configID(c.sel),
		Task:             string(c.req.Task),
		Model:            c.model,
		LatencyMs:        latency.Milliseconds(),
		Status:           status,
		ErrorKind:        apierr.KindOf(err),
		ErrorMessage:     err.Error(),
	})
	o.deps.Metrics.ObserveGenerate(string(c.req.Task), status, false, latency)

	o.log.WarnContext(ctx, "generate failed",
		slog.String("request_id", c.id),
		slog.String("status", status),
		slog.String("error_kind", apierr.KindOf(err)),
	)

	return err
}

// append writes the call's usage record, at most once.
func (o *Orchestrator) append(ctx context.Context, c *call, rec *store.UsageRecord) {
	if c.recorded {
		return
	}
	c.recorded = true
	o.deps.Ledger.Append(ctx, rec)
}

func configID(sel *registry.Selected) *uint {
	if sel == nil || sel.Config == nil {
		return nil
	}
	id := sel.Config.ID
	return &id
}
