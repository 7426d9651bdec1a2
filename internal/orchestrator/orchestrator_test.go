package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/applyforge/ai-orchestrator/internal/cache"
	"github.com/applyforge/ai-orchestrator/internal/crypto"
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
	"gorm.io/gorm"
)

// fakeEnv observes every adapter the fake factory hands out.
type fakeEnv struct {
	textCalls     int
	mmCalls       int
	validateCalls int

	lastKind  domain.ProviderKind
	lastKey   string
	lastModel string

	genErr      error
	validateErr error
	result      providers.Result
}

func (e *fakeEnv) factory() factory.Func {
	return func(_ context.Context, kind domain.ProviderKind, apiKey, model string) (providers.Adapter, error) {
		e.lastKind = kind
		e.lastKey = apiKey
		e.lastModel = model
		return &fakeAdapter{env: e, kind: kind}, nil
	}
}

type fakeAdapter struct {
	env  *fakeEnv
	kind domain.ProviderKind
}

func (a *fakeAdapter) Kind() domain.ProviderKind { return a.kind }

func (a *fakeAdapter) GenerateText(context.Context, *providers.Request) (*providers.Result, error) {
	a.env.textCalls++
	if a.env.genErr != nil {
		return nil, a.env.genErr
	}
	res := a.env.result
	return &res, nil
}

func (a *fakeAdapter) GenerateMultimodal(context.Context, *providers.Request) (*providers.Result, error) {
	a.env.mmCalls++
	if a.env.genErr != nil {
		return nil, a.env.genErr
	}
	res := a.env.result
	return &res, nil
}

func (a *fakeAdapter) ValidateCredentials(context.Context) error {
	a.env.validateCalls++
	return a.env.validateErr
}

type harness struct {
	db    *gorm.DB
	reg   *registry.Registry
	orch  *Orchestrator
	env   *fakeEnv
	plans map[int64]domain.Plan
}

type harnessOptions struct {
	bypassPlans []domain.Plan
	fallbackKey string
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := store.Open(store.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	codec, err := crypto.NewCodec("test-secret")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	fallback := registry.Fallback{Kind: domain.ProviderGemini, APIKey: opts.fallbackKey}
	reg := registry.New(db, codec, fallback, log)

	backend := cache.NewMemoryBackend(context.Background())
	t.Cleanup(backend.Close)
	c := cache.New(backend, cache.Options{BypassPlans: opts.bypassPlans}, log)

	prices := map[string]pricing.Price{
		"fast-tier":    {InputPerMillion: 100_000, OutputPerMillion: 400_000},
		"quality-tier": {InputPerMillion: 1_000_000, OutputPerMillion: 5_000_000},
	}

	env := &fakeEnv{result: providers.Result{
		Text:         "generated text",
		InputTokens:  1000,
		OutputTokens: 1000,
	}}

	plans := map[int64]domain.Plan{}

	orch := New(Deps{
		Registry: reg,
		Router:   modelrouter.New("fast-tier", "quality-tier", log),
		Quota:    quota.New(db, nil, log),
		Cache:    c,
		Ledger:   ledger.New(db, nil, log),
		Pricing:  pricing.NewTable(prices, log),
		Metrics:  metrics.New(),
		Plans: PlanResolverFunc(func(_ context.Context, userID int64) (domain.Plan, error) {
			if p, ok := plans[userID]; ok {
				return p, nil
			}
			return domain.PlanFreemium, nil
		}),
		Build: env.factory(),
		Log:   log,
	})

	return &harness{db: db, reg: reg, orch: orch, env: env, plans: plans}
}

func (h *harness) seedConfig(t *testing.T, kind domain.ProviderKind, model, key string) *store.ProviderConfig {
	t.Helper()
	cfg, err := h.reg.Create(context.Background(), registry.CreateParams{
		Kind:      kind,
		Model:     model,
		Name:      "test config",
		APIKey:    key,
		IsActive:  true,
		IsDefault: true,
	})
	if err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return cfg
}

func (h *harness) records(t *testing.T) []store.UsageRecord {
	t.Helper()
	var recs []store.UsageRecord
	if err := h.db.Order("id ASC").Find(&recs).Error; err != nil {
		t.Fatalf("load records: %v", err)
	}
	return recs
}

// TestGenerate_CacheMissThenHit covers the miss-then-hit round trip: the
// second identical call is served from cache without touching the provider
// and still writes its own usage record.
func TestGenerate_CacheMissThenHit(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.seedConfig(t, domain.ProviderGemini, "", "gemini-key")
	ctx := context.Background()

	req := &Request{UserID: 1, Task: domain.TaskExtraction, Prompt: "Extract from: https://x/1"}

	first, err := h.orch.Generate(ctx, req)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if first.Cached {
		t.Error("first call must miss the cache")
	}
	if first.Text != "generated text" {
		t.Errorf("unexpected text %q", first.Text)
	}
	if h.env.textCalls != 1 {
		t.Fatalf("expected 1 adapter call, got %d", h.env.textCalls)
	}

	second, err := h.orch.Generate(ctx, &Request{UserID: 1, Task: domain.TaskExtraction, Prompt: "Extract from: https://x/1"})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !second.Cached {
		t.Error("second call must hit the cache")
	}
	if second.Text != "generated text" {
		t.Errorf("cached text mismatch: %q", second.Text)
	}
	if h.env.textCalls != 1 {
		t.Errorf("cache hit must not invoke the adapter, got %d calls", h.env.textCalls)
	}

	recs := h.records(t)
	if len(recs) != 2 {
		t.Fatalf("expected one record per call, got %d", len(recs))
	}
	if recs[0].Status != store.StatusSuccess || recs[0].CacheHit {
		t.Errorf("first record: status=%s cache_hit=%v", recs[0].Status, recs[0].CacheHit)
	}
	if recs[1].Status != store.StatusSuccess || !recs[1].CacheHit {
		t.Errorf("second record: status=%s cache_hit=%v", recs[1].Status, recs[1].CacheHit)
	}
	if recs[1].TotalTokens != 0 || recs[1].CostMicroUSD != 0 {
		t.Errorf("cache hit must cost nothing: tokens=%d cost=%d",
			recs[1].TotalTokens, recs[1].CostMicroUSD)
	}
}

// TestGenerate_QualityRouting verifies premium drafting routes to the quality
// model and is priced against its row.
func TestGenerate_QualityRouting(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.seedConfig(t, domain.ProviderGemini, "", "gemini-key")
	h.plans[2] = domain.PlanProMonthly

	res, err := h.orch.Generate(context.Background(), &Request{
		UserID: 2, Task: domain.TaskCVDraft, Prompt: "draft my cv",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Model != "quality-tier" {
		t.Errorf("expected quality-tier, got %q", res.Model)
	}
	if h.env.lastModel != "quality-tier" {
		t.Errorf("adapter built with %q", h.env.lastModel)
	}

	// 1000 in at $1/1M plus 1000 out at $5/1M.
	if res.CostMicroUSD != 6000 {
		t.Errorf("expected cost 6000, got %d", res.CostMicroUSD)
	}

	recs := h.records(t)
	if len(recs) != 1 || recs[0].Model != "quality-tier" {
		t.Fatalf("record model mismatch: %+v", recs)
	}
}

// TestGenerate_ConfigModelOverridesRouter verifies a model pinned on the
// config wins over tier routing.
func TestGenerate_ConfigModelOverridesRouter(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.seedConfig(t, domain.ProviderGemini, "fast-tier", "gemini-key")
	h.plans[2] = domain.PlanProMonthly

	res, err := h.orch.Generate(context.Background(), &Request{
		UserID: 2, Task: domain.TaskCVDraft, Prompt: "draft my cv",
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Model != "fast-tier" {
		t.Errorf("config model must win, got %q", res.Model)
	}
}

// TestGenerate_QuotaDenied verifies a user near their daily budget is denied
// before any adapter call and gets a quota_denied record.
func TestGenerate_QuotaDenied(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.seedConfig(t, domain.ProviderGemini, "", "gemini-key")
	ctx := context.Background()

	// 9600 tokens already spent today; the 1000-token default estimate
	// pushes past the 10000 freemium daily budget.
	seed := store.UsageRecord{
		UserID:      3,
		Task:        string(domain.TaskExtraction),
		InputTokens: 9600,
		TotalTokens: 9600,
		Status:      store.StatusSuccess,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.db.Create(&seed).Error; err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	_, err := h.orch.Generate(ctx, &Request{UserID: 3, Task: domain.TaskExtraction, Prompt: "x"})

	var qe *apierr.QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if qe.Dimension != quota.DimensionDaily || qe.Used != 9600 || qe.Limit != 10_000 {
		t.Errorf("unexpected denial: %+v", qe)
	}
	if h.env.textCalls != 0 {
		t.Error("denied call must not reach the adapter")
	}

	recs := h.records(t)
	if len(recs) != 2 {
		t.Fatalf("expected seed + denial records, got %d", len(recs))
	}
	denied := recs[1]
	if denied.Status != store.StatusQuotaDenied || denied.ErrorKind != apierr.KindQuotaExceeded {
		t.Errorf("denial record: status=%s kind=%s", denied.Status, denied.ErrorKind)
	}
}

// TestGenerate_KeyRotationRevalidates verifies a rotated key is picked up
// without a restart: the old key fails validation, the new one is re-checked
// and the test outcome lands on the config row.
func TestGenerate_KeyRotationRevalidates(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	cfg := h.seedConfig(t, domain.ProviderGemini, "", "bad-key")
	ctx := context.Background()

	h.env.validateErr = errors.New("credentials rejected")

	_, err := h.orch.Generate(ctx, &Request{UserID: 1, Task: domain.TaskExtraction, Prompt: "x"})
	if apierr.KindOf(err) != apierr.KindInvalidCredential {
		t.Fatalf("expected invalid_credential, got %v", err)
	}

	got, err := h.reg.Get(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if got.LastTestOK == nil || *got.LastTestOK {
		t.Error("failed validation must record last_test_ok=false")
	}

	newKey := "rotated-key"
	if _, err := h.reg.Update(ctx, cfg.ID, registry.UpdateParams{APIKey: &newKey}); err != nil {
		t.Fatalf("rotate key: %v", err)
	}
	h.env.validateErr = nil

	res, err := h.orch.Generate(ctx, &Request{UserID: 1, Task: domain.TaskExtraction, Prompt: "x"})
	if err != nil {
		t.Fatalf("post-rotation call: %v", err)
	}
	if res.Cached {
		t.Error("post-rotation call should be fresh")
	}
	if h.env.lastKey != "rotated-key" {
		t.Errorf("adapter must use the rotated key, got %q", h.env.lastKey)
	}
	if h.env.validateCalls != 2 {
		t.Errorf("rotation must force re-validation, got %d validate calls", h.env.validateCalls)
	}

	got, err = h.reg.Get(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if got.LastTestOK == nil || !*got.LastTestOK || got.LastTestAt == nil {
		t.Error("successful validation must record last_test_ok=true")
	}
}

// TestGenerate_ValidationMemoized verifies the credential check runs once per
// config per process, not once per request.
func TestGenerate_ValidationMemoized(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.seedConfig(t, domain.ProviderGemini, "", "gemini-key")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.orch.Generate(ctx, &Request{
			UserID: 1, Task: domain.TaskExtraction, Prompt: "prompt " + string(rune('a'+i)),
		}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if h.env.validateCalls != 1 {
		t.Errorf("expected a single memoized validation, got %d", h.env.validateCalls)
	}
}

// TestGenerate_ProviderUnavailable verifies an unreachable provider surfaces
// as provider_unavailable with an error record and no cache write.
func TestGenerate_ProviderUnavailable(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.seedConfig(t, domain.ProviderGemini, "", "gemini-key")
	ctx := context.Background()

	h.env.genErr = providers.Classify("gemini", 503, errors.New("upstream down"))

	req := &Request{UserID: 1, Task: domain.TaskExtraction, Prompt: "x"}
	_, err := h.orch.Generate(ctx, req)
	if apierr.KindOf(err) != apierr.KindProviderUnavailable {
		t.Fatalf("expected provider_unavailable, got %v", err)
	}

	recs := h.records(t)
	if len(recs) != 1 || recs[0].Status != store.StatusError ||
		recs[0].ErrorKind != apierr.KindProviderUnavailable {
		t.Fatalf("error record mismatch: %+v", recs)
	}

	// Failures must not populate the cache: a later call goes back out.
	h.env.genErr = nil
	if _, err := h.orch.Generate(ctx, &Request{UserID: 1, Task: domain.TaskExtraction, Prompt: "x"}); err != nil {
		t.Fatalf("recovered call: %v", err)
	}
	if h.env.textCalls != 2 {
		t.Errorf("failed call must not be cached, got %d adapter calls", h.env.textCalls)
	}
}

// TestGenerate_Timeout verifies a deadline failure maps to provider_timeout
// with its own ledger status.
func TestGenerate_Timeout(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.seedConfig(t, domain.ProviderGemini, "", "gemini-key")

	h.env.genErr = providers.Classify("gemini", 0, context.DeadlineExceeded)

	_, err := h.orch.Generate(context.Background(), &Request{
		UserID: 1, Task: domain.TaskExtraction, Prompt: "x",
	})
	if apierr.KindOf(err) != apierr.KindProviderTimeout {
		t.Fatalf("expected provider_timeout, got %v", err)
	}

	recs := h.records(t)
	if len(recs) != 1 || recs[0].Status != store.StatusTimeout {
		t.Fatalf("timeout record mismatch: %+v", recs)
	}
}

// TestGenerate_Cancelled verifies caller cancellation writes a cancelled
// record and surfaces the cancelled kind.
func TestGenerate_Cancelled(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.seedConfig(t, domain.ProviderGemini, "", "gemini-key")

	h.env.genErr = context.Canceled

	_, err := h.orch.Generate(context.Background(), &Request{
		UserID: 1, Task: domain.TaskExtraction, Prompt: "x",
	})
	if !errors.Is(err, apierr.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}

	recs := h.records(t)
	if len(recs) != 1 || recs[0].Status != store.StatusCancelled {
		t.Fatalf("cancelled record mismatch: %+v", recs)
	}
}

// TestGenerate_Multimodal verifies image requests take the multimodal path
// and that the image digest keys the content cache.
func TestGenerate_Multimodal(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.seedConfig(t, domain.ProviderGemini, "", "gemini-key")
	ctx := context.Background()

	req := &Request{
		UserID: 1, Task: domain.TaskExtraction,
		Prompt: "Extract job details",
		Image:  []byte{0xFF, 0xD8, 0x01}, ImageMIME: "image/jpeg",
	}
	if _, err := h.orch.Generate(ctx, req); err != nil {
		t.Fatalf("multimodal call: %v", err)
	}
	if h.env.mmCalls != 1 || h.env.textCalls != 0 {
		t.Fatalf("expected the multimodal path, got mm=%d text=%d", h.env.mmCalls, h.env.textCalls)
	}

	// Same prompt, different image: must miss the cache.
	other := &Request{
		UserID: 1, Task: domain.TaskExtraction,
		Prompt: "Extract job details",
		Image:  []byte{0xFF, 0xD8, 0x02}, ImageMIME: "image/jpeg",
	}
	res, err := h.orch.Generate(ctx, other)
	if err != nil {
		t.Fatalf("second multimodal call: %v", err)
	}
	if res.Cached {
		t.Error("a different image must not hit the cache")
	}
	if h.env.mmCalls != 2 {
		t.Errorf("expected a second adapter call, got %d", h.env.mmCalls)
	}
}

// TestGenerate_EnvFallback verifies the env key serves requests when the
// registry is empty, marked degraded, with a nil config reference.
func TestGenerate_EnvFallback(t *testing.T) {
	h := newHarness(t, harnessOptions{fallbackKey: "env-key"})
	ctx := context.Background()

	res, err := h.orch.Generate(ctx, &Request{UserID: 1, Task: domain.TaskExtraction, Prompt: "x"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !res.Degraded {
		t.Error("fallback responses must be marked degraded")
	}
	if h.env.lastKey != "env-key" {
		t.Errorf("adapter must use the env key, got %q", h.env.lastKey)
	}

	recs := h.records(t)
	if len(recs) != 1 || recs[0].ProviderConfigID != nil {
		t.Fatalf("fallback record must carry no config id: %+v", recs)
	}
}

// TestGenerate_NoProvider verifies an empty registry without a fallback key
// fails with no_provider_configured and still writes its record.
func TestGenerate_NoProvider(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	_, err := h.orch.Generate(context.Background(), &Request{
		UserID: 1, Task: domain.TaskExtraction, Prompt: "x",
	})
	if !errors.Is(err, apierr.ErrNoProviderConfigured) {
		t.Fatalf("expected no_provider_configured, got %v", err)
	}

	recs := h.records(t)
	if len(recs) != 1 || recs[0].Status != store.StatusError ||
		recs[0].ErrorKind != apierr.KindNoProviderConfigured {
		t.Fatalf("record mismatch: %+v", recs)
	}
}

// TestGenerate_ProviderOverride verifies a pinned kind bypasses default
// selection.
func TestGenerate_ProviderOverride(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.seedConfig(t, domain.ProviderGemini, "", "gemini-key")
	if _, err := h.reg.Create(context.Background(), registry.CreateParams{
		Kind: domain.ProviderOpenAI, APIKey: "openai-key", IsActive: true,
	}); err != nil {
		t.Fatalf("seed openai config: %v", err)
	}

	_, err := h.orch.Generate(context.Background(), &Request{
		UserID: 1, Task: domain.TaskExtraction, Prompt: "x",
		ProviderOverride: domain.ProviderOpenAI,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if h.env.lastKind != domain.ProviderOpenAI {
		t.Errorf("expected the openai config, got %q", h.env.lastKind)
	}
	if h.env.lastKey != "openai-key" {
		t.Errorf("expected the openai key, got %q", h.env.lastKey)
	}
}

// TestGenerate_BypassPlanSkipsCache verifies bypass-plan users never read or
// populate the cache.
func TestGenerate_BypassPlanSkipsCache(t *testing.T) {
	h := newHarness(t, harnessOptions{bypassPlans: []domain.Plan{domain.PlanFreemium}})
	h.seedConfig(t, domain.ProviderGemini, "", "gemini-key")
	ctx := context.Background()

	req := &Request{UserID: 1, Task: domain.TaskExtraction, Prompt: "same prompt"}
	if _, err := h.orch.Generate(ctx, req); err != nil {
		t.Fatalf("first call: %v", err)
	}
	res, err := h.orch.Generate(ctx, &Request{UserID: 1, Task: domain.TaskExtraction, Prompt: "same prompt"})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if res.Cached {
		t.Error("bypass plan must not be served from cache")
	}
	if h.env.textCalls != 2 {
		t.Errorf("expected both calls to reach the adapter, got %d", h.env.textCalls)
	}
}

// TestGenerate_SessionScopeStore verifies a caller-chosen session scope keeps
// the entry private to its user.
func TestGenerate_SessionScopeStore(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.seedConfig(t, domain.ProviderGemini, "", "gemini-key")
	ctx := context.Background()

	req := &Request{
		UserID: 1, Task: domain.TaskCVDraft, Prompt: "draft",
		CacheKey: "cv-draft-1", CacheScope: store.ScopeSession,
	}
	if _, err := h.orch.Generate(ctx, req); err != nil {
		t.Fatalf("first call: %v", err)
	}

	// Same key, other user: session entries must not leak.
	other, err := h.orch.Generate(ctx, &Request{
		UserID: 2, Task: domain.TaskCVDraft, Prompt: "draft",
		CacheKey: "cv-draft-1", CacheScope: store.ScopeSession,
	})
	if err != nil {
		t.Fatalf("other user call: %v", err)
	}
	if other.Cached {
		t.Error("session entry leaked across users")
	}

	same, err := h.orch.Generate(ctx, &Request{
		UserID: 1, Task: domain.TaskCVDraft, Prompt: "draft",
		CacheKey: "cv-draft-1", CacheScope: store.ScopeSession,
	})
	if err != nil {
		t.Fatalf("owner call: %v", err)
	}
	if !same.Cached || same.CacheScope != store.ScopeSession {
		t.Errorf("owner should hit their session entry, cached=%v scope=%s",
			same.Cached, same.CacheScope)
	}
}

// TestGenerate_RejectsBadInput verifies parameter validation happens before
// any side effect.
func TestGenerate_RejectsBadInput(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.seedConfig(t, domain.ProviderGemini, "", "gemini-key")
	ctx := context.Background()

	bad := []*Request{
		{UserID: 0, Task: domain.TaskExtraction, Prompt: "x"},
		{UserID: 1, Task: domain.Task("unknown"), Prompt: "x"},
		{UserID: 1, Task: domain.TaskExtraction, Prompt: ""},
		{UserID: 1, Task: domain.TaskExtraction, Prompt: "x", Temperature: ptr(2.5)},
		{UserID: 1, Task: domain.TaskExtraction, Prompt: "x", Image: []byte{1}},
		{UserID: 1, Task: domain.TaskExtraction, Prompt: "x", ProviderOverride: "azure"},
	}
	for i, req := range bad {
		if _, err := h.orch.Generate(ctx, req); err == nil {
			t.Errorf("request %d should have been rejected", i)
		}
	}
	if got := len(h.records(t)); got != 0 {
		t.Errorf("rejected requests must not write records, got %d", got)
	}
	if h.env.textCalls+h.env.mmCalls != 0 {
		t.Error("rejected requests must not reach the adapter")
	}
}

func ptr(f float64) *float64 { return &f }
