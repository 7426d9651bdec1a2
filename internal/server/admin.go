package server

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/applyforge/ai-orchestrator/internal/domain"
	"github.com/applyforge/ai-orchestrator/internal/ledger"
	"github.com/applyforge/ai-orchestrator/internal/registry"
	"github.com/applyforge/ai-orchestrator/internal/store"
	"github.com/applyforge/ai-orchestrator/pkg/apierr"
)

// providerView is the wire shape of a provider configuration. There is no
// key field at all: ciphertext stays between the registry and the store.
type providerView struct {
	ID          uint   `json:"id"`
	Kind        string `json:"kind"`
	Model       string `json:"model,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	IsActive   bool     `json:"is_active"`
	IsDefault  bool     `json:"is_default"`
	DefaultFor []string `json:"default_for,omitempty"`

	DailyTokenCap   *int64 `json:"daily_token_cap,omitempty"`
	MonthlyTokenCap *int64 `json:"monthly_token_cap,omitempty"`

	LastTestAt *time.Time `json:"last_test_at,omitempty"`
	LastTestOK *bool      `json:"last_test_ok,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toView(cfg *store.ProviderConfig) providerView {
	var defaults []string
	if cfg.DefaultForExtraction {
		defaults = append(defaults, string(domain.TaskExtraction))
	}
	if cfg.DefaultForCVDraft {
		defaults = append(defaults, string(domain.TaskCVDraft))
	}
	if cfg.DefaultForCoverLetter {
		defaults = append(defaults, string(domain.TaskCoverLetter))
	}
	if cfg.DefaultForValidation {
		defaults = append(defaults, string(domain.TaskValidation))
	}

	return providerView{
		ID:              cfg.ID,
		Kind:            cfg.Kind,
		Model:           cfg.Model,
		Name:            cfg.Name,
		Description:     cfg.Description,
		IsActive:        cfg.IsActive,
		IsDefault:       cfg.IsDefault,
		DefaultFor:      defaults,
		DailyTokenCap:   cfg.DailyTokenCap,
		MonthlyTokenCap: cfg.MonthlyTokenCap,
		LastTestAt:      cfg.LastTestAt,
		LastTestOK:      cfg.LastTestOK,
		CreatedAt:       cfg.CreatedAt,
		UpdatedAt:       cfg.UpdatedAt,
	}
}

type createProviderRequest struct {
	Kind        string   `json:"kind"`
	Model       string   `json:"model,omitempty"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	APIKey      string   `json:"api_key"`
	IsActive    bool     `json:"is_active"`
	IsDefault   bool     `json:"is_default"`
	DefaultFor  []string `json:"default_for,omitempty"`

	DailyTokenCap   *int64 `json:"daily_token_cap,omitempty"`
	MonthlyTokenCap *int64 `json:"monthly_token_cap,omitempty"`

	CreatedBy int64 `json:"created_by,omitempty"`
}

func (s *Server) handleCreateProvider(ctx *fasthttp.RequestCtx) {
	var req createProviderRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		badRequest(ctx, "malformed request body")
		return
	}

	cfg, err := s.deps.Registry.Create(ctx, registry.CreateParams{
		Kind:            domain.ProviderKind(req.Kind),
		Model:           req.Model,
		Name:            req.Name,
		Description:     req.Description,
		APIKey:          req.APIKey,
		IsActive:        req.IsActive,
		IsDefault:       req.IsDefault,
		DefaultFor:      toTasks(req.DefaultFor),
		DailyTokenCap:   req.DailyTokenCap,
		MonthlyTokenCap: req.MonthlyTokenCap,
		CreatedBy:       req.CreatedBy,
	})
	if err != nil {
		badRequest(ctx, err.Error())
		return
	}

	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, toView(cfg))
}

type updateProviderRequest struct {
	Model       *string   `json:"model,omitempty"`
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	APIKey      *string   `json:"api_key,omitempty"`
	IsActive    *bool     `json:"is_active,omitempty"`
	IsDefault   *bool     `json:"is_default,omitempty"`
	DefaultFor  *[]string `json:"default_for,omitempty"`

	DailyTokenCap   *int64 `json:"daily_token_cap,omitempty"`
	MonthlyTokenCap *int64 `json:"monthly_token_cap,omitempty"`

	// Clear flags drop an existing cap; a JSON null cannot be told apart
	// from an absent field.
	ClearDailyTokenCap   bool `json:"clear_daily_token_cap,omitempty"`
	ClearMonthlyTokenCap bool `json:"clear_monthly_token_cap,omitempty"`
}

func (s *Server) handleUpdateProvider(ctx *fasthttp.RequestCtx) {
	id, ok := idParam(ctx)
	if !ok {
		return
	}

	var req updateProviderRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		badRequest(ctx, "malformed request body")
		return
	}

	params := registry.UpdateParams{
		Model:       req.Model,
		Name:        req.Name,
		Description: req.Description,
		APIKey:      req.APIKey,
		IsActive:    req.IsActive,
		IsDefault:   req.IsDefault,
	}
	if req.DefaultFor != nil {
		tasks := toTasks(*req.DefaultFor)
		params.DefaultFor = &tasks
	}
	if req.ClearDailyTokenCap {
		var none *int64
		params.DailyTokenCap = &none
	} else if req.DailyTokenCap != nil {
		params.DailyTokenCap = &req.DailyTokenCap
	}
	if req.ClearMonthlyTokenCap {
		var none *int64
		params.MonthlyTokenCap = &none
	} else if req.MonthlyTokenCap != nil {
		params.MonthlyTokenCap = &req.MonthlyTokenCap
	}

	cfg, err := s.deps.Registry.Update(ctx, id, params)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			notFound(ctx)
			return
		}
		badRequest(ctx, err.Error())
		return
	}

	writeJSON(ctx, toView(cfg))
}

func (s *Server) handleListProviders(ctx *fasthttp.RequestCtx) {
	cfgs, err := s.deps.Registry.List(ctx)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}

	views := make([]providerView, len(cfgs))
	for i := range cfgs {
		views[i] = toView(&cfgs[i])
	}
	writeJSON(ctx, map[string]any{"providers": views})
}

func (s *Server) handleGetProvider(ctx *fasthttp.RequestCtx) {
	id, ok := idParam(ctx)
	if !ok {
		return
	}

	cfg, err := s.deps.Registry.Get(ctx, id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			notFound(ctx)
			return
		}
		apierr.Write(ctx, err)
		return
	}
	writeJSON(ctx, toView(cfg))
}

func (s *Server) handleDeleteProvider(ctx *fasthttp.RequestCtx) {
	id, ok := idParam(ctx)
	if !ok {
		return
	}

	if err := s.deps.Registry.Delete(ctx, id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			notFound(ctx)
			return
		}
		apierr.Write(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (s *Server) handleTestProvider(ctx *fasthttp.RequestCtx) {
	id, ok := idParam(ctx)
	if !ok {
		return
	}

	testErr := s.deps.Registry.Test(ctx, id, s.deps.Build)
	if testErr != nil && errors.Is(testErr, registry.ErrNotFound) {
		notFound(ctx)
		return
	}

	result := map[string]any{
		"ok":        testErr == nil,
		"tested_at": time.Now().UTC(),
	}
	if testErr != nil {
		result["detail"] = testErr.Error()
	}
	writeJSON(ctx, result)
}

func (s *Server) handleUsageQuery(ctx *fasthttp.RequestCtx) {
	f, err := usageFilter(ctx)
	if err != nil {
		badRequest(ctx, err.Error())
		return
	}

	recs, err := s.deps.Ledger.Query(ctx, f)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{"records": recs, "count": len(recs)})
}

func (s *Server) handleUsageSummary(ctx *fasthttp.RequestCtx) {
	f, err := usageFilter(ctx)
	if err != nil {
		badRequest(ctx, err.Error())
		return
	}

	agg, err := s.deps.Ledger.Aggregate(ctx, f)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}
	writeJSON(ctx, agg)
}

// usageFilter parses the shared query parameters of the usage endpoints.
func usageFilter(ctx *fasthttp.RequestCtx) (ledger.Filter, error) {
	args := ctx.QueryArgs()
	var f ledger.Filter

	if v := args.Peek("user_id"); len(v) > 0 {
		id, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return f, errors.New("invalid user_id")
		}
		f.UserID = id
	}
	if v := args.Peek("config_id"); len(v) > 0 {
		id, err := strconv.ParseUint(string(v), 10, 32)
		if err != nil {
			return f, errors.New("invalid config_id")
		}
		f.ProviderConfigID = uint(id)
	}
	f.Task = string(args.Peek("task"))
	f.Status = string(args.Peek("status"))

	if v := args.Peek("from"); len(v) > 0 {
		t, err := time.Parse(time.RFC3339, string(v))
		if err != nil {
			return f, errors.New("invalid from timestamp, want RFC 3339")
		}
		f.From = t
	}
	if v := args.Peek("to"); len(v) > 0 {
		t, err := time.Parse(time.RFC3339, string(v))
		if err != nil {
			return f, errors.New("invalid to timestamp, want RFC 3339")
		}
		f.To = t
	}

	f.Limit = args.GetUintOrZero("limit")
	f.Offset = args.GetUintOrZero("offset")
	return f, nil
}

func toTasks(names []string) []domain.Task {
	tasks := make([]domain.Task, len(names))
	for i, n := range names {
		tasks[i] = domain.Task(n)
	}
	return tasks
}

func idParam(ctx *fasthttp.RequestCtx) (uint, bool) {
	id, err := strconv.ParseUint(param(ctx, "id"), 10, 32)
	if err != nil {
		badRequest(ctx, "invalid config id")
		return 0, false
	}
	return uint(id), true
}

func badRequest(ctx *fasthttp.RequestCtx, msg string) {
	ctx.SetStatusCode(fasthttp.StatusBadRequest)
	writeJSON(ctx, map[string]any{"error": map[string]string{"message": msg, "kind": "bad_request"}})
}

func notFound(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusNotFound)
	writeJSON(ctx, map[string]any{"error": map[string]string{
		"message": "provider config not found",
		"kind":    "not_found",
	}})
}
