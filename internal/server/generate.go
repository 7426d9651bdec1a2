package server

import (
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/applyforge/ai-orchestrator/internal/domain"
	"github.com/applyforge/ai-orchestrator/internal/orchestrator"
	"github.com/applyforge/ai-orchestrator/pkg/apierr"
)

type generateRequest struct {
	UserID       int64  `json:"user_id"`
	Task         string `json:"task"`
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt,omitempty"`

	ImageBase64 string `json:"image_base64,omitempty"`
	ImageMIME   string `json:"image_mime,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`

	ProviderOverride string `json:"provider_override,omitempty"`

	CacheKey   string `json:"cache_key,omitempty"`
	CacheScope string `json:"cache_scope,omitempty"`
	NoStore    bool   `json:"no_store,omitempty"`
}

type generateResponse struct {
	RequestID string `json:"request_id"`
	Text      string `json:"response_text"`
	Model     string `json:"model"`

	Cached     bool   `json:"cached"`
	CacheScope string `json:"cache_scope,omitempty"`

	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	Estimated    bool `json:"estimated,omitempty"`

	CostMicroUSD int64 `json:"cost_micro_usd"`

	Degraded bool `json:"degraded,omitempty"`
}

func (s *Server) handleGenerate(ctx *fasthttp.RequestCtx) {
	var req generateRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, apierr.New(apierr.KindInternal, "malformed request body"))
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		return
	}

	if s.deps.Limiter != nil {
		allowed, _ := s.deps.Limiter.Allow(ctx, req.UserID)
		if !allowed {
			ctx.Response.Header.Set("Retry-After", "60")
			ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
			writeJSON(ctx, map[string]any{"error": map[string]string{
				"message": "request rate limit exceeded",
				"kind":    "rate_limited",
			}})
			return
		}
	}

	var image []byte
	if req.ImageBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			apierr.Write(ctx, apierr.New(apierr.KindInternal, "image_base64 is not valid base64"))
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		image = data
	}

	res, err := s.deps.Orchestrator.Generate(ctx, &orchestrator.Request{
		UserID:           req.UserID,
		Task:             domain.Task(req.Task),
		Prompt:           req.Prompt,
		SystemPrompt:     req.SystemPrompt,
		Image:            image,
		ImageMIME:        req.ImageMIME,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		ProviderOverride: domain.ProviderKind(req.ProviderOverride),
		CacheKey:         req.CacheKey,
		CacheScope:       req.CacheScope,
		NoStore:          req.NoStore,
	})
	if err != nil {
		apierr.Write(ctx, err)
		return
	}

	writeJSON(ctx, generateResponse{
		RequestID:    res.RequestID,
		Text:         res.Text,
		Model:        res.Model,
		Cached:       res.Cached,
		CacheScope:   res.CacheScope,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Estimated:    res.Estimated,
		CostMicroUSD: res.CostMicroUSD,
		Degraded:     res.Degraded,
	})
}

// handleEvictSession drops a user's session-scope cache, the logout signal.
func (s *Server) handleEvictSession(ctx *fasthttp.RequestCtx) {
	userID, err := strconv.ParseInt(param(ctx, "user_id"), 10, 64)
	if err != nil || userID <= 0 {
		apierr.Write(ctx, apierr.New(apierr.KindInternal, "invalid user id"))
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		return
	}

	if err := s.deps.Orchestrator.EvictSession(ctx, userID); err != nil {
		apierr.Write(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func param(ctx *fasthttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}
