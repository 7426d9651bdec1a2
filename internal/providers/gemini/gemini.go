// Package gemini adapts Google Gemini (official GenAI SDK) to the common
// provider capability set.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/applyforge/ai-orchestrator/internal/domain"
	"github.com/applyforge/ai-orchestrator/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// Adapter implements providers.Adapter for Google Gemini.
type Adapter struct {
	apiKey  string
	model   string
	baseURL string
	client  *genai.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a Gemini adapter bound to one API key and one model id.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     a.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: providers.GenerateTimeout},
		HTTPOptions: genai.HTTPOptions{
			BaseURL: a.baseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	a.client = client

	return a, nil
}

func (a *Adapter) Kind() domain.ProviderKind { return domain.ProviderGemini }

// ValidateCredentials performs a cheap authenticated call (list one model).
func (a *Adapter) ValidateCredentials(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, providers.ValidateTimeout)
	defer cancel()

	_, err := a.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return toProviderError(err)
	}
	return nil
}

func (a *Adapter) GenerateText(ctx context.Context, req *providers.Request) (*providers.Result, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(req.Prompt, genai.RoleUser),
	}
	return a.generate(ctx, req, contents)
}

// GenerateMultimodal sends the prompt together with one inline image part.
func (a *Adapter) GenerateMultimodal(ctx context.Context, req *providers.Request) (*providers.Result, error) {
	if len(req.Image) == 0 {
		return nil, providers.Malformed(providerName, "multimodal request without image data")
	}

	parts := []*genai.Part{
		genai.NewPartFromBytes(req.Image, req.ImageMIME),
		genai.NewPartFromText(req.Prompt),
	}
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}
	return a.generate(ctx, req, contents)
}

func (a *Adapter) generate(ctx context.Context, req *providers.Request, contents []*genai.Content) (*providers.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, providers.GenerateTimeout)
	defer cancel()

	cfg := a.buildConfig(req)

	resp, err := a.client.Models.GenerateContent(ctx, a.model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}
	if resp == nil || resp.Text() == "" {
		return nil, providers.Malformed(providerName, "empty completion")
	}

	res := &providers.Result{Text: resp.Text()}
	if resp.UsageMetadata != nil {
		res.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		res.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	providers.EstimateMissing(req, res)

	return res, nil
}

func (a *Adapter) buildConfig(req *providers.Request) *genai.GenerateContentConfig {
	var cfg *genai.GenerateContentConfig
	if req.SystemPrompt != "" || req.Temperature > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
	}

	if cfg != nil && req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if cfg != nil && req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if cfg != nil && req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return cfg
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return providers.Classify(providerName, apiErr.Code,
			fmt.Errorf("%s (%s)", apiErr.Message, apiErr.Status))
	}
	return providers.Classify(providerName, 0, err)
}
