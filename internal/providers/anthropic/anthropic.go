// Package anthropic adapts the Claude Messages API (official SDK) to the
// common provider capability set.
package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/applyforge/ai-orchestrator/internal/domain"
	"github.com/applyforge/ai-orchestrator/internal/providers"
)

const (
	providerName     = "claude"
	defaultMaxTokens = 4096
)

// Adapter implements providers.Adapter for Anthropic Claude.
type Adapter struct {
	model   string
	baseURL string
	client  anthropic.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a Claude adapter bound to one API key and one model id.
func New(apiKey, model string, opts ...Option) *Adapter {
	a := &Adapter{model: model}
	for _, o := range opts {
		o(a)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.GenerateTimeout}),
	}
	if a.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(a.baseURL))
	}
	a.client = anthropic.NewClient(clientOpts...)

	return a
}

func (a *Adapter) Kind() domain.ProviderKind { return domain.ProviderClaude }

// ValidateCredentials performs a cheap authenticated call (list one model).
func (a *Adapter) ValidateCredentials(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, providers.ValidateTimeout)
	defer cancel()

	_, err := a.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return toProviderError(err)
	}
	return nil
}

func (a *Adapter) GenerateText(ctx context.Context, req *providers.Request) (*providers.Result, error) {
	content := []anthropic.ContentBlockParamUnion{
		anthropic.NewTextBlock(req.Prompt),
	}
	return a.generate(ctx, req, content)
}

// GenerateMultimodal sends the prompt plus the image as a base64 image block.
func (a *Adapter) GenerateMultimodal(ctx context.Context, req *providers.Request) (*providers.Result, error) {
	if len(req.Image) == 0 {
		return nil, providers.Malformed(providerName, "multimodal request without image data")
	}

	content := []anthropic.ContentBlockParamUnion{
		anthropic.NewImageBlockBase64(req.ImageMIME,
			base64.StdEncoding.EncodeToString(req.Image)),
		anthropic.NewTextBlock(req.Prompt),
	}
	return a.generate(ctx, req, content)
}

func (a *Adapter) generate(
	ctx context.Context,
	req *providers.Request,
	content []anthropic.ContentBlockParamUnion,
) (*providers.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, providers.GenerateTimeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			{Role: anthropic.MessageParamRoleUser, Content: content},
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	// Concatenate every text block of the reply.
	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, providers.Malformed(providerName, "empty completion")
	}

	res := &providers.Result{
		Text:         sb.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	providers.EstimateMissing(req, res)

	return res, nil
}

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return providers.Classify(providerName, apierr.StatusCode, err)
	}
	return providers.Classify(providerName, 0, err)
}
