// Package openai adapts the OpenAI chat completion API (official SDK) to the
// common provider capability set.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/applyforge/ai-orchestrator/internal/domain"
	"github.com/applyforge/ai-orchestrator/internal/providers"
)

const providerName = "openai"

// Adapter implements providers.Adapter for OpenAI.
type Adapter struct {
	model   string
	baseURL string
	client  openaiSDK.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates an OpenAI adapter bound to one API key and one model id.
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
	a.client = openaiSDK.NewClient(clientOpts...)

	return a
}

func (a *Adapter) Kind() domain.ProviderKind { return domain.ProviderOpenAI }

// ValidateCredentials performs a cheap authenticated call (list models).
func (a *Adapter) ValidateCredentials(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, providers.ValidateTimeout)
	defer cancel()

	_, err := a.client.Models.List(ctx)
	if err != nil {
		return toProviderError(err)
	}
	return nil
}

func (a *Adapter) GenerateText(ctx context.Context, req *providers.Request) (*providers.Result, error) {
	user := openaiSDK.UserMessage(req.Prompt)
	return a.generate(ctx, req, user)
}

// GenerateMultimodal sends the prompt plus the image as a base64 data URL
// content part.
func (a *Adapter) GenerateMultimodal(ctx context.Context, req *providers.Request) (*providers.Result, error) {
	if len(req.Image) == 0 {
		return nil, providers.Malformed(providerName, "multimodal request without image data")
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s",
		req.ImageMIME, base64.StdEncoding.EncodeToString(req.Image))

	user := openaiSDK.UserMessage([]openaiSDK.ChatCompletionContentPartUnionParam{
		openaiSDK.TextContentPart(req.Prompt),
		openaiSDK.ImageContentPart(openaiSDK.ChatCompletionContentPartImageImageURLParam{
			URL: dataURL,
		}),
	})
	return a.generate(ctx, req, user)
}

func (a *Adapter) generate(
	ctx context.Context,
	req *providers.Request,
	user openaiSDK.ChatCompletionMessageParamUnion,
) (*providers.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, providers.GenerateTimeout)
	defer cancel()

	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(req.SystemPrompt))
	}
	msgs = append(msgs, user)

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    a.model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, providers.Malformed(providerName, "empty completion")
	}

	res := &providers.Result{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	providers.EstimateMissing(req, res)

	return res, nil
}

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return providers.Classify(providerName, apierr.StatusCode, err)
	}
	return providers.Classify(providerName, 0, err)
}
