// Package providers defines the common adapter capability set implemented by
// every LLM provider (Gemini, OpenAI, Claude) plus the shared error
// normalization, bounded retry, and token-estimation helpers.
//
// Each adapter lives in its own sub-package, is constructed per request from
// a decrypted API key and a resolved model id, and is stateless beyond that
// pair — safe for concurrent use across independent calls.
package providers

import (
	"context"
	"time"

	"github.com/applyforge/ai-orchestrator/internal/domain"
)

// Default per-call timeouts. Generation calls get the long budget;
// credential validation the short one.
const (
	GenerateTimeout = 30 * time.Second
	ValidateTimeout = 10 * time.Second
)

type (
	// Request is the normalized generation request handed to an adapter.
	Request struct {
		Prompt       string
		SystemPrompt string
		Temperature  float64
		MaxTokens    int

		// Image and ImageMIME are set only for multimodal calls.
		Image     []byte
		ImageMIME string
	}

	// Result is the normalized provider response. When the provider did not
	// report token usage, counts are estimated and Estimated is true —
	// downstream must not rely on exact counts without reading the flag.
	Result struct {
		Text         string
		InputTokens  int
		OutputTokens int
		Estimated    bool
	}
)

// Adapter is the uniform capability set over a single provider.
type Adapter interface {
	Kind() domain.ProviderKind
	GenerateText(ctx context.Context, req *Request) (*Result, error)
	GenerateMultimodal(ctx context.Context, req *Request) (*Result, error)
	ValidateCredentials(ctx context.Context) error
}
