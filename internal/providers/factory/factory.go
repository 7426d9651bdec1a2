// Package factory constructs provider adapters from a kind, a decrypted API
// key, and a resolved model id. It is the only place that knows every
// concrete adapter; callers depend on providers.Adapter.
package factory

import (
	"context"
	"fmt"

	"github.com/applyforge/ai-orchestrator/internal/domain"
	"github.com/applyforge/ai-orchestrator/internal/providers"
	"github.com/applyforge/ai-orchestrator/internal/providers/anthropic"
	"github.com/applyforge/ai-orchestrator/internal/providers/gemini"
	"github.com/applyforge/ai-orchestrator/internal/providers/openai"
)

// Func builds an adapter for one call. The orchestrator takes it as a
// dependency so tests can substitute fakes.
type Func func(ctx context.Context, kind domain.ProviderKind, apiKey, model string) (providers.Adapter, error)

// New builds the adapter for kind, wrapped with the shared retry policy.
// The API key is held only by the returned adapter; callers must not retain
// the adapter beyond the request that created it.
func New(ctx context.Context, kind domain.ProviderKind, apiKey, model string) (providers.Adapter, error) {
	var (
		adapter providers.Adapter
		err     error
	)

	switch kind {
	case domain.ProviderGemini:
		adapter, err = gemini.New(ctx, apiKey, model)
	case domain.ProviderOpenAI:
		adapter = openai.New(apiKey, model)
	case domain.ProviderClaude:
		adapter = anthropic.New(apiKey, model)
	default:
		return nil, fmt.Errorf("factory: unknown provider kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	return providers.WithRetry(adapter), nil
}
