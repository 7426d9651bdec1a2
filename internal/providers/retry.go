package providers

import (
	"context"
	"math/rand"
	"time"

	"github.com/applyforge/ai-orchestrator/internal/domain"
)

// Retry policy: unavailable errors get up to two extra attempts with
// exponential backoff and jitter; a timeout gets one extra attempt; every
// other kind fails immediately. 4xx-style failures never repeat because
// the same request parameters would fail again.
const (
	unavailableRetries = 2
	timeoutRetries     = 1
	baseBackoff        = 250 * time.Millisecond
)

// withRetry runs fn with the bounded retry policy above. The context is
// honored between attempts; cancellation wins over the next retry.
func withRetry(ctx context.Context, fn func(context.Context) (*Result, error)) (*Result, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		budget := 0
		switch KindOf(err) {
		case ErrUnavailable:
			budget = unavailableRetries
		case ErrTimeout:
			budget = timeoutRetries
		}
		if attempt >= budget {
			return nil, lastErr
		}

		// Exponential backoff with up-to-50% jitter.
		backoff := baseBackoff << uint(attempt)
		backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

// retrying wraps an Adapter so that generation calls follow the shared retry
// policy. Credential validation is never retried — a rejected key stays
// rejected.
type retrying struct {
	inner Adapter
}

// WithRetry returns adapter wrapped with the bounded retry policy.
func WithRetry(adapter Adapter) Adapter {
	return &retrying{inner: adapter}
}

func (r *retrying) Kind() domain.ProviderKind { return r.inner.Kind() }

func (r *retrying) GenerateText(ctx context.Context, req *Request) (*Result, error) {
	return withRetry(ctx, func(ctx context.Context) (*Result, error) {
		return r.inner.GenerateText(ctx, req)
	})
}

func (r *retrying) GenerateMultimodal(ctx context.Context, req *Request) (*Result, error) {
	return withRetry(ctx, func(ctx context.Context) (*Result, error) {
		return r.inner.GenerateMultimodal(ctx, req)
	})
}

func (r *retrying) ValidateCredentials(ctx context.Context) error {
	return r.inner.ValidateCredentials(ctx)
}
