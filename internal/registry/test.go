package registry

import (
	"context"
	"log/slog"

	"github.com/applyforge/ai-orchestrator/internal/domain"
	"github.com/applyforge/ai-orchestrator/internal/providers"
	"github.com/applyforge/ai-orchestrator/internal/providers/factory"
)

// Test validates the stored credential of a configuration by making a cheap
// authenticated call against the provider. The outcome is recorded on the
// config row either way. The decrypted key exists only for the duration of
// this call.
func (r *Registry) Test(ctx context.Context, id uint, build factory.Func) error {
	cfg, err := r.configForTest(ctx, id)
	if err != nil {
		return err
	}

	apiKey, err := r.codec.DecryptString(cfg.APIKeyCiphertext)
	if err != nil {
		// Undecryptable ciphertext counts as a failed test.
		if recErr := r.RecordTestResult(ctx, id, false); recErr != nil {
			r.log.WarnContext(ctx, "failed to record test result", slog.Any("error", recErr))
		}
		return err
	}

	adapter, err := build(ctx, domain.ProviderKind(cfg.Kind), apiKey, cfg.Model)
	if err != nil {
		return err
	}

	validateErr := adapter.ValidateCredentials(ctx)

	if recErr := r.RecordTestResult(ctx, id, validateErr == nil); recErr != nil {
		r.log.WarnContext(ctx, "failed to record test result", slog.Any("error", recErr))
	}

	if validateErr != nil {
		r.log.InfoContext(ctx, "credential test failed",
			slog.Uint64("id", uint64(id)),
			slog.String("kind", cfg.Kind),
			slog.String("error_kind", string(providers.KindOf(validateErr))),
		)
		return validateErr
	}

	return nil
}
