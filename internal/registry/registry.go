// Package registry manages provider configurations: admin CRUD, default-flag
// bookkeeping, credential testing, and selection of the configuration that
// serves a given task.
//
// API keys are sealed by the crypto codec before they reach the database and
// are stripped from everything the management surface returns. Only selection
// (SelectFor) hands ciphertext onward, and only to the orchestrator.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/applyforge/ai-orchestrator/internal/crypto"
	"github.com/applyforge/ai-orchestrator/internal/domain"
	"github.com/applyforge/ai-orchestrator/internal/store"
	"github.com/applyforge/ai-orchestrator/pkg/apierr"
)

// ErrNotFound is returned when a provider configuration id does not exist.
var ErrNotFound = errors.New("registry: provider config not found")

// Source identifies how a configuration was selected.
type Source string

const (
	// SourceTaskDefault — an active config flagged as default for the task.
	SourceTaskDefault Source = "task_default"
	// SourceGlobalDefault — an active config flagged as the global default.
	SourceGlobalDefault Source = "global_default"
	// SourceAnyActive — no default flag matched; the oldest active config.
	SourceAnyActive Source = "any_active"
	// SourceEnv — the environment-variable fallback provider (degraded mode).
	SourceEnv Source = "env_fallback"
	// SourceOverride — the caller pinned a provider kind explicitly.
	SourceOverride Source = "override"
)

// Fallback describes the environment-variable provider used when the
// database holds no usable configuration.
type Fallback struct {
	Kind   domain.ProviderKind
	APIKey string
}

// Selected is the outcome of provider selection for one request.
// For SourceEnv, Config is nil and EnvKey carries the plaintext fallback key.
type Selected struct {
	Config *store.ProviderConfig
	Source Source
	Kind   domain.ProviderKind
	EnvKey string
}

// Registry is the provider configuration service.
type Registry struct {
	db       *gorm.DB
	codec    *crypto.Codec
	fallback Fallback
	log      *slog.Logger
}

// New creates a Registry.
func New(db *gorm.DB, codec *crypto.Codec, fallback Fallback, log *slog.Logger) *Registry {
	return &Registry{db: db, codec: codec, fallback: fallback, log: log}
}

// CreateParams carries the fields for a new provider configuration.
// APIKey is plaintext here and ciphertext everywhere after.
type CreateParams struct {
	Kind        domain.ProviderKind
	Model       string
	Name        string
	Description string
	APIKey      string

	IsActive  bool
	IsDefault bool

	DefaultFor []domain.Task

	DailyTokenCap   *int64
	MonthlyTokenCap *int64

	CreatedBy int64
}

// Create stores a new provider configuration. Default flags claimed by the
// new config are cleared from every other config in the same transaction.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*store.ProviderConfig, error) {
	if !p.Kind.Valid() {
		return nil, fmt.Errorf("registry: invalid provider kind %q", p.Kind)
	}
	if p.APIKey == "" {
		return nil, fmt.Errorf("registry: api key is required")
	}
	for _, task := range p.DefaultFor {
		if !task.Valid() {
			return nil, fmt.Errorf("registry: invalid task %q in default_for", task)
		}
	}

	ciphertext, err := r.codec.EncryptString(p.APIKey)
	if err != nil {
		return nil, fmt.Errorf("registry: seal api key: %w", err)
	}

	cfg := &store.ProviderConfig{
		Kind:             string(p.Kind),
		Model:            p.Model,
		Name:             p.Name,
		Description:      p.Description,
		APIKeyCiphertext: ciphertext,
		IsActive:         p.IsActive,
		IsDefault:        p.IsDefault,
		DailyTokenCap:    p.DailyTokenCap,
		MonthlyTokenCap:  p.MonthlyTokenCap,
		CreatedBy:        p.CreatedBy,
	}
	applyTaskDefaults(cfg, p.DefaultFor)

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := clearClaimedDefaults(tx, cfg, 0); err != nil {
			return err
		}
		return tx.Create(cfg).Error
	})
	if err != nil {
		return nil, fmt.Errorf("registry: create: %w", err)
	}

	r.log.InfoContext(ctx, "provider config created",
		slog.Uint64("id", uint64(cfg.ID)),
		slog.String("kind", cfg.Kind),
		slog.String("model", cfg.Model),
	)

	return sanitize(cfg), nil
}

// UpdateParams carries a partial update; nil fields are left unchanged.
// A non-nil APIKey rotates the stored credential.
type UpdateParams struct {
	Model       *string
	Name        *string
	Description *string
	APIKey      *string

	IsActive  *bool
	IsDefault *bool

	DefaultFor *[]domain.Task

	DailyTokenCap   **int64
	MonthlyTokenCap **int64
}

// Update applies a partial update to an existing configuration.
func (r *Registry) Update(ctx context.Context, id uint, p UpdateParams) (*store.ProviderConfig, error) {
	var updated *store.ProviderConfig

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cfg store.ProviderConfig
		if err := tx.First(&cfg, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		if p.Model != nil {
			cfg.Model = *p.Model
		}
		if p.Name != nil {
			cfg.Name = *p.Name
		}
		if p.Description != nil {
			cfg.Description = *p.Description
		}
		if p.APIKey != nil {
			if *p.APIKey == "" {
				return fmt.Errorf("registry: rotated api key must not be empty")
			}
			ciphertext, err := r.codec.EncryptString(*p.APIKey)
			if err != nil {
				return fmt.Errorf("registry: seal api key: %w", err)
			}
			cfg.APIKeyCiphertext = ciphertext
			// A rotated key has not been tested yet.
			cfg.LastTestAt = nil
			cfg.LastTestOK = nil
		}
		if p.IsActive != nil {
			cfg.IsActive = *p.IsActive
		}
		if p.IsDefault != nil {
			cfg.IsDefault = *p.IsDefault
		}
		if p.DefaultFor != nil {
			for _, task := range *p.DefaultFor {
				if !task.Valid() {
					return fmt.Errorf("registry: invalid task %q in default_for", task)
				}
			}
			cfg.DefaultForExtraction = false
			cfg.DefaultForCVDraft = false
			cfg.DefaultForCoverLetter = false
			cfg.DefaultForValidation = false
			applyTaskDefaults(&cfg, *p.DefaultFor)
		}
		if p.DailyTokenCap != nil {
			cfg.DailyTokenCap = *p.DailyTokenCap
		}
		if p.MonthlyTokenCap != nil {
			cfg.MonthlyTokenCap = *p.MonthlyTokenCap
		}

		if err := clearClaimedDefaults(tx, &cfg, cfg.ID); err != nil {
			return err
		}
		if err := tx.Save(&cfg).Error; err != nil {
			return err
		}

		updated = &cfg
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: update: %w", err)
	}

	r.log.InfoContext(ctx, "provider config updated", slog.Uint64("id", uint64(id)))

	return sanitize(updated), nil
}

// Delete removes a configuration. Usage history keeps its rows; the foreign
// key is nulled by the schema.
func (r *Registry) Delete(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&store.ProviderConfig{}, id)
	if res.Error != nil {
		return fmt.Errorf("registry: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	r.log.InfoContext(ctx, "provider config deleted", slog.Uint64("id", uint64(id)))
	return nil
}

// Get returns one configuration with its key material stripped.
func (r *Registry) Get(ctx context.Context, id uint) (*store.ProviderConfig, error) {
	var cfg store.ProviderConfig
	if err := r.db.WithContext(ctx).First(&cfg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: get: %w", err)
	}
	return sanitize(&cfg), nil
}

// List returns every configuration, newest first, key material stripped.
func (r *Registry) List(ctx context.Context) ([]store.ProviderConfig, error) {
	var cfgs []store.ProviderConfig
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&cfgs).Error; err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	for i := range cfgs {
		cfgs[i].APIKeyCiphertext = nil
	}
	return cfgs, nil
}

// SelectFor picks the configuration serving a task: the active task default
// first, then the active global default, then any active config, then the
// environment fallback. Ties break on the smaller id.
// The returned config still carries ciphertext; only the orchestrator may
// unseal it.
func (r *Registry) SelectFor(ctx context.Context, task domain.Task) (*Selected, error) {
	column, ok := taskDefaultColumn(task)
	if !ok {
		return nil, fmt.Errorf("registry: invalid task %q", task)
	}

	var cfg store.ProviderConfig
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND "+column+" = ?", true, true).
		Order("id ASC").
		First(&cfg).Error
	if err == nil {
		return &Selected{Config: &cfg, Source: SourceTaskDefault, Kind: domain.ProviderKind(cfg.Kind)}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("registry: select: %w", err)
	}

	err = r.db.WithContext(ctx).
		Where("is_active = ? AND is_default = ?", true, true).
		Order("id ASC").
		First(&cfg).Error
	if err == nil {
		return &Selected{Config: &cfg, Source: SourceGlobalDefault, Kind: domain.ProviderKind(cfg.Kind)}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("registry: select: %w", err)
	}

	// No default flags anywhere: any active config can still serve.
	err = r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id ASC").
		First(&cfg).Error
	if err == nil {
		return &Selected{Config: &cfg, Source: SourceAnyActive, Kind: domain.ProviderKind(cfg.Kind)}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("registry: select: %w", err)
	}

	if r.fallback.APIKey != "" {
		r.log.WarnContext(ctx, "no provider config matched, using env fallback",
			slog.String("task", string(task)),
			slog.String("kind", string(r.fallback.Kind)),
		)
		return &Selected{Source: SourceEnv, Kind: r.fallback.Kind, EnvKey: r.fallback.APIKey}, nil
	}

	return nil, apierr.ErrNoProviderConfigured
}

// SelectKind picks an active configuration of an explicitly requested kind,
// preferring a default-flagged one. Used for caller provider overrides. The
// env fallback applies only when its kind matches the request.
func (r *Registry) SelectKind(ctx context.Context, kind domain.ProviderKind) (*Selected, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("registry: invalid provider kind %q", kind)
	}

	var cfg store.ProviderConfig
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND kind = ?", true, string(kind)).
		Order("is_default DESC, id ASC").
		First(&cfg).Error
	if err == nil {
		return &Selected{Config: &cfg, Source: SourceOverride, Kind: kind}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("registry: select kind: %w", err)
	}

	if r.fallback.APIKey != "" && r.fallback.Kind == kind {
		r.log.WarnContext(ctx, "no provider config for requested kind, using env fallback",
			slog.String("kind", string(kind)),
		)
		return &Selected{Source: SourceEnv, Kind: kind, EnvKey: r.fallback.APIKey}, nil
	}

	return nil, apierr.ErrNoProviderConfigured
}

// DecryptKey unseals the API key of a selected configuration. The plaintext
// must not outlive the request that needed it.
func (r *Registry) DecryptKey(cfg *store.ProviderConfig) (string, error) {
	return r.codec.DecryptString(cfg.APIKeyCiphertext)
}

// RecordTestResult stores the outcome of a credential test on the config row.
func (r *Registry) RecordTestResult(ctx context.Context, id uint, ok bool) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Model(&store.ProviderConfig{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_test_at": now,
			"last_test_ok": ok,
		}).Error
	if err != nil {
		return fmt.Errorf("registry: record test result: %w", err)
	}
	return nil
}

// configForTest returns the raw row, ciphertext included. Internal use only.
func (r *Registry) configForTest(ctx context.Context, id uint) (*store.ProviderConfig, error) {
	var cfg store.ProviderConfig
	if err := r.db.WithContext(ctx).First(&cfg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: get: %w", err)
	}
	return &cfg, nil
}

// sanitize strips key material before a config leaves the registry.
func sanitize(cfg *store.ProviderConfig) *store.ProviderConfig {
	out := *cfg
	out.APIKeyCiphertext = nil
	return &out
}

func applyTaskDefaults(cfg *store.ProviderConfig, tasks []domain.Task) {
	for _, task := range tasks {
		switch task {
		case domain.TaskExtraction:
			cfg.DefaultForExtraction = true
		case domain.TaskCVDraft:
			cfg.DefaultForCVDraft = true
		case domain.TaskCoverLetter:
			cfg.DefaultForCoverLetter = true
		case domain.TaskValidation, domain.TaskExtractionValidation:
			cfg.DefaultForValidation = true
		}
	}
}

// taskDefaultColumn maps a task to the column carrying its default flag.
// The combined extraction_validation task follows the validation default.
func taskDefaultColumn(task domain.Task) (string, bool) {
	switch task {
	case domain.TaskExtraction:
		return "default_for_extraction", true
	case domain.TaskCVDraft:
		return "default_for_cv_draft", true
	case domain.TaskCoverLetter:
		return "default_for_cover_letter", true
	case domain.TaskValidation, domain.TaskExtractionValidation:
		return "default_for_validation", true
	default:
		return "", false
	}
}

// clearClaimedDefaults removes, inside the caller's transaction, every default
// flag the given config claims from all other configs of the same kind.
// Defaults in other kinds are untouched. excludeID is the id of the config
// being saved (0 on create).
func clearClaimedDefaults(tx *gorm.DB, cfg *store.ProviderConfig, excludeID uint) error {
	clear := func(column string, claimed bool) error {
		if !claimed {
			return nil
		}
		q := tx.Model(&store.ProviderConfig{}).
			Where(column+" = ?", true).
			Where("kind = ?", cfg.Kind)
		if excludeID != 0 {
			q = q.Where("id <> ?", excludeID)
		}
		return q.Update(column, false).Error
	}

	if err := clear("is_default", cfg.IsDefault); err != nil {
		return err
	}
	if err := clear("default_for_extraction", cfg.DefaultForExtraction); err != nil {
		return err
	}
	if err := clear("default_for_cv_draft", cfg.DefaultForCVDraft); err != nil {
		return err
	}
	if err := clear("default_for_cover_letter", cfg.DefaultForCoverLetter); err != nil {
		return err
	}
	return clear("default_for_validation", cfg.DefaultForValidation)
}
