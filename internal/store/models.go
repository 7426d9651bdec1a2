// Package store owns the persistent schema: provider configurations, the
// append-only usage ledger, and persisted cache entries. Higher layers
// (registry, ledger, cache) operate on these models through gorm; nothing
// outside this module mutates the tables directly.
package store

import "time"

// ProviderConfig is a persisted, admin-editable provider configuration.
// The API key is stored only as codec ciphertext; plaintext never touches
// this table. At most one active config per kind carries IsDefault, and at
// most one carries each per-task default flag (enforced transactionally by
// the registry).
type ProviderConfig struct {
	ID          uint   `gorm:"primaryKey"`
	Kind        string `gorm:"size:16;index:idx_provider_configs_kind_active"`
	Model       string `gorm:"size:128"`
	Name        string `gorm:"size:128"`
	Description string `gorm:"size:512"`

	// APIKeyCiphertext is codec output (version || nonce || sealed key).
	APIKeyCiphertext []byte `gorm:"column:api_key"`

	IsActive  bool `gorm:"index:idx_provider_configs_kind_active"`
	IsDefault bool `gorm:"index"`

	DefaultForExtraction  bool `gorm:"index"`
	DefaultForCVDraft     bool `gorm:"column:default_for_cv_draft;index"`
	DefaultForCoverLetter bool `gorm:"index"`
	DefaultForValidation  bool `gorm:"index"`

	DailyTokenCap   *int64
	MonthlyTokenCap *int64

	LastTestAt *time.Time
	LastTestOK *bool

	CreatedBy int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Usage record statuses.
const (
	StatusSuccess     = "success"
	StatusError       = "error"
	StatusTimeout     = "timeout"
	StatusQuotaDenied = "quota_denied"
	StatusCancelled   = "cancelled"
)

// UsageRecord is one row of the append-only ledger: every generate attempt
// writes exactly one, whatever its outcome. Rows are immutable once written.
// A nil ProviderConfigID marks the environment-fallback path; deleting a
// config nulls the reference instead of destroying history.
type UsageRecord struct {
	ID     uint  `gorm:"primaryKey"`
	UserID int64 `gorm:"index:idx_usage_user_created,priority:1"`

	ProviderConfigID *uint           `gorm:"index:idx_usage_config_created,priority:1"`
	ProviderConfig   *ProviderConfig `gorm:"constraint:OnDelete:SET NULL" json:"-"`

	Task  string `gorm:"size:32;index:idx_usage_task_created,priority:1"`
	Model string `gorm:"size:128"`

	InputTokens  int
	OutputTokens int
	TotalTokens  int

	// CostMicroUSD is recomputable from (Model, tokens, pricing table).
	CostMicroUSD int64

	LatencyMs int64

	Status       string `gorm:"size:16;index"`
	ErrorKind    string `gorm:"size:64"`
	ErrorMessage string `gorm:"size:512"`

	CacheHit  bool
	Estimated bool

	CreatedAt time.Time `gorm:"index:idx_usage_user_created,priority:2;index:idx_usage_config_created,priority:2;index:idx_usage_task_created,priority:2"`
}

// Cache scopes.
const (
	ScopeSystem  = "system"
	ScopeSession = "session"
	ScopeContent = "content"
)

// CacheEntry is a persisted cache row for the db cache backend. System
// entries have no owner and a nil ExpiresAt; session entries require an
// owner; content entries are keyed by a content hash.
type CacheEntry struct {
	ID       uint   `gorm:"primaryKey"`
	CacheKey string `gorm:"size:256;uniqueIndex"`
	Scope    string `gorm:"size:16;index:idx_cache_scope_user_expires,priority:1"`
	UserID   *int64 `gorm:"index:idx_cache_scope_user_expires,priority:2"`

	Payload []byte
	Hits    int64

	CreatedAt time.Time
	ExpiresAt *time.Time `gorm:"index:idx_cache_scope_user_expires,priority:3"`
}
