// Package cache implements the three-tier response cache: system-level
// prompts that never expire, per-user session results, and content-hash
// entries for identical inputs across users.
//
// Keys are namespaced by scope:
//
//	system:<name>
//	session:<user_id>:<key>
//	content:<sha256 hex>
//
// Three interchangeable backends store the entries: the relational store
// (default, survives restarts), Redis, and an in-process TTL map. All reads
// and writes degrade gracefully — a broken cache never fails a request.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/applyforge/ai-orchestrator/internal/domain"
	"github.com/applyforge/ai-orchestrator/internal/store"
)

// Backend is the storage layer beneath the tier logic.
//
// Get returns (nil, false) on a miss or any backend error. Set must swallow
// backend errors (log and return nil) so a degraded cache never breaks the
// request path. Delete and DeleteByPrefix return errors for callers that
// need to know (explicit eviction).
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// Scopes reported on hits.
const (
	ScopeSystem  = store.ScopeSystem
	ScopeSession = store.ScopeSession
	ScopeContent = store.ScopeContent
)

// Options configures the tier logic.
type Options struct {
	// SessionTTL bounds session entries. Default: 1h.
	SessionTTL time.Duration
	// ContentTTL bounds content-hash entries. Default: 24h.
	ContentTTL time.Duration
	// BypassPlans lists plans whose requests skip cache reads.
	BypassPlans []domain.Plan
}

// Cache layers the scope semantics over a Backend.
type Cache struct {
	backend    Backend
	sessionTTL time.Duration
	contentTTL time.Duration
	bypass     map[domain.Plan]bool
	log        *slog.Logger
}

// New creates a Cache. A nil backend disables caching entirely: every lookup
// misses and every store is a no-op.
func New(backend Backend, opts Options, log *slog.Logger) *Cache {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = time.Hour
	}
	if opts.ContentTTL <= 0 {
		opts.ContentTTL = 24 * time.Hour
	}
	bypass := make(map[domain.Plan]bool, len(opts.BypassPlans))
	for _, p := range opts.BypassPlans {
		bypass[p] = true
	}
	return &Cache{
		backend:    backend,
		sessionTTL: opts.SessionTTL,
		contentTTL: opts.ContentTTL,
		bypass:     bypass,
		log:        log,
	}
}

// Lookup tries the logical key across scopes: content first (widest reuse),
// then the user's session, then system. Plans listed in BypassPlans always
// miss — their requests must reach the provider.
func (c *Cache) Lookup(ctx context.Context, userID int64, plan domain.Plan, key string) ([]byte, string, bool) {
	if c.backend == nil || key == "" || c.bypass[plan] {
		return nil, "", false
	}

	if data, ok := c.backend.Get(ctx, contentKey(key)); ok {
		return data, ScopeContent, true
	}
	if data, ok := c.backend.Get(ctx, sessionKey(userID, key)); ok {
		return data, ScopeSession, true
	}
	if data, ok := c.backend.Get(ctx, systemKey(key)); ok {
		return data, ScopeSystem, true
	}
	return nil, "", false
}

// StoreContent caches a payload under its content hash.
func (c *Cache) StoreContent(ctx context.Context, hash string, payload []byte) {
	if c.backend == nil || hash == "" {
		return
	}
	_ = c.backend.Set(ctx, contentKey(hash), payload, c.contentTTL)
}

// StoreSession caches a payload in the user's session scope.
func (c *Cache) StoreSession(ctx context.Context, userID int64, key string, payload []byte) {
	if c.backend == nil || key == "" {
		return
	}
	_ = c.backend.Set(ctx, sessionKey(userID, key), payload, c.sessionTTL)
}

// StoreSystem caches a payload under a system-level name. System entries
// never expire; they are replaced explicitly.
func (c *Cache) StoreSystem(ctx context.Context, name string, payload []byte) {
	if c.backend == nil || name == "" {
		return
	}
	_ = c.backend.Set(ctx, systemKey(name), payload, 0)
}

// EvictSession drops every session entry belonging to the user.
func (c *Cache) EvictSession(ctx context.Context, userID int64) error {
	if c.backend == nil {
		return nil
	}
	prefix := "session:" + strconv.FormatInt(userID, 10) + ":"
	if err := c.backend.DeleteByPrefix(ctx, prefix); err != nil {
		return fmt.Errorf("cache: evict session %d: %w", userID, err)
	}
	c.log.InfoContext(ctx, "session cache evicted", slog.Int64("user_id", userID))
	return nil
}

// Bypasses reports whether the plan's requests skip the cache.
func (c *Cache) Bypasses(plan domain.Plan) bool {
	return c.bypass[plan]
}

// DeleteSystem removes a system entry by name.
func (c *Cache) DeleteSystem(ctx context.Context, name string) error {
	if c.backend == nil {
		return nil
	}
	return c.backend.Delete(ctx, systemKey(name))
}

func systemKey(name string) string  { return "system:" + name }
func contentKey(hash string) string { return "content:" + hash }
func sessionKey(userID int64, key string) string {
	return "session:" + strconv.FormatInt(userID, 10) + ":" + key
}

// ContentKey computes the content-hash key for a generation request:
// SHA-256 over the canonical JSON of every input that shapes the output.
// Image bytes contribute through their own digest so the canonical form
// stays small.
func ContentKey(task domain.Task, model, systemPrompt, prompt string, temperature float64, maxTokens int, image []byte) string {
	canon := struct {
		Task         string  `json:"task"`
		Model        string  `json:"model"`
		SystemPrompt string  `json:"system_prompt"`
		Prompt       string  `json:"prompt"`
		Temperature  float64 `json:"temperature"`
		MaxTokens    int     `json:"max_tokens"`
		ImageSHA256  string  `json:"image_sha256,omitempty"`
	}{
		Task:         string(task),
		Model:        model,
		SystemPrompt: systemPrompt,
		Prompt:       prompt,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
	}
	if len(image) > 0 {
		digest := sha256.Sum256(image)
		canon.ImageSHA256 = hex.EncodeToString(digest[:])
	}

	// Struct marshalling is deterministic: fixed field order, no maps.
	payload, _ := json.Marshal(canon)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
