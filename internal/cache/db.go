package cache

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/applyforge/ai-orchestrator/internal/store"
)

// DBBackend persists cache entries in the relational store. It is the
// default backend: entries survive restarts and need no extra infrastructure.
type DBBackend struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewDBBackend creates a DBBackend.
func NewDBBackend(db *gorm.DB, log *slog.Logger) *DBBackend {
	return &DBBackend{db: db, log: log}
}

// Get returns (data, true) on a live entry and (nil, false) on a miss,
// an expired entry, or any database error. Hits are counted on the row.
func (b *DBBackend) Get(ctx context.Context, key string) ([]byte, bool) {
	var entry store.CacheEntry
	err := b.db.WithContext(ctx).Where("cache_key = ?", key).First(&entry).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			b.log.WarnContext(ctx, "cache get failed",
				slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}

	if entry.ExpiresAt != nil && time.Now().After(*entry.ExpiresAt) {
		// Lazy expiry.
		_ = b.db.WithContext(ctx).Delete(&store.CacheEntry{}, entry.ID).Error
		return nil, false
	}

	if err := b.db.WithContext(ctx).Model(&store.CacheEntry{}).
		Where("id = ?", entry.ID).
		UpdateColumn("hits", gorm.Expr("hits + 1")).Error; err != nil {
		b.log.WarnContext(ctx, "cache hit count failed", slog.Any("error", err))
	}

	return entry.Payload, true
}

// Set upserts an entry. A zero ttl means the entry never expires.
// Errors are logged, never propagated.
func (b *DBBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	scope, userID := parseKey(key)

	entry := store.CacheEntry{
		CacheKey:  key,
		Scope:     scope,
		UserID:    userID,
		Payload:   value,
		CreatedAt: time.Now().UTC(),
	}
	if ttl > 0 {
		expires := time.Now().UTC().Add(ttl)
		entry.ExpiresAt = &expires
	}

	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "expires_at", "created_at"}),
	}).Create(&entry).Error
	if err != nil {
		b.log.WarnContext(ctx, "cache set failed",
			slog.String("key", key), slog.Any("error", err))
	}

	return nil
}

// Delete removes one entry.
func (b *DBBackend) Delete(ctx context.Context, key string) error {
	return b.db.WithContext(ctx).Where("cache_key = ?", key).
		Delete(&store.CacheEntry{}).Error
}

// DeleteByPrefix removes every entry whose key starts with prefix.
func (b *DBBackend) DeleteByPrefix(ctx context.Context, prefix string) error {
	return b.db.WithContext(ctx).Where("cache_key LIKE ?", prefix+"%").
		Delete(&store.CacheEntry{}).Error
}

// parseKey derives the row's scope and owner from the key namespace.
func parseKey(key string) (scope string, userID *int64) {
	switch {
	case strings.HasPrefix(key, "system:"):
		return store.ScopeSystem, nil
	case strings.HasPrefix(key, "content:"):
		return store.ScopeContent, nil
	case strings.HasPrefix(key, "session:"):
		rest := strings.TrimPrefix(key, "session:")
		if i := strings.IndexByte(rest, ':'); i > 0 {
			if id, err := strconv.ParseInt(rest[:i], 10, 64); err == nil {
				return store.ScopeSession, &id
			}
		}
		return store.ScopeSession, nil
	default:
		return "", nil
	}
}
