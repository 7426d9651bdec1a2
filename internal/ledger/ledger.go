// Package ledger owns the append-only usage history: one record per generate
// attempt, queries and aggregates over it, and an optional ClickHouse export
// for analytics.
//
// Appending is best-effort on purpose: a response that was already produced
// is never failed because bookkeeping hiccupped. Failures are logged and the
// record is dropped.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/applyforge/ai-orchestrator/internal/store"
)

// Ledger is the usage history service.
type Ledger struct {
	db       *gorm.DB
	log      *slog.Logger
	exporter *Exporter
}

// New creates a Ledger. exporter may be nil.
func New(db *gorm.DB, exporter *Exporter, log *slog.Logger) *Ledger {
	return &Ledger{db: db, log: log, exporter: exporter}
}

// Append stores a usage record and forwards it to the analytics export.
// Errors are logged and swallowed; the caller's response is already final.
func (l *Ledger) Append(ctx context.Context, rec *store.UsageRecord) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.TotalTokens = rec.InputTokens + rec.OutputTokens

	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		l.log.WarnContext(ctx, "usage record dropped",
			slog.Int64("user_id", rec.UserID),
			slog.String("task", rec.Task),
			slog.String("status", rec.Status),
			slog.Any("error", err),
		)
		return
	}

	if l.exporter != nil {
		l.exporter.Enqueue(rec)
	}
}

// Filter narrows Query and Aggregate. Zero values mean "no constraint".
type Filter struct {
	UserID           int64
	ProviderConfigID uint
	Task             string
	Status           string
	From             time.Time
	To               time.Time

	Limit  int
	Offset int
}

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.ProviderConfigID != 0 {
		q = q.Where("provider_config_id = ?", f.ProviderConfigID)
	}
	if f.Task != "" {
		q = q.Where("task = ?", f.Task)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To)
	}
	return q
}

// Query returns matching records, newest first. Limit defaults to 100 and is
// capped at 1000.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]store.UsageRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	var recs []store.UsageRecord
	err := f.apply(l.db.WithContext(ctx).Model(&store.UsageRecord{})).
		Order("created_at DESC").
		Limit(limit).
		Offset(f.Offset).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	return recs, nil
}

// Aggregate summarizes matching records.
type Aggregate struct {
	Calls        int64
	Successes    int64
	CacheHits    int64
	TotalTokens  int64
	CostMicroUSD int64

	AvgLatencyMs float64
	SuccessRate  float64

	// CostSavedMicroUSD estimates what cache hits would have cost:
	// hits times the average cost of a non-cached successful call.
	CostSavedMicroUSD int64
}

// Aggregate computes the summary for the filtered window.
func (l *Ledger) Aggregate(ctx context.Context, f Filter) (*Aggregate, error) {
	var row struct {
		Calls        int64
		Successes    int64
		CacheHits    int64
		TotalTokens  int64
		CostMicroUSD int64
		AvgLatencyMs float64

		PaidSuccesses int64
		PaidCost      int64
	}

	err := f.apply(l.db.WithContext(ctx).Model(&store.UsageRecord{})).
		Select(`
			COUNT(*) AS calls,
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) AS successes,
			COALESCE(SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0) AS cache_hits,
			COALESCE(SUM(total_tokens), 0) AS total_tokens,
			COALESCE(SUM(cost_micro_usd), 0) AS cost_micro_usd,
			COALESCE(AVG(latency_ms), 0) AS avg_latency_ms,
			COALESCE(SUM(CASE WHEN status = 'success' AND NOT cache_hit THEN 1 ELSE 0 END), 0) AS paid_successes,
			COALESCE(SUM(CASE WHEN status = 'success' AND NOT cache_hit THEN cost_micro_usd ELSE 0 END), 0) AS paid_cost
		`).
		Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: aggregate: %w", err)
	}

	agg := &Aggregate{
		Calls:        row.Calls,
		Successes:    row.Successes,
		CacheHits:    row.CacheHits,
		TotalTokens:  row.TotalTokens,
		CostMicroUSD: row.CostMicroUSD,
		AvgLatencyMs: row.AvgLatencyMs,
	}
	if row.Calls > 0 {
		agg.SuccessRate = float64(row.Successes) / float64(row.Calls)
	}
	if row.PaidSuccesses > 0 {
		agg.CostSavedMicroUSD = row.CacheHits * (row.PaidCost / row.PaidSuccesses)
	}
	return agg, nil
}
