// Package quota enforces per-plan token budgets and call-rate ceilings by
// summing the usage ledger. Budgets are checked before a provider call with
// an estimated request size; only successful calls count against them.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/applyforge/ai-orchestrator/internal/domain"
	"github.com/applyforge/ai-orchestrator/internal/store"
	"github.com/applyforge/ai-orchestrator/pkg/apierr"
)

// DefaultEstimatedTokens is the assumed size of a request whose real token
// count is not yet known.
const DefaultEstimatedTokens = 1000

// Quota dimensions reported in denials.
const (
	DimensionDaily           = "daily"
	DimensionMonthly         = "monthly"
	DimensionHourly          = "hourly"
	DimensionProviderDaily   = "provider_daily"
	DimensionProviderMonthly = "provider_monthly"
)

// Limits is the per-plan budget: token budgets over a UTC day and calendar
// month, plus a rolling-hour call ceiling.
type Limits struct {
	DailyTokens   int64
	MonthlyTokens int64
	HourlyCalls   int64
}

// DefaultPolicies returns the built-in plan budgets.
func DefaultPolicies() map[domain.Plan]Limits {
	pro := Limits{DailyTokens: 250_000, MonthlyTokens: 5_000_000, HourlyCalls: 120}
	return map[domain.Plan]Limits{
		domain.PlanFreemium:  {DailyTokens: 10_000, MonthlyTokens: 150_000, HourlyCalls: 10},
		domain.PlanPaygo:     {DailyTokens: 100_000, MonthlyTokens: 2_000_000, HourlyCalls: 60},
		domain.PlanProMonthly: pro,
		domain.PlanProAnnual:  pro,
	}
}

// Manager answers "may this request proceed" questions against the ledger.
type Manager struct {
	db       *gorm.DB
	policies map[domain.Plan]Limits
	log      *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New creates a Manager. A nil policies map selects the defaults.
func New(db *gorm.DB, policies map[domain.Plan]Limits, log *slog.Logger) *Manager {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Manager{db: db, policies: policies, log: log, now: time.Now}
}

// Check verifies the user's plan budgets. estimated is the assumed token cost
// of the pending request; pass 0 to use DefaultEstimatedTokens.
func (m *Manager) Check(ctx context.Context, userID int64, plan domain.Plan, estimated int64) error {
	limits, ok := m.policies[plan]
	if !ok {
		return fmt.Errorf("quota: no policy for plan %q", plan)
	}
	if estimated <= 0 {
		estimated = DefaultEstimatedTokens
	}

	now := m.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	used, err := m.userTokensSince(ctx, userID, dayStart)
	if err != nil {
		return err
	}
	if used+estimated > limits.DailyTokens {
		return m.deny(ctx, userID, DimensionDaily, used, limits.DailyTokens)
	}

	used, err = m.userTokensSince(ctx, userID, monthStart)
	if err != nil {
		return err
	}
	if used+estimated > limits.MonthlyTokens {
		return m.deny(ctx, userID, DimensionMonthly, used, limits.MonthlyTokens)
	}

	calls, err := m.userCallsSince(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return err
	}
	if calls+1 > limits.HourlyCalls {
		return m.deny(ctx, userID, DimensionHourly, calls, limits.HourlyCalls)
	}

	return nil
}

// CheckProvider verifies the optional per-config token caps.
func (m *Manager) CheckProvider(ctx context.Context, cfg *store.ProviderConfig, estimated int64) error {
	if cfg == nil || (cfg.DailyTokenCap == nil && cfg.MonthlyTokenCap == nil) {
		return nil
	}
	if estimated <= 0 {
		estimated = DefaultEstimatedTokens
	}

	now := m.now().UTC()

	if cfg.DailyTokenCap != nil {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		used, err := m.providerTokensSince(ctx, cfg.ID, dayStart)
		if err != nil {
			return err
		}
		if used+estimated > *cfg.DailyTokenCap {
			return m.deny(ctx, 0, DimensionProviderDaily, used, *cfg.DailyTokenCap)
		}
	}

	if cfg.MonthlyTokenCap != nil {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		used, err := m.providerTokensSince(ctx, cfg.ID, monthStart)
		if err != nil {
			return err
		}
		if used+estimated > *cfg.MonthlyTokenCap {
			return m.deny(ctx, 0, DimensionProviderMonthly, used, *cfg.MonthlyTokenCap)
		}
	}

	return nil
}

func (m *Manager) deny(ctx context.Context, userID int64, dimension string, used, limit int64) error {
	m.log.InfoContext(ctx, "quota exceeded",
		slog.Int64("user_id", userID),
		slog.String("dimension", dimension),
		slog.Int64("used", used),
		slog.Int64("limit", limit),
	)
	return &apierr.QuotaError{Dimension: dimension, Used: used, Limit: limit}
}

func (m *Manager) userTokensSince(ctx context.Context, userID int64, since time.Time) (int64, error) {
	var total int64
	err := m.db.WithContext(ctx).Model(&store.UsageRecord{}).
		Where("user_id = ? AND status = ? AND created_at >= ?", userID, store.StatusSuccess, since).
		Select("COALESCE(SUM(total_tokens), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("quota: sum tokens: %w", err)
	}
	return total, nil
}

func (m *Manager) userCallsSince(ctx context.Context, userID int64, since time.Time) (int64, error) {
	var count int64
	err := m.db.WithContext(ctx).Model(&store.UsageRecord{}).
		Where("user_id = ? AND status = ? AND created_at >= ?", userID, store.StatusSuccess, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("quota: count calls: %w", err)
	}
	return count, nil
}

func (m *Manager) providerTokensSince(ctx context.Context, configID uint, since time.Time) (int64, error) {
	var total int64
	err := m.db.WithContext(ctx).Model(&store.UsageRecord{}).
		Where("provider_config_id = ? AND status = ? AND created_at >= ?", configID, store.StatusSuccess, since).
		Select("COALESCE(SUM(total_tokens), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("quota: sum provider tokens: %w", err)
	}
	return total, nil
}
