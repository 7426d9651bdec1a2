// Package modelrouter maps (plan, task) pairs to model tiers. Routing is a
// total function: anything unrecognized falls back to the fast tier with a
// warning instead of failing the request.
package modelrouter

import (
	"context"
	"log/slog"

	"github.com/applyforge/ai-orchestrator/internal/domain"
)

// Tier names the two model classes.
type Tier string

const (
	// TierFast serves cost-sensitive work: extraction and validation for
	// everyone, drafting for non-premium plans.
	TierFast Tier = "fast"
	// TierQuality serves drafting tasks for premium plans.
	TierQuality Tier = "quality"
)

// Router resolves tiers to concrete model ids.
type Router struct {
	fastModel    string
	qualityModel string
	log          *slog.Logger
}

// New creates a Router bound to the two configured model ids.
func New(fastModel, qualityModel string, log *slog.Logger) *Router {
	return &Router{fastModel: fastModel, qualityModel: qualityModel, log: log}
}

// Resolve returns the model id and tier for a (plan, task) pair. The quality
// tier is reserved for premium plans on drafting tasks; everything else,
// including unknown plans or tasks, routes fast.
func (r *Router) Resolve(ctx context.Context, plan domain.Plan, task domain.Task) (string, Tier) {
	if !plan.Valid() || !task.Valid() {
		r.log.WarnContext(ctx, "unknown plan or task, routing to fast tier",
			slog.String("plan", string(plan)),
			slog.String("task", string(task)),
		)
		return r.fastModel, TierFast
	}

	if premium(plan) && drafting(task) {
		return r.qualityModel, TierQuality
	}
	return r.fastModel, TierFast
}

// Model returns the model id for a tier.
func (r *Router) Model(tier Tier) string {
	if tier == TierQuality {
		return r.qualityModel
	}
	return r.fastModel
}

func premium(plan domain.Plan) bool {
	return plan == domain.PlanProMonthly || plan == domain.PlanProAnnual
}

func drafting(task domain.Task) bool {
	return task == domain.TaskCVDraft || task == domain.TaskCoverLetter
}
