// Package domain declares the small enum types shared across the
// orchestrator: generative task kinds, subscription plans, and provider
// kinds. Everything else in the module depends on this package; it depends
// on nothing.
package domain

// Task is a generative workload kind.
type Task string

const (
	TaskExtraction           Task = "extraction"
	TaskCVDraft              Task = "cv_draft"
	TaskCoverLetter          Task = "cover_letter"
	TaskValidation           Task = "validation"
	TaskExtractionValidation Task = "extraction_validation"
)

// Tasks returns all declared task kinds.
func Tasks() []Task {
	return []Task{
		TaskExtraction,
		TaskCVDraft,
		TaskCoverLetter,
		TaskValidation,
		TaskExtractionValidation,
	}
}

// Valid reports whether t is one of the declared task kinds.
func (t Task) Valid() bool {
	switch t {
	case TaskExtraction, TaskCVDraft, TaskCoverLetter, TaskValidation, TaskExtractionValidation:
		return true
	}
	return false
}

func (t Task) String() string { return string(t) }

// Plan is a subscription plan tag supplied by the external subscription
// subsystem. The orchestrator treats it as opaque apart from routing and
// quota lookups.
type Plan string

const (
	PlanFreemium   Plan = "freemium"
	PlanPaygo      Plan = "paygo"
	PlanProMonthly Plan = "pro_monthly"
	PlanProAnnual  Plan = "pro_annual"
)

// Plans returns all declared plans.
func Plans() []Plan {
	return []Plan{PlanFreemium, PlanPaygo, PlanProMonthly, PlanProAnnual}
}

// Valid reports whether p is one of the declared plans.
func (p Plan) Valid() bool {
	switch p {
	case PlanFreemium, PlanPaygo, PlanProMonthly, PlanProAnnual:
		return true
	}
	return false
}

func (p Plan) String() string { return string(p) }

// ProviderKind identifies an external LLM provider family.
type ProviderKind string

const (
	ProviderGemini ProviderKind = "gemini"
	ProviderOpenAI ProviderKind = "openai"
	ProviderClaude ProviderKind = "claude"
)

// ProviderKinds returns all supported provider kinds.
func ProviderKinds() []ProviderKind {
	return []ProviderKind{ProviderGemini, ProviderOpenAI, ProviderClaude}
}

// Valid reports whether k is a supported provider kind.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderGemini, ProviderOpenAI, ProviderClaude:
		return true
	}
	return false
}

func (k ProviderKind) String() string { return string(k) }
