package schema

import "time"

// Plan is the JSON-serializable workflow format: a fixed, totally-ordered
// sequence of generation steps produced by an external plan registry.
type Plan struct {
	Name     string         `json:"name,omitempty"`
	Steps    []StepPlan     `json:"steps"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StepPlan describes a single step in a plan.
type StepPlan struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Prompt    string         `json:"prompt,omitempty"`
	Options   map[string]any `json:"options,omitempty"`   // passed through to the generator
	Mode      AutomationMode `json:"mode,omitempty"`      // auto (default), manual, skip
	SkipIf    string         `json:"skip_if,omitempty"`   // CEL expression over prior outputs
	Transform string         `json:"transform,omitempty"` // jq expression applied to output metadata
	Cache     bool           `json:"cache,omitempty"`     // reuse cached generation for identical inputs
	Retry     *RetryConfig   `json:"retry,omitempty"`     // overrides the run-level retry config
	Gate      *GateConfig    `json:"gate,omitempty"`      // optional quality gate for this step
}

// BackoffStrategy enumerates delay growth strategies between retry attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryConfig configures the retry/backoff contract around one unreliable
// operation. MaxRetries counts retries after the initial attempt, so
// MaxRetries=3 allows up to 4 attempts in total.
type RetryConfig struct {
	MaxRetries int             `json:"max_retries"`
	BaseDelay  time.Duration   `json:"base_delay"`
	MaxDelay   time.Duration   `json:"max_delay"`
	Strategy   BackoffStrategy `json:"strategy,omitempty"`
	// Delays, when set, overrides the strategy: attempt n sleeps Delays[n-1],
	// clamped to the last entry beyond its length.
	Delays []time.Duration `json:"delays,omitempty"`
}

// GateConfig configures the quality gate for a step.
type GateConfig struct {
	MinimumRequired int    `json:"minimum_required"`
	MaxRetries      int    `json:"max_retries"`
	AutoFix         bool   `json:"auto_fix"`
	// PassExpr, when set, is an expr-lang predicate over
	// {overall, attempts, categories} that overrides the simple threshold.
	PassExpr string `json:"pass_expr,omitempty"`
}
