package quality

import (
	"context"
	"log/slog"

	"github.com/draftsmith/draftsmith/internal/expressions"
	"github.com/draftsmith/draftsmith/pkg/schema"
)

// Scorer rates a piece of content. Implementations wrap the review backend.
type Scorer interface {
	Score(ctx context.Context, content string) (*schema.QualityScore, error)
}

// Fixer revises content to address the given issues.
type Fixer interface {
	Fix(ctx context.Context, content string, issues []string) (string, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, content string) (*schema.QualityScore, error)

func (f ScorerFunc) Score(ctx context.Context, content string) (*schema.QualityScore, error) {
	return f(ctx, content)
}

// FixerFunc adapts a function to the Fixer interface.
type FixerFunc func(ctx context.Context, content string, issues []string) (string, error)

func (f FixerFunc) Fix(ctx context.Context, content string, issues []string) (string, error) {
	return f(ctx, content, issues)
}

// GateResult reports how a gate closed. A non-passing gate is a result,
// not an error: Content always holds the best version seen.
type GateResult struct {
	Passed          bool
	Score           *schema.QualityScore
	MinimumRequired int
	Attempts        int // fix passes performed, not counting the initial score
	Issues          []string
	Content         string
}

// Gate scores step output against a minimum and optionally runs bounded
// fix passes until the score clears the bar or attempts run out.
type Gate struct {
	scorer     Scorer
	fixer      Fixer
	predicates *expressions.ExprEngine
	logger     *slog.Logger
}

// GateOption configures optional gate collaborators.
type GateOption func(*Gate)

// WithFixer enables auto-fix passes for gates that request them.
func WithFixer(f Fixer) GateOption {
	return func(g *Gate) { g.fixer = f }
}

// WithPredicates enables pass_expr evaluation.
func WithPredicates(eng *expressions.ExprEngine) GateOption {
	return func(g *Gate) { g.predicates = eng }
}

func NewGate(scorer Scorer, logger *slog.Logger, opts ...GateOption) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{scorer: scorer, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RunGate scores content and, when it falls short and auto-fix is enabled,
// alternates fix and re-score passes up to cfg.MaxRetries times. The best
// scoring version of the content is kept even when the gate never passes.
// Errors are reserved for scorer or fixer failures.
func (g *Gate) RunGate(ctx context.Context, content string, cfg schema.GateConfig) (*GateResult, error) {
	score, err := g.scorer.Score(ctx, content)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStepFailed, "scoring content").WithCause(err)
	}

	result := &GateResult{
		Score:           score,
		MinimumRequired: cfg.MinimumRequired,
		Content:         content,
	}
	best := score.Overall

	passed, err := g.passes(ctx, score, cfg, 0)
	if err != nil {
		return nil, err
	}
	if passed {
		result.Passed = true
		return result, nil
	}

	if !cfg.AutoFix || g.fixer == nil {
		result.Issues = collectIssues(score)
		return result, nil
	}

	current := content
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		issues := collectIssues(score)
		result.Issues = issues
		g.logger.Info("gate below minimum, fixing",
			slog.Int("attempt", attempt),
			slog.Int("score", score.Overall),
			slog.Int("minimum", cfg.MinimumRequired))

		fixed, err := g.fixer.Fix(ctx, current, issues)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStepFailed, "fixing content").WithCause(err)
		}
		current = fixed
		result.Attempts = attempt

		score, err = g.scorer.Score(ctx, current)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStepFailed, "re-scoring content").WithCause(err)
		}
		if score.Overall >= best {
			best = score.Overall
			result.Score = score
			result.Content = current
		}

		passed, err := g.passes(ctx, score, cfg, attempt)
		if err != nil {
			return nil, err
		}
		if passed {
			result.Passed = true
			result.Score = score
			result.Content = current
			result.Issues = nil
			return result, nil
		}
	}

	result.Issues = collectIssues(result.Score)
	return result, nil
}

// passes applies the configured pass criterion: pass_expr when present,
// otherwise the plain minimum score threshold.
func (g *Gate) passes(ctx context.Context, score *schema.QualityScore, cfg schema.GateConfig, attempts int) (bool, error) {
	if cfg.PassExpr == "" || g.predicates == nil {
		return score.Overall >= cfg.MinimumRequired, nil
	}

	categories := make([]map[string]any, 0, len(score.Categories))
	for _, c := range score.Categories {
		categories = append(categories, map[string]any{
			"name":  c.Name,
			"score": c.Score,
			"max":   c.Max,
		})
	}
	env := map[string]any{
		"overall":    score.Overall,
		"grade":      score.Grade,
		"minimum":    cfg.MinimumRequired,
		"attempts":   attempts,
		"categories": categories,
	}
	result, err := g.predicates.Evaluate(ctx, cfg.PassExpr, env)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"pass expression failed: %s", cfg.PassExpr).WithCause(err)
	}
	passed, ok := result.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"pass expression returned %T, want bool", result)
	}
	return passed, nil
}

// collectIssues gathers actionable issue text from categories scoring
// below 70% of their maximum.
func collectIssues(score *schema.QualityScore) []string {
	var issues []string
	for _, c := range score.Categories {
		if c.Max <= 0 {
			continue
		}
		if c.Score*10 < c.Max*7 {
			issues = append(issues, c.Issues...)
		}
	}
	return issues
}
