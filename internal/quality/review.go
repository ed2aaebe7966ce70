package quality

import (
	"context"
	"log/slog"

	"github.com/draftsmith/draftsmith/pkg/schema"
)

// Reviewer inspects content and reports findings.
type Reviewer interface {
	Review(ctx context.Context, content string) ([]schema.Finding, error)
}

// ReviewerFunc adapts a function to the Reviewer interface.
type ReviewerFunc func(ctx context.Context, content string) ([]schema.Finding, error)

func (f ReviewerFunc) Review(ctx context.Context, content string) ([]schema.Finding, error) {
	return f(ctx, content)
}

// ReviewResult reports the outcome of an iterative review cycle. Findings
// accumulates everything seen across iterations, including fixed issues.
type ReviewResult struct {
	Content    string
	Iterations int
	Clean      bool // no blocking findings remained at exit
	Findings   []schema.Finding
}

// ReviewLoop alternates review and fix passes until no blocking findings
// remain or maxIterations is reached. Minor and info findings never force
// another iteration.
type ReviewLoop struct {
	reviewer Reviewer
	fixer    Fixer
	logger   *slog.Logger
}

func NewReviewLoop(reviewer Reviewer, fixer Fixer, logger *slog.Logger) *ReviewLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReviewLoop{reviewer: reviewer, fixer: fixer, logger: logger}
}

// Run drives the review cycle over content. Reaching maxIterations with
// blocking findings still open is reported via Clean=false, not an error.
func (l *ReviewLoop) Run(ctx context.Context, content string, maxIterations int) (*ReviewResult, error) {
	if maxIterations < 1 {
		maxIterations = 1
	}
	result := &ReviewResult{Content: content}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		result.Iterations = iteration

		findings, err := l.reviewer.Review(ctx, result.Content)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStepFailed, "reviewing content").WithCause(err)
		}
		result.Findings = append(result.Findings, findings...)

		blocking := blockingMessages(findings)
		if len(blocking) == 0 {
			result.Clean = true
			return result, nil
		}
		l.logger.Info("review found blocking issues",
			slog.Int("iteration", iteration),
			slog.Int("blocking", len(blocking)))

		if iteration == maxIterations || l.fixer == nil {
			return result, nil
		}

		fixed, err := l.fixer.Fix(ctx, result.Content, blocking)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStepFailed, "fixing reviewed content").WithCause(err)
		}
		result.Content = fixed
	}
	return result, nil
}

func blockingMessages(findings []schema.Finding) []string {
	var out []string
	for _, f := range findings {
		if f.IsBlocking() {
			out = append(out, f.Message)
		}
	}
	return out
}
