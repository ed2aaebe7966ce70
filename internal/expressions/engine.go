package expressions

import "context"

// Engine evaluates expressions declared on step plans and gate configs.
// Three implementations: CEL (skip conditions), Expr (gate predicates),
// GoJQ (output transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
