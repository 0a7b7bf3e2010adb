// Package expressions evaluates step conditions and dynamic input lookups.
//
// Three engines: CEL for conditions (the default), Expr for complex
// deterministic logic behind the "expr:" prefix, and GoJQ for JSON lookups
// behind the "jq:" prefix.
package expressions

import (
	"context"
	"strings"
)

// Engine evaluates one expression dialect against run-scoped data.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

const (
	exprPrefix = "expr:"
	jqPrefix   = "jq:"
)

// Engines bundles the three dialects and routes by prefix.
type Engines struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewEngines constructs all three engines.
func NewEngines() (*Engines, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{
		CEL:  cel,
		Expr: NewExprEngine(),
		JQ:   NewGoJQEngine(),
	}, nil
}

// EvaluateCondition evaluates a step condition. CEL is the default dialect;
// "expr:" selects the Expr engine and "jq:" the GoJQ engine.
func (e *Engines) EvaluateCondition(ctx context.Context, expression string, data map[string]any) (any, error) {
	switch {
	case strings.HasPrefix(expression, exprPrefix):
		return e.Expr.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(expression, exprPrefix)), data)
	case strings.HasPrefix(expression, jqPrefix):
		return e.JQ.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(expression, jqPrefix)), data)
	default:
		return e.CEL.Evaluate(ctx, expression, data)
	}
}
