// Package expression evaluates gate predicates, routing conditions and
// approver resolvers against a workflow context.
package expression

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"procgenie/backend/internal/services"
	"procgenie/backend/pkg/models"
)

const defaultCacheSize = 1024

// Evaluator compiles expressions once and evaluates them against context
// snapshots. Evaluate is pure; only ResolveUsers calls out, to the directory.
type Evaluator struct {
	cache     *lru.Cache[string, node]
	directory services.DirectoryLookup
}

// NewEvaluator creates a new Evaluator. directory may be nil when no
// directory-backed resolver is used.
func NewEvaluator(directory services.DirectoryLookup, cacheSize int) *Evaluator {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, node](cacheSize)
	if err != nil {
		panic(err)
	}
	return &Evaluator{cache: cache, directory: directory}
}

func (e *Evaluator) compile(expr string) (node, error) {
	if n, ok := e.cache.Get(expr); ok {
		return n, nil
	}
	n, err := parse(expr)
	if err != nil {
		return nil, &models.ExpressionEvaluationError{Expression: expr, Err: err}
	}
	e.cache.Add(expr, n)
	return n, nil
}

// Compile reports whether expr parses.
func (e *Evaluator) Compile(expr string) error {
	_, err := e.compile(expr)
	return err
}

// Evaluate returns the value of expr over vars.
func (e *Evaluator) Evaluate(expr string, vars map[string]any) (any, error) {
	n, err := e.compile(expr)
	if err != nil {
		return nil, err
	}
	v, err := n.eval(vars)
	if err != nil {
		return nil, &models.ExpressionEvaluationError{Expression: expr, Err: err}
	}
	return v, nil
}

// EvaluateBool evaluates a predicate. A non-boolean result is an error.
func (e *Evaluator) EvaluateBool(expr string, vars map[string]any) (bool, error) {
	v, err := e.Evaluate(expr, vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &models.ExpressionEvaluationError{
			Expression: expr,
			Err:        fmt.Errorf("expected a boolean, got %T", v),
		}
	}
	return b, nil
}

// ResolveUsers resolves an approver/assignee expression into distinct user
// IDs in first-seen order.
func (e *Evaluator) ResolveUsers(ctx context.Context, expr string, vars map[string]any) ([]string, error) {
	resolvers, err := ParseResolvers(expr)
	if err != nil {
		return nil, &models.ExpressionEvaluationError{Expression: expr, Err: err}
	}

	seen := make(map[string]bool)
	var out []string
	for _, r := range resolvers {
		users, err := r.resolve(ctx, e.directory, vars)
		if err != nil {
			return nil, &models.ExpressionEvaluationError{Expression: expr, Err: err}
		}
		for _, u := range users {
			if u != "" && !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out, nil
}
