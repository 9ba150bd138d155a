package debug

import (
	"context"
	"fmt"

	"github.com/dshills/dapper/internal/dap"
)

// Variable is a request-backed snapshot of one debuggee variable. Children
// are fetched on demand and cached for the lifetime of the owning Stack.
type Variable struct {
	stack *Stack
	dv    dap.Variable
}

// Name returns the variable name.
func (v *Variable) Name() string { return v.dv.Name }

// Value returns the adapter-rendered value.
func (v *Variable) Value() string { return v.dv.Value }

// Type returns the adapter-reported type, if any.
func (v *Variable) Type() string { return v.dv.Type }

// Reference returns the adapter's variables reference id (0 for leaves).
// Reference ids may repeat within an object graph; traversals key their
// visited set on this id.
func (v *Variable) Reference() int { return v.dv.VariablesReference }

// HasChildren reports whether the adapter exposes nested variables.
func (v *Variable) HasChildren() bool { return v.dv.VariablesReference > 0 }

// EvaluateName returns an expression that re-evaluates to this variable.
func (v *Variable) EvaluateName() string { return v.dv.EvaluateName }

// String renders "name: type = value".
func (v *Variable) String() string {
	if v.dv.Type != "" {
		return fmt.Sprintf("%s: %s = %s", v.dv.Name, v.dv.Type, v.dv.Value)
	}
	return fmt.Sprintf("%s = %s", v.dv.Name, v.dv.Value)
}

// Children fetches the nested variables, cached per reference id in the
// owning Stack. Leaves return nil without a request.
func (v *Variable) Children(ctx context.Context) ([]*Variable, error) {
	if !v.HasChildren() {
		return nil, nil
	}
	return v.stack.variables(ctx, v.dv.VariablesReference)
}

// WalkFunc visits one variable during a tree walk. Returning false prunes
// the subtree below v.
type WalkFunc func(v *Variable, depth int) bool

// Walk expands the variable tree under v, visiting each node. Expansion is
// bounded by a visited-reference guard keyed on the adapter's reference id,
// so object graphs with cycles or repeated references terminate: a reference
// already seen on the walk is visited but not expanded again.
func (v *Variable) Walk(ctx context.Context, maxDepth int, fn WalkFunc) error {
	visited := make(map[int]bool)
	return v.walk(ctx, 0, maxDepth, visited, fn)
}

func (v *Variable) walk(ctx context.Context, depth, maxDepth int, visited map[int]bool, fn WalkFunc) error {
	if !fn(v, depth) {
		return nil
	}
	ref := v.dv.VariablesReference
	if ref == 0 || (maxDepth > 0 && depth >= maxDepth) {
		return nil
	}
	if visited[ref] {
		return nil
	}
	visited[ref] = true

	children, err := v.Children(ctx)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := child.walk(ctx, depth+1, maxDepth, visited, fn); err != nil {
			return err
		}
	}
	return nil
}
