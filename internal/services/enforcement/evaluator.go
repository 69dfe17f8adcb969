package enforcement

import (
	"context"
	"fmt"
	"time"

	"github.com/asakaida/banken/internal/entities"
)

// MaxDepth is the maximum relation traversal depth for one evaluation.
// The relation graph may contain cycles; traversal is always bounded.
const MaxDepth = 100

// Decision is the three-valued outcome of evaluating a policy expression.
type Decision uint8

const (
	// DecisionFalse means the expression evaluated to false.
	DecisionFalse Decision = iota
	// DecisionTrue means the expression evaluated to true.
	DecisionTrue
	// DecisionIndeterminate means evaluation needs data that has not been
	// fetched; the Residual carries a filter the store can evaluate
	// instead.
	DecisionIndeterminate
)

func (d Decision) String() string {
	switch d {
	case DecisionTrue:
		return "true"
	case DecisionFalse:
		return "false"
	case DecisionIndeterminate:
		return "indeterminate"
	}
	return "?"
}

// Result carries a Decision plus, for DecisionIndeterminate, the residual
// expression to push down to the store.
type Result struct {
	Decision Decision
	Residual entities.Expression
}

// Evaluator evaluates policy expressions against a row, its fetched
// relations, and the caller's auth context. Evaluation is pure: it never
// touches the store.
type Evaluator struct {
	schema *entities.Schema
	cel    *CELEngine
}

// NewEvaluator creates a new Evaluator.
func NewEvaluator(schema *entities.Schema, cel *CELEngine) *Evaluator {
	return &Evaluator{schema: schema, cel: cel}
}

// Evaluate evaluates expr for a row of the given entity. A nil expression
// is unconditionally true.
func (e *Evaluator) Evaluate(ctx context.Context, expr entities.Expression, entity *entities.Entity, row entities.Row, auth entities.AuthContext) (Result, error) {
	return e.eval(ctx, expr, entity, row, auth, 0)
}

func trueResult() Result  { return Result{Decision: DecisionTrue} }
func falseResult() Result { return Result{Decision: DecisionFalse} }
func indeterminate(residual entities.Expression) Result {
	return Result{Decision: DecisionIndeterminate, Residual: residual}
}

func (e *Evaluator) eval(ctx context.Context, expr entities.Expression, entity *entities.Entity, row entities.Row, auth entities.AuthContext, depth int) (Result, error) {
	if depth > MaxDepth {
		return falseResult(), fmt.Errorf("maximum traversal depth exceeded (depth: %d)", depth)
	}
	if expr == nil {
		return trueResult(), nil
	}

	switch node := expr.(type) {
	case *entities.Value:
		return boolResult(node.V), nil

	case *entities.FieldRef:
		v, present := row[node.Name]
		if !present {
			return indeterminate(expr), nil
		}
		return boolResult(v), nil

	case *entities.AuthRef:
		v, ok := auth.Get(node.Attr)
		if !ok {
			// Absent auth context is a defined false, never an error.
			return falseResult(), nil
		}
		return boolResult(v), nil

	case *entities.Compare:
		return e.evalCompare(ctx, node, entity, row, auth, depth)

	case *entities.Logical:
		return e.evalLogical(ctx, node, entity, row, auth, depth)

	case *entities.RelationRef:
		return e.evalRelation(ctx, node, entity, row, auth, depth)

	case *entities.CELRule:
		allowed, err := e.cel.Evaluate(ctx, node.Source, row, auth)
		if err != nil {
			return falseResult(), fmt.Errorf("failed to evaluate rule expression: %w", err)
		}
		return boolResult(allowed), nil

	default:
		return falseResult(), fmt.Errorf("unknown expression type: %T", expr)
	}
}

func (e *Evaluator) evalCompare(ctx context.Context, node *entities.Compare, entity *entities.Entity, row entities.Row, auth entities.AuthContext, depth int) (Result, error) {
	left, st, err := e.evalValue(ctx, node.Left, entity, row, auth, depth)
	if err != nil {
		return falseResult(), err
	}
	if st == valueAuthMissing {
		return falseResult(), nil
	}
	right, rst, err := e.evalValue(ctx, node.Right, entity, row, auth, depth)
	if err != nil {
		return falseResult(), err
	}
	if rst == valueAuthMissing {
		return falseResult(), nil
	}
	if st == valueUnknown || rst == valueUnknown {
		return indeterminate(node), nil
	}
	ok, err := compareValues(node.Op, left, right)
	if err != nil {
		return falseResult(), err
	}
	return boolDecision(ok), nil
}

func (e *Evaluator) evalLogical(ctx context.Context, node *entities.Logical, entity *entities.Entity, row entities.Row, auth entities.AuthContext, depth int) (Result, error) {
	switch node.Op {
	case entities.OpAnd:
		left, err := e.eval(ctx, node.Left, entity, row, auth, depth)
		if err != nil {
			return falseResult(), err
		}
		if left.Decision == DecisionFalse {
			return falseResult(), nil // short-circuit
		}
		right, err := e.eval(ctx, node.Right, entity, row, auth, depth)
		if err != nil {
			return falseResult(), err
		}
		if right.Decision == DecisionFalse {
			return falseResult(), nil
		}
		if left.Decision == DecisionTrue && right.Decision == DecisionTrue {
			return trueResult(), nil
		}
		return indeterminate(composeResidual(entities.OpAnd, left, right, node)), nil

	case entities.OpOr:
		left, err := e.eval(ctx, node.Left, entity, row, auth, depth)
		if err != nil {
			return falseResult(), err
		}
		if left.Decision == DecisionTrue {
			return trueResult(), nil // short-circuit
		}
		right, err := e.eval(ctx, node.Right, entity, row, auth, depth)
		if err != nil {
			return falseResult(), err
		}
		if right.Decision == DecisionTrue {
			return trueResult(), nil
		}
		if left.Decision == DecisionFalse && right.Decision == DecisionFalse {
			return falseResult(), nil
		}
		return indeterminate(composeResidual(entities.OpOr, left, right, node)), nil

	case entities.OpNot:
		inner, err := e.eval(ctx, node.Left, entity, row, auth, depth)
		if err != nil {
			return falseResult(), err
		}
		switch inner.Decision {
		case DecisionTrue:
			return falseResult(), nil
		case DecisionFalse:
			return trueResult(), nil
		default:
			return indeterminate(entities.Not(inner.Residual)), nil
		}

	default:
		return falseResult(), fmt.Errorf("unknown logical operator: %s", node.Op)
	}
}

// composeResidual builds the minimal residual when one or both operands
// of a binary combinator are indeterminate. A decided operand folds to
// its literal so the store evaluates only what is genuinely unknown.
func composeResidual(op entities.LogicalOp, left, right Result, original *entities.Logical) entities.Expression {
	if left.Decision == DecisionIndeterminate && right.Decision == DecisionIndeterminate {
		return &entities.Logical{Op: op, Left: left.Residual, Right: right.Residual}
	}
	if left.Decision == DecisionIndeterminate {
		return left.Residual
	}
	if right.Decision == DecisionIndeterminate {
		return right.Residual
	}
	return original
}

func (e *Evaluator) evalRelation(ctx context.Context, node *entities.RelationRef, entity *entities.Entity, row entities.Row, auth entities.AuthContext, depth int) (Result, error) {
	rel := entity.GetRelation(node.Relation)
	if rel == nil {
		return falseResult(), fmt.Errorf("relation %q not defined on entity %q", node.Relation, entity.Name)
	}
	target := e.schema.GetEntity(rel.Target)
	if target == nil {
		return falseResult(), fmt.Errorf("relation %q: target entity %q not defined", node.Relation, rel.Target)
	}

	raw, present := row[rel.Name]
	if !present {
		// Related rows not fetched: defer to the store.
		return indeterminate(node), nil
	}

	switch rel.Kind {
	case entities.ToOne:
		if raw == nil {
			// No related row behaves like the empty existential.
			return falseResult(), nil
		}
		related, ok := raw.(entities.Row)
		if !ok {
			return falseResult(), fmt.Errorf("relation %q: expected row, got %T", rel.Name, raw)
		}
		inner, err := e.eval(ctx, node.Expr, target, related, auth, depth+1)
		if err != nil {
			return falseResult(), err
		}
		if inner.Decision == DecisionIndeterminate {
			return indeterminate(node), nil
		}
		return inner, nil

	case entities.ToMany:
		related, ok := raw.([]entities.Row)
		if !ok && raw != nil {
			return falseResult(), fmt.Errorf("relation %q: expected rows, got %T", rel.Name, raw)
		}
		anyIndeterminate := false
		for _, r := range related {
			inner, err := e.eval(ctx, node.Expr, target, r, auth, depth+1)
			if err != nil {
				return falseResult(), err
			}
			switch inner.Decision {
			case DecisionTrue:
				return trueResult(), nil
			case DecisionIndeterminate:
				anyIndeterminate = true
			}
		}
		if anyIndeterminate {
			return indeterminate(node), nil
		}
		return falseResult(), nil

	default:
		return falseResult(), fmt.Errorf("relation %q: unknown kind %d", rel.Name, rel.Kind)
	}
}

// valueStatus reports how a value sub-expression resolved.
type valueStatus uint8

const (
	valueKnown valueStatus = iota
	valueUnknown
	valueAuthMissing
)

// evalValue resolves a value-producing sub-expression. Nested boolean
// sub-expressions resolve to their boolean value.
func (e *Evaluator) evalValue(ctx context.Context, expr entities.Expression, entity *entities.Entity, row entities.Row, auth entities.AuthContext, depth int) (any, valueStatus, error) {
	switch node := expr.(type) {
	case *entities.Value:
		return node.V, valueKnown, nil
	case *entities.FieldRef:
		v, present := row[node.Name]
		if !present {
			return nil, valueUnknown, nil
		}
		return v, valueKnown, nil
	case *entities.AuthRef:
		v, ok := auth.Get(node.Attr)
		if !ok {
			return nil, valueAuthMissing, nil
		}
		return v, valueKnown, nil
	default:
		res, err := e.eval(ctx, expr, entity, row, auth, depth)
		if err != nil {
			return nil, valueKnown, err
		}
		if res.Decision == DecisionIndeterminate {
			return nil, valueUnknown, nil
		}
		return res.Decision == DecisionTrue, valueKnown, nil
	}
}

// boolResult interprets a value in boolean position: true only for a
// boolean true, false for everything else (including nil). This is what
// makes folded-away auth references and null fields fail closed.
func boolResult(v any) Result {
	b, ok := v.(bool)
	return boolDecision(ok && b)
}

func boolDecision(b bool) Result {
	if b {
		return trueResult()
	}
	return falseResult()
}

// compareValues applies the store's native comparison semantics: numeric
// widths unify, strings and times order naturally, booleans support only
// equality, and any comparison against null is false except null == null.
func compareValues(op entities.CompareOp, left, right any) (bool, error) {
	if left == nil || right == nil {
		switch op {
		case entities.OpEQ:
			return left == nil && right == nil, nil
		case entities.OpNEQ:
			return (left == nil) != (right == nil), nil
		default:
			return false, nil
		}
	}

	if lf, lok := numeric(left); lok {
		rf, rok := numeric(right)
		if !rok {
			return false, fmt.Errorf("cannot compare %T with %T", left, right)
		}
		return ordered(op, compareFloat(lf, rf))
	}

	switch lv := left.(type) {
	case string:
		rv, ok := right.(string)
		if !ok {
			return false, fmt.Errorf("cannot compare %T with %T", left, right)
		}
		return ordered(op, compareString(lv, rv))
	case bool:
		rv, ok := right.(bool)
		if !ok {
			return false, fmt.Errorf("cannot compare %T with %T", left, right)
		}
		switch op {
		case entities.OpEQ:
			return lv == rv, nil
		case entities.OpNEQ:
			return lv != rv, nil
		default:
			return false, fmt.Errorf("booleans do not support %s", op)
		}
	case time.Time:
		rv, ok := right.(time.Time)
		if !ok {
			return false, fmt.Errorf("cannot compare %T with %T", left, right)
		}
		return ordered(op, compareTime(lv, rv))
	default:
		return false, fmt.Errorf("unsupported comparison operand type %T", left)
	}
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}

func ordered(op entities.CompareOp, cmp int) (bool, error) {
	switch op {
	case entities.OpEQ:
		return cmp == 0, nil
	case entities.OpNEQ:
		return cmp != 0, nil
	case entities.OpGT:
		return cmp > 0, nil
	case entities.OpGTE:
		return cmp >= 0, nil
	case entities.OpLT:
		return cmp < 0, nil
	case entities.OpLTE:
		return cmp <= 0, nil
	default:
		return false, fmt.Errorf("unknown comparison operator: %s", op)
	}
}
