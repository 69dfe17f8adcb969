package enforcement

import (
	"context"
	"fmt"

	"github.com/asakaida/banken/internal/entities"
)

// Masker post-processes fetched rows against a readPlan: it evaluates
// filter remainders the store could not, applies read policies to rows
// fetched raw, removes fields the caller may not read, and trims support
// data the rewriter fetched only for policy evaluation. A masked field is
// absent from the result, indistinguishable from one that was never
// selected.
type Masker struct {
	schema *entities.Schema
	eval   *Evaluator
}

// NewMasker creates a new Masker.
func NewMasker(schema *entities.Schema, eval *Evaluator) *Masker {
	return &Masker{schema: schema, eval: eval}
}

// Apply filters and masks rows in place of the fetched set, returning
// only rows the caller may see, shaped to the caller's selection.
func (m *Masker) Apply(ctx context.Context, rows []entities.Row, plan *readPlan, auth entities.AuthContext) ([]entities.Row, error) {
	out := make([]entities.Row, 0, len(rows))
	for _, row := range rows {
		keep, masked, err := m.applyRow(ctx, row, plan, auth)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, masked)
		}
	}
	return out, nil
}

func (m *Masker) applyRow(ctx context.Context, row entities.Row, plan *readPlan, auth entities.AuthContext) (bool, entities.Row, error) {
	entity := plan.entity

	// Rows fetched raw were never filtered by the store; the full
	// row-level read policy applies here. Anything short of a definite
	// allow drops the row.
	if plan.raw {
		res, err := m.eval.Evaluate(ctx, typePolicyExpr(entity, entities.ActionRead), entity, row, auth)
		if err != nil {
			return false, nil, err
		}
		if res.Decision != DecisionTrue {
			return false, nil, nil
		}
	}
	for _, cond := range []entities.Expression{plan.local, plan.where} {
		if cond == nil {
			continue
		}
		res, err := m.eval.Evaluate(ctx, cond, entity, row, auth)
		if err != nil {
			return false, nil, err
		}
		if res.Decision != DecisionTrue {
			return false, nil, nil
		}
	}

	sel := plan.sel
	if sel == nil {
		sel = entity.FieldNames()
	}
	masked := make(entities.Row, len(sel)+len(plan.includes))
	for _, name := range sel {
		v, ok := row[name]
		if !ok {
			continue
		}
		f := entity.GetField(name)
		if f == nil {
			continue
		}
		if fp, declared := fieldPolicyExpr(f, entities.ActionRead); declared {
			res, err := m.eval.Evaluate(ctx, fp, entity, row, auth)
			if err != nil {
				return false, nil, err
			}
			if res.Decision != DecisionTrue {
				continue
			}
		}
		masked[name] = v
	}

	for _, pi := range plan.includes {
		rel := entity.GetRelation(pi.relation)
		if rel == nil {
			return false, nil, fmt.Errorf("relation %q not defined on entity %q", pi.relation, entity.Name)
		}
		fetched, ok := row[pi.relation]
		if !ok {
			continue
		}
		switch rel.Kind {
		case entities.ToOne:
			if fetched == nil {
				masked[pi.relation] = nil
				continue
			}
			child, ok := fetched.(entities.Row)
			if !ok {
				return false, nil, fmt.Errorf("relation %q on %q: expected row, got %T", pi.relation, entity.Name, fetched)
			}
			keep, childMasked, err := m.applyRow(ctx, child, pi.plan, auth)
			if err != nil {
				return false, nil, err
			}
			if keep {
				masked[pi.relation] = childMasked
			} else {
				masked[pi.relation] = nil
			}
		case entities.ToMany:
			children, ok := fetched.([]entities.Row)
			if !ok {
				return false, nil, fmt.Errorf("relation %q on %q: expected rows, got %T", pi.relation, entity.Name, fetched)
			}
			kept := make([]entities.Row, 0, len(children))
			for _, child := range children {
				keep, childMasked, err := m.applyRow(ctx, child, pi.plan, auth)
				if err != nil {
					return false, nil, err
				}
				if keep {
					kept = append(kept, childMasked)
				}
			}
			masked[pi.relation] = kept
		}
	}
	return true, masked, nil
}
