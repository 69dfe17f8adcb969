package enforcement

import (
	"github.com/asakaida/banken/internal/entities"
)

// Policy rule combination and the expression bookkeeping shared by the
// rewriter, masker, and mutation guard.

// typePolicyExpr combines an entity's type-level rules for one action:
// the disjunction of allow conditions, conjoined with the negation of the
// disjunction of deny conditions. With no allow rule the type defaults to
// deny.
func typePolicyExpr(entity *entities.Entity, action entities.ActionSet) entities.Expression {
	return combineRules(entity.Policies, action, false)
}

// fieldPolicyExpr combines a field's rules for one action. The second
// return reports whether any rule is declared; an undeclared field
// inherits the type-level decision, so its own gate defaults to allow.
// A field carrying only deny rules likewise allows unless a deny matches.
func fieldPolicyExpr(field *entities.Field, action entities.ActionSet) (entities.Expression, bool) {
	declared := false
	for _, p := range field.Policies {
		if p.Actions.Has(action) {
			declared = true
			break
		}
	}
	if !declared {
		return nil, false
	}
	return combineRules(field.Policies, action, true), true
}

func combineRules(rules []*entities.Policy, action entities.ActionSet, allowByDefault bool) entities.Expression {
	var allows, denies []entities.Expression
	for _, p := range rules {
		if !p.Actions.Has(action) {
			continue
		}
		cond := p.Condition
		if cond == nil {
			cond = entities.Lit(true)
		}
		if p.Effect == entities.Allow {
			allows = append(allows, cond)
		} else {
			denies = append(denies, cond)
		}
	}

	var expr entities.Expression
	switch {
	case len(allows) > 0:
		expr = disjoin(allows)
	case allowByDefault:
		expr = entities.Lit(true)
	default:
		expr = entities.Lit(false)
	}
	if len(denies) > 0 {
		expr = entities.And(expr, entities.Not(disjoin(denies)))
	}
	return expr
}

func disjoin(exprs []entities.Expression) entities.Expression {
	out := exprs[0]
	for _, e := range exprs[1:] {
		out = entities.Or(out, e)
	}
	return out
}

// conjoin combines two optional filters; nil means unconditional.
func conjoin(a, b entities.Expression) entities.Expression {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return entities.And(a, b)
}

// foldAuth replaces every auth context reference with the caller's
// concrete attribute value, producing an expression the store can
// evaluate. A missing attribute folds to null, which is false in boolean
// position and incomparable otherwise.
func foldAuth(expr entities.Expression, auth entities.AuthContext) entities.Expression {
	switch node := expr.(type) {
	case nil:
		return nil
	case *entities.AuthRef:
		v, ok := auth.Get(node.Attr)
		if !ok {
			return entities.Lit(nil)
		}
		return entities.Lit(v)
	case *entities.Compare:
		return &entities.Compare{Op: node.Op, Left: foldAuth(node.Left, auth), Right: foldAuth(node.Right, auth)}
	case *entities.Logical:
		out := &entities.Logical{Op: node.Op, Left: foldAuth(node.Left, auth)}
		if node.Right != nil {
			out.Right = foldAuth(node.Right, auth)
		}
		return out
	case *entities.RelationRef:
		return &entities.RelationRef{Relation: node.Relation, Expr: foldAuth(node.Expr, auth)}
	default:
		return expr
	}
}

// pushable reports whether the store can evaluate the expression: opaque
// rule() leaves must be evaluated in-process.
func pushable(expr entities.Expression) bool {
	switch node := expr.(type) {
	case nil:
		return true
	case *entities.CELRule:
		return false
	case *entities.Compare:
		return pushable(node.Left) && pushable(node.Right)
	case *entities.Logical:
		return pushable(node.Left) && (node.Right == nil || pushable(node.Right))
	case *entities.RelationRef:
		return pushable(node.Expr)
	default:
		return true
	}
}

// splitPushable divides a filter into a store-evaluable part and an
// in-process remainder, splitting along the top-level conjunction.
// Either part may be nil.
func splitPushable(expr entities.Expression) (push, local entities.Expression) {
	if expr == nil {
		return nil, nil
	}
	var pushParts, localParts []entities.Expression
	for _, conjunct := range flattenAnd(expr) {
		if pushable(conjunct) {
			pushParts = append(pushParts, conjunct)
		} else {
			localParts = append(localParts, conjunct)
		}
	}
	if len(pushParts) > 0 {
		push = pushParts[0]
		for _, p := range pushParts[1:] {
			push = entities.And(push, p)
		}
	}
	if len(localParts) > 0 {
		local = localParts[0]
		for _, p := range localParts[1:] {
			local = entities.And(local, p)
		}
	}
	return push, local
}

func flattenAnd(expr entities.Expression) []entities.Expression {
	if l, ok := expr.(*entities.Logical); ok && l.Op == entities.OpAnd {
		return append(flattenAnd(l.Left), flattenAnd(l.Right)...)
	}
	return []entities.Expression{expr}
}

// supportSet records what must be fetched alongside a row so that a set
// of expressions can be evaluated in-process: scalar fields plus, per
// traversed relation, the support of the nested expression.
type supportSet struct {
	all       bool // fetch every scalar field
	fields    map[string]bool
	relations map[string]*supportSet
}

func newSupportSet() *supportSet {
	return &supportSet{fields: make(map[string]bool), relations: make(map[string]*supportSet)}
}

func (s *supportSet) relation(name string) *supportSet {
	sub, ok := s.relations[name]
	if !ok {
		sub = newSupportSet()
		s.relations[name] = sub
	}
	return sub
}

func (s *supportSet) empty() bool {
	return !s.all && len(s.fields) == 0 && len(s.relations) == 0
}

// collectSupport walks an expression and records its data needs for rows
// of the given entity.
func collectSupport(s *supportSet, schema *entities.Schema, entity *entities.Entity, expr entities.Expression) {
	switch node := expr.(type) {
	case nil:
	case *entities.Value, *entities.AuthRef:
	case *entities.FieldRef:
		s.fields[node.Name] = true
	case *entities.Compare:
		collectSupport(s, schema, entity, node.Left)
		collectSupport(s, schema, entity, node.Right)
	case *entities.Logical:
		collectSupport(s, schema, entity, node.Left)
		if node.Right != nil {
			collectSupport(s, schema, entity, node.Right)
		}
	case *entities.RelationRef:
		rel := entity.GetRelation(node.Relation)
		if rel == nil {
			return
		}
		target := schema.GetEntity(rel.Target)
		if target == nil {
			return
		}
		if rel.Kind == entities.ToOne {
			s.fields[rel.ForeignKey] = true
		} else {
			s.fields[rel.ReferencedField(entity)] = true
		}
		sub := s.relation(rel.Name)
		sub.fields[target.ID()] = true
		collectSupport(sub, schema, target, node.Expr)
	case *entities.CELRule:
		// Opaque rules see the whole row.
		s.all = true
	}
}
