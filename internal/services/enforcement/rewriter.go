package enforcement

import (
	"fmt"

	"github.com/asakaida/banken/internal/entities"
	"github.com/asakaida/banken/internal/repositories"
)

// Rewriter turns a caller's read request into a store query whose filter
// embeds the row-level read policy, plus a readPlan describing the work
// that stays in-process: local filter remainders the store cannot
// evaluate, caller selections to trim to, and which includes were fetched
// raw because a policy needs their unfiltered content.
type Rewriter struct {
	schema *entities.Schema
}

// NewRewriter creates a new Rewriter.
func NewRewriter(schema *entities.Schema) *Rewriter {
	return &Rewriter{schema: schema}
}

// readPlan mirrors one level of a rewritten query. Raw marks an include
// whose rows were fetched without store-side filtering (because a policy
// expression traverses the relation); for those, the post-processor
// applies the full row-level read policy and the caller's include filter
// in-process.
type readPlan struct {
	entity   *entities.Entity
	local    entities.Expression // remainder evaluated in-process after fetch
	where    entities.Expression // caller filter applied in-process (raw includes)
	sel      []string            // caller's selection, nil means all fields
	raw      bool
	includes []planInclude
}

type planInclude struct {
	relation string
	plan     *readPlan
}

// PlanRead rewrites a read request. The returned store query is marked
// rewritten; the plan drives post-fetch filtering and masking.
func (r *Rewriter) PlanRead(req *entities.ReadRequest, auth entities.AuthContext) (*repositories.StoreQuery, *readPlan, error) {
	entity := r.schema.GetEntity(req.Type)
	if entity == nil {
		return nil, nil, fmt.Errorf("%q: %w", req.Type, repositories.ErrUnknownEntity)
	}

	q := &repositories.StoreQuery{Type: req.Type, Limit: req.Limit}
	if req.Select != nil {
		q.Fields = append([]string(nil), req.Select...)
	}
	plan := &readPlan{entity: entity, sel: req.Select}

	// The caller's own filter may reference the auth context; fold it and
	// keep any part the store cannot evaluate in-process.
	push, local := splitPushable(foldAuth(req.Where, auth))
	q.Filter = push
	plan.local = local

	if err := r.rewriteLevel(q, entity, auth, plan, req.Include, nil); err != nil {
		return nil, nil, err
	}
	return q, plan, nil
}

// Rewrite embeds the row-level read policy into an existing store query.
// Rewriting an already-rewritten query is a no-op. Callers that need
// post-fetch masking should use PlanRead; Rewrite covers embedders that
// submit store queries directly.
func (r *Rewriter) Rewrite(q *repositories.StoreQuery, auth entities.AuthContext) error {
	if q.Rewritten {
		return nil
	}
	entity := r.schema.GetEntity(q.Type)
	if entity == nil {
		return fmt.Errorf("%q: %w", q.Type, repositories.ErrUnknownEntity)
	}
	plan := &readPlan{entity: entity, sel: q.Fields}
	return r.rewriteLevel(q, entity, auth, plan, nil, nil)
}

// rewriteLevel rewrites one level of the query tree. extra carries
// relation support needed by an ancestor's policy expression so that a
// traversal like owner.group.admin fetches the whole chain.
func (r *Rewriter) rewriteLevel(q *repositories.StoreQuery, entity *entities.Entity, auth entities.AuthContext, plan *readPlan, includes []entities.Include, extra *supportSet) error {
	support := newSupportSet()
	if extra != nil {
		mergeSupport(support, extra)
	}

	if !q.Rewritten {
		folded := foldAuth(typePolicyExpr(entity, entities.ActionRead), auth)
		if plan.raw {
			// Policy applied in-process over raw rows; fetch what it needs.
			collectSupport(support, r.schema, entity, folded)
		} else {
			push, local := splitPushable(folded)
			q.Filter = conjoin(q.Filter, push)
			plan.local = conjoin(plan.local, local)
			collectSupport(support, r.schema, entity, local)
		}
		q.Rewritten = true
	}

	// Field-level read policies are not pushed into the filter (masking
	// must not remove rows); fetch whatever they need instead.
	returned := q.Fields
	if returned == nil {
		returned = entity.FieldNames()
	}
	for _, name := range returned {
		f := entity.GetField(name)
		if f == nil {
			return fmt.Errorf("field %q not defined on entity %q", name, entity.Name)
		}
		if fp, declared := fieldPolicyExpr(f, entities.ActionRead); declared {
			collectSupport(support, r.schema, entity, fp)
		}
	}
	collectSupport(support, r.schema, entity, plan.local)
	collectSupport(support, r.schema, entity, plan.where)

	// Widen the projection so in-process evaluation is total.
	if plan.raw || support.all {
		q.Fields = nil
	} else if q.Fields != nil {
		q.Fields = widenFields(q.Fields, entity.ID(), support.fields)
	}

	// Caller includes: rewrite recursively. A relation a policy traverses
	// is fetched raw (unfiltered superset); everything else gets the
	// target's policy pushed down.
	claimed := make(map[string]bool)
	for _, inc := range includes {
		rel := entity.GetRelation(inc.Relation)
		if rel == nil {
			return fmt.Errorf("relation %q not defined on entity %q", inc.Relation, entity.Name)
		}
		target := r.schema.GetEntity(rel.Target)
		claimed[rel.Name] = true
		subSupport := support.relations[rel.Name]

		sub := &repositories.StoreQuery{Type: rel.Target}
		subPlan := &readPlan{entity: target, sel: inc.Select, raw: plan.raw || subSupport != nil}
		if subPlan.raw {
			// Keep the fetch a superset: the caller's filter moves
			// in-process so policy evaluation sees every related row.
			subPlan.where = foldAuth(inc.Where, auth)
		} else {
			sub.Fields = append([]string(nil), inc.Select...)
			push, local := splitPushable(foldAuth(inc.Where, auth))
			sub.Filter = push
			subPlan.where = local
		}
		if err := r.rewriteLevel(sub, target, auth, subPlan, inc.Include, subSupport); err != nil {
			return err
		}
		q.Include = append(q.Include, repositories.StoreInclude{Relation: rel.Name, Query: sub})
		plan.includes = append(plan.includes, planInclude{relation: rel.Name, plan: subPlan})
	}

	// Relations only a policy needs: raw support includes, invisible to
	// the caller (the post-processor trims them).
	for name, subSupport := range support.relations {
		if claimed[name] {
			continue
		}
		rel := entity.GetRelation(name)
		if rel == nil {
			continue
		}
		q.Include = append(q.Include, r.supportInclude(rel, subSupport))
	}
	return nil
}

// supportInclude builds a raw include fetching everything a policy
// traversal needs from a relation, recursively.
func (r *Rewriter) supportInclude(rel *entities.Relation, support *supportSet) repositories.StoreInclude {
	sub := &repositories.StoreQuery{Type: rel.Target, Rewritten: true}
	target := r.schema.GetEntity(rel.Target)
	if target != nil && support != nil {
		for name, deeper := range support.relations {
			if nested := target.GetRelation(name); nested != nil {
				sub.Include = append(sub.Include, r.supportInclude(nested, deeper))
			}
		}
	}
	return repositories.StoreInclude{Relation: rel.Name, Query: sub}
}

func mergeSupport(dst, src *supportSet) {
	dst.all = dst.all || src.all
	for f := range src.fields {
		dst.fields[f] = true
	}
	for name, sub := range src.relations {
		mergeSupport(dst.relation(name), sub)
	}
}

func widenFields(fields []string, id string, extra map[string]bool) []string {
	have := make(map[string]bool, len(fields))
	out := append([]string(nil), fields...)
	for _, f := range fields {
		have[f] = true
	}
	if !have[id] {
		out = append(out, id)
		have[id] = true
	}
	for f := range extra {
		if !have[f] {
			out = append(out, f)
			have[f] = true
		}
	}
	return out
}
