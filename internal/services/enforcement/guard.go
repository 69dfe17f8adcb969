package enforcement

import (
	"context"
	"errors"
	"fmt"

	"github.com/asakaida/banken/internal/entities"
	"github.com/asakaida/banken/internal/repositories"
)

// Guard enforces row-level and field-level policies around mutations. Every
// operation runs against the transaction-scoped store handed in by the
// caller; a returned error means the whole transaction must roll back.
//
// Stages per logical write: targeted rows are validated against the
// pre-mutation state (single-row operations fail hard, bulk operations
// exclude failing rows), the write and its nested relation writes are
// applied depth-first, then created and updated rows are re-fetched and
// validated against the post-mutation state.
type Guard struct {
	schema *entities.Schema
	eval   *Evaluator
	rw     *Rewriter
}

// NewGuard creates a new Guard.
func NewGuard(schema *entities.Schema, eval *Evaluator) *Guard {
	return &Guard{schema: schema, eval: eval, rw: NewRewriter(schema)}
}

// Create inserts one row plus its nested writes and returns the created
// row as stored. The created row must satisfy the create policy after
// insertion; nested creates validate their own rows the same way.
func (g *Guard) Create(ctx context.Context, tx repositories.Store, req *entities.CreateRequest, auth entities.AuthContext) (entities.Row, error) {
	entity := g.schema.GetEntity(req.Type)
	if entity == nil {
		return nil, fmt.Errorf("%q: %w", req.Type, repositories.ErrUnknownEntity)
	}
	return g.createOne(ctx, tx, entity, req.Data, req.Nested, auth)
}

func (g *Guard) createOne(ctx context.Context, tx repositories.Store, entity *entities.Entity, data entities.Row, nested []entities.NestedWrite, auth entities.AuthContext) (entities.Row, error) {
	data = data.Clone()
	if data == nil {
		data = entities.Row{}
	}

	// To-one relations carry the foreign key on this row, so their writes
	// resolve before the insert; to-many writes need the new row's key and
	// run after.
	var after []entities.NestedWrite
	for _, nw := range nested {
		rel := entity.GetRelation(nw.Relation)
		if rel == nil {
			return nil, fmt.Errorf("relation %q not defined on entity %q", nw.Relation, entity.Name)
		}
		if rel.Kind == entities.ToMany {
			after = append(after, nw)
			continue
		}
		target := g.schema.GetEntity(rel.Target)
		switch nw.Op {
		case entities.NestedCreate:
			child, err := g.createOne(ctx, tx, target, nw.Data, nw.Nested, auth)
			if err != nil {
				return nil, fmt.Errorf("relation %q: %w", nw.Relation, err)
			}
			data[rel.ForeignKey] = child[rel.ReferencedField(target)]
		case entities.NestedConnect:
			child, err := g.fetchOne(ctx, tx, target, nw.Where, auth, typePolicyExpr(target, entities.ActionRead))
			if err != nil {
				return nil, fmt.Errorf("relation %q: %w", nw.Relation, err)
			}
			if err := g.typeCheck(ctx, target, entities.ActionRead, child, auth); err != nil {
				return nil, fmt.Errorf("relation %q: %w", nw.Relation, err)
			}
			data[rel.ForeignKey] = child[rel.ReferencedField(target)]
		default:
			return nil, fmt.Errorf("relation %q: %s not supported inside create", nw.Relation, nw.Op)
		}
	}

	row, err := tx.Insert(ctx, entity.Name, data)
	if err != nil {
		return nil, err
	}

	for _, nw := range after {
		rel := entity.GetRelation(nw.Relation)
		target := g.schema.GetEntity(rel.Target)
		ref := row[rel.ReferencedField(entity)]
		switch nw.Op {
		case entities.NestedCreate:
			childData := nw.Data.Clone()
			if childData == nil {
				childData = entities.Row{}
			}
			childData[rel.ForeignKey] = ref
			if _, err := g.createOne(ctx, tx, target, childData, nw.Nested, auth); err != nil {
				return nil, fmt.Errorf("relation %q: %w", nw.Relation, err)
			}
		case entities.NestedConnect:
			// Connecting re-points the child's foreign key, which is an
			// update of the child row.
			if err := g.repointChild(ctx, tx, target, rel.ForeignKey, ref, nw.Where, auth); err != nil {
				return nil, fmt.Errorf("relation %q: %w", nw.Relation, err)
			}
		default:
			return nil, fmt.Errorf("relation %q: %s not supported inside create", nw.Relation, nw.Op)
		}
	}

	return g.postValidate(ctx, tx, entity, row[entity.ID()], entities.ActionCreate, auth)
}

// Update mutates exactly one row selected by the request filter. A filter
// matching no row yields ErrNotFound; matching more than one is an error.
func (g *Guard) Update(ctx context.Context, tx repositories.Store, req *entities.UpdateRequest, auth entities.AuthContext) (entities.Row, error) {
	entity := g.schema.GetEntity(req.Type)
	if entity == nil {
		return nil, fmt.Errorf("%q: %w", req.Type, repositories.ErrUnknownEntity)
	}
	needs := append(g.fieldGateNeeds(entity, req.Data), typePolicyExpr(entity, entities.ActionUpdate))
	needs = append(needs, g.nestedParentNeeds(entity, req.Nested)...)
	row, err := g.fetchOne(ctx, tx, entity, req.Where, auth, needs...)
	if err != nil {
		return nil, err
	}
	return g.updateOne(ctx, tx, entity, row, req.Data, req.Nested, auth)
}

// updateOne runs the full guard for one pre-fetched row: pre-validation,
// field gate, scalar apply, nested writes, post-validation.
func (g *Guard) updateOne(ctx context.Context, tx repositories.Store, entity *entities.Entity, row entities.Row, data entities.Row, nested []entities.NestedWrite, auth entities.AuthContext) (entities.Row, error) {
	if err := g.typeCheck(ctx, entity, entities.ActionUpdate, row, auth); err != nil {
		return nil, err
	}
	if err := g.fieldGate(ctx, entity, row, data, auth); err != nil {
		return nil, err
	}
	id := row[entity.ID()]
	if len(data) > 0 {
		if _, err := tx.Update(ctx, entity.Name, []any{id}, data.Clone()); err != nil {
			return nil, err
		}
	}
	if err := g.applyNested(ctx, tx, entity, row, nested, auth); err != nil {
		return nil, err
	}
	return g.postValidate(ctx, tx, entity, id, entities.ActionUpdate, auth)
}

// Delete removes exactly one row selected by the request filter.
func (g *Guard) Delete(ctx context.Context, tx repositories.Store, req *entities.DeleteRequest, auth entities.AuthContext) error {
	entity := g.schema.GetEntity(req.Type)
	if entity == nil {
		return fmt.Errorf("%q: %w", req.Type, repositories.ErrUnknownEntity)
	}
	row, err := g.fetchOne(ctx, tx, entity, req.Where, auth, typePolicyExpr(entity, entities.ActionDelete))
	if err != nil {
		return err
	}
	if err := g.typeCheck(ctx, entity, entities.ActionDelete, row, auth); err != nil {
		return err
	}
	_, err = tx.Delete(ctx, entity.Name, []any{row[entity.ID()]})
	return err
}

// UpdateMany mutates every permitted row matching the filter. Rows failing
// the type-level update policy or the field gate are excluded rather than
// fatal; the returned count covers only rows actually mutated.
func (g *Guard) UpdateMany(ctx context.Context, tx repositories.Store, req *entities.UpdateManyRequest, auth entities.AuthContext) (int64, error) {
	entity := g.schema.GetEntity(req.Type)
	if entity == nil {
		return 0, fmt.Errorf("%q: %w", req.Type, repositories.ErrUnknownEntity)
	}
	return g.updateManyRows(ctx, tx, entity, req.Where, req.Data, auth)
}

// DeleteMany removes every permitted row matching the filter.
func (g *Guard) DeleteMany(ctx context.Context, tx repositories.Store, req *entities.DeleteManyRequest, auth entities.AuthContext) (int64, error) {
	entity := g.schema.GetEntity(req.Type)
	if entity == nil {
		return 0, fmt.Errorf("%q: %w", req.Type, repositories.ErrUnknownEntity)
	}
	return g.deleteManyRows(ctx, tx, entity, req.Where, auth)
}

func (g *Guard) updateManyRows(ctx context.Context, tx repositories.Store, entity *entities.Entity, where entities.Expression, data entities.Row, auth entities.AuthContext) (int64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	needs := append(g.fieldGateNeeds(entity, data), typePolicyExpr(entity, entities.ActionUpdate))
	rows, err := g.fetchRows(ctx, tx, entity, where, auth, needs...)
	if err != nil {
		return 0, err
	}
	var ids []any
	for _, row := range rows {
		if err := g.typeCheck(ctx, entity, entities.ActionUpdate, row, auth); err != nil {
			if errors.Is(err, ErrPolicyRejected) {
				continue
			}
			return 0, err
		}
		if err := g.fieldGate(ctx, entity, row, data, auth); err != nil {
			if errors.Is(err, ErrPolicyRejected) {
				continue
			}
			return 0, err
		}
		ids = append(ids, row[entity.ID()])
	}
	if len(ids) == 0 {
		return 0, nil
	}
	count, err := tx.Update(ctx, entity.Name, ids, data.Clone())
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err := g.postValidate(ctx, tx, entity, id, entities.ActionUpdate, auth); err != nil {
			return 0, err
		}
	}
	return count, nil
}

func (g *Guard) deleteManyRows(ctx context.Context, tx repositories.Store, entity *entities.Entity, where entities.Expression, auth entities.AuthContext) (int64, error) {
	rows, err := g.fetchRows(ctx, tx, entity, where, auth, typePolicyExpr(entity, entities.ActionDelete))
	if err != nil {
		return 0, err
	}
	var ids []any
	for _, row := range rows {
		if err := g.typeCheck(ctx, entity, entities.ActionDelete, row, auth); err != nil {
			if errors.Is(err, ErrPolicyRejected) {
				continue
			}
			return 0, err
		}
		ids = append(ids, row[entity.ID()])
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return tx.Delete(ctx, entity.Name, ids)
}

// applyNested executes nested relation writes for one parent row, reusing
// the guard per related type. parent is the pre-image of the parent row.
func (g *Guard) applyNested(ctx context.Context, tx repositories.Store, entity *entities.Entity, parent entities.Row, nested []entities.NestedWrite, auth entities.AuthContext) error {
	for _, nw := range nested {
		rel := entity.GetRelation(nw.Relation)
		if rel == nil {
			return fmt.Errorf("relation %q not defined on entity %q", nw.Relation, entity.Name)
		}
		if err := g.applyNestedWrite(ctx, tx, entity, parent, rel, nw, auth); err != nil {
			return fmt.Errorf("relation %q: %w", nw.Relation, err)
		}
	}
	return nil
}

func (g *Guard) applyNestedWrite(ctx context.Context, tx repositories.Store, entity *entities.Entity, parent entities.Row, rel *entities.Relation, nw entities.NestedWrite, auth entities.AuthContext) error {
	target := g.schema.GetEntity(rel.Target)

	if rel.Kind == entities.ToMany {
		ref := parent[rel.ReferencedField(entity)]
		link := entities.EQ(entities.FieldOf(rel.ForeignKey), entities.Lit(ref))
		switch nw.Op {
		case entities.NestedCreate:
			childData := nw.Data.Clone()
			if childData == nil {
				childData = entities.Row{}
			}
			childData[rel.ForeignKey] = ref
			_, err := g.createOne(ctx, tx, target, childData, nw.Nested, auth)
			return err
		case entities.NestedConnect:
			return g.repointChild(ctx, tx, target, rel.ForeignKey, ref, nw.Where, auth)
		case entities.NestedDisconnect:
			return g.disconnectChildren(ctx, tx, target, rel.ForeignKey, conjoin(link, nw.Where), auth)
		case entities.NestedUpdate:
			needs := append(g.fieldGateNeeds(target, nw.Data), typePolicyExpr(target, entities.ActionUpdate))
			needs = append(needs, g.nestedParentNeeds(target, nw.Nested)...)
			child, err := g.fetchOne(ctx, tx, target, conjoin(link, nw.Where), auth, needs...)
			if err != nil {
				return err
			}
			_, err = g.updateOne(ctx, tx, target, child, nw.Data, nw.Nested, auth)
			return err
		case entities.NestedUpdateMany:
			_, err := g.updateManyRows(ctx, tx, target, conjoin(link, nw.Where), nw.Data, auth)
			return err
		case entities.NestedDelete:
			return g.deleteLinked(ctx, tx, target, conjoin(link, nw.Where), auth)
		}
		return fmt.Errorf("%s not supported on to-many relation", nw.Op)
	}

	// To-one: operations address the single row the parent's foreign key
	// points at, or re-point the key itself.
	switch nw.Op {
	case entities.NestedCreate:
		child, err := g.createOne(ctx, tx, target, nw.Data, nw.Nested, auth)
		if err != nil {
			return err
		}
		return g.assignParentKey(ctx, tx, entity, parent, rel, child[rel.ReferencedField(target)], auth)
	case entities.NestedConnect:
		child, err := g.fetchOne(ctx, tx, target, nw.Where, auth, typePolicyExpr(target, entities.ActionRead))
		if err != nil {
			return err
		}
		if err := g.typeCheck(ctx, target, entities.ActionRead, child, auth); err != nil {
			return err
		}
		return g.assignParentKey(ctx, tx, entity, parent, rel, child[rel.ReferencedField(target)], auth)
	case entities.NestedDisconnect:
		return g.assignParentKey(ctx, tx, entity, parent, rel, nil, auth)
	case entities.NestedUpdate:
		child, err := g.fetchLinkedOne(ctx, tx, entity, parent, rel, nw, auth, entities.ActionUpdate)
		if err != nil {
			return err
		}
		_, err = g.updateOne(ctx, tx, target, child, nw.Data, nw.Nested, auth)
		return err
	case entities.NestedDelete:
		child, err := g.fetchLinkedOne(ctx, tx, entity, parent, rel, nw, auth, entities.ActionDelete)
		if err != nil {
			return err
		}
		if err := g.typeCheck(ctx, target, entities.ActionDelete, child, auth); err != nil {
			return err
		}
		// The parent references the child; clear the key before deleting.
		if err := g.assignParentKey(ctx, tx, entity, parent, rel, nil, auth); err != nil {
			return err
		}
		_, err = tx.Delete(ctx, target.Name, []any{child[target.ID()]})
		return err
	}
	return fmt.Errorf("%s not supported on to-one relation", nw.Op)
}

// fetchLinkedOne loads the single row a to-one relation currently points at.
func (g *Guard) fetchLinkedOne(ctx context.Context, tx repositories.Store, entity *entities.Entity, parent entities.Row, rel *entities.Relation, nw entities.NestedWrite, auth entities.AuthContext, action entities.ActionSet) (entities.Row, error) {
	target := g.schema.GetEntity(rel.Target)
	key := parent[rel.ForeignKey]
	if key == nil {
		return nil, repositories.ErrNotFound
	}
	link := entities.EQ(entities.FieldOf(rel.ReferencedField(target)), entities.Lit(key))
	needs := append(g.fieldGateNeeds(target, nw.Data), typePolicyExpr(target, action))
	needs = append(needs, g.nestedParentNeeds(target, nw.Nested)...)
	return g.fetchOne(ctx, tx, target, conjoin(link, nw.Where), auth, needs...)
}

// repointChild connects one child row to a new parent by updating its
// foreign key, subject to the child's update policy and the key's field gate.
func (g *Guard) repointChild(ctx context.Context, tx repositories.Store, target *entities.Entity, fk string, ref any, where entities.Expression, auth entities.AuthContext) error {
	assign := entities.Row{fk: ref}
	needs := append(g.fieldGateNeeds(target, assign), typePolicyExpr(target, entities.ActionUpdate))
	child, err := g.fetchOne(ctx, tx, target, where, auth, needs...)
	if err != nil {
		return err
	}
	if err := g.typeCheck(ctx, target, entities.ActionUpdate, child, auth); err != nil {
		return err
	}
	if err := g.fieldGate(ctx, target, child, assign, auth); err != nil {
		return err
	}
	_, err = tx.Update(ctx, target.Name, []any{child[target.ID()]}, assign)
	return err
}

// disconnectChildren clears the foreign key of the linked rows matching the
// filter. Each row must pass the child's update policy and key field gate.
func (g *Guard) disconnectChildren(ctx context.Context, tx repositories.Store, target *entities.Entity, fk string, where entities.Expression, auth entities.AuthContext) error {
	assign := entities.Row{fk: nil}
	needs := append(g.fieldGateNeeds(target, assign), typePolicyExpr(target, entities.ActionUpdate))
	rows, err := g.fetchRows(ctx, tx, target, where, auth, needs...)
	if err != nil {
		return err
	}
	var ids []any
	for _, row := range rows {
		if err := g.typeCheck(ctx, target, entities.ActionUpdate, row, auth); err != nil {
			return err
		}
		if err := g.fieldGate(ctx, target, row, assign, auth); err != nil {
			return err
		}
		ids = append(ids, row[target.ID()])
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = tx.Update(ctx, target.Name, ids, assign)
	return err
}

// deleteLinked removes linked rows matching the filter. Unlike top-level
// bulk deletes, a single forbidden row fails the nested write as a unit.
func (g *Guard) deleteLinked(ctx context.Context, tx repositories.Store, target *entities.Entity, where entities.Expression, auth entities.AuthContext) error {
	rows, err := g.fetchRows(ctx, tx, target, where, auth, typePolicyExpr(target, entities.ActionDelete))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return repositories.ErrNotFound
	}
	var ids []any
	for _, row := range rows {
		if err := g.typeCheck(ctx, target, entities.ActionDelete, row, auth); err != nil {
			return err
		}
		ids = append(ids, row[target.ID()])
	}
	_, err = tx.Delete(ctx, target.Name, ids)
	return err
}

// assignParentKey updates the parent's foreign key through the field gate.
func (g *Guard) assignParentKey(ctx context.Context, tx repositories.Store, entity *entities.Entity, parent entities.Row, rel *entities.Relation, val any, auth entities.AuthContext) error {
	assign := entities.Row{rel.ForeignKey: val}
	if err := g.fieldGate(ctx, entity, parent, assign, auth); err != nil {
		return err
	}
	_, err := tx.Update(ctx, entity.Name, []any{parent[entity.ID()]}, assign)
	return err
}

// typeCheck evaluates the type-level policy for one action against a row.
// Anything short of a definite allow is a rejection.
func (g *Guard) typeCheck(ctx context.Context, entity *entities.Entity, action entities.ActionSet, row entities.Row, auth entities.AuthContext) error {
	res, err := g.eval.Evaluate(ctx, typePolicyExpr(entity, action), entity, row, auth)
	if err != nil {
		return err
	}
	if res.Decision != DecisionTrue {
		return fmt.Errorf("%s on %q: %w", action, entity.Name, ErrPolicyRejected)
	}
	return nil
}

// fieldGate checks every assigned field against its field-level update
// policy, evaluated over the row's pre-image. A failing field rejects the
// whole assignment.
func (g *Guard) fieldGate(ctx context.Context, entity *entities.Entity, row entities.Row, data entities.Row, auth entities.AuthContext) error {
	for name := range data {
		f := entity.GetField(name)
		if f == nil {
			return fmt.Errorf("field %q not defined on entity %q", name, entity.Name)
		}
		fp, declared := fieldPolicyExpr(f, entities.ActionUpdate)
		if !declared {
			continue
		}
		res, err := g.eval.Evaluate(ctx, fp, entity, row, auth)
		if err != nil {
			return err
		}
		if res.Decision != DecisionTrue {
			return fmt.Errorf("update of field %q on %q: %w", name, entity.Name, ErrPolicyRejected)
		}
	}
	return nil
}

// fieldGateNeeds collects the field-level update policy expressions the
// assigned fields will be gated by, so the pre-fetch can load their support.
func (g *Guard) fieldGateNeeds(entity *entities.Entity, data entities.Row) []entities.Expression {
	var needs []entities.Expression
	for name := range data {
		f := entity.GetField(name)
		if f == nil {
			continue
		}
		if fp, declared := fieldPolicyExpr(f, entities.ActionUpdate); declared {
			needs = append(needs, fp)
		}
	}
	return needs
}

// nestedParentNeeds collects the field gate expressions of foreign keys a
// row's nested to-one writes will assign, so the parent pre-fetch already
// carries their support.
func (g *Guard) nestedParentNeeds(entity *entities.Entity, nested []entities.NestedWrite) []entities.Expression {
	var needs []entities.Expression
	for _, nw := range nested {
		rel := entity.GetRelation(nw.Relation)
		if rel == nil || rel.Kind != entities.ToOne {
			continue
		}
		f := entity.GetField(rel.ForeignKey)
		if f == nil {
			continue
		}
		if fp, declared := fieldPolicyExpr(f, entities.ActionUpdate); declared {
			needs = append(needs, fp)
		}
	}
	return needs
}

// fetchRows loads rows matching the filter together with everything the
// given policy expressions need, applying in-process any filter part the
// store cannot evaluate.
func (g *Guard) fetchRows(ctx context.Context, tx repositories.Store, entity *entities.Entity, where entities.Expression, auth entities.AuthContext, need ...entities.Expression) ([]entities.Row, error) {
	push, local := splitPushable(foldAuth(where, auth))
	support := newSupportSet()
	collectSupport(support, g.schema, entity, local)
	for _, expr := range need {
		collectSupport(support, g.schema, entity, expr)
	}
	q := &repositories.StoreQuery{Type: entity.Name, Filter: push, Rewritten: true}
	for name, sub := range support.relations {
		if rel := entity.GetRelation(name); rel != nil {
			q.Include = append(q.Include, g.rw.supportInclude(rel, sub))
		}
	}
	rows, err := tx.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if local == nil {
		return rows, nil
	}
	out := make([]entities.Row, 0, len(rows))
	for _, row := range rows {
		res, err := g.eval.Evaluate(ctx, local, entity, row, auth)
		if err != nil {
			return nil, err
		}
		if res.Decision == DecisionTrue {
			out = append(out, row)
		}
	}
	return out, nil
}

// fetchOne expects the filter to address exactly one row.
func (g *Guard) fetchOne(ctx context.Context, tx repositories.Store, entity *entities.Entity, where entities.Expression, auth entities.AuthContext, need ...entities.Expression) (entities.Row, error) {
	rows, err := g.fetchRows(ctx, tx, entity, where, auth, need...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, repositories.ErrNotFound
	}
	if len(rows) > 1 {
		return nil, fmt.Errorf("filter on %q matched %d rows, want exactly one", entity.Name, len(rows))
	}
	return rows[0], nil
}

// refetch reloads one row by primary key with the given expressions' support.
func (g *Guard) refetch(ctx context.Context, tx repositories.Store, entity *entities.Entity, id any, auth entities.AuthContext, need ...entities.Expression) (entities.Row, error) {
	where := entities.EQ(entities.FieldOf(entity.ID()), entities.Lit(id))
	rows, err := g.fetchRows(ctx, tx, entity, where, auth, need...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("row %v of %q vanished mid-transaction", id, entity.Name)
	}
	return rows[0], nil
}

// postValidate re-fetches a mutated row and checks the type-level policy
// against the post-mutation state. Failure rolls the transaction back; a
// write producing a forbidden state never becomes visible.
func (g *Guard) postValidate(ctx context.Context, tx repositories.Store, entity *entities.Entity, id any, action entities.ActionSet, auth entities.AuthContext) (entities.Row, error) {
	policy := typePolicyExpr(entity, action)
	fresh, err := g.refetch(ctx, tx, entity, id, auth, policy)
	if err != nil {
		return nil, err
	}
	res, err := g.eval.Evaluate(ctx, policy, entity, fresh, auth)
	if err != nil {
		return nil, err
	}
	if res.Decision != DecisionTrue {
		return nil, fmt.Errorf("%s on %q: %w", action, entity.Name, ErrPostValidationFailed)
	}
	return fresh, nil
}
