package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/asakaida/banken/internal/entities"
	"github.com/asakaida/banken/internal/repositories"
)

// Store is an in-process implementation of repositories.Store holding
// rows per entity type. It mirrors the SQL store's filter semantics
// (tri-state comparisons collapse to false on null, relation predicates
// become existence checks over linked rows) and backs tests and
// embedders that run without a database.
type Store struct {
	mu     sync.RWMutex
	txMu   sync.Mutex
	schema *entities.Schema
	tables map[string][]entities.Row
	nextID map[string]int64
}

// New creates an empty store for the given schema.
func New(schema *entities.Schema) *Store {
	return &Store{
		schema: schema,
		tables: make(map[string][]entities.Row),
		nextID: make(map[string]int64),
	}
}

// Seed inserts rows directly, bypassing filters. Rows without a primary
// key get one assigned.
func (s *Store) Seed(typ string, rows ...entities.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity := s.schema.GetEntity(typ)
	for _, row := range rows {
		r := row.Clone()
		if entity != nil {
			if id, ok := r[entity.ID()]; !ok {
				s.nextID[typ]++
				r[entity.ID()] = s.nextID[typ]
			} else if n, ok := asFloat(id); ok && int64(n) > s.nextID[typ] {
				s.nextID[typ] = int64(n)
			}
		}
		s.tables[typ] = append(s.tables[typ], r)
	}
}

// Query returns rows matching the store query, with includes stitched in
// via the schema's foreign keys.
func (s *Store) Query(ctx context.Context, q *repositories.StoreQuery) ([]entities.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query(q)
}

func (s *Store) query(q *repositories.StoreQuery) ([]entities.Row, error) {
	entity := s.schema.GetEntity(q.Type)
	if entity == nil {
		return nil, fmt.Errorf("%q: %w", q.Type, repositories.ErrUnknownEntity)
	}
	var out []entities.Row
	for _, row := range s.tables[q.Type] {
		ok, err := s.match(entity, q.Filter, row)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		projected := project(row, q.Fields)
		for _, inc := range q.Include {
			if err := s.stitch(entity, row, projected, inc); err != nil {
				return nil, err
			}
		}
		out = append(out, projected)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// stitch attaches one relation's rows to a result row.
func (s *Store) stitch(entity *entities.Entity, row, projected entities.Row, inc repositories.StoreInclude) error {
	rel := entity.GetRelation(inc.Relation)
	if rel == nil {
		return fmt.Errorf("relation %q not defined on entity %q", inc.Relation, entity.Name)
	}
	target := s.schema.GetEntity(rel.Target)
	sub := inc.Query

	switch rel.Kind {
	case entities.ToOne:
		key := row[rel.ForeignKey]
		if key == nil {
			projected[rel.Name] = nil
			return nil
		}
		ref := rel.ReferencedField(target)
		for _, child := range s.tables[rel.Target] {
			if !looseEqual(child[ref], key) {
				continue
			}
			ok, err := s.match(target, sub.Filter, child)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			childOut := project(child, sub.Fields)
			for _, nested := range sub.Include {
				if err := s.stitch(target, child, childOut, nested); err != nil {
					return err
				}
			}
			projected[rel.Name] = childOut
			return nil
		}
		projected[rel.Name] = nil
	case entities.ToMany:
		ref := row[rel.ReferencedField(entity)]
		children := make([]entities.Row, 0)
		for _, child := range s.tables[rel.Target] {
			if !looseEqual(child[rel.ForeignKey], ref) {
				continue
			}
			ok, err := s.match(target, sub.Filter, child)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			childOut := project(child, sub.Fields)
			for _, nested := range sub.Include {
				if err := s.stitch(target, child, childOut, nested); err != nil {
					return err
				}
			}
			children = append(children, childOut)
			if sub.Limit > 0 && len(children) == sub.Limit {
				break
			}
		}
		projected[rel.Name] = children
	}
	return nil
}

// Insert stores one row, assigning a primary key when absent, and
// returns the stored row.
func (s *Store) Insert(ctx context.Context, typ string, data entities.Row) (entities.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity := s.schema.GetEntity(typ)
	if entity == nil {
		return nil, fmt.Errorf("%q: %w", typ, repositories.ErrUnknownEntity)
	}
	row := data.Clone()
	if row == nil {
		row = entities.Row{}
	}
	if _, ok := row[entity.ID()]; !ok {
		s.nextID[typ]++
		row[entity.ID()] = s.nextID[typ]
	}
	s.tables[typ] = append(s.tables[typ], row)
	return row.Clone(), nil
}

// Update assigns fields on the rows with the given primary keys.
func (s *Store) Update(ctx context.Context, typ string, ids []any, data entities.Row) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity := s.schema.GetEntity(typ)
	if entity == nil {
		return 0, fmt.Errorf("%q: %w", typ, repositories.ErrUnknownEntity)
	}
	var n int64
	for _, row := range s.tables[typ] {
		if !containsKey(ids, row[entity.ID()]) {
			continue
		}
		for k, v := range data {
			row[k] = v
		}
		n++
	}
	return n, nil
}

// Delete removes the rows with the given primary keys.
func (s *Store) Delete(ctx context.Context, typ string, ids []any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity := s.schema.GetEntity(typ)
	if entity == nil {
		return 0, fmt.Errorf("%q: %w", typ, repositories.ErrUnknownEntity)
	}
	rows := s.tables[typ]
	kept := rows[:0]
	var n int64
	for _, row := range rows {
		if containsKey(ids, row[entity.ID()]) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	s.tables[typ] = kept
	return n, nil
}

// RunInTx runs fn with snapshot rollback semantics. Transactions are
// serialized against each other; fn mutates the live tables, so reads
// inside the transaction see its own writes and an error restores the
// pre-transaction snapshot. Readers outside the transaction are only
// guarded per operation and may observe intermediate state.
func (s *Store) RunInTx(ctx context.Context, fn func(tx repositories.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := make(map[string][]entities.Row, len(s.tables))
	for typ, rows := range s.tables {
		copied := make([]entities.Row, len(rows))
		for i, row := range rows {
			copied[i] = row.Clone()
		}
		snapshot[typ] = copied
	}
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.tables = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// match evaluates a store-evaluable filter against one row of entity.
// Auth references and embedded expression rules never reach the store;
// the rewriter folds or retains them.
func (s *Store) match(entity *entities.Entity, expr entities.Expression, row entities.Row) (bool, error) {
	if expr == nil {
		return true, nil
	}
	switch n := expr.(type) {
	case *entities.Value:
		b, ok := n.V.(bool)
		return ok && b, nil
	case *entities.FieldRef:
		b, ok := row[n.Name].(bool)
		return ok && b, nil
	case *entities.Compare:
		left, err := s.scalar(n.Left, row)
		if err != nil {
			return false, err
		}
		right, err := s.scalar(n.Right, row)
		if err != nil {
			return false, err
		}
		return compare(n.Op, left, right), nil
	case *entities.Logical:
		left, err := s.match(entity, n.Left, row)
		if err != nil {
			return false, err
		}
		switch n.Op {
		case entities.OpNot:
			return !left, nil
		case entities.OpAnd:
			if !left {
				return false, nil
			}
			return s.match(entity, n.Right, row)
		case entities.OpOr:
			if left {
				return true, nil
			}
			return s.match(entity, n.Right, row)
		}
		return false, fmt.Errorf("unknown logical op %d", n.Op)
	case *entities.RelationRef:
		return s.matchRelation(entity, n, row)
	}
	return false, fmt.Errorf("filter node %T not store-evaluable", expr)
}

func (s *Store) scalar(expr entities.Expression, row entities.Row) (any, error) {
	switch n := expr.(type) {
	case *entities.Value:
		return n.V, nil
	case *entities.FieldRef:
		return row[n.Name], nil
	}
	return nil, fmt.Errorf("comparison operand %T not store-evaluable", expr)
}

// matchRelation resolves a relation predicate as an existence check over
// the linked rows, the way the SQL store renders EXISTS subqueries.
func (s *Store) matchRelation(entity *entities.Entity, n *entities.RelationRef, row entities.Row) (bool, error) {
	rel := entity.GetRelation(n.Relation)
	if rel == nil {
		return false, fmt.Errorf("relation %q not defined on entity %q", n.Relation, entity.Name)
	}
	target := s.schema.GetEntity(rel.Target)

	link := func(child entities.Row) bool {
		if rel.Kind == entities.ToOne {
			key := row[rel.ForeignKey]
			return key != nil && looseEqual(child[rel.ReferencedField(target)], key)
		}
		return looseEqual(child[rel.ForeignKey], row[rel.ReferencedField(entity)])
	}
	for _, child := range s.tables[rel.Target] {
		if !link(child) {
			continue
		}
		if n.Expr == nil {
			return true, nil
		}
		ok, err := s.match(target, n.Expr, child)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func project(row entities.Row, fields []string) entities.Row {
	if fields == nil {
		return row.Clone()
	}
	out := make(entities.Row, len(fields))
	for _, f := range fields {
		if v, ok := row[f]; ok {
			out[f] = v
		}
	}
	return out
}

func containsKey(ids []any, id any) bool {
	for _, candidate := range ids {
		if looseEqual(candidate, id) {
			return true
		}
	}
	return false
}

// looseEqual compares scalars with numeric widening, matching how key
// values round-trip through drivers and JSON.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func compare(op entities.CompareOp, left, right any) bool {
	if left == nil || right == nil {
		switch op {
		case entities.OpEQ:
			return left == nil && right == nil
		case entities.OpNEQ:
			return (left == nil) != (right == nil)
		}
		return false
	}
	switch op {
	case entities.OpEQ:
		return looseEqual(left, right)
	case entities.OpNEQ:
		return !looseEqual(left, right)
	}

	if lt, ok := left.(time.Time); ok {
		rt, ok := right.(time.Time)
		if !ok {
			return false
		}
		switch op {
		case entities.OpGT:
			return lt.After(rt)
		case entities.OpGTE:
			return !lt.Before(rt)
		case entities.OpLT:
			return lt.Before(rt)
		case entities.OpLTE:
			return !lt.After(rt)
		}
		return false
	}
	if lf, ok := asFloat(left); ok {
		rf, ok := asFloat(right)
		if !ok {
			return false
		}
		switch op {
		case entities.OpGT:
			return lf > rf
		case entities.OpGTE:
			return lf >= rf
		case entities.OpLT:
			return lf < rf
		case entities.OpLTE:
			return lf <= rf
		}
		return false
	}
	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		if !ok {
			return false
		}
		switch op {
		case entities.OpGT:
			return ls > rs
		case entities.OpGTE:
			return ls >= rs
		case entities.OpLT:
			return ls < rs
		case entities.OpLTE:
			return ls <= rs
		}
	}
	return false
}
