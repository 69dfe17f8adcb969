package enforcement

import (
	"context"
	"fmt"
	"time"

	"github.com/asakaida/banken/internal/entities"
	"github.com/asakaida/banken/internal/repositories"
	pkgcache "github.com/asakaida/banken/pkg/cache"
)

// Engine ties the pieces together over one store: reads go through the
// query rewriter and the post-processor, writes go through the mutation
// guard inside a transaction. One Engine serves one schema and is safe
// for concurrent use.
type Engine struct {
	schema *entities.Schema
	store  repositories.Store
	tx     repositories.TxRunner
	eval   *Evaluator
	rw     *Rewriter
	mask   *Masker
	guard  *Guard
}

// NewEngine validates the schema and every expression rule it carries,
// then builds an engine over the given store and transaction runner.
func NewEngine(schema *entities.Schema, store repositories.Store, tx repositories.TxRunner) (*Engine, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return newEngine(schema, store, tx, cel)
}

// NewEngineWithCache is NewEngine with a cache backing compiled
// expression programs.
func NewEngineWithCache(schema *entities.Schema, store repositories.Store, tx repositories.TxRunner, c pkgcache.Cache, ttl time.Duration) (*Engine, error) {
	cel, err := NewCELEngineWithCache(c, ttl)
	if err != nil {
		return nil, err
	}
	return newEngine(schema, store, tx, cel)
}

func newEngine(schema *entities.Schema, store repositories.Store, tx repositories.TxRunner, cel *CELEngine) (*Engine, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	if err := validateRules(schema, cel); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	eval := NewEvaluator(schema, cel)
	return &Engine{
		schema: schema,
		store:  store,
		tx:     tx,
		eval:   eval,
		rw:     NewRewriter(schema),
		mask:   NewMasker(schema, eval),
		guard:  NewGuard(schema, eval),
	}, nil
}

// validateRules compiles every embedded expression rule once at load time
// so a malformed rule fails startup instead of the first request touching it.
func validateRules(schema *entities.Schema, cel *CELEngine) error {
	for _, e := range schema.Entities {
		for _, p := range e.Policies {
			if err := validateRuleExpr(p.Condition, cel); err != nil {
				return fmt.Errorf("entity %q: %w", e.Name, err)
			}
		}
		for _, f := range e.Fields {
			for _, p := range f.Policies {
				if err := validateRuleExpr(p.Condition, cel); err != nil {
					return fmt.Errorf("entity %q field %q: %w", e.Name, f.Name, err)
				}
			}
		}
	}
	return nil
}

func validateRuleExpr(expr entities.Expression, cel *CELEngine) error {
	switch n := expr.(type) {
	case *entities.CELRule:
		return cel.Validate(n.Source)
	case *entities.Logical:
		if err := validateRuleExpr(n.Left, cel); err != nil {
			return err
		}
		if n.Right != nil {
			return validateRuleExpr(n.Right, cel)
		}
	case *entities.Compare:
		if err := validateRuleExpr(n.Left, cel); err != nil {
			return err
		}
		return validateRuleExpr(n.Right, cel)
	case *entities.RelationRef:
		if n.Expr != nil {
			return validateRuleExpr(n.Expr, cel)
		}
	}
	return nil
}

// Read returns every row matching the request that the caller may read,
// masked and trimmed to the requested shape. A caller with no access gets
// an empty result, never an error.
func (e *Engine) Read(ctx context.Context, req *entities.ReadRequest, auth entities.AuthContext) ([]entities.Row, error) {
	return e.read(ctx, e.store, req, auth)
}

// First returns the first readable row matching the request, or
// ErrNotFound when nothing matches.
func (e *Engine) First(ctx context.Context, req *entities.ReadRequest, auth entities.AuthContext) (entities.Row, error) {
	r := *req
	r.Limit = 1
	rows, err := e.read(ctx, e.store, &r, auth)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, repositories.ErrNotFound
	}
	return rows[0], nil
}

func (e *Engine) read(ctx context.Context, store repositories.Store, req *entities.ReadRequest, auth entities.AuthContext) ([]entities.Row, error) {
	q, plan, err := e.rw.PlanRead(req, auth)
	if err != nil {
		return nil, err
	}
	// A filter remainder evaluated in-process makes a pushed-down limit
	// undercount; fetch unbounded and truncate after filtering.
	limit := q.Limit
	if plan.local != nil {
		q.Limit = 0
	}
	rows, err := store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	masked, err := e.mask.Apply(ctx, rows, plan, auth)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(masked) > limit {
		masked = masked[:limit]
	}
	return masked, nil
}

// Create inserts one row plus its nested writes inside a transaction and
// returns the created row read back through the read path. If the caller
// may not read what was created, the write commits and ErrNotFound is
// returned.
func (e *Engine) Create(ctx context.Context, req *entities.CreateRequest, auth entities.AuthContext) (entities.Row, error) {
	entity := e.schema.GetEntity(req.Type)
	if entity == nil {
		return nil, fmt.Errorf("%q: %w", req.Type, repositories.ErrUnknownEntity)
	}
	var out entities.Row
	err := e.tx.RunInTx(ctx, func(tx repositories.Store) error {
		row, err := e.guard.Create(ctx, tx, req, auth)
		if err != nil {
			return err
		}
		out, err = e.readBack(ctx, tx, entity, row[entity.ID()], req.Select, req.Include, auth)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, repositories.ErrNotFound
	}
	return out, nil
}

// Update mutates exactly one row inside a transaction and returns it read
// back through the read path.
func (e *Engine) Update(ctx context.Context, req *entities.UpdateRequest, auth entities.AuthContext) (entities.Row, error) {
	entity := e.schema.GetEntity(req.Type)
	if entity == nil {
		return nil, fmt.Errorf("%q: %w", req.Type, repositories.ErrUnknownEntity)
	}
	var out entities.Row
	err := e.tx.RunInTx(ctx, func(tx repositories.Store) error {
		row, err := e.guard.Update(ctx, tx, req, auth)
		if err != nil {
			return err
		}
		out, err = e.readBack(ctx, tx, entity, row[entity.ID()], req.Select, req.Include, auth)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, repositories.ErrNotFound
	}
	return out, nil
}

// Delete removes exactly one row inside a transaction.
func (e *Engine) Delete(ctx context.Context, req *entities.DeleteRequest, auth entities.AuthContext) error {
	return e.tx.RunInTx(ctx, func(tx repositories.Store) error {
		return e.guard.Delete(ctx, tx, req, auth)
	})
}

// UpdateMany mutates every permitted matching row inside a transaction
// and returns the number of rows actually mutated.
func (e *Engine) UpdateMany(ctx context.Context, req *entities.UpdateManyRequest, auth entities.AuthContext) (int64, error) {
	var count int64
	err := e.tx.RunInTx(ctx, func(tx repositories.Store) error {
		var err error
		count, err = e.guard.UpdateMany(ctx, tx, req, auth)
		return err
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteMany removes every permitted matching row inside a transaction
// and returns the number of rows deleted.
func (e *Engine) DeleteMany(ctx context.Context, req *entities.DeleteManyRequest, auth entities.AuthContext) (int64, error) {
	var count int64
	err := e.tx.RunInTx(ctx, func(tx repositories.Store) error {
		var err error
		count, err = e.guard.DeleteMany(ctx, tx, req, auth)
		return err
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// readBack reads one freshly written row back through the rewriter and
// masker so mutation results obey the same read policies as queries. A
// row the caller may not read yields nil with no error; the surrounding
// transaction still commits.
func (e *Engine) readBack(ctx context.Context, tx repositories.Store, entity *entities.Entity, id any, sel []string, include []entities.Include, auth entities.AuthContext) (entities.Row, error) {
	req := &entities.ReadRequest{
		Type:    entity.Name,
		Where:   entities.EQ(entities.FieldOf(entity.ID()), entities.Lit(id)),
		Select:  sel,
		Include: include,
	}
	rows, err := e.read(ctx, tx, req, auth)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}
