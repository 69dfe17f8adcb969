package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/asakaida/banken/internal/entities"
	"github.com/asakaida/banken/internal/repositories"
)

// Store implements repositories.Store over PostgreSQL. Entity names map
// to table names and field names to column names, as laid out by the
// schema compiler's migrations. Filters compile to parameterized WHERE
// clauses; relation predicates become EXISTS subqueries over the foreign
// keys declared in the schema.
type Store struct {
	db     *sql.DB
	schema *entities.Schema
}

// NewStore creates a new PostgreSQL store.
func NewStore(db *sql.DB, schema *entities.Schema) *Store {
	return &Store{db: db, schema: schema}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Query returns rows matching the store query, with includes loaded in
// batches keyed by the linking fields.
func (s *Store) Query(ctx context.Context, q *repositories.StoreQuery) ([]entities.Row, error) {
	return queryRows(ctx, s.db, s.schema, q)
}

// Insert stores one row and returns it as stored, including generated
// column values.
func (s *Store) Insert(ctx context.Context, typ string, data entities.Row) (entities.Row, error) {
	return insertRow(ctx, s.db, s.schema, typ, data)
}

// Update assigns fields on the rows with the given primary keys and
// returns the number of rows changed.
func (s *Store) Update(ctx context.Context, typ string, ids []any, data entities.Row) (int64, error) {
	return updateRows(ctx, s.db, s.schema, typ, ids, data)
}

// Delete removes the rows with the given primary keys.
func (s *Store) Delete(ctx context.Context, typ string, ids []any) (int64, error) {
	return deleteRows(ctx, s.db, s.schema, typ, ids)
}

// RunInTx runs fn against a transaction-scoped store. fn returning an
// error rolls the transaction back.
func (s *Store) RunInTx(ctx context.Context, fn func(tx repositories.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txStore{tx: tx, schema: s.schema}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore is the transaction-scoped view handed to RunInTx callbacks.
type txStore struct {
	tx     *sql.Tx
	schema *entities.Schema
}

func (s *txStore) Query(ctx context.Context, q *repositories.StoreQuery) ([]entities.Row, error) {
	return queryRows(ctx, s.tx, s.schema, q)
}

func (s *txStore) Insert(ctx context.Context, typ string, data entities.Row) (entities.Row, error) {
	return insertRow(ctx, s.tx, s.schema, typ, data)
}

func (s *txStore) Update(ctx context.Context, typ string, ids []any, data entities.Row) (int64, error) {
	return updateRows(ctx, s.tx, s.schema, typ, ids, data)
}

func (s *txStore) Delete(ctx context.Context, typ string, ids []any) (int64, error) {
	return deleteRows(ctx, s.tx, s.schema, typ, ids)
}

func queryRows(ctx context.Context, qr querier, schema *entities.Schema, q *repositories.StoreQuery) ([]entities.Row, error) {
	entity := schema.GetEntity(q.Type)
	if entity == nil {
		return nil, fmt.Errorf("%q: %w", q.Type, repositories.ErrUnknownEntity)
	}
	cols := q.Fields
	if cols == nil {
		cols = entity.FieldNames()
	}

	b := &sqlBuilder{schema: schema}
	where, err := b.where(entity, q.Filter, "t0")
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s t0 WHERE %s",
		columnList("t0", cols), pq.QuoteIdentifier(entity.Name), where)
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := scanRows(ctx, qr, query, b.args, cols)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", entity.Name, err)
	}
	if len(rows) == 0 {
		return rows, nil
	}
	for _, inc := range q.Include {
		if err := attachInclude(ctx, qr, schema, entity, rows, inc); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// attachInclude loads one relation for a batch of parent rows with a
// single query keyed by the linking field.
func attachInclude(ctx context.Context, qr querier, schema *entities.Schema, entity *entities.Entity, parents []entities.Row, inc repositories.StoreInclude) error {
	rel := entity.GetRelation(inc.Relation)
	if rel == nil {
		return fmt.Errorf("relation %q not defined on entity %q", inc.Relation, entity.Name)
	}
	target := schema.GetEntity(rel.Target)
	sub := inc.Query

	// The linking column on the child side, and the parent value it must
	// match.
	var childCol, parentKey string
	if rel.Kind == entities.ToOne {
		childCol = rel.ReferencedField(target)
		parentKey = rel.ForeignKey
	} else {
		childCol = rel.ForeignKey
		parentKey = rel.ReferencedField(entity)
	}

	keys := make([]any, 0, len(parents))
	seen := make(map[any]bool, len(parents))
	for _, p := range parents {
		k := p[parentKey]
		if k == nil || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	if rel.Kind == entities.ToOne {
		for _, p := range parents {
			p[rel.Name] = nil
		}
	} else {
		for _, p := range parents {
			p[rel.Name] = []entities.Row{}
		}
	}
	if len(keys) == 0 {
		return nil
	}

	cols := sub.Fields
	if cols == nil {
		cols = target.FieldNames()
	}
	cols = ensureColumn(cols, childCol)

	b := &sqlBuilder{schema: schema}
	b.args = append(b.args, pq.Array(keys))
	where := fmt.Sprintf("t0.%s = ANY($1)", pq.QuoteIdentifier(childCol))
	if sub.Filter != nil {
		cond, err := b.where(target, sub.Filter, "t0")
		if err != nil {
			return err
		}
		where += " AND " + cond
	}
	query := fmt.Sprintf("SELECT %s FROM %s t0 WHERE %s",
		columnList("t0", cols), pq.QuoteIdentifier(target.Name), where)

	children, err := scanRows(ctx, qr, query, b.args, cols)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", target.Name, err)
	}
	for _, nested := range sub.Include {
		if err := attachInclude(ctx, qr, schema, target, children, nested); err != nil {
			return err
		}
	}

	byKey := make(map[any][]entities.Row, len(children))
	for _, c := range children {
		k := c[childCol]
		byKey[k] = append(byKey[k], c)
	}
	for _, p := range parents {
		k := p[parentKey]
		if k == nil {
			continue
		}
		linked := byKey[k]
		if rel.Kind == entities.ToOne {
			if len(linked) > 0 {
				p[rel.Name] = linked[0]
			}
		} else {
			p[rel.Name] = append(p[rel.Name].([]entities.Row), linked...)
		}
	}
	return nil
}

func insertRow(ctx context.Context, qr querier, schema *entities.Schema, typ string, data entities.Row) (entities.Row, error) {
	entity := schema.GetEntity(typ)
	if entity == nil {
		return nil, fmt.Errorf("%q: %w", typ, repositories.ErrUnknownEntity)
	}
	cols := make([]string, 0, len(data))
	for _, f := range entity.Fields {
		if _, ok := data[f.Name]; ok {
			cols = append(cols, f.Name)
		}
	}
	args := make([]any, len(cols))
	holders := make([]string, len(cols))
	for i, c := range cols {
		args[i] = data[c]
		holders[i] = fmt.Sprintf("$%d", i+1)
	}
	all := entity.FieldNames()

	var query string
	if len(cols) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s",
			pq.QuoteIdentifier(entity.Name), columnList("", all))
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			pq.QuoteIdentifier(entity.Name), columnList("", cols),
			strings.Join(holders, ", "), columnList("", all))
	}
	rows, err := scanRows(ctx, qr, query, args, all)
	if err != nil {
		return nil, fmt.Errorf("failed to insert %s: %w", entity.Name, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert %s returned no row", entity.Name)
	}
	return rows[0], nil
}

func updateRows(ctx context.Context, qr querier, schema *entities.Schema, typ string, ids []any, data entities.Row) (int64, error) {
	entity := schema.GetEntity(typ)
	if entity == nil {
		return 0, fmt.Errorf("%q: %w", typ, repositories.ErrUnknownEntity)
	}
	if len(ids) == 0 || len(data) == 0 {
		return 0, nil
	}
	sets := make([]string, 0, len(data))
	args := make([]any, 0, len(data)+1)
	argIdx := 1
	for _, f := range entity.Fields {
		v, ok := data[f.Name]
		if !ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(f.Name), argIdx))
		args = append(args, v)
		argIdx++
	}
	args = append(args, pq.Array(ids))
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ANY($%d)",
		pq.QuoteIdentifier(entity.Name), strings.Join(sets, ", "),
		pq.QuoteIdentifier(entity.ID()), argIdx)
	res, err := qr.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", entity.Name, err)
	}
	return res.RowsAffected()
}

func deleteRows(ctx context.Context, qr querier, schema *entities.Schema, typ string, ids []any) (int64, error) {
	entity := schema.GetEntity(typ)
	if entity == nil {
		return 0, fmt.Errorf("%q: %w", typ, repositories.ErrUnknownEntity)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1)",
		pq.QuoteIdentifier(entity.Name), pq.QuoteIdentifier(entity.ID()))
	res, err := qr.ExecContext(ctx, query, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s: %w", entity.Name, err)
	}
	return res.RowsAffected()
}

// scanRows runs a query and decodes every result row into the generic
// row representation, normalizing driver types.
func scanRows(ctx context.Context, qr querier, query string, args []any, cols []string) ([]entities.Row, error) {
	rows, err := qr.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]entities.Row, 0)
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(entities.Row, len(cols))
		for i, c := range cols {
			row[c] = normalize(vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// normalize maps driver values to the types the evaluator compares.
func normalize(v any) any {
	switch n := v.(type) {
	case []byte:
		return string(n)
	case time.Time:
		return n
	default:
		return v
	}
}

func columnList(alias string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		if alias == "" {
			parts[i] = pq.QuoteIdentifier(c)
		} else {
			parts[i] = alias + "." + pq.QuoteIdentifier(c)
		}
	}
	return strings.Join(parts, ", ")
}

func ensureColumn(cols []string, col string) []string {
	for _, c := range cols {
		if c == col {
			return cols
		}
	}
	return append(append([]string(nil), cols...), col)
}

// sqlBuilder compiles store-evaluable filter expressions into SQL with
// positional parameters. Equality uses IS [NOT] DISTINCT FROM and
// ordering comparisons coalesce to FALSE so null handling matches the
// in-process evaluator under negation.
type sqlBuilder struct {
	schema *entities.Schema
	args   []any
	alias  int
}

func (b *sqlBuilder) where(entity *entities.Entity, expr entities.Expression, alias string) (string, error) {
	if expr == nil {
		return "TRUE", nil
	}
	switch n := expr.(type) {
	case *entities.Value:
		if v, ok := n.V.(bool); ok {
			if v {
				return "TRUE", nil
			}
			return "FALSE", nil
		}
		return "", fmt.Errorf("non-boolean literal %v used as predicate", n.V)
	case *entities.FieldRef:
		return fmt.Sprintf("COALESCE(%s.%s, FALSE)", alias, pq.QuoteIdentifier(n.Name)), nil
	case *entities.Compare:
		return b.compare(entity, n, alias)
	case *entities.Logical:
		left, err := b.where(entity, n.Left, alias)
		if err != nil {
			return "", err
		}
		switch n.Op {
		case entities.OpNot:
			return fmt.Sprintf("NOT (%s)", left), nil
		case entities.OpAnd, entities.OpOr:
			right, err := b.where(entity, n.Right, alias)
			if err != nil {
				return "", err
			}
			op := "AND"
			if n.Op == entities.OpOr {
				op = "OR"
			}
			return fmt.Sprintf("(%s %s %s)", left, op, right), nil
		}
		return "", fmt.Errorf("unknown logical op %d", n.Op)
	case *entities.RelationRef:
		return b.exists(entity, n, alias)
	}
	return "", fmt.Errorf("filter node %T not store-evaluable", expr)
}

func (b *sqlBuilder) compare(entity *entities.Entity, n *entities.Compare, alias string) (string, error) {
	left, leftNull, err := b.operand(n.Left, alias)
	if err != nil {
		return "", err
	}
	right, rightNull, err := b.operand(n.Right, alias)
	if err != nil {
		return "", err
	}
	switch n.Op {
	case entities.OpEQ:
		return fmt.Sprintf("%s IS NOT DISTINCT FROM %s", left, right), nil
	case entities.OpNEQ:
		return fmt.Sprintf("%s IS DISTINCT FROM %s", left, right), nil
	}
	if leftNull || rightNull {
		// Ordering against an explicit null never matches.
		return "FALSE", nil
	}
	var op string
	switch n.Op {
	case entities.OpGT:
		op = ">"
	case entities.OpGTE:
		op = ">="
	case entities.OpLT:
		op = "<"
	case entities.OpLTE:
		op = "<="
	default:
		return "", fmt.Errorf("unknown comparison op %d", n.Op)
	}
	return fmt.Sprintf("COALESCE(%s %s %s, FALSE)", left, op, right), nil
}

// operand renders a comparison side, reporting whether it is an explicit
// null literal.
func (b *sqlBuilder) operand(expr entities.Expression, alias string) (string, bool, error) {
	switch n := expr.(type) {
	case *entities.Value:
		if n.V == nil {
			return "NULL", true, nil
		}
		b.args = append(b.args, n.V)
		return fmt.Sprintf("$%d", len(b.args)), false, nil
	case *entities.FieldRef:
		return alias + "." + pq.QuoteIdentifier(n.Name), false, nil
	}
	return "", false, fmt.Errorf("comparison operand %T not store-evaluable", expr)
}

// exists renders a relation predicate as an EXISTS subquery joined on
// the schema's foreign key.
func (b *sqlBuilder) exists(entity *entities.Entity, n *entities.RelationRef, alias string) (string, error) {
	rel := entity.GetRelation(n.Relation)
	if rel == nil {
		return "", fmt.Errorf("relation %q not defined on entity %q", n.Relation, entity.Name)
	}
	target := b.schema.GetEntity(rel.Target)

	b.alias++
	sub := fmt.Sprintf("t%d", b.alias)

	var join string
	if rel.Kind == entities.ToOne {
		join = fmt.Sprintf("%s.%s = %s.%s",
			sub, pq.QuoteIdentifier(rel.ReferencedField(target)),
			alias, pq.QuoteIdentifier(rel.ForeignKey))
	} else {
		join = fmt.Sprintf("%s.%s = %s.%s",
			sub, pq.QuoteIdentifier(rel.ForeignKey),
			alias, pq.QuoteIdentifier(rel.ReferencedField(entity)))
	}
	cond := "TRUE"
	if n.Expr != nil {
		var err error
		cond, err = b.where(target, n.Expr, sub)
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s %s WHERE %s AND %s)",
		pq.QuoteIdentifier(rel.Target), sub, join, cond), nil
}
