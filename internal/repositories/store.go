package repositories

import (
	"context"

	"github.com/asakaida/banken/internal/entities"
)

// StoreQuery is the structured query the engine submits to the store.
// Filter is a store-evaluable expression: auth references have been
// constant-folded away and relation traversals are existential
// sub-filters the store resolves natively.
type StoreQuery struct {
	Type    string
	Filter  entities.Expression
	Fields  []string // columns to fetch, nil means all declared fields
	Include []StoreInclude
	Limit   int // 0 means no limit

	// Rewritten marks a query whose filter already embeds the row-level
	// policy. The rewriter sets it and treats marked queries as a no-op,
	// so rewriting is applied exactly once per request.
	Rewritten bool
}

// StoreInclude fetches related rows of one relation alongside the parent
// rows, applying its own (already rewritten) sub-query.
type StoreInclude struct {
	Relation string
	Query    *StoreQuery
}

// Store is the structured query/mutation API of the underlying relational
// store. Implementations must evaluate filters with the store's native
// comparison semantics and resolve relation existentials. The engine does
// not manage connections or retries.
type Store interface {
	// Query returns rows matching q, with requested includes attached
	// under their relation names.
	Query(ctx context.Context, q *StoreQuery) ([]entities.Row, error)

	// Insert stores a new row and returns it as stored (including
	// generated key values).
	Insert(ctx context.Context, typ string, data entities.Row) (entities.Row, error)

	// Update assigns data to the rows with the given primary keys and
	// returns the number of rows updated.
	Update(ctx context.Context, typ string, ids []any, data entities.Row) (int64, error)

	// Delete removes the rows with the given primary keys and returns the
	// number of rows deleted.
	Delete(ctx context.Context, typ string, ids []any) (int64, error)
}

// TxRunner executes a function against a transactional view of the store.
// The transaction commits if fn returns nil and rolls back otherwise,
// including on context cancellation. Reads inside fn observe fn's own
// writes.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(tx Store) error) error
}
