package repositories

import "errors"

// ErrNotFound reports a row that is genuinely absent or that the caller
// has no read access to; the two are indistinguishable by design so that
// existence never leaks.
var ErrNotFound = errors.New("record not found")

// ErrUnknownEntity reports a query against an entity type the schema does
// not declare.
var ErrUnknownEntity = errors.New("unknown entity type")
