package entities

// ReadRequest asks for rows of one entity type. Where is the caller's
// filter (nil means all rows the caller may read), Select limits the
// returned fields (nil means all declared fields), Include pulls in
// related rows recursively.
type ReadRequest struct {
	Type    string
	Where   Expression
	Select  []string
	Include []Include
	Limit   int // 0 means no limit
}

// Include requests related rows of one relation along with a read request.
type Include struct {
	Relation string
	Where    Expression
	Select   []string
	Include  []Include
}

// NestedOpKind enumerates the relation operations a write payload may
// carry, mirroring the entity relation graph depth-first.
type NestedOpKind uint8

const (
	NestedCreate NestedOpKind = iota
	NestedConnect
	NestedUpdate
	NestedUpdateMany
	NestedDelete
	NestedDisconnect
)

func (k NestedOpKind) String() string {
	switch k {
	case NestedCreate:
		return "create"
	case NestedConnect:
		return "connect"
	case NestedUpdate:
		return "update"
	case NestedUpdateMany:
		return "updateMany"
	case NestedDelete:
		return "delete"
	case NestedDisconnect:
		return "disconnect"
	}
	return "?"
}

// NestedWrite is one relation operation inside a write payload. Where
// selects target rows within the relation (may be nil: for to-one
// relations it addresses the single related row, for updateMany/delete
// it addresses all related rows). Data carries field assignments for
// create/update. Nested recurses into the related entity's own relations.
type NestedWrite struct {
	Relation string
	Op       NestedOpKind
	Where    Expression
	Data     Row
	Nested   []NestedWrite
}

// CreateRequest creates one row plus any nested relation writes.
type CreateRequest struct {
	Type    string
	Data    Row
	Nested  []NestedWrite
	Select  []string
	Include []Include
}

// UpdateRequest updates exactly one row selected by Where. It fails as a
// whole if the row is disallowed or any assigned field fails its
// field-level update policy.
type UpdateRequest struct {
	Type    string
	Where   Expression
	Data    Row
	Nested  []NestedWrite
	Select  []string
	Include []Include
}

// DeleteRequest deletes exactly one row selected by Where.
type DeleteRequest struct {
	Type  string
	Where Expression
}

// UpdateManyRequest updates every permitted row matching Where; rows
// failing policy are excluded, not fatal.
type UpdateManyRequest struct {
	Type  string
	Where Expression
	Data  Row
}

// DeleteManyRequest deletes every permitted row matching Where.
type DeleteManyRequest struct {
	Type  string
	Where Expression
}
