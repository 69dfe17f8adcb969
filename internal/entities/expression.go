package entities

// Expression is a boolean-valued policy expression tree. Nodes form a
// tagged union dispatched by type switch, mirroring how compiled rules
// arrive from the schema compiler.
type Expression interface {
	isExpression()
}

// Value is a literal constant.
type Value struct {
	V any
}

func (*Value) isExpression() {}

// FieldRef reads a field of the current row.
type FieldRef struct {
	Name string
}

func (*FieldRef) isExpression() {}

// AuthRef reads an attribute of the caller's auth context. With no auth
// context present, any boolean position containing an AuthRef evaluates
// to false rather than erroring.
type AuthRef struct {
	Attr string
}

func (*AuthRef) isExpression() {}

// RelationRef traverses a named relation and evaluates Expr against the
// related row. On a to-many relation this is an existential: true if any
// related row satisfies Expr, false for an empty set. A nil Expr asserts
// only that a related row exists.
type RelationRef struct {
	Relation string
	Expr     Expression
}

func (*RelationRef) isExpression() {}

// CompareOp enumerates comparison operators.
type CompareOp uint8

const (
	OpEQ CompareOp = iota
	OpNEQ
	OpGT
	OpGTE
	OpLT
	OpLTE
)

func (op CompareOp) String() string {
	switch op {
	case OpEQ:
		return "=="
	case OpNEQ:
		return "!="
	case OpGT:
		return ">"
	case OpGTE:
		return ">="
	case OpLT:
		return "<"
	case OpLTE:
		return "<="
	}
	return "?"
}

// Compare compares two value-producing sub-expressions with the store's
// native comparison semantics. Operand type compatibility is a schema
// compile-time guarantee.
type Compare struct {
	Op          CompareOp
	Left, Right Expression
}

func (*Compare) isExpression() {}

// LogicalOp enumerates boolean combinators.
type LogicalOp uint8

const (
	OpAnd LogicalOp = iota
	OpOr
	OpNot
)

func (op LogicalOp) String() string {
	switch op {
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	case OpNot:
		return "not"
	}
	return "?"
}

// Logical combines sub-expressions with short-circuit left-to-right
// semantics. Right is nil for OpNot.
type Logical struct {
	Op          LogicalOp
	Left, Right Expression
}

func (*Logical) isExpression() {}

// CELRule is an opaque attribute rule compiled from the schema's rule()
// construct. It is evaluated in-process with the row and auth context
// bound as CEL variables; it cannot be pushed down to the store.
type CELRule struct {
	Source string
}

func (*CELRule) isExpression() {}

// Constructors used by policy model producers and tests.

// Lit returns a literal value expression.
func Lit(v any) Expression { return &Value{V: v} }

// FieldOf returns a reference to a field of the current row.
func FieldOf(name string) Expression { return &FieldRef{Name: name} }

// Auth returns a reference to an auth context attribute.
func Auth(attr string) Expression { return &AuthRef{Attr: attr} }

// Related returns a relation traversal evaluating expr on the related row.
func Related(relation string, expr Expression) Expression {
	return &RelationRef{Relation: relation, Expr: expr}
}

// CEL returns an opaque CEL rule expression.
func CEL(source string) Expression { return &CELRule{Source: source} }

// EQ returns left == right.
func EQ(left, right Expression) Expression { return &Compare{Op: OpEQ, Left: left, Right: right} }

// NEQ returns left != right.
func NEQ(left, right Expression) Expression { return &Compare{Op: OpNEQ, Left: left, Right: right} }

// GT returns left > right.
func GT(left, right Expression) Expression { return &Compare{Op: OpGT, Left: left, Right: right} }

// GTE returns left >= right.
func GTE(left, right Expression) Expression { return &Compare{Op: OpGTE, Left: left, Right: right} }

// LT returns left < right.
func LT(left, right Expression) Expression { return &Compare{Op: OpLT, Left: left, Right: right} }

// LTE returns left <= right.
func LTE(left, right Expression) Expression { return &Compare{Op: OpLTE, Left: left, Right: right} }

// And returns left && right.
func And(left, right Expression) Expression { return &Logical{Op: OpAnd, Left: left, Right: right} }

// Or returns left || right.
func Or(left, right Expression) Expression { return &Logical{Op: OpOr, Left: left, Right: right} }

// Not returns !expr.
func Not(expr Expression) Expression { return &Logical{Op: OpNot, Left: expr} }
