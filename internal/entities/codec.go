package entities

import (
	"encoding/json"
	"fmt"
	"io"
)

// The schema compiler emits the policy model as a JSON artifact. This file
// decodes that artifact into the in-memory model. The engine never encodes
// schemas and never parses policy source text; expressions arrive as
// already-compiled trees.

type schemaJSON struct {
	Entities []entityJSON `json:"entities"`
}

type entityJSON struct {
	Name      string         `json:"name"`
	IDField   string         `json:"id_field,omitempty"`
	Fields    []fieldJSON    `json:"fields"`
	Relations []relationJSON `json:"relations,omitempty"`
	Policies  []policyJSON   `json:"policies,omitempty"`
}

type fieldJSON struct {
	Name     string       `json:"name"`
	Type     string       `json:"type"`
	Policies []policyJSON `json:"policies,omitempty"`
}

type relationJSON struct {
	Name       string `json:"name"`
	Target     string `json:"target"`
	Kind       string `json:"kind"`
	ForeignKey string `json:"foreign_key"`
	References string `json:"references,omitempty"`
}

type policyJSON struct {
	Actions   string          `json:"actions"`
	Effect    string          `json:"effect"`
	Condition json.RawMessage `json:"condition"`
}

type exprJSON struct {
	Kind     string          `json:"kind"`
	Value    any             `json:"value,omitempty"`
	Name     string          `json:"name,omitempty"`
	Attr     string          `json:"attr,omitempty"`
	Relation string          `json:"relation,omitempty"`
	Op       string          `json:"op,omitempty"`
	Left     json.RawMessage `json:"left,omitempty"`
	Right    json.RawMessage `json:"right,omitempty"`
	Expr     json.RawMessage `json:"expr,omitempty"`
	Source   string          `json:"source,omitempty"`
}

// DecodeSchema reads a compiled policy model artifact.
func DecodeSchema(r io.Reader) (*Schema, error) {
	var raw schemaJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	schema := &Schema{}
	for _, re := range raw.Entities {
		e := &Entity{Name: re.Name, IDField: re.IDField}
		for _, rf := range re.Fields {
			ft, err := parseFieldType(rf.Type)
			if err != nil {
				return nil, fmt.Errorf("entity %q field %q: %w", re.Name, rf.Name, err)
			}
			f := &Field{Name: rf.Name, Type: ft}
			for _, rp := range rf.Policies {
				p, err := decodePolicy(rp)
				if err != nil {
					return nil, fmt.Errorf("entity %q field %q: %w", re.Name, rf.Name, err)
				}
				f.Policies = append(f.Policies, p)
			}
			e.Fields = append(e.Fields, f)
		}
		for _, rr := range re.Relations {
			kind, err := parseRelationKind(rr.Kind)
			if err != nil {
				return nil, fmt.Errorf("entity %q relation %q: %w", re.Name, rr.Name, err)
			}
			e.Relations = append(e.Relations, &Relation{
				Name:       rr.Name,
				Target:     rr.Target,
				Kind:       kind,
				ForeignKey: rr.ForeignKey,
				References: rr.References,
			})
		}
		for _, rp := range re.Policies {
			p, err := decodePolicy(rp)
			if err != nil {
				return nil, fmt.Errorf("entity %q: %w", re.Name, err)
			}
			e.Policies = append(e.Policies, p)
		}
		schema.Entities = append(schema.Entities, e)
	}
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return schema, nil
}

func decodePolicy(raw policyJSON) (*Policy, error) {
	actions, err := ParseActionSet(raw.Actions)
	if err != nil {
		return nil, err
	}
	var effect Effect
	switch raw.Effect {
	case "allow", "":
		effect = Allow
	case "deny":
		effect = Deny
	default:
		return nil, fmt.Errorf("unknown effect %q", raw.Effect)
	}
	cond, err := DecodeExpression(raw.Condition)
	if err != nil {
		return nil, fmt.Errorf("policy condition: %w", err)
	}
	return &Policy{Actions: actions, Effect: effect, Condition: cond}, nil
}

// DecodeExpression decodes one compiled expression tree. A nil or empty
// message decodes to nil (no condition, i.e. unconditional).
func DecodeExpression(data []byte) (Expression, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var raw exprJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode expression: %w", err)
	}
	switch raw.Kind {
	case "value":
		return &Value{V: raw.Value}, nil
	case "field":
		return &FieldRef{Name: raw.Name}, nil
	case "auth":
		return &AuthRef{Attr: raw.Attr}, nil
	case "relation":
		inner, err := DecodeExpression(raw.Expr)
		if err != nil {
			return nil, err
		}
		return &RelationRef{Relation: raw.Relation, Expr: inner}, nil
	case "compare":
		op, err := parseCompareOp(raw.Op)
		if err != nil {
			return nil, err
		}
		left, err := DecodeExpression(raw.Left)
		if err != nil {
			return nil, err
		}
		right, err := DecodeExpression(raw.Right)
		if err != nil {
			return nil, err
		}
		if left == nil || right == nil {
			return nil, fmt.Errorf("compare requires both operands")
		}
		return &Compare{Op: op, Left: left, Right: right}, nil
	case "and", "or":
		left, err := DecodeExpression(raw.Left)
		if err != nil {
			return nil, err
		}
		right, err := DecodeExpression(raw.Right)
		if err != nil {
			return nil, err
		}
		if left == nil || right == nil {
			return nil, fmt.Errorf("%s requires both operands", raw.Kind)
		}
		op := OpAnd
		if raw.Kind == "or" {
			op = OpOr
		}
		return &Logical{Op: op, Left: left, Right: right}, nil
	case "not":
		inner, err := DecodeExpression(raw.Expr)
		if err != nil {
			return nil, err
		}
		if inner == nil {
			return nil, fmt.Errorf("not requires an operand")
		}
		return &Logical{Op: OpNot, Left: inner}, nil
	case "cel":
		return &CELRule{Source: raw.Source}, nil
	default:
		return nil, fmt.Errorf("unknown expression kind %q", raw.Kind)
	}
}

func parseFieldType(s string) (FieldType, error) {
	switch s {
	case "int":
		return TypeInt, nil
	case "float":
		return TypeFloat, nil
	case "string":
		return TypeString, nil
	case "bool":
		return TypeBool, nil
	case "time":
		return TypeTime, nil
	default:
		return 0, fmt.Errorf("unknown field type %q", s)
	}
}

func parseRelationKind(s string) (RelationKind, error) {
	switch s {
	case "to_one":
		return ToOne, nil
	case "to_many":
		return ToMany, nil
	default:
		return 0, fmt.Errorf("unknown relation kind %q", s)
	}
}

func parseCompareOp(s string) (CompareOp, error) {
	switch s {
	case "eq":
		return OpEQ, nil
	case "neq":
		return OpNEQ, nil
	case "gt":
		return OpGT, nil
	case "gte":
		return OpGTE, nil
	case "lt":
		return OpLT, nil
	case "lte":
		return OpLTE, nil
	default:
		return 0, fmt.Errorf("unknown comparison operator %q", s)
	}
}
