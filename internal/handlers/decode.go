package handlers

import (
	"encoding/json"
	"fmt"

	"github.com/asakaida/banken/internal/entities"
)

// requestBody is the JSON payload accepted by every data operation.
// Fields irrelevant to an operation are ignored: a delete carries no
// data, a findMany carries no nested writes.
type requestBody struct {
	Where   json.RawMessage `json:"where"`
	Select  []string        `json:"select"`
	Include []includeBody   `json:"include"`
	Data    map[string]any  `json:"data"`
	Nested  []nestedBody    `json:"nested"`
	Limit   int             `json:"limit"`
}

type includeBody struct {
	Relation string          `json:"relation"`
	Where    json.RawMessage `json:"where"`
	Select   []string        `json:"select"`
	Include  []includeBody   `json:"include"`
}

type nestedBody struct {
	Relation string          `json:"relation"`
	Op       string          `json:"op"`
	Where    json.RawMessage `json:"where"`
	Data     map[string]any  `json:"data"`
	Nested   []nestedBody    `json:"nested"`
}

func decodeWhere(raw json.RawMessage) (entities.Expression, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	expr, err := entities.DecodeExpression(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid where: %w", err)
	}
	return expr, nil
}

func decodeIncludes(bodies []includeBody) ([]entities.Include, error) {
	if len(bodies) == 0 {
		return nil, nil
	}
	out := make([]entities.Include, 0, len(bodies))
	for _, b := range bodies {
		if b.Relation == "" {
			return nil, fmt.Errorf("include missing relation")
		}
		where, err := decodeWhere(b.Where)
		if err != nil {
			return nil, fmt.Errorf("include %q: %w", b.Relation, err)
		}
		nested, err := decodeIncludes(b.Include)
		if err != nil {
			return nil, fmt.Errorf("include %q: %w", b.Relation, err)
		}
		out = append(out, entities.Include{
			Relation: b.Relation,
			Where:    where,
			Select:   b.Select,
			Include:  nested,
		})
	}
	return out, nil
}

func decodeNested(bodies []nestedBody) ([]entities.NestedWrite, error) {
	if len(bodies) == 0 {
		return nil, nil
	}
	out := make([]entities.NestedWrite, 0, len(bodies))
	for _, b := range bodies {
		if b.Relation == "" {
			return nil, fmt.Errorf("nested write missing relation")
		}
		op, err := parseNestedOp(b.Op)
		if err != nil {
			return nil, fmt.Errorf("nested write on %q: %w", b.Relation, err)
		}
		where, err := decodeWhere(b.Where)
		if err != nil {
			return nil, fmt.Errorf("nested write on %q: %w", b.Relation, err)
		}
		children, err := decodeNested(b.Nested)
		if err != nil {
			return nil, fmt.Errorf("nested write on %q: %w", b.Relation, err)
		}
		out = append(out, entities.NestedWrite{
			Relation: b.Relation,
			Op:       op,
			Where:    where,
			Data:     entities.Row(b.Data),
			Nested:   children,
		})
	}
	return out, nil
}

func parseNestedOp(s string) (entities.NestedOpKind, error) {
	switch s {
	case "create":
		return entities.NestedCreate, nil
	case "connect":
		return entities.NestedConnect, nil
	case "update":
		return entities.NestedUpdate, nil
	case "updateMany":
		return entities.NestedUpdateMany, nil
	case "delete":
		return entities.NestedDelete, nil
	case "disconnect":
		return entities.NestedDisconnect, nil
	}
	return 0, fmt.Errorf("unknown nested op %q", s)
}
