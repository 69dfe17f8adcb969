package entities

import (
	"fmt"
	"strings"
)

// ActionSet is a bit set of CRUD operation kinds a policy applies to.
type ActionSet uint8

const (
	ActionCreate ActionSet = 1 << iota
	ActionRead
	ActionUpdate
	ActionDelete
)

// ActionAll matches every operation kind.
const ActionAll = ActionCreate | ActionRead | ActionUpdate | ActionDelete

// Has reports whether the set includes the given action.
func (s ActionSet) Has(a ActionSet) bool {
	return s&a != 0
}

func (s ActionSet) String() string {
	if s == ActionAll {
		return "all"
	}
	var parts []string
	if s.Has(ActionCreate) {
		parts = append(parts, "create")
	}
	if s.Has(ActionRead) {
		parts = append(parts, "read")
	}
	if s.Has(ActionUpdate) {
		parts = append(parts, "update")
	}
	if s.Has(ActionDelete) {
		parts = append(parts, "delete")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParseActionSet parses a comma-separated action list ("create,read", "all").
func ParseActionSet(s string) (ActionSet, error) {
	var set ActionSet
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "create":
			set |= ActionCreate
		case "read":
			set |= ActionRead
		case "update":
			set |= ActionUpdate
		case "delete":
			set |= ActionDelete
		case "all":
			set |= ActionAll
		case "":
		default:
			return 0, fmt.Errorf("unknown action %q", part)
		}
	}
	if set == 0 {
		return 0, fmt.Errorf("empty action set %q", s)
	}
	return set, nil
}

// Effect is the outcome a matching policy rule contributes.
type Effect uint8

const (
	Allow Effect = iota
	Deny
)

func (e Effect) String() string {
	if e == Deny {
		return "deny"
	}
	return "allow"
}

// Policy is one allow/deny rule attached to an entity (type-level) or to a
// single field (field-level, read/update only). Rules of the same scope
// combine as: any matching deny vetoes; otherwise at least one matching
// allow is required.
type Policy struct {
	Actions   ActionSet
	Effect    Effect
	Condition Expression
}
