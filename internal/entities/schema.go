package entities

import "fmt"

// Schema is the compiled policy model for a deployment: every entity type,
// its fields and relations, and the access policies attached to them.
// It is produced by the external schema compiler, validated once at load
// time, and shared read-only across all requests.
type Schema struct {
	Entities []*Entity
}

// GetEntity returns the entity definition by name, or nil if not defined.
func (s *Schema) GetEntity(name string) *Entity {
	for _, e := range s.Entities {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// Validate checks the structural integrity of the schema: unique entity
// names, resolvable relation targets and key fields, and field-level
// policies restricted to read/update actions.
func (s *Schema) Validate() error {
	seen := make(map[string]bool, len(s.Entities))
	for _, e := range s.Entities {
		if e.Name == "" {
			return fmt.Errorf("entity with empty name")
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate entity %q", e.Name)
		}
		seen[e.Name] = true
	}
	for _, e := range s.Entities {
		if err := e.validate(s); err != nil {
			return fmt.Errorf("entity %q: %w", e.Name, err)
		}
	}
	return nil
}

// Entity describes one named record type: its typed fields, its relations
// to other entity types, and its type-level policies.
type Entity struct {
	Name      string
	IDField   string // primary key field, "id" if empty
	Fields    []*Field
	Relations []*Relation
	Policies  []*Policy // type-level rules
}

// ID returns the primary key field name.
func (e *Entity) ID() string {
	if e.IDField == "" {
		return "id"
	}
	return e.IDField
}

// GetField returns the field definition by name, or nil if not defined.
func (e *Entity) GetField(name string) *Field {
	for _, f := range e.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// GetRelation returns the relation definition by name, or nil if not defined.
func (e *Entity) GetRelation(name string) *Relation {
	for _, r := range e.Relations {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// FieldNames returns the names of all declared fields.
func (e *Entity) FieldNames() []string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Name
	}
	return names
}

func (e *Entity) validate(s *Schema) error {
	if e.GetField(e.ID()) == nil {
		return fmt.Errorf("primary key field %q not declared", e.ID())
	}
	for _, f := range e.Fields {
		for _, p := range f.Policies {
			if p.Actions&^(ActionRead|ActionUpdate) != 0 {
				return fmt.Errorf("field %q: field-level policy actions limited to read/update, got %s", f.Name, p.Actions)
			}
		}
	}
	for _, r := range e.Relations {
		target := s.GetEntity(r.Target)
		if target == nil {
			return fmt.Errorf("relation %q: target entity %q not defined", r.Name, r.Target)
		}
		switch r.Kind {
		case ToOne:
			// FK lives on this entity and references the target.
			if e.GetField(r.ForeignKey) == nil {
				return fmt.Errorf("relation %q: foreign key field %q not declared", r.Name, r.ForeignKey)
			}
			if target.GetField(r.references(target)) == nil {
				return fmt.Errorf("relation %q: referenced field %q not declared on %q", r.Name, r.references(target), r.Target)
			}
		case ToMany:
			// FK lives on the target entity and references this entity.
			if target.GetField(r.ForeignKey) == nil {
				return fmt.Errorf("relation %q: foreign key field %q not declared on %q", r.Name, r.ForeignKey, r.Target)
			}
			if e.GetField(r.references(e)) == nil {
				return fmt.Errorf("relation %q: referenced field %q not declared", r.Name, r.references(e))
			}
		default:
			return fmt.Errorf("relation %q: unknown kind %d", r.Name, r.Kind)
		}
	}
	return nil
}

// Field is a typed scalar field of an entity, optionally carrying
// field-level read/update policies.
type Field struct {
	Name     string
	Type     FieldType
	Policies []*Policy // field-level rules (read/update only)
}

// FieldType enumerates the scalar types the engine understands. Values are
// already decoded by the adapter; the engine only needs types for native
// comparison semantics.
type FieldType uint8

const (
	TypeInt FieldType = iota
	TypeFloat
	TypeString
	TypeBool
	TypeTime
)

// RelationKind distinguishes to-one from to-many relations.
type RelationKind uint8

const (
	// ToOne is a relation holding at most one related row; the foreign key
	// lives on the declaring entity.
	ToOne RelationKind = iota
	// ToMany is a relation holding any number of related rows; the foreign
	// key lives on the target entity.
	ToMany
)

// Relation is a named, foreign-key-backed edge to another entity type.
// The relation graph may contain cycles; traversals are depth-bounded.
type Relation struct {
	Name       string
	Target     string       // target entity name
	Kind       RelationKind // ToOne or ToMany
	ForeignKey string       // FK field: on this entity for ToOne, on the target for ToMany
	References string       // referenced field on the other side, primary key if empty
}

// references resolves the referenced field name against the referenced
// entity (the target for ToOne, the declaring entity for ToMany).
func (r *Relation) references(referenced *Entity) string {
	if r.References == "" {
		return referenced.ID()
	}
	return r.References
}

// ReferencedField returns the field the foreign key points at, given the
// entity on the referenced side of the edge.
func (r *Relation) ReferencedField(referenced *Entity) string {
	return r.references(referenced)
}
