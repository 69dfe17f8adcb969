package entities

// Row is one entity instance as structured values: field name to scalar
// value, plus fetched relations keyed by relation name (a Row for to-one,
// a []Row for to-many). A relation key that is absent means the related
// rows have not been fetched, which is different from a to-one relation
// fetched as nil.
type Row map[string]any

// Has reports whether the row carries the given field or relation key.
func (r Row) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// Clone returns a deep copy of the row, including nested relation rows.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		switch nested := v.(type) {
		case Row:
			out[k] = nested.Clone()
		case []Row:
			rows := make([]Row, len(nested))
			for i, n := range nested {
				rows[i] = n.Clone()
			}
			out[k] = rows
		default:
			out[k] = v
		}
	}
	return out
}

// AuthContext is the caller-supplied identity attribute bundle. A nil
// context is valid and makes every expression referencing it evaluate to
// false.
type AuthContext map[string]any

// Get returns the attribute value, reporting whether it is present.
// Safe on a nil context.
func (a AuthContext) Get(attr string) (any, bool) {
	if a == nil {
		return nil, false
	}
	v, ok := a[attr]
	return v, ok
}
