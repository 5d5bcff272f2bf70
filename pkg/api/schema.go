package api

// SchemaColumn is one named, typed column.
type SchemaColumn struct {
	Name     string `json:"name" bson:"name"`
	Type     string `json:"type" bson:"type"`
	Nullable bool   `json:"nullable,omitempty" bson:"nullable,omitempty"`
}

// Schema is an ordered list of columns. Order is for display only; Equal
// compares by (name, type) set membership.
type Schema []SchemaColumn

// Equal reports whether s and other contain the same (name, type) pairs.
// A nil schema equals an empty one.
func (s Schema) Equal(other Schema) bool {
	a := s.keySet()
	b := other.keySet()
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of s.
func (s Schema) Clone() Schema {
	if s == nil {
		return nil
	}
	return append(Schema(nil), s...)
}

// Column looks up a column by name.
func (s Schema) Column(name string) (SchemaColumn, bool) {
	for _, c := range s {
		if c.Name == name {
			return c, true
		}
	}
	return SchemaColumn{}, false
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.Name
	}
	return out
}

type columnKey struct {
	name string
	typ  string
}

func (s Schema) keySet() map[columnKey]struct{} {
	set := make(map[columnKey]struct{}, len(s))
	for _, c := range s {
		set[columnKey{name: c.Name, typ: c.Type}] = struct{}{}
	}
	return set
}
