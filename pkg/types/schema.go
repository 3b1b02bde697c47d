package types

import "fmt"

// SourceDefinition identifies the upstream connection and table a field was
// projected from. Connectors are external collaborators (see package
// connector); Dozer only needs to remember where a column came from for
// diagnostics and for connector-side schema reconciliation.
type SourceDefinition struct {
	ConnectionName string
	TableName      string
}

// FieldDefinition describes one column of a Schema.
type FieldDefinition struct {
	Name     string
	Type     Kind
	Nullable bool
	Source   SourceDefinition
}

// Schema is an ordered list of FieldDefinition plus the positions that form
// the primary key. An AppendOnly schema rejects Delete and Update.
type Schema struct {
	Fields       []FieldDefinition
	PrimaryIndex []int
	AppendOnly   bool
}

// Validate checks the primary_index invariant from §3: positions are valid,
// unique, and none of them reference a nullable field.
func (s Schema) Validate() error {
	seen := make(map[int]bool, len(s.PrimaryIndex))
	for _, pos := range s.PrimaryIndex {
		if pos < 0 || pos >= len(s.Fields) {
			return &SchemaError{Reason: fmt.Sprintf("primary_index position %d out of range [0,%d)", pos, len(s.Fields))}
		}
		if seen[pos] {
			return &SchemaError{Reason: fmt.Sprintf("primary_index position %d repeated", pos)}
		}
		seen[pos] = true
		if s.Fields[pos].Nullable {
			return &SchemaError{Reason: fmt.Sprintf("primary_index position %d (%s) is nullable", pos, s.Fields[pos].Name)}
		}
		if s.Fields[pos].Type == KindNull {
			return &SchemaError{Reason: fmt.Sprintf("primary_index position %d (%s) has Null type", pos, s.Fields[pos].Name)}
		}
	}
	return nil
}

// HasPrimaryKey reports whether the schema declares an explicit primary
// key. When false, the cache environment derives record identity from a
// content hash instead (§4.3).
func (s Schema) HasPrimaryKey() bool {
	return len(s.PrimaryIndex) > 0
}

// Equal reports whether two schemas are structurally identical. Used by the
// cache builder to detect schema drift on reopen (§4.3, §4.5).
func (s Schema) Equal(other Schema) bool {
	if s.AppendOnly != other.AppendOnly {
		return false
	}
	if len(s.Fields) != len(other.Fields) {
		return false
	}
	for i, f := range s.Fields {
		g := other.Fields[i]
		if f.Name != g.Name || f.Type != g.Type || f.Nullable != g.Nullable {
			return false
		}
	}
	if len(s.PrimaryIndex) != len(other.PrimaryIndex) {
		return false
	}
	for i, p := range s.PrimaryIndex {
		if other.PrimaryIndex[i] != p {
			return false
		}
	}
	return true
}
