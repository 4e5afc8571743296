// Package record defines the data model flowing through the analytics
// pipeline: parsed input records and the result events produced by analysis
// strategies.
package record

import (
	"fmt"

	"github.com/c360/mlstreams/errors"
)

// Schema is the fixed, ordered field-name set established by the first record
// of a stream. All records of a stream share one Schema; missing values are
// represented explicitly as empty strings, never by truncating the record.
type Schema struct {
	fields []string
	index  map[string]int
}

// NewSchema creates a schema from an ordered list of field names.
// Field names must be unique and non-empty.
func NewSchema(fields []string) (*Schema, error) {
	if len(fields) == 0 {
		return nil, errors.WrapInvalid(errors.ErrFieldMismatch, "Schema", "NewSchema", "empty field set")
	}

	index := make(map[string]int, len(fields))
	for i, name := range fields {
		if name == "" {
			return nil, errors.WrapInvalid(errors.ErrFieldMismatch, "Schema", "NewSchema",
				fmt.Sprintf("empty field name at position %d", i))
		}
		if _, dup := index[name]; dup {
			return nil, errors.WrapInvalid(errors.ErrFieldMismatch, "Schema", "NewSchema",
				fmt.Sprintf("duplicate field name %q", name))
		}
		index[name] = i
	}

	// Copy to decouple from the caller's slice
	owned := make([]string, len(fields))
	copy(owned, fields)

	return &Schema{fields: owned, index: index}, nil
}

// Fields returns the ordered field names. Callers must not mutate the slice.
func (s *Schema) Fields() []string {
	return s.fields
}

// Len returns the number of fields in the schema
func (s *Schema) Len() int {
	return len(s.fields)
}

// Index returns the position of a field name in the schema
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Record is one parsed logical row: an ordered mapping from field name to
// string value, positionally aligned with its Schema. Records are materialized
// fresh per input unit and consumed synchronously; the pipeline holds no
// long-lived ownership.
type Record struct {
	schema *Schema
	values []string
}

// NewRecord builds a record over the given schema. The value slice must have
// exactly one entry per schema field.
func NewRecord(schema *Schema, values []string) (Record, error) {
	if len(values) != schema.Len() {
		return Record{}, errors.WrapInvalid(errors.ErrFieldMismatch, "Record", "NewRecord",
			fmt.Sprintf("got %d values for %d fields", len(values), schema.Len()))
	}
	return Record{schema: schema, values: values}, nil
}

// Schema returns the schema this record belongs to
func (r Record) Schema() *Schema {
	return r.schema
}

// Get returns the value for a field name
func (r Record) Get(name string) (string, bool) {
	i, ok := r.schema.Index(name)
	if !ok {
		return "", false
	}
	return r.values[i], true
}

// Values returns the field values in schema order. Callers must not mutate
// the slice.
func (r Record) Values() []string {
	return r.values
}

// Map returns a fresh name-to-value map. Field ordering is lost; use
// Schema().Fields() alongside Values() when order matters.
func (r Record) Map() map[string]string {
	m := make(map[string]string, len(r.values))
	for i, name := range r.schema.fields {
		m[name] = r.values[i]
	}
	return m
}

// Equal reports whether two records carry the same fields and values in the
// same order
func (r Record) Equal(other Record) bool {
	if r.schema == nil || other.schema == nil {
		return r.schema == other.schema
	}
	if len(r.values) != len(other.values) {
		return false
	}
	for i := range r.values {
		if r.schema.fields[i] != other.schema.fields[i] || r.values[i] != other.values[i] {
			return false
		}
	}
	return true
}
