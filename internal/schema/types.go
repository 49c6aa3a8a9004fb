// Package schema describes the models that can be imported and exported:
// their fields, declared field types and primary keys.
package schema

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownModel is returned when a model name is not in the catalog.
	ErrUnknownModel = errors.New("unknown model")

	// ErrUnknownField is returned when a field name is not declared on a model.
	ErrUnknownField = errors.New("unknown field")

	// ErrUnknownFieldType is returned when a type tag does not name a supported field type.
	ErrUnknownFieldType = errors.New("unknown field type")
)

// FieldType is the declared type of a model field.
// The set is closed: every variant has exactly one coercion rule.
type FieldType int

const (
	FieldString FieldType = iota
	FieldText
	FieldSelection
	FieldBoolean
	FieldInteger
	FieldBigInteger
	FieldFloat
	FieldDecimal
	FieldDate
	FieldDateTime
	FieldTime
	FieldInterval
	FieldJSON
	FieldLargeBinary
	FieldMany2One
	FieldOne2One
	FieldMany2Many
	FieldOne2Many
)

var fieldTypeNames = map[FieldType]string{
	FieldString:      "String",
	FieldText:        "Text",
	FieldSelection:   "Selection",
	FieldBoolean:     "Boolean",
	FieldInteger:     "Integer",
	FieldBigInteger:  "BigInteger",
	FieldFloat:       "Float",
	FieldDecimal:     "Decimal",
	FieldDate:        "Date",
	FieldDateTime:    "DateTime",
	FieldTime:        "Time",
	FieldInterval:    "Interval",
	FieldJSON:        "Json",
	FieldLargeBinary: "LargeBinary",
	FieldMany2One:    "Many2One",
	FieldOne2One:     "One2One",
	FieldMany2Many:   "Many2Many",
	FieldOne2Many:    "One2Many",
}

// String returns the canonical tag of the field type.
func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

// ParseFieldType converts a type tag into a FieldType.
// Matching ignores case and underscores, so "Large_Binary", "largebinary"
// and "LargeBinary" are the same tag.
func ParseFieldType(tag string) (FieldType, error) {
	want := normalizeTag(tag)
	for t, name := range fieldTypeNames {
		if normalizeTag(name) == want {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFieldType, tag)
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(tag), "_", ""))
}

// IsRelation reports whether values of this type reference records of another model.
func (t FieldType) IsRelation() bool {
	switch t {
	case FieldMany2One, FieldOne2One, FieldMany2Many, FieldOne2Many:
		return true
	}
	return false
}

// IsMulti reports whether the relation holds a sequence of records.
func (t FieldType) IsMulti() bool {
	return t == FieldMany2Many || t == FieldOne2Many
}

// Field describes one column of a model.
type Field struct {
	Name          string    // Field name as used in payloads and export paths
	Type          FieldType // Declared type
	PrimaryKey    bool      // Part of the model's primary key
	AutoIncrement bool      // Integer primary key assigned by the store when absent
	Required      bool      // Must carry a value on insert
	Target        string    // Related model for relation fields
}

// Model describes a record type known to the catalog.
type Model struct {
	Name   string
	Fields []Field
}

// Field returns the named field.
func (m *Model) Field(name string) (Field, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// PrimaryKeyFields returns the primary key field names in declaration order.
func (m *Model) PrimaryKeyFields() []string {
	var names []string
	for _, f := range m.Fields {
		if f.PrimaryKey {
			names = append(names, f.Name)
		}
	}
	return names
}

// Lookup is the read-only view of the catalog used by the storage,
// mapping and import layers.
type Lookup interface {
	Model(name string) (*Model, bool)
	PrimaryKeyFields(model string) ([]string, error)
	FieldType(model, field string) (FieldType, error)
}
