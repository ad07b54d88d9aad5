// Package schema models the typed fields that describe function inputs,
// function outputs and table columns, and validates records against them.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// TypeName is the closed set of field types.
type TypeName string

const (
	TypeString  TypeName = "string"
	TypeNumber  TypeName = "number"
	TypeBoolean TypeName = "boolean"
	TypeDate    TypeName = "date"
	TypeBigint  TypeName = "bigint"
	TypeObject  TypeName = "object"
	TypeArray   TypeName = "array"
)

// Valid reports whether t is one of the known type names.
func (t TypeName) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeDate, TypeBigint, TypeObject, TypeArray:
		return true
	}
	return false
}

// Record is one row of function output or table data.
type Record = map[string]any

// Field describes a single typed value.
type Field struct {
	TypeName    TypeName `json:"typeName"`
	Optional    bool     `json:"optional,omitempty"`
	Description string   `json:"description,omitempty"`

	// Numeric bounds for number fields.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// Length bounds for strings and arrays.
	MinLength *int `json:"minLength,omitempty"`
	MaxLength *int `json:"maxLength,omitempty"`

	// Pattern is a regular expression string fields must match.
	Pattern string `json:"pattern,omitempty"`

	// Enum restricts string fields to a fixed set.
	Enum []string `json:"enum,omitempty"`

	// Fields describes the members of an object field.
	Fields map[string]Field `json:"fields,omitempty"`

	// Element describes the items of an array field.
	Element *Field `json:"element,omitempty"`
}

// Object is a set of named fields, the shape of a function's input or output.
type Object map[string]Field

// Names returns the field names in sorted order.
func (o Object) Names() []string {
	names := make([]string, 0, len(o))
	for name := range o {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Function is the schema of one callable unit.
type Function struct {
	Input  Object `json:"input,omitempty"`
	Output Object `json:"output,omitempty"`
}

// Column is one named field of a table, in declaration order.
type Column struct {
	Name string `json:"name"`
	Field
}

// Table is the schema of a persisted relation.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`

	// IsPublic is false for private tables, which are excluded from
	// published manifests but still usable by the datastore's own code.
	IsPublic bool `json:"isPublic"`
}

// Column looks up a column by name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Fields returns the table's columns as an Object.
func (t Table) Fields() Object {
	o := make(Object, len(t.Columns))
	for _, c := range t.Columns {
		o[c.Name] = c.Field
	}
	return o
}

// MarshalFunctionJSON renders a function schema in the manifest's schemaAsJson form.
func MarshalFunctionJSON(fn Function) (json.RawMessage, error) {
	data, err := json.Marshal(fn)
	if err != nil {
		return nil, fmt.Errorf("marshal function schema: %w", err)
	}
	return data, nil
}

// MarshalTableJSON renders a table schema in the manifest's schemaAsJson form.
func MarshalTableJSON(t Table) (json.RawMessage, error) {
	data, err := json.Marshal(t.Fields())
	if err != nil {
		return nil, fmt.Errorf("marshal table schema: %w", err)
	}
	return data, nil
}
