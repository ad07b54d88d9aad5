// Package apierr defines the error taxonomy shared by the parser, codec,
// executor and manifest packages.
//
// Every failure a client can observe is an *Error carrying a Code. Callers
// classify errors with the Is* helpers, which use errors.As and therefore
// see through fmt.Errorf("...: %w") wrapping.
package apierr

import (
	"errors"
	"fmt"
	"strings"
)

// Code categorizes datastore errors.
type Code string

const (
	// CodeMalformedSQL indicates the SQL text could not be parsed.
	CodeMalformedSQL Code = "MALFORMED_SQL"

	// CodeInvalidSQLCommand indicates a command kind not allowed in this context.
	CodeInvalidSQLCommand Code = "INVALID_SQL_COMMAND"

	// CodeUnauthorizedFunction indicates a call to a function outside the caller's scope.
	CodeUnauthorizedFunction Code = "UNAUTHORIZED_FUNCTION"

	// CodeUnauthorizedTable indicates a reference to a relation that is not exposed.
	CodeUnauthorizedTable Code = "UNAUTHORIZED_TABLE"

	// CodeDatastoreNotFound indicates an unknown version or an unresolved self reference.
	CodeDatastoreNotFound Code = "DATASTORE_NOT_FOUND"

	// CodeSchemaValidation indicates input or output values that violate a schema.
	CodeSchemaValidation Code = "SCHEMA_VALIDATION"

	// CodeManifestValidation indicates a manifest that fails structural validation.
	CodeManifestValidation Code = "MANIFEST_VALIDATION"

	// CodeInvalidVersionHash indicates a malformed version hash.
	CodeInvalidVersionHash Code = "INVALID_VERSION_HASH"

	// CodeMissingBoundValue indicates a $N parameter with no bound value.
	CodeMissingBoundValue Code = "MISSING_BOUND_VALUE"
)

// FieldError describes one violation at a dotted field path.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	if f.Path == "" {
		return f.Message
	}
	return f.Path + ": " + f.Message
}

// Error is the structured error returned across package boundaries.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// SQL holds the offending statement for parser errors.
	SQL string

	// Fields lists every schema or manifest violation, in discovery order.
	Fields []FieldError

	// Details contains additional context.
	Details map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Fields) > 0 {
		parts := make([]string, len(e.Fields))
		for i, f := range e.Fields {
			parts[i] = f.String()
		}
		b.WriteString(" [")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString("]")
	}
	return b.String()
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsMalformedSQL reports whether err is a parse failure.
func IsMalformedSQL(err error) bool { return is(err, CodeMalformedSQL) }

// IsInvalidSQLCommand reports whether err rejects the command kind.
func IsInvalidSQLCommand(err error) bool { return is(err, CodeInvalidSQLCommand) }

// IsUnauthorizedFunction reports whether err rejects a function reference.
func IsUnauthorizedFunction(err error) bool { return is(err, CodeUnauthorizedFunction) }

// IsUnauthorizedTable reports whether err rejects a relation reference.
func IsUnauthorizedTable(err error) bool { return is(err, CodeUnauthorizedTable) }

// IsDatastoreNotFound reports whether err is an unknown-datastore failure.
func IsDatastoreNotFound(err error) bool { return is(err, CodeDatastoreNotFound) }

// IsSchemaValidation reports whether err is a schema violation.
func IsSchemaValidation(err error) bool { return is(err, CodeSchemaValidation) }

// IsManifestValidation reports whether err is a manifest violation.
func IsManifestValidation(err error) bool { return is(err, CodeManifestValidation) }

// IsInvalidVersionHash reports whether err rejects a version hash.
func IsInvalidVersionHash(err error) bool { return is(err, CodeInvalidVersionHash) }

// IsMissingBoundValue reports whether err is an unresolved $N parameter.
func IsMissingBoundValue(err error) bool { return is(err, CodeMissingBoundValue) }

// NewMalformedSQL creates an error for SQL that failed to parse.
func NewMalformedSQL(sql string, line, col int, msg string) *Error {
	return &Error{
		Code:    CodeMalformedSQL,
		Message: fmt.Sprintf("%d:%d: %s", line, col, msg),
		SQL:     sql,
		Details: map[string]string{
			"line":   fmt.Sprintf("%d", line),
			"column": fmt.Sprintf("%d", col),
		},
	}
}

// NewInvalidSQLCommand creates an error for a disallowed command kind.
func NewInvalidSQLCommand(command, reason string) *Error {
	return &Error{
		Code:    CodeInvalidSQLCommand,
		Message: fmt.Sprintf("invalid SQL command %q: %s", command, reason),
		Details: map[string]string{"command": command},
	}
}

// NewUnauthorizedFunction creates an error for a function outside the caller's scope.
func NewUnauthorizedFunction(name string) *Error {
	return &Error{
		Code:    CodeUnauthorizedFunction,
		Message: fmt.Sprintf("function %q is not available to this query", name),
		Details: map[string]string{"function": name},
	}
}

// NewUnauthorizedTable creates an error for a relation that is not exposed.
func NewUnauthorizedTable(name string) *Error {
	return &Error{
		Code:    CodeUnauthorizedTable,
		Message: fmt.Sprintf("table %q is not available to this query", name),
		Details: map[string]string{"table": name},
	}
}

// NewDatastoreNotFound creates an error for an unknown version or unresolved self.
func NewDatastoreNotFound(ref string) *Error {
	return &Error{
		Code:    CodeDatastoreNotFound,
		Message: fmt.Sprintf("datastore %q not found", ref),
		Details: map[string]string{"ref": ref},
	}
}

// NewSchemaValidation creates an error listing schema violations.
func NewSchemaValidation(subject string, fields []FieldError) *Error {
	return &Error{
		Code:    CodeSchemaValidation,
		Message: fmt.Sprintf("%s does not match schema", subject),
		Fields:  fields,
	}
}

// NewManifestValidation creates an error listing manifest violations.
func NewManifestValidation(path string, fields []FieldError) *Error {
	e := &Error{
		Code:    CodeManifestValidation,
		Message: "manifest failed validation",
		Fields:  fields,
	}
	if path != "" {
		e.Message = fmt.Sprintf("manifest %s failed validation", path)
		e.Details = map[string]string{"path": path}
	}
	return e
}

// NewInvalidVersionHash creates an error for a malformed version hash.
func NewInvalidVersionHash(hash string) *Error {
	return &Error{
		Code:    CodeInvalidVersionHash,
		Message: fmt.Sprintf("invalid version hash %q", hash),
		Details: map[string]string{"versionHash": hash},
	}
}

// NewMissingBoundValue creates an error for a $N parameter with no value.
func NewMissingBoundValue(index int) *Error {
	return &Error{
		Code:    CodeMissingBoundValue,
		Message: fmt.Sprintf("no bound value for parameter $%d", index),
		Details: map[string]string{"index": fmt.Sprintf("%d", index)},
	}
}
