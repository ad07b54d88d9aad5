package schema

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"slices"
	"time"

	"github.com/roach88/datastore/internal/apierr"
)

// Mode controls how many violations are reported.
type Mode int

const (
	// CollectAll reports every violation. Used for caller-supplied input.
	CollectAll Mode = iota
	// FailFast stops at the first violation. Used for function output.
	FailFast
)

// ValidateInput checks rec against o and reports every violation.
func ValidateInput(o Object, rec Record) error {
	return Validate("input", o, rec, CollectAll)
}

// ValidateOutput checks rec against o and reports the first violation.
func ValidateOutput(o Object, rec Record) error {
	return Validate("output", o, rec, FailFast)
}

// Validate checks rec against o. Keys in rec that o does not declare are
// ignored. A nil schema accepts anything.
func Validate(subject string, o Object, rec Record, mode Mode) error {
	if o == nil {
		return nil
	}
	v := &validator{mode: mode}
	v.object("", o, rec)
	if len(v.errs) == 0 {
		return nil
	}
	return apierr.NewSchemaValidation(subject, v.errs)
}

type validator struct {
	mode Mode
	errs []apierr.FieldError
}

func (v *validator) done() bool {
	return v.mode == FailFast && len(v.errs) > 0
}

func (v *validator) fail(path, format string, args ...any) {
	v.errs = append(v.errs, apierr.FieldError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) object(prefix string, o Object, rec map[string]any) {
	for _, name := range o.Names() {
		if v.done() {
			return
		}
		v.field(join(prefix, name), o[name], rec[name])
	}
}

func (v *validator) field(path string, f Field, val any) {
	if val == nil {
		if !f.Optional {
			v.fail(path, "is required")
		}
		return
	}

	switch f.TypeName {
	case TypeString:
		s, ok := val.(string)
		if !ok {
			v.fail(path, "expected string, got %T", val)
			return
		}
		v.length(path, f, len([]rune(s)))
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				v.fail(path, "invalid pattern %q", f.Pattern)
			} else if !re.MatchString(s) {
				v.fail(path, "does not match pattern %q", f.Pattern)
			}
		}
		if len(f.Enum) > 0 && !slices.Contains(f.Enum, s) {
			v.fail(path, "must be one of %v", f.Enum)
		}
	case TypeNumber:
		n, ok := toFloat(val)
		if !ok {
			v.fail(path, "expected number, got %T", val)
			return
		}
		if f.Min != nil && n < *f.Min {
			v.fail(path, "must be >= %v", *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			v.fail(path, "must be <= %v", *f.Max)
		}
	case TypeBoolean:
		if _, ok := val.(bool); !ok {
			v.fail(path, "expected boolean, got %T", val)
		}
	case TypeDate:
		if _, ok := val.(time.Time); !ok {
			v.fail(path, "expected date, got %T", val)
		}
	case TypeBigint:
		switch val.(type) {
		case *big.Int, int64, int:
		default:
			v.fail(path, "expected bigint, got %T", val)
		}
	case TypeObject:
		m, ok := val.(map[string]any)
		if !ok {
			v.fail(path, "expected object, got %T", val)
			return
		}
		if f.Fields != nil {
			v.object(path, f.Fields, m)
		}
	case TypeArray:
		items, ok := val.([]any)
		if !ok {
			v.fail(path, "expected array, got %T", val)
			return
		}
		v.length(path, f, len(items))
		if f.Element != nil {
			for i, item := range items {
				if v.done() {
					return
				}
				v.field(fmt.Sprintf("%s[%d]", path, i), *f.Element, item)
			}
		}
	default:
		v.fail(path, "unknown type %q", f.TypeName)
	}
}

func (v *validator) length(path string, f Field, n int) {
	if f.MinLength != nil && n < *f.MinLength {
		v.fail(path, "length must be >= %d", *f.MinLength)
	}
	if f.MaxLength != nil && n > *f.MaxLength {
		v.fail(path, "length must be <= %d", *f.MaxLength)
	}
}

func toFloat(val any) (float64, bool) {
	switch n := val.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
