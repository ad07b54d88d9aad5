// Package codec converts between the typed values a datastore's schemas
// describe and the primitive values the embedded SQLite engine stores.
//
// Storage encodings:
//
//	boolean        0 / 1
//	date           milliseconds since the Unix epoch, UTC
//	bigint         decimal text
//	object, array  JSON text
//	string, number unchanged
//
// FromStorageValue is the inverse of ToStorageValue for every type.
package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/roach88/datastore/internal/apierr"
	"github.com/roach88/datastore/internal/schema"
)

// BoundValues maps parameter keys to raw values. Positional parameters use
// the decimal index as key, starting at "1".
type BoundValues map[string]any

// ToPositionalMap keys values by 1-based position.
func ToPositionalMap(values []any) BoundValues {
	m := make(BoundValues, len(values))
	for i, v := range values {
		m[strconv.Itoa(i+1)] = v
	}
	return m
}

// Positional returns the value bound to $n.
func (b BoundValues) Positional(n int) (any, bool) {
	v, ok := b[strconv.Itoa(n)]
	return v, ok
}

// Args returns the values for $1..$n in order, for ordinal binding.
func (b BoundValues) Args(n int) ([]any, error) {
	args := make([]any, n)
	for i := 1; i <= n; i++ {
		v, ok := b.Positional(i)
		if !ok {
			return nil, apierr.NewMissingBoundValue(i)
		}
		args[i-1] = v
	}
	return args, nil
}

// ToStorageMap encodes every value with the type of the same-keyed field.
// Keys without a field are encoded by inferring the type from the Go value.
func ToStorageMap(values BoundValues, fields map[string]schema.Field) (BoundValues, error) {
	out := make(BoundValues, len(values))
	for k, v := range values {
		enc, err := ToStorageValue(fields[k].TypeName, v)
		if err != nil {
			return nil, fmt.Errorf("bound value %s: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

// ToStorageRecord encodes a record for insertion into a relation with fields o.
func ToStorageRecord(rec schema.Record, o schema.Object) (map[string]any, error) {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		enc, err := ToStorageValue(o[k].TypeName, v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = enc
	}
	return out, nil
}

// FromStorageRecord decodes a result row. Columns with no known field are
// decoded by inference.
func FromStorageRecord(row map[string]any, fieldFor func(column string) (schema.Field, bool)) (schema.Record, error) {
	out := make(schema.Record, len(row))
	for k, raw := range row {
		var typeName schema.TypeName
		if fieldFor != nil {
			if f, ok := fieldFor(k); ok {
				typeName = f.TypeName
			}
		}
		v, err := FromStorageValue(typeName, raw)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// ToStorageValue encodes v for storage as typeName. An empty typeName infers
// the encoding from v's Go type.
func ToStorageValue(typeName schema.TypeName, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typeName {
	case schema.TypeBoolean:
		switch b := v.(type) {
		case bool:
			return boolToInt(b), nil
		case int64, int:
			return v, nil
		}
	case schema.TypeDate:
		switch d := v.(type) {
		case time.Time:
			return d.UnixMilli(), nil
		case int64:
			return d, nil
		case int:
			return int64(d), nil
		case float64:
			if d == math.Trunc(d) {
				return int64(d), nil
			}
		case string:
			t, err := time.Parse(time.RFC3339Nano, d)
			if err != nil {
				return nil, fmt.Errorf("date %q: %w", d, err)
			}
			return t.UnixMilli(), nil
		}
	case schema.TypeBigint:
		switch n := v.(type) {
		case *big.Int:
			return n.String(), nil
		case big.Int:
			return n.String(), nil
		case int64:
			return strconv.FormatInt(n, 10), nil
		case int:
			return strconv.Itoa(n), nil
		case string:
			if _, ok := new(big.Int).SetString(n, 10); ok {
				return n, nil
			}
		}
	case schema.TypeObject, schema.TypeArray:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return marshalJSON(v)
	case schema.TypeString, schema.TypeNumber:
		return v, nil
	case "":
		return inferStorageValue(v)
	default:
		return nil, fmt.Errorf("unknown type %q", typeName)
	}
	return nil, fmt.Errorf("cannot encode %T as %s", v, typeName)
}

func inferStorageValue(v any) (any, error) {
	switch val := v.(type) {
	case bool:
		return boolToInt(val), nil
	case time.Time:
		return val.UnixMilli(), nil
	case *big.Int:
		return val.String(), nil
	case map[string]any, []any:
		return marshalJSON(val)
	}
	return v, nil
}

// FromStorageValue decodes raw as typeName. An empty typeName returns raw
// unchanged, except that BLOB bytes become a string.
func FromStorageValue(typeName schema.TypeName, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}
	switch typeName {
	case schema.TypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case int64:
			return v != 0, nil
		case int:
			return v != 0, nil
		case float64:
			return v != 0, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("boolean %q: %w", v, err)
			}
			return b, nil
		}
	case schema.TypeDate:
		switch v := raw.(type) {
		case time.Time:
			return v.UTC(), nil
		case int64:
			return time.UnixMilli(v).UTC(), nil
		case int:
			return time.UnixMilli(int64(v)).UTC(), nil
		case float64:
			return time.UnixMilli(int64(v)).UTC(), nil
		case string:
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				return time.UnixMilli(ms).UTC(), nil
			}
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("date %q: %w", v, err)
			}
			return t.UTC(), nil
		}
	case schema.TypeBigint:
		switch v := raw.(type) {
		case *big.Int:
			return v, nil
		case int64:
			return big.NewInt(v), nil
		case int:
			return big.NewInt(int64(v)), nil
		case float64:
			if v == math.Trunc(v) && math.Abs(v) < 1<<63 {
				return big.NewInt(int64(v)), nil
			}
		case string:
			n, ok := new(big.Int).SetString(v, 10)
			if !ok {
				return nil, fmt.Errorf("bigint %q is not a decimal integer", v)
			}
			return n, nil
		}
	case schema.TypeObject:
		switch v := raw.(type) {
		case map[string]any:
			return v, nil
		case string:
			var m map[string]any
			if err := json.Unmarshal([]byte(v), &m); err != nil {
				return nil, fmt.Errorf("object: %w", err)
			}
			return m, nil
		}
	case schema.TypeArray:
		switch v := raw.(type) {
		case []any:
			return v, nil
		case string:
			var a []any
			if err := json.Unmarshal([]byte(v), &a); err != nil {
				return nil, fmt.Errorf("array: %w", err)
			}
			return a, nil
		}
	case schema.TypeNumber:
		if s, ok := raw.(string); ok {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, nil
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f, nil
			}
		}
		return raw, nil
	case schema.TypeString, "":
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown type %q", typeName)
	}
	return nil, fmt.Errorf("cannot decode %T as %s", raw, typeName)
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(data), nil
}

// InferType returns the type name a Go value encodes as, or "" for values
// with no natural schema type.
func InferType(v any) schema.TypeName {
	switch v.(type) {
	case bool:
		return schema.TypeBoolean
	case string:
		return schema.TypeString
	case int, int32, int64, float32, float64, json.Number:
		return schema.TypeNumber
	case time.Time:
		return schema.TypeDate
	case *big.Int:
		return schema.TypeBigint
	case map[string]any:
		return schema.TypeObject
	case []any:
		return schema.TypeArray
	}
	return ""
}
