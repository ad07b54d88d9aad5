package codec

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/roach88/datastore/internal/apierr"
	"github.com/roach88/datastore/internal/schema"
	"github.com/roach88/datastore/internal/sqlparse"
)

// ExtractFunctionInput builds the input record for the named function from
// the arguments of its calls in stmt. Every call of the same function must
// pass the same arguments, since one relation is materialized per name.
func ExtractFunctionInput(stmt *sqlparse.Statement, name string, values BoundValues) (schema.Record, error) {
	var (
		input schema.Record
		first *sqlparse.FunctionRef
	)
	for _, call := range stmt.FunctionCalls() {
		if call.Name != name {
			continue
		}
		if first != nil {
			if !sameArgs(first, call) {
				return nil, apierr.NewInvalidSQLCommand(string(stmt.CommandType()),
					fmt.Sprintf("function %s is called with different arguments", name))
			}
			continue
		}
		first = call
		input = make(schema.Record, len(call.Args))
		for _, arg := range call.Args {
			v, err := literalValue(stmt, arg.Value, values)
			if err != nil {
				return nil, err
			}
			input[arg.Name] = v
		}
	}
	if input == nil {
		input = schema.Record{}
	}
	return input, nil
}

// ExtractFunctionCallInputs resolves every function the SELECT calls against
// schemasByName and returns each one's decoded input, keyed by name.
func ExtractFunctionCallInputs(stmt *sqlparse.Statement, schemasByName map[string]schema.Function, values BoundValues) (map[string]schema.Record, error) {
	if stmt.CommandType() != sqlparse.KindSelect {
		return nil, apierr.NewInvalidSQLCommand(string(stmt.CommandType()),
			"only SELECT may call runners or crawlers")
	}
	scope := stmt.Scope()
	inputs := make(map[string]schema.Record)
	for _, name := range stmt.FunctionNames() {
		if name == sqlparse.Sentinel {
			return nil, apierr.NewDatastoreNotFound(name)
		}
		if scope.Function != "" && name != scope.Function {
			return nil, apierr.NewUnauthorizedFunction(name)
		}
		fn, ok := schemasByName[name]
		if !ok {
			return nil, apierr.NewUnauthorizedFunction(name)
		}
		raw, err := ExtractFunctionInput(stmt, name, values)
		if err != nil {
			return nil, err
		}
		input := make(schema.Record, len(raw))
		for k, v := range raw {
			dec, err := FromStorageValue(fn.Input[k].TypeName, v)
			if err != nil {
				return nil, apierr.NewSchemaValidation(name+" input", []apierr.FieldError{
					{Path: k, Message: err.Error()},
				})
			}
			input[k] = dec
		}
		inputs[name] = input
	}
	return inputs, nil
}

// ToRecords decodes storage rows. The first object declaring a column
// decides its type.
func ToRecords(rows []map[string]any, objects ...schema.Object) ([]schema.Record, error) {
	fieldFor := func(col string) (schema.Field, bool) {
		for _, o := range objects {
			if f, ok := o[col]; ok {
				return f, true
			}
		}
		return schema.Field{}, false
	}
	out := make([]schema.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := FromStorageRecord(row, fieldFor)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func sameArgs(a, b *sqlparse.FunctionRef) bool {
	if len(a.Args) != len(b.Args) {
		return false
	}
	for i := range a.Args {
		if a.Args[i].Name != b.Args[i].Name ||
			sqlparse.ExprSQL(a.Args[i].Value) != sqlparse.ExprSQL(b.Args[i].Value) {
			return false
		}
	}
	return true
}

// literalValue evaluates a call argument. Arguments are literals, $N
// references, or a negated numeric literal.
func literalValue(stmt *sqlparse.Statement, e sqlparse.Expr, values BoundValues) (any, error) {
	switch e := e.(type) {
	case *sqlparse.StringLit:
		return e.Value, nil
	case *sqlparse.BoolLit:
		return e.Value, nil
	case *sqlparse.NullLit:
		return nil, nil
	case *sqlparse.NumberLit:
		return numberValue(e.Text, false)
	case *sqlparse.Param:
		v, ok := values.Positional(e.Index)
		if !ok {
			return nil, apierr.NewMissingBoundValue(e.Index)
		}
		return v, nil
	case *sqlparse.Paren:
		return literalValue(stmt, e.Expr, values)
	case *sqlparse.Unary:
		if n, ok := e.Expr.(*sqlparse.NumberLit); ok && (e.Op == "-" || e.Op == "+") {
			return numberValue(n.Text, e.Op == "-")
		}
	}
	return nil, apierr.NewMalformedSQL(stmt.Source(), 0, 0,
		fmt.Sprintf("function argument %s must be a literal or a $N parameter", sqlparse.ExprSQL(e)))
}

func numberValue(text string, negate bool) (any, error) {
	if negate {
		text = "-" + text
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return n, nil
	}
	if n, ok := new(big.Int).SetString(text, 10); ok {
		return n, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, fmt.Errorf("number %q: %w", text, err)
	}
	return f, nil
}
