package definition

import (
	_ "embed"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/datastore/internal/canon"
	"github.com/roach88/datastore/internal/schema"
)

//go:embed definition.cue
var schemaSource string

// CompileError reports an invalid definition, with the CUE position of the
// first problem when one is known.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Load reads and compiles the definition file at path.
func Load(path string) (*Definition, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return Parse(abs, src)
}

// Parse compiles definition source. filename labels positions and becomes
// the definition's Path.
func Parse(filename string, src []byte) (*Definition, error) {
	ctx := cuecontext.New()
	def := ctx.CompileString(schemaSource, cue.Filename("definition.cue")).
		LookupPath(cue.ParsePath("#Datastore"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	v = def.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	scriptHash, err := canon.ScriptHash(src)
	if err != nil {
		return nil, err
	}
	d := &Definition{
		Path:       filename,
		ScriptHash: scriptHash,
		Runners:    map[string]Function{},
		Crawlers:   map[string]Function{},
	}
	if err := d.readMetadata(v); err != nil {
		return nil, err
	}
	for _, group := range []struct {
		path    string
		crawler bool
		out     map[string]Function
	}{{"runners", false, d.Runners}, {"crawlers", true, d.Crawlers}} {
		if err := readFunctions(v.LookupPath(cue.ParsePath(group.path)), group.crawler, group.out); err != nil {
			return nil, err
		}
	}
	tables, err := readTables(v.LookupPath(cue.ParsePath("tables")))
	if err != nil {
		return nil, err
	}
	d.Tables = tables

	if err := d.checkNames(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Definition) readMetadata(v cue.Value) error {
	d.Metadata.Name, _ = optString(v, "name")
	d.Metadata.Domain, _ = optString(v, "domain")
	d.Metadata.PaymentAddress, _ = optString(v, "paymentAddress")
	core, ok := optString(v, "coreVersion")
	if !ok || core == "" {
		return &CompileError{Field: "coreVersion", Message: "datastore must specify a coreVersion"}
	}
	d.Metadata.CoreVersion = core

	ids, err := stringList(v.LookupPath(cue.ParsePath("adminIdentities")))
	if err != nil {
		return &CompileError{Field: "adminIdentities", Message: err.Error()}
	}
	d.Metadata.AdminIdentities = ids
	return nil
}

func readFunctions(v cue.Value, crawler bool, out map[string]Function) error {
	iter, err := v.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Label()
		fv := iter.Value()
		fn := Function{Name: name, Crawler: crawler, CorePlugins: map[string]string{}}

		if n, ok := optInt(fv, "pricePerQuery"); ok {
			fn.PricePerQuery = n
		}
		if n, ok := optInt(fv, "minimumPrice"); ok {
			fn.MinimumPrice = &n
		}
		if n, ok := optInt(fv, "addOnPricing.perKb"); ok {
			fn.PerKb = &n
		}
		if err := fv.LookupPath(cue.ParsePath("corePlugins")).Decode(&fn.CorePlugins); err != nil {
			return compileErrorAt(fv, name+".corePlugins", err)
		}
		for _, part := range []struct {
			path string
			dst  *schema.Object
		}{{"schema.input", &fn.Schema.Input}, {"schema.output", &fn.Schema.Output}} {
			sv := fv.LookupPath(cue.ParsePath(part.path))
			if !sv.Exists() || !sv.IsConcrete() {
				continue
			}
			if err := sv.Decode(part.dst); err != nil {
				return compileErrorAt(sv, name+"."+part.path, err)
			}
		}
		if fn.InputExamples, err = records(fv, "schema.inputExamples"); err != nil {
			return compileErrorAt(fv, name+".schema.inputExamples", err)
		}
		if fn.OutputExamples, err = records(fv, "outputExamples"); err != nil {
			return compileErrorAt(fv, name+".outputExamples", err)
		}
		for i, ex := range fn.OutputExamples {
			if err := coerceRecord(fn.Schema.Output, ex); err != nil {
				return compileErrorAt(fv, fmt.Sprintf("%s.outputExamples[%d]", name, i), err)
			}
			if err := schema.ValidateOutput(fn.Schema.Output, ex); err != nil {
				return compileErrorAt(fv, fmt.Sprintf("%s.outputExamples[%d]", name, i), err)
			}
		}
		out[name] = fn
	}
	return nil
}

func readTables(v cue.Value) ([]Table, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var tables []Table
	for iter.Next() {
		name := iter.Label()
		tv := iter.Value()
		t := Table{Table: schema.Table{Name: name, IsPublic: true}}

		if n, ok := optInt(tv, "pricePerQuery"); ok {
			t.PricePerQuery = n
		}
		if pub, err := defaulted(tv, "isPublic").Bool(); err == nil {
			t.IsPublic = pub
		}

		cols, err := tv.LookupPath(cue.ParsePath("schema")).Fields()
		if err != nil {
			return nil, compileErrorAt(tv, name+".schema", err)
		}
		for cols.Next() {
			var f schema.Field
			if err := cols.Value().Decode(&f); err != nil {
				return nil, compileErrorAt(cols.Value(), name+".schema."+cols.Label(), err)
			}
			t.Columns = append(t.Columns, schema.Column{Name: cols.Label(), Field: f})
		}
		if len(t.Columns) == 0 {
			return nil, compileErrorAt(tv, name+".schema", fmt.Errorf("table has no columns"))
		}

		rows, err := records(tv, "seedlings")
		if err != nil {
			return nil, compileErrorAt(tv, name+".seedlings", err)
		}
		fields := t.Fields()
		for i, row := range rows {
			if err := coerceRecord(fields, row); err != nil {
				return nil, compileErrorAt(tv, fmt.Sprintf("%s.seedlings[%d]", name, i), err)
			}
		}
		t.Seedlings = rows
		tables = append(tables, t)
	}
	return tables, nil
}

// checkNames rejects names shared between runners, crawlers and tables,
// since all three live in one SQL namespace.
func (d *Definition) checkNames() error {
	seen := make(map[string]string)
	claim := func(name, kind string) error {
		if prev, ok := seen[name]; ok {
			return &CompileError{Field: name, Message: fmt.Sprintf("%s name already used by a %s", kind, prev)}
		}
		seen[name] = kind
		return nil
	}
	for _, name := range sortedNames(d.Runners) {
		if err := claim(name, "runner"); err != nil {
			return err
		}
	}
	for _, name := range sortedNames(d.Crawlers) {
		if err := claim(name, "crawler"); err != nil {
			return err
		}
	}
	for _, t := range d.Tables {
		if err := claim(t.Name, "table"); err != nil {
			return err
		}
	}
	return nil
}

// coerceRecord converts date and bigint literals to their schema types.
func coerceRecord(fields schema.Object, rec schema.Record) error {
	for name, val := range rec {
		f, ok := fields[name]
		if !ok || val == nil {
			continue
		}
		switch f.TypeName {
		case schema.TypeDate:
			switch x := val.(type) {
			case string:
				t, err := time.Parse(time.RFC3339Nano, x)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				rec[name] = t.UTC()
			case int64:
				rec[name] = time.UnixMilli(x).UTC()
			}
		case schema.TypeBigint:
			if x, ok := val.(int64); ok {
				rec[name] = big.NewInt(x)
			}
		}
	}
	return nil
}

func defaulted(v cue.Value, path string) cue.Value {
	fv := v.LookupPath(cue.ParsePath(path))
	if d, ok := fv.Default(); ok {
		return d
	}
	return fv
}

func optString(v cue.Value, path string) (string, bool) {
	fv := defaulted(v, path)
	if !fv.Exists() || !fv.IsConcrete() {
		return "", false
	}
	s, err := fv.String()
	return s, err == nil
}

func optInt(v cue.Value, path string) (int64, bool) {
	fv := defaulted(v, path)
	if !fv.Exists() || !fv.IsConcrete() {
		return 0, false
	}
	n, err := fv.Int64()
	return n, err == nil
}

func stringList(v cue.Value) ([]string, error) {
	out := []string{}
	if d, ok := v.Default(); ok {
		v = d
	}
	if !v.Exists() {
		return out, nil
	}
	iter, err := v.List()
	if err != nil {
		return nil, err
	}
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// records reads an optional list of structs as schema records.
func records(v cue.Value, path string) ([]schema.Record, error) {
	lv := defaulted(v, path)
	if !lv.Exists() || !lv.IsConcrete() {
		return nil, nil
	}
	iter, err := lv.List()
	if err != nil {
		return nil, err
	}
	var out []schema.Record
	for iter.Next() {
		val, err := toGo(iter.Value())
		if err != nil {
			return nil, err
		}
		rec, ok := val.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected a struct, got %T", val)
		}
		out = append(out, rec)
	}
	return out, nil
}

// toGo converts a concrete CUE value into plain Go values: int64 or
// *big.Int for integers, float64 for other numbers.
func toGo(v cue.Value) (any, error) {
	if d, ok := v.Default(); ok {
		v = d
	}
	switch v.Kind() {
	case cue.NullKind:
		return nil, nil
	case cue.BoolKind:
		return v.Bool()
	case cue.StringKind:
		return v.String()
	case cue.IntKind:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		return v.Int(nil)
	case cue.FloatKind, cue.NumberKind:
		return v.Float64()
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, err
		}
		out := map[string]any{}
		for iter.Next() {
			val, err := toGo(iter.Value())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", iter.Label(), err)
			}
			out[iter.Label()] = val
		}
		return out, nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, err
		}
		out := []any{}
		for iter.Next() {
			val, err := toGo(iter.Value())
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value of kind %s", v.Kind())
	}
}

func compileErrorAt(v cue.Value, field string, err error) error {
	return &CompileError{Field: field, Message: err.Error(), Pos: v.Pos()}
}

// formatCUEError keeps the first error, preferring a position in the
// user's file over one in the embedded schema.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	field := "cue"
	if path := first.Path(); len(path) > 0 {
		field = path[len(path)-1]
	}
	msg := first.Error()
	if len(errs) > 1 {
		msg = fmt.Sprintf("%s (and %d more errors)", msg, len(errs)-1)
	}
	ce := &CompileError{Field: field, Message: msg}
	for _, pos := range errors.Positions(first) {
		if !ce.Pos.IsValid() {
			ce.Pos = pos
		}
		if pos.Filename() != "definition.cue" {
			ce.Pos = pos
			break
		}
	}
	return ce
}
