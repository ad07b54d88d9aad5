// Package definition loads datastore definitions written in CUE.
//
// A definition declares the datastore's metadata, its runners and
// crawlers with their prices and schemas, and its tables with optional
// seed rows:
//
//	name:        "cities"
//	coreVersion: "2.0.0"
//	runners: lookup: {
//		pricePerQuery: 100
//		schema: input: city: typeName:  "string"
//		schema: output: country: typeName: "string"
//	}
//	tables: capitals: {
//		schema: {
//			city: typeName:    "string"
//			country: typeName: "string"
//		}
//		seedlings: [{city: "Paris", country: "France"}]
//	}
//
// The file is unified with the embedded #Datastore schema before it is
// read, so defaults apply and unknown fields are rejected.
package definition

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/roach88/datastore/internal/manifest"
	"github.com/roach88/datastore/internal/schema"
	"github.com/roach88/datastore/internal/storage"
)

// Function is a runner or crawler declaration.
type Function struct {
	Name           string
	Crawler        bool
	Schema         schema.Function
	PricePerQuery  int64
	MinimumPrice   *int64
	PerKb          *int64
	CorePlugins    map[string]string
	InputExamples  []schema.Record
	OutputExamples []schema.Record
}

// Price returns the function's own price tier. The minimum defaults to
// the per-query price.
func (f Function) Price() manifest.Price {
	p := manifest.Price{PerQuery: f.PricePerQuery, Minimum: f.PricePerQuery}
	if f.MinimumPrice != nil {
		p.Minimum = *f.MinimumPrice
	}
	if f.PerKb != nil {
		kb := *f.PerKb
		p.AddOns = &manifest.PriceAddOns{PerKb: &kb}
	}
	return p
}

// Table is a table declaration with its seed rows.
type Table struct {
	schema.Table
	PricePerQuery int64
	Seedlings     []schema.Record
}

// Definition is a loaded datastore definition.
type Definition struct {
	// Path is the file the definition was read from.
	Path string

	// ScriptHash identifies the definition's bytes.
	ScriptHash string

	Metadata manifest.Metadata
	Runners  map[string]Function
	Crawlers map[string]Function

	// Tables keep declaration order.
	Tables []Table
}

// Function returns the runner or crawler with the given name.
func (d *Definition) Function(name string) (Function, bool) {
	if fn, ok := d.Runners[name]; ok {
		return fn, true
	}
	fn, ok := d.Crawlers[name]
	return fn, ok
}

// FunctionSchemas returns the schema of every runner and crawler.
func (d *Definition) FunctionSchemas() map[string]schema.Function {
	out := make(map[string]schema.Function, len(d.Runners)+len(d.Crawlers))
	for name, fn := range d.Runners {
		out[name] = fn.Schema
	}
	for name, fn := range d.Crawlers {
		out[name] = fn.Schema
	}
	return out
}

// Table returns the table with the given name.
func (d *Definition) Table(name string) (Table, bool) {
	for _, t := range d.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// TableSpecs returns every table, public or private, ready for storage.
func (d *Definition) TableSpecs() []storage.TableSpec {
	specs := make([]storage.TableSpec, len(d.Tables))
	for i, t := range d.Tables {
		specs[i] = storage.TableSpec{Table: t.Table, Seedlings: t.Seedlings}
	}
	return specs
}

// UpdateInput converts the definition into manifest entries. Private
// tables are left out of the manifest.
func (d *Definition) UpdateInput(timestamp int64) (manifest.UpdateInput, error) {
	in := manifest.UpdateInput{
		Entrypoint:      d.Path,
		ScriptHash:      d.ScriptHash,
		Timestamp:       timestamp,
		SchemaInterface: d.SchemaInterface(),
		Runners:         make(map[string]manifest.FunctionEntry, len(d.Runners)),
		Crawlers:        make(map[string]manifest.FunctionEntry, len(d.Crawlers)),
		Tables:          make(map[string]manifest.TableEntry, len(d.Tables)),
		Metadata:        d.Metadata,
	}
	for _, group := range []struct {
		fns map[string]Function
		out map[string]manifest.FunctionEntry
	}{{d.Runners, in.Runners}, {d.Crawlers, in.Crawlers}} {
		for name, fn := range group.fns {
			raw, err := functionJSON(fn)
			if err != nil {
				return in, fmt.Errorf("%s: %w", name, err)
			}
			group.out[name] = manifest.FunctionEntry{
				CorePlugins:  fn.CorePlugins,
				Prices:       []manifest.Price{fn.Price()},
				SchemaAsJSON: raw,
			}
		}
	}
	for _, t := range d.Tables {
		if !t.IsPublic {
			continue
		}
		raw, err := schema.MarshalTableJSON(t.Table)
		if err != nil {
			return in, err
		}
		in.Tables[t.Name] = manifest.TableEntry{
			Prices:       []manifest.TablePrice{{PerQuery: t.PricePerQuery}},
			SchemaAsJSON: raw,
		}
	}
	return in, nil
}

func functionJSON(fn Function) (json.RawMessage, error) {
	doc := map[string]any{}
	if len(fn.Schema.Input) > 0 {
		doc["input"] = fn.Schema.Input
	}
	if len(fn.Schema.Output) > 0 {
		doc["output"] = fn.Schema.Output
	}
	if len(fn.InputExamples) > 0 {
		doc["inputExamples"] = fn.InputExamples
	}
	if len(fn.OutputExamples) > 0 {
		doc["outputExamples"] = fn.OutputExamples
	}
	if len(doc) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	return data, nil
}

func sortedNames(fns map[string]Function) []string {
	names := make([]string, 0, len(fns))
	for name := range fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
