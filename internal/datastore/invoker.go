package datastore

import (
	"context"
	"fmt"

	"github.com/roach88/datastore/internal/codec"
	"github.com/roach88/datastore/internal/schema"
)

// Invoker runs a runner or crawler. Implementations call emit once per
// output row, in order, and return when the function finishes.
type Invoker interface {
	Invoke(ctx context.Context, name string, input schema.Record, emit func(schema.Record) error) error
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, name string, input schema.Record, emit func(schema.Record) error) error

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, name string, input schema.Record, emit func(schema.Record) error) error {
	return f(ctx, name, input, emit)
}

// ExampleInvoker replays each function's published output examples. It
// lets a node answer queries for a version before any sandbox is wired
// in, and keeps CLI runs deterministic.
type ExampleInvoker struct {
	Version *Version
}

// Invoke emits the output examples of name.
func (e ExampleInvoker) Invoke(ctx context.Context, name string, _ schema.Record, emit func(schema.Record) error) error {
	if _, ok := e.Version.Function(name); !ok {
		return fmt.Errorf("no runner or crawler named %q", name)
	}
	for _, rec := range e.Version.OutputExamples(name) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(copyRecord(rec)); err != nil {
			return err
		}
	}
	return nil
}

func copyRecord(rec schema.Record) schema.Record {
	out := make(schema.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// decodeRecord types a JSON-decoded example row by the output schema.
func decodeRecord(raw map[string]any, output schema.Object) (schema.Record, error) {
	return codec.FromStorageRecord(raw, func(column string) (schema.Field, bool) {
		f, ok := output[column]
		return f, ok
	})
}
