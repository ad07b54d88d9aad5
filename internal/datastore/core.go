// Package datastore serves requests against installed datastore versions.
//
// A Core resolves a version hash through the Registry, prices the request
// with a payment hold, runs the runners and crawlers a request needs
// through an Invoker, and answers SQL through the query executor:
//
//	core := datastore.New(registry, datastore.WithMeter(meter))
//	res, err := core.Query(ctx, datastore.QueryRequest{
//		VersionHash: hash,
//		SQL:         "SELECT * FROM lookup(city => $1)",
//		BoundValues: []any{"Lisbon"},
//	})
//
// Every function's output is consumed to completion before the statement
// executes. Holds are settled exactly once per successful request and
// cancelled otherwise.
package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/datastore/internal/apierr"
	"github.com/roach88/datastore/internal/codec"
	"github.com/roach88/datastore/internal/metering"
	"github.com/roach88/datastore/internal/query"
	"github.com/roach88/datastore/internal/schema"
	"github.com/roach88/datastore/internal/sqlparse"
)

// QueryRequest is a SQL query from a client.
type QueryRequest struct {
	VersionHash string
	SQL         string
	BoundValues []any

	// Scope resolves the self sentinel. Clients outside a runner leave it
	// empty.
	Scope sqlparse.Scope

	Payment metering.Preferences
}

// Metadata describes the cost of a completed request.
type Metadata struct {
	Bytes        int64 `json:"bytes"`
	Microgons    int64 `json:"microgons"`
	Milliseconds int64 `json:"milliseconds"`
}

// QueryResult is the answer to a QueryRequest.
type QueryResult struct {
	LatestVersionHash string          `json:"latestVersionHash"`
	Outputs           []schema.Record `json:"outputs"`
	Metadata          Metadata        `json:"metadata"`
}

// StreamRequest calls one runner or crawler directly, or reads one table.
type StreamRequest struct {
	VersionHash string
	Name        string
	Input       schema.Record

	// StreamID tags every event. A random ID is used when empty.
	StreamID string

	Payment metering.Preferences
}

// StreamEvent is one output row of a stream.
type StreamEvent struct {
	StreamID string        `json:"streamId"`
	Output   schema.Record `json:"output"`
}

// StreamResult closes a stream.
type StreamResult struct {
	StreamID          string   `json:"streamId"`
	LatestVersionHash string   `json:"latestVersionHash"`
	Metadata          Metadata `json:"metadata"`
}

// InvokerFactory returns the Invoker that runs a version's functions.
type InvokerFactory func(v *Version) (Invoker, error)

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the core's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Core) { c.logger = l }
}

// WithMeter sets the meter that prices requests.
func WithMeter(m *metering.Meter) Option {
	return func(c *Core) { c.meter = m }
}

// WithInvokerFactory overrides how functions are executed. The default
// replays published output examples.
func WithInvokerFactory(f InvokerFactory) Option {
	return func(c *Core) { c.invokers = f }
}

// WithCorePlugins declares the core plugins this node provides, by name
// and version.
func WithCorePlugins(plugins map[string]string) Option {
	return func(c *Core) { c.plugins = plugins }
}

// WithWorkTracker replaces the default unbounded work tracker.
func WithWorkTracker(w *WorkTracker) Option {
	return func(c *Core) { c.tracker = w }
}

// WithMaxTableRows lowers the row cap of direct table streams.
func WithMaxTableRows(n int) Option {
	return func(c *Core) { c.maxRows = n }
}

// Core answers requests for every version in a Registry.
type Core struct {
	registry *Registry
	meter    *metering.Meter
	invokers InvokerFactory
	plugins  map[string]string
	tracker  *WorkTracker
	logger   *slog.Logger
	maxRows  int

	closeOnce sync.Once
}

// New creates a Core over registry.
func New(registry *Registry, opts ...Option) *Core {
	c := &Core{
		registry: registry,
		invokers: func(v *Version) (Invoker, error) { return ExampleInvoker{Version: v}, nil },
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.meter == nil {
		c.meter = metering.New(metering.WithLogger(c.logger))
	}
	if c.tracker == nil {
		c.tracker = NewWorkTracker(0, true)
	}
	return c
}

// Registry returns the registry the core serves.
func (c *Core) Registry() *Registry { return c.registry }

func (c *Core) executor(hash string) (*query.Executor, error) {
	h, err := c.registry.Storage(hash)
	if err != nil {
		return nil, err
	}
	return query.New(h, query.WithLogger(c.logger), query.WithMaxRows(c.maxRows)), nil
}

// Query runs a client SELECT. Runners and crawlers named in the statement
// run first, concurrently; their rows become relations of the statement.
// Only public tables are visible.
func (c *Core) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	start := time.Now()
	v, err := c.registry.Get(ctx, req.VersionHash)
	if err != nil {
		return nil, err
	}
	latest, err := c.registry.LatestVersionHash(ctx, req.VersionHash)
	if err != nil {
		return nil, err
	}

	stmt, err := sqlparse.Parse(req.SQL, req.Scope)
	if err != nil {
		return nil, err
	}
	if stmt.CommandType() != sqlparse.KindSelect {
		return nil, apierr.NewInvalidSQLCommand(string(stmt.CommandType()),
			"client queries are read-only")
	}
	bound := codec.ToPositionalMap(req.BoundValues)

	inputs := map[string]schema.Record{}
	if len(stmt.FunctionNames()) > 0 {
		inputs, err = codec.ExtractFunctionCallInputs(stmt, v.Functions(), bound)
		if err != nil {
			return nil, err
		}
	}
	names := lo.Keys(inputs)
	sort.Strings(names)
	for _, name := range names {
		fn, _ := v.Function(name)
		if err := schema.ValidateInput(fn.Input, inputs[name]); err != nil {
			return nil, err
		}
	}
	if err := c.checkPlugins(v, lo.Keys(inputs)); err != nil {
		return nil, err
	}

	exec, err := c.executor(v.Manifest.VersionHash)
	if err != nil {
		return nil, err
	}
	tables, err := c.publicTables(ctx, v)
	if err != nil {
		return nil, err
	}
	units := lo.Uniq(append(stmt.FunctionNames(), lo.Filter(stmt.TableNames(), func(name string, _ int) bool {
		_, ok := tables[name]
		return ok && !lo.Contains(stmt.FunctionNames(), name)
	})...))

	hold, err := c.meter.CreateHold(ctx, v.Manifest, units, req.Payment)
	if err != nil {
		return nil, err
	}
	settled := false
	defer func() {
		if !settled {
			hold.Cancel()
		}
	}()

	outputs, err := c.runFunctions(ctx, v, inputs)
	if err != nil {
		return nil, err
	}

	schemas := make(map[string]schema.Function, len(inputs))
	for name := range inputs {
		schemas[name], _ = v.Function(name)
	}
	records, err := exec.Execute(ctx, stmt, query.Options{
		TableSchemas:     tables,
		InputByFunction:  inputs,
		OutputByFunction: outputs,
		OutputSchemas:    schemas,
		BoundValues:      bound,
	})
	if err != nil {
		return nil, err
	}

	meta, err := c.settle(ctx, hold, records, start)
	settled = err == nil
	if err != nil {
		return nil, err
	}
	c.logger.Info("query answered",
		"version_hash", v.Manifest.VersionHash,
		"units", strings.Join(units, ","),
		"records", len(records),
		"microgons", meta.Microgons)
	return &QueryResult{LatestVersionHash: latest, Outputs: records, Metadata: meta}, nil
}

// Stream calls a runner or crawler with input and emits each output row
// as it arrives, or emits the rows of a public table matching input.
func (c *Core) Stream(ctx context.Context, req StreamRequest, emit func(StreamEvent) error) (*StreamResult, error) {
	start := time.Now()
	v, err := c.registry.Get(ctx, req.VersionHash)
	if err != nil {
		return nil, err
	}
	latest, err := c.registry.LatestVersionHash(ctx, req.VersionHash)
	if err != nil {
		return nil, err
	}
	streamID := req.StreamID
	if streamID == "" {
		streamID = uuid.NewString()
	}

	var rows []schema.Record
	send := func(rec schema.Record) error {
		rows = append(rows, rec)
		return emit(StreamEvent{StreamID: streamID, Output: rec})
	}

	var hold *metering.Hold
	if fn, ok := v.Function(req.Name); ok {
		input, err := decodeRecord(req.Input, fn.Input)
		if err != nil {
			return nil, apierr.NewSchemaValidation(req.Name+" input", []apierr.FieldError{{Message: err.Error()}})
		}
		if err := schema.ValidateInput(fn.Input, input); err != nil {
			return nil, err
		}
		if err := c.checkPlugins(v, []string{req.Name}); err != nil {
			return nil, err
		}
		if hold, err = c.meter.CreateHold(ctx, v.Manifest, []string{req.Name}, req.Payment); err != nil {
			return nil, err
		}
		if err := c.invoke(ctx, v, req.Name, input, fn, send); err != nil {
			hold.Cancel()
			return nil, err
		}
	} else {
		tables, err := c.publicTables(ctx, v)
		if err != nil {
			return nil, err
		}
		table, ok := tables[req.Name]
		if !ok {
			return nil, apierr.NewDatastoreNotFound(v.Manifest.VersionHash + "/" + req.Name)
		}
		exec, err := c.executor(v.Manifest.VersionHash)
		if err != nil {
			return nil, err
		}
		if hold, err = c.meter.CreateHold(ctx, v.Manifest, []string{req.Name}, req.Payment); err != nil {
			return nil, err
		}
		recs, err := exec.QueryTable(ctx, table, req.Input, 0)
		if err != nil {
			hold.Cancel()
			return nil, err
		}
		for _, rec := range recs {
			if err := send(rec); err != nil {
				hold.Cancel()
				return nil, err
			}
		}
	}

	meta, err := c.settle(ctx, hold, rows, start)
	if err != nil {
		return nil, err
	}
	c.logger.Info("stream finished",
		"version_hash", v.Manifest.VersionHash,
		"name", req.Name,
		"stream_id", streamID,
		"records", len(rows))
	return &StreamResult{StreamID: streamID, LatestVersionHash: latest, Metadata: meta}, nil
}

// QueryInternal runs sql with the datastore's own privileges: private
// tables are visible and DML is allowed. It never calls functions or
// charges payment.
func (c *Core) QueryInternal(ctx context.Context, versionHash, sql string, boundValues []any) ([]schema.Record, error) {
	v, err := c.registry.Get(ctx, versionHash)
	if err != nil {
		return nil, err
	}
	stmt, err := sqlparse.Parse(sql, sqlparse.Scope{})
	if err != nil {
		return nil, err
	}
	h, err := c.registry.Storage(v.Manifest.VersionHash)
	if err != nil {
		return nil, err
	}
	tables, err := h.TableSchemas(ctx)
	if err != nil {
		return nil, err
	}
	exec, err := c.executor(v.Manifest.VersionHash)
	if err != nil {
		return nil, err
	}
	var result []schema.Record
	err = c.tracker.Track(ctx, func(ctx context.Context) error {
		var err error
		result, err = exec.Execute(ctx, stmt, query.Options{
			TableSchemas: tables,
			BoundValues:  codec.ToPositionalMap(boundValues),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Core) publicTables(ctx context.Context, v *Version) (map[string]schema.Table, error) {
	h, err := c.registry.Storage(v.Manifest.VersionHash)
	if err != nil {
		return nil, err
	}
	all, err := h.TableSchemas(ctx)
	if err != nil {
		return nil, err
	}
	return lo.PickBy(all, func(_ string, t schema.Table) bool { return t.IsPublic }), nil
}

// runFunctions invokes every called function concurrently and collects
// its rows in emission order.
func (c *Core) runFunctions(ctx context.Context, v *Version, inputs map[string]schema.Record) (map[string][]schema.Record, error) {
	outputs := make(map[string][]schema.Record, len(inputs))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for name, input := range inputs {
		name, input := name, input
		fn, _ := v.Function(name)
		g.Go(func() error {
			var rows []schema.Record
			err := c.invoke(gctx, v, name, input, fn, func(rec schema.Record) error {
				rows = append(rows, rec)
				return nil
			})
			if err != nil {
				return err
			}
			mu.Lock()
			outputs[name] = rows
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// invoke runs one function under the work tracker, validating each row
// before it is emitted.
func (c *Core) invoke(ctx context.Context, v *Version, name string, input schema.Record, fn schema.Function, emit func(schema.Record) error) error {
	inv, err := c.invokers(v)
	if err != nil {
		return fmt.Errorf("%s %q: %w", kindOf(v, name), name, err)
	}
	err = c.tracker.Track(ctx, func(ctx context.Context) error {
		return inv.Invoke(ctx, name, input, func(rec schema.Record) error {
			if err := schema.ValidateOutput(fn.Output, rec); err != nil {
				return err
			}
			return emit(rec)
		})
	})
	if err != nil {
		return fmt.Errorf("%s %q: %w", kindOf(v, name), name, err)
	}
	return nil
}

func kindOf(v *Version, name string) string {
	if _, ok := v.Manifest.CrawlersByName[name]; ok {
		return "crawler"
	}
	return "runner"
}

// checkPlugins fails when a function needs a core plugin this node lacks
// or provides at a different major version.
func (c *Core) checkPlugins(v *Version, names []string) error {
	for _, name := range names {
		entry, ok := v.Manifest.Function(name)
		if !ok {
			continue
		}
		for plugin, want := range entry.CorePlugins {
			have, ok := c.plugins[plugin]
			if !ok || majorVersion(have) != majorVersion(want) {
				return &MissingPluginError{Function: name, Plugin: plugin, Version: want, Have: have}
			}
		}
	}
	return nil
}

func majorVersion(v string) string {
	v = strings.TrimPrefix(v, "v")
	major, _, _ := strings.Cut(v, ".")
	return major
}

// MissingPluginError reports a function whose core plugin is unavailable.
type MissingPluginError struct {
	Function string
	Plugin   string
	Version  string
	Have     string
}

func (e *MissingPluginError) Error() string {
	if e.Have == "" {
		return fmt.Sprintf("%s requires core plugin %s@%s, which this node does not provide",
			e.Function, e.Plugin, e.Version)
	}
	return fmt.Sprintf("%s requires core plugin %s@%s, this node provides %s",
		e.Function, e.Plugin, e.Version, e.Have)
}

// settle charges hold for the JSON size of records and records usage for
// every charged unit.
func (c *Core) settle(ctx context.Context, hold *metering.Hold, records []schema.Record, start time.Time) (Metadata, error) {
	if records == nil {
		records = []schema.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		hold.Cancel()
		return Metadata{}, fmt.Errorf("encode outputs: %w", err)
	}
	bytes := int64(len(data))
	total, err := hold.Settle(ctx, bytes)
	if err != nil {
		return Metadata{}, err
	}
	ms := time.Since(start).Milliseconds()
	for _, charge := range hold.Charges() {
		if err := c.registry.metadata.RecordRun(ctx, hold.VersionHash, charge.Name, bytes, charge.Microgons, ms); err != nil {
			c.logger.Warn("stats not recorded", "version_hash", hold.VersionHash, "name", charge.Name, "error", err)
		}
	}
	return Metadata{Bytes: bytes, Microgons: total, Milliseconds: ms}, nil
}

// Close stops accepting work and shuts down in-flight invocations.
func (c *Core) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.tracker.Close(ctx)
	})
	return err
}
