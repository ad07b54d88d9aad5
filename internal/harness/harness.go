package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/samber/lo"

	"github.com/roach88/datastore/internal/apierr"
	"github.com/roach88/datastore/internal/datastore"
	"github.com/roach88/datastore/internal/definition"
	"github.com/roach88/datastore/internal/manifest"
	"github.com/roach88/datastore/internal/metering"
	"github.com/roach88/datastore/internal/schema"
	"github.com/roach88/datastore/internal/sqlparse"
	"github.com/roach88/datastore/internal/storage"
	"github.com/roach88/datastore/internal/testutil"
)

// Harness executes one scenario in a scratch directory.
//
// The directory holds a project with the copied definition, an empty
// global config directory and the datastores directory versions are
// installed into.
type Harness struct {
	scenario *Scenario
	entry    string
	global   string
	dbx      string
	registry *datastore.Registry
	core     *datastore.Core
	streams  *testutil.StreamIDs
	logger   *slog.Logger

	labels map[string]string // version hash -> label
	hashes map[string]string // label -> version hash
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger routes node logs to l. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a scenario under workDir and returns the result.
//
// Step failures are recorded in the result. The returned error reports
// problems with the scenario itself, such as a query naming a version
// label no build produced.
func Run(ctx context.Context, scenario *Scenario, workDir string, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario: scenario,
		streams:  testutil.NewStreamIDs(scenario.Name),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		labels:   map[string]string{},
		hashes:   map[string]string{},
	}
	for _, opt := range opts {
		opt(h)
	}
	if err := h.setup(workDir); err != nil {
		return nil, fmt.Errorf("set up scenario %s: %w", scenario.Name, err)
	}
	defer h.close()

	result := NewResult()
	for i, step := range scenario.Steps {
		trace, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		trace.Step = i
		result.Steps = append(result.Steps, trace)
		for _, msg := range check(step.Expect, trace) {
			result.AddError(fmt.Sprintf("steps[%d] %s: %s", i, trace.Kind, msg))
		}
	}
	for label, hash := range h.hashes {
		result.Versions[label] = hash
	}
	return result, nil
}

func (h *Harness) setup(workDir string) error {
	project := filepath.Join(workDir, "proj")
	for _, dir := range []string{
		filepath.Join(project, manifest.DefaultProjectConfigDir),
		filepath.Join(project, "src"),
		filepath.Join(workDir, "global"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	src, err := os.ReadFile(h.scenario.Definition)
	if err != nil {
		return err
	}
	h.entry = filepath.Join(project, "src", filepath.Base(h.scenario.Definition))
	if err := os.WriteFile(h.entry, src, 0o644); err != nil {
		return err
	}
	h.global = filepath.Join(workDir, "global")
	h.dbx = filepath.Join(filepath.Dir(h.entry), ".dbx", datastore.ManifestFile)

	reg, err := datastore.OpenRegistry(filepath.Join(workDir, "datastores"),
		[]storage.Option{storage.WithLogger(h.logger)},
		datastore.WithRegistryLogger(h.logger))
	if err != nil {
		return err
	}
	cfg := h.scenario.Config
	h.registry = reg
	h.core = datastore.New(reg,
		datastore.WithLogger(h.logger),
		datastore.WithMeter(metering.New(
			metering.WithLogger(h.logger),
			metering.WithComputePrice(cfg.ComputePricePerQuery))),
		datastore.WithCorePlugins(cfg.CorePlugins))
	return nil
}

func (h *Harness) close() {
	_ = h.core.Close(context.Background())
	_ = h.registry.Close()
}

func (h *Harness) execute(ctx context.Context, step Step) (StepTrace, error) {
	switch {
	case step.Build != nil:
		return h.build(ctx, step.Build), nil
	case step.Edit != nil:
		return h.edit(step.Edit)
	case step.Query != nil:
		return h.query(ctx, step.Query)
	default:
		return h.stream(ctx, step.Stream)
	}
}

func (h *Harness) build(ctx context.Context, b *BuildStep) StepTrace {
	trace := StepTrace{Kind: KindBuild}

	def, err := definition.Load(h.entry)
	if err != nil {
		h.fail(&trace, err)
		return trace
	}
	in, err := def.UpdateInput(b.Timestamp)
	if err != nil {
		h.fail(&trace, err)
		return trace
	}
	if in.Metadata.PaymentAddress == "" {
		in.Metadata.PaymentAddress = h.scenario.Config.PaymentAddress
	}

	f := manifest.New(h.dbx, manifest.WithGlobalDir(h.global), manifest.WithLogger(h.logger))
	if err := f.Update(ctx, in); err != nil {
		h.fail(&trace, err)
		return trace
	}
	if b.NewHistory {
		if err := f.SetLinkedVersions(ctx, def.Path, nil); err != nil {
			h.fail(&trace, err)
			return trace
		}
	}
	if _, err := h.registry.Install(ctx, &f.Manifest, def.TableSpecs()); err != nil {
		h.fail(&trace, err)
		return trace
	}

	trace.Version = h.label(f.VersionHash)
	trace.Linked = lo.Map(f.LinkedVersions, func(v manifest.VersionEntry, _ int) string {
		return h.label(v.VersionHash)
	})
	return trace
}

func (h *Harness) edit(e *EditStep) (StepTrace, error) {
	trace := StepTrace{Kind: KindEdit}
	data, err := os.ReadFile(h.entry)
	if err != nil {
		return trace, err
	}
	src := string(data)
	if r := e.Replace; r != nil {
		if !strings.Contains(src, r.Old) {
			return trace, fmt.Errorf("edit: %q not found in definition", r.Old)
		}
		src = strings.Replace(src, r.Old, r.New, 1)
	}
	src += e.Append
	return trace, os.WriteFile(h.entry, []byte(src), 0o644)
}

func (h *Harness) query(ctx context.Context, q *QueryStep) (StepTrace, error) {
	trace := StepTrace{Kind: KindQuery, Version: q.Version}
	hash, err := h.resolve(q.Version)
	if err != nil {
		return trace, err
	}
	bound := lo.Map(q.Bind, func(v any, _ int) any { return normalizeYAML(v) })

	if q.Internal {
		rows, err := h.core.QueryInternal(ctx, hash, q.SQL, bound)
		if err != nil {
			h.fail(&trace, err)
			return trace, nil
		}
		trace.Rows = rows
		return trace, nil
	}

	res, err := h.core.Query(ctx, datastore.QueryRequest{
		VersionHash: hash,
		SQL:         q.SQL,
		BoundValues: bound,
		Scope:       sqlparse.Scope{Function: q.Function, Table: q.Table},
		Payment:     metering.Preferences{MaxMicrogons: q.MaxMicrogons},
	})
	if err != nil {
		h.fail(&trace, err)
		return trace, nil
	}
	trace.Rows = res.Outputs
	trace.Latest = h.label(res.LatestVersionHash)
	trace.Microgons = int64Ptr(res.Metadata.Microgons)
	return trace, nil
}

func (h *Harness) stream(ctx context.Context, s *StreamStep) (StepTrace, error) {
	trace := StepTrace{Kind: KindStream, Version: s.Version, StreamID: h.streams.Next()}
	hash, err := h.resolve(s.Version)
	if err != nil {
		return trace, err
	}
	input, _ := normalizeYAML(s.Input).(map[string]any)

	var rows []schema.Record
	res, err := h.core.Stream(ctx, datastore.StreamRequest{
		VersionHash: hash,
		Name:        s.Name,
		Input:       input,
		StreamID:    trace.StreamID,
	}, func(ev datastore.StreamEvent) error {
		rows = append(rows, ev.Output)
		return nil
	})
	if err != nil {
		h.fail(&trace, err)
		return trace, nil
	}
	trace.Rows = rows
	trace.Latest = h.label(res.LatestVersionHash)
	trace.Microgons = int64Ptr(res.Metadata.Microgons)
	return trace, nil
}

// label returns the label of hash, assigning the next one on first sight.
func (h *Harness) label(hash string) string {
	if label, ok := h.labels[hash]; ok {
		return label
	}
	label := fmt.Sprintf("v%d", len(h.labels)+1)
	h.labels[hash] = label
	h.hashes[label] = hash
	return label
}

func (h *Harness) resolve(label string) (string, error) {
	hash, ok := h.hashes[label]
	if !ok {
		return "", fmt.Errorf("no version labeled %s has been built", label)
	}
	return hash, nil
}

// check compares a step trace with its expectation.
func check(e *Expect, trace StepTrace) []string {
	if e == nil {
		e = &Expect{}
	}
	var errs []string
	if e.Error != "" {
		if trace.Error != e.Error && !strings.Contains(trace.Detail, e.Error) {
			errs = append(errs, fmt.Sprintf("expected error %q, got %q", e.Error, trace.Detail))
		}
		return errs
	}
	if trace.Error != "" {
		return []string{"unexpected error: " + trace.Detail}
	}

	if e.Version != "" && e.Version != trace.Version {
		errs = append(errs, fmt.Sprintf("expected version %s, got %s", e.Version, trace.Version))
	}
	if e.Linked != nil && !slicesEqual(e.Linked, trace.Linked) {
		errs = append(errs, fmt.Sprintf("expected linked %v, got %v", e.Linked, trace.Linked))
	}
	if e.Latest != "" && e.Latest != trace.Latest {
		errs = append(errs, fmt.Sprintf("expected latest %s, got %s", e.Latest, trace.Latest))
	}
	if e.Microgons != nil && (trace.Microgons == nil || *e.Microgons != *trace.Microgons) {
		got := "none"
		if trace.Microgons != nil {
			got = fmt.Sprint(*trace.Microgons)
		}
		errs = append(errs, fmt.Sprintf("expected %d microgons, got %s", *e.Microgons, got))
	}
	if e.Rows != nil {
		want, got := jsonValue(e.Rows), jsonValue(trace.Rows)
		if !reflect.DeepEqual(want, got) {
			errs = append(errs, fmt.Sprintf("expected rows %s, got %s", mustJSON(e.Rows), mustJSON(trace.Rows)))
		}
	}
	return errs
}

func int64Ptr(n int64) *int64 { return &n }

func slicesEqual(a, b []string) bool {
	return len(a) == len(b) && (len(a) == 0 || reflect.DeepEqual(a, b))
}

// jsonValue round-trips v through JSON so YAML and storage values compare
// by their JSON form. A nil slice and an empty one are equal.
func jsonValue(v any) any {
	var out any
	if err := json.Unmarshal(mustJSON(v), &out); err != nil {
		return nil
	}
	if out == nil {
		return []any{}
	}
	return out
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf("%v", v))
	}
	return data
}

// normalizeYAML turns YAML ints into int64, the integer type the codec
// produces for JSON input too.
func normalizeYAML(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		return lo.Map(x, func(val any, _ int) any { return normalizeYAML(val) })
	default:
		return v
	}
}

// fail records err on trace. Traces keep the error code of request
// errors and the message of any other error, with version hashes
// replaced by their labels.
func (h *Harness) fail(trace *StepTrace, err error) {
	msg := err.Error()
	for hash, label := range h.labels {
		msg = strings.ReplaceAll(msg, hash, label)
	}
	trace.Detail = msg
	trace.Error = msg
	if code := apierr.CodeOf(err); code != "" {
		trace.Error = string(code)
	}
}
