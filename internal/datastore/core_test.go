package datastore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/datastore/internal/apierr"
	"github.com/roach88/datastore/internal/definition"
	"github.com/roach88/datastore/internal/manifest"
	"github.com/roach88/datastore/internal/metering"
	"github.com/roach88/datastore/internal/schema"
	"github.com/roach88/datastore/internal/sqlparse"
	"github.com/roach88/datastore/internal/testutil"
)

const heroPlugin = "@datastore/plugin-hero"

type fixture struct {
	registry *Registry
	hash     string
	def      *definition.Definition
}

// install builds testdata/echo.cue and installs it in a fresh registry.
func install(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	def, err := definition.Load(filepath.Join("testdata", "echo.cue"))
	require.NoError(t, err)
	in, err := def.UpdateInput(testutil.DefaultBuildEpoch)
	require.NoError(t, err)

	f := manifest.New(filepath.Join(t.TempDir(), ManifestFile), manifest.WithGlobalDir(t.TempDir()))
	require.NoError(t, f.Update(ctx, in))

	reg, err := OpenRegistry(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	_, err = reg.Install(ctx, &f.Manifest, def.TableSpecs())
	require.NoError(t, err)
	return fixture{registry: reg, hash: f.VersionHash, def: def}
}

func echoInvoker(_ *Version) (Invoker, error) {
	return InvokerFunc(func(ctx context.Context, name string, input schema.Record, emit func(schema.Record) error) error {
		switch name {
		case "tester":
			return emit(schema.Record{"testerEcho": input["tester"] == true})
		case "pages":
			for _, u := range []string{"a", "b", "c"} {
				if err := emit(schema.Record{"url": u}); err != nil {
					return err
				}
			}
			return nil
		}
		return fmt.Errorf("unexpected call to %s", name)
	}), nil
}

func TestQuerySelfRunner(t *testing.T) {
	fx := install(t)
	core := New(fx.registry, WithInvokerFactory(echoInvoker))
	ctx := context.Background()

	res, err := core.Query(ctx, QueryRequest{
		VersionHash: fx.hash,
		SQL:         "SELECT * FROM self(tester => true)",
		Scope:       sqlparse.Scope{Function: "tester"},
	})
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, true, res.Outputs[0]["testerEcho"])
	assert.Equal(t, true, res.Outputs[0]["tester"])
	assert.Equal(t, fx.hash, res.LatestVersionHash)
	assert.Equal(t, int64(5), res.Metadata.Microgons)
	assert.Positive(t, res.Metadata.Bytes)

	stats, err := fx.registry.Stats(ctx, fx.hash, "tester")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Runs)
	assert.Equal(t, int64(5), stats.Microgons)
}

func TestQuerySelfQualifiedColumns(t *testing.T) {
	fx := install(t)
	res, err := New(fx.registry, WithInvokerFactory(echoInvoker)).Query(context.Background(), QueryRequest{
		VersionHash: fx.hash,
		SQL:         "SELECT self.testerEcho FROM self(tester => true) WHERE self.tester = true",
		Scope:       sqlparse.Scope{Function: "tester"},
	})
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{{"testerEcho": true}}, res.Outputs)
}

func TestQuerySentinelWithoutScope(t *testing.T) {
	fx := install(t)
	_, err := New(fx.registry, WithInvokerFactory(echoInvoker)).Query(context.Background(), QueryRequest{
		VersionHash: fx.hash,
		SQL:         "SELECT * FROM self(tester => true)",
	})
	assert.True(t, apierr.IsDatastoreNotFound(err), "got %v", err)
}

func TestQueryJoinsExamplesWithTable(t *testing.T) {
	fx := install(t)
	core := New(fx.registry, WithCorePlugins(map[string]string{heroPlugin: "2.0.3"}))

	res, err := core.Query(context.Background(), QueryRequest{
		VersionHash: fx.hash,
		SQL: `SELECT c.city, l.country FROM lookup(city => $1) l
			JOIN capitals c ON c.country = l.country ORDER BY c.city`,
		BoundValues: []any{"anywhere"},
	})
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{
		{"city": "Lima", "country": "Peru"},
		{"city": "Paris", "country": "France"},
	}, res.Outputs)
	assert.Equal(t, int64(20+1), res.Metadata.Microgons)
}

func TestQueryErrors(t *testing.T) {
	fx := install(t)
	core := New(fx.registry, WithInvokerFactory(echoInvoker))

	tests := []struct {
		name  string
		req   QueryRequest
		check func(error) bool
	}{
		{"malformed", QueryRequest{SQL: "SELECT FROM"}, apierr.IsMalformedSQL},
		{"dml", QueryRequest{SQL: "DELETE FROM capitals"}, apierr.IsInvalidSQLCommand},
		{"private table", QueryRequest{SQL: "SELECT * FROM notes"}, apierr.IsUnauthorizedTable},
		{"unknown function", QueryRequest{SQL: "SELECT * FROM ghost(a => 1)"}, apierr.IsUnauthorizedFunction},
		{"missing bound value", QueryRequest{SQL: "SELECT * FROM tester(tester => $1)"}, apierr.IsMissingBoundValue},
		{"bad hash", QueryRequest{VersionHash: "dbx1nope", SQL: "SELECT 1"}, apierr.IsInvalidVersionHash},
		{"unknown version", QueryRequest{VersionHash: "dbx1qqqqqqqqqqqqqqqqqq", SQL: "SELECT 1"}, apierr.IsDatastoreNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.req.VersionHash == "" {
				tt.req.VersionHash = fx.hash
			}
			_, err := core.Query(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
}

func TestQueryRequiresCorePlugins(t *testing.T) {
	fx := install(t)
	for _, plugins := range []map[string]string{nil, {heroPlugin: "3.0.0"}} {
		_, err := New(fx.registry, WithCorePlugins(plugins)).Query(context.Background(), QueryRequest{
			VersionHash: fx.hash,
			SQL:         "SELECT * FROM lookup(city => 'x')",
		})
		var mpe *MissingPluginError
		require.True(t, errors.As(err, &mpe), "got %v", err)
		assert.Equal(t, heroPlugin, mpe.Plugin)
	}
}

func TestQueryInvalidOutputCancelsHold(t *testing.T) {
	fx := install(t)
	reg := prometheus.NewRegistry()
	bad := func(_ *Version) (Invoker, error) {
		return InvokerFunc(func(ctx context.Context, name string, _ schema.Record, emit func(schema.Record) error) error {
			return emit(schema.Record{"testerEcho": "yes"})
		}), nil
	}
	core := New(fx.registry, WithInvokerFactory(bad), WithMeter(metering.New(metering.WithRegisterer(reg))))

	_, err := core.Query(context.Background(), QueryRequest{
		VersionHash: fx.hash,
		SQL:         "SELECT * FROM tester(tester => true)",
	})
	require.Error(t, err)
	assert.True(t, apierr.IsSchemaValidation(err), "got %v", err)
	assert.Contains(t, err.Error(), `runner "tester"`)

	stats, err := fx.registry.Stats(context.Background(), fx.hash, "tester")
	require.NoError(t, err)
	assert.Zero(t, stats.Runs)
}

func TestQueryPaymentLimit(t *testing.T) {
	fx := install(t)
	_, err := New(fx.registry, WithInvokerFactory(echoInvoker)).Query(context.Background(), QueryRequest{
		VersionHash: fx.hash,
		SQL:         "SELECT * FROM tester(tester => true)",
		Payment:     metering.Preferences{MaxMicrogons: 1},
	})
	assert.ErrorIs(t, err, metering.ErrPaymentLimit)
}

func TestQueryValidatesFunctionInput(t *testing.T) {
	fx := install(t)
	var calls atomic.Int32
	counting := func(_ *Version) (Invoker, error) {
		return InvokerFunc(func(context.Context, string, schema.Record, func(schema.Record) error) error {
			calls.Add(1)
			return nil
		}), nil
	}
	core := New(fx.registry, WithInvokerFactory(counting),
		WithCorePlugins(map[string]string{heroPlugin: "2.0.0"}))

	for _, sql := range []string{
		"SELECT * FROM lookup()",
		"SELECT * FROM lookup(city => 7)",
	} {
		t.Run(sql, func(t *testing.T) {
			_, err := core.Query(context.Background(), QueryRequest{VersionHash: fx.hash, SQL: sql})
			require.Error(t, err)
			assert.True(t, apierr.IsSchemaValidation(err), "got %v", err)
			assert.Contains(t, err.Error(), "city")
		})
	}

	assert.Zero(t, calls.Load())
	stats, err := fx.registry.Stats(context.Background(), fx.hash, "lookup")
	require.NoError(t, err)
	assert.Zero(t, stats.Runs)
	assert.Zero(t, stats.Microgons)
}

func TestStreamFunction(t *testing.T) {
	fx := install(t)
	core := New(fx.registry, WithInvokerFactory(echoInvoker))

	var events []StreamEvent
	res, err := core.Stream(context.Background(), StreamRequest{
		VersionHash: fx.hash,
		Name:        "pages",
		StreamID:    "s-1",
	}, func(ev StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, u := range []string{"a", "b", "c"} {
		assert.Equal(t, "s-1", events[i].StreamID)
		assert.Equal(t, u, events[i].Output["url"])
	}
	assert.Equal(t, "s-1", res.StreamID)
	assert.Equal(t, int64(3), res.Metadata.Microgons)
}

func TestStreamValidatesInput(t *testing.T) {
	fx := install(t)
	core := New(fx.registry, WithCorePlugins(map[string]string{heroPlugin: "2.0.0"}))

	_, err := core.Stream(context.Background(), StreamRequest{
		VersionHash: fx.hash,
		Name:        "lookup",
		Input:       schema.Record{},
	}, func(StreamEvent) error { return nil })
	require.Error(t, err)
	assert.True(t, apierr.IsSchemaValidation(err), "got %v", err)
}

func TestStreamExamplesAssignsStreamID(t *testing.T) {
	fx := install(t)
	core := New(fx.registry, WithCorePlugins(map[string]string{heroPlugin: "2.0.0"}))

	var got []string
	res, err := core.Stream(context.Background(), StreamRequest{
		VersionHash: fx.hash,
		Name:        "lookup",
		Input:       schema.Record{"city": "Paris"},
	}, func(ev StreamEvent) error {
		got = append(got, ev.Output["country"].(string))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"France", "Peru"}, got)
	assert.NotEmpty(t, res.StreamID)
}

func TestStreamTable(t *testing.T) {
	fx := install(t)
	core := New(fx.registry)

	var rows []schema.Record
	_, err := core.Stream(context.Background(), StreamRequest{
		VersionHash: fx.hash,
		Name:        "capitals",
		Input:       schema.Record{"country": "Peru"},
	}, func(ev StreamEvent) error {
		rows = append(rows, ev.Output)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{{"city": "Lima", "country": "Peru"}}, rows)

	_, err = core.Stream(context.Background(), StreamRequest{VersionHash: fx.hash, Name: "notes"},
		func(StreamEvent) error { return nil })
	assert.True(t, apierr.IsDatastoreNotFound(err), "got %v", err)
}

func TestQueryInternalSeesPrivateTables(t *testing.T) {
	fx := install(t)
	core := New(fx.registry)
	ctx := context.Background()

	out, err := core.QueryInternal(ctx, fx.hash, "INSERT INTO notes (body) VALUES ($1)", []any{"hello"})
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{{"changes": int64(1)}}, out)

	out, err = core.QueryInternal(ctx, fx.hash, "SELECT body FROM notes", nil)
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{{"body": "hello"}}, out)
}

func TestMaxRuntimeBoundsInvocations(t *testing.T) {
	fx := install(t)
	slow := func(_ *Version) (Invoker, error) {
		return InvokerFunc(func(ctx context.Context, _ string, _ schema.Record, _ func(schema.Record) error) error {
			<-ctx.Done()
			return ctx.Err()
		}), nil
	}
	core := New(fx.registry,
		WithInvokerFactory(slow),
		WithWorkTracker(NewWorkTracker(20*time.Millisecond, false)))

	_, err := core.Query(context.Background(), QueryRequest{
		VersionHash: fx.hash,
		SQL:         "SELECT * FROM tester(tester => true)",
	})
	var te *TimeoutError
	assert.True(t, errors.As(err, &te), "got %v", err)
}

func TestCloseCancelsInFlightWork(t *testing.T) {
	fx := install(t)
	started := make(chan struct{})
	var cancelled atomic.Bool
	blocking := func(_ *Version) (Invoker, error) {
		return InvokerFunc(func(ctx context.Context, _ string, _ schema.Record, _ func(schema.Record) error) error {
			close(started)
			<-ctx.Done()
			cancelled.Store(true)
			return ctx.Err()
		}), nil
	}
	core := New(fx.registry,
		WithInvokerFactory(blocking),
		WithWorkTracker(NewWorkTracker(0, false)))

	errc := make(chan error, 1)
	go func() {
		_, err := core.Query(context.Background(), QueryRequest{
			VersionHash: fx.hash,
			SQL:         "SELECT * FROM tester(tester => true)",
		})
		errc <- err
	}()
	<-started
	require.NoError(t, core.Close(context.Background()))
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.True(t, cancelled.Load())

	_, err := core.Query(context.Background(), QueryRequest{
		VersionHash: fx.hash,
		SQL:         "SELECT * FROM tester(tester => true)",
	})
	assert.ErrorIs(t, err, ErrShuttingDown)
}
