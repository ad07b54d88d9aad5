package manifest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/datastore/internal/apierr"
	"github.com/roach88/datastore/internal/canon"
	"github.com/roach88/datastore/internal/testutil"
)

const (
	wantH1 = "dbx15ru4vlmwer6r9sk0p7"
	wantH2 = "dbx1gyqlu3kqnecl3cutcx"
)

type project struct {
	root      string
	entry     string
	dbx       string
	globalDir string
	source    []byte
}

func newProject(t *testing.T) project {
	t.Helper()
	root := filepath.Join(t.TempDir(), "proj")
	require.NoError(t, os.MkdirAll(filepath.Join(root, DefaultProjectConfigDir), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))

	p := project{
		root:      root,
		entry:     filepath.Join(root, "src", "ds.cue"),
		dbx:       filepath.Join(root, "src", ".dbx", "datastore-manifest.json"),
		globalDir: t.TempDir(),
		source:    []byte("name: \"echo\"\n"),
	}
	require.NoError(t, os.WriteFile(p.entry, p.source, 0o644))
	return p
}

func (p project) input(t *testing.T, ts int64) UpdateInput {
	t.Helper()
	scriptHash, err := canon.ScriptHash(p.source)
	require.NoError(t, err)
	return UpdateInput{
		Entrypoint: p.entry,
		ScriptHash: scriptHash,
		Timestamp:  ts,
		Runners: map[string]FunctionEntry{
			"tester": {SchemaAsJSON: json.RawMessage(`{"input":{"shouldTest":{"typeName":"boolean","optional":true}}}`)},
		},
		Metadata: Metadata{Name: "echo", CoreVersion: "2.0.0"},
	}
}

func (p project) build(t *testing.T, ts int64) *File {
	t.Helper()
	f := New(p.dbx, WithGlobalDir(p.globalDir))
	require.NoError(t, f.Update(context.Background(), p.input(t, ts)))
	return f
}

func writeJSONFile(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestBuildHistoryScenario(t *testing.T) {
	p := newProject(t)
	clock := testutil.NewBuildClock(0, 150000)
	ts1, ts2, ts3 := clock.Next(), clock.Next(), clock.Next()

	first := p.build(t, ts1)
	assert.Equal(t, wantH1, first.VersionHash)
	assert.Empty(t, first.LinkedVersions)
	assert.Equal(t, "proj/src/ds.cue", first.ScriptEntrypoint)

	second := p.build(t, ts2)
	assert.Equal(t, wantH1, second.VersionHash, "unchanged rebuild keeps its hash")
	assert.Equal(t, ts1, second.VersionTimestamp)
	assert.Empty(t, second.LinkedVersions)

	key := filepath.ToSlash(filepath.Join("..", "src", "ds-manifest.json"))
	writeJSONFile(t, filepath.Join(p.root, DefaultProjectConfigDir, SharedConfigFile), map[string]any{
		key: map[string]any{
			"runnersByName": map[string]any{
				"tester": map[string]any{"prices": []any{map[string]any{"perQuery": 5}}},
			},
		},
	})

	third := p.build(t, ts3)
	assert.Equal(t, wantH2, third.VersionHash)
	require.Len(t, third.LinkedVersions, 1)
	assert.Equal(t, VersionEntry{VersionHash: wantH1, VersionTimestamp: ts1}, third.LinkedVersions[0])
	assert.Equal(t, []Price{{PerQuery: 5, Minimum: 5}}, third.RunnersByName["tester"].Prices)

	data, err := os.ReadFile(p.dbx)
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "history_scenario_dbx", data)
}

func TestBuildSyncsLayers(t *testing.T) {
	p := newProject(t)
	projectFile := filepath.Join(p.root, DefaultProjectConfigDir, SharedConfigFile)
	writeJSONFile(t, projectFile, map[string]any{})
	local := EntrypointManifestPath(p.entry)
	writeJSONFile(t, local, map[string]any{"domain": "echo.example.org"})

	built := p.build(t, testutil.DefaultBuildEpoch)
	assert.Equal(t, "echo.example.org", built.Domain)

	global, err := NewLayer(SourceGlobal, filepath.Join(p.globalDir, SharedConfigFile), local)
	require.NoError(t, err)
	ok, err := global.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "global layer records the build")
	assert.Equal(t, built.VersionHash, global.VersionHash)
	assert.Equal(t, []VersionEntry{{built.VersionHash, built.VersionTimestamp}}, global.AllVersions)
	assert.Empty(t, global.ExplicitSettings)

	entry, err := NewLayer(SourceEntrypoint, local, "")
	require.NoError(t, err)
	ok, err = entry.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Patch{"domain": "echo.example.org"}, entry.ExplicitSettings)
	assert.Equal(t, built.VersionHash, entry.VersionHash)

	raw, err := readObject(projectFile)
	require.NoError(t, err)
	assert.Contains(t, raw, "../src/ds-manifest.json")
}

func TestBuildWithoutProjectConfigDir(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, "ds.cue")
	require.NoError(t, os.WriteFile(entry, []byte("x"), 0o644))

	f := New(filepath.Join(dir, "out", "datastore-manifest.json"), WithGlobalDir(t.TempDir()))
	layers, err := f.Layers(entry)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.Equal(t, SourceGlobal, layers[0].Source)
	assert.Equal(t, SourceEntrypoint, layers[1].Source)

	rel, err := f.scriptEntrypoint(entry)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir)+"/ds.cue", rel)
}

func TestExplicitEmptyLinkedVersionsClearsHistory(t *testing.T) {
	p := newProject(t)
	first := p.build(t, testutil.DefaultBuildEpoch)

	writeJSONFile(t, EntrypointManifestPath(p.entry), map[string]any{
		"linkedVersions": []any{},
		"adminIdentities": []any{"id1" + strings.Repeat("q", 58)},
	})
	second := p.build(t, testutil.DefaultBuildEpoch+1000)

	assert.NotEqual(t, first.VersionHash, second.VersionHash)
	assert.Empty(t, second.LinkedVersions)
	assert.True(t, second.HasClearedLinkedVersions)
}

func TestLinkedHistoryIsMonotonic(t *testing.T) {
	p := newProject(t)
	clock := testutil.NewBuildClock(0, 1000)
	local := EntrypointManifestPath(p.entry)

	var hashes []string
	for i := 0; i < 4; i++ {
		writeJSONFile(t, local, map[string]any{
			"runnersByName": map[string]any{
				"tester": map[string]any{"prices": []any{map[string]any{"perQuery": i + 1, "minimum": 1}}},
			},
		})
		f := p.build(t, clock.Next())
		hashes = append(hashes, f.VersionHash)

		require.Len(t, f.LinkedVersions, i)
		for j := 1; j < len(f.LinkedVersions); j++ {
			assert.Greater(t, f.LinkedVersions[j-1].VersionTimestamp, f.LinkedVersions[j].VersionTimestamp)
		}
		if i > 0 {
			assert.Equal(t, hashes[i-1], f.LinkedVersions[0].VersionHash)
		}
	}
}

func TestSetLinkedVersions(t *testing.T) {
	p := newProject(t)
	first := p.build(t, testutil.DefaultBuildEpoch)

	f := New(p.dbx, WithGlobalDir(p.globalDir))
	prior := VersionEntry{VersionHash: "dbx1" + strings.Repeat("q", 18), VersionTimestamp: testutil.DefaultBuildEpoch - 1}
	require.NoError(t, f.SetLinkedVersions(context.Background(), p.entry, []VersionEntry{prior}))
	assert.NotEqual(t, first.VersionHash, f.VersionHash)

	reloaded := New(p.dbx)
	ok, err := reloaded.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []VersionEntry{prior}, reloaded.LinkedVersions)
	assert.Equal(t, f.VersionHash, reloaded.VersionHash)

	err = f.SetLinkedVersions(context.Background(), p.entry, []VersionEntry{{VersionHash: "nope"}})
	assert.True(t, apierr.IsInvalidVersionHash(err), "got %v", err)
}

func TestMissingGlobalFileIsCreated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SharedConfigFile)
	layer, err := NewLayer(SourceGlobal, path, "/abs/ds-manifest.json")
	require.NoError(t, err)

	ok, err := layer.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []VersionEntry{}, layer.AllVersions)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestLayerSaveSkipsMissingFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-manifest.json")
	layer, err := NewLayer(SourceEntrypoint, path, "")
	require.NoError(t, err)
	require.NoError(t, layer.Save(context.Background()))
	assert.NoFileExists(t, path)
}

func TestNewLayerRequiresKey(t *testing.T) {
	_, err := NewLayer(SourceProject, "datastores.json", "")
	assert.Error(t, err)
	_, err = NewLayer(SourceDbx, "x.json", "")
	assert.Error(t, err)
}

func TestSaveRejectsInvalidManifest(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "datastore-manifest.json"))
	f.VersionHash = "bogus"
	f.VersionTimestamp = 5
	err := f.Save(context.Background())
	require.Error(t, err)
	assert.True(t, apierr.IsManifestValidation(err), "got %v", err)
	assert.NoFileExists(t, f.Path)
}

func TestEntrypointManifestPath(t *testing.T) {
	assert.Equal(t, "/p/src/ds-manifest.json", EntrypointManifestPath("/p/src/ds.cue"))
	assert.Equal(t, "/p/src/ds-manifest.json", EntrypointManifestPath("/p/src/ds"))
}
