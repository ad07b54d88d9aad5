package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/datastore/internal/manifest"
)

const (
	ts1 = "1700000000000"
	ts2 = "1700000060000"
)

type workspace struct {
	entry  string
	config string
}

func newWorkspace(t *testing.T) workspace {
	t.Helper()
	root := filepath.Join(t.TempDir(), "proj")
	require.NoError(t, os.MkdirAll(filepath.Join(root, manifest.DefaultProjectConfigDir), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))

	src, err := os.ReadFile(filepath.Join("..", "datastore", "testdata", "echo.cue"))
	require.NoError(t, err)
	entry := filepath.Join(root, "src", "echo.cue")
	require.NoError(t, os.WriteFile(entry, src, 0o644))

	cfg := filepath.Join(t.TempDir(), "datastore.yaml")
	body := "datastores_dir: " + filepath.Join(t.TempDir(), "datastores") + "\n" +
		"global_config_dir: " + t.TempDir() + "\n" +
		"core_plugins:\n  \"@datastore/plugin-hero\": \"2.0.0\"\n" +
		"log_level: error\n"
	require.NoError(t, os.WriteFile(cfg, []byte(body), 0o644))
	return workspace{entry: entry, config: cfg}
}

func (w workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", w.config}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func (w workspace) build(t *testing.T, ts string, extra ...string) BuildResult {
	t.Helper()
	out, err := w.run(t, append([]string{"build", w.entry, "--format", "json", "--timestamp", ts}, extra...)...)
	require.NoError(t, err, out)
	var res BuildResult
	decodeData(t, out, &res)
	return res
}

func TestBuildQueryLifecycle(t *testing.T) {
	w := newWorkspace(t)

	first := w.build(t, ts1)
	assert.True(t, first.Installed)
	assert.Equal(t, "echo", first.Name)
	assert.Equal(t, "proj/src/echo.cue", first.ScriptEntrypoint)
	assert.Empty(t, first.LinkedVersions)

	again := w.build(t, ts2)
	assert.Equal(t, first.VersionHash, again.VersionHash, "unchanged rebuild keeps the version")
	assert.Equal(t, first.VersionTimestamp, again.VersionTimestamp)

	f, err := os.OpenFile(w.entry, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("// revised\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	second := w.build(t, ts2)
	assert.NotEqual(t, first.VersionHash, second.VersionHash)
	require.Len(t, second.LinkedVersions, 1)
	assert.Equal(t, first.VersionHash, second.LinkedVersions[0].VersionHash)

	out, err := w.run(t, "query", first.VersionHash,
		"SELECT c.city FROM lookup(city => $1) l JOIN capitals c ON c.country = l.country ORDER BY c.city",
		"--bind", `"anywhere"`, "--format", "json")
	require.NoError(t, err, out)
	var res struct {
		LatestVersionHash string           `json:"latestVersionHash"`
		Outputs           []map[string]any `json:"outputs"`
	}
	decodeData(t, out, &res)
	assert.Equal(t, second.VersionHash, res.LatestVersionHash)
	assert.Equal(t, []map[string]any{{"city": "Lima"}, {"city": "Paris"}}, res.Outputs)

	out, err = w.run(t, "versions", "--format", "json")
	require.NoError(t, err, out)
	var versions []map[string]any
	decodeData(t, out, &versions)
	require.Len(t, versions, 2)
	assert.Equal(t, second.VersionHash, versions[0]["versionHash"])
	assert.Equal(t, first.VersionHash, versions[0]["baseVersionHash"])
}

func TestBuildNewHistory(t *testing.T) {
	w := newWorkspace(t)
	first := w.build(t, ts1)
	require.NoError(t, os.WriteFile(w.entry, append(mustRead(t, w.entry), "// v2\n"...), 0o644))

	fresh := w.build(t, ts2, "--new-history")
	assert.NotEqual(t, first.VersionHash, fresh.VersionHash)
	assert.Empty(t, fresh.LinkedVersions)
}

func TestBuildCompileErrorExitCode(t *testing.T) {
	w := newWorkspace(t)
	require.NoError(t, os.WriteFile(w.entry, []byte("name: \"broken\"\n"), 0o644))

	out, err := w.run(t, "build", w.entry)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [")
}

func TestQueryTextAndErrors(t *testing.T) {
	w := newWorkspace(t)
	built := w.build(t, ts1)

	out, err := w.run(t, "query", built.VersionHash, "SELECT city FROM capitals WHERE country = $1", "-b", "Peru")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Lima")
	assert.Contains(t, out, "(1 rows)")

	out, err = w.run(t, "query", built.VersionHash, "SELECT * FROM notes", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "UNAUTHORIZED_TABLE")

	out, err = w.run(t, "query", built.VersionHash, "INSERT INTO notes (body) VALUES ('x')", "--internal")
	require.NoError(t, err, out)
	assert.Contains(t, out, "changes")
}

func TestStreamCommand(t *testing.T) {
	w := newWorkspace(t)
	built := w.build(t, ts1)

	out, err := w.run(t, "stream", built.VersionHash, "capitals",
		"--input", `{"country":"France"}`, "--stream-id", "s-9", "--format", "json")
	require.NoError(t, err, out)
	var res StreamOutput
	decodeData(t, out, &res)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "s-9", res.Events[0].StreamID)
	assert.Equal(t, "Paris", res.Events[0].Output["city"])
	assert.Equal(t, int64(1), res.Result.Metadata.Microgons)

	_, err = w.run(t, "stream", built.VersionHash, "capitals", "--input", "not json")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestVerifyCommand(t *testing.T) {
	w := newWorkspace(t)
	built := w.build(t, ts1, "--no-install")
	assert.False(t, built.Installed)

	out, err := w.run(t, "verify", built.ManifestPath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "verified")

	var m map[string]any
	require.NoError(t, json.Unmarshal(mustRead(t, built.ManifestPath), &m))
	m["versionTimestamp"] = 1700000000001
	data, err := json.Marshal(m)
	require.NoError(t, err)
	tampered := filepath.Join(t.TempDir(), "tampered.json")
	require.NoError(t, os.WriteFile(tampered, data, 0o644))

	out, err = w.run(t, "verify", tampered)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗")

	m["versionHash"] = "nope"
	data, err = json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(tampered, data, 0o644))
	out, err = w.run(t, "verify", tampered, "--format", "json")
	require.Error(t, err)
	assert.Contains(t, out, "MANIFEST_VALIDATION")
}

func TestParseCommand(t *testing.T) {
	w := newWorkspace(t)
	out, err := w.run(t, "parse", "SELECT * FROM self(tester => $1)", "--function", "tester", "--format", "json")
	require.NoError(t, err, out)

	var res ParseResult
	decodeData(t, out, &res)
	assert.Equal(t, "select", res.Command)
	assert.Equal(t, []ParsedCall{{Name: "tester", Args: []string{"tester"}}}, res.Functions)
	assert.Equal(t, 1, res.MaxParam)
	assert.NotContains(t, res.SQL, "self")

	_, err = w.run(t, "parse", "SELEC 1")
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
