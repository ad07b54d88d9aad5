package harness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/datastore/internal/canon"
)

func loadScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestScenariosGolden(t *testing.T) {
	for _, name := range []string{"history", "queries", "streams"} {
		t.Run(name, func(t *testing.T) {
			result := RunWithGolden(t, loadScenario(t, name))
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRunExposesVersionHashes(t *testing.T) {
	result, err := Run(context.Background(), loadScenario(t, "history"), t.TempDir())
	require.NoError(t, err)

	require.Len(t, result.Versions, 3)
	for label, hash := range result.Versions {
		assert.True(t, canon.IsVersionHash(hash), "%s: %s", label, hash)
	}
	assert.NotEqual(t, result.Versions["v1"], result.Versions["v2"])
}

func TestRunIsDeterministic(t *testing.T) {
	s := loadScenario(t, "history")
	first, err := Run(context.Background(), s, t.TempDir())
	require.NoError(t, err)
	second, err := Run(context.Background(), s, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, first.Versions, second.Versions)
	assert.Equal(t, first.Steps, second.Steps)
}

func TestRunReportsExpectationFailures(t *testing.T) {
	s := loadScenario(t, "streams")
	s.Steps = s.Steps[:2]
	wrong := int64(99)
	s.Steps[1].Expect = &Expect{Microgons: &wrong, Rows: []map[string]any{}}

	result, err := Run(context.Background(), s, t.TempDir())
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "expected 99 microgons, got 3")
	assert.Contains(t, result.Errors[1], "expected rows []")
}

func TestRunReportsUnexpectedErrors(t *testing.T) {
	s := loadScenario(t, "queries")
	s.Steps = []Step{
		s.Steps[0],
		{Query: &QueryStep{Version: "v1", SQL: "SELECT * FROM notes"}},
	}

	result, err := Run(context.Background(), s, t.TempDir())
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "unexpected error: UNAUTHORIZED_TABLE")
}

func TestRunRejectsUnknownLabel(t *testing.T) {
	s := loadScenario(t, "queries")
	s.Steps = []Step{{Query: &QueryStep{Version: "v1", SQL: "SELECT 1"}}}

	_, err := Run(context.Background(), s, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no version labeled v1")
}

func TestBuildCompileErrorIsRecorded(t *testing.T) {
	def := filepath.Join(t.TempDir(), "broken.cue")
	require.NoError(t, os.WriteFile(def, []byte("name: \"broken\"\n"), 0o644))
	s := &Scenario{
		Name:       "broken",
		Definition: def,
		Steps:      []Step{{Build: &BuildStep{Timestamp: 1700000000000}, Expect: &Expect{Error: "coreVersion"}}},
	}

	result, err := Run(context.Background(), s, t.TempDir())
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.NotEmpty(t, result.Steps[0].Error)
}

func TestLoadScenarioErrors(t *testing.T) {
	def, err := filepath.Abs(filepath.Join("testdata", "definitions", "echo.cue"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown field",
			yaml:    "name: x\ndescription: d\ndefinition: " + def + "\nstepz: []\n",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "missing name",
			yaml:    "description: d\ndefinition: " + def + "\nsteps: [{build: {timestamp: 1}}]\n",
			wantErr: "name is required",
		},
		{
			name:    "missing definition file",
			yaml:    "name: x\ndescription: d\ndefinition: nope.cue\nsteps: [{build: {timestamp: 1}}]\n",
			wantErr: "definition not found",
		},
		{
			name:    "no steps",
			yaml:    "name: x\ndescription: d\ndefinition: " + def + "\nsteps: []\n",
			wantErr: "steps list is required",
		},
		{
			name:    "two actions in one step",
			yaml:    "name: x\ndescription: d\ndefinition: " + def + "\nsteps: [{build: {timestamp: 1}, edit: {append: x}}]\n",
			wantErr: "exactly one of",
		},
		{
			name:    "build without timestamp",
			yaml:    "name: x\ndescription: d\ndefinition: " + def + "\nsteps: [{build: {}}]\n",
			wantErr: "timestamp is required",
		},
		{
			name:    "query with hash instead of label",
			yaml:    "name: x\ndescription: d\ndefinition: " + def + "\nsteps: [{query: {version: dbx1abc, sql: SELECT 1}}]\n",
			wantErr: "must be a label",
		},
		{
			name:    "expect with bad label",
			yaml:    "name: x\ndescription: d\ndefinition: " + def + "\nsteps: [{build: {timestamp: 1}, expect: {linked: [first]}}]\n",
			wantErr: "is not a version label",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "scenario.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))

			_, err := LoadScenario(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenarioResolvesDefinition(t *testing.T) {
	s := loadScenario(t, "history")
	assert.Equal(t, filepath.Join("testdata", "definitions", "echo.cue"), s.Definition)
	require.Len(t, s.Steps, 9)
	assert.True(t, s.Steps[6].Build.NewHistory)
}
