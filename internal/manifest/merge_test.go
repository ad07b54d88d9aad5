package manifest

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/datastore/internal/apierr"
)

func mustState(t *testing.T, m *Manifest) map[string]any {
	t.Helper()
	state, err := toState(m)
	require.NoError(t, err)
	return state
}

func TestApplyPatchMergesByName(t *testing.T) {
	state := mustState(t, &Manifest{
		RunnersByName: map[string]FunctionEntry{
			"search": {CorePlugins: map[string]string{"hero": "1.0"}, Prices: DefaultPrice()},
			"lookup": {Prices: DefaultPrice()},
		},
		TablesByName: map[string]TableEntry{"cities": {Prices: DefaultTablePrice()}},
	})

	res, err := applyPatch(state, Patch{
		"runnersByName": map[string]any{
			"search": map[string]any{"prices": []any{map[string]any{"perQuery": json.Number("7")}}},
		},
		"tablesByName": map[string]any{
			"cities": map[string]any{"prices": []any{map[string]any{}}},
		},
		"paymentAddress": "ar1xyz",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"paymentAddress", "runnersByName", "tablesByName"}, res.keys)
	assert.False(t, res.clearedHistory)

	m, err := fromState(state)
	require.NoError(t, err)
	assert.Equal(t, []Price{{PerQuery: 7, Minimum: 7}}, m.RunnersByName["search"].Prices)
	assert.Equal(t, map[string]string{"hero": "1.0"}, m.RunnersByName["search"].CorePlugins)
	assert.Equal(t, DefaultPrice(), m.RunnersByName["lookup"].Prices)
	assert.Equal(t, []TablePrice{{PerQuery: 0}}, m.TablesByName["cities"].Prices)
	assert.Equal(t, "ar1xyz", m.PaymentAddress)
}

func TestApplyPatchAddsEntries(t *testing.T) {
	state := mustState(t, &Manifest{})
	_, err := applyPatch(state, Patch{
		"crawlersByName": map[string]any{"feed": map[string]any{}},
	})
	require.NoError(t, err)

	m, err := fromState(state)
	require.NoError(t, err)
	require.Contains(t, m.CrawlersByName, "feed")
	assert.Empty(t, m.CrawlersByName["feed"].Prices)
}

func TestApplyPatchDoesNotAliasLayer(t *testing.T) {
	patch := Patch{"runnersByName": map[string]any{
		"search": map[string]any{"prices": []any{map[string]any{"perQuery": json.Number("3")}}},
	}}
	_, err := applyPatch(mustState(t, &Manifest{}), patch)
	require.NoError(t, err)

	price := patch["runnersByName"].(map[string]any)["search"].(map[string]any)["prices"].([]any)[0].(map[string]any)
	assert.NotContains(t, price, "minimum")
}

func TestApplyPatchClearsHistory(t *testing.T) {
	state := mustState(t, &Manifest{LinkedVersions: []VersionEntry{{VersionHash: "dbx1" + strings.Repeat("q", 18), VersionTimestamp: 1}}})
	res, err := applyPatch(state, Patch{"linkedVersions": []any{}})
	require.NoError(t, err)
	assert.True(t, res.clearedHistory)
	assert.Equal(t, []any{}, state["linkedVersions"])
}

func TestApplyPatchRejectsMalformedEntries(t *testing.T) {
	tests := []Patch{
		{"runnersByName": "nope"},
		{"runnersByName": map[string]any{"x": 4}},
		{"tablesByName": map[string]any{"x": map[string]any{"prices": "free"}}},
		{"crawlersByName": map[string]any{"x": map[string]any{"prices": []any{1}}}},
	}
	for _, p := range tests {
		_, err := applyPatch(mustState(t, &Manifest{}), p)
		assert.Error(t, err, "%v", p)
	}
}

func TestValidateCollectsEveryViolation(t *testing.T) {
	m := &Manifest{
		VersionHash:      "dbx0bad",
		VersionTimestamp: 1000,
		ScriptHash:       "nope",
		RunnersByName:    map[string]FunctionEntry{"Bad-Name": {Prices: DefaultPrice()}},
		CrawlersByName:   map[string]FunctionEntry{},
		TablesByName:     map[string]TableEntry{},
		LinkedVersions:   []VersionEntry{},
		AdminIdentities:  []string{},
	}
	err := Validate("datastore-manifest.json", m)
	require.Error(t, err)
	require.True(t, apierr.IsManifestValidation(err), "got %v", err)

	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.GreaterOrEqual(t, len(apiErr.Fields), 3)
	msg := err.Error()
	for _, field := range []string{"versionHash", "versionTimestamp", "scriptHash"} {
		assert.Contains(t, msg, field)
	}
}

func TestValidateAcceptsBuiltManifest(t *testing.T) {
	m := &Manifest{
		VersionHash:      "dbx1" + strings.Repeat("q", 18),
		VersionTimestamp: 1700000000000,
		ScriptHash:       "scr1" + strings.Repeat("q", 58),
		ScriptEntrypoint: "proj/ds.cue",
		CoreVersion:      "2.0.0",
		RunnersByName: map[string]FunctionEntry{
			"search": {CorePlugins: map[string]string{}, Prices: []Price{{PerQuery: 1, Minimum: 1, AddOns: perKb(2)}}},
		},
		CrawlersByName:  map[string]FunctionEntry{},
		TablesByName:    map[string]TableEntry{"cities": {Prices: DefaultTablePrice(), SchemaAsJSON: json.RawMessage(`{"name":{"typeName":"string"}}`)}},
		LinkedVersions:  []VersionEntry{},
		AdminIdentities: []string{"id1" + strings.Repeat("z", 58)},
	}
	assert.NoError(t, Validate("ok.json", m))
}

func TestValidateJSONRejectsUnknownFields(t *testing.T) {
	err := ValidateJSON("x.json", []byte(`{"surprise": true}`))
	assert.True(t, apierr.IsManifestValidation(err), "got %v", err)
}
