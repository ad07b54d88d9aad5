// Package manifest maintains versioned datastore manifests.
//
// A build produces one dbx manifest: the authoritative public JSON of a
// datastore version. Configuration layers (global, project and entrypoint
// files) can override its settings, and each layer records the last
// generated version plus a ledger of every version it has seen.
//
// Version hashes are content addressed. Rebuilding an unchanged datastore
// keeps its hash; any change to scripts, prices, identities or linked
// history produces a new one and pushes the previous version onto
// linkedVersions.
package manifest

import (
	"encoding/json"
	"sort"

	"github.com/samber/lo"
)

// Source identifies which file a manifest instance is backed by.
type Source string

const (
	// SourceDbx is the authoritative build output.
	SourceDbx Source = "dbx"

	// SourceEntrypoint is the <entry>-manifest.json file next to a definition.
	SourceEntrypoint Source = "entrypoint"

	// SourceProject is the shared datastores.json in a project config dir.
	SourceProject Source = "project"

	// SourceGlobal is the shared datastores.json in the user's config dir.
	SourceGlobal Source = "global"
)

// Reserved keys of a configuration layer.
const (
	generatedKey = "__GENERATED_LAST_VERSION__"
	historyKey   = "__VERSION_HISTORY__"
)

// VersionEntry is one prior version of a datastore.
type VersionEntry struct {
	VersionHash      string `json:"versionHash"`
	VersionTimestamp int64  `json:"versionTimestamp"`
}

// PriceAddOns holds optional surcharges on a price tier.
type PriceAddOns struct {
	PerKb *int64 `json:"perKb,omitempty"`
}

// Price is a runner or crawler price tier, in microgons.
type Price struct {
	PerQuery int64        `json:"perQuery"`
	Minimum  int64        `json:"minimum"`
	AddOns   *PriceAddOns `json:"addOns,omitempty"`
}

// TablePrice is a table price tier, in microgons.
type TablePrice struct {
	PerQuery int64 `json:"perQuery"`
}

// FunctionEntry describes a runner or crawler.
type FunctionEntry struct {
	CorePlugins  map[string]string `json:"corePlugins"`
	Prices       []Price           `json:"prices"`
	SchemaAsJSON json.RawMessage   `json:"schemaAsJson,omitempty"`
}

// TableEntry describes a public table.
type TableEntry struct {
	Prices       []TablePrice    `json:"prices"`
	SchemaAsJSON json.RawMessage `json:"schemaAsJson,omitempty"`
}

// Manifest is the public JSON form of a datastore version.
type Manifest struct {
	Name             string                   `json:"name,omitempty"`
	Domain           string                   `json:"domain,omitempty"`
	VersionHash      string                   `json:"versionHash"`
	VersionTimestamp int64                    `json:"versionTimestamp"`
	LinkedVersions   []VersionEntry           `json:"linkedVersions"`
	ScriptEntrypoint string                   `json:"scriptEntrypoint"`
	ScriptHash       string                   `json:"scriptHash"`
	CoreVersion      string                   `json:"coreVersion"`
	SchemaInterface  string                   `json:"schemaInterface,omitempty"`
	RunnersByName    map[string]FunctionEntry `json:"runnersByName"`
	CrawlersByName   map[string]FunctionEntry `json:"crawlersByName"`
	TablesByName     map[string]TableEntry    `json:"tablesByName"`
	PaymentAddress   string                   `json:"paymentAddress,omitempty"`
	AdminIdentities  []string                 `json:"adminIdentities"`
}

// Function returns the runner or crawler with the given name.
func (m *Manifest) Function(name string) (FunctionEntry, bool) {
	if fn, ok := m.RunnersByName[name]; ok {
		return fn, true
	}
	fn, ok := m.CrawlersByName[name]
	return fn, ok
}

// DefaultPrice is assigned to runners and crawlers without explicit prices.
func DefaultPrice() []Price { return []Price{{PerQuery: 0, Minimum: 0}} }

// DefaultTablePrice is assigned to tables without explicit prices.
func DefaultTablePrice() []TablePrice { return []TablePrice{{PerQuery: 0}} }

// SortVersions orders entries newest first, then by hash.
func SortVersions(entries []VersionEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].VersionTimestamp != entries[j].VersionTimestamp {
			return entries[i].VersionTimestamp > entries[j].VersionTimestamp
		}
		return entries[i].VersionHash < entries[j].VersionHash
	})
}

// UniqueVersions sorts entries and drops repeated hashes, keeping the
// newest entry of each.
func UniqueVersions(entries []VersionEntry) []VersionEntry {
	SortVersions(entries)
	return lo.UniqBy(entries, func(e VersionEntry) string { return e.VersionHash })
}

func containsVersion(entries []VersionEntry, hash string) bool {
	for _, e := range entries {
		if e.VersionHash == hash {
			return true
		}
	}
	return false
}
