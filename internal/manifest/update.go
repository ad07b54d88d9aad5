package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Metadata is the descriptive part of a datastore definition.
type Metadata struct {
	Name            string
	Domain          string
	CoreVersion     string
	PaymentAddress  string
	AdminIdentities []string
}

// UpdateInput is the result of compiling a datastore definition.
type UpdateInput struct {
	// Entrypoint is the path of the definition file.
	Entrypoint string

	// ScriptHash identifies the definition's bytes.
	ScriptHash string

	// Timestamp is the build time in epoch milliseconds. Zero means now.
	Timestamp int64

	SchemaInterface string
	Runners         map[string]FunctionEntry
	Crawlers        map[string]FunctionEntry
	Tables          map[string]TableEntry
	Metadata        Metadata
}

// Update rebuilds the manifest from a compiled definition, applies the
// configuration layers, records version history and saves the result to
// the dbx file and every existing layer.
//
// Layers apply in the order global, project, entrypoint. The previous
// version is pushed onto linkedVersions only when the rebuild changes the
// version hash and no layer cleared the history.
func (f *File) Update(ctx context.Context, in UpdateInput) error {
	if _, err := f.Load(ctx); err != nil {
		return err
	}
	entry, err := filepath.Abs(in.Entrypoint)
	if err != nil {
		return fmt.Errorf("resolve entrypoint: %w", err)
	}
	scriptEntrypoint, err := f.scriptEntrypoint(entry)
	if err != nil {
		return err
	}
	layers, err := f.Layers(entry)
	if err != nil {
		return err
	}

	state, err := toState(&f.Manifest)
	if err != nil {
		return err
	}
	loaded := make([]bool, len(layers))
	for i, layer := range layers {
		ok, err := layer.Load(ctx)
		if err != nil {
			return fmt.Errorf("load %s manifest: %w", layer.Source, err)
		}
		loaded[i] = ok
		gen, err := layer.generated()
		if err != nil {
			return err
		}
		for k, v := range gen {
			if v != nil {
				state[k] = v
			}
		}
	}

	if err := f.applyDefinition(state, in); err != nil {
		return err
	}

	cleared := false
	for i, layer := range layers {
		if !loaded[i] || len(layer.ExplicitSettings) == 0 {
			continue
		}
		res, err := applyPatch(state, layer.ExplicitSettings)
		if err != nil {
			return fmt.Errorf("apply %s settings from %s: %w", layer.Source, layer.Path, err)
		}
		cleared = cleared || res.clearedHistory
		f.opts.logger.Info("applied manifest settings",
			"source", string(layer.Source), "path", layer.Path, "keys", res.keys)
	}

	m, err := fromState(state)
	if err != nil {
		return err
	}
	if m.LinkedVersions == nil {
		m.LinkedVersions = []VersionEntry{}
	}
	cleared = cleared && len(m.LinkedVersions) == 0

	m.ScriptEntrypoint = scriptEntrypoint
	m.ScriptHash = in.ScriptHash
	if err := f.advanceVersion(m, in.Timestamp, cleared); err != nil {
		return err
	}

	f.Manifest = *m
	f.HasClearedLinkedVersions = cleared
	if err := f.Save(ctx); err != nil {
		return err
	}
	f.opts.logger.Info("manifest updated",
		"version_hash", f.VersionHash, "linked_versions", len(f.LinkedVersions), "path", f.Path)
	return f.sync(ctx, layers)
}

// applyDefinition writes the compiled definition into state, replacing
// runners and crawlers wholesale.
func (f *File) applyDefinition(state map[string]any, in UpdateInput) error {
	if state["linkedVersions"] == nil {
		state["linkedVersions"] = []any{}
	}

	tables := make(map[string]TableEntry, len(in.Tables))
	if prior, ok := state["tablesByName"].(map[string]any); ok {
		if err := reencode(prior, &tables); err != nil {
			return fmt.Errorf("decode prior tables: %w", err)
		}
	}
	for name, t := range in.Tables {
		if t.Prices == nil {
			t.Prices = DefaultTablePrice()
		}
		tables[name] = t
	}

	def := Manifest{
		Name:            in.Metadata.Name,
		Domain:          in.Metadata.Domain,
		CoreVersion:     in.Metadata.CoreVersion,
		SchemaInterface: in.SchemaInterface,
		PaymentAddress:  in.Metadata.PaymentAddress,
		AdminIdentities: in.Metadata.AdminIdentities,
		RunnersByName:   withFunctionDefaults(in.Runners),
		CrawlersByName:  withFunctionDefaults(in.Crawlers),
		TablesByName:    tables,
	}
	if def.AdminIdentities == nil {
		def.AdminIdentities = []string{}
	}
	defState, err := toState(&def)
	if err != nil {
		return err
	}
	for _, key := range []string{
		"name", "domain", "coreVersion", "schemaInterface", "paymentAddress",
		"adminIdentities", "runnersByName", "crawlersByName", "tablesByName",
	} {
		if v, ok := defState[key]; ok {
			state[key] = v
		} else {
			delete(state, key)
		}
	}
	return nil
}

func withFunctionDefaults(in map[string]FunctionEntry) map[string]FunctionEntry {
	out := make(map[string]FunctionEntry, len(in))
	for name, fn := range in {
		if fn.CorePlugins == nil {
			fn.CorePlugins = map[string]string{}
		}
		if fn.Prices == nil {
			fn.Prices = DefaultPrice()
		}
		out[name] = fn
	}
	return out
}

// advanceVersion assigns m its version hash. An unchanged rebuild keeps
// the prior hash and timestamp. Otherwise the prior version joins
// linkedVersions, unless the history was cleared.
func (f *File) advanceVersion(m *Manifest, ts int64, cleared bool) error {
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	prior := VersionEntry{VersionHash: m.VersionHash, VersionTimestamp: m.VersionTimestamp}

	if prior.VersionHash != "" && prior.VersionTimestamp > 0 {
		same, err := ComputeVersionHash(m)
		if err != nil {
			return err
		}
		if same == prior.VersionHash {
			return nil
		}
		if !cleared && !containsVersion(m.LinkedVersions, prior.VersionHash) {
			m.LinkedVersions = append([]VersionEntry{prior}, m.LinkedVersions...)
		}
	}

	m.VersionTimestamp = ts
	hash, err := ComputeVersionHash(m)
	if err != nil {
		return err
	}
	m.VersionHash = hash
	return nil
}

// SetLinkedVersions replaces the version history of the manifest built
// from entrypoint, for example to start a new chain, and saves it.
func (f *File) SetLinkedVersions(ctx context.Context, entrypoint string, versions []VersionEntry) error {
	if _, err := f.Load(ctx); err != nil {
		return err
	}
	for _, v := range versions {
		if err := ValidateVersionHash(v.VersionHash); err != nil {
			return err
		}
	}
	entry, err := filepath.Abs(entrypoint)
	if err != nil {
		return fmt.Errorf("resolve entrypoint: %w", err)
	}
	layers, err := f.Layers(entry)
	if err != nil {
		return err
	}
	for _, layer := range layers {
		if _, err := layer.Load(ctx); err != nil {
			return fmt.Errorf("load %s manifest: %w", layer.Source, err)
		}
	}

	f.LinkedVersions = append([]VersionEntry{}, versions...)
	hash, err := ComputeVersionHash(&f.Manifest)
	if err != nil {
		return err
	}
	f.VersionHash = hash
	if err := f.Save(ctx); err != nil {
		return err
	}
	return f.sync(ctx, layers)
}

// sync copies the final manifest into every existing layer and adds the
// version to the layer's ledger.
func (f *File) sync(ctx context.Context, layers []*File) error {
	current := VersionEntry{VersionHash: f.VersionHash, VersionTimestamp: f.VersionTimestamp}
	for _, layer := range layers {
		if !layer.Exists() {
			continue
		}
		if !containsVersion(layer.AllVersions, current.VersionHash) {
			layer.AllVersions = append([]VersionEntry{current}, layer.AllVersions...)
		}
		layer.Manifest = f.Manifest
		if err := layer.Save(ctx); err != nil {
			return fmt.Errorf("save %s manifest: %w", layer.Source, err)
		}
	}
	return nil
}

// Layers returns the configuration layers of the definition at entry, in
// the order they apply: global, project when a project config dir is
// found, then the entrypoint's own <entry>-manifest.json.
func (f *File) Layers(entry string) ([]*File, error) {
	manifestPath := EntrypointManifestPath(entry)
	opts := func(o *options) { *o = f.opts }

	global, err := NewLayer(SourceGlobal,
		filepath.Join(f.opts.globalDir, SharedConfigFile), manifestPath, opts)
	if err != nil {
		return nil, err
	}
	layers := []*File{global}

	if dir, ok := findUp(filepath.Dir(entry), f.opts.projectDir); ok {
		configDir := filepath.Join(dir, f.opts.projectDir)
		key, err := filepath.Rel(configDir, manifestPath)
		if err != nil {
			return nil, fmt.Errorf("relate %s to %s: %w", manifestPath, configDir, err)
		}
		project, err := NewLayer(SourceProject,
			filepath.Join(configDir, SharedConfigFile), filepath.ToSlash(key), opts)
		if err != nil {
			return nil, err
		}
		layers = append(layers, project)
	}

	local, err := NewLayer(SourceEntrypoint, manifestPath, "", opts)
	if err != nil {
		return nil, err
	}
	return append(layers, local), nil
}

// EntrypointManifestPath returns <entry without extension>-manifest.json.
func EntrypointManifestPath(entry string) string {
	return strings.TrimSuffix(entry, filepath.Ext(entry)) + "-manifest.json"
}

// scriptEntrypoint is entry relative to the parent of its project root,
// so it keeps the project directory's name.
func (f *File) scriptEntrypoint(entry string) (string, error) {
	root, ok := findUp(filepath.Dir(entry), f.opts.projectDir)
	if !ok {
		root = filepath.Dir(entry)
	}
	rel, err := filepath.Rel(filepath.Dir(root), entry)
	if err != nil {
		return "", fmt.Errorf("relate entrypoint: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// findUp returns the nearest directory at or above start containing name.
func findUp(start, name string) (string, bool) {
	dir := start
	for {
		if fileExists(filepath.Join(dir, name)) {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
