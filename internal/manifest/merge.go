package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/samber/lo"
)

// byNameKeys are the settings merged entry by entry rather than replaced.
// The bool reports whether the entries carry a minimum price.
var byNameKeys = map[string]bool{
	"runnersByName":  true,
	"crawlersByName": true,
	"tablesByName":   false,
}

// Patch is a set of explicit settings from one configuration layer.
type Patch map[string]any

// mergeResult reports what applying a patch changed.
type mergeResult struct {
	keys           []string
	clearedHistory bool
}

// applyPatch applies p onto state, a manifest decoded into generic JSON.
// By-name maps merge per entry with the patch's fields replacing the
// entry's fields; each touched entry then has its price defaults
// backfilled. Every other setting replaces the stored value. Nil values
// are ignored.
func applyPatch(state map[string]any, p Patch) (mergeResult, error) {
	var res mergeResult
	for _, key := range sortedKeys(p) {
		val := cloneJSON(p[key])
		if val == nil {
			continue
		}
		res.keys = append(res.keys, key)

		withMinimum, byName := byNameKeys[key]
		if !byName {
			if key == "linkedVersions" {
				if list, ok := val.([]any); ok && len(list) == 0 {
					res.clearedHistory = true
				}
			}
			state[key] = val
			continue
		}

		entries, ok := val.(map[string]any)
		if !ok {
			return res, fmt.Errorf("%s: expected an object, got %T", key, val)
		}
		current, _ := state[key].(map[string]any)
		if current == nil {
			current = map[string]any{}
		}
		for name, raw := range entries {
			patch, ok := raw.(map[string]any)
			if !ok {
				return res, fmt.Errorf("%s.%s: expected an object, got %T", key, name, raw)
			}
			entry, _ := current[name].(map[string]any)
			if entry == nil {
				entry = map[string]any{}
			}
			for k, v := range patch {
				entry[k] = v
			}
			if err := backfillPrices(entry, withMinimum); err != nil {
				return res, fmt.Errorf("%s.%s: %w", key, name, err)
			}
			current[name] = entry
		}
		state[key] = current
	}
	return res, nil
}

// backfillPrices fills perQuery with 0 and, for functions, minimum with
// perQuery.
func backfillPrices(entry map[string]any, withMinimum bool) error {
	prices, ok := entry["prices"].([]any)
	if !ok {
		if entry["prices"] != nil {
			return fmt.Errorf("prices: expected a list, got %T", entry["prices"])
		}
		prices = []any{}
	}
	for i, raw := range prices {
		price, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("prices[%d]: expected an object, got %T", i, raw)
		}
		if price["perQuery"] == nil {
			price["perQuery"] = json.Number("0")
		}
		if withMinimum && price["minimum"] == nil {
			price["minimum"] = price["perQuery"]
		}
	}
	entry["prices"] = prices
	return nil
}

// cloneJSON deep-copies generic JSON so merging never aliases a layer's
// own settings.
func cloneJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = cloneJSON(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneJSON(e)
		}
		return out
	default:
		return v
	}
}

// toState converts a manifest into generic JSON for merging.
func toState(m *Manifest) (map[string]any, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return decodeObject(data)
}

// fromState converts merged generic JSON back into a manifest.
func fromState(state map[string]any) (*Manifest, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode merged manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode merged manifest: %w", err)
	}
	return &m, nil
}

// decodeObject decodes a JSON object keeping numbers exact.
func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
