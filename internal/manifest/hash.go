package manifest

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/roach88/datastore/internal/apierr"
	"github.com/roach88/datastore/internal/canon"
)

// ComputeVersionHash returns the content hash of m.
//
// The hash covers, in order: scriptHash, versionTimestamp, scriptEntrypoint,
// runner price tiers and crawler price tiers (each sorted by name, one
// [perQuery, minimum] or [perQuery, minimum, perKb] array per tier), table
// perQuery values sorted by name, paymentAddress, adminIdentities in their
// given order, and linkedVersions newest first with ties broken by hash.
// Missing prices count as the default tier. The input is canonical JSON
// digested under canon.DomainVersion.
//
// linkedVersions is sorted and de-duplicated by hash in place.
func ComputeVersionHash(m *Manifest) (string, error) {
	m.LinkedVersions = UniqueVersions(m.LinkedVersions)

	linked := make([]any, len(m.LinkedVersions))
	for i, v := range m.LinkedVersions {
		linked[i] = map[string]any{
			"versionHash":      v.VersionHash,
			"versionTimestamp": v.VersionTimestamp,
		}
	}

	input := []any{
		m.ScriptHash,
		m.VersionTimestamp,
		m.ScriptEntrypoint,
		functionTiers(m.RunnersByName),
		functionTiers(m.CrawlersByName),
		tableTiers(m.TablesByName),
		m.PaymentAddress,
		lo.Map(m.AdminIdentities, func(id string, _ int) any { return id }),
		linked,
	}

	digest, err := canon.DigestValue(canon.DomainVersion, input)
	if err != nil {
		return "", fmt.Errorf("hash manifest: %w", err)
	}
	return canon.VersionHash(digest)
}

func functionTiers(byName map[string]FunctionEntry) []any {
	var out []any
	for _, name := range sortedKeys(byName) {
		prices := byName[name].Prices
		if prices == nil {
			prices = DefaultPrice()
		}
		for _, p := range prices {
			tier := []any{p.PerQuery, p.Minimum}
			if p.AddOns != nil && p.AddOns.PerKb != nil {
				tier = append(tier, *p.AddOns.PerKb)
			}
			out = append(out, tier)
		}
	}
	return lo.Ternary(out == nil, []any{}, out)
}

func tableTiers(byName map[string]TableEntry) []any {
	out := []any{}
	for _, name := range sortedKeys(byName) {
		prices := byName[name].Prices
		if prices == nil {
			prices = DefaultTablePrice()
		}
		for _, p := range prices {
			out = append(out, p.PerQuery)
		}
	}
	return out
}

// ValidateVersionHash rejects anything that is not a dbx1 version hash.
func ValidateVersionHash(hash string) error {
	if !canon.IsVersionHash(hash) {
		return apierr.NewInvalidVersionHash(hash)
	}
	return nil
}
