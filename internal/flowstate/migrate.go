package flowstate

import "encoding/json"

// migrateLegacyLayout detects and repairs the legacy persisted layout
// described in spec.md §9: old records stored the initial metadata under
// pollingState.chainParams[initialChain].metadata instead of a top-level
// pollingState.metadata. It operates on the record's own raw JSON tree so
// that untyped legacy fields (chainParams[*].metadata, which the current
// ChainParam type no longer declares) are not silently dropped by a
// strongly-typed unmarshal before we get a chance to relocate them.
//
// Returns whether a migration was applied; when true, rec has already been
// re-populated from the migrated tree and the caller is responsible for
// persisting it.
func migrateLegacyLayout(rec *TransactionRecord) (didMigrate bool, changed bool, err error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, false, err
	}

	var tree map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tree); err != nil {
		return false, false, err
	}
	psRaw, ok := tree["pollingState"]
	if !ok || len(psRaw) == 0 || string(psRaw) == "null" {
		return false, false, nil // no polling state yet, nothing to migrate
	}

	var ps map[string]json.RawMessage
	if err := json.Unmarshal(psRaw, &ps); err != nil {
		return false, false, err
	}

	metadataPresent := hasNonEmptyObject(ps["metadata"])
	chainParamsRaw, hasChainParams := ps["chainParams"]
	if !hasChainParams || len(chainParamsRaw) == 0 {
		return false, false, nil
	}

	var chainParams map[string]map[string]json.RawMessage
	if err := json.Unmarshal(chainParamsRaw, &chainParams); err != nil {
		return false, false, err
	}

	// Collect metadata annexed under any chain's chainParams entry.
	collected := make(map[string]any)
	touched := false
	for chain, entry := range chainParams {
		mdRaw, ok := entry["metadata"]
		if !ok || !hasNonEmptyObject(mdRaw) {
			continue
		}
		var md map[string]any
		if err := json.Unmarshal(mdRaw, &md); err != nil {
			return false, false, err
		}
		for k, v := range md {
			if v == nil {
				continue
			}
			collected[k] = v
		}
		delete(entry, "metadata")
		chainParams[chain] = entry
		touched = true
	}

	if !touched || metadataPresent {
		// Either nothing to migrate, or a top-level metadata already exists
		// (spec says migration triggers only when state.metadata is absent);
		// still strip stray chainParams[*].metadata if present so it never
		// round-trips again, but don't touch an existing populated metadata.
		if touched && metadataPresent {
			return finalizeMigratedChainParams(rec, ps, tree, chainParams)
		}
		return false, false, nil
	}

	// Merge collected into top-level metadata (absent wins nothing; we're
	// creating it fresh here).
	var existingMD map[string]any
	if mdRaw, ok := ps["metadata"]; ok && len(mdRaw) > 0 {
		_ = json.Unmarshal(mdRaw, &existingMD)
	}
	if existingMD == nil {
		existingMD = make(map[string]any)
	}
	for k, v := range collected {
		existingMD[k] = v
	}
	mdBytes, err := json.Marshal(existingMD)
	if err != nil {
		return false, false, err
	}
	ps["metadata"] = mdBytes

	return finalizeMigratedChainParams(rec, ps, tree, chainParams)
}

func finalizeMigratedChainParams(rec *TransactionRecord, ps map[string]json.RawMessage, tree map[string]json.RawMessage, chainParams map[string]map[string]json.RawMessage) (bool, bool, error) {
	cpBytes, err := json.Marshal(chainParams)
	if err != nil {
		return false, false, err
	}
	ps["chainParams"] = cpBytes

	psBytes, err := json.Marshal(ps)
	if err != nil {
		return false, false, err
	}
	tree["pollingState"] = psBytes

	treeBytes, err := json.Marshal(tree)
	if err != nil {
		return false, false, err
	}

	var migrated TransactionRecord
	if err := json.Unmarshal(treeBytes, &migrated); err != nil {
		return false, false, err
	}
	*rec = migrated
	return true, true, nil
}

func hasNonEmptyObject(raw json.RawMessage) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	return len(m) > 0
}
