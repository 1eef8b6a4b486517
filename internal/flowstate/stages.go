package flowstate

// MergeStages implements the stage merge rule from spec.md §4.5: for each
// incoming stage, find an existing entry with the same Stage name. If found,
// keep the first OccurredAt, overwrite Status, and deep-merge Metadata. If
// not found, append. The result is ordered: existing stages first (updated
// in place), then newly-appended stages in the order they arrived.
func MergeStages(existing []ChainStage, incoming []ChainStage) []ChainStage {
	merged := make([]ChainStage, len(existing))
	copy(merged, existing)

	index := make(map[Stage]int, len(merged))
	for i, s := range merged {
		index[s.Stage] = i
	}

	for _, in := range incoming {
		if i, ok := index[in.Stage]; ok {
			cur := merged[i]
			occurredAt := cur.OccurredAt // preserve first occurrence
			cur.Status = in.Status
			cur.Source = in.Source
			if in.TxHash != "" {
				cur.TxHash = in.TxHash
			}
			if in.Message != "" {
				cur.Message = in.Message
			}
			cur.Metadata = mergeMetadataMaps(cur.Metadata, in.Metadata)
			cur.OccurredAt = occurredAt
			merged[i] = cur
			continue
		}
		index[in.Stage] = len(merged)
		merged = append(merged, in)
	}
	return merged
}

// ConfirmedStages returns the Stage names of every entry in stages whose
// status is confirmed, in the order they appear.
func ConfirmedStages(stages []ChainStage) []Stage {
	out := make([]Stage, 0, len(stages))
	for _, s := range stages {
		if s.Status == StageStatusConfirmed {
			out = append(out, s.Stage)
		}
	}
	return out
}

// AppendCompletedStages returns the union of existing and newly confirmed
// stage names, preserving insertion order and de-duplicating.
func AppendCompletedStages(existing []Stage, newlyConfirmed []Stage) []Stage {
	seen := make(map[Stage]bool, len(existing))
	out := make([]Stage, 0, len(existing)+len(newlyConfirmed))
	for _, s := range existing {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range newlyConfirmed {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func mergeMetadataMaps(base, incoming map[string]any) map[string]any {
	if len(incoming) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(incoming))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range incoming {
		if v == nil {
			continue // never overwrite with absent
		}
		out[k] = v
	}
	return out
}
