package warehouse

import "github.com/mkeating/fourgate/internal/event"

// mergeIncident folds an incoming incident row into an existing one. The
// transport makes no ordering promises, so a "resolved" event may land before
// its "opened" counterpart; merge-by-id absorbs either order.
//
// Rules:
//   - time_created is the earliest seen (an open event arriving after a
//     resolve pulls creation back to the true start).
//   - time_resolved transitions nil -> set exactly once and is never
//     overwritten afterward.
//   - changes is the union, preserving existing order.
//
// Returns the merged row and whether anything changed.
func mergeIncident(existing, incoming event.Incident) (event.Incident, bool) {
	merged := existing
	changed := false

	if !incoming.TimeCreated.IsZero() &&
		(merged.TimeCreated.IsZero() || incoming.TimeCreated.Before(merged.TimeCreated)) {
		merged.TimeCreated = incoming.TimeCreated
		changed = true
	}

	if merged.TimeResolved == nil && incoming.TimeResolved != nil {
		t := *incoming.TimeResolved
		merged.TimeResolved = &t
		changed = true
	}

	if len(incoming.Changes) > 0 {
		seen := make(map[string]bool, len(merged.Changes))
		for _, c := range merged.Changes {
			seen[c] = true
		}
		for _, c := range incoming.Changes {
			if !seen[c] {
				merged.Changes = append(merged.Changes, c)
				seen[c] = true
				changed = true
			}
		}
	}

	return merged, changed
}
