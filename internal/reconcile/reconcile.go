// Package reconcile merges canonical server state with locally queued,
// not-yet-synced edits so reads always reflect the user's latest intent.
package reconcile

import (
	"time"

	"riskmate-sync/internal/models"
)

// Reconcile folds pending field edits over a canonical entity and
// returns the merged view.
//
// Properties relied on elsewhere:
//   - empty mutation set returns the canonical entity unchanged
//   - per-field last-write-wins by mutation timestamp, independent of
//     iteration order; equal timestamps fall back to queue position
//   - unknown fields are ignored, so newer app builds can ship fields
//     this service has never heard of
//   - reapplying the same set to the same canonical baseline always
//     produces the same result; mutations never target prior merge
//     output, only the canonical snapshot
func Reconcile(canonical models.Entity, mutations []models.PendingMutation) models.Entity {
	if len(mutations) == 0 {
		return canonical
	}
	merged := canonical.Clone()
	if merged.Fields == nil {
		merged.Fields = make(map[string]any)
	}
	applied := make(map[string]time.Time, len(mutations))
	for _, m := range mutations {
		if m.EntityID != canonical.ID {
			continue
		}
		if !models.KnownField(canonical.Type, m.Field) {
			continue
		}
		if prev, ok := applied[m.Field]; ok && m.Timestamp.Before(prev) {
			continue
		}
		applied[m.Field] = m.Timestamp
		merged.Fields[m.Field] = m.NewValue
	}
	return merged
}

// ReconcileList combines canonical entities with locally drafted ones.
// Drafts come first so fresh local work surfaces at the top, and any
// draft whose id already appears canonically is dropped: once the
// upstream confirms a creation the server copy is the truth, and
// showing both would duplicate the record.
func ReconcileList(canonical []models.Entity, drafts []models.Entity) []models.Entity {
	seen := make(map[string]struct{}, len(canonical))
	for _, e := range canonical {
		seen[e.ID] = struct{}{}
	}
	out := make([]models.Entity, 0, len(canonical)+len(drafts))
	for _, d := range drafts {
		if _, dup := seen[d.ID]; dup {
			continue
		}
		out = append(out, d)
	}
	return append(out, canonical...)
}
