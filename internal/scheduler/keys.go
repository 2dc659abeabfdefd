package scheduler

import (
	"github.com/google/uuid"
	"go.followtheprocess.codes/emera/internal/syntax"
)

// entry is what the editor path remembers about a region between updates.
type entry struct {
	key       string      // Render key, a region keeps its output while its key is unchanged
	source    string      // Source text of the region
	component string      // Named component shortcut, if any
	kind      syntax.Kind // Kind of region
	cursor    bool        // Whether the cursor was inside the region
}

// step is the plan for a single region in an editor update.
type step struct {
	entry

	reset bool // The region's write scope must be cleared before it runs again
}

// plan assigns render keys to regions, reusing the key from the previous update
// wherever the cached output can be trusted.
//
// Walking in document order:
//
//   - Once a region has the cursor inside it, it and every region after it keep
//     their previous keys so typing doesn't re-render anything.
//   - A region keeps its key when the region in the same slot last time had the same
//     kind and source, unless an earlier region forced re-evaluation.
//   - A changed script, or the cursor leaving a script, forces re-evaluation of every
//     region after it because they may read its exports. Markup never does.
func plan(previous []entry, regions []syntax.Region, cursors []bool, newKey func() string) []step {
	steps := make([]step, 0, len(regions))

	var forceCached, reevaluate bool
	for i, region := range regions {
		current := entry{
			kind:      region.Kind,
			source:    region.Source,
			component: region.Component,
			cursor:    i < len(cursors) && cursors[i],
		}

		var old *entry
		if i < len(previous) {
			old = &previous[i]
		}

		if current.cursor {
			forceCached = true
		}

		switch {
		case old != nil && old.cursor && !current.cursor:
			// The cursor just left, whatever was typed while it was inside runs now
			if old.kind.IsScript() || current.kind.IsScript() {
				reevaluate = true
			}
			current.key = newKey()
		case forceCached:
			if old != nil {
				current.key = old.key
			} else {
				current.key = newKey()
			}
		case old == nil || reevaluate:
			current.key = newKey()
		case old.same(current):
			current.key = old.key
		default:
			if old.kind.IsScript() || current.kind.IsScript() {
				reevaluate = true
			}
			current.key = newKey()
		}

		steps = append(steps, step{entry: current, reset: reevaluate && !forceCached})
	}

	return steps
}

// same reports whether two entries describe the same region content.
func (e entry) same(other entry) bool {
	return e.kind == other.kind && e.source == other.source && e.component == other.component
}

// randomKey returns a new random render key.
func randomKey() string {
	return uuid.NewString()
}
