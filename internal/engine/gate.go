package engine

import (
	"sort"

	"fieldops/internal/model"
)

// Gate enforces sequential unlocking of a visit's activities. It keeps a
// cursor to the single currently-unlockable activity, recomputed only on
// transition, so lookups are O(1).
//
// In a read-only context (visit already completed or skipped) the gate
// degrades: everything is viewable, nothing is transitionable, and statuses
// are whatever was durably recorded.
type Gate struct {
	acts     []model.Activity
	cursor   int // index of the first pending activity; len(acts) when none
	readOnly bool
}

// NewGate builds a gate over the merged activity view, ordered by sequence.
func NewGate(acts []model.Activity, readOnly bool) *Gate {
	sorted := append([]model.Activity(nil), acts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
	g := &Gate{acts: sorted, readOnly: readOnly}
	g.recompute()
	return g
}

func (g *Gate) recompute() {
	g.cursor = len(g.acts)
	for i := range g.acts {
		if g.acts[i].Status == model.ActivityPending {
			g.cursor = i
			break
		}
	}
}

// Activities returns the gate's view, sequence-ordered.
func (g *Gate) Activities() []model.Activity { return g.acts }

// ReadOnly reports whether the gate is in degraded viewing mode.
func (g *Gate) ReadOnly() bool { return g.readOnly }

// Current returns the single unlockable activity, if any.
func (g *Gate) Current() (model.Activity, bool) {
	if g.readOnly || g.cursor >= len(g.acts) {
		return model.Activity{}, false
	}
	return g.acts[g.cursor], true
}

// Unlockable reports whether the activity with the given sequence number is
// the current one. At most one activity is ever unlockable.
func (g *Gate) Unlockable(seq int) bool {
	cur, ok := g.Current()
	return ok && cur.Seq == seq
}

// Done reports whether every activity is completed or skipped.
func (g *Gate) Done() bool { return g.cursor >= len(g.acts) }

// PendingMandatory lists mandatory activities still pending, in order.
func (g *Gate) PendingMandatory() []model.Activity {
	var out []model.Activity
	for _, a := range g.acts {
		if a.Mandatory && a.Status == model.ActivityPending {
			out = append(out, a)
		}
	}
	return out
}

func (g *Gate) find(typ model.ActivityType, name string) (int, bool) {
	for i := range g.acts {
		if g.acts[i].Type == typ && g.acts[i].Name == name {
			return i, true
		}
	}
	return 0, false
}

// complete transitions the current activity to completed with its result.
func (g *Gate) complete(typ model.ActivityType, name string, res *model.ActivityRes) error {
	if g.readOnly {
		return validationf("visit is read-only")
	}
	i, ok := g.find(typ, name)
	if !ok {
		return validationf("unknown activity %s/%s", typ, name)
	}
	if i != g.cursor {
		return validationf("activity %q is not unlockable yet", name)
	}
	g.acts[i].Status = model.ActivityCompleted
	g.acts[i].Result = res
	g.recompute()
	return nil
}

// skip transitions the current activity to skipped. Mandatory activities can
// never be skipped; skip is terminal for the activity within this visit.
func (g *Gate) skip(typ model.ActivityType, name string) error {
	if g.readOnly {
		return validationf("visit is read-only")
	}
	i, ok := g.find(typ, name)
	if !ok {
		return validationf("unknown activity %s/%s", typ, name)
	}
	if g.acts[i].Mandatory {
		return validationf("activity %q is mandatory", name)
	}
	if i != g.cursor {
		return validationf("activity %q is not unlockable yet", name)
	}
	g.acts[i].Status = model.ActivitySkipped
	g.recompute()
	return nil
}

// amend overwrites the result of a completed activity. Allowed while the
// parent visit remains non-terminal; it does not touch unlock state.
func (g *Gate) amend(typ model.ActivityType, name string, res *model.ActivityRes) error {
	if g.readOnly {
		return validationf("visit is read-only")
	}
	i, ok := g.find(typ, name)
	if !ok {
		return validationf("unknown activity %s/%s", typ, name)
	}
	if g.acts[i].Status != model.ActivityCompleted {
		return validationf("activity %q is not completed", name)
	}
	g.acts[i].Result = res
	return nil
}
