package engine

import (
	"context"
	"fmt"
	"log"

	"fieldops/internal/model"
	"fieldops/internal/progress"
)

// VisitSession is the engine's handle on one activated visit: the merged
// authoritative+local view, the activity gate over it, and the write-through
// progress record.
type VisitSession struct {
	s       *Session
	visit   model.Visit
	stopSeq int
	rec     progress.Record
	gate    *Gate
	media   []model.MediaRef
}

// ActivateVisit loads the visit, merges the local progress record with
// server-known facts (server wins), and builds the gate. For terminal visits
// the gate comes up read-only.
func (s *Session) ActivateVisit(ctx context.Context, visitID string) (*VisitSession, error) {
	v, err := s.Remote.GetVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	serverMedia, err := s.Remote.GetVisitMedia(ctx, visitID)
	if err != nil {
		// Pre-completion eventual consistency is acceptable; keep going with
		// the local view only.
		log.Printf("visit %s: media fetch failed: %v", visitID, err)
		serverMedia = nil
	}
	rec := s.loadProgress(visitID)
	merged := MergeActivities(v.Activities, rec)
	seq := 0
	for _, st := range s.route.Stops {
		if st.VisitID == visitID {
			seq = st.Seq
			break
		}
	}
	return &VisitSession{
		s:       s,
		visit:   v,
		stopSeq: seq,
		rec:     rec,
		gate:    NewGate(merged, v.Status.Terminal()),
		media:   MergeMedia(serverMedia, rec),
	}, nil
}

// Visit returns the server snapshot the session was activated from.
func (vs *VisitSession) Visit() model.Visit { return vs.visit }

// Gate returns the activity gate over the merged view.
func (vs *VisitSession) Gate() *Gate { return vs.gate }

// Media returns the merged captured-media list.
func (vs *VisitSession) Media() []model.MediaRef { return vs.media }

// HasProgress reports whether any activity has been completed or skipped, or
// any media captured, locally or server-side.
func (vs *VisitSession) HasProgress() bool {
	if !vs.rec.Empty() || len(vs.media) > 0 {
		return true
	}
	for _, a := range vs.gate.Activities() {
		if a.Status != model.ActivityPending {
			return true
		}
	}
	return false
}

// CompleteActivity marks the current activity completed. The local record is
// written through first; the remote submission failing does not roll the
// local state back, it is surfaced as a non-blocking warning so the agent
// can keep working.
func (vs *VisitSession) CompleteActivity(ctx context.Context, typ model.ActivityType, name string, res *model.ActivityRes) ([]string, error) {
	if err := vs.gate.complete(typ, name, res); err != nil {
		return nil, err
	}
	vs.rec.MarkCompleted(progress.Key(typ, name))
	if res != nil && res.Photo != nil {
		for _, m := range res.Photo.MediaRefs {
			vs.rec.AddMedia(m)
			vs.media = MergeMedia(vs.media, progress.Record{Media: []model.MediaRef{m}})
		}
	}
	vs.s.saveProgress(vs.rec)

	err := vs.s.Remote.MarkActivityCompleted(ctx, vs.visit.ID, model.MarkActivityRequest{
		Type: typ, Name: name, Status: model.ActivityCompleted, Result: res,
	})
	if err != nil {
		return []string{fmt.Sprintf("activity %q saved locally; server sync failed: %v", name, err)}, nil
	}
	return nil, nil
}

// SkipActivity skips the current non-mandatory activity. Same write-through
// and warning semantics as CompleteActivity.
func (vs *VisitSession) SkipActivity(ctx context.Context, typ model.ActivityType, name string) ([]string, error) {
	if err := vs.gate.skip(typ, name); err != nil {
		return nil, err
	}
	vs.rec.MarkSkipped(progress.Key(typ, name))
	vs.s.saveProgress(vs.rec)

	err := vs.s.Remote.MarkActivityCompleted(ctx, vs.visit.ID, model.MarkActivityRequest{
		Type: typ, Name: name, Status: model.ActivitySkipped,
	})
	if err != nil {
		return []string{fmt.Sprintf("skip of %q saved locally; server sync failed: %v", name, err)}, nil
	}
	return nil, nil
}

// AmendActivity overwrites the result of an already-completed activity while
// the visit remains non-terminal. Unlock state is not re-validated.
func (vs *VisitSession) AmendActivity(ctx context.Context, typ model.ActivityType, name string, res *model.ActivityRes) ([]string, error) {
	if err := vs.gate.amend(typ, name, res); err != nil {
		return nil, err
	}
	err := vs.s.Remote.MarkActivityCompleted(ctx, vs.visit.ID, model.MarkActivityRequest{
		Type: typ, Name: name, Status: model.ActivityCompleted, Result: res,
	})
	if err != nil {
		return []string{fmt.Sprintf("amendment of %q not synced: %v", name, err)}, nil
	}
	return nil, nil
}

// CaptureMedia records an opaque media reference produced by a capture
// widget. Counts as progress for the skip-visit guard.
func (vs *VisitSession) CaptureMedia(ref model.MediaRef) {
	if vs.gate.ReadOnly() {
		return
	}
	vs.rec.AddMedia(ref)
	vs.media = MergeMedia(vs.media, progress.Record{Media: []model.MediaRef{ref}})
	vs.s.saveProgress(vs.rec)
}
