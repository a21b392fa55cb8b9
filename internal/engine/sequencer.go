package engine

import (
	"context"

	"fieldops/internal/model"
)

// Disposition classifies a stop for the agent: locked (not interactable),
// eligible (can be checked into), or active (the one in-progress stop).
type Disposition string

const (
	Locked   Disposition = "locked"
	Eligible Disposition = "eligible"
	Active   Disposition = "active"
)

// StopDispositions computes the disposition of every stop from the
// authoritative route. If any stop holds the work lock, all other
// non-terminal stops are locked; otherwise every non-terminal stop is
// eligible, in or out of sequence order.
func StopDispositions(r model.Route) []Disposition {
	out := make([]Disposition, len(r.Stops))
	for i := range out {
		out[i] = Locked
	}
	if r.Status != model.RouteInProgress {
		return out
	}
	active := -1
	for i := range r.Stops {
		if r.Stops[i].Status.Active() {
			active = i
			break
		}
	}
	if active >= 0 {
		out[active] = Active
		return out
	}
	for i := range r.Stops {
		if !r.Stops[i].Status.Terminal() {
			out[i] = Eligible
		}
	}
	return out
}

// ActiveStop returns the stop holding the work lock, if any.
func ActiveStop(r model.Route) (model.Stop, bool) {
	for _, st := range r.Stops {
		if st.Status.Active() {
			return st, true
		}
	}
	return model.Stop{}, false
}

// LoadRoute fetches the route and caches the snapshot in the session.
func (s *Session) LoadRoute(ctx context.Context, routeID string) (model.Route, error) {
	r, err := s.Remote.GetRoute(ctx, routeID)
	if err != nil {
		return model.Route{}, err
	}
	s.setRoute(r)
	return r, nil
}

// RefreshRoute re-fetches the cached route after a mutating call elsewhere.
func (s *Session) RefreshRoute(ctx context.Context) (model.Route, error) {
	if !s.routeLoaded {
		return model.Route{}, validationf("no route loaded")
	}
	return s.LoadRoute(ctx, s.route.ID)
}

// StartRoute begins the day. Location capture is best effort.
func (s *Session) StartRoute(ctx context.Context) (model.Route, error) {
	if !s.routeLoaded {
		return model.Route{}, validationf("no route loaded")
	}
	loc := CaptureLocation(ctx, s.Locator, s.LocationTimeout)
	r, err := s.Remote.StartRoute(ctx, s.route.ID, loc)
	if err != nil {
		return model.Route{}, err
	}
	s.setRoute(r)
	return r, nil
}

// EndRoute closes the day once no stop is active.
func (s *Session) EndRoute(ctx context.Context) (model.Route, error) {
	if !s.routeLoaded {
		return model.Route{}, validationf("no route loaded")
	}
	if st, ok := ActiveStop(s.route); ok {
		return model.Route{}, validationf("stop %d still active", st.Seq)
	}
	loc := CaptureLocation(ctx, s.Locator, s.LocationTimeout)
	r, err := s.Remote.EndRoute(ctx, s.route.ID, loc)
	if err != nil {
		return model.Route{}, err
	}
	s.setRoute(r)
	return r, nil
}

// CheckIn arrives at the stop with the given sequence number. It is the only
// transition out of "eligible". Any stale local progress record for the
// stop's work unit is purged before activation.
func (s *Session) CheckIn(ctx context.Context, seq int) (model.Route, error) {
	if !s.routeLoaded {
		return model.Route{}, validationf("no route loaded")
	}
	disp := StopDispositions(s.route)
	idx := -1
	for i, st := range s.route.Stops {
		if st.Seq == seq {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.Route{}, validationf("no stop with seq %d", seq)
	}
	if disp[idx] != Eligible {
		return model.Route{}, validationf("stop %d is %s", seq, disp[idx])
	}
	loc := CaptureLocation(ctx, s.Locator, s.LocationTimeout)
	r, err := s.Remote.ArriveAtStop(ctx, s.route.ID, seq, loc)
	if err != nil {
		return model.Route{}, err
	}
	// Defensive reset once the arrival is committed: a crashed earlier
	// session may have left a record for this unit behind. Purging before
	// the remote call would discard it on a transient failure.
	if id := workUnitID(s.route.Stops[idx]); id != "" {
		s.purgeProgress(id)
	}
	s.setRoute(r)
	return r, nil
}

// AddUnplannedStop appends a stop at the end of the sequence.
func (s *Session) AddUnplannedStop(ctx context.Context, desc model.StopDescriptor) (model.Route, error) {
	if !s.routeLoaded {
		return model.Route{}, validationf("no route loaded")
	}
	r, err := s.Remote.AddUnplannedStop(ctx, s.route.ID, desc)
	if err != nil {
		return model.Route{}, err
	}
	s.setRoute(r)
	return r, nil
}

// workUnitID returns the progress-record key a stop's work is cached under.
func workUnitID(st model.Stop) string {
	if st.VisitID != "" {
		return st.VisitID
	}
	return st.TransferID
}
