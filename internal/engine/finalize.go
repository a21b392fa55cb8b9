package engine

import (
	"context"

	"fieldops/internal/model"
)

// FinalizeStatus is the outcome class of a finalize attempt. Every attempt
// resolves to exactly one of these; nothing is swallowed at this boundary.
type FinalizeStatus string

const (
	// Committed: the visit is terminally completed, the local record purged,
	// the parent stop advanced, and the route re-fetched.
	Committed FinalizeStatus = "committed"
	// Blocked: the server (or the client-side guard) rejected the finalize
	// with reasons; the visit stays in progress and the record is retained.
	Blocked FinalizeStatus = "blocked"
	// RetryNeeded: the call did not complete; state is unchanged and the
	// caller must explicitly retry.
	RetryNeeded FinalizeStatus = "retry_needed"
)

// FinalizeOutcome reports what happened to a finalize attempt. Reasons carry
// the literal blocking warnings for display. Err is set for RetryNeeded and
// for the rare post-commit follow-up failure (stop advance or route refetch),
// in which case Status is still Committed and the follow-up can be retried.
type FinalizeOutcome struct {
	Status  FinalizeStatus
	Reasons []string
	Route   model.Route
	Err     error
}

// Finalize drives the visit's terminal transition. This is the only path to
// "completed" for a visit.
func (vs *VisitSession) Finalize(ctx context.Context) FinalizeOutcome {
	// Client-side guard; the authoritative rejection is always the server's.
	if pend := vs.gate.PendingMandatory(); len(pend) > 0 {
		reasons := make([]string, 0, len(pend))
		for _, a := range pend {
			reasons = append(reasons, "mandatory activity \""+a.Name+"\" not completed")
		}
		return FinalizeOutcome{Status: Blocked, Reasons: reasons, Route: vs.s.route}
	}

	res, err := vs.s.Remote.FinalizeVisit(ctx, vs.visit.ID)
	if err != nil {
		if IsValidation(err) {
			return FinalizeOutcome{Status: Blocked, Reasons: []string{err.Error()}, Route: vs.s.route}
		}
		return FinalizeOutcome{Status: RetryNeeded, Err: err, Route: vs.s.route}
	}
	if len(res.Warnings) > 0 {
		// Partial failure: not finalized. Keep the record, do not advance the
		// stop, surface the warnings verbatim.
		return FinalizeOutcome{Status: Blocked, Reasons: res.Warnings, Route: vs.s.route}
	}

	vs.s.purgeProgress(vs.visit.ID)
	vs.visit.Status = model.VisitCompleted
	vs.gate.readOnly = true

	route, err := vs.s.Remote.CompleteStop(ctx, vs.s.route.ID, vs.stopSeq)
	if err != nil {
		// The visit is committed server-side; only the stop advance is
		// outstanding. Report Committed and let the caller retry the advance.
		return FinalizeOutcome{Status: Committed, Err: err, Route: vs.s.route}
	}
	vs.s.setRoute(route)
	return FinalizeOutcome{Status: Committed, Route: route}
}

// SkipVisit abandons the visit without completion. Disabled as soon as any
// progress exists, so partial field work is never silently discarded.
func (vs *VisitSession) SkipVisit(ctx context.Context, reason string) (model.Route, error) {
	if vs.HasProgress() {
		return model.Route{}, validationf("visit already has progress")
	}
	if reason == "" {
		return model.Route{}, validationf("skip reason required")
	}
	route, err := vs.s.Remote.SkipStop(ctx, vs.s.route.ID, vs.stopSeq, reason)
	if err != nil {
		return model.Route{}, err
	}
	vs.s.purgeProgress(vs.visit.ID)
	vs.visit.Status = model.VisitCancelled
	vs.gate.readOnly = true
	vs.s.setRoute(route)
	return route, nil
}
