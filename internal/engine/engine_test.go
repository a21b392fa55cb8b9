package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldops/internal/model"
	"fieldops/internal/progress"
	"fieldops/internal/store"
)

const testTenant = "t-test"

// fakeRemote adapts the in-memory store to the Remote interface, mapping
// store rejections to validation errors the way the HTTP client does. Ops
// listed in down fail with a transient error instead of reaching the store.
type fakeRemote struct {
	st   *store.Memory
	down map[string]bool
}

func newFakeRemote(st *store.Memory) *fakeRemote {
	return &fakeRemote{st: st, down: map[string]bool{}}
}

func (f *fakeRemote) offline(ops ...string) {
	for _, op := range ops {
		f.down[op] = true
	}
}

func (f *fakeRemote) online() { f.down = map[string]bool{} }

func (f *fakeRemote) gate(op string) error {
	if f.down[op] {
		return &TransientError{Op: op, Err: errors.New("network unreachable")}
	}
	return nil
}

func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Reasons: []string{err.Error()}}
}

func (f *fakeRemote) StartRoute(ctx context.Context, routeID string, loc *model.GeoPoint) (model.Route, error) {
	if err := f.gate("StartRoute"); err != nil {
		return model.Route{}, err
	}
	r, err := f.st.StartRoute(ctx, testTenant, routeID, loc)
	return r, mapStoreErr(err)
}

func (f *fakeRemote) EndRoute(ctx context.Context, routeID string, loc *model.GeoPoint) (model.Route, error) {
	if err := f.gate("EndRoute"); err != nil {
		return model.Route{}, err
	}
	r, err := f.st.EndRoute(ctx, testTenant, routeID, loc)
	return r, mapStoreErr(err)
}

func (f *fakeRemote) GetRoute(ctx context.Context, routeID string) (model.Route, error) {
	if err := f.gate("GetRoute"); err != nil {
		return model.Route{}, err
	}
	r, err := f.st.GetRoute(ctx, testTenant, routeID)
	return r, mapStoreErr(err)
}

func (f *fakeRemote) ArriveAtStop(ctx context.Context, routeID string, stopIdx int, loc *model.GeoPoint) (model.Route, error) {
	if err := f.gate("ArriveAtStop"); err != nil {
		return model.Route{}, err
	}
	r, err := f.st.ArriveAtStop(ctx, testTenant, routeID, stopIdx, loc)
	return r, mapStoreErr(err)
}

func (f *fakeRemote) CompleteStop(ctx context.Context, routeID string, stopIdx int) (model.Route, error) {
	if err := f.gate("CompleteStop"); err != nil {
		return model.Route{}, err
	}
	r, err := f.st.CompleteStop(ctx, testTenant, routeID, stopIdx)
	return r, mapStoreErr(err)
}

func (f *fakeRemote) SkipStop(ctx context.Context, routeID string, stopIdx int, reason string) (model.Route, error) {
	if err := f.gate("SkipStop"); err != nil {
		return model.Route{}, err
	}
	r, err := f.st.SkipStop(ctx, testTenant, routeID, stopIdx, reason)
	return r, mapStoreErr(err)
}

func (f *fakeRemote) AddUnplannedStop(ctx context.Context, routeID string, desc model.StopDescriptor) (model.Route, error) {
	if err := f.gate("AddUnplannedStop"); err != nil {
		return model.Route{}, err
	}
	r, err := f.st.AddUnplannedStop(ctx, testTenant, routeID, desc)
	return r, mapStoreErr(err)
}

func (f *fakeRemote) GetVisit(ctx context.Context, visitID string) (model.Visit, error) {
	if err := f.gate("GetVisit"); err != nil {
		return model.Visit{}, err
	}
	v, err := f.st.GetVisit(ctx, testTenant, visitID)
	return v, mapStoreErr(err)
}

func (f *fakeRemote) MarkActivityCompleted(ctx context.Context, visitID string, req model.MarkActivityRequest) error {
	if err := f.gate("MarkActivityCompleted"); err != nil {
		return err
	}
	return mapStoreErr(f.st.MarkActivity(ctx, testTenant, visitID, req))
}

func (f *fakeRemote) GetVisitMedia(ctx context.Context, visitID string) ([]model.MediaRef, error) {
	if err := f.gate("GetVisitMedia"); err != nil {
		return nil, err
	}
	refs, err := f.st.ListVisitMedia(ctx, testTenant, visitID)
	return refs, mapStoreErr(err)
}

func (f *fakeRemote) FinalizeVisit(ctx context.Context, visitID string) (model.FinalizeResult, error) {
	if err := f.gate("FinalizeVisit"); err != nil {
		return model.FinalizeResult{}, err
	}
	res, err := f.st.FinalizeVisit(ctx, testTenant, visitID)
	return res, mapStoreErr(err)
}

func (f *fakeRemote) GetTransfer(ctx context.Context, transferID string) (model.Transfer, error) {
	if err := f.gate("GetTransfer"); err != nil {
		return model.Transfer{}, err
	}
	t, err := f.st.GetTransfer(ctx, testTenant, transferID)
	return t, mapStoreErr(err)
}

func (f *fakeRemote) StartLoadingCheck(ctx context.Context, transferID string) (model.Transfer, error) {
	t, err := f.st.StartLoadingCheck(ctx, testTenant, transferID)
	return t, mapStoreErr(err)
}

func (f *fakeRemote) UpdateItemCheck(ctx context.Context, transferID string, upd model.ItemCheckUpdate) (model.Transfer, error) {
	t, err := f.st.UpdateItemCheck(ctx, testTenant, transferID, upd)
	return t, mapStoreErr(err)
}

func (f *fakeRemote) VerifyAllItems(ctx context.Context, transferID string) (model.Transfer, error) {
	t, err := f.st.VerifyAllItems(ctx, testTenant, transferID)
	return t, mapStoreErr(err)
}

func (f *fakeRemote) CompleteLoading(ctx context.Context, transferID string) (model.Transfer, error) {
	t, err := f.st.CompleteLoading(ctx, testTenant, transferID)
	return t, mapStoreErr(err)
}

func (f *fakeRemote) ArriveAtDestination(ctx context.Context, transferID string, loc *model.GeoPoint) (model.Transfer, error) {
	t, err := f.st.ArriveAtDestination(ctx, testTenant, transferID, loc)
	return t, mapStoreErr(err)
}

func (f *fakeRemote) CompleteHandoff(ctx context.Context, transferID string, req model.HandoffRequest) (model.Transfer, error) {
	t, err := f.st.CompleteHandoff(ctx, testTenant, transferID, req)
	return t, mapStoreErr(err)
}

func (f *fakeRemote) ReturnTransfer(ctx context.Context, transferID, reason string) (model.Transfer, error) {
	t, err := f.st.ReturnTransfer(ctx, testTenant, transferID, reason)
	return t, mapStoreErr(err)
}

type rig struct {
	st      *store.Memory
	remote  *fakeRemote
	session *Session
}

func newRig(t *testing.T) *rig {
	t.Helper()
	st := store.NewMemory()
	remote := newFakeRemote(st)
	return &rig{
		st:      st,
		remote:  remote,
		session: NewSession("agent-7", remote, progress.NewMemStore(), nil),
	}
}

// seedRoute creates a three-stop route: two visits with activity plans and
// one break, and loads it into the session.
func (r *rig) seedRoute(t *testing.T) model.Route {
	t.Helper()
	ctx := context.Background()
	route, err := r.st.CreateRoute(ctx, testTenant, model.RouteInput{
		Date:    "2026-03-02",
		AgentID: "agent-7",
		Stops: []model.StopInput{
			{Kind: model.StopVisit, Name: "Corner Market", Activities: []model.ActivityInput{
				{Type: model.ActivityPhoto, Name: "storefront", Mandatory: true},
				{Type: model.ActivityStockCount, Name: "cooler", Mandatory: true},
				{Type: model.ActivitySurvey, Name: "satisfaction"},
			}},
			{Kind: model.StopVisit, Name: "Hilltop Grocer", Activities: []model.ActivityInput{
				{Type: model.ActivityPhoto, Name: "storefront", Mandatory: true},
			}},
			{Kind: model.StopBreak, Name: "Lunch"},
		},
	})
	require.NoError(t, err)
	loaded, err := r.session.LoadRoute(ctx, route.ID)
	require.NoError(t, err)
	return loaded
}

func TestStopDispositions(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	route := r.seedRoute(t)

	for _, d := range StopDispositions(route) {
		assert.Equal(t, Locked, d, "stops locked before the route starts")
	}

	route, err := r.session.StartRoute(ctx)
	require.NoError(t, err)
	for _, d := range StopDispositions(route) {
		assert.Equal(t, Eligible, d)
	}

	route, err = r.session.CheckIn(ctx, 2)
	require.NoError(t, err)
	disp := StopDispositions(route)
	assert.Equal(t, []Disposition{Locked, Active, Locked}, disp)

	st, ok := ActiveStop(route)
	require.True(t, ok)
	assert.Equal(t, 2, st.Seq)
}

func TestCheckInOutOfOrderAllowedSecondLocked(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.seedRoute(t)
	_, err := r.session.StartRoute(ctx)
	require.NoError(t, err)

	// Out-of-sequence check-in is fine while nothing is active.
	_, err = r.session.CheckIn(ctx, 3)
	require.NoError(t, err)

	// A second check-in while a stop holds the work lock is not.
	_, err = r.session.CheckIn(ctx, 1)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestCheckInRejectedBeforeRouteStart(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.seedRoute(t)

	_, err := r.session.CheckIn(ctx, 1)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestCheckInPurgesStaleRecord(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	route := r.seedRoute(t)
	visitID := route.Stops[0].VisitID
	require.NotEmpty(t, visitID)

	stale := progress.Record{ID: visitID}
	stale.MarkCompleted(progress.Key(model.ActivityPhoto, "storefront"))
	require.NoError(t, r.session.Progress.Save(stale))

	_, err := r.session.StartRoute(ctx)
	require.NoError(t, err)
	_, err = r.session.CheckIn(ctx, 1)
	require.NoError(t, err)

	_, ok, err := r.session.Progress.Load(visitID)
	require.NoError(t, err)
	assert.False(t, ok, "stale record must be purged on check-in")
}

func TestCheckInFailureKeepsStaleRecord(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	route := r.seedRoute(t)
	visitID := route.Stops[0].VisitID

	stale := progress.Record{ID: visitID}
	stale.MarkCompleted(progress.Key(model.ActivityPhoto, "storefront"))
	require.NoError(t, r.session.Progress.Save(stale))

	_, err := r.session.StartRoute(ctx)
	require.NoError(t, err)

	// A transient arrive failure leaves local state alone.
	r.remote.offline("ArriveAtStop")
	_, err = r.session.CheckIn(ctx, 1)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	_, ok, err := r.session.Progress.Load(visitID)
	require.NoError(t, err)
	assert.True(t, ok, "record kept when check-in does not commit")

	r.remote.online()
	_, err = r.session.CheckIn(ctx, 1)
	require.NoError(t, err)
	_, ok, err = r.session.Progress.Load(visitID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEndRouteBlockedWhileStopActive(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.seedRoute(t)
	_, err := r.session.StartRoute(ctx)
	require.NoError(t, err)
	_, err = r.session.CheckIn(ctx, 1)
	require.NoError(t, err)

	_, err = r.session.EndRoute(ctx)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestUnplannedStopAppendsAtEnd(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.seedRoute(t)
	_, err := r.session.StartRoute(ctx)
	require.NoError(t, err)

	route, err := r.session.AddUnplannedStop(ctx, model.StopDescriptor{
		Kind: model.StopVisit,
		Name: "Walk-in customer",
	})
	require.NoError(t, err)
	require.Len(t, route.Stops, 4)
	last := route.Stops[3]
	assert.Equal(t, 4, last.Seq)
	assert.True(t, last.Unplanned)
	assert.NotEmpty(t, last.VisitID)
	assert.Equal(t, Eligible, StopDispositions(route)[3])
}

// activateFirstVisit starts the route, checks into stop 1, and opens its
// visit session.
func (r *rig) activateFirstVisit(t *testing.T) *VisitSession {
	t.Helper()
	ctx := context.Background()
	route := r.seedRoute(t)
	_, err := r.session.StartRoute(ctx)
	require.NoError(t, err)
	route, err = r.session.CheckIn(ctx, 1)
	require.NoError(t, err)
	vs, err := r.session.ActivateVisit(ctx, route.Stops[0].VisitID)
	require.NoError(t, err)
	return vs
}

func TestActivityFlowWriteThrough(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	vs := r.activateFirstVisit(t)

	cur, ok := vs.Gate().Current()
	require.True(t, ok)
	assert.Equal(t, "storefront", cur.Name)

	// Completing out of order is rejected.
	_, err := vs.CompleteActivity(ctx, model.ActivityStockCount, "cooler", nil)
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	res := &model.ActivityRes{
		Type:  model.ActivityPhoto,
		Photo: &model.PhotoResult{MediaRefs: []model.MediaRef{{ID: "m-1", Kind: "photo"}}},
	}
	warns, err := vs.CompleteActivity(ctx, model.ActivityPhoto, "storefront", res)
	require.NoError(t, err)
	assert.Empty(t, warns)

	// Server saw it and the cursor advanced.
	v, err := r.st.GetVisit(ctx, testTenant, vs.Visit().ID)
	require.NoError(t, err)
	assert.Equal(t, model.ActivityCompleted, v.Activities[0].Status)
	cur, ok = vs.Gate().Current()
	require.True(t, ok)
	assert.Equal(t, "cooler", cur.Name)

	// Local record mirrors it.
	rec, ok, err := r.session.Progress.Load(vs.Visit().ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.HasCompleted(progress.Key(model.ActivityPhoto, "storefront")))
	require.Len(t, rec.Media, 1)
}

func TestOfflineActivityWarnsAndMergesOnReactivation(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	vs := r.activateFirstVisit(t)
	visitID := vs.Visit().ID

	r.remote.offline("MarkActivityCompleted")
	warns, err := vs.CompleteActivity(ctx, model.ActivityPhoto, "storefront", nil)
	require.NoError(t, err, "sync failure must not fail the local transition")
	require.Len(t, warns, 1)

	// Server never saw it; the local record did.
	v, err := r.st.GetVisit(ctx, testTenant, visitID)
	require.NoError(t, err)
	assert.Equal(t, model.ActivityPending, v.Activities[0].Status)

	// A fresh activation (new app process) merges the record back on top of
	// server facts: the completed mark survives, the cursor sits past it.
	r.remote.online()
	vs2, err := r.session.ActivateVisit(ctx, visitID)
	require.NoError(t, err)
	assert.Equal(t, model.ActivityCompleted, vs2.Gate().Activities()[0].Status)
	cur, ok := vs2.Gate().Current()
	require.True(t, ok)
	assert.Equal(t, "cooler", cur.Name)
}

func TestSkipMandatoryRejected(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	vs := r.activateFirstVisit(t)

	_, err := vs.SkipActivity(ctx, model.ActivityPhoto, "storefront")
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestAmendOverwritesResult(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	vs := r.activateFirstVisit(t)
	visitID := vs.Visit().ID

	first := &model.ActivityRes{Type: model.ActivityPhoto, Photo: &model.PhotoResult{MediaRefs: []model.MediaRef{{ID: "m-1"}}}}
	_, err := vs.CompleteActivity(ctx, model.ActivityPhoto, "storefront", first)
	require.NoError(t, err)

	// Amending a pending activity is rejected.
	_, err = vs.AmendActivity(ctx, model.ActivityStockCount, "cooler", nil)
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	second := &model.ActivityRes{Type: model.ActivityPhoto, Photo: &model.PhotoResult{MediaRefs: []model.MediaRef{{ID: "m-2"}}}}
	warns, err := vs.AmendActivity(ctx, model.ActivityPhoto, "storefront", second)
	require.NoError(t, err)
	assert.Empty(t, warns)

	v, err := r.st.GetVisit(ctx, testTenant, visitID)
	require.NoError(t, err)
	require.NotNil(t, v.Activities[0].Result)
	assert.Equal(t, "m-2", v.Activities[0].Result.Photo.MediaRefs[0].ID)

	// The cursor did not move: amendment is not a second completion.
	cur, ok := vs.Gate().Current()
	require.True(t, ok)
	assert.Equal(t, "cooler", cur.Name)
}

// finishAllActivities drives the first visit's plan to done.
func finishAllActivities(t *testing.T, ctx context.Context, vs *VisitSession) {
	t.Helper()
	_, err := vs.CompleteActivity(ctx, model.ActivityPhoto, "storefront", nil)
	require.NoError(t, err)
	_, err = vs.CompleteActivity(ctx, model.ActivityStockCount, "cooler", nil)
	require.NoError(t, err)
	_, err = vs.SkipActivity(ctx, model.ActivitySurvey, "satisfaction")
	require.NoError(t, err)
	require.True(t, vs.Gate().Done())
}

func TestFinalizeBlockedByPendingMandatory(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	vs := r.activateFirstVisit(t)

	// Guard fires locally: even with the network down the outcome is a
	// blocked report, not a transport error.
	r.remote.offline("FinalizeVisit")
	out := vs.Finalize(ctx)
	assert.Equal(t, Blocked, out.Status)
	require.Len(t, out.Reasons, 2)
	assert.Contains(t, out.Reasons[0], "storefront")
	assert.Contains(t, out.Reasons[1], "cooler")
}

func TestFinalizeBlockedByServerWarningsThenCommits(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	vs := r.activateFirstVisit(t)
	visitID := vs.Visit().ID
	finishAllActivities(t, ctx, vs)

	r.st.InjectSyncWarnings(visitID, "order sync failed: upstream timeout")
	out := vs.Finalize(ctx)
	assert.Equal(t, Blocked, out.Status)
	assert.Equal(t, []string{"order sync failed: upstream timeout"}, out.Reasons)

	// Not finalized: visit stays in progress, stop not advanced, record kept.
	v, err := r.st.GetVisit(ctx, testTenant, visitID)
	require.NoError(t, err)
	assert.Equal(t, model.VisitInProgress, v.Status)
	_, ok, err := r.session.Progress.Load(visitID)
	require.NoError(t, err)
	assert.True(t, ok)

	r.st.ClearSyncWarnings(visitID)
	out = vs.Finalize(ctx)
	require.Equal(t, Committed, out.Status)
	require.NoError(t, out.Err)

	v, err = r.st.GetVisit(ctx, testTenant, visitID)
	require.NoError(t, err)
	assert.Equal(t, model.VisitCompleted, v.Status)
	assert.Equal(t, model.StopCompleted, out.Route.Stops[0].Status)
	assert.Equal(t, 1, out.Route.Totals.Completed)
	_, ok, err = r.session.Progress.Load(visitID)
	require.NoError(t, err)
	assert.False(t, ok, "record purged on commit")
	assert.True(t, vs.Gate().ReadOnly())
}

func TestFinalizeRetryNeededWhenRemoteDown(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	vs := r.activateFirstVisit(t)
	finishAllActivities(t, ctx, vs)

	r.remote.offline("FinalizeVisit")
	out := vs.Finalize(ctx)
	assert.Equal(t, RetryNeeded, out.Status)
	require.Error(t, out.Err)
	assert.True(t, IsTransient(out.Err))

	// Nothing moved; the retry succeeds.
	r.remote.online()
	out = vs.Finalize(ctx)
	assert.Equal(t, Committed, out.Status)
	assert.NoError(t, out.Err)
}

func TestFinalizeRepeatStillReportsCommitted(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	vs := r.activateFirstVisit(t)
	finishAllActivities(t, ctx, vs)

	require.Equal(t, Committed, vs.Finalize(ctx).Status)
	assert.Equal(t, Committed, vs.Finalize(ctx).Status)
}

func TestSkipVisitRejectedAfterProgress(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	vs := r.activateFirstVisit(t)

	vs.CaptureMedia(model.MediaRef{ID: "m-00", Kind: "photo"})
	_, err := vs.SkipVisit(ctx, "store closed")
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestSkipVisitWithoutProgress(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	vs := r.activateFirstVisit(t)

	_, err := vs.SkipVisit(ctx, "")
	require.Error(t, err, "reason is required")

	route, err := vs.SkipVisit(ctx, "store closed")
	require.NoError(t, err)
	assert.Equal(t, model.StopSkipped, route.Stops[0].Status)
	assert.Equal(t, "store closed", route.Stops[0].SkipReason)
	assert.Equal(t, 1, route.Totals.Skipped)
	assert.True(t, vs.Gate().ReadOnly())
}

func TestTerminalVisitActivatesReadOnly(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	vs := r.activateFirstVisit(t)
	visitID := vs.Visit().ID
	finishAllActivities(t, ctx, vs)
	require.Equal(t, Committed, vs.Finalize(ctx).Status)

	vs2, err := r.session.ActivateVisit(ctx, visitID)
	require.NoError(t, err)
	assert.True(t, vs2.Gate().ReadOnly())
	_, ok := vs2.Gate().Current()
	assert.False(t, ok)
	_, err = vs2.CompleteActivity(ctx, model.ActivityPhoto, "storefront", nil)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}
