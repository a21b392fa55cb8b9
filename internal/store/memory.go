package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldops/internal/model"
)

// Memory is the in-memory store used when no DATABASE_URL is set. It enforces
// the same lifecycle preconditions as the Postgres store so handler and engine
// tests exercise real transition rules.
type Memory struct {
	mu        sync.Mutex
	routes    map[string]*model.Route    // id -> route
	routeTen  map[string]string          // route id -> tenant
	routeIDs  map[string][]string        // tenant -> route ids in creation order
	visits    map[string]*model.Visit    // id -> visit
	visitTen  map[string]string          // visit id -> tenant
	media     map[string][]model.MediaRef // visit id -> captured media
	transfers map[string]*model.Transfer // id -> transfer
	trTen     map[string]string          // transfer id -> tenant
	trIDs     map[string][]string        // tenant -> transfer ids
	syncWarn  map[string][]string        // visit id -> injected downstream sync warnings

	subs               map[string][]Subscription
	deliveries         map[string]*memDelivery
	deliveriesByTenant map[string][]string
}

func NewMemory() *Memory {
	return &Memory{
		routes:    map[string]*model.Route{},
		routeTen:  map[string]string{},
		routeIDs:  map[string][]string{},
		visits:    map[string]*model.Visit{},
		visitTen:  map[string]string{},
		media:     map[string][]model.MediaRef{},
		transfers: map[string]*model.Transfer{},
		trTen:     map[string]string{},
		trIDs:     map[string][]string{},
		syncWarn:  map[string][]string{},

		subs:               map[string][]Subscription{},
		deliveries:         map[string]*memDelivery{},
		deliveriesByTenant: map[string][]string{},
	}
}

// memDelivery augments WebhookDelivery with scheduling/metrics state.
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339) }

// Routes

func (m *Memory) CreateRoute(ctx context.Context, tenantID string, in model.RouteInput) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &model.Route{
		ID:      uuid.New().String(),
		Version: 1,
		Date:    in.Date,
		AgentID: in.AgentID,
		Status:  model.RouteNotStarted,
	}
	for i, si := range in.Stops {
		st := model.Stop{
			ID:         uuid.New().String(),
			Seq:        i + 1,
			Kind:       si.Kind,
			Status:     model.StopPending,
			Name:       si.Name,
			Address:    si.Address,
			TransferID: si.TransferID,
		}
		r.Stops = append(r.Stops, st)
		if si.Kind == model.StopVisit {
			v := &model.Visit{
				ID:     uuid.New().String(),
				StopID: st.ID,
				Status: model.VisitPlanned,
			}
			for j, ai := range si.Activities {
				v.Activities = append(v.Activities, model.Activity{
					Type:      ai.Type,
					Name:      ai.Name,
					Seq:       j + 1,
					Mandatory: ai.Mandatory,
					Status:    model.ActivityPending,
				})
			}
			r.Stops[i].VisitID = v.ID
			m.visits[v.ID] = v
			m.visitTen[v.ID] = tenantID
		}
	}
	r.Totals = model.RouteTotals{Stops: len(r.Stops)}
	m.routes[r.ID] = r
	m.routeTen[r.ID] = tenantID
	m.routeIDs[tenantID] = append(m.routeIDs[tenantID], r.ID)
	return *r, nil
}

func (m *Memory) route(tenantID, routeID string) (*model.Route, error) {
	r, ok := m.routes[routeID]
	if !ok || m.routeTen[routeID] != tenantID {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *Memory) GetRoute(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.route(tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	return *r, nil
}

func (m *Memory) ListRoutes(ctx context.Context, tenantID, cursor string, limit int) ([]model.Route, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.routeIDs[tenantID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []model.Route{}
	var next string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		out = append(out, *m.routes[ids[i]])
		next = ids[i]
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) StartRoute(ctx context.Context, tenantID, routeID string, loc *model.GeoPoint) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.route(tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	if !r.Status.CanTransition(model.RouteInProgress) {
		return model.Route{}, fmt.Errorf("%w: route is %s", ErrConflict, r.Status)
	}
	r.Status = model.RouteInProgress
	if loc != nil {
		r.StartLoc = loc
	}
	r.Version++
	return *r, nil
}

func (m *Memory) EndRoute(ctx context.Context, tenantID, routeID string, loc *model.GeoPoint) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.route(tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	if !r.Status.CanTransition(model.RouteCompleted) {
		return model.Route{}, fmt.Errorf("%w: route is %s", ErrConflict, r.Status)
	}
	if i := activeStopIdx(r); i >= 0 {
		return model.Route{}, fmt.Errorf("%w: stop %d still active", ErrConflict, r.Stops[i].Seq)
	}
	r.Status = model.RouteCompleted
	if loc != nil {
		r.EndLoc = loc
	}
	r.Version++
	return *r, nil
}

// activeStopIdx returns the index of the stop holding the work lock, or -1.
func activeStopIdx(r *model.Route) int {
	for i := range r.Stops {
		if r.Stops[i].Status.Active() {
			return i
		}
	}
	return -1
}

func stopBySeq(r *model.Route, seq int) (*model.Stop, error) {
	for i := range r.Stops {
		if r.Stops[i].Seq == seq {
			return &r.Stops[i], nil
		}
	}
	return nil, fmt.Errorf("%w: stop seq %d", ErrNotFound, seq)
}

func (m *Memory) ArriveAtStop(ctx context.Context, tenantID, routeID string, stopIdx int, loc *model.GeoPoint) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.route(tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	if r.Status != model.RouteInProgress {
		return model.Route{}, fmt.Errorf("%w: route is %s", ErrConflict, r.Status)
	}
	if i := activeStopIdx(r); i >= 0 {
		return model.Route{}, fmt.Errorf("%w: stop %d already active", ErrConflict, r.Stops[i].Seq)
	}
	st, err := stopBySeq(r, stopIdx)
	if err != nil {
		return model.Route{}, err
	}
	if st.Status != model.StopPending {
		return model.Route{}, fmt.Errorf("%w: stop is %s", ErrConflict, st.Status)
	}
	st.Status = model.StopArrived
	st.ArrivedAt = nowRFC3339()
	if loc != nil {
		st.ArriveLoc = loc
	} else {
		// Absent location is tolerated and recorded as a zero reading.
		st.ArriveLoc = &model.GeoPoint{}
	}
	if st.VisitID != "" {
		v := m.visits[st.VisitID]
		v.Status = model.VisitInProgress
		v.CheckInAt = st.ArrivedAt
		v.CheckInLoc = st.ArriveLoc
		st.Status = model.StopInProgress
	}
	r.Version++
	return *r, nil
}

func (m *Memory) CompleteStop(ctx context.Context, tenantID, routeID string, stopIdx int) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.route(tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	st, err := stopBySeq(r, stopIdx)
	if err != nil {
		return model.Route{}, err
	}
	if !st.Status.Active() {
		return model.Route{}, fmt.Errorf("%w: stop is %s", ErrConflict, st.Status)
	}
	if st.VisitID != "" {
		if v := m.visits[st.VisitID]; v.Status != model.VisitCompleted {
			return model.Route{}, fmt.Errorf("%w: visit not finalized", ErrConflict)
		}
	}
	st.Status = model.StopCompleted
	st.DepartedAt = nowRFC3339()
	r.Totals.Completed++
	r.Version++
	return *r, nil
}

func (m *Memory) SkipStop(ctx context.Context, tenantID, routeID string, stopIdx int, reason string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.route(tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	st, err := stopBySeq(r, stopIdx)
	if err != nil {
		return model.Route{}, err
	}
	if st.Status.Terminal() {
		return model.Route{}, fmt.Errorf("%w: stop is %s", ErrConflict, st.Status)
	}
	if st.VisitID != "" {
		v := m.visits[st.VisitID]
		if visitHasProgress(v, m.media[v.ID]) {
			return model.Route{}, fmt.Errorf("%w: visit already has progress", ErrConflict)
		}
		v.Status = model.VisitCancelled
	}
	st.Status = model.StopSkipped
	st.SkipReason = reason
	st.DepartedAt = nowRFC3339()
	r.Totals.Skipped++
	r.Version++
	return *r, nil
}

// visitHasProgress reports whether any activity was completed or skipped, or
// any media captured. Skip-whole-visit is rejected once this holds.
func visitHasProgress(v *model.Visit, media []model.MediaRef) bool {
	if len(media) > 0 {
		return true
	}
	for _, a := range v.Activities {
		if a.Status != model.ActivityPending {
			return true
		}
	}
	return false
}

func (m *Memory) AddUnplannedStop(ctx context.Context, tenantID, routeID string, desc model.StopDescriptor) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.route(tenantID, routeID)
	if err != nil {
		return model.Route{}, err
	}
	if r.Status.Terminal() {
		return model.Route{}, fmt.Errorf("%w: route is %s", ErrConflict, r.Status)
	}
	st := model.Stop{
		ID:        uuid.New().String(),
		Seq:       len(r.Stops) + 1,
		Kind:      desc.Kind,
		Status:    model.StopPending,
		Name:      desc.Name,
		Address:   desc.Address,
		Unplanned: true,
	}
	if desc.Kind == model.StopVisit {
		v := &model.Visit{ID: uuid.New().String(), StopID: st.ID, Status: model.VisitPlanned}
		st.VisitID = v.ID
		m.visits[v.ID] = v
		m.visitTen[v.ID] = tenantID
	}
	r.Stops = append(r.Stops, st)
	r.Totals.Stops++
	r.Version++
	return *r, nil
}

// Visits

func (m *Memory) visit(tenantID, visitID string) (*model.Visit, error) {
	v, ok := m.visits[visitID]
	if !ok || m.visitTen[visitID] != tenantID {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *Memory) GetVisit(ctx context.Context, tenantID, visitID string) (model.Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.visit(tenantID, visitID)
	if err != nil {
		return model.Visit{}, err
	}
	return *v, nil
}

func (m *Memory) MarkActivity(ctx context.Context, tenantID, visitID string, req model.MarkActivityRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.visit(tenantID, visitID)
	if err != nil {
		return err
	}
	if v.Status.Terminal() {
		return fmt.Errorf("%w: visit is %s", ErrConflict, v.Status)
	}
	status := req.Status
	if status == "" {
		status = model.ActivityCompleted
	}
	for i := range v.Activities {
		a := &v.Activities[i]
		if a.Type != req.Type || a.Name != req.Name {
			continue
		}
		if status == model.ActivitySkipped && a.Mandatory {
			return fmt.Errorf("%w: mandatory activity cannot be skipped", ErrConflict)
		}
		a.Status = status
		if req.Result != nil {
			a.Result = req.Result
			m.recordMedia(visitID, req.Result)
		}
		return nil
	}
	// Activities the plan did not anticipate are appended rather than lost.
	v.Activities = append(v.Activities, model.Activity{
		Type:      req.Type,
		Name:      req.Name,
		Seq:       len(v.Activities) + 1,
		Status:    status,
		Result:    req.Result,
	})
	if req.Result != nil {
		m.recordMedia(visitID, req.Result)
	}
	return nil
}

func (m *Memory) recordMedia(visitID string, res *model.ActivityRes) {
	if res.Photo == nil {
		return
	}
	m.media[visitID] = append(m.media[visitID], res.Photo.MediaRefs...)
}

func (m *Memory) AmendActivityResult(ctx context.Context, tenantID, visitID string, typ model.ActivityType, name string, res *model.ActivityRes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.visit(tenantID, visitID)
	if err != nil {
		return err
	}
	if v.Status.Terminal() {
		return fmt.Errorf("%w: visit is %s", ErrConflict, v.Status)
	}
	for i := range v.Activities {
		a := &v.Activities[i]
		if a.Type == typ && a.Name == name {
			if a.Status != model.ActivityCompleted {
				return fmt.Errorf("%w: activity is %s", ErrConflict, a.Status)
			}
			// Edits overwrite; they do not append.
			a.Result = res
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ListVisitMedia(ctx context.Context, tenantID, visitID string) ([]model.MediaRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.visit(tenantID, visitID); err != nil {
		return nil, err
	}
	return append([]model.MediaRef(nil), m.media[visitID]...), nil
}

func (m *Memory) FinalizeVisit(ctx context.Context, tenantID, visitID string) (model.FinalizeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.visit(tenantID, visitID)
	if err != nil {
		return model.FinalizeResult{}, err
	}
	if v.Status == model.VisitCompleted {
		// Repeated finalize on a completed visit is a no-op success.
		return model.FinalizeResult{Success: true}, nil
	}
	if v.Status != model.VisitInProgress {
		return model.FinalizeResult{}, fmt.Errorf("%w: visit is %s", ErrConflict, v.Status)
	}
	var warnings []string
	for _, a := range v.Activities {
		if a.Mandatory && a.Status == model.ActivityPending {
			warnings = append(warnings, fmt.Sprintf("mandatory activity %q not completed", a.Name))
		}
	}
	warnings = append(warnings, m.syncWarn[visitID]...)
	if len(warnings) > 0 {
		return model.FinalizeResult{Warnings: warnings}, nil
	}
	v.Status = model.VisitCompleted
	v.CheckOutAt = nowRFC3339()
	return model.FinalizeResult{Success: true}, nil
}

// InjectSyncWarnings makes the next finalize of visitID report downstream sync
// failures. Test hook standing in for real order/invoice sync.
func (m *Memory) InjectSyncWarnings(visitID string, warnings ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncWarn[visitID] = warnings
}

// ClearSyncWarnings removes injected warnings so a retried finalize commits.
func (m *Memory) ClearSyncWarnings(visitID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.syncWarn, visitID)
}

// Transfers

func (m *Memory) CreateTransfer(ctx context.Context, tenantID string, in model.TransferInput) (model.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &model.Transfer{
		ID:      uuid.New().String(),
		Version: 1,
		Type:    in.Type,
		Status:  model.TransferPending,
		FromWH:  in.FromWH,
		ToWH:    in.ToWH,
	}
	for _, it := range in.Items {
		t.Items = append(t.Items, model.TransferItemCheck{
			ProductID: it.ProductID,
			Expected:  it.Expected,
			Status:    model.CheckPending,
		})
	}
	m.transfers[t.ID] = t
	m.trTen[t.ID] = tenantID
	m.trIDs[tenantID] = append(m.trIDs[tenantID], t.ID)
	return *t, nil
}

func (m *Memory) transfer(tenantID, transferID string) (*model.Transfer, error) {
	t, ok := m.transfers[transferID]
	if !ok || m.trTen[transferID] != tenantID {
		return nil, ErrNotFound
	}
	return t, nil
}

func (m *Memory) GetTransfer(ctx context.Context, tenantID, transferID string) (model.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transfer(tenantID, transferID)
	if err != nil {
		return model.Transfer{}, err
	}
	return *t, nil
}

func (m *Memory) ListTransfers(ctx context.Context, tenantID, cursor string, limit int) ([]model.Transfer, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.trIDs[tenantID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []model.Transfer{}
	var next string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		out = append(out, *m.transfers[ids[i]])
		next = ids[i]
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) transition(t *model.Transfer, to model.TransferStatus) error {
	if !t.Status.CanTransition(to) {
		return fmt.Errorf("%w: transfer is %s, cannot become %s", ErrConflict, t.Status, to)
	}
	t.Status = to
	t.Version++
	return nil
}

func (m *Memory) StartLoadingCheck(ctx context.Context, tenantID, transferID string) (model.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transfer(tenantID, transferID)
	if err != nil {
		return model.Transfer{}, err
	}
	if err := m.transition(t, model.TransferLoading); err != nil {
		return model.Transfer{}, err
	}
	return *t, nil
}

// deriveCheckStatus computes the line status from its counts.
func deriveCheckStatus(c model.TransferItemCheck) model.CheckStatus {
	if !c.Accounted() {
		return model.CheckPending
	}
	switch {
	case c.Verified == c.Expected:
		return model.CheckVerified
	case c.Damaged == c.Expected:
		return model.CheckDamaged
	case c.Missing == c.Expected:
		return model.CheckMissing
	default:
		return model.CheckPartial
	}
}

func (m *Memory) UpdateItemCheck(ctx context.Context, tenantID, transferID string, upd model.ItemCheckUpdate) (model.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transfer(tenantID, transferID)
	if err != nil {
		return model.Transfer{}, err
	}
	if t.Status != model.TransferLoading {
		return model.Transfer{}, fmt.Errorf("%w: transfer is %s", ErrConflict, t.Status)
	}
	for i := range t.Items {
		c := &t.Items[i]
		if c.ProductID != upd.ProductID {
			continue
		}
		if upd.Rejected {
			c.Status = model.CheckRejected
			t.Version++
			return *t, nil
		}
		if upd.Verified+upd.Damaged+upd.Missing > c.Expected {
			return model.Transfer{}, fmt.Errorf("%w: counts exceed expected %d", ErrConflict, c.Expected)
		}
		c.Verified, c.Damaged, c.Missing = upd.Verified, upd.Damaged, upd.Missing
		c.Status = deriveCheckStatus(*c)
		t.Version++
		return *t, nil
	}
	return model.Transfer{}, fmt.Errorf("%w: product %s", ErrNotFound, upd.ProductID)
}

func (m *Memory) VerifyAllItems(ctx context.Context, tenantID, transferID string) (model.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transfer(tenantID, transferID)
	if err != nil {
		return model.Transfer{}, err
	}
	if t.Status != model.TransferLoading {
		return model.Transfer{}, fmt.Errorf("%w: transfer is %s", ErrConflict, t.Status)
	}
	for i := range t.Items {
		c := &t.Items[i]
		if c.Status == model.CheckPending {
			c.Verified = c.Expected
			c.Damaged, c.Missing = 0, 0
			c.Status = model.CheckVerified
		}
	}
	t.Version++
	return *t, nil
}

func (m *Memory) CompleteLoading(ctx context.Context, tenantID, transferID string) (model.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transfer(tenantID, transferID)
	if err != nil {
		return model.Transfer{}, err
	}
	for _, c := range t.Items {
		if !c.Status.TerminalCheck() {
			return model.Transfer{}, fmt.Errorf("%w: item %s check still pending", ErrConflict, c.ProductID)
		}
	}
	if err := m.transition(t, model.TransferInTransit); err != nil {
		return model.Transfer{}, err
	}
	return *t, nil
}

func (m *Memory) ArriveAtDestination(ctx context.Context, tenantID, transferID string, loc *model.GeoPoint) (model.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transfer(tenantID, transferID)
	if err != nil {
		return model.Transfer{}, err
	}
	if err := m.transition(t, model.TransferArrived); err != nil {
		return model.Transfer{}, err
	}
	t.ArrivedAt = nowRFC3339()
	if loc != nil {
		t.ArriveLoc = loc
	} else {
		t.ArriveLoc = &model.GeoPoint{}
	}
	return *t, nil
}

func (m *Memory) CompleteHandoff(ctx context.Context, tenantID, transferID string, req model.HandoffRequest) (model.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transfer(tenantID, transferID)
	if err != nil {
		return model.Transfer{}, err
	}
	if req.ReceivedBy == "" {
		return model.Transfer{}, fmt.Errorf("%w: receiver identity required", ErrConflict)
	}
	if err := m.transition(t, model.TransferCompleted); err != nil {
		return model.Transfer{}, err
	}
	t.ReceivedBy = req.ReceivedBy
	t.HandoffPhoto = req.Photo
	t.Notes = req.Notes
	return *t, nil
}

func (m *Memory) ReturnTransfer(ctx context.Context, tenantID, transferID, reason string) (model.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.transfer(tenantID, transferID)
	if err != nil {
		return model.Transfer{}, err
	}
	if reason == "" {
		return model.Transfer{}, fmt.Errorf("%w: return reason required", ErrConflict)
	}
	if err := m.transition(t, model.TransferReturned); err != nil {
		return model.Transfer{}, err
	}
	t.ReturnReason = reason
	return *t, nil
}

// Webhook subscriptions and deliveries

func (m *Memory) CreateSubscription(ctx context.Context, req SubscriptionRequest) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Subscription{ID: uuid.New().String(), TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs[req.TenantID] = append(m.subs[req.TenantID], s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscription
	for _, s := range m.subs[tenantID] {
		for _, e := range s.Events {
			if e == eventType {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[tenantID]
	start := 0
	if cursor != "" {
		for i := range list {
			if list[i].ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	items := append([]Subscription(nil), list[start:end]...)
	next := ""
	if end < len(list) {
		next = list[end-1].ID
	}
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	arr := m.subs[tenantID]
	out := make([]Subscription, 0, len(arr))
	for _, s := range arr {
		if s.ID != id {
			out = append(out, s)
		}
	}
	m.subs[tenantID] = out
	return nil
}

func (m *Memory) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, TenantID: tenantID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"}, NextAttemptAt: time.Now()}
	m.deliveries[id] = d
	m.deliveriesByTenant[tenantID] = append(m.deliveriesByTenant[tenantID], id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, ids := range m.deliveriesByTenant {
		for _, id := range ids {
			d := m.deliveries[id]
			if d == nil {
				continue
			}
			if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
				out = append(out, d.WebhookDelivery)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return nil
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
	} else {
		d.Status = "retry"
		d.LastError = lastError
		if nextAttemptAt != nil {
			d.NextAttemptAt = *nextAttemptAt
		} else {
			d.NextAttemptAt = time.Now().Add(1 * time.Minute)
		}
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d != nil {
		d.Status = "failed"
		d.LastError = lastError
		d.ResponseCode = responseCode
		d.LatencyMs = latencyMs
	}
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []map[string]any{}
	for _, id := range m.deliveriesByTenant[tenantID] {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if status == "" || d.Status == status {
			item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
			if !d.NextAttemptAt.IsZero() {
				item["nextAttemptAt"] = d.NextAttemptAt
			}
			if d.LastError != "" {
				item["lastError"] = d.LastError
			}
			out = append(out, item)
		}
	}
	return out, "", nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d != nil && d.TenantID == tenantID {
		d.Status = "pending"
		d.NextAttemptAt = time.Now()
	}
	return nil
}

// RouteStats aggregates stop progress for one plan date.
func (m *Memory) RouteStats(ctx context.Context, tenantID, date string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	routes, stops, completed, skipped := 0, 0, 0, 0
	for _, id := range m.routeIDs[tenantID] {
		r := m.routes[id]
		if date != "" && r.Date != date {
			continue
		}
		routes++
		stops += len(r.Stops)
		completed += r.Totals.Completed
		skipped += r.Totals.Skipped
	}
	return map[string]any{"routes": routes, "stops": stops, "completed": completed, "skipped": skipped}, nil
}
