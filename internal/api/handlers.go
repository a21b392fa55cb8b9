package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fieldops/internal/metrics"
	"fieldops/internal/model"
	"fieldops/internal/opt"
	"fieldops/internal/store"
)

type locBody struct {
	Loc *model.GeoPoint `json:"loc,omitempty"`
}

// RoutesHandler handles /v1/routes (create and list).
func (s *Server) RoutesHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/routes" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodPost:
		pr := s.getPrincipal(r)
		if !pr.CanDispatch() {
			writeProblem(w, 403, "Forbidden", "supervisor or admin required", r.URL.Path)
			return
		}
		var in model.RouteInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if reasons := validateRouteInput(in); len(reasons) > 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid route", strings.Join(reasons, "; "), r.URL.Path)
			return
		}
		_, tenant := s.withTenant(r)
		route, err := s.Store.CreateRoute(r.Context(), tenant, in)
		if err != nil {
			writeStoreProblem(w, r, "Create route failed", err)
			return
		}
		writeJSON(w, http.StatusCreated, route)
	case http.MethodGet:
		_, tenant := s.withTenant(r)
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListRoutes(r.Context(), tenant, cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List routes failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// RouteByIDHandler handles /v1/routes/{id} plus the lifecycle subpaths:
// /start, /end, /stops, /stops/{idx}/arrive|complete|skip, /locations and
// /events/stream.
func (s *Server) RouteByIDHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/routes/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/routes/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	_, tenant := s.withTenant(r)

	if len(parts) > 1 && parts[1] == "events" && len(parts) > 2 && parts[2] == "stream" {
		// SSE for route events
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		// RBAC: supervisor/admin or the assigned agent
		pr := s.getPrincipal(r)
		if !pr.CanDispatch() {
			rt, err := s.Store.GetRoute(r.Context(), tenant, id)
			if err != nil {
				writeProblem(w, 404, "Route not found", err.Error(), r.URL.Path)
				return
			}
			if pr.Role != "agent" || pr.AgentID == "" || rt.AgentID == "" || pr.AgentID != rt.AgentID {
				writeProblem(w, 403, "Forbidden", "not authorized for route events", r.URL.Path)
				return
			}
		}
		s.streamEvents(w, r, id)
		return
	}

	if len(parts) > 1 && parts[1] == "locations" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, 200, map[string]any{"items": s.Locations.ListByRoute(tenant, id)})
		return
	}

	if len(parts) == 2 && (parts[1] == "start" || parts[1] == "end") {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body locBody
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body) // body is optional
		}
		var (
			route model.Route
			err   error
		)
		evt := "route.started"
		if parts[1] == "start" {
			route, err = s.Store.StartRoute(r.Context(), tenant, id, body.Loc)
		} else {
			route, err = s.Store.EndRoute(r.Context(), tenant, id, body.Loc)
			evt = "route.ended"
		}
		if err != nil {
			writeStoreProblem(w, r, "Route transition failed", err)
			return
		}
		s.emit(r.Context(), tenant, id, evt, map[string]any{
			"routeId": route.ID,
			"status":  route.Status,
			"ts":      time.Now().UTC().Format(time.RFC3339),
		})
		writeJSON(w, http.StatusOK, route)
		return
	}

	if len(parts) == 2 && parts[1] == "stops" {
		// Unplanned stop append
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var desc model.StopDescriptor
		if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		route, err := s.Store.AddUnplannedStop(r.Context(), tenant, id, desc)
		if err != nil {
			writeStoreProblem(w, r, "Add stop failed", err)
			return
		}
		st := route.Stops[len(route.Stops)-1]
		s.emit(r.Context(), tenant, id, "stop.added", map[string]any{
			"routeId": route.ID,
			"stopId":  st.ID,
			"seq":     st.Seq,
			"ts":      time.Now().UTC().Format(time.RFC3339),
		})
		writeJSON(w, http.StatusCreated, route)
		return
	}

	if len(parts) == 4 && parts[1] == "stops" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		idx, err := strconv.Atoi(parts[2])
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid stop index", parts[2], r.URL.Path)
			return
		}
		s.handleStopAction(w, r, tenant, id, idx, parts[3])
		return
	}

	switch r.Method {
	case http.MethodGet:
		route, err := s.Store.GetRoute(r.Context(), tenant, id)
		if err != nil {
			writeProblem(w, http.StatusNotFound, "Route not found", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, route)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStopAction(w http.ResponseWriter, r *http.Request, tenant, routeID string, idx int, action string) {
	var (
		route model.Route
		err   error
		evt   string
		extra map[string]any
	)
	switch action {
	case "arrive":
		var body locBody
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		route, err = s.Store.ArriveAtStop(r.Context(), tenant, routeID, idx, body.Loc)
		evt = "stop.arrived"
	case "complete":
		route, err = s.Store.CompleteStop(r.Context(), tenant, routeID, idx)
		evt = "stop.completed"
	case "skip":
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if strings.TrimSpace(body.Reason) == "" {
			writeProblem(w, http.StatusBadRequest, "Missing reason", "skip requires a reason", r.URL.Path)
			return
		}
		route, err = s.Store.SkipStop(r.Context(), tenant, routeID, idx, body.Reason)
		evt = "stop.skipped"
		extra = map[string]any{"reason": body.Reason}
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if err != nil {
		writeStoreProblem(w, r, "Stop transition failed", err)
		return
	}
	data := map[string]any{
		"routeId": route.ID,
		"stopIdx": idx,
		"ts":      time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		data[k] = v
	}
	s.emit(r.Context(), tenant, routeID, evt, data)
	writeJSON(w, http.StatusOK, route)
}

// VisitByIDHandler handles /v1/visits/{id} plus /activities, /media and
// /finalize.
func (s *Server) VisitByIDHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/visits/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/visits/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	_, tenant := s.withTenant(r)

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		v, err := s.Store.GetVisit(r.Context(), tenant, id)
		if err != nil {
			writeProblem(w, http.StatusNotFound, "Visit not found", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, v)
		return
	}

	switch parts[1] {
	case "activities":
		switch r.Method {
		case http.MethodPost:
			var req model.MarkActivityRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
				return
			}
			if req.Name == "" {
				writeProblem(w, http.StatusBadRequest, "Missing name", "activity name is required", r.URL.Path)
				return
			}
			if err := s.Store.MarkActivity(r.Context(), tenant, id, req); err != nil {
				writeStoreProblem(w, r, "Mark activity failed", err)
				return
			}
			if s.Pub != nil {
				s.Pub.Emit(r.Context(), tenant, "visit.activity.marked", map[string]any{
					"visitId": id,
					"type":    req.Type,
					"name":    req.Name,
					"ts":      time.Now().UTC().Format(time.RFC3339),
				})
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		case http.MethodPut:
			// Amend an already-completed activity's result
			var req model.MarkActivityRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
				return
			}
			if err := s.Store.AmendActivityResult(r.Context(), tenant, id, req.Type, req.Name, req.Result); err != nil {
				writeStoreProblem(w, r, "Amend activity failed", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "media":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		refs, err := s.Store.ListVisitMedia(r.Context(), tenant, id)
		if err != nil {
			writeStoreProblem(w, r, "List media failed", err)
			return
		}
		writeJSON(w, http.StatusOK, refs)
	case "finalize":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		res, err := s.Store.FinalizeVisit(r.Context(), tenant, id)
		if err != nil {
			writeStoreProblem(w, r, "Finalize failed", err)
			return
		}
		outcome := "blocked"
		if res.Success {
			outcome = "committed"
		}
		metrics.FinalizeOutcomes.WithLabelValues(outcome).Inc()
		if res.Success && s.Pub != nil {
			s.Pub.Emit(r.Context(), tenant, "visit.finalized", map[string]any{
				"visitId": id,
				"ts":      time.Now().UTC().Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, res)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

// TransfersHandler handles /v1/transfers (create and list).
func (s *Server) TransfersHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/transfers" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodPost:
		pr := s.getPrincipal(r)
		if !pr.CanDispatch() {
			writeProblem(w, 403, "Forbidden", "supervisor or admin required", r.URL.Path)
			return
		}
		var in model.TransferInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if reasons := validateTransferInput(in); len(reasons) > 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid transfer", strings.Join(reasons, "; "), r.URL.Path)
			return
		}
		_, tenant := s.withTenant(r)
		tr, err := s.Store.CreateTransfer(r.Context(), tenant, in)
		if err != nil {
			writeStoreProblem(w, r, "Create transfer failed", err)
			return
		}
		writeJSON(w, http.StatusCreated, tr)
	case http.MethodGet:
		_, tenant := s.withTenant(r)
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListTransfers(r.Context(), tenant, cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List transfers failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// TransferByIDHandler handles /v1/transfers/{id} plus the state-machine
// actions and the per-transfer event stream.
func (s *Server) TransferByIDHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/transfers/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/transfers/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	_, tenant := s.withTenant(r)

	if len(parts) > 1 && parts[1] == "events" && len(parts) > 2 && parts[2] == "stream" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.streamEvents(w, r, id)
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		tr, err := s.Store.GetTransfer(r.Context(), tenant, id)
		if err != nil {
			writeProblem(w, http.StatusNotFound, "Transfer not found", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, tr)
		return
	}

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var (
		tr  model.Transfer
		err error
		evt string
	)
	switch parts[1] {
	case "loading-check":
		tr, err = s.Store.StartLoadingCheck(r.Context(), tenant, id)
		evt = "transfer.loading.started"
	case "item-check":
		var upd model.ItemCheckUpdate
		if derr := json.NewDecoder(r.Body).Decode(&upd); derr != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", derr.Error(), r.URL.Path)
			return
		}
		tr, err = s.Store.UpdateItemCheck(r.Context(), tenant, id, upd)
		evt = "transfer.item.checked"
	case "verify-all":
		tr, err = s.Store.VerifyAllItems(r.Context(), tenant, id)
		evt = "transfer.item.checked"
	case "complete-loading":
		tr, err = s.Store.CompleteLoading(r.Context(), tenant, id)
		evt = "transfer.loading.completed"
	case "arrive":
		var body locBody
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		tr, err = s.Store.ArriveAtDestination(r.Context(), tenant, id, body.Loc)
		evt = "transfer.arrived"
	case "handoff":
		var req model.HandoffRequest
		if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", derr.Error(), r.URL.Path)
			return
		}
		tr, err = s.Store.CompleteHandoff(r.Context(), tenant, id, req)
		evt = "transfer.completed"
	case "return":
		var body struct {
			Reason string `json:"reason"`
		}
		if derr := json.NewDecoder(r.Body).Decode(&body); derr != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", derr.Error(), r.URL.Path)
			return
		}
		if strings.TrimSpace(body.Reason) == "" {
			writeProblem(w, http.StatusBadRequest, "Missing reason", "return requires a reason", r.URL.Path)
			return
		}
		tr, err = s.Store.ReturnTransfer(r.Context(), tenant, id, body.Reason)
		evt = "transfer.returned"
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if err != nil {
		writeStoreProblem(w, r, "Transfer transition failed", err)
		return
	}
	metrics.TransferTransitions.WithLabelValues(string(tr.Status)).Inc()
	s.emit(r.Context(), tenant, id, evt, map[string]any{
		"transferId": tr.ID,
		"status":     tr.Status,
		"ts":         time.Now().UTC().Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tr)
}

// streamEvents is the shared SSE loop for route and transfer topics.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, topic string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ch := s.Broker.Subscribe(topic)
	defer s.Broker.Unsubscribe(topic, ch)
	// initial heartbeat
	fmt.Fprintf(w, "event: heartbeat\n")
	fmt.Fprintf(w, "data: {\"topic\":\"%s\",\"ts\":\"%s\"}\n\n", topic, time.Now().Format(time.RFC3339))
	flusher.Flush()
	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case evt := <-ch:
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", string(b))
			flusher.Flush()
		case <-time.After(15 * time.Second):
			fmt.Fprintf(w, "event: heartbeat\n")
			fmt.Fprintf(w, "data: {\"topic\":\"%s\",\"ts\":\"%s\"}\n\n", topic, time.Now().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

// LocationsHandler handles POST /v1/locations: agents push their latest fix.
func (s *Server) LocationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pr := s.getPrincipal(r)
	var req struct {
		RouteID string  `json:"routeId"`
		AgentID string  `json:"agentId"`
		Lat     float64 `json:"lat"`
		Lng     float64 `json:"lng"`
		TS      string  `json:"ts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.AgentID == "" {
		req.AgentID = pr.AgentID
	}
	if req.RouteID == "" || req.AgentID == "" {
		writeProblem(w, http.StatusBadRequest, "Missing fields", "routeId and agentId required", r.URL.Path)
		return
	}
	if req.TS == "" {
		req.TS = time.Now().UTC().Format(time.RFC3339)
	}
	_, tenant := s.withTenant(r)
	s.Locations.Upsert(tenant, req.RouteID, req.AgentID, req.Lat, req.Lng, req.TS)
	s.Broker.Publish(req.RouteID, SSEEvent{Type: "agent.location", Data: map[string]any{
		"routeId": req.RouteID,
		"agentId": req.AgentID,
		"lat":     req.Lat,
		"lng":     req.Lng,
		"ts":      req.TS,
	}})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

// SubscriptionsHandler handles /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		p := s.getPrincipal(r)
		if !p.IsAdmin() {
			writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
			return
		}
		var req store.SubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if req.TenantID == "" {
			req.TenantID = p.Tenant
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		p := s.getPrincipal(r)
		if !p.IsAdmin() {
			writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
			return
		}
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListSubscriptions(r.Context(), p.Tenant, cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler deletes one subscription (admin).
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/subscriptions/") {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(405)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if err := s.Store.DeleteSubscription(r.Context(), p.Tenant, id); err != nil {
		writeProblem(w, 500, "Delete subscription failed", err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(204)
}

// Admin: webhook deliveries list and retry
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/webhook-deliveries" {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(405)
		return
	}
	status := r.URL.Query().Get("status")
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), p.Tenant, status, cursor, limit)
	if err != nil {
		writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/") || !strings.HasSuffix(r.URL.Path, "/retry") {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(405)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
	if err := s.Store.RetryWebhookDelivery(r.Context(), p.Tenant, id); err != nil {
		writeProblem(w, 500, "Retry delivery failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 202, map[string]int{"accepted": 1})
}

// OrderPlanHandler handles POST /v1/routes/order: propose a visiting order
// for a set of coordinates. Pure computation, nothing is persisted.
func (s *Server) OrderPlanHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pr := s.getPrincipal(r)
	if !pr.CanDispatch() {
		writeProblem(w, 403, "Forbidden", "supervisor or admin required", r.URL.Path)
		return
	}
	var req struct {
		Start model.GeoPoint   `json:"start"`
		Stops []model.GeoPoint `json:"stops"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if len(req.Stops) == 0 {
		writeProblem(w, http.StatusBadRequest, "Missing stops", "at least one stop is required", r.URL.Path)
		return
	}
	nodes := make([]opt.StopNode, len(req.Stops))
	for i, p := range req.Stops {
		nodes[i] = opt.StopNode{Lat: p.Lat, Lng: p.Lng}
	}
	plan := opt.OrderStops(opt.StopNode{Lat: req.Start.Lat, Lng: req.Start.Lng}, nodes, 50)
	writeJSON(w, 200, map[string]any{
		"order":       plan.Order,
		"legMeters":   plan.LegMeters,
		"totalMeters": plan.TotalMeters,
	})
}

// Admin metrics: route progress stats by date
func (s *Server) RouteStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/routes/stats" || r.Method != http.MethodGet {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	date := r.URL.Query().Get("date")
	stats, err := s.Store.RouteStats(r.Context(), p.Tenant, date)
	if err != nil {
		writeProblem(w, 500, "Stats failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, stats)
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Check DB connectivity when using the Postgres store
	type pinger interface{ Ping(ctx context.Context) error }
	if pg, ok := s.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, 200, map[string]string{"status": "ready"})
}
