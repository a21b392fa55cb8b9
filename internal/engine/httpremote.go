package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fieldops/internal/model"
)

// HTTPRemote speaks to the fieldops API over HTTP and implements Remote.
// Transport failures come back as *TransientError so callers can queue a
// retry; 4xx responses decode the problem body into a *ValidationError.
type HTTPRemote struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPRemote(baseURL, token string) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// do issues one request and decodes the response into out when non-nil.
func (r *HTTPRemote) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return &TransientError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &TransientError{Op: method + " " + path, Err: fmt.Errorf("server returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		var p problem
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil || p.Detail == "" && p.Title == "" {
			return validationf("%s %s: status %d", method, path, resp.StatusCode)
		}
		msg := p.Detail
		if msg == "" {
			msg = p.Title
		}
		return &ValidationError{Reasons: strings.Split(msg, "; ")}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransientError{Op: method + " " + path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

type locBody struct {
	Loc *model.GeoPoint `json:"loc,omitempty"`
}

func (r *HTTPRemote) StartRoute(ctx context.Context, routeID string, loc *model.GeoPoint) (model.Route, error) {
	var rt model.Route
	err := r.do(ctx, http.MethodPost, "/v1/routes/"+routeID+"/start", locBody{loc}, &rt)
	return rt, err
}

func (r *HTTPRemote) EndRoute(ctx context.Context, routeID string, loc *model.GeoPoint) (model.Route, error) {
	var rt model.Route
	err := r.do(ctx, http.MethodPost, "/v1/routes/"+routeID+"/end", locBody{loc}, &rt)
	return rt, err
}

func (r *HTTPRemote) GetRoute(ctx context.Context, routeID string) (model.Route, error) {
	var rt model.Route
	err := r.do(ctx, http.MethodGet, "/v1/routes/"+routeID, nil, &rt)
	return rt, err
}

func (r *HTTPRemote) ArriveAtStop(ctx context.Context, routeID string, stopIdx int, loc *model.GeoPoint) (model.Route, error) {
	var rt model.Route
	err := r.do(ctx, http.MethodPost, fmt.Sprintf("/v1/routes/%s/stops/%d/arrive", routeID, stopIdx), locBody{loc}, &rt)
	return rt, err
}

func (r *HTTPRemote) CompleteStop(ctx context.Context, routeID string, stopIdx int) (model.Route, error) {
	var rt model.Route
	err := r.do(ctx, http.MethodPost, fmt.Sprintf("/v1/routes/%s/stops/%d/complete", routeID, stopIdx), nil, &rt)
	return rt, err
}

func (r *HTTPRemote) SkipStop(ctx context.Context, routeID string, stopIdx int, reason string) (model.Route, error) {
	var rt model.Route
	body := struct {
		Reason string `json:"reason"`
	}{reason}
	err := r.do(ctx, http.MethodPost, fmt.Sprintf("/v1/routes/%s/stops/%d/skip", routeID, stopIdx), body, &rt)
	return rt, err
}

func (r *HTTPRemote) AddUnplannedStop(ctx context.Context, routeID string, desc model.StopDescriptor) (model.Route, error) {
	var rt model.Route
	err := r.do(ctx, http.MethodPost, "/v1/routes/"+routeID+"/stops", desc, &rt)
	return rt, err
}

func (r *HTTPRemote) GetVisit(ctx context.Context, visitID string) (model.Visit, error) {
	var v model.Visit
	err := r.do(ctx, http.MethodGet, "/v1/visits/"+visitID, nil, &v)
	return v, err
}

func (r *HTTPRemote) MarkActivityCompleted(ctx context.Context, visitID string, req model.MarkActivityRequest) error {
	return r.do(ctx, http.MethodPost, "/v1/visits/"+visitID+"/activities", req, nil)
}

func (r *HTTPRemote) GetVisitMedia(ctx context.Context, visitID string) ([]model.MediaRef, error) {
	var refs []model.MediaRef
	err := r.do(ctx, http.MethodGet, "/v1/visits/"+visitID+"/media", nil, &refs)
	return refs, err
}

func (r *HTTPRemote) FinalizeVisit(ctx context.Context, visitID string) (model.FinalizeResult, error) {
	var res model.FinalizeResult
	err := r.do(ctx, http.MethodPost, "/v1/visits/"+visitID+"/finalize", nil, &res)
	return res, err
}

func (r *HTTPRemote) GetTransfer(ctx context.Context, transferID string) (model.Transfer, error) {
	var t model.Transfer
	err := r.do(ctx, http.MethodGet, "/v1/transfers/"+transferID, nil, &t)
	return t, err
}

func (r *HTTPRemote) StartLoadingCheck(ctx context.Context, transferID string) (model.Transfer, error) {
	var t model.Transfer
	err := r.do(ctx, http.MethodPost, "/v1/transfers/"+transferID+"/loading-check", nil, &t)
	return t, err
}

func (r *HTTPRemote) UpdateItemCheck(ctx context.Context, transferID string, upd model.ItemCheckUpdate) (model.Transfer, error) {
	var t model.Transfer
	err := r.do(ctx, http.MethodPost, "/v1/transfers/"+transferID+"/item-check", upd, &t)
	return t, err
}

func (r *HTTPRemote) VerifyAllItems(ctx context.Context, transferID string) (model.Transfer, error) {
	var t model.Transfer
	err := r.do(ctx, http.MethodPost, "/v1/transfers/"+transferID+"/verify-all", nil, &t)
	return t, err
}

func (r *HTTPRemote) CompleteLoading(ctx context.Context, transferID string) (model.Transfer, error) {
	var t model.Transfer
	err := r.do(ctx, http.MethodPost, "/v1/transfers/"+transferID+"/complete-loading", nil, &t)
	return t, err
}

func (r *HTTPRemote) ArriveAtDestination(ctx context.Context, transferID string, loc *model.GeoPoint) (model.Transfer, error) {
	var t model.Transfer
	err := r.do(ctx, http.MethodPost, "/v1/transfers/"+transferID+"/arrive", locBody{loc}, &t)
	return t, err
}

func (r *HTTPRemote) CompleteHandoff(ctx context.Context, transferID string, req model.HandoffRequest) (model.Transfer, error) {
	var t model.Transfer
	err := r.do(ctx, http.MethodPost, "/v1/transfers/"+transferID+"/handoff", req, &t)
	return t, err
}

func (r *HTTPRemote) ReturnTransfer(ctx context.Context, transferID, reason string) (model.Transfer, error) {
	var t model.Transfer
	body := struct {
		Reason string `json:"reason"`
	}{reason}
	err := r.do(ctx, http.MethodPost, "/v1/transfers/"+transferID+"/return", body, &t)
	return t, err
}
