package model

import "encoding/json"

// Core domain types for field execution (routes, visits, transfers).

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Zero reports whether the point is an unknown/zero reading.
func (g GeoPoint) Zero() bool { return g.Lat == 0 && g.Lng == 0 }

// Route is one agent's plan for one day.
type Route struct {
	ID       string      `json:"id"`
	Version  int         `json:"version"`
	Date     string      `json:"date"`
	AgentID  string      `json:"agentId,omitempty"`
	Status   RouteStatus `json:"status"`
	Stops    []Stop      `json:"stops"`
	Totals   RouteTotals `json:"totals"`
	StartLoc *GeoPoint   `json:"startLoc,omitempty"`
	EndLoc   *GeoPoint   `json:"endLoc,omitempty"`
}

type RouteTotals struct {
	Stops     int `json:"stops"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
}

// Stop is an ordered element of a Route. Seq is 1-based.
type Stop struct {
	ID         string     `json:"id"`
	Seq        int        `json:"seq"`
	Kind       StopKind   `json:"kind"`
	Status     StopStatus `json:"status"`
	Name       string     `json:"name,omitempty"`
	Address    string     `json:"address,omitempty"`
	VisitID    string     `json:"visitId,omitempty"`
	TransferID string     `json:"transferId,omitempty"`
	Unplanned  bool       `json:"unplanned,omitempty"`
	ArrivedAt  string     `json:"arrivedAt,omitempty"`
	DepartedAt string     `json:"departedAt,omitempty"`
	ArriveLoc  *GeoPoint  `json:"arriveLoc,omitempty"`
	SkipReason string     `json:"skipReason,omitempty"`
}

// StopDescriptor describes an unplanned stop appended to a route.
type StopDescriptor struct {
	Kind    StopKind `json:"kind"`
	Name    string   `json:"name,omitempty"`
	Address string   `json:"address,omitempty"`
}

// Visit is the work unit created when a visit-kind Stop is checked into.
type Visit struct {
	ID          string      `json:"id"`
	StopID      string      `json:"stopId"`
	Status      VisitStatus `json:"status"`
	Activities  []Activity  `json:"activities"`
	CheckInAt   string      `json:"checkInAt,omitempty"`
	CheckInLoc  *GeoPoint   `json:"checkInLoc,omitempty"`
	CheckOutAt  string      `json:"checkOutAt,omitempty"`
	CheckOutLoc *GeoPoint   `json:"checkOutLoc,omitempty"`
}

// Activity is one gated unit of work inside a Visit. Seq is 1-based.
type Activity struct {
	Type      ActivityType   `json:"type"`
	Name      string         `json:"name"`
	Seq       int            `json:"seq"`
	Mandatory bool           `json:"mandatory"`
	Status    ActivityStatus `json:"status"`
	Result    *ActivityRes   `json:"result,omitempty"`
}

// ActivityRes is the tagged result payload of a completed activity. Exactly
// one variant matching Type is set; Opaque carries unrecognized payloads.
type ActivityRes struct {
	Type    ActivityType    `json:"type"`
	Photo   *PhotoResult    `json:"photo,omitempty"`
	Stock   *StockResult    `json:"stock,omitempty"`
	Payment *PaymentResult  `json:"payment,omitempty"`
	Order   *OrderResult    `json:"order,omitempty"`
	Survey  *SurveyResult   `json:"survey,omitempty"`
	Opaque  json.RawMessage `json:"opaque,omitempty"`
}

type PhotoResult struct {
	MediaRefs []MediaRef `json:"mediaRefs"`
}

type StockResult struct {
	Lines []StockLine `json:"lines"`
}

type StockLine struct {
	ProductID string `json:"productId"`
	Counted   int    `json:"counted"`
}

type PaymentResult struct {
	Amount    float64 `json:"amount"`
	Method    string  `json:"method"`
	Reference string  `json:"reference,omitempty"`
}

type OrderResult struct {
	OrderRef string  `json:"orderRef"`
	Lines    int     `json:"lines"`
	Total    float64 `json:"total"`
}

type SurveyResult struct {
	Answers map[string]string `json:"answers"`
}

// MediaRef is an opaque reference to captured media (photo, signature).
type MediaRef struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	URI  string `json:"uri,omitempty"`
	TS   string `json:"ts,omitempty"`
}

// MarkActivityRequest records a completed or skipped activity server-side.
type MarkActivityRequest struct {
	Type   ActivityType   `json:"type"`
	Name   string         `json:"name"`
	Status ActivityStatus `json:"status,omitempty"`
	Result *ActivityRes   `json:"result,omitempty"`
}

// FinalizeResult is the outcome of a finalize call. Success with empty
// Warnings means committed; any warnings mean the visit stays in progress.
type FinalizeResult struct {
	Success  bool     `json:"success"`
	Warnings []string `json:"warnings,omitempty"`
}

// Transfer is a goods movement between two warehouses.
type Transfer struct {
	ID           string              `json:"id"`
	Version      int                 `json:"version"`
	Type         TransferType        `json:"type"`
	Status       TransferStatus      `json:"status"`
	FromWH       string              `json:"fromWarehouseId"`
	ToWH         string              `json:"toWarehouseId"`
	Items        []TransferItemCheck `json:"items"`
	DeliveryIDs  []string            `json:"deliveryIds,omitempty"`
	ReceivedBy   string              `json:"receivedBy,omitempty"`
	HandoffPhoto *MediaRef           `json:"handoffPhoto,omitempty"`
	Notes        string              `json:"notes,omitempty"`
	ReturnReason string              `json:"returnReason,omitempty"`
	ArriveLoc    *GeoPoint           `json:"arriveLoc,omitempty"`
	ArrivedAt    string              `json:"arrivedAt,omitempty"`
}

// TransferItemCheck is one product line in a transfer's load check.
// Invariant: Verified+Damaged+Missing <= Expected.
type TransferItemCheck struct {
	ProductID string      `json:"productId"`
	Expected  int         `json:"expected"`
	Verified  int         `json:"verified"`
	Damaged   int         `json:"damaged"`
	Missing   int         `json:"missing"`
	Status    CheckStatus `json:"status"`
}

// Accounted reports whether the full expected quantity has been accounted for.
func (c TransferItemCheck) Accounted() bool {
	return c.Verified+c.Damaged+c.Missing >= c.Expected
}

// HandoffRequest completes a transfer at its destination.
type HandoffRequest struct {
	ReceivedBy string    `json:"receivedBy"`
	Photo      *MediaRef `json:"photo,omitempty"`
	Notes      string    `json:"notes,omitempty"`
}

// ItemCheckUpdate reports verified/damaged/missing counts for one line.
type ItemCheckUpdate struct {
	ProductID string `json:"productId"`
	Verified  int    `json:"verified"`
	Damaged   int    `json:"damaged"`
	Missing   int    `json:"missing"`
	Rejected  bool   `json:"rejected,omitempty"`
}

// RouteInput seeds a route for one agent and date.
type RouteInput struct {
	Date    string      `json:"date"`
	AgentID string      `json:"agentId"`
	Stops   []StopInput `json:"stops"`
}

type StopInput struct {
	Kind       StopKind        `json:"kind"`
	Name       string          `json:"name,omitempty"`
	Address    string          `json:"address,omitempty"`
	TransferID string          `json:"transferId,omitempty"`
	Activities []ActivityInput `json:"activities,omitempty"`
}

type ActivityInput struct {
	Type      ActivityType `json:"type"`
	Name      string       `json:"name"`
	Mandatory bool         `json:"mandatory"`
}

// TransferInput seeds a goods movement.
type TransferInput struct {
	Type   TransferType        `json:"type"`
	FromWH string              `json:"fromWarehouseId"`
	ToWH   string              `json:"toWarehouseId"`
	Items  []TransferItemInput `json:"items"`
}

type TransferItemInput struct {
	ProductID string `json:"productId"`
	Expected  int    `json:"expected"`
}
