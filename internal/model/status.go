package model

// Status enums and the allowed transitions for routes and transfers.

type RouteStatus string

const (
	RouteNotStarted RouteStatus = "not_started"
	RouteInProgress RouteStatus = "in_progress"
	RoutePaused     RouteStatus = "paused"
	RouteCompleted  RouteStatus = "completed"
	RouteCancelled  RouteStatus = "cancelled"
)

// routeNext holds the forward edges of the route lifecycle. Paused and
// cancelled are side exits; paused can resume.
var routeNext = map[RouteStatus][]RouteStatus{
	RouteNotStarted: {RouteInProgress, RouteCancelled},
	RouteInProgress: {RouteCompleted, RoutePaused, RouteCancelled},
	RoutePaused:     {RouteInProgress, RouteCancelled},
}

// CanTransition reports whether a route may move from to status.
func (s RouteStatus) CanTransition(to RouteStatus) bool {
	for _, n := range routeNext[s] {
		if n == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the route status admits no further transitions.
func (s RouteStatus) Terminal() bool { return s == RouteCompleted || s == RouteCancelled }

type StopKind string

const (
	StopVisit    StopKind = "visit"
	StopDelivery StopKind = "delivery"
	StopTransfer StopKind = "transfer"
	StopPickup   StopKind = "pickup"
	StopBreak    StopKind = "break"
)

type StopStatus string

const (
	StopPending    StopStatus = "pending"
	StopArrived    StopStatus = "arrived"
	StopInProgress StopStatus = "in_progress"
	StopCompleted  StopStatus = "completed"
	StopSkipped    StopStatus = "skipped"
	StopPartial    StopStatus = "partial"
	StopFailed     StopStatus = "failed"
)

// Active reports whether the stop holds the route's exclusive work lock.
func (s StopStatus) Active() bool { return s == StopArrived || s == StopInProgress }

// Terminal reports whether the stop is immutable.
func (s StopStatus) Terminal() bool {
	switch s {
	case StopCompleted, StopSkipped, StopPartial, StopFailed:
		return true
	}
	return false
}

type VisitStatus string

const (
	VisitPlanned    VisitStatus = "planned"
	VisitInProgress VisitStatus = "in_progress"
	VisitCompleted  VisitStatus = "completed"
	VisitCancelled  VisitStatus = "cancelled"
)

// Terminal reports whether the visit is read-only.
func (s VisitStatus) Terminal() bool { return s == VisitCompleted || s == VisitCancelled }

type ActivityStatus string

const (
	ActivityPending   ActivityStatus = "pending"
	ActivityCompleted ActivityStatus = "completed"
	ActivitySkipped   ActivityStatus = "skipped"
)

type ActivityType string

const (
	ActivityPhoto      ActivityType = "photo"
	ActivityStockCount ActivityType = "stock_count"
	ActivityPayment    ActivityType = "payment"
	ActivityOrder      ActivityType = "order"
	ActivitySurvey     ActivityType = "survey"
)

type TransferType string

const (
	TransferWHToDC   TransferType = "wh_to_dc"
	TransferDCToDC   TransferType = "dc_to_dc"
	TransferReturnWH TransferType = "return_to_wh"
)

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferLoading   TransferStatus = "loading"
	TransferInTransit TransferStatus = "in_transit"
	TransferArrived   TransferStatus = "arrived"
	TransferCompleted TransferStatus = "completed"
	TransferReturned  TransferStatus = "returned"
	TransferCancelled TransferStatus = "cancelled"
)

// transferNext holds the strictly linear forward edges; returned is a side
// exit reachable from loading, in_transit and arrived only.
var transferNext = map[TransferStatus][]TransferStatus{
	TransferPending:   {TransferLoading, TransferCancelled},
	TransferLoading:   {TransferInTransit, TransferReturned, TransferCancelled},
	TransferInTransit: {TransferArrived, TransferReturned},
	TransferArrived:   {TransferCompleted, TransferReturned},
}

// CanTransition reports whether a transfer may move from to status.
func (s TransferStatus) CanTransition(to TransferStatus) bool {
	for _, n := range transferNext[s] {
		if n == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the transfer admits no further transitions.
func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferReturned || s == TransferCancelled
}

type CheckStatus string

const (
	CheckPending  CheckStatus = "pending"
	CheckVerified CheckStatus = "verified"
	CheckPartial  CheckStatus = "partial"
	CheckDamaged  CheckStatus = "damaged"
	CheckMissing  CheckStatus = "missing"
	CheckRejected CheckStatus = "rejected"
)

// TerminalCheck reports whether the item check is in a terminal check status.
func (s CheckStatus) TerminalCheck() bool { return s != CheckPending && s != "" }
