package engine

import (
	"context"

	"fieldops/internal/model"
)

// Remote is the set of backend operations the engine consumes. Every mutating
// route/transfer call returns the refreshed authoritative record; the engine
// never advances local state past what the server has confirmed, except for
// the provisional progress overlay (see reconcile.go).
//
// Implementations map transport failures to *TransientError and server-side
// precondition rejections to *ValidationError.
type Remote interface {
	StartRoute(ctx context.Context, routeID string, loc *model.GeoPoint) (model.Route, error)
	EndRoute(ctx context.Context, routeID string, loc *model.GeoPoint) (model.Route, error)
	GetRoute(ctx context.Context, routeID string) (model.Route, error)
	ArriveAtStop(ctx context.Context, routeID string, stopIdx int, loc *model.GeoPoint) (model.Route, error)
	CompleteStop(ctx context.Context, routeID string, stopIdx int) (model.Route, error)
	SkipStop(ctx context.Context, routeID string, stopIdx int, reason string) (model.Route, error)
	AddUnplannedStop(ctx context.Context, routeID string, desc model.StopDescriptor) (model.Route, error)

	GetVisit(ctx context.Context, visitID string) (model.Visit, error)
	MarkActivityCompleted(ctx context.Context, visitID string, req model.MarkActivityRequest) error
	GetVisitMedia(ctx context.Context, visitID string) ([]model.MediaRef, error)
	FinalizeVisit(ctx context.Context, visitID string) (model.FinalizeResult, error)

	GetTransfer(ctx context.Context, transferID string) (model.Transfer, error)
	StartLoadingCheck(ctx context.Context, transferID string) (model.Transfer, error)
	UpdateItemCheck(ctx context.Context, transferID string, upd model.ItemCheckUpdate) (model.Transfer, error)
	VerifyAllItems(ctx context.Context, transferID string) (model.Transfer, error)
	CompleteLoading(ctx context.Context, transferID string) (model.Transfer, error)
	ArriveAtDestination(ctx context.Context, transferID string, loc *model.GeoPoint) (model.Transfer, error)
	CompleteHandoff(ctx context.Context, transferID string, req model.HandoffRequest) (model.Transfer, error)
	ReturnTransfer(ctx context.Context, transferID, reason string) (model.Transfer, error)
}
