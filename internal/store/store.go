package store

import (
	"context"
	"errors"
	"time"

	"fieldops/internal/model"
)

// Store is the authoritative persistence interface used by the API server.
// Every mutating route/transfer call returns the refreshed record so callers
// can recompute dispositions without a second round-trip.
type Store interface {
	// Routes
	CreateRoute(ctx context.Context, tenantID string, in model.RouteInput) (model.Route, error)
	GetRoute(ctx context.Context, tenantID, routeID string) (model.Route, error)
	ListRoutes(ctx context.Context, tenantID, cursor string, limit int) ([]model.Route, string, error)
	StartRoute(ctx context.Context, tenantID, routeID string, loc *model.GeoPoint) (model.Route, error)
	EndRoute(ctx context.Context, tenantID, routeID string, loc *model.GeoPoint) (model.Route, error)
	ArriveAtStop(ctx context.Context, tenantID, routeID string, stopIdx int, loc *model.GeoPoint) (model.Route, error)
	CompleteStop(ctx context.Context, tenantID, routeID string, stopIdx int) (model.Route, error)
	SkipStop(ctx context.Context, tenantID, routeID string, stopIdx int, reason string) (model.Route, error)
	AddUnplannedStop(ctx context.Context, tenantID, routeID string, desc model.StopDescriptor) (model.Route, error)

	// Visits
	GetVisit(ctx context.Context, tenantID, visitID string) (model.Visit, error)
	MarkActivity(ctx context.Context, tenantID, visitID string, req model.MarkActivityRequest) error
	AmendActivityResult(ctx context.Context, tenantID, visitID string, typ model.ActivityType, name string, res *model.ActivityRes) error
	ListVisitMedia(ctx context.Context, tenantID, visitID string) ([]model.MediaRef, error)
	FinalizeVisit(ctx context.Context, tenantID, visitID string) (model.FinalizeResult, error)

	// Transfers
	CreateTransfer(ctx context.Context, tenantID string, in model.TransferInput) (model.Transfer, error)
	GetTransfer(ctx context.Context, tenantID, transferID string) (model.Transfer, error)
	ListTransfers(ctx context.Context, tenantID, cursor string, limit int) ([]model.Transfer, string, error)
	StartLoadingCheck(ctx context.Context, tenantID, transferID string) (model.Transfer, error)
	UpdateItemCheck(ctx context.Context, tenantID, transferID string, upd model.ItemCheckUpdate) (model.Transfer, error)
	VerifyAllItems(ctx context.Context, tenantID, transferID string) (model.Transfer, error)
	CompleteLoading(ctx context.Context, tenantID, transferID string) (model.Transfer, error)
	ArriveAtDestination(ctx context.Context, tenantID, transferID string, loc *model.GeoPoint) (model.Transfer, error)
	CompleteHandoff(ctx context.Context, tenantID, transferID string, req model.HandoffRequest) (model.Transfer, error)
	ReturnTransfer(ctx context.Context, tenantID, transferID, reason string) (model.Transfer, error)

	// Webhook subscriptions and deliveries
	CreateSubscription(ctx context.Context, req SubscriptionRequest) (Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]Subscription, string, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) error
	EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error)
	RetryWebhookDelivery(ctx context.Context, tenantID, id string) error

	// Metrics
	RouteStats(ctx context.Context, tenantID, date string) (map[string]any, error)
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a transition rejected by a state-machine precondition.
	ErrConflict = errors.New("conflict")
)
