package store

import (
	"context"
	"os"
	"testing"

	"fieldops/internal/model"
)

// Requires a running Postgres; skipped unless DATABASE_URL is set.
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	if err := p.MigrateDir("../../db/migrations"); err != nil {
		t.Fatalf("MigrateDir: %v", err)
	}

	ctx := context.Background()
	tenant := "t_itest"
	r, err := p.CreateRoute(ctx, tenant, model.RouteInput{
		Date: "2026-03-02",
		Stops: []model.StopInput{
			{Kind: model.StopVisit, Name: "Corner Market", Activities: []model.ActivityInput{
				{Type: model.ActivityPhoto, Name: "storefront", Mandatory: true},
			}},
		},
	})
	if err != nil {
		t.Fatalf("CreateRoute: %v", err)
	}
	if len(r.Stops) != 1 || r.Stops[0].VisitID == "" {
		t.Fatalf("unexpected route shape: %+v", r)
	}

	if _, err := p.StartRoute(ctx, tenant, r.ID, nil); err != nil {
		t.Fatalf("StartRoute: %v", err)
	}
	r, err = p.ArriveAtStop(ctx, tenant, r.ID, 1, &model.GeoPoint{Lat: -1.95, Lng: 30.06})
	if err != nil {
		t.Fatalf("ArriveAtStop: %v", err)
	}
	if r.Stops[0].Status != model.StopInProgress {
		t.Fatalf("stop status = %s, want in_progress", r.Stops[0].Status)
	}

	visitID := r.Stops[0].VisitID
	err = p.MarkActivity(ctx, tenant, visitID, model.MarkActivityRequest{
		Type: model.ActivityPhoto, Name: "storefront", Status: model.ActivityCompleted,
		Result: &model.ActivityRes{Type: model.ActivityPhoto, Photo: &model.PhotoResult{MediaRefs: []model.MediaRef{{ID: "m-itest-1", Kind: "photo"}}}},
	})
	if err != nil {
		t.Fatalf("MarkActivity: %v", err)
	}
	media, err := p.ListVisitMedia(ctx, tenant, visitID)
	if err != nil || len(media) != 1 {
		t.Fatalf("ListVisitMedia = %v, %v", media, err)
	}

	res, err := p.FinalizeVisit(ctx, tenant, visitID)
	if err != nil || !res.Success {
		t.Fatalf("FinalizeVisit = %+v, %v", res, err)
	}
	r, err = p.CompleteStop(ctx, tenant, r.ID, 1)
	if err != nil {
		t.Fatalf("CompleteStop: %v", err)
	}
	if r.Totals.Completed != 1 {
		t.Fatalf("totals.completed = %d, want 1", r.Totals.Completed)
	}
	if _, err := p.EndRoute(ctx, tenant, r.ID, nil); err != nil {
		t.Fatalf("EndRoute: %v", err)
	}

	// Empty date aggregates across all dates, like Memory.
	dated, err := p.RouteStats(ctx, tenant, "2026-03-02")
	if err != nil {
		t.Fatalf("RouteStats: %v", err)
	}
	all, err := p.RouteStats(ctx, tenant, "")
	if err != nil {
		t.Fatalf("RouteStats all dates: %v", err)
	}
	if all["routes"].(int) < dated["routes"].(int) {
		t.Fatalf("all-dates stats %v smaller than dated %v", all, dated)
	}
}
