package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fieldops/internal/model"
)

// Postgres is the durable Store. Routes and stops are rows; activity plans,
// item checks, and media references live in jsonb columns since they are
// always read and written as a unit with their parent.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Ping reports database connectivity; used by the readiness probe.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies every .sql file in dir in lexical order. Statements are
// written to be re-runnable (CREATE TABLE IF NOT EXISTS and the like).
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		sqlBytes, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(sqlBytes)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func latLng(pt *model.GeoPoint) (any, any) {
	if pt == nil {
		return nil, nil
	}
	return pt.Lat, pt.Lng
}

func scanPoint(lat, lng sql.NullFloat64) *model.GeoPoint {
	if !lat.Valid || !lng.Valid {
		return nil
	}
	return &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
}

// Routes

func (p *Postgres) CreateRoute(ctx context.Context, tenantID string, in model.RouteInput) (model.Route, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, err
	}
	defer func() { _ = tx.Rollback() }()

	routeID := uuid.New().String()
	_, err = tx.ExecContext(ctx, `INSERT INTO routes (id, tenant_id, version, plan_date, agent_id, status, stops_total)
		VALUES ($1,$2,1,$3,$4,$5,$6)`,
		routeID, tenantID, in.Date, nullIfEmpty(in.AgentID), model.RouteNotStarted, len(in.Stops))
	if err != nil {
		return model.Route{}, err
	}
	for i, si := range in.Stops {
		stopID := uuid.New().String()
		var visitID any
		if si.Kind == model.StopVisit {
			vid := uuid.New().String()
			var acts []model.Activity
			for j, ai := range si.Activities {
				acts = append(acts, model.Activity{
					Type: ai.Type, Name: ai.Name, Seq: j + 1,
					Mandatory: ai.Mandatory, Status: model.ActivityPending,
				})
			}
			actsJSON, _ := json.Marshal(acts)
			_, err = tx.ExecContext(ctx, `INSERT INTO visits (id, tenant_id, stop_id, status, activities)
				VALUES ($1,$2,$3,$4,$5)`, vid, tenantID, stopID, model.VisitPlanned, actsJSON)
			if err != nil {
				return model.Route{}, err
			}
			visitID = vid
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO stops (id, tenant_id, route_id, seq, kind, status, name, address, visit_id, transfer_id, unplanned)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,false)`,
			stopID, tenantID, routeID, i+1, si.Kind, model.StopPending,
			nullIfEmpty(si.Name), nullIfEmpty(si.Address), visitID, nullIfEmpty(si.TransferID))
		if err != nil {
			return model.Route{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Route{}, err
	}
	return p.GetRoute(ctx, tenantID, routeID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *Postgres) loadRoute(ctx context.Context, q querier, tenantID, routeID string, forUpdate bool) (model.Route, error) {
	var r model.Route
	head := `SELECT id::text, version, plan_date, COALESCE(agent_id,''), status, stops_total, stops_completed, stops_skipped,
		start_lat, start_lng, end_lat, end_lng FROM routes WHERE tenant_id=$1 AND id=$2`
	if forUpdate {
		head += ` FOR UPDATE`
	}
	var startLat, startLng, endLat, endLng sql.NullFloat64
	err := q.QueryRowContext(ctx, head, tenantID, routeID).Scan(
		&r.ID, &r.Version, &r.Date, &r.AgentID, &r.Status,
		&r.Totals.Stops, &r.Totals.Completed, &r.Totals.Skipped,
		&startLat, &startLng, &endLat, &endLng)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.StartLoc = scanPoint(startLat, startLng)
	r.EndLoc = scanPoint(endLat, endLng)

	rows, err := q.QueryContext(ctx, `SELECT id::text, seq, kind, status, COALESCE(name,''), COALESCE(address,''),
		COALESCE(visit_id::text,''), COALESCE(transfer_id,''), unplanned,
		COALESCE(arrived_at,''), COALESCE(departed_at,''), arrive_lat, arrive_lng, COALESCE(skip_reason,'')
		FROM stops WHERE tenant_id=$1 AND route_id=$2 ORDER BY seq`, tenantID, routeID)
	if err != nil {
		return r, err
	}
	defer rows.Close()
	for rows.Next() {
		var st model.Stop
		var aLat, aLng sql.NullFloat64
		if err := rows.Scan(&st.ID, &st.Seq, &st.Kind, &st.Status, &st.Name, &st.Address,
			&st.VisitID, &st.TransferID, &st.Unplanned,
			&st.ArrivedAt, &st.DepartedAt, &aLat, &aLng, &st.SkipReason); err != nil {
			return r, err
		}
		st.ArriveLoc = scanPoint(aLat, aLng)
		r.Stops = append(r.Stops, st)
	}
	return r, rows.Err()
}

func (p *Postgres) GetRoute(ctx context.Context, tenantID, routeID string) (model.Route, error) {
	return p.loadRoute(ctx, p.db, tenantID, routeID, false)
}

func (p *Postgres) ListRoutes(ctx context.Context, tenantID, cursor string, limit int) ([]model.Route, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text FROM routes WHERE tenant_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text FROM routes WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, "", err
		}
		ids = append(ids, id)
	}
	rows.Close()
	out := []model.Route{}
	for _, id := range ids {
		r, err := p.GetRoute(ctx, tenantID, id)
		if err != nil {
			return nil, "", err
		}
		out = append(out, r)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

// routeTx runs fn inside a transaction with the route row locked, then
// bumps the version and returns the refreshed route.
func (p *Postgres) routeTx(ctx context.Context, tenantID, routeID string, fn func(tx *sql.Tx, r *model.Route) error) (model.Route, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := p.loadRoute(ctx, tx, tenantID, routeID, true)
	if err != nil {
		return model.Route{}, err
	}
	if err := fn(tx, &r); err != nil {
		return model.Route{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE routes SET version=version+1, updated_at=now() WHERE tenant_id=$1 AND id=$2`, tenantID, routeID); err != nil {
		return model.Route{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Route{}, err
	}
	return p.GetRoute(ctx, tenantID, routeID)
}

func (p *Postgres) StartRoute(ctx context.Context, tenantID, routeID string, loc *model.GeoPoint) (model.Route, error) {
	return p.routeTx(ctx, tenantID, routeID, func(tx *sql.Tx, r *model.Route) error {
		if !r.Status.CanTransition(model.RouteInProgress) {
			return fmt.Errorf("%w: route is %s", ErrConflict, r.Status)
		}
		lat, lng := latLng(loc)
		_, err := tx.ExecContext(ctx, `UPDATE routes SET status=$1, start_lat=$2, start_lng=$3 WHERE tenant_id=$4 AND id=$5`,
			model.RouteInProgress, lat, lng, tenantID, routeID)
		return err
	})
}

func (p *Postgres) EndRoute(ctx context.Context, tenantID, routeID string, loc *model.GeoPoint) (model.Route, error) {
	return p.routeTx(ctx, tenantID, routeID, func(tx *sql.Tx, r *model.Route) error {
		if !r.Status.CanTransition(model.RouteCompleted) {
			return fmt.Errorf("%w: route is %s", ErrConflict, r.Status)
		}
		for _, st := range r.Stops {
			if st.Status.Active() {
				return fmt.Errorf("%w: stop %d still active", ErrConflict, st.Seq)
			}
		}
		lat, lng := latLng(loc)
		_, err := tx.ExecContext(ctx, `UPDATE routes SET status=$1, end_lat=$2, end_lng=$3 WHERE tenant_id=$4 AND id=$5`,
			model.RouteCompleted, lat, lng, tenantID, routeID)
		return err
	})
}

func findStop(r *model.Route, seq int) (*model.Stop, error) {
	for i := range r.Stops {
		if r.Stops[i].Seq == seq {
			return &r.Stops[i], nil
		}
	}
	return nil, fmt.Errorf("%w: stop seq %d", ErrNotFound, seq)
}

func (p *Postgres) ArriveAtStop(ctx context.Context, tenantID, routeID string, stopIdx int, loc *model.GeoPoint) (model.Route, error) {
	return p.routeTx(ctx, tenantID, routeID, func(tx *sql.Tx, r *model.Route) error {
		if r.Status != model.RouteInProgress {
			return fmt.Errorf("%w: route is %s", ErrConflict, r.Status)
		}
		for _, st := range r.Stops {
			if st.Status.Active() {
				return fmt.Errorf("%w: stop %d already active", ErrConflict, st.Seq)
			}
		}
		st, err := findStop(r, stopIdx)
		if err != nil {
			return err
		}
		if st.Status != model.StopPending {
			return fmt.Errorf("%w: stop is %s", ErrConflict, st.Status)
		}
		if loc == nil {
			loc = &model.GeoPoint{}
		}
		now := time.Now().UTC().Format(time.RFC3339)
		status := model.StopArrived
		if st.VisitID != "" {
			status = model.StopInProgress
			if _, err := tx.ExecContext(ctx, `UPDATE visits SET status=$1, check_in_at=$2, check_in_lat=$3, check_in_lng=$4 WHERE tenant_id=$5 AND id=$6`,
				model.VisitInProgress, now, loc.Lat, loc.Lng, tenantID, st.VisitID); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `UPDATE stops SET status=$1, arrived_at=$2, arrive_lat=$3, arrive_lng=$4 WHERE tenant_id=$5 AND id=$6`,
			status, now, loc.Lat, loc.Lng, tenantID, st.ID)
		return err
	})
}

func (p *Postgres) CompleteStop(ctx context.Context, tenantID, routeID string, stopIdx int) (model.Route, error) {
	return p.routeTx(ctx, tenantID, routeID, func(tx *sql.Tx, r *model.Route) error {
		st, err := findStop(r, stopIdx)
		if err != nil {
			return err
		}
		if !st.Status.Active() {
			return fmt.Errorf("%w: stop is %s", ErrConflict, st.Status)
		}
		if st.VisitID != "" {
			var vStatus model.VisitStatus
			if err := tx.QueryRowContext(ctx, `SELECT status FROM visits WHERE tenant_id=$1 AND id=$2`, tenantID, st.VisitID).Scan(&vStatus); err != nil {
				return err
			}
			if vStatus != model.VisitCompleted {
				return fmt.Errorf("%w: visit not finalized", ErrConflict)
			}
		}
		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := tx.ExecContext(ctx, `UPDATE stops SET status=$1, departed_at=$2 WHERE tenant_id=$3 AND id=$4`,
			model.StopCompleted, now, tenantID, st.ID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE routes SET stops_completed=stops_completed+1 WHERE tenant_id=$1 AND id=$2`, tenantID, routeID)
		return err
	})
}

func (p *Postgres) SkipStop(ctx context.Context, tenantID, routeID string, stopIdx int, reason string) (model.Route, error) {
	return p.routeTx(ctx, tenantID, routeID, func(tx *sql.Tx, r *model.Route) error {
		st, err := findStop(r, stopIdx)
		if err != nil {
			return err
		}
		if st.Status.Terminal() {
			return fmt.Errorf("%w: stop is %s", ErrConflict, st.Status)
		}
		if st.VisitID != "" {
			v, err := p.loadVisit(ctx, tx, tenantID, st.VisitID, false)
			if err != nil {
				return err
			}
			var mediaCount int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM visit_media WHERE tenant_id=$1 AND visit_id=$2`, tenantID, st.VisitID).Scan(&mediaCount); err != nil {
				return err
			}
			if mediaCount > 0 {
				return fmt.Errorf("%w: visit already has progress", ErrConflict)
			}
			for _, a := range v.Activities {
				if a.Status != model.ActivityPending {
					return fmt.Errorf("%w: visit already has progress", ErrConflict)
				}
			}
			if _, err := tx.ExecContext(ctx, `UPDATE visits SET status=$1 WHERE tenant_id=$2 AND id=$3`, model.VisitCancelled, tenantID, st.VisitID); err != nil {
				return err
			}
		}
		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := tx.ExecContext(ctx, `UPDATE stops SET status=$1, skip_reason=$2, departed_at=$3 WHERE tenant_id=$4 AND id=$5`,
			model.StopSkipped, reason, now, tenantID, st.ID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE routes SET stops_skipped=stops_skipped+1 WHERE tenant_id=$1 AND id=$2`, tenantID, routeID)
		return err
	})
}

func (p *Postgres) AddUnplannedStop(ctx context.Context, tenantID, routeID string, desc model.StopDescriptor) (model.Route, error) {
	return p.routeTx(ctx, tenantID, routeID, func(tx *sql.Tx, r *model.Route) error {
		if r.Status.Terminal() {
			return fmt.Errorf("%w: route is %s", ErrConflict, r.Status)
		}
		stopID := uuid.New().String()
		var visitID any
		if desc.Kind == model.StopVisit {
			vid := uuid.New().String()
			if _, err := tx.ExecContext(ctx, `INSERT INTO visits (id, tenant_id, stop_id, status, activities) VALUES ($1,$2,$3,$4,'[]')`,
				vid, tenantID, stopID, model.VisitPlanned); err != nil {
				return err
			}
			visitID = vid
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO stops (id, tenant_id, route_id, seq, kind, status, name, address, visit_id, unplanned)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,true)`,
			stopID, tenantID, routeID, len(r.Stops)+1, desc.Kind, model.StopPending,
			nullIfEmpty(desc.Name), nullIfEmpty(desc.Address), visitID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE routes SET stops_total=stops_total+1 WHERE tenant_id=$1 AND id=$2`, tenantID, routeID)
		return err
	})
}

// Visits

func (p *Postgres) loadVisit(ctx context.Context, q querier, tenantID, visitID string, forUpdate bool) (model.Visit, error) {
	var v model.Visit
	query := `SELECT id::text, stop_id::text, status, COALESCE(check_in_at,''), check_in_lat, check_in_lng, COALESCE(check_out_at,''), activities
		FROM visits WHERE tenant_id=$1 AND id=$2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var lat, lng sql.NullFloat64
	var acts []byte
	err := q.QueryRowContext(ctx, query, tenantID, visitID).Scan(&v.ID, &v.StopID, &v.Status, &v.CheckInAt, &lat, &lng, &v.CheckOutAt, &acts)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.CheckInLoc = scanPoint(lat, lng)
	if err := json.Unmarshal(acts, &v.Activities); err != nil {
		return v, err
	}
	return v, nil
}

func (p *Postgres) GetVisit(ctx context.Context, tenantID, visitID string) (model.Visit, error) {
	return p.loadVisit(ctx, p.db, tenantID, visitID, false)
}

// visitTx locks the visit row, runs fn against the decoded record, and
// writes the activities column back.
func (p *Postgres) visitTx(ctx context.Context, tenantID, visitID string, fn func(tx *sql.Tx, v *model.Visit) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	v, err := p.loadVisit(ctx, tx, tenantID, visitID, true)
	if err != nil {
		return err
	}
	if err := fn(tx, &v); err != nil {
		return err
	}
	acts, err := json.Marshal(v.Activities)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE visits SET status=$1, check_out_at=NULLIF($2,''), activities=$3 WHERE tenant_id=$4 AND id=$5`,
		v.Status, v.CheckOutAt, acts, tenantID, visitID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) MarkActivity(ctx context.Context, tenantID, visitID string, req model.MarkActivityRequest) error {
	return p.visitTx(ctx, tenantID, visitID, func(tx *sql.Tx, v *model.Visit) error {
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
				return p.insertResultMedia(ctx, tx, tenantID, visitID, req.Result)
			}
			return nil
		}
		v.Activities = append(v.Activities, model.Activity{
			Type: req.Type, Name: req.Name, Seq: len(v.Activities) + 1,
			Status: status, Result: req.Result,
		})
		if req.Result != nil {
			return p.insertResultMedia(ctx, tx, tenantID, visitID, req.Result)
		}
		return nil
	})
}

func (p *Postgres) insertResultMedia(ctx context.Context, tx *sql.Tx, tenantID, visitID string, res *model.ActivityRes) error {
	if res.Photo == nil {
		return nil
	}
	for _, m := range res.Photo.MediaRefs {
		id := m.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO visit_media (id, tenant_id, visit_id, kind, uri, ts)
			VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (id) DO NOTHING`,
			id, tenantID, visitID, nullIfEmpty(m.Kind), nullIfEmpty(m.URI), nullIfEmpty(m.TS)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) AmendActivityResult(ctx context.Context, tenantID, visitID string, typ model.ActivityType, name string, res *model.ActivityRes) error {
	return p.visitTx(ctx, tenantID, visitID, func(tx *sql.Tx, v *model.Visit) error {
		if v.Status.Terminal() {
			return fmt.Errorf("%w: visit is %s", ErrConflict, v.Status)
		}
		for i := range v.Activities {
			a := &v.Activities[i]
			if a.Type == typ && a.Name == name {
				if a.Status != model.ActivityCompleted {
					return fmt.Errorf("%w: activity is %s", ErrConflict, a.Status)
				}
				a.Result = res
				return nil
			}
		}
		return ErrNotFound
	})
}

func (p *Postgres) ListVisitMedia(ctx context.Context, tenantID, visitID string) ([]model.MediaRef, error) {
	if _, err := p.GetVisit(ctx, tenantID, visitID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, COALESCE(kind,''), COALESCE(uri,''), COALESCE(ts,'')
		FROM visit_media WHERE tenant_id=$1 AND visit_id=$2 ORDER BY created_at`, tenantID, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.MediaRef{}
	for rows.Next() {
		var m model.MediaRef
		if err := rows.Scan(&m.ID, &m.Kind, &m.URI, &m.TS); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) FinalizeVisit(ctx context.Context, tenantID, visitID string) (model.FinalizeResult, error) {
	var res model.FinalizeResult
	err := p.visitTx(ctx, tenantID, visitID, func(tx *sql.Tx, v *model.Visit) error {
		if v.Status == model.VisitCompleted {
			res = model.FinalizeResult{Success: true}
			return nil
		}
		if v.Status != model.VisitInProgress {
			return fmt.Errorf("%w: visit is %s", ErrConflict, v.Status)
		}
		var warnings []string
		for _, a := range v.Activities {
			if a.Mandatory && a.Status == model.ActivityPending {
				warnings = append(warnings, fmt.Sprintf("mandatory activity %q not completed", a.Name))
			}
		}
		if len(warnings) > 0 {
			res = model.FinalizeResult{Warnings: warnings}
			return nil
		}
		v.Status = model.VisitCompleted
		v.CheckOutAt = time.Now().UTC().Format(time.RFC3339)
		res = model.FinalizeResult{Success: true}
		return nil
	})
	if err != nil {
		return model.FinalizeResult{}, err
	}
	return res, nil
}

// Transfers

func (p *Postgres) CreateTransfer(ctx context.Context, tenantID string, in model.TransferInput) (model.Transfer, error) {
	id := uuid.New().String()
	items := make([]model.TransferItemCheck, 0, len(in.Items))
	for _, it := range in.Items {
		items = append(items, model.TransferItemCheck{ProductID: it.ProductID, Expected: it.Expected, Status: model.CheckPending})
	}
	itemsJSON, _ := json.Marshal(items)
	_, err := p.db.ExecContext(ctx, `INSERT INTO transfers (id, tenant_id, version, type, status, from_wh, to_wh, items)
		VALUES ($1,$2,1,$3,$4,$5,$6,$7)`,
		id, tenantID, in.Type, model.TransferPending, in.FromWH, in.ToWH, itemsJSON)
	if err != nil {
		return model.Transfer{}, err
	}
	return p.GetTransfer(ctx, tenantID, id)
}

func (p *Postgres) loadTransfer(ctx context.Context, q querier, tenantID, transferID string, forUpdate bool) (model.Transfer, error) {
	var t model.Transfer
	query := `SELECT id::text, version, type, status, from_wh, to_wh, items,
		COALESCE(received_by,''), handoff_photo, COALESCE(notes,''), COALESCE(return_reason,''),
		arrive_lat, arrive_lng, COALESCE(arrived_at,'')
		FROM transfers WHERE tenant_id=$1 AND id=$2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var items, photo []byte
	var lat, lng sql.NullFloat64
	err := q.QueryRowContext(ctx, query, tenantID, transferID).Scan(
		&t.ID, &t.Version, &t.Type, &t.Status, &t.FromWH, &t.ToWH, &items,
		&t.ReceivedBy, &photo, &t.Notes, &t.ReturnReason, &lat, &lng, &t.ArrivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(items, &t.Items); err != nil {
		return t, err
	}
	if len(photo) > 0 {
		var m model.MediaRef
		if err := json.Unmarshal(photo, &m); err == nil {
			t.HandoffPhoto = &m
		}
	}
	t.ArriveLoc = scanPoint(lat, lng)
	return t, nil
}

func (p *Postgres) GetTransfer(ctx context.Context, tenantID, transferID string) (model.Transfer, error) {
	return p.loadTransfer(ctx, p.db, tenantID, transferID, false)
}

func (p *Postgres) ListTransfers(ctx context.Context, tenantID, cursor string, limit int) ([]model.Transfer, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text FROM transfers WHERE tenant_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text FROM transfers WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, "", err
		}
		ids = append(ids, id)
	}
	rows.Close()
	out := []model.Transfer{}
	for _, id := range ids {
		t, err := p.GetTransfer(ctx, tenantID, id)
		if err != nil {
			return nil, "", err
		}
		out = append(out, t)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

// transferTx locks the transfer row, runs fn, and writes the mutable columns
// back with a version bump.
func (p *Postgres) transferTx(ctx context.Context, tenantID, transferID string, fn func(t *model.Transfer) error) (model.Transfer, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Transfer{}, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := p.loadTransfer(ctx, tx, tenantID, transferID, true)
	if err != nil {
		return model.Transfer{}, err
	}
	if err := fn(&t); err != nil {
		return model.Transfer{}, err
	}
	items, err := json.Marshal(t.Items)
	if err != nil {
		return model.Transfer{}, err
	}
	var photo any
	if t.HandoffPhoto != nil {
		photo, _ = json.Marshal(t.HandoffPhoto)
	}
	lat, lng := latLng(t.ArriveLoc)
	if _, err := tx.ExecContext(ctx, `UPDATE transfers SET version=version+1, status=$1, items=$2,
		received_by=NULLIF($3,''), handoff_photo=$4, notes=NULLIF($5,''), return_reason=NULLIF($6,''),
		arrive_lat=$7, arrive_lng=$8, arrived_at=NULLIF($9,''), updated_at=now()
		WHERE tenant_id=$10 AND id=$11`,
		t.Status, items, t.ReceivedBy, photo, t.Notes, t.ReturnReason, lat, lng, t.ArrivedAt,
		tenantID, transferID); err != nil {
		return model.Transfer{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Transfer{}, err
	}
	return p.GetTransfer(ctx, tenantID, transferID)
}

func transferStep(t *model.Transfer, to model.TransferStatus) error {
	if !t.Status.CanTransition(to) {
		return fmt.Errorf("%w: transfer is %s, cannot become %s", ErrConflict, t.Status, to)
	}
	t.Status = to
	return nil
}

func (p *Postgres) StartLoadingCheck(ctx context.Context, tenantID, transferID string) (model.Transfer, error) {
	return p.transferTx(ctx, tenantID, transferID, func(t *model.Transfer) error {
		return transferStep(t, model.TransferLoading)
	})
}

func (p *Postgres) UpdateItemCheck(ctx context.Context, tenantID, transferID string, upd model.ItemCheckUpdate) (model.Transfer, error) {
	return p.transferTx(ctx, tenantID, transferID, func(t *model.Transfer) error {
		if t.Status != model.TransferLoading {
			return fmt.Errorf("%w: transfer is %s", ErrConflict, t.Status)
		}
		for i := range t.Items {
			c := &t.Items[i]
			if c.ProductID != upd.ProductID {
				continue
			}
			if upd.Rejected {
				c.Status = model.CheckRejected
				return nil
			}
			if upd.Verified+upd.Damaged+upd.Missing > c.Expected {
				return fmt.Errorf("%w: counts exceed expected %d", ErrConflict, c.Expected)
			}
			c.Verified, c.Damaged, c.Missing = upd.Verified, upd.Damaged, upd.Missing
			c.Status = deriveCheckStatus(*c)
			return nil
		}
		return fmt.Errorf("%w: product %s", ErrNotFound, upd.ProductID)
	})
}

func (p *Postgres) VerifyAllItems(ctx context.Context, tenantID, transferID string) (model.Transfer, error) {
	return p.transferTx(ctx, tenantID, transferID, func(t *model.Transfer) error {
		if t.Status != model.TransferLoading {
			return fmt.Errorf("%w: transfer is %s", ErrConflict, t.Status)
		}
		for i := range t.Items {
			c := &t.Items[i]
			if c.Status == model.CheckPending {
				c.Verified = c.Expected
				c.Damaged, c.Missing = 0, 0
				c.Status = model.CheckVerified
			}
		}
		return nil
	})
}

func (p *Postgres) CompleteLoading(ctx context.Context, tenantID, transferID string) (model.Transfer, error) {
	return p.transferTx(ctx, tenantID, transferID, func(t *model.Transfer) error {
		for _, c := range t.Items {
			if !c.Status.TerminalCheck() {
				return fmt.Errorf("%w: item %s check still pending", ErrConflict, c.ProductID)
			}
		}
		return transferStep(t, model.TransferInTransit)
	})
}

func (p *Postgres) ArriveAtDestination(ctx context.Context, tenantID, transferID string, loc *model.GeoPoint) (model.Transfer, error) {
	return p.transferTx(ctx, tenantID, transferID, func(t *model.Transfer) error {
		if err := transferStep(t, model.TransferArrived); err != nil {
			return err
		}
		t.ArrivedAt = time.Now().UTC().Format(time.RFC3339)
		if loc != nil {
			t.ArriveLoc = loc
		} else {
			t.ArriveLoc = &model.GeoPoint{}
		}
		return nil
	})
}

func (p *Postgres) CompleteHandoff(ctx context.Context, tenantID, transferID string, req model.HandoffRequest) (model.Transfer, error) {
	return p.transferTx(ctx, tenantID, transferID, func(t *model.Transfer) error {
		if req.ReceivedBy == "" {
			return fmt.Errorf("%w: receiver identity required", ErrConflict)
		}
		if err := transferStep(t, model.TransferCompleted); err != nil {
			return err
		}
		t.ReceivedBy = req.ReceivedBy
		t.HandoffPhoto = req.Photo
		t.Notes = req.Notes
		return nil
	})
}

func (p *Postgres) ReturnTransfer(ctx context.Context, tenantID, transferID, reason string) (model.Transfer, error) {
	return p.transferTx(ctx, tenantID, transferID, func(t *model.Transfer) error {
		if reason == "" {
			return fmt.Errorf("%w: return reason required", ErrConflict)
		}
		if err := transferStep(t, model.TransferReturned); err != nil {
			return err
		}
		t.ReturnReason = reason
		return nil
	})
}

// Webhook subscriptions and deliveries

func (p *Postgres) CreateSubscription(ctx context.Context, req SubscriptionRequest) (Subscription, error) {
	id := uuid.New().String()
	ev, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, tenant_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`,
		id, req.TenantID, req.URL, ev, nullIfEmpty(req.Secret))
	if err != nil {
		return Subscription{}, err
	}
	return Subscription{ID: id, TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions
		WHERE tenant_id=$1 AND events @> $2::jsonb`, tenantID, fmt.Sprintf("[%q]", eventType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		var s Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
			return nil, err
		}
		s.TenantID = tenantID
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]Subscription, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions
			WHERE tenant_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions
			WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []Subscription{}
	for rows.Next() {
		var s Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
			return nil, "", err
		}
		s.TenantID = tenantID
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return err
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries
		(id, tenant_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now(),$8)
		ON CONFLICT (tenant_id, event_type, url, dedup_key) DO NOTHING`,
		id, tenantID, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, dedupKey(payload))
	if err != nil {
		return "", err
	}
	return id, nil
}

func dedupKey(payload []byte) string {
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, tenant_id, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
		FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now()
		ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(time.Minute)
			nextAttemptAt = &t
		}
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry',
			last_error=$2, next_attempt_at=$3, response_code=$4, latency_ms=$5, updated_at=now() WHERE id=$1`,
			id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='delivered', delivered_at=now(),
		response_code=$2, latency_ms=$3, updated_at=now() WHERE id=$1`, id, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', last_error=$2,
		response_code=$3, latency_ms=$4, updated_at=now() WHERE id=$1`, id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, event_type, status, attempts, next_attempt_at, COALESCE(last_error,''), url FROM webhook_deliveries WHERE tenant_id=$1`
	var rows *sql.Rows
	var err error
	if status != "" {
		q += ` AND status=$2 ORDER BY id LIMIT $3`
		rows, err = p.db.QueryContext(ctx, q, tenantID, status, limit)
	} else {
		q += ` ORDER BY id LIMIT $2`
		rows, err = p.db.QueryContext(ctx, q, tenantID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, typ, st, lastErr, url string
		var attempts int
		var nextAt sql.NullTime
		if err := rows.Scan(&id, &typ, &st, &attempts, &nextAt, &lastErr, &url); err != nil {
			return nil, "", err
		}
		m := map[string]any{"id": id, "eventType": typ, "status": st, "attempts": attempts, "url": url}
		if nextAt.Valid {
			m["nextAttemptAt"] = nextAt.Time
		}
		if lastErr != "" {
			m["lastError"] = lastErr
		}
		out = append(out, m)
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return err
}

func (p *Postgres) RouteStats(ctx context.Context, tenantID, date string) (map[string]any, error) {
	// Empty date means all dates, matching Memory.
	row := p.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT r.id),
		COALESCE(SUM(r.stops_total),0), COALESCE(SUM(r.stops_completed),0), COALESCE(SUM(r.stops_skipped),0)
		FROM routes r WHERE r.tenant_id=$1 AND ($2 = '' OR r.plan_date=$2)`, tenantID, date)
	var routes, stops, completed, skipped int
	if err := row.Scan(&routes, &stops, &completed, &skipped); err != nil {
		return nil, err
	}
	return map[string]any{"routes": routes, "stops": stops, "completed": completed, "skipped": skipped}, nil
}
