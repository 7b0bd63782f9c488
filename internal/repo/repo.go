package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"rotaline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertRoster(ctx context.Context, tx *sql.Tx, ro domain.Roster) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO rosters(id,name,description,created_at) VALUES (?,?,?,?)`,
		ro.ID, ro.Name, nullable(ro.Description), ro.CreatedAt)
	return err
}

func (r Repo) GetRoster(ctx context.Context, id string) (domain.Roster, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(description,''),created_at FROM rosters WHERE id=?`, id)
	var ro domain.Roster
	err := row.Scan(&ro.ID, &ro.Name, &ro.Description, &ro.CreatedAt)
	if err == sql.ErrNoRows {
		return ro, ErrNotFound
	}
	return ro, err
}

// SingleRoster returns the only roster in the DB, or an error when there are
// none or several. Used by the CLI to resolve the default roster.
func (r Repo) SingleRoster(ctx context.Context) (domain.Roster, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,''),created_at FROM rosters`)
	if err != nil {
		return domain.Roster{}, err
	}
	defer rows.Close()
	var rosters []domain.Roster
	for rows.Next() {
		var ro domain.Roster
		if err := rows.Scan(&ro.ID, &ro.Name, &ro.Description, &ro.CreatedAt); err != nil {
			return domain.Roster{}, err
		}
		rosters = append(rosters, ro)
	}
	if err := rows.Err(); err != nil {
		return domain.Roster{}, err
	}
	if len(rosters) == 0 {
		return domain.Roster{}, ErrNotFound
	}
	if len(rosters) > 1 {
		return domain.Roster{}, fmt.Errorf("multiple rosters exist; specify --roster")
	}
	return rosters[0], nil
}

func (r Repo) ListRosters(ctx context.Context) ([]domain.Roster, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,''),created_at FROM rosters ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Roster
	for rows.Next() {
		var ro domain.Roster
		if err := rows.Scan(&ro.ID, &ro.Name, &ro.Description, &ro.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, ro)
	}
	return res, rows.Err()
}

func (r Repo) DeleteRoster(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM rosters WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertRotation(ctx context.Context, tx *sql.Tx, rot domain.Rotation) error {
	participants, err := json.Marshal(rot.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err = exec(ctx, `INSERT INTO rotations(roster_id,participants_json,handover_start_at,handover_interval_days,updated_at)
VALUES (?,?,?,?,?)
ON CONFLICT(roster_id) DO UPDATE SET participants_json=excluded.participants_json,
handover_start_at=excluded.handover_start_at,
handover_interval_days=excluded.handover_interval_days,
updated_at=excluded.updated_at`,
		rot.RosterID, string(participants), rot.HandoverStartAt, rot.HandoverIntervalDays, rot.UpdatedAt)
	return err
}

func (r Repo) GetRotation(ctx context.Context, rosterID string) (domain.Rotation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT roster_id,participants_json,handover_start_at,handover_interval_days,updated_at FROM rotations WHERE roster_id=?`, rosterID)
	var rot domain.Rotation
	var participants string
	err := row.Scan(&rot.RosterID, &participants, &rot.HandoverStartAt, &rot.HandoverIntervalDays, &rot.UpdatedAt)
	if err == sql.ErrNoRows {
		return rot, ErrNotFound
	}
	if err != nil {
		return rot, err
	}
	if err := json.Unmarshal([]byte(participants), &rot.Participants); err != nil {
		return rot, fmt.Errorf("unmarshal participants: %w", err)
	}
	return rot, nil
}

func (r Repo) InsertOverride(ctx context.Context, tx *sql.Tx, o domain.Override) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO overrides(id,roster_id,user,start_at,end_at,created_at) VALUES (?,?,?,?,?,?)`,
		o.ID, o.RosterID, o.User, o.StartAt, o.EndAt, o.CreatedAt)
	return err
}

func (r Repo) GetOverride(ctx context.Context, id string) (domain.Override, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,roster_id,user,start_at,end_at,created_at FROM overrides WHERE id=?`, id)
	var o domain.Override
	err := row.Scan(&o.ID, &o.RosterID, &o.User, &o.StartAt, &o.EndAt, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

// OverrideFilters selects overrides for a roster, optionally restricted to
// those overlapping the half-open window [From, Until). A zero time disables
// that bound.
type OverrideFilters struct {
	RosterID string
	From     time.Time
	Until    time.Time
}

// ListOverrides returns a roster's overrides ordered by start. The window
// filter and the ordering compare parsed instants rather than the stored
// strings, so overrides carrying sub-second timestamps are handled correctly.
func (r Repo) ListOverrides(ctx context.Context, f OverrideFilters) ([]domain.Override, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,roster_id,user,start_at,end_at,created_at FROM overrides WHERE roster_id=?`, f.RosterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	type parsed struct {
		o     domain.Override
		start time.Time
	}
	var kept []parsed
	for rows.Next() {
		var o domain.Override
		if err := rows.Scan(&o.ID, &o.RosterID, &o.User, &o.StartAt, &o.EndAt, &o.CreatedAt); err != nil {
			return nil, err
		}
		start, err := time.Parse(time.RFC3339, o.StartAt)
		if err != nil {
			return nil, fmt.Errorf("override %s start_at: %w", o.ID, err)
		}
		end, err := time.Parse(time.RFC3339, o.EndAt)
		if err != nil {
			return nil, fmt.Errorf("override %s end_at: %w", o.ID, err)
		}
		if !f.From.IsZero() && !end.After(f.From) {
			continue
		}
		if !f.Until.IsZero() && !start.Before(f.Until) {
			continue
		}
		kept = append(kept, parsed{o: o, start: start})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if !kept[i].start.Equal(kept[j].start) {
			return kept[i].start.Before(kept[j].start)
		}
		return kept[i].o.CreatedAt < kept[j].o.CreatedAt
	})
	var res []domain.Override
	for _, p := range kept {
		res = append(res, p.o)
	}
	return res, nil
}

func (r Repo) DeleteOverride(ctx context.Context, tx *sql.Tx, id string) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `DELETE FROM overrides WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, rosterID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id,ts,type,COALESCE(roster_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE 1=1`
	args := []any{}
	if rosterID != "" {
		query += ` AND roster_id=?`
		args = append(args, rosterID)
	}
	if evtType != "" {
		query += ` AND type=?`
		args = append(args, evtType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns up to limit events with id greater than cursor, oldest
// first. Used by the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, rosterID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(roster_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id > ?`
	args := []any{cursor}
	if rosterID != "" {
		query += ` AND roster_id=?`
		args = append(args, rosterID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) LatestEventID(ctx context.Context, rosterID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	args := []any{}
	if rosterID != "" {
		query += ` WHERE roster_id=?`
		args = append(args, rosterID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RosterID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
