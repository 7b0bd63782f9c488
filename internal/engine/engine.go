package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"rotaline/internal/config"
	"rotaline/internal/domain"
	"rotaline/internal/events"
	"rotaline/internal/repo"
	"rotaline/internal/timeline"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ParseTime parses an RFC3339 timestamp (trailing Z or numeric offset) and
// normalizes it to UTC.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// FormatTime renders an instant in canonical RFC3339 UTC form. Sub-second
// precision is kept when present, so parse-format round-trips are lossless
// and a non-empty interval can never collapse to zero length on the wire.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// InitRoster creates a roster and seeds its rotation from config, in one tx.
func (e Engine) InitRoster(ctx context.Context, id, name, description, actorID string) (domain.Roster, error) {
	if id == "" {
		return domain.Roster{}, errors.New("roster id is required")
	}
	if e.Config == nil {
		return domain.Roster{}, errors.New("config not loaded")
	}
	if name == "" {
		name = e.Config.Roster.Name
	}
	if err := e.Config.Rotation.Validate(); err != nil {
		return domain.Roster{}, err
	}
	now := FormatTime(e.now())
	ro := domain.Roster{
		ID:          id,
		Name:        name,
		Description: description,
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Roster{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRoster(ctx, tx, ro); err != nil {
		return domain.Roster{}, fmt.Errorf("insert roster: %w", err)
	}
	rot := domain.Rotation{
		RosterID:             id,
		Participants:         e.Config.Rotation.Participants,
		HandoverStartAt:      e.Config.Rotation.HandoverStartAt,
		HandoverIntervalDays: e.Config.Rotation.HandoverIntervalDays,
		UpdatedAt:            now,
	}
	if err := e.Repo.UpsertRotation(ctx, tx, rot); err != nil {
		return domain.Roster{}, fmt.Errorf("seed rotation: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "roster.init", id, "roster", id, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.Roster{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Roster{}, err
	}
	return ro, nil
}

// SetRotation validates and stores a rotation spec for a roster.
func (e Engine) SetRotation(ctx context.Context, rosterID string, spec config.RotationConfig, actorID string) (domain.Rotation, error) {
	if _, err := e.Repo.GetRoster(ctx, rosterID); err != nil {
		return domain.Rotation{}, err
	}
	if err := spec.Validate(); err != nil {
		return domain.Rotation{}, err
	}
	anchor, err := ParseTime(spec.HandoverStartAt)
	if err != nil {
		return domain.Rotation{}, err
	}
	rot := domain.Rotation{
		RosterID:             rosterID,
		Participants:         spec.Participants,
		HandoverStartAt:      FormatTime(anchor),
		HandoverIntervalDays: spec.HandoverIntervalDays,
		UpdatedAt:            FormatTime(e.now()),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Rotation{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertRotation(ctx, tx, rot); err != nil {
		return domain.Rotation{}, err
	}
	if err := e.Events.Append(ctx, tx, "rotation.set", rosterID, "rotation", rosterID, actorID, events.EventPayload{
		"users":                  rot.Participants,
		"handover_interval_days": rot.HandoverIntervalDays,
	}); err != nil {
		return domain.Rotation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Rotation{}, err
	}
	return rot, nil
}

// OverrideOptions are parameters for creating an override.
type OverrideOptions struct {
	ID       string
	RosterID string
	User     string
	StartAt  string
	EndAt    string
	ActorID  string
}

// AddOverride validates and stores an override. Malformed windows are
// rejected here, before any schedule math runs.
func (e Engine) AddOverride(ctx context.Context, opts OverrideOptions) (domain.Override, error) {
	if _, err := e.Repo.GetRoster(ctx, opts.RosterID); err != nil {
		return domain.Override{}, err
	}
	start, err := ParseTime(opts.StartAt)
	if err != nil {
		return domain.Override{}, err
	}
	end, err := ParseTime(opts.EndAt)
	if err != nil {
		return domain.Override{}, err
	}
	if _, err := timeline.NewEntry(opts.User, start, end); err != nil {
		return domain.Override{}, fmt.Errorf("invalid override: %w", err)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	o := domain.Override{
		ID:        id,
		RosterID:  opts.RosterID,
		User:      opts.User,
		StartAt:   FormatTime(start),
		EndAt:     FormatTime(end),
		CreatedAt: FormatTime(e.now()),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Override{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOverride(ctx, tx, o); err != nil {
		return domain.Override{}, err
	}
	if err := e.Events.Append(ctx, tx, "override.add", o.RosterID, "override", o.ID, opts.ActorID, events.EventPayload{
		"user":     o.User,
		"start_at": o.StartAt,
		"end_at":   o.EndAt,
	}); err != nil {
		return domain.Override{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Override{}, err
	}
	return o, nil
}

func (e Engine) RemoveOverride(ctx context.Context, id, actorID string) error {
	o, err := e.Repo.GetOverride(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteOverride(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "override.remove", o.RosterID, "override", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RenderSchedule renders the stored roster timeline over [from, until).
// An empty window yields an empty timeline, not an error.
func (e Engine) RenderSchedule(ctx context.Context, rosterID string, from, until time.Time) ([]domain.Entry, error) {
	rot, err := e.Repo.GetRotation(ctx, rosterID)
	if err != nil {
		return nil, err
	}
	spec := config.RotationConfig{
		Participants:         rot.Participants,
		HandoverStartAt:      rot.HandoverStartAt,
		HandoverIntervalDays: rot.HandoverIntervalDays,
	}
	coreRot, err := rotationSpec(spec)
	if err != nil {
		return nil, err
	}
	stored, err := e.Repo.ListOverrides(ctx, repo.OverrideFilters{
		RosterID: rosterID,
		From:     from,
		Until:    until,
	})
	if err != nil {
		return nil, err
	}
	overrides := make([]domain.Entry, 0, len(stored))
	for _, o := range stored {
		overrides = append(overrides, domain.Entry{User: o.User, StartAt: o.StartAt, EndAt: o.EndAt})
	}
	coreOverrides, err := overrideEntries(overrides)
	if err != nil {
		return nil, err
	}
	rendered, err := timeline.Render(coreRot, coreOverrides, from, until)
	if err != nil {
		return nil, err
	}
	return wireEntries(rendered), nil
}

// ScheduleSpec is the inline rotation spec of a stateless render request.
// Field names follow the schedule.json wire format.
type ScheduleSpec struct {
	Users                []string `json:"users"`
	HandoverStartAt      string   `json:"handover_start_at" format:"date-time"`
	HandoverIntervalDays int      `json:"handover_interval_days"`
}

// RenderRequest is a self-contained render computation: rotation spec,
// overrides, and window, with no roster stored anywhere.
type RenderRequest struct {
	Schedule  ScheduleSpec
	Overrides []domain.Entry
	From      string
	Until     string
}

// Render computes a timeline directly from a request payload, touching no
// stored state. This is the stateless path used by POST /schedule and the
// render command.
func Render(req RenderRequest) ([]domain.Entry, error) {
	spec := config.RotationConfig{
		Participants:         req.Schedule.Users,
		HandoverStartAt:      req.Schedule.HandoverStartAt,
		HandoverIntervalDays: req.Schedule.HandoverIntervalDays,
	}
	rot, err := rotationSpec(spec)
	if err != nil {
		return nil, err
	}
	overrides, err := overrideEntries(req.Overrides)
	if err != nil {
		return nil, err
	}
	from, err := ParseTime(req.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from: %w", err)
	}
	until, err := ParseTime(req.Until)
	if err != nil {
		return nil, fmt.Errorf("invalid until: %w", err)
	}
	rendered, err := timeline.Render(rot, overrides, from, until)
	if err != nil {
		return nil, err
	}
	return wireEntries(rendered), nil
}

// CreateAPIKey mints an API key for an actor and stores its hash. The
// plaintext key is returned once and never persisted.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if actorID == "" {
		return "", domain.APIKey{}, errors.New("actor id is required")
	}
	plain := "rk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: FormatTime(e.now()),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Events.Append(ctx, tx, "apikey.create", "", "api_key", key.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// rotationSpec converts a validated wire-level rotation into core terms.
func rotationSpec(spec config.RotationConfig) (timeline.Rotation, error) {
	if err := spec.Validate(); err != nil {
		return timeline.Rotation{}, err
	}
	anchor, err := ParseTime(spec.HandoverStartAt)
	if err != nil {
		return timeline.Rotation{}, err
	}
	return timeline.Rotation{
		Participants: spec.Participants,
		Anchor:       anchor,
		Period:       time.Duration(spec.HandoverIntervalDays) * 24 * time.Hour,
	}, nil
}

func overrideEntries(in []domain.Entry) ([]timeline.Entry, error) {
	var out []timeline.Entry
	for i, o := range in {
		start, err := ParseTime(o.StartAt)
		if err != nil {
			return nil, fmt.Errorf("override %d: %w", i, err)
		}
		end, err := ParseTime(o.EndAt)
		if err != nil {
			return nil, fmt.Errorf("override %d: %w", i, err)
		}
		entry, err := timeline.NewEntry(o.User, start, end)
		if err != nil {
			return nil, fmt.Errorf("invalid override %d: %w", i, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func wireEntries(in []timeline.Entry) []domain.Entry {
	out := make([]domain.Entry, 0, len(in))
	for _, e := range in {
		out = append(out, domain.Entry{
			User:    e.Who,
			StartAt: FormatTime(e.Start),
			EndAt:   FormatTime(e.End),
		})
	}
	return out
}
