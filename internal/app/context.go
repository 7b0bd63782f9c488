package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rotaline/internal/config"
	"rotaline/internal/domain"
	"rotaline/internal/repo"
)

// ResolveRosterAndConfig picks the active roster and ensures it exists in the
// DB, seeding it from rotaline.yml (or the built-in default) when missing.
// Resolution order: explicit override, config file, single-roster DB.
func ResolveRosterAndConfig(ctx context.Context, workspace, rosterOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	rosterID := rosterOverride
	if rosterID == "" && cfg != nil {
		rosterID = cfg.Roster.ID
	}
	if rosterID == "" {
		if ro, err := r.SingleRoster(ctx); err == nil {
			rosterID = ro.ID
		} else {
			return "", nil, fmt.Errorf("roster not specified; use --roster or create rotaline.yml")
		}
	}
	if cfg == nil {
		cfg = config.Default(rosterID)
	}
	cfg.Roster.ID = rosterID

	if _, err := r.GetRoster(ctx, rosterID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createRoster(ctx, r, rosterID, cfg); err != nil {
			return "", nil, err
		}
	}
	return rosterID, cfg, nil
}

// createRoster inserts a minimal roster plus its rotation from the seed config.
func createRoster(ctx context.Context, r repo.Repo, rosterID string, seedCfg *config.Config) error {
	if err := seedCfg.Rotation.Validate(); err != nil {
		return fmt.Errorf("seed rotation: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	name := seedCfg.Roster.Name
	if name == "" {
		name = rosterID
	}
	ro := domain.Roster{
		ID:        rosterID,
		Name:      name,
		CreatedAt: now,
	}
	if err := r.InsertRoster(ctx, tx, ro); err != nil {
		return fmt.Errorf("insert roster: %w", err)
	}
	rot := domain.Rotation{
		RosterID:             rosterID,
		Participants:         seedCfg.Rotation.Participants,
		HandoverStartAt:      seedCfg.Rotation.HandoverStartAt,
		HandoverIntervalDays: seedCfg.Rotation.HandoverIntervalDays,
		UpdatedAt:            now,
	}
	if err := r.UpsertRotation(ctx, tx, rot); err != nil {
		return fmt.Errorf("seed rotation: %w", err)
	}
	return tx.Commit()
}
