package app

import (
	"context"
	"errors"
	"fmt"

	"trackline/internal/config"
	"trackline/internal/events"
	"trackline/internal/repo"
)

// ResolveScenarioAndConfig picks the active scenario and makes sure its
// definition is stored in the DB. A trackline.yml in the workspace wins and
// refreshes the stored copy; otherwise the override or the single stored
// scenario is used, seeding the default scenario when nothing is stored yet.
func ResolveScenarioAndConfig(ctx context.Context, workspace, scenarioOverride string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	if fileCfg != nil {
		if scenarioOverride != "" {
			fileCfg.Scenario.ID = scenarioOverride
		}
		if err := storeScenario(ctx, r, fileCfg, false); err != nil {
			return "", nil, err
		}
		return fileCfg.Scenario.ID, fileCfg, nil
	}

	scenarioID := scenarioOverride
	if scenarioID == "" {
		id, err := r.SingleScenario(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, fmt.Errorf("scenario not specified; use --scenario or create %s", config.Path(workspace))
			}
			return "", nil, err
		}
		scenarioID = id
	}
	cfg, err := r.GetScenarioConfig(ctx, scenarioID)
	if err == nil {
		return scenarioID, cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", nil, err
	}
	cfg = config.Default(scenarioID)
	if err := storeScenario(ctx, r, cfg, true); err != nil {
		return "", nil, fmt.Errorf("seed scenario config: %w", err)
	}
	return scenarioID, cfg, nil
}

func storeScenario(ctx context.Context, r repo.Repo, cfg *config.Config, seeded bool) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertScenarioConfigTx(ctx, tx, cfg); err != nil {
		return fmt.Errorf("store scenario config: %w", err)
	}
	if seeded {
		w := events.Writer{DB: r.DB}
		if err := w.Append(ctx, tx, events.TypeScenarioSeeded, cfg.Scenario.ID, 0, "scenario", cfg.Scenario.ID,
			events.EventPayload{"trains": len(cfg.Trains), "sections": len(cfg.Topology.Sections)}); err != nil {
			return err
		}
	}
	return tx.Commit()
}
