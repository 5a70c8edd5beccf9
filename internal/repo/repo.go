package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"trackline/internal/config"
	"trackline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertScenarioConfig stores the scenario definition the simulation was
// seeded from.
func (r Repo) UpsertScenarioConfig(ctx context.Context, cfg *config.Config) error {
	return upsertScenarioConfig(ctx, r.DB, cfg)
}

func (r Repo) UpsertScenarioConfigTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	return upsertScenarioConfig(ctx, tx, cfg)
}

func upsertScenarioConfig(ctx context.Context, db execer, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = db.ExecContext(ctx, `INSERT INTO scenarios(id,name,config_yaml,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`,
		cfg.Scenario.ID, cfg.Scenario.Name, string(payload), now, now)
	return err
}

func (r Repo) GetScenarioConfig(ctx context.Context, scenarioID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM scenarios WHERE id=?`, scenarioID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromYAML([]byte(payload))
	if err != nil {
		return nil, err
	}
	if cfg.Scenario.ID == "" {
		cfg.Scenario.ID = scenarioID
	}
	return cfg, nil
}

// SingleScenario returns the only stored scenario, or ErrNotFound when there
// is none or more than one.
func (r Repo) SingleScenario(ctx context.Context) (string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM scenarios ORDER BY id LIMIT 2`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(ids) != 1 {
		return "", ErrNotFound
	}
	return ids[0], nil
}

// EventFilters narrow the event log. Empty fields match everything.
type EventFilters struct {
	ScenarioID string
	Type       string
	EntityKind string
	EntityID   string
}

func (f EventFilters) clauses() ([]string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.ScenarioID != "" {
		clauses = append(clauses, "scenario_id=?")
		args = append(args, f.ScenarioID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	return clauses, args
}

func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilters) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, f)
}

// LatestEventsFrom returns events older than cursor, newest first.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,sim_minute,type,COALESCE(scenario_id,''),entity_kind,COALESCE(entity_id,''),payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, scenarioID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses, args := EventFilters{ScenarioID: scenarioID}.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,sim_minute,type,COALESCE(scenario_id,''),entity_kind,COALESCE(entity_id,''),payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
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
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.SimMinute, &e.Type, &e.ScenarioID, &e.EntityKind, &e.EntityID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a scenario.
func (r Repo) LatestEventID(ctx context.Context, scenarioID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE scenario_id=?`, scenarioID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// CountEventsByType summarises the log of one scenario.
func (r Repo) CountEventsByType(ctx context.Context, scenarioID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type, COUNT(*) FROM events WHERE scenario_id=? GROUP BY type`, scenarioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		counts[typ] = n
	}
	return counts, rows.Err()
}
