package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"trackline/internal/config"
	"trackline/internal/domain"
	"trackline/internal/events"
	"trackline/internal/repo"
	"trackline/internal/sim"
	"trackline/internal/topology"
)

// Engine is the command boundary around one live simulation. Every command
// runs against a copy of the simulation; the copy replaces the live one only
// after its events are committed.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	live *live
}

type live struct {
	mu        sync.Mutex
	sim       *sim.Sim
	paused    bool
	listeners []func(domain.Snapshot)
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	s, err := sim.New(cfg)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		live:   &live{sim: s},
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) scenarioID() string {
	return e.Config.Scenario.ID
}

// Subscribe registers fn to receive a snapshot after every committed change.
func (e Engine) Subscribe(fn func(domain.Snapshot)) {
	e.live.mu.Lock()
	defer e.live.mu.Unlock()
	e.live.listeners = append(e.live.listeners, fn)
}

// apply runs cmd on a copy of the simulation inside a transaction and swaps
// the copy in once the transaction commits.
func (e Engine) apply(ctx context.Context, cmd func(next *sim.Sim, tx *sql.Tx) error) error {
	e.live.mu.Lock()
	next, err := e.live.sim.Clone()
	if err != nil {
		e.live.mu.Unlock()
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.live.mu.Unlock()
		return err
	}
	defer tx.Rollback()
	if err := cmd(next, tx); err != nil {
		e.live.mu.Unlock()
		return err
	}
	if err := tx.Commit(); err != nil {
		e.live.mu.Unlock()
		return err
	}
	e.live.sim = next
	listeners := make([]func(domain.Snapshot), len(e.live.listeners))
	copy(listeners, e.live.listeners)
	e.live.mu.Unlock()

	if len(listeners) > 0 {
		if snap, err := next.Snapshot(); err == nil {
			for _, fn := range listeners {
				fn(snap)
			}
		}
	}
	return nil
}

func (e Engine) read(fn func(s *sim.Sim) error) error {
	e.live.mu.Lock()
	defer e.live.mu.Unlock()
	return fn(e.live.sim)
}

// Snapshot returns a read-only copy of the live state.
func (e Engine) Snapshot() (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := e.read(func(s *sim.Sim) (err error) {
		snap, err = s.Snapshot()
		return err
	})
	return snap, err
}

// ClockInfo describes the simulated clock.
type ClockInfo struct {
	Minute  float64 `json:"minute"`
	Label   string  `json:"label"`
	Version int64   `json:"version"`
	Paused  bool    `json:"paused"`
}

func (e Engine) Clock() ClockInfo {
	var info ClockInfo
	_ = e.read(func(s *sim.Sim) error {
		info = ClockInfo{Minute: s.Clock(), Label: s.ClockLabel(), Version: s.Version(), Paused: e.live.paused}
		return nil
	})
	return info
}

func (e Engine) Topology() topology.Data {
	var data topology.Data
	_ = e.read(func(s *sim.Sim) error {
		data = s.Topology().Data()
		return nil
	})
	return data
}

func (e Engine) Train(id string) (domain.Train, error) {
	var tr domain.Train
	err := e.read(func(s *sim.Sim) (err error) {
		tr, err = s.Train(id)
		return err
	})
	return tr, err
}

func (e Engine) KPIs() domain.KPIs {
	var k domain.KPIs
	_ = e.read(func(s *sim.Sim) error {
		k = s.KPIs()
		return nil
	})
	return k
}

// AdvanceTick moves the simulation forward by dt minutes and logs what changed.
func (e Engine) AdvanceTick(ctx context.Context, dt float64) (sim.TickResult, error) {
	var res sim.TickResult
	err := e.apply(ctx, func(next *sim.Sim, tx *sql.Tx) error {
		var err error
		res, err = next.AdvanceTick(dt)
		if err != nil {
			return err
		}
		if err := e.appendTick(ctx, tx, res); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeTick, e.scenarioID(), res.Clock, "clock", "", events.EventPayload{
			"delta_minutes": dt,
			"version":       res.Version,
			"label":         next.ClockLabel(),
		})
	})
	return res, err
}

// appendTick logs the conflict and arrival changes of one evaluation.
func (e Engine) appendTick(ctx context.Context, tx *sql.Tx, res sim.TickResult) error {
	scenario := e.scenarioID()
	for _, c := range res.Detected {
		if err := e.Events.Append(ctx, tx, events.TypeConflictDetected, scenario, res.Clock, "conflict", c.ID, conflictPayload(c)); err != nil {
			return err
		}
	}
	for _, c := range res.Materialized {
		if err := e.Events.Append(ctx, tx, events.TypeConflictMaterialized, scenario, res.Clock, "conflict", c.ID, conflictPayload(c)); err != nil {
			return err
		}
	}
	for _, c := range res.Cleared {
		if err := e.Events.Append(ctx, tx, events.TypeConflictCleared, scenario, res.Clock, "conflict", c.ID, conflictPayload(c)); err != nil {
			return err
		}
	}
	for _, id := range res.Arrived {
		if err := e.Events.Append(ctx, tx, events.TypeTrainArrived, scenario, res.Clock, "train", id, nil); err != nil {
			return err
		}
	}
	return nil
}

func conflictPayload(c domain.Conflict) events.EventPayload {
	return events.EventPayload{
		"train_a":          c.TrainA,
		"train_b":          c.TrainB,
		"location":         c.Location,
		"location_kind":    c.LocationKind,
		"time_to_conflict": c.TimeToConflict,
		"severity":         c.Severity,
		"state":            c.State,
	}
}

// AddTrain inserts a train at the current clock.
func (e Engine) AddTrain(ctx context.Context, spec domain.TrainSpec) (domain.Train, error) {
	var tr domain.Train
	err := e.apply(ctx, func(next *sim.Sim, tx *sql.Tx) error {
		var res sim.TickResult
		var err error
		tr, res, err = next.AddTrain(spec)
		if err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.TypeTrainAdded, e.scenarioID(), res.Clock, "train", tr.ID, events.EventPayload{
			"type":        tr.Type,
			"priority":    tr.Priority,
			"origin":      tr.Origin,
			"destination": tr.Destination,
			"route":       tr.Route,
		}); err != nil {
			return err
		}
		return e.appendTick(ctx, tx, res)
	})
	return tr, err
}

// AcceptRecommendation applies a recommendation and resolves its conflicts.
func (e Engine) AcceptRecommendation(ctx context.Context, id string) (sim.AcceptResult, error) {
	var res sim.AcceptResult
	err := e.apply(ctx, func(next *sim.Sim, tx *sql.Tx) error {
		var err error
		res, err = next.AcceptRecommendation(id)
		if err != nil {
			return err
		}
		rec := res.Recommendation
		if err := e.Events.Append(ctx, tx, events.TypeRecommendationAccepted, e.scenarioID(), next.Clock(), "recommendation", rec.ID, events.EventPayload{
			"type":         rec.Type,
			"train_id":     rec.TrainID,
			"conflict_ids": rec.ConflictIDs,
			"description":  rec.Description,
		}); err != nil {
			return err
		}
		for _, c := range res.Resolved {
			payload := conflictPayload(c)
			payload["recommendation_id"] = rec.ID
			if err := e.Events.Append(ctx, tx, events.TypeConflictResolved, e.scenarioID(), next.Clock(), "conflict", c.ID, payload); err != nil {
				return err
			}
		}
		return nil
	})
	return res, err
}

// RejectRecommendation withdraws a recommendation.
func (e Engine) RejectRecommendation(ctx context.Context, id, reason string) (domain.Recommendation, error) {
	var rec domain.Recommendation
	err := e.apply(ctx, func(next *sim.Sim, tx *sql.Tx) error {
		var err error
		rec, err = next.RejectRecommendation(id)
		if err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TypeRecommendationRejected, e.scenarioID(), next.Clock(), "recommendation", rec.ID, events.EventPayload{
			"type":         rec.Type,
			"train_id":     rec.TrainID,
			"conflict_ids": rec.ConflictIDs,
			"reason":       reason,
		})
	})
	return rec, err
}

// Export renders the live state as JSON at the given detail level.
func (e Engine) Export(detail string) ([]byte, error) {
	var out []byte
	err := e.read(func(s *sim.Sim) (err error) {
		out, err = s.Export(detail)
		return err
	})
	return out, err
}

// ExportCSV renders the trains of the live state as CSV.
func (e Engine) ExportCSV() ([]byte, error) {
	var out []byte
	err := e.read(func(s *sim.Sim) (err error) {
		out, err = s.ExportCSV()
		return err
	})
	return out, err
}

// WhatIf estimates the impact of a disruption without touching the live state.
func (e Engine) WhatIf(sc domain.DelayScenario) (domain.DelayImpact, error) {
	e.live.mu.Lock()
	base, err := e.live.sim.Clone()
	e.live.mu.Unlock()
	if err != nil {
		return domain.DelayImpact{}, err
	}
	return base.WhatIf(sc)
}

// SaveScenario stores a named full export of the live state.
func (e Engine) SaveScenario(ctx context.Context, name string) (domain.SavedScenario, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.SavedScenario{}, domain.Validation("name is required")
	}
	var saved domain.SavedScenario
	err := e.apply(ctx, func(next *sim.Sim, tx *sql.Tx) error {
		doc, err := next.Export(sim.DetailFull)
		if err != nil {
			return err
		}
		now := e.now().UTC().Format(time.RFC3339)
		saved = domain.SavedScenario{
			ID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte(e.scenarioID()+"|saved|"+name+"|"+now)).String(),
			ScenarioID: e.scenarioID(),
			Name:       name,
			Clock:      next.Clock(),
			Document:   string(doc),
			CreatedAt:  now,
		}
		if err := e.Repo.InsertSavedScenarioTx(ctx, tx, saved); err != nil {
			return fmt.Errorf("insert saved scenario: %w", err)
		}
		return e.Events.Append(ctx, tx, events.TypeScenarioSaved, e.scenarioID(), next.Clock(), "saved_scenario", saved.ID, events.EventPayload{"name": name})
	})
	return saved, err
}

func (e Engine) ListSavedScenarios(ctx context.Context) ([]domain.SavedScenario, error) {
	return e.Repo.ListSavedScenarios(ctx, e.scenarioID())
}

func (e Engine) GetSavedScenario(ctx context.Context, id string) (domain.SavedScenario, error) {
	s, err := e.Repo.GetSavedScenario(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return s, domain.NotFound("saved scenario", id)
	}
	return s, err
}

// Pause stops the tick runner from advancing the clock.
func (e Engine) Pause(ctx context.Context) error {
	return e.setPaused(ctx, true)
}

func (e Engine) Resume(ctx context.Context) error {
	return e.setPaused(ctx, false)
}

func (e Engine) Paused() bool {
	e.live.mu.Lock()
	defer e.live.mu.Unlock()
	return e.live.paused
}

func (e Engine) setPaused(ctx context.Context, paused bool) error {
	e.live.mu.Lock()
	if e.live.paused == paused {
		e.live.mu.Unlock()
		return nil
	}
	clock := e.live.sim.Clock()
	e.live.mu.Unlock()

	evt := events.TypeClockResumed
	if paused {
		evt = events.TypeClockPaused
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evt, e.scenarioID(), clock, "clock", "", nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.live.mu.Lock()
	e.live.paused = paused
	e.live.mu.Unlock()
	return nil
}
