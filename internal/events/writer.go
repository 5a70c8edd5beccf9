package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeTick                   = "tick"
	TypeTrainAdded             = "train.added"
	TypeTrainArrived           = "train.arrived"
	TypeConflictDetected       = "conflict.detected"
	TypeConflictMaterialized   = "conflict.materialized"
	TypeConflictCleared        = "conflict.cleared"
	TypeConflictResolved       = "conflict.resolved"
	TypeRecommendationAccepted = "recommendation.accepted"
	TypeRecommendationRejected = "recommendation.rejected"
	TypeScenarioSeeded         = "scenario.seeded"
	TypeScenarioSaved          = "scenario.saved"
	TypeClockPaused            = "clock.paused"
	TypeClockResumed           = "clock.resumed"
	TypeLessonAdded            = "lesson.added"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one event inside tx. simMinute is the simulated clock the
// event belongs to.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, scenarioID string, simMinute float64, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,sim_minute,type,scenario_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, simMinute, evtType, nullable(scenarioID), entityKind, nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
