package server

import (
	"encoding/json"

	"trackline/internal/domain"
	"trackline/internal/sim"
)

// Request payloads

type TickRequest struct {
	DeltaMinutes *float64 `json:"delta_minutes,omitempty" doc:"Simulated minutes to advance; defaults to the scenario tick"`
}

type AddTrainRequest struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	Type          string   `json:"type,omitempty" enum:"passenger,express,freight,maintenance"`
	Priority      string   `json:"priority,omitempty" enum:"high,medium,low"`
	Speed         float64  `json:"speed" doc:"Distance units per simulated minute"`
	Origin        string   `json:"origin"`
	Destination   string   `json:"destination"`
	DepartureTime string   `json:"departure_time,omitempty" example:"06:30"`
	Route         []string `json:"route,omitempty"`
	Position      float64  `json:"position,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SaveScenarioRequest struct {
	Name string `json:"name"`
}

type WhatIfRequest struct {
	Type             string   `json:"type" enum:"weather,breakdown,maintenance,congestion"`
	Severity         int      `json:"severity" minimum:"1" maximum:"10"`
	Duration         float64  `json:"duration" minimum:"5" maximum:"60" doc:"Disruption length in simulated minutes"`
	AffectedTrains   []string `json:"affected_trains,omitempty"`
	AffectedSections []string `json:"affected_sections,omitempty"`
}

type CreateLessonRequest struct {
	Author   string   `json:"author,omitempty"`
	Scenario string   `json:"scenario"`
	Solution string   `json:"solution"`
	Outcome  string   `json:"outcome,omitempty"`
	Rating   float64  `json:"rating" minimum:"0" maximum:"5"`
	Tags     []string `json:"tags,omitempty"`
}

// Responses

type TickResponse struct {
	Clock        float64           `json:"clock"`
	Label        string            `json:"label"`
	Version      int64             `json:"version"`
	Detected     []domain.Conflict `json:"detected"`
	Materialized []domain.Conflict `json:"materialized"`
	Cleared      []domain.Conflict `json:"cleared"`
	Arrived      []string          `json:"arrived"`
}

type AcceptResponse struct {
	Recommendation domain.Recommendation `json:"recommendation"`
	Resolved       []domain.Conflict     `json:"resolved"`
	Version        int64                 `json:"version"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	SimMinute  float64        `json:"sim_minute"`
	Type       string         `json:"type"`
	ScenarioID string         `json:"scenario_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func (r AddTrainRequest) spec() domain.TrainSpec {
	return domain.TrainSpec(r)
}

func (r WhatIfRequest) scenario() domain.DelayScenario {
	return domain.DelayScenario(r)
}

func tickResponse(res sim.TickResult, label string) TickResponse {
	return TickResponse{
		Clock:        res.Clock,
		Label:        label,
		Version:      res.Version,
		Detected:     nonNil(res.Detected),
		Materialized: nonNil(res.Materialized),
		Cleared:      nonNil(res.Cleared),
		Arrived:      nonNil(res.Arrived),
	}
}

func acceptResponse(res sim.AcceptResult) AcceptResponse {
	return AcceptResponse{
		Recommendation: res.Recommendation,
		Resolved:       nonNil(res.Resolved),
		Version:        res.Version,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		SimMinute:  e.SimMinute,
		Type:       e.Type,
		ScenarioID: e.ScenarioID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    payload,
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
