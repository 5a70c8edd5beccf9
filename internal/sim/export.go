package sim

import (
	"encoding/json"
	"fmt"

	"github.com/gocarina/gocsv"
	"github.com/liip/sheriff"

	"trackline/internal/domain"
	"trackline/internal/topology"
)

const (
	DetailSummary = "summary"
	DetailFull    = "full"
)

// Document is the exported form of a simulation. Fields are filtered by
// detail group when marshalled.
type Document struct {
	ScenarioID   string          `json:"scenario_id" groups:"summary,full"`
	ScenarioName string          `json:"scenario_name" groups:"summary,full"`
	ClockLabel   string          `json:"clock_label" groups:"summary,full"`
	Snapshot     domain.Snapshot `json:"snapshot" groups:"summary,full"`
	Topology     topology.Data   `json:"topology" groups:"full"`
}

// Export renders the current state as indented JSON restricted to the
// given detail group. The output is identical for identical states.
func (s *Sim) Export(detail string) ([]byte, error) {
	if detail == "" {
		detail = DetailSummary
	}
	if detail != DetailSummary && detail != DetailFull {
		return nil, domain.Validation("detail must be %q or %q", DetailSummary, DetailFull)
	}
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	doc := Document{
		ScenarioID:   s.state.ScenarioID,
		ScenarioName: s.cfg.Scenario.Name,
		ClockLabel:   s.ClockLabel(),
		Snapshot:     snap,
		Topology:     s.topo.Data(),
	}
	reduced, err := sheriff.Marshal(&sheriff.Options{Groups: []string{detail}}, &doc)
	if err != nil {
		return nil, fmt.Errorf("reduce export: %w", err)
	}
	return json.MarshalIndent(reduced, "", "  ")
}

// ExportCSV renders the train table as CSV.
func (s *Sim) ExportCSV() ([]byte, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	data, err := gocsv.MarshalBytes(&snap.Trains)
	if err != nil {
		return nil, fmt.Errorf("marshal trains csv: %w", err)
	}
	return data, nil
}
