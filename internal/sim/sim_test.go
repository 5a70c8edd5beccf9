package sim_test

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"trackline/internal/config"
	"trackline/internal/domain"
	"trackline/internal/sim"
	"trackline/internal/topology"
)

func junction(id string) domain.Junction {
	return domain.Junction{ID: id, Name: id, Platforms: 2, Capacity: 2}
}

func section(id, a, b string, length float64, capacity int) domain.Section {
	typ := domain.SectionSingle
	if capacity > 1 {
		typ = domain.SectionDouble
	}
	return domain.Section{ID: id, Name: id, Type: typ, Length: length, Capacity: capacity, Ends: []string{a, b}}
}

func newSim(t *testing.T, topo topology.Data, trains ...domain.TrainSpec) *sim.Sim {
	t.Helper()
	cfg := config.Default("test")
	cfg.Topology = topo
	cfg.Trains = trains
	s, err := sim.New(cfg)
	if err != nil {
		t.Fatalf("new sim: %v", err)
	}
	return s
}

func snapshot(t *testing.T, s *sim.Sim) domain.Snapshot {
	t.Helper()
	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return snap
}

func trainByID(t *testing.T, snap domain.Snapshot, id string) domain.Train {
	t.Helper()
	for _, tr := range snap.Trains {
		if tr.ID == id {
			return tr
		}
	}
	t.Fatalf("train %s not in snapshot", id)
	return domain.Train{}
}

// Two trains heading towards each other on one single-track section.
func headOn(t *testing.T) *sim.Sim {
	return newSim(t,
		topology.Data{
			Junctions: []domain.Junction{junction("A"), junction("B")},
			Sections:  []domain.Section{section("S1", "A", "B", 100, 1)},
		},
		domain.TrainSpec{ID: "X", Type: domain.TrainFreight, Priority: domain.PriorityLow, Speed: 5, Origin: "A", Destination: "B", Position: 25},
		domain.TrainSpec{ID: "Y", Type: domain.TrainFreight, Priority: domain.PriorityLow, Speed: 5, Origin: "B", Destination: "A", Position: 25},
	)
}

// Two independent single-track lines, each with a fast train on the line and
// a slow one about to follow it in.
func twoLines(t *testing.T) *sim.Sim {
	return newSim(t,
		topology.Data{
			Junctions: []domain.Junction{junction("A"), junction("B"), junction("C"), junction("D")},
			Sections: []domain.Section{
				section("S1", "A", "B", 100, 1),
				section("S2", "C", "D", 100, 1),
			},
		},
		domain.TrainSpec{ID: "P1", Type: domain.TrainExpress, Priority: domain.PriorityHigh, Speed: 10, Origin: "A", Destination: "B", Position: 50},
		domain.TrainSpec{ID: "Q1", Type: domain.TrainFreight, Priority: domain.PriorityLow, Speed: 10, Origin: "A", Destination: "B", DepartureTime: "06:02"},
		domain.TrainSpec{ID: "P2", Type: domain.TrainExpress, Priority: domain.PriorityHigh, Speed: 10, Origin: "C", Destination: "D", Position: 50},
		domain.TrainSpec{ID: "Q2", Type: domain.TrainFreight, Priority: domain.PriorityLow, Speed: 10, Origin: "C", Destination: "D", DepartureTime: "06:02"},
	)
}

func TestClosingTrainsTimeToConflict(t *testing.T) {
	s := headOn(t)
	snap := snapshot(t, s)
	if len(snap.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(snap.Conflicts))
	}
	c := snap.Conflicts[0]
	if c.TimeToConflict != 5.0 {
		t.Fatalf("expected ttc 5.0, got %v", c.TimeToConflict)
	}
	if c.Location != "S1" || c.TrainA != "X" || c.TrainB != "Y" {
		t.Fatalf("unexpected conflict %+v", c)
	}
	if c.Severity != domain.SeverityMedium || c.State != domain.ConflictPredicted {
		t.Fatalf("expected predicted medium conflict, got %s/%s", c.State, c.Severity)
	}

	if _, err := s.AdvanceTick(1); err != nil {
		t.Fatalf("tick: %v", err)
	}
	snap = snapshot(t, s)
	if len(snap.Conflicts) != 1 || snap.Conflicts[0].ID != c.ID {
		t.Fatalf("conflict identity not preserved: %+v", snap.Conflicts)
	}
	if got := snap.Conflicts[0].TimeToConflict; got != 4.0 {
		t.Fatalf("expected ttc 4.0, got %v", got)
	}
	if snap.Conflicts[0].Severity != domain.SeverityHigh {
		t.Fatalf("expected high severity below 5 minutes, got %s", snap.Conflicts[0].Severity)
	}
	if st := trainByID(t, snap, "X").Status; st != domain.StatusConflicted {
		t.Fatalf("expected X conflicted, got %s", st)
	}
}

func TestTimeToConflictNeverIncreasesOrGoesNegative(t *testing.T) {
	s := headOn(t)
	last := map[string]float64{}
	for i := 0; i < 12; i++ {
		snap := snapshot(t, s)
		for _, c := range snap.Conflicts {
			if c.TimeToConflict < 0 {
				t.Fatalf("tick %d: negative ttc %v", i, c.TimeToConflict)
			}
			if prev, ok := last[c.ID]; ok && c.TimeToConflict > prev {
				t.Fatalf("tick %d: ttc increased from %v to %v", i, prev, c.TimeToConflict)
			}
			last[c.ID] = c.TimeToConflict
		}
		if _, err := s.AdvanceTick(1); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
}

func TestConflictMaterializesIntoDelay(t *testing.T) {
	s := headOn(t)
	var materialized []domain.Conflict
	for i := 0; i < 5; i++ {
		res, err := s.AdvanceTick(1)
		if err != nil {
			t.Fatalf("tick: %v", err)
		}
		materialized = append(materialized, res.Materialized...)
	}
	if len(materialized) != 1 {
		t.Fatalf("expected one materialization, got %d", len(materialized))
	}
	snap := snapshot(t, s)
	c := snap.Conflicts[0]
	if c.State != domain.ConflictMaterialized || c.Severity != domain.SeverityHigh || c.TimeToConflict != 0 {
		t.Fatalf("unexpected materialized conflict %+v", c)
	}
	// equal priority: the larger id yields
	if st := trainByID(t, snap, "Y").Status; st != domain.StatusDelayed {
		t.Fatalf("expected Y delayed, got %s", st)
	}
	if snap.KPIs.SafetyViolations != 1 {
		t.Fatalf("expected 1 safety violation, got %d", snap.KPIs.SafetyViolations)
	}
}

func TestAddTrainRejectsZeroSpeed(t *testing.T) {
	s := headOn(t)
	before := snapshot(t, s)
	_, _, err := s.AddTrain(domain.TrainSpec{ID: "Z", Speed: 0, Origin: "A", Destination: "B"})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if diff := cmp.Diff(before, snapshot(t, s)); diff != "" {
		t.Fatalf("rejected command changed state (-before +after):\n%s", diff)
	}
}

func TestAddTrainValidation(t *testing.T) {
	s := headOn(t)
	cases := map[string]domain.TrainSpec{
		"duplicate":      {ID: "X", Speed: 5, Origin: "A", Destination: "B"},
		"unknown origin": {ID: "Z", Speed: 5, Origin: "Q", Destination: "B"},
		"same endpoints": {ID: "Z", Speed: 5, Origin: "A", Destination: "A"},
		"broken route":   {ID: "Z", Speed: 5, Origin: "A", Destination: "B", Route: []string{"S9"}},
		"bad priority":   {ID: "Z", Speed: 5, Origin: "A", Destination: "B", Priority: "urgent"},
	}
	for name, spec := range cases {
		if _, _, err := s.AddTrain(spec); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestAddTrainCapacityExceeded(t *testing.T) {
	s := newSim(t,
		topology.Data{
			Junctions: []domain.Junction{junction("A"), junction("B")},
			Sections:  []domain.Section{section("S1", "A", "B", 100, 1)},
		},
		domain.TrainSpec{ID: "X", Speed: 5, Origin: "A", Destination: "B", Position: 40},
	)
	_, _, err := s.AddTrain(domain.TrainSpec{ID: "Z", Speed: 5, Origin: "A", Destination: "B"})
	var ce *domain.CapacityExceededAtInsert
	if !errors.As(err, &ce) {
		t.Fatalf("expected CapacityExceededAtInsert, got %v", err)
	}
	if ce.SectionID != "S1" {
		t.Fatalf("unexpected section %s", ce.SectionID)
	}
}

func TestAddTrainDivertsToSpareRoute(t *testing.T) {
	s := newSim(t,
		topology.Data{
			Junctions: []domain.Junction{junction("A"), junction("B")},
			Sections: []domain.Section{
				section("S1", "A", "B", 100, 1),
				section("S3", "A", "B", 150, 1),
			},
		},
		domain.TrainSpec{ID: "X", Speed: 5, Origin: "A", Destination: "B", Position: 40, Route: []string{"S1"}},
	)
	tr, _, err := s.AddTrain(domain.TrainSpec{ID: "Z", Speed: 5, Origin: "A", Destination: "B"})
	if err != nil {
		t.Fatalf("add train: %v", err)
	}
	if diff := cmp.Diff([]string{"S3"}, tr.Route); diff != "" {
		t.Fatalf("route (-want +got):\n%s", diff)
	}
}

func TestAcceptRemovesOnlyTargetedRecommendations(t *testing.T) {
	s := twoLines(t)
	snap := snapshot(t, s)
	if len(snap.Conflicts) != 2 {
		t.Fatalf("expected 2 conflicts, got %d", len(snap.Conflicts))
	}
	if len(snap.Recommendations) != 2 {
		t.Fatalf("expected 2 recommendations, got %d", len(snap.Recommendations))
	}
	var target, other domain.Recommendation
	for _, r := range snap.Recommendations {
		if r.TrainID == "Q1" {
			target = r
		} else {
			other = r
		}
	}
	if target.Type != domain.RecommendationHold || target.HoldMinutes != 6 {
		t.Fatalf("expected a 6 minute hold for Q1, got %+v", target)
	}

	res, err := s.AcceptRecommendation(target.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if len(res.Resolved) != 1 || res.Resolved[0].ID != target.ConflictIDs[0] {
		t.Fatalf("unexpected resolved set %+v", res.Resolved)
	}
	after := snapshot(t, s)
	if len(after.Recommendations) != 1 {
		t.Fatalf("expected 1 recommendation left, got %d", len(after.Recommendations))
	}
	if diff := cmp.Diff(other, after.Recommendations[0]); diff != "" {
		t.Fatalf("unrelated recommendation changed (-want +got):\n%s", diff)
	}
	if len(after.Conflicts) != 1 || after.Conflicts[0].ID != other.ConflictIDs[0] {
		t.Fatalf("unexpected conflicts %+v", after.Conflicts)
	}
	if st := trainByID(t, after, "P1").Status; st != domain.StatusMoving {
		t.Fatalf("expected P1 moving, got %s", st)
	}
	if d := trainByID(t, after, "Q1").DelayMinutes; d != 6 {
		t.Fatalf("expected Q1 delayed 6 min, got %v", d)
	}
	if after.KPIs.ConflictsResolved != 1 || after.KPIs.AcceptanceRate != 100 {
		t.Fatalf("unexpected kpis %+v", after.KPIs)
	}

	if _, err := s.AcceptRecommendation(target.ID); err == nil {
		t.Fatalf("expected accepting twice to fail")
	}
	if _, err := s.AdvanceTick(1); err != nil {
		t.Fatalf("tick: %v", err)
	}
	for _, c := range snapshot(t, s).Conflicts {
		if c.TrainA == "P1" || c.TrainB == "P1" {
			t.Fatalf("resolved conflict came back: %+v", c)
		}
	}
}

func TestRejectSuppressesRecommendation(t *testing.T) {
	s := twoLines(t)
	snap := snapshot(t, s)
	var target domain.Recommendation
	for _, r := range snap.Recommendations {
		if r.TrainID == "Q2" {
			target = r
		}
	}
	if _, err := s.RejectRecommendation(target.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := s.AdvanceTick(1); err != nil {
		t.Fatalf("tick: %v", err)
	}
	after := snapshot(t, s)
	for _, r := range after.Recommendations {
		if r.TrainID == "Q2" {
			t.Fatalf("rejected recommendation reappeared: %+v", r)
		}
	}
	if len(after.Conflicts) != 2 {
		t.Fatalf("reject must not resolve conflicts, got %d", len(after.Conflicts))
	}
	var nf *domain.NotFoundError
	if _, err := s.RejectRecommendation("missing"); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestSnapshotIsIdempotent(t *testing.T) {
	s := twoLines(t)
	first := snapshot(t, s)
	second := snapshot(t, s)
	if !cmp.Equal(first, second) {
		t.Fatalf("snapshots differ:\n%s", cmp.Diff(first, second))
	}
	first.Trains[0].Speed = 999
	if cmp.Equal(first, snapshot(t, s)) {
		t.Fatalf("snapshot shares memory with engine state")
	}
}

func TestRejectedTickKeepsState(t *testing.T) {
	s := twoLines(t)
	before := snapshot(t, s)
	for _, dt := range []float64{0, -1} {
		_, err := s.AdvanceTick(dt)
		var ve *domain.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("dt=%v: expected ValidationError, got %v", dt, err)
		}
	}
	if diff := cmp.Diff(before, snapshot(t, s)); diff != "" {
		t.Fatalf("state changed (-before +after):\n%s", diff)
	}
}

func TestDefaultScenarioRunsDeterministically(t *testing.T) {
	run := func() ([]domain.Snapshot, []byte) {
		s, err := sim.New(config.Default("demo"))
		if err != nil {
			t.Fatalf("new sim: %v", err)
		}
		var snaps []domain.Snapshot
		for i := 0; i < 60; i++ {
			if _, err := s.AdvanceTick(1); err != nil {
				t.Fatalf("tick %d: %v", i, err)
			}
			snaps = append(snaps, snapshot(t, s))
		}
		out, err := s.Export(sim.DetailFull)
		if err != nil {
			t.Fatalf("export: %v", err)
		}
		return snaps, out
	}
	a, exportA := run()
	b, exportB := run()
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("runs differ:\n%s", diff)
	}
	if string(exportA) != string(exportB) {
		t.Fatalf("exports differ")
	}
	for _, snap := range a {
		for _, r := range snap.Recommendations {
			if r.Confidence < 0 || r.Confidence > 100 {
				t.Fatalf("confidence out of range: %v", r.Confidence)
			}
		}
		for _, c := range snap.Conflicts {
			if c.TimeToConflict < 0 {
				t.Fatalf("negative ttc %v", c.TimeToConflict)
			}
		}
	}
	if a[len(a)-1].KPIs.Throughput == 0 {
		t.Fatalf("expected some trains to arrive within an hour")
	}
}

func TestWhatIfDurationBounds(t *testing.T) {
	s := twoLines(t)
	before := snapshot(t, s)
	for _, d := range []float64{0, 4, 61, 1e300, math.Inf(1), math.NaN()} {
		_, err := s.WhatIf(domain.DelayScenario{Type: sim.ScenarioCongestion, Severity: 3, Duration: d})
		var ve *domain.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("duration %v: expected ValidationError, got %v", d, err)
		}
	}
	for _, d := range []float64{sim.MinWhatIfDuration, sim.MaxWhatIfDuration} {
		impact, err := s.WhatIf(domain.DelayScenario{Type: sim.ScenarioCongestion, Severity: 3, Duration: d})
		if err != nil {
			t.Fatalf("duration %v: %v", d, err)
		}
		if impact.SimulatedMinutes != d*2.5 {
			t.Fatalf("duration %v: simulated %v minutes", d, impact.SimulatedMinutes)
		}
	}
	if diff := cmp.Diff(before, snapshot(t, s)); diff != "" {
		t.Fatalf("what-if changed live state:\n%s", diff)
	}
}
