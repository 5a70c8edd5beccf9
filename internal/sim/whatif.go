package sim

import (
	"math"

	"trackline/internal/domain"
	"trackline/internal/topology"
)

const (
	ScenarioWeather     = "weather"
	ScenarioBreakdown   = "breakdown"
	ScenarioMaintenance = "maintenance"
	ScenarioCongestion  = "congestion"
)

// recovery window as a multiple of the disruption duration
const recoveryFactor = 1.5

// Bounds on a disruption's length in simulated minutes.
const (
	MinWhatIfDuration = 5
	MaxWhatIfDuration = 60
)

// WhatIf runs the disruption against a copy of the current simulation and
// compares it with an undisturbed copy over the disruption plus a recovery
// window. The live simulation is never modified.
func (s *Sim) WhatIf(sc domain.DelayScenario) (domain.DelayImpact, error) {
	if err := s.validateScenario(sc); err != nil {
		return domain.DelayImpact{}, err
	}
	base, err := s.Clone()
	if err != nil {
		return domain.DelayImpact{}, err
	}
	pert, err := s.Clone()
	if err != nil {
		return domain.DelayImpact{}, err
	}
	affected := sc.AffectedTrains
	if len(affected) == 0 {
		for _, tr := range pert.state.Trains {
			if tr.Status != domain.StatusArrived {
				affected = append(affected, tr.ID)
			}
		}
	}

	restoreSpeeds := map[string]float64{}
	switch sc.Type {
	case ScenarioWeather:
		factor := 1 - 0.05*float64(sc.Severity)
		for _, id := range affected {
			i := findTrain(pert.state.Trains, id)
			restoreSpeeds[id] = pert.state.Trains[i].Speed
			pert.state.Trains[i].Speed *= factor
		}
	case ScenarioBreakdown:
		for _, id := range affected {
			i := findTrain(pert.state.Trains, id)
			applyHold(&pert.state.Trains[i], pert.state.Clock, sc.Duration)
		}
	case ScenarioCongestion:
		for _, id := range affected {
			i := findTrain(pert.state.Trains, id)
			applyHold(&pert.state.Trains[i], pert.state.Clock, float64(sc.Severity))
		}
	case ScenarioMaintenance:
		data := s.topo.Data()
		closed := map[string]bool{}
		for _, id := range sc.AffectedSections {
			closed[id] = true
		}
		for i := range data.Sections {
			if closed[data.Sections[i].ID] {
				data.Sections[i].Maintenance = true
			}
		}
		topo, err := topology.New(data)
		if err != nil {
			return domain.DelayImpact{}, err
		}
		rk, err := newRanker(topo, s.cfg)
		if err != nil {
			return domain.DelayImpact{}, err
		}
		pert.topo, pert.ranker = topo, rk
	}

	startDetected := s.state.Stats.Detected
	step := s.cfg.Clock.TickMinutes
	window := sc.Duration * recoveryFactor
	total := sc.Duration + window
	recovery := window
	recovered := false
	for elapsed := 0.0; elapsed < total; elapsed += step {
		dt := math.Min(step, total-elapsed)
		if _, err := base.AdvanceTick(dt); err != nil {
			return domain.DelayImpact{}, err
		}
		if _, err := pert.AdvanceTick(dt); err != nil {
			return domain.DelayImpact{}, err
		}
		now := elapsed + dt
		if now >= sc.Duration && now-dt < sc.Duration {
			// disruption over: restore the undisturbed network
			for id, speed := range restoreSpeeds {
				pert.state.Trains[findTrain(pert.state.Trains, id)].Speed = speed
			}
			pert.topo, pert.ranker = s.topo, s.ranker
		}
		if now >= sc.Duration && !recovered && settled(pert, base) {
			recovery = now - sc.Duration
			recovered = true
		}
	}

	baseK, pertK := base.KPIs(), pert.KPIs()
	return domain.DelayImpact{
		AvgDelayIncrease:    round1(math.Max(0, pertK.AvgDelay-baseK.AvgDelay)),
		ThroughputReduction: max(0, baseK.Throughput-pertK.Throughput),
		ConflictsGenerated:  max(0, (pert.state.Stats.Detected-startDetected)-(base.state.Stats.Detected-startDetected)),
		RecoveryTime:        round1(recovery),
		SimulatedMinutes:    total,
	}, nil
}

// settled reports whether the disturbed run is no worse off than the
// baseline in held trains and active conflicts.
func settled(pert, base *Sim) bool {
	count := func(s *Sim) (held, conflicts int) {
		for _, tr := range s.state.Trains {
			if tr.Status == domain.StatusDelayed {
				held++
			}
		}
		return held, len(s.state.Conflicts)
	}
	ph, pc := count(pert)
	bh, bc := count(base)
	return ph <= bh && pc <= bc
}

func (s *Sim) validateScenario(sc domain.DelayScenario) error {
	switch sc.Type {
	case ScenarioWeather, ScenarioBreakdown, ScenarioMaintenance, ScenarioCongestion:
	default:
		return domain.Validation("scenario type must be weather, breakdown, maintenance or congestion")
	}
	if sc.Severity < 1 || sc.Severity > 10 {
		return domain.Validation("severity must be within 1..10")
	}
	if !(sc.Duration >= MinWhatIfDuration && sc.Duration <= MaxWhatIfDuration) {
		return domain.Validation("duration must be within %d..%d minutes, got %v", MinWhatIfDuration, MaxWhatIfDuration, sc.Duration)
	}
	for _, id := range sc.AffectedTrains {
		if findTrain(s.state.Trains, id) < 0 {
			return domain.NotFound("train", id)
		}
	}
	for _, id := range sc.AffectedSections {
		if !s.topo.HasSection(id) {
			return domain.NotFound("section", id)
		}
	}
	if sc.Type == ScenarioMaintenance && len(sc.AffectedSections) == 0 {
		return domain.Validation("maintenance scenarios need affected sections")
	}
	return nil
}
