package sim

import (
	"math"

	"trackline/internal/domain"
)

// A train counts as on time while its accumulated delay stays within this.
const onTimeToleranceMinutes = 5

func computeKPIs(st *State) domain.KPIs {
	var k domain.KPIs
	var delaySum float64
	for _, tr := range st.Trains {
		if tr.Status == domain.StatusArrived {
			k.Throughput++
		}
		if tr.DelayMinutes > onTimeToleranceMinutes {
			k.DelayedTrains++
		} else {
			k.OnTimeTrains++
		}
		delaySum += tr.DelayMinutes
	}
	total := len(st.Trains)
	k.Punctuality = 100
	if total > 0 {
		k.AvgDelay = round1(delaySum / float64(total))
		k.Punctuality = round1(100 * float64(k.OnTimeTrains) / float64(total))
	}
	k.TotalConflicts = st.Stats.Detected
	k.ConflictsResolved = st.Stats.Resolved
	k.SafetyViolations = st.Stats.Materialized
	if st.Stats.Resolved > 0 {
		k.AvgResolutionMinutes = round1(st.Stats.ResolutionMinutes / float64(st.Stats.Resolved))
	}
	if decided := st.Stats.Accepted + st.Stats.Rejected; decided > 0 {
		k.AcceptanceRate = round1(100 * float64(st.Stats.Accepted) / float64(decided))
	}
	resolutionRate := 100.0
	if st.Stats.Detected > 0 {
		resolutionRate = 100 * float64(st.Stats.Resolved) / float64(st.Stats.Detected)
	}
	safety := 100 - math.Min(100, 10*float64(st.Stats.Materialized))
	k.EfficiencyScore = round1(0.5*k.Punctuality + 0.3*resolutionRate + 0.2*safety)
	return k
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

// KPIs summarises the current state.
func (s *Sim) KPIs() domain.KPIs {
	return computeKPIs(&s.state)
}
