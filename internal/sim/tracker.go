package sim

import (
	"sort"
	"strings"

	"trackline/internal/config"
	"trackline/internal/domain"
	"trackline/internal/topology"
)

var priorityClass = map[string]int{
	domain.PriorityHigh:   3,
	domain.PriorityMedium: 2,
	domain.PriorityLow:    1,
}

// passenger-minute weights per train type, used for passenger impact
var typeWeight = map[string]float64{
	domain.TrainExpress:     1.5,
	domain.TrainPassenger:   1.0,
	domain.TrainFreight:     0.2,
	domain.TrainMaintenance: 0,
}

// distances closer than this to a section end count as reaching it
const positionEpsilon = 1e-9

func priorityOf(tr domain.Train) int { return priorityClass[tr.Priority] }

// lowerPriority returns which of a and b yields in a conflict: the lower
// priority class, ties going to the larger id.
func lowerPriority(a, b domain.Train) (subject, other domain.Train) {
	pa, pb := priorityOf(a), priorityOf(b)
	if pa < pb || (pa == pb && a.ID > b.ID) {
		return a, b
	}
	return b, a
}

// buildTrain validates spec against the topology and returns the initial
// train state at simulated minute clock.
func buildTrain(topo *topology.Topology, clockStart string, clock float64, spec domain.TrainSpec) (domain.Train, error) {
	if strings.TrimSpace(spec.ID) == "" {
		return domain.Train{}, domain.Validation("train id is required")
	}
	if spec.Speed <= 0 {
		return domain.Train{}, domain.Validation("train %s: speed must be positive", spec.ID)
	}
	if spec.Type == "" {
		spec.Type = domain.TrainPassenger
	}
	if _, ok := typeWeight[spec.Type]; !ok {
		return domain.Train{}, domain.Validation("train %s: invalid type %q", spec.ID, spec.Type)
	}
	if spec.Priority == "" {
		spec.Priority = domain.PriorityMedium
	}
	if _, ok := priorityClass[spec.Priority]; !ok {
		return domain.Train{}, domain.Validation("train %s: invalid priority %q", spec.ID, spec.Priority)
	}
	if !topo.HasJunction(spec.Origin) {
		return domain.Train{}, domain.Validation("train %s: unknown origin junction %q", spec.ID, spec.Origin)
	}
	if !topo.HasJunction(spec.Destination) {
		return domain.Train{}, domain.Validation("train %s: unknown destination junction %q", spec.ID, spec.Destination)
	}
	if spec.Origin == spec.Destination {
		return domain.Train{}, domain.Validation("train %s: origin and destination must differ", spec.ID)
	}
	if spec.Position < 0 || spec.Position >= 100 {
		return domain.Train{}, domain.Validation("train %s: position must be within [0,100)", spec.ID)
	}
	route := append([]string(nil), spec.Route...)
	if len(route) == 0 {
		r, err := topo.Route(spec.Origin, spec.Destination, nil)
		if err != nil {
			return domain.Train{}, err
		}
		route = r
	} else if _, err := topo.ValidateRoute(spec.Origin, spec.Destination, route); err != nil {
		return domain.Train{}, err
	}
	departure := clock
	if spec.DepartureTime != "" {
		dep, err := config.ParseClock(spec.DepartureTime)
		if err != nil {
			return domain.Train{}, domain.Validation("train %s: %v", spec.ID, err)
		}
		start, err := config.ParseClock(clockStart)
		if err != nil {
			return domain.Train{}, domain.Validation("clock start: %v", err)
		}
		departure = dep - start
		if departure < 0 {
			departure = 0
		}
	}
	name := spec.Name
	if name == "" {
		name = spec.ID
	}
	tr := domain.Train{
		ID:              spec.ID,
		Name:            name,
		Type:            spec.Type,
		Priority:        spec.Priority,
		Speed:           spec.Speed,
		Position:        spec.Position,
		Status:          domain.StatusMoving,
		Origin:          spec.Origin,
		Destination:     spec.Destination,
		DepartureTime:   spec.DepartureTime,
		DepartureMinute: departure,
		Route:           route,
		Section:         route[0],
	}
	if departure > clock {
		tr.Status = domain.StatusStopped
	}
	return tr, nil
}

// staged reports whether a train is waiting at the entry of its current
// section rather than occupying it.
func staged(tr domain.Train) bool {
	if tr.Status == domain.StatusArrived {
		return true
	}
	return tr.Position == 0 && (tr.Status == domain.StatusStopped || tr.Status == domain.StatusDelayed)
}

// waitMinutes is how long the train stays put before moving again.
func waitMinutes(tr domain.Train, clock float64) float64 {
	switch tr.Status {
	case domain.StatusStopped:
		if w := tr.DepartureMinute - clock; w > 0 {
			return w
		}
	case domain.StatusDelayed:
		return tr.HoldMinutes
	}
	return 0
}

// entryJunction returns the junction the train entered its current section from.
func entryJunction(topo *topology.Topology, tr domain.Train) string {
	if tr.RouteIndex == 0 {
		return tr.Origin
	}
	j, err := topo.SharedJunction(tr.Route[tr.RouteIndex-1], tr.Route[tr.RouteIndex])
	if err != nil {
		return tr.Origin
	}
	return j
}

// advance moves a train forward by dt simulated minutes. now is the clock at
// the start of the step. It reports whether the train arrived during the step.
func advance(topo *topology.Topology, tr *domain.Train, now, dt float64) bool {
	if tr.Status == domain.StatusArrived {
		return false
	}
	moveFor := dt
	switch tr.Status {
	case domain.StatusStopped:
		wait := tr.DepartureMinute - now
		if wait >= dt {
			return false
		}
		if wait > 0 {
			moveFor = dt - wait
		}
		tr.Status = domain.StatusMoving
	case domain.StatusDelayed:
		if tr.HoldMinutes >= dt {
			tr.HoldMinutes -= dt
			tr.DelayMinutes += dt
			if tr.HoldMinutes > 0 {
				return false
			}
			tr.HoldMinutes = 0
			tr.Status = domain.StatusMoving
			return false
		}
		moveFor = dt - tr.HoldMinutes
		tr.DelayMinutes += tr.HoldMinutes
		tr.HoldMinutes = 0
		tr.Status = domain.StatusMoving
	}

	distance := tr.Speed * moveFor
	elapsed := dt - moveFor
	for distance > 0 {
		sec, err := topo.Section(tr.Section)
		if err != nil {
			return false
		}
		remaining := (100 - tr.Position) / 100 * sec.Length
		if distance < remaining-positionEpsilon {
			tr.Position += distance / sec.Length * 100
			return false
		}
		distance -= remaining
		elapsed += remaining / tr.Speed
		if tr.RouteIndex == len(tr.Route)-1 {
			tr.Position = 100
			tr.Status = domain.StatusArrived
			at := now + elapsed
			tr.ArrivedAt = &at
			return true
		}
		tr.RouteIndex++
		tr.Section = tr.Route[tr.RouteIndex]
		tr.Position = 0
	}
	return false
}

func sortTrains(trains []domain.Train) {
	sort.Slice(trains, func(i, j int) bool { return trains[i].ID < trains[j].ID })
}

func findTrain(trains []domain.Train, id string) int {
	i := sort.Search(len(trains), func(i int) bool { return trains[i].ID >= id })
	if i < len(trains) && trains[i].ID == id {
		return i
	}
	return -1
}
