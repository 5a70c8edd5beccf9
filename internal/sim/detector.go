package sim

import (
	"math"
	"sort"

	"trackline/internal/domain"
	"trackline/internal/topology"
)

// window is the interval, in minutes from now, during which a train occupies
// a section or junction.
type window struct {
	train    string
	location string
	start    float64
	end      float64
}

func (w window) covers(t float64) bool { return w.start <= t && t < w.end }

// finding is one offending pair at one location.
type finding struct {
	key      string
	trainA   string
	trainB   string
	location string
	kind     string
	ttc      float64
}

func conflictKey(a, b, location string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b + "@" + location
}

// projectWindows lists the occupancy windows of tr along the rest of its
// route, starting with its current section. Windows starting past horizon
// are dropped and the rest are truncated to it.
func projectWindows(topo *topology.Topology, tr domain.Train, route []string, clock, horizon, clearance float64) []window {
	if tr.Status == domain.StatusArrived || tr.RouteIndex >= len(route) {
		return nil
	}
	var out []window
	add := func(loc string, start, end float64) {
		if start >= horizon {
			return
		}
		if end > horizon {
			end = horizon
		}
		out = append(out, window{train: tr.ID, location: loc, start: start, end: end})
	}
	wait := waitMinutes(tr, clock)
	sec, err := topo.Section(route[tr.RouteIndex])
	if err != nil {
		return nil
	}
	remaining := (100 - tr.Position) / 100 * sec.Length
	t := wait + remaining/tr.Speed
	if staged(tr) {
		add(sec.ID, wait, t)
	} else {
		add(sec.ID, 0, t)
	}
	for k := tr.RouteIndex + 1; k < len(route) && t < horizon; k++ {
		if j, err := topo.SharedJunction(route[k-1], route[k]); err == nil {
			add(j, t, t+clearance)
		}
		next, err := topo.Section(route[k])
		if err != nil {
			break
		}
		dur := next.Length / tr.Speed
		add(next.ID, t, t+dur)
		t += dur
	}
	return out
}

// detect finds every offending pair across all sections and junctions.
func detect(topo *topology.Topology, trains []domain.Train, clock, horizon, clearance float64) []finding {
	byLoc := map[string][]window{}
	for _, tr := range trains {
		for _, w := range projectWindows(topo, tr, tr.Route, clock, horizon, clearance) {
			byLoc[w.location] = append(byLoc[w.location], w)
		}
	}
	locs := make([]string, 0, len(byLoc))
	for loc := range byLoc {
		locs = append(locs, loc)
	}
	sort.Strings(locs)

	var out []finding
	seen := map[string]int{}
	for _, loc := range locs {
		ws := byLoc[loc]
		capacity, err := topo.CapacityOf(loc)
		if err != nil || len(ws) <= capacity {
			continue
		}
		kind := domain.LocationJunction
		if topo.HasSection(loc) {
			kind = domain.LocationSection
		}
		for i := 0; i < len(ws); i++ {
			for j := i + 1; j < len(ws); j++ {
				if ws[i].train == ws[j].train {
					continue
				}
				at, ok := firstExcess(ws, ws[i], ws[j], capacity)
				if !ok {
					continue
				}
				a, b := ws[i].train, ws[j].train
				if a > b {
					a, b = b, a
				}
				ttc := at
				if at == 0 && kind == domain.LocationSection {
					ta, tb := trains[findTrain(trains, a)], trains[findTrain(trains, b)]
					if !staged(ta) && !staged(tb) && ta.Section == loc && tb.Section == loc {
						ttc = closingTime(topo, ta, tb, loc)
					}
				}
				key := conflictKey(a, b, loc)
				if idx, dup := seen[key]; dup {
					out[idx].ttc = math.Min(out[idx].ttc, ttc)
					continue
				}
				seen[key] = len(out)
				out = append(out, finding{
					key:      key,
					trainA:   a,
					trainB:   b,
					location: loc,
					kind:     kind,
					ttc:      ttc,
				})
			}
		}
	}
	return out
}

// firstExcess returns the earliest instant within the overlap of a and b at
// which more than capacity windows are active.
func firstExcess(all []window, a, b window, capacity int) (float64, bool) {
	lo, hi := math.Max(a.start, b.start), math.Min(a.end, b.end)
	if lo >= hi {
		return 0, false
	}
	points := []float64{lo}
	for _, w := range all {
		if w.start > lo && w.start < hi {
			points = append(points, w.start)
		}
	}
	sort.Float64s(points)
	for _, p := range points {
		count := 0
		for _, w := range all {
			if w.covers(p) {
				count++
			}
		}
		if count > capacity {
			return p, true
		}
	}
	return 0, false
}

// linearPosition places a train on the section's axis from Ends[0] to
// Ends[1] and returns its signed velocity along that axis.
func linearPosition(topo *topology.Topology, tr domain.Train, sec domain.Section) (x, v float64) {
	dist := tr.Position / 100 * sec.Length
	forward := entryJunction(topo, tr) == sec.Ends[0]
	if tr.Status == domain.StatusMoving || tr.Status == domain.StatusConflicted {
		v = tr.Speed
	}
	if forward {
		return dist, v
	}
	return sec.Length - dist, -v
}

// closingTime is the remaining gap divided by the closing speed for two
// trains on the same section, or zero when they are not closing.
func closingTime(topo *topology.Topology, a, b domain.Train, sectionID string) float64 {
	sec, err := topo.Section(sectionID)
	if err != nil {
		return 0
	}
	xa, va := linearPosition(topo, a, sec)
	xb, vb := linearPosition(topo, b, sec)
	gap := xb - xa
	rel := vb - va
	if gap == 0 || gap*rel >= 0 {
		return 0
	}
	return math.Abs(gap) / math.Abs(rel)
}

// severityFor maps time-to-conflict and the pair's combined priority class
// onto a severity level.
func severityFor(ttc float64, combined int, state string, high, medium float64, escalateAt int) string {
	if state == domain.ConflictMaterialized {
		return domain.SeverityHigh
	}
	level := 0
	switch {
	case ttc < high:
		level = 2
	case ttc <= medium:
		level = 1
	}
	if escalateAt > 0 && combined >= escalateAt && level < 2 {
		level++
	}
	return []string{domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh}[level]
}

func sortConflicts(conflicts []domain.Conflict, trains []domain.Train) {
	combined := func(c domain.Conflict) int {
		sum := 0
		if i := findTrain(trains, c.TrainA); i >= 0 {
			sum += priorityOf(trains[i])
		}
		if i := findTrain(trains, c.TrainB); i >= 0 {
			sum += priorityOf(trains[i])
		}
		return sum
	}
	sort.SliceStable(conflicts, func(i, j int) bool {
		a, b := conflicts[i], conflicts[j]
		if a.TimeToConflict != b.TimeToConflict {
			return a.TimeToConflict < b.TimeToConflict
		}
		if ca, cb := combined(a), combined(b); ca != cb {
			return ca > cb
		}
		return a.ID < b.ID
	})
}
