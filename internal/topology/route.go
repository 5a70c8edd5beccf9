package topology

import (
	"math"
	"sort"

	"trackline/internal/domain"
)

// Route returns the shortest section path (by length) from one junction to
// another. Sections under maintenance and any id in avoid are skipped; an
// avoided junction is never passed through. Ties resolve by junction id, then
// section id, so the result is deterministic.
func (t *Topology) Route(from, to string, avoid map[string]bool) ([]string, error) {
	if !t.HasJunction(from) {
		return nil, domain.NotFound("junction", from)
	}
	if !t.HasJunction(to) {
		return nil, domain.NotFound("junction", to)
	}
	if from == to {
		return nil, domain.Validation("origin and destination must differ")
	}

	type via struct {
		junction string
		section  string
	}
	dist := map[string]float64{from: 0}
	prev := map[string]via{}
	done := map[string]bool{}
	for {
		cur, best := "", math.Inf(1)
		for id, d := range dist {
			if done[id] {
				continue
			}
			if d < best || (d == best && id < cur) {
				cur, best = id, d
			}
		}
		if cur == "" {
			break
		}
		if cur == to {
			break
		}
		done[cur] = true
		for _, secID := range t.adjacency[cur] {
			if avoid[secID] {
				continue
			}
			sec := t.sectionByID[secID]
			if sec.Maintenance {
				continue
			}
			next, _ := t.OtherEnd(secID, cur)
			if done[next] || (avoid[next] && next != to) {
				continue
			}
			alt := best + sec.Length
			old, seen := dist[next]
			if !seen || alt < old || (alt == old && secID < prev[next].section) {
				dist[next] = alt
				prev[next] = via{junction: cur, section: secID}
			}
		}
	}
	if _, ok := dist[to]; !ok {
		return nil, domain.Validation("no route from %s to %s", from, to)
	}
	var path []string
	for at := to; at != from; at = prev[at].junction {
		path = append(path, prev[at].section)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// ValidateRoute checks that route is a contiguous walk from origin to
// destination and returns the entry junction of each section.
func (t *Topology) ValidateRoute(origin, destination string, route []string) ([]string, error) {
	if len(route) == 0 {
		return nil, domain.Validation("route is empty")
	}
	entries := make([]string, len(route))
	at := origin
	for i, secID := range route {
		if !t.HasSection(secID) {
			return nil, domain.NotFound("section", secID)
		}
		next, err := t.OtherEnd(secID, at)
		if err != nil {
			return nil, domain.Validation("route is not contiguous at %s", secID)
		}
		entries[i] = at
		at = next
	}
	if at != destination {
		return nil, domain.Validation("route ends at %s, not at destination %s", at, destination)
	}
	return entries, nil
}

// SectionsAt returns the sections touching a junction, sorted.
func (t *Topology) SectionsAt(junctionID string) []string {
	out := append([]string(nil), t.adjacency[junctionID]...)
	sort.Strings(out)
	return out
}
