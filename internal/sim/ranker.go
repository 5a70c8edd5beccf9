package sim

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"

	"trackline/internal/config"
	"trackline/internal/domain"
	"trackline/internal/topology"
)

var strategyOrder = map[string]int{
	domain.RecommendationHold:     0,
	domain.RecommendationReroute:  1,
	domain.RecommendationPriority: 2,
}

// candidate is one concrete mitigation for one conflict.
type candidate struct {
	kind       string
	conflictID string
	subject    string
	other      string
	hold       float64
	route      []string
	added      float64

	delayReduction  float64
	safetyMargin    float64
	disruption      float64
	passengerImpact float64
	score           float64

	description string
	steps       []string
}

func (c candidate) key() string {
	return actionKey(c.kind, c.subject, c.hold, c.route)
}

func actionKey(kind, train string, hold float64, route []string) string {
	return fmt.Sprintf("%s|%s|%.0f|%s", kind, train, hold, strings.Join(route, ","))
}

func recommendationKey(r domain.Recommendation) string {
	return actionKey(r.Type, r.TrainID, r.HoldMinutes, r.Route)
}

type ranker struct {
	topo    *topology.Topology
	policy  config.PolicyConfig
	ranking config.RankingConfig
	horizon float64
	program *vm.Program
}

func newRanker(topo *topology.Topology, cfg *config.Config) (*ranker, error) {
	program, err := expr.Compile(cfg.Ranking.ScoreExpr, expr.Env(scoreEnv(0, 0, 0, 0)), expr.AsFloat64())
	if err != nil {
		return nil, domain.Validation("ranking.score_expr: %v", err)
	}
	return &ranker{
		topo:    topo,
		policy:  cfg.Policy,
		ranking: cfg.Ranking,
		horizon: cfg.Clock.HorizonMinutes,
		program: program,
	}, nil
}

func scoreEnv(delayReduction, safetyMargin, disruption, passengerImpact float64) map[string]any {
	return map[string]any{
		"delay_reduction":  delayReduction,
		"safety_margin":    safetyMargin,
		"disruption":       disruption,
		"passenger_impact": passengerImpact,
	}
}

func (r *ranker) score(c candidate) (float64, error) {
	out, err := expr.Run(r.program, scoreEnv(c.delayReduction, c.safetyMargin, c.disruption, c.passengerImpact))
	if err != nil {
		return 0, fmt.Errorf("evaluate score: %w", err)
	}
	v, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("score expression returned %T", out)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, nil
	}
	return v, nil
}

// confidence maps a score monotonically onto [0,100].
func confidence(score, scale float64) float64 {
	if scale <= 0 {
		scale = 10
	}
	c := 100 * (1 - math.Exp(-math.Max(score, 0)/scale))
	c = math.Round(c*10) / 10
	return math.Min(100, math.Max(0, c))
}

// rank builds the active recommendation list for the predicted conflicts in
// st, which must already be sorted.
func (r *ranker) rank(st *State) ([]domain.Recommendation, error) {
	byLoc := map[string][]window{}
	for _, tr := range st.Trains {
		for _, w := range projectWindows(r.topo, tr, tr.Route, st.Clock, r.horizon, r.policy.JunctionClearanceMinutes) {
			byLoc[w.location] = append(byLoc[w.location], w)
		}
	}

	var recs []domain.Recommendation
	index := map[string]int{}
	for ci := range st.Conflicts {
		c := &st.Conflicts[ci]
		if c.State != domain.ConflictPredicted {
			c.SuggestedAction = ""
			continue
		}
		cands, err := r.candidates(st, *c, byLoc)
		if err != nil {
			return nil, err
		}
		kept := cands[:0]
		for _, cand := range cands {
			if cand.safetyMargin < r.policy.MinHeadwayMinutes {
				continue
			}
			if _, rejected := st.Rejected[cand.key()]; rejected {
				continue
			}
			kept = append(kept, cand)
		}
		sort.SliceStable(kept, func(i, j int) bool {
			a, b := kept[i], kept[j]
			if a.score != b.score {
				return a.score > b.score
			}
			if a.passengerImpact != b.passengerImpact {
				return a.passengerImpact < b.passengerImpact
			}
			if strategyOrder[a.kind] != strategyOrder[b.kind] {
				return strategyOrder[a.kind] < strategyOrder[b.kind]
			}
			return a.key() < b.key()
		})
		c.SuggestedAction = ""
		if len(kept) > 0 {
			c.SuggestedAction = kept[0].description
		}
		limit := r.ranking.MaxPerConflict
		if limit > len(kept) {
			limit = len(kept)
		}
		for i := 0; i < limit; i++ {
			cand := kept[i]
			key := cand.key()
			if at, ok := index[key]; ok {
				recs[at].ConflictIDs = appendUnique(recs[at].ConflictIDs, c.ID)
				continue
			}
			rec := domain.Recommendation{
				ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(st.ScenarioID+"|rec|"+key)).String(),
				Type:        cand.kind,
				ConflictIDs: []string{c.ID},
				TrainID:     cand.subject,
				Description: cand.description,
				Steps:       cand.steps,
				Confidence:  confidence(cand.score, r.ranking.ConfidenceScale),
				Score:       math.Round(cand.score*100) / 100,
				Impact:      impactText(cand),
				HoldMinutes: cand.hold,
				Route:       cand.route,
			}
			if i+1 < len(kept) {
				alt := kept[i+1].description
				rec.Alternative = &alt
			}
			index[key] = len(recs)
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (r *ranker) candidates(st *State, c domain.Conflict, byLoc map[string][]window) ([]candidate, error) {
	ia, ib := findTrain(st.Trains, c.TrainA), findTrain(st.Trains, c.TrainB)
	if ia < 0 || ib < 0 {
		return nil, nil
	}
	subject, other := lowerPriority(st.Trains[ia], st.Trains[ib])
	subjectWindows := projectWindows(r.topo, subject, subject.Route, st.Clock, r.horizon, r.policy.JunctionClearanceMinutes)
	ws, okS := windowAt(subjectWindows, c.Location)
	wo, okO := windowAt(byLoc[c.Location], c.Location, other.ID)
	if !okS || !okO {
		return nil, nil
	}
	penalty := r.policy.MaterializeDelayMinutes
	var out []candidate

	// The subject can only wait if it has not yet entered the location.
	if ws.start > 0 {
		hold := math.Ceil(wo.end - ws.start + r.policy.HeadwayMinutes)
		out = append(out, candidate{
			kind:         domain.RecommendationHold,
			conflictID:   c.ID,
			subject:      subject.ID,
			other:        other.ID,
			hold:         hold,
			added:        hold,
			safetyMargin: r.policy.HeadwayMinutes,
			description:  fmt.Sprintf("Hold %s for %.0f min to let %s clear %s", subject.ID, hold, other.ID, c.Location),
			steps: []string{
				fmt.Sprintf("Signal %s to stop at its current position", subject.ID),
				fmt.Sprintf("Hold %s for %.0f min", subject.ID, hold),
				fmt.Sprintf("Release %s once %s has cleared %s", subject.ID, other.ID, c.Location),
			},
		})
		if c.LocationKind == domain.LocationJunction {
			wait := math.Ceil(wo.end - ws.start + r.policy.MinHeadwayMinutes)
			out = append(out, candidate{
				kind:         domain.RecommendationPriority,
				conflictID:   c.ID,
				subject:      subject.ID,
				other:        other.ID,
				hold:         wait,
				added:        wait,
				safetyMargin: r.policy.MinHeadwayMinutes,
				description:  fmt.Sprintf("Give %s priority at %s; %s waits %.0f min", other.ID, c.Location, subject.ID, wait),
				steps: []string{
					fmt.Sprintf("Set route at %s for %s", c.Location, other.ID),
					fmt.Sprintf("Hold %s at the approach signal for %.0f min", subject.ID, wait),
					fmt.Sprintf("Clear %s through %s after %s", subject.ID, c.Location, other.ID),
				},
			})
		}
	}
	if cand, ok := r.reroute(st, subject, other, c, byLoc); ok {
		out = append(out, cand)
	}

	for i := range out {
		cand := &out[i]
		path := subjectWindows
		if cand.kind == domain.RecommendationReroute {
			rerouted := subject
			rerouted.Route = cand.route
			path = projectWindows(r.topo, rerouted, cand.route, st.Clock, r.horizon, r.policy.JunctionClearanceMinutes)
		}
		cand.delayReduction = penalty - cand.added
		cand.disruption = float64(sharingTrains(path, byLoc, subject.ID, other.ID))
		cand.passengerImpact = cand.added * typeWeight[subject.Type]
		score, err := r.score(*cand)
		if err != nil {
			return nil, err
		}
		cand.score = score
	}
	return out, nil
}

// reroute proposes an alternate route for subject that avoids the conflict
// location. The prefix already travelled (or being travelled) is kept.
func (r *ranker) reroute(st *State, subject, other domain.Train, c domain.Conflict, byLoc map[string][]window) (candidate, bool) {
	idx := subject.RouteIndex
	avoid := map[string]bool{c.Location: true}
	var prefix []string
	var from string
	if staged(subject) {
		prefix = append(prefix, subject.Route[:idx]...)
		from = entryJunction(r.topo, subject)
	} else {
		if c.Location == subject.Section {
			return candidate{}, false
		}
		prefix = append(prefix, subject.Route[:idx+1]...)
		exit, err := r.topo.OtherEnd(subject.Section, entryJunction(r.topo, subject))
		if err != nil {
			return candidate{}, false
		}
		from = exit
		avoid[subject.Section] = true
	}
	if from == c.Location {
		return candidate{}, false
	}
	suffix, err := r.topo.Route(from, subject.Destination, avoid)
	if err != nil {
		return candidate{}, false
	}
	route := append(prefix, suffix...)
	if equalRoutes(route, subject.Route) {
		return candidate{}, false
	}
	rerouted := subject
	rerouted.Route = route
	rerouted.Section = route[idx]
	added := math.Max(0, travelTime(r.topo, rerouted, st.Clock)-travelTime(r.topo, subject, st.Clock))

	margin := 2 * r.policy.HeadwayMinutes
	for _, nw := range projectWindows(r.topo, rerouted, route, st.Clock, r.horizon, r.policy.JunctionClearanceMinutes) {
		capacity, err := r.topo.CapacityOf(nw.location)
		if err != nil {
			return candidate{}, false
		}
		var others []window
		for _, w := range byLoc[nw.location] {
			if w.train != subject.ID {
				others = append(others, w)
			}
		}
		all := append(append([]window(nil), others...), nw)
		for _, o := range others {
			if _, excess := firstExcess(all, nw, o, capacity); excess {
				return candidate{}, false
			}
			if capacity == 1 {
				margin = math.Min(margin, intervalGap(nw, o))
			}
		}
	}
	via := strings.Join(suffix, ", ")
	return candidate{
		kind:         domain.RecommendationReroute,
		conflictID:   c.ID,
		subject:      subject.ID,
		other:        other.ID,
		route:        route,
		added:        math.Round(added*10) / 10,
		safetyMargin: margin,
		description:  fmt.Sprintf("Reroute %s via %s avoiding %s", subject.ID, via, c.Location),
		steps: []string{
			fmt.Sprintf("Set points at %s for %s", from, suffix[0]),
			fmt.Sprintf("Route %s via %s", subject.ID, via),
			fmt.Sprintf("Notify %s crew of the diversion", subject.ID),
		},
	}, true
}

// travelTime is the minutes from now until tr reaches the end of route.
func travelTime(topo *topology.Topology, tr domain.Train, clock float64) float64 {
	t := waitMinutes(tr, clock)
	for k := tr.RouteIndex; k < len(tr.Route); k++ {
		sec, err := topo.Section(tr.Route[k])
		if err != nil {
			return math.Inf(1)
		}
		length := sec.Length
		if k == tr.RouteIndex {
			length = (100 - tr.Position) / 100 * sec.Length
		}
		t += length / tr.Speed
	}
	return t
}

func sharingTrains(path []window, byLoc map[string][]window, exclude ...string) int {
	skip := map[string]bool{}
	for _, id := range exclude {
		skip[id] = true
	}
	seen := map[string]bool{}
	for _, w := range path {
		for _, o := range byLoc[w.location] {
			if !skip[o.train] {
				seen[o.train] = true
			}
		}
	}
	return len(seen)
}

func windowAt(ws []window, location string, train ...string) (window, bool) {
	for _, w := range ws {
		if w.location != location {
			continue
		}
		if len(train) > 0 && w.train != train[0] {
			continue
		}
		return w, true
	}
	return window{}, false
}

func intervalGap(a, b window) float64 {
	if a.end <= b.start {
		return b.start - a.end
	}
	if b.end <= a.start {
		return a.start - b.end
	}
	return 0
}

func impactText(c candidate) string {
	saved := c.delayReduction
	switch {
	case c.added == 0:
		return fmt.Sprintf("No added delay for %s; avoids a %.0f min penalty", c.subject, saved)
	case saved >= 0:
		return fmt.Sprintf("+%.1f min for %s; %.1f min saved vs. unresolved conflict", c.added, c.subject, saved)
	default:
		return fmt.Sprintf("+%.1f min for %s; %.1f min worse than the unresolved penalty", c.added, c.subject, -saved)
	}
}

func equalRoutes(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	list = append(list, v)
	sort.Strings(list)
	return list
}
