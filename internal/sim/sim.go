// Package sim is the deterministic conflict engine: it advances trains on a
// fixed topology, detects capacity conflicts, and ranks mitigations. A Sim
// is not safe for concurrent use; callers serialize access.
package sim

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"

	"trackline/internal/config"
	"trackline/internal/domain"
	"trackline/internal/topology"
)

// Stats are the running counters behind the KPIs.
type Stats struct {
	Detected          int
	Resolved          int
	Materialized      int
	Accepted          int
	Rejected          int
	ResolutionMinutes float64
}

// State is everything a tick reads and writes. It is staged on a deep copy
// and only replaces the live state once the tick succeeds.
type State struct {
	ScenarioID      string
	Clock           float64
	Version         int64
	Trains          []domain.Train
	Conflicts       []domain.Conflict
	Recommendations []domain.Recommendation
	// conflict key -> generation of the next identity for that key
	Generations map[string]int
	// rejected action key -> conflict ids it was bound to
	Rejected map[string][]string
	Stats    Stats
}

// TickResult lists what changed during a command, for event logging.
type TickResult struct {
	Clock        float64
	Version      int64
	Detected     []domain.Conflict
	Materialized []domain.Conflict
	Cleared      []domain.Conflict
	Arrived      []string
}

type AcceptResult struct {
	Recommendation domain.Recommendation
	Resolved       []domain.Conflict
	Version        int64
}

type detectFunc func(topo *topology.Topology, trains []domain.Train, clock, horizon, clearance float64) []finding

type Sim struct {
	cfg    *config.Config
	topo   *topology.Topology
	ranker *ranker
	detect detectFunc
	state  State
}

// New builds a simulation from a validated scenario config and evaluates
// the initial conflicts.
func New(cfg *config.Config) (*Sim, error) {
	if cfg == nil {
		return nil, domain.Validation("config is required")
	}
	topo, err := topology.New(cfg.Topology)
	if err != nil {
		return nil, err
	}
	return newWithTopology(cfg, topo)
}

func newWithTopology(cfg *config.Config, topo *topology.Topology) (*Sim, error) {
	rk, err := newRanker(topo, cfg)
	if err != nil {
		return nil, err
	}
	s := &Sim{
		cfg:    cfg,
		topo:   topo,
		ranker: rk,
		detect: detect,
		state: State{
			ScenarioID:  cfg.Scenario.ID,
			Generations: map[string]int{},
			Rejected:    map[string][]string{},
		},
	}
	for _, spec := range cfg.Trains {
		tr, err := buildTrain(topo, cfg.Clock.Start, 0, spec)
		if err != nil {
			return nil, err
		}
		if findTrain(s.state.Trains, tr.ID) >= 0 {
			return nil, domain.Validation("train %s already exists", tr.ID)
		}
		s.state.Trains = append(s.state.Trains, tr)
		sortTrains(s.state.Trains)
	}
	if _, err := s.evaluate(&s.state, 0); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sim) Topology() *topology.Topology { return s.topo }
func (s *Sim) Config() *config.Config       { return s.cfg }
func (s *Sim) Clock() float64               { return s.state.Clock }
func (s *Sim) Version() int64               { return s.state.Version }

// ClockLabel renders the simulated clock as wall-clock "HH:MM".
func (s *Sim) ClockLabel() string {
	return s.clockLabel(s.state.Clock)
}

func (s *Sim) clockLabel(minute float64) string {
	start, _ := config.ParseClock(s.cfg.Clock.Start)
	return config.FormatClock(start + minute)
}

func (s *Sim) stage() (State, error) {
	var next State
	if err := copier.CopyWithOption(&next, &s.state, copier.Option{DeepCopy: true}); err != nil {
		return State{}, fmt.Errorf("stage state: %w", err)
	}
	if next.Generations == nil {
		next.Generations = map[string]int{}
	}
	if next.Rejected == nil {
		next.Rejected = map[string][]string{}
	}
	return next, nil
}

// Clone returns an independent copy of the simulation.
func (s *Sim) Clone() (*Sim, error) {
	st, err := s.stage()
	if err != nil {
		return nil, err
	}
	return &Sim{cfg: s.cfg, topo: s.topo, ranker: s.ranker, detect: s.detect, state: st}, nil
}

// AdvanceTick moves the clock forward by dt simulated minutes. On any error
// the previous state is kept.
func (s *Sim) AdvanceTick(dt float64) (TickResult, error) {
	if dt <= 0 || math.IsNaN(dt) || math.IsInf(dt, 0) {
		return TickResult{}, domain.Validation("tick delta must be positive, got %v", dt)
	}
	next, err := s.stage()
	if err != nil {
		return TickResult{}, err
	}
	var arrived []string
	for i := range next.Trains {
		if advance(s.topo, &next.Trains[i], next.Clock, dt) {
			arrived = append(arrived, next.Trains[i].ID)
		}
	}
	next.Clock += dt
	res, err := s.evaluate(&next, dt)
	if err != nil {
		return TickResult{}, err
	}
	res.Arrived = arrived
	return s.commit(next, res), nil
}

// AddTrain inserts a train at the current clock.
func (s *Sim) AddTrain(spec domain.TrainSpec) (domain.Train, TickResult, error) {
	if findTrain(s.state.Trains, spec.ID) >= 0 {
		return domain.Train{}, TickResult{}, domain.Validation("train %s already exists", spec.ID)
	}
	tr, err := buildTrain(s.topo, s.cfg.Clock.Start, s.state.Clock, spec)
	if err != nil {
		return domain.Train{}, TickResult{}, err
	}
	if tr.DepartureMinute < s.state.Clock {
		tr.DepartureMinute = s.state.Clock
		tr.Status = domain.StatusMoving
	}
	if tr.DepartureTime == "" {
		tr.DepartureTime = s.clockLabel(tr.DepartureMinute)
	}
	next, err := s.stage()
	if err != nil {
		return domain.Train{}, TickResult{}, err
	}
	tr, err = s.admit(&next, tr)
	if err != nil {
		return domain.Train{}, TickResult{}, err
	}
	next.Trains = append(next.Trains, tr)
	sortTrains(next.Trains)
	res, err := s.evaluate(&next, 0)
	if err != nil {
		return domain.Train{}, TickResult{}, err
	}
	return tr, s.commit(next, res), nil
}

// admit rejects a train that would immediately overfill its first section
// with no way to mitigate, diverting it when an alternate route has room.
func (s *Sim) admit(st *State, tr domain.Train) (domain.Train, error) {
	if staged(tr) {
		return tr, nil
	}
	if !s.immediateExcess(st, tr) {
		return tr, nil
	}
	if tr.Position == 0 {
		if alt, err := s.topo.Route(tr.Origin, tr.Destination, map[string]bool{tr.Section: true}); err == nil {
			diverted := tr
			diverted.Route = alt
			diverted.Section = alt[0]
			if !s.immediateExcess(st, diverted) {
				return diverted, nil
			}
		}
	}
	return domain.Train{}, &domain.CapacityExceededAtInsert{TrainID: tr.ID, SectionID: tr.Section}
}

// immediateExcess reports whether tr's first section is already full and tr
// would collide with an occupant at once rather than on a closing course.
func (s *Sim) immediateExcess(st *State, tr domain.Train) bool {
	capacity, err := s.topo.CapacityOf(tr.Section)
	if err != nil {
		return false
	}
	var occupants []domain.Train
	for _, o := range st.Trains {
		if !staged(o) && o.Section == tr.Section {
			occupants = append(occupants, o)
		}
	}
	if len(occupants) < capacity {
		return false
	}
	for _, o := range occupants {
		if closingTime(s.topo, tr, o, tr.Section) == 0 {
			return true
		}
	}
	return false
}

// AcceptRecommendation applies a recommendation and resolves every conflict
// it targets. Either all of it happens or nothing does.
func (s *Sim) AcceptRecommendation(id string) (AcceptResult, error) {
	next, err := s.stage()
	if err != nil {
		return AcceptResult{}, err
	}
	ri := findRecommendation(next.Recommendations, id)
	if ri < 0 {
		return AcceptResult{}, domain.NotFound("recommendation", id)
	}
	rec := next.Recommendations[ri]
	targeted := map[string]bool{}
	for _, cid := range rec.ConflictIDs {
		targeted[cid] = true
	}

	var resolved []domain.Conflict
	var remaining []domain.Conflict
	partners := map[string]bool{}
	for _, c := range next.Conflicts {
		if !targeted[c.ID] {
			remaining = append(remaining, c)
			continue
		}
		if c.State != domain.ConflictPredicted {
			return AcceptResult{}, domain.Validation("conflict %s has already materialized", c.ID)
		}
		resolved = append(resolved, c)
		partners[c.TrainA] = true
		partners[c.TrainB] = true
		next.Generations[conflictKey(c.TrainA, c.TrainB, c.Location)]++
		next.Stats.Resolved++
		next.Stats.ResolutionMinutes += next.Clock - c.DetectedAt
	}
	if len(resolved) == 0 {
		return AcceptResult{}, domain.NotFound("conflict", rec.ConflictIDs[0])
	}
	next.Conflicts = remaining

	ti := findTrain(next.Trains, rec.TrainID)
	if ti < 0 {
		return AcceptResult{}, domain.NotFound("train", rec.TrainID)
	}
	subject := &next.Trains[ti]
	switch rec.Type {
	case domain.RecommendationHold, domain.RecommendationPriority:
		applyHold(subject, next.Clock, rec.HoldMinutes)
	case domain.RecommendationReroute:
		if _, err := s.topo.ValidateRoute(subject.Origin, subject.Destination, rec.Route); err != nil {
			return AcceptResult{}, err
		}
		subject.Route = append([]string(nil), rec.Route...)
		subject.Section = subject.Route[subject.RouteIndex]
		if subject.Status == domain.StatusConflicted {
			subject.Status = domain.StatusMoving
		}
	default:
		return AcceptResult{}, domain.Validation("unknown recommendation type %q", rec.Type)
	}
	delete(partners, subject.ID)
	for id := range partners {
		if i := findTrain(next.Trains, id); i >= 0 && next.Trains[i].Status == domain.StatusConflicted {
			next.Trains[i].Status = domain.StatusMoving
		}
	}
	s.refreshStatuses(&next)

	var recs []domain.Recommendation
	for _, r := range next.Recommendations {
		if !referencesAny(r, targeted) {
			recs = append(recs, r)
		}
	}
	next.Recommendations = recs
	next.Stats.Accepted++

	res := s.commit(next, TickResult{})
	return AcceptResult{Recommendation: rec, Resolved: resolved, Version: res.Version}, nil
}

// RejectRecommendation withdraws one recommendation. The same action is not
// proposed again while any of its conflicts remain.
func (s *Sim) RejectRecommendation(id string) (domain.Recommendation, error) {
	next, err := s.stage()
	if err != nil {
		return domain.Recommendation{}, err
	}
	ri := findRecommendation(next.Recommendations, id)
	if ri < 0 {
		return domain.Recommendation{}, domain.NotFound("recommendation", id)
	}
	rec := next.Recommendations[ri]
	next.Recommendations = append(next.Recommendations[:ri:ri], next.Recommendations[ri+1:]...)
	next.Rejected[recommendationKey(rec)] = append([]string(nil), rec.ConflictIDs...)
	next.Stats.Rejected++
	s.commit(next, TickResult{})
	return rec, nil
}

func (s *Sim) commit(next State, res TickResult) TickResult {
	next.Version++
	s.state = next
	res.Clock = next.Clock
	res.Version = next.Version
	return res
}

// evaluate re-detects conflicts, applies materializations, refreshes train
// statuses and recommendations, then checks the occupancy invariant. dt is
// the time elapsed since the previous evaluation.
func (s *Sim) evaluate(st *State, dt float64) (TickResult, error) {
	policy := s.cfg.Policy
	findings := s.detect(s.topo, st.Trains, st.Clock, s.cfg.Clock.HorizonMinutes, policy.JunctionClearanceMinutes)

	prev := make(map[string]domain.Conflict, len(st.Conflicts))
	for _, c := range st.Conflicts {
		prev[conflictKey(c.TrainA, c.TrainB, c.Location)] = c
	}
	var res TickResult
	found := make(map[string]bool, len(findings))
	var conflicts []domain.Conflict
	for _, f := range findings {
		found[f.key] = true
		c, existing := prev[f.key]
		if existing {
			c.TimeToConflict = math.Max(0, math.Min(f.ttc, c.TimeToConflict-dt))
		} else {
			gen := st.Generations[f.key]
			c = domain.Conflict{
				ID:             conflictID(st.ScenarioID, f.key, gen),
				TrainA:         f.trainA,
				TrainB:         f.trainB,
				Location:       f.location,
				LocationKind:   f.kind,
				TimeToConflict: math.Max(0, f.ttc),
				State:          domain.ConflictPredicted,
				DetectedAt:     st.Clock,
				Generation:     gen,
			}
			st.Stats.Detected++
		}
		c.TimeToConflict = math.Round(c.TimeToConflict*1000) / 1000
		if c.TimeToConflict == 0 && c.State == domain.ConflictPredicted {
			c.State = domain.ConflictMaterialized
			c.SuggestedAction = s.materialize(st, c)
			st.Stats.Materialized++
			res.Materialized = append(res.Materialized, c)
		}
		combined := 0
		for _, id := range []string{c.TrainA, c.TrainB} {
			if i := findTrain(st.Trains, id); i >= 0 {
				combined += priorityOf(st.Trains[i])
			}
		}
		c.Severity = severityFor(c.TimeToConflict, combined, c.State,
			policy.Severity.HighBelowMinutes, policy.Severity.MediumUpToMinutes, policy.Severity.EscalateCombinedPriority)
		if !existing {
			res.Detected = append(res.Detected, c)
		}
		conflicts = append(conflicts, c)
	}
	keys := make([]string, 0, len(prev))
	for key := range prev {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if found[key] {
			continue
		}
		st.Generations[key]++
		res.Cleared = append(res.Cleared, prev[key])
	}
	sortConflicts(conflicts, st.Trains)
	st.Conflicts = conflicts
	s.refreshStatuses(st)

	recs, err := s.ranker.rank(st)
	if err != nil {
		return TickResult{}, err
	}
	for i := range st.Conflicts {
		if st.Conflicts[i].State == domain.ConflictMaterialized {
			st.Conflicts[i].SuggestedAction = materializedAction(st, st.Conflicts[i], policy.MaterializeDelayMinutes)
		}
	}
	st.Recommendations = recs
	s.pruneRejected(st)
	if err := s.checkInvariant(st); err != nil {
		return TickResult{}, err
	}
	return res, nil
}

// materialize delays the lower-priority train of a conflict whose
// time-to-conflict reached zero.
func (s *Sim) materialize(st *State, c domain.Conflict) string {
	ia, ib := findTrain(st.Trains, c.TrainA), findTrain(st.Trains, c.TrainB)
	if ia < 0 || ib < 0 {
		return ""
	}
	subject, _ := lowerPriority(st.Trains[ia], st.Trains[ib])
	i := findTrain(st.Trains, subject.ID)
	applyHold(&st.Trains[i], st.Clock, s.cfg.Policy.MaterializeDelayMinutes)
	return materializedAction(st, c, s.cfg.Policy.MaterializeDelayMinutes)
}

func materializedAction(st *State, c domain.Conflict, penalty float64) string {
	ia, ib := findTrain(st.Trains, c.TrainA), findTrain(st.Trains, c.TrainB)
	if ia < 0 || ib < 0 {
		return ""
	}
	subject, _ := lowerPriority(st.Trains[ia], st.Trains[ib])
	return fmt.Sprintf("Delay of %.0f min applied to %s", penalty, subject.ID)
}

// applyHold keeps a train in place for minutes. A train that has not yet
// departed has its departure pushed back instead.
func applyHold(tr *domain.Train, clock, minutes float64) {
	if minutes <= 0 || tr.Status == domain.StatusArrived {
		return
	}
	if tr.Status == domain.StatusStopped && tr.DepartureMinute > clock {
		tr.DepartureMinute += minutes
		tr.DelayMinutes += minutes
		return
	}
	tr.HoldMinutes += minutes
	tr.Status = domain.StatusDelayed
}

// refreshStatuses flags moving trains that are party to a conflict and
// releases conflicted trains that no longer are.
func (s *Sim) refreshStatuses(st *State) {
	involved := map[string]bool{}
	for _, c := range st.Conflicts {
		involved[c.TrainA] = true
		involved[c.TrainB] = true
	}
	for i := range st.Trains {
		tr := &st.Trains[i]
		switch {
		case tr.Status == domain.StatusMoving && involved[tr.ID]:
			tr.Status = domain.StatusConflicted
		case tr.Status == domain.StatusConflicted && !involved[tr.ID]:
			tr.Status = domain.StatusMoving
		}
	}
}

// pruneRejected forgets rejections whose conflicts are all gone.
func (s *Sim) pruneRejected(st *State) {
	active := map[string]bool{}
	for _, c := range st.Conflicts {
		active[c.ID] = true
	}
	for key, ids := range st.Rejected {
		live := false
		for _, id := range ids {
			if active[id] {
				live = true
				break
			}
		}
		if !live {
			delete(st.Rejected, key)
		}
	}
}

// checkInvariant requires that every over-capacity section has an active
// conflict for each pair of its occupants.
func (s *Sim) checkInvariant(st *State) error {
	have := map[string]bool{}
	for _, c := range st.Conflicts {
		have[conflictKey(c.TrainA, c.TrainB, c.Location)] = true
	}
	for _, occ := range occupancy(s.topo, st.Trains) {
		if len(occ.Occupants) <= occ.Capacity {
			continue
		}
		for i := 0; i < len(occ.Occupants); i++ {
			for j := i + 1; j < len(occ.Occupants); j++ {
				key := conflictKey(occ.Occupants[i], occ.Occupants[j], occ.SectionID)
				if !have[key] {
					return domain.Invariant("section %s holds %d trains (capacity %d) but %s and %s have no conflict",
						occ.SectionID, len(occ.Occupants), occ.Capacity, occ.Occupants[i], occ.Occupants[j])
				}
			}
		}
	}
	return nil
}

func occupancy(topo *topology.Topology, trains []domain.Train) []domain.Occupancy {
	sections := topo.Sections()
	out := make([]domain.Occupancy, 0, len(sections))
	for _, sec := range sections {
		capacity, _ := topo.CapacityOf(sec.ID)
		occ := domain.Occupancy{SectionID: sec.ID, Capacity: capacity, Occupants: []string{}}
		for _, tr := range trains {
			if !staged(tr) && tr.Section == sec.ID {
				occ.Occupants = append(occ.Occupants, tr.ID)
			}
		}
		out = append(out, occ)
	}
	return out
}

// Snapshot returns a read-only copy of the current state.
func (s *Sim) Snapshot() (domain.Snapshot, error) {
	st := &s.state
	view := domain.Snapshot{
		ScenarioID:      st.ScenarioID,
		Version:         st.Version,
		Clock:           st.Clock,
		Trains:          st.Trains,
		Occupancy:       occupancy(s.topo, st.Trains),
		Conflicts:       st.Conflicts,
		Recommendations: st.Recommendations,
		KPIs:            computeKPIs(st),
	}
	var out domain.Snapshot
	if err := copier.CopyWithOption(&out, &view, copier.Option{DeepCopy: true}); err != nil {
		return domain.Snapshot{}, fmt.Errorf("copy snapshot: %w", err)
	}
	if out.Trains == nil {
		out.Trains = []domain.Train{}
	}
	if out.Conflicts == nil {
		out.Conflicts = []domain.Conflict{}
	}
	if out.Recommendations == nil {
		out.Recommendations = []domain.Recommendation{}
	}
	return out, nil
}

// Train returns one train by id.
func (s *Sim) Train(id string) (domain.Train, error) {
	i := findTrain(s.state.Trains, id)
	if i < 0 {
		return domain.Train{}, domain.NotFound("train", id)
	}
	var out domain.Train
	if err := copier.CopyWithOption(&out, &s.state.Trains[i], copier.Option{DeepCopy: true}); err != nil {
		return domain.Train{}, err
	}
	return out, nil
}

func conflictID(scenarioID, key string, generation int) string {
	name := fmt.Sprintf("%s|conflict|%s|%d", scenarioID, key, generation)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func findRecommendation(recs []domain.Recommendation, id string) int {
	for i, r := range recs {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func referencesAny(r domain.Recommendation, conflictIDs map[string]bool) bool {
	for _, id := range r.ConflictIDs {
		if conflictIDs[id] {
			return true
		}
	}
	return false
}
