package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/events"
	"trackline/internal/migrate"
	"trackline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("demo")
	ctx := context.Background()
	if err := (repo.Repo{DB: conn}).UpsertScenarioConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	eng, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) events(t *testing.T, evtType string) []domain.Event {
	t.Helper()
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 100, repo.EventFilters{ScenarioID: "demo", Type: evtType})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return evts
}

func TestAdvanceTickAppendsEvents(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.AdvanceTick(env.Ctx, 1); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	ticks := env.events(t, events.TypeTick)
	if len(ticks) != 3 {
		t.Fatalf("expected 3 tick events, got %d", len(ticks))
	}
	if ticks[0].SimMinute != 3 {
		t.Fatalf("expected newest tick at minute 3, got %v", ticks[0].SimMinute)
	}
	clock := env.Engine.Clock()
	if clock.Minute != 3 || clock.Label != "06:03" || clock.Version != 3 {
		t.Fatalf("unexpected clock %+v", clock)
	}
}

func TestRejectedTickLeavesStateAndLog(t *testing.T) {
	env := newTestEnv(t)
	before, err := env.Engine.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	_, err = env.Engine.AdvanceTick(env.Ctx, 0)
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	after, err := env.Engine.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("state changed (-before +after):\n%s", diff)
	}
	if n := len(env.events(t, events.TypeTick)); n != 0 {
		t.Fatalf("expected no tick events, got %d", n)
	}
}

func TestAcceptRecommendationLogsResolution(t *testing.T) {
	env := newTestEnv(t)
	snap, err := env.Engine.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Recommendations) == 0 {
		t.Fatalf("expected the default scenario to start with a recommendation")
	}
	rec := snap.Recommendations[0]
	res, err := env.Engine.AcceptRecommendation(env.Ctx, rec.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if len(res.Resolved) == 0 {
		t.Fatalf("expected resolved conflicts")
	}
	accepted := env.events(t, events.TypeRecommendationAccepted)
	if len(accepted) != 1 || accepted[0].EntityID != rec.ID {
		t.Fatalf("unexpected accepted events %+v", accepted)
	}
	resolved := env.events(t, events.TypeConflictResolved)
	if len(resolved) != len(res.Resolved) {
		t.Fatalf("expected %d resolved events, got %d", len(res.Resolved), len(resolved))
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(resolved[0].Payload), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["recommendation_id"] != rec.ID {
		t.Fatalf("payload missing recommendation id: %v", payload)
	}

	_, err = env.Engine.AcceptRecommendation(env.Ctx, rec.ID)
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError on second accept, got %v", err)
	}
	if n := len(env.events(t, events.TypeRecommendationAccepted)); n != 1 {
		t.Fatalf("failed accept must not log, got %d events", n)
	}
}

func TestRejectRecommendation(t *testing.T) {
	env := newTestEnv(t)
	snap, _ := env.Engine.Snapshot()
	if len(snap.Recommendations) == 0 {
		t.Fatalf("expected a recommendation")
	}
	rec, err := env.Engine.RejectRecommendation(env.Ctx, snap.Recommendations[0].ID, "crew unavailable")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	rejected := env.events(t, events.TypeRecommendationRejected)
	if len(rejected) != 1 || rejected[0].EntityID != rec.ID {
		t.Fatalf("unexpected rejected events %+v", rejected)
	}
	if k := env.Engine.KPIs(); k.AcceptanceRate != 0 {
		t.Fatalf("expected acceptance rate 0, got %v", k.AcceptanceRate)
	}
}

func TestAddTrainLogsEvent(t *testing.T) {
	env := newTestEnv(t)
	tr, err := env.Engine.AddTrain(env.Ctx, domain.TrainSpec{
		ID: "T100", Type: domain.TrainPassenger, Priority: domain.PriorityMedium,
		Speed: 5, Origin: "JUN002", Destination: "JUN000", DepartureTime: "06:30",
	})
	if err != nil {
		t.Fatalf("add train: %v", err)
	}
	if tr.Status != domain.StatusStopped {
		t.Fatalf("expected stopped train, got %s", tr.Status)
	}
	added := env.events(t, events.TypeTrainAdded)
	if len(added) != 1 || added[0].EntityID != "T100" {
		t.Fatalf("unexpected train events %+v", added)
	}
	if _, err := env.Engine.AddTrain(env.Ctx, domain.TrainSpec{ID: "T100", Speed: 5, Origin: "JUN000", Destination: "JUN001"}); err == nil {
		t.Fatalf("expected duplicate train error")
	}
}

func TestSaveScenario(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SaveScenario(env.Ctx, " "); err == nil {
		t.Fatalf("expected name validation error")
	}
	saved, err := env.Engine.SaveScenario(env.Ctx, "morning peak")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	list, err := env.Engine.ListSavedScenarios(env.Ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != saved.ID || list[0].Document != "" {
		t.Fatalf("unexpected saved list %+v", list)
	}
	got, err := env.Engine.GetSavedScenario(env.Ctx, saved.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want, err := env.Engine.Export("full")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if got.Document != string(want) {
		t.Fatalf("saved document differs from export")
	}
	var nf *domain.NotFoundError
	if _, err := env.Engine.GetSavedScenario(env.Ctx, "missing"); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Pause(env.Ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !env.Engine.Paused() || !env.Engine.Clock().Paused {
		t.Fatalf("expected paused")
	}
	if err := env.Engine.Pause(env.Ctx); err != nil {
		t.Fatalf("pause twice: %v", err)
	}
	if err := env.Engine.Resume(env.Ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if env.Engine.Paused() {
		t.Fatalf("expected running")
	}
	if n := len(env.events(t, events.TypeClockPaused)); n != 1 {
		t.Fatalf("expected 1 pause event, got %d", n)
	}
}

func TestRunnerSkipsWhilePaused(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Pause(env.Ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	ctx, cancel := context.WithTimeout(env.Ctx, 50*time.Millisecond)
	defer cancel()
	if err := env.Engine.Run(ctx, 5*time.Millisecond, 1); err != nil {
		t.Fatalf("run: %v", err)
	}
	if m := env.Engine.Clock().Minute; m != 0 {
		t.Fatalf("paused runner advanced clock to %v", m)
	}
}

func TestWhatIfLeavesLiveStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	before, _ := env.Engine.Snapshot()
	impact, err := env.Engine.WhatIf(domain.DelayScenario{Type: "breakdown", Severity: 5, Duration: 10, AffectedTrains: []string{"T001"}})
	if err != nil {
		t.Fatalf("whatif: %v", err)
	}
	if impact.SimulatedMinutes != 25 {
		t.Fatalf("expected 25 simulated minutes, got %v", impact.SimulatedMinutes)
	}
	if impact.AvgDelayIncrease <= 0 {
		t.Fatalf("expected a breakdown to add delay, got %+v", impact)
	}
	after, _ := env.Engine.Snapshot()
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("what-if changed live state:\n%s", diff)
	}
	if _, err := env.Engine.WhatIf(domain.DelayScenario{Type: "meteor", Severity: 5, Duration: 10}); err == nil {
		t.Fatalf("expected invalid scenario type error")
	}
}

func TestLessons(t *testing.T) {
	env := newTestEnv(t)
	add := func(solution string, rating float64, tags ...string) domain.Lesson {
		t.Helper()
		l, err := env.Engine.AddLesson(env.Ctx, engine.LessonOptions{
			Author: "ops", Scenario: "head-on on main line", Solution: solution, Rating: rating, Tags: tags,
		})
		if err != nil {
			t.Fatalf("add lesson: %v", err)
		}
		return l
	}
	add("hold freight at A", 3, "single-track", "hold")
	best := add("hold freight and reroute local", 5, "Single-Track", "hold", "reroute")
	add("reroute via loop", 4, "reroute")

	if _, err := env.Engine.AddLesson(env.Ctx, engine.LessonOptions{Scenario: "x"}); err == nil {
		t.Fatalf("expected validation error")
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	other := domain.Lesson{ID: "other-1", ScenarioID: "elsewhere", Author: "ops", Scenario: "head-on", Solution: "hold", Rating: 5,
		CreatedAt: "2024-01-01T06:00:00Z", Tags: []string{"hold", "single-track"}}
	if err := env.Engine.Repo.InsertLessonTx(env.Ctx, tx, other); err != nil {
		t.Fatalf("insert other scenario lesson: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	similar, err := env.Engine.SimilarLessons(env.Ctx, []string{"hold", "single-track"}, 5)
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	if len(similar) != 2 || similar[0].ID != best.ID {
		t.Fatalf("unexpected similar order %+v", similar)
	}
	if diff := cmp.Diff([]string{"hold", "reroute", "single-track"}, similar[0].Tags); diff != "" {
		t.Fatalf("tags (-want +got):\n%s", diff)
	}
	tagged, err := env.Engine.ListLessons(env.Ctx, "reroute", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tagged) != 2 {
		t.Fatalf("expected 2 reroute lessons, got %d", len(tagged))
	}
}

func TestSubscribersReceiveCommittedSnapshots(t *testing.T) {
	env := newTestEnv(t)
	var versions []int64
	env.Engine.Subscribe(func(snap domain.Snapshot) { versions = append(versions, snap.Version) })
	for i := 0; i < 2; i++ {
		if _, err := env.Engine.AdvanceTick(env.Ctx, 1); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if _, err := env.Engine.AdvanceTick(env.Ctx, 0); err == nil {
		t.Fatalf("expected rejected tick")
	}
	if len(versions) != 2 || versions[0] != 1 || versions[1] != 2 {
		t.Fatalf("expected versions [1 2], got %v", versions)
	}
}
