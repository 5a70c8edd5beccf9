package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog"

	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/events"
	"trackline/internal/migrate"
	"trackline/internal/repo"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestEngine(t *testing.T, cfg *config.Config) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := (repo.Repo{DB: conn}).UpsertScenarioConfig(context.Background(), cfg); err != nil {
		t.Fatalf("seed scenario config: %v", err)
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	e := newTestEngine(t, config.Default("demo"))
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v: %s", err, string(data))
	}
	return env.Error
}

func TestHealthAndSnapshot(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("health %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/snapshot", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("snapshot status %d: %s", res.StatusCode, string(data))
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.ScenarioID != "demo" || len(snap.Trains) != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestAdvanceTickEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/ticks", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tick status %d: %s", res.StatusCode, string(data))
	}
	var tick TickResponse
	if err := json.Unmarshal(data, &tick); err != nil {
		t.Fatalf("decode tick: %v", err)
	}
	if tick.Clock != 1 || tick.Label != "06:01" || tick.Version != 1 {
		t.Fatalf("unexpected tick %+v", tick)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/ticks", map[string]any{"delta_minutes": 0})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero delta, got %d: %s", res.StatusCode, string(data))
	}
	if body := decodeError(t, data); body.Code != "bad_request" {
		t.Fatalf("unexpected error code %q", body.Code)
	}
	if got := srv.Engine.Clock().Minute; got != 1 {
		t.Fatalf("rejected tick moved clock to %v", got)
	}
}

func TestAddTrainEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/trains", map[string]any{
		"id": "T200", "speed": 0, "origin": "JUN000", "destination": "JUN001",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero speed, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/trains", map[string]any{
		"id": "T200", "type": "passenger", "priority": "medium", "speed": 5,
		"origin": "JUN002", "destination": "JUN000", "departure_time": "07:00",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("add train status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/trains/T200", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get train status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/trains/T999", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	body := decodeError(t, data)
	if body.Code != "not_found" || body.Details["id"] != "T999" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestAcceptRecommendationEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/recommendations", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list recommendations %d: %s", res.StatusCode, string(data))
	}
	var recs []domain.Recommendation
	if err := json.Unmarshal(data, &recs); err != nil {
		t.Fatalf("decode recommendations: %v", err)
	}
	if len(recs) == 0 {
		t.Fatalf("expected recommendations for the default scenario")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/recommendations/"+recs[0].ID+"/accept", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	var accepted AcceptResponse
	if err := json.Unmarshal(data, &accepted); err != nil {
		t.Fatalf("decode accept: %v", err)
	}
	if accepted.Recommendation.ID != recs[0].ID || len(accepted.Resolved) == 0 {
		t.Fatalf("unexpected accept response %+v", accepted)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/recommendations/"+recs[0].ID+"/accept", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on repeat accept, got %d: %s", res.StatusCode, string(data))
	}
}

func TestExportCSV(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/export?format=csv", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export status %d: %s", res.StatusCode, string(data))
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 || !strings.HasPrefix(lines[0], "id,") {
		t.Fatalf("unexpected csv:\n%s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/export?detail=full", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export full status %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), `"topology"`) {
		t.Fatalf("full export missing topology")
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for i := 0; i < 3; i++ {
		if _, err := srv.Engine.AdvanceTick(context.Background(), 1); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?type=tick&limit=2", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	if page.Items[0].SimMinute != 3 || page.Items[1].SimMinute != 2 {
		t.Fatalf("expected newest first, got %+v", page.Items)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?type=tick&limit=2&cursor="+page.NextCursor, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("decode page 2: %v", err)
	}
	if len(next.Items) != 1 || next.NextCursor != "" || next.Items[0].SimMinute != 1 {
		t.Fatalf("unexpected second page %+v", next)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d", res.StatusCode)
	}
}

func TestHandleErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.Validation("bad"), http.StatusBadRequest, "bad_request"},
		{&domain.NotFoundError{Kind: "train", ID: "T1"}, http.StatusNotFound, "not_found"},
		{&domain.CapacityExceededAtInsert{TrainID: "T1", SectionID: "S1"}, http.StatusConflict, "capacity_exceeded"},
		{domain.Invariant("x"), http.StatusInternalServerError, "invariant_violation"},
		{repo.ErrNotFound, http.StatusNotFound, "not_found"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		got, ok := handleError(tc.err).(*apiError)
		if !ok {
			t.Fatalf("expected *apiError for %v", tc.err)
		}
		if got.GetStatus() != tc.status || got.Body.Code != tc.code {
			t.Fatalf("%v: got %d %s, want %d %s", tc.err, got.GetStatus(), got.Body.Code, tc.status, tc.code)
		}
	}
}

type receivedHook struct {
	Type   string
	Header http.Header
	Body   webhookEvent
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var got []receivedHook
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	receiver := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		got = append(got, receivedHook{Type: r.Header.Get("X-Trackline-Event"), Header: r.Header.Clone(), Body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})}
	go receiver.Serve(ln)
	defer receiver.Shutdown(context.Background())

	cfg := config.Default("demo")
	cfg.Webhooks = []config.WebhookConfig{{
		URL:    "http://" + ln.Addr().String() + "/hook",
		Secret: "s3cret",
		Events: []string{events.TypeTick},
	}}
	e := newTestEngine(t, cfg)
	d := &webhookDispatcher{
		engine:   e,
		scenario: "demo",
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   zerolog.Nop(),
		cursors:  make(map[int]int64),
	}
	ctx := context.Background()
	// Events before the cursor is initialised are not delivered.
	d.cursorFor(ctx, 0)
	for i := 0; i < 2; i++ {
		if _, err := e.AdvanceTick(ctx, 1); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	for i, hook := range got {
		if hook.Type != events.TypeTick || hook.Body.Type != events.TypeTick {
			t.Fatalf("delivery %d has type %q", i, hook.Type)
		}
		if hook.Header.Get("X-Trackline-Secret") != "s3cret" || hook.Header.Get("X-Trackline-Scenario") != "demo" {
			t.Fatalf("missing headers on delivery %d: %v", i, hook.Header)
		}
	}
	if got[0].Body.SimMinute != 1 || got[1].Body.SimMinute != 2 {
		t.Fatalf("deliveries out of order: %+v", got)
	}

	d.dispatchAll(ctx)
	if len(got) != 2 {
		t.Fatalf("events redelivered, got %d", len(got))
	}
}

func TestWebhookSkipsRejectedEvents(t *testing.T) {
	var mu sync.Mutex
	var deliveries []string
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	receiver := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		deliveries = append(deliveries, r.Header.Get("X-Trackline-Delivery"))
		mu.Unlock()
		http.Error(w, "unknown event", http.StatusBadRequest)
	})}
	go receiver.Serve(ln)
	defer receiver.Shutdown(context.Background())

	cfg := config.Default("demo")
	cfg.Webhooks = []config.WebhookConfig{{
		URL:    "http://" + ln.Addr().String() + "/hook",
		Events: []string{events.TypeTick},
	}}
	e := newTestEngine(t, cfg)
	d := &webhookDispatcher{
		engine:   e,
		scenario: "demo",
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   zerolog.Nop(),
		cursors:  make(map[int]int64),
	}
	ctx := context.Background()
	d.cursorFor(ctx, 0)
	for i := 0; i < 3; i++ {
		if _, err := e.AdvanceTick(ctx, 1); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		d.dispatchAll(ctx)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(deliveries) != 3 {
		t.Fatalf("expected one attempt per event, got %d: %v", len(deliveries), deliveries)
	}
	seen := map[string]bool{}
	for _, id := range deliveries {
		if seen[id] {
			t.Fatalf("event %s attempted twice: %v", id, deliveries)
		}
		seen[id] = true
	}
	latest, err := e.Repo.LatestEventID(ctx, "demo")
	if err != nil {
		t.Fatalf("latest event: %v", err)
	}
	if cur := d.cursorFor(ctx, 0); cur != latest {
		t.Fatalf("cursor stuck at %d, latest event %d", cur, latest)
	}
}

func TestVersionGateDropsStaleSnapshots(t *testing.T) {
	var g versionGate
	var published []int64
	for _, v := range []int64{2, 1, 2, 3} {
		g.publish(v, func() { published = append(published, v) })
	}
	if len(published) != 2 || published[0] != 2 || published[1] != 3 {
		t.Fatalf("expected versions [2 3], got %v", published)
	}
}

func TestStreamPublishesSnapshots(t *testing.T) {
	srv, stop := newTestServer(t)
	defer stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	received := make(chan domain.Snapshot, 1)
	client := sse.NewClient(srv.URL + "/v0/stream")
	go client.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
		if string(msg.Event) != snapshotStream || len(msg.Data) == 0 {
			return
		}
		var snap domain.Snapshot
		if err := json.Unmarshal(msg.Data, &snap); err != nil {
			return
		}
		select {
		case received <- snap:
		default:
		}
	})

	// Tick until the subscription is live and a snapshot arrives.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case snap := <-received:
			if snap.ScenarioID != "demo" || snap.Version < 1 || len(snap.Trains) == 0 {
				t.Fatalf("unexpected snapshot %+v", snap)
			}
			return
		case <-ticker.C:
			if _, err := srv.Engine.AdvanceTick(ctx, 1); err != nil {
				t.Fatalf("tick: %v", err)
			}
		case <-ctx.Done():
			t.Fatalf("no snapshot received on stream")
		}
	}
}
