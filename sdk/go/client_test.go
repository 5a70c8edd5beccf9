package tracklinesdk

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
)

func serve(t *testing.T, h http.HandlerFunc) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: h}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return "http://" + ln.Addr().String()
}

func TestSnapshotRetriesServerErrors(t *testing.T) {
	var calls int32
	base := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/snapshot" {
			http.NotFound(w, r)
			return
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"scenario_id":"demo","version":4,"clock":4,"trains":[{"id":"T001","status":"moving"}]}`))
	})
	c := New(base)
	snap, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ScenarioID != "demo" || snap.Version != 4 || len(snap.Trains) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestCommandsAreNotRetried(t *testing.T) {
	var calls int32
	base := serve(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"code":"internal_error","message":"internal error"}}`))
	})
	c := New(base)
	_, err := c.Accept(context.Background(), "rec-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected APIError 500, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("command retried %d times", n)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	base := serve(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	})
	c := New(base)
	if _, err := c.KPIs(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("404 retried %d times", n)
	}
}
