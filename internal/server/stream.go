package server

import (
	"encoding/json"
	"net/http"
	"path"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/r3labs/sse/v2"
	"github.com/rs/zerolog/log"

	"trackline/internal/domain"
	"trackline/internal/engine"
)

const snapshotStream = "snapshot"

// registerStream publishes a snapshot to SSE subscribers after every change
// the engine commits.
func registerStream(r chi.Router, basePath string, e engine.Engine) {
	srv := sse.New()
	srv.AutoReplay = false
	srv.CreateStream(snapshotStream)
	gate := &versionGate{}
	e.Subscribe(func(snap domain.Snapshot) {
		data, err := json.Marshal(snap)
		if err != nil {
			log.Error().Err(err).Str("component", "stream").Msg("marshal snapshot")
			return
		}
		gate.publish(snap.Version, func() {
			srv.TryPublish(snapshotStream, &sse.Event{Event: []byte(snapshotStream), Data: data})
		})
	})
	r.Get(path.Join(basePath, "stream"), func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		if q.Get("stream") == "" {
			q.Set("stream", snapshotStream)
			req.URL.RawQuery = q.Encode()
		}
		srv.ServeHTTP(w, req)
	})
}

// versionGate runs publishes in version order. Listeners are notified
// outside the engine lock, so a slower command can arrive after a newer
// snapshot; such stale versions are dropped.
type versionGate struct {
	mu   sync.Mutex
	last int64
	seen bool
}

func (g *versionGate) publish(version int64, fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen && version <= g.last {
		return false
	}
	g.last, g.seen = version, true
	fn()
	return true
}
