package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"trackline/internal/config"
	"trackline/internal/domain"
	"trackline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	webhookMaxRetries      = 3
)

type webhookDispatcher struct {
	engine   engine.Engine
	scenario string
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   zerolog.Logger
	mu       sync.Mutex
	cursors  map[int]int64
}

// RunWebhooks delivers new events to the configured webhooks until ctx is
// done. It returns immediately when no webhook is configured.
func RunWebhooks(ctx context.Context, e engine.Engine) error {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	scenarioID := e.Config.Scenario.ID
	if strings.TrimSpace(scenarioID) == "" {
		return nil
	}
	d := &webhookDispatcher{
		engine:   e,
		scenario: scenarioID,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   log.With().Str("component", "webhooks").Str("scenario", scenarioID).Logger(),
		cursors:  make(map[int]int64),
	}
	d.run(ctx, defaultWebhookInterval)
	return nil
}

func (d *webhookDispatcher) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, d.scenario)
	if err != nil {
		d.logger.Error().Err(err).Msg("fetch events failed")
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		op := func() error { return d.postEvent(ctx, hook, evt) }
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), webhookMaxRetries), ctx)
		if err := backoff.Retry(op, policy); err != nil {
			var rejected *deliveryRejected
			if errors.As(err, &rejected) {
				d.logger.Error().Err(err).Str("url", hook.URL).Int64("event_id", evt.ID).Msg("delivery rejected, skipping event")
				d.setCursor(idx, evt.ID)
				continue
			}
			d.logger.Warn().Err(err).Str("url", hook.URL).Int64("event_id", evt.ID).Msg("delivery failed")
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts each webhook at the current end of the log so only
// events after startup are delivered.
func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx, d.scenario)
	if err != nil {
		d.logger.Error().Err(err).Msg("init cursor failed")
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// deliveryRejected is a response the receiver will keep refusing.
type deliveryRejected struct {
	status int
	body   string
}

func (e *deliveryRejected) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ScenarioID string          `json:"scenario_id"`
	SimMinute  float64         `json:"sim_minute"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ScenarioID: evt.ScenarioID,
		SimMinute:  evt.SimMinute,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return backoff.Permanent(err)
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trackline-Event", evt.Type)
	req.Header.Set("X-Trackline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Trackline-Scenario", d.scenario)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Trackline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		body := strings.TrimSpace(string(bodyBytes))
		if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(&deliveryRejected{status: res.StatusCode, body: body})
		}
		return fmt.Errorf("status %d: %s", res.StatusCode, body)
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
