package tracklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a minimal Trackline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	// MaxRetries bounds retries of idempotent requests on transport errors
	// and 5xx responses.
	MaxRetries uint64
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Timeout:    10 * time.Second,
		MaxRetries: 3,
	}
}

// Train is the API train model (partial).
type Train struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	Priority      string  `json:"priority"`
	Speed         float64 `json:"speed"`
	Position      float64 `json:"position"`
	Status        string  `json:"status"`
	Origin        string  `json:"origin"`
	Destination   string  `json:"destination"`
	DepartureTime string  `json:"departure_time,omitempty"`
	Section       string  `json:"section"`
	DelayMinutes  float64 `json:"delay_minutes"`
}

// TrainSpec describes a train to insert.
type TrainSpec struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	Type          string   `json:"type,omitempty"`
	Priority      string   `json:"priority,omitempty"`
	Speed         float64  `json:"speed"`
	Origin        string   `json:"origin"`
	Destination   string   `json:"destination"`
	DepartureTime string   `json:"departure_time,omitempty"`
	Route         []string `json:"route,omitempty"`
	Position      float64  `json:"position,omitempty"`
}

type Conflict struct {
	ID             string  `json:"id"`
	TrainA         string  `json:"train_a"`
	TrainB         string  `json:"train_b"`
	Location       string  `json:"location"`
	LocationKind   string  `json:"location_kind"`
	TimeToConflict float64 `json:"time_to_conflict"`
	Severity       string  `json:"severity"`
	State          string  `json:"state"`
}

type Recommendation struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	ConflictIDs []string `json:"conflict_ids"`
	TrainID     string   `json:"train_id"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
	Impact      string   `json:"impact"`
}

type KPIs struct {
	Throughput        int     `json:"throughput"`
	OnTimeTrains      int     `json:"on_time_trains"`
	DelayedTrains     int     `json:"delayed_trains"`
	AvgDelay          float64 `json:"avg_delay"`
	Punctuality       float64 `json:"punctuality"`
	TotalConflicts    int     `json:"total_conflicts"`
	ConflictsResolved int     `json:"conflicts_resolved"`
	SafetyViolations  int     `json:"safety_violations"`
	AcceptanceRate    float64 `json:"acceptance_rate"`
	EfficiencyScore   float64 `json:"efficiency_score"`
}

// Snapshot is the current network state.
type Snapshot struct {
	ScenarioID      string           `json:"scenario_id"`
	Version         int64            `json:"version"`
	Clock           float64          `json:"clock"`
	Trains          []Train          `json:"trains"`
	Conflicts       []Conflict       `json:"conflicts"`
	Recommendations []Recommendation `json:"recommendations"`
	KPIs            KPIs             `json:"kpis"`
}

type TickResult struct {
	Clock        float64    `json:"clock"`
	Label        string     `json:"label"`
	Version      int64      `json:"version"`
	Detected     []Conflict `json:"detected"`
	Materialized []Conflict `json:"materialized"`
	Cleared      []Conflict `json:"cleared"`
	Arrived      []string   `json:"arrived"`
}

type AcceptResult struct {
	Recommendation Recommendation `json:"recommendation"`
	Resolved       []Conflict     `json:"resolved"`
	Version        int64          `json:"version"`
}

// Event is a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	SimMinute  float64        `json:"sim_minute"`
	Type       string         `json:"type"`
	ScenarioID string         `json:"scenario_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, "snapshot", nil, &resp)
	return resp, err
}

func (c *Client) KPIs(ctx context.Context) (KPIs, error) {
	var resp KPIs
	err := c.do(ctx, http.MethodGet, "kpis", nil, &resp)
	return resp, err
}

// Tick advances the clock; a zero delta uses the scenario's tick length.
func (c *Client) Tick(ctx context.Context, deltaMinutes float64) (TickResult, error) {
	var body any
	if deltaMinutes != 0 {
		body = map[string]any{"delta_minutes": deltaMinutes}
	}
	var resp TickResult
	err := c.do(ctx, http.MethodPost, "ticks", body, &resp)
	return resp, err
}

func (c *Client) AddTrain(ctx context.Context, spec TrainSpec) (Train, error) {
	var resp Train
	err := c.do(ctx, http.MethodPost, "trains", spec, &resp)
	return resp, err
}

func (c *Client) Recommendations(ctx context.Context) ([]Recommendation, error) {
	var resp []Recommendation
	err := c.do(ctx, http.MethodGet, "recommendations", nil, &resp)
	return resp, err
}

func (c *Client) Accept(ctx context.Context, recommendationID string) (AcceptResult, error) {
	var resp AcceptResult
	endpoint := fmt.Sprintf("recommendations/%s/accept", url.PathEscape(recommendationID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Reject(ctx context.Context, recommendationID, reason string) (Recommendation, error) {
	var resp Recommendation
	endpoint := fmt.Sprintf("recommendations/%s/reject", url.PathEscape(recommendationID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Export returns the raw export document, "json" or "csv".
func (c *Client) Export(ctx context.Context, detail, format string) ([]byte, error) {
	q := url.Values{}
	if detail != "" {
		q.Set("detail", detail)
	}
	if format != "" {
		q.Set("format", format)
	}
	endpoint := "export"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var buf []byte
	err := c.doRaw(ctx, http.MethodGet, endpoint, nil, func(r io.Reader) (err error) {
		buf, err = io.ReadAll(r)
		return err
	})
	return buf, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	return c.doRaw(ctx, method, endpoint, body, func(r io.Reader) error {
		if out == nil {
			return nil
		}
		return json.NewDecoder(r).Decode(out)
	})
}

func (c *Client) doRaw(ctx context.Context, method, endpoint string, body any, read func(io.Reader) error) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			b, _ := io.ReadAll(resp.Body)
			apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
			if resp.StatusCode >= 500 {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		if err := read(resp.Body); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	// Only idempotent reads are retried; commands must not be applied twice.
	retries := c.MaxRetries
	if method != http.MethodGet {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.backoff(), retries), ctx)
	return backoff.Retry(op, policy)
}

func (c *Client) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
