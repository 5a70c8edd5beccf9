package domain

const (
	SectionSingle = "single"
	SectionDouble = "double"
)

const (
	TrainPassenger   = "passenger"
	TrainExpress     = "express"
	TrainFreight     = "freight"
	TrainMaintenance = "maintenance"
)

const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

const (
	StatusMoving     = "moving"
	StatusStopped    = "stopped"
	StatusDelayed    = "delayed"
	StatusConflicted = "conflicted"
	StatusArrived    = "arrived"
)

const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

const (
	ConflictPredicted    = "predicted"
	ConflictMaterialized = "materialized"
)

const (
	LocationSection  = "section"
	LocationJunction = "junction"
)

const (
	RecommendationHold     = "hold"
	RecommendationReroute  = "reroute"
	RecommendationPriority = "priority"
)

type Section struct {
	ID          string   `json:"id" yaml:"id" groups:"summary,full"`
	Name        string   `json:"name" yaml:"name" groups:"summary,full"`
	Type        string   `json:"type" yaml:"type" enum:"single,double" groups:"summary,full"`
	Length      float64  `json:"length" yaml:"length" groups:"full"`
	Capacity    int      `json:"capacity" yaml:"capacity" groups:"summary,full"`
	Maintenance bool     `json:"maintenance" yaml:"maintenance" groups:"summary,full"`
	Ends        []string `json:"ends" yaml:"ends" groups:"full"`
}

type Junction struct {
	ID        string   `json:"id" yaml:"id" groups:"summary,full"`
	Name      string   `json:"name" yaml:"name" groups:"summary,full"`
	Platforms int      `json:"platforms" yaml:"platforms" groups:"summary,full"`
	Capacity  int      `json:"capacity" yaml:"capacity" groups:"summary,full"`
	Connected []string `json:"connected_tracks,omitempty" yaml:"connected_tracks,omitempty" groups:"full"`
}

// TrainSpec is the input accepted by addTrain and by scenario files.
type TrainSpec struct {
	ID            string   `json:"id" yaml:"id"`
	Name          string   `json:"name" yaml:"name"`
	Type          string   `json:"type" yaml:"type" enum:"passenger,express,freight,maintenance"`
	Priority      string   `json:"priority" yaml:"priority" enum:"high,medium,low"`
	Speed         float64  `json:"speed" yaml:"speed"`
	Origin        string   `json:"origin" yaml:"origin"`
	Destination   string   `json:"destination" yaml:"destination"`
	DepartureTime string   `json:"departure_time,omitempty" yaml:"departure_time,omitempty"`
	Route         []string `json:"route,omitempty" yaml:"route,omitempty"`
	Position      float64  `json:"position,omitempty" yaml:"position,omitempty"`
}

type Train struct {
	ID              string   `json:"id" csv:"id" groups:"summary,full"`
	Name            string   `json:"name" csv:"name" groups:"summary,full"`
	Type            string   `json:"type" csv:"type" groups:"summary,full"`
	Priority        string   `json:"priority" csv:"priority" groups:"summary,full"`
	Speed           float64  `json:"speed" csv:"speed" groups:"summary,full"`
	Position        float64  `json:"position" csv:"position" groups:"summary,full"`
	Status          string   `json:"status" csv:"status" groups:"summary,full"`
	Origin          string   `json:"origin" csv:"origin" groups:"summary,full"`
	Destination     string   `json:"destination" csv:"destination" groups:"summary,full"`
	DepartureTime   string   `json:"departure_time,omitempty" csv:"departure_time" groups:"full"`
	DepartureMinute float64  `json:"departure_minute" csv:"-" groups:"full"`
	Route           []string `json:"route" csv:"-" groups:"full"`
	RouteIndex      int      `json:"route_index" csv:"-" groups:"full"`
	Section         string   `json:"section" csv:"section" groups:"summary,full"`
	HoldMinutes     float64  `json:"hold_minutes" csv:"hold_minutes" groups:"full"`
	DelayMinutes    float64  `json:"delay_minutes" csv:"delay_minutes" groups:"summary,full"`
	ArrivedAt       *float64 `json:"arrived_at,omitempty" csv:"-" groups:"full"`
}

type Conflict struct {
	ID              string  `json:"id" groups:"summary,full"`
	TrainA          string  `json:"train_a" groups:"summary,full"`
	TrainB          string  `json:"train_b" groups:"summary,full"`
	Location        string  `json:"location" groups:"summary,full"`
	LocationKind    string  `json:"location_kind" enum:"section,junction" groups:"summary,full"`
	TimeToConflict  float64 `json:"time_to_conflict" groups:"summary,full"`
	Severity        string  `json:"severity" enum:"high,medium,low" groups:"summary,full"`
	State           string  `json:"state" enum:"predicted,materialized" groups:"summary,full"`
	SuggestedAction string  `json:"suggested_action,omitempty" groups:"summary,full"`
	DetectedAt      float64 `json:"detected_at" groups:"full"`
	Generation      int     `json:"generation" groups:"full"`
}

type Recommendation struct {
	ID          string   `json:"id" groups:"summary,full"`
	Type        string   `json:"type" enum:"hold,reroute,priority" groups:"summary,full"`
	ConflictIDs []string `json:"conflict_ids" groups:"summary,full"`
	TrainID     string   `json:"train_id" groups:"summary,full"`
	Description string   `json:"description" groups:"summary,full"`
	Steps       []string `json:"steps" groups:"full"`
	Confidence  float64  `json:"confidence" groups:"summary,full"`
	Score       float64  `json:"score" groups:"full"`
	Impact      string   `json:"impact" groups:"summary,full"`
	Alternative *string  `json:"alternative,omitempty" groups:"full"`
	HoldMinutes float64  `json:"hold_minutes,omitempty" groups:"full"`
	Route       []string `json:"route,omitempty" groups:"full"`
}

type Occupancy struct {
	SectionID string   `json:"section_id" groups:"summary,full"`
	Capacity  int      `json:"capacity" groups:"summary,full"`
	Occupants []string `json:"occupants" groups:"summary,full"`
}

type KPIs struct {
	Throughput           int     `json:"throughput" groups:"summary,full"`
	OnTimeTrains         int     `json:"on_time_trains" groups:"summary,full"`
	DelayedTrains        int     `json:"delayed_trains" groups:"summary,full"`
	AvgDelay             float64 `json:"avg_delay" groups:"summary,full"`
	Punctuality          float64 `json:"punctuality" groups:"summary,full"`
	TotalConflicts       int     `json:"total_conflicts" groups:"summary,full"`
	ConflictsResolved    int     `json:"conflicts_resolved" groups:"summary,full"`
	SafetyViolations     int     `json:"safety_violations" groups:"summary,full"`
	AvgResolutionMinutes float64 `json:"avg_resolution_minutes" groups:"full"`
	AcceptanceRate       float64 `json:"acceptance_rate" groups:"summary,full"`
	EfficiencyScore      float64 `json:"efficiency_score" groups:"summary,full"`
}

type Snapshot struct {
	ScenarioID      string           `json:"scenario_id" groups:"summary,full"`
	Version         int64            `json:"version" groups:"summary,full"`
	Clock           float64          `json:"clock" groups:"summary,full"`
	Trains          []Train          `json:"trains" groups:"summary,full"`
	Occupancy       []Occupancy      `json:"occupancy" groups:"full"`
	Conflicts       []Conflict       `json:"conflicts" groups:"summary,full"`
	Recommendations []Recommendation `json:"recommendations" groups:"summary,full"`
	KPIs            KPIs             `json:"kpis" groups:"summary,full"`
}

type DelayScenario struct {
	Type             string   `json:"type" yaml:"type" enum:"weather,breakdown,maintenance,congestion"`
	Severity         int      `json:"severity" yaml:"severity"`
	Duration         float64  `json:"duration" yaml:"duration"`
	AffectedTrains   []string `json:"affected_trains,omitempty" yaml:"affected_trains,omitempty"`
	AffectedSections []string `json:"affected_sections,omitempty" yaml:"affected_sections,omitempty"`
}

type DelayImpact struct {
	AvgDelayIncrease    float64 `json:"avg_delay_increase"`
	ThroughputReduction int     `json:"throughput_reduction"`
	ConflictsGenerated  int     `json:"conflicts_generated"`
	RecoveryTime        float64 `json:"recovery_time"`
	SimulatedMinutes    float64 `json:"simulated_minutes"`
}

type Event struct {
	ID         int64   `json:"id"`
	TS         string  `json:"ts" format:"date-time"`
	SimMinute  float64 `json:"sim_minute"`
	Type       string  `json:"type"`
	ScenarioID string  `json:"scenario_id,omitempty"`
	EntityKind string  `json:"entity_kind"`
	EntityID   string  `json:"entity_id,omitempty"`
	Payload    string  `json:"payload_json"`
}

type Lesson struct {
	ID         string   `json:"id"`
	ScenarioID string   `json:"scenario_id"`
	Author     string   `json:"author"`
	Scenario   string   `json:"scenario"`
	Solution   string   `json:"solution"`
	Outcome    string   `json:"outcome,omitempty"`
	Rating     float64  `json:"rating"`
	Tags       []string `json:"tags,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type SavedScenario struct {
	ID         string  `json:"id"`
	ScenarioID string  `json:"scenario_id"`
	Name       string  `json:"name"`
	Clock      float64 `json:"clock"`
	Document   string  `json:"document_json,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}
