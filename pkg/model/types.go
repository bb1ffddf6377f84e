// Package model holds the shared data types flowing through every stage of
// the oversight pipeline (spec §3).
package model

// Severity is the fixed severity enum. Unknown strings coerce to Info
// (spec §9: "exact behavior when severity is a string not in the known
// set — treated here as info and lowest rank").
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityNotice   Severity = "notice"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank returns the severity's numeric rank (info=1 .. critical=4).
func (s Severity) Rank() int {
	switch s {
	case SeverityNotice:
		return 2
	case SeverityWarning:
		return 3
	case SeverityCritical:
		return 4
	case SeverityInfo:
		return 1
	default:
		return 1
	}
}

// Normalize coerces an unknown severity string to SeverityInfo.
func Normalize(s string) Severity {
	switch Severity(s) {
	case SeverityInfo, SeverityNotice, SeverityWarning, SeverityCritical:
		return Severity(s)
	default:
		return SeverityInfo
	}
}

// GeoPoint is an optional lat/lon pair on a SensorReading.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// SensorReading is an immutable observation produced by Ingest (spec §3).
type SensorReading struct {
	ID         string                 `json:"id"`
	SensorID   string                 `json:"sensor_id"`
	Domain     string                 `json:"domain"`
	SourceType string                 `json:"source_type"`
	TSMs       int64                  `json:"ts_ms"`
	Geo        *GeoPoint              `json:"geo,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// EntityTrack is a per-(domain,track) fusion summary (spec §3/§4.2).
type EntityTrack struct {
	ID         string                 `json:"id"`
	Domain     string                 `json:"domain"`
	Label      string                 `json:"label"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	LastSeenMs int64                  `json:"last_seen_ms"`
}

// TimeWindow bounds an Event's observation window.
type TimeWindow struct {
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
}

// Evidence links an Event back to the reading(s) that produced it.
type Evidence struct {
	Type        string                 `json:"type"`
	ID          string                 `json:"id"`
	Source      string                 `json:"source"`
	Hash        string                 `json:"hash"`
	Observables map[string]interface{} `json:"observables,omitempty"`
}

// EventStatus is the lifecycle status of an Event.
type EventStatus string

const (
	EventOpen EventStatus = "open"
)

// Event is a system-recognized occurrence derived from readings by Rules
// (spec §3/§4.3), subject to Governance filtering/capping.
type Event struct {
	ID         string      `json:"id"`
	Category   string      `json:"category"`
	Severity   Severity    `json:"severity"`
	Status     EventStatus `json:"status"`
	Domain     string      `json:"domain"`
	Summary    string      `json:"summary"`
	Window     TimeWindow  `json:"time_window"`
	Entities   []string    `json:"entities"`
	Sources    []string    `json:"sources"`
	Tags       []string    `json:"tags"`
	Evidence   []Evidence  `json:"evidence"`
	Tenant     string      `json:"tenant,omitempty"`
}

// TaskStatus is the fixed lifecycle enum for a TaskRecommendation (spec §3,
// §4.9 state machine). Transitions only ever move forward within a run.
type TaskStatus string

const (
	TaskApproved        TaskStatus = "approved"
	TaskPendingApproval  TaskStatus = "pending_approval"
	TaskRiskHold         TaskStatus = "risk_hold"
)

// TaskRecommendation is a recommended action associated with an Event
// (spec §3/§4.5/§4.6).
type TaskRecommendation struct {
	ID                 string     `json:"id"`
	EventID            string     `json:"event_id"`
	Action             string     `json:"action"`
	AssigneeDomain     string     `json:"assignee_domain"`
	Priority           int        `json:"priority"`
	Rationale          string     `json:"rationale"`
	Confidence         float64    `json:"confidence"`
	InfrastructureType string     `json:"infrastructure_type,omitempty"`
	AssetID            string     `json:"asset_id,omitempty"`
	RequiresApproval   bool       `json:"requires_approval"`
	Status             TaskStatus `json:"status"`
	ApprovedBy         string     `json:"approved_by,omitempty"`
	Tenant             string     `json:"tenant"`
	HoldReason         string     `json:"hold_reason,omitempty"`
	HoldUntilEpoch     int64      `json:"hold_until_epoch,omitempty"`

	// RequiredRoles/MinApprovals/SourceSeverity are evaluation-time
	// working state, not part of the exported wire shape, but are needed
	// by Guardrails (risk-criticality check) and tests; kept unexported
	// from JSON via the leading dash so export payloads stay exact.
	RequiredRoles  []string `json:"-"`
	MinApprovals   int      `json:"-"`
	SourceSeverity Severity `json:"-"`
}

// IsInfrastructure reports whether this is an infrastructure-mapping task.
func (t *TaskRecommendation) IsInfrastructure() bool {
	return t.InfrastructureType != "" || t.AssetID != ""
}

// PlanEntry is one row of an Autonomy plan (spec §4.7).
type PlanEntry struct {
	ID       string `json:"id"`
	EventID  string `json:"event_id"`
	Priority int    `json:"priority"`
}

// Plan is the Autonomy stage's output: domain -> ordered task entries.
type Plan map[string][]PlanEntry
