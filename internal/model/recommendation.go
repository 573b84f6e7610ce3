package model

import (
	"encoding/json"
	"time"
)

// PackStatus is the lifecycle state of a recommendation pack.
type PackStatus string

const (
	PackStatusPending   PackStatus = "pending"
	PackStatusApproved  PackStatus = "approved"
	PackStatusScheduled PackStatus = "scheduled"
	PackStatusExecuted  PackStatus = "executed"
	PackStatusRejected  PackStatus = "rejected"
	PackStatusFailed    PackStatus = "failed"
)

// Terminal reports whether no further transition is permitted from s.
func (s PackStatus) Terminal() bool {
	return s == PackStatusExecuted || s == PackStatusRejected || s == PackStatusFailed
}

// Severity of a single recommendation.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// IssueType classifies a recommendation. Known types are enumerated; anything
// the analyzer emits beyond them is carried verbatim as an "other" type.
type IssueType string

const (
	IssueMissingIndex       IssueType = "missing_index"
	IssueRedundantIndex     IssueType = "redundant_index"
	IssueTableFragmentation IssueType = "table_fragmentation"
	IssueSlowQuery          IssueType = "slow_query"
	IssueSchemaDesign       IssueType = "schema_design"
	IssueOther              IssueType = "other"
)

// KnownIssueType reports whether t is one of the enumerated types.
func KnownIssueType(t IssueType) bool {
	switch t {
	case IssueMissingIndex, IssueRedundantIndex, IssueTableFragmentation, IssueSlowQuery, IssueSchemaDesign:
		return true
	}
	return false
}

// NormalizeIssueType maps unrecognized analyzer output to IssueOther while
// keeping the original string available to callers that want it.
func NormalizeIssueType(raw string) IssueType {
	t := IssueType(raw)
	if KnownIssueType(t) {
		return t
	}
	return IssueOther
}

// SeverityCounts aggregates issue counts per severity for a pack summary.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// RecommendationPack is one scan run's grouped findings for a connection.
// Packs are never physically deleted; terminal status ends the lifecycle.
type RecommendationPack struct {
	ID              string              `json:"id"`
	ConnectionID    string              `json:"connectionId"`
	ScanRunID       string              `json:"scanRunId"`
	Status          PackStatus          `json:"status"`
	TotalCount      int                 `json:"totalCount"`
	SeverityCounts  SeverityCounts      `json:"severityCounts"`
	AffectedTables  []string            `json:"affectedTables"`
	TopIssues       map[string]int      `json:"topIssues"`
	Recommendations []RawRecommendation `json:"recommendations,omitempty"`
	ScheduledAt     *time.Time          `json:"scheduledAt,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// RawRecommendation is one concrete issue inside a pack.
type RawRecommendation struct {
	Type        IssueType   `json:"type"`
	RawType     string      `json:"rawType,omitempty"` // original analyzer string when Type is "other"
	Description string      `json:"description"`
	Severity    Severity    `json:"severity"`
	Table       string      `json:"table"`
	Columns     []string    `json:"columns,omitempty"`
	FixOptions  []FixOption `json:"fixOptions"`
}

// FixOption is one remediation for an issue: a single SQL statement, or an
// ordered multi-step roadmap when IsMultistep is set.
type FixOption struct {
	Title       string               `json:"title"`
	SQL         string               `json:"sql,omitempty"`
	IsMultistep bool                 `json:"is_multistep"`
	Steps       []RecommendationStep `json:"steps,omitempty"`
}

// StepStatus is the lifecycle state of one roadmap step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusReady      StepStatus = "ready"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusSkipped    StepStatus = "skipped"
	StepStatusFailed     StepStatus = "failed"
)

// StepType distinguishes checkpoint steps from ones that run SQL.
type StepType string

const (
	StepTypeInformational StepType = "informational"
	StepTypeExecuteFix    StepType = "execute_fix"
)

// RecommendationStep is one unit of a multi-step fix. StepNumber is 1-based
// and defines execution order. Evidence is analyzer-dependent and carried as
// an opaque JSON document.
type RecommendationStep struct {
	StepNumber  int             `json:"step_number"`
	StepType    StepType        `json:"step_type"`
	SQL         string          `json:"sql,omitempty"`
	Status      StepStatus      `json:"status"`
	Error       string          `json:"error,omitempty"`
	Warning     string          `json:"warning,omitempty"`
	Evidence    json.RawMessage `json:"evidence,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// PackSummary is the list-view projection of a pack (no recommendations).
type PackSummary struct {
	ID             string         `json:"id"`
	ConnectionID   string         `json:"connectionId"`
	ScanRunID      string         `json:"scanRunId"`
	Status         PackStatus     `json:"status"`
	TotalCount     int            `json:"totalCount"`
	SeverityCounts SeverityCounts `json:"severityCounts"`
	AffectedTables []string       `json:"affectedTables"`
	TopIssues      map[string]int `json:"topIssues"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// PackListResponse is the response for listing packs.
type PackListResponse struct {
	Items []PackSummary `json:"items"`
}

// CreatePackRequest is posted by the scan agent when a scan run completes.
type CreatePackRequest struct {
	ConnectionID    string              `json:"connectionId" binding:"required"`
	ScanRunID       string              `json:"scanRunId" binding:"required"`
	Recommendations []RawRecommendation `json:"recommendations" binding:"required"`
}

// ScheduleRequest is the body for POST /recommendations/:id/schedule.
type ScheduleRequest struct {
	ScheduledAt time.Time `json:"scheduledAt" binding:"required"`
}

// Summary computes the aggregate fields of a pack from its recommendations.
func (p *RecommendationPack) Summary() PackSummary {
	return PackSummary{
		ID:             p.ID,
		ConnectionID:   p.ConnectionID,
		ScanRunID:      p.ScanRunID,
		Status:         p.Status,
		TotalCount:     p.TotalCount,
		SeverityCounts: p.SeverityCounts,
		AffectedTables: p.AffectedTables,
		TopIssues:      p.TopIssues,
		CreatedAt:      p.CreatedAt,
	}
}
