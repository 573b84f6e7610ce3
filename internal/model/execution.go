package model

import "time"

// ItemState is the per-item outcome inside a batch. "not_attempted" is kept
// distinct from "failed": the UI must be able to tell "kill switch stopped
// this" apart from "this ran and broke".
type ItemState string

const (
	ItemStateSucceeded    ItemState = "succeeded"
	ItemStateFailed       ItemState = "failed"
	ItemStateNotAttempted ItemState = "not_attempted"
)

// ItemOutcome is the result of one fix inside an orchestration call.
type ItemOutcome struct {
	RecommendationIndex int       `json:"recommendationIndex"`
	FixIndex            int       `json:"fixIndex"`
	State               ItemState `json:"state"`
	OK                  bool      `json:"ok"`
	Error               string    `json:"error,omitempty"`
	RowsAffected        int64     `json:"rowsAffected,omitempty"`
	ElapsedMs           int64     `json:"elapsedMs,omitempty"`
}

// RunStatus is the lifecycle of one orchestrated apply call.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusBlocked   RunStatus = "blocked"   // kill switch halted the remainder
	RunStatusCancelled RunStatus = "cancelled" // operator cancel halted the remainder
)

// ExecutionRecord is the persisted outcome of one orchestration call. It is
// append-only once the run finishes; while in flight the in-memory run carries
// streaming progress instead.
type ExecutionRecord struct {
	ID           string        `json:"id"`
	PackID       string        `json:"recommendationPackId"`
	ConnectionID string        `json:"connectionId"`
	TriggeredBy  string        `json:"triggeredBy"`
	Status       RunStatus     `json:"status"`
	Items        []ItemOutcome `json:"items"`
	SuccessCount int           `json:"successCount"`
	FailedCount  int           `json:"failedCount"`
	SkippedCount int           `json:"skippedCount"` // not-attempted items
	StartedAt    time.Time     `json:"startedAt"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty"`
}

// RunProgress is the pollable/streamable view of an in-flight batch.
type RunProgress struct {
	RunID        string        `json:"runId"`
	PackID       string        `json:"packId"`
	Status       RunStatus     `json:"status"`
	CurrentIndex int           `json:"currentIndex"`
	TotalItems   int           `json:"totalItems"`
	SuccessCount int           `json:"successCount"`
	FailedCount  int           `json:"failedCount"`
	SkippedCount int           `json:"skippedCount"`
	Items        []ItemOutcome `json:"items"`
}

// ApplyOneRequest is the body for POST /execute.
type ApplyOneRequest struct {
	PackID              string `json:"recommendationPackId" binding:"required"`
	RecommendationIndex int    `json:"recommendationIndex"`
	FixIndex            int    `json:"fixIndex"`
}

// ApplyAllRequest is the body for POST /execute-all.
type ApplyAllRequest struct {
	PackID string `json:"recommendationPackId" binding:"required"`
}

// ApplyAllResponse returns the handle for polling or streaming the batch.
type ApplyAllResponse struct {
	RunID string `json:"runId"`
}

// ExecutionListResponse is the response for listing execution history.
type ExecutionListResponse struct {
	Items []ExecutionRecord `json:"items"`
}
