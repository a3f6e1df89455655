package model

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusSucceeded  JobStatus = "SUCCEEDED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusRejected   JobStatus = "REJECTED"
)

// IsTerminal reports whether no further transition can follow this status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusRejected:
		return true
	}
	return false
}

// JobExecution is supplied by the orchestrator and never persisted by the agent.
type JobExecution struct {
	JobID           string            `json:"jobId"`
	VersionNumber   int64             `json:"versionNumber"`
	ExecutionNumber int64             `json:"executionNumber"`
	Status          JobStatus         `json:"status,omitempty"`
	StatusDetails   map[string]string `json:"statusDetails,omitempty"`
	JobDocument     json.RawMessage   `json:"jobDocument,omitempty"`
}

// InboundMessage is the body of notify-next and start-next responses.
// Execution is nil when the queue is empty, in which case only Timestamp is set.
type InboundMessage struct {
	Execution *JobExecution `json:"execution,omitempty"`
	Timestamp *int64        `json:"timestamp,omitempty"`
}

func (m InboundMessage) HasJob() bool {
	return m.Execution != nil
}

// ReceivedAt renders the orchestrator timestamp, zero if absent.
func (m InboundMessage) ReceivedAt() time.Time {
	if m.Timestamp == nil {
		return time.Time{}
	}
	return time.Unix(*m.Timestamp, 0)
}

// UpdateRequest is published to jobs/<jobId>/update.
type UpdateRequest struct {
	Status                   JobStatus         `json:"status"`
	StatusDetails            map[string]string `json:"statusDetails"`
	ExpectedVersion          int64             `json:"expectedVersion"` // Optimistic-concurrency guard, copied verbatim
	ExecutionNumber          int64             `json:"executionNumber"`
	IncludeJobExecutionState bool              `json:"includeJobExecutionState"`
	IncludeJobDocument       bool              `json:"includeJobDocument"`
	StepTimeoutInMinutes     int               `json:"stepTimeoutInMinutes"`
}

func NewUpdateRequest(exec JobExecution, status JobStatus, details map[string]string, stepTimeoutMinutes int) UpdateRequest {
	if details == nil {
		details = map[string]string{}
	}
	return UpdateRequest{
		Status:                   status,
		StatusDetails:            details,
		ExpectedVersion:          exec.VersionNumber,
		ExecutionNumber:          exec.ExecutionNumber,
		IncludeJobExecutionState: false,
		IncludeJobDocument:       false,
		StepTimeoutInMinutes:     stepTimeoutMinutes,
	}
}

// ErrorResponse is the body the orchestrator sends on .../rejected topics.
type ErrorResponse struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	ClientToken string `json:"clientToken,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}
