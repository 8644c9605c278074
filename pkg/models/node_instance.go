package models

import "time"

// NodeInstanceStatus represents the outcome of one node visit.
type NodeInstanceStatus string

const (
	NodeInstanceStatusPending   NodeInstanceStatus = "pending"
	NodeInstanceStatusRunning   NodeInstanceStatus = "running"
	NodeInstanceStatusCompleted NodeInstanceStatus = "completed"
	NodeInstanceStatusFailed    NodeInstanceStatus = "failed"
	NodeInstanceStatusSkipped   NodeInstanceStatus = "skipped"
)

// WorkflowNodeInstance is the execution record of one visit to a node within
// an instance. Append-only history: records are never updated once written
// with a terminal status.
type WorkflowNodeInstance struct {
	ID         string             `json:"id"`
	InstanceID string             `json:"instance_id"`
	NodeKey    string             `json:"node_key"`
	NodeType   NodeType           `json:"node_type"`
	Status     NodeInstanceStatus `json:"status"`

	// ExecutionSequence orders node visits totally within an instance, even
	// when parallel branches interleave. Strictly increasing and gapless.
	ExecutionSequence int `json:"execution_sequence"`

	Attempt  int    `json:"attempt"`
	WorkerID string `json:"worker_id,omitempty"`

	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
}
