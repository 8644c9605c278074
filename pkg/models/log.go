package models

import "time"

// LogKind classifies audit trail entries.
type LogKind string

const (
	LogKindInstanceStarted   LogKind = "instance.started"
	LogKindInstanceCompleted LogKind = "instance.completed"
	LogKindInstanceFailed    LogKind = "instance.failed"
	LogKindInstanceCancelled LogKind = "instance.cancelled"
	LogKindInstanceTimedOut  LogKind = "instance.timed_out"
	LogKindInstancePaused    LogKind = "instance.paused"
	LogKindInstanceResumed   LogKind = "instance.resumed"
	LogKindInstanceRetried   LogKind = "instance.retried"
	LogKindNodeEntered       LogKind = "node.entered"
	LogKindNodeCompleted     LogKind = "node.completed"
	LogKindNodeFailed        LogKind = "node.failed"
	LogKindNodeSkipped       LogKind = "node.skipped"
	LogKindTaskCreated       LogKind = "task.created"
	LogKindTaskClaimed       LogKind = "task.claimed"
	LogKindTaskCompleted     LogKind = "task.completed"
)

// WorkflowLog is one append-only audit entry keyed to an instance and
// optionally a node. The engine never mutates or deletes log entries;
// monitoring and reporting collaborators consume them read-only.
type WorkflowLog struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	NodeKey    string         `json:"node_key,omitempty"`
	Kind       LogKind        `json:"kind"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Actor      string         `json:"actor,omitempty"` // Worker or operator identity
	CreatedAt  time.Time      `json:"created_at"`
}
