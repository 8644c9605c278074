// Package events defines the lifecycle notifications published to the bus
// for monitoring collaborators.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/vantagecrm/relay/pkg/models"
)

type EventType string

// Topic carries every lifecycle event.
const Topic = "relay.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	InstanceStartedEvent   EventType = "instance.started"
	InstanceCompletedEvent EventType = "instance.completed"
	InstanceFailedEvent    EventType = "instance.failed"
	InstanceCancelledEvent EventType = "instance.cancelled"
	InstanceTimedOutEvent  EventType = "instance.timed_out"
	InstancePausedEvent    EventType = "instance.paused"
	InstanceResumedEvent   EventType = "instance.resumed"
	InstanceRetriedEvent   EventType = "instance.retried"

	NodeCompletedEvent EventType = "node.completed"
	NodeFailedEvent    EventType = "node.failed"

	TaskCreatedEvent   EventType = "task.created"
	TaskClaimedEvent   EventType = "task.claimed"
	TaskCompletedEvent EventType = "task.completed"
)

type BaseEvent struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	InstanceID   string         `json:"instance_id"`
	DefinitionID string         `json:"definition_id,omitempty"`
	WorkerID     string         `json:"worker_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, instanceID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		InstanceID: instanceID,
		Metadata:   make(map[string]any),
	}
}

type InstanceStarted struct {
	BaseEvent

	DefinitionKey string         `json:"definition_key"`
	VersionNumber int            `json:"version_number"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	TriggerEvent  string         `json:"trigger_event"`
	Input         map[string]any `json:"input,omitempty"`
}

func (e InstanceStarted) GetType() EventType {
	return InstanceStartedEvent
}

type InstanceCompleted struct {
	BaseEvent

	Output     map[string]any `json:"output,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

func (e InstanceCompleted) GetType() EventType {
	return InstanceCompletedEvent
}

type InstanceFailed struct {
	BaseEvent

	NodeKey    string `json:"node_key,omitempty"`
	Error      string `json:"error"`
	DurationMs int64  `json:"duration_ms"`
}

func (e InstanceFailed) GetType() EventType {
	return InstanceFailedEvent
}

type InstanceCancelled struct {
	BaseEvent

	Reason      string `json:"reason,omitempty"`
	CancelledBy string `json:"cancelled_by,omitempty"`
}

func (e InstanceCancelled) GetType() EventType {
	return InstanceCancelledEvent
}

type InstanceTimedOut struct {
	BaseEvent

	Deadline time.Time `json:"deadline"`
}

func (e InstanceTimedOut) GetType() EventType {
	return InstanceTimedOutEvent
}

type InstancePaused struct {
	BaseEvent

	PausedBy string `json:"paused_by,omitempty"`
}

func (e InstancePaused) GetType() EventType {
	return InstancePausedEvent
}

type InstanceResumed struct {
	BaseEvent

	ResumedBy string `json:"resumed_by,omitempty"`
}

func (e InstanceResumed) GetType() EventType {
	return InstanceResumedEvent
}

type InstanceRetried struct {
	BaseEvent

	RetriedBy string `json:"retried_by,omitempty"`
}

func (e InstanceRetried) GetType() EventType {
	return InstanceRetriedEvent
}

type NodeCompleted struct {
	BaseEvent

	NodeKey    string          `json:"node_key"`
	NodeType   models.NodeType `json:"node_type"`
	Output     map[string]any  `json:"output,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

func (e NodeCompleted) GetType() EventType {
	return NodeCompletedEvent
}

type NodeFailed struct {
	BaseEvent

	NodeKey   string `json:"node_key"`
	Attempt   int    `json:"attempt"`
	Error     string `json:"error"`
	WillRetry bool   `json:"will_retry"`
}

func (e NodeFailed) GetType() EventType {
	return NodeFailedEvent
}

type TaskCreated struct {
	BaseEvent

	TaskID  string     `json:"task_id"`
	NodeKey string     `json:"node_key"`
	Title   string     `json:"title"`
	DueAt   *time.Time `json:"due_at,omitempty"`
}

func (e TaskCreated) GetType() EventType {
	return TaskCreatedEvent
}

type TaskClaimed struct {
	BaseEvent

	TaskID    string `json:"task_id"`
	ClaimedBy string `json:"claimed_by"`
}

func (e TaskClaimed) GetType() EventType {
	return TaskClaimedEvent
}

type TaskCompleted struct {
	BaseEvent

	TaskID      string         `json:"task_id"`
	CompletedBy string         `json:"completed_by"`
	Output      map[string]any `json:"output,omitempty"`
}

func (e TaskCompleted) GetType() EventType {
	return TaskCompletedEvent
}
