package models

import "time"

// TaskStatus represents the lifecycle of a human task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusClaimed   TaskStatus = "claimed"
	TaskStatusCompleted TaskStatus = "completed"
)

// TaskAssignment names the target of a human task. Exactly one of UserID,
// GroupID or Role is set.
type TaskAssignment struct {
	UserID  string `json:"user_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`
	Role    string `json:"role,omitempty"`
}

// Valid reports whether exactly one assignment target is set.
func (a TaskAssignment) Valid() bool {
	count := 0

	if a.UserID != "" {
		count++
	}

	if a.GroupID != "" {
		count++
	}

	if a.Role != "" {
		count++
	}

	return count == 1
}

// Matches reports whether the given caller identity may see or claim a task
// with this assignment.
func (a TaskAssignment) Matches(userID string, roles, groupIDs []string) bool {
	if a.UserID != "" {
		return a.UserID == userID
	}

	if a.GroupID != "" {
		for _, g := range groupIDs {
			if g == a.GroupID {
				return true
			}
		}

		return false
	}

	for _, r := range roles {
		if r == a.Role {
			return true
		}
	}

	return false
}

// WorkflowTask is a human-task node's pending work item. The owning instance
// stays Waiting until the task completes; completion feeds output data back
// into the instance state and unblocks the executor.
type WorkflowTask struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	BranchID   string `json:"branch_id"`
	NodeKey    string `json:"node_key"`

	Name       string         `json:"name"`
	Status     TaskStatus     `json:"status"`
	Assignment TaskAssignment `json:"assignment"`
	Priority   int            `json:"priority"`
	DueAt      *time.Time     `json:"due_at,omitempty"`

	FormSchema map[string]any `json:"form_schema,omitempty"`
	FormData   map[string]any `json:"form_data,omitempty"`
	Actions    []string       `json:"actions,omitempty"`

	ClaimedBy string     `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	CompletedBy string         `json:"completed_by,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Output      map[string]any `json:"output,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
