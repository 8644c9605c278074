package models

import "time"

// InstanceStatus represents the execution state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"   // Ready for a worker to claim
	InstanceStatusRunning   InstanceStatus = "running"   // A worker holds a lease on a branch
	InstanceStatusWaiting   InstanceStatus = "waiting"   // Suspended on a task, timer, retry backoff or join
	InstanceStatusPaused    InstanceStatus = "paused"    // Operator-suspended, resumable
	InstanceStatusCompleted InstanceStatus = "completed" // Terminal
	InstanceStatusFailed    InstanceStatus = "failed"    // Terminal until operator retry
	InstanceStatusCancelled InstanceStatus = "cancelled" // Terminal
	InstanceStatusTimedOut  InstanceStatus = "timed_out" // Terminal
)

// IsTerminal reports whether the status permits no further advancement.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled, InstanceStatusTimedOut:
		return true
	default:
		return false
	}
}

// BranchStatus represents the state of one active execution branch.
type BranchStatus string

const (
	BranchStatusReady   BranchStatus = "ready"   // Claimable immediately
	BranchStatusRunning BranchStatus = "running" // Leased by a worker
	BranchStatusWaiting BranchStatus = "waiting" // Blocked on a timer, task, subprocess or join
)

// Branch is one schedulable unit of work inside an instance: a pointer at the
// node to execute next, plus retry and suspension bookkeeping. Instances
// outside a parallel region carry exactly one branch; a parallel gateway
// forks one branch per outgoing transition, and branches are claimed and
// processed independently, possibly by different workers.
type Branch struct {
	ID      string       `json:"id"`
	NodeKey string       `json:"node_key"`
	FromKey string       `json:"from_key,omitempty"` // Node that transitioned into this branch
	Status  BranchStatus `json:"status"`

	Attempt     int        `json:"attempt"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	ResumeAt    *time.Time `json:"resume_at,omitempty"`   // Wait node timer
	DeadlineAt  *time.Time `json:"deadline_at,omitempty"` // Node-level timeout

	TaskID          string `json:"task_id,omitempty"`           // Set while waiting on a human task
	ChildInstanceID string `json:"child_instance_id,omitempty"` // Set while waiting on a subprocess

	WorkerID       string     `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	EnteredAt time.Time `json:"entered_at"`
}

// leaseExpired reports whether the branch's worker lease has lapsed.
func (b *Branch) leaseExpired(now time.Time) bool {
	return b.LeaseExpiresAt != nil && !now.Before(*b.LeaseExpiresAt)
}

// ClaimableAt reports whether a worker may take this branch at the given time.
// A running branch with an expired lease is claimable: its previous worker is
// presumed dead and the next claimer treats the visit as failed-for-retry.
func (b *Branch) ClaimableAt(now time.Time) bool {
	switch b.Status {
	case BranchStatusReady:
		return true
	case BranchStatusRunning:
		return b.leaseExpired(now)
	case BranchStatusWaiting:
		// Task, subprocess and join waits have no implicit wake time.
		if b.TaskID != "" || b.ChildInstanceID != "" {
			return b.DeadlineAt != nil && !now.Before(*b.DeadlineAt)
		}

		if b.NextRetryAt != nil && !now.Before(*b.NextRetryAt) {
			return true
		}

		if b.ResumeAt != nil && !now.Before(*b.ResumeAt) {
			return true
		}

		return b.DeadlineAt != nil && !now.Before(*b.DeadlineAt)
	default:
		return false
	}
}

// wakeAt returns the earliest future time at which the branch becomes
// claimable, or nil when it has no time-based wake-up.
func (b *Branch) wakeAt(now time.Time) *time.Time {
	var earliest *time.Time

	consider := func(t *time.Time) {
		if t == nil || t.Before(now) {
			return
		}

		if earliest == nil || t.Before(*earliest) {
			earliest = t
		}
	}

	consider(b.NextRetryAt)
	consider(b.ResumeAt)
	consider(b.DeadlineAt)

	if b.Status == BranchStatusRunning {
		consider(b.LeaseExpiresAt)
	}

	return earliest
}

// WorkflowInstance is one execution of a published version against one CRM
// entity. Mutated only by the executor (and the narrow operator/task paths),
// always through the store's optimistic revision check.
type WorkflowInstance struct {
	ID           string `json:"id"`
	DefinitionID string `json:"definition_id"`
	VersionID    string `json:"version_id"`

	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id"`
	TriggerEvent string `json:"trigger_event"`

	Status   InstanceStatus `json:"status"`
	Branches []*Branch      `json:"branches"`

	Input  map[string]any `json:"input,omitempty"`
	State  map[string]any `json:"state,omitempty"`
	Output map[string]any `json:"output,omitempty"`

	Priority int `json:"priority"`

	// Revision is the optimistic concurrency counter. Every committed write
	// checks and increments it; concurrent writers lose with a stale error.
	Revision int64 `json:"revision"`

	// Sequence is the last execution sequence number issued to a node
	// instance. Strictly increasing and gapless per instance.
	Sequence int `json:"sequence"`

	// JoinArrivals tracks, per join gateway key, which source nodes' branches
	// have already arrived at the barrier.
	JoinArrivals map[string][]string `json:"join_arrivals,omitempty"`

	IsCancelled  bool   `json:"is_cancelled"`
	CancelReason string `json:"cancel_reason,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorTrace   string `json:"error_trace,omitempty"`

	// ParentID is set on subprocess instances; ParentBranchID names the
	// branch of the parent waiting for this instance.
	ParentID       string `json:"parent_id,omitempty"`
	ParentBranchID string `json:"parent_branch_id,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	TimeoutAt   *time.Time `json:"timeout_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Branch returns the branch with the given id, or nil.
func (i *WorkflowInstance) Branch(id string) *Branch {
	for _, b := range i.Branches {
		if b.ID == id {
			return b
		}
	}

	return nil
}

// RemoveBranch deletes the branch with the given id.
func (i *WorkflowInstance) RemoveBranch(id string) {
	for idx, b := range i.Branches {
		if b.ID == id {
			i.Branches = append(i.Branches[:idx], i.Branches[idx+1:]...)

			return
		}
	}
}

// NextSequence issues the next execution sequence number.
func (i *WorkflowInstance) NextSequence() int {
	i.Sequence++

	return i.Sequence
}

// ClaimableBranch returns the first branch a worker may take at the given
// time, or nil. Instances that are paused, cancelled or terminal never yield
// work; scheduled instances yield none before their start time.
func (i *WorkflowInstance) ClaimableBranch(now time.Time) *Branch {
	if i.Status.IsTerminal() || i.Status == InstanceStatusPaused || i.IsCancelled {
		return nil
	}

	if i.ScheduledAt != nil && now.Before(*i.ScheduledAt) {
		return nil
	}

	for _, b := range i.Branches {
		if b.ClaimableAt(now) {
			return b
		}
	}

	return nil
}

// TimedOutAt reports whether the instance-level deadline has elapsed.
func (i *WorkflowInstance) TimedOutAt(now time.Time) bool {
	return i.TimeoutAt != nil && !now.Before(*i.TimeoutAt)
}

// NextWakeAt returns the earliest future time at which any branch (or the
// instance deadline) requires attention, or nil when none is time-based.
func (i *WorkflowInstance) NextWakeAt(now time.Time) *time.Time {
	var earliest *time.Time

	consider := func(t *time.Time) {
		if t == nil || t.Before(now) {
			return
		}

		if earliest == nil || t.Before(*earliest) {
			earliest = t
		}
	}

	for _, b := range i.Branches {
		consider(b.wakeAt(now))
	}

	consider(i.TimeoutAt)
	consider(i.ScheduledAt)

	return earliest
}

// RecomputeStatus derives the non-terminal status from branch states. It
// leaves terminal and paused statuses untouched.
func (i *WorkflowInstance) RecomputeStatus(now time.Time) {
	if i.Status.IsTerminal() || i.Status == InstanceStatusPaused {
		return
	}

	anyReady := false
	anyRunning := false

	for _, b := range i.Branches {
		switch {
		case b.Status == BranchStatusRunning && !b.leaseExpired(now):
			anyRunning = true
		case b.ClaimableAt(now):
			anyReady = true
		}
	}

	switch {
	case anyRunning:
		i.Status = InstanceStatusRunning
	case anyReady:
		i.Status = InstanceStatusPending
	default:
		i.Status = InstanceStatusWaiting
	}
}

// RecordJoinArrival notes that a branch coming from the given source node has
// reached the join gateway. Duplicate arrivals from the same source collapse.
func (i *WorkflowInstance) RecordJoinArrival(joinKey, sourceKey string) {
	if i.JoinArrivals == nil {
		i.JoinArrivals = make(map[string][]string)
	}

	for _, s := range i.JoinArrivals[joinKey] {
		if s == sourceKey {
			return
		}
	}

	i.JoinArrivals[joinKey] = append(i.JoinArrivals[joinKey], sourceKey)
}

// JoinSatisfied reports whether every required source has arrived at the join.
func (i *WorkflowInstance) JoinSatisfied(joinKey string, required []string) bool {
	arrived := i.JoinArrivals[joinKey]

	for _, want := range required {
		found := false

		for _, got := range arrived {
			if got == want {
				found = true

				break
			}
		}

		if !found {
			return false
		}
	}

	return true
}
