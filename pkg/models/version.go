package models

import "time"

// VersionStatus represents the lifecycle state of a workflow version.
type VersionStatus string

const (
	VersionStatusDraft     VersionStatus = "draft"     // Editable
	VersionStatusPublished VersionStatus = "published" // Immutable, executable
	VersionStatusArchived  VersionStatus = "archived"  // Superseded, kept for running instances
)

// WorkflowVersion is one snapshot of a definition's execution graph. Draft
// versions may be edited freely; published versions never mutate in place —
// changes require a new draft version.
type WorkflowVersion struct {
	ID           string        `json:"id"`
	DefinitionID string        `json:"definition_id" validate:"required"`
	Number       int           `json:"number"`
	Status       VersionStatus `json:"status"`

	Nodes       []*WorkflowNode       `json:"nodes"`
	Transitions []*WorkflowTransition `json:"transitions"`

	// Layout holds editor placement data. Opaque to the engine.
	Layout map[string]any `json:"layout,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Node returns the node with the given key, or nil.
func (v *WorkflowVersion) Node(key string) *WorkflowNode {
	for _, node := range v.Nodes {
		if node.Key == key {
			return node
		}
	}

	return nil
}

// StartNode returns the node flagged as the start node, or nil.
func (v *WorkflowVersion) StartNode() *WorkflowNode {
	for _, node := range v.Nodes {
		if node.IsStart {
			return node
		}
	}

	return nil
}

// OutgoingTransitions returns the transitions leaving the given node sorted by
// priority, default transitions last. The returned slice is freshly allocated.
func (v *WorkflowVersion) OutgoingTransitions(nodeKey string) []*WorkflowTransition {
	out := make([]*WorkflowTransition, 0, 4)

	for _, tr := range v.Transitions {
		if tr.SourceKey == nodeKey {
			out = append(out, tr)
		}
	}

	// Insertion sort keeps this dependency-free for the small fan-outs graphs
	// have in practice; default transitions always order last.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].before(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}

	return out
}

// IncomingTransitions returns the transitions entering the given node.
func (v *WorkflowVersion) IncomingTransitions(nodeKey string) []*WorkflowTransition {
	in := make([]*WorkflowTransition, 0, 4)

	for _, tr := range v.Transitions {
		if tr.TargetKey == nodeKey {
			in = append(in, tr)
		}
	}

	return in
}
