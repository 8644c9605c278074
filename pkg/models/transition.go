package models

// ConditionKind classifies how a transition's guard is evaluated.
type ConditionKind string

const (
	ConditionKindAlways     ConditionKind = "always"     // Unconditional
	ConditionKindExpression ConditionKind = "expression" // Guarded by a boolean expression
	ConditionKindDefault    ConditionKind = "default"    // Fallback when no sibling matched
)

// WorkflowTransition is a guarded directed edge between two nodes of a
// version. Outgoing transitions evaluate in priority order (lower first) with
// default transitions always last.
type WorkflowTransition struct {
	ID        string        `json:"id"`
	SourceKey string        `json:"source_key" validate:"required"`
	TargetKey string        `json:"target_key" validate:"required"`
	Kind      ConditionKind `json:"kind"       validate:"required"`

	// Expression holds the guard for ConditionKindExpression transitions.
	Expression string `json:"expression,omitempty"`

	IsDefault bool `json:"is_default"`
	Priority  int  `json:"priority"`
}

// Default reports whether the transition is its source node's fallback,
// whichever way the author marked it. Both markings must agree with the
// evaluation order, so ordering and validation treat them as one.
func (t *WorkflowTransition) Default() bool {
	return t.IsDefault || t.Kind == ConditionKindDefault
}

func (t *WorkflowTransition) before(other *WorkflowTransition) bool {
	if t.Default() != other.Default() {
		return !t.Default()
	}

	return t.Priority < other.Priority
}
