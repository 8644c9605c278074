package models

// NodeType represents the behavior of a node in the execution graph. The
// executor dispatches on this closed set; node Config stays opaque to the
// engine and is interpreted only by the handler the type selects.
type NodeType string

const (
	NodeTypeTrigger         NodeType = "trigger"
	NodeTypeCondition       NodeType = "condition"
	NodeTypeAction          NodeType = "action"
	NodeTypeHumanTask       NodeType = "human_task"
	NodeTypeWait            NodeType = "wait"
	NodeTypeParallelGateway NodeType = "parallel_gateway"
	NodeTypeJoinGateway     NodeType = "join_gateway"
	NodeTypeSubprocess      NodeType = "subprocess"
	NodeTypeLLMAction       NodeType = "llm_action"
	NodeTypeEnd             NodeType = "end"
)

// NodeTypes lists every valid node type.
var NodeTypes = []NodeType{
	NodeTypeTrigger,
	NodeTypeCondition,
	NodeTypeAction,
	NodeTypeHumanTask,
	NodeTypeWait,
	NodeTypeParallelGateway,
	NodeTypeJoinGateway,
	NodeTypeSubprocess,
	NodeTypeLLMAction,
	NodeTypeEnd,
}

// WorkflowNode is a vertex in a version's execution graph.
type WorkflowNode struct {
	Key    string         `json:"key"  validate:"required,min=1"`
	Name   string         `json:"name" validate:"required,min=1"`
	Type   NodeType       `json:"type" validate:"required"`
	Config map[string]any `json:"config"`

	IsStart bool `json:"is_start"`
	IsEnd   bool `json:"is_end"`

	// TimeoutMinutes bounds one visit to this node. Zero disables the
	// node-level deadline.
	TimeoutMinutes int `json:"timeout_minutes"`

	RetryCount            int  `json:"retry_count"`
	RetryDelaySeconds     int  `json:"retry_delay_seconds"`
	UseExponentialBackoff bool `json:"use_exponential_backoff"`
}

// ExecutesExternally reports whether the node runs a configured operation
// through the handler registry (as opposed to pure routing or suspension).
func (n *WorkflowNode) ExecutesExternally() bool {
	switch n.Type {
	case NodeTypeTrigger, NodeTypeAction, NodeTypeLLMAction:
		return true
	default:
		return false
	}
}

// HandlerType returns the registered handler type for executable nodes. It
// falls back to the node type itself so simple handlers need no config.
func (n *WorkflowNode) HandlerType() string {
	if handler, ok := n.Config["handler"].(string); ok && handler != "" {
		return handler
	}

	return string(n.Type)
}
