package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(key string, nodeType NodeType) *WorkflowNode {
	return &WorkflowNode{Key: key, Name: key, Type: nodeType}
}

func startNode(key string) *WorkflowNode {
	n := node(key, NodeTypeTrigger)
	n.IsStart = true

	return n
}

func endNode(key string) *WorkflowNode {
	n := node(key, NodeTypeEnd)
	n.IsEnd = true

	return n
}

func edge(id, from, to string) *WorkflowTransition {
	return &WorkflowTransition{ID: id, SourceKey: from, TargetKey: to, Kind: ConditionKindAlways}
}

func findingCodes(result *ValidationResult) []string {
	codes := make([]string, 0, len(result.Findings))
	for _, f := range result.Findings {
		codes = append(codes, f.Code)
	}

	return codes
}

func TestValidateGraph_LinearGraphIsValid(t *testing.T) {
	version := &WorkflowVersion{
		Nodes: []*WorkflowNode{
			startNode("start"),
			node("act", NodeTypeAction),
			endNode("end"),
		},
		Transitions: []*WorkflowTransition{
			edge("t1", "start", "act"),
			edge("t2", "act", "end"),
		},
	}

	result := ValidateGraph(version)
	require.True(t, result.Valid, "findings: %v", result.Findings)
	assert.Empty(t, result.Findings)
}

func TestValidateGraph_NoStartNode(t *testing.T) {
	version := &WorkflowVersion{
		Nodes:       []*WorkflowNode{node("act", NodeTypeAction), endNode("end")},
		Transitions: []*WorkflowTransition{edge("t1", "act", "end")},
	}

	result := ValidateGraph(version)
	assert.False(t, result.Valid)
	assert.Contains(t, findingCodes(result), FindingNoStartNode)
}

func TestValidateGraph_MultipleStartNodes(t *testing.T) {
	second := startNode("start2")

	version := &WorkflowVersion{
		Nodes: []*WorkflowNode{startNode("start"), second, endNode("end")},
		Transitions: []*WorkflowTransition{
			edge("t1", "start", "end"),
			edge("t2", "start2", "end"),
		},
	}

	result := ValidateGraph(version)
	assert.False(t, result.Valid)
	assert.Contains(t, findingCodes(result), FindingMultipleStartNodes)
}

func TestValidateGraph_NoEndNode(t *testing.T) {
	version := &WorkflowVersion{
		Nodes:       []*WorkflowNode{startNode("start"), node("act", NodeTypeAction)},
		Transitions: []*WorkflowTransition{edge("t1", "start", "act")},
	}

	result := ValidateGraph(version)
	assert.False(t, result.Valid)
	assert.Contains(t, findingCodes(result), FindingNoEndNode)
}

func TestValidateGraph_UnreachableNode(t *testing.T) {
	version := &WorkflowVersion{
		Nodes: []*WorkflowNode{
			startNode("start"),
			node("orphan", NodeTypeAction),
			endNode("end"),
		},
		Transitions: []*WorkflowTransition{edge("t1", "start", "end")},
	}

	result := ValidateGraph(version)
	assert.False(t, result.Valid)
	assert.Contains(t, findingCodes(result), FindingUnreachableNode)
}

func TestValidateGraph_DuplicateDefaultTransition(t *testing.T) {
	version := &WorkflowVersion{
		Nodes: []*WorkflowNode{
			startNode("start"),
			node("cond", NodeTypeCondition),
			endNode("end"),
			endNode("end2"),
		},
		Transitions: []*WorkflowTransition{
			edge("t1", "start", "cond"),
			{ID: "t2", SourceKey: "cond", TargetKey: "end", Kind: ConditionKindDefault, IsDefault: true},
			{ID: "t3", SourceKey: "cond", TargetKey: "end2", Kind: ConditionKindDefault, IsDefault: true},
		},
	}

	result := ValidateGraph(version)
	assert.False(t, result.Valid)
	assert.Contains(t, findingCodes(result), FindingDuplicateDefault)
}

func TestValidateGraph_ExpressionTransitionRequiresExpression(t *testing.T) {
	version := &WorkflowVersion{
		Nodes: []*WorkflowNode{startNode("start"), endNode("end")},
		Transitions: []*WorkflowTransition{
			{ID: "t1", SourceKey: "start", TargetKey: "end", Kind: ConditionKindExpression},
		},
	}

	result := ValidateGraph(version)
	assert.False(t, result.Valid)
	assert.Contains(t, findingCodes(result), FindingMissingExpression)
}

func TestValidateGraph_CycleWithoutWaitIsRejected(t *testing.T) {
	version := &WorkflowVersion{
		Nodes: []*WorkflowNode{
			startNode("start"),
			node("a", NodeTypeAction),
			node("b", NodeTypeCondition),
			endNode("end"),
		},
		Transitions: []*WorkflowTransition{
			edge("t1", "start", "a"),
			edge("t2", "a", "b"),
			edge("t3", "b", "a"),
			{ID: "t4", SourceKey: "b", TargetKey: "end", Kind: ConditionKindDefault, IsDefault: true},
		},
	}

	result := ValidateGraph(version)
	assert.False(t, result.Valid)
	assert.Contains(t, findingCodes(result), FindingUnboundedCycle)
}

func TestValidateGraph_CycleThroughWaitIsPermitted(t *testing.T) {
	version := &WorkflowVersion{
		Nodes: []*WorkflowNode{
			startNode("start"),
			node("poll", NodeTypeAction),
			node("check", NodeTypeCondition),
			node("backoff", NodeTypeWait),
			endNode("end"),
		},
		Transitions: []*WorkflowTransition{
			edge("t1", "start", "poll"),
			edge("t2", "poll", "check"),
			{ID: "t3", SourceKey: "check", TargetKey: "backoff", Kind: ConditionKindExpression, Expression: "status != \"ready\""},
			edge("t4", "backoff", "poll"),
			{ID: "t5", SourceKey: "check", TargetKey: "end", Kind: ConditionKindDefault, IsDefault: true},
		},
	}

	result := ValidateGraph(version)
	assert.True(t, result.Valid, "findings: %v", result.Findings)
}

func TestValidateGraph_JoinNeedsTwoBranchesFromCommonFork(t *testing.T) {
	version := &WorkflowVersion{
		Nodes: []*WorkflowNode{
			startNode("start"),
			node("join", NodeTypeJoinGateway),
			endNode("end"),
		},
		Transitions: []*WorkflowTransition{
			edge("t1", "start", "join"),
			edge("t2", "join", "end"),
		},
	}

	result := ValidateGraph(version)
	assert.False(t, result.Valid)
	assert.Contains(t, findingCodes(result), FindingJoinRequiresFork)
}

func TestValidateGraph_ForkJoinIsValid(t *testing.T) {
	version := &WorkflowVersion{
		Nodes: []*WorkflowNode{
			startNode("start"),
			node("fork", NodeTypeParallelGateway),
			node("a", NodeTypeAction),
			node("b", NodeTypeAction),
			node("join", NodeTypeJoinGateway),
			endNode("end"),
		},
		Transitions: []*WorkflowTransition{
			edge("t1", "start", "fork"),
			edge("t2", "fork", "a"),
			edge("t3", "fork", "b"),
			edge("t4", "a", "join"),
			edge("t5", "b", "join"),
			edge("t6", "join", "end"),
		},
	}

	result := ValidateGraph(version)
	require.True(t, result.Valid, "findings: %v", result.Findings)

	sources := RequiredJoinSources(version, "join")
	assert.ElementsMatch(t, []string{"a", "b"}, sources)
}

func TestValidateGraph_DanglingTransition(t *testing.T) {
	version := &WorkflowVersion{
		Nodes: []*WorkflowNode{startNode("start"), endNode("end")},
		Transitions: []*WorkflowTransition{
			edge("t1", "start", "end"),
			edge("t2", "start", "ghost"),
		},
	}

	result := ValidateGraph(version)
	assert.False(t, result.Valid)
	assert.Contains(t, findingCodes(result), FindingDanglingTransition)
}

func TestOutgoingTransitions_OrderedByPriorityDefaultLast(t *testing.T) {
	version := &WorkflowVersion{
		Nodes: []*WorkflowNode{node("src", NodeTypeCondition)},
		Transitions: []*WorkflowTransition{
			{ID: "fallback", SourceKey: "src", TargetKey: "x", Kind: ConditionKindDefault, IsDefault: true, Priority: 0},
			{ID: "second", SourceKey: "src", TargetKey: "y", Kind: ConditionKindExpression, Expression: "a > 1", Priority: 20},
			{ID: "first", SourceKey: "src", TargetKey: "z", Kind: ConditionKindExpression, Expression: "a > 2", Priority: 10},
		},
	}

	out := version.OutgoingTransitions("src")
	require.Len(t, out, 3)
	assert.Equal(t, "first", out[0].ID)
	assert.Equal(t, "second", out[1].ID)
	assert.Equal(t, "fallback", out[2].ID)
}

func TestOutgoingTransitions_DefaultKindOrdersLastWithoutFlag(t *testing.T) {
	version := &WorkflowVersion{
		Nodes: []*WorkflowNode{node("src", NodeTypeCondition)},
		Transitions: []*WorkflowTransition{
			{ID: "fallback", SourceKey: "src", TargetKey: "x", Kind: ConditionKindDefault, Priority: 0},
			{ID: "guarded", SourceKey: "src", TargetKey: "y", Kind: ConditionKindExpression, Expression: "a > 1", Priority: 10},
		},
	}

	out := version.OutgoingTransitions("src")
	require.Len(t, out, 2)
	assert.Equal(t, "guarded", out[0].ID)
	assert.Equal(t, "fallback", out[1].ID)
}
