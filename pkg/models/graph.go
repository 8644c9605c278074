package models

import "fmt"

// Validation finding codes.
const (
	FindingNoStartNode        = "no_start_node"
	FindingMultipleStartNodes = "multiple_start_nodes"
	FindingNoEndNode          = "no_end_node"
	FindingUnreachableNode    = "unreachable_node"
	FindingEndUnreachable     = "end_unreachable"
	FindingDanglingTransition = "dangling_transition"
	FindingDuplicateDefault   = "duplicate_default"
	FindingMissingExpression  = "missing_expression"
	FindingUnboundedCycle     = "unbounded_cycle"
	FindingJoinRequiresFork   = "join_requires_fork"
	FindingNoOutgoing         = "no_outgoing"
	FindingEndHasOutgoing     = "end_has_outgoing"
)

// ValidationFinding is one problem discovered during graph validation.
type ValidationFinding struct {
	Code    string `json:"code"`
	NodeKey string `json:"node_key,omitempty"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of validating a version's graph.
type ValidationResult struct {
	Valid    bool                `json:"valid"`
	Findings []ValidationFinding `json:"findings,omitempty"`
}

func (r *ValidationResult) add(code, nodeKey, format string, args ...any) {
	r.Valid = false
	r.Findings = append(r.Findings, ValidationFinding{
		Code:    code,
		NodeKey: nodeKey,
		Message: fmt.Sprintf(format, args...),
	})
}

// ValidateGraph checks a version's node/transition set for structural
// soundness: exactly one start node, full reachability, guaranteed
// termination (cycles only through Wait nodes), join gateways fed by a
// common fork, and well-formed transition guards. Publishing rejects any
// version whose graph fails validation.
func ValidateGraph(version *WorkflowVersion) *ValidationResult {
	result := &ValidationResult{Valid: true}

	nodes := make(map[string]*WorkflowNode, len(version.Nodes))
	for _, node := range version.Nodes {
		nodes[node.Key] = node
	}

	checkEndpoints(version, result)
	checkTransitions(version, nodes, result)

	start := version.StartNode()
	if start == nil {
		return result
	}

	reachable := reachableFrom(version, start.Key)

	for _, node := range version.Nodes {
		if !reachable[node.Key] {
			result.add(FindingUnreachableNode, node.Key, "node %q is not reachable from the start node", node.Key)
		}
	}

	checkTermination(version, nodes, reachable, result)
	checkJoins(version, nodes, reachable, result)

	return result
}

func checkEndpoints(version *WorkflowVersion, result *ValidationResult) {
	startCount := 0
	endCount := 0

	for _, node := range version.Nodes {
		if node.IsStart {
			startCount++
		}

		if node.IsEnd {
			endCount++

			if len(version.OutgoingTransitions(node.Key)) > 0 {
				result.add(FindingEndHasOutgoing, node.Key, "end node %q has outgoing transitions", node.Key)
			}
		}
	}

	switch {
	case startCount == 0:
		result.add(FindingNoStartNode, "", "graph has no start node")
	case startCount > 1:
		result.add(FindingMultipleStartNodes, "", "graph has %d start nodes, expected exactly one", startCount)
	}

	if endCount == 0 {
		result.add(FindingNoEndNode, "", "graph has no end node")
	}
}

func checkTransitions(version *WorkflowVersion, nodes map[string]*WorkflowNode, result *ValidationResult) {
	defaults := make(map[string]int)

	for _, tr := range version.Transitions {
		if _, ok := nodes[tr.SourceKey]; !ok {
			result.add(FindingDanglingTransition, tr.SourceKey, "transition %q references unknown source node %q", tr.ID, tr.SourceKey)
		}

		if _, ok := nodes[tr.TargetKey]; !ok {
			result.add(FindingDanglingTransition, tr.TargetKey, "transition %q references unknown target node %q", tr.ID, tr.TargetKey)
		}

		if tr.Default() {
			defaults[tr.SourceKey]++
		}

		if tr.Kind == ConditionKindExpression && tr.Expression == "" {
			result.add(FindingMissingExpression, tr.SourceKey, "expression transition %q has no expression", tr.ID)
		}
	}

	for nodeKey, count := range defaults {
		if count > 1 {
			result.add(FindingDuplicateDefault, nodeKey, "node %q has %d default transitions, at most one allowed", nodeKey, count)
		}
	}
}

// checkTermination verifies every reachable node can reach an end node, every
// reachable non-end node has an outgoing transition, and every cycle passes
// through a Wait node. The Wait restriction is what bounds execution: a cycle
// without a suspension point could spin a worker forever.
func checkTermination(version *WorkflowVersion, nodes map[string]*WorkflowNode, reachable map[string]bool, result *ValidationResult) {
	for key := range reachable {
		node := nodes[key]
		out := version.OutgoingTransitions(key)

		if node.IsEnd {
			continue
		}

		if len(out) == 0 {
			result.add(FindingNoOutgoing, key, "non-end node %q has no outgoing transitions", key)

			continue
		}

		if !endReachableFrom(version, nodes, key) {
			result.add(FindingEndUnreachable, key, "no path from node %q reaches an end node", key)
		}
	}

	// DFS with an explicit stack path to surface cycles lacking a Wait node.
	const (
		unvisited = 0
		inPath    = 1
		done      = 2
	)

	state := make(map[string]int, len(nodes))
	path := make([]string, 0, len(nodes))
	flagged := make(map[string]bool)

	var visit func(key string)
	visit = func(key string) {
		state[key] = inPath
		path = append(path, key)

		for _, tr := range version.OutgoingTransitions(key) {
			next := tr.TargetKey
			if _, ok := nodes[next]; !ok {
				continue
			}

			switch state[next] {
			case unvisited:
				visit(next)
			case inPath:
				if !cycleHasWait(nodes, path, next) && !flagged[next] {
					flagged[next] = true
					result.add(FindingUnboundedCycle, next, "cycle through node %q has no wait node to bound it", next)
				}
			}
		}

		path = path[:len(path)-1]
		state[key] = done
	}

	start := version.StartNode()
	if start != nil {
		visit(start.Key)
	}
}

func cycleHasWait(nodes map[string]*WorkflowNode, path []string, cycleStart string) bool {
	inCycle := false

	for _, key := range path {
		if key == cycleStart {
			inCycle = true
		}

		if inCycle && nodes[key].Type == NodeTypeWait {
			return true
		}
	}

	return false
}

// checkJoins requires every join gateway to have at least two distinct
// incoming transitions whose sources all sit downstream of one common
// parallel gateway. A join nothing forks into would block forever.
func checkJoins(version *WorkflowVersion, nodes map[string]*WorkflowNode, reachable map[string]bool, result *ValidationResult) {
	forkReach := make(map[string]map[string]bool)

	for _, node := range version.Nodes {
		if node.Type == NodeTypeParallelGateway {
			forkReach[node.Key] = reachableFrom(version, node.Key)
		}
	}

	for _, node := range version.Nodes {
		if node.Type != NodeTypeJoinGateway || !reachable[node.Key] {
			continue
		}

		incoming := version.IncomingTransitions(node.Key)

		sources := make(map[string]bool)
		for _, tr := range incoming {
			sources[tr.SourceKey] = true
		}

		if len(sources) < 2 {
			result.add(FindingJoinRequiresFork, node.Key, "join gateway %q has %d incoming branches, at least two required", node.Key, len(sources))

			continue
		}

		common := false

		for _, reach := range forkReach {
			all := true

			for source := range sources {
				if !reach[source] {
					all = false

					break
				}
			}

			if all {
				common = true

				break
			}
		}

		if !common {
			result.add(FindingJoinRequiresFork, node.Key, "join gateway %q branches do not trace back to a common parallel gateway", node.Key)
		}
	}
}

// reachableFrom returns the set of node keys reachable from the given node,
// including the node itself.
func reachableFrom(version *WorkflowVersion, fromKey string) map[string]bool {
	seen := map[string]bool{fromKey: true}
	queue := []string{fromKey}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, tr := range version.Transitions {
			if tr.SourceKey == current && !seen[tr.TargetKey] {
				seen[tr.TargetKey] = true
				queue = append(queue, tr.TargetKey)
			}
		}
	}

	return seen
}

func endReachableFrom(version *WorkflowVersion, nodes map[string]*WorkflowNode, fromKey string) bool {
	for key := range reachableFrom(version, fromKey) {
		if node, ok := nodes[key]; ok && node.IsEnd {
			return true
		}
	}

	return false
}

// RequiredJoinSources returns the distinct source node keys whose branches
// must arrive before the join gateway may advance.
func RequiredJoinSources(version *WorkflowVersion, joinKey string) []string {
	seen := make(map[string]bool)
	sources := make([]string, 0, 4)

	for _, tr := range version.IncomingTransitions(joinKey) {
		if !seen[tr.SourceKey] {
			seen[tr.SourceKey] = true
			sources = append(sources, tr.SourceKey)
		}
	}

	return sources
}
