// Package dag implements the composable workflow DAG: a typed node graph
// parsed from a blueprint, executed with bounded parallelism, and
// re-evaluated by a reactive microplanner after every node completion.
// Grounded on original_source's workflow_nodes.py (exact type shapes and
// phase-based dependency inference) and on the teacher's dag_engine.go
// (Kahn's-algorithm executor with a worker pool).
package dag

import (
	"fmt"
	"sort"
)

// NodeType is the closed set of WorkflowNode variants.
type NodeType string

const (
	NodeTool     NodeType = "tool"
	NodeCode     NodeType = "code"
	NodeLLM      NodeType = "llm"
	NodeSwitch   NodeType = "switch"
	NodeLoop     NodeType = "loop"
	NodeMerge    NodeType = "merge"
	NodeAgentic  NodeType = "agentic"
)

// NodeStatus is a WorkflowNode's lifecycle state.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusWaiting   NodeStatus = "waiting"
	StatusRunning   NodeStatus = "running"
	StatusCompleted NodeStatus = "completed"
	StatusFailed    NodeStatus = "failed"
	StatusSkipped   NodeStatus = "skipped"
)

// MergeStrategy is how a merge node combines its inputs.
type MergeStrategy string

const (
	MergeConcat MergeStrategy = "concat"
	MergeDict   MergeStrategy = "dict"
	MergeFirst  MergeStrategy = "first"
	MergeCustom MergeStrategy = "custom"
)

// StepSpec is the raw, loosely-typed step shape a blueprint is authored in
// (what a planner emits) before parse_blueprint converts it to a typed
// WorkflowNode. Field presence, not an explicit "type" tag, drives
// inference — matching original_source's parse_blueprint_node.
type StepSpec struct {
	ID          string
	NodeType    string // optional explicit override
	Phase       int
	DependsOn   []string
	Description string

	// tool / code
	ToolName       string
	Args           map[string]any
	InputMapping   map[string]string
	OutputArtifact string

	// llm
	Prompt string
	System string

	// switch
	Condition   string
	TrueBranch  []StepSpec
	FalseBranch []StepSpec

	// loop
	LoopOver     string
	LoopBody     []StepSpec
	MaxParallel  int
	LoopVariable string

	// merge
	MergeInputs   []string
	MergeStrategy string
	// MergeFunc names the Executor.CustomMergers entry a "custom" strategy
	// node invokes; ignored by every other strategy.
	MergeFunc string

	// agentic
	Goal          string
	AgentMaxSteps int
	AgentTools    []string

	MaxRetries int
}

// NodeResult is the outcome of executing one WorkflowNode.
type NodeResult struct {
	NodeID          string
	Status          NodeStatus
	Output          any
	Artifacts       map[string]any
	Error           string
	ChildrenSpawned []string
	Metadata        map[string]any
	TokensUsed      int
}

// WorkflowNode is a typed DAG vertex.
type WorkflowNode struct {
	ID        string
	NodeType  NodeType
	Phase     int
	DependsOn []string
	Status    NodeStatus
	Result    *NodeResult
	RetryCount int
	MaxRetries int

	Description string

	ToolName       string
	Args           map[string]any
	InputMapping   map[string]string
	OutputArtifact string

	Prompt string
	System string

	Condition   string
	TrueBranch  []StepSpec
	FalseBranch []StepSpec

	LoopOver     string
	LoopBody     []StepSpec
	MaxParallel  int
	LoopVariable string

	MergeInputs   []string
	MergeStrategy MergeStrategy
	MergeFunc     string

	Goal          string
	AgentMaxSteps int
	AgentTools    []string
}

const defaultMaxRetries = 2
const defaultLoopMaxParallel = 10
const defaultAgentMaxSteps = 8
const defaultLoopVariable = "item"

// inferNodeType auto-infers a node_type from field presence when the step
// doesn't state one, in the exact priority order original_source's
// parse_blueprint_node uses: loop -> switch -> merge -> agentic -> llm ->
// code (when tool_name names the code executor) -> tool (fallback).
func inferNodeType(s StepSpec) NodeType {
	if s.NodeType != "" {
		switch NodeType(s.NodeType) {
		case NodeTool, NodeCode, NodeLLM, NodeSwitch, NodeLoop, NodeMerge, NodeAgentic:
			return NodeType(s.NodeType)
		}
		// unknown explicit type string: fall through to inference with a
		// warning-worthy default of tool, matching the original's fallback.
	}
	if s.LoopOver != "" || len(s.LoopBody) > 0 {
		return NodeLoop
	}
	if s.Condition != "" {
		return NodeSwitch
	}
	if len(s.MergeInputs) > 0 || s.MergeStrategy != "" {
		return NodeMerge
	}
	if s.Goal != "" {
		return NodeAgentic
	}
	if s.Prompt != "" {
		return NodeLLM
	}
	if s.ToolName == "execute_code" || s.ToolName == "run_python" {
		return NodeCode
	}
	return NodeTool
}

// parseNode converts one StepSpec into a typed WorkflowNode with variant
// defaults filled in.
func parseNode(s StepSpec) WorkflowNode {
	nt := inferNodeType(s)
	maxRetries := s.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	n := WorkflowNode{
		ID:             s.ID,
		NodeType:       nt,
		Phase:          s.Phase,
		DependsOn:      append([]string(nil), s.DependsOn...),
		Status:         StatusPending,
		MaxRetries:     maxRetries,
		Description:    s.Description,
		ToolName:       s.ToolName,
		Args:           s.Args,
		InputMapping:   s.InputMapping,
		OutputArtifact: s.OutputArtifact,
		Prompt:         s.Prompt,
		System:         s.System,
		Condition:      s.Condition,
		TrueBranch:     s.TrueBranch,
		FalseBranch:    s.FalseBranch,
		LoopOver:       s.LoopOver,
		LoopBody:       s.LoopBody,
		MaxParallel:    s.MaxParallel,
		LoopVariable:   s.LoopVariable,
		MergeInputs:    s.MergeInputs,
		MergeStrategy:  MergeStrategy(s.MergeStrategy),
		MergeFunc:      s.MergeFunc,
		Goal:           s.Goal,
		AgentMaxSteps:  s.AgentMaxSteps,
		AgentTools:     s.AgentTools,
	}
	if n.NodeType == NodeLoop {
		if n.MaxParallel == 0 {
			n.MaxParallel = defaultLoopMaxParallel
		}
		if n.LoopVariable == "" {
			n.LoopVariable = defaultLoopVariable
		}
	}
	if n.NodeType == NodeAgentic && n.AgentMaxSteps == 0 {
		n.AgentMaxSteps = defaultAgentMaxSteps
	}
	if n.NodeType == NodeMerge && n.MergeStrategy == "" {
		n.MergeStrategy = MergeConcat
	}
	return n
}

// ParseBlueprint converts an ordered list of steps into typed
// WorkflowNodes, inferring phase-based dependencies for any node that
// omits depends_on: it implicitly depends on every node whose phase is the
// immediately preceding phase value (original_source's parse_blueprint).
// Returns a deterministic error if any node references an unknown id or
// the dependency graph contains a cycle (spec.md §8 boundary behavior).
func ParseBlueprint(steps []StepSpec) ([]WorkflowNode, error) {
	nodes := make([]WorkflowNode, 0, len(steps))
	byID := make(map[string]int, len(steps))
	phaseMap := make(map[int][]string)

	for _, s := range steps {
		if s.ID == "" {
			return nil, fmt.Errorf("dag: step with empty id")
		}
		if _, dup := byID[s.ID]; dup {
			return nil, fmt.Errorf("dag: duplicate node id %q", s.ID)
		}
		n := parseNode(s)
		byID[n.ID] = len(nodes)
		nodes = append(nodes, n)
		phaseMap[n.Phase] = append(phaseMap[n.Phase], n.ID)
	}

	phases := make([]int, 0, len(phaseMap))
	for p := range phaseMap {
		phases = append(phases, p)
	}
	sort.Ints(phases)

	for i, n := range nodes {
		if len(n.DependsOn) == 0 && i > 0 {
			// find the immediately preceding phase value with members
			var prevPhase *int
			for _, p := range phases {
				if p < n.Phase {
					pp := p
					prevPhase = &pp
				}
			}
			if prevPhase != nil {
				nodes[i].DependsOn = append([]string(nil), phaseMap[*prevPhase]...)
			}
		}
	}

	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("dag: node %q depends on unknown node %q", n.ID, dep)
			}
			if dep == n.ID {
				return nil, fmt.Errorf("dag: node %q depends on itself", n.ID)
			}
		}
	}

	if err := detectCycle(nodes); err != nil {
		return nil, err
	}

	return nodes, nil
}

// detectCycle runs a standard white/gray/black DFS over the dependency
// graph and returns a deterministic error naming the first cycle found.
func detectCycle(nodes []WorkflowNode) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	byID := make(map[string]*WorkflowNode, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}
	color := make(map[string]int, len(nodes))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		color[id] = gray
		path = append(path, id)
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case gray:
				return fmt.Errorf("dag: dependency cycle detected: %v -> %s", path, dep)
			case white:
				if err := visit(dep, path); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids) // deterministic traversal order
	for _, id := range ids {
		if color[id] == white {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}
