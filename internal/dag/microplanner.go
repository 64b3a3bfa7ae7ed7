package dag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// PlanAction is one of the four decisions the microplanner checkpoint can
// return after a node completes, per spec.md §4.3.
type PlanAction string

const (
	ActionContinue PlanAction = "CONTINUE"
	ActionComplete PlanAction = "COMPLETE"
	ActionExpand   PlanAction = "EXPAND"
	ActionReplan   PlanAction = "REPLAN"
)

// Decision is the microplanner checkpoint's verdict. NewSteps carries the
// nodes to inject (EXPAND, each implicitly depending on the completed node)
// or the replacement remaining set (REPLAN).
type Decision struct {
	Action   PlanAction
	NewSteps []StepSpec
	Reason   string
}

// Reflector is the bounded LLM reflection collaborator of spec.md §4.3's
// second evaluation mode: a compact context in, one of four strict JSON
// shapes out. External collaborator per spec.md §4.6 (LLM caller).
type Reflector interface {
	Reflect(ctx context.Context, query string, recentSummaries []string, latestOutput any, remaining []StepSpec) (string, error)
}

// Microplanner is the reactive post-node planner: fast heuristics tried
// first, LLM reflection bounded by MaxReplans second. Grounded on
// original_source's reactive planner description (spec.md §4.3) — no
// single original_source file owns this; the heuristic/LLM two-tier shape
// and strict-JSON-or-fallback rule are spec.md §4.3 and §9 verbatim.
type Microplanner struct {
	Reflector  Reflector
	MaxReplans int
	Query      string

	replansUsed  int
	lastDecision Decision
}

// NewMicroplanner builds a checkpoint evaluator for one DAG run. reflector
// may be nil, in which case only fast heuristics ever fire.
func NewMicroplanner(reflector Reflector, maxReplans int, query string) *Microplanner {
	if maxReplans <= 0 {
		maxReplans = 3
	}
	return &Microplanner{Reflector: reflector, MaxReplans: maxReplans, Query: query, lastDecision: Decision{Action: ActionContinue}}
}

// Checkpoint implements spec.md §4.3's microplanner checkpoint:
// (completed_node, result, remaining_nodes, store) -> Decision.
func (m *Microplanner) Checkpoint(ctx context.Context, completed *WorkflowNode, result NodeResult, remaining []StepSpec, store *ArtifactStore, hasDependents bool) Decision {
	if d, ok := m.heuristics(completed, result, remaining, hasDependents); ok {
		m.lastDecision = d
		return d
	}
	if m.Reflector == nil || m.replansUsed >= m.MaxReplans {
		return Decision{Action: ActionContinue}
	}
	m.replansUsed++
	raw, err := m.Reflector.Reflect(ctx, m.Query, summaries(result), result.Output, remaining)
	if err != nil {
		return Decision{Action: ActionContinue}
	}
	d, ok := parseReflection(raw)
	if !ok {
		// spec.md §8: invalid JSON from the LLM reflection is treated as
		// CONTINUE (no plan change), and per §9 falls back to the previous
		// decision rather than a hardcoded default.
		return m.lastDecision
	}
	m.lastDecision = d
	return d
}

// heuristics implements the fast, no-external-call evaluation mode of
// spec.md §4.3: failed node with dependents -> REPLAN; empty or
// error-marked output on a completed data-fetch node -> EXPAND with a
// fallback web_search node (spec.md §8 scenario 4); no remaining nodes ->
// COMPLETE. Output length is not checked: short but non-empty output
// without an error marker does not trigger EXPAND.
func (m *Microplanner) heuristics(completed *WorkflowNode, result NodeResult, remaining []StepSpec, hasDependents bool) (Decision, bool) {
	if result.Status == StatusFailed && hasDependents {
		return Decision{Action: ActionReplan, Reason: "dependent node(s) on a failed ancestor"}, true
	}
	if result.Status == StatusCompleted && isDataFetchNode(completed) && isEmptyOrErrorOutput(result) {
		return Decision{
			Action: ActionExpand,
			Reason: "empty/error output on a data-fetch node",
			NewSteps: []StepSpec{{
				ID:       fmt.Sprintf("%s.fallback_search", completed.ID),
				ToolName: "web_search",
				Args:     map[string]any{"query": m.Query},
			}},
		}, true
	}
	if len(remaining) == 0 {
		return Decision{Action: ActionComplete}, true
	}
	return Decision{}, false
}

func isDataFetchNode(n *WorkflowNode) bool {
	return n.NodeType == NodeTool || n.NodeType == NodeCode
}

func isEmptyOrErrorOutput(result NodeResult) bool {
	if result.Error != "" {
		return true
	}
	switch v := result.Output.(type) {
	case nil:
		return true
	case string:
		s := strings.TrimSpace(v)
		return s == "" || strings.Contains(strings.ToLower(s), "error")
	case map[string]any:
		if len(v) == 0 {
			return true
		}
		if _, hasErr := v["error"]; hasErr {
			return true
		}
	case []any:
		return len(v) == 0
	}
	return false
}

func summaries(result NodeResult) []string {
	s := fmt.Sprintf("%s: status=%s", result.NodeID, result.Status)
	if result.Error != "" {
		s += " error=" + result.Error
	}
	return []string{s}
}

// reflectionResponse is the strict JSON shape expected from the LLM
// reflection collaborator (spec.md §4.3: "expect one of four strict JSON
// shapes {action: ...}").
type reflectionResponse struct {
	Action   string `json:"action"`
	Reason   string `json:"reason"`
	NewSteps []struct {
		ID        string         `json:"id"`
		ToolName  string         `json:"tool_name"`
		Prompt    string         `json:"prompt"`
		System    string         `json:"system"`
		Args      map[string]any `json:"args"`
		DependsOn []string       `json:"depends_on"`
	} `json:"new_steps"`
}

func parseReflection(raw string) (Decision, bool) {
	var r reflectionResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &r); err != nil {
		return Decision{}, false
	}
	action := PlanAction(strings.ToUpper(strings.TrimSpace(r.Action)))
	switch action {
	case ActionContinue, ActionComplete, ActionExpand, ActionReplan:
	default:
		return Decision{}, false
	}
	steps := make([]StepSpec, 0, len(r.NewSteps))
	for _, s := range r.NewSteps {
		steps = append(steps, StepSpec{
			ID: s.ID, ToolName: s.ToolName, Prompt: s.Prompt, System: s.System,
			Args: s.Args, DependsOn: s.DependsOn,
		})
	}
	return Decision{Action: action, NewSteps: steps, Reason: r.Reason}, true
}

// LLMReflector adapts an LLMCaller into a Reflector by rendering the
// compact context spec.md §4.3 describes into a single prompt.
type LLMReflector struct {
	LLM LLMCaller
}

func (r *LLMReflector) Reflect(ctx context.Context, query string, recentSummaries []string, latestOutput any, remaining []StepSpec) (string, error) {
	var b strings.Builder
	b.WriteString("query: ")
	b.WriteString(query)
	b.WriteString("\nrecent completions:\n")
	for _, s := range recentSummaries {
		b.WriteString("- ")
		b.WriteString(s)
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("latest output: %v\n", latestOutput))
	b.WriteString(fmt.Sprintf("remaining steps: %d\n", len(remaining)))
	b.WriteString("Respond with strict JSON: {\"action\": \"continue|complete|expand|replan\", \"new_steps\": [...]}")
	text, _, err := r.LLM.Complete(ctx, "You are a research microplanner.", b.String())
	return text, err
}
