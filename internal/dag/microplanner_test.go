package dag

import (
	"context"
	"testing"
)

func TestMicroplannerCompletesWhenNothingRemains(t *testing.T) {
	p := NewMicroplanner(nil, 3, "q")
	n := &WorkflowNode{ID: "a", NodeType: NodeTool}
	d := p.Checkpoint(context.Background(), n, NodeResult{NodeID: "a", Status: StatusCompleted, Output: "fine"}, nil, NewArtifactStore(), false)
	if d.Action != ActionComplete {
		t.Fatalf("expected COMPLETE, got %s", d.Action)
	}
}

func TestMicroplannerReplansOnFailedAncestor(t *testing.T) {
	p := NewMicroplanner(nil, 3, "q")
	n := &WorkflowNode{ID: "a", NodeType: NodeTool}
	d := p.Checkpoint(context.Background(), n, NodeResult{NodeID: "a", Status: StatusFailed}, []StepSpec{{ID: "b"}}, NewArtifactStore(), true)
	if d.Action != ActionReplan {
		t.Fatalf("expected REPLAN, got %s", d.Action)
	}
}

func TestMicroplannerExpandsOnEmptyFetchOutput(t *testing.T) {
	p := NewMicroplanner(nil, 3, "weather in paris")
	n := &WorkflowNode{ID: "a", NodeType: NodeTool}
	d := p.Checkpoint(context.Background(), n, NodeResult{NodeID: "a", Status: StatusCompleted, Output: ""}, []StepSpec{{ID: "b"}}, NewArtifactStore(), false)
	if d.Action != ActionExpand {
		t.Fatalf("expected EXPAND, got %s", d.Action)
	}
	if len(d.NewSteps) != 1 || d.NewSteps[0].ToolName != "web_search" {
		t.Fatalf("expected fallback web_search step, got %+v", d.NewSteps)
	}
}

type stubReflector struct{ response string }

func (s *stubReflector) Reflect(ctx context.Context, query string, recentSummaries []string, latestOutput any, remaining []StepSpec) (string, error) {
	return s.response, nil
}

func TestMicroplannerFallsBackOnInvalidJSON(t *testing.T) {
	p := NewMicroplanner(&stubReflector{response: "not json"}, 3, "q")
	n := &WorkflowNode{ID: "a", NodeType: NodeLLM}
	d := p.Checkpoint(context.Background(), n, NodeResult{NodeID: "a", Status: StatusCompleted, Output: "fine"}, []StepSpec{{ID: "b"}}, NewArtifactStore(), false)
	if d.Action != ActionContinue {
		t.Fatalf("expected fallback to previous decision CONTINUE, got %s", d.Action)
	}
}

func TestMicroplannerUsesReflectorDecision(t *testing.T) {
	p := NewMicroplanner(&stubReflector{response: `{"action":"replan","reason":"bad plan","new_steps":[{"id":"x","tool_name":"search"}]}`}, 3, "q")
	n := &WorkflowNode{ID: "a", NodeType: NodeLLM}
	d := p.Checkpoint(context.Background(), n, NodeResult{NodeID: "a", Status: StatusCompleted, Output: "fine"}, []StepSpec{{ID: "b"}}, NewArtifactStore(), false)
	if d.Action != ActionReplan || len(d.NewSteps) != 1 {
		t.Fatalf("expected REPLAN with 1 step, got %+v", d)
	}
}

func TestMicroplannerRespectsMaxReplans(t *testing.T) {
	reflector := &stubReflector{response: `{"action":"continue"}`}
	p := NewMicroplanner(reflector, 1, "q")
	n := &WorkflowNode{ID: "a", NodeType: NodeLLM}
	// first call uses up the one allowed reflection
	p.Checkpoint(context.Background(), n, NodeResult{NodeID: "a", Status: StatusCompleted, Output: "fine"}, []StepSpec{{ID: "b"}}, NewArtifactStore(), false)
	d := p.Checkpoint(context.Background(), n, NodeResult{NodeID: "a", Status: StatusCompleted, Output: "fine"}, []StepSpec{{ID: "c"}}, NewArtifactStore(), false)
	if d.Action != ActionContinue {
		t.Fatalf("expected CONTINUE once replans exhausted, got %s", d.Action)
	}
}
