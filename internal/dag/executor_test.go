package dag

import (
	"context"
	"testing"
	"time"
)

type stubTools struct {
	invoked []string
}

func (s *stubTools) Invoke(ctx context.Context, toolName string, args map[string]any) (map[string]any, int, error) {
	s.invoked = append(s.invoked, toolName)
	return map[string]any{"ok": true}, 5, nil
}

func TestExecutorParallelFanOut(t *testing.T) {
	tools := &stubTools{}
	exec := NewExecutor(4, tools, nil, nil)
	steps := []StepSpec{
		{ID: "a", ToolName: "fetch", Phase: 0},
		{ID: "b", ToolName: "fetch", Phase: 1, DependsOn: []string{"a"}},
		{ID: "c", ToolName: "fetch", Phase: 1, DependsOn: []string{"a"}},
		{ID: "d", ToolName: "fetch", Phase: 1, DependsOn: []string{"a"}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store := NewArtifactStore()
	results, err := exec.Run(ctx, "q", steps, store, 1000, nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
}

func TestExecutorDetectsCycle(t *testing.T) {
	exec := NewExecutor(2, &stubTools{}, nil, nil)
	steps := []StepSpec{
		{ID: "a", ToolName: "fetch", DependsOn: []string{"b"}},
		{ID: "b", ToolName: "fetch", DependsOn: []string{"a"}},
	}
	_, err := exec.Run(context.Background(), "q", steps, NewArtifactStore(), 1000, nil)
	if err == nil {
		t.Fatalf("expected cycle error")
	}
}

type failingTools struct{ calls int }

func (f *failingTools) Invoke(ctx context.Context, toolName string, args map[string]any) (map[string]any, int, error) {
	f.calls++
	return nil, 0, errTransient
}

var errTransient = &stubErr{"transient failure"}

type stubErr struct{ msg string }

func (e *stubErr) Error() string { return e.msg }

func TestExecutorRetriesFailedNode(t *testing.T) {
	tools := &failingTools{}
	exec := NewExecutor(1, tools, nil, nil)
	steps := []StepSpec{{ID: "a", ToolName: "fetch", MaxRetries: 3}}
	results, err := exec.Run(context.Background(), "q", steps, NewArtifactStore(), 1000, nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if tools.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", tools.calls)
	}
	if results[0].Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", results[0].Status)
	}
}

func TestExecutorSetParallelism(t *testing.T) {
	exec := NewExecutor(8, &stubTools{}, nil, nil)
	exec.SetParallelism(2)
	if exec.ceiling != 2 {
		t.Fatalf("expected ceiling 2, got %d", exec.ceiling)
	}
	exec.SetParallelism(100)
	if exec.ceiling != 8 {
		t.Fatalf("expected ceiling clamped to MaxWorkers 8, got %d", exec.ceiling)
	}
}
