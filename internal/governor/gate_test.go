package governor

import (
	"context"
	"testing"

	"github.com/kea-research/kernel/internal/dag"
)

type stubInnerGate struct {
	called bool
}

func (g *stubInnerGate) CheckToolCall(context.Context, string, map[string]any) ([]dag.PolicyViolation, error) {
	g.called = true
	return nil, nil
}

func TestKillSwitchGateBlocksOnEmergencyStop(t *testing.T) {
	ks := NewKillSwitch()
	ks.EmergencyStop("test halt")
	inner := &stubInnerGate{}
	gate := &KillSwitchGate{Kill: ks, Dept: "research", Inner: inner}

	violations, err := gate.CheckToolCall(context.Background(), "web_search", nil)
	if err != nil {
		t.Fatalf("CheckToolCall: %v", err)
	}
	if len(violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(violations))
	}
	if inner.called {
		t.Fatal("expected inner gate to be bypassed once the kill switch blocks the call")
	}
}

func TestKillSwitchGateDelegatesWhenClear(t *testing.T) {
	ks := NewKillSwitch()
	inner := &stubInnerGate{}
	gate := &KillSwitchGate{Kill: ks, Dept: "research", Inner: inner}

	violations, err := gate.CheckToolCall(context.Background(), "web_search", nil)
	if err != nil {
		t.Fatalf("CheckToolCall: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected no violations, got %v", violations)
	}
	if !inner.called {
		t.Fatal("expected inner gate to be consulted when kill switch is clear")
	}
}

func TestKillSwitchGateBlocksBlacklistedTool(t *testing.T) {
	ks := NewKillSwitch()
	ks.BlacklistTool("dangerous_tool", "safety", 0)
	gate := &KillSwitchGate{Kill: ks, Dept: "research"}

	violations, _ := gate.CheckToolCall(context.Background(), "dangerous_tool", nil)
	if len(violations) != 1 {
		t.Fatalf("expected dangerous_tool to be blocked, got %v", violations)
	}
}
