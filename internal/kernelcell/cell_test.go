package kernelcell

import (
	"context"
	"testing"
	"time"

	"github.com/kea-research/kernel/internal/dag"
	"github.com/kea-research/kernel/internal/messagebus"
)

func TestSpawnChildRejectsNonStrictlyLowerRole(t *testing.T) {
	bus := messagebus.NewBus(nil)
	root := NewRoot(bus, Budget{TokensTotal: 1000})
	if _, err := root.SpawnChild(RoleCEO, "sub", 10); err == nil {
		t.Fatal("expected error spawning a child at the same role as its parent")
	}
}

func TestSpawnChildBudgetedBelowParentRemaining(t *testing.T) {
	bus := messagebus.NewBus(nil)
	root := NewRoot(bus, Budget{TokensTotal: 1000})
	child, err := root.SpawnChild(RoleStaff, "sub", 500)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if child.Budget.TokensTotal > root.Budget.TokensTotal {
		t.Fatalf("child budget %d must not exceed parent's %d", child.Budget.TokensTotal, root.Budget.TokensTotal)
	}
}

// TestReallocationDeliversResourceGrant mirrors spec.md's budget-reallocation
// scenario: two siblings start with equal budgets, one finishes under
// budget, and the still-running sibling's effective budget increases via a
// RESOURCE message before it completes.
func TestReallocationDeliversResourceGrant(t *testing.T) {
	bus := messagebus.NewBus(nil)
	root := NewRoot(bus, Budget{TokensTotal: 1000})

	childA, err := root.SpawnChild(RoleStaff, "a", 100)
	if err != nil {
		t.Fatalf("spawn a: %v", err)
	}
	childB, err := root.SpawnChild(RoleStaff, "b", 100)
	if err != nil {
		t.Fatalf("spawn b: %v", err)
	}
	if childA.Budget.TokensTotal != childB.Budget.TokensTotal {
		t.Fatalf("expected equal starting budgets, got a=%d b=%d", childA.Budget.TokensTotal, childB.Budget.TokensTotal)
	}
	originalB := childB.Budget.TokensTotal

	// B is still working on all of its share; A used only 20% before finishing.
	root.ledger.recordProgress(childB.CellID, 0, 1.0)
	root.ledger.recordProgress(childA.CellID, childA.Budget.TokensTotal/5, 0.0)
	surplus := root.ledger.finish(childA.CellID)
	if surplus <= 0 {
		t.Fatalf("expected positive surplus from an under-budget finisher, got %d", surplus)
	}

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan bool, 1)
	go func() {
		loopDone <- childB.governanceLoop(ctx, make(chan struct{}))
	}()

	for granteeID, grant := range root.ledger.reallocate(surplus) {
		if err := root.send(granteeID, messagebus.KindResource, resourcePayload{Grant: grant}, "reallocation"); err != nil {
			t.Fatalf("send resource grant: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		childB.mu.Lock()
		got := childB.Budget.TokensTotal
		childB.mu.Unlock()
		if got > originalB {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-loopDone

	childB.mu.Lock()
	final := childB.Budget.TokensTotal
	childB.mu.Unlock()
	if final <= originalB {
		t.Fatalf("expected B's budget to increase above %d after reallocation, got %d", originalB, final)
	}
	if final > originalB*2 {
		t.Fatalf("grant must not push B past 2x its original budget %d, got %d", originalB, final)
	}
}

func TestGovernanceLoopPropagatesCancelToChildren(t *testing.T) {
	bus := messagebus.NewBus(nil)
	root := NewRoot(bus, Budget{TokensTotal: 1000})
	child, err := root.SpawnChild(RoleStaff, "sub", 100)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	ctx := context.Background()
	done := make(chan struct{})
	if err := bus.Send(messagebus.Message{ID: "m1", From: "outside", To: root.CellID, Kind: messagebus.KindCancel, Reason: "test"}); err != nil {
		t.Fatalf("send cancel: %v", err)
	}

	cancelled := root.governanceLoop(ctx, done)
	if !cancelled {
		t.Fatal("expected governanceLoop to report the parent was cancelled")
	}

	select {
	case msg := <-child.inbox:
		if msg.Kind != messagebus.KindCancel {
			t.Fatalf("expected child to receive CANCEL, got %s", msg.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CANCEL propagation to child")
	}
}

func TestProcessFailsWhenBudgetAlreadyExhausted(t *testing.T) {
	bus := messagebus.NewBus(nil)
	root := NewRoot(bus, Budget{TokensTotal: 10, TokensUsed: 11})
	_, err := root.Process(context.Background(), "q", Workload{
		Planner:     fakePlanner{},
		Synthesizer: fakeSynthesizer{},
	})
	if err == nil {
		t.Fatal("expected BudgetExhausted-style error when budget is already spent")
	}
}

type fakePlanner struct{}

func (fakePlanner) Plan(ctx context.Context, query string) ([]dag.StepSpec, error) { return nil, nil }

type fakeSynthesizer struct{}

func (fakeSynthesizer) Synthesize(ctx context.Context, query string, results []dag.NodeResult, store *dag.ArtifactStore) (string, []string, float64, error) {
	return "done", nil, 1.0, nil
}
