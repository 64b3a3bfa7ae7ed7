package kernelcell

import (
	"testing"
	"time"
)

func TestChildBudgetCapsAtShareOfParentRemaining(t *testing.T) {
	now := time.Now()
	b := childBudget(1000, 800, "staff", time.Time{}, now)
	if b.TokensTotal != 150 {
		t.Fatalf("expected staff share cap 150 (0.15*1000), got %d", b.TokensTotal)
	}

	b = childBudget(1000, 50, "vp", time.Time{}, now)
	if b.TokensTotal != 50 {
		t.Fatalf("expected budget_hint 50 to win under vp's 600 cap, got %d", b.TokensTotal)
	}
}

func TestBudgetLedgerReallocateProportionalToDeclaredWork(t *testing.T) {
	l := newBudgetLedger()
	l.register("a", Budget{TokensTotal: 100})
	l.register("b", Budget{TokensTotal: 100})
	l.register("c", Budget{TokensTotal: 100})

	// b declares 75% of its work remaining, c declares 25%.
	l.recordProgress("b", 10, 0.75)
	l.recordProgress("c", 10, 0.25)

	l.recordProgress("a", 20, 0.0)
	surplus := l.finish("a")
	if surplus != 80 {
		t.Fatalf("expected surplus 80 (100 budget - 20 used), got %d", surplus)
	}

	grants := l.reallocate(surplus)
	if grants["b"] != 60 {
		t.Fatalf("expected b to receive 60 (0.75 share of 80), got %d", grants["b"])
	}
	if grants["c"] != 20 {
		t.Fatalf("expected c to receive 20 (0.25 share of 80), got %d", grants["c"])
	}
	if _, ok := grants["a"]; ok {
		t.Fatalf("finished sibling must not receive a grant")
	}
}

func TestBudgetLedgerReallocateCapsAtTwiceOriginal(t *testing.T) {
	l := newBudgetLedger()
	l.register("a", Budget{TokensTotal: 50})
	l.register("b", Budget{TokensTotal: 10})

	l.recordProgress("b", 0, 1.0)
	l.recordProgress("a", 0, 0.0)
	surplus := l.finish("a")

	grants := l.reallocate(surplus)
	if grants["b"] != 10 {
		t.Fatalf("expected b capped at +10 (2x its original 10), got %d", grants["b"])
	}
}

func TestBudgetLedgerReallocateNoSurplusIsNoop(t *testing.T) {
	l := newBudgetLedger()
	l.register("a", Budget{TokensTotal: 10})
	if grants := l.reallocate(0); grants != nil {
		t.Fatalf("expected nil grants for zero surplus, got %v", grants)
	}
}

func TestBudgetLedgerStalledProjectsPastDeadline(t *testing.T) {
	now := time.Now()
	l := newBudgetLedger()
	l.register("slow", Budget{TokensTotal: 100, Deadline: now.Add(10 * time.Second), WallClockStart: now.Add(-5 * time.Second)})
	l.entries["slow"].current.TokensUsed = 90 // rate of 18 tok/s, 10s left -> projects to 270

	stalled := l.stalled(now)
	if len(stalled) != 1 || stalled[0] != "slow" {
		t.Fatalf("expected slow to be flagged stalled, got %v", stalled)
	}
}
