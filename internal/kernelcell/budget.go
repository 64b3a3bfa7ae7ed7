package kernelcell

import "time"

// Budget is a cell's token/time allotment. Invariant: TokensUsed <=
// TokensTotal at all times or the owning cell is in StateFailed.
type Budget struct {
	TokensTotal    int
	TokensUsed     int
	Deadline       time.Time
	WallClockStart time.Time
}

// Remaining returns the unspent token allotment (never negative).
func (b Budget) Remaining() int {
	if b.TokensUsed >= b.TokensTotal {
		return 0
	}
	return b.TokensTotal - b.TokensUsed
}

// Exceeded reports whether the budget has been spent past its ceiling or
// its deadline has passed.
func (b Budget) Exceeded(now time.Time) bool {
	return b.TokensUsed > b.TokensTotal || (!b.Deadline.IsZero() && now.After(b.Deadline))
}

// Rate is tokens spent per second of wall-clock elapsed.
func (b Budget) Rate(now time.Time) float64 {
	elapsed := now.Sub(b.WallClockStart).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(b.TokensUsed) / elapsed
}

// roleShare is the policy-defined fraction of a parent's remaining budget a
// newly spawned child of a given role may claim, before the budget_hint cap
// is applied. Staff cells (leaf workers) get a small share since many run
// concurrently; higher roles get a larger share since fewer run at once.
var roleShare = map[string]float64{
	"vp":       0.6,
	"director": 0.4,
	"manager":  0.3,
	"staff":    0.15,
}

// childBudget computes a spawned child's budget per spec.md §4.2:
// budget = min(budget_hint, parent.remaining * share).
func childBudget(parentRemaining, budgetHint int, childRole string, deadline time.Time, now time.Time) Budget {
	share := roleShare[childRole]
	if share == 0 {
		share = 0.2
	}
	cap := int(float64(parentRemaining) * share)
	tokens := budgetHint
	if cap < tokens {
		tokens = cap
	}
	if tokens < 0 {
		tokens = 0
	}
	return Budget{TokensTotal: tokens, Deadline: deadline, WallClockStart: now}
}

// ledgerEntry tracks one live child for the governance algorithm.
type ledgerEntry struct {
	cellID       string
	original     Budget
	current      Budget
	declaredWork float64 // self-reported fraction of remaining work, 0..1
	done         bool
}

// BudgetLedger implements the dynamic reallocation + preemptive
// cancellation algorithm of spec.md §4.2, grounded on original_source's
// resource_governor.py docstring ("Dynamic Budget Reallocation",
// "Preemptive Cancellation").
type BudgetLedger struct {
	entries map[string]*ledgerEntry
}

func newBudgetLedger() *BudgetLedger {
	return &BudgetLedger{entries: make(map[string]*ledgerEntry)}
}

func (l *BudgetLedger) register(cellID string, b Budget) {
	l.entries[cellID] = &ledgerEntry{cellID: cellID, original: b, current: b, declaredWork: 1.0}
}

// recordProgress updates a child's observed spend and declared remaining
// work fraction (0 = nothing left, 1 = all of it left).
func (l *BudgetLedger) recordProgress(cellID string, tokensUsed int, declaredWorkRemaining float64) {
	e, ok := l.entries[cellID]
	if !ok {
		return
	}
	e.current.TokensUsed = tokensUsed
	e.declaredWork = declaredWorkRemaining
}

// finish marks a child done and returns its surplus (unspent tokens) to be
// redistributed to running siblings.
func (l *BudgetLedger) finish(cellID string) int {
	e, ok := l.entries[cellID]
	if !ok {
		return 0
	}
	e.done = true
	surplus := e.current.TokensTotal - e.current.TokensUsed
	if surplus < 0 {
		surplus = 0
	}
	return surplus
}

// reallocate distributes surplus across still-running siblings proportional
// to their declared remaining work, capped at 2x each sibling's original
// budget (spec.md §4.2 step 2).
func (l *BudgetLedger) reallocate(surplus int) map[string]int {
	if surplus <= 0 {
		return nil
	}
	var totalWork float64
	running := make([]*ledgerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if !e.done {
			totalWork += e.declaredWork
			running = append(running, e)
		}
	}
	if totalWork <= 0 || len(running) == 0 {
		return nil
	}
	grants := make(map[string]int, len(running))
	for _, e := range running {
		share := e.declaredWork / totalWork
		grant := int(float64(surplus) * share)
		cap := e.original.TokensTotal * 2
		if e.current.TokensTotal+grant > cap {
			grant = cap - e.current.TokensTotal
		}
		if grant <= 0 {
			continue
		}
		e.current.TokensTotal += grant
		grants[e.cellID] = grant
	}
	return grants
}

// stalled reports which running children are projected to blow through
// their revised allotment before their deadline, per spec.md §4.2 step 3:
// a child whose tokens_used/elapsed rate would exceed the revised
// allotment before deadline is cancelled with reason "stall".
func (l *BudgetLedger) stalled(now time.Time) []string {
	var out []string
	for _, e := range l.entries {
		if e.done {
			continue
		}
		if e.current.Deadline.IsZero() {
			continue
		}
		remainingTime := e.current.Deadline.Sub(now).Seconds()
		if remainingTime <= 0 {
			out = append(out, e.cellID)
			continue
		}
		rate := e.current.Rate(now)
		projected := e.current.TokensUsed + int(rate*remainingTime)
		if projected > e.current.TokensTotal {
			out = append(out, e.cellID)
		}
	}
	return out
}
