// Package kernelcell implements the recursive kernel executor unit:
// perceive -> plan -> delegate -> observe -> synthesize, with a per-cell
// token/time budget, dynamic budget reallocation from under-budget
// siblings, and preemptive cancellation of stalled children. Grounded on
// the teacher's cancellation.go (registry + CancelFunc pattern) and on
// original_source's resource_governor.py governance description.
package kernelcell

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kea-research/kernel/internal/dag"
	"github.com/kea-research/kernel/internal/envelope"
	"github.com/kea-research/kernel/internal/kerrors"
	"github.com/kea-research/kernel/internal/messagebus"
)

// Role is a position in the cell hierarchy, strictly ordered CEO > VP >
// Director > Manager > Staff.
type Role string

const (
	RoleCEO      Role = "ceo"
	RoleVP       Role = "vp"
	RoleDirector Role = "director"
	RoleManager  Role = "manager"
	RoleStaff    Role = "staff"
)

var roleDepth = map[Role]int{RoleCEO: 0, RoleVP: 1, RoleDirector: 2, RoleManager: 3, RoleStaff: 4}

// State is a cell's lifecycle state.
type State string

const (
	StateCreated      State = "created"
	StatePlanning     State = "planning"
	StateDelegating   State = "delegating"
	StateWaiting      State = "waiting"
	StateSynthesizing State = "synthesizing"
	StateDone         State = "done"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// PolicyViolation and ComplianceGate live in the dag package, since that's
// where tool/code nodes are actually dispatched and gated; aliased here so
// callers can talk about cell governance without importing dag directly.
type PolicyViolation = dag.PolicyViolation
type ComplianceGate = dag.PolicyGate
type NoopGate = dag.NoopGate

// Planner turns a natural-language query into a blueprint of DAG steps.
// This is the LLM-backed planning step; an external collaborator per
// spec.md §4.6's LLM caller contract.
type Planner interface {
	Plan(ctx context.Context, query string) ([]dag.StepSpec, error)
}

// DAGRunner executes a blueprint against a cell's artifact store under a
// token/time budget. Implemented by *dag.Executor; an interface here so
// tests can substitute a stub.
type DAGRunner interface {
	Run(ctx context.Context, query string, blueprint []dag.StepSpec, store *dag.ArtifactStore, tokenBudget int, gate dag.PolicyGate) ([]dag.NodeResult, error)
}

// Synthesizer produces the final content + key findings from accumulated
// results. Wraps an external LLM caller per spec.md §4.6.
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, results []dag.NodeResult, store *dag.ArtifactStore) (content string, keyFindings []string, confidence float64, err error)
}

// ChildSpec is one delegation target produced during planning: a subquery
// handed to a strictly-lower-role child cell.
type ChildSpec struct {
	Role       Role
	Subquery   string
	BudgetHint int
}

// Workload bundles the collaborators a cell needs to run one cognitive
// cycle. Kept as one struct so Process's signature stays stable as new
// collaborators are added.
type Workload struct {
	Planner     Planner
	Runner      DAGRunner
	Synthesizer Synthesizer
	Gate        ComplianceGate
	// Delegate, when non-nil, decides which children (if any) to spawn for
	// this query. Returning nil means "no delegation, DAG-only".
	Delegate func(ctx context.Context, query string) ([]ChildSpec, error)
}

// Cell is a recursive executor unit.
type Cell struct {
	CellID   string
	Role     Role
	Depth    int
	ParentID string
	Subquery string

	mu       sync.Mutex
	children []string
	Budget   Budget
	State    State
	Store    *dag.ArtifactStore

	bus    *messagebus.Bus
	inbox  <-chan messagebus.Message
	ledger *BudgetLedger

	errorFeedback []PolicyViolation
	messagesSent  int
	messagesRecv  int
}

// NewRoot creates the root (CEO) cell for one query.
func NewRoot(bus *messagebus.Bus, budget Budget) *Cell {
	id := uuid.NewString()
	c := &Cell{
		CellID: id,
		Role:   RoleCEO,
		Depth:  0,
		Budget: budget,
		State:  StateCreated,
		Store:  dag.NewArtifactStore(),
		bus:    bus,
		ledger: newBudgetLedger(),
	}
	c.inbox = bus.Register(id)
	return c
}

// SpawnChild creates a child of strictly lower role than c, with
// budget = min(budget_hint, parent.remaining * share), and registers it
// with the message bus. Per spec.md §4.2.
func (c *Cell) SpawnChild(role Role, subquery string, budgetHint int) (*Cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if roleDepth[role] <= roleDepth[c.Role] {
		return nil, fmt.Errorf("kernelcell: child role %q must be strictly lower than parent role %q", role, c.Role)
	}

	now := time.Now()
	b := childBudget(c.Budget.Remaining(), budgetHint, string(role), c.Budget.Deadline, now)

	child := &Cell{
		CellID:   uuid.NewString(),
		Role:     role,
		Depth:    roleDepth[role],
		ParentID: c.CellID,
		Subquery: subquery,
		Budget:   b,
		State:    StateCreated,
		Store:    dag.NewArtifactStore(),
		bus:      c.bus,
		ledger:   newBudgetLedger(),
	}
	child.inbox = c.bus.Register(child.CellID)

	c.children = append(c.children, child.CellID)
	c.ledger.register(child.CellID, b)

	return child, nil
}

// send wraps bus.Send and counts outgoing messages for envelope metadata.
func (c *Cell) send(to string, kind messagebus.Kind, payload any, reason string) error {
	err := c.bus.Send(messagebus.Message{
		ID: uuid.NewString(), From: c.CellID, To: to, Kind: kind, Payload: payload, Reason: reason,
	})
	if err == nil {
		c.mu.Lock()
		c.messagesSent++
		c.mu.Unlock()
	}
	return err
}

// progressPayload carries a child's spend and declared remaining work;
// governanceLoop folds it into the ledger when it arrives in a PROGRESS
// message. Nothing in this package sends PROGRESS: when a child finishes,
// runChildren records the finish in the ledger directly and sends this
// payload to the finished child as a FEEDBACK message.
type progressPayload struct {
	TokensUsed         int
	DeclaredWorkLeft   float64 // 0..1, self-reported
	Artifacts          []string
}

// resourcePayload is what a parent publishes to a child whose budget was
// just increased by BudgetLedger.reallocate: spec.md §4.2 step 2, "surplus
// from an under-budget finisher is redistributed to the still-running
// children". Grant is added to the receiving child's own TokensTotal.
type resourcePayload struct {
	Grant int
}

// childResult is delivered on the parent's inbox when a child's Process
// returns, carrying its envelope for synthesis.
type childResult struct {
	Envelope *envelope.StdioEnvelope
	Err      error
}

// Process runs the cognitive cycle for this cell: perceive -> plan ->
// delegate -> observe -> synthesize. It may recursively spawn child cells
// of strictly lower role and governs their budgets while they run.
func (c *Cell) Process(ctx context.Context, query string, w Workload) (*envelope.StdioEnvelope, error) {
	start := time.Now()
	env := envelope.New(c.CellID, string(c.Role), c.Depth)

	if c.Budget.Exceeded(start) {
		c.State = StateFailed
		return nil, kerrors.New(kerrors.KindResource, "kernelcell.process", fmt.Errorf("budget exhausted before start"))
	}

	c.State = StatePlanning
	blueprint, err := w.Planner.Plan(ctx, query)
	if err != nil {
		c.State = StateFailed
		return nil, kerrors.New(kerrors.KindTransient, "kernelcell.plan", err)
	}

	var childSpecs []ChildSpec
	if w.Delegate != nil {
		childSpecs, err = w.Delegate(ctx, query)
		if err != nil {
			env.AddWarning("delegate_error", err.Error(), "warning")
		}
	}

	c.State = StateDelegating
	childDone := make(chan struct{})
	var childEnvelopes []*envelope.StdioEnvelope
	var childErr error

	if len(childSpecs) > 0 {
		children := make([]*Cell, 0, len(childSpecs))
		for _, spec := range childSpecs {
			child, err := c.SpawnChild(spec.Role, spec.Subquery, spec.BudgetHint)
			if err != nil {
				env.AddWarning("spawn_error", err.Error(), "warning")
				continue
			}
			children = append(children, child)
		}

		go c.runChildren(ctx, children, w, &childEnvelopes, &childErr, childDone)
	} else {
		close(childDone)
	}

	// Governance loop: monitor the parent's own inbox for PROGRESS/CANCEL
	// while children (if any) are running, reallocating budget and
	// preemptively cancelling stalled children (spec.md §4.2 steps 2-3).
	cancelled := c.governanceLoop(ctx, childDone)

	select {
	case <-childDone:
	case <-ctx.Done():
	}

	if cancelled {
		c.State = StateCancelled
		env.AddWarning("cancelled", "parent issued CANCEL", "info")
		env.Stdout.Content = ""
		env.WithDuration(start)
		return env, kerrors.New(kerrors.KindCancelled, "kernelcell.process", ctx.Err())
	}

	// DAG execution phase for this cell's own (non-delegated) blueprint steps.
	var results []dag.NodeResult
	if w.Runner != nil && len(blueprint) > 0 {
		gate := w.Gate
		if gate == nil {
			gate = dag.NoopGate{}
		}
		results, err = w.Runner.Run(ctx, query, blueprint, c.Store, c.Budget.Remaining(), gate)
		if err != nil {
			env.AddFailure("dag", err.Error(), "surfaced_to_stderr")
		}
		for _, r := range results {
			c.Budget.TokensUsed += r.TokensUsed
			if pv, ok := r.Metadata["policy_violations"].([]dag.PolicyViolation); ok {
				c.errorFeedback = append(c.errorFeedback, pv...)
			}
		}
	}

	c.State = StateSynthesizing
	var content string
	var keyFindings []string
	var confidence float64
	if w.Synthesizer != nil {
		content, keyFindings, confidence, err = w.Synthesizer.Synthesize(ctx, query, results, c.Store)
		if err != nil {
			env.AddFailure("synthesize", err.Error(), "partial_envelope")
		}
	}
	for _, ce := range childEnvelopes {
		if ce == nil {
			continue
		}
		keyFindings = append(keyFindings, ce.Stdout.KeyFindings...)
		env.Stderr.Failures = append(env.Stderr.Failures, ce.Stderr.Failures...)
		env.Stderr.Warnings = append(env.Stderr.Warnings, ce.Stderr.Warnings...)
	}
	if childErr != nil {
		env.AddWarning("child_error", childErr.Error(), "warning")
	}

	for _, v := range c.errorFeedback {
		env.AddWarning("policy", v.Message, v.Severity)
	}

	if c.Budget.Exceeded(time.Now()) {
		c.State = StateFailed
	} else {
		c.State = StateDone
	}

	env.Stdout.Content = content
	env.Stdout.KeyFindings = keyFindings
	env.Stdout.WorkPackage = envelope.WorkPackage{
		Summary:     content,
		Artifacts:   c.Store.Names(),
		KeyFindings: keyFindings,
	}
	env.Metadata.Confidence = confidence
	env.Metadata.TokensUsed = c.Budget.TokensUsed
	env.Metadata.ChildrenCount = len(c.children)
	env.Metadata.MessagesSent = c.messagesSent
	env.Metadata.MessagesReceived = c.messagesRecv
	env.WithDuration(start)

	if c.ParentID != "" {
		c.bus.Unregister(c.CellID)
	}

	if c.State == StateFailed {
		return env, kerrors.New(kerrors.KindResource, "kernelcell.process", fmt.Errorf("budget exhausted"))
	}
	return env, nil
}

// runChildren runs every spawned child's Process concurrently and reports
// back on done once all have finished (or ctx is cancelled).
func (c *Cell) runChildren(ctx context.Context, children []*Cell, w Workload, out *[]*envelope.StdioEnvelope, outErr *error, done chan struct{}) {
	defer close(done)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, child := range children {
		wg.Add(1)
		go func(ch *Cell) {
			defer wg.Done()
			env, err := ch.Process(ctx, ch.Subquery, w)
			mu.Lock()
			*out = append(*out, env)
			if err != nil {
				*outErr = err
			}
			mu.Unlock()
			tokensUsed := 0
			if env != nil {
				tokensUsed = env.Metadata.TokensUsed
			}
			surplus := c.ledger.finish(ch.CellID)
			_ = c.send(ch.CellID, messagebus.KindFeedback, progressPayload{TokensUsed: tokensUsed}, "")
			if surplus > 0 {
				for granteeID, grant := range c.ledger.reallocate(surplus) {
					_ = c.send(granteeID, messagebus.KindResource, resourcePayload{Grant: grant}, "reallocation")
				}
			}
		}(child)
	}
	wg.Wait()
}

// governanceLoop implements spec.md §4.2 steps 2-3: reallocate surplus from
// finishers to siblings, preemptively CANCEL stalled children. Returns true
// if the parent itself was told to cancel (by its own parent) during the
// loop.
func (c *Cell) governanceLoop(ctx context.Context, done <-chan struct{}) bool {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return false
		case <-ctx.Done():
			return false
		case msg, ok := <-c.inbox:
			if !ok {
				return false
			}
			c.mu.Lock()
			c.messagesRecv++
			c.mu.Unlock()
			switch msg.Kind {
			case messagebus.KindCancel:
				c.propagateCancel(ctx, msg.Reason)
				return true
			case messagebus.KindProgress:
				if p, ok := msg.Payload.(progressPayload); ok {
					c.ledger.recordProgress(msg.From, p.TokensUsed, p.DeclaredWorkLeft)
				}
			case messagebus.KindResource:
				if p, ok := msg.Payload.(resourcePayload); ok && p.Grant > 0 {
					c.mu.Lock()
					c.Budget.TokensTotal += p.Grant
					c.mu.Unlock()
				}
			}
		case <-ticker.C:
			now := time.Now()
			for _, childID := range c.ledger.stalled(now) {
				slog.Warn("kernelcell: cancelling stalled child", "parent", c.CellID, "child", childID)
				_ = c.send(childID, messagebus.KindCancel, nil, "stall")
			}
		}
	}
}

// propagateCancel forwards CANCEL to every running child, per spec.md §5:
// "cancellation propagates downward... forwards CANCEL to all running
// children."
func (c *Cell) propagateCancel(ctx context.Context, reason string) {
	c.mu.Lock()
	kids := append([]string(nil), c.children...)
	c.mu.Unlock()
	for _, id := range kids {
		_ = c.send(id, messagebus.KindCancel, nil, reason)
	}
}
