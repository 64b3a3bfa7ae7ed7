package dag

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kea-research/kernel/libs/go/core/resilience"
)

// ToolInvoker dispatches a tool/code node to the tool session registry's
// auto-wirer. External collaborator per spec.md §4.6 (tool registry) and
// §4.4 (Auto-Wirer).
type ToolInvoker interface {
	Invoke(ctx context.Context, toolName string, args map[string]any) (result map[string]any, tokensUsed int, err error)
}

// LLMCaller drives an llm node's prompt/system pair.
type LLMCaller interface {
	Complete(ctx context.Context, system, prompt string) (text string, tokensUsed int, err error)
}

// AgentRunner drives an agentic node's bounded ReAct-style loop.
type AgentRunner interface {
	Run(ctx context.Context, goal string, maxSteps int, tools []string) (result map[string]any, tokensUsed int, err error)
}

// Executor is the DAG engine: Kahn's-algorithm scheduling over a bounded,
// dynamically-throttled worker pool, per-node retry with backoff, and
// policy-gated tool/code dispatch, re-evaluated by a reactive microplanner
// after every node completion. Grounded on the teacher's dag_engine.go
// DAGEngine.
type Executor struct {
	MaxWorkers int
	MaxReplans int
	Tools      ToolInvoker
	LLM        LLMCaller
	Agent      AgentRunner
	Reflector  Reflector

	// CustomMergers resolves a merge node's MergeFunc name to the function
	// that combines its MergeInputs artifacts, for MergeStrategy "custom".
	// Registered by the host; a "custom" node naming an unregistered
	// MergeFunc fails rather than silently behaving like "concat".
	CustomMergers map[string]func(inputs []string, store *ArtifactStore) (any, error)

	ceiling int32 // current parallelism ceiling; adjustable via SetParallelism
	running int32 // nodes currently executing across all in-flight Run calls

	tracer       trace.Tracer
	nodeDuration metric.Float64Histogram
	nodeRetries  metric.Int64Counter
	nodeFailures metric.Int64Counter
	replanCount  metric.Int64Counter
}

// NewExecutor builds an Executor with maxWorkers concurrent node slots.
func NewExecutor(maxWorkers int, tools ToolInvoker, llm LLMCaller, agent AgentRunner) *Executor {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	meter := otel.Meter("kea-kernel")
	duration, _ := meter.Float64Histogram("kea_dag_node_duration_ms")
	retries, _ := meter.Int64Counter("kea_dag_node_retries_total")
	failures, _ := meter.Int64Counter("kea_dag_node_failures_total")
	replans, _ := meter.Int64Counter("kea_dag_replans_total")
	return &Executor{
		MaxWorkers:   maxWorkers,
		MaxReplans:   3,
		Tools:        tools,
		LLM:          llm,
		Agent:        agent,
		ceiling:      int32(maxWorkers),
		tracer:       otel.Tracer("kea-dag"),
		nodeDuration: duration,
		nodeRetries:  retries,
		nodeFailures: failures,
		replanCount:  replans,
	}
}

// SetParallelism adjusts the live parallelism ceiling, clamped to
// [1, MaxWorkers]. The governor's graceful-degrader broadcast (spec.md
// §4.5, §5) calls this to shrink K without tearing down in-flight workers.
func (e *Executor) SetParallelism(n int) {
	if n < 1 {
		n = 1
	}
	if n > e.MaxWorkers {
		n = e.MaxWorkers
	}
	atomic.StoreInt32(&e.ceiling, int32(n))
}

func (e *Executor) acquireSlot(ctx context.Context) bool {
	for {
		cur := atomic.LoadInt32(&e.running)
		ceil := atomic.LoadInt32(&e.ceiling)
		if cur < ceil {
			if atomic.CompareAndSwapInt32(&e.running, cur, cur+1) {
				return true
			}
			continue
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (e *Executor) releaseSlot() {
	atomic.AddInt32(&e.running, -1)
}

type graphNode struct {
	node     *WorkflowNode
	children []*graphNode
	inDegree int
	counted  bool // already folded into doneCount via skip or completion
}

const readyBuffer = 4096

// Run parses steps into a typed DAG and executes it to completion,
// returning every node's result in completion order. tokenBudget bounds
// total spend across all nodes; a node that starts after the budget is
// fully spent is skipped, cascading to its dependents. query is
// the originating natural-language query, threaded through to the
// microplanner's LLM reflection context and EXPAND fallback steps.
func (e *Executor) Run(ctx context.Context, query string, steps []StepSpec, store *ArtifactStore, tokenBudget int, gate PolicyGate) ([]NodeResult, error) {
	if gate == nil {
		gate = NoopGate{}
	}
	nodes, err := ParseBlueprint(steps)
	if err != nil {
		return nil, fmt.Errorf("dag: %w", err)
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	ctx, span := e.tracer.Start(ctx, "dag.run", trace.WithAttributes(attribute.Int("node_count", len(nodes))))
	defer span.End()

	var reflector Reflector = e.Reflector
	if reflector == nil && e.LLM != nil {
		reflector = &LLMReflector{LLM: e.LLM}
	}
	planner := NewMicroplanner(reflector, e.MaxReplans, query)

	graph := make(map[string]*graphNode, len(nodes))
	storedNodes := make([]*WorkflowNode, len(nodes))
	for i := range nodes {
		storedNodes[i] = &nodes[i]
		graph[nodes[i].ID] = &graphNode{node: storedNodes[i]}
	}
	for _, g := range graph {
		g.inDegree = len(g.node.DependsOn)
	}
	for _, g := range graph {
		for _, dep := range g.node.DependsOn {
			graph[dep].children = append(graph[dep].children, g)
		}
	}

	ready := make(chan *graphNode, readyBuffer)
	for _, g := range graph {
		if g.inDegree == 0 {
			ready <- g
		}
	}

	type outcome struct {
		gn     *graphNode
		result NodeResult
	}
	results := make(chan outcome, readyBuffer)

	var wg sync.WaitGroup
	var spentMu sync.Mutex
	spent := 0
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	for i := 0; i < e.MaxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case gn, ok := <-ready:
					if !ok {
						return
					}
					if !e.acquireSlot(workerCtx) {
						return
					}
					spentMu.Lock()
					remaining := tokenBudget - spent
					spentMu.Unlock()
					r := e.runNode(workerCtx, gn.node, store, gate, remaining)
					e.releaseSlot()
					spentMu.Lock()
					spent += r.TokensUsed
					spentMu.Unlock()
					select {
					case results <- outcome{gn: gn, result: r}:
					case <-workerCtx.Done():
						return
					}
				}
			}
		}()
	}

	var all []NodeResult
	remainingIn := make(map[string]int, len(graph))
	for id, g := range graph {
		remainingIn[id] = g.inDegree
	}
	total := len(graph)
	done := 0
	replanGen := 0

	// remainingSteps mirrors the blueprint's not-yet-completed tail, kept as
	// StepSpecs so the microplanner can inspect it and so REPLAN has
	// something concrete to replace.
	remainingStepsOf := func() []StepSpec {
		var out []StepSpec
		for _, g := range graph {
			switch g.node.Status {
			case StatusCompleted, StatusFailed, StatusSkipped:
			default:
				out = append(out, stepFromNode(g.node))
			}
		}
		return out
	}

	markSkipped := func(g *graphNode) {
		if g.counted {
			return
		}
		g.counted = true
		g.node.Status = StatusSkipped
		r := NodeResult{NodeID: g.node.ID, Status: StatusSkipped}
		g.node.Result = &r
		all = append(all, r)
		done++
	}

	skipAllPending := func() {
		for _, g := range graph {
			if g.node.Status == StatusPending || g.node.Status == StatusWaiting {
				markSkipped(g)
			}
		}
	}

	injectExpand := func(newSteps []StepSpec, dependsOn string) {
		for _, s := range newSteps {
			if s.ID == "" {
				continue
			}
			if _, dup := graph[s.ID]; dup {
				continue
			}
			if s.DependsOn == nil {
				s.DependsOn = []string{dependsOn}
			}
			n := parseNode(s)
			storedNodes = append(storedNodes, &n)
			gn := &graphNode{node: storedNodes[len(storedNodes)-1], inDegree: len(n.DependsOn)}
			graph[n.ID] = gn
			remainingIn[n.ID] = gn.inDegree
			total++
			for _, dep := range n.DependsOn {
				if dg, ok := graph[dep]; ok {
					dg.children = append(dg.children, gn)
				}
			}
			if gn.inDegree == 0 || allDepsTerminal(graph, n.DependsOn) {
				gn.node.Status = StatusWaiting
				ready <- gn
			}
		}
	}

	replan := func(newSteps []StepSpec) {
		skipAllPending()
		replanGen++
		prefix := fmt.Sprintf("replan%d.", replanGen)
		byID := make(map[string]string, len(newSteps))
		for i := range newSteps {
			if newSteps[i].ID == "" {
				newSteps[i].ID = fmt.Sprintf("%sstep%d", prefix, i)
			} else {
				byID[newSteps[i].ID] = prefix + newSteps[i].ID
			}
		}
		for i := range newSteps {
			newSteps[i].ID = prefix + stripPrefix(newSteps[i].ID, prefix)
			remapped := make([]string, 0, len(newSteps[i].DependsOn))
			for _, d := range newSteps[i].DependsOn {
				if mapped, ok := byID[d]; ok {
					remapped = append(remapped, mapped)
				}
			}
			newSteps[i].DependsOn = remapped
		}
		for _, s := range newSteps {
			n := parseNode(s)
			storedNodes = append(storedNodes, &n)
			gn := &graphNode{node: storedNodes[len(storedNodes)-1], inDegree: len(n.DependsOn)}
			graph[n.ID] = gn
			remainingIn[n.ID] = gn.inDegree
			total++
			for _, dep := range n.DependsOn {
				if dg, ok := graph[dep]; ok {
					dg.children = append(dg.children, gn)
				}
			}
			if gn.inDegree == 0 {
				gn.node.Status = StatusWaiting
				ready <- gn
			}
		}
	}

	for done < total {
		select {
		case <-ctx.Done():
			stopWorkers()
			wg.Wait()
			return all, ctx.Err()
		case o := <-results:
			done++
			o.gn.node.Status = o.result.Status
			o.gn.node.Result = &o.result
			o.gn.counted = true
			all = append(all, o.result)
			if o.result.OutputArtifactSet() && o.gn.node.OutputArtifact != "" {
				store.Put(o.gn.node.ID, o.gn.node.OutputArtifact, o.result.Output)
			}

			skip := o.result.Status == StatusFailed || o.result.Status == StatusSkipped
			for _, child := range o.gn.children {
				remainingIn[child.node.ID]--
				if remainingIn[child.node.ID] != 0 {
					continue
				}
				if skip {
					skipSubtreeCounted(child, markSkipped)
					continue
				}
				child.node.Status = StatusWaiting
				ready <- child
			}

			decision := planner.Checkpoint(ctx, o.gn.node, o.result, remainingStepsOf(), store, len(o.gn.children) > 0)
			switch decision.Action {
			case ActionComplete:
				skipAllPending()
			case ActionExpand:
				e.replanCount.Add(ctx, 1, metric.WithAttributes(attribute.String("action", "expand")))
				injectExpand(decision.NewSteps, o.gn.node.ID)
			case ActionReplan:
				e.replanCount.Add(ctx, 1, metric.WithAttributes(attribute.String("action", "replan")))
				replan(decision.NewSteps)
			}
		}
	}

	stopWorkers()
	close(ready)
	wg.Wait()
	return all, nil
}

func allDepsTerminal(graph map[string]*graphNode, deps []string) bool {
	for _, d := range deps {
		g, ok := graph[d]
		if !ok {
			return false
		}
		switch g.node.Status {
		case StatusCompleted, StatusFailed, StatusSkipped:
		default:
			return false
		}
	}
	return true
}

func skipSubtreeCounted(g *graphNode, mark func(*graphNode)) {
	mark(g)
	for _, child := range g.children {
		skipSubtreeCounted(child, mark)
	}
}

func stripPrefix(s, prefix string) string {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

// stepFromNode reconstructs a StepSpec view of a not-yet-terminal
// WorkflowNode, for the microplanner's "remaining_nodes" context.
func stepFromNode(n *WorkflowNode) StepSpec {
	return StepSpec{
		ID: n.ID, NodeType: string(n.NodeType), Phase: n.Phase, DependsOn: n.DependsOn,
		ToolName: n.ToolName, Args: n.Args, InputMapping: n.InputMapping, OutputArtifact: n.OutputArtifact,
		Prompt: n.Prompt, System: n.System, Condition: n.Condition,
		TrueBranch: n.TrueBranch, FalseBranch: n.FalseBranch,
		LoopOver: n.LoopOver, LoopBody: n.LoopBody, MaxParallel: n.MaxParallel, LoopVariable: n.LoopVariable,
		MergeInputs: n.MergeInputs, MergeStrategy: string(n.MergeStrategy), MergeFunc: n.MergeFunc,
		Goal: n.Goal, AgentMaxSteps: n.AgentMaxSteps, AgentTools: n.AgentTools,
	}
}

// OutputArtifactSet reports whether r's output may be published under the
// node's OutputArtifact name: only completed results are.
func (r NodeResult) OutputArtifactSet() bool {
	return r.Status == StatusCompleted
}

// runNode dispatches one node by type, retrying failed attempts with
// backoff+jitter via libs/go/core/resilience.Retry, up to MaxRetries
// attempts in total. Every dispatch error is retried; errors are not
// filtered by their kerrors kind.
func (e *Executor) runNode(ctx context.Context, n *WorkflowNode, store *ArtifactStore, gate PolicyGate, budgetRemaining int) NodeResult {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "dag.node", trace.WithAttributes(
		attribute.String("node_id", n.ID), attribute.String("node_type", string(n.NodeType)),
	))
	defer span.End()

	if budgetRemaining <= 0 {
		return NodeResult{NodeID: n.ID, Status: StatusSkipped, Error: "token budget exhausted"}
	}

	attempts := n.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	result, err := resilience.Retry(ctx, attempts, 100*time.Millisecond, func() (NodeResult, error) {
		return e.dispatch(ctx, n, store, gate)
	})

	result.NodeID = n.ID
	elapsed := time.Since(start)
	e.nodeDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		attribute.String("node_type", string(n.NodeType))))

	if err != nil {
		e.nodeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("node_id", n.ID)))
		result.Status = StatusFailed
		result.Error = err.Error()
		return result
	}
	if result.Status == "" {
		result.Status = StatusCompleted
	}
	return result
}

// dispatch runs one attempt of one node type.
func (e *Executor) dispatch(ctx context.Context, n *WorkflowNode, store *ArtifactStore, gate PolicyGate) (NodeResult, error) {
	resolved := resolveArgs(n.Args, n.InputMapping, store)

	switch n.NodeType {
	case NodeTool, NodeCode:
		if violations, err := gate.CheckToolCall(ctx, n.ToolName, resolved); err != nil {
			return NodeResult{}, err
		} else if len(violations) > 0 {
			return NodeResult{
				Status:   StatusFailed,
				Error:    "policy violation",
				Metadata: map[string]any{"policy_violations": violations},
			}, nil
		}
		if e.Tools == nil {
			return NodeResult{}, fmt.Errorf("dag: no tool invoker configured for %q", n.ToolName)
		}
		out, tokens, err := e.Tools.Invoke(ctx, n.ToolName, resolved)
		if err != nil {
			return NodeResult{}, err
		}
		return NodeResult{Output: out, TokensUsed: tokens}, nil

	case NodeLLM:
		if e.LLM == nil {
			return NodeResult{}, fmt.Errorf("dag: no LLM caller configured for node %q", n.ID)
		}
		text, tokens, err := e.LLM.Complete(ctx, n.System, n.Prompt)
		if err != nil {
			return NodeResult{}, err
		}
		return NodeResult{Output: text, TokensUsed: tokens}, nil

	case NodeAgentic:
		if e.Agent == nil {
			return NodeResult{}, fmt.Errorf("dag: no agent runner configured for node %q", n.ID)
		}
		out, tokens, err := e.Agent.Run(ctx, n.Goal, n.AgentMaxSteps, n.AgentTools)
		if err != nil {
			return NodeResult{}, err
		}
		return NodeResult{Output: out, TokensUsed: tokens}, nil

	case NodeSwitch:
		branch, err := e.evaluateSwitch(n, store)
		if err != nil {
			return NodeResult{}, err
		}
		sub, err := e.Run(ctx, n.Condition, branch, store, 1<<30, gate)
		if err != nil {
			return NodeResult{}, err
		}
		return aggregateSubResults(sub), nil

	case NodeLoop:
		return e.runLoop(ctx, n, store, gate)

	case NodeMerge:
		return e.mergeArtifacts(n, store)

	default:
		return NodeResult{}, fmt.Errorf("dag: unknown node type %q", n.NodeType)
	}
}

// resolveArgs starts from the explicit Args and then sets each
// input_mapping key ("local_key": "step_id.artifact_name") from the
// artifact store, overriding an Arg of the same name. A reference whose
// step_id/artifact pair is absent falls back to the newest artifact with
// that name.
func resolveArgs(args map[string]any, mapping map[string]string, store *ArtifactStore) map[string]any {
	resolved := make(map[string]any, len(args)+len(mapping))
	for k, v := range args {
		resolved[k] = v
	}
	for local, ref := range mapping {
		stepID, artifact := splitRef(ref)
		if v, ok := store.Get(stepID, artifact); ok {
			resolved[local] = v
			continue
		}
		if vs := store.FindByName(artifact); len(vs) > 0 {
			resolved[local] = vs[0]
		}
	}
	return resolved
}

func splitRef(ref string) (stepID, artifact string) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '.' {
			return ref[:i], ref[i+1:]
		}
	}
	return "", ref
}

// evaluateSwitch compiles and runs Condition via expr-lang/expr against
// every artifact in the store (the newest value per name) and picks the
// matching branch.
func (e *Executor) evaluateSwitch(n *WorkflowNode, store *ArtifactStore) ([]StepSpec, error) {
	env := map[string]any{}
	for _, name := range store.Names() {
		if vs := store.FindByName(name); len(vs) > 0 {
			env[name] = vs[0]
		}
	}
	out, err := expr.Eval(n.Condition, env)
	if err != nil {
		return nil, fmt.Errorf("dag: switch condition %q: %w", n.Condition, err)
	}
	truthy, _ := out.(bool)
	if truthy {
		return n.TrueBranch, nil
	}
	return n.FalseBranch, nil
}

// runLoop iterates LoopBody once per element of the artifact named
// LoopOver, bounded to MaxParallel concurrent iterations. Per spec.md §8,
// a loop node whose loop_over artifact is not a sequence is a hard
// validation error (REDESIGN FLAGS: fail fast rather than silently
// iterating zero times).
func (e *Executor) runLoop(ctx context.Context, n *WorkflowNode, store *ArtifactStore, gate PolicyGate) (NodeResult, error) {
	items := store.FindByName(n.LoopOver)
	if len(items) == 0 {
		return NodeResult{}, fmt.Errorf("dag: loop node %q: loop_over artifact %q not found", n.ID, n.LoopOver)
	}
	seq, ok := items[0].([]any)
	if !ok {
		return NodeResult{}, fmt.Errorf("dag: loop node %q: artifact %q is not a sequence", n.ID, n.LoopOver)
	}

	sem := make(chan struct{}, n.MaxParallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var all []NodeResult
	var firstErr error

	for i, item := range seq {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, it any) {
			defer wg.Done()
			defer func() { <-sem }()
			iterStore := NewArtifactStore()
			iterStore.Put("loop", n.LoopVariable, it)
			body := make([]StepSpec, len(n.LoopBody))
			copy(body, n.LoopBody)
			for j := range body {
				body[j].ID = fmt.Sprintf("%s.%d.%s", n.ID, idx, body[j].ID)
			}
			res, err := e.Run(ctx, n.Goal, body, iterStore, 1<<30, gate)
			mu.Lock()
			all = append(all, res...)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}(i, item)
	}
	wg.Wait()

	if firstErr != nil {
		return NodeResult{}, firstErr
	}
	return aggregateSubResults(all), nil
}

func aggregateSubResults(results []NodeResult) NodeResult {
	total := 0
	outputs := make([]any, 0, len(results))
	for _, r := range results {
		total += r.TokensUsed
		if r.Status == StatusCompleted {
			outputs = append(outputs, r.Output)
		}
	}
	return NodeResult{Output: outputs, TokensUsed: total}
}

// mergeArtifacts combines MergeInputs per MergeStrategy.
func (e *Executor) mergeArtifacts(n *WorkflowNode, store *ArtifactStore) (NodeResult, error) {
	switch n.MergeStrategy {
	case MergeFirst:
		for _, name := range n.MergeInputs {
			if vs := store.FindByName(name); len(vs) > 0 {
				return NodeResult{Output: vs[0]}, nil
			}
		}
		return NodeResult{}, nil
	case MergeDict:
		out := make(map[string]any, len(n.MergeInputs))
		for _, name := range n.MergeInputs {
			if vs := store.FindByName(name); len(vs) > 0 {
				out[name] = vs[0]
			}
		}
		return NodeResult{Output: out}, nil
	case MergeCustom:
		fn, ok := e.CustomMergers[n.MergeFunc]
		if !ok {
			return NodeResult{}, fmt.Errorf("dag: merge node %q: no custom merger registered for %q", n.ID, n.MergeFunc)
		}
		out, err := fn(n.MergeInputs, store)
		if err != nil {
			return NodeResult{}, fmt.Errorf("dag: merge node %q: custom merger %q: %w", n.ID, n.MergeFunc, err)
		}
		return NodeResult{Output: out}, nil
	default: // concat
		var out []any
		for _, name := range n.MergeInputs {
			out = append(out, store.FindByName(name)...)
		}
		return NodeResult{Output: out}, nil
	}
}
