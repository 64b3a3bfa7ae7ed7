package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// session is one just-in-time spawned server process plus its last-use
// timestamp, swept by the idle-TTL janitor.
type session struct {
	transport transport
	lastUsed  time.Time
}

// Registry is the process-wide tool session registry: discovers servers
// and tools from on-disk manifests, spawns sessions lazily on first call,
// and tears them down after IdleTTL of inactivity. Implements
// dag.ToolInvoker so the DAG executor can dispatch tool/code nodes
// directly through it.
type Registry struct {
	IdleTTL time.Duration

	mu           sync.RWMutex
	tools        map[string]RegisteredTool
	toolToServer map[string]string
	servers      map[string]ServerConfig
	sessions     map[string]*session

	autowirer *AutoWirer
	semantic  *SemanticIndex
	cache     *Cache

	tracer        trace.Tracer
	callLatency   metric.Float64Histogram
	callFailures  metric.Int64Counter
	spawnCount    metric.Int64Counter
	sweepCount    metric.Int64Counter
}

// New builds an empty registry. cache may be nil (no persistent manifest
// cache, every discovery re-reads disk).
func New(cache *Cache, store ArtifactLookup) *Registry {
	meter := otel.Meter("kea-kernel")
	callLatency, _ := meter.Float64Histogram("kea_registry_call_latency_ms")
	callFailures, _ := meter.Int64Counter("kea_registry_call_failures_total")
	spawnCount, _ := meter.Int64Counter("kea_registry_sessions_spawned_total")
	sweepCount, _ := meter.Int64Counter("kea_registry_sessions_swept_total")

	r := &Registry{
		IdleTTL:      defaultIdleTTL,
		tools:        make(map[string]RegisteredTool),
		toolToServer: make(map[string]string),
		servers:      make(map[string]ServerConfig),
		sessions:     make(map[string]*session),
		cache:        cache,
		semantic:     NewSemanticIndex(nil),
		tracer:       otel.Tracer("kea-registry"),
		callLatency:  callLatency,
		callFailures: callFailures,
		spawnCount:   spawnCount,
		sweepCount:   sweepCount,
	}
	r.autowirer = NewAutoWirer(r, store)
	return r
}

// RegisterServer adds or replaces a server config.
func (r *Registry) RegisterServer(cfg ServerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[cfg.Name] = cfg
}

// RegisterTool adds or replaces a discovered tool, wiring both the exact
// lookup map and the semantic index.
func (r *Registry) RegisterTool(t RegisteredTool) {
	r.mu.Lock()
	r.tools[t.Name] = t
	r.toolToServer[t.Name] = t.ServerName
	r.mu.Unlock()
	r.semantic.Index(t.Name, t.Description)
}

// GetTool returns a registered tool by exact name.
func (r *Registry) GetTool(name string) (RegisteredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// GetServerForTool bypasses semantic search entirely: an exact tool_name
// key hit in toolToServer, as original_source's get_server_for_tool does.
func (r *Registry) GetServerForTool(toolName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.toolToServer[toolName]
	return s, ok
}

// ListTools returns every tool, optionally filtered to one server.
func (r *Registry) ListTools(serverName string) []RegisteredTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []RegisteredTool
	for _, t := range r.tools {
		if serverName == "" || t.ServerName == serverName {
			out = append(out, t)
		}
	}
	return out
}

// Search performs semantic tool search (embeddings + cosine similarity)
// with a keyword/substring fallback when no embedder is configured or no
// candidate clears the similarity floor.
func (r *Registry) Search(ctx context.Context, query string, topK int) []string {
	return r.semantic.Search(ctx, query, topK)
}

// getOrSpawn returns the live session for serverName, spawning it
// just-in-time on first use.
func (r *Registry) getOrSpawn(ctx context.Context, serverName string) (*session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[serverName]; ok {
		s.lastUsed = time.Now()
		r.mu.Unlock()
		return s, nil
	}
	cfg, ok := r.servers[serverName]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown server %q", serverName)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("registry: server %q is disabled", serverName)
	}

	var tr transport
	var err error
	switch cfg.Transport {
	case TransportSSE:
		tr = dialSSE(cfg.URL)
	default:
		tr, err = spawnStdio(ctx, cfg.Command, cfg.Args)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: spawn session for %q: %w", serverName, err)
	}

	s := &session{transport: tr, lastUsed: time.Now()}
	r.mu.Lock()
	r.sessions[serverName] = s
	r.mu.Unlock()
	r.spawnCount.Add(ctx, 1, metric.WithAttributes(attribute.String("server", serverName)))
	return s, nil
}

// Invoke implements dag.ToolInvoker: resolve tool -> server, auto-wire
// missing required arguments from the artifact store, dispatch over the
// session transport, and record usage stats.
func (r *Registry) Invoke(ctx context.Context, toolName string, args map[string]any) (map[string]any, int, error) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "registry.invoke", trace.WithAttributes(attribute.String("tool", toolName)))
	defer span.End()

	serverName, ok := r.GetServerForTool(toolName)
	if !ok {
		r.callFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", toolName)))
		return nil, 0, fmt.Errorf("registry: no server registered for tool %q", toolName)
	}

	wired, err := r.autowirer.WireInputs(ctx, toolName, args)
	if err != nil {
		r.callFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", toolName)))
		return nil, 0, fmt.Errorf("registry: wire inputs for %q: %w", toolName, err)
	}

	s, err := r.getOrSpawn(ctx, serverName)
	if err != nil {
		r.callFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", toolName)))
		return nil, 0, err
	}

	raw, err := s.transport.Call(ctx, "tools/call", map[string]any{"name": toolName, "arguments": wired})
	r.callLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("tool", toolName)))
	if err != nil {
		r.callFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", toolName)))
		return nil, 0, fmt.Errorf("registry: call %q: %w", toolName, err)
	}

	var result map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, 0, fmt.Errorf("registry: decode result for %q: %w", toolName, err)
		}
	}

	r.mu.Lock()
	if t, ok := r.tools[toolName]; ok {
		t.CallCount++
		elapsed := float64(time.Since(start).Milliseconds())
		t.AvgDurationMs = (t.AvgDurationMs*float64(t.CallCount-1) + elapsed) / float64(t.CallCount)
		r.tools[toolName] = t
	}
	r.mu.Unlock()

	return result, 0, nil
}

// ExecuteBatch dispatches several independent tool calls concurrently,
// for batch-admitted micro_tasks (internal/dispatcher) that don't need
// the full DAG executor's dependency machinery.
func (r *Registry) ExecuteBatch(ctx context.Context, calls []struct {
	ToolName string
	Args     map[string]any
}) []error {
	errs := make([]error, len(calls))
	var wg sync.WaitGroup
	for i, c := range calls {
		wg.Add(1)
		go func(idx int, toolName string, args map[string]any) {
			defer wg.Done()
			_, _, err := r.Invoke(ctx, toolName, args)
			errs[idx] = err
		}(i, c.ToolName, c.Args)
	}
	wg.Wait()
	return errs
}

// Sweep closes and evicts every session idle longer than r.IdleTTL. The
// host runs this on a ticker.
func (r *Registry) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.IdleTTL)
	r.mu.Lock()
	var stale []*session
	var staleNames []string
	for name, s := range r.sessions {
		if s.lastUsed.Before(cutoff) {
			stale = append(stale, s)
			staleNames = append(staleNames, name)
		}
	}
	for _, name := range staleNames {
		delete(r.sessions, name)
	}
	r.mu.Unlock()

	for _, s := range stale {
		_ = s.transport.Close()
	}
	if len(stale) > 0 {
		r.sweepCount.Add(ctx, int64(len(stale)))
		slog.Info("registry: swept idle sessions", "count", len(stale))
	}
}

// StartSweeper runs Sweep on a fixed interval until ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Close tears down every live session, for graceful host shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()
	for _, s := range sessions {
		_ = s.transport.Close()
	}
}
