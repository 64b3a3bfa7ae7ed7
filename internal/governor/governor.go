// Package governor implements the resource governor ("the Foreman"):
// gates new cell/agent spawns on CPU, RAM, active-agent count and DB pool
// pressure, and broadcasts a graceful-degrade event over the message bus
// when the system crosses into WARNING or CRITICAL. Grounded on
// original_source's resource_governor.py (SystemState/ResourceGovernor)
// and kill_switch.py (emergency stop / tool blacklist / department pause).
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/kea-research/kernel/internal/messagebus"
)

// Status is the governor's tri-state health verdict.
type Status string

const (
	Healthy  Status = "HEALTHY"
	Warning  Status = "WARNING"
	Critical Status = "CRITICAL"
)

// SystemState is one health-poll snapshot, mirroring original_source's
// SystemState dataclass.
type SystemState struct {
	CPUPercent     float64
	RAMPercent     float64
	ActiveAgents   int
	DBConnections  int
	Status         Status
	SampledAt      time.Time
}

// ActiveAgentCounter reports how many cells/agents are currently running.
// Implemented by the kernelcell registry in the host wiring.
type ActiveAgentCounter interface {
	ActiveCount() int
}

// DBPoolStats reports live connection-pool pressure, implemented by a
// thin wrapper over *pgxpool.Pool.Stat() in the dispatcher.
type DBPoolStats interface {
	AcquiredConns() int
}

const broadcastTopic = "governor.health"

// Governor polls system health and gates new spawns, per spec.md §4.5.
type Governor struct {
	MaxCPU       float64
	MaxRAM       float64
	MaxAgents    int
	Agents       ActiveAgentCounter
	DBPool       DBPoolStats
	Bus          *messagebus.Bus

	// RecoveryWindow is how long health must stay Healthy before a
	// degraded governor un-degrades, per spec.md §5: "Recovery is automatic
	// when health returns to healthy for a sustained window (default 10s)."
	// A single healthy sample does not by itself clear degraded.
	RecoveryWindow time.Duration

	mu           sync.RWMutex
	last         SystemState
	degraded     bool
	healthySince time.Time // zero while not in a recovery window
}

// New builds a Governor with the defaults original_source uses
// (MAX_CPU_PERCENT=80, MAX_RAM_PERCENT=80, MAX_CONCURRENT_AGENTS=50),
// overridable by the caller after construction.
func New(bus *messagebus.Bus, agents ActiveAgentCounter, dbPool DBPoolStats) *Governor {
	return &Governor{
		MaxCPU:         80.0,
		MaxRAM:         80.0,
		MaxAgents:      50,
		RecoveryWindow: 10 * time.Second,
		Agents:         agents,
		DBPool:         dbPool,
		Bus:            bus,
	}
}

// applyStatus folds one classified status sample into the governor's
// degraded state, applying the recovery-window hysteresis of spec.md §5:
// degrading is immediate, but a degraded governor only clears once status
// has read Healthy continuously for RecoveryWindow. Returns (previous,
// current) degraded state so the caller can detect a transition.
func (g *Governor) applyStatus(status Status, state SystemState) (prevDegraded, degradedNow bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prevDegraded = g.degraded
	now := state.SampledAt
	switch {
	case status != Healthy:
		g.degraded = true
		g.healthySince = time.Time{}
	case prevDegraded:
		// Healthy sample while degraded: only clear degraded once healthy
		// has held continuously for RecoveryWindow.
		if g.healthySince.IsZero() {
			g.healthySince = now
		}
		window := g.RecoveryWindow
		if window <= 0 {
			window = 10 * time.Second
		}
		if now.Sub(g.healthySince) >= window {
			g.degraded = false
			g.healthySince = time.Time{}
		}
	}
	g.last = state
	degradedNow = g.degraded
	return prevDegraded, degradedNow
}

// CheckHealth samples CPU/RAM via gopsutil and active-agent/DB-pool counts
// via the injected collaborators, classifies the result, and broadcasts an
// ALERT when the governor becomes degraded and an UPDATE when it recovers;
// a status change that leaves it degraded broadcasts nothing.
func (g *Governor) CheckHealth(ctx context.Context) (SystemState, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return SystemState{}, fmt.Errorf("governor: cpu sample: %w", err)
	}
	cpuPct := 0.0
	if len(percents) > 0 {
		cpuPct = percents[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return SystemState{}, fmt.Errorf("governor: mem sample: %w", err)
	}

	activeAgents := 0
	if g.Agents != nil {
		activeAgents = g.Agents.ActiveCount()
	}
	dbConns := 0
	if g.DBPool != nil {
		dbConns = g.DBPool.AcquiredConns()
	}

	status := Healthy
	switch {
	case cpuPct > g.MaxCPU || vm.UsedPercent > g.MaxRAM || activeAgents >= g.MaxAgents:
		status = Critical
	case cpuPct > g.MaxCPU*0.8 || vm.UsedPercent > g.MaxRAM*0.8:
		status = Warning
	}

	state := SystemState{
		CPUPercent: cpuPct, RAMPercent: vm.UsedPercent,
		ActiveAgents: activeAgents, DBConnections: dbConns,
		Status: status, SampledAt: time.Now(),
	}

	prevDegraded, degradedNow := g.applyStatus(status, state)

	if degradedNow != prevDegraded && g.Bus != nil {
		kind := messagebus.KindUpdate
		if degradedNow {
			kind = messagebus.KindAlert
		}
		g.Bus.Broadcast(ctx, broadcastTopic, messagebus.Message{
			Kind: kind, Reason: string(status),
			Payload: state,
		})
	}
	return state, nil
}

// CanSpawnAgent is the gatekeeper spec.md §4.5 names: takes a fresh health
// sample and denies new spawns when it reads CRITICAL or the requested
// count would breach MaxAgents.
func (g *Governor) CanSpawnAgent(ctx context.Context, requested int) (bool, error) {
	state, err := g.CheckHealth(ctx)
	if err != nil {
		return false, err
	}
	if state.Status == Critical {
		slog.Warn("governor: denied spawn, system critical",
			"cpu", state.CPUPercent, "ram", state.RAMPercent, "agents", state.ActiveAgents)
		return false, nil
	}
	if state.ActiveAgents+requested > g.MaxAgents {
		slog.Warn("governor: denied spawn, agent limit reached",
			"active", state.ActiveAgents, "requested", requested, "max", g.MaxAgents)
		return false, nil
	}
	return true, nil
}

// LastState returns the most recent poll without sampling again.
func (g *Governor) LastState() SystemState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.last
}

// DegradedParallelism maps the current status to a DAG parallelism
// ceiling: healthy keeps full concurrency, warning halves it,
// critical drops to serial execution. The host wires this into
// dag.Executor.SetParallelism after each poll.
func DegradedParallelism(base int, status Status) int {
	switch status {
	case Critical:
		return 1
	case Warning:
		n := base / 2
		if n < 1 {
			n = 1
		}
		return n
	default:
		return base
	}
}

// Start runs CheckHealth on a fixed interval until ctx is cancelled. The
// host spawns this once at startup.
func (g *Governor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.CheckHealth(ctx); err != nil {
				slog.Warn("governor: health poll failed", "error", err)
			}
		}
	}
}
