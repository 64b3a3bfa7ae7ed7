package governor

import (
	"log/slog"
	"sync"
	"time"
)

// blacklistEntry is one temporarily-blocked tool, per original_source's
// BlacklistEntry dataclass.
type blacklistEntry struct {
	reason string
	until  time.Time
}

const defaultBlacklistDuration = 30 * time.Minute

// KillSwitch holds emergency controls: a global emergency stop, per-tool
// blacklisting with TTL, and per-department pause. Grounded on
// original_source's kill_switch.py KillSwitch.
type KillSwitch struct {
	mu                 sync.Mutex
	emergencyStopped   bool
	stopReason         string
	pausedDepartments  map[string]struct{}
	blacklistedTools   map[string]blacklistEntry
	onEmergency        []func(reason string)
}

// NewKillSwitch returns a switch with nothing stopped, blacklisted or paused.
func NewKillSwitch() *KillSwitch {
	return &KillSwitch{
		pausedDepartments: make(map[string]struct{}),
		blacklistedTools:  make(map[string]blacklistEntry),
	}
}

// OnEmergency registers a callback invoked synchronously by EmergencyStop.
func (k *KillSwitch) OnEmergency(fn func(reason string)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onEmergency = append(k.onEmergency, fn)
}

// EmergencyStop halts all further spawns until Resume is called.
func (k *KillSwitch) EmergencyStop(reason string) {
	k.mu.Lock()
	k.emergencyStopped = true
	k.stopReason = reason
	callbacks := append([]func(string){}, k.onEmergency...)
	k.mu.Unlock()

	slog.Error("killswitch: emergency stop", "reason", reason)
	for _, cb := range callbacks {
		cb(reason)
	}
}

// Resume clears an emergency stop.
func (k *KillSwitch) Resume() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.emergencyStopped = false
	k.stopReason = ""
	slog.Info("killswitch: resumed from emergency stop")
}

// IsEmergencyStopped reports the current emergency-stop state.
func (k *KillSwitch) IsEmergencyStopped() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.emergencyStopped
}

// BlacklistTool temporarily blocks a tool name for duration (defaulting
// to 30 minutes, matching original_source's default_blacklist_duration_minutes).
func (k *KillSwitch) BlacklistTool(toolName, reason string, duration time.Duration) {
	if duration <= 0 {
		duration = defaultBlacklistDuration
	}
	until := time.Now().Add(duration)
	k.mu.Lock()
	k.blacklistedTools[toolName] = blacklistEntry{reason: reason, until: until}
	k.mu.Unlock()
	slog.Warn("killswitch: tool blacklisted", "tool", toolName, "until", until, "reason", reason)
}

// UnblacklistTool removes a tool from the blacklist early.
func (k *KillSwitch) UnblacklistTool(toolName string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.blacklistedTools, toolName)
}

// IsToolBlacklisted reports whether toolName is currently blocked,
// lazily expiring entries whose TTL has passed.
func (k *KillSwitch) IsToolBlacklisted(toolName string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry, ok := k.blacklistedTools[toolName]
	if !ok {
		return false
	}
	if time.Now().After(entry.until) {
		delete(k.blacklistedTools, toolName)
		return false
	}
	return true
}

// PauseDepartment stops all agents under deptID from accepting new work.
func (k *KillSwitch) PauseDepartment(deptID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pausedDepartments[deptID] = struct{}{}
}

// ResumeDepartment clears a department pause.
func (k *KillSwitch) ResumeDepartment(deptID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.pausedDepartments, deptID)
}

// IsDepartmentPaused reports whether deptID is currently paused.
func (k *KillSwitch) IsDepartmentPaused(deptID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.pausedDepartments[deptID]
	return ok
}

// CanProceed is the single call site spec.md §4.5 expects before any tool
// dispatch or department-scoped delegation: false if globally stopped, the
// named tool is blacklisted, or the named department is paused.
func (k *KillSwitch) CanProceed(toolName, deptID string) bool {
	if k.IsEmergencyStopped() {
		return false
	}
	if toolName != "" && k.IsToolBlacklisted(toolName) {
		return false
	}
	if deptID != "" && k.IsDepartmentPaused(deptID) {
		return false
	}
	return true
}
