package governor

import (
	"context"
	"fmt"

	"github.com/kea-research/kernel/internal/dag"
)

// KillSwitchGate folds the kill switch's emergency-stop/blacklist/pause
// state into one dag.PolicyGate check, so the executor never needs a
// second pre-dispatch call: a tool blocked by the kill switch surfaces
// the same way a compliance-policy violation does. An optional Inner gate
// still runs when the kill switch allows the call through.
type KillSwitchGate struct {
	Kill  *KillSwitch
	Dept  string
	Inner dag.PolicyGate
}

// CheckToolCall implements dag.PolicyGate.
func (g *KillSwitchGate) CheckToolCall(ctx context.Context, toolName string, args map[string]any) ([]dag.PolicyViolation, error) {
	if g.Kill != nil && !g.Kill.CanProceed(toolName, g.Dept) {
		reason := "blocked"
		switch {
		case g.Kill.IsEmergencyStopped():
			reason = "emergency stop engaged"
		case g.Kill.IsToolBlacklisted(toolName):
			reason = "tool blacklisted"
		case g.Kill.IsDepartmentPaused(g.Dept):
			reason = "department paused"
		}
		return []dag.PolicyViolation{{
			CheckID:  "kill_switch",
			Severity: "critical",
			Message:  fmt.Sprintf("%s: %s", toolName, reason),
		}}, nil
	}
	if g.Inner != nil {
		return g.Inner.CheckToolCall(ctx, toolName, args)
	}
	return nil, nil
}
