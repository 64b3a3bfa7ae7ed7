package dag

import "context"

// PolicyViolation is one compliance failure surfaced by a PolicyGate.
// Per spec.md §7, kind=policy errors are never raised as Go errors; they
// are appended to the owning cell's error-feedback channel instead.
type PolicyViolation struct {
	CheckID  string
	Severity string
	Message  string
}

// PolicyGate gates a tool/code node before dispatch, grounded on
// original_source's guardrails.py check_tool_call. The executor consults it
// immediately before invoking a tool or code node's handler.
type PolicyGate interface {
	CheckToolCall(ctx context.Context, toolName string, args map[string]any) ([]PolicyViolation, error)
}

// NoopGate approves every call; the default when no policy engine is wired.
type NoopGate struct{}

func (NoopGate) CheckToolCall(context.Context, string, map[string]any) ([]PolicyViolation, error) {
	return nil, nil
}
