// Package envelope defines StdioEnvelope, the universal output shape of a
// KernelCell's process() call, and the work-package bundle it carries.
package envelope

import "time"

// Failure is one entry of stderr.failures: a task that failed along with
// the recovery action the cell took (retry, expand, skip, ...).
type Failure struct {
	TaskID         string `json:"task_id"`
	Error          string `json:"error"`
	RecoveryAction string `json:"recovery_action"`
}

// Warning is one entry of stderr.warnings.
type Warning struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// WorkPackage summarizes a cell's research product.
type WorkPackage struct {
	Summary      string   `json:"summary"`
	Artifacts    []string `json:"artifacts"`
	KeyFindings  []string `json:"key_findings"`
}

// Stdout is the success-path content of an envelope.
type Stdout struct {
	Content     string      `json:"content"`
	WorkPackage WorkPackage `json:"work_package"`
	KeyFindings []string    `json:"key_findings"`
}

// Stderr bundles non-fatal failures and warnings gathered during process().
type Stderr struct {
	Failures []Failure `json:"failures"`
	Warnings []Warning `json:"warnings"`
}

// Metadata carries cell-level telemetry attached to every envelope.
type Metadata struct {
	CellID           string        `json:"cell_id"`
	Level            int           `json:"level"`
	Role             string        `json:"role"`
	Domain           string        `json:"domain"`
	Confidence       float64       `json:"confidence"`
	DurationMS       int64         `json:"duration_ms"`
	TokensUsed       int           `json:"tokens_used"`
	ChildrenCount    int           `json:"children_count"`
	MessagesSent     int           `json:"messages_sent"`
	MessagesReceived int           `json:"messages_received"`
	Replans          int           `json:"replans"`
	ToolsUsed        int           `json:"tools_used"`
}

// StdioEnvelope is the structured final output of any KernelCell.
type StdioEnvelope struct {
	Stdout   Stdout   `json:"stdout"`
	Stderr   Stderr   `json:"stderr"`
	Metadata Metadata `json:"metadata"`
}

// New builds an empty envelope stamped with the given cell identity.
func New(cellID, role string, depth int) *StdioEnvelope {
	return &StdioEnvelope{
		Metadata: Metadata{
			CellID: cellID,
			Level:  depth,
			Role:   role,
		},
	}
}

// WithDuration stamps the elapsed wall-clock time since start.
func (e *StdioEnvelope) WithDuration(start time.Time) *StdioEnvelope {
	e.Metadata.DurationMS = time.Since(start).Milliseconds()
	return e
}

// AddFailure appends a failure entry and is safe to call on a nil-slice envelope.
func (e *StdioEnvelope) AddFailure(taskID, errMsg, recovery string) {
	e.Stderr.Failures = append(e.Stderr.Failures, Failure{TaskID: taskID, Error: errMsg, RecoveryAction: recovery})
}

// AddWarning appends a warning entry.
func (e *StdioEnvelope) AddWarning(typ, message, severity string) {
	e.Stderr.Warnings = append(e.Stderr.Warnings, Warning{Type: typ, Message: message, Severity: severity})
}
