package dispatcher

// Priority is a micro-task's scheduling priority: lower runs first when
// multiple tasks are eligible, matching micro_tasks.priority ASC in the
// claim query's ORDER BY and the original_source Priority enum
// (CRITICAL=1 ... BACKGROUND=5, lower is more urgent).
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 10
	PriorityDefault  Priority = 50
	PriorityLow      Priority = 100
)
