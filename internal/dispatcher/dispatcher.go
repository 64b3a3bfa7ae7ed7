// Package dispatcher implements the persisted task dispatcher: Postgres
// tables execution_batches and micro_tasks, FOR UPDATE SKIP LOCKED task
// leasing, dependency-gated eligibility, retry-with-backoff, cascade-skip
// of dependents of permanently failed tasks, and cron + event-driven
// recurring batch admission. Grounded on original_source's
// shared/dispatcher.py (Dispatcher/BatchStatus) and the teacher's
// persistence.go for the Go-native store shape (metrics, tracer, pooled
// connections instead of BoltDB buckets).
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// TaskStatus is a micro_tasks.status value.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskDone       TaskStatus = "done"
	TaskError      TaskStatus = "error"
	TaskSkipped    TaskStatus = "skipped"
)

// BatchStatus is one batch's rollup, mirroring original_source's
// BatchStatus dataclass.
type BatchStatus struct {
	BatchID   string
	Status    string
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
}

// TaskSpec is one unit of work to admit into a batch.
type TaskSpec struct {
	ToolName     string
	Parameters   map[string]any
	Priority     Priority
	ResourceCost int
	MaxRetries   int
	DependsOnID  string // micro_tasks.task_id this task is gated behind, if any
}

// ClaimedTask is a leased task ready for execution, returned by ClaimTask.
type ClaimedTask struct {
	TaskID     string
	BatchID    string
	ToolName   string
	Parameters map[string]any
	Priority   Priority
	RetryCount int
	MaxRetries int
}

// Dispatcher owns execution_batches/micro_tasks in Postgres via pgxpool.
// One Dispatcher is constructed per host process; unlike original_source's
// module-level singleton, the host wires an explicit instance so tests can
// point it at a throwaway database.
type Dispatcher struct {
	pool *pgxpool.Pool

	tracer         trace.Tracer
	claimLatency   metric.Float64Histogram
	tasksCreated   metric.Int64Counter
	tasksCompleted metric.Int64Counter
	tasksFailed    metric.Int64Counter
	cascadeSkips   metric.Int64Counter

	schemaEnsured bool
}

// New wraps an already-connected pool. Call EnsureSchema before first use.
func New(pool *pgxpool.Pool) *Dispatcher {
	meter := otel.Meter("kea-kernel")
	claimLatency, _ := meter.Float64Histogram("kea_dispatcher_claim_latency_ms")
	tasksCreated, _ := meter.Int64Counter("kea_dispatcher_tasks_created_total")
	tasksCompleted, _ := meter.Int64Counter("kea_dispatcher_tasks_completed_total")
	tasksFailed, _ := meter.Int64Counter("kea_dispatcher_tasks_failed_total")
	cascadeSkips, _ := meter.Int64Counter("kea_dispatcher_cascade_skips_total")
	return &Dispatcher{
		pool:           pool,
		tracer:         otel.Tracer("kea-dispatcher"),
		claimLatency:   claimLatency,
		tasksCreated:   tasksCreated,
		tasksCompleted: tasksCompleted,
		tasksFailed:    tasksFailed,
		cascadeSkips:   cascadeSkips,
	}
}

// AcquiredConns implements governor.DBPoolStats.
func (d *Dispatcher) AcquiredConns() int {
	return int(d.pool.Stat().AcquiredConns())
}

// EnsureSchema creates execution_batches and micro_tasks if absent,
// matching original_source's ensure_schema verbatim in shape (governance
// columns: priority, resource_cost, retry_count, max_retries,
// locked_until, dependency_id).
func (d *Dispatcher) EnsureSchema(ctx context.Context) error {
	if d.schemaEnsured {
		return nil
	}
	_, err := d.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS execution_batches (
			batch_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			status TEXT DEFAULT 'pending',
			created_at TIMESTAMPTZ DEFAULT now(),
			updated_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS micro_tasks (
			task_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			batch_id UUID REFERENCES execution_batches(batch_id),
			tool_name TEXT NOT NULL,
			parameters JSONB NOT NULL,
			status TEXT DEFAULT 'pending',
			artifact_id TEXT,
			error_log TEXT,
			result_summary TEXT,

			priority INT DEFAULT 50,
			resource_cost INT DEFAULT 5,
			retry_count INT DEFAULT 0,
			max_retries INT DEFAULT 3,
			locked_until TIMESTAMPTZ,
			dependency_id UUID,

			created_at TIMESTAMPTZ DEFAULT now(),
			updated_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_batch_lookup ON micro_tasks(batch_id, status);
		CREATE INDEX IF NOT EXISTS idx_task_governance ON micro_tasks(status, priority ASC, created_at ASC);
	`)
	if err != nil {
		return fmt.Errorf("dispatcher: ensure schema: %w", err)
	}
	d.schemaEnsured = true
	return nil
}

// CreateBatch inserts a running batch and its constituent tasks in one
// transaction, returning the batch id.
func (d *Dispatcher) CreateBatch(ctx context.Context, tasks []TaskSpec) (string, error) {
	if err := d.EnsureSchema(ctx); err != nil {
		return "", err
	}
	ctx, span := d.tracer.Start(ctx, "dispatcher.create_batch", trace.WithAttributes(attribute.Int("task_count", len(tasks))))
	defer span.End()

	batchID := uuid.NewString()
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("dispatcher: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO execution_batches (batch_id, status) VALUES ($1, 'running')`, batchID); err != nil {
		return "", fmt.Errorf("dispatcher: insert batch: %w", err)
	}

	for _, t := range tasks {
		params, err := json.Marshal(t.Parameters)
		if err != nil {
			return "", fmt.Errorf("dispatcher: marshal parameters: %w", err)
		}
		priority := t.Priority
		if priority == 0 {
			priority = PriorityDefault
		}
		maxRetries := t.MaxRetries
		if maxRetries == 0 {
			maxRetries = 3
		}
		var depID any
		if t.DependsOnID != "" {
			depID = t.DependsOnID
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO micro_tasks (batch_id, tool_name, parameters, status, priority, resource_cost, max_retries, dependency_id)
			VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7)
		`, batchID, t.ToolName, params, int(priority), t.ResourceCost, maxRetries, depID); err != nil {
			return "", fmt.Errorf("dispatcher: insert task: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("dispatcher: commit: %w", err)
	}
	d.tasksCreated.Add(ctx, int64(len(tasks)))
	return batchID, nil
}

// ClaimTask leases one eligible task for this worker using FOR UPDATE
// SKIP LOCKED, matching spec.md §6's lease contract: pending status,
// no unresolved dependency, highest priority then oldest first. Returns
// (nil, nil) when nothing is eligible.
func (d *Dispatcher) ClaimTask(ctx context.Context, leaseFor time.Duration) (*ClaimedTask, error) {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "dispatcher.claim_task")
	defer span.End()
	defer func() {
		d.claimLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT t.task_id, t.batch_id, t.tool_name, t.parameters, t.priority, t.retry_count, t.max_retries
		FROM micro_tasks t
		WHERE t.status = 'pending'
		  AND (t.locked_until IS NULL OR t.locked_until < now())
		  AND (
		    t.dependency_id IS NULL
		    OR EXISTS (SELECT 1 FROM micro_tasks d WHERE d.task_id = t.dependency_id AND d.status = 'done')
		  )
		ORDER BY t.priority ASC, t.created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`)

	var claimed ClaimedTask
	var rawParams []byte
	if err := row.Scan(&claimed.TaskID, &claimed.BatchID, &claimed.ToolName, &rawParams,
		&claimed.Priority, &claimed.RetryCount, &claimed.MaxRetries); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("dispatcher: claim scan: %w", err)
	}
	if err := json.Unmarshal(rawParams, &claimed.Parameters); err != nil {
		return nil, fmt.Errorf("dispatcher: unmarshal parameters: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE micro_tasks SET status = 'processing', locked_until = $1, updated_at = now() WHERE task_id = $2
	`, time.Now().Add(leaseFor), claimed.TaskID); err != nil {
		return nil, fmt.Errorf("dispatcher: lease update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("dispatcher: commit claim: %w", err)
	}
	return &claimed, nil
}

// CompleteTask records a task's terminal or retryable outcome. A
// failure while retry_count is under max_retries is requeued to pending (retry with
// backoff enforced via locked_until); exhausting retries marks it
// permanently failed and cascades a skip to every task whose
// dependency_id points at it.
func (d *Dispatcher) CompleteTask(ctx context.Context, taskID string, success bool, resultSummary, artifactID, errorLog string, retryBackoff time.Duration) error {
	if success {
		_, err := d.pool.Exec(ctx, `
			UPDATE micro_tasks SET status = 'done', result_summary = $1, artifact_id = $2, updated_at = now()
			WHERE task_id = $3
		`, resultSummary, artifactID, taskID)
		if err != nil {
			return fmt.Errorf("dispatcher: complete task: %w", err)
		}
		d.tasksCompleted.Add(ctx, 1)
		return nil
	}

	var retryCount, maxRetries int
	var batchID string
	if err := d.pool.QueryRow(ctx, `SELECT retry_count, max_retries, batch_id FROM micro_tasks WHERE task_id = $1`, taskID).
		Scan(&retryCount, &maxRetries, &batchID); err != nil {
		return fmt.Errorf("dispatcher: fetch retry state: %w", err)
	}

	if retryCount < maxRetries {
		_, err := d.pool.Exec(ctx, `
			UPDATE micro_tasks
			SET status = 'pending', retry_count = retry_count + 1, error_log = $1,
			    locked_until = $2, updated_at = now()
			WHERE task_id = $3
		`, errorLog, time.Now().Add(retryBackoff), taskID)
		if err != nil {
			return fmt.Errorf("dispatcher: requeue task: %w", err)
		}
		return nil
	}

	_, err := d.pool.Exec(ctx, `
		UPDATE micro_tasks SET status = 'error', error_log = $1, updated_at = now() WHERE task_id = $2
	`, errorLog, taskID)
	if err != nil {
		return fmt.Errorf("dispatcher: fail task: %w", err)
	}
	d.tasksFailed.Add(ctx, 1)

	skipped, err := d.cascadeSkip(ctx, taskID)
	if err != nil {
		return err
	}
	if skipped > 0 {
		d.cascadeSkips.Add(ctx, int64(skipped))
	}
	return nil
}

// cascadeSkip marks every pending task depending (directly or
// transitively) on taskID as skipped, since it can never become
// eligible. Iterates until a pass finds nothing new, matching a
// breadth-first cascade over the dependency_id chain.
func (d *Dispatcher) cascadeSkip(ctx context.Context, taskID string) (int, error) {
	frontier := []string{taskID}
	total := 0
	for len(frontier) > 0 {
		rows, err := d.pool.Query(ctx, `
			SELECT task_id FROM micro_tasks WHERE dependency_id = ANY($1) AND status = 'pending'
		`, frontier)
		if err != nil {
			return total, fmt.Errorf("dispatcher: cascade query: %w", err)
		}
		var next []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return total, fmt.Errorf("dispatcher: cascade scan: %w", err)
			}
			next = append(next, id)
		}
		rows.Close()
		if len(next) == 0 {
			break
		}
		if _, err := d.pool.Exec(ctx, `UPDATE micro_tasks SET status = 'skipped', updated_at = now() WHERE task_id = ANY($1)`, next); err != nil {
			return total, fmt.Errorf("dispatcher: cascade skip update: %w", err)
		}
		total += len(next)
		frontier = next
	}
	return total, nil
}

// CompleteBatchIfDone marks a batch completed once no task remains
// pending or processing, matching original_source's complete_batch_if_done.
func (d *Dispatcher) CompleteBatchIfDone(ctx context.Context, batchID string) error {
	var pending int
	if err := d.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM micro_tasks WHERE batch_id = $1 AND status IN ('pending', 'processing')
	`, batchID).Scan(&pending); err != nil {
		return fmt.Errorf("dispatcher: count pending: %w", err)
	}
	if pending > 0 {
		return nil
	}
	_, err := d.pool.Exec(ctx, `UPDATE execution_batches SET status = 'completed', updated_at = now() WHERE batch_id = $1`, batchID)
	if err != nil {
		return fmt.Errorf("dispatcher: complete batch: %w", err)
	}
	return nil
}

// GetBatchStatus returns a batch's rollup counts, matching
// original_source's get_batch_status.
func (d *Dispatcher) GetBatchStatus(ctx context.Context, batchID string) (BatchStatus, error) {
	var status string
	if err := d.pool.QueryRow(ctx, `SELECT status FROM execution_batches WHERE batch_id = $1`, batchID).Scan(&status); err != nil {
		if err == pgx.ErrNoRows {
			return BatchStatus{}, fmt.Errorf("dispatcher: batch %s not found", batchID)
		}
		return BatchStatus{}, fmt.Errorf("dispatcher: fetch batch status: %w", err)
	}

	rows, err := d.pool.Query(ctx, `SELECT status, COUNT(*) FROM micro_tasks WHERE batch_id = $1 GROUP BY status`, batchID)
	if err != nil {
		return BatchStatus{}, fmt.Errorf("dispatcher: fetch task counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	total := 0
	for rows.Next() {
		var s string
		var c int
		if err := rows.Scan(&s, &c); err != nil {
			return BatchStatus{}, fmt.Errorf("dispatcher: scan counts: %w", err)
		}
		counts[s] = c
		total += c
	}

	return BatchStatus{
		BatchID: batchID, Status: status, Total: total,
		Pending: counts[string(TaskPending)], Running: counts[string(TaskProcessing)],
		Completed: counts[string(TaskDone)], Failed: counts[string(TaskError)],
	}, nil
}
