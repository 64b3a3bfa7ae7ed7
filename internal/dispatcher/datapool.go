package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ItemStatus is a data_pool.status value.
type ItemStatus string

const (
	ItemRaw       ItemStatus = "raw"
	ItemProcessed ItemStatus = "processed"
	ItemFailed    ItemStatus = "failed"
)

// PoolStatus is a data pool's progress summary, mirroring
// original_source's PoolStatus dataclass.
type PoolStatus struct {
	PoolID          string
	TotalItems      int
	CollectedItems  int
	FailedItems     int
	Status          string
	CompletionRate  float64
}

// DataPool is the "Big Data Pattern" staging area: large data-collection
// tasks register items here instead of holding them in memory, and the
// orchestrator polls progress without loading content. Grounded on
// original_source's shared/data_pool.py DataPoolManager.
type DataPool struct {
	pool          *pgxpool.Pool
	schemaEnsured bool
}

// NewDataPool wraps an already-connected pool, sharing it with Dispatcher.
func NewDataPool(pool *pgxpool.Pool) *DataPool {
	return &DataPool{pool: pool}
}

// EnsureSchema creates data_pool if absent.
func (p *DataPool) EnsureSchema(ctx context.Context) error {
	if p.schemaEnsured {
		return nil
	}
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS data_pool (
			pool_id TEXT NOT NULL,
			item_id UUID DEFAULT gen_random_uuid() PRIMARY KEY,
			status TEXT DEFAULT 'raw',
			artifact_id TEXT,
			metadata JSONB,
			created_at TIMESTAMPTZ DEFAULT now(),
			updated_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_pool_id ON data_pool(pool_id);
		CREATE INDEX IF NOT EXISTS idx_pool_status ON data_pool(pool_id, status);
	`)
	if err != nil {
		return fmt.Errorf("datapool: ensure schema: %w", err)
	}
	p.schemaEnsured = true
	return nil
}

// CreateItem inserts one collected item, used by worker/scraper nodes.
func (p *DataPool) CreateItem(ctx context.Context, poolID string, metadata map[string]any, artifactID string, status ItemStatus) (string, error) {
	if err := p.EnsureSchema(ctx); err != nil {
		return "", err
	}
	if status == "" {
		status = ItemRaw
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("datapool: marshal metadata: %w", err)
	}
	itemID := uuid.NewString()
	var artifact any
	if artifactID != "" {
		artifact = artifactID
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO data_pool (item_id, pool_id, metadata, artifact_id, status)
		VALUES ($1, $2, $3, $4, $5)
	`, itemID, poolID, meta, artifact, string(status))
	if err != nil {
		return "", fmt.Errorf("datapool: insert item: %w", err)
	}
	return itemID, nil
}

// UpdateItemStatus updates one item's status after downstream analysis.
func (p *DataPool) UpdateItemStatus(ctx context.Context, itemID string, status ItemStatus, artifactID string) error {
	var artifact any
	if artifactID != "" {
		artifact = artifactID
	}
	_, err := p.pool.Exec(ctx, `
		UPDATE data_pool SET status = $1, artifact_id = COALESCE($2, artifact_id), updated_at = now()
		WHERE item_id = $3
	`, string(status), artifact, itemID)
	if err != nil {
		return fmt.Errorf("datapool: update item: %w", err)
	}
	return nil
}

// CheckStatus returns a pool's aggregate progress, used by a monitor node
// polling a scrape-until-N-items loop.
func (p *DataPool) CheckStatus(ctx context.Context, poolID string, expectedTotal int) (PoolStatus, error) {
	if err := p.EnsureSchema(ctx); err != nil {
		return PoolStatus{}, err
	}
	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM data_pool WHERE pool_id = $1 GROUP BY status`, poolID)
	if err != nil {
		return PoolStatus{}, fmt.Errorf("datapool: query status: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	total := 0
	for rows.Next() {
		var s string
		var c int
		if err := rows.Scan(&s, &c); err != nil {
			return PoolStatus{}, fmt.Errorf("datapool: scan status: %w", err)
		}
		counts[s] = c
		total += c
	}

	status := "empty"
	rate := 0.0
	if total > 0 {
		status = "running"
		if expectedTotal > 0 {
			rate = float64(total) / float64(expectedTotal)
			if total >= expectedTotal {
				status = "completed"
				rate = 1.0
			}
		}
	}

	return PoolStatus{
		PoolID: poolID, TotalItems: total, CollectedItems: total,
		FailedItems: counts[string(ItemFailed)], Status: status, CompletionRate: rate,
	}, nil
}
