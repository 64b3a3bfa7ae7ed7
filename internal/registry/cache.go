package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"
)

// Cache is the on-disk manifest/schema cache, adapted from the teacher's
// WorkflowStore: a single bbolt file with one bucket per concern, so
// re-discovery after a restart doesn't require every server process to
// answer a tools/list call before the first cell can plan against them.
type Cache struct {
	db *bbolt.DB

	reads  metric.Int64Counter
	writes metric.Int64Counter
}

var (
	bucketManifests = []byte("manifests")
	bucketSchemas   = []byte("schemas")
)

// OpenCache opens (creating if absent) the bbolt file at path.
func OpenCache(path string, meter metric.Meter) (*Cache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("registry: open cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketManifests, bucketSchemas} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: create cache buckets: %w", err)
	}
	reads, _ := meter.Int64Counter("kea_registry_cache_reads_total")
	writes, _ := meter.Int64Counter("kea_registry_cache_writes_total")
	return &Cache{db: db, reads: reads, writes: writes}, nil
}

// Close closes the underlying bbolt file.
func (c *Cache) Close() error { return c.db.Close() }

// PutManifest persists one server's discovered manifest keyed by server name.
func (c *Cache) PutManifest(serverName string, m manifestFile) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("registry: marshal manifest: %w", err)
	}
	c.writes.Add(context.Background(), 1)
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketManifests).Put([]byte(serverName), data)
	})
}

// GetManifest loads a previously cached manifest, if any.
func (c *Cache) GetManifest(serverName string) (manifestFile, bool, error) {
	var m manifestFile
	var found bool
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketManifests).Get([]byte(serverName))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return manifestFile{}, false, fmt.Errorf("registry: load manifest: %w", err)
	}
	c.reads.Add(context.Background(), 1)
	return m, found, nil
}

// PutSchema caches one tool's raw input schema, keyed by "server/tool";
// GetSchema reads it back. AutoWirer does not read this cache: it takes
// schemas from the registry's in-memory tool index.
func (c *Cache) PutSchema(serverName, toolName string, schema map[string]any) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("registry: marshal schema: %w", err)
	}
	key := serverName + "/" + toolName
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchemas).Put([]byte(key), data)
	})
}

// GetSchema loads a cached schema, if any.
func (c *Cache) GetSchema(serverName, toolName string) (map[string]any, bool, error) {
	var schema map[string]any
	var found bool
	key := serverName + "/" + toolName
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSchemas).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &schema)
	})
	if err != nil {
		return nil, false, fmt.Errorf("registry: load schema: %w", err)
	}
	return schema, found, nil
}
