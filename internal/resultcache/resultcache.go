// Package resultcache is a local, persistent read-through cache in front
// of completed-task reads, so repeated GetTaskExecutionResult calls for a
// hot run don't round-trip the coordinator. BadgerDB at a local path,
// opened once and closed on shutdown.
package resultcache

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/Nirmata/workflow/internal/types"
)

// Source is the durable backing read when a result isn't cached yet.
type Source interface {
	GetResult(ctx context.Context, runID, taskID string) (*types.TaskExecutionResult, error)
}

// Cache fronts Source with a persistent, TTL-bounded local store.
type Cache struct {
	db     *badger.DB
	source Source
	ttl    time.Duration
	hits   metric.Int64Counter
	misses metric.Int64Counter
}

// Options configures Open.
type Options struct {
	// TTL bounds how long a cached result is trusted before re-reading
	// the source. Results are immutable once written, so this exists
	// only to bound staleness after a manual clean, not because results
	// ever change in place.
	TTL time.Duration
}

// Open opens (creating if needed) a Badger database at path and returns a
// Cache fronting source.
func Open(path string, source Source, opts Options) (*Cache, error) {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	bopts := badger.DefaultOptions(filepath.Clean(path)).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open result cache: %w", err)
	}
	meter := otel.Meter("workflow-engine")
	hits, _ := meter.Int64Counter("workflow_resultcache_hits_total")
	misses, _ := meter.Int64Counter("workflow_resultcache_misses_total")
	return &Cache{db: db, source: source, ttl: opts.TTL, hits: hits, misses: misses}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

func cacheKey(runID, taskID string) []byte {
	return []byte(runID + "/" + taskID)
}

// Get returns (runID, taskID)'s result, serving from the local cache when
// present and otherwise reading through to source and populating the
// cache.
func (c *Cache) Get(ctx context.Context, runID, taskID string) (*types.TaskExecutionResult, error) {
	key := cacheKey(runID, taskID)
	var cached types.TaskExecutionResult
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cached)
		})
	})
	if err == nil {
		c.hits.Add(ctx, 1)
		return &cached, nil
	}

	c.misses.Add(ctx, 1)
	result, err := c.source.GetResult(ctx, runID, taskID)
	if err != nil {
		return nil, err
	}
	c.put(key, result)
	return result, nil
}

// Invalidate drops any cached entry for (runID, taskID), used by clean()
// once the underlying run tree is deleted so a stale hit can't survive a
// coordinator-level clean.
func (c *Cache) Invalidate(runID, taskID string) {
	_ = c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(cacheKey(runID, taskID))
	})
}

func (c *Cache) put(key []byte, result *types.TaskExecutionResult) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return
	}
	_ = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, encoded).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
}
