// Package sqlite is a SQLite-backed cache of entitlement snapshots for
// read-only queries. Entries live at most one TTL; spend decisions never
// read from it.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/tokenmeter/pkg/models"
	"github.com/pario-ai/tokenmeter/pkg/store"
)

// Cache maps subscription ids to their last computed snapshot.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS snapshot_cache (
	subscription_id INTEGER PRIMARY KEY,
	snapshot BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// New creates a Cache with the given database path and TTL.
func New(dbPath string, ttl time.Duration) (*Cache, error) {
	db, err := sql.Open("sqlite", store.DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db, ttl: ttl}, nil
}

// Get returns the cached snapshot for a subscription if present and fresh.
func (c *Cache) Get(ctx context.Context, subscriptionID int64) (models.Snapshot, bool) {
	var data []byte
	var expiresAt int64

	err := c.db.QueryRowContext(ctx,
		`SELECT snapshot, expires_at FROM snapshot_cache WHERE subscription_id = ?`,
		subscriptionID,
	).Scan(&data, &expiresAt)
	if err != nil {
		c.misses.Add(1)
		return models.Snapshot{}, false
	}

	if time.Now().UnixNano() >= expiresAt {
		c.misses.Add(1)
		return models.Snapshot{}, false
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.misses.Add(1)
		return models.Snapshot{}, false
	}

	c.hits.Add(1)
	return snap, true
}

// Put stores a snapshot.
func (c *Cache) Put(ctx context.Context, snap models.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshot_cache (subscription_id, snapshot, expires_at) VALUES (?, ?, ?)`,
		snap.SubscriptionID, data, time.Now().Add(c.ttl).UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Invalidate drops the snapshot of one subscription.
func (c *Cache) Invalidate(ctx context.Context, subscriptionID int64) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM snapshot_cache WHERE subscription_id = ?`, subscriptionID); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

// Stats returns entry counts and the hit/miss counters.
func (c *Cache) Stats() (models.CacheStats, error) {
	stats := models.CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	err := c.db.QueryRow(
		`SELECT COUNT(*), COUNT(CASE WHEN expires_at <= ? THEN 1 END) FROM snapshot_cache`,
		time.Now().UnixNano(),
	).Scan(&stats.Entries, &stats.Expired)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return stats, nil
}

// Clear removes cache entries. If expiredOnly is true, only expired entries are removed.
func (c *Cache) Clear(expiredOnly bool) error {
	var err error
	if expiredOnly {
		_, err = c.db.Exec(`DELETE FROM snapshot_cache WHERE expires_at <= ?`, time.Now().UnixNano())
	} else {
		_, err = c.db.Exec(`DELETE FROM snapshot_cache`)
	}
	if err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
