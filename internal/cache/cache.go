// Package cache lets identical runs reuse a finished execution.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lucasnoah/reqforge/internal/db"
	"github.com/lucasnoah/reqforge/internal/execution"
)

// Entry is one row of the execution cache.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	ExecutionID string    `json:"execution_id"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Cache maps fingerprints to finished executions.
type Cache struct {
	db         *db.DB
	executions *execution.Store
	logger     *slog.Logger
	now        func() time.Time
	group      singleflight.Group
}

// New creates a Cache.
func New(d *db.DB, executions *execution.Store) *Cache {
	return &Cache{db: d, executions: executions, logger: slog.Default(), now: time.Now}
}

// SetClock replaces the time source used for TTL checks.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// SetLogger sets the structured logger.
func (c *Cache) SetLogger(l *slog.Logger) {
	c.logger = l
}

// Get returns the raw cache entry for a fingerprint.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	var (
		e        Entry
		recorded string
	)
	err := c.db.Conn().QueryRowContext(ctx, c.db.Rebind(
		`SELECT fingerprint, execution_id, recorded_at FROM execution_cache WHERE fingerprint = ?`),
		fingerprint,
	).Scan(&e.Fingerprint, &e.ExecutionID, &recorded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	if e.RecordedAt, err = db.ParseTime(recorded); err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return &e, nil
}

// Lookup returns the cached execution for a fingerprint when it is still
// reusable: completed, at or above its quality threshold, and finished no
// more than ttl ago. A miss returns nil with no error.
func (c *Cache) Lookup(ctx context.Context, fingerprint string, ttl time.Duration) (*execution.Execution, error) {
	entry, err := c.Get(ctx, fingerprint)
	if err != nil || entry == nil {
		return nil, err
	}
	ex, err := c.executions.Get(ctx, entry.ExecutionID)
	if errors.Is(err, execution.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if reason := c.stale(ex, ttl); reason != "" {
		c.logger.Debug("cache entry not reusable", "fingerprint", fingerprint, "execution_id", ex.ID, "reason", reason)
		return nil, nil
	}
	return ex, nil
}

func (c *Cache) stale(ex *execution.Execution, ttl time.Duration) string {
	switch {
	case ex.Status != execution.StatusCompleted:
		return "not completed"
	case !ex.Passed():
		return "below quality threshold"
	case ex.CompletedAt == nil:
		return "no completion time"
	case c.now().Sub(*ex.CompletedAt) > ttl:
		return "expired"
	}
	return ""
}

// Record stores a finished execution under its fingerprint. A completed,
// passing execution replaces any previous entry. Any other terminal execution
// is only recorded when the fingerprint has no entry yet, so it never evicts
// one that may still be reusable.
func (c *Cache) Record(ctx context.Context, fingerprint string, ex *execution.Execution) error {
	if !ex.Status.Terminal() {
		return fmt.Errorf("cache record: execution %s is %s, not finished", ex.ID, ex.Status)
	}
	onConflict := `DO NOTHING`
	if ex.Status == execution.StatusCompleted && ex.Passed() {
		onConflict = `DO UPDATE SET execution_id = excluded.execution_id, recorded_at = excluded.recorded_at`
	}
	_, err := c.db.Conn().ExecContext(ctx, c.db.Rebind(
		`INSERT INTO execution_cache (fingerprint, execution_id, recorded_at) VALUES (?, ?, ?)
		 ON CONFLICT (fingerprint) `+onConflict),
		fingerprint, ex.ID, db.FormatTime(c.now()),
	)
	if err != nil {
		return fmt.Errorf("cache record: %w", err)
	}
	return nil
}

// Invalidate drops the entry for a fingerprint.
func (c *Cache) Invalidate(ctx context.Context, fingerprint string) error {
	_, err := c.db.Conn().ExecContext(ctx, c.db.Rebind(`DELETE FROM execution_cache WHERE fingerprint = ?`), fingerprint)
	if err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

// Result is what Do returns.
type Result struct {
	Execution *execution.Execution
	Hit       bool
}

// Do is lookup-then-compute. On a hit the cached execution is returned and
// compute is not called. On a miss compute runs and its terminal execution is
// recorded. Concurrent calls for the same fingerprint share one compute.
func (c *Cache) Do(ctx context.Context, fingerprint string, ttl time.Duration,
	compute func(ctx context.Context) (*execution.Execution, error),
) (*Result, error) {
	if ex, err := c.Lookup(ctx, fingerprint, ttl); err != nil {
		return nil, err
	} else if ex != nil {
		return &Result{Execution: ex, Hit: true}, nil
	}

	v, err, shared := c.group.Do(fingerprint, func() (any, error) {
		// Another caller may have finished computing while this one waited.
		if ex, err := c.Lookup(ctx, fingerprint, ttl); err != nil {
			return nil, err
		} else if ex != nil {
			return &Result{Execution: ex, Hit: true}, nil
		}

		ex, runErr := compute(ctx)
		if ex != nil && ex.Status.Terminal() {
			if err := c.Record(context.WithoutCancel(ctx), fingerprint, ex); err != nil {
				return nil, err
			}
		}
		return &Result{Execution: ex}, runErr
	})
	res, _ := v.(*Result)
	if shared && res != nil && res.Execution != nil {
		c.logger.Debug("shared in-flight execution", "fingerprint", fingerprint, "execution_id", res.Execution.ID)
	}
	return res, err
}
