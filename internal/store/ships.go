package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

func marshalSpec(spec ResourceSpec) string {
	b, _ := json.Marshal(spec)
	return string(b)
}

// UnmarshalSpec decodes a Ship's persisted resource spec.
func (sh Ship) UnmarshalSpec() (ResourceSpec, error) {
	var spec ResourceSpec
	if sh.SpecJSON == "" {
		return spec, nil
	}
	err := json.Unmarshal([]byte(sh.SpecJSON), &spec)
	return spec, err
}

// InsertCreating inserts a new Ship row in the Creating state. warmPool
// marks it as a pool Ship from birth (used by C4).
func (q *Queries) InsertCreating(ctx context.Context, id string, spec ResourceSpec, ttlSeconds int, warmPool bool) error {
	now := q.now().UTC()
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO ships (id, status, container_id, endpoint, spec_json, ttl_seconds, warm_pool, created_at, updated_at, expires_at)
		VALUES (?, ?, '', '', ?, ?, ?, ?, ?, NULL)
	`, id, ShipCreating, marshalSpec(spec), ttlSeconds, warmPool, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: insert ship %s: %w", id, err)
	}
	return nil
}

// GetShip returns a Ship by ID, or ErrNotFound.
func (q *Queries) GetShip(ctx context.Context, id string) (*Ship, error) {
	var sh Ship
	if err := q.x.GetContext(ctx, &sh, `SELECT * FROM ships WHERE id = ?`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get ship %s: %w", id, err)
	}
	return &sh, nil
}

// MarkRunning transitions a Ship to Running with its driver-reported
// endpoint and a fresh expiry, once the readiness probe succeeds.
func (q *Queries) MarkRunning(ctx context.Context, id, containerID, endpoint string, ttlSeconds int) error {
	now := q.now().UTC()
	expiresAt := now.Add(time.Duration(ttlSeconds) * time.Second)
	res, err := q.x.ExecContext(ctx, `
		UPDATE ships SET status = ?, container_id = ?, endpoint = ?, ttl_seconds = ?, expires_at = ?, updated_at = ?
		WHERE id = ?
	`, ShipRunning, containerID, endpoint, ttlSeconds, expiresAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("store: mark ship %s running: %w", id, err)
	}
	return mustAffect(res, "ship", id)
}

// MarkStopped transitions a Ship to Stopped, nulling endpoint/expires_at
// but preserving the row and its container_id (for data-volume recovery).
func (q *Queries) MarkStopped(ctx context.Context, id string) error {
	now := q.now().UTC()
	res, err := q.x.ExecContext(ctx, `
		UPDATE ships SET status = ?, endpoint = '', expires_at = NULL, warm_pool = 0, updated_at = ?
		WHERE id = ?
	`, ShipStopped, now.Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("store: mark ship %s stopped: %w", id, err)
	}
	return mustAffect(res, "ship", id)
}

// DeleteShip permanently removes a Ship row. The caller is responsible
// for deleting dependent Sessions in the same
// transaction (store.DeleteSessionsForShip).
func (q *Queries) DeleteShip(ctx context.Context, id string) error {
	res, err := q.x.ExecContext(ctx, `DELETE FROM ships WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete ship %s: %w", id, err)
	}
	return mustAffect(res, "ship", id)
}

// CountNonStopped returns the number of Ships counted against MAX_SHIP_NUM,
// an advisory COUNT view rather than a hard row-level reservation.
func (q *Queries) CountNonStopped(ctx context.Context) (int, error) {
	var n int
	err := q.x.GetContext(ctx, &n, `SELECT COUNT(*) FROM ships WHERE status != ?`, ShipStopped)
	if err != nil {
		return 0, fmt.Errorf("store: count non-stopped ships: %w", err)
	}
	return n, nil
}

// ExtendExpiry sets expires_at to max(current, candidate) on a Running
// Ship — monotonic, never shortening the expiry. A no-op (and no error)
// if the Ship is not Running: extending a Stopped Ship's TTL is a silent
// no-op rather than an error.
func (q *Queries) ExtendExpiry(ctx context.Context, id string, candidate time.Time, ttlSeconds int) error {
	now := q.now().UTC()
	_, err := q.x.ExecContext(ctx, `
		UPDATE ships
		SET expires_at = CASE WHEN expires_at IS NULL OR expires_at < ? THEN ? ELSE expires_at END,
		    ttl_seconds = ?,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`, candidate.Format(time.RFC3339Nano), candidate.Format(time.RFC3339Nano), ttlSeconds, now.Format(time.RFC3339Nano), id, ShipRunning)
	if err != nil {
		return fmt.Errorf("store: extend expiry for ship %s: %w", id, err)
	}
	return nil
}

// ClaimWarmPoolShip atomically claims one Running pool Ship and binds it
// to ttl/expiry, or returns ErrNotFound if the pool is empty. This is the
// sole coordination point for pool-claim atomicity: every other warm-pool
// mutation must route through this method so the replenisher's shrink
// branch can never race an ordinary allocator onto the same row.
func (q *Queries) ClaimWarmPoolShip(ctx context.Context, ttlSeconds int) (*Ship, error) {
	now := q.now().UTC()
	expiresAt := now.Add(time.Duration(ttlSeconds) * time.Second)

	// UPDATE ... RETURNING keeps the claim a single round trip instead of
	// SELECT-then-UPDATE, which is what would let a second claimer observe
	// the same unclaimed row.
	var sh Ship
	err := q.x.QueryRowxContext(ctx, `
		UPDATE ships
		SET warm_pool = 0, ttl_seconds = ?, expires_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM ships WHERE warm_pool = 1 AND status = ? ORDER BY created_at ASC LIMIT 1
		)
		RETURNING *
	`, ttlSeconds, expiresAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), ShipRunning).StructScan(&sh)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: claim warm pool ship: %w", err)
	}
	return &sh, nil
}

// CountWarmPoolRunning returns the current size of the warm pool (C4 step 1).
func (q *Queries) CountWarmPoolRunning(ctx context.Context) (int, error) {
	var n int
	err := q.x.GetContext(ctx, &n, `SELECT COUNT(*) FROM ships WHERE warm_pool = 1 AND status = ?`, ShipRunning)
	if err != nil {
		return 0, fmt.Errorf("store: count warm pool: %w", err)
	}
	return n, nil
}

// ListWarmPoolOldest returns up to limit warm-pool Ships ordered oldest
// first, for C4's shrink branch.
func (q *Queries) ListWarmPoolOldest(ctx context.Context, limit int) ([]Ship, error) {
	var ships []Ship
	err := q.x.SelectContext(ctx, &ships, `
		SELECT * FROM ships WHERE warm_pool = 1 AND status = ? ORDER BY created_at ASC LIMIT ?
	`, ShipRunning, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list warm pool oldest: %w", err)
	}
	return ships, nil
}

// ListExpiredRunning returns Running Ships whose TTL has lapsed, for the
// reaper.
func (q *Queries) ListExpiredRunning(ctx context.Context) ([]Ship, error) {
	now := q.now().UTC()
	var ships []Ship
	err := q.x.SelectContext(ctx, &ships, `
		SELECT * FROM ships WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ?
	`, ShipRunning, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("store: list expired ships: %w", err)
	}
	return ships, nil
}

// ListAllShips returns every Ship, for the /stat endpoints.
func (q *Queries) ListAllShips(ctx context.Context) ([]Ship, error) {
	var ships []Ship
	if err := q.x.SelectContext(ctx, &ships, `SELECT * FROM ships`); err != nil {
		return nil, fmt.Errorf("store: list all ships: %w", err)
	}
	return ships, nil
}

func mustAffect(res interface {
	RowsAffected() (int64, error)
}, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected for %s %s: %w", what, id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
