package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetSession returns a Session by ID, or ErrNotFound.
func (q *Queries) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := q.x.GetContext(ctx, &s, `SELECT * FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get session %s: %w", sessionID, err)
	}
	return &s, nil
}

// GetSessionByShip returns the Session currently bound to a Ship, if any.
// A Ship has at most one live Session (1:1 binding).
func (q *Queries) GetSessionByShip(ctx context.Context, shipID string) (*Session, error) {
	var s Session
	err := q.x.GetContext(ctx, &s, `SELECT * FROM sessions WHERE ship_id = ? LIMIT 1`, shipID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get session for ship %s: %w", shipID, err)
	}
	return &s, nil
}

// CreateSession inserts the binding row for a newly allocated Ship: the
// Session and its Ship come into existence together.
func (q *Queries) CreateSession(ctx context.Context, sessionID, shipID string, ttlSeconds int) error {
	now := q.now().UTC()
	expiresAt := now.Add(time.Duration(ttlSeconds) * time.Second)
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO sessions (session_id, ship_id, created_at, last_activity, expires_at, initial_ttl)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, shipID, now, now, expiresAt, ttlSeconds)
	if err != nil {
		return fmt.Errorf("store: create session %s: %w", sessionID, err)
	}
	return nil
}

// TouchActivity bumps last_activity to now and, if candidate is later than
// the session's current expiry, extends it (mirrors the monotonic rule on
// the bound Ship's own expires_at).
func (q *Queries) TouchActivity(ctx context.Context, sessionID string, candidate time.Time) error {
	now := q.now().UTC()
	res, err := q.x.ExecContext(ctx, `
		UPDATE sessions
		SET last_activity = ?,
		    expires_at = CASE WHEN expires_at < ? THEN ? ELSE expires_at END
		WHERE session_id = ?
	`, now, candidate, candidate, sessionID)
	if err != nil {
		return fmt.Errorf("store: touch session %s: %w", sessionID, err)
	}
	return mustAffect(res, "session", sessionID)
}

// DeleteSession removes a Session's binding row without touching its Ship.
func (q *Queries) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := q.x.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("store: delete session %s: %w", sessionID, err)
	}
	return mustAffect(res, "session", sessionID)
}

// DeleteSessionsForShip removes every Session bound to a Ship, used when the
// Ship itself is stopped or permanently deleted.
func (q *Queries) DeleteSessionsForShip(ctx context.Context, shipID string) error {
	_, err := q.x.ExecContext(ctx, `DELETE FROM sessions WHERE ship_id = ?`, shipID)
	if err != nil {
		return fmt.Errorf("store: delete sessions for ship %s: %w", shipID, err)
	}
	return nil
}

// ListExpiredSessions returns Sessions whose expiry has lapsed, for the
// reaper's bound-session cleanup pass.
func (q *Queries) ListExpiredSessions(ctx context.Context) ([]Session, error) {
	now := q.now().UTC()
	var sessions []Session
	err := q.x.SelectContext(ctx, &sessions, `SELECT * FROM sessions WHERE expires_at < ?`, now)
	if err != nil {
		return nil, fmt.Errorf("store: list expired sessions: %w", err)
	}
	return sessions, nil
}
