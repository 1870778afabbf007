package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// HistoryFilter narrows ListExecutions.
type HistoryFilter struct {
	SessionID      string
	ExecType       *ExecType
	Success        *bool
	Tags           []string // matches records whose comma-joined tag set intersects any of these
	HasNotes       *bool
	HasDescription *bool
	Limit          int
	Offset         int
}

// InsertExecution appends one execution-history row. The log is append-only:
// no method updates Code, Output, Error, Success, or ExecutionTimeMs once
// written.
func (q *Queries) InsertExecution(ctx context.Context, rec ExecutionRecord) error {
	_, err := q.x.ExecContext(ctx, `
		INSERT INTO execution_history
			(id, session_id, ship_id, exec_type, code, success, execution_time_ms, output, error, description, tags, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SessionID, rec.ShipID, rec.ExecType, rec.Code, rec.Success, rec.ExecutionTimeMs,
		rec.Output, rec.Error, rec.Description, rec.Tags, rec.Notes, q.now().UTC())
	if err != nil {
		return fmt.Errorf("store: insert execution %s: %w", rec.ID, err)
	}
	return nil
}

// GetExecution returns one execution-history row by ID, or ErrNotFound.
func (q *Queries) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	if err := q.x.GetContext(ctx, &rec, `SELECT * FROM execution_history WHERE id = ?`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get execution %s: %w", id, err)
	}
	return &rec, nil
}

// GetLastExecution returns the most recent execution for a session, optionally
// restricted to one exec_type.
func (q *Queries) GetLastExecution(ctx context.Context, sessionID string, execType *ExecType) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	var err error
	if execType != nil {
		err = q.x.GetContext(ctx, &rec, `
			SELECT * FROM execution_history WHERE session_id = ? AND exec_type = ?
			ORDER BY created_at DESC LIMIT 1
		`, sessionID, *execType)
	} else {
		err = q.x.GetContext(ctx, &rec, `
			SELECT * FROM execution_history WHERE session_id = ?
			ORDER BY created_at DESC LIMIT 1
		`, sessionID)
	}
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get last execution for session %s: %w", sessionID, err)
	}
	return &rec, nil
}

// ListExecutions returns execution-history rows matching filter, newest
// first, bounded by filter.Limit (defaulting to 50, capped at 500).
func (q *Queries) ListExecutions(ctx context.Context, filter HistoryFilter) ([]ExecutionRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	var b strings.Builder
	b.WriteString(`SELECT * FROM execution_history WHERE session_id = ?`)
	args := []interface{}{filter.SessionID}

	if filter.ExecType != nil {
		b.WriteString(` AND exec_type = ?`)
		args = append(args, *filter.ExecType)
	}
	if filter.Success != nil {
		b.WriteString(` AND success = ?`)
		args = append(args, *filter.Success)
	}
	if len(filter.Tags) > 0 {
		// Set-intersection nonempty: any one of the requested tags appearing
		// in the row's comma-joined set is a match.
		b.WriteString(` AND (`)
		for i, tag := range filter.Tags {
			if i > 0 {
				b.WriteString(` OR `)
			}
			b.WriteString(`(',' || tags || ',') LIKE ?`)
			args = append(args, "%,"+tag+",%")
		}
		b.WriteString(`)`)
	}
	if filter.HasNotes != nil {
		if *filter.HasNotes {
			b.WriteString(` AND notes IS NOT NULL AND notes != ''`)
		} else {
			b.WriteString(` AND (notes IS NULL OR notes = '')`)
		}
	}
	if filter.HasDescription != nil {
		if *filter.HasDescription {
			b.WriteString(` AND description IS NOT NULL AND description != ''`)
		} else {
			b.WriteString(` AND (description IS NULL OR description = '')`)
		}
	}
	b.WriteString(` ORDER BY created_at DESC LIMIT ? OFFSET ?`)
	args = append(args, limit, filter.Offset)

	var recs []ExecutionRecord
	if err := q.x.SelectContext(ctx, &recs, b.String(), args...); err != nil {
		return nil, fmt.Errorf("store: list executions for session %s: %w", filter.SessionID, err)
	}
	return recs, nil
}

// CountExecutions returns the total number of rows matching filter, ignoring
// its Limit/Offset, so callers can paginate without re-fetching every row to
// learn the full count.
func (q *Queries) CountExecutions(ctx context.Context, filter HistoryFilter) (int, error) {
	unpaged := filter
	unpaged.Limit = 0
	unpaged.Offset = 0

	var b strings.Builder
	b.WriteString(`SELECT COUNT(*) FROM execution_history WHERE session_id = ?`)
	args := []interface{}{unpaged.SessionID}

	if unpaged.ExecType != nil {
		b.WriteString(` AND exec_type = ?`)
		args = append(args, *unpaged.ExecType)
	}
	if unpaged.Success != nil {
		b.WriteString(` AND success = ?`)
		args = append(args, *unpaged.Success)
	}
	if len(unpaged.Tags) > 0 {
		b.WriteString(` AND (`)
		for i, tag := range unpaged.Tags {
			if i > 0 {
				b.WriteString(` OR `)
			}
			b.WriteString(`(',' || tags || ',') LIKE ?`)
			args = append(args, "%,"+tag+",%")
		}
		b.WriteString(`)`)
	}
	if unpaged.HasNotes != nil {
		if *unpaged.HasNotes {
			b.WriteString(` AND notes IS NOT NULL AND notes != ''`)
		} else {
			b.WriteString(` AND (notes IS NULL OR notes = '')`)
		}
	}
	if unpaged.HasDescription != nil {
		if *unpaged.HasDescription {
			b.WriteString(` AND description IS NOT NULL AND description != ''`)
		} else {
			b.WriteString(` AND (description IS NULL OR description = '')`)
		}
	}

	var n int
	if err := q.x.GetContext(ctx, &n, b.String(), args...); err != nil {
		return 0, fmt.Errorf("store: count executions for session %s: %w", filter.SessionID, err)
	}
	return n, nil
}

// AnnotateExecution sets the user-supplied description/tags/notes fields on
// an existing record without touching its immutable execution fields. A nil
// pointer leaves the column unchanged.
func (q *Queries) AnnotateExecution(ctx context.Context, id string, description, tags, notes *string) (*ExecutionRecord, error) {
	res, err := q.x.ExecContext(ctx, `
		UPDATE execution_history
		SET description = COALESCE(?, description),
		    tags        = COALESCE(?, tags),
		    notes       = COALESCE(?, notes)
		WHERE id = ?
	`, description, tags, notes, id)
	if err != nil {
		return nil, fmt.Errorf("store: annotate execution %s: %w", id, err)
	}
	if err := mustAffect(res, "execution", id); err != nil {
		return nil, err
	}
	return q.GetExecution(ctx, id)
}

// JoinTags serializes a tag set into the comma-joined storage format used by
// the tags column and ListExecutions' Tag filter.
func JoinTags(tags []string) string {
	return strings.Join(tags, ",")
}

// SplitTags parses the comma-joined tags column back into a slice.
func SplitTags(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}
