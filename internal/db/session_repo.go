package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

const sessionColumns = `id, tab_id, profile, argv, status, exit_code, error, created_at, finished_at`

func (r *SessionRepo) Create(ctx context.Context, rec *SessionRecord) error {
	if rec == nil {
		return fmt.Errorf("session record is required")
	}
	if rec.TabID == "" {
		return fmt.Errorf("tab id is required")
	}
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = nowUTC()
	}
	if rec.Status == "" {
		rec.Status = SessionStatusRunning
	}
	argv, err := encodeStringSlice(rec.Argv)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO sessions (`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.ID, rec.TabID, rec.Profile, argv, rec.Status, rec.ExitCode, rec.Error, formatTimestamp(rec.CreatedAt), formatTimestampOrEmpty(rec.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*SessionRecord, error) {
	rec, err := scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %q: %w", id, err)
	}
	return rec, nil
}

func (r *SessionRepo) List(ctx context.Context, filter SessionFilter) ([]*SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	where := []string{}

	if filter.TabID != "" {
		where = append(where, "tab_id = ?")
		args = append(args, filter.TabID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	records := []*SessionRecord{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating sessions: %w", err)
	}
	return records, nil
}

// Finish records the terminal state of a session.
func (r *SessionRepo) Finish(ctx context.Context, id, status string, exitCode int, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE sessions
SET status = ?, exit_code = ?, error = ?, finished_at = ?
WHERE id = ?
`, status, exitCode, errMsg, formatTimestamp(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("failed to finish session %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read updated rows for session %q: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("session %q not found", id)
	}
	return nil
}

// MarkInterrupted finishes every session still marked running. It is run
// at startup, since no session survives a restart.
func (r *SessionRepo) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE sessions
SET status = ?, error = 'interrupted by restart', finished_at = ?
WHERE status = ?
`, SessionStatusKilled, formatTimestamp(nowUTC()), SessionStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted sessions: %w", err)
	}
	return res.RowsAffected()
}

func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session %q: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var argvRaw, createdAtRaw, finishedAtRaw string
	if err := row.Scan(&rec.ID, &rec.TabID, &rec.Profile, &argvRaw, &rec.Status, &rec.ExitCode, &rec.Error, &createdAtRaw, &finishedAtRaw); err != nil {
		return nil, err
	}
	var err error
	if rec.Argv, err = decodeStringSlice(argvRaw); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if rec.FinishedAt, err = parseOptionalTimestamp(finishedAtRaw); err != nil {
		return nil, err
	}
	return &rec, nil
}
