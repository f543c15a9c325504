package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type CommandRepo struct {
	db *sql.DB
}

func NewCommandRepo(db *sql.DB) *CommandRepo {
	return &CommandRepo{db: db}
}

const commandColumns = `id, session_id, text, status, exit_code, callback_url, error, created_at, started_at, completed_at`

func (r *CommandRepo) Create(ctx context.Context, cmd *CommandRecord) error {
	if cmd == nil {
		return fmt.Errorf("command is required")
	}
	if cmd.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if cmd.ID == "" {
		cmd.ID = NewID()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = nowUTC()
	}
	if cmd.Status == "" {
		cmd.Status = CommandStatusQueued
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO commands (`+commandColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		cmd.ID,
		cmd.SessionID,
		cmd.Text,
		cmd.Status,
		cmd.ExitCode,
		cmd.CallbackURL,
		cmd.Error,
		formatTimestamp(cmd.CreatedAt),
		formatTimestampOrEmpty(cmd.StartedAt),
		formatTimestampOrEmpty(cmd.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create command: %w", err)
	}
	return nil
}

func (r *CommandRepo) Get(ctx context.Context, id string) (*CommandRecord, error) {
	cmd, err := scanCommand(r.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get command %q: %w", id, err)
	}
	return cmd, nil
}

func (r *CommandRepo) MarkStarted(ctx context.Context, id string) error {
	return r.update(ctx, id, `UPDATE commands SET status = ?, started_at = ? WHERE id = ?`,
		CommandStatusRunning, formatTimestamp(nowUTC()), id)
}

func (r *CommandRepo) Complete(ctx context.Context, id, status string, exitCode int, errMsg string) error {
	return r.update(ctx, id, `UPDATE commands SET status = ?, exit_code = ?, error = ?, completed_at = ? WHERE id = ?`,
		status, exitCode, errMsg, formatTimestamp(nowUTC()), id)
}

func (r *CommandRepo) update(ctx context.Context, id, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update command %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read updated rows for command %q: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("command %q not found", id)
	}
	return nil
}

// ListBySession returns the newest commands of a session, newest first.
func (r *CommandRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]*CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM commands
WHERE session_id = ?
ORDER BY created_at DESC, rowid DESC
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	out := []*CommandRecord{}
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		out = append(out, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating commands: %w", err)
	}
	return out, nil
}

func scanCommand(row rowScanner) (*CommandRecord, error) {
	var cmd CommandRecord
	var createdAtRaw, startedAtRaw, completedAtRaw string
	if err := row.Scan(
		&cmd.ID,
		&cmd.SessionID,
		&cmd.Text,
		&cmd.Status,
		&cmd.ExitCode,
		&cmd.CallbackURL,
		&cmd.Error,
		&createdAtRaw,
		&startedAtRaw,
		&completedAtRaw,
	); err != nil {
		return nil, err
	}
	var err error
	if cmd.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if cmd.StartedAt, err = parseOptionalTimestamp(startedAtRaw); err != nil {
		return nil, err
	}
	if cmd.CompletedAt, err = parseOptionalTimestamp(completedAtRaw); err != nil {
		return nil, err
	}
	return &cmd, nil
}
