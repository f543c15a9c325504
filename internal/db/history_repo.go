package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const defaultHistoryLimit = 50

type HistoryRepo struct {
	db *sql.DB
}

func NewHistoryRepo(db *sql.DB) *HistoryRepo {
	return &HistoryRepo{db: db}
}

// AppendHistory records one command line. Blank lines are ignored.
func (r *HistoryRepo) AppendHistory(ctx context.Context, sessionID, line string) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("history repo unavailable")
	}
	if strings.TrimSpace(line) == "" {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO command_history (id, session_id, line, created_at)
VALUES (?, ?, ?, ?)
`, NewID(), sessionID, line, formatTimestamp(nowUTC()))
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

// List returns the newest limit entries, oldest first.
func (r *HistoryRepo) List(ctx context.Context, limit int) ([]*HistoryEntry, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("history repo unavailable")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, session_id, line, created_at
FROM command_history
ORDER BY created_at DESC, rowid DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	items := make([]*HistoryEntry, 0)
	for rows.Next() {
		entry := &HistoryEntry{}
		var createdAtRaw string
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.Line, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		if entry.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
			return nil, err
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// Trim keeps only the newest keep entries.
func (r *HistoryRepo) Trim(ctx context.Context, keep int) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("history repo unavailable")
	}
	if keep <= 0 {
		keep = defaultHistoryLimit
	}
	_, err := r.db.ExecContext(ctx, `
DELETE FROM command_history
WHERE id NOT IN (
	SELECT id FROM command_history
	ORDER BY created_at DESC, rowid DESC
	LIMIT ?
)
`, keep)
	if err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}
