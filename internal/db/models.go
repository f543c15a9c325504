package db

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SessionStatusRunning  = "running"
	SessionStatusFinished = "finished"
	SessionStatusKilled   = "killed"

	CommandStatusQueued    = "queued"
	CommandStatusRunning   = "running"
	CommandStatusDone      = "done"
	CommandStatusFailed    = "failed"
	CommandStatusCancelled = "cancelled"
)

// SessionRecord is the persisted trace of one session run.
type SessionRecord struct {
	ID         string    `json:"id"`
	TabID      string    `json:"tab_id"`
	Profile    string    `json:"profile,omitempty"`
	Argv       []string  `json:"argv"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

type SessionFilter struct {
	TabID  string
	Status string
}

// HistoryEntry is one recorded command line.
type HistoryEntry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// CommandRecord tracks a command submitted to a command session.
type CommandRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Text        string    `json:"text"`
	Status      string    `json:"status"`
	ExitCode    int       `json:"exit_code"`
	CallbackURL string    `json:"callback_url,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// timestampLayout is RFC 3339 with a fixed-width fraction so stored values
// sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func NewID() string {
	return uuid.NewString()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(timestampLayout)
}

func formatTimestampOrEmpty(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return formatTimestamp(ts)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}

func parseOptionalTimestamp(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	return parseTimestamp(raw)
}

func encodeStringSlice(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	buf, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to encode string slice: %w", err)
	}
	return string(buf), nil
}

func decodeStringSlice(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("failed to decode string slice: %w", err)
	}
	return values, nil
}
