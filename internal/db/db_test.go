package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowterm-test.db")
	database, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	})
	return database, path
}

func assertTableExists(t *testing.T, conn *sql.DB, table string) {
	t.Helper()
	var count int
	err := conn.QueryRow(`SELECT count(1) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master error: %v", err)
	}
	if count != 1 {
		t.Fatalf("table %q not found", table)
	}
}

func TestOpenCreatesDBFileAndRunsMigrations(t *testing.T) {
	database, path := openTestDB(t)

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected DB file at %q: %v", path, err)
	}

	assertTableExists(t, database.SQL(), "_meta")
	assertTableExists(t, database.SQL(), "sessions")
	assertTableExists(t, database.SQL(), "command_history")
	assertTableExists(t, database.SQL(), "commands")
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("Open(\"\") error = nil, want error")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	database, _ := openTestDB(t)

	if err := RunMigrations(context.Background(), database.SQL()); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}

	var version string
	if err := database.SQL().QueryRow(`SELECT value FROM _meta WHERE key='schema_version'`).Scan(&version); err != nil {
		t.Fatalf("read schema version error = %v", err)
	}
	if version != strconv.Itoa(SchemaVersion()) {
		t.Fatalf("schema version = %s, want %d", version, SchemaVersion())
	}
}

func TestMigrationsRejectNewerSchema(t *testing.T) {
	database, _ := openTestDB(t)
	if _, err := database.SQL().Exec(`UPDATE _meta SET value = '999' WHERE key = 'schema_version'`); err != nil {
		t.Fatalf("bump schema version: %v", err)
	}
	if err := RunMigrations(context.Background(), database.SQL()); err == nil {
		t.Fatal("RunMigrations() on newer schema error = nil, want error")
	}
}

func TestSessionRepoCreateFinishList(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewSessionRepo(database.SQL())
	ctx := context.Background()

	rec := &SessionRecord{TabID: "tab-1", Profile: "shell", Argv: []string{"sh", "-l"}}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rec.ID == "" || rec.Status != SessionStatusRunning {
		t.Fatalf("Create() record = %#v", rec)
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || !reflect.DeepEqual(got.Argv, []string{"sh", "-l"}) || !got.FinishedAt.IsZero() {
		t.Fatalf("Get() got = %#v", got)
	}

	if err := repo.Finish(ctx, rec.ID, SessionStatusFinished, 3, "exit status 3"); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	finished, err := repo.List(ctx, SessionFilter{TabID: "tab-1", Status: SessionStatusFinished})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(finished) != 1 || finished[0].ExitCode != 3 || finished[0].FinishedAt.IsZero() {
		t.Fatalf("List(finished) got = %#v", finished)
	}

	if err := repo.Finish(ctx, "missing", SessionStatusFinished, 0, ""); err == nil {
		t.Fatal("Finish(missing) error = nil, want not found")
	}

	missing, err := repo.Get(ctx, "missing")
	if err != nil || missing != nil {
		t.Fatalf("Get(missing) = (%#v, %v), want (nil, nil)", missing, err)
	}
}

func TestSessionRepoMarkInterrupted(t *testing.T) {
	database, _ := openTestDB(t)
	repo := NewSessionRepo(database.SQL())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := repo.Create(ctx, &SessionRecord{TabID: "tab"}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	n, err := repo.MarkInterrupted(ctx)
	if err != nil {
		t.Fatalf("MarkInterrupted() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("MarkInterrupted() = %d, want 2", n)
	}
	running, err := repo.List(ctx, SessionFilter{Status: SessionStatusRunning})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("running sessions after restart = %d, want 0", len(running))
	}
}

func TestHistoryRepoAppendListTrim(t *testing.T) {
	database, _ := openTestDB(t)
	history := NewHistoryRepo(database.SQL())
	ctx := context.Background()

	for _, line := range []string{"ls", "", "pwd", "echo hi", "date", "whoami"} {
		if err := history.AppendHistory(ctx, "s1", line); err != nil {
			t.Fatalf("AppendHistory(%q) error = %v", line, err)
		}
	}

	items, err := history.List(ctx, 3)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var lines []string
	for _, it := range items {
		lines = append(lines, it.Line)
	}
	if want := []string{"echo hi", "date", "whoami"}; !reflect.DeepEqual(lines, want) {
		t.Fatalf("List(3) = %q, want %q", lines, want)
	}

	if err := history.Trim(ctx, 2); err != nil {
		t.Fatalf("Trim() error = %v", err)
	}
	items, err = history.List(ctx, 10)
	if err != nil {
		t.Fatalf("List() after trim error = %v", err)
	}
	if len(items) != 2 || items[1].Line != "whoami" {
		t.Fatalf("history after trim = %#v", items)
	}
}

func TestCommandRepoLifecycle(t *testing.T) {
	database, _ := openTestDB(t)
	sessions := NewSessionRepo(database.SQL())
	commands := NewCommandRepo(database.SQL())
	ctx := context.Background()

	rec := &SessionRecord{TabID: "tab"}
	if err := sessions.Create(ctx, rec); err != nil {
		t.Fatalf("create session: %v", err)
	}

	cmd := &CommandRecord{SessionID: rec.ID, Text: "make test", CallbackURL: "https://example.com/ok"}
	if err := commands.Create(ctx, cmd); err != nil {
		t.Fatalf("create command: %v", err)
	}
	if cmd.ID == "" || cmd.Status != CommandStatusQueued {
		t.Fatalf("unexpected command: %#v", cmd)
	}

	if err := commands.MarkStarted(ctx, cmd.ID); err != nil {
		t.Fatalf("MarkStarted() error = %v", err)
	}
	if err := commands.Complete(ctx, cmd.ID, CommandStatusFailed, 2, "exit 2"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	got, err := commands.Get(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != CommandStatusFailed || got.ExitCode != 2 || got.StartedAt.IsZero() || got.CompletedAt.IsZero() {
		t.Fatalf("unexpected command after completion: %#v", got)
	}

	list, err := commands.ListBySession(ctx, rec.ID, 10)
	if err != nil {
		t.Fatalf("ListBySession() error = %v", err)
	}
	if len(list) != 1 || list[0].CallbackURL != "https://example.com/ok" {
		t.Fatalf("ListBySession() = %#v", list)
	}

	if err := sessions.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	list, err = commands.ListBySession(ctx, rec.ID, 10)
	if err != nil {
		t.Fatalf("ListBySession() after delete error = %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("commands not cascaded on session delete: %d left", len(list))
	}
}
