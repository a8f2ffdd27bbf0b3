package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestLogger(t *testing.T) *SQLiteLogger {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	l := NewSQLiteLogger(sqlDB)
	if err := l.Init(); err != nil {
		t.Fatalf("initialising schema: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLogAndQuery(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	entries := []*Entry{
		{Level: LevelInfo, Component: "fingerprinting", Message: "processed fingerprint abc"},
		{Level: LevelWarning, Component: "challenge", Message: "challenge ch-1 verification success=false"},
		{Level: LevelError, Component: "sandbox", Message: "sandbox execution for abc"},
	}
	for _, e := range entries {
		if err := l.Log(ctx, e); err != nil {
			t.Fatalf("logging %q: %v", e.Message, err)
		}
	}

	t.Run("NoFilter", func(t *testing.T) {
		got, err := l.QueryEntries(ctx, Filter{})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 3 {
			t.Errorf("entries = %d, want 3", len(got))
		}
	})

	t.Run("ByLevel", func(t *testing.T) {
		got, err := l.QueryEntries(ctx, Filter{Level: LevelError})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 1 || got[0].Component != "sandbox" {
			t.Errorf("got %d entries, want the single sandbox error", len(got))
		}
	})

	t.Run("ByComponent", func(t *testing.T) {
		got, err := l.QueryEntries(ctx, Filter{Component: "challenge"})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 1 {
			t.Errorf("entries = %d, want 1", len(got))
		}
	})

	t.Run("BySearch", func(t *testing.T) {
		got, err := l.QueryEntries(ctx, Filter{Search: "fingerprint abc"})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 1 || got[0].Component != "fingerprinting" {
			t.Errorf("got %d entries, want the fingerprinting one", len(got))
		}
	})

	t.Run("Limit", func(t *testing.T) {
		got, err := l.QueryEntries(ctx, Filter{Limit: 2})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 2 {
			t.Errorf("entries = %d, want 2", len(got))
		}
	})
}

func TestLogFillsDefaults(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	e := &Entry{Component: "tasks", Message: "task tick completed"}
	if err := l.Log(ctx, e); err != nil {
		t.Fatalf("log: %v", err)
	}
	if e.EntryID == "" {
		t.Error("entry_id not generated")
	}
	if e.Level != LevelInfo {
		t.Errorf("level = %q, want default INFO", e.Level)
	}
	if e.Timestamp == 0 {
		t.Error("timestamp not set")
	}
}

func TestCloseFlushesAsyncEntries(t *testing.T) {
	sqlDB, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	defer sqlDB.Close()

	l := NewSQLiteLogger(sqlDB)
	if err := l.Init(); err != nil {
		t.Fatalf("initialising schema: %v", err)
	}

	for i := 0; i < 10; i++ {
		l.LogAsync(&Entry{Component: "verification", Message: "decision recorded"})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Close is idempotent.
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := l.QueryEntries(ctx, Filter{Component: "verification"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 10 {
		t.Errorf("entries = %d, want all 10 flushed on close", len(got))
	}
}

func TestLogAsyncAfterClose(t *testing.T) {
	l := newTestLogger(t)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Late entries are dropped, not panicked on.
	l.LogAsync(&Entry{Component: "tasks", Message: "straggler"})

	got, err := l.QueryEntries(context.Background(), Filter{Component: "tasks"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("entries = %d, want the late entry dropped", len(got))
	}
}
