// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers session open/close recording, listing order and aggregate stats

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(MemoryPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestRecordSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	opened := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.RecordSessionOpened(ctx, "sess-1", "10.0.0.5:4242", opened); err != nil {
		t.Fatalf("RecordSessionOpened failed: %v", err)
	}

	rec, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if rec.RemoteAddr != "10.0.0.5:4242" {
		t.Errorf("RemoteAddr = %q, want %q", rec.RemoteAddr, "10.0.0.5:4242")
	}
	if !rec.OpenedAt.Equal(opened) {
		t.Errorf("OpenedAt = %v, want %v", rec.OpenedAt, opened)
	}
	if rec.ClosedAt != nil {
		t.Errorf("ClosedAt = %v, want nil", rec.ClosedAt)
	}

	closed := opened.Add(5*time.Minute + 250*time.Millisecond)
	if err := store.RecordSessionClosed(ctx, "sess-1", ReasonIdleTimeout, 7, closed); err != nil {
		t.Fatalf("RecordSessionClosed failed: %v", err)
	}

	rec, err = store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if rec.ClosedAt == nil || !rec.ClosedAt.Equal(closed) {
		t.Errorf("ClosedAt = %v, want %v", rec.ClosedAt, closed)
	}
	if rec.CloseReason != ReasonIdleTimeout {
		t.Errorf("CloseReason = %q, want %q", rec.CloseReason, ReasonIdleTimeout)
	}
	if rec.MessageCount != 7 {
		t.Errorf("MessageCount = %d, want 7", rec.MessageCount)
	}
}

func TestRecordSessionOpened_Duplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.RecordSessionOpened(ctx, "dup", "", time.Now()); err != nil {
		t.Fatalf("RecordSessionOpened failed: %v", err)
	}
	err := store.RecordSessionOpened(ctx, "dup", "", time.Now())
	if !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("second RecordSessionOpened error = %v, want ErrDuplicateSession", err)
	}
}

func TestRecordSessionClosed_Unknown(t *testing.T) {
	store := newTestStore(t)

	err := store.RecordSessionClosed(context.Background(), "ghost", ReasonShutdown, 0, time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordSessionClosed error = %v, want ErrNotFound", err)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetSession(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession error = %v, want ErrNotFound", err)
	}
}

func TestListSessions_NewestFirstWithLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	// The 500ms offset checks ordering does not depend on fractional formatting.
	offsets := []time.Duration{0, time.Second, 500 * time.Millisecond, 2 * time.Second}
	ids := []string{"a", "b", "c", "d"}
	for i, id := range ids {
		if err := store.RecordSessionOpened(ctx, id, "", base.Add(offsets[i])); err != nil {
			t.Fatalf("RecordSessionOpened(%s) failed: %v", id, err)
		}
	}

	records, err := store.ListSessions(ctx, 3)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	var got []string
	for _, r := range records {
		got = append(got, r.ID)
	}
	want := []string{"d", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("ListSessions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ListSessions[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := store.RecordSessionOpened(ctx, id, "", now); err != nil {
			t.Fatalf("RecordSessionOpened failed: %v", err)
		}
	}
	closes := []struct {
		id, reason string
		messages   int
	}{
		{"a", ReasonIdleTimeout, 2},
		{"b", ReasonIdleTimeout, 3},
		{"c", ReasonEventGapTimeout, 1},
	}
	for _, c := range closes {
		if err := store.RecordSessionClosed(ctx, c.id, c.reason, c.messages, now); err != nil {
			t.Fatalf("RecordSessionClosed failed: %v", err)
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 4 || stats.Open != 1 || stats.Messages != 6 {
		t.Errorf("Stats = %+v, want total 4, open 1, messages 6", stats)
	}
	if stats.ClosedByReason[ReasonIdleTimeout] != 2 {
		t.Errorf("idle closes = %d, want 2", stats.ClosedByReason[ReasonIdleTimeout])
	}
	if stats.ClosedByReason[ReasonEventGapTimeout] != 1 {
		t.Errorf("gap closes = %d, want 1", stats.ClosedByReason[ReasonEventGapTimeout])
	}
}

func TestStats_Empty(t *testing.T) {
	store := newTestStore(t)

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 0 || stats.Open != 0 || len(stats.ClosedByReason) != 0 {
		t.Errorf("Stats = %+v, want empty", stats)
	}
}

func TestMockStore_MatchesSQLite(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	for name, s := range map[string]Store{"sqlite": newTestStore(t), "mock": NewMockStore()} {
		t.Run(name, func(t *testing.T) {
			if err := s.RecordSessionOpened(ctx, "x", "addr", now); err != nil {
				t.Fatalf("RecordSessionOpened failed: %v", err)
			}
			if err := s.RecordSessionOpened(ctx, "x", "addr", now); !errors.Is(err, ErrDuplicateSession) {
				t.Errorf("duplicate error = %v, want ErrDuplicateSession", err)
			}
			if err := s.RecordSessionClosed(ctx, "x", ReasonClientDisconnect, 4, now); err != nil {
				t.Fatalf("RecordSessionClosed failed: %v", err)
			}
			if err := s.RecordSessionClosed(ctx, "y", ReasonClientDisconnect, 0, now); !errors.Is(err, ErrNotFound) {
				t.Errorf("unknown close error = %v, want ErrNotFound", err)
			}
			stats, err := s.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats failed: %v", err)
			}
			if stats.Total != 1 || stats.Open != 0 || stats.ClosedByReason[ReasonClientDisconnect] != 1 {
				t.Errorf("Stats = %+v", stats)
			}
		})
	}
}
