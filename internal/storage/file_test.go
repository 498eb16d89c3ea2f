package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	logx "pixiwatch/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "pixiwatch.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st == nil {
		t.Fatal("Open returned nil store for file driver")
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) returned a store, want nil", driver)
		}
	}
	if _, err := Open(Config{Driver: "bolt"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestFileRunsRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st := openTestStore(t, dir)
	defer st.Close()

	ctx := context.Background()
	base := time.Now().Round(time.Millisecond)
	for i := 0; i < 5; i++ {
		e := RunEntry{
			ID:        fmt.Sprintf("run-%d", i),
			Trigger:   "scheduled",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			EndedAt:   base.Add(time.Duration(i)*time.Minute + 5*time.Second),
			Outcome:   "success",
			Fetched:   10,
			Pushed:    i,
		}
		if err := st.AppendRun(ctx, e); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}

	runs, err := st.RecentRuns(ctx, 3)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len = %d, want 3", len(runs))
	}
	// Newest first.
	if runs[0].ID != "run-4" || runs[2].ID != "run-2" {
		t.Fatalf("order = %s..%s", runs[0].ID, runs[2].ID)
	}
	if runs[0].Pushed != 4 {
		t.Fatalf("Pushed = %d, want 4", runs[0].Pushed)
	}
}

func TestFileSeenSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	if err := st.PutSeen(ctx, "illust:123", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("PutSeen: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openTestStore(t, dir)
	defer st.Close()
	seen, err := st.WasSeen(ctx, "illust:123")
	if err != nil {
		t.Fatalf("WasSeen: %v", err)
	}
	if !seen {
		t.Fatal("seen key lost across reopen")
	}
	if seen, _ := st.WasSeen(ctx, "illust:999"); seen {
		t.Fatal("unknown key reported as seen")
	}
}

func TestFileSeenExpiry(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()
	st := openTestStore(t, dir)
	defer st.Close()

	if err := st.PutSeen(ctx, "stale", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("PutSeen: %v", err)
	}
	if seen, _ := st.WasSeen(ctx, "stale"); seen {
		t.Fatal("expired key reported as seen")
	}
}

func TestFileSeenIgnoresEmptyKey(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	ctx := context.Background()
	if err := st.PutSeen(ctx, "  ", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("PutSeen: %v", err)
	}
	if seen, _ := st.WasSeen(ctx, "  "); seen {
		t.Fatal("blank key reported as seen")
	}
}

func TestFileClosedStoreErrors(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, t.TempDir())
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ctx := context.Background()
	if err := st.AppendRun(ctx, RunEntry{ID: "x"}); err == nil {
		t.Fatal("AppendRun succeeded on closed store")
	}
	if err := st.PutSeen(ctx, "k", time.Now().Add(time.Hour)); err == nil {
		t.Fatal("PutSeen succeeded on closed store")
	}
}
