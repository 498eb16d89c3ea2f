package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (requires the sqlite build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunEntry records one finished task invocation.
// Keep it compact and schema-stable.
type RunEntry struct {
	ID        string    `json:"id"`
	Trigger   string    `json:"trigger"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	Fetched   int       `json:"fetched"`
	Pushed    int       `json:"pushed"`
	TookMS    int64     `json:"took_ms"`
}

// Store is the minimal persistence API used by the watch task and the
// status server.
type Store interface {
	AppendRun(ctx context.Context, e RunEntry) error
	RecentRuns(ctx context.Context, n int) ([]RunEntry, error)
	PutSeen(ctx context.Context, key string, until time.Time) error
	WasSeen(ctx context.Context, key string) (bool, error)
	Close() error
}
