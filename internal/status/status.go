// Package status holds the process-wide scheduler state shared between the
// scheduler loop (sole writer) and the status HTTP server (readers).
// Readers only ever see atomic copies, never live references.
package status

import (
	"sync"
	"time"
)

// State is the coarse lifecycle phase reported on /status.
type State string

const (
	// StateStarting is reported until the scheduler publishes its first
	// update. It is the defined "not ready" answer, not an error.
	StateStarting State = "starting"
	StateIdle     State = "idle"
	StateRunning  State = "running"
)

// Trigger records why an invocation started.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerImmediate Trigger = "immediate"
)

// Outcome of a finished (or running) invocation.
type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
)

// Invocation is one recorded execution attempt of the watch task.
type Invocation struct {
	ID        string        `json:"id"`
	Trigger   Trigger       `json:"trigger"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at,omitzero"`
	Duration  time.Duration `json:"duration,omitempty"`
	Outcome   Outcome       `json:"outcome"`
	Error     string        `json:"error,omitempty"`
}

// Snapshot is an atomically consistent, point-in-time copy of the
// scheduler state. Safe to hand to concurrent readers.
type Snapshot struct {
	State     State     `json:"state"`
	Running   bool      `json:"running"`
	Schedule  string    `json:"schedule,omitempty"`
	Timezone  string    `json:"timezone,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`

	NextDue time.Time    `json:"next_due_time,omitzero"`
	Current *Invocation  `json:"current,omitempty"`
	Last    *Invocation  `json:"last,omitempty"`
	Recent  []Invocation `json:"recent,omitempty"`

	Skipped uint64 `json:"skipped_due_times,omitempty"`
}

// Store is the scheduler-state record. Mutators are called only by the
// scheduler core; everything else reads through Snapshot().
type Store struct {
	mu sync.Mutex

	ready     bool
	schedule  string
	timezone  string
	startedAt time.Time
	updatedAt time.Time

	nextDue time.Time
	current *Invocation
	last    *Invocation
	recent  []Invocation
	keep    int

	skipped uint64
}

// NewStore creates a store retaining the most recent keep invocations
// (minimum 1).
func NewStore(keep int) *Store {
	if keep < 1 {
		keep = 1
	}
	return &Store{keep: keep, startedAt: time.Now()}
}

// SetSchedule publishes the resolved schedule definition.
func (s *Store) SetSchedule(spec, timezone string) {
	s.mu.Lock()
	s.schedule = spec
	s.timezone = timezone
	s.mu.Unlock()
}

// SetNextDue publishes the next computed due-time and marks the store ready.
func (s *Store) SetNextDue(t time.Time) {
	s.mu.Lock()
	s.nextDue = t
	s.ready = true
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// TryStart records inv as the in-progress invocation. It returns false
// without mutating anything if an invocation is already running, which is
// how overlapping due-times are rejected.
func (s *Store) TryStart(inv Invocation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return false
	}
	inv.Outcome = OutcomeInProgress
	s.current = &inv
	s.ready = true
	s.updatedAt = time.Now()
	return true
}

// Complete finalizes the in-progress invocation with the given error and
// moves it into the history. It returns the finished record, or false if
// no invocation was running.
func (s *Store) Complete(err error) (Invocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Invocation{}, false
	}
	inv := *s.current
	inv.EndedAt = time.Now()
	inv.Duration = inv.EndedAt.Sub(inv.StartedAt)
	if err != nil {
		inv.Outcome = OutcomeFailure
		inv.Error = err.Error()
	} else {
		inv.Outcome = OutcomeSuccess
	}
	s.current = nil
	s.last = &inv
	s.recent = append(s.recent, inv)
	if len(s.recent) > s.keep {
		s.recent = s.recent[len(s.recent)-s.keep:]
	}
	s.updatedAt = inv.EndedAt
	return inv, true
}

// NoteSkipped counts a due-time that was dropped because an invocation
// was still running.
func (s *Store) NoteSkipped() {
	s.mu.Lock()
	s.skipped++
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// Running reports whether an invocation is in progress.
func (s *Store) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Ready reports whether the scheduler has published at least one update.
func (s *Store) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Snapshot returns a consistent copy of the state. The copy shares no
// mutable memory with the store, so callers can serialize it freely.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:     StateStarting,
		Schedule:  s.schedule,
		Timezone:  s.timezone,
		StartedAt: s.startedAt,
		UpdatedAt: s.updatedAt,
		NextDue:   s.nextDue,
		Skipped:   s.skipped,
	}
	if s.ready {
		snap.State = StateIdle
	}
	if s.current != nil {
		cur := *s.current
		snap.Current = &cur
		snap.State = StateRunning
		snap.Running = true
	}
	if s.last != nil {
		last := *s.last
		snap.Last = &last
	}
	if len(s.recent) > 0 {
		snap.Recent = make([]Invocation, len(s.recent))
		copy(snap.Recent, s.recent)
	}
	return snap
}
