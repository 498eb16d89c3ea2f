package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"pixiwatch/internal/status"
	logx "pixiwatch/pkg/logx"
)

// fakeTask counts runs and can block, fail or panic on demand.
type fakeTask struct {
	runs    atomic.Int64
	started chan struct{}
	block   time.Duration
	err     error
	panics  bool
}

func (f *fakeTask) Name() string { return "fake" }

func (f *fakeTask) Run(ctx context.Context) error {
	f.runs.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.panics {
		panic("kaboom")
	}
	if f.block > 0 {
		select {
		case <-time.After(f.block):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func newTestService(t *testing.T, cfg Config, task Task) (*Service, *status.Store) {
	t.Helper()
	st := status.NewStore(10)
	svc, err := New(cfg, task, st, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, st
}

func TestNewRejectsBadSpec(t *testing.T) {
	t.Parallel()
	st := status.NewStore(1)
	if _, err := New(Config{Spec: "bogus"}, &fakeTask{}, st, logx.Nop()); err == nil {
		t.Fatal("expected error for unparsable spec")
	}
	if _, err := New(Config{Spec: "60s", Timezone: "Mars/Olympus"}, &fakeTask{}, st, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestRunOnceSuccess(t *testing.T) {
	t.Parallel()
	task := &fakeTask{}
	svc, st := newTestService(t, Config{Spec: "1h"}, task)

	inv := svc.RunOnce(context.Background())
	if inv.Outcome != status.OutcomeSuccess {
		t.Fatalf("Outcome = %s, want success", inv.Outcome)
	}
	if inv.Trigger != status.TriggerImmediate {
		t.Fatalf("Trigger = %s, want immediate", inv.Trigger)
	}
	if got := task.runs.Load(); got != 1 {
		t.Fatalf("task ran %d times, want 1", got)
	}
	if st.Running() {
		t.Fatal("store still running after RunOnce returned")
	}
}

func TestRunOnceFailure(t *testing.T) {
	t.Parallel()
	task := &fakeTask{err: errors.New("fetch failed")}
	svc, _ := newTestService(t, Config{Spec: "1h"}, task)

	inv := svc.RunOnce(context.Background())
	if inv.Outcome != status.OutcomeFailure {
		t.Fatalf("Outcome = %s, want failure", inv.Outcome)
	}
	if inv.Error != "fetch failed" {
		t.Fatalf("Error = %q", inv.Error)
	}
}

func TestRunOncePanicIsFailure(t *testing.T) {
	t.Parallel()
	task := &fakeTask{panics: true}
	svc, _ := newTestService(t, Config{Spec: "1h"}, task)

	inv := svc.RunOnce(context.Background())
	if inv.Outcome != status.OutcomeFailure {
		t.Fatalf("Outcome = %s, want failure", inv.Outcome)
	}
	if inv.Error == "" {
		t.Fatal("panic produced empty error")
	}
}

func TestRunHookObservesInvocation(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t, Config{Spec: "1h"}, &fakeTask{})

	var hooked atomic.Int64
	svc.SetRunHook(func(ctx context.Context, inv status.Invocation) {
		if inv.Outcome == status.OutcomeSuccess {
			hooked.Add(1)
		}
	})
	svc.RunOnce(context.Background())
	if hooked.Load() != 1 {
		t.Fatal("run hook not invoked")
	}
}

func TestRunOnceGracePeriodCancelsStuckTask(t *testing.T) {
	t.Parallel()
	// The task would run for a minute; a shutdown signal during an
	// immediate-mode run must cancel it after the grace period instead
	// of waiting it out.
	task := &fakeTask{block: time.Minute, started: make(chan struct{}, 1)}
	svc, _ := newTestService(t, Config{Spec: "1h", GracePeriod: 80 * time.Millisecond}, task)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan status.Invocation, 1)
	go func() { done <- svc.RunOnce(ctx) }()

	<-task.started
	cancel()

	select {
	case inv := <-done:
		if inv.Outcome != status.OutcomeFailure {
			t.Fatalf("Outcome = %s, want failure after cancellation", inv.Outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunOnce did not return after grace period")
	}
}

func TestLoopSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	// The task outlives several due-times, so the loop must skip them
	// rather than pile up overlapping invocations.
	task := &fakeTask{block: 250 * time.Millisecond, started: make(chan struct{}, 1)}
	svc, st := newTestService(t, Config{Spec: "50ms", GracePeriod: time.Second}, task)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	<-task.started
	time.Sleep(200 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v, want nil on cancel", err)
	}

	snap := st.Snapshot()
	if snap.Skipped == 0 {
		t.Fatal("no due-times skipped while task was running")
	}
	if got := task.runs.Load(); got > 2 {
		t.Fatalf("task ran %d times, overlapping invocations leaked", got)
	}
}

func TestLoopGracePeriodCancelsStuckTask(t *testing.T) {
	t.Parallel()
	// Blocks far beyond the grace period; shutdown must cancel it and
	// still return promptly.
	task := &fakeTask{block: time.Minute, started: make(chan struct{}, 1)}
	svc, _ := newTestService(t, Config{Spec: "30ms", GracePeriod: 80 * time.Millisecond}, task)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	<-task.started
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after grace period")
	}
}

func TestApplySwapsSchedule(t *testing.T) {
	t.Parallel()
	svc, st := newTestService(t, Config{Spec: "1h"}, &fakeTask{})

	if err := svc.Apply(Config{Spec: "bogus"}); err == nil {
		t.Fatal("Apply accepted unparsable spec")
	}
	if err := svc.Apply(Config{Spec: "15m", Timezone: "UTC"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	snap := st.Snapshot()
	if snap.Schedule != "15m" || snap.Timezone != "UTC" {
		t.Fatalf("schedule = %q tz = %q after Apply", snap.Schedule, snap.Timezone)
	}
}

func TestApplySameConfigKeepsGrid(t *testing.T) {
	t.Parallel()
	cfg := Config{Spec: "60s", Timezone: "Asia/Tokyo"}
	svc, _ := newTestService(t, cfg, &fakeTask{})

	svc.mu.Lock()
	sched, err := Resolve(svc.spec, svc.loc, time.Now())
	svc.mu.Unlock()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if svc.scheduleChanged(sched) {
		t.Fatal("freshly resolved schedule reported as changed")
	}

	// A reload with identical values hands back a fresh *time.Location;
	// that alone must not count as a change (it would re-anchor the grid).
	if err := svc.Apply(cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if svc.scheduleChanged(sched) {
		t.Fatal("identical config reported as schedule change")
	}

	if err := svc.Apply(Config{Spec: "60s", Timezone: "America/New_York"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !svc.scheduleChanged(sched) {
		t.Fatal("timezone change not detected")
	}
}
