package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pixiwatch/internal/status"
	logx "pixiwatch/pkg/logx"
)

// Task is the unit of work the scheduler invokes. Run must honor ctx
// cancellation; a returned error marks the invocation failed but never
// stops loop mode.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

// Config controls the scheduler service.
type Config struct {
	Spec        string
	Timezone    string // IANA TZ, e.g. "Asia/Tokyo"; empty means local
	RunTimeout  time.Duration
	GracePeriod time.Duration
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	return c
}

// RunHook observes finished invocations (e.g. to persist run history).
// It runs on the invocation goroutine after the store is updated.
type RunHook func(ctx context.Context, inv status.Invocation)

type Service struct {
	log   logx.Logger
	task  Task
	store *status.Store
	hook  RunHook

	mu       sync.Mutex
	cfg      Config
	spec     Spec
	loc      *time.Location
	reloadCh chan struct{}

	runMu     sync.Mutex
	runID     string
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

// New parses cfg.Spec eagerly so a bad schedule is caught before any unit
// starts.
func New(cfg Config, task Task, store *status.Store, log logx.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	spec, err := ParseSchedule(cfg.Spec)
	if err != nil {
		return nil, err
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	s := &Service{
		log:      log,
		task:     task,
		store:    store,
		cfg:      cfg,
		spec:     spec,
		loc:      loc,
		reloadCh: make(chan struct{}, 1),
	}
	store.SetSchedule(cfg.Spec, loc.String())
	return s, nil
}

// SetRunHook installs the post-invocation observer. Call before Run/RunOnce.
func (s *Service) SetRunHook(h RunHook) { s.hook = h }

// Apply swaps the schedule definition at runtime (config hot reload).
// The loop recomputes its due-time on the next wakeup.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	spec, err := ParseSchedule(cfg.Spec)
	if err != nil {
		return err
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return err
	}

	s.mu.Lock()
	changed := s.cfg.Spec != cfg.Spec || s.cfg.Timezone != cfg.Timezone
	s.cfg = cfg
	s.spec = spec
	s.loc = loc
	s.mu.Unlock()

	if changed {
		s.store.SetSchedule(cfg.Spec, loc.String())
		select {
		case s.reloadCh <- struct{}{}:
		default:
		}
		s.log.Info("schedule updated", logx.String("spec", cfg.Spec), logx.String("tz", loc.String()))
	}
	return nil
}

// RunOnce executes the task exactly once, synchronously, and returns the
// recorded invocation. Immediate mode: the caller maps the outcome to the
// process exit code. A cancelled ctx grants the run the same bounded
// grace period as a loop-mode shutdown before cancelling it.
func (s *Service) RunOnce(ctx context.Context) status.Invocation {
	inv := s.startInvocation(ctx, status.TriggerImmediate)
	if inv == nil {
		// Cannot happen in immediate mode: nothing else starts invocations.
		return status.Invocation{Outcome: status.OutcomeFailure, Error: "invocation already in progress"}
	}

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.drain()
	}

	snap := s.store.Snapshot()
	if snap.Last != nil && snap.Last.ID == inv.ID {
		return *snap.Last
	}
	return *inv
}

// Run is loop mode. It blocks until ctx is cancelled (clean stop, returns
// nil) or the schedule becomes unresolvable (returns the fatal error).
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	spec := s.spec
	loc := s.loc
	s.mu.Unlock()

	anchor := time.Now()
	sched, err := Resolve(spec, loc, anchor)
	if err != nil {
		return err
	}
	s.log.Info("scheduler started",
		logx.String("spec", spec.Raw),
		logx.String("tz", loc.String()),
		logx.String("task", s.task.Name()),
	)

	for {
		// Pick up hot-reloaded schedules.
		if s.scheduleChanged(sched) {
			s.mu.Lock()
			spec, loc = s.spec, s.loc
			s.mu.Unlock()
			sched, err = Resolve(spec, loc, time.Now())
			if err != nil {
				return err
			}
		}

		now := time.Now()
		next, err := sched.Next(now)
		if err != nil {
			// Schedule resolution failure is fatal to loop mode.
			return fmt.Errorf("compute next due-time: %w", err)
		}
		s.store.SetNextDue(next)
		s.log.Debug("next due-time", logx.Time("due", next), logx.Duration("in", time.Until(next)))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.drain()
			s.log.Info("scheduler stopped")
			return nil
		case <-s.reloadCh:
			timer.Stop()
			continue
		case <-timer.C:
		}

		if inv := s.startInvocation(ctx, status.TriggerScheduled); inv == nil {
			// Previous invocation still running: skip this due-time and
			// move on to the next grid point. No catch-up.
			s.store.NoteSkipped()
			s.log.Warn("due-time skipped: invocation still running", logx.Time("due", next))
		}
	}
}

// scheduleChanged reports whether the live config names a different
// schedule than sched was resolved from. Locations compare by zone name:
// time.LoadLocation returns a fresh pointer per call, and a pointer
// mismatch alone must not re-anchor the interval grid.
func (s *Service) scheduleChanged(sched Schedule) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec.Raw != sched.Spec().Raw || s.loc.String() != sched.loc.String()
}

// startInvocation begins one execution attempt in a tracked goroutine.
// It returns nil if an invocation is already in flight.
func (s *Service) startInvocation(parent context.Context, trigger status.Trigger) *status.Invocation {
	inv := status.Invocation{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: time.Now(),
	}
	if !s.store.TryStart(inv) {
		return nil
	}

	s.mu.Lock()
	timeout := s.cfg.RunTimeout
	s.mu.Unlock()

	// The invocation survives loop-context cancellation so shutdown can
	// grant it a grace period; drain() cancels it when that expires.
	base := context.WithoutCancel(parent)
	var runCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(base, timeout)
	} else {
		runCtx, cancel = context.WithCancel(base)
	}

	s.runMu.Lock()
	s.runID = inv.ID
	s.runCancel = cancel
	s.runMu.Unlock()

	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		defer cancel()

		s.log.Info("invocation started",
			logx.String("id", inv.ID),
			logx.String("task", s.task.Name()),
			logx.String("trigger", string(trigger)),
		)
		err := runTask(runCtx, s.task)
		done, ok := s.store.Complete(err)
		if !ok {
			return
		}
		if err != nil {
			s.log.Warn("invocation failed",
				logx.String("id", done.ID),
				logx.Duration("dur", done.Duration),
				logx.Err(err),
			)
		} else {
			s.log.Info("invocation completed",
				logx.String("id", done.ID),
				logx.Duration("dur", done.Duration),
			)
		}
		if s.hook != nil {
			s.hook(runCtx, done)
		}

		s.runMu.Lock()
		// A newer invocation may already own the slot; only clear our own.
		if s.runID == inv.ID {
			s.runID = ""
			s.runCancel = nil
		}
		s.runMu.Unlock()
	}()
	return &inv
}

// runTask shields the scheduler from a panicking task: a panic is a
// failed invocation, not a dead loop.
func runTask(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.Run(ctx)
}

// drain waits for an in-flight invocation to finish within the grace
// period, then cancels it and waits for the goroutine to unwind.
func (s *Service) drain() {
	s.mu.Lock()
	grace := s.cfg.GracePeriod
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}

	s.log.Warn("grace period expired; cancelling in-flight invocation", logx.Duration("grace", grace))
	s.runMu.Lock()
	cancel := s.runCancel
	s.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-done
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}
