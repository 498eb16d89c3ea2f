package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGoCleanExit(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("worker", func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v, want nil", err)
	}
}

func TestGoErrorRecorded(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	boom := errors.New("boom")
	s.Go("bad", func(ctx context.Context) error { return boom })

	deadline := time.After(2 * time.Second)
	for s.Err() == nil {
		select {
		case <-deadline:
			t.Fatal("unit error never recorded")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if !errors.Is(s.Err(), boom) {
		t.Fatalf("Err = %v", s.Err())
	}
}

func TestGoCancelOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("bad", func(ctx context.Context) error { return errors.New("fatal") })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after unit error")
	}
}

func TestGoPanicRecovered(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("panicky", func(ctx context.Context) error { panic("oops") })

	deadline := time.After(2 * time.Second)
	for {
		snap := s.Stats()
		if len(snap.Units) == 1 && snap.Units[0].Panics == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("panic not recorded: %+v", snap)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestContextCanceledIsClean(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("blocked", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v, want nil for ctx-cancel exit", err)
	}
}

func TestGoRestartRestarts(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	ran := make(chan struct{}, 8)
	s.GoRestart("flaky", func(ctx context.Context) error {
		ran <- struct{}{}
		return errors.New("transient")
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	for i := 0; i < 3; i++ {
		select {
		case <-ran:
		case <-time.After(2 * time.Second):
			t.Fatalf("unit only ran %d times", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	var flaky *UnitStats
	snap := s.Stats()
	for i := range snap.Units {
		if snap.Units[i].Name == "flaky" {
			flaky = &snap.Units[i]
		}
	}
	if flaky == nil || flaky.Restarts < 2 {
		t.Fatalf("stats = %+v", snap)
	}
}

func TestStatsCounts(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	block := make(chan struct{})
	s.Go("running", func(ctx context.Context) error {
		<-block
		return nil
	})

	deadline := time.After(2 * time.Second)
	for s.Stats().Active != 1 {
		select {
		case <-deadline:
			t.Fatal("unit never counted as active")
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := s.Stats().Active; got != 0 {
		t.Fatalf("Active = %d after Stop", got)
	}
}
