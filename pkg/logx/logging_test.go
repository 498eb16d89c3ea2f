package logx

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" info ", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"loudest", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestZeroValueLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero value reported non-zero")
	}
	// Must not panic.
	l.Info("ignored", String("k", "v"))
	l.With(Int("n", 1)).Error("ignored too")
}

func TestNopLogger(t *testing.T) {
	t.Parallel()
	l := Nop()
	if l.IsZero() {
		t.Fatal("Nop logger reported zero")
	}
	if l.Enabled(LevelError) {
		t.Fatal("Nop logger claims to log errors")
	}
	l.Warn("ignored")
}

func TestServiceApplyLevel(t *testing.T) {
	t.Parallel()
	svc, log := New(Config{Level: "warn", Console: true})
	defer svc.Close()

	if log.Enabled(LevelDebug) {
		t.Fatal("debug enabled at warn level")
	}
	if !log.Enabled(LevelError) {
		t.Fatal("error disabled at warn level")
	}

	svc.Apply(Config{Level: "debug", Console: true})
	if !log.Enabled(LevelDebug) {
		t.Fatal("logger not live across Apply")
	}
}

func TestWithAccumulatesFields(t *testing.T) {
	t.Parallel()
	base := Nop()
	derived := base.With(String("svc", "test"))
	if len(derived.fields) != 1 {
		t.Fatalf("fields = %d", len(derived.fields))
	}
	// Deriving again does not mutate the parent.
	_ = derived.With(Int("n", 2))
	if len(derived.fields) != 1 {
		t.Fatal("With mutated its receiver")
	}
}
