package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind distinguishes calendar-based from interval-based schedules.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ErrUnresolvable is returned when a schedule cannot produce a future
// due-time. It is fatal to loop mode.
var ErrUnresolvable = errors.New("schedule has no future due-time")

// specParser accepts both 5-field and 6-field (with seconds) cron specs.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Spec is a parsed, location-independent schedule definition.
type Spec struct {
	Raw    string
	Kind   SpecKind
	Source string // "cron", "duration" or "hhmm"

	Every time.Duration // interval kind only
	expr  string        // normalized cron expression, cron kind only
}

// ParseSchedule parses raw into a Spec. "@every <dur>" descriptors are
// treated as intervals so they get fixed-grid semantics instead of
// robfig's relative-delay behavior.
func ParseSchedule(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, errors.New("empty schedule spec")
	}

	force := ""
	for _, p := range []string{"cron:", "interval:", "every:"} {
		if strings.HasPrefix(s, p) {
			force = strings.TrimSuffix(p, ":")
			s = strings.TrimSpace(strings.TrimPrefix(s, p))
			break
		}
	}

	tryInterval := func() (Spec, bool) {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return Spec{Raw: raw, Kind: SpecInterval, Source: "duration", Every: d}, true
		}
		if h, m, err := parseHHMM(s); err == nil {
			d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
			if d > 0 {
				return Spec{Raw: raw, Kind: SpecInterval, Source: "hhmm", Every: d}, true
			}
		}
		return Spec{}, false
	}
	tryCron := func() (Spec, bool) {
		if _, err := specParser.Parse(s); err == nil {
			return Spec{Raw: raw, Kind: SpecCron, Source: "cron", expr: s}, true
		}
		return Spec{}, false
	}

	// "@every 55m" is an interval in disguise.
	if strings.HasPrefix(s, "@every ") {
		ds := strings.TrimSpace(strings.TrimPrefix(s, "@every "))
		d, err := time.ParseDuration(ds)
		if err != nil || d <= 0 {
			return Spec{}, fmt.Errorf("invalid @every duration %q", ds)
		}
		return Spec{Raw: raw, Kind: SpecInterval, Source: "duration", Every: d}, nil
	}

	switch force {
	case "cron":
		if sp, ok := tryCron(); ok {
			return sp, nil
		}
		return Spec{}, fmt.Errorf("invalid cron expression %q", s)
	case "interval", "every":
		if sp, ok := tryInterval(); ok {
			return sp, nil
		}
		return Spec{}, fmt.Errorf("invalid interval %q", s)
	}

	// Unprefixed: intervals first (a bare "55m" is not a cron field),
	// then cron.
	if sp, ok := tryInterval(); ok {
		return sp, nil
	}
	if sp, ok := tryCron(); ok {
		return sp, nil
	}
	return Spec{}, fmt.Errorf("unrecognized schedule spec %q", raw)
}

// Schedule is a Spec resolved against a timezone and an anchor instant.
// Next is safe for concurrent use.
type Schedule struct {
	spec   Spec
	cron   cron.Schedule
	anchor time.Time
	loc    *time.Location
}

// Resolve binds spec to loc. anchor fixes the interval grid origin;
// loop mode passes its start time so "every 60s" fires at start+60s,
// start+120s, ... regardless of how long each run takes.
func Resolve(spec Spec, loc *time.Location, anchor time.Time) (Schedule, error) {
	if loc == nil {
		loc = time.Local
	}
	sch := Schedule{spec: spec, anchor: anchor, loc: loc}
	if spec.Kind == SpecCron {
		expr := spec.expr
		// robfig reads the location from a CRON_TZ= prefix; splice the
		// configured zone in unless the spec already carries one.
		if !strings.HasPrefix(expr, "TZ=") && !strings.HasPrefix(expr, "CRON_TZ=") && loc != time.Local {
			expr = "CRON_TZ=" + loc.String() + " " + expr
		}
		cs, err := specParser.Parse(expr)
		if err != nil {
			return Schedule{}, fmt.Errorf("resolve cron spec %q: %w", spec.Raw, err)
		}
		sch.cron = cs
	}
	return sch, nil
}

// Spec returns the definition this schedule was resolved from.
func (s Schedule) Spec() Spec { return s.spec }

// Next returns the first due-time strictly after now. It is monotonic:
// non-decreasing inputs yield non-decreasing results, and now equal to a
// previous due-time yields the following grid point, never the same one.
func (s Schedule) Next(now time.Time) (time.Time, error) {
	if s.spec.Kind == SpecCron {
		next := s.cron.Next(now.In(s.loc))
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("%w: cron %q", ErrUnresolvable, s.spec.Raw)
		}
		return next, nil
	}

	every := s.spec.Every
	if every <= 0 {
		return time.Time{}, fmt.Errorf("%w: interval %q", ErrUnresolvable, s.spec.Raw)
	}
	elapsed := now.Sub(s.anchor)
	n := elapsed / every
	if n < 0 {
		n = 0
	}
	// Land strictly after now: an exact grid hit advances to the next slot.
	n++
	return s.anchor.Add(time.Duration(n) * every), nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
