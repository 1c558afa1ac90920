// Package cronspec parses cron expressions and computes time-zone-aware
// next-fire instants for the scheduler.
//
// Both five-field (minute resolution) and six-field (second resolution)
// expressions are accepted, plus the usual descriptors (@daily, @every ...).
// Parsing fails fast so invalid expressions are rejected at configuration
// time, before anything is persisted.
package cronspec

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidExpression = errors.New("invalid cron expression")

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule is a parsed cron expression bound to a time zone.
type Schedule struct {
	Expr string
	Zone string

	loc   *time.Location
	sched cron.Schedule

	// hourConstrained is true when the expression names specific hours.
	// Only those schedules need the DST-fold dedup in Next; wildcard-hour
	// schedules legitimately fire in every absolute hour.
	hourConstrained bool
}

// Parse validates expr against zone and returns a bound Schedule.
// An empty zone means UTC.
func Parse(expr, zone string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}
	zone = strings.TrimSpace(zone)
	if zone == "" {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: unknown time zone %q", ErrInvalidExpression, zone)
	}

	// The TZ prefix makes robfig evaluate the expression in the tenant's
	// local wall clock rather than the process local time.
	sched, err := parser.Parse("CRON_TZ=" + loc.String() + " " + expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
	}

	s := Schedule{Expr: expr, Zone: loc.String(), loc: loc, sched: sched}
	if sp, ok := sched.(*cron.SpecSchedule); ok {
		const allHours = 1<<24 - 1
		s.hourConstrained = sp.Hour&allHours != allHours
	}
	return s, nil
}

// Validate reports whether expr parses against zone without keeping the
// schedule around.
func Validate(expr, zone string) error {
	_, err := Parse(expr, zone)
	return err
}

// Location returns the schedule's resolved time zone.
func (s Schedule) Location() *time.Location { return s.loc }

// Next returns the first instant strictly after from at which the schedule
// fires.
//
// Daylight-saving semantics: a wall-clock time that occurs twice during a
// fall-back transition fires only at its first occurrence; a wall-clock time
// skipped by a spring-forward transition does not fire until the expression
// next matches a real instant.
func (s Schedule) Next(from time.Time) time.Time {
	n := s.sched.Next(from)
	if n.IsZero() || !s.hourConstrained {
		return n
	}
	if s.isRepeatedLocalTime(n) {
		// Second occurrence of a repeated local time; the first one already
		// fired (or was already offered), so advance past the fold.
		if n2 := s.sched.Next(n); !n2.IsZero() {
			return n2
		}
	}
	return n
}

// isRepeatedLocalTime reports whether t's local wall clock already occurred
// at an earlier absolute instant, i.e. t sits in the second half of a DST
// fold. Checks the common 1h offset shift and the rarer 30m one.
func (s Schedule) isRepeatedLocalTime(t time.Time) bool {
	for _, back := range []time.Duration{time.Hour, 30 * time.Minute} {
		if sameWallClock(t.Add(-back).In(s.loc), t.In(s.loc)) {
			return true
		}
	}
	return false
}

func sameWallClock(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by || am != bm || ad != bd {
		return false
	}
	ah, ami, as := a.Clock()
	bh, bmi, bs := b.Clock()
	return ah == bh && ami == bmi && as == bs
}
