// Package calendar implements cron-like time-field matching for timed build
// schedulers.
//
// A Spec restricts five calendar fields (minute, hour, day-of-month, month,
// day-of-week). Each field is either a wildcard, a single value, or a set of
// values. Day-of-week is Monday-based (0=Monday .. 6=Sunday), which differs
// from both time.Weekday and classic crontab.
package calendar

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrNoMatch is returned by Next when no matching instant exists within the
// search bound. It indicates a spec that can never be satisfied, e.g.
// day-of-month 30 restricted to February.
var ErrNoMatch = errors.New("calendar: no matching time within search bound")

// maxSteps bounds the minute-by-minute search in Next to roughly two years.
// The scan is intentionally simple; it runs at most a few times per minute,
// so correctness wins over speed.
const maxSteps = 2 * 366 * 24 * 60

// A Field restricts a single calendar unit.
// The zero value is the wildcard (matches everything).
type Field struct {
	values []int // sorted, deduplicated; nil means wildcard
}

// Wildcard matches any value.
func Wildcard() Field { return Field{} }

// Single matches exactly v.
func Single(v int) Field { return Field{values: []int{v}} }

// List matches any of vs. An empty list is the wildcard.
func List(vs ...int) Field {
	if len(vs) == 0 {
		return Field{}
	}
	cp := append([]int(nil), vs...)
	sort.Ints(cp)
	out := cp[:0]
	for i, v := range cp {
		if i == 0 || v != cp[i-1] {
			out = append(out, v)
		}
	}
	return Field{values: out}
}

func (f Field) IsWildcard() bool { return len(f.values) == 0 }

// Values returns a copy of the restricted set, nil for the wildcard.
func (f Field) Values() []int {
	if f.IsWildcard() {
		return nil
	}
	return append([]int(nil), f.values...)
}

func (f Field) matches(v int) bool {
	if f.IsWildcard() {
		return true
	}
	i := sort.SearchInts(f.values, v)
	return i < len(f.values) && f.values[i] == v
}

func (f Field) validate(name string, lo, hi int) error {
	for _, v := range f.values {
		if v < lo || v > hi {
			return fmt.Errorf("calendar: %s value %d out of range [%d,%d]", name, v, lo, hi)
		}
	}
	return nil
}

func (f Field) String() string {
	if f.IsWildcard() {
		return "*"
	}
	s := ""
	for i, v := range f.values {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprint(v)
	}
	return s
}

// Spec is an immutable calendar rule.
//
// Matching is field-wise AND with one historical exception: when both
// day-of-month and day-of-week are restricted, a time matches if it satisfies
// either of them (crontab OR semantics).
type Spec struct {
	minute     Field
	hour       Field
	dayOfMonth Field
	month      Field
	dayOfWeek  Field
	loc        *time.Location
}

// New builds and validates a Spec evaluated in loc (time.Local if nil).
//
// Note the caller decides field defaults: timed schedulers default minute to 0
// (once per hour) rather than wildcard (once per minute).
//
// Validation rejects out-of-range values and probes the spec for convergence
// so impossible field combinations fail here instead of at tick time.
func New(minute, hour, dayOfMonth, month, dayOfWeek Field, loc *time.Location) (Spec, error) {
	if loc == nil {
		loc = time.Local
	}
	s := Spec{
		minute:     minute,
		hour:       hour,
		dayOfMonth: dayOfMonth,
		month:      month,
		dayOfWeek:  dayOfWeek,
		loc:        loc,
	}

	checks := []struct {
		f      Field
		name   string
		lo, hi int
	}{
		{minute, "minute", 0, 59},
		{hour, "hour", 0, 23},
		{dayOfMonth, "day_of_month", 1, 31},
		{month, "month", 1, 12},
		{dayOfWeek, "day_of_week", 0, 6},
	}
	for _, c := range checks {
		if err := c.f.validate(c.name, c.lo, c.hi); err != nil {
			return Spec{}, err
		}
	}

	// Convergence probe: if Next cannot find a match within the bound from an
	// arbitrary instant, the spec is unsatisfiable (e.g. Feb 30).
	if _, err := s.Next(time.Now()); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// MustNew is New for hand-written specs in tests and wiring code.
func MustNew(minute, hour, dayOfMonth, month, dayOfWeek Field, loc *time.Location) Spec {
	s, err := New(minute, hour, dayOfMonth, month, dayOfWeek, loc)
	if err != nil {
		panic(err)
	}
	return s
}

// Location returns the location the spec is evaluated in.
func (s Spec) Location() *time.Location {
	if s.loc == nil {
		return time.Local
	}
	return s.loc
}

// Matches reports whether t satisfies the spec. Seconds are ignored; the spec
// has one-minute granularity.
func (s Spec) Matches(t time.Time) bool {
	t = t.In(s.Location())

	if !s.minute.matches(t.Minute()) {
		return false
	}
	if !s.hour.matches(t.Hour()) {
		return false
	}
	if !s.month.matches(int(t.Month())) {
		return false
	}

	domOK := s.dayOfMonth.matches(t.Day())
	// 0=Monday .. 6=Sunday.
	dowOK := s.dayOfWeek.matches((int(t.Weekday()) + 6) % 7)

	if !s.dayOfMonth.IsWildcard() && !s.dayOfWeek.IsWildcard() {
		return domOK || dowOK
	}
	return domOK && dowOK
}

// Next returns the earliest instant strictly after `after` (rounded to a whole
// minute) that satisfies the spec.
//
// The scan advances one minute at a time and gives up after roughly two years,
// returning ErrNoMatch. New rejects such specs up front, so a tick-time
// ErrNoMatch indicates a bug.
func (s Spec) Next(after time.Time) (time.Time, error) {
	t := after.In(s.Location()).Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < maxSteps; i++ {
		if s.Matches(t) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("%w (spec %s)", ErrNoMatch, s)
}

func (s Spec) String() string {
	return fmt.Sprintf("%s %s %s %s %s", s.minute, s.hour, s.dayOfMonth, s.month, s.dayOfWeek)
}
