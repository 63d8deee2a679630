// Package schedule evaluates 5-field cron expressions, translates common
// natural-language phrases into them, and fires workflow triggers on time.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxScanMinutes bounds NextRun to one non-leap year of minutes.
const maxScanMinutes = 525600

var (
	// ErrInvalidExpression indicates a cron expression without exactly five fields.
	ErrInvalidExpression = errors.New("invalid cron expression")

	// ErrNoMatch indicates no minute in the scan window satisfied the expression.
	ErrNoMatch = errors.New("no matching time found")
)

// field bounds, used for step expressions of the form */n.
var fieldMinimums = [5]int{0, 0, 1, 1, 0}

// Schedule is a parsed cron expression: minute hour day-of-month month weekday.
// Weekdays are numbered 0 (Sunday) through 6 (Saturday).
//
// Field text that cannot be interpreted never matches; a Schedule built from
// such text is valid but will fail NextRun with ErrNoMatch.
type Schedule struct {
	expr   string
	fields [5]fieldMatcher
}

type fieldMatcher func(value int) bool

// ParseCron splits expr into its five fields.
func ParseCron(expr string) (*Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w %q: expected 5 fields, got %d", ErrInvalidExpression, expr, len(parts))
	}
	s := &Schedule{expr: strings.Join(parts, " ")}
	for i, p := range parts {
		s.fields[i] = compileField(p, fieldMinimums[i])
	}
	return s, nil
}

// String returns the normalised expression.
func (s *Schedule) String() string {
	return s.expr
}

// Matches reports whether t (in its own location) satisfies every field.
func (s *Schedule) Matches(t time.Time) bool {
	return s.fields[0](t.Minute()) &&
		s.fields[1](t.Hour()) &&
		s.fields[2](t.Day()) &&
		s.fields[3](int(t.Month())) &&
		s.fields[4](int(t.Weekday()))
}

// NextAfter returns the first matching minute strictly after t.
func (s *Schedule) NextAfter(t time.Time) (time.Time, error) {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < maxScanMinutes; i++ {
		if s.Matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("%w for cron expression %q within %d minutes of %s",
		ErrNoMatch, s.expr, maxScanMinutes, t.Format(time.RFC3339))
}

// Next implements cron.Schedule. It returns the zero time when nothing matches,
// which the cron runner treats as "never".
func (s *Schedule) Next(t time.Time) time.Time {
	next, err := s.NextAfter(t)
	if err != nil {
		return time.Time{}
	}
	return next
}

// Matches tests t against the five individual cron fields.
func Matches(t time.Time, minute, hour, day, month, weekday string) bool {
	s := &Schedule{fields: [5]fieldMatcher{
		compileField(minute, fieldMinimums[0]),
		compileField(hour, fieldMinimums[1]),
		compileField(day, fieldMinimums[2]),
		compileField(month, fieldMinimums[3]),
		compileField(weekday, fieldMinimums[4]),
	}}
	return s.Matches(t)
}

// NextRun returns the first minute after `after` that matches expr.
func NextRun(expr string, after time.Time) (time.Time, error) {
	s, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.NextAfter(after)
}

func never(int) bool { return false }

// compileField turns one cron field into a predicate. It supports *, n, a-b,
// */n, a-b/n and comma lists of those. Anything else matches nothing.
func compileField(field string, min int) fieldMatcher {
	field = strings.TrimSpace(field)
	if field == "" {
		return never
	}
	if field == "*" {
		return func(int) bool { return true }
	}
	if strings.Contains(field, ",") {
		var parts []fieldMatcher
		for _, p := range strings.Split(field, ",") {
			parts = append(parts, compileField(p, min))
		}
		return func(v int) bool {
			for _, m := range parts {
				if m(v) {
					return true
				}
			}
			return false
		}
	}
	if base, stepText, ok := strings.Cut(field, "/"); ok {
		step, err := strconv.Atoi(stepText)
		if err != nil || step <= 0 {
			return never
		}
		if base == "*" {
			return func(v int) bool { return v >= min && (v-min)%step == 0 }
		}
		lo, hi, ok := parseRange(base)
		if !ok {
			return never
		}
		return func(v int) bool { return v >= lo && v <= hi && (v-lo)%step == 0 }
	}
	if strings.Contains(field, "-") {
		lo, hi, ok := parseRange(field)
		if !ok {
			return never
		}
		return func(v int) bool { return v >= lo && v <= hi }
	}
	n, err := strconv.Atoi(field)
	if err != nil {
		return never
	}
	return func(v int) bool { return v == n }
}

func parseRange(text string) (int, int, bool) {
	loText, hiText, ok := strings.Cut(text, "-")
	if !ok {
		return 0, 0, false
	}
	lo, err := strconv.Atoi(loText)
	if err != nil {
		return 0, 0, false
	}
	hi, err := strconv.Atoi(hiText)
	if err != nil || hi < lo {
		return 0, 0, false
	}
	return lo, hi, true
}
