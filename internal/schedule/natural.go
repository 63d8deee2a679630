package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnsupportedPhrase is returned when no natural-language pattern matches.
var ErrUnsupportedPhrase = errors.New("unsupported schedule phrase")

var (
	dailyAtPattern   = regexp.MustCompile(`(?i)^every\s+day\s+at\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	weekdayAtPattern = regexp.MustCompile(`(?i)^every\s+(sunday|monday|tuesday|wednesday|thursday|friday|saturday)\s+at\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	whitespace       = regexp.MustCompile(`\s+`)
)

var weekdayNumbers = map[string]int{
	"sunday":    0,
	"monday":    1,
	"tuesday":   2,
	"wednesday": 3,
	"thursday":  4,
	"friday":    5,
	"saturday":  6,
}

// coarsePatterns is checked after the exact-time patterns.
var coarsePatterns = []struct {
	phrases []string
	cron    string
}{
	{[]string{"hourly", "every hour"}, "0 * * * *"},
	{[]string{"daily", "every day"}, "0 9 * * *"},
	{[]string{"weekly", "every week"}, "0 9 * * 1"},
	{[]string{"monthly", "every month"}, "0 9 1 * *"},
	{[]string{"yearly", "every year", "annually"}, "0 9 1 1 *"},
}

const supportedPhrases = `"every day at H[:MM]am|pm", "every <weekday> at H[:MM]am|pm", ` +
	`"hourly", "daily"/"every day", "weekly"/"every week", "monthly"/"every month", "yearly"/"every year"/"annually"`

// Translate converts a natural-language schedule into a cron expression.
func Translate(text string) (string, error) {
	phrase := strings.ToLower(whitespace.ReplaceAllString(strings.TrimSpace(text), " "))

	if m := dailyAtPattern.FindStringSubmatch(phrase); m != nil {
		hour, minute, err := clockTime(m[1], m[2], m[3])
		if err != nil {
			return "", fmt.Errorf("%w %q: %v", ErrUnsupportedPhrase, text, err)
		}
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	}

	if m := weekdayAtPattern.FindStringSubmatch(phrase); m != nil {
		hour, minute, err := clockTime(m[2], m[3], m[4])
		if err != nil {
			return "", fmt.Errorf("%w %q: %v", ErrUnsupportedPhrase, text, err)
		}
		return fmt.Sprintf("%d %d * * %d", minute, hour, weekdayNumbers[m[1]]), nil
	}

	for _, p := range coarsePatterns {
		for _, candidate := range p.phrases {
			if phrase == candidate {
				return p.cron, nil
			}
		}
	}

	return "", fmt.Errorf("%w %q; supported patterns: %s", ErrUnsupportedPhrase, text, supportedPhrases)
}

// clockTime converts an optional 12-hour clock reading to 24-hour hour/minute.
func clockTime(hourText, minuteText, meridiem string) (int, int, error) {
	hour, err := strconv.Atoi(hourText)
	if err != nil {
		return 0, 0, err
	}
	minute := 0
	if minuteText != "" {
		if minute, err = strconv.Atoi(minuteText); err != nil {
			return 0, 0, err
		}
	}

	switch strings.ToLower(meridiem) {
	case "am":
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 12 {
			hour += 12
		}
	}

	if hour > 23 {
		return 0, 0, fmt.Errorf("hour %d out of range", hour)
	}
	if minute > 59 {
		return 0, 0, fmt.Errorf("minute %d out of range", minute)
	}
	return hour, minute, nil
}

// Resolve accepts either a cron expression or a supported phrase and returns
// the parsed schedule.
func Resolve(raw string) (*Schedule, error) {
	if looksLikeCron(raw) {
		return ParseCron(raw)
	}
	expr, err := Translate(raw)
	if err != nil {
		return nil, err
	}
	return ParseCron(expr)
}

func looksLikeCron(raw string) bool {
	fields := strings.Fields(raw)
	if len(fields) != 5 {
		return false
	}
	for _, f := range fields {
		if strings.Trim(f, "0123456789*/,-") != "" {
			return false
		}
	}
	return true
}
