package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidRule indicates a rule that can never produce an occurrence.
var ErrInvalidRule = errors.New("recurrence: invalid rule")

// ErrUnboundedSearch indicates the slot enumeration reached its bound
// without finding an eligible slot.
var ErrUnboundedSearch = errors.New("recurrence: no eligible slot within search bound")

// RuleError describes which rule field was rejected. It matches
// ErrInvalidRule with errors.Is.
type RuleError struct {
	Field  string
	Reason string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("recurrence: invalid %s: %s", e.Field, e.Reason)
}

// Unwrap ties every RuleError to ErrInvalidRule.
func (e *RuleError) Unwrap() error {
	return ErrInvalidRule
}

const (
	// DefaultIntervalDays applies when a rule has no interval.
	DefaultIntervalDays = 1
	// DefaultOccurrences applies when a rule has no occurrence count.
	DefaultOccurrences = 1
	// MaxIntervalDays bounds the window length to roughly ten years.
	MaxIntervalDays = 3660
	// MaxOccurrences bounds the slots per window to one per minute of a day.
	MaxOccurrences = 24 * 60
)

// TimeOfDay is a wall-clock time without a date. The zero value is midnight.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" in 24-hour notation. Both fields are exactly
// two digits; signs and single-digit hours are rejected. An empty string
// yields midnight.
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return TimeOfDay{}, nil
	}
	hourPart, minutePart, ok := strings.Cut(value, ":")
	if !ok {
		return TimeOfDay{}, &RuleError{Field: "time_of_day", Reason: fmt.Sprintf("%q is not HH:MM", value)}
	}
	hour, err := strconv.Atoi(hourPart)
	if err != nil || len(hourPart) != 2 || !isDigits(hourPart) {
		return TimeOfDay{}, &RuleError{Field: "time_of_day", Reason: fmt.Sprintf("%q is not HH:MM", value)}
	}
	minute, err := strconv.Atoi(minutePart)
	if err != nil || len(minutePart) != 2 || !isDigits(minutePart) {
		return TimeOfDay{}, &RuleError{Field: "time_of_day", Reason: fmt.Sprintf("%q is not HH:MM", value)}
	}
	t := TimeOfDay{Hour: hour, Minute: minute}
	if err := t.validate(); err != nil {
		return TimeOfDay{}, err
	}
	return t, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) validate() error {
	if t.Hour < 0 || t.Hour > 23 {
		return &RuleError{Field: "time_of_day", Reason: "hour must be within 0..23"}
	}
	if t.Minute < 0 || t.Minute > 59 {
		return &RuleError{Field: "time_of_day", Reason: "minute must be within 0..59"}
	}
	return nil
}

// Rule describes a recurrence: Occurrences evenly spaced slots in every
// IntervalDays-long window, fired at TimeOfDay on eligible days.
//
// A nil DaysOfWeek makes every day eligible. A non-nil but empty set is
// invalid.
type Rule struct {
	IntervalDays int
	Occurrences  int
	DaysOfWeek   *DaySet
	TimeOfDay    TimeOfDay
}

// WithDays returns a copy of r restricted to the supplied weekdays.
func (r Rule) WithDays(days ...time.Weekday) Rule {
	set := NewDaySet(days...)
	r.DaysOfWeek = &set
	return r
}

// Normalize clamps missing or non-positive counts to their defaults. The
// returned rule never shares the DaysOfWeek pointer with r.
func (r Rule) Normalize() Rule {
	if r.IntervalDays <= 0 {
		r.IntervalDays = DefaultIntervalDays
	}
	if r.Occurrences <= 0 {
		r.Occurrences = DefaultOccurrences
	}
	if r.DaysOfWeek != nil {
		days := *r.DaysOfWeek
		r.DaysOfWeek = &days
	}
	return r
}

// Validate reports the first field of a normalized rule that cannot be used.
func (r Rule) Validate() error {
	if r.IntervalDays <= 0 || r.IntervalDays > MaxIntervalDays {
		return &RuleError{Field: "interval_days", Reason: fmt.Sprintf("must be within 1..%d", MaxIntervalDays)}
	}
	if r.Occurrences <= 0 || r.Occurrences > MaxOccurrences {
		return &RuleError{Field: "occurrences", Reason: fmt.Sprintf("must be within 1..%d", MaxOccurrences)}
	}
	if r.DaysOfWeek != nil {
		if r.DaysOfWeek.IsEmpty() {
			return &RuleError{Field: "days_of_week", Reason: "at least one day must be selected"}
		}
		if *r.DaysOfWeek&^AllDays != 0 {
			return &RuleError{Field: "days_of_week", Reason: "unknown weekday bits"}
		}
	}
	return r.TimeOfDay.validate()
}

// eligibleDays returns the effective weekday filter.
func (r Rule) eligibleDays() DaySet {
	if r.DaysOfWeek == nil {
		return AllDays
	}
	return *r.DaysOfWeek
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
