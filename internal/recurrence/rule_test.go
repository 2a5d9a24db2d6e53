package recurrence

import (
	"errors"
	"testing"
	"time"
)

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()

	valid := map[string]TimeOfDay{
		"":        {},
		"00:00":   {},
		"09:05":   {Hour: 9, Minute: 5},
		"23:59":   {Hour: 23, Minute: 59},
		" 14:00 ": {Hour: 14},
	}
	for input, want := range valid {
		got, err := ParseTimeOfDay(input)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", input, err)
		}
		if got != want {
			t.Fatalf("%q: expected %v, got %v", input, want, got)
		}
	}

	for _, input := range []string{"24:00", "12:60", "12", "12:5", "ab:cd", "-1:00", "9:05", "+9:05", "+09:05", "09:+5", "009:05"} {
		if _, err := ParseTimeOfDay(input); !errors.Is(err, ErrInvalidRule) {
			t.Fatalf("%q: expected ErrInvalidRule, got %v", input, err)
		}
	}
}

func TestTimeOfDay_String(t *testing.T) {
	t.Parallel()

	if got := (TimeOfDay{Hour: 7, Minute: 5}).String(); got != "07:05" {
		t.Fatalf("expected 07:05, got %q", got)
	}
}

func TestRule_Normalize(t *testing.T) {
	t.Parallel()

	mask := NewDaySet(time.Tuesday)
	rule := Rule{IntervalDays: 0, Occurrences: -4, DaysOfWeek: &mask}
	normalized := rule.Normalize()

	if normalized.IntervalDays != DefaultIntervalDays || normalized.Occurrences != DefaultOccurrences {
		t.Fatalf("expected defaults, got %+v", normalized)
	}
	if normalized.DaysOfWeek == rule.DaysOfWeek {
		t.Fatal("normalized rule must not share the day set")
	}
	if *normalized.DaysOfWeek != mask {
		t.Fatalf("expected %v, got %v", mask, *normalized.DaysOfWeek)
	}
}

func TestRule_Validate(t *testing.T) {
	t.Parallel()

	if err := (Rule{IntervalDays: 7, Occurrences: 3}).WithDays(time.Monday).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	unknown := DaySet(1 << 7)
	tests := map[string]Rule{
		"zero interval":       {IntervalDays: 0, Occurrences: 1},
		"too many slots":      {IntervalDays: 1, Occurrences: MaxOccurrences + 1},
		"empty day set":       (Rule{IntervalDays: 1, Occurrences: 1}).WithDays(),
		"unknown day bits":    {IntervalDays: 1, Occurrences: 1, DaysOfWeek: &unknown},
		"minute out of range": {IntervalDays: 1, Occurrences: 1, TimeOfDay: TimeOfDay{Minute: 60}},
	}
	for name, rule := range tests {
		if err := rule.Validate(); !errors.Is(err, ErrInvalidRule) {
			t.Fatalf("%s: expected ErrInvalidRule, got %v", name, err)
		}
	}
}
