package recurrence

import (
	"errors"
	"testing"
	"time"
)

func TestParseDayMask_WireBitOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mask int
		want DaySet
	}{
		{mask: 1, want: NewDaySet(time.Saturday)},
		{mask: 2, want: NewDaySet(time.Friday)},
		{mask: 32, want: NewDaySet(time.Monday)},
		{mask: 64, want: NewDaySet(time.Sunday)},
		{mask: 34, want: NewDaySet(time.Monday, time.Friday)},
		{mask: 62, want: WorkWeek},
		{mask: 127, want: AllDays},
	}

	for _, tc := range tests {
		got, err := ParseDayMask(tc.mask)
		if err != nil {
			t.Fatalf("mask %d: unexpected error: %v", tc.mask, err)
		}
		if got != tc.want {
			t.Fatalf("mask %d: expected %v, got %v", tc.mask, tc.want, got)
		}
		if got.Mask() != tc.mask {
			t.Fatalf("mask %d: encoded back as %d", tc.mask, got.Mask())
		}
	}
}

func TestParseDayMask_Rejects(t *testing.T) {
	t.Parallel()

	for _, mask := range []int{0, -1, 128, 255} {
		if _, err := ParseDayMask(mask); !errors.Is(err, ErrInvalidRule) {
			t.Fatalf("mask %d: expected ErrInvalidRule, got %v", mask, err)
		}
	}
}

func TestDaySet_Membership(t *testing.T) {
	t.Parallel()

	set := NewDaySet(time.Monday, time.Friday, time.Weekday(9))
	if set.Len() != 2 {
		t.Fatalf("expected two days, got %d", set.Len())
	}
	if !set.Contains(time.Monday) || set.Contains(time.Tuesday) {
		t.Fatalf("unexpected membership for %v", set)
	}
	if set.Contains(time.Weekday(-1)) {
		t.Fatal("out of range weekday must not be contained")
	}
	if got := set.String(); got != "Mon,Fri" {
		t.Fatalf("expected Mon,Fri, got %q", got)
	}
	if got := DaySet(0).String(); got != "none" {
		t.Fatalf("expected none, got %q", got)
	}
	if !DaySet(0).IsEmpty() || set.IsEmpty() {
		t.Fatal("IsEmpty reported the wrong state")
	}
}
