package recurrence

import (
	"math/bits"
	"strings"
	"time"
)

// DaySet is a set of weekdays. Bit n holds time.Weekday(n); the stored wire
// encoding uses a different bit order and is only reachable through
// ParseDayMask and Mask.
type DaySet uint8

const (
	// AllDays contains every weekday.
	AllDays DaySet = 1<<7 - 1
	// WorkWeek contains Monday through Friday.
	WorkWeek = DaySet(1<<time.Monday | 1<<time.Tuesday | 1<<time.Wednesday | 1<<time.Thursday | 1<<time.Friday)
)

// maxDayMask is the largest valid wire mask (seven bits).
const maxDayMask = 1<<7 - 1

// NewDaySet returns a set containing the supplied weekdays. Values outside
// Sunday..Saturday are ignored.
func NewDaySet(days ...time.Weekday) DaySet {
	var s DaySet
	for _, day := range days {
		s = s.Add(day)
	}
	return s
}

// Add returns a copy of s that also contains day.
func (s DaySet) Add(day time.Weekday) DaySet {
	if day < time.Sunday || day > time.Saturday {
		return s
	}
	return s | 1<<uint(day)
}

// Contains reports whether day is a member of the set.
func (s DaySet) Contains(day time.Weekday) bool {
	if day < time.Sunday || day > time.Saturday {
		return false
	}
	return s&(1<<uint(day)) != 0
}

// IsEmpty reports whether no weekday is selected.
func (s DaySet) IsEmpty() bool {
	return s&AllDays == 0
}

// Len returns the number of selected weekdays.
func (s DaySet) Len() int {
	return bits.OnesCount8(uint8(s & AllDays))
}

// Days lists the selected weekdays starting at Sunday.
func (s DaySet) Days() []time.Weekday {
	days := make([]time.Weekday, 0, s.Len())
	for day := time.Sunday; day <= time.Saturday; day++ {
		if s.Contains(day) {
			days = append(days, day)
		}
	}
	return days
}

func (s DaySet) String() string {
	if s.IsEmpty() {
		return "none"
	}
	names := make([]string, 0, s.Len())
	for _, day := range s.Days() {
		names = append(names, day.String()[:3])
	}
	return strings.Join(names, ",")
}

// wireBit maps a weekday to its bit in the stored mask, where bit 0 is
// Saturday and bit 6 is Sunday.
func wireBit(day time.Weekday) uint {
	return uint(time.Saturday - day)
}

// ParseDayMask decodes the stored day-of-week mask. A mask selecting no day
// is rejected because no occurrence could ever be produced from it.
func ParseDayMask(mask int) (DaySet, error) {
	if mask < 0 || mask > maxDayMask {
		return 0, &RuleError{Field: "days_of_week", Reason: "mask must be within 0..127"}
	}
	if mask == 0 {
		return 0, &RuleError{Field: "days_of_week", Reason: "at least one day must be selected"}
	}
	var s DaySet
	for day := time.Sunday; day <= time.Saturday; day++ {
		if mask&(1<<wireBit(day)) != 0 {
			s = s.Add(day)
		}
	}
	return s, nil
}

// Mask encodes the set using the stored bit order.
func (s DaySet) Mask() int {
	mask := 0
	for _, day := range s.Days() {
		mask |= 1 << wireBit(day)
	}
	return mask
}
