package recurrence

import (
	"time"
)

// searchWindows bounds how many intervals past the window containing the
// reference instant are enumerated. Sixteen windows cover at least two full
// weeks for the shortest interval, so a rule with any eligible weekday always
// resolves well inside the bound. ErrUnboundedSearch is a safety trip only:
// no rule that passes Validate can reach it.
const searchWindows = 16

const secondsPerDay = 24 * 60 * 60

// epochDay is the default window anchor: windows are aligned to 1970-01-01.
var epochDay = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

// Calculator computes next occurrences of recurrence rules. It holds no
// mutable state and is safe for concurrent use.
type Calculator struct {
	anchor   int64
	location *time.Location
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithAnchor aligns interval windows to the calendar date of t (taken in t's
// own location). The time-of-day component is ignored.
func WithAnchor(t time.Time) Option {
	return func(c *Calculator) {
		if t.IsZero() {
			return
		}
		c.anchor = civilDay(t)
	}
}

// WithLocation evaluates calendar days and the rule's time of day in loc
// instead of the reference instant's location.
func WithLocation(loc *time.Location) Option {
	return func(c *Calculator) {
		c.location = loc
	}
}

// NewCalculator constructs a Calculator. Without options windows are aligned
// to the Unix epoch date and days are evaluated in the reference instant's
// location.
func NewCalculator(opts ...Option) *Calculator {
	c := &Calculator{anchor: civilDay(epochDay)}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

var defaultCalculator = NewCalculator()

// NextOccurrence returns the first occurrence of rule strictly after from,
// using epoch-aligned windows.
func NextOccurrence(rule Rule, from time.Time) (time.Time, error) {
	return defaultCalculator.Next(rule, from)
}

// Anchor reports the calendar date windows are aligned to.
func (c *Calculator) Anchor() time.Time {
	return time.Unix(c.anchor*secondsPerDay, 0).UTC()
}

// Next returns the first occurrence of rule strictly after from.
//
// Each window of rule.IntervalDays days starting at the anchor holds
// rule.Occurrences slots; slot k starts floor(k*IntervalDays/Occurrences)
// days after the anchor, so the spacing is exact and never drifts. A slot
// fires on its calendar day at rule.TimeOfDay. When the slot's day is not an
// eligible weekday the slot moves forward to the first eligible day before
// the next slot begins, or is skipped if its span holds none.
//
// A time of day that falls inside a forward daylight-saving gap does not
// exist on that date; the occurrence is shifted forward by the gap's length
// (02:30 on a spring-forward day in America/New_York fires at 03:30 EDT).
// During a backward transition the earlier of the two instants is used.
func (c *Calculator) Next(rule Rule, from time.Time) (time.Time, error) {
	rule = rule.Normalize()
	if err := rule.Validate(); err != nil {
		return time.Time{}, err
	}

	loc := c.locationFor(from)
	eligible := rule.eligibleDays()
	interval := int64(rule.IntervalDays)
	occurrences := int64(rule.Occurrences)

	offset := civilDay(from.In(loc)) - c.anchor
	window := floorDiv(offset, interval)

	k := window * occurrences
	limit := (window + searchWindows) * occurrences
	for k < limit {
		start := slotDay(k, interval, occurrences)
		// The first slot index that lands on a later calendar day. Slots
		// sharing a day collapse into one candidate.
		nextK := ceilDiv((start+1)*occurrences, interval)
		end := slotDay(nextK, interval, occurrences)

		for day := start; day < end; day++ {
			date := c.dateOf(day)
			if !eligible.Contains(date.Weekday()) {
				continue
			}
			candidate := at(date, rule.TimeOfDay, loc)
			if candidate.After(from) {
				return candidate, nil
			}
			// A slot fires at most once.
			break
		}
		k = nextK
	}

	return time.Time{}, ErrUnboundedSearch
}

// Upcoming returns the next n occurrences of rule after from, in order.
func (c *Calculator) Upcoming(rule Rule, from time.Time, n int) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	occurrences := make([]time.Time, 0, n)
	cursor := from
	for i := 0; i < n; i++ {
		next, err := c.Next(rule, cursor)
		if err != nil {
			return nil, err
		}
		occurrences = append(occurrences, next)
		cursor = next
	}
	return occurrences, nil
}

func (c *Calculator) locationFor(from time.Time) *time.Location {
	if c.location != nil {
		return c.location
	}
	if loc := from.Location(); loc != nil {
		return loc
	}
	return time.UTC
}

// dateOf converts an anchor-relative day offset to a UTC midnight date.
func (c *Calculator) dateOf(offset int64) time.Time {
	return time.Unix((c.anchor+offset)*secondsPerDay, 0).UTC()
}

// slotDay is the anchor-relative day on which slot k starts.
func slotDay(k, interval, occurrences int64) int64 {
	return floorDiv(k*interval, occurrences)
}

// civilDay counts calendar days between 1970-01-01 and t's date as seen in
// t's location.
func civilDay(t time.Time) int64 {
	y, m, d := t.Date()
	return floorDiv(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix(), secondsPerDay)
}

// at combines a calendar date with a wall-clock time in loc.
func at(date time.Time, tod TimeOfDay, loc *time.Location) time.Time {
	y, m, d := date.Date()
	t := time.Date(y, m, d, tod.Hour, tod.Minute, 0, 0, loc)
	if t.Hour() == tod.Hour && t.Minute() == tod.Minute {
		return t
	}
	// The wall time was skipped. Apply the offset in effect before the
	// transition so the result lands after the gap.
	_, before := t.Add(-12 * time.Hour).Zone()
	wall := time.Date(y, m, d, tod.Hour, tod.Minute, 0, 0, time.UTC)
	return wall.Add(-time.Duration(before) * time.Second).In(loc)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func ceilDiv(a, b int64) int64 {
	return -floorDiv(-a, b)
}
