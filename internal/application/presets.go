package application

import (
	"sort"

	"github.com/example/digest-scheduler/internal/recurrence"
)

// Preset names accepted in SubscriptionInput.Preset.
const (
	PresetDaily            = "daily"
	PresetWeekly           = "weekly"
	PresetWeekdays         = "weekdays"
	PresetThreeTimesWeekly = "three_times_weekly"
)

var presets = map[string]recurrence.Rule{
	PresetDaily:            {IntervalDays: 1, Occurrences: 1},
	PresetWeekly:           {IntervalDays: 7, Occurrences: 1},
	PresetWeekdays:         recurrence.Rule{IntervalDays: 1, Occurrences: 1}.WithDays(recurrence.WorkWeek.Days()...),
	PresetThreeTimesWeekly: {IntervalDays: 7, Occurrences: 3},
}

// PresetRule returns a copy of the named preset rule.
func PresetRule(name string) (recurrence.Rule, bool) {
	rule, ok := presets[name]
	if !ok {
		return recurrence.Rule{}, false
	}
	return rule.Normalize(), true
}

// PresetNames lists the known presets in lexical order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
