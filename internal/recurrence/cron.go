package recurrence

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule adapts rule to cron.Schedule so it can be registered with a
// cron.Cron runner. The rule is validated once up front.
func (c *Calculator) Schedule(rule Rule) (cron.Schedule, error) {
	rule = rule.Normalize()
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return ruleSchedule{calculator: c, rule: rule}, nil
}

type ruleSchedule struct {
	calculator *Calculator
	rule       Rule
}

// Next implements cron.Schedule. A zero time tells the runner the entry
// never fires again.
func (s ruleSchedule) Next(t time.Time) time.Time {
	next, err := s.calculator.Next(s.rule, t)
	if err != nil {
		return time.Time{}
	}
	return next
}
