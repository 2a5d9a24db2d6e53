package application

import (
	"errors"

	"github.com/example/digest-scheduler/internal/recurrence"
)

var (
	// ErrNotFound is returned when the requested resource does not exist.
	ErrNotFound = errors.New("application: not found")
	// ErrAlreadyExists is returned when the subject already has a subscription.
	ErrAlreadyExists = errors.New("application: already exists")
	// ErrConflict is returned when another worker advanced the subscription first.
	ErrConflict = errors.New("application: conflicting update")
)

// ValidationError captures field level validation issues that callers can surface to users.
type ValidationError struct {
	FieldErrors map[string]string
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	if v == nil {
		return ""
	}
	return "validation failed"
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

// add records a field level validation error.
func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

// merge copies entries from another validation error into the receiver.
func (v *ValidationError) merge(other *ValidationError) {
	if other == nil || len(other.FieldErrors) == 0 {
		return
	}
	for field, msg := range other.FieldErrors {
		v.add(field, msg)
	}
}

// ruleFieldNames maps recurrence rule fields onto the input field names.
var ruleFieldNames = map[string]string{
	"interval_days": "interval_days",
	"occurrences":   "occurrences",
	"days_of_week":  "days_mask",
	"time_of_day":   "time_of_day",
}

// addRuleError records a recurrence rule rejection. It reports false when err
// is not a rule error.
func (v *ValidationError) addRuleError(err error) bool {
	var ruleErr *recurrence.RuleError
	if !errors.As(err, &ruleErr) {
		return false
	}
	field, ok := ruleFieldNames[ruleErr.Field]
	if !ok {
		field = ruleErr.Field
	}
	v.add(field, ruleErr.Reason)
	return true
}
