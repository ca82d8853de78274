package config

import (
	"fmt"
	"strings"
)

// ValidationError names the offending field alongside the problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found by ValidateOptions, so
// callers can report them all at once instead of fixing one flag at a
// time.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// ValidateOptions performs field-by-field validation, collecting every
// problem rather than stopping at the first.
func ValidateOptions(o *Options) error {
	var errs ValidationErrors

	if o.Host == "" {
		errs = append(errs, ValidationError{"host", "must not be empty"})
	}
	if o.Port <= 0 || o.Port > 65535 {
		errs = append(errs, ValidationError{"port", "must be between 1 and 65535"})
	}
	if o.RulesPath == "" {
		errs = append(errs, ValidationError{"rules_path", "must not be empty"})
	}
	if o.Quiet && o.QuietFocus {
		errs = append(errs, ValidationError{"quiet_focus", "redundant: --quiet already suppresses it"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
