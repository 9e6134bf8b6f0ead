package engine

import (
	"errors"
	"fmt"
)

// ConfigError is a rule configuration problem: unparseable date math, an
// invalid interval or an invalid rule definition. It fails the run without
// searching.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("rule configuration error: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configError(format string, args ...any) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

// IsConfigError reports whether err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ErrRunCancelled is recorded when a run stops on context cancellation.
var ErrRunCancelled = errors.New("rule run cancelled")
