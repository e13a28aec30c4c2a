package config

import (
	"errors"
	"fmt"
)

// HeightsFormatMessage is the user-facing message for a malformed height list.
const HeightsFormatMessage = `Heights should look like: "10.0, 230.5"`

// ErrDepthMismatch is returned when the configured angle count differs from
// the stack depth.
var ErrDepthMismatch = errors.New("angle count does not match stack depth")

// ConfigError reports an invalid configuration value. It is returned before
// any run starts.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
