// Package config parses the daemon's INI-style configuration with access
// tracking and validation, and maps it onto the head, buffer, dispatch and
// service settings.
package config

import (
	"fmt"

	hosterrors "hp45-host/pkg/errors"
)

// ConfigError is a configuration problem located by section and option.
type ConfigError struct {
	Section string
	Option  string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	if e.Option != "" {
		return fmt.Sprintf("option '%s' in section '%s': %s", e.Option, e.Section, e.Message)
	}
	if e.Section != "" {
		return fmt.Sprintf("section '%s': %s", e.Section, e.Message)
	}
	return e.Message
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Host converts the error for callers outside the config package.
func (e *ConfigError) Host() *hosterrors.HostError {
	switch {
	case e.Option != "" && e.Message == msgMissing:
		return hosterrors.ConfigOptionError(e.Section, e.Option)
	case e.Option == "" && e.Message == msgNoSection:
		return hosterrors.ConfigSectionError(e.Section)
	}
	return hosterrors.ConfigValidationError(e.Section, e.Option, e)
}

const (
	msgMissing   = "must be specified"
	msgNoSection = "section not found"
)

// NewConfigError creates a ConfigError.
func NewConfigError(section, option, message string) *ConfigError {
	return &ConfigError{Section: section, Option: option, Message: message}
}

// WrapError attaches a location to err.
func WrapError(section, option string, err error) *ConfigError {
	return &ConfigError{Section: section, Option: option, Message: err.Error(), Cause: err}
}

// ErrMissingOption reports a required option that is absent.
func ErrMissingOption(section, option string) *ConfigError {
	return NewConfigError(section, option, msgMissing)
}

// ErrMissingSection reports a required section that is absent.
func ErrMissingSection(section string) *ConfigError {
	return NewConfigError(section, "", msgNoSection)
}

// ErrInvalidValue reports a value that does not parse.
func ErrInvalidValue(section, option, value, expected string) *ConfigError {
	return NewConfigError(section, option, fmt.Sprintf("invalid value '%s', expected %s", value, expected))
}

// ErrOutOfRange reports a value outside its bounds.
func ErrOutOfRange(section, option string, value float64, constraint string) *ConfigError {
	return NewConfigError(section, option, fmt.Sprintf("value %v %s", value, constraint))
}

// ErrInvalidChoice reports a value that is not one of the choices.
func ErrInvalidChoice(section, option, value string, choices []string) *ConfigError {
	return NewConfigError(section, option, fmt.Sprintf("'%s' is not a valid choice (valid: %v)", value, choices))
}
