// Unified error handling for the HP45 host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// Scan-line buffer errors
	ErrBufferFull    ErrorCode = "BUFFER_FULL"
	ErrBufferStarved ErrorCode = "BUFFER_STARVED"
	ErrBufferMode    ErrorCode = "BUFFER_MODE"

	// Encoder and dispatch errors
	ErrEncoderSettings ErrorCode = "ENCODER_SETTINGS"
	ErrDispatchBusy    ErrorCode = "DISPATCH_BUSY"
	ErrDispatchTimeout ErrorCode = "DISPATCH_TIMEOUT"

	// Head errors
	ErrHeadDisabled ErrorCode = "HEAD_DISABLED"
	ErrHeadNozzle   ErrorCode = "HEAD_NOZZLE"
	ErrHeadPattern  ErrorCode = "HEAD_PATTERN"

	// Port link errors
	ErrLinkIO      ErrorCode = "LINK_IO"
	ErrLinkFrame   ErrorCode = "LINK_FRAME"
	ErrLinkTimeout ErrorCode = "LINK_TIMEOUT"

	// Persistence and API errors
	ErrJournal    ErrorCode = "JOURNAL"
	ErrAPIRequest ErrorCode = "API_REQUEST"

	// Runtime errors
	ErrRuntime      ErrorCode = "RUNTIME"
	ErrRuntimeInit  ErrorCode = "RUNTIME_INIT"
	ErrRuntimePanic ErrorCode = "RUNTIME_PANIC"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the config section or component
	Section string

	// Option is the config option or request field (if applicable)
	Option string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	where := e.Section
	if e.Option != "" {
		where += ":" + e.Option
	}
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if where == "" {
		return fmt.Sprintf("[%s] %s", e.Code, msg)
	}
	return fmt.Sprintf("[%s %s] %s", e.Code, where, msg)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigOptionError creates an error for missing or invalid config option
func ConfigOptionError(section, option string) *HostError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section)).
		SetSection(section).
		SetOption(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, err error) *HostError {
	return Wrap(err, ErrConfigValidation, fmt.Sprintf("invalid value for '%s'", option)).
		SetSection(section).
		SetOption(option)
}

// Buffer errors

// BufferFullError reports a rejected scan line.
func BufferFullError(position int32, err error) *HostError {
	return Wrap(err, ErrBufferFull, "scan line rejected").
		SetSection("buffer").
		SetContext("position", position)
}

// BufferModeError reports an undefined buffer or print mode.
func BufferModeError(value string, err error) *HostError {
	return Wrap(err, ErrBufferMode, fmt.Sprintf("mode %q not applied", value)).
		SetSection("buffer")
}

// EncoderError reports rejected pulse settings.
func EncoderError(err error) *HostError {
	return Wrap(err, ErrEncoderSettings, "pulse settings not applied").
		SetSection("head")
}

// DispatchBusyError reports a transfer that could not be armed.
func DispatchBusyError(err error) *HostError {
	return Wrap(err, ErrDispatchBusy, "transfer not armed").
		SetSection("dispatch")
}

// HeadDisabledError reports a fire request while the head is off.
func HeadDisabledError(operation string) *HostError {
	return New(ErrHeadDisabled, fmt.Sprintf("%s refused, head disabled", operation)).
		SetSection("head")
}

// NozzleError reports an out of range nozzle.
func NozzleError(nozzle int, err error) *HostError {
	return Wrap(err, ErrHeadNozzle, fmt.Sprintf("nozzle %d", nozzle)).
		SetSection("head")
}

// Link errors

// LinkIOError reports a failed read or write on the port link.
func LinkIOError(operation string, err error) *HostError {
	return Wrap(err, ErrLinkIO, fmt.Sprintf("link %s failed", operation)).
		SetSection("link")
}

// LinkFrameError reports a malformed frame.
func LinkFrameError(reason string) *HostError {
	return New(ErrLinkFrame, reason).SetSection("link")
}

// JournalError wraps a database failure.
func JournalError(operation string, err error) *HostError {
	return Wrap(err, ErrJournal, fmt.Sprintf("journal %s failed", operation)).
		SetSection("journal")
}

// RequestError reports a malformed API request field.
func RequestError(field, reason string) *HostError {
	return New(ErrAPIRequest, reason).SetOption(field)
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// RuntimeErrorInit creates an error for initialization failure
func RuntimeErrorInit(component string, err error) *HostError {
	return Wrap(err, ErrRuntimeInit, fmt.Sprintf("failed to initialize %s", component))
}

// FromPanic converts a recovered panic value to an error. It returns nil for
// a nil value, so it can be used as
//
//	defer func() { err = errors.FromPanic(recover()) }()
func FromPanic(r interface{}) *HostError {
	switch x := r.(type) {
	case nil:
		return nil
	case error:
		return Wrap(x, ErrRuntimePanic, "panic")
	default:
		return New(ErrRuntimePanic, fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if error matches given error code
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	for stderrors.As(err, &hostErr) {
		if hostErr.Code == code {
			return true
		}
		err = hostErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost HostError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr.Code, true
	}
	return "", false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}

// IsBuffer checks if error is a scan-line buffer error
func IsBuffer(err error) bool {
	return Is(err, ErrBufferFull) ||
		Is(err, ErrBufferStarved) ||
		Is(err, ErrBufferMode)
}

// IsLink checks if error is a port link error
func IsLink(err error) bool {
	return Is(err, ErrLinkIO) ||
		Is(err, ErrLinkFrame) ||
		Is(err, ErrLinkTimeout)
}
