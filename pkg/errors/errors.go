// Unified error handling for the ERCF controller
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// Filament transport errors
	ErrGateEmptyOrStuck        ErrorCode = "GATE_EMPTY_OR_STUCK"
	ErrToolheadHomingFailed    ErrorCode = "TOOLHEAD_HOMING_FAILED"
	ErrExtruderHomingFailed    ErrorCode = "EXTRUDER_HOMING_FAILED"
	ErrBowdenToleranceExceeded ErrorCode = "BOWDEN_TOLERANCE_EXCEEDED"
	ErrNoSpoolAvailable        ErrorCode = "NO_SPOOL_AVAILABLE"
	ErrSelectorHomingFailed    ErrorCode = "SELECTOR_HOMING_FAILED"

	// Controller errors
	ErrOperationsLocked ErrorCode = "OPERATIONS_LOCKED"
	ErrInvalidParameter ErrorCode = "INVALID_PARAMETER"
	ErrCalibration      ErrorCode = "CALIBRATION"

	// Runtime errors
	ErrRuntime        ErrorCode = "RUNTIME"
	ErrRuntimeInit    ErrorCode = "RUNTIME_INIT"
	ErrRuntimeStorage ErrorCode = "RUNTIME_STORAGE"
)

// HostError is the unified error type for the controller
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section is the config section or subsystem
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Gate is the gate involved, -1 when not applicable
	Gate int

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	where := e.Section
	if e.Option != "" {
		where = e.Option
	}
	msg := fmt.Sprintf("[%s:%s] %s", e.Code, where, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
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

// SetGate records the gate the error refers to
func (e *HostError) SetGate(gate int) *HostError {
	e.Gate = gate
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
		Gate:    -1,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Gate:    -1,
	}
}

// Newf creates a new HostError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *HostError {
	return New(code, fmt.Sprintf(format, args...))
}

// Config errors

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// Transport errors

// GateEmptyOrStuck reports filament that could not be moved or detected
func GateEmptyOrStuck(gate int, message string) *HostError {
	return New(ErrGateEmptyOrStuck, message).SetSection("transport").SetGate(gate)
}

// ToolheadHomingFailed reports that the toolhead sensor never triggered
func ToolheadHomingFailed(gate int, message string) *HostError {
	return New(ErrToolheadHomingFailed, message).SetSection("transport").SetGate(gate)
}

// ExtruderHomingFailed reports that the extruder entry was not found
func ExtruderHomingFailed(gate int, message string) *HostError {
	return New(ErrExtruderHomingFailed, message).SetSection("transport").SetGate(gate)
}

// BowdenToleranceExceeded reports excessive slip during a bowden move
func BowdenToleranceExceeded(gate int, message string) *HostError {
	return New(ErrBowdenToleranceExceeded, message).SetSection("transport").SetGate(gate)
}

// NoSpoolAvailable reports an exhausted EndlessSpool group
func NoSpoolAvailable(gate int, message string) *HostError {
	return New(ErrNoSpoolAvailable, message).SetSection("endless_spool").SetGate(gate)
}

// SelectorHomingFailed reports a selector that did not reach its endstop
func SelectorHomingFailed(message string) *HostError {
	return New(ErrSelectorHomingFailed, message).SetSection("selector")
}

// Controller errors

// OperationsLocked reports a request refused by the controller state
func OperationsLocked(message string) *HostError {
	return New(ErrOperationsLocked, message).SetSection("controller")
}

// InvalidParameter reports a rejected request argument
func InvalidParameter(param string, message string) *HostError {
	return New(ErrInvalidParameter, message).SetSection("controller").SetOption(param)
}

// CalibrationError reports a diagnostic calibration failure
func CalibrationError(message string) *HostError {
	return New(ErrCalibration, message).SetSection("calibration")
}

// Runtime errors

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// RuntimeErrorInit creates an error for initialization failure
func RuntimeErrorInit(component string, reason string) *HostError {
	return New(ErrRuntimeInit, fmt.Sprintf("failed to initialize %s: %s", component, reason))
}

// StorageError wraps a persistence failure
func StorageError(err error, operation string) *HostError {
	return Wrap(err, ErrRuntimeStorage, fmt.Sprintf("storage %s failed", operation)).SetSection("storage")
}

// RecoverPanic safely recovers from panic and converts to error.
// It must be called directly from a deferred function.
func RecoverPanic(r interface{}) *HostError {
	if r == nil {
		return nil
	}
	switch x := r.(type) {
	case runtime.Error:
		return Wrap(x, ErrRuntime, "panic")
	case error:
		return Wrap(x, ErrRuntime, "panic")
	case string:
		return RuntimeError(fmt.Sprintf("panic: %s", x))
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// As returns the first HostError in err's chain
func As(err error) (*HostError, bool) {
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr, true
	}
	return nil, false
}

// Is checks if any HostError in err's chain matches the given code
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var hostErr *HostError
		if !stderrors.As(err, &hostErr) {
			return false
		}
		if hostErr.Code == code {
			return true
		}
		err = hostErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost HostError, or empty
func CodeOf(err error) ErrorCode {
	if hostErr, ok := As(err); ok {
		return hostErr.Code
	}
	return ""
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}

// IsTransport checks if error came from a filament move
func IsTransport(err error) bool {
	switch CodeOf(err) {
	case ErrGateEmptyOrStuck, ErrToolheadHomingFailed, ErrExtruderHomingFailed,
		ErrBowdenToleranceExceeded, ErrSelectorHomingFailed:
		return true
	}
	return false
}
