package motor

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// ConfigurationError reports a setting that prevents the controller from starting.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration for %q: %s", e.Field, e.Reason)
}

// NewConfigurationError returns a ConfigurationError for field.
func NewConfigurationError(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}

// NewNonFiniteError returns a ConfigurationError for a NaN or infinite value.
func NewNonFiniteError(field string, value float64) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf("must be finite, got %v", value)}
}

// CheckFinite returns a ConfigurationError if value is NaN or infinite.
func CheckFinite(field string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return NewNonFiniteError(field, value)
	}
	return nil
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// HardwareIOError is an actuator write failure. State is the loop as it stood once the failure
// had been handled.
type HardwareIOError struct {
	Op    string
	State State
	Err   error
}

func (e *HardwareIOError) Error() string {
	return fmt.Sprintf("actuator %s failed: %v", e.Op, e.Err)
}

func (e *HardwareIOError) Unwrap() error {
	return e.Err
}

// IsHardwareIOError reports whether err wraps a HardwareIOError.
func IsHardwareIOError(err error) bool {
	var target *HardwareIOError
	return errors.As(err, &target)
}
