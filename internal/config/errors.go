package config

import "fmt"

// ErrorReason classifies why configuration resolution failed.
type ErrorReason string

const (
	// ReasonIncompatibleNetworkMode is returned when host networking is
	// requested for a non-local runtime.
	ReasonIncompatibleNetworkMode ErrorReason = "incompatible_network_mode"

	// ReasonPathUnavailable is returned when a required directory does not
	// exist and cannot be created.
	ReasonPathUnavailable ErrorReason = "path_unavailable"

	// ReasonInvalidValue is returned when a setting fails to parse or is
	// outside its allowed set.
	ReasonInvalidValue ErrorReason = "invalid_value"
)

// ConfigError reports an invalid or incompatible configuration. It is never
// retried — the caller must fix the inputs and resolve again.
type ConfigError struct {
	Reason ErrorReason
	Key    string // Setting or env key that caused the failure.
	Err    error  // Underlying cause, may be nil.
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s (%s): %v", e.Reason, e.Key, e.Err)
	}
	return fmt.Sprintf("config: %s (%s)", e.Reason, e.Key)
}

func (e *ConfigError) Unwrap() error { return e.Err }
