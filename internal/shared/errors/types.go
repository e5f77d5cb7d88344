package errors

import (
	"errors"
	"fmt"
)

// TransportError represents a connection-level failure (drop, dial timeout).
// The event channel retries these forever; they never reach the dispatcher.
type TransportError struct {
	Err     error
	Message string
}

func (e *TransportError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err as a transport-level failure.
func NewTransportError(err error, message string) *TransportError {
	return &TransportError{Err: err, Message: message}
}

// NetworkError represents a failed outbound seller API call. The dispatcher
// logs it and moves on; no retry is layered on top.
type NetworkError struct {
	Err        error
	Op         string // "acceptOrReject", "requestPayment", "deliver", ...
	StatusCode int    // HTTP status code if the API responded
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: API returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError wraps err as a failed API operation.
func NewNetworkError(op string, statusCode int, err error) *NetworkError {
	return &NetworkError{Err: err, Op: op, StatusCode: statusCode}
}

// ResolutionError represents a failure to resolve an offering from a job
// event: unparseable memo content, missing offering name, or an offering
// that is not installed for this agent. Business-level, never fatal.
type ResolutionError struct {
	Offering string // empty when the name itself could not be resolved
	Err      error
}

func (e *ResolutionError) Error() string {
	if e.Offering == "" {
		return fmt.Sprintf("offering resolution failed: %v", e.Err)
	}
	return fmt.Sprintf("offering %q resolution failed: %v", e.Offering, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// NewResolutionError marks err as an offering resolution failure.
func NewResolutionError(offering string, err error) *ResolutionError {
	return &ResolutionError{Offering: offering, Err: err}
}

// ValidationError represents a handler-reported invalid requirement. The
// dispatcher converts it into a reject carrying Reason.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("requirement validation failed: %s", e.Reason)
}

// NewValidationError returns a validation failure with the given reason.
func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

// HandlerError represents a failure inside an offering handler call. It is
// logged with job id and phase; the job stays unresolved with no retry.
type HandlerError struct {
	Offering string
	Handler  string // "executeJob", "validateRequirements", ...
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("offering %q handler %s failed: %v", e.Offering, e.Handler, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// NewHandlerError wraps err as a handler execution failure.
func NewHandlerError(offering, handler string, err error) *HandlerError {
	return &HandlerError{Offering: offering, Handler: handler, Err: err}
}

// StartupError represents a fatal precondition failure (missing credential,
// unresolved identity). The process exits non-zero before connecting.
type StartupError struct {
	Err     error
	Message string
}

func (e *StartupError) Error() string {
	if e.Message != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Message
	}
	return fmt.Sprintf("startup failed: %v", e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// NewStartupError wraps err as a fatal startup failure.
func NewStartupError(message string, err error) *StartupError {
	return &StartupError{Err: err, Message: message}
}

// IsTransport checks whether err is a connection-level failure.
func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

// IsNetwork checks whether err is a failed outbound API call.
func IsNetwork(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

// IsResolution checks whether err is an offering resolution failure.
func IsResolution(err error) bool {
	var target *ResolutionError
	return errors.As(err, &target)
}

// IsValidation checks whether err is a handler-reported validation failure.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsHandler checks whether err is a handler execution failure.
func IsHandler(err error) bool {
	var target *HandlerError
	return errors.As(err, &target)
}

// IsStartup checks whether err is a fatal startup failure.
func IsStartup(err error) bool {
	var target *StartupError
	return errors.As(err, &target)
}

// ValidationReason extracts the reject reason from err, falling back to
// fallback when err is not a validation error or carries no reason.
func ValidationReason(err error, fallback string) string {
	var target *ValidationError
	if errors.As(err, &target) && target.Reason != "" {
		return target.Reason
	}
	return fallback
}
