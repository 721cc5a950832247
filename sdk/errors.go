package loqui

import (
	"fmt"

	"github.com/loqui-ai/loqui-go/pkg/audio"
)

// ErrorType categorizes session errors.
type ErrorType string

const (
	// ErrPrecondition: a required input was missing; no network activity
	// occurred and no retry will be attempted.
	ErrPrecondition ErrorType = "precondition_error"
	// ErrFatalDevice: microphone permission/security/not-found. Latches the
	// session until Reset.
	ErrFatalDevice ErrorType = "fatal_device_error"
	// ErrTransient: socket error, unexpected close, or connect timeout.
	// Handled by the reconnection supervisor.
	ErrTransient ErrorType = "transient_error"
	// ErrBackend: an error frame reported by the pipeline backend.
	ErrBackend ErrorType = "backend_error"
)

// Error is a classified session error.
type Error struct {
	Type        ErrorType
	Code        string
	Message     string
	Recoverable bool
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrNoCredential is returned by Connect when no access token is configured.
var ErrNoCredential = &Error{
	Type:    ErrPrecondition,
	Code:    "missing_credential",
	Message: "an access token is required before connecting",
}

// ErrFatalLatched is returned by Connect while the fatal latch is set.
var ErrFatalLatched = &Error{
	Type:    ErrFatalDevice,
	Code:    "fatal_latched",
	Message: "a fatal device error is latched; call Reset before reconnecting",
}

func newTransientError(code, message string) *Error {
	return &Error{Type: ErrTransient, Code: code, Message: message, Recoverable: true}
}

func newBackendError(code, message string, recoverable bool) *Error {
	return &Error{Type: ErrBackend, Code: code, Message: message, Recoverable: recoverable}
}

// classifyCaptureError maps an audio acquisition failure onto the session
// taxonomy: permission/not-found latch the fatal state, everything else is
// recoverable.
func classifyCaptureError(err error) *Error {
	if audio.IsFatalAcquisition(err) {
		return &Error{Type: ErrFatalDevice, Code: "microphone_unavailable", Message: err.Error()}
	}
	return &Error{Type: ErrTransient, Code: "capture_failed", Message: err.Error(), Recoverable: true}
}

// IsFatal reports whether err latches the session.
func IsFatal(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Type == ErrFatalDevice
}

// IsRetryable reports whether the reconnection supervisor may act on err.
func IsRetryable(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	switch e.Type {
	case ErrTransient:
		return true
	case ErrBackend:
		return e.Recoverable
	default:
		return false
	}
}
