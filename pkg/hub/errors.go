package hub

import "errors"

// Kind classifies an error for propagation-policy purposes (spec §7): some
// kinds surface directly to the HTTP caller, others are fed back into the
// agent loop as a tool result so the LLM can react to them.
type Kind string

const (
	KindInvalidCredentials Kind = "invalid_credentials"
	KindTokenExpired       Kind = "token_expired"
	KindPermissionDenied   Kind = "permission_denied"
	KindNotFound           Kind = "not_found"
	KindValidationFailed   Kind = "validation_failed"
	KindDeviceOffline      Kind = "device_offline"
	KindDeviceBackpressure Kind = "device_backpressure"
	KindToolTimeout        Kind = "tool_timeout"
	KindProviderTransient  Kind = "provider_transient"
	KindProviderFatal      Kind = "provider_fatal"
	KindMaxIterations      Kind = "max_iterations_reached"
	KindShuttingDown       Kind = "shutting_down"
	KindInternal           Kind = "internal"
)

// Error is a Kind-tagged error carrying an optional field name (for
// validation_failed) and a sanitized message safe to return to callers.
// Internal errors keep their detail only in logs, never in Message.
type Error struct {
	Kind    Kind
	Field   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to KindInternal for anything
// not produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

var (
	ErrNotFound      = NewError(KindNotFound, "not found")
	ErrAlreadyExists = NewError(KindValidationFailed, "already exists")
)
