package registry

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a registry error.
type Kind string

const (
	KindValidation             Kind = "ValidationError"
	KindNotAuthorized          Kind = "NotAuthorized"
	KindNotFound               Kind = "NotFound"
	KindConflict               Kind = "Conflict"
	KindInvalidStateTransition Kind = "InvalidStateTransition"
	KindSystemPaused           Kind = "SystemPaused"
)

// Reason codes carried by validation and conflict errors.
const (
	ReasonProjectInactive     = "ProjectInactive"
	ReasonRecordNotVerified   = "RecordNotVerified"
	ReasonAlreadyIssued       = "AlreadyIssued"
	ReasonFutureVintage       = "FutureVintage"
	ReasonEmptySerial         = "EmptySerial"
	ReasonDuplicateSerial     = "DuplicateSerial"
	ReasonDuplicateProject    = "DuplicateProject"
	ReasonInsufficientBalance = "InsufficientBalance"
	ReasonEmptyReason         = "EmptyReason"
	ReasonInvalidStatus       = "InvalidStatus"
	ReasonUnknownRole         = "UnknownRole"
	ReasonInvalidAmount       = "InvalidAmount"
	ReasonSelfTransfer        = "SelfTransfer"
	ReasonInvalidRecipient    = "InvalidRecipient"
	ReasonInvalidInput        = "InvalidInput"
	ReasonAmountOverflow      = "AmountOverflow"
	ReasonConcurrentUpdate    = "ConcurrentUpdate"
	ReasonEmptyBatch          = "EmptyBatch"
)

// Error is the typed failure returned by every registry operation.
type Error struct {
	Kind    Kind   `json:"kind"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// regardless of reason and message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// Sentinels for errors.Is.
var (
	ErrValidation             = &Error{Kind: KindValidation}
	ErrNotAuthorized          = &Error{Kind: KindNotAuthorized}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrConflict               = &Error{Kind: KindConflict}
	ErrInvalidStateTransition = &Error{Kind: KindInvalidStateTransition}
	ErrSystemPaused           = &Error{Kind: KindSystemPaused}
)

func validationErr(reason, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func conflictErr(reason, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func notFoundErr(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func notAuthorizedErr(format string, args ...any) *Error {
	return &Error{Kind: KindNotAuthorized, Message: fmt.Sprintf(format, args...)}
}

func invalidTransitionErr(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidStateTransition, Message: fmt.Sprintf(format, args...)}
}

var errVintageRequired = errors.New("vintage query parameter is required")

var errPaused = &Error{Kind: KindSystemPaused, Message: "registry is paused"}

// KindOf returns the kind of a registry error, or "" for other errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the reason code of a registry error, or "".
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// HTTPStatus maps an error to the response status used by the API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotAuthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalidStateTransition:
		return http.StatusUnprocessableEntity
	case KindSystemPaused:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
