// Package apierr defines the structured error kinds the gateway puts
// on the wire. Every error carries a stable code (mirrored in the
// Kasha-Code response header) and the HTTP status it maps to.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// HeaderCode is the response header that mirrors the error code.
const HeaderCode = "Kasha-Code"

// Error codes as they appear on the wire.
const (
	CodeInvalidParam       = "CLIENT_INVALID_PARAM"
	CodeInvalidHeader      = "CLIENT_INVALID_HEADER"
	CodeInvalidProtocol    = "CLIENT_INVALID_PROTOCOL"
	CodeEmptyHostHeader    = "CLIENT_EMPTY_HOST_HEADER"
	CodeHostConfigNotExist = "CLIENT_HOST_CONFIG_NOT_EXIST"
	CodeMethodNotAllowed   = "CLIENT_METHOD_NOT_ALLOWED"
	CodeNoSuchAPI          = "CLIENT_NO_SUCH_API"
	CodeWorkerTimeout      = "SERVER_WORKER_TIMEOUT"
	CodeRenderError        = "SERVER_RENDER_ERROR"
	CodeNetError           = "SERVER_NET_ERROR"
	CodeRobotsDisallow     = "SERVER_ROBOTS_DISALLOW"
	CodeInternal           = "SERVER_INTERNAL_ERROR"
)

var statusByCode = map[string]int{
	CodeInvalidParam:       http.StatusBadRequest,
	CodeInvalidHeader:      http.StatusBadRequest,
	CodeInvalidProtocol:    http.StatusBadRequest,
	CodeEmptyHostHeader:    http.StatusBadRequest,
	CodeHostConfigNotExist: http.StatusNotFound,
	CodeMethodNotAllowed:   http.StatusMethodNotAllowed,
	CodeNoSuchAPI:          http.StatusNotFound,
	CodeWorkerTimeout:      http.StatusGatewayTimeout,
	CodeRenderError:        http.StatusInternalServerError,
	CodeNetError:           http.StatusBadGateway,
	CodeRobotsDisallow:     http.StatusForbidden,
	CodeInternal:           http.StatusInternalServerError,
}

// Error is a structured gateway error.
type Error struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	EventID   string    `json:"eventId,omitempty"`

	status int
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Status returns the HTTP status the error maps to.
func (e *Error) Status() int {
	if e.status != 0 {
		return e.status
	}
	return http.StatusInternalServerError
}

// New creates an Error for a known code. Unknown codes map to 500.
func New(code, message string) *Error {
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
		status:    status,
	}
}

// Internal creates a catch-all error carrying an event id that keys
// into the structured log.
func Internal(eventID string) *Error {
	e := New(CodeInternal, "internal error")
	e.EventID = eventID
	return e
}

// FromWorkerKind maps an error kind reported by a render worker to a
// gateway error. Kinds that already name a gateway code pass through;
// anything else is a render error.
func FromWorkerKind(kind, message string) *Error {
	if _, ok := statusByCode[kind]; ok {
		return New(kind, message)
	}
	if message == "" {
		message = kind
	}
	return New(CodeRenderError, message)
}

// From converts any error to an *Error, defaulting to an internal
// error with the given event id when the error is not structured.
func From(err error, eventID string) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(eventID)
}

// Write emits the error as a JSON response with the Kasha-Code header.
func Write(w http.ResponseWriter, e *Error) {
	w.Header().Set(HeaderCode, e.Code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	json.NewEncoder(w).Encode(e)
}
