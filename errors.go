package conveyor

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes surfaced in replies and client results.
const (
	CodeAborted           = "ABORTED"
	CodeBadRequest        = "BAD_REQUEST"
	CodeNotFound          = "NOT_FOUND"
	CodeConflict          = "CONFLICT"
	CodeRequestIDConflict = "REQUEST_ID_CONFLICT"
	CodeInternal          = "INTERNAL_SERVER_ERROR"
)

var codeStatus = map[string]int{
	CodeAborted:           499,
	CodeBadRequest:        400,
	CodeNotFound:          404,
	CodeConflict:          409,
	CodeRequestIDConflict: 409,
	CodeInternal:          500,
}

// StatusForCode maps an error code to its numeric status. Unknown codes map
// to 500.
func StatusForCode(code string) int {
	if s, ok := codeStatus[code]; ok {
		return s
	}
	return 500
}

var (
	// ErrStopped is returned by client calls once Stop has run (or Start
	// never did).
	ErrStopped = errors.New("conveyor: stopped")

	// ErrAlreadyStarted is returned by Start when the app is already
	// running.
	ErrAlreadyStarted = errors.New("conveyor: already started")
)

// Error is a typed business error. Handlers return it to reply with a
// non-200 status; clients receive it when a reply carries one. Anything
// else a handler returns is treated as transient and the delivery is
// retried.
type Error struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`

	// Status mirrors the code's numeric status; zero means derive it.
	Status int `json:"-"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StatusCode returns the numeric status for the error.
func (e *Error) StatusCode() int {
	if e.Status != 0 {
		return e.Status
	}
	return StatusForCode(e.Code)
}

// NewError builds a typed error from a taxonomy code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message, Status: StatusForCode(code)}
}

// Errorf builds a typed error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// AsError unwraps err into a *Error when it is (or wraps) one.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsBusinessError reports whether err is a typed error whose status is
// below 499. Business errors are replied and never retried.
func IsBusinessError(err error) bool {
	e, ok := AsError(err)
	return ok && e.StatusCode() < 499
}

// codeForStatus is the reverse of StatusForCode, used when a non-200 reply
// carries no error payload in its body.
func codeForStatus(status int) string {
	switch status {
	case 400:
		return CodeBadRequest
	case 404:
		return CodeNotFound
	case 409:
		return CodeConflict
	case 499:
		return CodeAborted
	default:
		return CodeInternal
	}
}
