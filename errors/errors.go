package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type Code int

const (
	Internal   Code = http.StatusInternalServerError
	NotFound   Code = http.StatusNotFound
	Forbidden  Code = http.StatusForbidden
	Validation Code = http.StatusBadRequest

	// InvalidHint is returned when a query hints an index that does not exist
	InvalidHint Code = 2
	// Interrupted is returned when an operation is killed or its context is cancelled
	Interrupted Code = 11601
	// PlanKilled is returned when a catalog change invalidates an executing plan
	PlanKilled Code = 175
	// ResourceExceeded is returned when a blocking stage breaches its memory ceiling
	ResourceExceeded Code = 292
)

var codeNames = map[Code]string{
	Internal:         "Internal",
	NotFound:         "NotFound",
	Forbidden:        "Forbidden",
	Validation:       "Validation",
	InvalidHint:      "BadValue",
	Interrupted:      "Interrupted",
	PlanKilled:       "QueryPlanKilled",
	ResourceExceeded: "ExceededMemoryLimit",
}

// String returns the name of the code
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// HTTPStatus maps the code to an http status code
func (c Code) HTTPStatus() int {
	switch c {
	case InvalidHint:
		return http.StatusBadRequest
	case Interrupted, PlanKilled:
		return http.StatusConflict
	case ResourceExceeded:
		return http.StatusInsufficientStorage
	case 0:
		return http.StatusInternalServerError
	}
	if c >= 100 && c < 600 {
		return int(c)
	}
	return http.StatusInternalServerError
}

// Error is a custom error
type Error struct {
	Code     Code     `json:"code"`
	Messages []string `json:"messages"`
	Err      error    `json:"-"`
}

// Error returns the Error as a json string
func (e *Error) Error() string {
	if e.Code == 0 {
		e.Code = http.StatusOK
	}
	type jsonErr struct {
		Code     Code     `json:"code"`
		CodeName string   `json:"codeName,omitempty"`
		Messages []string `json:"messages"`
		Err      string   `json:"err,omitempty"`
	}
	out := jsonErr{
		Code:     e.Code,
		CodeName: codeNames[e.Code],
		Messages: e.Messages,
	}
	if e.Err != nil && e.Err != error(e) {
		out.Err = e.Err.Error()
	}
	bits, _ := json.Marshal(out)
	return string(bits)
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error {
	if e.Err == error(e) {
		return nil
	}
	return e.Err
}

// Message returns the most recent message attached to the error
func (e *Error) Message() string {
	if len(e.Messages) == 0 {
		if e.Err != nil && e.Err != error(e) {
			return e.Err.Error()
		}
		return ""
	}
	return e.Messages[len(e.Messages)-1]
}

// RemoveError removes the error from the Error and leaves it's messages and code
func (e *Error) RemoveError() *Error {
	return &Error{
		Code:     e.Code,
		Messages: e.Messages,
		Err:      nil,
	}
}

// New returns a new error with the given code and formatted message
func New(code Code, msg string, args ...any) error {
	return &Error{
		Code:     code,
		Messages: []string{fmt.Sprintf(msg, args...)},
	}
}

// Extract extracts the custom Error from the given error
func Extract(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return &Error{
			Code:     0,
			Messages: nil,
			Err:      err,
		}
	}
	return e
}

// Is returns true if the error carries the given code
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// Wrap wraps the given error and returns a new one. A nil error stays nil.
func Wrap(err error, code Code, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	e, ok := err.(*Error)
	if ok {
		if msg != "" {
			e.Messages = append(e.Messages, fmt.Sprintf(msg, args...))
		}
		if code > 0 {
			e.Code = code
		}
		return e
	}
	e = &Error{
		Code: code,
		Err:  err,
	}
	if msg != "" {
		e.Messages = append(e.Messages, fmt.Sprintf(msg, args...))
	}
	return e
}

// Propagate attaches a message to err and keeps its code. Errors without a code become Internal.
func Propagate(err error, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	code := Extract(err).Code
	if code == 0 {
		code = Internal
	}
	return Wrap(err, code, msg, args...)
}

// Cause returns the first message attached to the error
func Cause(err error) string {
	e := Extract(err)
	if len(e.Messages) > 0 {
		return e.Messages[0]
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}
