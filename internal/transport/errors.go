package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes, shared with the error classifier.
const (
	CodeUnauthorized = "unauthorized"
	CodeNetwork      = "network"
	CodeStream       = "stream"
	CodeHTTP         = "http"
)

// ErrNoActiveStream is returned by Resume when the backend has nothing to replay.
var ErrNoActiveStream = errors.New("no active stream to resume")

// Error is a transport failure carrying a machine-readable code.
type Error struct {
	Code       string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var parts []string
	switch {
	case e.StatusCode != 0:
		parts = append(parts, fmt.Sprintf("%s: %d %s", e.Code, e.StatusCode, http.StatusText(e.StatusCode)))
	case e.Code != "":
		parts = append(parts, e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

// ErrorCode exposes the code to the classifier.
func (e *Error) ErrorCode() string { return e.Code }

func (e *Error) Unwrap() error { return e.Err }

func statusError(status int, message string) *Error {
	code := CodeHTTP
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		code = CodeUnauthorized
	}
	return &Error{Code: code, StatusCode: status, Message: message}
}
