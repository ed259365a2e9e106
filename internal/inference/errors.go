package inference

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a detection failure.
type ErrorKind int

const (
	Unreachable       ErrorKind = iota + 1 // transport failure, timeout or cancellation
	BadStatus                              // non-2xx response
	MalformedResponse                      // body does not parse as a prediction list
)

func (k ErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case BadStatus:
		return "bad_status"
	case MalformedResponse:
		return "malformed_response"
	}
	return "unknown"
}

// DetectionError is returned by every Detector failure.
type DetectionError struct {
	Kind ErrorKind

	// StatusCode is the HTTP status for BadStatus, zero otherwise.
	StatusCode int

	// Message is a short description; for BadStatus it holds the upstream
	// error message when the service sent one.
	Message string

	Err error
}

func (e *DetectionError) Error() string {
	msg := "inference " + e.Kind.String()
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DetectionError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is, or wraps, a DetectionError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var de *DetectionError
	return errors.As(err, &de) && de.Kind == kind
}

func unreachable(err error) *DetectionError {
	return &DetectionError{Kind: Unreachable, Err: err}
}

func malformed(format string, args ...interface{}) *DetectionError {
	return &DetectionError{Kind: MalformedResponse, Message: fmt.Sprintf(format, args...)}
}
