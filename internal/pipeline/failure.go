package pipeline

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	"github.com/ironsheep/detection-annotator/internal/annotate"
	"github.com/ironsheep/detection-annotator/internal/inference"
)

// State is a step of a pipeline run.
type State int

const (
	Received State = iota
	Detecting
	Mapping
	Rendering
	Persisting
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Detecting:
		return "detecting"
	case Mapping:
		return "mapping"
	case Rendering:
		return "rendering"
	case Persisting:
		return "persisting"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders the state by name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Kind classifies a Failure.
type Kind int

const (
	Ingestion        Kind = iota + 1 // no usable image or URL
	Detection                        // the detector failed
	InvalidDetection                 // the detector returned impossible values
	Render                           // the annotated image could not be produced
	Persist                          // the output sink failed
	Cancelled                        // the caller gave up while rendering or persisting
)

// StatusClientClosedRequest is reported for Cancelled runs. net/http has no
// name for it; 499 is the nginx convention.
const StatusClientClosedRequest = 499

func (k Kind) String() string {
	switch k {
	case Ingestion:
		return "ingestion"
	case Detection:
		return "detection"
	case InvalidDetection:
		return "invalid_detection"
	case Render:
		return "render"
	case Persist:
		return "persist"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText renders the kind by name in JSON output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Failure is the error returned by Run. State is the state the run was in
// when it failed. Index is the offending detection for InvalidDetection and
// -1 otherwise.
type Failure struct {
	State State
	Kind  Kind
	Index int
	Err   error
}

func (f *Failure) Error() string {
	if f.Index >= 0 {
		return fmt.Sprintf("%s failed (%s) at detection %d: %v", f.State, f.Kind, f.Index, f.Err)
	}
	return fmt.Sprintf("%s failed (%s): %v", f.State, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// HTTPStatus maps the failure to a response code: 400 for bad input, 502 for
// a failing or misbehaving inference service (504 when it timed out), 500
// for local render or persistence failures, and 499 (504 on a deadline) when
// the caller's context ended after detection.
func (f *Failure) HTTPStatus() int {
	switch f.Kind {
	case Ingestion:
		return http.StatusBadRequest
	case Detection:
		if errors.Is(f.Err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case InvalidDetection:
		return http.StatusBadGateway
	case Cancelled:
		if errors.Is(f.Err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return StatusClientClosedRequest
	}
	return http.StatusInternalServerError
}

// Message is the single user-facing description of the failure.
func (f *Failure) Message() string {
	switch f.Kind {
	case Ingestion:
		return fmt.Sprintf("bad input image: %v", f.Err)
	case Detection:
		var de *inference.DetectionError
		if errors.As(f.Err, &de) {
			switch de.Kind {
			case inference.Unreachable:
				if errors.Is(de, context.DeadlineExceeded) {
					return "inference service timed out"
				}
				return "inference service unreachable"
			case inference.BadStatus:
				if de.Message != "" {
					return fmt.Sprintf("inference service error (HTTP %d): %s", de.StatusCode, de.Message)
				}
				return fmt.Sprintf("inference service error (HTTP %d)", de.StatusCode)
			case inference.MalformedResponse:
				return "inference service returned a malformed response"
			}
		}
		return "inference failed"
	case InvalidDetection:
		return fmt.Sprintf("inference service returned an invalid detection at index %d: %v", f.Index, f.Err)
	case Render:
		var re *annotate.RenderError
		if errors.As(f.Err, &re) {
			return "failed to encode annotated image"
		}
		return "failed to render annotated image"
	case Persist:
		return "failed to save results"
	case Cancelled:
		if errors.Is(f.Err, context.DeadlineExceeded) {
			return fmt.Sprintf("request timed out while %s", f.State)
		}
		return fmt.Sprintf("request cancelled while %s", f.State)
	}
	return f.Error()
}

// AsFailure returns the *Failure in err's chain, if any.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	ok := errors.As(err, &f)
	return f, ok
}
