package annotate

import "fmt"

// ErrorKind classifies a RenderError.
type ErrorKind int

const (
	// EncodingFailed means the annotated image could not be serialized.
	EncodingFailed ErrorKind = iota + 1
)

func (k ErrorKind) String() string {
	switch k {
	case EncodingFailed:
		return "encoding_failed"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// RenderError is returned by Render when an artifact could not be produced.
type RenderError struct {
	Kind ErrorKind
	Err  error
}

func (e *RenderError) Error() string {
	if e.Err == nil {
		return "render " + e.Kind.String()
	}
	return fmt.Sprintf("render %s: %v", e.Kind, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}
