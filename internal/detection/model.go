package detection

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/ironsheep/detection-annotator/internal/geometry"
)

// Detection is one object reported by the inference service. Its box is in the
// inference working resolution.
type Detection struct {
	// Label is the class name, e.g. "person".
	Label string `json:"name"`

	// Class is the engine's numeric class id, when it reports one.
	Class *int `json:"class,omitempty"`

	// Confidence is the detection score in [0,1].
	Confidence float64 `json:"confidence"`

	Box geometry.WorkingBox `json:"box"`
}

// Report is the ordered list of detections for one image, in the order the
// inference engine emitted them. It is never re-sorted.
type Report []Detection

// PixelDetection is a Detection whose box has been mapped into pixels of the
// original image. Box is the only geometry it holds; corners are derived on
// demand.
type PixelDetection struct {
	Label      string            `json:"name"`
	Class      *int              `json:"class,omitempty"`
	Confidence float64           `json:"confidence"`
	Box        geometry.PixelBox `json:"box"`
}

// Corners returns the corner form of d.Box.
func (d PixelDetection) Corners() geometry.Corners {
	return d.Box.Corners()
}

// MarshalJSON adds a read-only "corners" view computed from the box. It is
// ignored when decoding.
func (d PixelDetection) MarshalJSON() ([]byte, error) {
	type plain PixelDetection
	return json.Marshal(struct {
		plain
		Corners geometry.Corners `json:"corners"`
	}{plain(d), d.Box.Corners()})
}

// PixelReport is a Report after mapping, in the same order.
type PixelReport []PixelDetection

// Validate checks the values the inference service produced. It is run before
// mapping; a failure means the upstream service is misbehaving.
func (d Detection) Validate() error {
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %g outside [0,1]", d.Confidence)
	}
	if err := d.Box.Validate(); err != nil {
		return fmt.Errorf("box: %w", err)
	}
	return nil
}

// ToPixel maps the detection into the pixel space of an image of size
// original. Label, class and confidence are carried over unchanged.
func (d Detection) ToPixel(m *geometry.Mapper, original geometry.Resolution) PixelDetection {
	box := m.ToPixelSpace(d.Box, original)
	var class *int
	if d.Class != nil {
		c := *d.Class
		class = &c
	}
	return PixelDetection{
		Label:      d.Label,
		Class:      class,
		Confidence: d.Confidence,
		Box:        box,
	}
}

// Clone returns a deep copy of the report.
func (r Report) Clone() Report {
	if r == nil {
		return nil
	}
	out := make(Report, len(r))
	for i, d := range r {
		out[i] = d
		if d.Class != nil {
			c := *d.Class
			out[i].Class = &c
		}
	}
	return out
}

// Labels returns the label of every detection, in order.
func (r PixelReport) Labels() []string {
	labels := make([]string, len(r))
	for i, d := range r {
		labels[i] = d.Label
	}
	return labels
}
