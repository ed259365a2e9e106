package geometry

import "fmt"

// Resolution is the size of an image buffer in pixels.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Validate returns an error unless both dimensions are positive.
func (r Resolution) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d: width and height must be > 0", r.Width, r.Height)
	}
	return nil
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Mapper converts boxes from a fixed working resolution into the pixel space of
// an original image. The working resolution is checked once, in NewMapper.
//
// A Mapper is immutable and safe for concurrent use.
type Mapper struct {
	working Resolution
}

// NewMapper returns a Mapper for the given inference working resolution.
func NewMapper(working Resolution) (*Mapper, error) {
	if err := working.Validate(); err != nil {
		return nil, fmt.Errorf("working resolution: %w", err)
	}
	return &Mapper{working: working}, nil
}

// Working returns the working resolution the mapper was created with.
func (m *Mapper) Working() Resolution {
	return m.working
}

// ToPixelSpace maps b into the pixel space of an image of size original.
//
// Every X quantity (center and width) is multiplied by
// original.Width/working.Width and every Y quantity (center and height) by
// original.Height/working.Height. The function is pure: it does not modify b
// and returns the same result for the same input.
//
// original must have positive dimensions; callers validate it when the image
// is ingested.
func (m *Mapper) ToPixelSpace(b WorkingBox, original Resolution) PixelBox {
	scaleX := float64(original.Width) / float64(m.working.Width)
	scaleY := float64(original.Height) / float64(m.working.Height)
	return PixelBox{
		XCenter: b.XCenter * scaleX,
		YCenter: b.YCenter * scaleY,
		Width:   b.Width * scaleX,
		Height:  b.Height * scaleY,
	}
}

// ToPixelSpace is a convenience wrapper for one-off conversions. It returns an
// error if either resolution is invalid.
func ToPixelSpace(b WorkingBox, working, original Resolution) (PixelBox, error) {
	m, err := NewMapper(working)
	if err != nil {
		return PixelBox{}, err
	}
	if err := original.Validate(); err != nil {
		return PixelBox{}, fmt.Errorf("original resolution: %w", err)
	}
	return m.ToPixelSpace(b, original), nil
}
