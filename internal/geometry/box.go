package geometry

import (
	"fmt"
	"math"
)

// Box is a center-form bounding box. It carries no coordinate space; use
// WorkingBox or PixelBox to say which space the numbers belong to.
type Box struct {
	XCenter float64 `json:"xcenter"`
	YCenter float64 `json:"ycenter"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// WorkingBox is a Box measured in the inference engine's working resolution.
type WorkingBox Box

// PixelBox is a Box measured in pixels of the original image.
type PixelBox Box

// Corners is the corner form of a box: (XMin, YMin) top-left and (XMax, YMax)
// bottom-right.
type Corners struct {
	XMin float64 `json:"x_min"`
	YMin float64 `json:"y_min"`
	XMax float64 `json:"x_max"`
	YMax float64 `json:"y_max"`
}

// Validate reports whether the box can be mapped. Centers may lie anywhere
// (including outside the image) but every field must be finite and the
// extents must not be negative.
func (b WorkingBox) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"xcenter", b.XCenter},
		{"ycenter", b.YCenter},
		{"width", b.Width},
		{"height", b.Height},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("%s is not a finite number", f.name)
		}
	}
	if b.Width < 0 {
		return fmt.Errorf("negative width %g", b.Width)
	}
	if b.Height < 0 {
		return fmt.Errorf("negative height %g", b.Height)
	}
	return nil
}

// Corners derives the corner form of the box.
//
// XMax and YMax are computed from the center and extent of their own axis, not
// by offsetting XMin/YMin, so an error on one axis cannot leak into the other.
// For a box with non-negative extents XMin <= XMax and YMin <= YMax.
func (b PixelBox) Corners() Corners {
	return Corners{
		XMin: b.XCenter - b.Width/2,
		YMin: b.YCenter - b.Height/2,
		XMax: b.XCenter + b.Width/2,
		YMax: b.YCenter + b.Height/2,
	}
}

// Within reports whether any part of the box overlaps [0,width]x[0,height].
func (c Corners) Within(width, height int) bool {
	return c.XMax >= 0 && c.YMax >= 0 && c.XMin <= float64(width) && c.YMin <= float64(height)
}

func (c Corners) String() string {
	return fmt.Sprintf("(%g, %g)-(%g, %g)", c.XMin, c.YMin, c.XMax, c.YMax)
}
