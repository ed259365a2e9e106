package imaging

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// LabelFace is the font used for box labels.
var LabelFace font.Face = basicfont.Face7x13

// LabelPadding is the space between label text and the edge of its background.
const LabelPadding = 2

// fillRect fills r (clipped to dst) with c, blending with draw.Over.
func fillRect(dst draw.Image, r image.Rectangle, c color.Color) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	draw.Draw(dst, r, image.NewUniform(c), image.Point{}, draw.Over)
}

// PixelRect converts float corners into an inclusive pixel rectangle by
// rounding. Coordinates far outside the canvas are pulled in to just beyond
// its edge, which leaves the visible result unchanged and keeps the integer
// conversion in range.
func PixelRect(xMin, yMin, xMax, yMax float64, bounds image.Rectangle, margin int) image.Rectangle {
	m := float64(margin + 1)
	clampX := func(v float64) int {
		return int(math.Round(math.Max(float64(bounds.Min.X)-m, math.Min(float64(bounds.Max.X)+m, v))))
	}
	clampY := func(v float64) int {
		return int(math.Round(math.Max(float64(bounds.Min.Y)-m, math.Min(float64(bounds.Max.Y)+m, v))))
	}
	return image.Rectangle{
		Min: image.Point{X: clampX(xMin), Y: clampY(yMin)},
		Max: image.Point{X: clampX(xMax), Y: clampY(yMax)},
	}
}

// StrokeRect draws the outline of r, treating r.Max as inclusive (the
// outermost drawn pixel), with the given line width growing inward. Pixels
// outside dst are skipped, so boxes that leave the canvas are clipped rather
// than rejected.
func StrokeRect(dst draw.Image, r image.Rectangle, width int, c color.Color) {
	if width < 1 {
		width = 1
	}
	x0, y0, x1, y1 := r.Min.X, r.Min.Y, r.Max.X+1, r.Max.Y+1
	if x1 <= x0 || y1 <= y0 {
		return
	}
	// Bands overlap on boxes thinner than 2*width.
	fillRect(dst, image.Rect(x0, y0, x1, min(y0+width, y1)), c) // top
	fillRect(dst, image.Rect(x0, max(y1-width, y0), x1, y1), c) // bottom
	fillRect(dst, image.Rect(x0, y0, min(x0+width, x1), y1), c) // left
	fillRect(dst, image.Rect(max(x1-width, x0), y0, x1, y1), c) // right
}

// MeasureLabel returns the size of the label box (text plus padding) for text.
func MeasureLabel(text string) image.Point {
	w := font.MeasureString(LabelFace, text).Ceil()
	h := LabelFace.Metrics().Height.Ceil()
	return image.Point{X: w + 2*LabelPadding, Y: h + 2*LabelPadding}
}

// ClampLabel moves a label box of the given size with top-left at pt so that
// it lies inside bounds. A label larger than the canvas is aligned to the
// canvas' top-left corner.
func ClampLabel(pt, size image.Point, bounds image.Rectangle) image.Point {
	clamp := func(v, lo, hi int) int {
		if v > hi {
			v = hi
		}
		if v < lo {
			v = lo
		}
		return v
	}
	return image.Point{
		X: clamp(pt.X, bounds.Min.X, bounds.Max.X-size.X),
		Y: clamp(pt.Y, bounds.Min.Y, bounds.Max.Y-size.Y),
	}
}

// DrawLabel draws text on a filled background whose top-left corner is at pt
// and returns the rectangle it covered. Callers clamp pt with ClampLabel first.
func DrawLabel(dst draw.Image, pt image.Point, text string, fg, bg color.Color) image.Rectangle {
	size := MeasureLabel(text)
	r := image.Rectangle{Min: pt, Max: pt.Add(size)}
	fillRect(dst, r, bg)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(fg),
		Face: LabelFace,
		Dot: fixed.Point26_6{
			X: fixed.I(pt.X + LabelPadding),
			Y: fixed.I(pt.Y+LabelPadding) + LabelFace.Metrics().Ascent,
		},
	}
	d.DrawString(text)
	return r
}
