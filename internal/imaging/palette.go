package imaging

import (
	"fmt"
	"hash/fnv"
	"image/color"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// ParseColor parses "#RRGGBB" or "#RGB" into an opaque colour.
func ParseColor(hex string) (color.NRGBA, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid colour %q: %w", hex, err)
	}
	r, g, b := c.RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}, nil
}

// LabelColor returns a stable colour for a class label, so the same class is
// drawn in the same colour on every image. Hues are spread by hashing the
// label; chroma and luminance are fixed for legibility.
func LabelColor(label string) color.NRGBA {
	h := fnv.New32a()
	h.Write([]byte(label))
	hue := float64(h.Sum32() % 360)
	r, g, b := colorful.Hcl(hue, 0.7, 0.6).Clamped().RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

// ContrastText picks black or white text for a label drawn on bg.
func ContrastText(bg color.Color) color.NRGBA {
	c, ok := colorful.MakeColor(bg)
	if !ok {
		return color.NRGBA{A: 255}
	}
	_, _, l := c.Hcl()
	if l > 0.6 {
		return color.NRGBA{A: 255}
	}
	return color.NRGBA{R: 255, G: 255, B: 255, A: 255}
}
