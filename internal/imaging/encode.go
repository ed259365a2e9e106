package imaging

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/disintegration/imaging"
)

// OutputFormat selects how annotated images are encoded.
type OutputFormat string

const (
	FormatPNG  OutputFormat = "png"
	FormatJPEG OutputFormat = "jpeg"
	FormatBMP  OutputFormat = "bmp"

	// FormatSource re-uses the upload's format where it can be encoded,
	// and falls back to PNG otherwise.
	FormatSource OutputFormat = "source"
)

// DefaultJPEGQuality is used when encoding JPEG artifacts.
const DefaultJPEGQuality = 90

// ParseOutputFormat accepts "png", "jpeg"/"jpg", "bmp" and "source".
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "png":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "bmp":
		return FormatBMP, nil
	case "source":
		return FormatSource, nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// Resolve turns FormatSource into a concrete format for an image whose source
// format is source.
func (f OutputFormat) Resolve(source string) OutputFormat {
	if f != FormatSource {
		return f
	}
	switch source {
	case "jpeg":
		return FormatJPEG
	case "bmp":
		return FormatBMP
	}
	return FormatPNG
}

// ContentType returns the MIME type of a concrete format.
func (f OutputFormat) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatBMP:
		return "image/bmp"
	}
	return "image/png"
}

// Extension returns the file extension for a concrete format, with the dot.
func (f OutputFormat) Extension() string {
	switch f {
	case FormatJPEG:
		return ".jpg"
	case FormatBMP:
		return ".bmp"
	}
	return ".png"
}

func (f OutputFormat) encoder(quality int) imgio.Encoder {
	switch f {
	case FormatJPEG:
		if quality <= 0 {
			quality = DefaultJPEGQuality
		}
		return imgio.JPEGEncoder(quality)
	case FormatBMP:
		return imgio.BMPEncoder()
	}
	return imgio.PNGEncoder()
}

// Encode serializes img in format f. FormatSource must be resolved first.
func Encode(img image.Image, f OutputFormat, jpegQuality int) ([]byte, error) {
	if f == FormatSource {
		return nil, fmt.Errorf("output format %q must be resolved before encoding", f)
	}
	var buf bytes.Buffer
	if err := f.encoder(jpegQuality)(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode %s image: %w", f, err)
	}
	return buf.Bytes(), nil
}

// Preview returns img scaled down to fit within maxWidth x maxHeight, or img
// itself when it already fits.
func Preview(img image.Image, maxWidth, maxHeight int) image.Image {
	b := img.Bounds()
	if maxWidth <= 0 || maxHeight <= 0 || (b.Dx() <= maxWidth && b.Dy() <= maxHeight) {
		return img
	}
	return imaging.Fit(img, maxWidth, maxHeight, imaging.Lanczos)
}
