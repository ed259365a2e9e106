package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder
	"io"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/ironsheep/detection-annotator/internal/geometry"
)

// DefaultMaxPixels bounds the decoded size of an upload (about 80 megapixels).
const DefaultMaxPixels = 80_000_000

var (
	// ErrNoImage is returned when an upload is empty.
	ErrNoImage = errors.New("no image data")

	// ErrUnsupportedFormat is returned for data that is not a PNG, JPEG, GIF,
	// BMP or TIFF image.
	ErrUnsupportedFormat = errors.New("unsupported image format")

	// ErrTooLarge is returned when the image has more pixels than allowed.
	ErrTooLarge = errors.New("image too large")
)

// ImageRef is a decoded original image, the input to one pipeline run.
//
// Image is treated as read-only by every consumer; the renderer draws on a
// clone. Width and Height are the dimensions of the original image after EXIF
// orientation has been applied, which is the space detection boxes are mapped
// into. The inference service must see the same frame, so uploads are
// published with PublishBytes rather than as the raw bytes.
type ImageRef struct {
	// Name is the upload's file name, used to derive artifact names.
	Name string

	// Format is the source encoding: "png", "jpeg", "gif", "bmp" or "tiff".
	Format string

	Image  image.Image
	Width  int
	Height int
}

// Resolution returns the image size as a geometry.Resolution.
func (r ImageRef) Resolution() geometry.Resolution {
	return geometry.Resolution{Width: r.Width, Height: r.Height}
}

// Validate checks that the reference points at a usable image.
func (r ImageRef) Validate() error {
	if r.Image == nil {
		return ErrNoImage
	}
	if err := r.Resolution().Validate(); err != nil {
		return err
	}
	b := r.Image.Bounds()
	if b.Dx() != r.Width || b.Dy() != r.Height {
		return fmt.Errorf("image bounds %dx%d do not match reference size %dx%d", b.Dx(), b.Dy(), r.Width, r.Height)
	}
	return nil
}

// NewImageRef wraps an already decoded image.
func NewImageRef(name, format string, img image.Image) ImageRef {
	b := img.Bounds()
	return ImageRef{
		Name:   name,
		Format: format,
		Image:  img,
		Width:  b.Dx(),
		Height: b.Dy(),
	}
}

// DecodeOptions controls Decode.
type DecodeOptions struct {
	// MaxPixels rejects images with more than this many pixels before they
	// are decoded. Zero means DefaultMaxPixels.
	MaxPixels int
}

// Decode reads an uploaded image.
//
// The header is inspected first, so oversized images are rejected without
// decoding their pixels. JPEG EXIF orientation is applied, so the returned
// Width/Height are the dimensions a viewer sees. For orientations 5 to 8 they
// are swapped relative to the stored pixels.
//
// Parameters:
//   - data: The complete encoded upload. PNG, JPEG, GIF, BMP and TIFF are
//     recognised.
//   - name: The client's file name. It is kept as ImageRef.Name and not used
//     to guess the format.
//   - opts: Decoding limits. The zero value applies DefaultMaxPixels.
//
// Returns:
//   - ImageRef: The oriented image, its format as reported by the decoder
//     ("png", "jpeg", ...) and its size.
//   - error: Non-nil if the data cannot be used.
//
// # Errors
//
//   - ErrNoImage if data is empty
//   - ErrUnsupportedFormat if the data is not a recognised image
//   - ErrTooLarge if the image exceeds MaxPixels
func Decode(data []byte, name string, opts DecodeOptions) (ImageRef, error) {
	if len(data) == 0 {
		return ImageRef{}, ErrNoImage
	}
	maxPixels := opts.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageRef{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return ImageRef{}, fmt.Errorf("invalid image size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Width*cfg.Height > maxPixels {
		return ImageRef{}, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, cfg.Width, cfg.Height, maxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return ImageRef{}, fmt.Errorf("failed to decode image: %w", err)
	}
	return NewImageRef(name, format, img), nil
}

// publishJPEGQuality is the quality of re-encoded JPEG uploads.
const publishJPEGQuality = 95

// PublishBytes returns the encoded image to publish for the inference service
// in place of the upload ref was decoded from.
//
// A JPEG may carry an EXIF orientation that Decode has already applied.
// An inference service that ignores EXIF would detect in the stored frame
// while boxes are mapped into the oriented one, so JPEGs are re-encoded from
// ref.Image. The result carries no EXIF block. Other formats have no
// orientation and raw is returned unchanged.
//
// Parameters:
//   - ref: The decoded upload.
//   - raw: The bytes ref was decoded from.
//
// Returns:
//   - []byte: Bytes whose plain decode is exactly ref.Width x ref.Height.
//   - error: Non-nil if re-encoding fails.
func PublishBytes(ref ImageRef, raw []byte) ([]byte, error) {
	if ref.Format != "jpeg" {
		return raw, nil
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return Encode(ref.Image, FormatJPEG, publishJPEGQuality)
}

// DecodeReader is Decode for a stream.
func DecodeReader(r io.Reader, name string, opts DecodeOptions) (ImageRef, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return ImageRef{}, fmt.Errorf("failed to read image: %w", err)
	}
	return Decode(data, name, opts)
}

// FormatFromName returns the image format implied by a file name's extension,
// or "" when the extension is not an image type.
//
//   - ".png" -> "png"
//   - ".jpg", ".jpeg" -> "jpeg"
//   - ".gif" -> "gif"
//   - ".bmp" -> "bmp"
//   - ".tif", ".tiff" -> "tiff"
func FormatFromName(name string) string {
	f, err := imaging.FormatFromFilename(name)
	if err != nil {
		return ""
	}
	return strings.ToLower(f.String())
}

// Stem returns name without directory or extension.
func Stem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
