package annotate

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/ironsheep/detection-annotator/internal/detection"
	img "github.com/ironsheep/detection-annotator/internal/imaging"
)

// ColorMode selects how box colours are chosen.
type ColorMode string

const (
	// ColorFixed draws every box in Options.Color.
	ColorFixed ColorMode = "fixed"

	// ColorByLabel gives every class label its own stable colour.
	ColorByLabel ColorMode = "label"
)

// Options configures a Renderer. Zero values take the defaults.
type Options struct {
	LineWidth int // outline thickness in pixels, default 3

	// LabelMargin is the gap between label top and box top. Nil means
	// DefaultLabelMargin; zero puts the label flush with the box.
	LabelMargin *int

	Color       string           // "#RRGGBB", default "#FF0000"
	ColorMode   ColorMode        // default ColorFixed
	Format      img.OutputFormat // default img.FormatPNG
	JPEGQuality int              // default img.DefaultJPEGQuality
}

// Defaults used when Options fields are unset.
const (
	DefaultLineWidth   = 3
	DefaultLabelMargin = 10
	DefaultColor       = "#FF0000"
)

// Artifact is an encoded annotated image.
type Artifact struct {
	Data        []byte
	ContentType string
	Format      img.OutputFormat

	// Detections are the pixel-space boxes that were drawn, in draw order.
	Detections detection.PixelReport
}

// Extension returns the file extension matching the artifact's encoding.
func (a *Artifact) Extension() string {
	return a.Format.Extension()
}

// Renderer draws pixel-space detections onto images. It holds only immutable
// settings and is safe for concurrent use.
type Renderer struct {
	opts   Options
	margin int
	color  color.NRGBA
}

// NewRenderer validates opts and fills in defaults.
func NewRenderer(opts Options) (*Renderer, error) {
	if opts.LineWidth == 0 {
		opts.LineWidth = DefaultLineWidth
	}
	if opts.LineWidth < 0 {
		return nil, fmt.Errorf("line width must be positive, got %d", opts.LineWidth)
	}
	margin := DefaultLabelMargin
	if opts.LabelMargin != nil {
		margin = *opts.LabelMargin
	}
	if margin < 0 {
		return nil, fmt.Errorf("label margin must not be negative, got %d", margin)
	}
	opts.LabelMargin = &margin
	if opts.Color == "" {
		opts.Color = DefaultColor
	}
	c, err := img.ParseColor(opts.Color)
	if err != nil {
		return nil, err
	}
	switch opts.ColorMode {
	case "":
		opts.ColorMode = ColorFixed
	case ColorFixed, ColorByLabel:
	default:
		return nil, fmt.Errorf("unknown colour mode %q", opts.ColorMode)
	}
	if opts.Format == "" {
		opts.Format = img.FormatPNG
	}
	format, err := img.ParseOutputFormat(string(opts.Format))
	if err != nil {
		return nil, err
	}
	opts.Format = format
	if opts.JPEGQuality == 0 {
		opts.JPEGQuality = img.DefaultJPEGQuality
	}
	if opts.JPEGQuality < 1 || opts.JPEGQuality > 100 {
		return nil, fmt.Errorf("jpeg quality must be in 1..100, got %d", opts.JPEGQuality)
	}
	return &Renderer{opts: opts, margin: margin, color: c}, nil
}

// Options returns the effective options, defaults included.
func (r *Renderer) Options() Options {
	return r.opts
}

// LabelText is the caption drawn for a detection.
func LabelText(d detection.PixelDetection) string {
	return fmt.Sprintf("%s (%.2f)", d.Label, d.Confidence)
}

// Draw paints every detection onto a clone of src and returns the clone.
// Detections are drawn in order, so later boxes cover earlier ones. The
// context is checked before each detection.
func (r *Renderer) Draw(ctx context.Context, src image.Image, dets detection.PixelReport) (*image.NRGBA, error) {
	canvas := imaging.Clone(src)
	bounds := canvas.Bounds()

	for _, d := range dets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		box := r.color
		if r.opts.ColorMode == ColorByLabel {
			box = img.LabelColor(d.Label)
		}

		c := d.Box.Corners()
		rect := img.PixelRect(c.XMin, c.YMin, c.XMax, c.YMax, bounds, r.opts.LineWidth)
		img.StrokeRect(canvas, rect, r.opts.LineWidth, box)

		text := LabelText(d)
		size := img.MeasureLabel(text)
		pt := img.ClampLabel(image.Pt(rect.Min.X, rect.Min.Y-r.margin), size, bounds)
		img.DrawLabel(canvas, pt, text, img.ContrastText(box), box)
	}
	return canvas, nil
}

// Render draws dets onto a copy of original and encodes it. The original's
// pixels are never modified.
//
// Parameters:
//   - ctx: Checked before each detection is drawn.
//   - original: The decoded upload. Its Format picks the encoding when the
//     renderer's format is FormatSource.
//   - dets: Pixel-space detections, drawn in order. Only each Box is read;
//     corners are derived from it.
//
// Returns:
//   - *Artifact: The encoded image and a copy of dets.
//   - error: The context's error if it ended, an error if original is not a
//     valid image, or a *RenderError if encoding failed.
func (r *Renderer) Render(ctx context.Context, original img.ImageRef, dets detection.PixelReport) (*Artifact, error) {
	if err := original.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid source image")
	}
	canvas, err := r.Draw(ctx, original.Image, dets)
	if err != nil {
		return nil, err
	}

	format := r.opts.Format.Resolve(original.Format)
	data, err := img.Encode(canvas, format, r.opts.JPEGQuality)
	if err != nil {
		return nil, &RenderError{Kind: EncodingFailed, Err: err}
	}
	return &Artifact{
		Data:        data,
		ContentType: format.ContentType(),
		Format:      format,
		Detections:  append(detection.PixelReport(nil), dets...),
	}, nil
}
