// Package config loads annotator settings from defaults, ANNOTATOR_*
// environment variables and command-line flags, in increasing priority.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/akamensky/argparse"
	"github.com/pkg/errors"

	"github.com/ironsheep/detection-annotator/internal/annotate"
	"github.com/ironsheep/detection-annotator/internal/geometry"
	"github.com/ironsheep/detection-annotator/internal/imaging"
)

// Config is the complete runtime configuration of the annotator.
type Config struct {
	// HTTP
	Listen           string
	PublicURL        string // base URL the inference service uses to fetch uploads; "" = derived per request
	TrustRequestHost bool   // derive it from Host and X-Forwarded-Proto; only behind a trusted proxy
	MaxUploadSize    int64
	RateLimit        int // upload requests per minute per client IP; 0 disables

	// Inference
	InferenceURL   string
	WorkingWidth   int
	WorkingHeight  int
	RequestTimeout time.Duration
	StubInference  bool

	// Storage
	UploadDir   string
	OutputDir   string
	GCSBucket   string
	GCSPublic   bool
	KeepUploads bool

	// Rendering
	OutputFormat string
	BoxColor     string
	ColorMode    string
	LineWidth    int
	LabelMargin  int

	LogLevel string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:         ":8080",
		MaxUploadSize:  32 << 20,
		RateLimit:      60,
		InferenceURL:   "http://localhost:5000/predict",
		WorkingWidth:   640,
		WorkingHeight:  640,
		RequestTimeout: 30 * time.Second,
		UploadDir:      "uploads",
		OutputDir:      "outputs",
		OutputFormat:   string(imaging.FormatSource),
		BoxColor:       annotate.DefaultColor,
		ColorMode:      string(annotate.ColorFixed),
		LineWidth:      annotate.DefaultLineWidth,
		LabelMargin:    annotate.DefaultLabelMargin,
		LogLevel:       "info",
	}
}

// WorkingResolution returns the inference working resolution.
func (c *Config) WorkingResolution() geometry.Resolution {
	return geometry.Resolution{Width: c.WorkingWidth, Height: c.WorkingHeight}
}

// RendererOptions converts the rendering settings.
func (c *Config) RendererOptions() annotate.Options {
	margin := c.LabelMargin
	return annotate.Options{
		LineWidth:   c.LineWidth,
		LabelMargin: &margin,
		Color:       c.BoxColor,
		ColorMode:   annotate.ColorMode(c.ColorMode),
		Format:      imaging.OutputFormat(c.OutputFormat),
	}
}

// Debug reports whether debug logging is enabled.
func (c *Config) Debug() bool {
	return strings.EqualFold(c.LogLevel, "debug")
}

// Validate checks every setting.
func (c *Config) Validate() error {
	if err := c.WorkingResolution().Validate(); err != nil {
		return errors.Wrap(err, "working resolution")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be > 0, got %v", c.RequestTimeout)
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("max upload size must be > 0, got %d", c.MaxUploadSize)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative, got %d", c.RateLimit)
	}
	if !c.StubInference {
		if err := checkHTTPURL(c.InferenceURL); err != nil {
			return errors.Wrap(err, "inference URL")
		}
	}
	if c.PublicURL != "" {
		if err := checkHTTPURL(c.PublicURL); err != nil {
			return errors.Wrap(err, "public URL")
		}
	}
	if c.UploadDir == "" {
		return errors.New("upload directory is required")
	}
	if c.OutputDir == "" && c.GCSBucket == "" {
		return errors.New("an output directory or GCS bucket is required")
	}
	if _, err := imaging.ParseOutputFormat(c.OutputFormat); err != nil {
		return err
	}
	if _, err := annotate.NewRenderer(c.RendererOptions()); err != nil {
		return errors.Wrap(err, "rendering")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return nil
}

// Load builds a Config from defaults, then the environment (looked up with
// getenv), then args (os.Args style, program name first), and validates it.
func Load(args []string, getenv func(string) string) (*Config, error) {
	c := Default()
	if err := c.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := c.applyFlags(args); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// env reads typed ANNOTATOR_* variables, remembering the first parse error.
type env struct {
	getenv func(string) string
	err    error
}

func (e *env) str(key string, dst *string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

func (e *env) int(key string, dst *int) {
	if v := e.getenv(key); v != "" && e.err == nil {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.err = fmt.Errorf("%s: %w", key, err)
			return
		}
		*dst = n
	}
}

func (e *env) int64(key string, dst *int64) {
	if v := e.getenv(key); v != "" && e.err == nil {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.err = fmt.Errorf("%s: %w", key, err)
			return
		}
		*dst = n
	}
}

func (e *env) bool(key string, dst *bool) {
	if v := e.getenv(key); v != "" && e.err == nil {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.err = fmt.Errorf("%s: %w", key, err)
			return
		}
		*dst = b
	}
}

func (e *env) duration(key string, dst *time.Duration) {
	if v := e.getenv(key); v != "" && e.err == nil {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.err = fmt.Errorf("%s: %w", key, err)
			return
		}
		*dst = d
	}
}

func (c *Config) applyEnv(getenv func(string) string) error {
	e := &env{getenv: getenv}
	e.str("ANNOTATOR_LISTEN", &c.Listen)
	e.str("ANNOTATOR_PUBLIC_URL", &c.PublicURL)
	e.bool("ANNOTATOR_TRUST_REQUEST_HOST", &c.TrustRequestHost)
	e.int64("ANNOTATOR_MAX_UPLOAD_BYTES", &c.MaxUploadSize)
	e.int("ANNOTATOR_RATE_LIMIT", &c.RateLimit)
	e.str("ANNOTATOR_INFERENCE_URL", &c.InferenceURL)
	e.int("ANNOTATOR_WORKING_WIDTH", &c.WorkingWidth)
	e.int("ANNOTATOR_WORKING_HEIGHT", &c.WorkingHeight)
	e.duration("ANNOTATOR_REQUEST_TIMEOUT", &c.RequestTimeout)
	e.bool("ANNOTATOR_STUB_INFERENCE", &c.StubInference)
	e.str("ANNOTATOR_UPLOAD_DIR", &c.UploadDir)
	e.str("ANNOTATOR_OUTPUT_DIR", &c.OutputDir)
	e.str("ANNOTATOR_GCS_BUCKET", &c.GCSBucket)
	e.bool("ANNOTATOR_GCS_PUBLIC", &c.GCSPublic)
	e.bool("ANNOTATOR_KEEP_UPLOADS", &c.KeepUploads)
	e.str("ANNOTATOR_OUTPUT_FORMAT", &c.OutputFormat)
	e.str("ANNOTATOR_BOX_COLOR", &c.BoxColor)
	e.str("ANNOTATOR_COLOR_MODE", &c.ColorMode)
	e.int("ANNOTATOR_LINE_WIDTH", &c.LineWidth)
	e.int("ANNOTATOR_LABEL_MARGIN", &c.LabelMargin)
	e.str("ANNOTATOR_LOG_LEVEL", &c.LogLevel)
	return e.err
}

func (c *Config) applyFlags(args []string) error {
	parser := argparse.NewParser("annotator", "Annotates uploaded images with object detections from an inference service")
	listen := parser.String("l", "listen", &argparse.Options{Help: "HTTP listen address", Default: c.Listen})
	publicURL := parser.String("", "public-url", &argparse.Options{Help: "Base URL the inference service uses to fetch uploads (default: the address the request arrived on)", Default: c.PublicURL})
	trustHost := parser.Flag("", "trust-request-host", &argparse.Options{Help: "Build upload URLs from the Host and X-Forwarded-Proto headers (only behind a trusted proxy)", Default: c.TrustRequestHost})
	maxUpload := parser.Int("", "max-upload-bytes", &argparse.Options{Help: "Largest accepted upload", Default: int(c.MaxUploadSize)})
	rateLimit := parser.Int("", "rate-limit", &argparse.Options{Help: "Upload requests per minute per client IP (0 = unlimited)", Default: c.RateLimit})
	inferenceURL := parser.String("i", "inference-url", &argparse.Options{Help: "Inference service endpoint", Default: c.InferenceURL})
	workingWidth := parser.Int("", "working-width", &argparse.Options{Help: "Inference working resolution width", Default: c.WorkingWidth})
	workingHeight := parser.Int("", "working-height", &argparse.Options{Help: "Inference working resolution height", Default: c.WorkingHeight})
	timeout := parser.String("t", "timeout", &argparse.Options{Help: "Inference request timeout", Default: c.RequestTimeout.String()})
	stub := parser.Flag("", "stub-inference", &argparse.Options{Help: "Answer detections in-process instead of calling the inference service", Default: c.StubInference})
	uploadDir := parser.String("", "upload-dir", &argparse.Options{Help: "Directory for uploaded images", Default: c.UploadDir})
	outputDir := parser.String("o", "output-dir", &argparse.Options{Help: "Directory for annotated images and predictions", Default: c.OutputDir})
	gcsBucket := parser.String("", "gcs-bucket", &argparse.Options{Help: "Store outputs in this GCS bucket instead of output-dir", Default: c.GCSBucket})
	gcsPublic := parser.Flag("", "gcs-public", &argparse.Options{Help: "GCS bucket objects are publicly readable", Default: c.GCSPublic})
	keepUploads := parser.Flag("", "keep-uploads", &argparse.Options{Help: "Keep uploaded images after annotation", Default: c.KeepUploads})
	format := parser.Selector("f", "format", []string{"png", "jpeg", "jpg", "bmp", "source"}, &argparse.Options{Help: "Annotated image format", Default: c.OutputFormat})
	color := parser.String("", "color", &argparse.Options{Help: "Box colour as #RRGGBB", Default: c.BoxColor})
	colorMode := parser.Selector("", "color-mode", []string{"fixed", "label"}, &argparse.Options{Help: "Box colouring: fixed colour or one colour per label", Default: c.ColorMode})
	lineWidth := parser.Int("", "line-width", &argparse.Options{Help: "Box outline width in pixels", Default: c.LineWidth})
	labelMargin := parser.Int("", "label-margin", &argparse.Options{Help: "Distance from label top to box top in pixels", Default: c.LabelMargin})
	logLevel := parser.Selector("", "log-level", []string{"debug", "info"}, &argparse.Options{Help: "Log level", Default: c.LogLevel})

	if err := parser.Parse(args); err != nil {
		return &UsageError{Usage: parser.Usage(err), Err: err}
	}

	d, err := time.ParseDuration(*timeout)
	if err != nil {
		return errors.Wrap(err, "timeout")
	}

	c.Listen = *listen
	c.PublicURL = *publicURL
	c.TrustRequestHost = *trustHost
	c.MaxUploadSize = int64(*maxUpload)
	c.RateLimit = *rateLimit
	c.InferenceURL = *inferenceURL
	c.WorkingWidth = *workingWidth
	c.WorkingHeight = *workingHeight
	c.RequestTimeout = d
	c.StubInference = *stub
	c.UploadDir = *uploadDir
	c.OutputDir = *outputDir
	c.GCSBucket = *gcsBucket
	c.GCSPublic = *gcsPublic
	c.KeepUploads = *keepUploads
	c.OutputFormat = *format
	c.BoxColor = *color
	c.ColorMode = *colorMode
	c.LineWidth = *lineWidth
	c.LabelMargin = *labelMargin
	c.LogLevel = *logLevel
	return nil
}

// UsageError is returned when the command line cannot be parsed. Usage holds
// the text to print.
type UsageError struct {
	Usage string
	Err   error
}

func (e *UsageError) Error() string {
	return e.Err.Error()
}

func (e *UsageError) Unwrap() error {
	return e.Err
}
