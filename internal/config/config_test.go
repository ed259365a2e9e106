package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsheep/detection-annotator/internal/annotate"
	"github.com/ironsheep/detection-annotator/internal/imaging"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load([]string{"annotator"}, envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.Listen)
	assert.Equal(t, 640, c.WorkingWidth)
	assert.Equal(t, 640, c.WorkingHeight)
	assert.Equal(t, 30*time.Second, c.RequestTimeout)
	assert.Equal(t, "uploads", c.UploadDir)
	assert.Equal(t, "outputs", c.OutputDir)
	assert.Equal(t, "#FF0000", c.BoxColor)
	assert.False(t, c.StubInference)
	assert.False(t, c.Debug())

	opts := c.RendererOptions()
	assert.Equal(t, 3, opts.LineWidth)
	require.NotNil(t, opts.LabelMargin)
	assert.Equal(t, 10, *opts.LabelMargin)
	assert.Equal(t, annotate.ColorFixed, opts.ColorMode)
	assert.Equal(t, imaging.FormatSource, opts.Format)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	c, err := Load([]string{"annotator"}, envMap(map[string]string{
		"ANNOTATOR_INFERENCE_URL":      "http://yolo:8080/predict",
		"ANNOTATOR_WORKING_WIDTH":      "1280",
		"ANNOTATOR_REQUEST_TIMEOUT":    "5s",
		"ANNOTATOR_KEEP_UPLOADS":       "true",
		"ANNOTATOR_TRUST_REQUEST_HOST": "1",
		"ANNOTATOR_COLOR_MODE":         "label",
		"ANNOTATOR_LOG_LEVEL":          "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, "http://yolo:8080/predict", c.InferenceURL)
	assert.Equal(t, 1280, c.WorkingWidth)
	assert.Equal(t, 640, c.WorkingHeight)
	assert.Equal(t, 5*time.Second, c.RequestTimeout)
	assert.True(t, c.KeepUploads)
	assert.True(t, c.TrustRequestHost)
	assert.Equal(t, "label", c.ColorMode)
	assert.True(t, c.Debug())
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	c, err := Load([]string{
		"annotator",
		"--inference-url", "http://flag:9000/predict",
		"--timeout", "250ms",
		"--working-height", "480",
		"--format", "jpeg",
		"--stub-inference",
		"-o", "/tmp/out",
	}, envMap(map[string]string{
		"ANNOTATOR_INFERENCE_URL": "http://env:8080/predict",
		"ANNOTATOR_OUTPUT_DIR":    "/tmp/env-out",
	}))
	require.NoError(t, err)

	assert.Equal(t, "http://flag:9000/predict", c.InferenceURL)
	assert.Equal(t, 250*time.Millisecond, c.RequestTimeout)
	assert.Equal(t, 480, c.WorkingHeight)
	assert.Equal(t, "jpeg", c.OutputFormat)
	assert.True(t, c.StubInference)
	assert.Equal(t, "/tmp/out", c.OutputDir)
}

func TestLoad_ZeroLabelMargin(t *testing.T) {
	c, err := Load([]string{"annotator", "--label-margin", "0"}, envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, 0, c.LabelMargin)

	r, err := annotate.NewRenderer(c.RendererOptions())
	require.NoError(t, err)
	require.NotNil(t, r.Options().LabelMargin)
	assert.Equal(t, 0, *r.Options().LabelMargin)
}

func TestLoad_BadEnv(t *testing.T) {
	_, err := Load([]string{"annotator"}, envMap(map[string]string{"ANNOTATOR_WORKING_WIDTH": "wide"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANNOTATOR_WORKING_WIDTH")

	_, err = Load([]string{"annotator"}, envMap(map[string]string{"ANNOTATOR_REQUEST_TIMEOUT": "soon"}))
	assert.Error(t, err)
}

func TestLoad_BadFlags(t *testing.T) {
	_, err := Load([]string{"annotator", "--no-such-flag"}, envMap(nil))
	var ue *UsageError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.NotEmpty(t, ue.Usage)

	_, err = Load([]string{"annotator", "--format", "webp"}, envMap(nil))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"zero working width", func(c *Config) { c.WorkingWidth = 0 }},
		{"negative working height", func(c *Config) { c.WorkingHeight = -640 }},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"zero upload limit", func(c *Config) { c.MaxUploadSize = 0 }},
		{"negative rate limit", func(c *Config) { c.RateLimit = -1 }},
		{"inference URL without scheme", func(c *Config) { c.InferenceURL = "localhost:5000/predict" }},
		{"bad public URL", func(c *Config) { c.PublicURL = "ftp://files" }},
		{"no upload dir", func(c *Config) { c.UploadDir = "" }},
		{"no output", func(c *Config) { c.OutputDir = "" }},
		{"bad format", func(c *Config) { c.OutputFormat = "tiff" }},
		{"bad colour", func(c *Config) { c.BoxColor = "red" }},
		{"bad colour mode", func(c *Config) { c.ColorMode = "random" }},
		{"negative line width", func(c *Config) { c.LineWidth = -3 }},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(&c)
			assert.Error(t, c.Validate())
		})
	}

	c := Default()
	require.NoError(t, c.Validate())

	// A stubbed detector needs no endpoint, and GCS replaces the output dir.
	c.StubInference = true
	c.InferenceURL = ""
	c.OutputDir = ""
	c.GCSBucket = "annotations"
	assert.NoError(t, c.Validate())
}
