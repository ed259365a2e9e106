package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsheep/detection-annotator/internal/annotate"
	"github.com/ironsheep/detection-annotator/internal/detection"
	"github.com/ironsheep/detection-annotator/internal/geometry"
	"github.com/ironsheep/detection-annotator/internal/inference"
	"github.com/ironsheep/detection-annotator/internal/metrics"
	"github.com/ironsheep/detection-annotator/internal/pipeline"
	"github.com/ironsheep/detection-annotator/internal/store"
)

type testEnv struct {
	srv     *Server
	stub    *inference.Stub
	uploads *store.FS
	outputs *store.FS
}

func newTestEnv(t *testing.T, report detection.Report, opts Options) *testEnv {
	t.Helper()
	log := logs.NewTestingLog(t)
	dir := t.TempDir()

	uploads, err := store.NewFS(log, filepath.Join(dir, "uploads"))
	require.NoError(t, err)
	outputs, err := store.NewFS(log, filepath.Join(dir, "outputs"))
	require.NoError(t, err)

	renderer, err := annotate.NewRenderer(annotate.Options{})
	require.NoError(t, err)
	stub := inference.NewStub(report)
	m := metrics.New()
	p, err := pipeline.New(pipeline.Config{
		InferenceEndpoint: "http://inference.test/predict",
		WorkingResolution: geometry.Resolution{Width: 640, Height: 640},
		RequestTimeout:    5 * time.Second,
		OutputSink:        store.NewArtifactSink(outputs, log),
	}, stub, renderer, log, m)
	require.NoError(t, err)

	srv, err := New(opts, p, uploads, outputs, log, m)
	require.NoError(t, err)
	return &testEnv{srv: srv, stub: stub, uploads: uploads, outputs: outputs}
}

func person() detection.Detection {
	return detection.Detection{
		Label:      "person",
		Confidence: 0.87,
		Box:        geometry.WorkingBox{XCenter: 320, YCenter: 160, Width: 100, Height: 200},
	}
}

func testPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{40, 80, 120, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, path, field, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func dirEntries(t *testing.T, fs *store.FS) []string {
	t.Helper()
	entries, err := os.ReadDir(fs.Root)
	require.NoError(t, err)
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

type detectBody struct {
	Status string `json:"status"`
	Image  struct {
		Name   string `json:"name"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	} `json:"image"`
	Detections        detection.PixelReport `json:"detections"`
	AnnotatedImage    []byte                `json:"annotated_image"`
	ContentType       string                `json:"content_type"`
	AnnotatedImageURL string                `json:"annotated_image_url"`
	JSONURL           string                `json:"json_url"`
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestDetect_JSON(t *testing.T) {
	env := newTestEnv(t, detection.Report{person()}, Options{})

	rec := env.do(uploadRequest(t, "/api/v1/detect", "image", "street.png", testPNG(t, 320, 180)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var body detectBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "complete", body.Status)
	assert.Equal(t, 320, body.Image.Width)
	assert.Equal(t, 180, body.Image.Height)
	assert.True(t, strings.HasSuffix(body.Image.Name, "_street.png"), body.Image.Name)

	// 320x180 original, 640x640 working: sx = 0.5, sy = 0.28125.
	require.Len(t, body.Detections, 1)
	assert.Equal(t, geometry.Corners{XMin: 135, YMin: 16.875, XMax: 185, YMax: 73.125}, body.Detections[0].Corners())

	assert.Equal(t, "image/png", body.ContentType)
	out, err := png.Decode(bytes.NewReader(body.AnnotatedImage))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 320, 180), out.Bounds())

	// The inference service was handed this server's upload URL.
	urls := env.stub.URLs()
	require.Len(t, urls, 1)
	assert.Equal(t, "http://example.com/uploads/"+body.Image.Name, urls[0])

	// The upload is removed after the run; the artifacts remain.
	assert.Empty(t, dirEntries(t, env.uploads))
	assert.ElementsMatch(t, []string{
		"annotated_" + strings.TrimSuffix(body.Image.Name, ".png") + ".png",
		"predictions_" + strings.TrimSuffix(body.Image.Name, ".png") + ".json",
	}, dirEntries(t, env.outputs))

	assert.Equal(t, "/outputs/annotated_"+body.Image.Name, body.AnnotatedImageURL)
	rec = env.do(httptest.NewRequest("GET", body.AnnotatedImageURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = env.do(httptest.NewRequest("GET", body.JSONURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var saved detection.PixelReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	assert.Equal(t, body.Detections, saved)
}

// orientedJPEG encodes a width x height JPEG and tags it with an EXIF
// orientation, the way phone cameras store portrait shots.
func orientedJPEG(t *testing.T, width, height int, orientation uint16) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, width, height)), nil))
	data := buf.Bytes()

	tiff := []byte{
		'M', 'M', 0x00, 0x2A, 0x00, 0x00, 0x00, 0x08,
		0x00, 0x01,
		0x01, 0x12, 0x00, 0x03, 0x00, 0x00, 0x00, 0x01,
		byte(orientation >> 8), byte(orientation), 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	payload := append([]byte("Exif\x00\x00"), tiff...)
	size := len(payload) + 2
	out := []byte{0xFF, 0xD8, 0xFF, 0xE1, byte(size >> 8), byte(size)}
	out = append(out, payload...)
	return append(out, data[2:]...)
}

// The inference service must fetch the upload in the frame the boxes are
// mapped into, whether or not it honours EXIF orientation.
func TestDetect_EXIFOrientedUpload(t *testing.T) {
	left := detection.Detection{
		Label:      "dog",
		Confidence: 0.9,
		Box:        geometry.WorkingBox{XCenter: 160, YCenter: 320, Width: 320, Height: 640},
	}
	env := newTestEnv(t, detection.Report{left}, Options{KeepUploads: true})

	rec := env.do(uploadRequest(t, "/api/v1/detect", "image", "portrait.jpg", orientedJPEG(t, 200, 100, 6)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body detectBody
	decodeBody(t, rec, &body)
	assert.Equal(t, 100, body.Image.Width)
	assert.Equal(t, 200, body.Image.Height)
	require.Len(t, body.Detections, 1)
	assert.Equal(t, geometry.Corners{XMin: 0, YMin: 0, XMax: 50, YMax: 200}, body.Detections[0].Corners())

	// Fetch the upload the way the inference service does and decode it
	// without EXIF handling.
	rec = env.do(httptest.NewRequest("GET", "/uploads/"+body.Image.Name, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	cfg, format, err := image.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 200, cfg.Height)
}

func TestDetect_PublicURLAndKeepUploads(t *testing.T) {
	env := newTestEnv(t, nil, Options{PublicURL: "https://annotator.example.org/", KeepUploads: true})

	rec := env.do(uploadRequest(t, "/api/v1/detect", "image", "cat.png", testPNG(t, 64, 64)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body detectBody
	decodeBody(t, rec, &body)
	assert.Empty(t, body.Detections)
	assert.NotNil(t, body.Detections)

	urls := env.stub.URLs()
	require.Len(t, urls, 1)
	assert.Equal(t, "https://annotator.example.org/uploads/"+body.Image.Name, urls[0])

	// Kept and served to the inference service.
	rec = env.do(httptest.NewRequest("GET", "/uploads/"+body.Image.Name, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testPNG(t, 64, 64), rec.Body.Bytes())
}

func TestUpload_HTML(t *testing.T) {
	env := newTestEnv(t, detection.Report{person()}, Options{})

	rec := env.do(uploadRequest(t, "/upload", "image", "street.png", testPNG(t, 320, 180)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	page := rec.Body.String()
	assert.Contains(t, page, "Detections for")
	assert.Contains(t, page, "<td>person</td><td>0.87</td>")
	assert.Contains(t, page, `src="data:image/png;base64,`)
	assert.Contains(t, page, "/outputs/annotated_")
	assert.Contains(t, page, "/outputs/predictions_")
}

func TestUpload_Failures(t *testing.T) {
	tests := []struct {
		name       string
		req        func(t *testing.T) *http.Request
		stubErr    error
		report     detection.Report
		wantStatus int
		wantStage  string
		wantKind   string
		wantError  string
	}{
		{
			name: "no file",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/upload", "other", "x.png", testPNG(t, 8, 8))
			},
			wantStatus: 400,
			wantStage:  "received",
			wantKind:   "ingestion",
			wantError:  "bad input image: no image file provided",
		},
		{
			name: "not multipart",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest("POST", "/api/v1/detect", strings.NewReader("hello"))
			},
			wantStatus: 400,
			wantKind:   "ingestion",
		},
		{
			name: "not an image",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/upload", "image", "x.png", []byte("not a png"))
			},
			wantStatus: 400,
			wantKind:   "ingestion",
			wantError:  "unsupported image format",
		},
		{
			name: "inference error",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/api/v1/detect", "image", "x.png", testPNG(t, 8, 8))
			},
			stubErr:    &inference.DetectionError{Kind: inference.BadStatus, StatusCode: 500, Message: "model not loaded"},
			wantStatus: 502,
			wantStage:  "detecting",
			wantKind:   "detection",
			wantError:  "model not loaded",
		},
		{
			name: "invalid detection",
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "/upload", "image", "x.png", testPNG(t, 8, 8))
			},
			report: detection.Report{{
				Label: "ghost", Confidence: 0.5,
				Box: geometry.WorkingBox{XCenter: 1, YCenter: 1, Width: -1, Height: 1},
			}},
			wantStatus: 502,
			wantStage:  "mapping",
			wantKind:   "invalid_detection",
			wantError:  "index 0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.report, Options{})
			env.stub.Err = tt.stubErr

			rec := env.do(tt.req(t))
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			var body errorBody
			decodeBody(t, rec, &body)
			assert.Equal(t, "failed", body.Status)
			assert.Equal(t, tt.wantKind, body.Kind)
			if tt.wantStage != "" {
				assert.Equal(t, tt.wantStage, body.Stage)
			}
			assert.Contains(t, body.Error, tt.wantError)

			// Nothing persisted and no upload left behind.
			assert.Empty(t, dirEntries(t, env.outputs))
			assert.Empty(t, dirEntries(t, env.uploads))
		})
	}
}

func TestUpload_TooLarge(t *testing.T) {
	env := newTestEnv(t, nil, Options{MaxUploadSize: 512})

	rec := env.do(uploadRequest(t, "/api/v1/detect", "image", "big.png", bytes.Repeat([]byte{1}, 4096)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "ingestion", body.Kind)
	assert.Empty(t, env.stub.URLs())
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, nil, Options{RateLimit: 1})

	rec := env.do(uploadRequest(t, "/api/v1/detect", "image", "a.png", testPNG(t, 8, 8)))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(uploadRequest(t, "/api/v1/detect", "image", "a.png", testPNG(t, 8, 8)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Len(t, env.stub.URLs(), 1)
}

func TestStaticRoutes(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	rec := env.do(httptest.NewRequest("GET", "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `name="image"`)
	assert.Contains(t, rec.Body.String(), `action="/upload"`)

	rec = env.do(httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = env.do(httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `annotator_http_requests_total{code="200",route="/healthz"} 1`)

	rec = env.do(httptest.NewRequest("OPTIONS", "/api/v1/detect", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	for _, path := range []string{"/outputs/missing.png", "/uploads/missing.png", "/nothing-here"} {
		rec := env.do(httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		var body errorBody
		decodeBody(t, rec, &body)
		assert.Equal(t, "failed", body.Status)
	}

	rec := env.do(httptest.NewRequest("GET", "/outputs/..secret", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunProtected(t *testing.T) {
	log := logs.NewTestingLog(t)
	req := httptest.NewRequest("GET", "/x", nil)

	rec := httptest.NewRecorder()
	runProtected(log, rec, req, func() {
		var m map[string]int
		m["boom"] = 1
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", gjsonError(t, rec))

	rec = httptest.NewRecorder()
	runProtected(log, rec, req, func() { panic(errors.New("disk on fire")) })
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "disk on fire", gjsonError(t, rec))

	rec = httptest.NewRecorder()
	runProtected(log, rec, req, func() { panicBadRequestf("bad %v", "thing") })
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad thing", gjsonError(t, rec))
}

func gjsonError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	decodeBody(t, rec, &body)
	return body.Error
}

func TestUploadURL(t *testing.T) {
	local := &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 8080}

	tests := []struct {
		name      string
		opts      Options
		localAddr net.Addr
		want      string
	}{
		{"public URL wins", Options{PublicURL: "https://annotator.example.org/"}, local, "https://annotator.example.org/uploads/a.png"},
		{"headers ignored by default", Options{}, local, "http://10.1.2.3:8080/uploads/a.png"},
		{"trusted proxy headers", Options{TrustRequestHost: true}, local, "https://photos.internal/uploads/a.png"},
		{"host fallback without a connection address", Options{}, nil, "http://photos.internal/uploads/a.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil, tt.opts)
			req := httptest.NewRequest("POST", "/api/v1/detect", nil)
			req.Host = "photos.internal"
			req.Header.Set("X-Forwarded-Proto", "https")
			if tt.localAddr != nil {
				req = req.WithContext(context.WithValue(req.Context(), http.LocalAddrContextKey, tt.localAddr))
			}
			assert.Equal(t, tt.want, env.srv.uploadURL(req, "a.png"))
		})
	}
}

func TestUploadName(t *testing.T) {
	tests := []struct {
		client, format, suffix string
	}{
		{"street.png", "png", "_street.png"},
		{"../../etc/pass wd.PNG", "png", "_pass_wd.png"},
		{`C:\photos\dog.jpeg`, "jpeg", "_dog.jpg"},
		{"noext", "gif", "_noext.gif"},
		{"", "png", "_image.png"},
	}
	for _, tt := range tests {
		name := uploadName(tt.client, tt.format)
		assert.True(t, strings.HasSuffix(name, tt.suffix), "%q -> %q", tt.client, name)
		assert.Len(t, name, 8+len(tt.suffix))
		assert.NoError(t, store.ValidateName(name))
	}
	assert.NotEqual(t, uploadName("a.png", "png"), uploadName("a.png", "png"))
}

func TestListenAndServe_Shutdown(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- env.srv.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
