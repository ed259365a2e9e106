package server

import (
	"embed"
	"encoding/base64"
	"encoding/json"
	"html/template"
	"net/http"

	"github.com/cyclopcam/logs"

	"github.com/ironsheep/detection-annotator/internal/detection"
	"github.com/ironsheep/detection-annotator/internal/imaging"
	"github.com/ironsheep/detection-annotator/internal/pipeline"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// previewMax bounds the size of the image embedded in the HTML result page.
const previewMax = 1600

// outcome is a finished run as seen by a presenter.
type outcome struct {
	Image  imaging.ImageRef
	Result *pipeline.Result

	// AnnotatedImageURL and JSONURL link to persisted artifacts, when saved.
	AnnotatedImageURL string
	JSONURL           string
}

// presenter turns the result of a run into a response. The HTML and JSON
// upload routes share the pipeline and differ only in their presenter.
type presenter interface {
	success(w http.ResponseWriter, o *outcome)
	failure(w http.ResponseWriter, f *pipeline.Failure)
}

// failureBody builds the JSON error response for a failed run.
func failureBody(f *pipeline.Failure) errorBody {
	return errorBody{
		Status: "failed",
		Error:  f.Message(),
		Stage:  f.State.String(),
		Kind:   f.Kind.String(),
	}
}

type jsonPresenter struct{}

type imageInfo struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type detectResponse struct {
	Status            string                `json:"status"`
	Image             imageInfo             `json:"image"`
	Detections        detection.PixelReport `json:"detections"`
	AnnotatedImage    []byte                `json:"annotated_image"`
	ContentType       string                `json:"content_type"`
	AnnotatedImageURL string                `json:"annotated_image_url,omitempty"`
	JSONURL           string                `json:"json_url,omitempty"`
}

func (jsonPresenter) success(w http.ResponseWriter, o *outcome) {
	report := o.Result.Report
	if report == nil {
		report = detection.PixelReport{}
	}
	sendJSON(w, detectResponse{
		Status:            "complete",
		Image:             imageInfo{Name: o.Image.Name, Width: o.Image.Width, Height: o.Image.Height},
		Detections:        report,
		AnnotatedImage:    o.Result.Artifact.Data,
		ContentType:       o.Result.Artifact.ContentType,
		AnnotatedImageURL: o.AnnotatedImageURL,
		JSONURL:           o.JSONURL,
	})
}

func (jsonPresenter) failure(w http.ResponseWriter, f *pipeline.Failure) {
	sendJSONStatus(w, failureBody(f), f.HTTPStatus())
}

// htmlPresenter renders the result page. Failures are reported as JSON, like
// the API, so scripts posting the form get a machine-readable error.
type htmlPresenter struct {
	log logs.Log
}

type resultPage struct {
	Name              string
	Width             int
	Height            int
	ImageURI          template.URL
	Detections        detection.PixelReport
	JSON              string
	AnnotatedImageURL string
	JSONURL           string
}

func (p htmlPresenter) success(w http.ResponseWriter, o *outcome) {
	report := o.Result.Report
	if report == nil {
		report = detection.PixelReport{}
	}
	pretty, err := json.MarshalIndent(report, "", "    ")
	if err != nil {
		panic(err)
	}
	page := resultPage{
		Name:              o.Image.Name,
		Width:             o.Image.Width,
		Height:            o.Image.Height,
		ImageURI:          p.dataURI(o),
		Detections:        report,
		JSON:              string(pretty),
		AnnotatedImageURL: o.AnnotatedImageURL,
		JSONURL:           o.JSONURL,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.ExecuteTemplate(w, "result.html", page); err != nil {
		p.log.Errorf("Server: failed to render result page: %v", err)
	}
}

// dataURI embeds the annotated image in the page, scaled down when it is
// larger than previewMax on either side.
func (p htmlPresenter) dataURI(o *outcome) template.URL {
	a := o.Result.Artifact
	data, contentType := a.Data, a.ContentType
	if o.Image.Width > previewMax || o.Image.Height > previewMax {
		if ref, err := imaging.Decode(a.Data, o.Image.Name, imaging.DecodeOptions{}); err != nil {
			p.log.Warnf("Server: preview decode failed, embedding full image: %v", err)
		} else if small, err := imaging.Encode(imaging.Preview(ref.Image, previewMax, previewMax), a.Format, 0); err != nil {
			p.log.Warnf("Server: preview encode failed, embedding full image: %v", err)
		} else {
			data = small
		}
	}
	return template.URL("data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data))
}

func (htmlPresenter) failure(w http.ResponseWriter, f *pipeline.Failure) {
	sendJSONStatus(w, failureBody(f), f.HTTPStatus())
}
