package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"

	"github.com/ironsheep/detection-annotator/internal/detection"
	"github.com/ironsheep/detection-annotator/internal/geometry"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 32 << 20

// maxErrorSnippet bounds how much of a non-JSON error body ends up in a message.
const maxErrorSnippet = 200

// Detector runs object detection on the image at imageURL.
type Detector interface {
	Detect(ctx context.Context, imageURL string) (detection.Report, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, imageURL string) (detection.Report, error)

func (f DetectorFunc) Detect(ctx context.Context, imageURL string) (detection.Report, error) {
	return f(ctx, imageURL)
}

// Client calls a remote inference service over HTTP. It is safe for concurrent
// use.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
	log      logs.Log
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithLog makes the client log requests at debug level.
func WithLog(log logs.Log) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient returns a Client for the predict endpoint, e.g.
// "http://inference:8080/predict". Every call is bounded by timeout, which must
// be positive.
func NewClient(endpoint string, timeout time.Duration, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid inference endpoint %q", endpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("inference endpoint %q must be an http or https URL", endpoint)
	}
	if timeout <= 0 {
		return nil, errors.New("inference request timeout must be > 0")
	}
	c := &Client{
		endpoint: endpoint,
		timeout:  timeout,
		http:     &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the URL the client posts to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

type predictRequest struct {
	ImageURL string `json:"image_url"`
}

type predictResponse struct {
	Predictions *[]prediction `json:"predictions"`
}

// prediction is one row of the service's output. Pointers distinguish a
// missing field from a zero value.
type prediction struct {
	Name       *string  `json:"name"`
	Class      *float64 `json:"class"`
	Confidence *float64 `json:"confidence"`
	XCenter    *float64 `json:"xcenter"`
	YCenter    *float64 `json:"ycenter"`
	Width      *float64 `json:"width"`
	Height     *float64 `json:"height"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Detect asks the inference service to detect objects in the image at
// imageURL. Boxes in the returned report are in the service's working
// resolution, in the order the service emitted them.
func (c *Client) Detect(ctx context.Context, imageURL string) (detection.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(predictRequest{ImageURL: imageURL})
	if err != nil {
		return nil, errors.Wrap(err, "encode predict request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create predict request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.log != nil {
		c.log.Debugf("Inference: POST %v image_url=%v", c.endpoint, imageURL)
	}
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, unreachable(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, unreachable(ctxErr)
		}
		return nil, unreachable(errors.Wrap(err, "read response body"))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &DetectionError{
			Kind:       BadStatus,
			StatusCode: resp.StatusCode,
			Message:    upstreamMessage(raw),
		}
	}

	report, err := parsePredictions(raw)
	if err != nil {
		return nil, err
	}
	if c.log != nil {
		c.log.Debugf("Inference: %v predictions in %v", len(report), time.Since(start))
	}
	return report, nil
}

// upstreamMessage extracts {"error": "..."} from an error body, falling back to
// a truncated copy of the body.
func upstreamMessage(raw []byte) string {
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Error != "" {
		return er.Error
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorSnippet {
		s = s[:maxErrorSnippet] + "..."
	}
	return s
}

func parsePredictions(raw []byte) (detection.Report, error) {
	var pr predictResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, &DetectionError{Kind: MalformedResponse, Message: "response is not a prediction list", Err: err}
	}
	if pr.Predictions == nil {
		return nil, malformed("response has no predictions field")
	}

	report := make(detection.Report, 0, len(*pr.Predictions))
	for i, p := range *pr.Predictions {
		if p.Name == nil {
			return nil, malformed("prediction %d has no name", i)
		}
		for _, f := range []struct {
			name string
			v    *float64
		}{
			{"confidence", p.Confidence},
			{"xcenter", p.XCenter},
			{"ycenter", p.YCenter},
			{"width", p.Width},
			{"height", p.Height},
		} {
			if f.v == nil {
				return nil, malformed("prediction %d (%s) has no %s", i, *p.Name, f.name)
			}
		}
		d := detection.Detection{
			Label:      *p.Name,
			Confidence: *p.Confidence,
			Box: geometry.WorkingBox{
				XCenter: *p.XCenter,
				YCenter: *p.YCenter,
				Width:   *p.Width,
				Height:  *p.Height,
			},
		}
		if p.Class != nil {
			class := int(math.Round(*p.Class))
			d.Class = &class
		}
		report = append(report, d)
	}
	return report, nil
}
