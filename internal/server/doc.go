// Package server is the HTTP front end of the annotator.
//
// Routes:
//
//	GET  /                 upload form
//	POST /upload           multipart "image" field, responds with an HTML result page
//	POST /api/v1/detect    multipart "image" field, responds with JSON
//	GET  /uploads/:name    raw uploads, fetched by the inference service
//	GET  /outputs/:name    persisted annotated images and prediction files
//	GET  /healthz          liveness
//	GET  /metrics          Prometheus metrics
//
// Both upload routes store the image so the inference service can fetch it
// by URL, run it through the pipeline, and then hand the outcome to a
// presenter. JPEGs are stored re-encoded in their EXIF-oriented frame. Failures are always JSON:
//
//	{"status": "failed", "error": "...", "stage": "detecting", "kind": "detection"}
//
// with the status code from pipeline.Failure.HTTPStatus. Upload routes are
// rate limited per client IP.
package server
