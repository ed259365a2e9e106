// Package inference is the client side of the object-detection service.
//
// The service is reached over HTTP: the client POSTs {"image_url": "..."} and
// receives {"predictions": [...]} with center-form boxes in the engine's
// working resolution. The image URL must be fetchable from the inference
// service's network, which usually means the annotator's public address rather
// than localhost.
//
// Failures are reported as *DetectionError with one of three kinds:
//   - Unreachable: transport failure, timeout or cancellation.
//   - BadStatus: the service answered with a non-2xx status.
//   - MalformedResponse: the body is not a prediction list.
//
// The client never retries. Stub provides an in-process Detector for tests and
// for running the annotator without an inference service.
package inference
