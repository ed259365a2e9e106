// Package pipeline runs one image through detection, coordinate mapping,
// annotation and (optionally) persistence.
//
// A run moves through the states
//
//	Received -> Detecting -> Mapping -> Rendering -> [Persisting ->] Complete
//
// and stops in Failed at the first error, returning a *Failure that names the
// state it failed in. Nothing is persisted unless rendering completed, and a
// failed run returns no partial output. Runs are independent: a Pipeline may
// be shared by any number of goroutines.
//
// # Failure Kinds
//
// Every Failure carries a Kind that tells the caller whose fault it was:
//   - Ingestion: the image or its URL was unusable (HTTP 400)
//   - Detection: the inference service was unreachable, answered with an
//     error status or sent something unparseable (HTTP 502, or 504 on timeout)
//   - InvalidDetection: the service answered with impossible values, such as
//     a negative extent or a confidence above one (HTTP 502)
//   - Render, Persist: a local failure to encode or save the result (HTTP 500)
//   - Cancelled: the caller went away after detection succeeded (HTTP 499, or
//     504 when its deadline passed)
//
// A caller that cancels during detection sees a Detection failure wrapping
// the context error, since the inference call is what was interrupted.
package pipeline
