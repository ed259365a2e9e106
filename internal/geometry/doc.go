// Package geometry holds the bounding-box types used between the inference
// service and the annotation renderer, and the mapper that converts boxes from
// the inference working resolution into pixels of the original image.
//
// # Coordinate Spaces
//
// A box is only meaningful together with the space it was measured in. The
// package encodes the space in the type:
//   - WorkingBox: center-form box in the inference engine's working resolution
//     (the fixed size every input is resized to before detection, e.g. 640x640).
//   - PixelBox: center-form box in pixels of the original, un-resized image.
//
// The only way to turn a WorkingBox into a PixelBox is Mapper.ToPixelSpace (or
// the package-level ToPixelSpace), so a box can never be rendered in the wrong
// space by accident.
//
// # Scaling
//
// The inference engine resizes to its working resolution without preserving the
// aspect ratio, so each axis is scaled independently:
//
//	scaleX = original.Width  / working.Width
//	scaleY = original.Height / working.Height
//
// # Corners
//
// Corner form is derived from a PixelBox on demand and never stored. Each corner
// comes from its own axis' center and extent.
package geometry
