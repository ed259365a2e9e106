// Package imaging provides the image operations the annotator needs: decoding
// uploads, drawing box outlines and text labels, choosing colours, and
// encoding results.
//
// # Coordinate System
//
// All pixel coordinates in this package are 0-based:
//   - X: horizontal position (0 = leftmost pixel)
//   - Y: vertical position (0 = topmost pixel)
//   - Rectangles passed to StrokeRect are inclusive on both corners; labels
//     use image.Rectangle's usual half-open form.
//
// # Thread Safety
//
// Every function is stateless. Drawing functions mutate only the destination
// image passed to them; callers draw on a private copy.
//
// # Formats
//
// Decode accepts PNG, JPEG, GIF, BMP and TIFF. Encode writes PNG, JPEG or BMP.
//
// # Orientation
//
// Decode applies the EXIF orientation of JPEG uploads, so an ImageRef always
// holds the image as a viewer sees it. A portrait phone photo stored as
// 4032x3024 with orientation 6 becomes a 3024x4032 ImageRef. Detection boxes
// are mapped into that frame, so whatever the inference service fetches must
// be in the same frame: PublishBytes re-encodes oriented JPEGs for that
// purpose. Other formats are never re-oriented.
package imaging
