// Package detection defines the object-detection results that flow from the
// inference service through the annotator.
//
// A Report holds detections as the inference service returned them, with boxes
// in the engine's working resolution. After mapping, the same detections are
// carried as a PixelReport whose boxes are in pixels of the original image.
// Both keep the engine's emission order.
//
// # JSON
//
// PixelReport is the document written next to every annotated image:
//
//	[
//	  {
//	    "name": "person",
//	    "confidence": 0.87,
//	    "box": {"xcenter": 960, "ycenter": 270, "width": 300, "height": 337.5},
//	    "corners": {"x_min": 810, "y_min": 101.25, "x_max": 1110, "y_max": 438.75}
//	  }
//	]
package detection
