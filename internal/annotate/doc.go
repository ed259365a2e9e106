// Package annotate draws detection boxes and labels onto a copy of an image
// and encodes the result.
//
// Boxes are given in pixel space (see package geometry). Each box is drawn as
// an outline whose outer edge sits on the rounded corners, with a label of the
// form "person (0.87)" placed just above it. Boxes and labels that extend past
// the canvas are clipped; they are never rejected.
package annotate
