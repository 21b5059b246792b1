// Package models provides face detection and descriptor extraction via the inference service
package models

import (
	"context"
	"errors"
	"image"
	"math"
)

// DefaultDescriptorSize is the descriptor dimension of the default recognition model
const DefaultDescriptorSize = 128

// ErrDimensionMismatch is returned when two descriptors cannot be compared
var ErrDimensionMismatch = errors.New("descriptor dimension mismatch")

// Descriptor is a fixed-length face embedding produced by the recognition model
type Descriptor []float32

// Clone returns an independent copy of the descriptor
func (d Descriptor) Clone() Descriptor {
	if d == nil {
		return nil
	}
	out := make(Descriptor, len(d))
	copy(out, d)
	return out
}

// Box is a bounding box in frame coordinates
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect converts the box to an integer rectangle, rounding outwards
func (b Box) Rect() image.Rectangle {
	x0 := int(math.Floor(b.X))
	y0 := int(math.Floor(b.Y))
	x1 := int(math.Ceil(b.X + b.Width))
	y1 := int(math.Ceil(b.Y + b.Height))
	return image.Rect(x0, y0, x1, y1)
}

// Empty reports whether the box has no area
func (b Box) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

// Detection represents a detected face together with its descriptor
type Detection struct {
	Box        Box
	Score      float32
	Descriptor Descriptor
	Landmarks  [][2]float32
}

// DescriptorSource locates faces in an image and extracts one descriptor per face.
// Implementations must return detections in a stable order for a given image.
type DescriptorSource interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// DescriptorSourceFunc adapts a function to DescriptorSource
type DescriptorSourceFunc func(ctx context.Context, img image.Image) ([]Detection, error)

// Detect calls f(ctx, img)
func (f DescriptorSourceFunc) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	return f(ctx, img)
}

// EuclideanDistance computes the L2 distance between two descriptors
func EuclideanDistance(a, b Descriptor) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}

	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}

	return math.Sqrt(sum), nil
}
