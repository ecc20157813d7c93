package dataloader

import (
	"fmt"
	"math"
)

// WidthMultiple is the granularity of the resolved batch width. The generator
// downsamples by this factor.
const WidthMultiple = 8

// Size is the spatial size of one sample.
type Size struct {
	Height int
	Width  int
}

// Shape is the common spatial size a batch is resized to.
type Shape struct {
	Height int
	Width  int
}

// ResolveShape picks one (height, width) for a batch of samples. Every sample
// is scaled to targetHeight keeping its aspect ratio; the mean of the scaled
// widths (integer division) is rounded to the nearest multiple of
// WidthMultiple, ties to even, and never goes below WidthMultiple.
func ResolveShape(sizes []Size, targetHeight int) (Shape, error) {
	if len(sizes) == 0 {
		return Shape{}, fmt.Errorf("cannot resolve shape of an empty batch")
	}
	if targetHeight <= 0 {
		return Shape{}, fmt.Errorf("target height must be positive, got %d", targetHeight)
	}

	sum := 0
	for i, s := range sizes {
		if s.Height <= 0 || s.Width <= 0 {
			return Shape{}, fmt.Errorf("sample %d has invalid size %dx%d", i, s.Width, s.Height)
		}
		scale := float64(targetHeight) / float64(s.Height)
		sum += int(math.Round(float64(s.Width) * scale))
	}

	raw := sum / len(sizes)
	width := int(math.RoundToEven(float64(raw)/WidthMultiple)) * WidthMultiple
	if width < WidthMultiple {
		width = WidthMultiple
	}
	return Shape{Height: targetHeight, Width: width}, nil
}
