package dataloader

import (
	"fmt"

	"github.com/tsawler/go-srnet/tensor"
	"github.com/tsawler/go-srnet/vision/dataset"
	"github.com/tsawler/go-srnet/vision/preprocessing"
)

// PreparedExample is an example pair ready for the generator: [1,3,H,W]
// tensors in [-1, 1].
type PreparedExample struct {
	Name  string
	Glyph *tensor.Tensor
	Style *tensor.Tensor
}

// PrepareExample resizes both images to targetHeight at the width the
// resolver picks for the style image alone, then normalises them.
func PrepareExample(ex *dataset.Example, targetHeight int) (*PreparedExample, error) {
	if ex == nil || ex.Glyph == nil || ex.Style == nil {
		return nil, fmt.Errorf("%w: example is missing an image", ErrMalformedSample)
	}
	shape, err := ResolveShape([]Size{{Height: ex.Style.Height, Width: ex.Style.Width}}, targetHeight)
	if err != nil {
		return nil, err
	}

	prepared := &PreparedExample{Name: ex.Name}
	for _, p := range []struct {
		img *preprocessing.Image
		dst **tensor.Tensor
	}{
		{ex.Glyph, &prepared.Glyph},
		{ex.Style, &prepared.Style},
	} {
		if p.img.Channels != 3 {
			return nil, fmt.Errorf("%w: example %q has %d channels, expected 3", ErrMalformedSample, ex.Name, p.img.Channels)
		}
		t, err := Stack([]*preprocessing.Image{p.img}, shape)
		if err != nil {
			return nil, err
		}
		Normalize(t, dataset.Glyph)
		*p.dst = t
	}
	return prepared, nil
}

// ExampleCycle returns an endless sequence over an example set, each example
// prepared for targetHeight.
func ExampleCycle(set dataset.ExampleSet, targetHeight int) *Cycle[*PreparedExample] {
	return NewCycle(func() (Iterator[*PreparedExample], error) {
		return NewFuncIterator(set.Len(), func(i int) (*PreparedExample, error) {
			ex, err := set.Get(i)
			if err != nil {
				return nil, err
			}
			return PrepareExample(ex, targetHeight)
		}), nil
	})
}
