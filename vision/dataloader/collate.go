package dataloader

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-srnet/tensor"
	"github.com/tsawler/go-srnet/vision/dataset"
	"github.com/tsawler/go-srnet/vision/preprocessing"
)

// ErrMalformedSample is returned when a sample lacks a modality or carries
// the wrong number of channels for it.
var ErrMalformedSample = errors.New("malformed sample")

// Batch is a set of samples resized to one shape and stacked in NCHW layout.
// Colour modalities are in [-1, 1], Skeleton and Mask in [0, 1].
type Batch struct {
	Glyph      *tensor.Tensor
	Style      *tensor.Tensor
	Skeleton   *tensor.Tensor
	Text       *tensor.Tensor
	Background *tensor.Tensor
	Fusion     *tensor.Tensor
	Mask       *tensor.Tensor

	Names []string
	Shape Shape
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return b.Glyph.Shape[0]
}

// Tensor returns the batch tensor for modality m.
func (b *Batch) Tensor(m dataset.Modality) *tensor.Tensor {
	switch m {
	case dataset.Glyph:
		return b.Glyph
	case dataset.Style:
		return b.Style
	case dataset.Skeleton:
		return b.Skeleton
	case dataset.Text:
		return b.Text
	case dataset.Background:
		return b.Background
	case dataset.Fusion:
		return b.Fusion
	case dataset.Mask:
		return b.Mask
	}
	return nil
}

func (b *Batch) set(m dataset.Modality, t *tensor.Tensor) {
	switch m {
	case dataset.Glyph:
		b.Glyph = t
	case dataset.Style:
		b.Style = t
	case dataset.Skeleton:
		b.Skeleton = t
	case dataset.Text:
		b.Text = t
	case dataset.Background:
		b.Background = t
	case dataset.Fusion:
		b.Fusion = t
	case dataset.Mask:
		b.Mask = t
	}
}

// Assembler turns a list of samples into a Batch.
type Assembler struct {
	TargetHeight int
}

// Collate resolves the batch shape from the background targets, resizes every
// modality of every sample to it and stacks the results.
func (a Assembler) Collate(samples []*dataset.Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot collate an empty batch")
	}

	sizes := make([]Size, len(samples))
	for i, s := range samples {
		if err := checkSample(i, s); err != nil {
			return nil, err
		}
		sizes[i] = Size{Height: s.Background.Height, Width: s.Background.Width}
	}

	shape, err := ResolveShape(sizes, a.TargetHeight)
	if err != nil {
		return nil, err
	}

	batch := &Batch{Shape: shape, Names: make([]string, len(samples))}
	for i, s := range samples {
		batch.Names[i] = s.Name
	}
	for _, m := range dataset.Modalities {
		images := make([]*preprocessing.Image, len(samples))
		for i, s := range samples {
			images[i] = s.Image(m)
		}
		t, err := Stack(images, shape)
		if err != nil {
			return nil, fmt.Errorf("failed to stack %s: %w", m, err)
		}
		Normalize(t, m)
		batch.set(m, t)
	}
	return batch, nil
}

func checkSample(index int, s *dataset.Sample) error {
	if s == nil {
		return fmt.Errorf("%w: sample %d is nil", ErrMalformedSample, index)
	}
	for _, m := range dataset.Modalities {
		img := s.Image(m)
		if img == nil {
			return fmt.Errorf("%w: sample %d (%s) has no %s image", ErrMalformedSample, index, s.Name, m)
		}
		if img.Channels != m.Channels() {
			return fmt.Errorf("%w: sample %d (%s) %s has %d channels, expected %d",
				ErrMalformedSample, index, s.Name, m, img.Channels, m.Channels())
		}
		if len(img.Pix) != img.Width*img.Height*img.Channels || img.Width <= 0 || img.Height <= 0 {
			return fmt.Errorf("%w: sample %d (%s) %s has inconsistent pixel data", ErrMalformedSample, index, s.Name, m)
		}
	}
	return nil
}

// Stack resizes each image to shape and stacks them into one NCHW tensor.
// Values keep their original range.
func Stack(images []*preprocessing.Image, shape Shape) (*tensor.Tensor, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("no images to stack")
	}
	channels := images[0].Channels
	per := channels * shape.Height * shape.Width
	data := make([]float32, len(images)*per)

	for i, img := range images {
		if img.Channels != channels {
			return nil, fmt.Errorf("image %d has %d channels, expected %d", i, img.Channels, channels)
		}
		resized, err := preprocessing.ResizeBilinear(img, shape.Width, shape.Height)
		if err != nil {
			return nil, err
		}
		copy(data[i*per:(i+1)*per], resized.CHW())
	}
	return tensor.NewTensor([]int{len(images), channels, shape.Height, shape.Width}, data)
}

// Normalize maps [0, 255] pixel values in place: x/255 for the skeleton and
// mask modalities, x/127.5 - 1 for every colour modality.
func Normalize(t *tensor.Tensor, m dataset.Modality) {
	if m == dataset.Skeleton || m == dataset.Mask {
		for i, v := range t.Data {
			t.Data[i] = v / 255
		}
		return
	}
	for i, v := range t.Data {
		t.Data[i] = v/127.5 - 1
	}
}
