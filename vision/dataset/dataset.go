package dataset

import (
	"fmt"

	"github.com/tsawler/go-srnet/vision/preprocessing"
)

// Modality names one of the seven images of a training sample. The string
// value is also the sub-directory name used by FolderDataset.
type Modality string

const (
	Glyph      Modality = "i_t"
	Style      Modality = "i_s"
	Skeleton   Modality = "t_sk"
	Text       Modality = "t_t"
	Background Modality = "t_b"
	Fusion     Modality = "t_f"
	Mask       Modality = "mask_t"
)

// Modalities lists every modality in sample order.
var Modalities = []Modality{Glyph, Style, Skeleton, Text, Background, Fusion, Mask}

// Channels returns the channel count a modality is stored with.
func (m Modality) Channels() int {
	if m == Skeleton || m == Mask {
		return 1
	}
	return 3
}

// Sample holds the seven co-registered images of one training example.
// Sizes may differ between samples.
type Sample struct {
	Name       string
	Glyph      *preprocessing.Image
	Style      *preprocessing.Image
	Skeleton   *preprocessing.Image
	Text       *preprocessing.Image
	Background *preprocessing.Image
	Fusion     *preprocessing.Image
	Mask       *preprocessing.Image
}

// Image returns the image for modality m.
func (s *Sample) Image(m Modality) *preprocessing.Image {
	switch m {
	case Glyph:
		return s.Glyph
	case Style:
		return s.Style
	case Skeleton:
		return s.Skeleton
	case Text:
		return s.Text
	case Background:
		return s.Background
	case Fusion:
		return s.Fusion
	case Mask:
		return s.Mask
	}
	return nil
}

func (s *Sample) set(m Modality, img *preprocessing.Image) {
	switch m {
	case Glyph:
		s.Glyph = img
	case Style:
		s.Style = img
	case Skeleton:
		s.Skeleton = img
	case Text:
		s.Text = img
	case Background:
		s.Background = img
	case Fusion:
		s.Fusion = img
	case Mask:
		s.Mask = img
	}
}

// Dataset is an indexed, read-only collection of training samples.
type Dataset interface {
	Len() int
	Get(index int) (*Sample, error)
}

// Example is one held-out input pair used for qualitative rendering. Name is
// the prefix prepended to every rendered file name.
type Example struct {
	Name  string
	Glyph *preprocessing.Image
	Style *preprocessing.Image
}

// ExampleSet is an indexed collection of examples.
type ExampleSet interface {
	Len() int
	Get(index int) (*Example, error)
}

// MemoryDataset serves samples held in memory.
type MemoryDataset struct {
	samples []*Sample
}

func NewMemoryDataset(samples ...*Sample) *MemoryDataset {
	return &MemoryDataset{samples: samples}
}

func (d *MemoryDataset) Len() int {
	return len(d.samples)
}

func (d *MemoryDataset) Get(index int) (*Sample, error) {
	if index < 0 || index >= len(d.samples) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.samples))
	}
	return d.samples[index], nil
}

// MemoryExamples serves examples held in memory.
type MemoryExamples struct {
	examples []*Example
}

func NewMemoryExamples(examples ...*Example) *MemoryExamples {
	return &MemoryExamples{examples: examples}
}

func (e *MemoryExamples) Len() int {
	return len(e.examples)
}

func (e *MemoryExamples) Get(index int) (*Example, error) {
	if index < 0 || index >= len(e.examples) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, len(e.examples))
	}
	return e.examples[index], nil
}
