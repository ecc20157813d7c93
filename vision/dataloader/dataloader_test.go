package dataloader

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tsawler/go-srnet/vision/dataset"
	"github.com/tsawler/go-srnet/vision/preprocessing"
)

func filledImage(t *testing.T, width, height, channels int, value float32) *preprocessing.Image {
	t.Helper()
	img, err := preprocessing.NewImage(width, height, channels)
	if err != nil {
		t.Fatal(err)
	}
	for i := range img.Pix {
		img.Pix[i] = value
	}
	return img
}

func filledSample(t *testing.T, name string, width, height int, value float32) *dataset.Sample {
	t.Helper()
	s := &dataset.Sample{Name: name}
	s.Glyph = filledImage(t, width, height, 3, value)
	s.Style = filledImage(t, width, height, 3, value)
	s.Skeleton = filledImage(t, width, height, 1, value)
	s.Text = filledImage(t, width, height, 3, value)
	s.Background = filledImage(t, width, height, 3, value)
	s.Fusion = filledImage(t, width, height, 3, value)
	s.Mask = filledImage(t, width, height, 1, value)
	return s
}

func TestResolveShape(t *testing.T) {
	tests := []struct {
		name     string
		sizes    []Size
		height   int
		expected int
	}{
		{"reference batch", []Size{{64, 120}, {64, 136}, {64, 100}, {64, 148}}, 64, 128},
		{"equal aspect", []Size{{32, 100}, {32, 100}, {32, 100}}, 64, 200},
		{"tie rounds to even", []Size{{64, 20}}, 64, 16},
		{"minimum width", []Size{{64, 1}}, 64, 8},
		{"downscale", []Size{{128, 256}, {128, 128}}, 64, 96},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shape, err := ResolveShape(tt.sizes, tt.height)
			if err != nil {
				t.Fatalf("ResolveShape failed: %v", err)
			}
			if shape.Height != tt.height || shape.Width != tt.expected {
				t.Errorf("shape = %+v, expected {%d %d}", shape, tt.height, tt.expected)
			}
		})
	}
}

func TestResolveShapeMultipleOfEight(t *testing.T) {
	for h := 1; h <= 40; h += 3 {
		for w := 1; w <= 300; w += 7 {
			sizes := []Size{{h, w}, {h + 5, w + 11}, {2 * h, w}}
			shape, err := ResolveShape(sizes, 64)
			if err != nil {
				t.Fatal(err)
			}
			if shape.Width%WidthMultiple != 0 || shape.Width < WidthMultiple {
				t.Fatalf("sizes %v gave width %d", sizes, shape.Width)
			}
		}
	}
}

func TestResolveShapeErrors(t *testing.T) {
	if _, err := ResolveShape(nil, 64); err == nil {
		t.Error("expected error for empty batch")
	}
	if _, err := ResolveShape([]Size{{0, 10}}, 64); err == nil {
		t.Error("expected error for zero height")
	}
	if _, err := ResolveShape([]Size{{10, 10}}, 0); err == nil {
		t.Error("expected error for zero target height")
	}
}

func TestCollateRanges(t *testing.T) {
	tests := []struct {
		pixel  float32
		colour float32
		mask   float32
	}{
		{0, -1, 0},
		{255, 1, 1},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("pixel=%v", tt.pixel), func(t *testing.T) {
			samples := []*dataset.Sample{
				filledSample(t, "a", 30, 20, tt.pixel),
				filledSample(t, "b", 50, 10, tt.pixel),
			}
			batch, err := Assembler{TargetHeight: 16}.Collate(samples)
			if err != nil {
				t.Fatalf("Collate failed: %v", err)
			}
			if batch.Size() != 2 {
				t.Fatalf("Size() = %d, expected 2", batch.Size())
			}
			// widths scale to 24 and 80, mean 52 -> 48
			if batch.Shape != (Shape{Height: 16, Width: 48}) {
				t.Fatalf("shape = %+v", batch.Shape)
			}

			for _, m := range dataset.Modalities {
				got := batch.Tensor(m)
				want := []int{2, m.Channels(), 16, 48}
				for i := range want {
					if got.Shape[i] != want[i] {
						t.Fatalf("%s shape = %v, expected %v", m, got.Shape, want)
					}
				}
				expected := tt.colour
				if m == dataset.Skeleton || m == dataset.Mask {
					expected = tt.mask
				}
				for _, v := range got.Data {
					if v != expected {
						t.Fatalf("%s contains %v, expected %v", m, v, expected)
					}
				}
			}
		})
	}
}

func TestCollateMalformed(t *testing.T) {
	good := filledSample(t, "good", 8, 8, 1)
	bad := filledSample(t, "bad", 8, 8, 1)
	bad.Mask = filledImage(t, 8, 8, 3, 1)

	_, err := Assembler{TargetHeight: 8}.Collate([]*dataset.Sample{good, bad})
	if !errors.Is(err, ErrMalformedSample) {
		t.Fatalf("expected ErrMalformedSample, got %v", err)
	}
	if !strings.Contains(err.Error(), "sample 1") || !strings.Contains(err.Error(), "mask_t") {
		t.Errorf("error %q should name the sample and modality", err)
	}

	missing := filledSample(t, "missing", 8, 8, 1)
	missing.Fusion = nil
	if _, err := (Assembler{TargetHeight: 8}).Collate([]*dataset.Sample{missing}); !errors.Is(err, ErrMalformedSample) {
		t.Errorf("expected ErrMalformedSample for missing modality, got %v", err)
	}
}

func TestCycleWraparound(t *testing.T) {
	c := NewCycle(func() (Iterator[int], error) {
		return NewSliceIterator([]int{0, 1, 2}), nil
	})
	defer c.Close()

	for i := 0; i < 7; i++ {
		v, err := c.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if v != i%3 {
			t.Fatalf("item %d = %d, expected %d", i, v, i%3)
		}
	}
	if c.Epoch() != 3 {
		t.Errorf("Epoch() = %d, expected 3", c.Epoch())
	}
}

func TestCycleEmpty(t *testing.T) {
	c := NewCycle(func() (Iterator[int], error) {
		return NewSliceIterator[int](nil), nil
	})
	if _, err := c.Next(); err == nil {
		t.Fatal("expected error for empty sequence")
	}
}

func TestDataLoaderOrderAndWrap(t *testing.T) {
	var samples []*dataset.Sample
	for i := 0; i < 5; i++ {
		samples = append(samples, filledSample(t, fmt.Sprintf("s%d", i), 16, 8, 100))
	}
	dl, err := NewDataLoader(dataset.NewMemoryDataset(samples...), Config{
		BatchSize:     2,
		TargetHeight:  8,
		PrefetchDepth: 2,
		Workers:       3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if dl.Len() != 3 {
		t.Fatalf("Len() = %d, expected 3", dl.Len())
	}

	cycle := dl.Cycle()
	defer cycle.Close()

	expected := [][]string{{"s0", "s1"}, {"s2", "s3"}, {"s4"}, {"s0", "s1"}}
	for i, names := range expected {
		b, err := cycle.Next()
		if err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
		if strings.Join(b.Names, ",") != strings.Join(names, ",") {
			t.Fatalf("batch %d names = %v, expected %v", i, b.Names, names)
		}
		if b.Size() != len(names) {
			t.Fatalf("batch %d size = %d", i, b.Size())
		}
	}
	if cycle.Epoch() != 2 {
		t.Errorf("Epoch() = %d, expected 2", cycle.Epoch())
	}
}

func TestPrepareExample(t *testing.T) {
	ex := &dataset.Example{
		Name:  "ex_",
		Glyph: filledImage(t, 40, 20, 3, 255),
		Style: filledImage(t, 50, 32, 3, 0),
	}
	p, err := PrepareExample(ex, 16)
	if err != nil {
		t.Fatalf("PrepareExample failed: %v", err)
	}
	// 50 * 16/32 = 25 -> 24
	want := []int{1, 3, 16, 24}
	for i := range want {
		if p.Glyph.Shape[i] != want[i] || p.Style.Shape[i] != want[i] {
			t.Fatalf("shapes %v / %v, expected %v", p.Glyph.Shape, p.Style.Shape, want)
		}
	}
	if p.Glyph.Data[0] != 1 || p.Style.Data[0] != -1 {
		t.Errorf("normalised values %v / %v, expected 1 / -1", p.Glyph.Data[0], p.Style.Data[0])
	}

	c := ExampleCycle(dataset.NewMemoryExamples(ex), 16)
	for i := 0; i < 3; i++ {
		got, err := c.Next()
		if err != nil || got.Name != "ex_" {
			t.Fatalf("ExampleCycle step %d: %v %v", i, got, err)
		}
	}
}
