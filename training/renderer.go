package training

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tsawler/go-srnet/engine"
	"github.com/tsawler/go-srnet/tensor"
	"github.com/tsawler/go-srnet/vision/dataloader"
	"github.com/tsawler/go-srnet/vision/preprocessing"
)

// ExampleSource yields prepared examples endlessly.
type ExampleSource interface {
	Next() (*dataloader.PreparedExample, error)
}

// Generator runs inference without touching training state.
type Generator interface {
	Generate(glyph, style *tensor.Tensor) (engine.GeneratorOutput, error)
}

// ExampleRenderer writes the generator's predictions for one held-out
// example per call, so progress can be inspected by eye.
type ExampleRenderer struct {
	generator Generator
	examples  ExampleSource
	dir       string
	digits    int
}

// NewExampleRenderer writes under dir. Iteration directories are zero padded
// to the number of digits in maxIter.
func NewExampleRenderer(generator Generator, examples ExampleSource, dir string, maxIter int) *ExampleRenderer {
	return &ExampleRenderer{
		generator: generator,
		examples:  examples,
		dir:       dir,
		digits:    len(strconv.Itoa(maxIter)),
	}
}

// IterationDir returns the directory the images of step are written to.
func (r *ExampleRenderer) IterationDir(step int) string {
	return filepath.Join(r.dir, fmt.Sprintf("iter-%0*d", r.digits, step))
}

// Render takes the next example, runs the generator on it and writes the
// skeleton, text, background and fusion predictions as PNG files. It returns
// the directory written.
func (r *ExampleRenderer) Render(step int) (string, error) {
	ex, err := r.examples.Next()
	if err != nil {
		return "", fmt.Errorf("failed to read example: %w", err)
	}
	out, err := r.generator.Generate(ex.Glyph, ex.Style)
	if err != nil {
		return "", fmt.Errorf("failed to render example %q: %w", ex.Name, err)
	}

	dir := r.IterationDir(step)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create example directory: %w", err)
	}
	for _, img := range []struct {
		suffix string
		t      *tensor.Tensor
		mask   bool
	}{
		{"o_f.png", out.Fusion, false},
		{"o_sk.png", out.Skeleton, true},
		{"o_t.png", out.Text, false},
		{"o_b.png", out.Background, false},
	} {
		chw, c, h, w, err := denormalize(img.t, img.mask)
		if err != nil {
			return "", err
		}
		if err := preprocessing.SavePNG(filepath.Join(dir, ex.Name+img.suffix), chw, c, h, w); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", img.suffix, err)
		}
	}
	return dir, nil
}

// denormalize maps the first image of an NCHW batch back to [0, 255]:
// x*255 for masks, (x+1)/2*255 otherwise.
func denormalize(t *tensor.Tensor, mask bool) ([]float32, int, int, int, error) {
	if t == nil || len(t.Shape) != 4 {
		return nil, 0, 0, 0, fmt.Errorf("expected an NCHW tensor")
	}
	c, h, w := t.Shape[1], t.Shape[2], t.Shape[3]
	src := t.Data[:c*h*w]
	out := make([]float32, len(src))
	for i, v := range src {
		if mask {
			out[i] = v * 255
		} else {
			out[i] = (v + 1) / 2 * 255
		}
	}
	return out, c, h, w, nil
}
