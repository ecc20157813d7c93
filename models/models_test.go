package models

import (
	"math/rand"
	"testing"

	"github.com/tsawler/go-srnet/engine"
	"github.com/tsawler/go-srnet/tensor"
)

func randomInput(t *testing.T, rng *rand.Rand, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.RandomUniform(shape, -1, 1, rng)
	if err != nil {
		t.Fatal(err)
	}
	return x
}

func TestGeneratorShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	g, err := NewGenerator(GeneratorConfig{Features: 4}, rng)
	if err != nil {
		t.Fatalf("NewGenerator failed: %v", err)
	}
	glyph := randomInput(t, rng, 2, 3, 8, 16)
	style := randomInput(t, rng, 2, 3, 8, 16)

	out, err := g.Forward(glyph, style, [2]int{8, 16})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	checks := []struct {
		name     string
		got      *tensor.Tensor
		channels int
	}{
		{"skeleton", out.Skeleton, 1},
		{"text", out.Text, 3},
		{"background", out.Background, 3},
		{"fusion", out.Fusion, 3},
	}
	for _, c := range checks {
		want := []int{2, c.channels, 7, 15}
		if !tensor.ShapesEqual(c.got.Shape, want) {
			t.Errorf("%s shape = %v, expected %v", c.name, c.got.Shape, want)
		}
	}
	for _, v := range out.Skeleton.Data {
		if v < 0 || v > 1 {
			t.Fatalf("skeleton value %v outside [0, 1]", v)
		}
	}

	aligned, err := engine.AlignOutputs(out)
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.ShapesEqual(aligned.Fusion.Shape, []int{2, 3, 8, 16}) {
		t.Errorf("aligned shape = %v, expected input size", aligned.Fusion.Shape)
	}

	if _, err := g.Forward(glyph, style, [2]int{8, 8}); err == nil {
		t.Error("expected error for mismatched size hint")
	}
}

func TestGeneratorDeterministic(t *testing.T) {
	a, _ := NewGenerator(GeneratorConfig{Features: 4}, rand.New(rand.NewSource(7)))
	b, _ := NewGenerator(GeneratorConfig{Features: 4}, rand.New(rand.NewSource(7)))
	pa, pb := a.Parameters(), b.Parameters()
	if len(pa) != len(pb) || len(pa) == 0 {
		t.Fatalf("parameter counts %d / %d", len(pa), len(pb))
	}
	for i := range pa {
		for j := range pa[i].Data {
			if pa[i].Data[j] != pb[i].Data[j] {
				t.Fatalf("param %d differs at %d", i, j)
			}
		}
	}
}

func TestDiscriminatorScores(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	d, err := NewDiscriminator(DiscriminatorConfig{InChannels: 6, Features: 4}, rng)
	if err != nil {
		t.Fatal(err)
	}
	score, err := d.Forward(randomInput(t, rng, 3, 6, 8, 16))
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.ShapesEqual(score.Shape, []int{3, 1, 2, 4}) {
		t.Errorf("score shape = %v, expected [3 1 2 4]", score.Shape)
	}
	for _, v := range score.Data {
		if v <= 0 || v >= 1 {
			t.Fatalf("score %v outside (0, 1)", v)
		}
	}
}

func TestFeatureExtractorFrozen(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	fe, err := NewFeatureExtractor(rng)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range fe.Parameters() {
		if p.RequiresGrad() {
			t.Fatalf("feature extractor param %d requires grad", i)
		}
	}

	x := randomInput(t, rng, 2, 3, 8, 8)
	x.SetRequiresGrad(true)
	features, err := fe.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if len(features) != 3 {
		t.Fatalf("got %d feature maps, expected 3", len(features))
	}
	if !tensor.ShapesEqual(features[2].Shape, []int{2, 16, 2, 2}) {
		t.Errorf("last feature shape = %v", features[2].Shape)
	}

	// Gradients reach the input but not the frozen weights.
	if err := tensor.Sum(features[2]).Backward(); err != nil {
		t.Fatal(err)
	}
	if x.Grad() == nil {
		t.Error("input received no gradient")
	}
	for i, p := range fe.Parameters() {
		if p.Grad() != nil {
			t.Errorf("frozen param %d received a gradient", i)
		}
	}
}
