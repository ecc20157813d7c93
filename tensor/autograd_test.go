package tensor

import (
	"math"
	"math/rand"
	"testing"
)

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

func TestBackwardSimpleChain(t *testing.T) {
	x := MustNew([]int{2}, []float32{1, 2})
	x.SetRequiresGrad(true)
	y := MustNew([]int{2}, []float32{3, 4})

	prodT, err := Mul(x, y)
	if err != nil {
		t.Fatal(err)
	}
	loss := Sum(Scale(prodT, 2))
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	if x.Grad() == nil {
		t.Fatal("expected gradient on x")
	}
	if x.Grad().Data[0] != 6 || x.Grad().Data[1] != 8 {
		t.Errorf("x.grad = %v, expected [6 8]", x.Grad().Data)
	}
	if y.Grad() != nil {
		t.Error("y does not require grad and must not receive a gradient")
	}
}

func TestBackwardAccumulatesAcrossCalls(t *testing.T) {
	x := MustNew([]int{1}, []float32{3})
	x.SetRequiresGrad(true)

	for i := 0; i < 2; i++ {
		if err := Sum(x).Backward(); err != nil {
			t.Fatal(err)
		}
	}
	if x.Grad().Data[0] != 2 {
		t.Errorf("accumulated grad = %v, expected 2", x.Grad().Data[0])
	}

	ZeroGrad([]*Tensor{x})
	if x.Grad().Data[0] != 0 {
		t.Errorf("grad after ZeroGrad = %v, expected 0", x.Grad().Data[0])
	}
}

func TestBackwardSharedInput(t *testing.T) {
	x := MustNew([]int{1}, []float32{3})
	x.SetRequiresGrad(true)
	sq, err := Mul(x, x)
	if err != nil {
		t.Fatal(err)
	}
	sum, err := Add(sq, x)
	if err != nil {
		t.Fatal(err)
	}
	if err := sum.Backward(); err != nil {
		t.Fatal(err)
	}
	// d(x^2 + x)/dx = 2x + 1
	if x.Grad().Data[0] != 7 {
		t.Errorf("grad = %v, expected 7", x.Grad().Data[0])
	}
}

func TestNoGradSkipsGraph(t *testing.T) {
	x := MustNew([]int{2}, []float32{1, 2})
	x.SetRequiresGrad(true)

	var out *Tensor
	err := NoGrad(func() error {
		if IsGradEnabled() {
			t.Error("grad should be disabled inside NoGrad")
		}
		out = Sum(Scale(x, 3))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !IsGradEnabled() {
		t.Error("grad should be re-enabled after NoGrad")
	}
	if out.RequiresGrad() || !out.IsLeaf() {
		t.Error("result computed under NoGrad must not record a graph")
	}
	if err := out.Backward(); err == nil {
		t.Error("expected error calling Backward on a tensor without grad")
	}
}

func TestBackwardRequiresScalar(t *testing.T) {
	x := MustNew([]int{2}, []float32{1, 2})
	x.SetRequiresGrad(true)
	if err := Scale(x, 2).Backward(); err == nil {
		t.Error("expected error for non-scalar backward")
	}
}

// numericGrad perturbs each element of p and measures the change in f.
func numericGrad(t *testing.T, p *Tensor, f func() float64) []float64 {
	t.Helper()
	const h = 1e-2
	grads := make([]float64, len(p.Data))
	for i := range p.Data {
		orig := p.Data[i]
		p.Data[i] = orig + h
		up := f()
		p.Data[i] = orig - h
		down := f()
		p.Data[i] = orig
		grads[i] = (up - down) / (2 * h)
	}
	return grads
}

func TestConv2DGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	x, _ := RandomNormal([]int{2, 2, 4, 5}, 0, 1, rng)
	w, _ := RandomNormal([]int{3, 2, 3, 3}, 0, 0.5, rng)
	b, _ := RandomNormal([]int{3}, 0, 0.5, rng)
	for _, p := range []*Tensor{x, w, b} {
		p.SetRequiresGrad(true)
	}

	forward := func() *Tensor {
		out, err := Conv2D(x, w, b, 2, 1)
		if err != nil {
			t.Fatal(err)
		}
		return Sum(mustMul(t, out, out))
	}

	loss := forward()
	if err := loss.Backward(); err != nil {
		t.Fatal(err)
	}

	for name, p := range map[string]*Tensor{"input": x, "weight": w, "bias": b} {
		expected := numericGrad(t, p, func() float64 {
			var v float64
			_ = NoGrad(func() error {
				v = float64(forward().Data[0])
				return nil
			})
			return v
		})
		for i, g := range p.Grad().Data {
			if !approxEqual(float64(g), expected[i], 2e-2) {
				t.Errorf("%s grad[%d] = %v, expected %v", name, i, g, expected[i])
			}
		}
	}
}

func TestGramAndPadGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x, _ := RandomNormal([]int{1, 2, 2, 3}, 0, 1, rng)
	x.SetRequiresGrad(true)

	forward := func() *Tensor {
		padded, err := ZeroPad2D(x, 1, 1, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		g, err := Gram(padded)
		if err != nil {
			t.Fatal(err)
		}
		return Sum(mustMul(t, g, g))
	}

	if err := forward().Backward(); err != nil {
		t.Fatal(err)
	}
	expected := numericGrad(t, x, func() float64 {
		var v float64
		_ = NoGrad(func() error {
			v = float64(forward().Data[0])
			return nil
		})
		return v
	})
	for i, g := range x.Grad().Data {
		if !approxEqual(float64(g), expected[i], 2e-2) {
			t.Errorf("grad[%d] = %v, expected %v", i, g, expected[i])
		}
	}
}

func TestConcatNarrowGradient(t *testing.T) {
	a := MustNew([]int{1, 1, 1, 2}, []float32{1, 2})
	b := MustNew([]int{1, 1, 1, 2}, []float32{3, 4})
	a.SetRequiresGrad(true)

	joined, err := Concat(0, a, b)
	if err != nil {
		t.Fatal(err)
	}
	half, err := Narrow(joined, 0, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := Sum(Scale(half, 5)).Backward(); err != nil {
		t.Fatal(err)
	}
	if a.Grad().Data[0] != 5 || a.Grad().Data[1] != 5 {
		t.Errorf("a.grad = %v, expected [5 5]", a.Grad().Data)
	}
	if b.Grad() != nil {
		t.Error("b must not receive a gradient")
	}
}

func TestElementwiseDerivatives(t *testing.T) {
	tests := []struct {
		name     string
		fn       func(*Tensor) *Tensor
		x        float32
		expected float64
	}{
		{"sigmoid", Sigmoid, 0, 0.25},
		{"tanh", Tanh, 0, 1},
		{"log", Log, 2, 0.5},
		{"abs", Abs, -3, -1},
		{"leaky_relu", func(x *Tensor) *Tensor { return LeakyReLU(x, 0.2) }, -1, 0.2},
		{"clamp_inside", func(x *Tensor) *Tensor { return Clamp(x, 0, 1) }, 0.5, 1},
		{"clamp_outside", func(x *Tensor) *Tensor { return Clamp(x, 0, 1) }, 2, 0},
	}

	for _, test := range tests {
		x := MustNew([]int{1}, []float32{test.x})
		x.SetRequiresGrad(true)
		if err := test.fn(x).Backward(); err != nil {
			t.Fatalf("%s: Backward failed: %v", test.name, err)
		}
		if !approxEqual(float64(x.Grad().Data[0]), test.expected, 1e-5) {
			t.Errorf("%s: grad = %v, expected %v", test.name, x.Grad().Data[0], test.expected)
		}
	}
}

func mustMul(t *testing.T, a, b *Tensor) *Tensor {
	t.Helper()
	out, err := Mul(a, b)
	if err != nil {
		t.Fatal(err)
	}
	return out
}
