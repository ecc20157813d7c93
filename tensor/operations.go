package tensor

import (
	"fmt"
	"math"
)

func checkSameShape(op string, a, b *Tensor) error {
	if !shapesEqual(a.Shape, b.Shape) {
		return fmt.Errorf("%s: incompatible shapes %v and %v", op, a.Shape, b.Shape)
	}
	return nil
}

func like(t *Tensor) *Tensor {
	return MustNew(t.Shape, make([]float32, t.NumElems))
}

// unaryOp covers element-wise operations whose derivative depends only on
// the input and output values at the same position.
type unaryOp struct {
	input  *Tensor
	output *Tensor
	deriv  func(x, y float32) float32
}

func (op *unaryOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *unaryOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := like(op.input)
	for i, g := range gradOut.Data {
		grad.Data[i] = g * op.deriv(op.input.Data[i], op.output.Data[i])
	}
	return []*Tensor{grad}, nil
}

func unary(a *Tensor, f func(float32) float32, deriv func(x, y float32) float32) *Tensor {
	out := like(a)
	for i, v := range a.Data {
		out.Data[i] = f(v)
	}
	return record(out, &unaryOp{input: a, output: out, deriv: deriv}, a)
}

type binaryOp struct {
	a, b  *Tensor
	gradA func(g, a, b float32) float32
	gradB func(g, a, b float32) float32
}

func (op *binaryOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *binaryOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	var ga, gb *Tensor
	if op.a.requiresGrad {
		ga = like(op.a)
		for i, g := range gradOut.Data {
			ga.Data[i] = op.gradA(g, op.a.Data[i], op.b.Data[i])
		}
	}
	if op.b.requiresGrad {
		gb = like(op.b)
		for i, g := range gradOut.Data {
			gb.Data[i] = op.gradB(g, op.a.Data[i], op.b.Data[i])
		}
	}
	return []*Tensor{ga, gb}, nil
}

func binary(name string, a, b *Tensor, f func(a, b float32) float32, op *binaryOp) (*Tensor, error) {
	if err := checkSameShape(name, a, b); err != nil {
		return nil, err
	}
	out := like(a)
	for i := range a.Data {
		out.Data[i] = f(a.Data[i], b.Data[i])
	}
	op.a, op.b = a, b
	return record(out, op, a, b), nil
}

func Add(a, b *Tensor) (*Tensor, error) {
	return binary("add", a, b, func(x, y float32) float32 { return x + y }, &binaryOp{
		gradA: func(g, _, _ float32) float32 { return g },
		gradB: func(g, _, _ float32) float32 { return g },
	})
}

func Sub(a, b *Tensor) (*Tensor, error) {
	return binary("sub", a, b, func(x, y float32) float32 { return x - y }, &binaryOp{
		gradA: func(g, _, _ float32) float32 { return g },
		gradB: func(g, _, _ float32) float32 { return -g },
	})
}

func Mul(a, b *Tensor) (*Tensor, error) {
	return binary("mul", a, b, func(x, y float32) float32 { return x * y }, &binaryOp{
		gradA: func(g, _, y float32) float32 { return g * y },
		gradB: func(g, x, _ float32) float32 { return g * x },
	})
}

func Div(a, b *Tensor) (*Tensor, error) {
	return binary("div", a, b, func(x, y float32) float32 { return x / y }, &binaryOp{
		gradA: func(g, _, y float32) float32 { return g / y },
		gradB: func(g, x, y float32) float32 { return -g * x / (y * y) },
	})
}

// Scale multiplies every element by s.
func Scale(a *Tensor, s float32) *Tensor {
	return unary(a,
		func(x float32) float32 { return x * s },
		func(_, _ float32) float32 { return s })
}

// AddScalar adds s to every element.
func AddScalar(a *Tensor, s float32) *Tensor {
	return unary(a,
		func(x float32) float32 { return x + s },
		func(_, _ float32) float32 { return 1 })
}

func Abs(a *Tensor) *Tensor {
	return unary(a,
		func(x float32) float32 {
			if x < 0 {
				return -x
			}
			return x
		},
		func(x, _ float32) float32 {
			switch {
			case x > 0:
				return 1
			case x < 0:
				return -1
			}
			return 0
		})
}

// Log is the natural logarithm.
func Log(a *Tensor) *Tensor {
	return unary(a,
		func(x float32) float32 { return float32(math.Log(float64(x))) },
		func(x, _ float32) float32 { return 1 / x })
}

// Clamp limits every element to [lo, hi]. Gradient flows only where the
// input was inside the range.
func Clamp(a *Tensor, lo, hi float32) *Tensor {
	return unary(a,
		func(x float32) float32 {
			if x < lo {
				return lo
			}
			if x > hi {
				return hi
			}
			return x
		},
		func(x, _ float32) float32 {
			if x < lo || x > hi {
				return 0
			}
			return 1
		})
}

func Sigmoid(a *Tensor) *Tensor {
	return unary(a,
		func(x float32) float32 { return float32(1 / (1 + math.Exp(-float64(x)))) },
		func(_, y float32) float32 { return y * (1 - y) })
}

func Tanh(a *Tensor) *Tensor {
	return unary(a,
		func(x float32) float32 { return float32(math.Tanh(float64(x))) },
		func(_, y float32) float32 { return 1 - y*y })
}

func ReLU(a *Tensor) *Tensor {
	return LeakyReLU(a, 0)
}

func LeakyReLU(a *Tensor, slope float32) *Tensor {
	return unary(a,
		func(x float32) float32 {
			if x > 0 {
				return x
			}
			return x * slope
		},
		func(x, _ float32) float32 {
			if x > 0 {
				return 1
			}
			return slope
		})
}

type reduceOp struct {
	input *Tensor
	scale float32
}

func (op *reduceOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *reduceOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := like(op.input)
	g := gradOut.Data[0] * op.scale
	for i := range grad.Data {
		grad.Data[i] = g
	}
	return []*Tensor{grad}, nil
}

// Sum reduces all elements to a tensor of shape [1].
func Sum(a *Tensor) *Tensor {
	var s float64
	for _, v := range a.Data {
		s += float64(v)
	}
	return record(Scalar(float32(s)), &reduceOp{input: a, scale: 1}, a)
}

// Mean reduces all elements to their average, shape [1].
func Mean(a *Tensor) *Tensor {
	var s float64
	for _, v := range a.Data {
		s += float64(v)
	}
	n := float32(a.NumElems)
	return record(Scalar(float32(s/float64(a.NumElems))), &reduceOp{input: a, scale: 1 / n}, a)
}
