package layers

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/tsawler/go-srnet/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Conv2DLayer LayerType = iota
	LeakyReLULayer
	TanhLayer
	SigmoidLayer
	SequentialLayer
)

func (lt LayerType) String() string {
	switch lt {
	case Conv2DLayer:
		return "Conv2D"
	case LeakyReLULayer:
		return "LeakyReLU"
	case TanhLayer:
		return "Tanh"
	case SigmoidLayer:
		return "Sigmoid"
	case SequentialLayer:
		return "Sequential"
	default:
		return "Unknown"
	}
}

// Parameterized is anything that owns parameter tensors.
type Parameterized interface {
	Parameters() []*tensor.Tensor
}

// Module is implemented by every layer and network. Parameters returns all
// parameter tensors in a stable order, whether or not they currently
// require grad.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	Train()
	Eval()
	IsTraining() bool
}

// Conv2D is a learnable 2-D convolution with bias.
type Conv2D struct {
	Weight   *tensor.Tensor
	Bias     *tensor.Tensor
	Stride   int
	Padding  int
	training bool
}

// NewConv2D creates a convolution with Kaiming-uniform weights drawn from rng.
func NewConv2D(inChannels, outChannels, kernelSize, stride, padding int, rng *rand.Rand) (*Conv2D, error) {
	if inChannels <= 0 || outChannels <= 0 || kernelSize <= 0 {
		return nil, fmt.Errorf("invalid conv2d configuration: in=%d out=%d kernel=%d", inChannels, outChannels, kernelSize)
	}
	fanIn := inChannels * kernelSize * kernelSize
	bound := float32(1 / math.Sqrt(float64(fanIn)))

	weight, err := tensor.RandomUniform([]int{outChannels, inChannels, kernelSize, kernelSize}, -bound, bound, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	bias, err := tensor.RandomUniform([]int{outChannels}, -bound, bound, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create bias tensor: %v", err)
	}
	weight.SetRequiresGrad(true)
	bias.SetRequiresGrad(true)

	return &Conv2D{Weight: weight, Bias: bias, Stride: stride, Padding: padding, training: true}, nil
}

func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2D(input, c.Weight, c.Bias, c.Stride, c.Padding)
}

func (c *Conv2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{c.Weight, c.Bias}
}

func (c *Conv2D) Train()           { c.training = true }
func (c *Conv2D) Eval()            { c.training = false }
func (c *Conv2D) IsTraining() bool { return c.training }

// activation wraps a parameter-free element-wise function.
type activation struct {
	kind     LayerType
	fn       func(*tensor.Tensor) *tensor.Tensor
	training bool
}

func (a *activation) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return a.fn(input), nil
}

func (a *activation) Parameters() []*tensor.Tensor { return nil }
func (a *activation) Train()                       { a.training = true }
func (a *activation) Eval()                        { a.training = false }
func (a *activation) IsTraining() bool             { return a.training }
func (a *activation) String() string               { return a.kind.String() }

func NewLeakyReLU(negativeSlope float32) Module {
	return &activation{
		kind:     LeakyReLULayer,
		fn:       func(x *tensor.Tensor) *tensor.Tensor { return tensor.LeakyReLU(x, negativeSlope) },
		training: true,
	}
}

func NewTanh() Module {
	return &activation{kind: TanhLayer, fn: tensor.Tanh, training: true}
}

func NewSigmoid() Module {
	return &activation{kind: SigmoidLayer, fn: tensor.Sigmoid, training: true}
}

// Sequential allows chaining multiple modules together
type Sequential struct {
	modules  []Module
	training bool
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{
		modules:  modules,
		training: true,
	}
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	var err error

	for i, module := range s.modules {
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %v", i, err)
		}
	}

	return output, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var allParams []*tensor.Tensor
	for _, module := range s.modules {
		allParams = append(allParams, module.Parameters()...)
	}
	return allParams
}

func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

func (s *Sequential) IsTraining() bool {
	return s.training
}

func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

func (s *Sequential) Len() int {
	return len(s.modules)
}

// CountParameters returns the total number of scalar parameters in m.
func CountParameters(m Parameterized) int64 {
	var n int64
	for _, p := range m.Parameters() {
		n += int64(p.NumElems)
	}
	return n
}

// Summary renders a one-line-per-tensor description of m's parameters.
func Summary(name string, m Parameterized) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s parameters\n", name, humanize.Comma(CountParameters(m)))
	for i, p := range m.Parameters() {
		fmt.Fprintf(&sb, "  param.%d %v\n", i, p.Shape)
	}
	return sb.String()
}
