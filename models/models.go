// Package models provides small convolutional reference networks that
// satisfy the engine contracts: a four-headed text-editing generator, a
// patch discriminator and a frozen feature extractor.
package models

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-srnet/engine"
	"github.com/tsawler/go-srnet/layers"
	"github.com/tsawler/go-srnet/tensor"
)

const leakySlope = 0.2

// GeneratorConfig sizes the generator.
type GeneratorConfig struct {
	Features int `json:"features"` // Channels in the shared trunk
}

func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{Features: 32}
}

// Generator encodes the glyph and style images with a shared trunk and
// decodes four maps from it. The trunk ends in a 2x2 valid convolution, so
// every output is one pixel shorter and narrower than the input.
type Generator struct {
	trunk      *layers.Sequential
	skeleton   *layers.Sequential
	text       *layers.Sequential
	background *layers.Sequential
	fusion     *layers.Sequential
}

func NewGenerator(config GeneratorConfig, rng *rand.Rand) (*Generator, error) {
	f := config.Features
	if f <= 0 {
		return nil, fmt.Errorf("generator features must be positive, got %d", f)
	}

	trunk, err := convStack(rng, []convSpec{
		{6, f, 3, 1, 1}, {f, f, 3, 1, 1}, {f, f, 2, 1, 0},
	}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to build generator trunk: %v", err)
	}

	head := func(out int, act layers.Module) (*layers.Sequential, error) {
		s, err := convStack(rng, []convSpec{{f, f, 3, 1, 1}, {f, out, 3, 1, 1}}, false)
		if err != nil {
			return nil, err
		}
		s.Add(act)
		return s, nil
	}

	g := &Generator{trunk: trunk}
	if g.skeleton, err = head(1, layers.NewSigmoid()); err != nil {
		return nil, err
	}
	if g.text, err = head(3, layers.NewTanh()); err != nil {
		return nil, err
	}
	if g.background, err = head(3, layers.NewTanh()); err != nil {
		return nil, err
	}
	if g.fusion, err = head(3, layers.NewTanh()); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Generator) Forward(glyph, style *tensor.Tensor, size [2]int) (engine.GeneratorOutput, error) {
	if len(glyph.Shape) != 4 || glyph.Shape[2] != size[0] || glyph.Shape[3] != size[1] {
		return engine.GeneratorOutput{}, fmt.Errorf("glyph shape %v does not match size %v", glyph.Shape, size)
	}
	x, err := tensor.Concat(1, glyph, style)
	if err != nil {
		return engine.GeneratorOutput{}, err
	}
	h, err := g.trunk.Forward(x)
	if err != nil {
		return engine.GeneratorOutput{}, err
	}

	var out engine.GeneratorOutput
	for _, head := range []struct {
		net *layers.Sequential
		dst **tensor.Tensor
	}{
		{g.skeleton, &out.Skeleton},
		{g.text, &out.Text},
		{g.background, &out.Background},
		{g.fusion, &out.Fusion},
	} {
		if *head.dst, err = head.net.Forward(h); err != nil {
			return engine.GeneratorOutput{}, err
		}
	}
	return out, nil
}

func (g *Generator) modules() []*layers.Sequential {
	return []*layers.Sequential{g.trunk, g.skeleton, g.text, g.background, g.fusion}
}

func (g *Generator) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, m := range g.modules() {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (g *Generator) Train() {
	for _, m := range g.modules() {
		m.Train()
	}
}

func (g *Generator) Eval() {
	for _, m := range g.modules() {
		m.Eval()
	}
}

func (g *Generator) IsTraining() bool {
	return g.trunk.IsTraining()
}

// DiscriminatorConfig sizes a discriminator.
type DiscriminatorConfig struct {
	InChannels int `json:"in_channels"`
	Features   int `json:"features"`
}

func DefaultDiscriminatorConfig() DiscriminatorConfig {
	return DiscriminatorConfig{InChannels: 6, Features: 32}
}

// NewDiscriminator builds a patch critic: two stride-2 convolutions and a
// sigmoid score map.
func NewDiscriminator(config DiscriminatorConfig, rng *rand.Rand) (*layers.Sequential, error) {
	f := config.Features
	if f <= 0 || config.InChannels <= 0 {
		return nil, fmt.Errorf("invalid discriminator configuration %+v", config)
	}
	d, err := convStack(rng, []convSpec{
		{config.InChannels, f, 3, 2, 1}, {f, 2 * f, 3, 2, 1},
	}, true)
	if err != nil {
		return nil, fmt.Errorf("failed to build discriminator: %v", err)
	}
	score, err := layers.NewConv2D(2*f, 1, 3, 1, 1, rng)
	if err != nil {
		return nil, err
	}
	d.Add(score)
	d.Add(layers.NewSigmoid())
	return d, nil
}

// FeatureExtractor is a fixed convolutional pyramid. Its weights are drawn
// once from the seed and never require grad.
type FeatureExtractor struct {
	stages []*layers.Sequential
}

func NewFeatureExtractor(rng *rand.Rand) (*FeatureExtractor, error) {
	specs := [][]convSpec{
		{{3, 8, 3, 1, 1}},
		{{8, 16, 3, 2, 1}},
		{{16, 16, 3, 2, 1}},
	}
	fe := &FeatureExtractor{}
	for _, s := range specs {
		stage, err := convStack(rng, s, true)
		if err != nil {
			return nil, fmt.Errorf("failed to build feature extractor: %v", err)
		}
		fe.stages = append(fe.stages, stage)
	}
	engine.SetTrainable(fe, false)
	return fe, nil
}

// Forward returns the activation after every stage.
func (fe *FeatureExtractor) Forward(x *tensor.Tensor) ([]*tensor.Tensor, error) {
	features := make([]*tensor.Tensor, 0, len(fe.stages))
	for _, s := range fe.stages {
		var err error
		if x, err = s.Forward(x); err != nil {
			return nil, err
		}
		features = append(features, x)
	}
	return features, nil
}

func (fe *FeatureExtractor) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, s := range fe.stages {
		params = append(params, s.Parameters()...)
	}
	return params
}

type convSpec struct {
	in, out, kernel, stride, padding int
}

// convStack chains convolutions with a LeakyReLU between consecutive layers,
// and after the last one too when activate is set.
func convStack(rng *rand.Rand, specs []convSpec, activate bool) (*layers.Sequential, error) {
	s := layers.NewSequential()
	for i, c := range specs {
		conv, err := layers.NewConv2D(c.in, c.out, c.kernel, c.stride, c.padding, rng)
		if err != nil {
			return nil, err
		}
		s.Add(conv)
		if activate || i < len(specs)-1 {
			s.Add(layers.NewLeakyReLU(leakySlope))
		}
	}
	return s, nil
}
