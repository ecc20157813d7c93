package engine

import (
	"fmt"
	"math"

	"github.com/tsawler/go-srnet/checkpoints"
	"github.com/tsawler/go-srnet/loss"
	"github.com/tsawler/go-srnet/optimizer"
	"github.com/tsawler/go-srnet/tensor"
	"github.com/tsawler/go-srnet/vision/dataloader"
)

// DefaultClipValue bounds discriminator weights after every critic update.
const DefaultClipValue = 0.01

// Networks are the models the engine trains or consults.
type Networks struct {
	Generator      Generator
	Discriminator1 Discriminator // background critic
	Discriminator2 Discriminator // fusion critic
	Features       FeatureExtractor
}

// Optimizers update one network each.
type Optimizers struct {
	Generator      optimizer.Optimizer
	Discriminator1 optimizer.Optimizer
	Discriminator2 optimizer.Optimizer
}

// Config tunes the step engine.
type Config struct {
	ClipValue float32 // Discriminator weights are clamped to [-ClipValue, ClipValue]
}

// CriticResult holds the discriminator losses of one critic update.
type CriticResult struct {
	BackgroundLoss float32 // D1
	FusionLoss     float32 // D2
}

// GeneratorResult holds the generator loss of one generator update.
type GeneratorResult struct {
	Loss      float32
	Breakdown loss.Breakdown
}

// StepResult is the outcome of a full iteration.
type StepResult struct {
	GeneratorLoss  float32
	BackgroundLoss float32
	FusionLoss     float32
	Breakdown      loss.Breakdown
}

// StepEngine owns the networks and optimizers and performs the two-phase
// adversarial update. It is not safe for concurrent use.
type StepEngine struct {
	nets   Networks
	opts   Optimizers
	losses Losses
	config Config
	gate   *Gate
}

func NewStepEngine(nets Networks, opts Optimizers, losses Losses, config Config) (*StepEngine, error) {
	if nets.Generator == nil || nets.Discriminator1 == nil || nets.Discriminator2 == nil || nets.Features == nil {
		return nil, fmt.Errorf("generator, both discriminators and the feature extractor are required")
	}
	if opts.Generator == nil || opts.Discriminator1 == nil || opts.Discriminator2 == nil {
		return nil, fmt.Errorf("all three optimizers are required")
	}
	if losses.Discriminator == nil || losses.Generator == nil {
		return nil, fmt.Errorf("both loss functions are required")
	}
	if config.ClipValue <= 0 {
		config.ClipValue = DefaultClipValue
	}
	return &StepEngine{
		nets:   nets,
		opts:   opts,
		losses: losses,
		config: config,
		gate:   NewGate(nets.Generator, nets.Discriminator1, nets.Discriminator2),
	}, nil
}

// Step runs the critic phase and then the generator phase on the same batch.
// When the generator loss diverges the critic update has already been
// applied; it is kept and its losses are returned with the error.
func (e *StepEngine) Step(batch *dataloader.Batch) (StepResult, error) {
	critic, err := e.CriticStep(batch)
	if err != nil {
		return StepResult{}, err
	}
	gen, err := e.GeneratorStep(batch)
	if err != nil {
		return StepResult{
			BackgroundLoss: critic.BackgroundLoss,
			FusionLoss:     critic.FusionLoss,
		}, err
	}
	return StepResult{
		GeneratorLoss:  gen.Loss,
		BackgroundLoss: critic.BackgroundLoss,
		FusionLoss:     critic.FusionLoss,
		Breakdown:      gen.Breakdown,
	}, nil
}

// CriticStep updates both discriminators against a frozen generator and
// then clips their weights.
func (e *StepEngine) CriticStep(batch *dataloader.Batch) (CriticResult, error) {
	e.gate.Enter(CriticPhase)
	e.opts.Discriminator1.ZeroGrad()
	e.opts.Discriminator2.ZeroGrad()

	out, err := e.generate(batch)
	if err != nil {
		return CriticResult{}, err
	}

	bgLoss, err := e.criticLoss(e.nets.Discriminator1, batch.Background, out.Background, batch.Style)
	if err != nil {
		return CriticResult{}, fmt.Errorf("background critic: %w", err)
	}
	fusLoss, err := e.criticLoss(e.nets.Discriminator2, batch.Fusion, out.Fusion, batch.Glyph)
	if err != nil {
		return CriticResult{}, fmt.Errorf("fusion critic: %w", err)
	}

	result := CriticResult{BackgroundLoss: bgLoss.Data[0], FusionLoss: fusLoss.Data[0]}
	if !finite(result.BackgroundLoss) {
		return result, &DivergenceError{Phase: CriticPhase, Loss: "D_bg", Value: result.BackgroundLoss}
	}
	if !finite(result.FusionLoss) {
		return result, &DivergenceError{Phase: CriticPhase, Loss: "D_fus", Value: result.FusionLoss}
	}

	if err := bgLoss.Backward(); err != nil {
		return result, fmt.Errorf("background critic backward: %w", err)
	}
	if err := fusLoss.Backward(); err != nil {
		return result, fmt.Errorf("fusion critic backward: %w", err)
	}
	if err := e.opts.Discriminator1.Step(); err != nil {
		return result, fmt.Errorf("background critic step: %w", err)
	}
	if err := e.opts.Discriminator2.Step(); err != nil {
		return result, fmt.Errorf("fusion critic step: %w", err)
	}

	clip(e.nets.Discriminator1.Parameters(), e.config.ClipValue)
	clip(e.nets.Discriminator2.Parameters(), e.config.ClipValue)
	return result, nil
}

// criticLoss scores the real pair (target ‖ condition) against the generated
// pair (output ‖ condition) in a single discriminator pass.
func (e *StepEngine) criticLoss(d Discriminator, target, output, condition *tensor.Tensor) (*tensor.Tensor, error) {
	real, err := tensor.Concat(1, target, condition)
	if err != nil {
		return nil, err
	}
	fake, err := tensor.Concat(1, output, condition)
	if err != nil {
		return nil, err
	}
	both, err := tensor.Concat(0, real, fake)
	if err != nil {
		return nil, err
	}
	scores, err := d.Forward(both)
	if err != nil {
		return nil, err
	}
	n := target.Shape[0]
	realScore, err := tensor.Narrow(scores, 0, 0, n)
	if err != nil {
		return nil, err
	}
	fakeScore, err := tensor.Narrow(scores, 0, n, n)
	if err != nil {
		return nil, err
	}
	return e.losses.Discriminator(realScore, fakeScore)
}

// GeneratorStep updates the generator against frozen discriminators. The
// gate is always returned to the critic phase.
func (e *StepEngine) GeneratorStep(batch *dataloader.Batch) (GeneratorResult, error) {
	e.gate.Enter(GeneratorPhase)
	defer e.gate.Enter(CriticPhase)
	e.opts.Generator.ZeroGrad()

	out, err := e.generate(batch)
	if err != nil {
		return GeneratorResult{}, err
	}

	bgPair, err := tensor.Concat(1, out.Background, batch.Style)
	if err != nil {
		return GeneratorResult{}, err
	}
	bgScore, err := e.nets.Discriminator1.Forward(bgPair)
	if err != nil {
		return GeneratorResult{}, fmt.Errorf("background critic: %w", err)
	}
	fusPair, err := tensor.Concat(1, out.Fusion, batch.Glyph)
	if err != nil {
		return GeneratorResult{}, err
	}
	fusScore, err := e.nets.Discriminator2.Forward(fusPair)
	if err != nil {
		return GeneratorResult{}, fmt.Errorf("fusion critic: %w", err)
	}

	featureInput, err := tensor.Concat(0, batch.Fusion, out.Fusion)
	if err != nil {
		return GeneratorResult{}, err
	}
	features, err := e.nets.Features.Forward(featureInput)
	if err != nil {
		return GeneratorResult{}, fmt.Errorf("feature extractor: %w", err)
	}

	total, breakdown, err := e.losses.Generator(loss.GeneratorLossInput{
		Outputs: loss.Maps(out),
		Targets: loss.Maps{
			Skeleton:   batch.Skeleton,
			Text:       batch.Text,
			Background: batch.Background,
			Fusion:     batch.Fusion,
		},
		Mask:            batch.Mask,
		BackgroundScore: bgScore,
		FusionScore:     fusScore,
		Features:        features,
	})
	if err != nil {
		return GeneratorResult{}, fmt.Errorf("generator loss: %w", err)
	}

	result := GeneratorResult{Loss: total.Data[0], Breakdown: breakdown}
	if !finite(result.Loss) {
		return result, &DivergenceError{Phase: GeneratorPhase, Loss: "Gen", Value: result.Loss}
	}
	if err := total.Backward(); err != nil {
		return result, fmt.Errorf("generator backward: %w", err)
	}
	if err := e.opts.Generator.Step(); err != nil {
		return result, fmt.Errorf("generator step: %w", err)
	}
	return result, nil
}

// generate runs the generator on the batch inputs and pads its outputs back
// to the batch size.
func (e *StepEngine) generate(batch *dataloader.Batch) (GeneratorOutput, error) {
	h, w := batch.Glyph.Shape[2], batch.Glyph.Shape[3]
	raw, err := e.nets.Generator.Forward(batch.Glyph, batch.Style, [2]int{h, w})
	if err != nil {
		return GeneratorOutput{}, fmt.Errorf("generator forward: %w", err)
	}
	out, err := AlignOutputs(raw)
	if err != nil {
		return GeneratorOutput{}, err
	}
	for _, m := range out.maps() {
		if m.Shape[2] != h || m.Shape[3] != w {
			return GeneratorOutput{}, fmt.Errorf("aligned generator output is %dx%d, batch is %dx%d",
				m.Shape[3], m.Shape[2], w, h)
		}
	}
	return out, nil
}

// Generate runs the generator without recording gradients and returns its
// raw, unpadded outputs. Trainable flags and optimizer state are not touched.
func (e *StepEngine) Generate(glyph, style *tensor.Tensor) (GeneratorOutput, error) {
	var out GeneratorOutput
	err := tensor.NoGrad(func() error {
		var err error
		out, err = e.nets.Generator.Forward(glyph, style, [2]int{glyph.Shape[2], glyph.Shape[3]})
		if err != nil {
			return fmt.Errorf("generator forward: %w", err)
		}
		return nil
	})
	return out, err
}

// ModelState exposes the networks and optimizers for checkpointing.
func (e *StepEngine) ModelState() checkpoints.ModelState {
	return checkpoints.ModelState{
		Generator:               e.nets.Generator,
		Discriminator1:          e.nets.Discriminator1,
		Discriminator2:          e.nets.Discriminator2,
		GeneratorOptimizer:      e.opts.Generator,
		Discriminator1Optimizer: e.opts.Discriminator1,
		Discriminator2Optimizer: e.opts.Discriminator2,
	}
}

// Phase returns the gate's current phase.
func (e *StepEngine) Phase() Phase {
	return e.gate.Phase()
}

// LearningRates returns the generator and discriminator learning rates.
func (e *StepEngine) LearningRates() (generator, discriminator float32) {
	return e.opts.Generator.GetLearningRate(), e.opts.Discriminator1.GetLearningRate()
}

// SetLearningRates updates all three optimizers.
func (e *StepEngine) SetLearningRates(generator, discriminator float32) {
	e.opts.Generator.UpdateLearningRate(generator)
	e.opts.Discriminator1.UpdateLearningRate(discriminator)
	e.opts.Discriminator2.UpdateLearningRate(discriminator)
}

func clip(params []*tensor.Tensor, bound float32) {
	for _, p := range params {
		for i, v := range p.Data {
			if v > bound {
				p.Data[i] = bound
			} else if v < -bound {
				p.Data[i] = -bound
			}
		}
	}
}

func finite(v float32) bool {
	return !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0)
}
