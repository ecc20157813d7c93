// Package engine runs one adversarial training iteration: a critic update of
// both discriminators followed by a generator update, with the gradient gate
// deciding which network may learn in each phase.
package engine

import (
	"github.com/tsawler/go-srnet/layers"
	"github.com/tsawler/go-srnet/loss"
	"github.com/tsawler/go-srnet/tensor"
)

// GeneratorOutput holds the four maps the generator predicts, NCHW.
type GeneratorOutput struct {
	Skeleton   *tensor.Tensor
	Text       *tensor.Tensor
	Background *tensor.Tensor
	Fusion     *tensor.Tensor
}

func (o GeneratorOutput) maps() []*tensor.Tensor {
	return []*tensor.Tensor{o.Skeleton, o.Text, o.Background, o.Fusion}
}

// Generator edits the text of a style image. size is the (height, width) of
// the inputs.
type Generator interface {
	layers.Parameterized
	Forward(glyph, style *tensor.Tensor, size [2]int) (GeneratorOutput, error)
}

// Discriminator scores an image pair, one probability per output location.
type Discriminator interface {
	layers.Parameterized
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// FeatureExtractor returns intermediate activations used by perceptual and
// style terms. It is never trained.
type FeatureExtractor interface {
	Forward(x *tensor.Tensor) ([]*tensor.Tensor, error)
}

// DiscriminatorLossFunc scores a critic from its outputs on real and
// generated pairs.
type DiscriminatorLossFunc func(real, fake *tensor.Tensor) (*tensor.Tensor, error)

// GeneratorLossFunc returns the scalar generator objective and its
// per-term breakdown.
type GeneratorLossFunc func(in loss.GeneratorLossInput) (*tensor.Tensor, loss.Breakdown, error)

// Losses bundles the two objectives.
type Losses struct {
	Discriminator DiscriminatorLossFunc
	Generator     GeneratorLossFunc
}

// DefaultLosses returns the SRNet objectives with weights w.
func DefaultLosses(w loss.Weights) Losses {
	return Losses{
		Discriminator: func(real, fake *tensor.Tensor) (*tensor.Tensor, error) {
			return loss.DiscriminatorLoss(real, fake, w.Epsilon)
		},
		Generator: func(in loss.GeneratorLossInput) (*tensor.Tensor, loss.Breakdown, error) {
			return loss.GeneratorLoss(in, w)
		},
	}
}
