// Package loss implements the adversarial and reconstruction objectives used
// to train the text-editing generator and its two critics.
package loss

import (
	"fmt"
	"sort"

	"github.com/tsawler/go-srnet/tensor"
)

// Weights scales the individual generator loss terms.
type Weights struct {
	Text       float32 `json:"lt"`
	TextAlpha  float32 `json:"lt_alpha"` // skeleton dice
	Background float32 `json:"lb"`
	BackBeta   float32 `json:"lb_beta"` // background L1
	Fusion     float32 `json:"lf"`
	FusTheta1  float32 `json:"lf_theta_1"` // fusion L1
	FusTheta2  float32 `json:"lf_theta_2"` // perceptual
	FusTheta3  float32 `json:"lf_theta_3"` // style
	Epsilon    float32 `json:"epsilon"`
}

// DefaultWeights returns the weights SRNet was published with.
func DefaultWeights() Weights {
	return Weights{
		Text:       1,
		TextAlpha:  1,
		Background: 1,
		BackBeta:   10,
		Fusion:     1,
		FusTheta1:  10,
		FusTheta2:  1,
		FusTheta3:  500,
		Epsilon:    1e-8,
	}
}

// Breakdown term names.
const (
	TermTextSkeleton   = "l_t_sk"
	TermTextL1         = "l_t_l1"
	TermBackgroundGAN  = "l_b_gan"
	TermBackgroundL1   = "l_b_l1"
	TermFusionGAN      = "l_f_gan"
	TermFusionL1       = "l_f_l1"
	TermFusionVGGPer   = "l_f_vgg_per"
	TermFusionVGGStyle = "l_f_vgg_style"
)

// Breakdown holds the unweighted value of each generator loss term.
type Breakdown map[string]float32

// Names returns the term names in sorted order.
func (b Breakdown) Names() []string {
	names := make([]string, 0, len(b))
	for k := range b {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Maps groups the four image maps the generator predicts, or their targets.
type Maps struct {
	Skeleton   *tensor.Tensor
	Text       *tensor.Tensor
	Background *tensor.Tensor
	Fusion     *tensor.Tensor
}

// GeneratorLossInput carries everything the generator objective needs.
// Features holds one activation per extractor layer, each computed on the
// batch concatenation of the real and generated fusion images (real first).
type GeneratorLossInput struct {
	Outputs         Maps
	Targets         Maps
	Mask            *tensor.Tensor
	BackgroundScore *tensor.Tensor // D1 on the generated background pair
	FusionScore     *tensor.Tensor // D2 on the generated fusion pair
	Features        []*tensor.Tensor
}

// DiscriminatorLoss returns -mean(log(real) + log(1 - fake)) with both terms
// clamped away from zero by eps.
func DiscriminatorLoss(real, fake *tensor.Tensor, eps float32) (*tensor.Tensor, error) {
	logReal := tensor.Log(tensor.Clamp(real, eps, 1))
	logFake := tensor.Log(tensor.Clamp(tensor.AddScalar(tensor.Scale(fake, -1), 1), eps, 1))
	sum, err := tensor.Add(logReal, logFake)
	if err != nil {
		return nil, fmt.Errorf("discriminator loss: %w", err)
	}
	return tensor.Scale(tensor.Mean(sum), -1), nil
}

// GeneratorLoss computes the weighted SRNet generator objective and the
// unweighted value of every term.
func GeneratorLoss(in GeneratorLossInput, w Weights) (*tensor.Tensor, Breakdown, error) {
	tSk, err := dice(in.Targets.Skeleton, in.Outputs.Skeleton, w.Epsilon)
	if err != nil {
		return nil, nil, fmt.Errorf("skeleton loss: %w", err)
	}
	tL1, err := maskedL1(in.Targets.Text, in.Outputs.Text, in.Mask)
	if err != nil {
		return nil, nil, fmt.Errorf("text loss: %w", err)
	}
	bGAN := gan(in.BackgroundScore, w.Epsilon)
	bL1, err := l1(in.Targets.Background, in.Outputs.Background)
	if err != nil {
		return nil, nil, fmt.Errorf("background loss: %w", err)
	}
	fGAN := gan(in.FusionScore, w.Epsilon)
	fL1, err := l1(in.Targets.Fusion, in.Outputs.Fusion)
	if err != nil {
		return nil, nil, fmt.Errorf("fusion loss: %w", err)
	}
	fPer, err := perceptual(in.Features)
	if err != nil {
		return nil, nil, fmt.Errorf("perceptual loss: %w", err)
	}
	fStyle, err := style(in.Features)
	if err != nil {
		return nil, nil, fmt.Errorf("style loss: %w", err)
	}

	lt, err := weightedSum(term{tL1, 1}, term{tSk, w.TextAlpha})
	if err != nil {
		return nil, nil, err
	}
	lb, err := weightedSum(term{bGAN, 1}, term{bL1, w.BackBeta})
	if err != nil {
		return nil, nil, err
	}
	lf, err := weightedSum(term{fGAN, 1}, term{fL1, w.FusTheta1}, term{fPer, w.FusTheta2}, term{fStyle, w.FusTheta3})
	if err != nil {
		return nil, nil, err
	}
	total, err := weightedSum(term{lt, w.Text}, term{lb, w.Background}, term{lf, w.Fusion})
	if err != nil {
		return nil, nil, err
	}

	breakdown := Breakdown{
		TermTextSkeleton:   tSk.Data[0],
		TermTextL1:         tL1.Data[0],
		TermBackgroundGAN:  bGAN.Data[0],
		TermBackgroundL1:   bL1.Data[0],
		TermFusionGAN:      fGAN.Data[0],
		TermFusionL1:       fL1.Data[0],
		TermFusionVGGPer:   fPer.Data[0],
		TermFusionVGGStyle: fStyle.Data[0],
	}
	return total, breakdown, nil
}

type term struct {
	value  *tensor.Tensor
	weight float32
}

func weightedSum(terms ...term) (*tensor.Tensor, error) {
	var total *tensor.Tensor
	for _, t := range terms {
		scaled := tensor.Scale(t.value, t.weight)
		if total == nil {
			total = scaled
			continue
		}
		var err error
		if total, err = tensor.Add(total, scaled); err != nil {
			return nil, err
		}
	}
	return total, nil
}

func gan(score *tensor.Tensor, eps float32) *tensor.Tensor {
	return tensor.Scale(tensor.Mean(tensor.Log(tensor.Clamp(score, eps, 1))), -1)
}

func l1(target, output *tensor.Tensor) (*tensor.Tensor, error) {
	diff, err := tensor.Sub(target, output)
	if err != nil {
		return nil, err
	}
	return tensor.Mean(tensor.Abs(diff)), nil
}

// dice returns 1 - (2*sum(t*o) + eps) / (sum(t) + sum(o) + eps).
func dice(target, output *tensor.Tensor, eps float32) (*tensor.Tensor, error) {
	prod, err := tensor.Mul(target, output)
	if err != nil {
		return nil, err
	}
	num := tensor.AddScalar(tensor.Scale(tensor.Sum(prod), 2), eps)
	den, err := tensor.Add(tensor.Sum(target), tensor.Sum(output))
	if err != nil {
		return nil, err
	}
	ratio, err := tensor.Div(num, tensor.AddScalar(den, eps))
	if err != nil {
		return nil, err
	}
	return tensor.AddScalar(tensor.Scale(ratio, -1), 1), nil
}

// maskedL1 balances the L1 error inside and outside a single-channel mask by
// the fraction of the image the mask does not cover.
func maskedL1(target, output, mask *tensor.Tensor) (*tensor.Tensor, error) {
	if mask == nil || len(mask.Shape) != 4 || mask.Shape[1] != 1 {
		return nil, fmt.Errorf("mask must be [N,1,H,W]")
	}
	var covered float64
	for _, v := range mask.Data {
		covered += float64(v)
	}
	ratio := float32(1 - covered/float64(mask.NumElems))

	channels := make([]*tensor.Tensor, target.Shape[1])
	for i := range channels {
		channels[i] = mask
	}
	m, err := tensor.Concat(1, channels...)
	if err != nil {
		return nil, err
	}
	diff, err := tensor.Sub(target, output)
	if err != nil {
		return nil, err
	}
	abs := tensor.Abs(diff)
	inside, err := tensor.Mul(abs, m)
	if err != nil {
		return nil, err
	}
	outside, err := tensor.Mul(abs, tensor.AddScalar(tensor.Scale(m, -1), 1))
	if err != nil {
		return nil, err
	}
	return weightedSum(term{tensor.Mean(inside), ratio}, term{tensor.Mean(outside), 1 - ratio})
}

func halves(f *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if f.Shape[0]%2 != 0 {
		return nil, nil, fmt.Errorf("feature batch %d is not a real/fake pair", f.Shape[0])
	}
	n := f.Shape[0] / 2
	truth, err := tensor.Narrow(f, 0, 0, n)
	if err != nil {
		return nil, nil, err
	}
	pred, err := tensor.Narrow(f, 0, n, n)
	if err != nil {
		return nil, nil, err
	}
	return truth, pred, nil
}

// perceptual sums the L1 distance between real and generated activations
// over all feature layers.
func perceptual(features []*tensor.Tensor) (*tensor.Tensor, error) {
	total := tensor.Scalar(0)
	for _, f := range features {
		truth, pred, err := halves(f)
		if err != nil {
			return nil, err
		}
		d, err := l1(truth, pred)
		if err != nil {
			return nil, err
		}
		if total, err = tensor.Add(total, d); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// style sums the L1 distance between Gram matrices of real and generated
// activations, each layer scaled by the inverse size of one half.
func style(features []*tensor.Tensor) (*tensor.Tensor, error) {
	total := tensor.Scalar(0)
	for _, f := range features {
		truth, pred, err := halves(f)
		if err != nil {
			return nil, err
		}
		gReal, err := tensor.Gram(truth)
		if err != nil {
			return nil, err
		}
		gFake, err := tensor.Gram(pred)
		if err != nil {
			return nil, err
		}
		d, err := l1(gReal, gFake)
		if err != nil {
			return nil, err
		}
		if total, err = tensor.Add(total, tensor.Scale(d, 1/float32(truth.NumElems))); err != nil {
			return nil, err
		}
	}
	return total, nil
}
