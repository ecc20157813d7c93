package checkpoints

import (
	"fmt"

	"github.com/tsawler/go-srnet/tensor"
)

// ParameterSet is anything exposing an ordered list of parameter tensors.
type ParameterSet interface {
	Parameters() []*tensor.Tensor
}

// StatefulOptimizer is an optimizer whose internal state can be captured and
// restored. ValidateState must not modify the optimizer.
type StatefulOptimizer interface {
	GetState() (*OptimizerState, error)
	ValidateState(state *OptimizerState) error
	LoadState(state *OptimizerState) error
}

// ModelState groups the six live objects that make up a checkpoint.
type ModelState struct {
	Generator      ParameterSet
	Discriminator1 ParameterSet
	Discriminator2 ParameterSet

	GeneratorOptimizer      StatefulOptimizer
	Discriminator1Optimizer StatefulOptimizer
	Discriminator2Optimizer StatefulOptimizer
}

func (ms ModelState) modules() map[string]ParameterSet {
	return map[string]ParameterSet{
		KeyGenerator:      ms.Generator,
		KeyDiscriminator1: ms.Discriminator1,
		KeyDiscriminator2: ms.Discriminator2,
	}
}

func (ms ModelState) optimizers() map[string]StatefulOptimizer {
	return map[string]StatefulOptimizer{
		KeyGeneratorOptimizer:      ms.GeneratorOptimizer,
		KeyDiscriminator1Optimizer: ms.Discriminator1Optimizer,
		KeyDiscriminator2Optimizer: ms.Discriminator2Optimizer,
	}
}

func (ms ModelState) validate() error {
	for key, m := range ms.modules() {
		if m == nil {
			return fmt.Errorf("model state has no %s", key)
		}
	}
	for key, o := range ms.optimizers() {
		if o == nil {
			return fmt.Errorf("model state has no %s", key)
		}
	}
	return nil
}

// Capture snapshots all six sub-states together with ts.
func (ms ModelState) Capture(ts TrainingState) (*Checkpoint, error) {
	if err := ms.validate(); err != nil {
		return nil, err
	}
	c := &Checkpoint{
		Modules:       make(map[string][]WeightTensor),
		Optimizers:    make(map[string]*OptimizerState),
		TrainingState: ts,
	}
	for key, m := range ms.modules() {
		c.Modules[key] = ExtractWeights(m.Parameters())
	}
	for key, o := range ms.optimizers() {
		state, err := o.GetState()
		if err != nil {
			return nil, fmt.Errorf("failed to capture %s: %v", key, err)
		}
		c.Optimizers[key] = state
	}
	return c, nil
}

// Restore loads every sub-state of c into ms. All sub-states are validated
// before any live object is modified, so a rejected checkpoint leaves ms
// exactly as it was.
func (ms ModelState) Restore(c *Checkpoint) error {
	if err := ms.validate(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	for key, m := range ms.modules() {
		if err := ValidateWeights(c.Modules[key], m.Parameters()); err != nil {
			return fmt.Errorf("%s: %v", key, err)
		}
	}
	for key, o := range ms.optimizers() {
		if err := o.ValidateState(c.Optimizers[key]); err != nil {
			return fmt.Errorf("%s: %v", key, err)
		}
	}

	for key, m := range ms.modules() {
		if err := LoadWeights(c.Modules[key], m.Parameters()); err != nil {
			return fmt.Errorf("%s: %v", key, err)
		}
	}
	for key, o := range ms.optimizers() {
		if err := o.LoadState(c.Optimizers[key]); err != nil {
			return fmt.Errorf("%s: %v", key, err)
		}
	}
	return nil
}

// ExtractWeights copies parameter data out of the live tensors.
func ExtractWeights(params []*tensor.Tensor) []WeightTensor {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		data := make([]float32, len(p.Data))
		copy(data, p.Data)
		weights[i] = WeightTensor{
			Name:  fmt.Sprintf("param.%d", i),
			Shape: append([]int(nil), p.Shape...),
			Data:  data,
		}
	}
	return weights
}

// ValidateWeights checks that weights can be loaded into params without
// modifying anything.
func ValidateWeights(weights []WeightTensor, params []*tensor.Tensor) error {
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d tensors", len(weights), len(params))
	}
	for i, p := range params {
		w := weights[i]
		if !tensor.ShapesEqual(p.Shape, w.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: tensor %v vs weight %v", w.Name, p.Shape, w.Shape)
		}
		if len(w.Data) != p.NumElems {
			return fmt.Errorf("data size mismatch for weight %s: expected %d elements, got %d", w.Name, p.NumElems, len(w.Data))
		}
	}
	return nil
}

// LoadWeights copies weight data into the live parameter tensors in order.
func LoadWeights(weights []WeightTensor, params []*tensor.Tensor) error {
	if err := ValidateWeights(weights, params); err != nil {
		return err
	}
	for i, p := range params {
		copy(p.Data, weights[i].Data)
	}
	return nil
}
