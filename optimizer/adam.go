package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-srnet/checkpoints"
	"github.com/tsawler/go-srnet/tensor"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam keeps first and second moment estimates for each managed parameter.
type Adam struct {
	config    AdamConfig
	params    []*tensor.Tensor
	momentum  [][]float32
	variance  [][]float32
	stepCount uint64
}

var _ Optimizer = (*Adam)(nil)

func NewAdam(config AdamConfig, params []*tensor.Tensor) (*Adam, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}

	adam := &Adam{
		config:   config,
		params:   params,
		momentum: make([][]float32, len(params)),
		variance: make([][]float32, len(params)),
	}
	for i, p := range params {
		adam.momentum[i] = make([]float32, p.NumElems)
		adam.variance[i] = make([]float32, p.NumElems)
	}
	return adam, nil
}

func (a *Adam) Step() error {
	a.stepCount++
	t := float64(a.stepCount)
	b1, b2 := float64(a.config.Beta1), float64(a.config.Beta2)
	biasCorrection1 := 1 - math.Pow(b1, t)
	biasCorrection2 := 1 - math.Pow(b2, t)
	stepSize := float64(a.config.LearningRate) / biasCorrection1
	eps := float64(a.config.Epsilon)
	wd := float64(a.config.WeightDecay)

	for i, p := range a.params {
		grad := p.Grad()
		if !p.RequiresGrad() || grad == nil {
			continue
		}
		if len(grad.Data) != len(p.Data) {
			return fmt.Errorf("gradient size mismatch for parameter %d: %d vs %d", i, len(grad.Data), len(p.Data))
		}
		m, v := a.momentum[i], a.variance[i]
		for j, g32 := range grad.Data {
			g := float64(g32)
			if wd != 0 {
				g += wd * float64(p.Data[j])
			}
			mj := b1*float64(m[j]) + (1-b1)*g
			vj := b2*float64(v[j]) + (1-b2)*g*g
			m[j], v[j] = float32(mj), float32(vj)
			denom := math.Sqrt(vj)/math.Sqrt(biasCorrection2) + eps
			p.Data[j] -= float32(stepSize * mj / denom)
		}
	}
	return nil
}

func (a *Adam) ZeroGrad() {
	tensor.ZeroGrad(a.params)
}

func (a *Adam) GetStepCount() uint64 {
	return a.stepCount
}

func (a *Adam) GetLearningRate() float32 {
	return a.config.LearningRate
}

func (a *Adam) UpdateLearningRate(lr float32) {
	a.config.LearningRate = lr
}

func (a *Adam) Parameters() []*tensor.Tensor {
	return a.params
}

// GetState extracts optimizer state for checkpointing
func (a *Adam) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": float64(a.config.LearningRate),
			"beta1":         float64(a.config.Beta1),
			"beta2":         float64(a.config.Beta2),
			"epsilon":       float64(a.config.Epsilon),
			"weight_decay":  float64(a.config.WeightDecay),
			"step_count":    float64(a.stepCount),
		},
		StateData: make([]checkpoints.OptimizerTensor, 0, 2*len(a.params)),
	}
	for i, p := range a.params {
		state.StateData = append(state.StateData,
			checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("m_%d", i),
				Shape:     append([]int(nil), p.Shape...),
				Data:      append([]float32(nil), a.momentum[i]...),
				StateType: "m",
			},
			checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("v_%d", i),
				Shape:     append([]int(nil), p.Shape...),
				Data:      append([]float32(nil), a.variance[i]...),
				StateType: "v",
			})
	}
	return state, nil
}

func (a *Adam) ValidateState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	for _, key := range []string{"learning_rate", "beta1", "beta2", "epsilon", "step_count"} {
		if !hasNumberParam(state.Parameters, key) {
			return fmt.Errorf("adam state is missing %s", key)
		}
	}
	if len(state.StateData) != 2*len(a.params) {
		return fmt.Errorf("adam state has %d buffers, expected %d", len(state.StateData), 2*len(a.params))
	}

	seen := make(map[string]bool, len(state.StateData))
	for _, st := range state.StateData {
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(a.params) {
			return fmt.Errorf("invalid buffer index in %q", st.Name)
		}
		if st.StateType != "m" && st.StateType != "v" {
			return fmt.Errorf("unknown adam buffer type %q", st.StateType)
		}
		key := fmt.Sprintf("%s_%d", st.StateType, idx)
		if seen[key] {
			return fmt.Errorf("duplicate adam buffer %s", key)
		}
		seen[key] = true

		p := a.params[idx]
		if !tensor.ShapesEqual(st.Shape, p.Shape) {
			return fmt.Errorf("shape mismatch for %s: expected %v, got %v", st.Name, p.Shape, st.Shape)
		}
		if len(st.Data) != p.NumElems {
			return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d", st.Name, p.NumElems, len(st.Data))
		}
	}
	return nil
}

// LoadState restores optimizer state from checkpoint
func (a *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := a.ValidateState(state); err != nil {
		return err
	}

	a.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", a.config.LearningRate)
	a.config.Beta1 = extractFloat32Param(state.Parameters, "beta1", a.config.Beta1)
	a.config.Beta2 = extractFloat32Param(state.Parameters, "beta2", a.config.Beta2)
	a.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", a.config.Epsilon)
	a.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", a.config.WeightDecay)
	a.stepCount = extractUint64Param(state.Parameters, "step_count", a.stepCount)

	for _, st := range state.StateData {
		idx := extractBufferIndex(st.Name)
		if st.StateType == "m" {
			copy(a.momentum[idx], st.Data)
		} else {
			copy(a.variance[idx], st.Data)
		}
	}
	return nil
}
