package optimizer

import (
	"math"
	"reflect"
	"testing"

	"github.com/tsawler/go-srnet/tensor"
)

func newParam(t *testing.T, values ...float32) *tensor.Tensor {
	t.Helper()
	p, err := tensor.NewTensor([]int{len(values)}, values)
	if err != nil {
		t.Fatalf("failed to create parameter: %v", err)
	}
	p.SetRequiresGrad(true)
	return p
}

// setGrad runs a backward pass that leaves grad on p equal to coeffs.
func setGrad(t *testing.T, p *tensor.Tensor, coeffs ...float32) {
	t.Helper()
	c := tensor.MustNew([]int{len(coeffs)}, coeffs)
	prod, err := tensor.Mul(p, c)
	if err != nil {
		t.Fatal(err)
	}
	if err := tensor.Sum(prod).Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
}

func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.LearningRate != 0.001 {
		t.Errorf("Expected learning rate 0.001, got %f", config.LearningRate)
	}
	if config.Beta1 != 0.9 {
		t.Errorf("Expected beta1 0.9, got %f", config.Beta1)
	}
	if config.Beta2 != 0.999 {
		t.Errorf("Expected beta2 0.999, got %f", config.Beta2)
	}
	if config.Epsilon != 1e-8 {
		t.Errorf("Expected epsilon 1e-8, got %f", config.Epsilon)
	}
	if config.WeightDecay != 0.0 {
		t.Errorf("Expected weight decay 0.0, got %f", config.WeightDecay)
	}
}

func TestNewAdamValidation(t *testing.T) {
	if _, err := NewAdam(DefaultAdamConfig(), nil); err == nil {
		t.Error("expected error for empty parameter list")
	}
	config := DefaultAdamConfig()
	config.Beta1 = 1
	if _, err := NewAdam(config, []*tensor.Tensor{newParam(t, 1)}); err == nil {
		t.Error("expected error for beta1 == 1")
	}
}

func TestAdamFirstStep(t *testing.T) {
	p := newParam(t, 1, 1)
	adam, err := NewAdam(AdamConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}, []*tensor.Tensor{p})
	if err != nil {
		t.Fatal(err)
	}
	setGrad(t, p, 2, -3)
	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// The bias-corrected first step moves each weight by lr against the gradient sign.
	if math.Abs(float64(p.Data[0])-0.9) > 1e-5 {
		t.Errorf("p[0] = %v, expected 0.9", p.Data[0])
	}
	if math.Abs(float64(p.Data[1])-1.1) > 1e-5 {
		t.Errorf("p[1] = %v, expected 1.1", p.Data[1])
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("step count = %d, expected 1", adam.GetStepCount())
	}
}

func TestAdamSkipsFrozenParameters(t *testing.T) {
	trainable := newParam(t, 1)
	frozen := newParam(t, 1)
	adam, err := NewAdam(DefaultAdamConfig(), []*tensor.Tensor{trainable, frozen})
	if err != nil {
		t.Fatal(err)
	}
	setGrad(t, trainable, 1)
	setGrad(t, frozen, 1)
	frozen.SetRequiresGrad(false)

	if err := adam.Step(); err != nil {
		t.Fatal(err)
	}
	if frozen.Data[0] != 1 {
		t.Errorf("frozen parameter changed to %v", frozen.Data[0])
	}
	if trainable.Data[0] == 1 {
		t.Error("trainable parameter did not change")
	}

	adam.ZeroGrad()
	if trainable.Grad().Data[0] != 0 {
		t.Errorf("grad after ZeroGrad = %v, expected 0", trainable.Grad().Data[0])
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	p := newParam(t, 0.5, -0.5, 2)
	adam, _ := NewAdam(DefaultAdamConfig(), []*tensor.Tensor{p})
	for i := 0; i < 3; i++ {
		setGrad(t, p, 1, 2, 3)
		if err := adam.Step(); err != nil {
			t.Fatal(err)
		}
		adam.ZeroGrad()
	}
	adam.UpdateLearningRate(0.0005)

	state, err := adam.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Type != "Adam" || len(state.StateData) != 2 {
		t.Fatalf("unexpected state: type=%s buffers=%d", state.Type, len(state.StateData))
	}

	q := newParam(t, 0, 0, 0)
	restored, _ := NewAdam(DefaultAdamConfig(), []*tensor.Tensor{q})
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.GetStepCount() != 3 {
		t.Errorf("step count = %d, expected 3", restored.GetStepCount())
	}
	if restored.GetLearningRate() != 0.0005 {
		t.Errorf("learning rate = %v, expected 0.0005", restored.GetLearningRate())
	}
	again, _ := restored.GetState()
	if !reflect.DeepEqual(again.StateData, state.StateData) {
		t.Error("moment buffers differ after round trip")
	}
}

func TestAdamValidateStateRejectsMismatch(t *testing.T) {
	p := newParam(t, 1, 2)
	adam, _ := NewAdam(DefaultAdamConfig(), []*tensor.Tensor{p})
	state, _ := adam.GetState()

	other, _ := NewAdam(DefaultAdamConfig(), []*tensor.Tensor{newParam(t, 1, 2, 3)})
	if err := other.ValidateState(state); err == nil {
		t.Error("expected shape mismatch error")
	}
	before, _ := other.GetState()
	if err := other.LoadState(state); err == nil {
		t.Error("expected LoadState to fail")
	}
	after, _ := other.GetState()
	if !reflect.DeepEqual(before, after) {
		t.Error("failed LoadState must not modify the optimizer")
	}

	state.Type = "SGD"
	if err := adam.ValidateState(state); err == nil {
		t.Error("expected type mismatch error")
	}
	if err := adam.ValidateState(nil); err == nil {
		t.Error("expected error for nil state")
	}
}

func TestExtractBufferIndex(t *testing.T) {
	tests := []struct {
		name     string
		expected int
	}{
		{"m_0", 0},
		{"v_12", 12},
		{"momentum", -1},
		{"m_x", -1},
	}
	for _, test := range tests {
		if got := extractBufferIndex(test.name); got != test.expected {
			t.Errorf("extractBufferIndex(%q) = %d, expected %d", test.name, got, test.expected)
		}
	}
}
