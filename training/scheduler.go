package training

import (
	"fmt"
	"math"
	"sort"
)

// Scheduler kinds.
const (
	SchedulerNone      = "none"
	SchedulerMultiStep = "multistep"
	SchedulerStep      = "step"
	SchedulerCosine    = "cosine"
)

// LRScheduler maps an iteration to a learning rate. Implementations are pure
// functions of their arguments, so a resumed run lands on the same rate.
type LRScheduler interface {
	GetLR(step int, baseLR float64) float64
	GetName() string
}

// SchedulerConfig selects a scheduler. Milestones and Gamma serve multistep;
// StepSize and Gamma serve step; TMax and EtaMin serve cosine.
type SchedulerConfig struct {
	Kind       string  `json:"kind"`
	Milestones []int   `json:"milestones,omitempty"`
	Gamma      float64 `json:"gamma,omitempty"`
	StepSize   int     `json:"step_size,omitempty"`
	TMax       int     `json:"t_max,omitempty"`
	EtaMin     float64 `json:"eta_min,omitempty"`
}

// Build returns the scheduler described by sc.
func (sc SchedulerConfig) Build() (LRScheduler, error) {
	switch sc.Kind {
	case "", SchedulerNone:
		return ConstantLRScheduler{}, nil
	case SchedulerMultiStep:
		milestones := sc.Milestones
		if len(milestones) == 0 {
			milestones = []int{30, 200}
		}
		gamma := sc.Gamma
		if gamma == 0 {
			gamma = 0.5
		}
		return NewMultiStepLRScheduler(milestones, gamma)
	case SchedulerStep:
		return NewStepLRScheduler(sc.StepSize, sc.Gamma), nil
	case SchedulerCosine:
		return NewCosineAnnealingLRScheduler(sc.TMax, sc.EtaMin), nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", sc.Kind)
	}
}

// ConstantLRScheduler keeps the base rate.
type ConstantLRScheduler struct{}

func (ConstantLRScheduler) GetLR(_ int, baseLR float64) float64 { return baseLR }
func (ConstantLRScheduler) GetName() string                     { return "ConstantLR" }

// MultiStepLRScheduler multiplies the rate by Gamma at every milestone passed.
type MultiStepLRScheduler struct {
	Milestones []int
	Gamma      float64
}

func NewMultiStepLRScheduler(milestones []int, gamma float64) (*MultiStepLRScheduler, error) {
	if gamma <= 0 || gamma >= 1 {
		return nil, fmt.Errorf("multistep gamma must be in (0, 1), got %g", gamma)
	}
	sorted := append([]int(nil), milestones...)
	sort.Ints(sorted)
	return &MultiStepLRScheduler{Milestones: sorted, Gamma: gamma}, nil
}

func (s *MultiStepLRScheduler) GetLR(step int, baseLR float64) float64 {
	passed := sort.SearchInts(s.Milestones, step+1)
	return baseLR * math.Pow(s.Gamma, float64(passed))
}

func (s *MultiStepLRScheduler) GetName() string {
	return "MultiStepLR"
}

// StepLRScheduler reduces learning rate by a factor every StepSize iterations
type StepLRScheduler struct {
	StepSize int     // Iterations between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 100000
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(step int, baseLR float64) float64 {
	times := step / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Iterations to reach EtaMin
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 500000
	}
	if etaMin < 0 {
		etaMin = 0 // Default: anneal to 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(step int, baseLR float64) float64 {
	if step >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(step)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}
