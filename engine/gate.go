package engine

import (
	"github.com/tsawler/go-srnet/layers"
)

// Role names one of the three trained networks.
type Role int

const (
	RoleGenerator Role = iota
	RoleDiscriminator1
	RoleDiscriminator2
)

var allRoles = []Role{RoleGenerator, RoleDiscriminator1, RoleDiscriminator2}

func (r Role) String() string {
	switch r {
	case RoleGenerator:
		return "generator"
	case RoleDiscriminator1:
		return "discriminator1"
	case RoleDiscriminator2:
		return "discriminator2"
	default:
		return "unknown"
	}
}

// Phase is one half of an adversarial iteration.
type Phase int

const (
	CriticPhase Phase = iota
	GeneratorPhase
)

func (p Phase) String() string {
	switch p {
	case CriticPhase:
		return "critic"
	case GeneratorPhase:
		return "generator"
	default:
		return "unknown"
	}
}

// TrainableSet returns the networks allowed to learn during phase.
func TrainableSet(phase Phase) []Role {
	switch phase {
	case GeneratorPhase:
		return []Role{RoleGenerator}
	default:
		return []Role{RoleDiscriminator1, RoleDiscriminator2}
	}
}

// SetTrainable marks every parameter of m as requiring grad or not.
func SetTrainable(m layers.Parameterized, trainable bool) {
	for _, p := range m.Parameters() {
		p.SetRequiresGrad(trainable)
	}
}

// Gate applies phases to the three networks.
type Gate struct {
	networks map[Role]layers.Parameterized
	phase    Phase
}

// NewGate creates a gate and puts the networks in the critic phase.
func NewGate(generator, discriminator1, discriminator2 layers.Parameterized) *Gate {
	g := &Gate{
		networks: map[Role]layers.Parameterized{
			RoleGenerator:      generator,
			RoleDiscriminator1: discriminator1,
			RoleDiscriminator2: discriminator2,
		},
	}
	g.Enter(CriticPhase)
	return g
}

// Enter unfreezes the trainable set of phase and freezes everything else.
func (g *Gate) Enter(phase Phase) {
	trainable := make(map[Role]bool)
	for _, r := range TrainableSet(phase) {
		trainable[r] = true
	}
	for _, r := range allRoles {
		SetTrainable(g.networks[r], trainable[r])
	}
	g.phase = phase
}

// Phase returns the phase last entered.
func (g *Gate) Phase() Phase {
	return g.phase
}
