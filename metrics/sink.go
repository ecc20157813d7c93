// Package metrics records scalar training curves.
package metrics

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Sink receives named scalar values indexed by training step.
type Sink interface {
	AddScalar(ctx context.Context, name string, value float64, step int) error
	Close() error
}

// Scalar is one recorded value.
type Scalar struct {
	Name  string
	Value float64
	Step  int
}

// Config selects and configures a sink.
type Config struct {
	Kind      string // "none", "memory" or "sqlite"
	Path      string // Database file for the sqlite sink
	RunID     string // Generated when empty
	TrainName string
}

// Open creates the sink described by config.
func Open(ctx context.Context, config Config) (Sink, error) {
	switch config.Kind {
	case "", "none":
		return Discard{}, nil
	case "memory":
		return NewMemorySink(), nil
	case "sqlite":
		if config.RunID == "" {
			config.RunID = uuid.NewString()
		}
		s := NewSQLiteSink(config.Path, config.RunID)
		if err := s.Init(ctx, config.TrainName); err != nil {
			return nil, fmt.Errorf("failed to open metrics database: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown metrics sink %q", config.Kind)
	}
}

// Discard drops every value.
type Discard struct{}

func (Discard) AddScalar(context.Context, string, float64, int) error { return nil }
func (Discard) Close() error                                          { return nil }

// MemorySink keeps every value in memory.
type MemorySink struct {
	mu      sync.Mutex
	scalars []Scalar
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) AddScalar(_ context.Context, name string, value float64, step int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scalars = append(m.scalars, Scalar{Name: name, Value: value, Step: step})
	return nil
}

// Scalars returns the values recorded under name, in insertion order.
func (m *MemorySink) Scalars(name string) []Scalar {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Scalar
	for _, s := range m.scalars {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

func (m *MemorySink) Close() error { return nil }
