// Package training drives the adversarial training loop: it pulls batches,
// runs the step engine, and on their own schedules writes checkpoints, logs
// losses and renders qualitative examples.
package training

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tsawler/go-srnet/checkpoints"
	"github.com/tsawler/go-srnet/loss"
	"github.com/tsawler/go-srnet/models"
)

// Divergence policies.
const (
	DivergenceAbort = "abort"
	DivergenceSkip  = "skip"
)

// Config holds every setting of a training run.
type Config struct {
	DataDir          string `json:"data_dir"`
	ExampleDataDir   string `json:"example_data_dir"`   // Empty disables example rendering
	ExampleResultDir string `json:"example_result_dir"`
	CheckpointDir    string `json:"checkpoint_savedir"`
	TrainName        string `json:"train_name"` // Generated from the start time when empty
	Resume           string `json:"resume"`     // "", "latest" (needs TrainName) or a checkpoint path

	BatchSize    int     `json:"batch_size"`
	TargetHeight int     `json:"data_shape_height"`
	MaxIter      int     `json:"max_iter"`
	LearningRate float64 `json:"learning_rate"`
	Beta1        float64 `json:"beta1"`
	Beta2        float64 `json:"beta2"`
	ClipValue    float64 `json:"clip_value"`
	Seed         int64   `json:"seed"`

	WriteLogInterval   int `json:"write_log_interval"`
	SaveCkptInterval   int `json:"save_ckpt_interval"`
	GenExampleInterval int `json:"gen_example_interval"`

	OnDivergence string          `json:"on_divergence"`
	Scheduler    SchedulerConfig `json:"scheduler"`
	Loss         loss.Weights    `json:"loss"`

	Generator     models.GeneratorConfig     `json:"generator"`
	Discriminator models.DiscriminatorConfig `json:"discriminator"`

	Workers        int    `json:"workers"` // 0 picks the number of physical cores
	PrefetchDepth  int    `json:"prefetch_depth"`
	CacheSize      int    `json:"cache_size"`
	CheckpointFmt  string `json:"checkpoint_format"`
	MaxCheckpoints int    `json:"max_checkpoints"`

	Metrics   string `json:"metrics"`    // "none", "memory" or "sqlite"
	MetricsDB string `json:"metrics_db"` // Defaults to <checkpoint dir>/<train name>/metrics.db
}

// DefaultConfig returns the settings SRNet was trained with.
func DefaultConfig() Config {
	return Config{
		DataDir:            "datasets/srnet_data",
		ExampleDataDir:     "examples/labels",
		ExampleResultDir:   "examples/result",
		CheckpointDir:      "logs",
		BatchSize:          8,
		TargetHeight:       64,
		MaxIter:            500000,
		LearningRate:       1e-4,
		Beta1:              0.9,
		Beta2:              0.999,
		ClipValue:          0.01,
		Seed:               1,
		WriteLogInterval:   50,
		SaveCkptInterval:   10000,
		GenExampleInterval: 1000,
		OnDivergence:       DivergenceAbort,
		Scheduler:          SchedulerConfig{Kind: SchedulerNone},
		Loss:               loss.DefaultWeights(),
		Generator:          models.DefaultGeneratorConfig(),
		Discriminator:      models.DefaultDiscriminatorConfig(),
		PrefetchDepth:      3,
		CacheSize:          0,
		CheckpointFmt:      "proto",
		Metrics:            "sqlite",
	}
}

// LoadConfig reads a JSON file on top of DefaultConfig, so the file only
// needs the settings it changes.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return config, nil
}

// Validate checks the settings for consistency.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.CheckpointDir == "" {
		return fmt.Errorf("checkpoint_savedir is required")
	}
	if c.Resume == "latest" && c.TrainName == "" {
		return fmt.Errorf("resume \"latest\" requires train_name; a generated name starts in an empty directory")
	}
	if c.ExampleDataDir != "" && c.ExampleResultDir == "" {
		return fmt.Errorf("example_result_dir is required when example_data_dir is set")
	}
	for name, v := range map[string]int{
		"batch_size":           c.BatchSize,
		"data_shape_height":    c.TargetHeight,
		"max_iter":             c.MaxIter,
		"write_log_interval":   c.WriteLogInterval,
		"save_ckpt_interval":   c.SaveCkptInterval,
		"gen_example_interval": c.GenExampleInterval,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %g", c.LearningRate)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("betas must be in [0, 1), got %g and %g", c.Beta1, c.Beta2)
	}
	if c.ClipValue <= 0 {
		return fmt.Errorf("clip_value must be positive, got %g", c.ClipValue)
	}
	if c.OnDivergence != DivergenceAbort && c.OnDivergence != DivergenceSkip {
		return fmt.Errorf("on_divergence must be %q or %q, got %q", DivergenceAbort, DivergenceSkip, c.OnDivergence)
	}
	if c.Workers < 0 || c.PrefetchDepth < 0 || c.CacheSize < 0 || c.MaxCheckpoints < 0 {
		return fmt.Errorf("workers, prefetch_depth, cache_size and max_checkpoints must not be negative")
	}
	if _, err := checkpoints.ParseFormat(c.CheckpointFmt); err != nil {
		return err
	}
	switch c.Metrics {
	case "", "none", "memory", "sqlite":
	default:
		return fmt.Errorf("unknown metrics sink %q", c.Metrics)
	}
	if _, err := c.Scheduler.Build(); err != nil {
		return err
	}
	return nil
}
