package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "Proto"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// ParseFormat maps a configuration string to a CheckpointFormat.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch s {
	case "", "proto", "protobuf":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// Sub-state keys. A checkpoint is complete only when all six are present.
const (
	KeyGenerator               = "generator"
	KeyDiscriminator1          = "discriminator1"
	KeyDiscriminator2          = "discriminator2"
	KeyGeneratorOptimizer      = "g_optimizer"
	KeyDiscriminator1Optimizer = "d1_optimizer"
	KeyDiscriminator2Optimizer = "d2_optimizer"
)

var (
	moduleKeys    = []string{KeyGenerator, KeyDiscriminator1, KeyDiscriminator2}
	optimizerKeys = []string{KeyGeneratorOptimizer, KeyDiscriminator1Optimizer, KeyDiscriminator2Optimizer}
)

// Checkpoint is the complete persisted training state: three networks,
// their optimizers and the training progress counters.
type Checkpoint struct {
	Modules       map[string][]WeightTensor  `json:"modules"`
	Optimizers    map[string]*OptimizerState `json:"optimizers"`
	TrainingState TrainingState              `json:"training_state"`
	Metadata      CheckpointMetadata         `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the current training progress. Step is the number
// of completed iterations.
type TrainingState struct {
	Step            int     `json:"step"`
	GeneratorLR     float64 `json:"generator_lr"`
	DiscriminatorLR float64 `json:"discriminator_lr"`
	TrainName       string  `json:"train_name,omitempty"`
	RunID           string  `json:"run_id,omitempty"`
}

// OptimizerState captures optimizer-specific state (moments, step count, hyperparameters)
type OptimizerState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents one optimizer state buffer
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// Validate checks that every sub-state is present.
func (c *Checkpoint) Validate() error {
	for _, key := range moduleKeys {
		if _, ok := c.Modules[key]; !ok {
			return fmt.Errorf("checkpoint is missing %s weights", key)
		}
	}
	for _, key := range optimizerKeys {
		if c.Optimizers[key] == nil {
			return fmt.Errorf("checkpoint is missing %s state", key)
		}
	}
	if c.TrainingState.Step < 0 {
		return fmt.Errorf("checkpoint has negative step %d", c.TrainingState.Step)
	}
	return nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes the checkpoint to a temporary file next to path and
// renames it into place, so path either holds a complete checkpoint or is
// left as it was.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-srnet"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatProto:
		data, err = marshalProto(checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	return writeFileAtomic(path, data)
}

// LoadCheckpoint reads a checkpoint in either format. The encoding is
// detected from the content, so a store can resume from files written with
// a different format setting.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("checkpoint file %s is empty", path)
	}

	var checkpoint *Checkpoint
	if trimmed := bytes.TrimLeft(data, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '{' {
		checkpoint = &Checkpoint{}
		if err := json.Unmarshal(data, checkpoint); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
		}
	} else {
		checkpoint, err = unmarshalProto(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
		}
	}
	return checkpoint, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write checkpoint: %v", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync checkpoint: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint: %v", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move checkpoint into place: %v", err)
	}
	return nil
}
