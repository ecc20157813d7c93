package checkpoints

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	filePrefix = "train_step-"
	fileSuffix = ".model"
)

// StoreConfig configures checkpoint saving behavior
type StoreConfig struct {
	SaveDirectory  string           // Directory to save checkpoints
	MaxCheckpoints int              // Maximum number of checkpoints to keep (0 = unlimited)
	Format         CheckpointFormat // Proto or JSON
}

// Entry is a checkpoint file found on disk.
type Entry struct {
	Step int
	Path string
}

// ErrNotFound is wrapped by LoadResult.Err when the checkpoint file does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// LoadResult reports the outcome of Store.Load. When Found is false the live
// state was not modified and Reason says why.
type LoadResult struct {
	Found         bool
	Path          string
	TrainingState TrainingState
	Reason        string
	Err           error
}

// Store persists and restores complete training checkpoints.
type Store struct {
	config StoreConfig
	saver  *CheckpointSaver
}

func NewStore(config StoreConfig) (*Store, error) {
	if config.SaveDirectory == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if config.MaxCheckpoints < 0 {
		return nil, fmt.Errorf("max checkpoints must be >= 0, got %d", config.MaxCheckpoints)
	}
	if err := os.MkdirAll(config.SaveDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %v", err)
	}
	return &Store{
		config: config,
		saver:  NewCheckpointSaver(config.Format),
	}, nil
}

// FileName returns the checkpoint file name for a step.
func FileName(step int) string {
	return fmt.Sprintf("%s%d%s", filePrefix, step, fileSuffix)
}

// ParseFileName extracts the step from a checkpoint file name.
func ParseFileName(name string) (int, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	step, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
	if err != nil || step < 0 {
		return 0, false
	}
	return step, true
}

func (s *Store) Path(step int) string {
	return filepath.Join(s.config.SaveDirectory, FileName(step))
}

// Save writes all six sub-states of state to the file labelled step and
// returns its path. ts is stored as given; the label and ts.Step may differ.
func (s *Store) Save(step int, state ModelState, ts TrainingState) (string, error) {
	checkpoint, err := state.Capture(ts)
	if err != nil {
		return "", fmt.Errorf("failed to create checkpoint: %v", err)
	}
	checkpoint.Metadata.Description = fmt.Sprintf("Periodic checkpoint - Step %d", step)

	path := s.Path(step)
	if err := s.saver.SaveCheckpoint(checkpoint, path); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %v", err)
	}

	if info, err := os.Stat(path); err == nil {
		log.Printf("saved checkpoint %s (%s)", path, humanize.Bytes(uint64(info.Size())))
	}

	if err := s.cleanupOldCheckpoints(); err != nil {
		log.Printf("Warning: failed to cleanup old checkpoints: %v", err)
	}
	return path, nil
}

// Load restores the checkpoint at path into state. A missing, unreadable or
// incompatible checkpoint yields Found == false and leaves state untouched.
func (s *Store) Load(path string, state ModelState) LoadResult {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		err = fmt.Errorf("%w: %s", ErrNotFound, path)
		return LoadResult{Path: path, Reason: err.Error(), Err: err}
	}
	checkpoint, err := s.saver.LoadCheckpoint(path)
	if err != nil {
		return LoadResult{Path: path, Reason: err.Error(), Err: err}
	}
	if err := state.Restore(checkpoint); err != nil {
		err = fmt.Errorf("incompatible checkpoint: %w", err)
		return LoadResult{Path: path, Reason: err.Error(), Err: err}
	}
	return LoadResult{Found: true, Path: path, TrainingState: checkpoint.TrainingState}
}

// List returns the checkpoints in the save directory ordered by step.
func (s *Store) List() ([]Entry, error) {
	files, err := os.ReadDir(s.config.SaveDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %v", err)
	}
	var entries []Entry
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if step, ok := ParseFileName(f.Name()); ok {
			entries = append(entries, Entry{Step: step, Path: filepath.Join(s.config.SaveDirectory, f.Name())})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Step < entries[j].Step })
	return entries, nil
}

// Latest returns the highest-step checkpoint, if any.
func (s *Store) Latest() (Entry, bool, error) {
	entries, err := s.List()
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[len(entries)-1], true, nil
}

// ResolveResume turns a resume setting into a checkpoint path. "" disables
// resuming, "latest" picks the newest checkpoint in the store, anything else
// is taken as a path.
func (s *Store) ResolveResume(resume string) (string, bool, error) {
	switch resume {
	case "":
		return "", false, nil
	case "latest":
		entry, ok, err := s.Latest()
		if err != nil || !ok {
			return "", false, err
		}
		return entry.Path, true, nil
	default:
		return resume, true, nil
	}
}

func (s *Store) cleanupOldCheckpoints() error {
	if s.config.MaxCheckpoints <= 0 {
		return nil
	}
	entries, err := s.List()
	if err != nil {
		return err
	}
	for len(entries) > s.config.MaxCheckpoints {
		if err := os.Remove(entries[0].Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %v", entries[0].Path, err)
		}
		entries = entries[1:]
	}
	return nil
}
