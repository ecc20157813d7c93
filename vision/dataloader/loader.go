package dataloader

import (
	"fmt"

	"github.com/tsawler/go-srnet/async"
	"github.com/tsawler/go-srnet/vision/dataset"
)

// Config configures a DataLoader.
type Config struct {
	BatchSize     int
	TargetHeight  int
	PrefetchDepth int // Batches assembled ahead of the consumer
	Workers       int // Goroutines assembling batches
}

// DataLoader groups a dataset into consecutive batches in index order and
// assembles them on background workers. The final batch of a pass may be
// smaller than BatchSize.
type DataLoader struct {
	dataset   dataset.Dataset
	assembler Assembler
	config    Config
}

func NewDataLoader(ds dataset.Dataset, config Config) (*DataLoader, error) {
	if ds == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.TargetHeight <= 0 {
		return nil, fmt.Errorf("target height must be positive, got %d", config.TargetHeight)
	}
	return &DataLoader{
		dataset:   ds,
		assembler: Assembler{TargetHeight: config.TargetHeight},
		config:    config,
	}, nil
}

// Len returns the number of batches in one pass.
func (dl *DataLoader) Len() int {
	n := dl.dataset.Len()
	return (n + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// Size implements async.DataSource.
func (dl *DataLoader) Size() int {
	return dl.Len()
}

// Load implements async.DataSource by reading and collating batch index.
func (dl *DataLoader) Load(index int) (*Batch, error) {
	start := index * dl.config.BatchSize
	end := start + dl.config.BatchSize
	if n := dl.dataset.Len(); end > n {
		end = n
	}
	if start >= end {
		return nil, fmt.Errorf("batch %d out of range", index)
	}

	samples := make([]*dataset.Sample, 0, end-start)
	for i := start; i < end; i++ {
		s, err := dl.dataset.Get(i)
		if err != nil {
			return nil, fmt.Errorf("failed to read sample %d: %w", i, err)
		}
		samples = append(samples, s)
	}
	return dl.assembler.Collate(samples)
}

// Open starts one pass over the dataset with background prefetching.
func (dl *DataLoader) Open() (Iterator[*Batch], error) {
	adl, err := async.NewAsyncDataLoader[*Batch](dl, async.AsyncDataLoaderConfig{
		PrefetchDepth: dl.config.PrefetchDepth,
		Workers:       dl.config.Workers,
	})
	if err != nil {
		return nil, err
	}
	if err := adl.Start(); err != nil {
		return nil, err
	}
	return &prefetchIterator{loader: adl}, nil
}

// Cycle returns an endless batch sequence over the dataset.
func (dl *DataLoader) Cycle() *Cycle[*Batch] {
	return NewCycle(dl.Open)
}

type prefetchIterator struct {
	loader *async.AsyncDataLoader[*Batch]
}

func (p *prefetchIterator) Next() (*Batch, bool, error) {
	return p.loader.GetBatch()
}

func (p *prefetchIterator) Close() error {
	return p.loader.Stop()
}
