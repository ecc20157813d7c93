package async

import (
	"context"
	"fmt"
	"sync"
)

// DataSource produces the items of one pass, addressed by position.
// Load may be called concurrently from several workers.
type DataSource[T any] interface {
	Size() int
	Load(index int) (T, error)
}

type result[T any] struct {
	index int
	item  T
	err   error
}

type job[T any] struct {
	index int
	out   chan result[T]
}

// AsyncDataLoader loads the items of a DataSource on background workers and
// hands them out strictly in index order. At most PrefetchDepth items are in
// flight or waiting at any time.
type AsyncDataLoader[T any] struct {
	dataSource    DataSource[T]
	prefetchDepth int
	workers       int

	pending chan chan result[T] // per-item result slots, in delivery order
	jobs    chan job[T]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	batchCounter uint64
	isRunning    bool
	mutex        sync.RWMutex
}

// AsyncDataLoaderConfig holds configuration for the data loader
type AsyncDataLoaderConfig struct {
	PrefetchDepth int // Number of items to prefetch (default: 3)
	Workers       int // Number of background workers (default: 2)
}

func NewAsyncDataLoader[T any](dataSource DataSource[T], config AsyncDataLoaderConfig) (*AsyncDataLoader[T], error) {
	if dataSource == nil {
		return nil, fmt.Errorf("data source cannot be nil")
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 3
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncDataLoader[T]{
		dataSource:    dataSource,
		prefetchDepth: config.PrefetchDepth,
		workers:       config.Workers,
		pending:       make(chan chan result[T], config.PrefetchDepth),
		jobs:          make(chan job[T]),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start begins the async data loading pipeline
func (adl *AsyncDataLoader[T]) Start() error {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	if adl.isRunning {
		return fmt.Errorf("data loader is already running")
	}
	if adl.ctx.Err() != nil {
		return fmt.Errorf("data loader has been stopped")
	}

	for i := 0; i < adl.workers; i++ {
		adl.wg.Add(1)
		go adl.worker()
	}
	adl.wg.Add(1)
	go adl.dispatch()

	adl.isRunning = true
	return nil
}

// dispatch reserves a result slot for each index in order, then hands the
// index to a worker. The bounded pending channel provides back-pressure.
func (adl *AsyncDataLoader[T]) dispatch() {
	defer adl.wg.Done()
	defer close(adl.jobs)
	defer close(adl.pending)

	n := adl.dataSource.Size()
	for i := 0; i < n; i++ {
		slot := make(chan result[T], 1)
		select {
		case adl.pending <- slot:
		case <-adl.ctx.Done():
			return
		}
		select {
		case adl.jobs <- job[T]{index: i, out: slot}:
		case <-adl.ctx.Done():
			return
		}
	}
}

func (adl *AsyncDataLoader[T]) worker() {
	defer adl.wg.Done()

	for j := range adl.jobs {
		item, err := adl.dataSource.Load(j.index)
		if err != nil {
			err = fmt.Errorf("failed to load item %d: %w", j.index, err)
		}
		j.out <- result[T]{index: j.index, item: item, err: err}

		adl.mutex.Lock()
		adl.batchCounter++
		adl.mutex.Unlock()
	}
}

// GetBatch returns the next item in order, blocking until it is ready.
// ok is false once every item has been delivered.
func (adl *AsyncDataLoader[T]) GetBatch() (item T, ok bool, err error) {
	var zero T
	if adl.ctx.Err() != nil {
		return zero, false, fmt.Errorf("data loader has been cancelled")
	}
	select {
	case slot, open := <-adl.pending:
		if !open {
			return zero, false, nil
		}
		select {
		case r := <-slot:
			if r.err != nil {
				return zero, false, r.err
			}
			return r.item, true, nil
		case <-adl.ctx.Done():
			return zero, false, fmt.Errorf("data loader has been cancelled")
		}
	case <-adl.ctx.Done():
		return zero, false, fmt.Errorf("data loader has been cancelled")
	}
}

// Stop cancels outstanding work and waits for the workers to exit.
func (adl *AsyncDataLoader[T]) Stop() error {
	adl.mutex.Lock()
	running := adl.isRunning
	adl.isRunning = false
	adl.mutex.Unlock()

	adl.cancel()
	if running {
		adl.wg.Wait()
	}
	return nil
}

// Stats returns statistics about the data loader
func (adl *AsyncDataLoader[T]) Stats() AsyncDataLoaderStats {
	adl.mutex.RLock()
	defer adl.mutex.RUnlock()

	return AsyncDataLoaderStats{
		IsRunning:       adl.isRunning,
		BatchesProduced: adl.batchCounter,
		QueuedBatches:   len(adl.pending),
		QueueCapacity:   cap(adl.pending),
		Workers:         adl.workers,
	}
}

// AsyncDataLoaderStats provides statistics about the data loader
type AsyncDataLoaderStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
	Workers         int
}

func (s AsyncDataLoaderStats) String() string {
	return fmt.Sprintf("AsyncDataLoader: running=%t produced=%d queued=%d/%d workers=%d",
		s.IsRunning, s.BatchesProduced, s.QueuedBatches, s.QueueCapacity, s.Workers)
}
