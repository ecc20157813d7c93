package training

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/cpuid/v2"
	"github.com/ncruces/go-strftime"

	"github.com/tsawler/go-srnet/checkpoints"
	"github.com/tsawler/go-srnet/engine"
	"github.com/tsawler/go-srnet/layers"
	"github.com/tsawler/go-srnet/metrics"
	"github.com/tsawler/go-srnet/models"
	"github.com/tsawler/go-srnet/optimizer"
	"github.com/tsawler/go-srnet/vision/dataloader"
	"github.com/tsawler/go-srnet/vision/dataset"
)

// TrainName formats t the way run directories are named.
func TrainName(t time.Time) string {
	return strftime.Format("%Y%m%d%H%M%S", t)
}

// DefaultWorkers returns the number of physical cores, at least one.
func DefaultWorkers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return 1
}

// Setup builds a ready-to-run Orchestrator from config: the folder dataset
// and its prefetching loader, the reference networks and their optimizers,
// the checkpoint store, the example renderer and the metrics sink.
// progress receives the progress bar; nil means stdout.
func Setup(ctx context.Context, config Config, progress io.Writer) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	trainName := config.TrainName
	if trainName == "" {
		trainName = TrainName(time.Now())
	}
	workers := config.Workers
	if workers == 0 {
		workers = DefaultWorkers()
	}

	ds, err := dataset.NewFolderDataset(config.DataDir, dataset.FolderConfig{
		MaxCacheSize: config.CacheSize,
		NumWorkers:   workers,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("Loaded %s", ds)

	dl, err := dataloader.NewDataLoader(ds, dataloader.Config{
		BatchSize:     config.BatchSize,
		TargetHeight:  config.TargetHeight,
		PrefetchDepth: config.PrefetchDepth,
		Workers:       workers,
	})
	if err != nil {
		return nil, err
	}

	eng, err := buildEngine(config)
	if err != nil {
		return nil, err
	}

	format, err := checkpoints.ParseFormat(config.CheckpointFmt)
	if err != nil {
		return nil, err
	}
	runDir := filepath.Join(config.CheckpointDir, trainName)
	store, err := checkpoints.NewStore(checkpoints.StoreConfig{
		SaveDirectory:  runDir,
		MaxCheckpoints: config.MaxCheckpoints,
		Format:         format,
	})
	if err != nil {
		return nil, err
	}

	var renderer *ExampleRenderer
	if config.ExampleDataDir != "" {
		examples, err := dataset.NewExampleFolder(config.ExampleDataDir)
		if err != nil {
			return nil, err
		}
		renderer = NewExampleRenderer(eng,
			dataloader.ExampleCycle(examples, config.TargetHeight),
			filepath.Join(config.ExampleResultDir, trainName),
			config.MaxIter)
	}

	runID := uuid.NewString()
	metricsPath := config.MetricsDB
	if metricsPath == "" {
		metricsPath = filepath.Join(runDir, "metrics.db")
	}
	sink, err := metrics.Open(ctx, metrics.Config{
		Kind:      config.Metrics,
		Path:      metricsPath,
		RunID:     runID,
		TrainName: trainName,
	})
	if err != nil {
		return nil, err
	}

	batches := dl.Cycle()
	o, err := NewOrchestrator(config, Components{
		Engine:    eng,
		Batches:   batches,
		Store:     store,
		Renderer:  renderer,
		Sink:      sink,
		Progress:  progress,
		TrainName: trainName,
		RunID:     runID,
	})
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	o.closers = append(o.closers, batches)
	log.Printf("Train name %s, run %s, %d batches per pass", trainName, runID, dl.Len())
	return o, nil
}

// buildEngine creates the reference networks, seeded from config, and one
// Adam optimizer per trained network.
func buildEngine(config Config) (*engine.StepEngine, error) {
	rng := rand.New(rand.NewSource(config.Seed))

	g, err := models.NewGenerator(config.Generator, rng)
	if err != nil {
		return nil, err
	}
	d1, err := models.NewDiscriminator(config.Discriminator, rng)
	if err != nil {
		return nil, err
	}
	d2, err := models.NewDiscriminator(config.Discriminator, rng)
	if err != nil {
		return nil, err
	}
	fe, err := models.NewFeatureExtractor(rng)
	if err != nil {
		return nil, err
	}
	log.Print(layers.Summary("Generator", g))
	log.Print(layers.Summary("Discriminator (background)", d1))
	log.Print(layers.Summary("Discriminator (fusion)", d2))

	adam := optimizer.AdamConfig{
		LearningRate: float32(config.LearningRate),
		Beta1:        float32(config.Beta1),
		Beta2:        float32(config.Beta2),
		Epsilon:      1e-8,
	}
	var opts engine.Optimizers
	for _, o := range []struct {
		m   layers.Parameterized
		dst *optimizer.Optimizer
	}{
		{g, &opts.Generator},
		{d1, &opts.Discriminator1},
		{d2, &opts.Discriminator2},
	} {
		opt, err := optimizer.NewAdam(adam, o.m.Parameters())
		if err != nil {
			return nil, err
		}
		*o.dst = opt
	}

	return engine.NewStepEngine(
		engine.Networks{Generator: g, Discriminator1: d1, Discriminator2: d2, Features: fe},
		opts,
		engine.DefaultLosses(config.Loss),
		engine.Config{ClipValue: float32(config.ClipValue)},
	)
}
