// Command srnet-train trains the text editing networks on a folder dataset.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/klauspost/cpuid/v2"

	"github.com/tsawler/go-srnet/training"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	config, err := parseConfig(args)
	if err != nil {
		return err
	}

	log.Printf("CPU: %s (%d physical cores)", cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores)

	o, err := training.Setup(ctx, config, os.Stdout)
	if err != nil {
		return err
	}
	defer o.Close()

	summary, err := o.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Printf("Interrupted after iteration %d", summary.EndStep)
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("Finished %s: iterations %d to %d, %d skipped",
		o.TrainName(), summary.StartStep, summary.EndStep, summary.Divergences)
	return nil
}

// parseConfig loads the optional config file and applies the flags that were
// given explicitly on top of it.
func parseConfig(args []string) (training.Config, error) {
	fs := flag.NewFlagSet("srnet-train", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional training config JSON path")
	dataDir := fs.String("data", "", "training data directory (one sub-directory per image kind)")
	exampleDir := fs.String("examples", "", "example input directory (empty disables rendering)")
	resultDir := fs.String("example-results", "", "example output directory")
	checkpointDir := fs.String("checkpoint", "", "checkpoint directory")
	trainName := fs.String("train-name", "", "run name (defaults to the start time)")
	resume := fs.String("resume", "", "checkpoint to resume from: a path or latest")
	maxIter := fs.Int("max-iter", 0, "number of iterations")
	batchSize := fs.Int("batch", 0, "batch size")
	workers := fs.Int("workers", 0, "decoding workers (0 uses physical cores)")
	onDivergence := fs.String("on-divergence", "", "abort|skip")
	metricsKind := fs.String("metrics", "", "metrics sink: none|memory|sqlite")
	metricsDB := fs.String("metrics-db", "", "sqlite metrics database path")
	if err := fs.Parse(args); err != nil {
		return training.Config{}, err
	}

	config := training.DefaultConfig()
	if *configPath != "" {
		var err error
		if config, err = training.LoadConfig(*configPath); err != nil {
			return training.Config{}, err
		}
	}

	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})
	overrides := []struct {
		flag string
		src  *string
		dst  *string
	}{
		{"data", dataDir, &config.DataDir},
		{"examples", exampleDir, &config.ExampleDataDir},
		{"example-results", resultDir, &config.ExampleResultDir},
		{"checkpoint", checkpointDir, &config.CheckpointDir},
		{"train-name", trainName, &config.TrainName},
		{"resume", resume, &config.Resume},
		{"on-divergence", onDivergence, &config.OnDivergence},
		{"metrics", metricsKind, &config.Metrics},
		{"metrics-db", metricsDB, &config.MetricsDB},
	}
	for _, s := range overrides {
		if setFlags[s.flag] {
			*s.dst = *s.src
		}
	}
	if setFlags["max-iter"] {
		config.MaxIter = *maxIter
	}
	if setFlags["batch"] {
		config.BatchSize = *batchSize
	}
	if setFlags["workers"] {
		config.Workers = *workers
	}

	if err := config.Validate(); err != nil {
		return training.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}
