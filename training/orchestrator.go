package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/tsawler/go-srnet/checkpoints"
	"github.com/tsawler/go-srnet/engine"
	"github.com/tsawler/go-srnet/metrics"
	"github.com/tsawler/go-srnet/vision/dataloader"
)

// Scalar names written to the metrics sink.
const (
	ScalarGenerator      = "Loss/Gen"
	ScalarBackgroundDisc = "Loss/D_bg"
	ScalarFusionDisc     = "Loss/D_fus"
)

// BatchSource yields training batches endlessly.
type BatchSource interface {
	Next() (*dataloader.Batch, error)
}

// Components are the collaborators an Orchestrator composes. Renderer and
// Sink are optional.
type Components struct {
	Engine    *engine.StepEngine
	Batches   BatchSource
	Store     *checkpoints.Store
	Renderer  *ExampleRenderer
	Sink      metrics.Sink
	Progress  io.Writer // Defaults to stdout
	TrainName string
	RunID     string
}

// Summary describes a finished or interrupted run.
type Summary struct {
	StartStep   int // Completed iterations before the run
	EndStep     int // Completed iterations after the run
	Divergences int // Iterations whose critic or generator loss diverged
	Last        engine.StepResult
}

// Orchestrator runs the training loop.
type Orchestrator struct {
	config    Config
	c         Components
	scheduler LRScheduler
	closers   []io.Closer
}

func NewOrchestrator(config Config, c Components) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if c.Engine == nil || c.Batches == nil || c.Store == nil {
		return nil, fmt.Errorf("engine, batches and store are required")
	}
	if c.Sink == nil {
		c.Sink = metrics.Discard{}
	}
	if c.Progress == nil {
		c.Progress = os.Stdout
	}
	scheduler, err := config.Scheduler.Build()
	if err != nil {
		return nil, err
	}
	return &Orchestrator{config: config, c: c, scheduler: scheduler}, nil
}

// TrainName returns the name the run's outputs are grouped under.
func (o *Orchestrator) TrainName() string {
	return o.c.TrainName
}

// Sink returns the metrics sink.
func (o *Orchestrator) Sink() metrics.Sink {
	return o.c.Sink
}

// Close releases the data pipelines and the metrics sink.
func (o *Orchestrator) Close() error {
	var errs []error
	for _, c := range o.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	o.closers = nil
	if err := o.c.Sink.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Run trains until MaxIter iterations have completed or ctx is cancelled.
// At loop index i a checkpoint named i+1 is written before the iteration
// runs whenever (i+1) is a multiple of the save interval; losses are logged
// and examples rendered after it on their own intervals.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	start, err := o.resume()
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{StartStep: start, EndStep: start}

	progress := NewProgressBarTo(o.c.Progress, "train", o.config.MaxIter)
	progress.Resume(start)
	defer progress.Finish()

	for i := start; i < o.config.MaxIter; i++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		step := i + 1

		o.applyLearningRate(i)

		if step%o.config.SaveCkptInterval == 0 {
			if err := o.save(i); err != nil {
				return summary, err
			}
		}

		batch, err := o.c.Batches.Next()
		if err != nil {
			return summary, fmt.Errorf("failed to load batch for iteration %d: %w", step, err)
		}

		result, err := o.c.Engine.Step(batch)
		summary.EndStep = step
		if err != nil {
			var de *engine.DivergenceError
			if errors.As(err, &de) && o.config.OnDivergence == DivergenceSkip {
				summary.Divergences++
				log.Printf("Iter %d diverged, continuing: %v", step, err)
				continue
			}
			return summary, fmt.Errorf("iteration %d: %w", step, err)
		}
		summary.Last = result

		if progress.Interactive() {
			progress.Update(step, map[string]float64{
				"gen":   float64(result.GeneratorLoss),
				"d_bg":  float64(result.BackgroundLoss),
				"d_fus": float64(result.FusionLoss),
			})
		}

		if step%o.config.WriteLogInterval == 0 {
			o.logStep(ctx, step, result)
		}

		if o.c.Renderer != nil && step%o.config.GenExampleInterval == 0 {
			dir, err := o.c.Renderer.Render(step)
			if err != nil {
				return summary, err
			}
			log.Printf("Examples written to %s", dir)
		}
	}
	return summary, nil
}

// resume restores the configured checkpoint and returns the number of
// completed iterations to continue from. A missing or unusable checkpoint
// starts a fresh run.
func (o *Orchestrator) resume() (int, error) {
	path, ok, err := o.c.Store.ResolveResume(o.config.Resume)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve checkpoint: %w", err)
	}
	if !ok {
		if o.config.Resume != "" {
			log.Printf("checkpoint not found, starting from scratch")
		}
		return 0, nil
	}

	res := o.c.Store.Load(path, o.c.Engine.ModelState())
	if !res.Found {
		log.Printf("checkpoint not found: %s", res.Reason)
		return 0, nil
	}
	step := res.TrainingState.Step
	if step > o.config.MaxIter {
		step = o.config.MaxIter
	}
	log.Printf("Resuming after loading %s at iteration %d", res.Path, step)
	return step, nil
}

func (o *Orchestrator) applyLearningRate(i int) {
	lr := float32(o.scheduler.GetLR(i, o.config.LearningRate))
	o.c.Engine.SetLearningRates(lr, lr)
}

func (o *Orchestrator) save(completed int) error {
	gLR, dLR := o.c.Engine.LearningRates()
	_, err := o.c.Store.Save(completed+1, o.c.Engine.ModelState(), checkpoints.TrainingState{
		Step:            completed,
		GeneratorLR:     float64(gLR),
		DiscriminatorLR: float64(dLR),
		TrainName:       o.c.TrainName,
		RunID:           o.c.RunID,
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %d: %w", completed+1, err)
	}
	return nil
}

type scalar struct {
	name  string
	value float32
}

func (o *Orchestrator) logStep(ctx context.Context, step int, result engine.StepResult) {
	scalars := []scalar{
		{ScalarGenerator, result.GeneratorLoss},
		{ScalarBackgroundDisc, result.BackgroundLoss},
		{ScalarFusionDisc, result.FusionLoss},
	}
	for _, name := range result.Breakdown.Names() {
		scalars = append(scalars, scalar{"Loss/" + name, result.Breakdown[name]})
	}
	for _, s := range scalars {
		if err := o.c.Sink.AddScalar(ctx, s.name, float64(s.value), step); err != nil {
			log.Printf("Warning: failed to record %s: %v", s.name, err)
		}
	}

	log.Printf("Iter: %d/%d | Gen: %v | D_bg: %v | D_fus: %v",
		step, o.config.MaxIter, result.GeneratorLoss, result.BackgroundLoss, result.FusionLoss)
}
