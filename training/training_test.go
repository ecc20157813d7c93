package training

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/go-srnet/checkpoints"
	"github.com/tsawler/go-srnet/engine"
	"github.com/tsawler/go-srnet/loss"
	"github.com/tsawler/go-srnet/metrics"
	"github.com/tsawler/go-srnet/models"
	"github.com/tsawler/go-srnet/optimizer"
	"github.com/tsawler/go-srnet/tensor"
	"github.com/tsawler/go-srnet/vision/dataloader"
	"github.com/tsawler/go-srnet/vision/dataset"
	"github.com/tsawler/go-srnet/vision/preprocessing"
)

func writePNG(t *testing.T, path string, width, height int, value uint8) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{value, uint8(x * 10), uint8(y * 20), 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func tinyConfig(t *testing.T, root string) Config {
	t.Helper()
	for i, name := range []string{"a.png", "b.png", "c.png"} {
		for j, m := range dataset.Modalities {
			writePNG(t, filepath.Join(root, "data", string(m), name), 12+4*i, 8, uint8(30*j))
		}
	}
	writePNG(t, filepath.Join(root, "examples", "ex_1_i_t.png"), 20, 10, 200)
	writePNG(t, filepath.Join(root, "examples", "ex_1_i_s.png"), 20, 10, 50)

	c := DefaultConfig()
	c.DataDir = filepath.Join(root, "data")
	c.ExampleDataDir = filepath.Join(root, "examples")
	c.ExampleResultDir = filepath.Join(root, "results")
	c.CheckpointDir = filepath.Join(root, "logs")
	c.TrainName = "run"
	c.BatchSize = 2
	c.TargetHeight = 8
	c.MaxIter = 4
	c.WriteLogInterval = 1
	c.SaveCkptInterval = 2
	c.GenExampleInterval = 2
	c.Generator.Features = 2
	c.Discriminator.Features = 2
	c.Workers = 2
	c.Metrics = "memory"
	return c
}

func TestEndToEndRunAndResume(t *testing.T) {
	root := t.TempDir()
	config := tinyConfig(t, root)
	ctx := context.Background()

	o, err := Setup(ctx, config, io.Discard)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	summary, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.StartStep != 0 || summary.EndStep != 4 {
		t.Errorf("summary = %+v", summary)
	}
	sink := o.Sink().(*metrics.MemorySink)
	if got := len(sink.Scalars(ScalarGenerator)); got != 4 {
		t.Errorf("%s recorded %d times, expected 4", ScalarGenerator, got)
	}
	if got := len(sink.Scalars("Loss/" + loss.TermFusionVGGStyle)); got != 4 {
		t.Errorf("breakdown term recorded %d times, expected 4", got)
	}
	if err := o.Close(); err != nil {
		t.Fatal(err)
	}

	runDir := filepath.Join(config.CheckpointDir, "run")
	for _, step := range []int{2, 4} {
		if _, err := os.Stat(filepath.Join(runDir, checkpoints.FileName(step))); err != nil {
			t.Errorf("checkpoint %d missing: %v", step, err)
		}
		for _, suffix := range []string{"o_f.png", "o_sk.png", "o_t.png", "o_b.png"} {
			path := filepath.Join(config.ExampleResultDir, "run", fmt.Sprintf("iter-%d", step), "ex_"+suffix)
			if _, err := os.Stat(path); err != nil {
				t.Errorf("example output missing: %v", err)
			}
		}
	}

	// The checkpoint labelled 4 was taken before the fourth iteration ran.
	ckpt, err := checkpoints.NewCheckpointSaver(checkpoints.FormatProto).LoadCheckpoint(filepath.Join(runDir, checkpoints.FileName(4)))
	if err != nil {
		t.Fatal(err)
	}
	if ckpt.TrainingState.Step != 3 || ckpt.TrainingState.TrainName != "run" {
		t.Errorf("training state = %+v", ckpt.TrainingState)
	}

	config.Resume = "latest"
	config.MaxIter = 6
	resumed, err := Setup(ctx, config, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	defer resumed.Close()
	summary, err = resumed.Run(ctx)
	if err != nil {
		t.Fatalf("resumed Run failed: %v", err)
	}
	if summary.StartStep != 3 || summary.EndStep != 6 {
		t.Errorf("resumed summary = %+v", summary)
	}
	if _, err := os.Stat(filepath.Join(runDir, checkpoints.FileName(6))); err != nil {
		t.Errorf("checkpoint 6 missing: %v", err)
	}
}

func newTestEngine(t *testing.T, losses engine.Losses) *engine.StepEngine {
	t.Helper()
	rng := rand.New(rand.NewSource(5))
	g, err := models.NewGenerator(models.GeneratorConfig{Features: 2}, rng)
	if err != nil {
		t.Fatal(err)
	}
	d1, _ := models.NewDiscriminator(models.DiscriminatorConfig{InChannels: 6, Features: 2}, rng)
	d2, _ := models.NewDiscriminator(models.DiscriminatorConfig{InChannels: 6, Features: 2}, rng)
	fe, _ := models.NewFeatureExtractor(rng)

	var opts engine.Optimizers
	for _, p := range []struct {
		params []*tensor.Tensor
		dst    *optimizer.Optimizer
	}{
		{g.Parameters(), &opts.Generator},
		{d1.Parameters(), &opts.Discriminator1},
		{d2.Parameters(), &opts.Discriminator2},
	} {
		opt, err := optimizer.NewAdam(optimizer.DefaultAdamConfig(), p.params)
		if err != nil {
			t.Fatal(err)
		}
		*p.dst = opt
	}
	e, err := engine.NewStepEngine(engine.Networks{Generator: g, Discriminator1: d1, Discriminator2: d2, Features: fe},
		opts, losses, engine.Config{})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func filledImage(t *testing.T, channels int, value float32) *preprocessing.Image {
	t.Helper()
	img, err := preprocessing.NewImage(16, 8, channels)
	if err != nil {
		t.Fatal(err)
	}
	for i := range img.Pix {
		img.Pix[i] = value
	}
	return img
}

func memoryBatches(t *testing.T) BatchSource {
	t.Helper()
	var samples []*dataset.Sample
	for i := 0; i < 2; i++ {
		v := float32(40*i + 20)
		samples = append(samples, &dataset.Sample{
			Name:       fmt.Sprintf("s%d", i),
			Glyph:      filledImage(t, 3, v),
			Style:      filledImage(t, 3, v+10),
			Skeleton:   filledImage(t, 1, v),
			Text:       filledImage(t, 3, v+20),
			Background: filledImage(t, 3, v+30),
			Fusion:     filledImage(t, 3, v+40),
			Mask:       filledImage(t, 1, 255),
		})
	}
	dl, err := dataloader.NewDataLoader(dataset.NewMemoryDataset(samples...), dataloader.Config{BatchSize: 2, TargetHeight: 8})
	if err != nil {
		t.Fatal(err)
	}
	c := dl.Cycle()
	t.Cleanup(func() { c.Close() })
	return c
}

func divergingLosses() engine.Losses {
	losses := engine.DefaultLosses(loss.DefaultWeights())
	losses.Discriminator = func(_, _ *tensor.Tensor) (*tensor.Tensor, error) {
		return tensor.Scalar(float32(math.NaN())), nil
	}
	return losses
}

func orchestratorConfig(t *testing.T) Config {
	c := DefaultConfig()
	c.CheckpointDir = t.TempDir()
	c.ExampleDataDir = ""
	c.MaxIter = 3
	c.WriteLogInterval = 1
	c.SaveCkptInterval = 100
	c.GenExampleInterval = 100
	return c
}

func TestDivergencePolicy(t *testing.T) {
	for _, policy := range []string{DivergenceSkip, DivergenceAbort} {
		t.Run(policy, func(t *testing.T) {
			config := orchestratorConfig(t)
			config.OnDivergence = policy
			store, err := checkpoints.NewStore(checkpoints.StoreConfig{SaveDirectory: config.CheckpointDir})
			if err != nil {
				t.Fatal(err)
			}
			o, err := NewOrchestrator(config, Components{
				Engine:   newTestEngine(t, divergingLosses()),
				Batches:  memoryBatches(t),
				Store:    store,
				Progress: io.Discard,
			})
			if err != nil {
				t.Fatal(err)
			}

			summary, err := o.Run(context.Background())
			if policy == DivergenceSkip {
				if err != nil || summary.Divergences != 3 || summary.EndStep != 3 {
					t.Errorf("skip: summary %+v, err %v", summary, err)
				}
				return
			}
			if !errors.Is(err, engine.ErrDivergence) || summary.EndStep != 1 {
				t.Errorf("abort: summary %+v, err %v", summary, err)
			}
		})
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	config := orchestratorConfig(t)
	store, err := checkpoints.NewStore(checkpoints.StoreConfig{SaveDirectory: config.CheckpointDir})
	if err != nil {
		t.Fatal(err)
	}
	o, err := NewOrchestrator(config, Components{
		Engine:   newTestEngine(t, engine.DefaultLosses(loss.DefaultWeights())),
		Batches:  memoryBatches(t),
		Store:    store,
		Progress: io.Discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := o.Run(ctx)
	if !errors.Is(err, context.Canceled) || summary.EndStep != 0 {
		t.Errorf("summary %+v, err %v", summary, err)
	}
}

func TestResumeFromMissingCheckpointStartsFresh(t *testing.T) {
	config := orchestratorConfig(t)
	config.Resume = filepath.Join(config.CheckpointDir, "missing.model")
	config.MaxIter = 1
	store, err := checkpoints.NewStore(checkpoints.StoreConfig{SaveDirectory: config.CheckpointDir})
	if err != nil {
		t.Fatal(err)
	}
	o, err := NewOrchestrator(config, Components{
		Engine:   newTestEngine(t, engine.DefaultLosses(loss.DefaultWeights())),
		Batches:  memoryBatches(t),
		Store:    store,
		Progress: io.Discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	summary, err := o.Run(context.Background())
	if err != nil || summary.StartStep != 0 || summary.EndStep != 1 {
		t.Errorf("summary %+v, err %v", summary, err)
	}
}

type fixedGenerator struct {
	out engine.GeneratorOutput
}

func (f fixedGenerator) Generate(glyph, style *tensor.Tensor) (engine.GeneratorOutput, error) {
	return f.out, nil
}

func TestExampleRenderer(t *testing.T) {
	full := func(c int, v float32) *tensor.Tensor {
		x, err := tensor.Full([]int{1, c, 7, 15}, v)
		if err != nil {
			t.Fatal(err)
		}
		return x
	}
	gen := fixedGenerator{engine.GeneratorOutput{
		Skeleton:   full(1, 1),
		Text:       full(3, -1),
		Background: full(3, 0),
		Fusion:     full(3, 2), // out of range, clamped when encoded
	}}
	glyph, _ := tensor.Zeros([]int{1, 3, 8, 16})
	examples := dataloader.NewCycle(func() (dataloader.Iterator[*dataloader.PreparedExample], error) {
		return dataloader.NewSliceIterator([]*dataloader.PreparedExample{{Name: "x_", Glyph: glyph, Style: glyph}}), nil
	})

	dir := t.TempDir()
	r := NewExampleRenderer(gen, examples, dir, 500000)
	if got := filepath.Base(r.IterationDir(1000)); got != "iter-001000" {
		t.Errorf("IterationDir = %s, expected iter-001000", got)
	}

	out, err := r.Render(1000)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	expected := map[string]uint8{"x_o_sk.png": 255, "x_o_t.png": 0, "x_o_b.png": 128, "x_o_f.png": 255}
	for name, want := range expected {
		f, err := os.Open(filepath.Join(out, name))
		if err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
		img, err := png.Decode(f)
		f.Close()
		if err != nil {
			t.Fatal(err)
		}
		if b := img.Bounds(); b.Dx() != 15 || b.Dy() != 7 {
			t.Errorf("%s is %dx%d, expected 15x7", name, b.Dx(), b.Dy())
		}
		red, _, _, _ := img.At(3, 3).RGBA()
		if uint8(red>>8) != want {
			t.Errorf("%s pixel = %d, expected %d", name, red>>8, want)
		}
	}
}

func TestMultiStepScheduler(t *testing.T) {
	s, err := SchedulerConfig{Kind: SchedulerMultiStep}.Build()
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		step     int
		expected float64
	}{
		{0, 1}, {29, 1}, {30, 0.5}, {199, 0.5}, {200, 0.25}, {10000, 0.25},
	}
	for _, tt := range tests {
		if got := s.GetLR(tt.step, 1); math.Abs(got-tt.expected) > 1e-12 {
			t.Errorf("GetLR(%d) = %v, expected %v", tt.step, got, tt.expected)
		}
	}

	if c, _ := (SchedulerConfig{}).Build(); c.GetLR(123456, 1e-4) != 1e-4 {
		t.Error("default scheduler must keep the base rate")
	}
	if _, err := (SchedulerConfig{Kind: "bogus"}).Build(); err == nil {
		t.Error("expected error for unknown scheduler")
	}
}

func TestConfig(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"batch_size": 4, "on_divergence": "skip", "loss": {"lb_beta": 5}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if c.BatchSize != 4 || c.OnDivergence != DivergenceSkip || c.Loss.BackBeta != 5 {
		t.Errorf("overrides not applied: %+v", c)
	}
	if c.MaxIter != 500000 || c.Loss.FusTheta3 != 500 {
		t.Errorf("defaults lost: max_iter=%d lf_theta_3=%v", c.MaxIter, c.Loss.FusTheta3)
	}

	bad := []func(*Config){
		func(c *Config) { c.BatchSize = 0 },
		func(c *Config) { c.OnDivergence = "retry" },
		func(c *Config) { c.CheckpointFmt = "onnx" },
		func(c *Config) { c.Metrics = "tensorboard" },
		func(c *Config) { c.ExampleResultDir = "" },
		func(c *Config) {
			c.Resume = "latest"
			c.TrainName = ""
		},
	}
	for i, mutate := range bad {
		c := DefaultConfig()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestProgressBarNonInteractive(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBarTo(&buf, "train", 10)
	if pb.Interactive() {
		t.Fatal("a buffer is not a terminal")
	}
	pb.Update(3, map[string]float64{"gen": 1.5})
	pb.Finish()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "3/10") || !strings.Contains(lines[0], "gen=1.500") {
		t.Errorf("unexpected line %q", lines[0])
	}
}

func TestTrainName(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if got := TrainName(ts); got != "20260304050607" {
		t.Errorf("TrainName = %s", got)
	}
}
