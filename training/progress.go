package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

// ProgressBar provides tqdm-style training progress visualization. On a
// terminal it redraws one line in place; otherwise every update is a new
// line, so logs stay readable.
type ProgressBar struct {
	description string
	total       int
	current     int
	start       int
	startTime   time.Time
	width       int
	out         io.Writer
	interactive bool
	metrics     map[string]float64
}

// NewProgressBar creates a progress bar writing to stdout.
func NewProgressBar(description string, total int) *ProgressBar {
	return NewProgressBarTo(os.Stdout, description, total)
}

// NewProgressBarTo creates a progress bar writing to w. Redrawing in place is
// enabled only when w is a terminal.
func NewProgressBarTo(w io.Writer, description string, total int) *ProgressBar {
	interactive := false
	if f, ok := w.(*os.File); ok {
		interactive = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &ProgressBar{
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		out:         w,
		interactive: interactive,
		metrics:     make(map[string]float64),
	}
}

// Interactive reports whether the bar redraws in place.
func (pb *ProgressBar) Interactive() bool {
	return pb.interactive
}

// Resume sets the position the bar starts counting rate from.
func (pb *ProgressBar) Resume(step int) {
	pb.start = step
	pb.current = step
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.render()
	if pb.interactive {
		fmt.Fprintln(pb.out)
	}
}

func (pb *ProgressBar) render() {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if done := pb.current - pb.start; done > 0 && elapsed > 0 {
		rate = float64(done) / elapsed.Seconds()
		eta = time.Duration(float64(pb.total-pb.current) / rate * float64(time.Second))
	}

	line := fmt.Sprintf("%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))
	if rate > 0 {
		line += fmt.Sprintf(", %.2fit/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(", %s=%.3f", k, pb.metrics[k])
	}
	line += "]"

	if pb.interactive {
		fmt.Fprint(pb.out, "\r"+line)
	} else {
		fmt.Fprintln(pb.out, line)
	}
}

// formatDuration formats duration as MM:SS, or HH:MM:SS past an hour
func formatDuration(d time.Duration) string {
	if d >= time.Hour {
		return fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
