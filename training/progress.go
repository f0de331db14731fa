package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-layergan/layers"
)

// ProgressBar renders a single-line training progress bar with the latest
// costs, redrawn in place with a carriage return.
type ProgressBar struct {
	out         io.Writer
	description string
	start       int
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a bar counting from start to total.
func NewProgressBar(out io.Writer, description string, start, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		start:       start,
		total:       total,
		current:     start,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
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
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, pb.String())
}

// String returns the current line, starting with a carriage return.
func (pb *ProgressBar) String() string {
	var percentage float64
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	done := pb.current - pb.start
	var rate float64
	var eta time.Duration
	if done > 0 && elapsed > 0 {
		rate = float64(done) / elapsed.Seconds()
		eta = time.Duration(float64(pb.total-pb.current) / rate * float64(time.Second))
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s<%s",
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
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, value)
		}
	}
	return line + "]"
}

// formatDuration formats duration as MM:SS, or HH:MM:SS past an hour.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints PyTorch-style model architecture
type ModelArchitecturePrinter struct {
	out io.Writer
}

func NewModelArchitecturePrinter(out io.Writer) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{out: out}
}

// PrintArchitecture prints the model architecture in PyTorch style
func (p *ModelArchitecturePrinter) PrintArchitecture(spec layers.ModelSpec) {
	fmt.Fprintf(p.out, "%s(\n", spec.Name)
	for _, layer := range spec.Layers {
		fmt.Fprintf(p.out, "  %s\n", formatLayer(layer))
	}
	fmt.Fprintf(p.out, ")\n")
	fmt.Fprintf(p.out, "Total parameters: %s\n", formatParameterCount(spec.TotalParameters))
	fmt.Fprintf(p.out, "Params size (MB): %.3f\n\n", float64(spec.TotalParameters*8)/1024/1024)
}

func formatLayer(layer layers.LayerSpec) string {
	p := layer.Parameters
	switch layer.Type {
	case layers.Conv2D:
		return fmt.Sprintf("(%s): Conv2d(%v, %v, kernel_size=%v, stride=%v, padding=%v)",
			layer.Name, p["input_channels"], p["output_channels"], p["kernel_size"], p["stride"], p["padding"])
	case layers.Dense:
		return fmt.Sprintf("(%s): Linear(in_features=%v, out_features=%v, bias=%v)",
			layer.Name, p["input_size"], p["output_size"], p["use_bias"])
	case layers.BatchNorm:
		return fmt.Sprintf("(%s): BatchNorm(%v, eps=%v, momentum=%v)",
			layer.Name, p["num_features"], p["eps"], p["momentum"])
	case layers.ELU:
		return fmt.Sprintf("(%s): ELU(alpha=%v)", layer.Name, p["alpha"])
	case layers.GaussianNoise:
		return fmt.Sprintf("(%s): GaussianNoise(std=%v)", layer.Name, p["std"])
	case layers.Reshape:
		return fmt.Sprintf("(%s): Reshape(%v)", layer.Name, layer.OutputShape)
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}
