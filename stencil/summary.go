package stencil

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Summary is the report of a run, printed once by the first worker.
type Summary struct {
	Steps      int
	Converged  bool
	Elapsed    time.Duration
	Width      int
	BandHeight int
	Workers    int
}

// Summary builds the report of res.
func (w *Worker) Summary(res Result) Summary {
	return Summary{
		Steps:      res.Steps,
		Converged:  res.Converged,
		Elapsed:    res.Elapsed,
		Width:      w.layout.Width,
		BandHeight: w.layout.BandHeight,
		Workers:    w.layout.Workers,
	}
}

// Micros is the elapsed time in microseconds.
func (s Summary) Micros() float64 {
	return float64(s.Elapsed.Nanoseconds()) / 1000
}

// GFlops is the approximate throughput, counting six floating point
// operations per cell and step. Steps includes the step that converged,
// so the figure is one step higher than a count that stops before it.
func (s Summary) GFlops() float64 {
	us := s.Micros()
	if us <= 0 {
		return 0
	}
	return 6.0 * float64(s.Width) * float64(s.BandHeight) * float64(s.Workers) * float64(s.Steps) / (us * 1000)
}

// LogValue logs the summary as a group.
func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("steps", s.Steps),
		slog.Bool("converged", s.Converged),
		slog.Float64("usecs", s.Micros()),
		slog.Float64("gflops", s.GFlops()),
	)
}

// WriteTo prints the summary in the benchmark output format.
func (s Summary) WriteTo(w io.Writer) (int64, error) {
	n, err := fmt.Fprintf(w, "# steps = %d\n# converged = %t\n# time = %g usecs.\n# gflops = %g\n",
		s.Steps, s.Converged, s.Micros(), s.GFlops())
	return int64(n), err
}
