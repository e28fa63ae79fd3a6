package stencil

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dashaylan/HiveStencil/configs"
)

// instrumentation scope of the solver metrics and spans
const scopeName = "github.com/dashaylan/HiveStencil/stencil"

// Result is the outcome of a run. Reaching MaxSteps without converging is
// a normal outcome.
type Result struct {
	Steps     int // steps executed
	Converged bool
	Elapsed   time.Duration
}

// Worker holds everything one worker needs to run its band.
type Worker struct {
	params configs.Params
	layout Layout
	band   *Band
	kernel Kernel
	exch   Exchanger
	comm   Communicator
	logger *slog.Logger

	meter        metric.Meter
	tracer       trace.Tracer
	stepDuration metric.Float64Histogram
	steps        metric.Int64Counter
	converged    metric.Int64Counter
	attrs        metric.MeasurementOption
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger of the worker.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithMeter sets the meter the step metrics are recorded with. The global
// MeterProvider is used by default.
func WithMeter(m metric.Meter) Option {
	return func(w *Worker) { w.meter = m }
}

// WithTracer sets the tracer of the run span. The global TracerProvider is
// used by default.
func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// NewWorker validates p against the size of the job, allocates the band
// and seeds it.
func NewWorker(c Communicator, p configs.Params, opts ...Option) (*Worker, error) {
	if err := p.Validate(c.Size()); err != nil {
		return nil, err
	}
	exch, err := NewExchanger(p.Exchange)
	if err != nil {
		return nil, err
	}
	layout := NewLayout(p, c.Rank(), c.Size())
	w := &Worker{
		params: p,
		layout: layout,
		band:   NewBand(p.Width, layout.Rows()),
		kernel: Kernel{Alpha: p.Alpha, Epsilon: p.Epsilon, Units: p.KernelUnits},
		exch:   exch,
		comm:   c,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.meter == nil {
		w.meter = otel.Meter(scopeName)
	}
	if w.tracer == nil {
		w.tracer = otel.Tracer(scopeName)
	}
	// The metric API hands back noop instruments on error.
	w.stepDuration, _ = w.meter.Float64Histogram("stencil.step.duration",
		metric.WithDescription("Duration of one solver step in seconds"),
		metric.WithUnit("s"))
	w.steps, _ = w.meter.Int64Counter("stencil.steps",
		metric.WithDescription("Solver steps executed"),
		metric.WithUnit("{step}"))
	w.converged, _ = w.meter.Int64Counter("stencil.converged",
		metric.WithDescription("Runs that reached global convergence"),
		metric.WithUnit("{run}"))
	w.attrs = metric.WithAttributes(
		attribute.Int("rank", c.Rank()),
		attribute.String("exchange", exch.Name()),
	)

	Seed(layout, w.band)
	w.logger.Debug("worker initialized",
		slog.Int("rank", c.Rank()), slog.Int("workers", c.Size()),
		slog.Int("rows", layout.Rows()), slog.String("exchange", exch.Name()))
	return w, nil
}

// Layout returns the band layout of this worker.
func (w *Worker) Layout() Layout { return w.layout }

// Band returns the buffers of this worker. They change on every step.
func (w *Worker) Band() *Band { return w.band }

// Step runs one step: swap the buffers, update the band, exchange the
// halos, reduce the convergence flags and wait at the barrier. It returns
// the global convergence verdict, identical on every worker.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	w.band.Swap()
	local := w.kernel.Step(w.layout, w.band)
	if err := w.exch.Exchange(ctx, w.comm, w.layout, w.band); err != nil {
		return false, fmt.Errorf("stencil: halo exchange: %w", err)
	}
	global, err := w.comm.AllreduceAND(ctx, local)
	if err != nil {
		return false, fmt.Errorf("stencil: convergence reduction: %w", err)
	}
	if err := w.comm.Barrier(ctx); err != nil {
		return false, fmt.Errorf("stencil: barrier: %w", err)
	}
	return global, nil
}

// Run steps until the job converges or MaxSteps steps have run. A failed
// step aborts the whole job.
func (w *Worker) Run(ctx context.Context) (Result, error) {
	ctx, span := w.tracer.Start(ctx, "stencil.run",
		trace.WithAttributes(
			attribute.Int("stencil.rank", w.layout.Rank),
			attribute.Int("stencil.workers", w.layout.Workers),
			attribute.Int("stencil.width", w.layout.Width),
			attribute.Int("stencil.band_height", w.layout.BandHeight),
			attribute.String("stencil.exchange", w.exch.Name()),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	var res Result
	start := time.Now()
	for res.Steps < w.params.MaxSteps {
		t0 := time.Now()
		converged, err := w.Step(ctx)
		if err != nil {
			err = w.comm.Abort(err)
			res.Elapsed = time.Since(start)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			w.logger.Error("run aborted", slog.Int("rank", w.layout.Rank), slog.Int("step", res.Steps), slog.Any("error", err))
			return res, err
		}
		w.stepDuration.Record(ctx, time.Since(t0).Seconds(), w.attrs)
		w.steps.Add(ctx, 1, w.attrs)
		res.Steps++
		if converged {
			res.Converged = true
			w.converged.Add(ctx, 1, w.attrs)
			break
		}
	}
	res.Elapsed = time.Since(start)

	span.SetAttributes(
		attribute.Int("stencil.steps", res.Steps),
		attribute.Bool("stencil.converged", res.Converged),
	)
	span.SetStatus(codes.Ok, "")
	w.logger.Info("run finished",
		slog.Int("rank", w.layout.Rank), slog.Int("steps", res.Steps),
		slog.Bool("converged", res.Converged), slog.Duration("elapsed", res.Elapsed))
	return res, nil
}
