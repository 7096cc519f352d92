// Package monitor implements the read path: bounded-parallel fleet
// probing and a periodic watch loop. It is deliberately cut off from
// the write path -- nothing in this package can dispatch a command or
// touch a provider, so a monitoring loop can never power anything off.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/foldgate/internal/gate"
	"github.com/terrpan/foldgate/internal/worker"
)

// Prober is the probe dependency. internal/probe satisfies it.
type Prober interface {
	Probe(ctx context.Context, id worker.Identity) worker.ProbeResult
}

// Status is one worker's probe result with its gate evaluation.
type Status struct {
	Result   worker.ProbeResult `json:"result"`
	Decision gate.Decision      `json:"decision"`
}

// Config holds the monitor settings.
type Config struct {
	Prober  Prober
	Workers []worker.Identity

	// Parallelism bounds concurrent probes per snapshot. Default: 8.
	Parallelism int

	Logger *slog.Logger
}

// Monitor probes a fixed fleet and reports per-worker status.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter

	safeGauge    metric.Int64Gauge
	unknownGauge metric.Int64Gauge
}

// New creates a Monitor.
func New(cfg Config) *Monitor {
	if cfg.Parallelism == 0 {
		cfg.Parallelism = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	m := &Monitor{
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer("foldgate/monitor"),
		meter:  otel.Meter("foldgate/monitor"),
	}

	var err error
	m.safeGauge, err = m.meter.Int64Gauge(
		"foldgate.fleet.safe",
		metric.WithDescription("Workers whose last probe passed the safety gate"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create safe gauge", slog.String("error", err.Error()))
	}

	m.unknownGauge, err = m.meter.Int64Gauge(
		"foldgate.fleet.unknown",
		metric.WithDescription("Workers whose last probe could not determine state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create unknown gauge", slog.String("error", err.Error()))
	}

	return m
}

// Snapshot probes every worker with bounded parallelism and returns
// one status per worker, in the configured fleet order. A worker whose
// probe fails still gets a status; its gate decision reports why it is
// not safe.
func (m *Monitor) Snapshot(ctx context.Context) []Status {
	ctx, span := m.tracer.Start(ctx, "monitor.Snapshot")
	defer span.End()

	span.SetAttributes(attribute.Int("fleet.size", len(m.cfg.Workers)))

	statuses := make([]Status, len(m.cfg.Workers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Parallelism)
	for i, id := range m.cfg.Workers {
		g.Go(func() error {
			result := m.cfg.Prober.Probe(gctx, id)
			statuses[i] = Status{Result: result, Decision: gate.Evaluate(result)}
			return nil
		})
	}
	_ = g.Wait()

	safe, unknown := 0, 0
	for _, st := range statuses {
		if st.Decision.Safe {
			safe++
		}
		if st.Result.State() == worker.StateUnknown {
			unknown++
		}
	}
	if m.safeGauge != nil {
		m.safeGauge.Record(ctx, int64(safe))
	}
	if m.unknownGauge != nil {
		m.unknownGauge.Record(ctx, int64(unknown))
	}

	m.logger.Debug("fleet snapshot",
		slog.Int("workers", len(statuses)),
		slog.Int("safe", safe),
		slog.Int("unknown", unknown),
	)

	return statuses
}

// Watch takes a snapshot immediately and then every interval, handing
// each to sink, until ctx is canceled. It returns ctx.Err().
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, sink func([]Status)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sink(m.Snapshot(ctx))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
