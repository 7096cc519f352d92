// Package probe implements the worker probe: a read-only query of one
// worker's live job state over the remote execution channel.
//
// The probe is deliberately incapable of expressing "stopped". A probe
// either produces a positive observation (reachable, with the client's
// reported pause flag and unit count) or it produces "unreachable",
// which is evidence of nothing except unreachability.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/foldgate/internal/remote"
	"github.com/terrpan/foldgate/internal/worker"
)

// DefaultStatusCommand queries the compute client for its job state.
// The client prints a single JSON object on stdout.
const DefaultStatusCommand = "fold-client status --json"

// Config holds probe settings.
type Config struct {
	// StatusCommand is the remote command that prints the client's
	// status JSON. Default: DefaultStatusCommand.
	StatusCommand string

	// TransportRetries is the number of additional attempts made when
	// the channel itself fails (dial error, handshake timeout). The
	// retries apply to the read path only; after they are exhausted the
	// worker is reported unreachable. Default: 2.
	TransportRetries uint64

	Logger *slog.Logger
}

// Prober queries workers for their live job state.
type Prober struct {
	runner remote.Runner
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter
	probes metric.Int64Counter
}

// clientStatus is the JSON shape the compute client prints for its
// local status query.
type clientStatus struct {
	Paused      bool `json:"paused"`
	ActiveUnits int  `json:"active_units"`
}

// New creates a Prober on top of the given channel.
func New(runner remote.Runner, cfg Config) *Prober {
	if cfg.StatusCommand == "" {
		cfg.StatusCommand = DefaultStatusCommand
	}
	if cfg.TransportRetries == 0 {
		cfg.TransportRetries = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	p := &Prober{
		runner: runner,
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer("foldgate/probe"),
		meter:  otel.Meter("foldgate/probe"),
	}

	var err error
	p.probes, err = p.meter.Int64Counter(
		"foldgate.probes",
		metric.WithDescription("Total number of worker probes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create probes counter", slog.String("error", err.Error()))
	}

	return p
}

// Probe queries one worker and returns the observation. It never
// returns an error for an unreachable worker; transport failures yield
// Reachable=false with the failure recorded in Err. It is safe to call
// in parallel across distinct workers.
func (p *Prober) Probe(ctx context.Context, id worker.Identity) worker.ProbeResult {
	ctx, span := p.tracer.Start(ctx, "probe.Probe")
	defer span.End()

	span.SetAttributes(
		attribute.String("worker.provider", id.Provider),
		attribute.String("worker.name", id.Name),
	)

	res := worker.ProbeResult{
		Identity:   id,
		ObservedAt: time.Now().UTC(),
	}

	out, err := p.runWithRetry(ctx, id)
	if err != nil {
		res.Err = err.Error()
		p.count(ctx, "unreachable")
		span.SetAttributes(attribute.String("probe.outcome", "unreachable"))
		p.logger.Debug("worker unreachable",
			slog.String("worker", id.String()),
			slog.String("error", err.Error()),
		)
		return res
	}

	if out.ExitCode != 0 {
		// The host answered but the client could not report its state.
		// That is still UNKNOWN: a failing status query authorizes
		// nothing.
		res.Err = fmt.Sprintf("status command exited %d: %s", out.ExitCode, out.Stderr)
		p.count(ctx, "status_failed")
		span.SetAttributes(attribute.String("probe.outcome", "status_failed"))
		return res
	}

	var st clientStatus
	if err := json.Unmarshal([]byte(out.Stdout), &st); err != nil {
		res.Err = fmt.Sprintf("parsing status output: %v", err)
		p.count(ctx, "parse_failed")
		span.SetAttributes(attribute.String("probe.outcome", "parse_failed"))
		return res
	}

	res.Reachable = true
	res.Paused = st.Paused
	res.ActiveUnits = st.ActiveUnits

	p.count(ctx, "ok")
	span.SetAttributes(
		attribute.String("probe.outcome", "ok"),
		attribute.Bool("probe.paused", res.Paused),
		attribute.Int("probe.active_units", res.ActiveUnits),
	)

	return res
}

// runWithRetry retries transport failures with exponential backoff.
// Retrying is sanctioned here because a probe is read-only; destructive
// operations are never retried this way.
func (p *Prober) runWithRetry(ctx context.Context, id worker.Identity) (remote.Result, error) {
	var out remote.Result

	op := func() error {
		var err error
		out, err = p.runner.Run(ctx, id.Address, p.cfg.StatusCommand)
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.cfg.TransportRetries),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		return remote.Result{}, err
	}
	return out, nil
}

func (p *Prober) count(ctx context.Context, outcome string) {
	if p.probes != nil {
		p.probes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
