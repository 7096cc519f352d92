// Package command implements the command dispatcher: sending named
// lifecycle commands (drain, pause, resume) to a worker over the
// remote execution channel.
//
// Dispatch is fire-and-confirm: every call blocks until the remote
// invocation's exit status is known. A drain is only considered issued
// when the worker acknowledged it.
package command

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/foldgate/internal/remote"
	"github.com/terrpan/foldgate/internal/worker"
)

// Command is a named lifecycle command understood by the compute
// client.
type Command string

const (
	// Drain tells the worker to finish its current unit and accept no
	// more. The client keeps running; it ends up paused.
	Drain Command = "DRAIN"

	// Pause tells the worker to pause immediately after the in-flight
	// unit, same as Drain for clients without a separate finish mode.
	Pause Command = "PAUSE"

	// Resume tells a paused worker to request new units again.
	Resume Command = "RESUME"
)

// Config maps commands onto the client's CLI. The defaults match the
// stock compute client.
type Config struct {
	DrainCommand  string
	PauseCommand  string
	ResumeCommand string

	Logger *slog.Logger
}

// Dispatcher sends lifecycle commands to workers.
type Dispatcher struct {
	runner     remote.Runner
	cfg        Config
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
	dispatches metric.Int64Counter
}

// New creates a Dispatcher on top of the given channel.
func New(runner remote.Runner, cfg Config) *Dispatcher {
	if cfg.DrainCommand == "" {
		cfg.DrainCommand = "fold-client finish"
	}
	if cfg.PauseCommand == "" {
		cfg.PauseCommand = "fold-client pause"
	}
	if cfg.ResumeCommand == "" {
		cfg.ResumeCommand = "fold-client unpause"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	d := &Dispatcher{
		runner: runner,
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer("foldgate/command"),
		meter:  otel.Meter("foldgate/command"),
	}

	var err error
	d.dispatches, err = d.meter.Int64Counter(
		"foldgate.dispatches",
		metric.WithDescription("Total number of lifecycle commands dispatched"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create dispatches counter", slog.String("error", err.Error()))
	}

	return d
}

// Send dispatches cmd to the worker and blocks until the remote exit
// status is known. Failure to dispatch is reported, never swallowed:
// the caller must not assume a drain began just because it was
// requested.
func (d *Dispatcher) Send(ctx context.Context, id worker.Identity, cmd Command) error {
	ctx, span := d.tracer.Start(ctx, "command.Send")
	defer span.End()

	span.SetAttributes(
		attribute.String("worker.provider", id.Provider),
		attribute.String("worker.name", id.Name),
		attribute.String("command", string(cmd)),
	)

	remoteCmd, err := d.remoteCommand(cmd)
	if err != nil {
		return err
	}

	d.logger.Info("dispatching command",
		slog.String("worker", id.String()),
		slog.String("command", string(cmd)),
	)

	out, err := d.runner.Run(ctx, id.Address, remoteCmd)
	if err != nil {
		d.count(ctx, cmd, "unreachable")
		return &worker.UnreachableError{Identity: id, Cause: err}
	}

	if out.ExitCode != 0 {
		d.count(ctx, cmd, "rejected")
		return &worker.DispatchRejectedError{
			Identity: id,
			Command:  string(cmd),
			ExitCode: out.ExitCode,
			Output:   out.Stderr,
		}
	}

	d.count(ctx, cmd, "acknowledged")
	d.logger.Info("command acknowledged",
		slog.String("worker", id.String()),
		slog.String("command", string(cmd)),
	)

	return nil
}

func (d *Dispatcher) remoteCommand(cmd Command) (string, error) {
	switch cmd {
	case Drain:
		return d.cfg.DrainCommand, nil
	case Pause:
		return d.cfg.PauseCommand, nil
	case Resume:
		return d.cfg.ResumeCommand, nil
	default:
		return "", fmt.Errorf("unknown command %q", cmd)
	}
}

func (d *Dispatcher) count(ctx context.Context, cmd Command, outcome string) {
	if d.dispatches != nil {
		d.dispatches.Add(ctx, 1, metric.WithAttributes(
			attribute.String("command", string(cmd)),
			attribute.String("outcome", outcome),
		))
	}
}
