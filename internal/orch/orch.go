// Package orch implements the write path: the top-level workflow that
// drains a worker, verifies the drain through the safety gate, obtains
// an explicit per-worker confirmation, and only then authorizes a
// provider-level power-off -- with every decision audited.
//
// Each worker gets its own state machine:
//
//	idle → draining → awaiting_confirmation → authorized → executing → done
//
// with timed_out terminal from draining and aborted reachable from any
// non-terminal state except executing (a destructive call already
// dispatched to a provider completes or fails on its own).
package orch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/foldgate/internal/audit"
	"github.com/terrpan/foldgate/internal/command"
	"github.com/terrpan/foldgate/internal/gate"
	"github.com/terrpan/foldgate/internal/provider"
	"github.com/terrpan/foldgate/internal/state"
	"github.com/terrpan/foldgate/internal/worker"
)

// Orchestrator states.
const (
	StateIdle                 = "idle"
	StateDraining             = "draining"
	StateAwaitingConfirmation = "awaiting_confirmation"
	StateAuthorized           = "authorized"
	StateExecuting            = "executing"
	StateDone                 = "done"
	StateTimedOut             = "timed_out"
	StateAborted              = "aborted"
)

// Orchestrator events.
const (
	eventDrainAcknowledged = "drain_acknowledged"
	eventPausedVerified    = "paused_verified"
	eventCeilingReached    = "ceiling_reached"
	eventConfirmed         = "confirmed"
	eventExecute           = "execute"
	eventStopSucceeded     = "stop_succeeded"
	eventAbort             = "abort"
)

// ErrDrainTimeout is returned when a worker does not reach paused
// before the configured ceiling. The orchestrator never escalates to a
// forced stop; the operator must intervene manually.
var ErrDrainTimeout = errors.New("drain ceiling reached without worker pausing")

// Prober is the read side the orchestrator polls during a drain.
type Prober interface {
	Probe(ctx context.Context, id worker.Identity) worker.ProbeResult
}

// Dispatcher sends lifecycle commands to workers.
type Dispatcher interface {
	Send(ctx context.Context, id worker.Identity, cmd command.Command) error
}

// Confirmer supplies the explicit, per-worker confirmation required
// between a passing gate decision and a provider stop. It is never
// inferred and never batched across workers.
type Confirmer interface {
	Confirm(ctx context.Context, id worker.Identity, decision gate.Decision) (bool, error)
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, id worker.Identity, decision gate.Decision) (bool, error)

// Confirm implements Confirmer.
func (f ConfirmerFunc) Confirm(ctx context.Context, id worker.Identity, decision gate.Decision) (bool, error) {
	return f(ctx, id, decision)
}

// StaticConfirmer answers every confirmation request with a fixed
// value -- the CLI's --confirm flag.
func StaticConfirmer(confirmed bool) Confirmer {
	return ConfirmerFunc(func(context.Context, worker.Identity, gate.Decision) (bool, error) {
		return confirmed, nil
	})
}

// Config holds the orchestrator's collaborators and tuning.
type Config struct {
	Prober     Prober
	Dispatcher Dispatcher
	Providers  provider.Registry
	Tracker    *state.Tracker
	Audit      *audit.Log
	Confirmer  Confirmer

	// Operator identifies who is driving this session; recorded with
	// every state tracker write.
	Operator string

	// PollInterval is the delay between probes while draining.
	// Default: 30s.
	PollInterval time.Duration

	// DrainCeiling is the hard upper bound on one worker's drain wait.
	// Default: 30m.
	DrainCeiling time.Duration

	// FleetParallelism bounds concurrent per-worker operations in
	// fleet-wide calls. Default: 8.
	FleetParallelism int

	Logger *slog.Logger
}

// Orchestrator coordinates drain-then-stop workflows. Per-worker runs
// are independent; the only shared resources are the audit log
// (concurrent-append safe) and the state tracker (keyed by identity).
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter

	stopsExecuted metric.Int64Counter
	stopsRejected metric.Int64Counter
	drainDuration metric.Float64Histogram
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.DrainCeiling == 0 {
		cfg.DrainCeiling = 30 * time.Minute
	}
	if cfg.FleetParallelism == 0 {
		cfg.FleetParallelism = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	o := &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer("foldgate/orch"),
		meter:  otel.Meter("foldgate/orch"),
	}

	var err error
	o.stopsExecuted, err = o.meter.Int64Counter(
		"foldgate.stops.executed",
		metric.WithDescription("Total number of provider stops executed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create stopsExecuted counter", slog.String("error", err.Error()))
	}

	o.stopsRejected, err = o.meter.Int64Counter(
		"foldgate.stops.rejected",
		metric.WithDescription("Total number of stop attempts rejected"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create stopsRejected counter", slog.String("error", err.Error()))
	}

	o.drainDuration, err = o.meter.Float64Histogram(
		"foldgate.drain.duration",
		metric.WithDescription("Time from drain dispatch to verified pause (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(30, 60, 300, 600, 1200, 1800, 3600),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create drainDuration histogram", slog.String("error", err.Error()))
	}

	return o
}

// Run is the outcome of one worker's retire workflow.
type Run struct {
	Identity worker.Identity

	// FinalState is the state machine's terminal state.
	FinalState string

	// Decision is the gate decision that authorized the stop, if one
	// was reached.
	Decision *gate.Decision

	// AuditIDs are the audit entries written during the run, in order.
	AuditIDs []string
}

func newMachine(logger *slog.Logger, id worker.Identity) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventDrainAcknowledged, Src: []string{StateIdle}, Dst: StateDraining},
			{Name: eventPausedVerified, Src: []string{StateDraining}, Dst: StateAwaitingConfirmation},
			{Name: eventCeilingReached, Src: []string{StateDraining}, Dst: StateTimedOut},
			{Name: eventConfirmed, Src: []string{StateAwaitingConfirmation}, Dst: StateAuthorized},
			{Name: eventExecute, Src: []string{StateAuthorized}, Dst: StateExecuting},
			{Name: eventStopSucceeded, Src: []string{StateExecuting}, Dst: StateDone},
			{Name: eventAbort, Src: []string{
				StateIdle, StateDraining, StateAwaitingConfirmation, StateAuthorized,
			}, Dst: StateAborted},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("lifecycle transition",
					slog.String("worker", id.String()),
					slog.String("from", e.Src),
					slog.String("to", e.Dst),
				)
			},
		},
	)
}

// Retire runs the full drain → verify → confirm → stop workflow for
// one worker. The returned Run reports the terminal state even when an
// error is also returned.
func (o *Orchestrator) Retire(ctx context.Context, id worker.Identity) (*Run, error) {
	ctx, span := o.tracer.Start(ctx, "orch.Retire")
	defer span.End()

	span.SetAttributes(
		attribute.String("worker.provider", id.Provider),
		attribute.String("worker.name", id.Name),
	)

	run := &Run{Identity: id}
	m := newMachine(o.logger, id)
	defer func() {
		run.FinalState = m.Current()
		span.SetAttributes(attribute.String("orch.final_state", run.FinalState))
	}()

	adapter, err := o.cfg.Providers.Lookup(id.Provider)
	if err != nil {
		return run, err
	}

	o.auditAppend(run, audit.Entry{
		Action:   audit.StopRequested,
		Provider: id.Provider,
		Target:   id.Name,
		Details:  fmt.Sprintf("retire requested by %s", o.cfg.Operator),
		Result:   "accepted",
	})

	// Phase 1: drain. The worker must acknowledge before we believe a
	// drain is in progress.
	if err := o.cfg.Dispatcher.Send(ctx, id, command.Drain); err != nil {
		_ = m.Event(ctx, eventAbort)
		return run, fmt.Errorf("drain dispatch: %w", err)
	}
	if err := m.Event(ctx, eventDrainAcknowledged); err != nil {
		return run, err
	}
	o.recordState(ctx, id, worker.StateFinishing)

	drainStart := time.Now()

	// Phase 2: poll until the gate passes or the ceiling is reached.
	var decision gate.Decision
	err = AwaitCondition(ctx, o.cfg.PollInterval, o.cfg.DrainCeiling, func(ctx context.Context) bool {
		decision = gate.Evaluate(o.cfg.Prober.Probe(ctx, id))
		o.logger.Info("drain poll",
			slog.String("worker", id.String()),
			slog.Bool("safe", decision.Safe),
			slog.String("reason", decision.Reason),
		)
		return decision.Safe
	})
	switch {
	case errors.Is(err, ErrDrainTimeout):
		_ = m.Event(ctx, eventCeilingReached)
		o.rejectStop(ctx, run, id, fmt.Sprintf("drain timed out after %s; operator intervention required", o.cfg.DrainCeiling))
		return run, ErrDrainTimeout
	case err != nil:
		// Context canceled: operator abort. No destructive action; the
		// worker is left finishing its units.
		_ = m.Event(context.WithoutCancel(ctx), eventAbort)
		return run, err
	}

	if err := m.Event(ctx, eventPausedVerified); err != nil {
		return run, err
	}
	run.Decision = &decision
	o.recordState(ctx, id, worker.StatePaused)
	if o.drainDuration != nil {
		o.drainDuration.Record(ctx, time.Since(drainStart).Seconds())
	}

	// Phase 3: explicit, per-worker confirmation. Safety alone is not
	// authorization.
	confirmed, err := o.cfg.Confirmer.Confirm(ctx, id, decision)
	if err != nil {
		_ = m.Event(ctx, eventAbort)
		return run, fmt.Errorf("confirmation: %w", err)
	}
	if !confirmed {
		_ = m.Event(ctx, eventAbort)
		o.rejectStop(ctx, run, id, "confirmation not given")
		return run, &worker.SafetyViolationError{Identity: id, Reason: "missing confirmation"}
	}
	o.auditAppend(run, audit.Entry{
		Action:   audit.StopConfirmed,
		Provider: id.Provider,
		Target:   id.Name,
		Details:  fmt.Sprintf("confirmed by %s: %s", o.cfg.Operator, decision.Reason),
		Result:   "confirmed",
	})
	if err := m.Event(ctx, eventConfirmed); err != nil {
		return run, err
	}

	// Phase 4: execute. The adapter re-runs the gate itself; a failed
	// stop stays in executing for manual retry, never an automatic one.
	if err := m.Event(ctx, eventExecute); err != nil {
		return run, err
	}
	if err := adapter.Stop(ctx, id, true); err != nil {
		o.auditAppend(run, audit.Entry{
			Action:   audit.StopFailed,
			Provider: id.Provider,
			Target:   id.Name,
			Details:  err.Error(),
			Result:   "failed",
		})
		return run, fmt.Errorf("provider stop: %w", err)
	}

	o.auditAppend(run, audit.Entry{
		Action:   audit.StopExecuted,
		Provider: id.Provider,
		Target:   id.Name,
		Details:  fmt.Sprintf("stop executed; gate evidence: %s", decision.Reason),
		Result:   "ok",
	})
	o.recordState(ctx, id, worker.StateStopped)
	if o.stopsExecuted != nil {
		o.stopsExecuted.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", id.Provider)))
	}

	if err := m.Event(ctx, eventStopSucceeded); err != nil {
		return run, err
	}

	o.logger.Info("worker retired",
		slog.String("worker", id.String()),
		slog.Duration("drain_duration", time.Since(drainStart)),
	)

	return run, nil
}

// WaitPaused runs the draining poll loop standalone: probe and gate
// until safe, the ceiling, or cancellation. It issues no commands and
// performs no destructive action.
func (o *Orchestrator) WaitPaused(ctx context.Context, id worker.Identity) (gate.Decision, error) {
	ctx, span := o.tracer.Start(ctx, "orch.WaitPaused")
	defer span.End()

	var decision gate.Decision
	err := AwaitCondition(ctx, o.cfg.PollInterval, o.cfg.DrainCeiling, func(ctx context.Context) bool {
		decision = gate.Evaluate(o.cfg.Prober.Probe(ctx, id))
		o.logger.Info("poll",
			slog.String("worker", id.String()),
			slog.Bool("safe", decision.Safe),
			slog.String("reason", decision.Reason),
		)
		return decision.Safe
	})
	if err == nil {
		o.recordState(ctx, id, worker.StatePaused)
	}
	return decision, err
}

// DrainFleet dispatches a drain to every worker, with bounded
// parallelism. It never stops anything; it reports per-worker dispatch
// results and records FINISHING for each acknowledged drain.
func (o *Orchestrator) DrainFleet(ctx context.Context, ids []worker.Identity) map[worker.Identity]error {
	ctx, span := o.tracer.Start(ctx, "orch.DrainFleet")
	defer span.End()

	span.SetAttributes(attribute.Int("fleet.size", len(ids)))

	results := make([]error, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.FleetParallelism)
	for i, id := range ids {
		g.Go(func() error {
			err := o.cfg.Dispatcher.Send(gctx, id, command.Drain)
			if err == nil {
				// A drain whose acknowledgment never reached the durable
				// record is reported as failed, not silently forgotten.
				if rerr := o.cfg.Tracker.Record(context.WithoutCancel(gctx), id, worker.StateFinishing, o.cfg.Operator); rerr != nil {
					err = fmt.Errorf("drain acknowledged but state record failed: %w", rerr)
				}
			}
			results[i] = err
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[worker.Identity]error, len(ids))
	for i, id := range ids {
		out[id] = results[i]
	}
	return out
}

// Destroy deletes a stopped worker's resource. It refuses unless every
/// fleet member's last known state is STOPPED or DESTROYED: destroying
// infrastructure while any worker may still be folding is the incident
// this system exists to prevent.
func (o *Orchestrator) Destroy(ctx context.Context, id worker.Identity, confirmed bool) error {
	ctx, span := o.tracer.Start(ctx, "orch.Destroy")
	defer span.End()

	adapter, err := o.cfg.Providers.Lookup(id.Provider)
	if err != nil {
		return err
	}

	if !confirmed {
		o.auditReject(ctx, id, "destroy: missing confirmation")
		return &worker.SafetyViolationError{Identity: id, Reason: "missing confirmation"}
	}

	records, err := o.cfg.Tracker.List(ctx)
	if err != nil {
		return fmt.Errorf("reading fleet state: %w", err)
	}
	if len(records) == 0 {
		o.auditReject(ctx, id, "destroy: no recorded fleet state")
		return &worker.SafetyViolationError{Identity: id, Reason: "no recorded fleet state; nothing is known to be stopped"}
	}
	for _, rec := range records {
		switch rec.LastKnownState {
		case worker.StateStopped, worker.StateDestroyed:
		default:
			reason := fmt.Sprintf("destroy: fleet member %s is %s, not STOPPED",
				rec.Identity, rec.LastKnownState)
			o.auditReject(ctx, id, reason)
			return &worker.SafetyViolationError{Identity: id, Reason: reason}
		}
	}

	if err := adapter.Destroy(ctx, id, true); err != nil {
		if _, aerr := o.cfg.Audit.Append(audit.Entry{
			Action:   audit.StopFailed,
			Provider: id.Provider,
			Target:   id.Name,
			Details:  fmt.Sprintf("destroy: %v", err),
			Result:   "failed",
		}); aerr != nil {
			o.logger.Error("audit append failed", slog.String("error", aerr.Error()))
		}
		return err
	}

	if _, aerr := o.cfg.Audit.Append(audit.Entry{
		Action:   audit.DestroyExecuted,
		Provider: id.Provider,
		Target:   id.Name,
		Details:  fmt.Sprintf("destroyed by %s", o.cfg.Operator),
		Result:   "ok",
	}); aerr != nil {
		o.logger.Error("audit append failed", slog.String("error", aerr.Error()))
	}
	o.recordState(ctx, id, worker.StateDestroyed)

	return nil
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

func (o *Orchestrator) rejectStop(ctx context.Context, run *Run, id worker.Identity, details string) {
	o.auditAppend(run, audit.Entry{
		Action:   audit.StopRejected,
		Provider: id.Provider,
		Target:   id.Name,
		Details:  details,
		Result:   "rejected",
	})
	if o.stopsRejected != nil {
		o.stopsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", id.Provider)))
	}
}

func (o *Orchestrator) auditReject(ctx context.Context, id worker.Identity, details string) {
	if _, err := o.cfg.Audit.Append(audit.Entry{
		Action:   audit.StopRejected,
		Provider: id.Provider,
		Target:   id.Name,
		Details:  details,
		Result:   "rejected",
	}); err != nil {
		o.logger.Error("audit append failed", slog.String("error", err.Error()))
	}
	if o.stopsRejected != nil {
		o.stopsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", id.Provider)))
	}
}

func (o *Orchestrator) auditAppend(run *Run, e audit.Entry) {
	written, err := o.cfg.Audit.Append(e)
	if err != nil {
		o.logger.Error("audit append failed",
			slog.String("action", string(e.Action)),
			slog.String("error", err.Error()),
		)
		return
	}
	run.AuditIDs = append(run.AuditIDs, written.ID)
}

func (o *Orchestrator) recordState(ctx context.Context, id worker.Identity, st worker.LifecycleState) {
	// State tracking must survive cancellation: an aborted session
	// still needs its last observation on disk.
	ctx = context.WithoutCancel(ctx)
	if err := o.cfg.Tracker.Record(ctx, id, st, o.cfg.Operator); err != nil {
		o.logger.Error("state record failed",
			slog.String("worker", id.String()),
			slog.String("state", string(st)),
			slog.String("error", err.Error()),
		)
	}
}

// AwaitCondition polls check every interval until it reports true, the
// ceiling elapses (ErrDrainTimeout), or ctx is canceled. The first
// check runs immediately; cancellation is observed within one interval.
func AwaitCondition(ctx context.Context, interval, ceiling time.Duration, check func(ctx context.Context) bool) error {
	deadline := time.Now().Add(ceiling)

	for {
		if check(ctx) {
			return nil
		}
		if time.Now().Add(interval).After(deadline) {
			return ErrDrainTimeout
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
