// Package provider defines the uniform contract every cloud provider
// adapter implements, and the safety recheck all adapters share.
//
// Adapters never trust their caller. A Stop call re-runs the safety
// gate against a fresh probe before touching the provider API, so a
// caller that skipped the orchestrator still cannot power off a busy
// worker.
package provider

import (
	"context"
	"fmt"

	"github.com/terrpan/foldgate/internal/gate"
	"github.com/terrpan/foldgate/internal/worker"
)

// PowerState is a provider's view of one instance.
type PowerState struct {
	// Name is the provider-native resource identifier.
	Name string `json:"name"`

	// Status is the provider's own status string (e.g. "RUNNING",
	// "TERMINATED", "exited"). Kept verbatim for operator display.
	Status string `json:"status"`

	// Running reports whether the provider considers the instance
	// powered on.
	Running bool `json:"running"`
}

// Adapter is the contract every cloud provider implements. Provider
// quirks (flaky APIs, missing control planes) stay inside the
// implementation; callers see only this interface.
type Adapter interface {
	// Name returns the provider identifier ("gcp", "docker", ...).
	Name() string

	// GetPowerState returns the provider's view of one instance.
	GetPowerState(ctx context.Context, name string) (PowerState, error)

	// ListInstances returns the provider's view of all instances it
	// manages for this fleet.
	ListInstances(ctx context.Context) ([]PowerState, error)

	// Stop powers off the instance. It independently re-runs the
	// safety gate and rejects with a SafetyViolationError if confirmed
	// is false or the recheck fails. Providers whose control plane
	// cannot be trusted from here return ManualActionRequiredError.
	Stop(ctx context.Context, id worker.Identity, confirmed bool) error

	// Destroy permanently deletes the instance. It requires confirmed;
	// the fleet-wide "everything STOPPED first" rule is enforced by the
	// caller against the state tracker, since a stopped worker is no
	// longer probeable.
	Destroy(ctx context.Context, id worker.Identity, confirmed bool) error
}

// Guard is the safety recheck an adapter runs before any power-off.
// The production guard probes the worker and evaluates the gate; tests
// substitute fakes.
type Guard interface {
	Check(ctx context.Context, id worker.Identity) gate.Decision
}

// Prober is the subset of the worker probe an adapter's guard needs.
type Prober interface {
	Probe(ctx context.Context, id worker.Identity) worker.ProbeResult
}

// ProbeGuard implements Guard with a live probe through the gate.
type ProbeGuard struct {
	Prober Prober
}

// Check probes the worker and evaluates the safety gate on the result.
func (g ProbeGuard) Check(ctx context.Context, id worker.Identity) gate.Decision {
	return gate.Evaluate(g.Prober.Probe(ctx, id))
}

// Authorize is the shared defense-in-depth check adapters run at the
// top of Stop. It rejects before any provider API call is made.
func Authorize(ctx context.Context, guard Guard, id worker.Identity, confirmed bool) error {
	if !confirmed {
		return &worker.SafetyViolationError{
			Identity: id,
			Reason:   "missing confirmation",
		}
	}
	if guard == nil {
		return &worker.SafetyViolationError{
			Identity: id,
			Reason:   "no safety guard configured",
		}
	}

	decision := guard.Check(ctx, id)
	if !decision.Safe {
		return &worker.SafetyViolationError{
			Identity: id,
			Reason:   fmt.Sprintf("safety recheck failed: %s", decision.Reason),
		}
	}

	return nil
}

// Registry holds the configured adapters keyed by provider name.
type Registry map[string]Adapter

// Lookup returns the adapter for the provider, or an error naming the
// configured providers when it is missing.
func (r Registry) Lookup(provider string) (Adapter, error) {
	a, ok := r[provider]
	if !ok {
		names := make([]string, 0, len(r))
		for name := range r {
			names = append(names, name)
		}
		return nil, fmt.Errorf("no adapter for provider %q (configured: %v)", provider, names)
	}
	return a, nil
}
