package worker

import "fmt"

// The error taxonomy below exists so callers can distinguish "worker
// still busy" from "cannot determine worker state" from "provider
// unreachable". These three must never be rendered identically.

// UnreachableError reports that a probe or dispatch could not contact
// the worker. It is always treated as UNKNOWN, never as PAUSED.
type UnreachableError struct {
	Identity Identity
	Cause    error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("worker %s unreachable: %v", e.Identity, e.Cause)
}

func (e *UnreachableError) Unwrap() error { return e.Cause }

// DispatchRejectedError reports that a remote command ran but returned
// a non-zero exit status. The command did not take effect.
type DispatchRejectedError struct {
	Identity Identity
	Command  string
	ExitCode int
	Output   string
}

func (e *DispatchRejectedError) Error() string {
	return fmt.Sprintf("worker %s rejected command %q (exit %d): %s",
		e.Identity, e.Command, e.ExitCode, e.Output)
}

// ProviderAPIError reports that a cloud provider API call failed or
// timed out. It is distinct from a confirmed power-state result: the
// instance's actual state is unknown.
type ProviderAPIError struct {
	Provider string
	Op       string
	Cause    error
}

func (e *ProviderAPIError) Error() string {
	return fmt.Sprintf("provider %s: %s failed: %v", e.Provider, e.Op, e.Cause)
}

func (e *ProviderAPIError) Unwrap() error { return e.Cause }

// SafetyViolationError reports an attempted destructive action without
// a passing safety check. It is fatal to the current operation and is
// always audited before it surfaces.
type SafetyViolationError struct {
	Identity Identity
	Reason   string
}

func (e *SafetyViolationError) Error() string {
	return fmt.Sprintf("refusing to act on %s: %s", e.Identity, e.Reason)
}

// ManualActionRequiredError reports that a provider's control plane is
// known-unreliable and the adapter declines to act. The operator must
// use the provider's console or infrastructure-as-code tooling
// directly.
type ManualActionRequiredError struct {
	Provider string
	Target   string
	Hint     string
}

func (e *ManualActionRequiredError) Error() string {
	return fmt.Sprintf("provider %s cannot act on %s from here: %s", e.Provider, e.Target, e.Hint)
}
