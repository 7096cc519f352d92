// Package worker defines the core data shapes shared by every other
// component: worker identity, lifecycle state, and probe results.
// It has no dependencies on the network, providers, or persistence,
// so both the read path and the write path can import it freely.
package worker

import (
	"fmt"
	"strings"
	"time"
)

// Identity uniquely identifies one worker. It is created at
// provisioning time and is read-only to this system.
//
// Name is the provider-native resource identifier used for power
// actions (instance name, container name). Address is the reachability
// endpoint used for remote execution.
type Identity struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
	Address  string `json:"address"`
}

// String renders the identity as "provider/name@address".
func (id Identity) String() string {
	return fmt.Sprintf("%s/%s@%s", id.Provider, id.Name, id.Address)
}

// ParseIdentity parses the "provider/name@address" form produced by
// Identity.String. It is the CLI's wire format for naming a worker.
func ParseIdentity(s string) (Identity, error) {
	slash := strings.Index(s, "/")
	at := strings.LastIndex(s, "@")
	if slash <= 0 || at <= slash+1 || at == len(s)-1 {
		return Identity{}, fmt.Errorf("invalid worker identity %q (want provider/name@address)", s)
	}
	return Identity{
		Provider: s[:slash],
		Name:     s[slash+1 : at],
		Address:  s[at+1:],
	}, nil
}

// LifecycleState is the last-known lifecycle state of a worker.
//
// The only transitions reachable through this system's commands are:
//
//	FOLDING   → FINISHING  (drain issued)
//	FINISHING → PAUSED     (unit completed, no new unit requested)
//	PAUSED    → STOPPED    (provider power-off, gate-authorized)
//	STOPPED   → DESTROYED  (resource deletion, fleet-wide STOPPED required)
//
// StateUnknown is the zero value. It is never a safe-to-stop state and
// must never be silently promoted to PAUSED or STOPPED.
type LifecycleState string

const (
	StateUnknown   LifecycleState = "UNKNOWN"
	StateFolding   LifecycleState = "FOLDING"
	StateFinishing LifecycleState = "FINISHING"
	StatePaused    LifecycleState = "PAUSED"
	StateStopped   LifecycleState = "STOPPED"
	StateDestroyed LifecycleState = "DESTROYED"
)

// Valid reports whether s is one of the known lifecycle states.
func (s LifecycleState) Valid() bool {
	switch s {
	case StateUnknown, StateFolding, StateFinishing, StatePaused, StateStopped, StateDestroyed:
		return true
	}
	return false
}

// CanTransition reports whether the transition s → next is one of the
// legal lifecycle transitions. Transitions out of UNKNOWN are allowed
// for any observed state (first observation), but nothing may
// transition into UNKNOWN.
func (s LifecycleState) CanTransition(next LifecycleState) bool {
	if next == StateUnknown {
		return false
	}
	switch s {
	case StateUnknown:
		return true
	case StateFolding:
		return next == StateFinishing
	case StateFinishing:
		return next == StatePaused || next == StateFolding
	case StatePaused:
		return next == StateStopped || next == StateFolding
	case StateStopped:
		return next == StateDestroyed
	}
	return false
}

// ProbeResult is one observation of a worker's live job state.
// It is ephemeral: never persisted, only logged as input to decisions.
//
// Reachable=false carries no information beyond unreachability; Paused
// and ActiveUnits are forced to their zero values in that case and must
// not be interpreted.
type ProbeResult struct {
	Identity    Identity  `json:"identity"`
	Reachable   bool      `json:"reachable"`
	Paused      bool      `json:"paused"`
	ActiveUnits int       `json:"active_units"`
	ObservedAt  time.Time `json:"observed_at"`
	Err         string    `json:"error,omitempty"`
}

// State maps the observation onto a lifecycle state. An unreachable
// worker is UNKNOWN, never PAUSED or STOPPED.
func (r ProbeResult) State() LifecycleState {
	switch {
	case !r.Reachable:
		return StateUnknown
	case r.Paused && r.ActiveUnits == 0:
		return StatePaused
	case r.Paused:
		// Told to pause but still finishing in-flight units.
		return StateFinishing
	default:
		return StateFolding
	}
}
