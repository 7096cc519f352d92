// Package gate implements the safety gate: the single pure decision
// function through which every stop authorization must pass. It has no
// I/O and no time-based assumptions beyond what is carried in the
// probe result, so it is testable in total isolation from network and
// provider code.
package gate

import (
	"fmt"

	"github.com/terrpan/foldgate/internal/worker"
)

// Decision is the gate's verdict for one probe result.
//
// Safe is true only for a direct, positive observation: the worker was
// reachable, reported paused, and had zero active units. It is never
// derived from absence of information.
type Decision struct {
	Identity worker.Identity    `json:"identity"`
	Safe     bool               `json:"safe"`
	Reason   string             `json:"reason"`
	BasedOn  worker.ProbeResult `json:"based_on"`
}

// Evaluate decides whether the worker described by r is safe to stop.
//
// The order of the checks matters for the Reason text: unreachability
// masks everything else, because an unreachable worker tells us nothing
// about its job state.
func Evaluate(r worker.ProbeResult) Decision {
	d := Decision{Identity: r.Identity, BasedOn: r}

	switch {
	case !r.Reachable:
		d.Reason = "worker unreachable: state unknown, not safe"
		if r.Err != "" {
			d.Reason = fmt.Sprintf("worker unreachable (%s): state unknown, not safe", r.Err)
		}
	case !r.Paused:
		d.Reason = fmt.Sprintf("worker not paused (%d active units)", r.ActiveUnits)
	case r.ActiveUnits > 0:
		d.Reason = fmt.Sprintf("worker paused but still holds %d active units", r.ActiveUnits)
	default:
		d.Safe = true
		d.Reason = "paused with zero active units"
	}

	return d
}
