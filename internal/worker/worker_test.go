package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Identity
		wantErr bool
	}{
		{
			name: "gcp worker",
			in:   "gcp/fold-worker-1@34.10.20.30",
			want: Identity{Provider: "gcp", Name: "fold-worker-1", Address: "34.10.20.30"},
		},
		{
			name: "name containing at sign keeps last separator",
			in:   "docker/fold@local@127.0.0.1",
			want: Identity{Provider: "docker", Name: "fold@local", Address: "127.0.0.1"},
		},
		{name: "missing provider", in: "/w@h", wantErr: true},
		{name: "missing address", in: "gcp/w", wantErr: true},
		{name: "empty address", in: "gcp/w@", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIdentity(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			// Round-trip through String.
			back, err := ParseIdentity(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, back)
		})
	}
}

func TestLifecycleState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to LifecycleState
		ok       bool
	}{
		{StateFolding, StateFinishing, true},
		{StateFinishing, StatePaused, true},
		{StatePaused, StateStopped, true},
		{StateStopped, StateDestroyed, true},
		// Abort paths: a drained or paused worker may resume folding.
		{StateFinishing, StateFolding, true},
		{StatePaused, StateFolding, true},
		// First observation may record anything.
		{StateUnknown, StateFolding, true},
		{StateUnknown, StatePaused, true},
		// Never skip the gate.
		{StateFolding, StateStopped, false},
		{StateFolding, StatePaused, false},
		{StateFinishing, StateStopped, false},
		{StatePaused, StateDestroyed, false},
		// Nothing transitions into UNKNOWN.
		{StateFolding, StateUnknown, false},
		{StateUnknown, StateUnknown, false},
		// Terminal.
		{StateDestroyed, StateFolding, false},
	}

	for _, tt := range tests {
		assert.Equalf(t, tt.ok, tt.from.CanTransition(tt.to),
			"%s → %s", tt.from, tt.to)
	}
}

func TestProbeResult_State(t *testing.T) {
	id := Identity{Provider: "gcp", Name: "w1", Address: "10.0.0.1"}

	tests := []struct {
		name string
		in   ProbeResult
		want LifecycleState
	}{
		{
			name: "unreachable is unknown",
			in:   ProbeResult{Identity: id, Reachable: false},
			want: StateUnknown,
		},
		{
			name: "unreachable with stale fields is still unknown",
			in:   ProbeResult{Identity: id, Reachable: false, Paused: true},
			want: StateUnknown,
		},
		{
			name: "paused with zero units",
			in:   ProbeResult{Identity: id, Reachable: true, Paused: true, ActiveUnits: 0},
			want: StatePaused,
		},
		{
			name: "paused but still finishing a unit",
			in:   ProbeResult{Identity: id, Reachable: true, Paused: true, ActiveUnits: 1},
			want: StateFinishing,
		},
		{
			name: "actively folding",
			in:   ProbeResult{Identity: id, Reachable: true, Paused: false, ActiveUnits: 2},
			want: StateFolding,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.State())
		})
	}
}
