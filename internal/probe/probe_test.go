package probe

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/foldgate/internal/remote"
	"github.com/terrpan/foldgate/internal/worker"
)

// ---------------------------------------------------------------------------
// Fake runner
// ---------------------------------------------------------------------------

type fakeRunner struct {
	mu    sync.Mutex
	calls int

	out remote.Result
	err error
}

func (f *fakeRunner) Run(_ context.Context, _ string, _ string) (remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return remote.Result{}, f.err
	}
	return f.out, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ProberSuite struct {
	suite.Suite
	ctx    context.Context
	runner *fakeRunner
	id     worker.Identity
}

func (s *ProberSuite) SetupTest() {
	s.ctx = context.Background()
	s.runner = &fakeRunner{}
	s.id = worker.Identity{Provider: "gcp", Name: "fold-worker-1", Address: "10.0.0.1"}
}

func (s *ProberSuite) newProber() *Prober {
	return New(s.runner, Config{
		TransportRetries: 1,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestProberSuite(t *testing.T) {
	suite.Run(t, new(ProberSuite))
}

func (s *ProberSuite) TestProbe_Folding() {
	s.runner.out = remote.Result{Stdout: `{"paused": false, "active_units": 2}`}

	res := s.newProber().Probe(s.ctx, s.id)
	assert.True(s.T(), res.Reachable)
	assert.False(s.T(), res.Paused)
	assert.Equal(s.T(), 2, res.ActiveUnits)
	assert.Empty(s.T(), res.Err)
	assert.False(s.T(), res.ObservedAt.IsZero())
}

func (s *ProberSuite) TestProbe_Paused() {
	s.runner.out = remote.Result{Stdout: `{"paused": true, "active_units": 0}`}

	res := s.newProber().Probe(s.ctx, s.id)
	assert.True(s.T(), res.Reachable)
	assert.True(s.T(), res.Paused)
	assert.Equal(s.T(), 0, res.ActiveUnits)
}

func (s *ProberSuite) TestProbe_TransportFailureIsUnreachable() {
	s.runner.err = errors.New("dial tcp 10.0.0.1:22: i/o timeout")

	res := s.newProber().Probe(s.ctx, s.id)
	assert.False(s.T(), res.Reachable)
	assert.False(s.T(), res.Paused, "unreachable must never report paused")
	assert.Equal(s.T(), 0, res.ActiveUnits)
	assert.Contains(s.T(), res.Err, "i/o timeout")
}

// Probing an unreachable worker twice yields the same answer both
// times: no flapping masking.
func (s *ProberSuite) TestProbe_UnreachableIsIdempotent() {
	s.runner.err = errors.New("connection refused")
	p := s.newProber()

	first := p.Probe(s.ctx, s.id)
	second := p.Probe(s.ctx, s.id)

	assert.False(s.T(), first.Reachable)
	assert.False(s.T(), second.Reachable)
	assert.Equal(s.T(), first.Paused, second.Paused)
	assert.Equal(s.T(), first.ActiveUnits, second.ActiveUnits)
}

func (s *ProberSuite) TestProbe_RetriesTransportErrors() {
	s.runner.err = errors.New("connection refused")

	_ = s.newProber().Probe(s.ctx, s.id)
	// 1 attempt + 1 retry.
	assert.Equal(s.T(), 2, s.runner.callCount())
}

func (s *ProberSuite) TestProbe_StatusCommandFailureIsUnknown() {
	s.runner.out = remote.Result{ExitCode: 3, Stderr: "client not running"}

	res := s.newProber().Probe(s.ctx, s.id)
	assert.False(s.T(), res.Reachable, "a failing status query authorizes nothing")
	assert.Contains(s.T(), res.Err, "exited 3")
	assert.Contains(s.T(), res.Err, "client not running")
}

func (s *ProberSuite) TestProbe_GarbageOutputIsUnknown() {
	s.runner.out = remote.Result{Stdout: "Segmentation fault"}

	res := s.newProber().Probe(s.ctx, s.id)
	assert.False(s.T(), res.Reachable)
	assert.Contains(s.T(), res.Err, "parsing status output")
}

func (s *ProberSuite) TestProbe_DefaultStatusCommand() {
	p := New(s.runner, Config{})
	require.Equal(s.T(), DefaultStatusCommand, p.cfg.StatusCommand)
}
