package gcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/foldgate/internal/gate"
	"github.com/terrpan/foldgate/internal/worker"
)

// ---------------------------------------------------------------------------
// Mock operation (satisfies operationWaiter)
// ---------------------------------------------------------------------------

type mockOperation struct {
	err error
}

func (m *mockOperation) Wait(_ context.Context, _ ...gax.CallOption) error {
	return m.err
}

// ---------------------------------------------------------------------------
// Mock instances client (satisfies instancesAPI)
// ---------------------------------------------------------------------------

type mockInstancesClient struct {
	mu sync.Mutex

	getCalls    []*computepb.GetInstanceRequest
	listCalls   []*computepb.ListInstancesRequest
	stopCalls   []*computepb.StopInstanceRequest
	deleteCalls []*computepb.DeleteInstanceRequest
	closed      bool

	getInstance *computepb.Instance
	getErr      error
	listOut     []*computepb.Instance
	listErr     error
	stopErr     error
	stopOp      operationWaiter
	deleteErr   error
	deleteOp    operationWaiter
}

func newMockInstancesClient() *mockInstancesClient {
	return &mockInstancesClient{
		stopOp:   &mockOperation{},
		deleteOp: &mockOperation{},
	}
}

func (m *mockInstancesClient) Get(_ context.Context, req *computepb.GetInstanceRequest, _ ...gax.CallOption) (*computepb.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls = append(m.getCalls, req)
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.getInstance, nil
}

func (m *mockInstancesClient) List(_ context.Context, req *computepb.ListInstancesRequest, _ ...gax.CallOption) ([]*computepb.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls = append(m.listCalls, req)
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.listOut, nil
}

func (m *mockInstancesClient) Stop(_ context.Context, req *computepb.StopInstanceRequest, _ ...gax.CallOption) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls = append(m.stopCalls, req)
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	return m.stopOp, nil
}

func (m *mockInstancesClient) Delete(_ context.Context, req *computepb.DeleteInstanceRequest, _ ...gax.CallOption) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls = append(m.deleteCalls, req)
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	return m.deleteOp, nil
}

func (m *mockInstancesClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Fake guard
// ---------------------------------------------------------------------------

type fakeGuard struct {
	decision gate.Decision
}

func (f *fakeGuard) Check(_ context.Context, id worker.Identity) gate.Decision {
	d := f.decision
	d.Identity = id
	return d
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type GCPAdapterSuite struct {
	suite.Suite
	ctx    context.Context
	client *mockInstancesClient
	guard  *fakeGuard
	logger *slog.Logger
	cfg    Config
	id     worker.Identity
}

func (s *GCPAdapterSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = newMockInstancesClient()
	s.guard = &fakeGuard{decision: gate.Decision{Safe: true, Reason: "paused with zero active units"}}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.cfg = Config{
		Project: "test-project",
		Zone:    "us-central1-a",
	}
	s.id = worker.Identity{Provider: "gcp", Name: "fold-worker-1", Address: "10.0.0.1"}
}

func (s *GCPAdapterSuite) newAdapter() *Adapter {
	return newAdapter(s.client, s.cfg, s.guard, s.logger)
}

func TestGCPAdapterSuite(t *testing.T) {
	suite.Run(t, new(GCPAdapterSuite))
}

// ---------------------------------------------------------------------------
// GetPowerState tests
// ---------------------------------------------------------------------------

func (s *GCPAdapterSuite) TestGetPowerState_Running() {
	s.client.getInstance = &computepb.Instance{
		Name:   proto.String("fold-worker-1"),
		Status: proto.String("RUNNING"),
	}

	ps, err := s.newAdapter().GetPowerState(s.ctx, "fold-worker-1")
	require.NoError(s.T(), err)
	assert.True(s.T(), ps.Running)
	assert.Equal(s.T(), "RUNNING", ps.Status)

	require.Len(s.T(), s.client.getCalls, 1)
	assert.Equal(s.T(), "test-project", s.client.getCalls[0].GetProject())
	assert.Equal(s.T(), "us-central1-a", s.client.getCalls[0].GetZone())
}

func (s *GCPAdapterSuite) TestGetPowerState_Terminated() {
	s.client.getInstance = &computepb.Instance{
		Name:   proto.String("fold-worker-1"),
		Status: proto.String("TERMINATED"),
	}

	ps, err := s.newAdapter().GetPowerState(s.ctx, "fold-worker-1")
	require.NoError(s.T(), err)
	assert.False(s.T(), ps.Running)
	assert.Equal(s.T(), "TERMINATED", ps.Status)
}

func (s *GCPAdapterSuite) TestGetPowerState_NotFoundIsConfirmedAnswer() {
	s.client.getErr = errors.New("googleapi: Error 404: instance not found")

	ps, err := s.newAdapter().GetPowerState(s.ctx, "gone-worker")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "NOT_FOUND", ps.Status)
	assert.False(s.T(), ps.Running)
}

func (s *GCPAdapterSuite) TestGetPowerState_APIFailureIsTyped() {
	s.client.getErr = errors.New("googleapi: Error 503: backend unavailable")

	_, err := s.newAdapter().GetPowerState(s.ctx, "fold-worker-1")
	require.Error(s.T(), err)

	var apiErr *worker.ProviderAPIError
	require.ErrorAs(s.T(), err, &apiErr)
	assert.Equal(s.T(), "gcp", apiErr.Provider)
}

// ---------------------------------------------------------------------------
// ListInstances tests
// ---------------------------------------------------------------------------

func (s *GCPAdapterSuite) TestListInstances() {
	s.client.listOut = []*computepb.Instance{
		{Name: proto.String("fold-worker-1"), Status: proto.String("RUNNING")},
		{Name: proto.String("fold-worker-2"), Status: proto.String("TERMINATED")},
	}

	states, err := s.newAdapter().ListInstances(s.ctx)
	require.NoError(s.T(), err)
	require.Len(s.T(), states, 2)
	assert.True(s.T(), states[0].Running)
	assert.False(s.T(), states[1].Running)
}

func (s *GCPAdapterSuite) TestListInstances_LabelFilter() {
	s.cfg.LabelFilter = "fleet=fold"

	_, err := s.newAdapter().ListInstances(s.ctx)
	require.NoError(s.T(), err)
	require.Len(s.T(), s.client.listCalls, 1)
	assert.Equal(s.T(), "labels.fleet=fold", s.client.listCalls[0].GetFilter())
}

// ---------------------------------------------------------------------------
// Stop tests
// ---------------------------------------------------------------------------

func (s *GCPAdapterSuite) TestStop_ConfirmedAndSafe() {
	err := s.newAdapter().Stop(s.ctx, s.id, true)
	require.NoError(s.T(), err)

	require.Len(s.T(), s.client.stopCalls, 1)
	req := s.client.stopCalls[0]
	assert.Equal(s.T(), "fold-worker-1", req.GetInstance())
	assert.Equal(s.T(), "test-project", req.GetProject())
}

// The underlying power-off API must never be reached without
// confirmation, even when the worker is genuinely safe to stop.
func (s *GCPAdapterSuite) TestStop_UnconfirmedNeverCallsAPI() {
	err := s.newAdapter().Stop(s.ctx, s.id, false)
	require.Error(s.T(), err)

	var violation *worker.SafetyViolationError
	require.ErrorAs(s.T(), err, &violation)
	assert.Empty(s.T(), s.client.stopCalls, "stop API must not be called")
}

func (s *GCPAdapterSuite) TestStop_UnsafeRecheckNeverCallsAPI() {
	s.guard.decision = gate.Decision{Safe: false, Reason: "worker not paused (1 active units)"}

	err := s.newAdapter().Stop(s.ctx, s.id, true)
	require.Error(s.T(), err)

	var violation *worker.SafetyViolationError
	require.ErrorAs(s.T(), err, &violation)
	assert.Contains(s.T(), violation.Reason, "not paused")
	assert.Empty(s.T(), s.client.stopCalls, "stop API must not be called")
}

func (s *GCPAdapterSuite) TestStop_APIFailureIsTyped() {
	s.client.stopErr = errors.New("googleapi: Error 503: backend unavailable")

	err := s.newAdapter().Stop(s.ctx, s.id, true)
	require.Error(s.T(), err)

	var apiErr *worker.ProviderAPIError
	require.ErrorAs(s.T(), err, &apiErr)
}

func (s *GCPAdapterSuite) TestStop_WaitFailureIsTyped() {
	s.client.stopOp = &mockOperation{err: errors.New("operation timed out")}

	err := s.newAdapter().Stop(s.ctx, s.id, true)
	require.Error(s.T(), err)

	var apiErr *worker.ProviderAPIError
	require.ErrorAs(s.T(), err, &apiErr)
}

// ---------------------------------------------------------------------------
// Destroy tests
// ---------------------------------------------------------------------------

func (s *GCPAdapterSuite) TestDestroy_Confirmed() {
	err := s.newAdapter().Destroy(s.ctx, s.id, true)
	require.NoError(s.T(), err)
	require.Len(s.T(), s.client.deleteCalls, 1)
	assert.Equal(s.T(), "fold-worker-1", s.client.deleteCalls[0].GetInstance())
}

func (s *GCPAdapterSuite) TestDestroy_UnconfirmedNeverCallsAPI() {
	err := s.newAdapter().Destroy(s.ctx, s.id, false)
	require.Error(s.T(), err)

	var violation *worker.SafetyViolationError
	require.ErrorAs(s.T(), err, &violation)
	assert.Empty(s.T(), s.client.deleteCalls)
}

func (s *GCPAdapterSuite) TestDestroy_AlreadyGoneIsIdempotent() {
	s.client.deleteErr = errors.New("googleapi: Error 404: not found")

	err := s.newAdapter().Destroy(s.ctx, s.id, true)
	require.NoError(s.T(), err)
}

func (s *GCPAdapterSuite) TestDestroy_NotFoundDuringWaitIsIdempotent() {
	s.client.deleteOp = &mockOperation{err: errors.New("googleapi: Error 404: not found")}

	err := s.newAdapter().Destroy(s.ctx, s.id, true)
	require.NoError(s.T(), err)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(errors.New("googleapi: Error 404: nope")))
	assert.True(t, isNotFound(errors.New("rpc error: code = NotFound desc = gone")))
	assert.False(t, isNotFound(errors.New("googleapi: Error 500: boom")))
	assert.False(t, isNotFound(nil))
}
