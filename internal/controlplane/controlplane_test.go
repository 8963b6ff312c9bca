package controlplane

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wasmatrix/wasmatrix/internal/apierr"
	"github.com/wasmatrix/wasmatrix/internal/capability"
	"github.com/wasmatrix/wasmatrix/internal/eventlog"
	"github.com/wasmatrix/wasmatrix/internal/instance"
	"github.com/wasmatrix/wasmatrix/internal/registry"
	"github.com/wasmatrix/wasmatrix/internal/wire"
)

// fakeDialer stands in for a real Node Agent reachable over
// internal/rpc, matching the way internal/agent/agent_test.go drives
// internal/agent.Agent with a fakeHost rather than real wazero. A
// mutex guards started/stopped since StartInstance's best-effort
// compensating Stop runs on its own goroutine.
type fakeDialer struct {
	startErr error
	stopErr  error

	mu      sync.Mutex
	started []wire.StartInstanceRequest
	stopped []string
}

func (f *fakeDialer) StartOnAgent(_ context.Context, _ string, req wire.StartInstanceRequest) (wire.StartInstanceResponse, error) {
	if f.startErr != nil {
		return wire.StartInstanceResponse{}, f.startErr
	}
	f.mu.Lock()
	f.started = append(f.started, req)
	f.mu.Unlock()
	return wire.StartInstanceResponse{Success: true}, nil
}

func (f *fakeDialer) StopOnAgent(_ context.Context, _ string, req wire.StopInstanceRequest) (wire.StopInstanceResponse, error) {
	if f.stopErr != nil {
		return wire.StopInstanceResponse{}, f.stopErr
	}
	f.mu.Lock()
	f.stopped = append(f.stopped, req.InstanceID)
	f.mu.Unlock()
	return wire.StopInstanceResponse{Success: true}, nil
}

func (f *fakeDialer) ListInstancesOnAgent(_ context.Context, _ string) (wire.ListInstancesResponse, error) {
	return wire.ListInstancesResponse{Success: true}, nil
}

func (f *fakeDialer) stoppedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopped)
}

func validNoopModule() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
}

func newTestCP(t *testing.T, dialer AgentDialer) *ControlPlane {
	t.Helper()
	reg := registry.New()
	reg.RegisterNode("node-a", "https://node-a.local", []capability.ProviderType{capability.ProviderKV}, 0)
	cp := New(reg, eventlog.New(nil), dialer)
	cp.RegisterProvider(capability.Metadata{ProviderID: "kv-1", Type: capability.ProviderKV, NodeID: "node-a", Status: capability.StatusRunning})
	return cp
}

func TestStartQueryStop(t *testing.T) {
	dialer := &fakeDialer{}
	cp := newTestCP(t, dialer)

	id, err := cp.StartInstance(context.Background(), validNoopModule(), nil, instance.RestartPolicy{Type: instance.PolicyNever})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	snap, err := cp.QueryInstance(id)
	require.NoError(t, err)
	require.Equal(t, instance.StatusStarting, snap.Status)

	require.NoError(t, cp.StopInstance(context.Background(), id))
	snap, err = cp.QueryInstance(id)
	require.NoError(t, err)
	require.Equal(t, instance.StatusStopped, snap.Status)

	events := cp.events.Query(id)
	require.Len(t, events, 2)
	require.Equal(t, eventlog.Started, events[0].Kind)
	require.Equal(t, eventlog.Stopped, events[1].Kind)
}

func TestStartEmptyModuleRejected(t *testing.T) {
	dialer := &fakeDialer{}
	cp := newTestCP(t, dialer)

	_, err := cp.StartInstance(context.Background(), nil, nil, instance.RestartPolicy{Type: instance.PolicyNever})
	require.Error(t, err)
	require.Equal(t, apierr.InvalidRequest, apierr.CodeOf(err))
	require.Empty(t, cp.ListInstances())
	require.Empty(t, dialer.started)
}

func TestStartUnknownProviderRejected(t *testing.T) {
	dialer := &fakeDialer{}
	cp := newTestCP(t, dialer)

	assigns := []capability.Assignment{capability.NewAssignment("", "cap-1", "ghost-provider", capability.ProviderKV, []string{"kv:read"})}
	_, err := cp.StartInstance(context.Background(), validNoopModule(), assigns, instance.RestartPolicy{Type: instance.PolicyNever})
	require.Error(t, err)
	require.Equal(t, apierr.InvalidRequest, apierr.CodeOf(err))
}

func TestStopUnknownInstance(t *testing.T) {
	cp := newTestCP(t, &fakeDialer{})
	err := cp.StopInstance(context.Background(), "does-not-exist")
	require.Error(t, err)
	require.Equal(t, apierr.InstanceNotFound, apierr.CodeOf(err))
}

func TestAssignCapabilityValidatesPermissionStrings(t *testing.T) {
	cp := newTestCP(t, &fakeDialer{})
	id, err := cp.StartInstance(context.Background(), validNoopModule(), nil, instance.RestartPolicy{Type: instance.PolicyNever})
	require.NoError(t, err)

	err = cp.AssignCapability(id, "cap-1", "kv-1", []string{"kv:read"})
	require.NoError(t, err)

	err = cp.AssignCapability(id, "cap-2", "kv-1", []string{"http:request"})
	require.Error(t, err)
	require.Equal(t, apierr.InvalidRequest, apierr.CodeOf(err))

	require.NoError(t, cp.RevokeCapability(id, "cap-1"))
	err = cp.RevokeCapability(id, "cap-1")
	require.Error(t, err)
	require.Equal(t, apierr.CapabilityNotFound, apierr.CodeOf(err))
}

func TestReportStatusCrashedThenRestartedEvents(t *testing.T) {
	cp := newTestCP(t, &fakeDialer{})
	id, err := cp.StartInstance(context.Background(), validNoopModule(), nil, instance.RestartPolicy{Type: instance.PolicyOnFailure, MaxRetries: 3, BackoffBase: 10 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, cp.ReportStatus(context.Background(), wire.InstanceStatusUpdate{InstanceID: id, Status: instance.StatusCrashed, ErrorMessage: "trap"}))
	require.NoError(t, cp.ReportStatus(context.Background(), wire.InstanceStatusUpdate{InstanceID: id, Status: instance.StatusStarting}))

	events := cp.events.Query(id)
	require.Len(t, events, 3)
	require.Equal(t, eventlog.Started, events[0].Kind)
	require.Equal(t, eventlog.Crashed, events[1].Kind)
	require.Equal(t, eventlog.Restarted, events[2].Kind)

	snap, err := cp.QueryInstance(id)
	require.NoError(t, err)
	require.Equal(t, instance.StatusStarting, snap.Status)
}

func TestStartInstanceBestEffortStopsAfterCancelledDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dialer := &fakeDialer{startErr: ctx.Err()}
	cp := newTestCP(t, dialer)

	_, err := cp.StartInstance(ctx, validNoopModule(), nil, instance.RestartPolicy{Type: instance.PolicyNever})
	require.Error(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && dialer.stoppedCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, dialer.stoppedCount())
}

func TestApplyAgentReportResolvesDuplicateInFavorOfNewestClaim(t *testing.T) {
	cp := newTestCP(t, &fakeDialer{})
	cp.registry.RegisterNode("node-b", "https://node-b.local", []capability.ProviderType{capability.ProviderKV}, 0)

	conflicts := cp.ApplyAgentReport("node-a", []wire.InstanceStatusEntry{{InstanceID: "i1", Status: instance.StatusRunning}})
	require.Empty(t, conflicts)

	conflicts = cp.ApplyAgentReport("node-b", []wire.InstanceStatusEntry{{InstanceID: "i1", Status: instance.StatusRunning}})
	require.Len(t, conflicts, 1)
	require.Equal(t, "node-a", conflicts[0].PreviousNodeID)

	nodeID, ok := cp.registry.NodeOf("i1")
	require.True(t, ok)
	require.Equal(t, "node-b", nodeID)
}
