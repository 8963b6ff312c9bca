package agentserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wasmatrix/wasmatrix/internal/agent"
	"github.com/wasmatrix/wasmatrix/internal/capability"
	"github.com/wasmatrix/wasmatrix/internal/capability/kv"
	"github.com/wasmatrix/wasmatrix/internal/eventlog"
	"github.com/wasmatrix/wasmatrix/internal/instance"
	"github.com/wasmatrix/wasmatrix/internal/rpc"
	"github.com/wasmatrix/wasmatrix/internal/security"
	"github.com/wasmatrix/wasmatrix/internal/wire"
)

// fakeHandle/fakeHost mirror internal/agent/agent_test.go's doubles so
// this package's HTTP layer can be exercised without a real wazero
// runtime.
type fakeHandle struct{ exit chan struct{} }

func (h *fakeHandle) Wait(ctx context.Context) (agent.ExitReason, string, error) {
	select {
	case <-h.exit:
		return agent.ExitNormal, "", nil
	case <-ctx.Done():
		return agent.ExitKilled, "", ctx.Err()
	}
}

func (h *fakeHandle) Kill(context.Context) error { return nil }

type fakeHost struct{}

func (fakeHost) Load(context.Context, string, []byte, agent.CapabilityInvoker) (agent.Handle, error) {
	return &fakeHandle{exit: make(chan struct{})}, nil
}

func newTestRouter(t *testing.T) (*httptest.Server, *security.Issuer) {
	t.Helper()
	issuer, err := security.NewIssuer(security.Config{Secret: "test-shared-secret"})
	require.NoError(t, err)

	providers := capability.NewRegistry()
	kvProvider, err := kv.New("kv-1", "node-1", nil)
	require.NoError(t, err)
	require.NoError(t, kvProvider.Initialize(context.Background(), nil))
	providers.Register(kvProvider)

	ag := agent.New("node-1", fakeHost{}, providers, eventlog.New(nil), func(agent.StatusUpdate) {})
	router := NewRouter(ag, issuer)
	srv := httptest.NewServer(router.Handler())
	t.Cleanup(srv.Close)
	return srv, issuer
}

func testClient(t *testing.T, srv *httptest.Server, issuer *security.Issuer) *rpc.Client {
	t.Helper()
	c, err := rpc.New(rpc.Config{BaseURL: srv.URL, Token: "test-shared-secret"})
	require.NoError(t, err)
	return c
}

func TestAgentRouterStartStopList(t *testing.T) {
	srv, issuer := newTestRouter(t)
	c := testClient(t, srv, issuer)

	var startResp wire.StartInstanceResponse
	err := c.Call(context.Background(), "/agent/start", wire.StartInstanceRequest{
		InstanceID:    "i1",
		ModuleBytes:   []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
		RestartPolicy: instance.RestartPolicy{Type: instance.PolicyNever},
	}, &startResp)
	require.NoError(t, err)
	require.True(t, startResp.Success)

	var listResp wire.ListInstancesResponse
	require.NoError(t, c.Call(context.Background(), "/agent/list", struct{}{}, &listResp))
	require.True(t, listResp.Success)
	require.Len(t, listResp.Instances, 1)
	require.Equal(t, "i1", listResp.Instances[0].InstanceID)

	var stopResp wire.StopInstanceResponse
	require.NoError(t, c.Call(context.Background(), "/agent/stop", wire.StopInstanceRequest{InstanceID: "i1"}, &stopResp))
	require.True(t, stopResp.Success)
}

func TestAgentRouterRejectsWrongSecret(t *testing.T) {
	srv, _ := newTestRouter(t)
	c, err := rpc.New(rpc.Config{BaseURL: srv.URL, Token: "not-the-secret"})
	require.NoError(t, err)

	var out wire.ListInstancesResponse
	err = c.Call(context.Background(), "/agent/list", struct{}{}, &out)
	require.Error(t, err)
}

func TestAgentRouterInvokeCapability(t *testing.T) {
	srv, issuer := newTestRouter(t)
	c := testClient(t, srv, issuer)

	var startResp wire.StartInstanceResponse
	err := c.Call(context.Background(), "/agent/start", wire.StartInstanceRequest{
		InstanceID:  "i2",
		ModuleBytes: []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
		Capabilities: []wire.CapabilityAssignment{{
			InstanceID: "i2", CapabilityID: "cap-1", ProviderID: "kv-1",
			ProviderType: capability.ProviderKV, Permissions: []string{"kv:read"},
		}},
		RestartPolicy: instance.RestartPolicy{Type: instance.PolicyNever},
	}, &startResp)
	require.NoError(t, err)

	params, _ := json.Marshal(map[string]string{"key": "k1"})
	var invokeResp wire.InvokeCapabilityResponse
	err = c.Call(context.Background(), "/agent/invoke", wire.InvokeCapabilityRequest{
		InstanceID: "i2", CapabilityID: "cap-1", ProviderType: capability.ProviderKV, Operation: "get", ParamsJSON: params,
	}, &invokeResp)
	require.NoError(t, err)
	require.True(t, invokeResp.Success)
}
