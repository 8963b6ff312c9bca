package controlplane

import (
	"context"
	"sync"

	"github.com/wasmatrix/wasmatrix/internal/rpc"
	"github.com/wasmatrix/wasmatrix/internal/security"
	"github.com/wasmatrix/wasmatrix/internal/wire"
)

// AgentDialer is the Control Plane's view of a Node Agent: the three
// RPCs it issues outbound (SPEC_FULL §6). Kept as an interface so
// tests can substitute a fake Agent without standing up internal/rpc
// and internal/runtime end to end.
type AgentDialer interface {
	StartOnAgent(ctx context.Context, endpoint string, req wire.StartInstanceRequest) (wire.StartInstanceResponse, error)
	StopOnAgent(ctx context.Context, endpoint string, req wire.StopInstanceRequest) (wire.StopInstanceResponse, error)
	ListInstancesOnAgent(ctx context.Context, endpoint string) (wire.ListInstancesResponse, error)
}

// RPCDialer implements AgentDialer over internal/rpc, authenticating
// every outbound call with the cluster shared secret (SPEC_FULL §6:
// "every Control-Plane → Agent RPC carries the same bearer token").
// One rpc.Client is cached per endpoint since each holds its own
// pooled http.Client.
type RPCDialer struct {
	issuer *security.Issuer
	secret string
	tls    *rpc.ClientTLSConfig

	mu      sync.Mutex
	clients map[string]*rpc.Client
}

func NewRPCDialer(secret string, tlsCfg *rpc.ClientTLSConfig) *RPCDialer {
	return &RPCDialer{secret: secret, tls: tlsCfg, clients: make(map[string]*rpc.Client)}
}

func (d *RPCDialer) client(endpoint string) (*rpc.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[endpoint]; ok {
		return c, nil
	}
	c, err := rpc.New(rpc.Config{BaseURL: endpoint, TLS: d.tls, Token: d.secret})
	if err != nil {
		return nil, err
	}
	d.clients[endpoint] = c
	return c, nil
}

func (d *RPCDialer) StartOnAgent(ctx context.Context, endpoint string, req wire.StartInstanceRequest) (wire.StartInstanceResponse, error) {
	c, err := d.client(endpoint)
	if err != nil {
		return wire.StartInstanceResponse{}, err
	}
	var out wire.StartInstanceResponse
	err = c.Call(ctx, "/agent/start", req, &out)
	return out, err
}

func (d *RPCDialer) StopOnAgent(ctx context.Context, endpoint string, req wire.StopInstanceRequest) (wire.StopInstanceResponse, error) {
	c, err := d.client(endpoint)
	if err != nil {
		return wire.StopInstanceResponse{}, err
	}
	var out wire.StopInstanceResponse
	err = c.Call(ctx, "/agent/stop", req, &out)
	return out, err
}

func (d *RPCDialer) ListInstancesOnAgent(ctx context.Context, endpoint string) (wire.ListInstancesResponse, error) {
	c, err := d.client(endpoint)
	if err != nil {
		return wire.ListInstancesResponse{}, err
	}
	var out wire.ListInstancesResponse
	err = c.Call(ctx, "/agent/list", struct{}{}, &out)
	return out, err
}
