// Package kv implements the in-process key-value Capability Provider
// back-end. SPEC_FULL §1e keeps this backend on the standard library:
// a single-node keyed map needs no external dependency, and the
// specification explicitly treats concrete provider back-ends as
// external collaborators — only the contract in internal/capability
// is specified.
package kv

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/wasmatrix/wasmatrix/internal/apierr"
	"github.com/wasmatrix/wasmatrix/internal/capability"
)

type Provider struct {
	mu         sync.RWMutex
	data       map[string][]byte
	providerID string
	nodeID     string
	status     capability.Status
}

func New(providerID, nodeID string, _ map[string]string) (capability.Provider, error) {
	return &Provider{
		data:       make(map[string][]byte),
		providerID: providerID,
		nodeID:     nodeID,
		status:     capability.StatusStopped,
	}, nil
}

func (p *Provider) Initialize(_ context.Context, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = capability.StatusRunning
	return nil
}

type setRequest struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

type getResponse struct {
	Value []byte `json:"value"`
	Found bool   `json:"found"`
}

func (p *Provider) Invoke(_ context.Context, _ string, operation string, params []byte) ([]byte, error) {
	p.mu.RLock()
	running := p.status == capability.StatusRunning
	p.mu.RUnlock()
	if !running {
		return nil, apierr.New(apierr.ProviderUnavailable, "kv provider is stopped")
	}

	switch operation {
	case "get":
		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, apierr.Wrap(apierr.InvalidRequest, "bad get params", err)
		}
		p.mu.RLock()
		v, ok := p.data[req.Key]
		p.mu.RUnlock()
		return json.Marshal(getResponse{Value: v, Found: ok})

	case "list":
		p.mu.RLock()
		keys := make([]string, 0, len(p.data))
		for k := range p.data {
			keys = append(keys, k)
		}
		p.mu.RUnlock()
		return json.Marshal(keys)

	case "exists":
		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, apierr.Wrap(apierr.InvalidRequest, "bad exists params", err)
		}
		p.mu.RLock()
		_, ok := p.data[req.Key]
		p.mu.RUnlock()
		return json.Marshal(ok)

	case "set":
		var req setRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, apierr.Wrap(apierr.InvalidRequest, "bad set params", err)
		}
		p.mu.Lock()
		p.data[req.Key] = req.Value
		p.mu.Unlock()
		return nil, nil

	case "delete":
		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, apierr.Wrap(apierr.InvalidRequest, "bad delete params", err)
		}
		p.mu.Lock()
		delete(p.data, req.Key)
		p.mu.Unlock()
		return nil, nil

	default:
		return nil, apierr.New(apierr.InvalidRequest, "unknown kv operation: "+operation)
	}
}

func (p *Provider) Shutdown(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = capability.StatusStopped
	return nil
}

func (p *Provider) Metadata() capability.Metadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return capability.Metadata{
		ProviderID: p.providerID,
		Type:       capability.ProviderKV,
		NodeID:     p.nodeID,
		Status:     p.status,
	}
}
