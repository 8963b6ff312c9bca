// Package messaging implements the messaging Capability Provider
// back-end over NATS (github.com/nats-io/nats.go), the messaging
// dependency contributed by the serviceradar example to this pack's
// domain stack (SPEC_FULL §1e).
package messaging

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/wasmatrix/wasmatrix/internal/apierr"
	"github.com/wasmatrix/wasmatrix/internal/capability"
)

type Provider struct {
	mu         sync.RWMutex
	conn       *nats.Conn
	subs       map[string]*nats.Subscription
	providerID string
	nodeID     string
	status     capability.Status
	url        string
}

func New(providerID, nodeID string, config map[string]string) (capability.Provider, error) {
	url := config["url"]
	if url == "" {
		url = nats.DefaultURL
	}
	return &Provider{
		subs:       make(map[string]*nats.Subscription),
		providerID: providerID,
		nodeID:     nodeID,
		status:     capability.StatusStopped,
		url:        url,
	}, nil
}

func (p *Provider) Initialize(_ context.Context, _ map[string]string) error {
	conn, err := nats.Connect(p.url)
	if err != nil {
		return apierr.Wrap(apierr.InternalError, "connecting to messaging broker", err)
	}
	p.mu.Lock()
	p.conn = conn
	p.status = capability.StatusRunning
	p.mu.Unlock()
	return nil
}

type publishParams struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

type subscribeParams struct {
	Topic string `json:"topic"`
}

// Topic extracts the topic named by params, used by the caller to
// build the scoped permission string before invoking.
func Topic(params []byte) (string, error) {
	var generic struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(params, &generic); err != nil {
		return "", err
	}
	return generic.Topic, nil
}

func (p *Provider) Invoke(_ context.Context, instanceID string, operation string, params []byte) ([]byte, error) {
	p.mu.RLock()
	running := p.status == capability.StatusRunning
	conn := p.conn
	p.mu.RUnlock()
	if !running {
		return nil, apierr.New(apierr.ProviderUnavailable, "messaging provider is stopped")
	}

	switch operation {
	case "publish":
		var req publishParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, apierr.Wrap(apierr.InvalidRequest, "bad publish params", err)
		}
		if err := conn.Publish(req.Topic, req.Payload); err != nil {
			return nil, apierr.Wrap(apierr.CommunicationFailure, "publish failed", err)
		}
		return nil, nil

	case "subscribe":
		var req subscribeParams
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, apierr.Wrap(apierr.InvalidRequest, "bad subscribe params", err)
		}
		key := instanceID + ":" + req.Topic
		p.mu.Lock()
		if _, exists := p.subs[key]; !exists {
			sub, err := conn.SubscribeSync(req.Topic)
			if err != nil {
				p.mu.Unlock()
				return nil, apierr.Wrap(apierr.CommunicationFailure, "subscribe failed", err)
			}
			p.subs[key] = sub
		}
		p.mu.Unlock()
		return nil, nil

	default:
		return nil, apierr.New(apierr.InvalidRequest, "unknown messaging operation: "+operation)
	}
}

func (p *Provider) Shutdown(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		_ = sub.Unsubscribe()
	}
	p.subs = make(map[string]*nats.Subscription)
	if p.conn != nil {
		p.conn.Close()
	}
	p.status = capability.StatusStopped
	return nil
}

func (p *Provider) Metadata() capability.Metadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return capability.Metadata{
		ProviderID: p.providerID,
		Type:       capability.ProviderMessaging,
		NodeID:     p.nodeID,
		Status:     p.status,
	}
}
