// Package httpprovider implements the HTTP Capability Provider
// back-end over net/http.Client, following the reference codebase's
// own outbound-HTTP pattern in pkg/client/client.go rather than
// reaching for a third-party HTTP client — there is no pack
// dependency that improves on the standard client for a domain-scoped
// outbound passthrough (SPEC_FULL §1e).
package httpprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/wasmatrix/wasmatrix/internal/apierr"
	"github.com/wasmatrix/wasmatrix/internal/capability"
)

type Provider struct {
	mu         sync.RWMutex
	client     *http.Client
	providerID string
	nodeID     string
	status     capability.Status
}

func New(providerID, nodeID string, _ map[string]string) (capability.Provider, error) {
	return &Provider{
		client:     &http.Client{Timeout: 10 * time.Second},
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

type requestParams struct {
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Header map[string]string `json:"header,omitempty"`
	Body   []byte            `json:"body,omitempty"`
}

type requestResult struct {
	StatusCode int    `json:"status_code"`
	Body       []byte `json:"body"`
}

// Domain extracts the request's target host for the scoped permission
// check in internal/capability.Enforce. It decodes the raw params
// itself, so callers pass the same bytes they later pass to Invoke.
func Domain(params []byte) (string, error) {
	var req requestParams
	if err := json.Unmarshal(params, &req); err != nil {
		return "", err
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}

func (p *Provider) Invoke(ctx context.Context, _ string, operation string, params []byte) ([]byte, error) {
	p.mu.RLock()
	running := p.status == capability.StatusRunning
	p.mu.RUnlock()
	if !running {
		return nil, apierr.New(apierr.ProviderUnavailable, "http provider is stopped")
	}
	if operation != "request" {
		return nil, apierr.New(apierr.InvalidRequest, "unknown http operation: "+operation)
	}

	var req requestParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, apierr.Wrap(apierr.InvalidRequest, "bad http request params", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidRequest, "bad http request", err)
	}
	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, apierr.Wrap(apierr.CommunicationFailure, "http request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Wrap(apierr.CommunicationFailure, "reading http response failed", err)
	}

	return json.Marshal(requestResult{StatusCode: resp.StatusCode, Body: body})
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
		Type:       capability.ProviderHTTP,
		NodeID:     p.nodeID,
		Status:     p.status,
	}
}
