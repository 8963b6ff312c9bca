package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/wasmatrix/wasmatrix/internal/apierr"
	"github.com/wasmatrix/wasmatrix/internal/wire"
)

// Client is the shared HTTP transport both the Agent (dialing the
// Control Plane) and the Control Plane (dialing an Agent) use to
// exchange wire envelopes. Grounded on pkg/client/client.go's
// Client/Config/doRequest shape.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	TLS     *ClientTLSConfig
	Token   string // bearer token attached to every request, if set
}

func New(cfg Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{}
	if cfg.TLS != nil {
		tlsCfg, err := SetupClientTLS(*cfg.TLS)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsCfg
	} else {
		transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

// Call POSTs payload to path, decoding the wire.Response's Payload
// field into out (which must be a pointer, or nil to discard it). The
// request's deadline is taken from ctx (SPEC_FULL §5): on expiry the
// caller sees apierr.Timeout, matching how the rest of this system
// reports RPC deadlines.
func (c *Client) Call(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apierr.Wrap(apierr.InvalidRequest, "encoding request payload", err)
	}

	requestID := uuid.NewString()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apierr.Wrap(apierr.InternalError, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apierr.New(apierr.Timeout, "rpc deadline exceeded")
		}
		return apierr.Wrap(apierr.CommunicationFailure, fmt.Sprintf("calling %s", path), err)
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope wire.Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return apierr.Wrap(apierr.CommunicationFailure, "decoding response envelope", err)
	}

	if !envelope.OK {
		if envelope.Error == nil {
			return apierr.New(apierr.InternalError, "error response missing error detail")
		}
		return apierr.New(apierr.Code(envelope.Error.Code), envelope.Error.Message)
	}

	if out == nil || envelope.Payload == nil {
		return nil
	}
	raw, err := json.Marshal(envelope.Payload)
	if err != nil {
		return apierr.Wrap(apierr.CommunicationFailure, "re-encoding response payload", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apierr.Wrap(apierr.CommunicationFailure, "decoding response payload", err)
	}
	return nil
}
