package capability

import "context"

// Provider is the contract every capability back-end implements
// (SPEC_FULL §4.5). Concrete back-ends — kv, httpprovider, messaging —
// live in sub-packages and are registered with a Registry; this
// package never imports them, so the provider contract stays free of
// any specific transport dependency.
type Provider interface {
	Initialize(ctx context.Context, config map[string]string) error
	Invoke(ctx context.Context, instanceID, operation string, params []byte) ([]byte, error)
	Shutdown(ctx context.Context) error
	Metadata() Metadata
}

// Factory builds a Provider of a fixed ProviderType. Registered once
// per node at startup, mirroring the teacher's store.Factory/Builder
// pattern generalized from DSN-keyed stores to provider-type-keyed
// constructors.
type Factory func(providerID, nodeID string, config map[string]string) (Provider, error)

// Registry holds the providers a Node Agent has initialized locally.
// It is node-local, not Control-Plane state — the Control Plane only
// ever sees Metadata snapshots via RPC.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(p Provider) {
	r.providers[p.Metadata().ProviderID] = p
}

func (r *Registry) Get(providerID string) (Provider, bool) {
	p, ok := r.providers[providerID]
	return p, ok
}

func (r *Registry) Remove(providerID string) {
	delete(r.providers, providerID)
}

func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

func (r *Registry) Shutdown(ctx context.Context) {
	for _, p := range r.providers {
		_ = p.Shutdown(ctx)
	}
}
