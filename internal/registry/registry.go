// Package registry implements the Node Registry & Router (C5): the
// Control Plane's map of known nodes, their advertised capabilities,
// and the placement tables used to route new instances and capability
// calls. There is no teacher equivalent to generalize from — the
// reference codebase runs single-node — so the filter-then-select
// algorithm below is built directly from SPEC_FULL §4.2, using
// stdlib sort for the deterministic tie-break; no pack dependency
// improves on in-memory comparison logic for this.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/wasmatrix/wasmatrix/internal/apierr"
	"github.com/wasmatrix/wasmatrix/internal/capability"
)

type NodeStatus string

const (
	NodeAvailable   NodeStatus = "Available"
	NodeUnreachable NodeStatus = "Unreachable"
)

type Node struct {
	NodeID                 string
	Endpoint               string
	CapabilitiesAdvertised map[capability.ProviderType]struct{}
	LastHeartbeat          time.Time
	ActiveInstanceCount    int
	Status                 NodeStatus
	MaxInstances           int // 0 means unlimited
}

func (n *Node) advertises(p capability.ProviderType) bool {
	_, ok := n.CapabilitiesAdvertised[p]
	return ok
}

func (n *Node) saturated() bool {
	return n.MaxInstances > 0 && n.ActiveInstanceCount >= n.MaxInstances
}

// Registry is Control-Plane-owned state; Agents and external callers
// never write to it directly (SPEC_FULL §5).
type Registry struct {
	mu          sync.Mutex
	nodes       map[string]*Node
	providerLoc map[string]string // provider_id -> node_id
	instanceLoc map[string]string // instance_id -> node_id
}

func New() *Registry {
	return &Registry{
		nodes:       make(map[string]*Node),
		providerLoc: make(map[string]string),
		instanceLoc: make(map[string]string),
	}
}

// RegisterNode adds or refreshes a node record (SPEC_FULL §6
// RegisterNode RPC).
func (r *Registry) RegisterNode(nodeID, endpoint string, advertised []capability.ProviderType, maxInstances int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[capability.ProviderType]struct{}, len(advertised))
	for _, p := range advertised {
		set[p] = struct{}{}
	}
	if n, ok := r.nodes[nodeID]; ok {
		n.Endpoint = endpoint
		n.CapabilitiesAdvertised = set
		n.LastHeartbeat = time.Now()
		n.Status = NodeAvailable
		n.MaxInstances = maxInstances
		return
	}
	r.nodes[nodeID] = &Node{
		NodeID:                 nodeID,
		Endpoint:               endpoint,
		CapabilitiesAdvertised: set,
		LastHeartbeat:          time.Now(),
		Status:                 NodeAvailable,
		MaxInstances:           maxInstances,
	}
}

func (r *Registry) Heartbeat(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.LastHeartbeat = time.Now()
		n.Status = NodeAvailable
	}
}

// MarkUnreachable flags nodeID as unreachable (called by a heartbeat
// monitor on timeout). Placements are not reassigned (SPEC_FULL §4.2)
// — subsequent routing requests simply skip this node.
func (r *Registry) MarkUnreachable(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.Status = NodeUnreachable
	}
}

func (r *Registry) SweepUnreachable(timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-timeout)
	for _, n := range r.nodes {
		if n.Status == NodeAvailable && n.LastHeartbeat.Before(cutoff) {
			n.Status = NodeUnreachable
		}
	}
}

// SelectNode implements SPEC_FULL §4.2's filter-then-select:
// available ∧ advertises every requested provider type ∧ not
// excluded; among the remainder, smallest active_instance_count,
// ties broken by lexicographically smallest node_id.
func (r *Registry) SelectNode(requiredTypes []capability.ProviderType, exclude map[string]struct{}) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*Node
	for _, n := range r.nodes {
		if n.Status != NodeAvailable {
			continue
		}
		if _, excluded := exclude[n.NodeID]; excluded {
			continue
		}
		if n.saturated() {
			continue
		}
		ok := true
		for _, t := range requiredTypes {
			if !n.advertises(t) {
				ok = false
				break
			}
		}
		if ok {
			candidates = append(candidates, n)
		}
	}

	if len(candidates) == 0 {
		// Distinguish "nothing matched" from "everything is saturated"
		// so the Control Plane can return ResourceExhausted instead of
		// NoSuitableNode when that is the actual cause.
		if r.allSaturatedOrUnavailable(exclude) {
			return "", apierr.New(apierr.ResourceExhausted, "every candidate node is saturated")
		}
		return "", apierr.New(apierr.NoSuitableNode, "no node advertises the requested capabilities")
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ActiveInstanceCount != candidates[j].ActiveInstanceCount {
			return candidates[i].ActiveInstanceCount < candidates[j].ActiveInstanceCount
		}
		return candidates[i].NodeID < candidates[j].NodeID
	})
	return candidates[0].NodeID, nil
}

func (r *Registry) allSaturatedOrUnavailable(exclude map[string]struct{}) bool {
	any := false
	for _, n := range r.nodes {
		if _, excluded := exclude[n.NodeID]; excluded {
			continue
		}
		any = true
		if n.Status == NodeAvailable && !n.saturated() {
			return false
		}
	}
	return any
}

// PlaceInstance records that instanceID now lives on nodeID and
// increments that node's active count.
func (r *Registry) PlaceInstance(instanceID, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instanceLoc[instanceID] = nodeID
	if n, ok := r.nodes[nodeID]; ok {
		n.ActiveInstanceCount++
	}
}

// UnplaceInstance removes the placement and decrements the node's
// active count, called on StopInstance acknowledgement.
func (r *Registry) UnplaceInstance(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	nodeID, ok := r.instanceLoc[instanceID]
	if !ok {
		return
	}
	delete(r.instanceLoc, instanceID)
	if n, ok := r.nodes[nodeID]; ok && n.ActiveInstanceCount > 0 {
		n.ActiveInstanceCount--
	}
}

// Reassign moves instanceID's placement to nodeID without touching
// active counts of the prior owner beyond a decrement — used by the
// Recovery Coordinator (C7) to resolve a duplicate-ID conflict in
// favor of the most recently observed Agent (SPEC_FULL §4.7).
func (r *Registry) Reassign(instanceID, nodeID string) (previousNodeID string, changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.instanceLoc[instanceID]
	if had && prev == nodeID {
		return prev, false
	}
	if had {
		if n, ok := r.nodes[prev]; ok && n.ActiveInstanceCount > 0 {
			n.ActiveInstanceCount--
		}
	}
	r.instanceLoc[instanceID] = nodeID
	if n, ok := r.nodes[nodeID]; ok {
		n.ActiveInstanceCount++
	}
	return prev, true
}

func (r *Registry) NodeOf(instanceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.instanceLoc[instanceID]
	return n, ok
}

func (r *Registry) RegisterProvider(providerID, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providerLoc[providerID] = nodeID
}

func (r *Registry) NodeOfProvider(providerID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.providerLoc[providerID]
	return n, ok
}

func (r *Registry) Node(nodeID string) (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

func (r *Registry) Nodes() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	return out
}
