// Package controlplane implements the Control Plane API (C6):
// StartInstance, StopInstance, QueryInstance, ListInstances,
// AssignCapability, RevokeCapability, RegisterNode and ReportStatus.
// It owns instance metadata, capability assignments and provider
// metadata, routes through the Node Registry (C5), and appends every
// lifecycle fact to the Execution Event Log (C1). Grounded on the
// original Rust implementation's wasmatrix-control-plane crate
// (start_instance/stop_instance/query_instance/assign_capability) for
// operation ordering, and on the reference codebase's
// internal/server/router.go for the gin/envelope shape the HTTP layer
// in router.go wraps this type with.
package controlplane

import (
	"context"
	"crypto/md5" //nolint:gosec // content-addressing only, not a security boundary
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wasmatrix/wasmatrix/internal/apierr"
	"github.com/wasmatrix/wasmatrix/internal/capability"
	"github.com/wasmatrix/wasmatrix/internal/eventlog"
	"github.com/wasmatrix/wasmatrix/internal/instance"
	"github.com/wasmatrix/wasmatrix/internal/registry"
	"github.com/wasmatrix/wasmatrix/internal/runtime"
	"github.com/wasmatrix/wasmatrix/internal/wire"
)

// ControlPlane is the single Control-Plane-owned authority over
// instance metadata, capability assignments and provider metadata
// (SPEC_FULL §5: "Agents and external callers never write directly").
type ControlPlane struct {
	exec     *Executor
	registry *registry.Registry
	events   *eventlog.Log
	dialer   AgentDialer

	mu          sync.RWMutex
	metadata    map[string]*instance.Metadata
	assignments map[string]map[string]capability.Assignment // instance_id -> capability_id -> Assignment
	providers   map[string]capability.Metadata               // provider_id -> Metadata
}

func New(reg *registry.Registry, events *eventlog.Log, dialer AgentDialer) *ControlPlane {
	return &ControlPlane{
		exec:        NewExecutor(),
		registry:    reg,
		events:      events,
		dialer:      dialer,
		metadata:    make(map[string]*instance.Metadata),
		assignments: make(map[string]map[string]capability.Assignment),
		providers:   make(map[string]capability.Metadata),
	}
}

// RegisterProvider records provider metadata so AssignCapability can
// validate capability_id -> provider_id references (SPEC_FULL §3
// property 3: instance_id and provider_id occupy disjoint
// namespaces, so this map is never consulted by instance lookups).
func (cp *ControlPlane) RegisterProvider(md capability.Metadata) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.providers[md.ProviderID] = md
	cp.registry.RegisterProvider(md.ProviderID, md.NodeID)
}

// StartInstance validates the request, selects a node, asks that
// node's Agent to start the module, and — only on the Agent's ack —
// atomically installs the Starting metadata entry together with the
// capability assignments (SPEC_FULL §4.1: "either both appear or
// neither does").
func (cp *ControlPlane) StartInstance(ctx context.Context, moduleBytes []byte, assigns []capability.Assignment, policy instance.RestartPolicy) (string, error) {
	if err := runtime.ValidateModule(moduleBytes); err != nil {
		return "", err
	}
	if err := policy.Validate(); err != nil {
		return "", err
	}

	requiredTypes := make([]capability.ProviderType, 0, len(assigns))
	seen := make(map[capability.ProviderType]struct{})
	for _, a := range assigns {
		cp.mu.RLock()
		_, known := cp.providers[a.ProviderID]
		cp.mu.RUnlock()
		if !known {
			return "", apierr.New(apierr.InvalidRequest, fmt.Sprintf("capability references unknown provider %q", a.ProviderID))
		}
		if _, ok := seen[a.ProviderType]; !ok {
			seen[a.ProviderType] = struct{}{}
			requiredTypes = append(requiredTypes, a.ProviderType)
		}
	}

	nodeID, err := cp.registry.SelectNode(requiredTypes, nil)
	if err != nil {
		return "", err
	}
	node, ok := cp.registry.Node(nodeID)
	if !ok {
		return "", apierr.New(apierr.InternalError, "selected node vanished before dispatch")
	}

	instanceID := uuid.NewString()
	wireAssigns := make([]wire.CapabilityAssignment, 0, len(assigns))
	for _, a := range assigns {
		perms := make([]string, 0, len(a.Permissions))
		for p := range a.Permissions {
			perms = append(perms, p)
		}
		wireAssigns = append(wireAssigns, wire.CapabilityAssignment{
			InstanceID:   instanceID,
			CapabilityID: a.CapabilityID,
			ProviderID:   a.ProviderID,
			ProviderType: a.ProviderType,
			Permissions:  perms,
		})
	}

	resp, err := cp.dialer.StartOnAgent(ctx, node.Endpoint, wire.StartInstanceRequest{
		InstanceID:    instanceID,
		ModuleBytes:   moduleBytes,
		Capabilities:  wireAssigns,
		RestartPolicy: policy,
	})
	if err != nil {
		// ctx may have been cancelled or timed out after the Agent
		// already placed and started the instance server-side; a
		// best-effort Stop keeps that instance from being orphaned
		// (SPEC_FULL §5). The Agent's own idempotent Stop handling
		// makes this safe even if the request never arrived there.
		if ctx.Err() != nil {
			go cp.bestEffortStopOnCancel(node.Endpoint, instanceID)
		}
		return "", err
	}
	if !resp.Success {
		return "", apierr.New(apierr.Code(resp.ErrorCode), resp.Message)
	}

	cp.mu.Lock()
	cp.metadata[instanceID] = &instance.Metadata{
		InstanceID:    instanceID,
		ModuleHash:    hashModule(moduleBytes),
		NodeID:        nodeID,
		Status:        instance.StatusStarting,
		RestartPolicy: policy,
		CreatedAt:     time.Now(),
	}
	byCap := make(map[string]capability.Assignment, len(assigns))
	for _, a := range assigns {
		byCap[a.CapabilityID] = a
	}
	cp.assignments[instanceID] = byCap
	cp.mu.Unlock()

	cp.registry.PlaceInstance(instanceID, nodeID)
	cp.events.Append(ctx, eventlog.Event{InstanceID: instanceID, Kind: eventlog.Started, Timestamp: time.Now()})
	return instanceID, nil
}

// bestEffortStopOnCancel is fired when a Start's own context was
// cancelled or timed out after the dispatch to the Agent; it runs on
// a fresh background context so the compensating Stop is not itself
// cut short by the same deadline that triggered it.
func (cp *ControlPlane) bestEffortStopOnCancel(endpoint, instanceID string) {
	resp, err := cp.dialer.StopOnAgent(context.Background(), endpoint, wire.StopInstanceRequest{InstanceID: instanceID})
	if err != nil {
		slog.Default().Warn("controlplane: best-effort stop after cancelled start failed", "instance_id", instanceID, "error", err)
		return
	}
	if !resp.Success {
		slog.Default().Warn("controlplane: agent rejected best-effort stop after cancelled start", "instance_id", instanceID, "message", resp.Message)
	}
}

// StopInstance routes to the owning Agent; on acknowledgement the
// metadata moves to Stopped and a Stopped event is appended.
func (cp *ControlPlane) StopInstance(ctx context.Context, instanceID string) error {
	cp.mu.RLock()
	md, ok := cp.metadata[instanceID]
	cp.mu.RUnlock()
	if !ok {
		return apierr.New(apierr.InstanceNotFound, fmt.Sprintf("no such instance %q", instanceID))
	}

	node, ok := cp.registry.Node(md.NodeID)
	if !ok {
		return apierr.New(apierr.InternalError, "instance's node no longer registered")
	}

	var rpcErr error
	cp.exec.Run(instanceID, func() {
		resp, err := cp.dialer.StopOnAgent(ctx, node.Endpoint, wire.StopInstanceRequest{InstanceID: instanceID})
		if err != nil {
			rpcErr = err
			return
		}
		if !resp.Success {
			rpcErr = apierr.New(apierr.Code(resp.ErrorCode), resp.Message)
			return
		}
		cp.mu.Lock()
		md.Status = instance.StatusStopped
		cp.mu.Unlock()
	})
	if rpcErr != nil {
		return rpcErr
	}

	cp.registry.UnplaceInstance(instanceID)
	cp.events.Append(ctx, eventlog.Event{InstanceID: instanceID, Kind: eventlog.Stopped, Timestamp: time.Now()})
	return nil
}

// QueryInstance returns the latest known status, never an "intended"
// value (SPEC_FULL §4.1).
func (cp *ControlPlane) QueryInstance(instanceID string) (instance.Snapshot, error) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	md, ok := cp.metadata[instanceID]
	if !ok {
		return instance.Snapshot{}, apierr.New(apierr.InstanceNotFound, fmt.Sprintf("no such instance %q", instanceID))
	}
	return md.Snapshot(), nil
}

// ListInstances returns every known instance's snapshot. Iteration
// order is unspecified but stable within the call (SPEC_FULL §4.1).
func (cp *ControlPlane) ListInstances() []instance.Snapshot {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	out := make([]instance.Snapshot, 0, len(cp.metadata))
	for _, md := range cp.metadata {
		out = append(out, md.Snapshot())
	}
	return out
}

// AssignCapability validates that the instance and provider exist
// and that permissions are well-formed for the provider's type, then
// installs (or replaces) the assignment.
func (cp *ControlPlane) AssignCapability(instanceID, capabilityID, providerID string, permissions []string) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	md, ok := cp.metadata[instanceID]
	if !ok {
		return apierr.New(apierr.InstanceNotFound, fmt.Sprintf("no such instance %q", instanceID))
	}
	provider, ok := cp.providers[providerID]
	if !ok {
		return apierr.New(apierr.CapabilityNotFound, fmt.Sprintf("no such provider %q", providerID))
	}
	if err := validatePermissions(provider.Type, permissions); err != nil {
		return err
	}

	if cp.assignments[md.InstanceID] == nil {
		cp.assignments[md.InstanceID] = make(map[string]capability.Assignment)
	}
	cp.assignments[md.InstanceID][capabilityID] = capability.NewAssignment(instanceID, capabilityID, providerID, provider.Type, permissions)
	return nil
}

// RevokeCapability removes an assignment, failing CapabilityNotFound
// if none exists for (instance_id, capability_id).
func (cp *ControlPlane) RevokeCapability(instanceID, capabilityID string) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	byCap, ok := cp.assignments[instanceID]
	if !ok {
		return apierr.New(apierr.InstanceNotFound, fmt.Sprintf("no such instance %q", instanceID))
	}
	if _, ok := byCap[capabilityID]; !ok {
		return apierr.New(apierr.CapabilityNotFound, fmt.Sprintf("no such capability %q", capabilityID))
	}
	delete(byCap, capabilityID)
	return nil
}

// ReportStatus applies an Agent's observed status transition to the
// instance's metadata and updates crash info on Crashed (SPEC_FULL
// §4.1/§4.6). A Crashed report appends a Crashed event and a Starting
// report that follows Crashed appends a Restarted event; any other
// report updates the status without appending an event.
func (cp *ControlPlane) ReportStatus(ctx context.Context, update wire.InstanceStatusUpdate) error {
	cp.mu.Lock()
	md, ok := cp.metadata[update.InstanceID]
	if !ok {
		cp.mu.Unlock()
		return apierr.New(apierr.InstanceNotFound, fmt.Sprintf("no such instance %q", update.InstanceID))
	}
	prev := md.Status
	md.Status = update.Status
	if update.Status == instance.StatusCrashed {
		md.CrashCount++
		md.LastCrashAt = time.Now()
	}
	cp.mu.Unlock()

	var kind eventlog.Kind
	switch {
	case update.Status == instance.StatusCrashed:
		kind = eventlog.Crashed
	case update.Status == instance.StatusStarting && prev == instance.StatusCrashed:
		kind = eventlog.Restarted
	default:
		return nil
	}
	detail := update.ErrorMessage
	if detail == "" {
		detail = update.Detail
	}
	cp.events.Append(ctx, eventlog.Event{InstanceID: update.InstanceID, Kind: kind, Timestamp: time.Now(), Detail: detail})
	return nil
}

// RegisterNode records or refreshes a node record. Recovery (the
// follow-up pull of the node's current instances) is the Recovery
// Coordinator's responsibility, triggered by the router after this
// call returns (SPEC_FULL §4.7).
func (cp *ControlPlane) RegisterNode(nodeID, endpoint string, advertised []capability.ProviderType, maxInstances int) {
	cp.registry.RegisterNode(nodeID, endpoint, advertised, maxInstances)
}

// ForceStopOnNode issues Stop directly to nodeID for instanceID,
// bypassing the metadata/placement lookup StopInstance uses — the
// Recovery Coordinator needs this because by the time it resolves a
// duplicate claim, placement already points at the new node, not the
// stale one it is telling to let go (SPEC_FULL §4.7).
func (cp *ControlPlane) ForceStopOnNode(ctx context.Context, nodeID, instanceID string) error {
	node, ok := cp.registry.Node(nodeID)
	if !ok {
		return apierr.New(apierr.InternalError, fmt.Sprintf("unknown node %q", nodeID))
	}
	resp, err := cp.dialer.StopOnAgent(ctx, node.Endpoint, wire.StopInstanceRequest{InstanceID: instanceID})
	if err != nil {
		return err
	}
	if !resp.Success {
		return apierr.New(apierr.Code(resp.ErrorCode), resp.Message)
	}
	return nil
}

// Conflict describes a duplicate instance_id claim the Recovery
// Coordinator (C7) resolved in favor of a newly-observed report.
type Conflict struct {
	InstanceID     string
	PreviousNodeID string
}

// ApplyAgentReport reapplies an Agent's ListInstances report to
// metadata (creating an entry if none exists yet, as happens on
// Control Plane restart — SPEC_FULL §4.7 scenario S6) and rebuilds
// placement via registry.Reassign. A returned Conflict means the
// instance was already placed on a different node; the caller (the
// Recovery Coordinator) is responsible for issuing that node a
// best-effort Stop.
func (cp *ControlPlane) ApplyAgentReport(nodeID string, entries []wire.InstanceStatusEntry) []Conflict {
	var conflicts []Conflict
	for _, e := range entries {
		cp.mu.Lock()
		md, ok := cp.metadata[e.InstanceID]
		if !ok {
			md = &instance.Metadata{InstanceID: e.InstanceID, NodeID: nodeID, CreatedAt: time.Now()}
			cp.metadata[e.InstanceID] = md
		}
		md.NodeID = nodeID
		md.Status = e.Status
		cp.mu.Unlock()

		prevNode, changed := cp.registry.Reassign(e.InstanceID, nodeID)
		if changed && prevNode != "" && prevNode != nodeID {
			conflicts = append(conflicts, Conflict{InstanceID: e.InstanceID, PreviousNodeID: prevNode})
		}
	}
	return conflicts
}

func hashModule(module []byte) string {
	sum := md5.Sum(module) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// validatePermissions rejects a permission string that cannot apply
// to providerType, following the same prefix families
// capability.RequiredPermission recognizes.
func validatePermissions(providerType capability.ProviderType, permissions []string) error {
	for _, p := range permissions {
		if !permissionValidFor(providerType, p) {
			return apierr.New(apierr.InvalidRequest, fmt.Sprintf("permission %q is not valid for provider type %q", p, providerType))
		}
	}
	return nil
}

func permissionValidFor(providerType capability.ProviderType, permission string) bool {
	switch providerType {
	case capability.ProviderKV:
		switch permission {
		case "kv:read", "kv:write", "kv:delete":
			return true
		}
		return false
	case capability.ProviderHTTP:
		if permission == "http:request" {
			return true
		}
		return hasPrefix(permission, "http:domain:")
	case capability.ProviderMessaging:
		switch permission {
		case "msg:publish", "msg:subscribe":
			return true
		}
		return hasPrefix(permission, "msg:publish:") || hasPrefix(permission, "msg:subscribe:")
	default:
		return false
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) > len(prefix) && s[:len(prefix)] == prefix
}
