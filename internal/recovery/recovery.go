// Package recovery implements the Recovery Coordinator (C7):
// triggered on Control Plane startup and whenever a node
// (re)registers, it pulls that node's actual instance list and
// reconciles it into Control-Plane metadata and placement, resolving
// duplicate instance_id claims in favor of whichever Agent's report
// is being applied right now (SPEC_FULL §4.7, §9 open question).
// Grounded on the original Rust implementation's
// NodeRoutingController::recover_node_state, called from
// wasmatrix-control-plane/src/server.rs's register_node handler
// immediately after the node-registry mutation.
package recovery

import (
	"context"
	"log/slog"

	"github.com/wasmatrix/wasmatrix/internal/controlplane"
	"github.com/wasmatrix/wasmatrix/internal/wire"
)

// AgentLister is the one RPC recovery needs beyond what
// controlplane.AgentDialer already defines; controlplane.RPCDialer
// satisfies it directly.
type AgentLister interface {
	ListInstancesOnAgent(ctx context.Context, endpoint string) (wire.ListInstancesResponse, error)
}

// Coordinator implements controlplane.Recovery.
type Coordinator struct {
	cp     *controlplane.ControlPlane
	lister AgentLister
	log    *slog.Logger
}

func New(cp *controlplane.ControlPlane, lister AgentLister, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{cp: cp, lister: lister, log: log}
}

// TriggerAll runs OnNodeRegistered for every already-known node,
// used once at Control Plane startup (SPEC_FULL §4.7: "triggered on
// Control Plane startup"). nodes maps node_id to its RPC endpoint.
func (c *Coordinator) TriggerAll(nodes map[string]string) {
	for nodeID, endpoint := range nodes {
		go c.OnNodeRegistered(nodeID, endpoint)
	}
}

// OnNodeRegistered pulls nodeID's current instance list and
// reconciles it. It is always run asynchronously by the caller (the
// Control Plane's RegisterNode handler) since recovery must not delay
// the RegisterNode ack.
func (c *Coordinator) OnNodeRegistered(nodeID, endpoint string) {
	ctx := context.Background()
	resp, err := c.lister.ListInstancesOnAgent(ctx, endpoint)
	if err != nil {
		c.log.Warn("recovery: listing instances failed", "node_id", nodeID, "error", err)
		return
	}
	if !resp.Success {
		c.log.Warn("recovery: agent reported failure listing instances", "node_id", nodeID)
		return
	}

	conflicts := c.cp.ApplyAgentReport(nodeID, resp.Instances)
	for _, conflict := range conflicts {
		c.log.Info("recovery: resolved duplicate instance claim",
			"instance_id", conflict.InstanceID, "previous_node_id", conflict.PreviousNodeID, "new_node_id", nodeID)
		go c.stopOnStaleNode(conflict)
	}
}

// stopOnStaleNode issues a best-effort Stop to the node that no
// longer owns instanceID, so it does not keep reporting a stale
// runtime handle (SPEC_FULL §4.7: "that other node's claim is
// asynchronously issued a Stop for the same ID").
func (c *Coordinator) stopOnStaleNode(conflict controlplane.Conflict) {
	if err := c.cp.ForceStopOnNode(context.Background(), conflict.PreviousNodeID, conflict.InstanceID); err != nil {
		c.log.Warn("recovery: best-effort stop on stale node failed",
			"instance_id", conflict.InstanceID, "stale_node_id", conflict.PreviousNodeID, "error", err)
	}
}
