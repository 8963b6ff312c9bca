package agentserver

import (
	"context"
	"log/slog"
	"time"

	"github.com/wasmatrix/wasmatrix/internal/agent"
	"github.com/wasmatrix/wasmatrix/internal/rpc"
	"github.com/wasmatrix/wasmatrix/internal/wire"
)

// Reporter pushes every status transition an Agent's instances emit
// up to the Control Plane's ReportStatus RPC, retrying on transport
// failure with its own backoff (SPEC_FULL §4.3: "the Agent retries
// reports on transport failure with its own backoff").
type Reporter struct {
	client     *rpc.Client
	nodeID     string
	log        *slog.Logger
	maxRetries int
	backoff    time.Duration
}

func NewReporter(client *rpc.Client, nodeID string, log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{client: client, nodeID: nodeID, log: log, maxRetries: 5, backoff: 200 * time.Millisecond}
}

// OnStatus is passed as the agent.Agent onStatus callback.
func (r *Reporter) OnStatus(update agent.StatusUpdate) {
	req := wire.StatusReportRequest{
		NodeID: r.nodeID,
		InstanceUpdates: []wire.InstanceStatusUpdate{{
			InstanceID:   update.InstanceID,
			Status:       update.Status,
			ErrorMessage: update.ErrorMessage,
			Detail:       update.Detail,
		}},
	}

	delay := r.backoff
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.client.Call(ctx, "/controlplane/report-status", req, nil)
		cancel()
		if err == nil {
			return
		}
		if attempt == r.maxRetries {
			r.log.Warn("status report exhausted retries", "instance_id", update.InstanceID, "status", update.Status, "error", err)
			return
		}
		time.Sleep(delay)
		delay *= 2
	}
}
