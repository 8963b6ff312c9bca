// Package agentserver exposes a Node Agent's RPCs (SPEC_FULL §4.3)
// over HTTP/gin, and runs the outbound status-report loop back to the
// Control Plane. Kept separate from internal/agent so that package
// stays free of transport concerns, the same separation the reference
// codebase draws between internal/manager (process lifecycle) and
// internal/server (its HTTP surface).
package agentserver

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wasmatrix/wasmatrix/internal/agent"
	"github.com/wasmatrix/wasmatrix/internal/apierr"
	"github.com/wasmatrix/wasmatrix/internal/capability"
	"github.com/wasmatrix/wasmatrix/internal/rpc"
	"github.com/wasmatrix/wasmatrix/internal/security"
	"github.com/wasmatrix/wasmatrix/internal/wire"
)

type Router struct {
	agent  *agent.Agent
	issuer *security.Issuer
}

func NewRouter(ag *agent.Agent, issuer *security.Issuer) *Router {
	return &Router{agent: ag, issuer: issuer}
}

func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group("/agent", rpc.SharedSecretAuth(r.issuer))
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/list", r.handleList)
	group.POST("/invoke", r.handleInvoke)
	return g
}

func NewServer(addr string, ag *agent.Agent, issuer *security.Issuer, tlsCfg *rpc.ServerTLSConfig) (*http.Server, error) {
	router := NewRouter(ag, issuer)
	server := &http.Server{
		Addr:              addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if tlsCfg != nil {
		tc, err := rpc.SetupServerTLS(*tlsCfg)
		if err != nil {
			return nil, err
		}
		server.TLSConfig = tc
	}
	go func() {
		if server.TLSConfig != nil {
			_ = server.ListenAndServeTLS("", "")
		} else {
			_ = server.ListenAndServe()
		}
	}()
	return server, nil
}

func (r *Router) handleStart(c *gin.Context) {
	var req wire.StartInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rpc.WriteError(c, rpc.RequestID(c), apierr.Wrap(apierr.InvalidRequest, "decoding request", err))
		return
	}
	assigns := make([]capability.Assignment, 0, len(req.Capabilities))
	for _, a := range req.Capabilities {
		assigns = append(assigns, capability.NewAssignment(a.InstanceID, a.CapabilityID, a.ProviderID, a.ProviderType, a.Permissions))
	}
	if err := r.agent.Start(c.Request.Context(), req.InstanceID, req.ModuleBytes, assigns, req.RestartPolicy); err != nil {
		rpc.WriteError(c, rpc.RequestID(c), err)
		return
	}
	rpc.WriteOK(c, rpc.RequestID(c), wire.StartInstanceResponse{Success: true, Message: "started"})
}

func (r *Router) handleStop(c *gin.Context) {
	var req wire.StopInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rpc.WriteError(c, rpc.RequestID(c), apierr.Wrap(apierr.InvalidRequest, "decoding request", err))
		return
	}
	if err := r.agent.Stop(c.Request.Context(), req.InstanceID); err != nil {
		rpc.WriteError(c, rpc.RequestID(c), err)
		return
	}
	rpc.WriteOK(c, rpc.RequestID(c), wire.StopInstanceResponse{Success: true, Message: "stopped"})
}

func (r *Router) handleList(c *gin.Context) {
	updates := r.agent.ListInstances()
	entries := make([]wire.InstanceStatusEntry, 0, len(updates))
	for _, u := range updates {
		entries = append(entries, wire.InstanceStatusEntry{InstanceID: u.InstanceID, Status: u.Status})
	}
	rpc.WriteOK(c, rpc.RequestID(c), wire.ListInstancesResponse{Success: true, Instances: entries})
}

func (r *Router) handleInvoke(c *gin.Context) {
	var req wire.InvokeCapabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rpc.WriteError(c, rpc.RequestID(c), apierr.Wrap(apierr.InvalidRequest, "decoding request", err))
		return
	}
	result, err := r.agent.InvokeCapability(c.Request.Context(), req.InstanceID, req.CapabilityID, req.Operation, req.ParamsJSON)
	if err != nil {
		rpc.WriteError(c, rpc.RequestID(c), err)
		return
	}
	rpc.WriteOK(c, rpc.RequestID(c), wire.InvokeCapabilityResponse{Success: true, ResultJSON: result})
}
