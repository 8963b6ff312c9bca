package controlplane

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wasmatrix/wasmatrix/internal/apierr"
	"github.com/wasmatrix/wasmatrix/internal/capability"
	"github.com/wasmatrix/wasmatrix/internal/rpc"
	"github.com/wasmatrix/wasmatrix/internal/security"
	"github.com/wasmatrix/wasmatrix/internal/wire"
)

// Recovery is the subset of the Recovery Coordinator (C7) the router
// needs: a hook fired once RegisterNode's own bookkeeping succeeds.
// Kept as an interface so internal/recovery can depend on
// internal/controlplane without a back-import.
type Recovery interface {
	OnNodeRegistered(nodeID, endpoint string)
}

// Router exposes the Control Plane's RPCs over HTTP/gin, following
// the reference codebase's internal/server/router.go Handler/NewServer
// shape: group routes under a gin.New()+gin.Recovery() engine rather
// than the stdlib mux used nowhere else in this pack.
type Router struct {
	cp       *ControlPlane
	issuer   *security.Issuer
	recovery Recovery
}

func NewRouter(cp *ControlPlane, issuer *security.Issuer, recovery Recovery) *Router {
	return &Router{cp: cp, issuer: issuer, recovery: recovery}
}

func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	g.POST("/controlplane/register", rpc.SharedSecretAuth(r.issuer), r.handleRegisterNode)
	g.POST("/controlplane/report-status", rpc.NodeAuth(r.issuer), r.handleReportStatus)
	g.POST("/controlplane/register-provider", rpc.NodeAuth(r.issuer), r.handleRegisterProvider)
	g.POST("/controlplane/start", r.handleStart)
	g.POST("/controlplane/stop", r.handleStop)
	g.POST("/controlplane/query", r.handleQuery)
	g.POST("/controlplane/list", r.handleList)
	g.POST("/controlplane/assign-capability", r.handleAssignCapability)
	g.POST("/controlplane/revoke-capability", r.handleRevokeCapability)
	return g
}

func NewServer(addr string, cp *ControlPlane, issuer *security.Issuer, recovery Recovery, tlsCfg *rpc.ServerTLSConfig) (*http.Server, error) {
	router := NewRouter(cp, issuer, recovery)
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

func (r *Router) handleRegisterNode(c *gin.Context) {
	var req wire.RegisterNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rpc.WriteError(c, rpc.RequestID(c), apierr.Wrap(apierr.InvalidRequest, "decoding request", err))
		return
	}
	r.cp.RegisterNode(req.NodeID, req.NodeAddress, req.Capabilities, req.MaxInstances)

	token, err := r.issuer.MintNodeToken(req.NodeID)
	if err != nil {
		rpc.WriteError(c, rpc.RequestID(c), apierr.Wrap(apierr.InternalError, "minting node token", err))
		return
	}
	if r.recovery != nil {
		go r.recovery.OnNodeRegistered(req.NodeID, req.NodeAddress)
	}
	rpc.WriteOK(c, rpc.RequestID(c), wire.RegisterNodeResponse{Success: true, Message: "registered", Token: token})
}

func (r *Router) handleReportStatus(c *gin.Context) {
	var req wire.StatusReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rpc.WriteError(c, rpc.RequestID(c), apierr.Wrap(apierr.InvalidRequest, "decoding request", err))
		return
	}
	claimedNodeID, _ := c.Get(rpc.NodeIDKey)
	if claimedNodeID != req.NodeID {
		rpc.WriteError(c, rpc.RequestID(c), apierr.New(apierr.PermissionDenied, "token node_id does not match report's node_id"))
		return
	}
	for _, update := range req.InstanceUpdates {
		if err := r.cp.ReportStatus(c.Request.Context(), update); err != nil {
			rpc.WriteError(c, rpc.RequestID(c), err)
			return
		}
	}
	rpc.WriteOK(c, rpc.RequestID(c), wire.StatusReportResponse{Success: true, Message: "ack"})
}

func (r *Router) handleRegisterProvider(c *gin.Context) {
	var req wire.RegisterProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rpc.WriteError(c, rpc.RequestID(c), apierr.Wrap(apierr.InvalidRequest, "decoding request", err))
		return
	}
	claimedNodeID, _ := c.Get(rpc.NodeIDKey)
	if claimedNodeID != req.NodeID {
		rpc.WriteError(c, rpc.RequestID(c), apierr.New(apierr.PermissionDenied, "token node_id does not match request's node_id"))
		return
	}
	r.cp.RegisterProvider(capability.Metadata{ProviderID: req.ProviderID, Type: req.Type, NodeID: req.NodeID, Status: capability.StatusRunning})
	rpc.WriteOK(c, rpc.RequestID(c), wire.RegisterProviderResponse{Success: true, Message: "registered"})
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
	id, err := r.cp.StartInstance(c.Request.Context(), req.ModuleBytes, assigns, req.RestartPolicy)
	if err != nil {
		rpc.WriteError(c, rpc.RequestID(c), err)
		return
	}
	rpc.WriteOK(c, rpc.RequestID(c), wire.StartInstanceResponse{Success: true, Message: id})
}

func (r *Router) handleStop(c *gin.Context) {
	var req wire.StopInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rpc.WriteError(c, rpc.RequestID(c), apierr.Wrap(apierr.InvalidRequest, "decoding request", err))
		return
	}
	if err := r.cp.StopInstance(c.Request.Context(), req.InstanceID); err != nil {
		rpc.WriteError(c, rpc.RequestID(c), err)
		return
	}
	rpc.WriteOK(c, rpc.RequestID(c), wire.StopInstanceResponse{Success: true, Message: "stopped"})
}

func (r *Router) handleQuery(c *gin.Context) {
	var req struct {
		InstanceID string `json:"instance_id"`
	}
	_ = c.ShouldBindJSON(&req)
	id := req.InstanceID
	if id == "" {
		id = c.Query("instance_id")
	}
	snap, err := r.cp.QueryInstance(id)
	if err != nil {
		rpc.WriteError(c, rpc.RequestID(c), err)
		return
	}
	rpc.WriteOK(c, rpc.RequestID(c), wire.QueryInstanceResponse{
		Success: true,
		Instance: &wire.InstanceMetadataWire{
			InstanceID: snap.InstanceID,
			NodeID:     snap.NodeID,
			ModuleHash: snap.ModuleHash,
			CreatedAt:  snap.CreatedAt.Unix(),
			Status:     snap.Status,
		},
	})
}

func (r *Router) handleList(c *gin.Context) {
	snaps := r.cp.ListInstances()
	out := make([]wire.InstanceMetadataWire, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, wire.InstanceMetadataWire{
			InstanceID: s.InstanceID,
			NodeID:     s.NodeID,
			ModuleHash: s.ModuleHash,
			CreatedAt:  s.CreatedAt.Unix(),
			Status:     s.Status,
		})
	}
	rpc.WriteOK(c, rpc.RequestID(c), wire.ListInstancesMetadataResponse{Success: true, Instances: out})
}

type capabilityRequest struct {
	InstanceID   string   `json:"instance_id"`
	CapabilityID string   `json:"capability_id"`
	ProviderID   string   `json:"provider_id"`
	Permissions  []string `json:"permissions"`
}

func (r *Router) handleAssignCapability(c *gin.Context) {
	var req capabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rpc.WriteError(c, rpc.RequestID(c), apierr.Wrap(apierr.InvalidRequest, "decoding request", err))
		return
	}
	if err := r.cp.AssignCapability(req.InstanceID, req.CapabilityID, req.ProviderID, req.Permissions); err != nil {
		rpc.WriteError(c, rpc.RequestID(c), err)
		return
	}
	rpc.WriteOK(c, rpc.RequestID(c), wire.Response{OK: true})
}

func (r *Router) handleRevokeCapability(c *gin.Context) {
	var req capabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rpc.WriteError(c, rpc.RequestID(c), apierr.Wrap(apierr.InvalidRequest, "decoding request", err))
		return
	}
	if err := r.cp.RevokeCapability(req.InstanceID, req.CapabilityID); err != nil {
		rpc.WriteError(c, rpc.RequestID(c), err)
		return
	}
	rpc.WriteOK(c, rpc.RequestID(c), wire.Response{OK: true})
}
