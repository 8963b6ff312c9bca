// Package wire defines the RPC message set exchanged between Control
// Plane and Node Agent (SPEC_FULL §6). Field sets are ported from the
// original Rust implementation's wasmatrix-proto crate; the envelope
// and transport (JSON over HTTP via gin) follow the reference
// codebase's own client/router shape rather than the original's
// serde-over-a-custom-transport choice.
package wire

import (
	"time"

	"github.com/wasmatrix/wasmatrix/internal/capability"
	"github.com/wasmatrix/wasmatrix/internal/instance"
)

// Version is the major.minor pair carried on every envelope. A
// receiver MUST accept a message lacking fields its own version
// added, and MUST NOT require fields only a newer sender would set
// (SPEC_FULL §6).
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

var CurrentVersion = Version{Major: 1, Minor: 0}

// Envelope is the request-side counterpart of Response. rpc.Client.Call
// does not send it: the request body is the bare payload, the request
// ID travels in the X-Request-ID header, and the deadline comes from
// the caller's context.
type Envelope struct {
	Version   Version     `json:"version"`
	RequestID string      `json:"request_id"`
	Deadline  *time.Time  `json:"deadline,omitempty"`
	Payload   interface{} `json:"payload"`
}

// ErrorDetail is the structured error body (SPEC_FULL §7): clients
// key on Code alone.
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Response wraps every reply.
type Response struct {
	Version   Version      `json:"version"`
	RequestID string       `json:"request_id"`
	OK        bool         `json:"ok"`
	Payload   interface{}  `json:"payload,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// --- Node Agent RPCs ---

type CapabilityAssignment struct {
	InstanceID   string                  `json:"instance_id"`
	CapabilityID string                  `json:"capability_id"`
	ProviderID   string                  `json:"provider_id"`
	ProviderType capability.ProviderType `json:"provider_type"`
	Permissions  []string                `json:"permissions"`
}

type StartInstanceRequest struct {
	InstanceID    string                 `json:"instance_id"`
	ModuleBytes   []byte                 `json:"module_bytes"`
	Capabilities  []CapabilityAssignment `json:"capabilities"`
	RestartPolicy instance.RestartPolicy `json:"restart_policy"`
}

type StartInstanceResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ErrorCode string `json:"error_code,omitempty"`
}

type StopInstanceRequest struct {
	InstanceID string `json:"instance_id"`
}

type StopInstanceResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ErrorCode string `json:"error_code,omitempty"`
}

type InstanceStatusEntry struct {
	InstanceID string          `json:"instance_id"`
	Status     instance.Status `json:"status"`
}

type ListInstancesResponse struct {
	Success   bool                  `json:"success"`
	Instances []InstanceStatusEntry `json:"instances"`
}

type InvokeCapabilityRequest struct {
	InstanceID   string                  `json:"instance_id"`
	CapabilityID string                  `json:"capability_id"`
	ProviderType capability.ProviderType `json:"provider_type"`
	Operation    string                  `json:"operation"`
	ParamsJSON   []byte                  `json:"params_json"`
}

type InvokeCapabilityResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ResultJSON []byte `json:"result_json,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
}

// --- Control Plane RPCs ---

type RegisterNodeRequest struct {
	NodeID       string                    `json:"node_id"`
	NodeAddress  string                    `json:"node_address"`
	Capabilities []capability.ProviderType `json:"capabilities"`
	MaxInstances int                       `json:"max_instances"`
}

type RegisterNodeResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ErrorCode string `json:"error_code,omitempty"`
	Token     string `json:"token,omitempty"`
}

// RegisterProviderRequest lets a Node Agent advertise a locally
// initialized Capability Provider to the Control Plane, so
// AssignCapability can validate capability_id -> provider_id
// references (SPEC_FULL §4.5). There is no separate provider RPC
// surface on the Agent side — providers never leave the node that
// hosts them, only their metadata does.
type RegisterProviderRequest struct {
	ProviderID string                  `json:"provider_id"`
	NodeID     string                  `json:"node_id"`
	Type       capability.ProviderType `json:"type"`
}

type RegisterProviderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type InstanceStatusUpdate struct {
	InstanceID   string          `json:"instance_id"`
	Status       instance.Status `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Detail       string          `json:"detail,omitempty"`
}

type StatusReportRequest struct {
	NodeID          string                 `json:"node_id"`
	InstanceUpdates []InstanceStatusUpdate `json:"instance_updates"`
	Timestamp       int64                  `json:"timestamp"`
}

type StatusReportResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type InstanceMetadataWire struct {
	InstanceID string          `json:"instance_id"`
	NodeID     string          `json:"node_id"`
	ModuleHash string          `json:"module_hash"`
	CreatedAt  int64           `json:"created_at"`
	Status     instance.Status `json:"status"`
}

type QueryInstanceResponse struct {
	Success   bool                  `json:"success"`
	Instance  *InstanceMetadataWire `json:"instance,omitempty"`
	ErrorCode string                `json:"error_code,omitempty"`
}

type ListInstancesMetadataResponse struct {
	Success   bool                   `json:"success"`
	Instances []InstanceMetadataWire `json:"instances"`
}
