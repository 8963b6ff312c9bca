// Package instance defines the Control-Plane-owned metadata shape for
// one Wasm instance: its status, restart policy and crash counters.
// It holds no runtime handle and no application memory — those are
// owned exclusively by the Node Agent hosting the instance.
package instance

import (
	"time"

	"github.com/wasmatrix/wasmatrix/internal/apierr"
)

// Status is the lifecycle state of an instance, as last reported by
// its owning Node Agent. The Control Plane never derives a status
// independently of a report.
type Status string

const (
	StatusStarting Status = "Starting"
	StatusRunning  Status = "Running"
	StatusStopped  Status = "Stopped"
	StatusCrashed  Status = "Crashed"
)

// PolicyType selects the restart-policy evaluator's behavior.
type PolicyType string

const (
	PolicyNever     PolicyType = "Never"
	PolicyAlways    PolicyType = "Always"
	PolicyOnFailure PolicyType = "OnFailure"
)

// RestartPolicy configures the exponential-backoff evaluator in
// internal/agent/policy.go. BackoffBase/BackoffCap are zero unless
// PolicyType is OnFailure (Always uses BackoffBase as a fixed delay
// when non-zero, immediate restart otherwise). StabilityWindow is how
// long an instance must stay Running before its consecutive-crash
// counter resets to 0; zero disables the window (the counter then
// only resets on a clean Stop).
type RestartPolicy struct {
	Type            PolicyType    `json:"type"`
	MaxRetries      int           `json:"max_retries,omitempty"`
	BackoffBase     time.Duration `json:"backoff_base,omitempty"`
	BackoffCap      time.Duration `json:"backoff_cap,omitempty"`
	StabilityWindow time.Duration `json:"stability_window,omitempty"`
}

// Validate reports whether the policy is well-formed per SPEC_FULL
// §4.1 (StartInstance fails InvalidRequest on a malformed policy).
func (p RestartPolicy) Validate() error {
	switch p.Type {
	case PolicyNever, PolicyAlways, PolicyOnFailure:
	default:
		return apierr.ErrMalformedPolicy
	}
	if p.Type == PolicyOnFailure {
		if p.BackoffBase <= 0 {
			return apierr.ErrMalformedPolicy
		}
		if p.BackoffCap > 0 && p.BackoffCap < p.BackoffBase {
			return apierr.ErrMalformedPolicy
		}
	}
	if p.MaxRetries < 0 {
		return apierr.ErrMalformedPolicy
	}
	return nil
}

// Metadata is the Control Plane's record for one instance. ModuleHash
// identifies the module without retaining its bytes or any memory the
// running instance produced.
type Metadata struct {
	InstanceID    string
	ModuleHash    string
	NodeID        string // empty until placed
	Status        Status
	RestartPolicy RestartPolicy
	CreatedAt     time.Time
	CrashCount    int
	LastCrashAt   time.Time
}

// Snapshot is the read-only projection returned by QueryInstance and
// ListInstances — never an "intended" value, always the latest report.
type Snapshot struct {
	InstanceID string    `json:"instance_id"`
	ModuleHash string    `json:"module_hash"`
	NodeID     string    `json:"node_id"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

func (m Metadata) Snapshot() Snapshot {
	return Snapshot{
		InstanceID: m.InstanceID,
		ModuleHash: m.ModuleHash,
		NodeID:     m.NodeID,
		Status:     m.Status,
		CreatedAt:  m.CreatedAt,
	}
}
