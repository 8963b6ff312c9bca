// Package metrics exposes Prometheus counters/gauges for instance
// lifecycle, restart-policy, and routing events. Grounded on the
// reference codebase's own internal/metrics package: same
// atomic.Bool-guarded idempotent Register, same promhttp.Handler
// export, same package-level helper functions that no-op before
// Register is called — retargeted from process-name-keyed process
// metrics to instance/node-keyed Wasm orchestration metrics
// (SPEC_FULL §1e).
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	instanceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wasmatrix",
			Subsystem: "instance",
			Name:      "starts_total",
			Help:      "Number of successful instance starts, by node.",
		}, []string{"node_id"},
	)
	instanceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wasmatrix",
			Subsystem: "instance",
			Name:      "stops_total",
			Help:      "Number of instance stops (graceful or crashed), by node.",
		}, []string{"node_id"},
	)
	instanceCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wasmatrix",
			Subsystem: "instance",
			Name:      "crashes_total",
			Help:      "Number of observed instance crashes, by node.",
		}, []string{"node_id"},
	)
	restartAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wasmatrix",
			Subsystem: "restart",
			Name:      "attempts_total",
			Help:      "Number of restart-policy-driven restart attempts.",
		}, []string{"node_id", "policy"},
	)
	restartPolicyViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wasmatrix",
			Subsystem: "restart",
			Name:      "policy_violations_total",
			Help:      "Number of instances that exhausted their restart policy's retries.",
		}, []string{"node_id"},
	)
	runningInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wasmatrix",
			Subsystem: "instance",
			Name:      "running",
			Help:      "Current running instance count per node.",
		}, []string{"node_id"},
	)
	routingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wasmatrix",
			Subsystem: "router",
			Name:      "decisions_total",
			Help:      "Number of node-selection decisions, by outcome (placed, no_suitable_node, resource_exhausted).",
		}, []string{"outcome"},
	)
	capabilityInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wasmatrix",
			Subsystem: "capability",
			Name:      "invocations_total",
			Help:      "Number of capability invocations, by provider type and outcome (ok, permission_denied, provider_unavailable, error).",
		}, []string{"provider_type", "outcome"},
	)
)

// Register registers all metrics with the provided registerer. It is
// safe to call multiple times; subsequent calls after success are
// no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		instanceStarts, instanceStops, instanceCrashes,
		restartAttempts, restartPolicyViolations, runningInstances,
		routingDecisions, capabilityInvocations,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for
// the DefaultGatherer. The caller wires it to METRICS_BIND.
func Handler() http.Handler { return promhttp.Handler() }

func IncInstanceStart(nodeID string) {
	if regOK.Load() {
		instanceStarts.WithLabelValues(nodeID).Inc()
	}
}

func IncInstanceStop(nodeID string) {
	if regOK.Load() {
		instanceStops.WithLabelValues(nodeID).Inc()
	}
}

func IncInstanceCrash(nodeID string) {
	if regOK.Load() {
		instanceCrashes.WithLabelValues(nodeID).Inc()
	}
}

func IncRestartAttempt(nodeID, policy string) {
	if regOK.Load() {
		restartAttempts.WithLabelValues(nodeID, policy).Inc()
	}
}

func IncRestartPolicyViolation(nodeID string) {
	if regOK.Load() {
		restartPolicyViolations.WithLabelValues(nodeID).Inc()
	}
}

func SetRunningInstances(nodeID string, n int) {
	if regOK.Load() {
		runningInstances.WithLabelValues(nodeID).Set(float64(n))
	}
}

func IncRoutingDecision(outcome string) {
	if regOK.Load() {
		routingDecisions.WithLabelValues(outcome).Inc()
	}
}

func IncCapabilityInvocation(providerType, outcome string) {
	if regOK.Load() {
		capabilityInvocations.WithLabelValues(providerType, outcome).Inc()
	}
}
