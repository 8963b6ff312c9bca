package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/wasmatrix/wasmatrix/internal/apierr"
	"github.com/wasmatrix/wasmatrix/internal/capability"
	"github.com/wasmatrix/wasmatrix/internal/eventlog"
	"github.com/wasmatrix/wasmatrix/internal/instance"
)

// Agent is the Node Agent's top-level state: one actor per resident
// instance plus the node-local provider registry, generalized from
// the reference codebase's Manager (map of per-process handlers) to a
// map of per-instance actors.
type Agent struct {
	NodeID string

	host      Host
	providers *capability.Registry
	log       *eventlog.Log
	onStatus  func(StatusUpdate)

	mu     sync.Mutex
	actors map[string]*actorEntry
}

type actorEntry struct {
	a      *actor
	cancel context.CancelFunc
}

func New(nodeID string, host Host, providers *capability.Registry, log *eventlog.Log, onStatus func(StatusUpdate)) *Agent {
	return &Agent{
		NodeID:    nodeID,
		host:      host,
		providers: providers,
		log:       log,
		onStatus:  onStatus,
		actors:    make(map[string]*actorEntry),
	}
}

func (ag *Agent) ensureActor(instanceID string) *actor {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	if e, ok := ag.actors[instanceID]; ok {
		return e.a
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := newActor(instanceID, ag.NodeID, ag.host, ag.providers, ag.log, ag.onStatus)
	ag.actors[instanceID] = &actorEntry{a: a, cancel: cancel}
	go a.run(ctx)
	return a
}

// Start implements the Node Agent's Start RPC handler (SPEC_FULL
// §4.3): validate, place, and dispatch to the owning actor, mirroring
// the reference codebase's Manager.Start -> handler.ctrl<-CtrlMsg
// round trip.
func (ag *Agent) Start(ctx context.Context, instanceID string, module []byte, caps []capability.Assignment, policy instance.RestartPolicy) error {
	if instanceID == "" {
		return apierr.ErrEmptyInstanceID
	}
	if len(module) == 0 {
		return apierr.ErrEmptyModule
	}
	if err := policy.Validate(); err != nil {
		return err
	}

	a := ag.ensureActor(instanceID)
	reply := make(chan ctrlReply, 1)
	select {
	case a.ctrl <- CtrlMsg{Type: CtrlStart, Module: module, Capabilities: caps, Policy: policy, Reply: reply}:
	case <-ctx.Done():
		return apierr.New(apierr.Timeout, "start request deadline exceeded before dispatch")
	}
	select {
	case r := <-reply:
		return r.Err
	case <-ctx.Done():
		return apierr.New(apierr.Timeout, "start request deadline exceeded")
	}
}

func (ag *Agent) Stop(ctx context.Context, instanceID string) error {
	ag.mu.Lock()
	e, ok := ag.actors[instanceID]
	ag.mu.Unlock()
	if !ok {
		return apierr.New(apierr.InstanceNotFound, fmt.Sprintf("no resident instance %q", instanceID))
	}
	reply := make(chan ctrlReply, 1)
	select {
	case e.a.ctrl <- CtrlMsg{Type: CtrlStop, Reply: reply}:
	case <-ctx.Done():
		return apierr.New(apierr.Timeout, "stop request deadline exceeded before dispatch")
	}
	select {
	case r := <-reply:
		return r.Err
	case <-ctx.Done():
		return apierr.New(apierr.Timeout, "stop request deadline exceeded")
	}
}

// InvokeCapability supports administrative/diagnostic invocation over
// RPC, in addition to the in-process path module host functions use
// (invokeFromModule); both funnel through the same actor control
// channel so neither can race a Stop.
func (ag *Agent) InvokeCapability(ctx context.Context, instanceID, capabilityID, operation string, params []byte) ([]byte, error) {
	ag.mu.Lock()
	e, ok := ag.actors[instanceID]
	ag.mu.Unlock()
	if !ok {
		return nil, apierr.New(apierr.InstanceNotFound, fmt.Sprintf("no resident instance %q", instanceID))
	}
	return e.a.invokeFromModule(ctx, capabilityID, operation, params)
}

func (ag *Agent) ListInstances() []StatusUpdate {
	ag.mu.Lock()
	defer ag.mu.Unlock()
	out := make([]StatusUpdate, 0, len(ag.actors))
	for id, e := range ag.actors {
		e.a.mu.Lock()
		status := e.a.status
		e.a.mu.Unlock()
		out = append(out, StatusUpdate{InstanceID: id, Status: status})
	}
	return out
}

// Shutdown stops every resident instance; called on Agent process
// exit so no orphaned handle outlives its owner.
func (ag *Agent) Shutdown(ctx context.Context) {
	ag.mu.Lock()
	entries := make([]*actorEntry, 0, len(ag.actors))
	for _, e := range ag.actors {
		entries = append(entries, e)
	}
	ag.mu.Unlock()

	for _, e := range entries {
		reply := make(chan ctrlReply, 1)
		e.a.ctrl <- CtrlMsg{Type: CtrlShutdown, Reply: reply}
		<-reply
		e.cancel()
	}
}
