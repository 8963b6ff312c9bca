// Package agent implements the Node Agent (C4): the process that owns
// Wasm runtime handles, enforces capability permissions at invocation
// time, runs the restart-policy evaluator on crash, and reports status
// upward. The per-instance control-channel actor below generalizes the
// reference codebase's internal/manager handler/CtrlMsg pattern from
// OS-process lifecycle messages to Wasm-instance lifecycle messages;
// the fixed-interval supervisor loop it paired with is not reused —
// Evaluate in policy.go replaces it.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wasmatrix/wasmatrix/internal/apierr"
	"github.com/wasmatrix/wasmatrix/internal/capability"
	"github.com/wasmatrix/wasmatrix/internal/eventlog"
	"github.com/wasmatrix/wasmatrix/internal/instance"
)

// ExitReason is how a running instance stopped.
type ExitReason int

const (
	ExitNormal ExitReason = iota
	ExitTrapped
	ExitKilled
)

// CapabilityInvoker is supplied by the Agent to the runtime Host so a
// module's host-function call can be routed through the owning
// instance's control channel — this is what keeps a capability
// invocation from racing a concurrent Stop (SPEC_FULL §4.4).
type CapabilityInvoker func(ctx context.Context, capabilityID, operation string, params []byte) ([]byte, error)

// Handle is a running instance's runtime handle.
type Handle interface {
	// Wait blocks until the module exits or traps on its own, or ctx
	// (the instance's own wall-time budget) expires.
	Wait(ctx context.Context) (ExitReason, string, error)
	// Kill terminates the instance immediately; used by Stop.
	Kill(ctx context.Context) error
}

// Host is the per-instance Wasm execution contract; internal/runtime
// supplies the wazero-backed implementation. Load never blocks past
// instantiation — Wait is where the instance actually runs.
type Host interface {
	Load(ctx context.Context, instanceID string, module []byte, invoke CapabilityInvoker) (Handle, error)
}

type CtrlType int

const (
	CtrlStart CtrlType = iota
	CtrlStop
	CtrlInvoke
	CtrlShutdown
)

type CtrlMsg struct {
	Type         CtrlType
	Module       []byte
	Capabilities []capability.Assignment
	Policy       instance.RestartPolicy

	CapabilityID string
	Operation    string
	Params       []byte

	Reply chan ctrlReply
}

type ctrlReply struct {
	Err    error
	Result []byte
}

// StatusUpdate is what an actor reports to the Agent on every
// lifecycle transition; the Agent's caller (internal/agentserver's
// Reporter) sends each one as its own StatusReportRequest.
type StatusUpdate struct {
	InstanceID   string
	Status       instance.Status
	ErrorMessage string
	Detail       string
}

// actor owns the control path for exactly one instance, serializing
// every Start/Stop/Invoke against it the way the reference codebase's
// handler serializes against one OS process.
type actor struct {
	instanceID string
	nodeID     string
	host       Host
	providers  *capability.Registry
	log        *eventlog.Log
	onStatus   func(StatusUpdate)

	ctrl chan CtrlMsg

	mu          sync.Mutex
	status      instance.Status
	crashCount  int
	policy      instance.RestartPolicy
	assignments map[string]capability.Assignment // capability_id -> assignment
	handle      Handle
	lastModule  []byte
}

func newActor(instanceID, nodeID string, host Host, providers *capability.Registry, log *eventlog.Log, onStatus func(StatusUpdate)) *actor {
	return &actor{
		instanceID:  instanceID,
		nodeID:      nodeID,
		host:        host,
		providers:   providers,
		log:         log,
		onStatus:    onStatus,
		ctrl:        make(chan CtrlMsg, 16),
		status:      instance.StatusStopped,
		assignments: make(map[string]capability.Assignment),
	}
}

// run is the actor's single-writer goroutine. Every field it touches
// is only ever touched here or briefly under a.mu.
func (a *actor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.stopNow(context.Background())
			return
		case msg, ok := <-a.ctrl:
			if !ok {
				return
			}
			switch msg.Type {
			case CtrlStart:
				err := a.startNow(ctx, msg.Module, msg.Capabilities, msg.Policy)
				a.reply(msg.Reply, nil, err)
			case CtrlStop:
				a.stopNow(ctx)
				a.reply(msg.Reply, nil, nil)
			case CtrlInvoke:
				res, err := a.invokeNow(ctx, msg.CapabilityID, msg.Operation, msg.Params)
				a.reply(msg.Reply, res, err)
			case CtrlShutdown:
				a.stopNow(ctx)
				a.reply(msg.Reply, nil, nil)
				return
			}
		}
	}
}

func (a *actor) reply(ch chan ctrlReply, result []byte, err error) {
	if ch != nil {
		ch <- ctrlReply{Result: result, Err: err}
	}
}

func (a *actor) startNow(ctx context.Context, module []byte, caps []capability.Assignment, policy instance.RestartPolicy) error {
	a.mu.Lock()
	if a.status == instance.StatusRunning || a.status == instance.StatusStarting {
		a.mu.Unlock()
		return nil
	}
	restarting := a.status == instance.StatusCrashed
	a.status = instance.StatusStarting
	a.policy = policy
	a.lastModule = module
	a.assignments = make(map[string]capability.Assignment, len(caps))
	for _, c := range caps {
		a.assignments[c.CapabilityID] = c
	}
	a.mu.Unlock()
	if restarting {
		a.report(instance.StatusStarting, "", "restarting")
	}

	handle, err := a.host.Load(ctx, a.instanceID, module, a.invokeFromModule)
	if err != nil {
		a.mu.Lock()
		a.status = instance.StatusCrashed
		a.mu.Unlock()
		a.report(instance.StatusCrashed, err.Error(), "")
		return apierr.Wrap(apierr.InternalError, "loading module", err)
	}

	a.mu.Lock()
	a.handle = handle
	a.status = instance.StatusRunning
	a.mu.Unlock()

	kind := eventlog.Started
	if restarting {
		kind = eventlog.Restarted
	}
	a.log.Append(ctx, eventlog.Event{InstanceID: a.instanceID, Kind: kind, Timestamp: time.Now()})
	a.report(instance.StatusRunning, "", "")

	go a.watch(ctx, handle)
	go a.watchStability(ctx, policy, handle)
	return nil
}

// watchStability resets the consecutive-crash counter once the
// instance has stayed Running for policy.StabilityWindow without the
// handle this call was started for being replaced by a later restart
// (SPEC_FULL §4.3). A zero window leaves crashCount to reset only on
// a clean Stop.
func (a *actor) watchStability(ctx context.Context, policy instance.RestartPolicy, handle Handle) {
	if policy.StabilityWindow <= 0 {
		return
	}
	select {
	case <-time.After(policy.StabilityWindow):
	case <-ctx.Done():
		return
	}
	a.mu.Lock()
	if a.handle == handle && a.status == instance.StatusRunning {
		a.crashCount = 0
	}
	a.mu.Unlock()
}

// watch blocks on the handle's own goroutine, outside the control
// loop, so a Stop arriving mid-execution is never starved. It changes
// actor state only under a.mu, and it ignores the outcome of a handle
// that Stop or a later Start has already replaced.
func (a *actor) watch(ctx context.Context, handle Handle) {
	reason, detail, err := handle.Wait(ctx)

	a.mu.Lock()
	current := a.status
	stale := a.handle != handle
	a.mu.Unlock()
	if current == instance.StatusStopped || stale {
		// Stop already drove this transition, or a later Start has
		// replaced this handle; nothing left to report.
		return
	}

	switch reason {
	case ExitKilled:
		a.mu.Lock()
		a.status = instance.StatusStopped
		a.crashCount = 0
		a.mu.Unlock()
		a.log.Append(ctx, eventlog.Event{InstanceID: a.instanceID, Kind: eventlog.Stopped, Timestamp: time.Now(), Detail: "killed"})
		a.report(instance.StatusStopped, "", "killed")
		return

	case ExitNormal:
		a.mu.Lock()
		a.status = instance.StatusStopped
		a.crashCount = 0
		a.mu.Unlock()
		a.log.Append(ctx, eventlog.Event{InstanceID: a.instanceID, Kind: eventlog.Stopped, Timestamp: time.Now(), Detail: detail})
		a.report(instance.StatusStopped, "", detail)
		return

	case ExitTrapped:
		a.onCrash(ctx, detail, err)
	}
}

func (a *actor) onCrash(ctx context.Context, detail string, cause error) {
	a.mu.Lock()
	a.status = instance.StatusCrashed
	a.crashCount++
	crashCount := a.crashCount
	policy := a.policy
	a.mu.Unlock()

	msg := detail
	if cause != nil && msg == "" {
		msg = cause.Error()
	}
	a.log.Append(ctx, eventlog.Event{InstanceID: a.instanceID, Kind: eventlog.Crashed, Timestamp: time.Now(), Detail: msg})
	a.report(instance.StatusCrashed, msg, detail)

	decision := Evaluate(policy, crashCount, instance.StatusCrashed)
	if decision.Violation {
		a.report(instance.StatusCrashed, "restart policy violation: max retries exhausted", "")
		return
	}
	if !decision.Restart {
		return
	}

	go func() {
		if decision.Delay > 0 {
			select {
			case <-time.After(decision.Delay):
			case <-ctx.Done():
				return
			}
		}
		reply := make(chan ctrlReply, 1)
		a.mu.Lock()
		module := a.lastModule
		caps := a.assignmentsList()
		policy := a.policy
		a.mu.Unlock()
		a.ctrl <- CtrlMsg{Type: CtrlStart, Module: module, Capabilities: caps, Policy: policy, Reply: reply}
		if r := <-reply; r.Err == nil {
			a.report(instance.StatusRunning, "", "restarted")
		}
	}()
}

func (a *actor) report(status instance.Status, errMsg, detail string) {
	if a.onStatus == nil {
		return
	}
	a.onStatus(StatusUpdate{InstanceID: a.instanceID, Status: status, ErrorMessage: errMsg, Detail: detail})
}

func (a *actor) assignmentsList() []capability.Assignment {
	out := make([]capability.Assignment, 0, len(a.assignments))
	for _, c := range a.assignments {
		out = append(out, c)
	}
	return out
}

func (a *actor) stopNow(ctx context.Context) {
	a.mu.Lock()
	handle := a.handle
	already := a.status == instance.StatusStopped
	a.status = instance.StatusStopped
	a.crashCount = 0
	a.mu.Unlock()
	if already || handle == nil {
		return
	}
	_ = handle.Kill(ctx)
	a.log.Append(ctx, eventlog.Event{InstanceID: a.instanceID, Kind: eventlog.Stopped, Timestamp: time.Now()})
	a.report(instance.StatusStopped, "", "")
}

// invokeFromModule is the CapabilityInvoker passed into the runtime
// host; it round-trips through the control channel so an invocation
// never runs concurrently with a Stop tearing the instance down.
func (a *actor) invokeFromModule(ctx context.Context, capabilityID, operation string, params []byte) ([]byte, error) {
	reply := make(chan ctrlReply, 1)
	select {
	case a.ctrl <- CtrlMsg{Type: CtrlInvoke, CapabilityID: capabilityID, Operation: operation, Params: params, Reply: reply}:
	case <-ctx.Done():
		return nil, apierr.New(apierr.Timeout, "invocation deadline exceeded before dispatch")
	}
	select {
	case r := <-reply:
		return r.Result, r.Err
	case <-ctx.Done():
		return nil, apierr.New(apierr.Timeout, "invocation deadline exceeded")
	}
}

func (a *actor) invokeNow(ctx context.Context, capabilityID, operation string, params []byte) ([]byte, error) {
	a.mu.Lock()
	assignment, ok := a.assignments[capabilityID]
	a.mu.Unlock()
	if !ok {
		return nil, apierr.New(apierr.CapabilityNotFound, fmt.Sprintf("no capability assignment %q for this instance", capabilityID))
	}

	provider, ok := a.providers.Get(assignment.ProviderID)
	if !ok {
		return nil, apierr.New(apierr.ProviderUnavailable, fmt.Sprintf("provider %q not initialized on this node", assignment.ProviderID))
	}

	domainOrTopic, err := scopeArgument(assignment.ProviderType, operation, params)
	if err != nil {
		return nil, apierr.Wrap(apierr.InvalidRequest, "bad capability params", err)
	}

	if err := capability.Enforce(&assignment, provider.Metadata().Status, assignment.ProviderType, operation, domainOrTopic); err != nil {
		return nil, err
	}

	return provider.Invoke(ctx, a.instanceID, operation, params)
}
