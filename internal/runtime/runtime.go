// Package runtime implements the Wasm Runtime Host (C3): it compiles
// and instantiates a module inside its own wazero Runtime, gives the
// module a capability-invocation host function, and translates traps
// and clean exits into the agent.Handle contract. Grounded on
// other_examples/wippyai-wasm-runtime__doc.go's runtime.New /
// LoadComponent / Instantiate shape and on the reference codebase's
// internal/process/process.go for the lifecycle-owning-handle pattern
// (PID tracking, signal/kill) generalized from an OS process to a
// wazero module.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/wasmatrix/wasmatrix/internal/agent"
	"github.com/wasmatrix/wasmatrix/internal/apierr"
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// ValidateModule implements the magic/version check SPEC_FULL §4.1
// requires StartInstance to run before any side effect.
func ValidateModule(module []byte) error {
	if len(module) == 0 {
		return apierr.ErrEmptyModule
	}
	if len(module) < 8 {
		return apierr.ErrInvalidModule
	}
	for i, b := range wasmMagic {
		if module[i] != b {
			return apierr.ErrInvalidModule
		}
	}
	for i, b := range []byte{0x01, 0x00, 0x00, 0x00} {
		if module[len(wasmMagic)+i] != b {
			return apierr.ErrInvalidModule
		}
	}
	return nil
}

// Config bounds the per-instance host-side resource limits SPEC_FULL
// §4.4 requires (memory, wall time); fuel/instruction limiting is left
// to wazero's own compilation mode and is not separately configured
// here.
type Config struct {
	// MemoryLimitPages caps linear memory growth; 0 uses the module's
	// own declared maximum (or wazero's default if the module names
	// none).
	MemoryLimitPages uint32
	// WallTimeout bounds how long a single instance may run before
	// Wait reports it killed; 0 means unbounded.
	WallTimeout time.Duration
}

// Host is the agent.Host implementation backing one Node Agent
// process. Every Load call gets a fresh wazero.Runtime: the hard
// guarantee that no two instances ever share linear memory or tables
// (SPEC_FULL §4.4) is enforced at the Runtime-per-instance boundary,
// not by any sharing discipline inside one Runtime.
type Host struct {
	cfg Config
}

func New(cfg Config) *Host {
	return &Host{cfg: cfg}
}

// Load implements agent.Host. It compiles module fresh for this
// instance (no cross-instance compiled-module cache — SPEC_FULL §4.4
// names no such cache, and sharing a wazero.CompiledModule across
// Runtimes is safe but reusing it is an optimization this
// specification does not ask for) and returns a handle whose Wait
// blocks until the module's _start entry returns or traps.
func (h *Host) Load(ctx context.Context, instanceID string, module []byte, invoke agent.CapabilityInvoker) (agent.Handle, error) {
	if err := ValidateModule(module); err != nil {
		return nil, err
	}

	rtCfg := wazero.NewRuntimeConfig()
	if h.cfg.MemoryLimitPages > 0 {
		rtCfg = rtCfg.WithMemoryLimitPages(h.cfg.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)

	if _, err := rt.NewHostModuleBuilder("wasmatrix").
		NewFunctionBuilder().
		WithFunc(invokeCapabilityShim(invoke)).
		Export("invoke_capability").
		Instantiate(ctx); err != nil {
		_ = rt.Close(ctx)
		return nil, apierr.Wrap(apierr.InternalError, "registering capability host module", err)
	}

	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, apierr.Wrap(apierr.InvalidRequest, "compiling wasm module", err)
	}

	return &handle{
		rt:          rt,
		compiled:    compiled,
		modCfg:      wazero.NewModuleConfig().WithName(instanceID),
		wallTimeout: h.cfg.WallTimeout,
	}, nil
}

// invokeCapabilityShim is the host function a guest module calls to
// reach InvokeCapability. Guest ABI: the module passes pointers/
// lengths for capability_id, operation and a JSON params buffer
// already written into its own linear memory, plus two out-pointers
// the host writes the result buffer's address and length into; the
// return value is a status code (0 success, 1 error — the error
// message is written to the same out-pointers as the result).
func invokeCapabilityShim(invoke agent.CapabilityInvoker) func(ctx context.Context, mod api.Module, capPtr, capLen, opPtr, opLen, paramsPtr, paramsLen, resultPtrOut, resultLenOut uint32) uint32 {
	return func(ctx context.Context, mod api.Module, capPtr, capLen, opPtr, opLen, paramsPtr, paramsLen, resultPtrOut, resultLenOut uint32) uint32 {
		mem := mod.Memory()
		capabilityID, ok := readString(mem, capPtr, capLen)
		if !ok {
			return 1
		}
		operation, ok := readString(mem, opPtr, opLen)
		if !ok {
			return 1
		}
		params, ok := mem.Read(paramsPtr, paramsLen)
		if !ok {
			return 1
		}
		// Copy params: mem.Read aliases the module's own memory, and
		// invoke may outlive this call across a suspension point.
		paramsCopy := make([]byte, len(params))
		copy(paramsCopy, params)

		result, err := invoke(ctx, capabilityID, operation, paramsCopy)
		status := uint32(0)
		payload := result
		if err != nil {
			status = 1
			payload = []byte(err.Error())
		}

		ptr, grew := allocateInGuest(mem, uint32(len(payload)))
		if !grew {
			return 1
		}
		if !mem.Write(ptr, payload) {
			return 1
		}
		if !mem.WriteUint32Le(resultPtrOut, ptr) || !mem.WriteUint32Le(resultLenOut, uint32(len(payload))) {
			return 1
		}
		return status
	}
}

func readString(mem api.Memory, ptr, length uint32) (string, bool) {
	b, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}

// allocateInGuest grows the module's memory by enough pages to fit n
// bytes past its current size and returns the offset of the newly
// grown region. This is a minimal bump allocator used only to return
// capability-invocation results — it never reclaims space, which is
// acceptable because a single invocation's result is read once by the
// guest immediately after the call returns.
func allocateInGuest(mem api.Memory, n uint32) (uint32, bool) {
	if n == 0 {
		return mem.Size(), true
	}
	const pageSize = 65536
	offset := mem.Size()
	pagesNeeded := (n + pageSize - 1) / pageSize
	if _, ok := mem.Grow(pagesNeeded); !ok {
		return 0, false
	}
	return offset, true
}

// handle is one running instance's wazero-backed runtime handle.
type handle struct {
	rt          wazero.Runtime
	compiled    wazero.CompiledModule
	modCfg      wazero.ModuleConfig
	wallTimeout time.Duration
}

// Wait instantiates the module and runs its entry point, translating
// the outcome into the agent.ExitReason contract (SPEC_FULL §4.4
// point d). Instantiation happens here, not in Load, so a module with
// no exported entry point "runs" to a clean exit rather than being
// considered started but never executed.
func (hd *handle) Wait(ctx context.Context) (agent.ExitReason, string, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if hd.wallTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, hd.wallTimeout)
		defer cancel()
	}

	mod, err := hd.rt.InstantiateModule(runCtx, hd.compiled, hd.modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	if err != nil {
		return hd.classifyInstantiateError(runCtx, err)
	}

	entry := mod.ExportedFunction("_start")
	if entry == nil {
		// No entry point: the module instantiated cleanly (its start
		// section, if any, already ran) and has nothing further to
		// execute, so it exits normally.
		return agent.ExitNormal, "", nil
	}

	if _, err := entry.Call(runCtx); err != nil {
		return hd.classifyInstantiateError(runCtx, err)
	}
	return agent.ExitNormal, "", nil
}

func (hd *handle) classifyInstantiateError(ctx context.Context, err error) (agent.ExitReason, string, error) {
	if ctx.Err() != nil {
		return agent.ExitKilled, "wall-time budget exceeded", ctx.Err()
	}
	return agent.ExitTrapped, fmt.Sprintf("trap: %v", err), err
}

// Kill tears down this instance's entire Runtime, which aborts any
// in-flight execution immediately; Wait's InstantiateModule/Call
// returns with an error the caller must not reclassify as a trap —
// but since Kill always runs from Stop, which already marks the
// instance Stopped before calling Kill, Wait's caller (actor.watch)
// checks status before acting on the result, so a benign abort error
// here is simply discarded.
func (hd *handle) Kill(ctx context.Context) error {
	return hd.rt.Close(ctx)
}
