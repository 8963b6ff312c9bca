package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wasmatrix/wasmatrix/internal/agent"
	"github.com/wasmatrix/wasmatrix/internal/apierr"
)

func noInvoke(_ context.Context, _, _ string, _ []byte) ([]byte, error) {
	return nil, nil
}

func TestValidateModule_Empty(t *testing.T) {
	err := ValidateModule(nil)
	require.Equal(t, apierr.InvalidRequest, apierr.CodeOf(err))
}

func TestValidateModule_BadMagic(t *testing.T) {
	err := ValidateModule([]byte("not a wasm module"))
	require.Equal(t, apierr.InvalidRequest, apierr.CodeOf(err))
}

func TestValidateModule_Valid(t *testing.T) {
	require.NoError(t, ValidateModule(noopModule()))
}

func TestLoad_RejectsInvalidModule(t *testing.T) {
	h := New(Config{})
	_, err := h.Load(context.Background(), "i1", []byte{1, 2, 3}, noInvoke)
	require.Equal(t, apierr.InvalidRequest, apierr.CodeOf(err))
}

func TestWait_NoopModuleExitsNormally(t *testing.T) {
	h := New(Config{})
	handle, err := h.Load(context.Background(), "i1", noopModule(), noInvoke)
	require.NoError(t, err)

	reason, _, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, agent.ExitNormal, reason)
}

func TestWait_NoEntryPointExitsNormally(t *testing.T) {
	h := New(Config{})
	handle, err := h.Load(context.Background(), "i1", emptyModuleNoEntry(), noInvoke)
	require.NoError(t, err)

	reason, _, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, agent.ExitNormal, reason)
}

func TestWait_TrapModuleReportsTrapped(t *testing.T) {
	h := New(Config{})
	handle, err := h.Load(context.Background(), "i1", trapModule(), noInvoke)
	require.NoError(t, err)

	reason, detail, err := handle.Wait(context.Background())
	require.Error(t, err)
	require.Equal(t, agent.ExitTrapped, reason)
	require.NotEmpty(t, detail)
}

func TestKill_AbortsBeforeWaitReturns(t *testing.T) {
	h := New(Config{})
	handle, err := h.Load(context.Background(), "i1", noopModule(), noInvoke)
	require.NoError(t, err)

	require.NoError(t, handle.Kill(context.Background()))
	// Wait on an already-killed handle still returns promptly rather
	// than hanging, regardless of how the runtime classifies the
	// closed-runtime error.
	done := make(chan struct{})
	go func() {
		_, _, _ = handle.Wait(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Kill")
	}
}
