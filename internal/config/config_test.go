package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, "wazero", cfg.RuntimeBackend)
	require.Equal(t, "info", cfg.LogLevel)
	require.Empty(t, cfg.StaticNodeAgents)
}

func TestLoadReadsEnv(t *testing.T) {
	t.Setenv("NODE_AGENT_BIND", "0.0.0.0:9090")
	t.Setenv("CONTROL_PLANE_ENDPOINT", "https://cp.local:8443")
	t.Setenv("STATIC_NODE_AGENTS", "https://a.local, https://b.local")
	t.Setenv("RESTART_BACKOFF_BASE_MS", "50")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9090", cfg.NodeAgentBind)
	require.Equal(t, "https://cp.local:8443", cfg.ControlPlaneEndpoint)
	require.Equal(t, []string{"https://a.local", "https://b.local"}, cfg.StaticNodeAgents)
	require.Equal(t, 50, cfg.RestartBackoffBaseMS)
}

func TestValidateAgentRequiresBindAndEndpoint(t *testing.T) {
	cfg := &Config{}
	require.Error(t, cfg.ValidateAgent())

	cfg.NodeAgentBind = "0.0.0.0:9090"
	require.Error(t, cfg.ValidateAgent())

	cfg.ControlPlaneEndpoint = "https://cp.local:8443"
	require.NoError(t, cfg.ValidateAgent())
}
