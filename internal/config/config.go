// Package config loads this system's configuration surface
// (SPEC_FULL §1b/§6) from environment variables. It keeps the
// reference codebase's viper-based approach — every recognized option
// gets a `SetDefault` + `BindEnv` pair, and nothing outside this
// package reads `os.Getenv` directly — but retargets it from a
// TOML process/group file to a flat set of environment variables,
// which is the configuration surface a distributed control
// plane/agent pair actually exposes.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved configuration surface for either a
// Control Plane or a Node Agent process; unused fields for a given
// role are simply left at their default.
type Config struct {
	// Cluster topology
	ControlPlaneEndpoint string   // agent -> control plane
	NodeAgentBind        string   // required for a Node Agent
	StaticNodeAgents     []string // comma-separated in the env var

	// Heartbeat / restart tuning
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	RestartMaxRetries    int
	RestartBackoffBaseMS int
	RestartBackoffCapMS  int

	// Runtime / observability
	MetricsBind    string
	RuntimeBackend string

	// Logging (§1a)
	LogLevel         string
	LogFile          string
	LogFileMaxSizeMB int
	LogColor         bool

	// Auth (§1e)
	AuthSharedSecret string
	AuthTokenTTL     time.Duration

	// Optional external stores
	EventSinkDSN string
	MetastoreDSN string
}

// defaults mirrors the reference codebase's viper.SetDefault calls:
// every recognized key gets one, even when the zero value is the
// sensible default, so the full key set is always visible in one
// place.
var defaults = map[string]interface{}{
	"control_plane_endpoint":  "",
	"node_agent_bind":         "",
	"static_node_agents":      "",
	"heartbeat_interval":      5 * time.Second,
	"heartbeat_timeout":       15 * time.Second,
	"restart_max_retries":     5,
	"restart_backoff_base_ms": 100,
	"restart_backoff_cap_ms":  30000,
	"metrics_bind":            "",
	"runtime_backend":         "wazero",
	"log_level":               "info",
	"log_file":                "",
	"log_file_max_size_mb":    100,
	"log_color":               false,
	"auth_shared_secret":      "",
	"auth_token_ttl":          1 * time.Hour,
	"event_sink_dsn":          "",
	"metastore_dsn":           "",
}

// envKeys maps each viper key to the environment variable SPEC_FULL
// §6 names for it (viper's automatic env-name derivation would
// produce the same result for every key here, but binding explicitly
// keeps the mapping legible at the call site rather than implicit).
var envKeys = map[string]string{
	"control_plane_endpoint":  "CONTROL_PLANE_ENDPOINT",
	"node_agent_bind":         "NODE_AGENT_BIND",
	"static_node_agents":      "STATIC_NODE_AGENTS",
	"heartbeat_interval":      "HEARTBEAT_INTERVAL",
	"heartbeat_timeout":       "HEARTBEAT_TIMEOUT",
	"restart_max_retries":     "RESTART_MAX_RETRIES",
	"restart_backoff_base_ms": "RESTART_BACKOFF_BASE_MS",
	"restart_backoff_cap_ms":  "RESTART_BACKOFF_CAP_MS",
	"metrics_bind":            "METRICS_BIND",
	"runtime_backend":         "RUNTIME_BACKEND",
	"log_level":               "LOG_LEVEL",
	"log_file":                "LOG_FILE",
	"log_file_max_size_mb":    "LOG_FILE_MAX_SIZE_MB",
	"log_color":               "LOG_COLOR",
	"auth_shared_secret":      "AUTH_SHARED_SECRET",
	"auth_token_ttl":          "AUTH_TOKEN_TTL",
	"event_sink_dsn":          "EVENT_SINK_DSN",
	"metastore_dsn":           "METASTORE_DSN",
}

// Load reads the configuration surface from the process environment.
// It never reads a variable not named in envKeys, satisfying SPEC_FULL
// §6's "none is read outside the config package."
func Load() (*Config, error) {
	v := viper.New()
	for key, def := range defaults {
		v.SetDefault(key, def)
	}
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	cfg := &Config{
		ControlPlaneEndpoint: v.GetString("control_plane_endpoint"),
		NodeAgentBind:        v.GetString("node_agent_bind"),
		StaticNodeAgents:     splitCSV(v.GetString("static_node_agents")),
		HeartbeatInterval:    v.GetDuration("heartbeat_interval"),
		HeartbeatTimeout:     v.GetDuration("heartbeat_timeout"),
		RestartMaxRetries:    v.GetInt("restart_max_retries"),
		RestartBackoffBaseMS: v.GetInt("restart_backoff_base_ms"),
		RestartBackoffCapMS:  v.GetInt("restart_backoff_cap_ms"),
		MetricsBind:          v.GetString("metrics_bind"),
		RuntimeBackend:       v.GetString("runtime_backend"),
		LogLevel:             v.GetString("log_level"),
		LogFile:              v.GetString("log_file"),
		LogFileMaxSizeMB:     v.GetInt("log_file_max_size_mb"),
		LogColor:             v.GetBool("log_color"),
		AuthSharedSecret:     v.GetString("auth_shared_secret"),
		AuthTokenTTL:         v.GetDuration("auth_token_ttl"),
		EventSinkDSN:         v.GetString("event_sink_dsn"),
		MetastoreDSN:         v.GetString("metastore_dsn"),
	}
	return cfg, nil
}

// ValidateAgent reports a fatal configuration error for a Node Agent
// process (SPEC_FULL §6: NODE_AGENT_BIND is "required for agents").
func (c *Config) ValidateAgent() error {
	if c.NodeAgentBind == "" {
		return fmt.Errorf("NODE_AGENT_BIND is required")
	}
	if c.ControlPlaneEndpoint == "" && len(c.StaticNodeAgents) == 0 {
		return fmt.Errorf("CONTROL_PLANE_ENDPOINT must be set for a node agent")
	}
	return nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
