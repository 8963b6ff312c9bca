// Command agent runs a Node Agent (C4): it registers with the
// Control Plane, initializes its local Capability Providers, and
// serves the Start/Stop/Invoke RPCs a registered instance's host
// functions and the Control Plane both rely on. Mirrors
// cmd/controlplane/main.go's thin-wiring shape.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/wasmatrix/wasmatrix/internal/agent"
	"github.com/wasmatrix/wasmatrix/internal/agentserver"
	"github.com/wasmatrix/wasmatrix/internal/capability"
	"github.com/wasmatrix/wasmatrix/internal/capability/httpprovider"
	"github.com/wasmatrix/wasmatrix/internal/capability/kv"
	"github.com/wasmatrix/wasmatrix/internal/capability/messaging"
	"github.com/wasmatrix/wasmatrix/internal/config"
	"github.com/wasmatrix/wasmatrix/internal/eventlog"
	"github.com/wasmatrix/wasmatrix/internal/logger"
	"github.com/wasmatrix/wasmatrix/internal/metrics"
	"github.com/wasmatrix/wasmatrix/internal/rpc"
	"github.com/wasmatrix/wasmatrix/internal/runtime"
	"github.com/wasmatrix/wasmatrix/internal/security"
	"github.com/wasmatrix/wasmatrix/internal/wire"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateAgent(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid agent config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:     parseLevel(cfg.LogLevel),
		FilePath:  cfg.LogFile,
		MaxSizeMB: cfg.LogFileMaxSizeMB,
		Color:     cfg.LogColor,
	})
	slog.SetDefault(log)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("registering metrics failed", "error", err)
	}

	nodeID := uuid.NewString()
	providers, advertise := buildProviders(nodeID)

	cpClient, err := rpc.New(rpc.Config{BaseURL: cfg.ControlPlaneEndpoint, Token: cfg.AuthSharedSecret})
	if err != nil {
		log.Error("building control plane client", "error", err)
		os.Exit(1)
	}

	var regResp wire.RegisterNodeResponse
	err = cpClient.Call(context.Background(), "/controlplane/register", wire.RegisterNodeRequest{
		NodeID:       nodeID,
		NodeAddress:  "http://" + cfg.NodeAgentBind,
		Capabilities: advertise,
	}, &regResp)
	if err != nil {
		log.Error("registering with control plane", "error", err)
		os.Exit(1)
	}
	log.Info("registered with control plane", "node_id", nodeID)

	nodeClient, err := rpc.New(rpc.Config{BaseURL: cfg.ControlPlaneEndpoint, Token: regResp.Token})
	if err != nil {
		log.Error("building node-authenticated control plane client", "error", err)
		os.Exit(1)
	}
	for _, p := range providers.All() {
		md := p.Metadata()
		var out wire.RegisterProviderResponse
		if err := nodeClient.Call(context.Background(), "/controlplane/register-provider", wire.RegisterProviderRequest{
			ProviderID: md.ProviderID, NodeID: nodeID, Type: md.Type,
		}, &out); err != nil {
			log.Error("registering provider with control plane", "provider_id", md.ProviderID, "error", err)
			os.Exit(1)
		}
	}

	reporter := agentserver.NewReporter(nodeClient, nodeID, log)
	host := runtime.New(runtime.Config{WallTimeout: 5 * time.Minute})
	ag := agent.New(nodeID, host, providers, eventlog.New(nil), reporter.OnStatus)

	issuer, err := security.NewIssuer(security.Config{Secret: cfg.AuthSharedSecret, TTL: cfg.AuthTokenTTL})
	if err != nil {
		log.Error("creating token issuer", "error", err)
		os.Exit(1)
	}
	server, err := agentserver.NewServer(cfg.NodeAgentBind, ag, issuer, nil)
	if err != nil {
		log.Error("starting agent server", "error", err)
		os.Exit(1)
	}
	log.Info("node agent listening", "addr", cfg.NodeAgentBind, "node_id", nodeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down node agent")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ag.Shutdown(shutdownCtx)
	providers.Shutdown(shutdownCtx)
	_ = server.Shutdown(shutdownCtx)
}

// buildProviders initializes every Capability Provider back-end this
// node hosts. A real deployment would select this set from
// configuration; SPEC_FULL §4.5 names three fixed provider types and
// no per-node enable/disable surface, so this node tries all three and
// registers and advertises each one whose constructor succeeds;
// messaging also needs its Initialize (the broker connection) to
// succeed.
func buildProviders(nodeID string) (*capability.Registry, []capability.ProviderType) {
	reg := capability.NewRegistry()
	advertise := make([]capability.ProviderType, 0, 3)

	kvProvider, err := kv.New("kv-"+nodeID, nodeID, nil)
	if err == nil {
		_ = kvProvider.Initialize(context.Background(), nil)
		reg.Register(kvProvider)
		advertise = append(advertise, capability.ProviderKV)
	}

	httpProvider, err := httpprovider.New("http-"+nodeID, nodeID, nil)
	if err == nil {
		_ = httpProvider.Initialize(context.Background(), nil)
		reg.Register(httpProvider)
		advertise = append(advertise, capability.ProviderHTTP)
	}

	if msgProvider, err := messaging.New("msg-"+nodeID, nodeID, nil); err == nil {
		if err := msgProvider.Initialize(context.Background(), nil); err == nil {
			reg.Register(msgProvider)
			advertise = append(advertise, capability.ProviderMessaging)
		}
	}

	return reg, advertise
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
