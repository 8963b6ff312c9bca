// Command controlplane runs the Control Plane (C6): the single
// authority over instance metadata, capability assignments, node
// placement and the Recovery Coordinator. Configuration is read
// entirely from the environment via internal/config, following the
// reference codebase's preference for a thin main that wires
// already-tested packages together rather than parsing flags itself.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wasmatrix/wasmatrix/internal/config"
	"github.com/wasmatrix/wasmatrix/internal/controlplane"
	"github.com/wasmatrix/wasmatrix/internal/eventlog"
	"github.com/wasmatrix/wasmatrix/internal/logger"
	"github.com/wasmatrix/wasmatrix/internal/metrics"
	"github.com/wasmatrix/wasmatrix/internal/recovery"
	"github.com/wasmatrix/wasmatrix/internal/registry"
	"github.com/wasmatrix/wasmatrix/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:      parseLevel(cfg.LogLevel),
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogFileMaxSizeMB,
		Color:      cfg.LogColor,
	})
	slog.SetDefault(log)

	var sink eventlog.Sink
	if cfg.EventSinkDSN != "" {
		sink, err = eventlog.NewSinkFromDSN(cfg.EventSinkDSN)
		if err != nil {
			log.Error("creating event sink", "error", err)
			os.Exit(1)
		}
	}

	issuer, err := security.NewIssuer(security.Config{Secret: cfg.AuthSharedSecret, TTL: cfg.AuthTokenTTL})
	if err != nil {
		log.Error("creating token issuer", "error", err)
		os.Exit(1)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("registering metrics with default registerer failed", "error", err)
	}

	reg := registry.New()
	events := eventlog.New(sink)
	dialer := controlplane.NewRPCDialer(cfg.AuthSharedSecret, nil)
	cp := controlplane.New(reg, events, dialer)
	coordinator := recovery.New(cp, dialer, log)

	bind, err := bindAddrFromEndpoint(cfg.ControlPlaneEndpoint)
	if err != nil {
		log.Error("deriving control plane bind address from CONTROL_PLANE_ENDPOINT", "error", err)
		os.Exit(1)
	}
	server, err := controlplane.NewServer(bind, cp, issuer, coordinator, nil)
	if err != nil {
		log.Error("starting control plane server", "error", err)
		os.Exit(1)
	}
	log.Info("control plane listening", "addr", bind)

	var metricsServer *http.Server
	if cfg.MetricsBind != "" {
		metricsServer = &http.Server{Addr: cfg.MetricsBind, Handler: metrics.Handler()}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server exited", "error", err)
			}
		}()
		log.Info("metrics listening", "addr", cfg.MetricsBind)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down control plane")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
}

// bindAddrFromEndpoint derives the address this process listens on
// from CONTROL_PLANE_ENDPOINT, the same value Node Agents are
// configured to dial (SPEC_FULL §6 names no separate bind variable
// for the Control Plane itself).
func bindAddrFromEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("CONTROL_PLANE_ENDPOINT must be set")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("CONTROL_PLANE_ENDPOINT %q is not a valid URL", endpoint)
	}
	return u.Host, nil
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
