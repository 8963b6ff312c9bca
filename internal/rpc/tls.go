// Package rpc implements the transport (SPEC_FULL §6): a JSON
// envelope over HTTP, served by gin and dialed by net/http.Client,
// following the reference codebase's own outbound-HTTP choice in
// pkg/client/client.go and router construction in
// internal/server/router.go rather than reaching for grpc/protobuf
// (available elsewhere in the pack but used by neither the reference
// codebase nor the original Rust implementation's own transport
// philosophy at the Go-idiomatic layer this spec targets).
package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ServerTLSConfig configures the Control Plane / Node Agent listener.
// Adapted from the reference codebase's internal/tls package
// (config.go/tls.go), retargeted from a viper-sourced config.TLSConfig
// to a plain struct since this system's configuration surface is
// environment variables, not TOML (SPEC_FULL §6).
type ServerTLSConfig struct {
	Enabled      bool
	CertFile     string
	KeyFile      string
	Dir          string
	AutoGenerate bool
	CommonName   string
	DNSNames     []string
	ValidDays    int
}

const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"
)

// SetupServerTLS builds the *tls.Config for a listener, auto-generating
// a self-signed certificate in cfg.Dir when requested and none exists
// yet.
func SetupServerTLS(cfg ServerTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading server certificate: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
	}

	if cfg.Dir == "" {
		return nil, errors.New("TLS enabled but no cert/key files or directory configured")
	}
	certPath := filepath.Join(cfg.Dir, tlsCrt)
	keyPath := filepath.Join(cfg.Dir, tlsKey)

	if cfg.AutoGenerate && !certificatesExist(certPath, keyPath) {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating TLS directory: %w", err)
		}
		validDays := cfg.ValidDays
		if validDays <= 0 {
			validDays = 365
		}
		dnsNames := cfg.DNSNames
		if len(dnsNames) == 0 {
			dnsNames = []string{"localhost"}
		}
		commonName := cfg.CommonName
		if commonName == "" {
			commonName = "localhost"
		}
		if err := GenerateSelfSignedCert(CertConfig{
			CommonName:  commonName,
			DNSNames:    dnsNames,
			IPAddresses: []string{"127.0.0.1"},
			NotAfter:    time.Now().AddDate(0, 0, validDays),
			CertPath:    certPath,
			KeyPath:     keyPath,
		}); err != nil {
			return nil, fmt.Errorf("generating self-signed certificate: %w", err)
		}
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

// ClientTLSConfig configures the dialer side, mirroring
// pkg/client/client.go's TLSClientConfig.
type ClientTLSConfig struct {
	Enabled    bool
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

func SetupClientTLS(cfg ClientTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.SkipVerify, MinVersion: tls.VersionTLS12}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("parsing CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
