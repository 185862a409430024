// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mrelay

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/mrelay/pkg/breaker"
	"github.com/absmach/mrelay/pkg/dialer"
	"github.com/absmach/mrelay/pkg/inbound"
	"github.com/caarlos0/env/v11"
)

// DefaultEnvPrefix prefixes every configuration variable.
const DefaultEnvPrefix = "MRELAY_"

// Paths served by the HTTP host itself. Inbound rules may not claim them.
var reservedPaths = []string{"/health", "/ready", "/live"}

var (
	errMissingUUID = errors.New("inbound UUID is not configured")
	errTLSPair     = errors.New("both cert and key files are required for TLS")
)

// Config holds the relay configuration.
type Config struct {
	// HTTP host
	Host string `env:"HOST" envDefault:""`
	Port string `env:"PORT" envDefault:"8080"`

	// TLS
	CertFile     string `env:"CERT_FILE"      envDefault:""`
	KeyFile      string `env:"KEY_FILE"       envDefault:""`
	ClientCAFile string `env:"CLIENT_CA_FILE" envDefault:""`

	// Password gate
	Password      string `env:"PASSWORD"       envDefault:""`
	PasswordHash  string `env:"PASSWORD_HASH"  envDefault:""`
	PasswordParam string `env:"PASSWORD_PARAM" envDefault:"password"`

	// Share links
	LinkPath string `env:"LINK_PATH" envDefault:"/link"`
	LinkHost string `env:"LINK_HOST" envDefault:""`
	LinkPort int    `env:"LINK_PORT" envDefault:"0"`
	LinkTLS  bool   `env:"LINK_TLS"  envDefault:"true"`

	// VLESS inbound
	VLESSPaths       []string `env:"VLESS_PATHS"       envDefault:"/ws" envSeparator:","`
	VLESSUUID        string   `env:"VLESS_UUID"        envDefault:""`
	VLESSName        string   `env:"VLESS_NAME"        envDefault:"mrelay"`
	VLESSAcknowledge bool     `env:"VLESS_ACKNOWLEDGE" envDefault:"true"`

	// Dialer
	DialTimeout time.Duration `env:"DIAL_TIMEOUT"  envDefault:"10s"`
	DenyPrivate bool          `env:"DENY_PRIVATE"  envDefault:"true"`
	AllowNets   []string      `env:"ALLOW_NETS"    envSeparator:","`
	DenyNets    []string      `env:"DENY_NETS"     envSeparator:","`
	AllowPorts  []string      `env:"ALLOW_PORTS"   envSeparator:","`
	DenyPorts   []string      `env:"DENY_PORTS"    envSeparator:","`

	// Circuit breaker, disabled when BreakerMaxFailures is zero
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"0"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`
	BreakerSize         int           `env:"BREAKER_SIZE"          envDefault:"4096"`

	// Relay
	BufferSize       int           `env:"BUFFER_SIZE"        envDefault:"16384"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT"  envDefault:"10s"`
	IdleTimeout      time.Duration `env:"IDLE_TIMEOUT"       envDefault:"5m"`
	HalfCloseTimeout time.Duration `env:"HALF_CLOSE_TIMEOUT" envDefault:"30s"`

	// Limits
	MaxSessions     int     `env:"MAX_SESSIONS"      envDefault:"0"`
	RateLimit       float64 `env:"RATE_LIMIT"        envDefault:"0"`
	RateBurst       int     `env:"RATE_BURST"        envDefault:"20"`
	GlobalRateLimit float64 `env:"GLOBAL_RATE_LIMIT" envDefault:"0"`
	GlobalRateBurst int     `env:"GLOBAL_RATE_BURST" envDefault:"1000"`

	// WebSocket early data
	EarlyData    bool `env:"EARLY_DATA"     envDefault:"true"`
	MaxEarlyData int  `env:"MAX_EARLY_DATA" envDefault:"8192"`

	// Raw TCP host, disabled when TCPPort is empty
	TCPPort string `env:"TCP_PORT" envDefault:""`
	TCPPath string `env:"TCP_PATH" envDefault:""`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Observability
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
}

// NewConfig parses the configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Router builds the immutable inbound routing table. The link path and the
// probe paths are reserved.
func (c Config) Router() (*inbound.Router, error) {
	if c.VLESSUUID == "" {
		return nil, errMissingUUID
	}
	cred, err := inbound.ParseCredential(c.VLESSUUID)
	if err != nil {
		return nil, err
	}

	reserved := append([]string{c.LinkPath}, reservedPaths...)
	return inbound.NewRouter([]inbound.Inbound{{
		Variant:     inbound.VariantVLESS,
		Name:        c.VLESSName,
		Paths:       c.VLESSPaths,
		Credential:  cred,
		Acknowledge: c.VLESSAcknowledge,
	}}, reserved...)
}

// Policy builds the destination policy.
func (c Config) Policy() (dialer.Policy, error) {
	allowNets, err := dialer.ParsePrefixes(c.AllowNets)
	if err != nil {
		return dialer.Policy{}, fmt.Errorf("allow nets: %w", err)
	}
	denyNets, err := dialer.ParsePrefixes(c.DenyNets)
	if err != nil {
		return dialer.Policy{}, fmt.Errorf("deny nets: %w", err)
	}
	allowPorts, err := parsePorts(c.AllowPorts)
	if err != nil {
		return dialer.Policy{}, fmt.Errorf("allow ports: %w", err)
	}
	denyPorts, err := parsePorts(c.DenyPorts)
	if err != nil {
		return dialer.Policy{}, fmt.Errorf("deny ports: %w", err)
	}

	return dialer.Policy{
		DenyPrivate: c.DenyPrivate,
		AllowNets:   allowNets,
		DenyNets:    denyNets,
		AllowPorts:  allowPorts,
		DenyPorts:   denyPorts,
	}, nil
}

// Breaker returns the per-destination breaker configuration, or nil when
// breaking is disabled.
func (c Config) Breaker() *breaker.Config {
	if c.BreakerMaxFailures <= 0 {
		return nil
	}
	return &breaker.Config{
		MaxFailures:  c.BreakerMaxFailures,
		ResetTimeout: c.BreakerResetTimeout,
	}
}

// TLSConfig loads the server certificate. It returns nil when TLS is not
// configured. A client CA enables optional client certificates.
func (c Config) TLSConfig() (*tls.Config, error) {
	if c.CertFile == "" && c.KeyFile == "" {
		return nil, nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, errTLSPair
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if c.ClientCAFile != "" {
		pem, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", c.ClientCAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}

// TCPRoute returns the path raw TCP connections dispatch to, defaulting to
// the first VLESS path.
func (c Config) TCPRoute() string {
	if c.TCPPath != "" {
		return c.TCPPath
	}
	if len(c.VLESSPaths) > 0 {
		return c.VLESSPaths[0]
	}
	return ""
}

// Logger creates a structured logger with the configured level and format.
func (c Config) Logger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parsePorts(values []string) ([]uint16, error) {
	var ports []uint16
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		p, err := strconv.ParseUint(v, 10, 16)
		if err != nil || p == 0 {
			return nil, fmt.Errorf("invalid port %q", v)
		}
		ports = append(ports, uint16(p))
	}
	return ports, nil
}
