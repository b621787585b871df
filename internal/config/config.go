// Package config manages the core daemon's configuration using koanf/v2.
//
// Supports YAML files and environment variables layered over defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete core daemon configuration (§6 "Configuration
// (compile-time knobs)", turned into runtime-loadable settings).
type Config struct {
	Net     NetConfig     `koanf:"net"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Core    CoreConfig    `koanf:"core"`
}

// NetConfig holds listener and transport addresses.
type NetConfig struct {
	// AppServerEnabled toggles the local TCP app-mux listener (§6 "App TCP
	// server").
	AppServerEnabled bool `koanf:"app_server_enabled"`

	// AppAddr is the app-mux listen address, e.g. "127.0.0.1:7777".
	AppAddr string `koanf:"app_addr"`

	// CoreAddr is the core-to-core listen address, e.g. ":7778".
	CoreAddr string `koanf:"core_addr"`

	// BeaconPort is the UDP port LAN beacons broadcast on (§6 "LAN beacon").
	BeaconPort int `koanf:"beacon_port"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// CoreConfig holds the runtime-tunable versions of §6's compile-time
// knob table: fixed-capacity structure sizes and friend-request policy.
type CoreConfig struct {
	// RXRingSize is the per-connection receive buffer size (§6 "RX ring size").
	RXRingSize int `koanf:"rx_ring_size"`

	// ConnectionPoolSize is the max concurrent connections (§6 "Context
	// pool size").
	ConnectionPoolSize int `koanf:"connection_pool_size"`

	// AutoAcceptIfEmpty accepts the first inbound friend request when this
	// node has zero contacts (§6 "Auto-accept friend if no friends").
	AutoAcceptIfEmpty bool `koanf:"auto_accept_if_empty"`

	// AutoAcceptAll accepts every inbound friend request unconditionally
	// (§6 "Auto-accept all friends", debug-only policy).
	AutoAcceptAll bool `koanf:"auto_accept_all"`

	// RPCBufSize is the max RPC reply size (§6 "RPC buffer size").
	RPCBufSize int `koanf:"rpc_buf_size"`

	// RPCContextPoolSize is the per-server request context pool size
	// (§4.F "default 10").
	RPCContextPoolSize int `koanf:"rpc_context_pool_size"`

	// MaxDiscoveryEntries is the capacity of the discovery table (§4.C).
	MaxDiscoveryEntries int `koanf:"max_discovery_entries"`

	// MaxIdentities is the capacity of the identity store (§4.B).
	MaxIdentities int `koanf:"max_identities"`

	// StatePath is the persisted state blob file path (§6 "Persistent state").
	StatePath string `koanf:"state_path"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the defaults from §6's
// knob table.
func DefaultConfig() *Config {
	return &Config{
		Net: NetConfig{
			AppServerEnabled: false,
			AppAddr:          "127.0.0.1:7777",
			CoreAddr:         ":7778",
			BeaconPort:       9006,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Core: CoreConfig{
			RXRingSize:          1500,
			ConnectionPoolSize:  3,
			AutoAcceptIfEmpty:   true,
			AutoAcceptAll:       false,
			RPCBufSize:          1400,
			RPCContextPoolSize:  10,
			MaxDiscoveryEntries: 4,
			MaxIdentities:       4,
			StatePath:           "meshcore.state",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for core configuration.
// Variables are named MESHCORE_<section>_<key>, e.g., MESHCORE_NET_APP_ADDR.
const envPrefix = "MESHCORE_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (MESHCORE_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms MESHCORE_NET_APP_ADDR -> net.app_addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"net.app_server_enabled":       defaults.Net.AppServerEnabled,
		"net.app_addr":                 defaults.Net.AppAddr,
		"net.core_addr":                defaults.Net.CoreAddr,
		"net.beacon_port":              defaults.Net.BeaconPort,
		"metrics.addr":                 defaults.Metrics.Addr,
		"metrics.path":                 defaults.Metrics.Path,
		"log.level":                    defaults.Log.Level,
		"log.format":                   defaults.Log.Format,
		"core.rx_ring_size":            defaults.Core.RXRingSize,
		"core.connection_pool_size":    defaults.Core.ConnectionPoolSize,
		"core.auto_accept_if_empty":    defaults.Core.AutoAcceptIfEmpty,
		"core.auto_accept_all":         defaults.Core.AutoAcceptAll,
		"core.rpc_buf_size":            defaults.Core.RPCBufSize,
		"core.rpc_context_pool_size":   defaults.Core.RPCContextPoolSize,
		"core.max_discovery_entries":   defaults.Core.MaxDiscoveryEntries,
		"core.max_identities":          defaults.Core.MaxIdentities,
		"core.state_path":              defaults.Core.StatePath,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors, one per invalid knob from §6's table.
var (
	ErrEmptyAppAddr               = errors.New("net.app_addr must not be empty when net.app_server_enabled is true")
	ErrEmptyCoreAddr              = errors.New("net.core_addr must not be empty")
	ErrInvalidBeaconPort          = errors.New("net.beacon_port must be between 1 and 65535")
	ErrInvalidRXRingSize          = errors.New("core.rx_ring_size must be > 0")
	ErrInvalidConnectionPoolSize  = errors.New("core.connection_pool_size must be > 0")
	ErrInvalidRPCBufSize          = errors.New("core.rpc_buf_size must be > 0")
	ErrInvalidRPCContextPoolSize  = errors.New("core.rpc_context_pool_size must be > 0")
	ErrInvalidMaxDiscoveryEntries = errors.New("core.max_discovery_entries must be > 0")
	ErrInvalidMaxIdentities       = errors.New("core.max_identities must be > 0")
	ErrEmptyStatePath             = errors.New("core.state_path must not be empty")
)

// Validate checks the configuration for logical errors, returning the
// first one encountered.
func Validate(cfg *Config) error {
	if cfg.Net.AppServerEnabled && cfg.Net.AppAddr == "" {
		return ErrEmptyAppAddr
	}
	if cfg.Net.CoreAddr == "" {
		return ErrEmptyCoreAddr
	}
	if cfg.Net.BeaconPort < 1 || cfg.Net.BeaconPort > 65535 {
		return ErrInvalidBeaconPort
	}
	if cfg.Core.RXRingSize <= 0 {
		return ErrInvalidRXRingSize
	}
	if cfg.Core.ConnectionPoolSize <= 0 {
		return ErrInvalidConnectionPoolSize
	}
	if cfg.Core.RPCBufSize <= 0 {
		return ErrInvalidRPCBufSize
	}
	if cfg.Core.RPCContextPoolSize <= 0 {
		return ErrInvalidRPCContextPoolSize
	}
	if cfg.Core.MaxDiscoveryEntries <= 0 {
		return ErrInvalidMaxDiscoveryEntries
	}
	if cfg.Core.MaxIdentities <= 0 {
		return ErrInvalidMaxIdentities
	}
	if cfg.Core.StatePath == "" {
		return ErrEmptyStatePath
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
