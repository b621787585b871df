package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/meshcore/wishcore/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Net.CoreAddr != ":7778" {
		t.Errorf("Net.CoreAddr = %q, want %q", cfg.Net.CoreAddr, ":7778")
	}
	if cfg.Net.AppServerEnabled {
		t.Error("Net.AppServerEnabled = true, want false")
	}
	if cfg.Net.BeaconPort != 9006 {
		t.Errorf("Net.BeaconPort = %d, want 9006", cfg.Net.BeaconPort)
	}
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.Core.RXRingSize != 1500 {
		t.Errorf("Core.RXRingSize = %d, want 1500", cfg.Core.RXRingSize)
	}
	if cfg.Core.ConnectionPoolSize != 3 {
		t.Errorf("Core.ConnectionPoolSize = %d, want 3", cfg.Core.ConnectionPoolSize)
	}
	if !cfg.Core.AutoAcceptIfEmpty {
		t.Error("Core.AutoAcceptIfEmpty = false, want true")
	}
	if cfg.Core.AutoAcceptAll {
		t.Error("Core.AutoAcceptAll = true, want false")
	}
	if cfg.Core.RPCBufSize != 1400 {
		t.Errorf("Core.RPCBufSize = %d, want 1400", cfg.Core.RPCBufSize)
	}
	if cfg.Core.MaxDiscoveryEntries != 4 {
		t.Errorf("Core.MaxDiscoveryEntries = %d, want 4", cfg.Core.MaxDiscoveryEntries)
	}
	if cfg.Core.MaxIdentities != 4 {
		t.Errorf("Core.MaxIdentities = %d, want 4", cfg.Core.MaxIdentities)
	}

	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
net:
  app_server_enabled: true
  app_addr: "127.0.0.1:8888"
  core_addr: ":9999"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
core:
  rx_ring_size: 2048
  connection_pool_size: 5
  max_discovery_entries: 8
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if !cfg.Net.AppServerEnabled {
		t.Error("Net.AppServerEnabled = false, want true")
	}
	if cfg.Net.AppAddr != "127.0.0.1:8888" {
		t.Errorf("Net.AppAddr = %q, want %q", cfg.Net.AppAddr, "127.0.0.1:8888")
	}
	if cfg.Net.CoreAddr != ":9999" {
		t.Errorf("Net.CoreAddr = %q, want %q", cfg.Net.CoreAddr, ":9999")
	}
	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}
	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
	if cfg.Core.RXRingSize != 2048 {
		t.Errorf("Core.RXRingSize = %d, want 2048", cfg.Core.RXRingSize)
	}
	if cfg.Core.ConnectionPoolSize != 5 {
		t.Errorf("Core.ConnectionPoolSize = %d, want 5", cfg.Core.ConnectionPoolSize)
	}
	if cfg.Core.MaxDiscoveryEntries != 8 {
		t.Errorf("Core.MaxDiscoveryEntries = %d, want 8", cfg.Core.MaxDiscoveryEntries)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override net.core_addr and log.level. Everything
	// else should inherit from defaults.
	yamlContent := `
net:
  core_addr: ":5555"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Net.CoreAddr != ":5555" {
		t.Errorf("Net.CoreAddr = %q, want %q", cfg.Net.CoreAddr, ":5555")
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}
	if cfg.Core.RXRingSize != 1500 {
		t.Errorf("Core.RXRingSize = %d, want default 1500", cfg.Core.RXRingSize)
	}
	if cfg.Core.ConnectionPoolSize != 3 {
		t.Errorf("Core.ConnectionPoolSize = %d, want default 3", cfg.Core.ConnectionPoolSize)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "app server enabled with empty addr",
			modify: func(cfg *config.Config) {
				cfg.Net.AppServerEnabled = true
				cfg.Net.AppAddr = ""
			},
			wantErr: config.ErrEmptyAppAddr,
		},
		{
			name: "empty core addr",
			modify: func(cfg *config.Config) {
				cfg.Net.CoreAddr = ""
			},
			wantErr: config.ErrEmptyCoreAddr,
		},
		{
			name: "invalid beacon port",
			modify: func(cfg *config.Config) {
				cfg.Net.BeaconPort = 0
			},
			wantErr: config.ErrInvalidBeaconPort,
		},
		{
			name: "zero rx ring size",
			modify: func(cfg *config.Config) {
				cfg.Core.RXRingSize = 0
			},
			wantErr: config.ErrInvalidRXRingSize,
		},
		{
			name: "zero connection pool size",
			modify: func(cfg *config.Config) {
				cfg.Core.ConnectionPoolSize = 0
			},
			wantErr: config.ErrInvalidConnectionPoolSize,
		},
		{
			name: "zero rpc buf size",
			modify: func(cfg *config.Config) {
				cfg.Core.RPCBufSize = 0
			},
			wantErr: config.ErrInvalidRPCBufSize,
		},
		{
			name: "zero rpc context pool size",
			modify: func(cfg *config.Config) {
				cfg.Core.RPCContextPoolSize = 0
			},
			wantErr: config.ErrInvalidRPCContextPoolSize,
		},
		{
			name: "zero max discovery entries",
			modify: func(cfg *config.Config) {
				cfg.Core.MaxDiscoveryEntries = 0
			},
			wantErr: config.ErrInvalidMaxDiscoveryEntries,
		},
		{
			name: "zero max identities",
			modify: func(cfg *config.Config) {
				cfg.Core.MaxIdentities = 0
			},
			wantErr: config.ErrInvalidMaxIdentities,
		},
		{
			name: "empty state path",
			modify: func(cfg *config.Config) {
				cfg.Core.StatePath = ""
			},
			wantErr: config.ErrEmptyStatePath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
net:
  core_addr: ":7778"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("MESHCORE_NET_CORE_ADDR", ":6000")
	t.Setenv("MESHCORE_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Net.CoreAddr != ":6000" {
		t.Errorf("Net.CoreAddr = %q, want %q (from env)", cfg.Net.CoreAddr, ":6000")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesMetrics(t *testing.T) {
	yamlContent := `
net:
  core_addr: ":7778"
metrics:
  addr: ":9100"
  path: "/metrics"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("MESHCORE_METRICS_ADDR", ":9200")
	t.Setenv("MESHCORE_METRICS_PATH", "/custom")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q (from env)", cfg.Metrics.Addr, ":9200")
	}
	if cfg.Metrics.Path != "/custom" {
		t.Errorf("Metrics.Path = %q, want %q (from env)", cfg.Metrics.Path, "/custom")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "meshcore.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
