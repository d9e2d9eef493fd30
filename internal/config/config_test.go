package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Adapter.Backend != BackendBlueZ {
		t.Errorf("Adapter.Backend = %q, want %q", cfg.Adapter.Backend, BackendBlueZ)
	}
	if cfg.Adapter.Name != "hci0" {
		t.Errorf("Adapter.Name = %q, want %q", cfg.Adapter.Name, "hci0")
	}
	if cfg.Service.UUID != "00001101-0000-1000-8000-00805f9b34fb" {
		t.Errorf("Service.UUID = %q, want the serial port profile", cfg.Service.UUID)
	}
	if cfg.Service.DiscoverableSeconds != 120 {
		t.Errorf("Service.DiscoverableSeconds = %d, want 120", cfg.Service.DiscoverableSeconds)
	}
	if cfg.Service.RFCOMMChannel != 22 {
		t.Errorf("Service.RFCOMMChannel = %d, want 22", cfg.Service.RFCOMMChannel)
	}
	if cfg.Scan.TimeoutSeconds != 12 {
		t.Errorf("Scan.TimeoutSeconds = %d, want 12", cfg.Scan.TimeoutSeconds)
	}
	if cfg.RolePolicy != "strict" {
		t.Errorf("RolePolicy = %q, want %q", cfg.RolePolicy, "strict")
	}
	if cfg.Feed.ListenAddr != "" {
		t.Errorf("Feed.ListenAddr = %q, want disabled", cfg.Feed.ListenAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
adapter:
  backend: ble
service:
  uuid: 6e400001-b5a3-f393-e0a9-e50e24dcca9e
  discoverable_seconds: 30
ble:
  mtu: 180
role_policy: permissive
feed:
  listen_addr: 127.0.0.1:8765
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Adapter.Backend != BackendBLE {
		t.Errorf("Adapter.Backend = %q, want %q", cfg.Adapter.Backend, BackendBLE)
	}
	if cfg.Adapter.Name != "hci0" {
		t.Errorf("Adapter.Name = %q, want default kept", cfg.Adapter.Name)
	}
	if cfg.Service.DiscoverableSeconds != 30 {
		t.Errorf("Service.DiscoverableSeconds = %d, want 30", cfg.Service.DiscoverableSeconds)
	}
	if cfg.Service.Name != "btchat" {
		t.Errorf("Service.Name = %q, want default kept", cfg.Service.Name)
	}
	if cfg.BLE.MTU != 180 {
		t.Errorf("BLE.MTU = %d, want 180", cfg.BLE.MTU)
	}
	if cfg.BLE.RXCharUUID == "" {
		t.Error("BLE.RXCharUUID lost its default")
	}
	if cfg.RolePolicy != "permissive" {
		t.Errorf("RolePolicy = %q, want permissive", cfg.RolePolicy)
	}
	if cfg.Feed.ListenAddr != "127.0.0.1:8765" {
		t.Errorf("Feed.ListenAddr = %q", cfg.Feed.ListenAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	if err := os.WriteFile(filepath.Join(tmpHome, "btchat.yaml"), []byte("log_level: warn\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	cfg, err := Load("~/btchat.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("adapter: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should return error for malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.Adapter.Backend = "serial" },
			wantErr: true,
		},
		{
			name:    "bluez without adapter name",
			modify:  func(c *Config) { c.Adapter.Name = "" },
			wantErr: true,
		},
		{
			name:    "ble ignores adapter name",
			modify:  func(c *Config) { c.Adapter.Backend = BackendBLE; c.Adapter.Name = "" },
			wantErr: false,
		},
		{
			name:    "invalid service uuid",
			modify:  func(c *Config) { c.Service.UUID = "spp" },
			wantErr: true,
		},
		{
			name:    "empty service name",
			modify:  func(c *Config) { c.Service.Name = "" },
			wantErr: true,
		},
		{
			name:    "discoverable window too long",
			modify:  func(c *Config) { c.Service.DiscoverableSeconds = 7200 },
			wantErr: true,
		},
		{
			name:    "zero discoverable window",
			modify:  func(c *Config) { c.Service.DiscoverableSeconds = 0 },
			wantErr: false,
		},
		{
			name:    "rfcomm channel out of range",
			modify:  func(c *Config) { c.Service.RFCOMMChannel = 31 },
			wantErr: true,
		},
		{
			name:    "zero scan timeout",
			modify:  func(c *Config) { c.Scan.TimeoutSeconds = 0 },
			wantErr: true,
		},
		{
			name:    "ble bad characteristic",
			modify:  func(c *Config) { c.Adapter.Backend = BackendBLE; c.BLE.TXCharUUID = "tx" },
			wantErr: true,
		},
		{
			name:    "ble mtu too small",
			modify:  func(c *Config) { c.Adapter.Backend = BackendBLE; c.BLE.MTU = 10 },
			wantErr: true,
		},
		{
			name:    "bluez ignores ble section",
			modify:  func(c *Config) { c.BLE.MTU = 0 },
			wantErr: false,
		},
		{
			name:    "invalid role policy",
			modify:  func(c *Config) { c.RolePolicy = "loose" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "upper case log level",
			modify:  func(c *Config) { c.LogLevel = "WARN" },
			wantErr: false,
		},
		{
			name:    "fatal log level",
			modify:  func(c *Config) { c.LogLevel = "fatal" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "btchat", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# btchat") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Service.RFCOMMChannel != 22 {
		t.Errorf("written config Service.RFCOMMChannel = %d, want 22", cfg.Service.RFCOMMChannel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "btchat")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"unknown", zapcore.InfoLevel}, // defaults to info
		{"", zapcore.InfoLevel},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
