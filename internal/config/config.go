package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Radio backends.
const (
	BackendBlueZ = "bluez"
	BackendBLE   = "ble"
)

// Config holds all application configuration.
type Config struct {
	Adapter    AdapterConfig `yaml:"adapter"`
	Service    ServiceConfig `yaml:"service"`
	Scan       ScanConfig    `yaml:"scan"`
	BLE        BLEConfig     `yaml:"ble"`
	RolePolicy string        `yaml:"role_policy"` // "strict" or "permissive"
	Feed       FeedConfig    `yaml:"feed"`
	LogLevel   string        `yaml:"log_level"`
}

// AdapterConfig selects the radio.
type AdapterConfig struct {
	Backend string `yaml:"backend"` // "bluez" or "ble"
	Name    string `yaml:"name"`    // BlueZ adapter, e.g. "hci0"
}

// ServiceConfig describes the service offered and dialed.
type ServiceConfig struct {
	UUID                string `yaml:"uuid"`
	Name                string `yaml:"name"`
	DiscoverableSeconds int    `yaml:"discoverable_seconds"`
	RFCOMMChannel       uint16 `yaml:"rfcomm_channel"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// BLEConfig holds Nordic UART Service settings for the ble backend.
type BLEConfig struct {
	ServiceUUID string `yaml:"service_uuid"`
	RXCharUUID  string `yaml:"rx_char_uuid"`
	TXCharUUID  string `yaml:"tx_char_uuid"`
	MTU         int    `yaml:"mtu"`
}

// FeedConfig holds the WebSocket event feed settings. An empty
// ListenAddr disables the feed.
type FeedConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "btchat")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Adapter: AdapterConfig{
			Backend: BackendBlueZ,
			Name:    "hci0",
		},
		Service: ServiceConfig{
			UUID:                "00001101-0000-1000-8000-00805f9b34fb",
			Name:                "btchat",
			DiscoverableSeconds: 120,
			RFCOMMChannel:       22,
		},
		Scan: ScanConfig{
			TimeoutSeconds: 12,
		},
		BLE: BLEConfig{
			ServiceUUID: "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			RXCharUUID:  "6e400002-b5a3-f393-e0a9-e50e24dcca9e",
			TXCharUUID:  "6e400003-b5a3-f393-e0a9-e50e24dcca9e",
			MTU:         20,
		},
		RolePolicy: "strict",
		LogLevel:   "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading tilde in path is expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Adapter.Backend {
	case BackendBlueZ:
		if c.Adapter.Name == "" {
			return errors.New("adapter.name must not be empty for the bluez backend")
		}
	case BackendBLE:
	default:
		return fmt.Errorf("adapter.backend must be %q or %q, got %q", BackendBlueZ, BackendBLE, c.Adapter.Backend)
	}

	if _, err := uuid.Parse(c.Service.UUID); err != nil {
		return fmt.Errorf("service.uuid: %w", err)
	}
	if c.Service.Name == "" {
		return errors.New("service.name must not be empty")
	}
	if c.Service.DiscoverableSeconds < 0 || c.Service.DiscoverableSeconds > 3600 {
		return fmt.Errorf("service.discoverable_seconds must be between 0 and 3600, got %d", c.Service.DiscoverableSeconds)
	}
	if c.Service.RFCOMMChannel < 1 || c.Service.RFCOMMChannel > 30 {
		return fmt.Errorf("service.rfcomm_channel must be between 1 and 30, got %d", c.Service.RFCOMMChannel)
	}

	if c.Scan.TimeoutSeconds <= 0 {
		return errors.New("scan.timeout_seconds must be > 0")
	}

	if c.Adapter.Backend == BackendBLE {
		for name, v := range map[string]string{
			"ble.service_uuid": c.BLE.ServiceUUID,
			"ble.rx_char_uuid": c.BLE.RXCharUUID,
			"ble.tx_char_uuid": c.BLE.TXCharUUID,
		} {
			if _, err := uuid.Parse(v); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
		if c.BLE.MTU < 20 || c.BLE.MTU > 512 {
			return fmt.Errorf("ble.mtu must be between 20 and 512, got %d", c.BLE.MTU)
		}
	}

	switch c.RolePolicy {
	case "strict", "permissive":
	default:
		return fmt.Errorf("role_policy must be \"strict\" or \"permissive\", got %q", c.RolePolicy)
	}

	if lvl, err := zapcore.ParseLevel(c.LogLevel); err != nil || lvl > zapcore.ErrorLevel {
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a zap level. Unknown values map
// to info.
func ParseLogLevel(s string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

const defaultHeader = `# btchat configuration
# backend: "bluez" (classic RFCOMM over BlueZ, linux) or "ble" (Nordic UART central)
# role_policy: "strict" refuses to serve while dialed out and vice versa
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything if the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	body, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), body...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
