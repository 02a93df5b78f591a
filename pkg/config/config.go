package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// TransportConfig describes how a bridge reaches its host.
type TransportConfig struct {
	Network     string `toml:"network" yaml:"network"`
	Address     string `toml:"address" yaml:"address"`
	DialTimeout string `toml:"dialTimeout" yaml:"dialTimeout"`
}

// BridgeConfig defines client-side call behaviour.
type BridgeConfig struct {
	DefaultTimeout string `toml:"defaultTimeout" yaml:"defaultTimeout"`
}

// ExtensionsConfig lists the extensions a reference host reports.
type ExtensionsConfig struct {
	Loaded    []string `toml:"loaded" yaml:"loaded"`
	Connected []string `toml:"connected" yaml:"connected"`
}

// HostConfig defines reference host options.
type HostConfig struct {
	ApplicationID string           `toml:"applicationId" yaml:"applicationId"`
	Version       string           `toml:"version" yaml:"version"`
	StoragePath   string           `toml:"storagePath" yaml:"storagePath"`
	Extensions    ExtensionsConfig `toml:"extensions" yaml:"extensions"`
}

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level       string `toml:"level" yaml:"level"`
	FilePath    string `toml:"filePath" yaml:"filePath"`
	FileMaxSize int    `toml:"fileMaxSizeMB" yaml:"fileMaxSizeMB"`
}

// ProfileConfig aggregates configuration for a profile.
type ProfileConfig struct {
	ProfileName string          `toml:"profileName" yaml:"profileName"`
	Transport   TransportConfig `toml:"transport" yaml:"transport"`
	Bridge      BridgeConfig    `toml:"bridge" yaml:"bridge"`
	Host        HostConfig      `toml:"host" yaml:"host"`
	Logging     LoggingConfig   `toml:"logging" yaml:"logging"`
}

// Defaults applied by validate when a field is left empty.
const (
	DefaultNetwork       = "unix"
	DefaultSocketName    = "bridge.sock"
	DefaultStorageName   = "storage.db"
	DefaultCallTimeout   = 10 * time.Second
	DefaultDialTimeout   = 5 * time.Second
	configFileName       = "config.toml"
	configFileNameYAML   = "config.yaml"
	defaultApplicationID = "js.hostbridge.app"
	defaultAppVersion    = "1.0.0"
	defaultLogLevel      = "info"
)

// DefaultProfile returns a profile with every optional field populated.
func DefaultProfile(name string) *ProfileConfig {
	return &ProfileConfig{
		ProfileName: name,
		Transport: TransportConfig{
			Network:     DefaultNetwork,
			Address:     DefaultSocketName,
			DialTimeout: DefaultDialTimeout.String(),
		},
		Bridge: BridgeConfig{DefaultTimeout: DefaultCallTimeout.String()},
		Host: HostConfig{
			ApplicationID: defaultApplicationID,
			Version:       defaultAppVersion,
			StoragePath:   DefaultStorageName,
		},
		Logging: LoggingConfig{Level: defaultLogLevel},
	}
}

// Load reads a TOML or YAML config file, chosen by extension.
func Load(path string) (*ProfileConfig, error) {
	var cfg ProfileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadProfile loads config.toml (or config.yaml) from a profile directory.
func LoadProfile(dir string) (*ProfileConfig, error) {
	path := filepath.Join(dir, configFileName)
	if _, err := os.Stat(path); err != nil {
		yamlPath := filepath.Join(dir, configFileNameYAML)
		if _, yerr := os.Stat(yamlPath); yerr == nil {
			return Load(yamlPath)
		}
	}
	return Load(path)
}

// Save writes cfg to path as TOML, or YAML for .yaml/.yml paths.
func Save(path string, cfg *ProfileConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	default:
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// ResolvePath joins relative paths onto the profile directory.
func ResolvePath(profileDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(profileDir, p)
}

// CallTimeout returns the parsed default call timeout.
func (cfg *ProfileConfig) CallTimeout() time.Duration {
	d, err := time.ParseDuration(cfg.Bridge.DefaultTimeout)
	if err != nil {
		return DefaultCallTimeout
	}
	return d
}

// DialTimeout returns the parsed dial timeout.
func (cfg *ProfileConfig) DialTimeout() time.Duration {
	d, err := time.ParseDuration(cfg.Transport.DialTimeout)
	if err != nil {
		return DefaultDialTimeout
	}
	return d
}

func (cfg *ProfileConfig) validate() error {
	if cfg.ProfileName == "" {
		return fmt.Errorf("profileName required")
	}
	if cfg.Transport.Network == "" {
		cfg.Transport.Network = DefaultNetwork
	}
	switch cfg.Transport.Network {
	case "unix", "tcp":
	default:
		return fmt.Errorf("transport.network must be unix or tcp, got %q", cfg.Transport.Network)
	}
	if cfg.Transport.Address == "" {
		if cfg.Transport.Network != "unix" {
			return fmt.Errorf("transport.address required")
		}
		cfg.Transport.Address = DefaultSocketName
	}
	if cfg.Transport.DialTimeout == "" {
		cfg.Transport.DialTimeout = DefaultDialTimeout.String()
	} else if _, err := time.ParseDuration(cfg.Transport.DialTimeout); err != nil {
		return fmt.Errorf("transport.dialTimeout: %w", err)
	}
	if cfg.Bridge.DefaultTimeout == "" {
		cfg.Bridge.DefaultTimeout = DefaultCallTimeout.String()
	} else if d, err := time.ParseDuration(cfg.Bridge.DefaultTimeout); err != nil {
		return fmt.Errorf("bridge.defaultTimeout: %w", err)
	} else if d < 0 {
		return fmt.Errorf("bridge.defaultTimeout must not be negative")
	}
	if cfg.Host.StoragePath == "" {
		cfg.Host.StoragePath = DefaultStorageName
	}
	if cfg.Host.ApplicationID == "" {
		cfg.Host.ApplicationID = defaultApplicationID
	}
	if cfg.Host.Version == "" {
		cfg.Host.Version = defaultAppVersion
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}
	return nil
}
