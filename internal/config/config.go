// Package config holds the bridge daemon configuration, stored as YAML in
// the data directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/klingon-bridge/internal/adapter"
	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/swap"
	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// DefaultDataDir is used when no data directory is given.
const DefaultDataDir = "~/.klingon-bridge"

// MinManualClaimGrace is the shortest allowed wait before a manual claim is offered.
const MinManualClaimGrace = 30 * time.Second

// Environment variables that override the wallet keys.
const (
	EnvEVMPrivateKey    = "BRIDGE_EVM_PRIVATE_KEY"
	EnvSolanaPrivateKey = "BRIDGE_SOLANA_PRIVATE_KEY"
)

// Config holds all configuration for the bridge daemon.
type Config struct {
	// NetworkType selects mainnet or testnet networks.
	NetworkType chain.NetworkType `yaml:"network_type"`

	API      APIConfig      `yaml:"api"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Polling  PollingConfig  `yaml:"polling"`
	Swap     SwapConfig     `yaml:"swap"`
	Wallets  WalletsConfig  `yaml:"wallets"`
	Sidecars SidecarsConfig `yaml:"sidecars"`

	// Networks override or extend the built-in network registry.
	Networks []*chain.Network `yaml:"networks,omitempty"`
}

// APIConfig holds the JSON-RPC server settings.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// Format is text, json or logfmt.
	Format string `yaml:"format"`
	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// PollingConfig holds the chain polling intervals.
type PollingConfig struct {
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	TrackingInterval  time.Duration `yaml:"tracking_interval"`
	ClockInterval     time.Duration `yaml:"clock_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// SwapConfig holds swap timings.
type SwapConfig struct {
	ManualClaimGrace time.Duration `yaml:"manual_claim_grace"`
	CommitTimelock   time.Duration `yaml:"commit_timelock"`
	LockTimelock     time.Duration `yaml:"lock_timelock"`
	ActionTimeout    time.Duration `yaml:"action_timeout"`
}

// KeyConfig holds one signing key.
type KeyConfig struct {
	PrivateKey string `yaml:"private_key,omitempty"`
}

// WalletsConfig holds keys for the in-process adapters.
type WalletsConfig struct {
	EVM    KeyConfig `yaml:"evm"`
	Solana KeyConfig `yaml:"solana"`
}

// SidecarConfig points at a signing sidecar.
type SidecarConfig struct {
	URL string `yaml:"url,omitempty"`
}

// SidecarsConfig holds the sidecars for families signed out of process.
type SidecarsConfig struct {
	Starknet SidecarConfig `yaml:"starknet"`
	TON      SidecarConfig `yaml:"ton"`
	Fuel     SidecarConfig `yaml:"fuel"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	polling := swap.DefaultPolling()
	timing := swap.DefaultTiming()
	return &Config{
		NetworkType: chain.Testnet,
		API: APIConfig{
			Listen: "127.0.0.1:8645",
		},
		Storage: StorageConfig{
			DataDir: DefaultDataDir,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
		Polling: PollingConfig{
			DiscoveryInterval: polling.DiscoveryInterval,
			TrackingInterval:  polling.TrackingInterval,
			ClockInterval:     polling.ClockInterval,
			RequestTimeout:    polling.RequestTimeout,
		},
		Swap: SwapConfig{
			ManualClaimGrace: timing.ManualClaimGrace,
			CommitTimelock:   timing.CommitTimelock,
			LockTimelock:     timing.LockTimelock,
			ActionTimeout:    timing.ActionTimeout,
		},
	}
}

// LoadConfig loads configuration from the data directory.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		cfg.applyEnv()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Klingon Bridge Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvEVMPrivateKey); v != "" {
		c.Wallets.EVM.PrivateKey = v
	}
	if v := os.Getenv(EnvSolanaPrivateKey); v != "" {
		c.Wallets.Solana.PrivateKey = v
	}
}

// Validate checks values that would make the daemon misbehave.
func (c *Config) Validate() error {
	switch c.NetworkType {
	case chain.Mainnet, chain.Testnet:
	default:
		return fmt.Errorf("invalid network_type %q", c.NetworkType)
	}

	if err := logging.ValidateFormat(c.Logging.Format); err != nil {
		return fmt.Errorf("logging.format: %w", err)
	}

	durations := map[string]time.Duration{
		"polling.discovery_interval": c.Polling.DiscoveryInterval,
		"polling.tracking_interval":  c.Polling.TrackingInterval,
		"polling.clock_interval":     c.Polling.ClockInterval,
		"polling.request_timeout":    c.Polling.RequestTimeout,
		"swap.commit_timelock":       c.Swap.CommitTimelock,
		"swap.lock_timelock":         c.Swap.LockTimelock,
		"swap.action_timeout":        c.Swap.ActionTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Swap.ManualClaimGrace < MinManualClaimGrace {
		return fmt.Errorf("swap.manual_claim_grace must be at least %s", MinManualClaimGrace)
	}

	for _, n := range c.Networks {
		if n.Name == "" {
			return fmt.Errorf("network override without a name")
		}
	}
	return nil
}

// PollingIntervals returns the coordinator polling settings.
func (c *Config) PollingIntervals() swap.PollingConfig {
	return swap.PollingConfig{
		DiscoveryInterval: c.Polling.DiscoveryInterval,
		TrackingInterval:  c.Polling.TrackingInterval,
		ClockInterval:     c.Polling.ClockInterval,
		RequestTimeout:    c.Polling.RequestTimeout,
	}
}

// Timing returns the dispatcher timings.
func (c *Config) Timing() swap.Timing {
	return swap.Timing{
		ManualClaimGrace: c.Swap.ManualClaimGrace,
		CommitTimelock:   c.Swap.CommitTimelock,
		LockTimelock:     c.Swap.LockTimelock,
		ActionTimeout:    c.Swap.ActionTimeout,
	}
}

// AdapterWallets returns the keys for the adapter factory.
func (c *Config) AdapterWallets() adapter.Wallets {
	return adapter.Wallets{
		EVMPrivateKey:    c.Wallets.EVM.PrivateKey,
		SolanaPrivateKey: c.Wallets.Solana.PrivateKey,
	}
}

// AdapterSidecars returns the configured sidecar URLs by family.
func (c *Config) AdapterSidecars() adapter.Sidecars {
	s := adapter.Sidecars{}
	if c.Sidecars.Starknet.URL != "" {
		s[chain.FamilyStarknet] = c.Sidecars.Starknet.URL
	}
	if c.Sidecars.TON.URL != "" {
		s[chain.FamilyTON] = c.Sidecars.TON.URL
	}
	if c.Sidecars.Fuel.URL != "" {
		s[chain.FamilyFuel] = c.Sidecars.Fuel.URL
	}
	return s
}

// ApplyNetworks merges the configured network overrides into reg.
func (c *Config) ApplyNetworks(reg *chain.Registry) error {
	for _, n := range c.Networks {
		if err := reg.Override(n); err != nil {
			return fmt.Errorf("network %s: %w", n.Name, err)
		}
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
