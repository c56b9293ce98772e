// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Runtime rules: Defined in genesis, immutable, must match across all nodes
//   - Node settings: Per-node configuration, can vary between nodes
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Node Configuration (per-node settings)
// =============================================================================

// Config holds node-specific configuration.
// These settings can vary between nodes without breaking consensus.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Genesis file override (empty = built-in genesis for Network)
	GenesisFile string `conf:"genesis"`

	// RPC server
	RPC RPCConfig

	// Prometheus metrics
	Metrics MetricsConfig

	// Local block clock
	Dev DevConfig

	// Logging
	Log LogConfig
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
}

// MetricsConfig holds Prometheus exporter settings.
// Metrics are served on the RPC listener under /metrics.
type MetricsConfig struct {
	Enabled bool `conf:"metrics.enabled"`
}

// DevConfig drives block boundaries on a standalone node.
// With BlockInterval > 0 the daemon finalizes the open block and starts a
// new one on every tick, so tx_submit can be used without an external
// block producer.
type DevConfig struct {
	BlockInterval time.Duration `conf:"dev.blockinterval"`
	Author        string        `conf:"dev.author"` // Hex address credited with tips
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet-runtime
//	macOS:   ~/Library/Application Support/KlingnetRuntime
//	Windows: %APPDATA%\KlingnetRuntime
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet-runtime"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingnetRuntime")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "KlingnetRuntime")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingnetRuntime")
	default:
		return filepath.Join(home, ".klingnet-runtime")
	}
}

// ChainDataDir returns the network-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// StateDir returns the Badger state database directory.
func (c *Config) StateDir() string {
	return filepath.Join(c.ChainDataDir(), "state")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingnet-runtime.conf")
}
