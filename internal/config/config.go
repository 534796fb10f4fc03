// Package config provides configuration loading for the harness.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Bidon15/anvilkit/internal/node"
	"github.com/Bidon15/anvilkit/internal/ports"
)

// Config holds all configuration for the harness.
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// NodeConfig holds chain node process configuration.
type NodeConfig struct {
	BinaryPath      string        `mapstructure:"binary_path"`
	ChainID         uint64        `mapstructure:"chain_id"`
	Mnemonic        string        `mapstructure:"mnemonic"`
	BlockTime       uint64        `mapstructure:"block_time"`
	NoMining        bool          `mapstructure:"no_mining"`
	GasLimit        uint64        `mapstructure:"gas_limit"`
	ForkURL         string        `mapstructure:"fork_url"`
	ForkBlockNumber uint64        `mapstructure:"fork_block_number"`
	Hardfork        string        `mapstructure:"hardfork"`
	Port            int           `mapstructure:"port"`
	PortRangeStart  int           `mapstructure:"port_range_start"`
	PortRangeEnd    int           `mapstructure:"port_range_end"`
	StartupTimeout  time.Duration `mapstructure:"startup_timeout"`
	StartAttempts   uint          `mapstructure:"start_attempts"`
}

// NodeConfig converts the loaded section into the node package's config.
func (c NodeConfig) NodeConfig() node.Config {
	return node.Config{
		BinaryPath:      c.BinaryPath,
		ChainID:         c.ChainID,
		Mnemonic:        c.Mnemonic,
		BlockTime:       c.BlockTime,
		NoMining:        c.NoMining,
		GasLimit:        c.GasLimit,
		ForkURL:         c.ForkURL,
		ForkBlockNumber: c.ForkBlockNumber,
		Hardfork:        c.Hardfork,
		Port:            c.Port,
		PortRangeStart:  c.PortRangeStart,
		PortRangeEnd:    c.PortRangeEnd,
		StartupTimeout:  c.StartupTimeout,
		StartAttempts:   c.StartAttempts,
	}
}

// ArtifactsConfig locates the Foundry project to read compiled contracts from.
type ArtifactsConfig struct {
	Root string `mapstructure:"root"`
}

// MetricsConfig holds the Prometheus exposition endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("anvilkit")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Every key is overridable via ANVILKIT_* environment variables, e.g.
	// ANVILKIT_NODE_BINARY_PATH or ANVILKIT_ARTIFACTS_ROOT.
	v.SetEnvPrefix("ANVILKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	def := node.DefaultConfig()

	// Every key gets a default so AutomaticEnv can see it during Unmarshal.
	v.SetDefault("node.binary_path", def.BinaryPath)
	v.SetDefault("node.chain_id", def.ChainID)
	v.SetDefault("node.mnemonic", "")
	v.SetDefault("node.block_time", 0)
	v.SetDefault("node.no_mining", false)
	v.SetDefault("node.gas_limit", 0)
	v.SetDefault("node.fork_url", "")
	v.SetDefault("node.fork_block_number", 0)
	v.SetDefault("node.hardfork", "")
	v.SetDefault("node.port", 0)
	v.SetDefault("node.port_range_start", ports.DefaultRangeStart)
	v.SetDefault("node.port_range_end", ports.DefaultRangeEnd)
	v.SetDefault("node.startup_timeout", "30s")
	v.SetDefault("node.start_attempts", def.StartAttempts)

	v.SetDefault("artifacts.root", ".")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9464")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}
