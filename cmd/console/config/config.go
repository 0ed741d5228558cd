// Package config loads the console's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration decodes YAML scalars like "250ms" or "2m" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a standard time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ContractConfig locates one deployed contract.
type ContractConfig struct {
	Address     string `yaml:"address"`
	DeployBlock uint64 `yaml:"deploy_block"`
}

// ScanConfig tunes historical backfill.
type ScanConfig struct {
	ChunkSize         uint64   `yaml:"chunk_size"`
	MaxRetries        int      `yaml:"max_retries"`
	RetryBaseDelay    Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     Duration `yaml:"retry_max_delay"`
	StaleAfter        Duration `yaml:"stale_after"`
	RequestsPerSecond int      `yaml:"requests_per_second"`
	MarkerFile        string   `yaml:"marker_file"`
}

// MutationConfig tunes write transactions.
type MutationConfig struct {
	ReceiptTimeout Duration `yaml:"receipt_timeout"`
	SettleDelay    Duration `yaml:"settle_delay"`
}

// ConsoleConfig is the top-level configuration for the console.
type ConsoleConfig struct {
	ChainID uint64 `yaml:"chain_id"`
	RPCURL  string `yaml:"rpc_url"`

	// PrivateKeyEnv names the environment variable holding the hex private
	// key. The key itself never appears in the config file.
	PrivateKeyEnv string `yaml:"private_key_env"`

	Token       ContractConfig `yaml:"token"`
	Individual  ContractConfig `yaml:"individual_pool"`
	Cooperative ContractConfig `yaml:"cooperative_pool"`
	ROSCA       ContractConfig `yaml:"rosca"`
	Lottery     ContractConfig `yaml:"lottery"`
	Aggregator  ContractConfig `yaml:"yield_aggregator"`

	CacheStaleAfter Duration       `yaml:"cache_stale_after"`
	Scan            ScanConfig     `yaml:"scan"`
	Mutation        MutationConfig `yaml:"mutation"`

	LogFile string `yaml:"log_file"`
}

const (
	defaultCacheStaleAfter = Duration(time.Minute)
	defaultMarkerFile      = "backfill-markers.json"
	defaultLogFile         = "console.log"
)

func (c *ConsoleConfig) validate() error {
	if c.ChainID == 0 {
		return errors.New("config: chain_id is required")
	}
	if c.RPCURL == "" {
		return errors.New("config: rpc_url is required")
	}
	for _, check := range []struct {
		name string
		cc   ContractConfig
	}{
		{"token", c.Token},
		{"individual_pool", c.Individual},
		{"cooperative_pool", c.Cooperative},
		{"rosca", c.ROSCA},
		{"lottery", c.Lottery},
		{"yield_aggregator", c.Aggregator},
	} {
		if !common.IsHexAddress(check.cc.Address) {
			return fmt.Errorf("config: %s.address %q is not a hex address", check.name, check.cc.Address)
		}
	}
	return nil
}

func (c *ConsoleConfig) applyDefaults() {
	if c.CacheStaleAfter <= 0 {
		c.CacheStaleAfter = defaultCacheStaleAfter
	}
	if c.Scan.MarkerFile == "" {
		c.Scan.MarkerFile = defaultMarkerFile
	}
	if c.LogFile == "" {
		c.LogFile = defaultLogFile
	}
}

// LoadConfig reads a configuration file from the given path, unmarshals it
// into a ConsoleConfig, validates it, and fills in defaults.
func LoadConfig(path string) (*ConsoleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg ConsoleConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}
