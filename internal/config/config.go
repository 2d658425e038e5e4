// Package config provides centralized configuration for the DEX coordinator.
// ALL cross-chain parameters (fees, timeouts, paths) MUST be defined here.
// No hardcoded values should exist elsewhere in the codebase.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/klingon-v2/internal/coreerrors"
)

// ChainID names one of the two ledgers this node bridges. Exactly two
// instances of ChainConfig exist per running node.
type ChainID string

// ChainConfig holds the per-chain parameters.
type ChainConfig struct {
	WalletAddress string `yaml:"walletAddress"`
	Database      string `yaml:"database"`
	ModuleAlias   string `yaml:"moduleAlias"`

	OrderHeightExpiry     uint64 `yaml:"orderHeightExpiry"`
	RequiredConfirmations uint64 `yaml:"requiredConfirmations"`
	ReadMaxBlocks         int    `yaml:"readMaxBlocks"`

	MinOrderAmount  uint64  `yaml:"minOrderAmount"`
	ExchangeFeeBase uint64  `yaml:"exchangeFeeBase"`
	ExchangeFeeRate float64 `yaml:"exchangeFeeRate"`

	DividendRate           float64 `yaml:"dividendRate"`
	DividendStartHeight    uint64  `yaml:"dividendStartHeight"`
	DividendHeightInterval uint64  `yaml:"dividendHeightInterval"`
	DividendHeightOffset   uint64  `yaml:"dividendHeightOffset"`

	RebroadcastAfterHeight uint64 `yaml:"rebroadcastAfterHeight"`
	RebroadcastUntilHeight uint64 `yaml:"rebroadcastUntilHeight"`

	// DexDisabledFromHeight is nil until the chain is administratively
	// disabled; a non-nil zero is a valid height.
	DexDisabledFromHeight *uint64 `yaml:"dexDisabledFromHeight,omitempty"`
	DexMovedToAddress     string  `yaml:"dexMovedToAddress,omitempty"`

	Passphrase          string `yaml:"passphrase,omitempty"`
	EncryptedPassphrase string `yaml:"encryptedPassphrase,omitempty"`

	SharedPassphrase          string `yaml:"sharedPassphrase,omitempty"`
	EncryptedSharedPassphrase string `yaml:"encryptedSharedPassphrase,omitempty"`
}

// validatePassphrase enforces the Fatal-kind rule: exactly
// one of clear/encrypted must be set, for both the member and shared key.
func (c *ChainConfig) validatePassphrase() error {
	if (c.Passphrase != "") == (c.EncryptedPassphrase != "") {
		return coreerrors.New(coreerrors.KindFatal, "exactly one of passphrase/encryptedPassphrase must be set")
	}
	if (c.SharedPassphrase != "") == (c.EncryptedSharedPassphrase != "") {
		return coreerrors.New(coreerrors.KindFatal, "exactly one of sharedPassphrase/encryptedSharedPassphrase must be set")
	}
	return nil
}

// Config is the top-level configuration loaded from YAML.
type Config struct {
	Chains    map[ChainID]*ChainConfig `yaml:"chains"`
	BaseChain ChainID                  `yaml:"baseChain"`

	PassiveMode bool `yaml:"passiveMode"`

	MultisigExpiry              time.Duration `yaml:"multisigExpiry"`
	MultisigExpiryCheckInterval time.Duration `yaml:"multisigExpiryCheckInterval"`

	SignatureBroadcastDelay time.Duration `yaml:"signatureBroadcastDelay"`
	TransactionSubmitDelay  time.Duration `yaml:"transactionSubmitDelay"`
	ReadBlocksInterval      time.Duration `yaml:"readBlocksInterval"`

	OrderBookSnapshotFinality       uint64 `yaml:"orderBookSnapshotFinality"`
	OrderBookSnapshotFilePath       string `yaml:"orderBookSnapshotFilePath"`
	OrderBookSnapshotBackupDirPath  string `yaml:"orderBookSnapshotBackupDirPath"`
	OrderBookSnapshotBackupMaxCount int    `yaml:"orderBookSnapshotBackupMaxCount"`

	APIDefaultPageLimit int `yaml:"apiDefaultPageLimit"`
	APIMaxPageLimit     int `yaml:"apiMaxPageLimit"`
	APIMaxFilterFields  int `yaml:"apiMaxFilterFields"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Default durations/values, applied by applyDefaultsAndValidate when the
// field is zero.
const (
	DefaultSignatureBroadcastDelay = 15 * time.Second
	DefaultTransactionSubmitDelay  = 5 * time.Second
	DefaultOrderBookBackupMaxCount = 200
)

// Load reads and parses a YAML config file, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindFatal, "failed to read config file", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindFatal, "failed to parse config file", err)
	}

	if err := cfg.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the config back out as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// applyDefaultsAndValidate fills in defaults and enforces the Fatal
// conditions: exactly two chains, valid baseChain,
// exactly-one-passphrase-per-chain.
func (c *Config) applyDefaultsAndValidate() error {
	if len(c.Chains) != 2 {
		return coreerrors.New(coreerrors.KindFatal, fmt.Sprintf("exactly two chains required, got %d", len(c.Chains)))
	}

	if _, ok := c.Chains[c.BaseChain]; !ok {
		return coreerrors.New(coreerrors.KindFatal, "baseChain must name one of the two configured chains")
	}

	for id, cc := range c.Chains {
		if err := cc.validatePassphrase(); err != nil {
			return fmt.Errorf("chain %s: %w", id, err)
		}
	}

	if c.SignatureBroadcastDelay == 0 {
		c.SignatureBroadcastDelay = DefaultSignatureBroadcastDelay
	}
	if c.TransactionSubmitDelay == 0 {
		c.TransactionSubmitDelay = DefaultTransactionSubmitDelay
	}
	if c.OrderBookSnapshotBackupMaxCount == 0 {
		c.OrderBookSnapshotBackupMaxCount = DefaultOrderBookBackupMaxCount
	}
	if c.APIDefaultPageLimit == 0 {
		c.APIDefaultPageLimit = 50
	}
	if c.APIMaxPageLimit == 0 {
		c.APIMaxPageLimit = 500
	}
	if c.APIMaxFilterFields == 0 {
		c.APIMaxFilterFields = 8
	}

	return nil
}

// QuoteChain returns the non-base chain id.
func (c *Config) QuoteChain() ChainID {
	for id := range c.Chains {
		if id != c.BaseChain {
			return id
		}
	}
	return ""
}

// OtherChain returns the chain id that is not the given one.
func (c *Config) OtherChain(id ChainID) ChainID {
	if id == c.BaseChain {
		return c.QuoteChain()
	}
	return c.BaseChain
}

// IsBase reports whether id is the configured base chain.
func (c *Config) IsBase(id ChainID) bool {
	return id == c.BaseChain
}

// Chain returns the configuration for a chain id.
func (c *Config) Chain(id ChainID) (*ChainConfig, bool) {
	cc, ok := c.Chains[id]
	return cc, ok
}

// IsDisabled reports whether the chain is administratively disabled at or
// past the given height.
func (cc *ChainConfig) IsDisabled(height uint64) bool {
	return cc.DexDisabledFromHeight != nil && height >= *cc.DexDisabledFromHeight
}
