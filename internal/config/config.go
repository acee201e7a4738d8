// Package config loads runtime configuration for contextd from YAML,
// with defaults applied for anything unset.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sp103107/context-module/internal/fsatomic"
)

type Config struct {
	// Addr is the HTTP listen address for `contextd serve`.
	Addr string `yaml:"addr"`

	// RunsRoot is the directory holding runs/<run_id>/ trees.
	RunsRoot string `yaml:"runs_root"`

	// TokenBudget caps the estimated token size of a working set.
	TokenBudget int `yaml:"token_budget"`

	// PinnedMax caps the number of pinned context items.
	PinnedMax int `yaml:"pinned_max"`

	// LedgerLockMode is "advisory" or "none".
	LedgerLockMode string `yaml:"ledger_lock_mode"`

	// TestMode enables the outside-milestone memory commit bypass. Never
	// set in production.
	TestMode bool `yaml:"test_mode"`
}

func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8700"
	}
	if c.RunsRoot == "" {
		c.RunsRoot = "./runs"
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = 8192
	}
	if c.PinnedMax <= 0 {
		c.PinnedMax = 32
	}
	if c.LedgerLockMode == "" {
		c.LedgerLockMode = string(fsatomic.LockAdvisory)
	}
}

func (c *Config) Validate() error {
	switch c.LedgerLockMode {
	case string(fsatomic.LockAdvisory), string(fsatomic.LockNone):
	default:
		return fmt.Errorf("ledger_lock_mode must be advisory or none, got %q", c.LedgerLockMode)
	}
	return nil
}

func (c *Config) LockMode() fsatomic.LockMode {
	return fsatomic.LockMode(c.LedgerLockMode)
}

// Load reads a YAML config file. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var c Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &c, nil
}
