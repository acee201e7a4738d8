package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_FillsEverything(t *testing.T) {
	c := Default()
	if c.Addr != "127.0.0.1:8700" || c.RunsRoot != "./runs" {
		t.Fatalf("defaults: %+v", c)
	}
	if c.TokenBudget != 8192 || c.PinnedMax != 32 {
		t.Fatalf("budget defaults: %+v", c)
	}
	if c.LedgerLockMode != "advisory" || c.TestMode {
		t.Fatalf("mode defaults: %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_PartialFileGetsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("addr: \"0.0.0.0:9000\"\ntoken_budget: 1024\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Addr != "0.0.0.0:9000" || c.TokenBudget != 1024 {
		t.Fatalf("explicit values lost: %+v", c)
	}
	if c.PinnedMax != 32 || c.LedgerLockMode != "advisory" {
		t.Fatalf("defaults not applied: %+v", c)
	}
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("adress: \"oops\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestLoad_BadLockModeRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("ledger_lock_mode: \"mandatory\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for bad lock mode")
	}
}
