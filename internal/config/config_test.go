package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, yamlBody string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
baseChain: A
chains:
  A:
    walletAddress: "wallet-a"
    passphrase: "secretA"
    sharedPassphrase: "shared"
    orderHeightExpiry: 10
    requiredConfirmations: 2
  B:
    walletAddress: "wallet-b"
    passphrase: "secretB"
    sharedPassphrase: "shared"
    orderHeightExpiry: 20
    requiredConfirmations: 4
`

func TestLoadValid(t *testing.T) {
	path := writeTestConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BaseChain != "A" {
		t.Errorf("expected base chain A, got %s", cfg.BaseChain)
	}
	if cfg.QuoteChain() != "B" {
		t.Errorf("expected quote chain B, got %s", cfg.QuoteChain())
	}
	if cfg.SignatureBroadcastDelay != DefaultSignatureBroadcastDelay {
		t.Errorf("expected default broadcast delay applied")
	}
	if !cfg.IsBase("A") || cfg.IsBase("B") {
		t.Errorf("IsBase mismatch")
	}
}

func TestLoadRejectsWrongChainCount(t *testing.T) {
	path := writeTestConfig(t, `
baseChain: A
chains:
  A:
    walletAddress: "wallet-a"
    passphrase: "secretA"
    sharedPassphrase: "shared"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for single-chain config")
	}
}

func TestLoadRejectsBothPassphrases(t *testing.T) {
	path := writeTestConfig(t, `
baseChain: A
chains:
  A:
    walletAddress: "wallet-a"
    passphrase: "secretA"
    encryptedPassphrase: "enc"
    sharedPassphrase: "shared"
  B:
    walletAddress: "wallet-b"
    passphrase: "secretB"
    sharedPassphrase: "shared"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when both passphrase forms are set")
	}
}

func TestIsDisabled(t *testing.T) {
	cc := &ChainConfig{}
	if cc.IsDisabled(100) {
		t.Error("expected not disabled when DexDisabledFromHeight is nil")
	}
	h := uint64(150)
	cc.DexDisabledFromHeight = &h
	if cc.IsDisabled(100) {
		t.Error("expected not disabled before threshold")
	}
	if !cc.IsDisabled(150) || !cc.IsDisabled(200) {
		t.Error("expected disabled at and after threshold")
	}
}
