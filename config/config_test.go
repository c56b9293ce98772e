package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFile_ParsesKeyValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.conf")
	content := `# comment
rpc.port = 9999
rpc.allowed = 127.0.0.1, 10.0.0.0/8
log.level = "debug"
dev.blockinterval = 3s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	cfg := DefaultTestnet()
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig() error: %v", err)
	}

	if cfg.RPC.Port != 9999 {
		t.Errorf("rpc.port = %d, want 9999", cfg.RPC.Port)
	}
	if len(cfg.RPC.AllowedIPs) != 2 || cfg.RPC.AllowedIPs[1] != "10.0.0.0/8" {
		t.Errorf("rpc.allowed = %v", cfg.RPC.AllowedIPs)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Dev.BlockInterval != 3*time.Second {
		t.Errorf("dev.blockinterval = %v, want 3s", cfg.Dev.BlockInterval)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	values, err := LoadFile(filepath.Join(t.TempDir(), "absent.conf"))
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if len(values) != 0 {
		t.Fatalf("missing file should yield no values, got %v", values)
	}
}

func TestLoadFile_BadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.conf")
	os.WriteFile(path, []byte("no equals sign\n"), 0644)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for malformed line")
	}
}

func TestParseFlagArgs_Overrides(t *testing.T) {
	f, err := parseFlagArgs([]string{"--testnet", "--rpc=false", "--rpc-port=7000", "--block-interval=2s"})
	if err != nil {
		t.Fatalf("parseFlagArgs() error: %v", err)
	}
	cfg := DefaultMainnet()
	ApplyFlags(cfg, f)

	if cfg.Network != Testnet {
		t.Errorf("network = %s, want testnet", cfg.Network)
	}
	if cfg.RPC.Enabled {
		t.Error("rpc should be disabled by --rpc=false")
	}
	if cfg.RPC.Port != 7000 {
		t.Errorf("rpc.port = %d, want 7000", cfg.RPC.Port)
	}
	if cfg.Dev.BlockInterval != 2*time.Second {
		t.Errorf("block interval = %v, want 2s", cfg.Dev.BlockInterval)
	}
}

func TestParseFlagArgs_StrayFlagAfterPositional(t *testing.T) {
	if _, err := parseFlagArgs([]string{"extra", "--rpc-port=1"}); err == nil {
		t.Fatal("expected error for flag after positional argument")
	}
}

func TestLoadWithFlags_CreatesDataDir(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadWithFlags(&Flags{DataDir: dir, Network: "testnet"})
	if err != nil {
		t.Fatalf("loadWithFlags() error: %v", err)
	}
	if _, err := os.Stat(cfg.ConfigFile()); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if _, err := os.Stat(cfg.StateDir()); err != nil {
		t.Fatalf("state dir not created: %v", err)
	}
	if cfg.RPC.Port != 9645 {
		t.Errorf("testnet rpc.port = %d, want 9645", cfg.RPC.Port)
	}
}

func TestValidate_RejectsBadAllowedIP(t *testing.T) {
	cfg := DefaultMainnet()
	cfg.RPC.AllowedIPs = []string{"not-an-ip"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for bad rpc.allowed entry")
	}
}

func TestApplyFileConfig_TagLookup(t *testing.T) {
	cfg := DefaultMainnet()
	err := ApplyFileConfig(cfg, map[string]string{
		"rpc":         "off",
		"metrics":     "no",
		"network":     "testnet",
		"dev.author":  "0xaabb",
		"log.json":    "yes",
		"unknown.key": "ignored",
		"rpc.cors":    "*",
	})
	if err != nil {
		t.Fatalf("ApplyFileConfig() error: %v", err)
	}
	if cfg.RPC.Enabled || cfg.Metrics.Enabled {
		t.Error("rpc/metrics aliases not applied")
	}
	if cfg.Network != Testnet {
		t.Errorf("network = %s, want testnet", cfg.Network)
	}
	if cfg.Dev.Author != "0xaabb" || !cfg.Log.JSON {
		t.Errorf("dev.author = %q, log.json = %v", cfg.Dev.Author, cfg.Log.JSON)
	}
	if len(cfg.RPC.CORSOrigins) != 1 || cfg.RPC.CORSOrigins[0] != "*" {
		t.Errorf("rpc.cors = %v", cfg.RPC.CORSOrigins)
	}
}

func TestApplyFileConfig_BadValue(t *testing.T) {
	tests := map[string]string{
		"rpc.port":          "ninety",
		"dev.blockinterval": "soon",
	}
	for key, value := range tests {
		if err := ApplyFileConfig(DefaultMainnet(), map[string]string{key: value}); err == nil {
			t.Errorf("%s = %q: expected error", key, value)
		}
	}
}
