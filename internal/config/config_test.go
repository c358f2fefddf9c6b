package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func TestDefaultConfigurationHasStockValues(t *testing.T) {
	cfg := DefaultConfiguration()
	if cfg.BrokerWSURI != "wss://localhost:8142/pxp/v1" {
		t.Errorf("BrokerWSURI = %s", cfg.BrokerWSURI)
	}
	if cfg.SpoolDirPurgeTTL != "14d" {
		t.Errorf("SpoolDirPurgeTTL = %s", cfg.SpoolDirPurgeTTL)
	}
	if cfg.PingIntervalS != 60 {
		t.Errorf("PingIntervalS = %d, want 60", cfg.PingIntervalS)
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pxp-agent.conf")
	body := "broker_ws_uri: wss://broker.example.com/pxp/v1\nidentity: pxp-agent-01\nping_interval_s: 30\n"
	if err := os.WriteFile(path, []byte(body), 0640); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.BrokerWSURI != "wss://broker.example.com/pxp/v1" {
		t.Errorf("BrokerWSURI = %s", cfg.BrokerWSURI)
	}
	if cfg.Identity != "pxp-agent-01" {
		t.Errorf("Identity = %s", cfg.Identity)
	}
	if cfg.PingIntervalS != 30 {
		t.Errorf("PingIntervalS = %d, want 30", cfg.PingIntervalS)
	}
	// Fields the file didn't mention keep their defaults.
	if cfg.SpoolDir != DefaultConfiguration().SpoolDir {
		t.Errorf("SpoolDir = %s, want unchanged default", cfg.SpoolDir)
	}
}

func TestLoadFromFileMissingReturnsError(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "does-not-exist.conf")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestBindFlagsOnlyAppliesChangedFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	applyFlags := BindFlags(cmd)

	if err := cmd.ParseFlags([]string{"--identity=pxp-agent-override", "--ping-interval-s=15"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	cfg := DefaultConfiguration()
	applyFlags(cfg)

	if cfg.Identity != "pxp-agent-override" {
		t.Errorf("Identity = %s, want pxp-agent-override", cfg.Identity)
	}
	if cfg.PingIntervalS != 15 {
		t.Errorf("PingIntervalS = %d, want 15", cfg.PingIntervalS)
	}
	// Untouched flags must not clobber the default.
	if cfg.BrokerWSURI != "wss://localhost:8142/pxp/v1" {
		t.Errorf("BrokerWSURI = %s, want default preserved", cfg.BrokerWSURI)
	}
}

func TestLoadLayersFlagsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pxp-agent.conf")
	body := "identity: from-file\ndownload_timeout: 2m\n"
	if err := os.WriteFile(path, []byte(body), 0640); err != nil {
		t.Fatal(err)
	}

	cmd := &cobra.Command{Use: "test"}
	applyFlags := BindFlags(cmd)
	if err := cmd.ParseFlags([]string{"--identity=from-flag"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	cfg, err := Load(path, applyFlags)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Identity != "from-flag" {
		t.Errorf("Identity = %s, want from-flag (flag overrides file)", cfg.Identity)
	}
	if cfg.DownloadTimeout != 2*time.Minute {
		t.Errorf("DownloadTimeout = %v, want 2m (file value preserved when no flag set)", cfg.DownloadTimeout)
	}
}

func TestLoadWithoutConfigFileUsesDefaults(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	applyFlags := BindFlags(cmd)

	cfg, err := Load("", applyFlags)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BrokerWSURI != DefaultConfiguration().BrokerWSURI {
		t.Errorf("expected default configuration when no file is given")
	}
}
