package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"firestige.xyz/wirecheck/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
wirecheck:
  log:
    level: "debug"
    file:
      enabled: true
      path: "/tmp/wirecheck-test.log"
  sniffer:
    enabled: true
    iface: "Sniffer"
    log_dir: "/tmp/tc1"
    stop_timeout: "2s"
    capture:
      backend: "afpacket"
      snap_len: 2048
      bpf_filter: "udp port 5683"
      decode_as: "ipv6"
  verify:
    start_mark: "S0"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Log.Level)
	}
	if !cfg.Log.File.Enabled || cfg.Log.File.Filename != "/tmp/wirecheck-test.log" {
		t.Errorf("Expected file appender /tmp/wirecheck-test.log, got %+v", cfg.Log.File)
	}
	if cfg.Log.File.MaxBackups != 5 {
		t.Errorf("Expected default max_backups 5, got %d", cfg.Log.File.MaxBackups)
	}
	if cfg.Sniffer.Iface != "Sniffer" {
		t.Errorf("Expected iface Sniffer, got %s", cfg.Sniffer.Iface)
	}
	if cfg.Sniffer.StopTimeout != 2*time.Second {
		t.Errorf("Expected stop_timeout 2s, got %v", cfg.Sniffer.StopTimeout)
	}
	if cfg.Sniffer.Capture.Backend != "afpacket" || cfg.Sniffer.Capture.SnapLen != 2048 {
		t.Errorf("Unexpected capture config %+v", cfg.Sniffer.Capture)
	}
	if got := cfg.Sniffer.CaptureFilePath(); got != "/tmp/tc1/network.nw.pcap" {
		t.Errorf("Expected capture file /tmp/tc1/network.nw.pcap, got %s", got)
	}
	if cfg.Verify.StartMark != "S0" {
		t.Errorf("Expected start mark S0, got %s", cfg.Verify.StartMark)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Expected default level info, got %s", cfg.Log.Level)
	}
	if cfg.Sniffer.StopTimeout != 5*time.Second {
		t.Errorf("Expected default stop_timeout 5s, got %v", cfg.Sniffer.StopTimeout)
	}
	if cfg.Sniffer.Capture.Backend != "pcap" || cfg.Sniffer.Capture.SnapLen != 65535 || !cfg.Sniffer.Capture.Promiscuous {
		t.Errorf("Unexpected default capture config %+v", cfg.Sniffer.Capture)
	}
	if cfg.Verify.StartMark != "start" {
		t.Errorf("Expected default start mark, got %s", cfg.Verify.StartMark)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("WIRECHECK_SNIFFER_IFACE", "eth9")
	t.Setenv("WIRECHECK_LOG_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sniffer.Iface != "eth9" {
		t.Errorf("Expected env iface eth9, got %s", cfg.Sniffer.Iface)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Expected env level warn, got %s", cfg.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("Expected error for missing config file")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"InvalidLogLevel", "wirecheck:\n  log:\n    level: \"loud\"\n"},
		{"InvalidBackend", "wirecheck:\n  sniffer:\n    capture:\n      backend: \"dpdk\"\n"},
		{"ZeroStopTimeout", "wirecheck:\n  sniffer:\n    stop_timeout: \"0s\"\n"},
		{"EnabledWithoutIface", "wirecheck:\n  sniffer:\n    enabled: true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !errors.Is(err, core.ErrConfigInvalid) {
				t.Errorf("Expected ErrConfigInvalid, got %v", err)
			}
		})
	}
}

func TestCaptureOptions(t *testing.T) {
	c := CaptureConfig{Backend: "pcap", SnapLen: 1500, Promiscuous: true, Timeout: time.Second}
	opts := c.Options()
	if opts["backend"] != "pcap" || opts["snap_len"] != 1500 || opts["promiscuous"] != true {
		t.Errorf("Unexpected options %v", opts)
	}
	if _, ok := opts["bpf_filter"]; ok {
		t.Errorf("Empty bpf_filter should be omitted, got %v", opts)
	}

	c.BPFFilter = "icmp6"
	if c.Options()["bpf_filter"] != "icmp6" {
		t.Errorf("Expected bpf_filter icmp6")
	}

	zero := CaptureConfig{}.Options()
	for _, key := range []string{"backend", "snap_len", "timeout", "decode_as"} {
		if _, ok := zero[key]; ok {
			t.Errorf("Unset %s should be omitted, got %v", key, zero)
		}
	}
}

func TestCaptureFilePathAbsolute(t *testing.T) {
	s := SnifferConfig{LogDir: "/var/log", CaptureFile: "/data/x.pcap"}
	if s.CaptureFilePath() != "/data/x.pcap" {
		t.Errorf("Absolute capture file should not be joined, got %s", s.CaptureFilePath())
	}
}
