// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/wirecheck/internal/core"
	"firestige.xyz/wirecheck/internal/log"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `wirecheck:` root key in YAML.
type GlobalConfig struct {
	Log     log.Config    `mapstructure:"log"`
	Sniffer SnifferConfig `mapstructure:"sniffer"`
	Verify  VerifyConfig  `mapstructure:"verify"`
}

// ─── Sniffer ───

// SnifferConfig configures the network sniffer attached to a test bench.
type SnifferConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Iface       string        `mapstructure:"iface"`
	LogDir      string        `mapstructure:"log_dir"`
	CaptureFile string        `mapstructure:"capture_file"` // relative to log_dir unless absolute
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	Capture     CaptureConfig `mapstructure:"capture"`
}

// CaptureConfig holds the options handed to the capture collaborator.
type CaptureConfig struct {
	Backend     string        `mapstructure:"backend"` // pcap | afpacket
	SnapLen     int           `mapstructure:"snap_len"`
	Promiscuous bool          `mapstructure:"promiscuous"`
	BPFFilter   string        `mapstructure:"bpf_filter"`
	DecodeAs    string        `mapstructure:"decode_as"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// CaptureFilePath returns the capture file location, joined with LogDir when relative.
func (c SnifferConfig) CaptureFilePath() string {
	if c.CaptureFile == "" || filepath.IsAbs(c.CaptureFile) {
		return c.CaptureFile
	}
	return filepath.Join(c.LogDir, c.CaptureFile)
}

// Options flattens the capture section into the option map accepted by StartCapture.
func (c CaptureConfig) Options() map[string]any {
	opts := map[string]any{
		"promiscuous": c.Promiscuous,
	}
	if c.Backend != "" {
		opts["backend"] = c.Backend
	}
	if c.SnapLen > 0 {
		opts["snap_len"] = c.SnapLen
	}
	if c.Timeout > 0 {
		opts["timeout"] = c.Timeout
	}
	if c.BPFFilter != "" {
		opts["bpf_filter"] = c.BPFFilter
	}
	if c.DecodeAs != "" {
		opts["decode_as"] = c.DecodeAs
	}
	return opts
}

// ─── Verify ───

// VerifyConfig holds defaults for verification windows.
type VerifyConfig struct {
	StartMark string `mapstructure:"start_mark"`
}

// ─── Loading ───

type configRoot struct {
	Wirecheck GlobalConfig `mapstructure:"wirecheck"`
}

// Load loads configuration from file. An empty path yields defaults only.
// The YAML file uses `wirecheck:` as root key; env vars use the WIRECHECK_ prefix
// (e.g., WIRECHECK_SNIFFER_IFACE).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Wirecheck

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values. Keys carry the "wirecheck." prefix so that
// AutomaticEnv resolves them without a file.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("wirecheck.log.level", "info")
	v.SetDefault("wirecheck.log.pattern", log.DefaultPattern)
	v.SetDefault("wirecheck.log.time", log.DefaultTime)
	v.SetDefault("wirecheck.log.file.enabled", false)
	v.SetDefault("wirecheck.log.file.path", "log/wirecheck.log")
	v.SetDefault("wirecheck.log.file.max_size_mb", 100)
	v.SetDefault("wirecheck.log.file.max_age_days", 30)
	v.SetDefault("wirecheck.log.file.max_backups", 5)
	v.SetDefault("wirecheck.log.file.compress", true)

	// Sniffer defaults
	v.SetDefault("wirecheck.sniffer.enabled", false)
	v.SetDefault("wirecheck.sniffer.iface", "")
	v.SetDefault("wirecheck.sniffer.log_dir", "log")
	v.SetDefault("wirecheck.sniffer.capture_file", "network.nw.pcap")
	v.SetDefault("wirecheck.sniffer.stop_timeout", "5s")
	v.SetDefault("wirecheck.sniffer.capture.backend", "pcap")
	v.SetDefault("wirecheck.sniffer.capture.snap_len", 65535)
	v.SetDefault("wirecheck.sniffer.capture.promiscuous", true)
	v.SetDefault("wirecheck.sniffer.capture.bpf_filter", "")
	v.SetDefault("wirecheck.sniffer.capture.decode_as", "")
	v.SetDefault("wirecheck.sniffer.capture.timeout", "100ms")

	// Verify defaults
	v.SetDefault("wirecheck.verify.start_mark", "start")
}

// ValidateAndApplyDefaults validates configuration and fills runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("%w: invalid log level: %s (must be trace/debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}

	switch cfg.Sniffer.Capture.Backend {
	case "", "pcap", "afpacket":
	default:
		return fmt.Errorf("%w: unsupported sniffer.capture.backend: %s (must be pcap/afpacket)", core.ErrConfigInvalid, cfg.Sniffer.Capture.Backend)
	}

	if cfg.Sniffer.StopTimeout <= 0 {
		return fmt.Errorf("%w: sniffer.stop_timeout must be positive", core.ErrConfigInvalid)
	}
	if cfg.Sniffer.Capture.SnapLen < 0 {
		return fmt.Errorf("%w: sniffer.capture.snap_len must not be negative", core.ErrConfigInvalid)
	}
	if cfg.Sniffer.Enabled && cfg.Sniffer.Iface == "" {
		return fmt.Errorf("%w: sniffer.iface is required when sniffer.enabled=true", core.ErrConfigInvalid)
	}

	if cfg.Verify.StartMark == "" {
		cfg.Verify.StartMark = "start"
	}
	return nil
}
