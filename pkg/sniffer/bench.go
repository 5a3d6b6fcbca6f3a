package sniffer

import (
	"fmt"
	"os"
	"path/filepath"

	"firestige.xyz/wirecheck/internal/config"
	"firestige.xyz/wirecheck/internal/core"
	"firestige.xyz/wirecheck/internal/log"
)

// Bench attaches a Sniffer to a test bench: Init starts capturing on the
// configured interface when sniffing is enabled and Clear stops it.
type Bench struct {
	cfg      config.SnifferConfig
	sniffer  *Sniffer
	sniffing bool
}

func NewBench(cfg config.SnifferConfig, opts ...Option) *Bench {
	if cfg.StopTimeout > 0 {
		opts = append([]Option{WithStopTimeout(cfg.StopTimeout)}, opts...)
	}
	return &Bench{cfg: cfg, sniffer: New(opts...)}
}

// Required reports whether the run asked for a sniffer.
func (b *Bench) Required() bool {
	return b.cfg.Enabled
}

func (b *Bench) Sniffer() *Sniffer {
	return b.sniffer
}

// CaptureFile is where Init writes the pcap copy of the traffic.
func (b *Bench) CaptureFile() string {
	return b.cfg.CaptureFilePath()
}

// Init starts the sniffer if it is required.
func (b *Bench) Init() error {
	if !b.Required() {
		log.GetLogger().Debug("sniffer not requested")
		return nil
	}
	if b.cfg.Iface == "" {
		return fmt.Errorf("%w: cannot capture network traffic, sniffer.iface is not set", core.ErrConfigInvalid)
	}

	file := b.CaptureFile()
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return fmt.Errorf("failed to create capture directory: %w", err)
		}
	}

	log.GetLogger().WithField("file", file).WithField("iface", b.cfg.Iface).Debug("start network capture")
	if err := b.sniffer.StartCapture(b.cfg.Iface, file, b.cfg.Capture.Options()); err != nil {
		return err
	}
	b.sniffing = true
	return nil
}

// Clear stops a running sniffer and returns the number of packets recorded.
func (b *Bench) Clear() (int, error) {
	if !b.sniffing {
		return 0, nil
	}
	b.sniffing = false

	log.GetLogger().WithField("file", b.CaptureFile()).Debug("stop network capture")
	n, err := b.sniffer.StopCapture()
	log.GetLogger().Debugf("got total %d network packets", n)
	return n, err
}
