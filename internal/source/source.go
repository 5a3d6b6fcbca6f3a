// Package source opens packet handles for live interfaces and capture files.
package source

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mitchellh/mapstructure"

	"firestige.xyz/wirecheck/internal/core"
	"firestige.xyz/wirecheck/internal/source/file"
)

// ErrTimeout is returned by ReadPacket when no packet arrived within the
// handle's read timeout. Callers retry after checking for cancellation.
var ErrTimeout = errors.New("source: read timeout")

// Handle yields decoded packets until it is closed or exhausted.
// After Close, ReadPacket returns io.EOF or another error.
type Handle interface {
	ReadPacket() (gopacket.Packet, error)
	LinkType() layers.LinkType
	SnapLen() int
	Close() error
}

// Opener creates handles. Implementations must be safe for concurrent use.
type Opener interface {
	OpenLive(iface string, opts Options) (Handle, error)
	OpenFile(path string, opts Options) (Handle, error)
}

// Options tune a capture handle.
type Options struct {
	Backend     string        `mapstructure:"backend"`
	SnapLen     int           `mapstructure:"snap_len"`
	Promiscuous bool          `mapstructure:"promiscuous"`
	BPFFilter   string        `mapstructure:"bpf_filter"`
	Timeout     time.Duration `mapstructure:"timeout"`
	DecodeAs    string        `mapstructure:"decode_as"`
	BufferMB    int           `mapstructure:"buffer_size_mb"`
}

// DefaultOptions returns the options used for keys absent from a map.
func DefaultOptions() Options {
	return Options{
		Backend:     "pcap",
		SnapLen:     65535,
		Promiscuous: true,
		Timeout:     100 * time.Millisecond,
		BufferMB:    8,
	}
}

// DecodeOptions merges m over DefaultOptions. Durations may be given as
// strings ("250ms") or time.Duration values.
func DecodeOptions(m map[string]any) (Options, error) {
	opts := DefaultOptions()
	if len(m) == 0 {
		return opts, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &opts,
	})
	if err != nil {
		return opts, err
	}
	if err := dec.Decode(m); err != nil {
		return opts, fmt.Errorf("capture options: %w", err)
	}
	if opts.SnapLen <= 0 {
		return opts, fmt.Errorf("capture options: snap_len must be positive, got %d", opts.SnapLen)
	}
	if _, err := opts.Decoder(layers.LinkTypeEthernet); err != nil {
		return opts, err
	}
	return opts, nil
}

// Decoder returns the first-layer decoder for packets read with these
// options. Without a decode_as override the handle's link type is used.
func (o Options) Decoder(link layers.LinkType) (gopacket.Decoder, error) {
	switch strings.ToLower(o.DecodeAs) {
	case "":
		return link, nil
	case "ethernet", "eth":
		return layers.LayerTypeEthernet, nil
	case "ipv4", "ip":
		return layers.LayerTypeIPv4, nil
	case "ipv6":
		return layers.LayerTypeIPv6, nil
	case "linux_sll", "sll":
		return layers.LayerTypeLinuxSLL, nil
	case "raw":
		return layers.LinkTypeRaw, nil
	default:
		return nil, fmt.Errorf("capture options: unknown decode_as %q", o.DecodeAs)
	}
}

// LiveOpenFunc opens a live handle on an interface.
type LiveOpenFunc func(iface string, opts Options) (Handle, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]LiveOpenFunc)
)

// Register makes a live capture backend available by name.
func Register(backend string, fn LiveOpenFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[backend] = fn
}

// Backends lists the registered live backends.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultOpener opens live handles through the registered backends and
// capture files through the pcap/pcapng reader.
type DefaultOpener struct{}

func (DefaultOpener) OpenLive(iface string, opts Options) (Handle, error) {
	registryMu.RLock()
	fn, ok := registry[opts.Backend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend %q not available (have %v)", core.ErrCaptureHandle, opts.Backend, Backends())
	}
	h, err := fn(iface, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s on %s: %v", core.ErrCaptureHandle, opts.Backend, iface, err)
	}
	return h, nil
}

func (DefaultOpener) OpenFile(path string, opts Options) (Handle, error) {
	h, err := file.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCaptureHandle, err)
	}
	dec, err := opts.Decoder(h.LinkType())
	if err != nil {
		h.Close()
		return nil, err
	}
	return NewPacketHandle(h, dec), nil
}

// PacketDataHandle is a raw packet reader that NewPacketHandle can decode.
type PacketDataHandle interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
	SnapLen() int
	Close() error
}

type packetHandle struct {
	PacketDataHandle
	packets *gopacket.PacketSource
}

// NewPacketHandle decodes the packets of raw with dec.
func NewPacketHandle(raw PacketDataHandle, dec gopacket.Decoder) Handle {
	ps := gopacket.NewPacketSource(raw, dec)
	ps.DecodeOptions = gopacket.DecodeOptions{Lazy: false, NoCopy: true}
	return &packetHandle{PacketDataHandle: raw, packets: ps}
}

func (h *packetHandle) ReadPacket() (gopacket.Packet, error) {
	return h.packets.NextPacket()
}
