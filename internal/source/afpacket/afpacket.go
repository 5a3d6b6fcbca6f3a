//go:build linux

// Package afpacket registers the AF_PACKET TPACKET_V3 live capture backend.
package afpacket

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"

	"firestige.xyz/wirecheck/internal/log"
	"firestige.xyz/wirecheck/internal/source"
)

const Name = "afpacket"

func init() {
	source.Register(Name, func(iface string, opts source.Options) (source.Handle, error) {
		return OpenLive(iface, opts)
	})
}

// Handle is a live TPACKET_V3 capture. Reads and Close are serialized so
// the mmap ring is never unmapped under a reader; a pending read holds the
// lock for at most one poll timeout.
type Handle struct {
	mu      sync.Mutex
	tp      *afpacket.TPacket
	decoder gopacket.Decoder
	snapLen int
	closed  bool
}

func OpenLive(iface string, opts source.Options) (*Handle, error) {
	frameSize, blockSize, numBlocks, err := recomputeSize(opts.BufferMB, opts.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}

	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(timeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create TPacket handle: %w", err)
	}

	if opts.BPFFilter != "" {
		raw, err := CompileBPF(opts.BPFFilter, frameSize)
		if err != nil {
			tp.Close()
			return nil, err
		}
		if err := tp.SetBPF(raw); err != nil {
			tp.Close()
			return nil, fmt.Errorf("failed to set BPF: %w", err)
		}
	}

	dec, err := opts.Decoder(layers.LinkTypeEthernet)
	if err != nil {
		tp.Close()
		return nil, err
	}

	log.GetLogger().WithField("iface", iface).
		WithField("frame_size", frameSize).
		WithField("block_size", blockSize).
		WithField("num_blocks", numBlocks).
		Info("afpacket capture opened")
	return &Handle{tp: tp, decoder: dec, snapLen: opts.SnapLen}, nil
}

// CompileBPF compiles a tcpdump expression for an Ethernet link into raw
// kernel BPF instructions.
func CompileBPF(filter string, snapLen int) ([]bpf.RawInstruction, error) {
	insns, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snapLen, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to compile BPF filter %q: %w", filter, err)
	}
	raw := make([]bpf.RawInstruction, len(insns))
	for i, ins := range insns {
		raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return raw, nil
}

func (h *Handle) ReadPacket() (gopacket.Packet, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, io.EOF
	}
	data, ci, err := h.tp.ReadPacketData()
	h.mu.Unlock()

	if err != nil {
		if errors.Is(err, afpacket.ErrTimeout) {
			return nil, source.ErrTimeout
		}
		return nil, err
	}
	p := gopacket.NewPacket(data, h.decoder, gopacket.NoCopy)
	m := p.Metadata()
	m.CaptureInfo = ci
	m.Truncated = m.Truncated || ci.CaptureLength < ci.Length
	return p, nil
}

func (h *Handle) LinkType() layers.LinkType {
	return layers.LinkTypeEthernet
}

func (h *Handle) SnapLen() int {
	return h.snapLen
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.tp.Close()
	return nil
}
