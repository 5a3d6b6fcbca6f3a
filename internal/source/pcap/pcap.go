// Package pcap registers the libpcap live capture backend.
package pcap

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"firestige.xyz/wirecheck/internal/log"
	"firestige.xyz/wirecheck/internal/source"
)

const Name = "pcap"

const defaultTimeout = 100 * time.Millisecond

func init() {
	source.Register(Name, func(iface string, opts source.Options) (source.Handle, error) {
		return OpenLive(iface, opts)
	})
}

// Handle is a live libpcap capture.
type Handle struct {
	handle  *pcap.Handle
	packets *gopacket.PacketSource
	snapLen int
}

// OpenLive activates iface with the snap length, promiscuous mode, read
// timeout and BPF filter of opts.
func OpenLive(iface string, opts source.Options) (*Handle, error) {
	h, err := pcap.OpenLive(iface, int32(opts.SnapLen), opts.Promiscuous, readTimeout(opts.Timeout))
	if err != nil {
		return nil, err
	}
	if opts.BPFFilter != "" {
		if err := h.SetBPFFilter(opts.BPFFilter); err != nil {
			h.Close()
			return nil, fmt.Errorf("failed to apply BPF filter %q: %w", opts.BPFFilter, err)
		}
		log.GetLogger().WithField("filter", opts.BPFFilter).Debug("BPF filter applied")
	}

	dec, err := opts.Decoder(h.LinkType())
	if err != nil {
		h.Close()
		return nil, err
	}
	ps := gopacket.NewPacketSource(h, dec)
	ps.DecodeOptions = gopacket.DecodeOptions{NoCopy: true}

	log.GetLogger().WithField("iface", iface).WithField("snap_len", opts.SnapLen).Info("pcap capture opened")
	return &Handle{handle: h, packets: ps, snapLen: opts.SnapLen}, nil
}

// readTimeout never returns pcap.BlockForever: a blocking read holds the
// handle lock, so Close would wait for the next packet to arrive.
func readTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultTimeout
	}
	return d
}

func (h *Handle) ReadPacket() (gopacket.Packet, error) {
	p, err := h.packets.NextPacket()
	if errors.Is(err, pcap.NextErrorTimeoutExpired) {
		return nil, source.ErrTimeout
	}
	return p, err
}

func (h *Handle) LinkType() layers.LinkType {
	return h.handle.LinkType()
}

func (h *Handle) SnapLen() int {
	return h.snapLen
}

// Close waits for a pending ReadPacket to return, which takes at most the
// read timeout; the read then returns io.EOF.
func (h *Handle) Close() error {
	h.handle.Close()
	return nil
}
