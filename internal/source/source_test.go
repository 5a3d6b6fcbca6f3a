package source

import (
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wirecheck/internal/core"
)

func udp6Frame(t *testing.T, dst string) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
		DstMAC:       net.HardwareAddr{0x33, 0x33, 0, 0, 0, 0x01},
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.ParseIP("fe80::2"),
		DstIP:      net.ParseIP(dst),
	}
	udp := &layers.UDP{SrcPort: 5683, DstPort: 5683}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload("ping")))
	return buf.Bytes()
}

func TestDecodeOptions(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		opts, err := DecodeOptions(nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultOptions(), opts)
	})

	t.Run("Overrides", func(t *testing.T) {
		opts, err := DecodeOptions(map[string]any{
			"backend":     "afpacket",
			"snap_len":    "1500",
			"promiscuous": false,
			"bpf_filter":  "udp port 5683",
			"timeout":     "250ms",
			"decode_as":   "ipv6",
		})
		require.NoError(t, err)
		assert.Equal(t, "afpacket", opts.Backend)
		assert.Equal(t, 1500, opts.SnapLen)
		assert.False(t, opts.Promiscuous)
		assert.Equal(t, "udp port 5683", opts.BPFFilter)
		assert.Equal(t, 250*time.Millisecond, opts.Timeout)
		assert.Equal(t, "ipv6", opts.DecodeAs)
	})

	t.Run("DurationValue", func(t *testing.T) {
		opts, err := DecodeOptions(map[string]any{"timeout": time.Second})
		require.NoError(t, err)
		assert.Equal(t, time.Second, opts.Timeout)
	})

	t.Run("UnknownKey", func(t *testing.T) {
		_, err := DecodeOptions(map[string]any{"snaplen": 10})
		assert.Error(t, err)
	})

	t.Run("BadSnapLen", func(t *testing.T) {
		_, err := DecodeOptions(map[string]any{"snap_len": 0})
		assert.Error(t, err)
	})

	t.Run("BadDecodeAs", func(t *testing.T) {
		_, err := DecodeOptions(map[string]any{"decode_as": "token-ring"})
		assert.ErrorContains(t, err, "token-ring")
	})
}

func TestOptionsDecoder(t *testing.T) {
	tests := []struct {
		decodeAs string
		want     gopacket.Decoder
	}{
		{"", layers.LinkTypeLinuxSLL},
		{"ethernet", layers.LayerTypeEthernet},
		{"IPv4", layers.LayerTypeIPv4},
		{"ipv6", layers.LayerTypeIPv6},
		{"linux_sll", layers.LayerTypeLinuxSLL},
		{"raw", layers.LinkTypeRaw},
	}
	for _, tt := range tests {
		dec, err := Options{DecodeAs: tt.decodeAs}.Decoder(layers.LinkTypeLinuxSLL)
		require.NoError(t, err, tt.decodeAs)
		assert.Equal(t, tt.want, dec, tt.decodeAs)
	}
}

type stubHandle struct{ closed bool }

func (h *stubHandle) ReadPacket() (gopacket.Packet, error) { return nil, io.EOF }
func (h *stubHandle) LinkType() layers.LinkType           { return layers.LinkTypeEthernet }
func (h *stubHandle) SnapLen() int                         { return 0 }
func (h *stubHandle) Close() error                         { h.closed = true; return nil }

func TestDefaultOpenerLive(t *testing.T) {
	var gotIface string
	Register("stub", func(iface string, opts Options) (Handle, error) {
		gotIface = iface
		if iface == "missing0" {
			return nil, errors.New("no such device")
		}
		return &stubHandle{}, nil
	})
	assert.Contains(t, Backends(), "stub")

	h, err := DefaultOpener{}.OpenLive("eth9", Options{Backend: "stub"})
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, "eth9", gotIface)

	_, err = DefaultOpener{}.OpenLive("missing0", Options{Backend: "stub"})
	assert.ErrorIs(t, err, core.ErrCaptureHandle)
	assert.ErrorContains(t, err, "no such device")

	_, err = DefaultOpener{}.OpenLive("eth9", Options{Backend: "carrier-pigeon"})
	assert.ErrorIs(t, err, core.ErrCaptureHandle)
}

func TestDumperRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pcap")
	d, err := NewDumper(path, 65535, layers.LinkTypeEthernet)
	require.NoError(t, err)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, dst := range []string{"fe80::1", "fe80::2"} {
		frame := udp6Frame(t, dst)
		p := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
		p.Metadata().CaptureInfo = gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Second),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		require.NoError(t, d.WritePacket(p))
	}
	assert.Equal(t, 2, d.Count())
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.WritePacket(gopacket.NewPacket(nil, layers.LayerTypeEthernet, gopacket.Default)), os.ErrClosed)

	h, err := DefaultOpener{}.OpenFile(path, DefaultOptions())
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, layers.LinkTypeEthernet, h.LinkType())
	assert.Equal(t, 65535, h.SnapLen())

	var dsts []string
	for {
		p, err := h.ReadPacket()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		ip, ok := p.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		require.True(t, ok)
		dsts = append(dsts, ip.DstIP.String())
	}
	assert.Equal(t, []string{"fe80::1", "fe80::2"}, dsts)
}

func TestOpenFileDecodeAs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	frame := udp6Frame(t, "fe80::1")[14:] // strip ethernet
	require.NoError(t, w.WritePacket(gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(frame), Length: len(frame)}, frame))
	require.NoError(t, f.Close())

	h, err := DefaultOpener{}.OpenFile(path, Options{DecodeAs: "ipv6"})
	require.NoError(t, err)
	defer h.Close()
	p, err := h.ReadPacket()
	require.NoError(t, err)
	assert.NotNil(t, p.Layer(layers.LayerTypeUDP))
}

func TestOpenFileErrors(t *testing.T) {
	_, err := DefaultOpener{}.OpenFile(filepath.Join(t.TempDir(), "nope.pcap"), DefaultOptions())
	assert.ErrorIs(t, err, core.ErrCaptureHandle)

	junk := filepath.Join(t.TempDir(), "junk.pcap")
	require.NoError(t, os.WriteFile(junk, []byte("definitely not a capture"), 0o644))
	_, err = DefaultOpener{}.OpenFile(junk, DefaultOptions())
	assert.ErrorIs(t, err, core.ErrCaptureHandle)
}
