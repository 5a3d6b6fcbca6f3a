package capture

import (
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wirecheck/internal/core"
	"firestige.xyz/wirecheck/internal/render"
	"firestige.xyz/wirecheck/internal/source"
	"firestige.xyz/wirecheck/internal/source/file"
	"firestige.xyz/wirecheck/internal/store"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func packet(t *testing.T, i int) gopacket.Packet {
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
		SrcIP:      net.ParseIP("fe80::ff"),
		DstIP:      net.ParseIP(fmt.Sprintf("fe80::%x", i)),
	}
	udp := &layers.UDP{SrcPort: 5683, DstPort: 5683}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload("x")))
	data := buf.Bytes()

	p := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	p.Metadata().CaptureInfo = gopacket.CaptureInfo{
		Timestamp:     epoch.Add(time.Duration(i) * time.Millisecond),
		CaptureLength: len(data),
		Length:        len(data),
	}
	return p
}

type step struct {
	p   gopacket.Packet
	err error
}

// fakeHandle replays steps, then blocks until closed. A stuck handle keeps
// blocking after Close until released; with blockClose, Close itself waits
// for release.
type fakeHandle struct {
	mu         sync.Mutex
	steps      []step
	closed     chan struct{}
	closeOnce  sync.Once
	stuck      bool
	blockClose bool
	release    chan struct{}
}

func newFakeHandle(steps ...step) *fakeHandle {
	return &fakeHandle{steps: steps, closed: make(chan struct{}), release: make(chan struct{})}
}

func packets(t *testing.T, ids ...int) []step {
	steps := make([]step, 0, len(ids))
	for _, i := range ids {
		steps = append(steps, step{p: packet(t, i)})
	}
	return steps
}

func (h *fakeHandle) ReadPacket() (gopacket.Packet, error) {
	h.mu.Lock()
	if len(h.steps) > 0 {
		s := h.steps[0]
		h.steps = h.steps[1:]
		h.mu.Unlock()
		return s.p, s.err
	}
	h.mu.Unlock()

	if h.stuck {
		<-h.release
		return nil, io.EOF
	}
	<-h.closed
	return nil, io.EOF
}

func (h *fakeHandle) LinkType() layers.LinkType { return layers.LinkTypeEthernet }
func (h *fakeHandle) SnapLen() int               { return 65535 }

func (h *fakeHandle) Close() error {
	if h.blockClose {
		<-h.release
	}
	h.closeOnce.Do(func() { close(h.closed) })
	return nil
}

func (h *fakeHandle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

type fakeOpener struct {
	mu      sync.Mutex
	live    []*fakeHandle
	files   map[string]*fakeHandle
	liveErr error
	ifaces  []string
	opts    []source.Options
}

func (o *fakeOpener) OpenLive(iface string, opts source.Options) (source.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ifaces = append(o.ifaces, iface)
	o.opts = append(o.opts, opts)
	if o.liveErr != nil {
		return nil, o.liveErr
	}
	if len(o.live) == 0 {
		return nil, errors.New("no more handles")
	}
	h := o.live[0]
	o.live = o.live[1:]
	return h, nil
}

func (o *fakeOpener) OpenFile(path string, opts source.Options) (source.Handle, error) {
	h, ok := o.files[path]
	if !ok {
		return nil, fmt.Errorf("open %s: no such file", path)
	}
	return h, nil
}

func newManager(t *testing.T, o *fakeOpener, opts ...Option) (*Manager, *store.Store) {
	t.Helper()
	s := store.New()
	return NewManager(s, o, render.New(render.WithoutSIP()), opts...), s
}

func TestStartIngestsInOrder(t *testing.T) {
	h := newFakeHandle(packets(t, 1, 2, 3)...)
	o := &fakeOpener{live: []*fakeHandle{h}}
	m, s := newManager(t, o)

	require.NoError(t, m.Start("eth0", "", map[string]any{"bpf_filter": "udp"}))
	assert.Equal(t, StateCapturing, m.State())
	assert.Equal(t, []string{"eth0"}, o.ifaces)
	assert.Equal(t, "udp", o.opts[0].BPFFilter)

	require.Eventually(t, func() bool { return s.Count() == 3 }, 2*time.Second, 5*time.Millisecond)

	n, err := m.Stop()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, StateStopped, m.State())
	assert.True(t, h.isClosed())

	records := s.Snapshot()
	for i, r := range records {
		assert.Contains(t, r.Text, fmt.Sprintf("\tDestination: fe80::%x\n", i+1))
		assert.Equal(t, epoch.Add(time.Duration(i+1)*time.Millisecond), r.Timestamp)
	}
	assert.Equal(t, []string{store.DefaultMark}, records[0].Marks())

	st := m.Stats()
	assert.Equal(t, uint64(3), st.Received)
	assert.Equal(t, uint64(3), st.Stored)
	assert.False(t, st.StartedAt.IsZero())
	assert.False(t, st.StoppedAt.IsZero())
}

func TestStartOpenFailure(t *testing.T) {
	o := &fakeOpener{liveErr: errors.New("no such device")}
	m, _ := newManager(t, o)

	err := m.Start("bogus0", "", nil)
	assert.ErrorIs(t, err, core.ErrCaptureHandle)
	assert.ErrorContains(t, err, "no such device")
	assert.Equal(t, StateIdle, m.State())
}

func TestStartInvalidOptions(t *testing.T) {
	m, _ := newManager(t, &fakeOpener{})
	err := m.Start("eth0", "", map[string]any{"decode_as": "carrier-pigeon"})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
	assert.Equal(t, StateIdle, m.State())
}

func TestStateTransitions(t *testing.T) {
	o := &fakeOpener{live: []*fakeHandle{newFakeHandle(), newFakeHandle()}}
	m, _ := newManager(t, o)

	require.NoError(t, m.Start("eth0", "", nil))
	assert.ErrorIs(t, m.Start("eth0", "", nil), core.ErrCaptureState)

	_, err := m.Stop()
	require.NoError(t, err)

	assert.ErrorIs(t, m.Start("eth0", "", nil), core.ErrCaptureState)
	n, err := m.Stop()
	assert.NoError(t, err, "stop is idempotent")
	assert.Zero(t, n)
}

func TestStopWithoutStart(t *testing.T) {
	m, s := newManager(t, &fakeOpener{})
	s.Push("Layer ETH:")
	n, err := m.Stop()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StateStopped, m.State())
}

func TestStopGracePeriodElapses(t *testing.T) {
	h := newFakeHandle(packets(t, 1, 2)...)
	h.stuck = true
	t.Cleanup(func() { close(h.release) })

	m, s := newManager(t, &fakeOpener{live: []*fakeHandle{h}}, WithStopTimeout(50*time.Millisecond))
	require.NoError(t, m.Start("eth0", "", nil))
	require.Eventually(t, func() bool { return s.Count() == 2 }, 2*time.Second, 5*time.Millisecond)

	begin := time.Now()
	n, err := m.Stop()
	elapsed := time.Since(begin)

	assert.ErrorIs(t, err, core.ErrShutdownIncomplete)
	assert.ErrorContains(t, err, "live")
	assert.Equal(t, 2, n)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, StateStopped, m.State())
}

func TestStopGracePeriodCoversBlockedClose(t *testing.T) {
	h := newFakeHandle(packets(t, 1)...)
	h.stuck = true
	h.blockClose = true
	t.Cleanup(func() { close(h.release) })

	m, s := newManager(t, &fakeOpener{live: []*fakeHandle{h}}, WithStopTimeout(50*time.Millisecond))
	require.NoError(t, m.Start("eth0", "", nil))
	require.Eventually(t, func() bool { return s.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	type result struct {
		n   int
		err error
	}
	stopped := make(chan result, 1)
	go func() {
		n, err := m.Stop()
		stopped <- result{n, err}
	}()

	select {
	case r := <-stopped:
		assert.ErrorIs(t, r.err, core.ErrShutdownIncomplete)
		assert.ErrorContains(t, r.err, "live (close)")
		assert.Equal(t, 1, r.n)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the stop timeout while Close was blocked")
	}
	assert.Equal(t, StateStopped, m.State())
	assert.False(t, h.isClosed())
}

func TestTimeoutsAreRetried(t *testing.T) {
	steps := []step{{err: source.ErrTimeout}, {p: packet(t, 1)}, {err: source.ErrTimeout}, {err: source.ErrTimeout}, {p: packet(t, 2)}}
	h := newFakeHandle(steps...)
	m, s := newManager(t, &fakeOpener{live: []*fakeHandle{h}})

	require.NoError(t, m.Start("eth0", "", nil))
	require.Eventually(t, func() bool { return s.Count() == 2 }, 2*time.Second, 5*time.Millisecond)
	_, err := m.Stop()
	require.NoError(t, err)
	assert.Zero(t, m.Stats().ReadErrors)
}

func TestReadErrorEndsTask(t *testing.T) {
	steps := append(packets(t, 1), step{err: errors.New("interface went down")})
	steps = append(steps, packets(t, 2)...)
	h := newFakeHandle(steps...)
	m, s := newManager(t, &fakeOpener{live: []*fakeHandle{h}})

	require.NoError(t, m.Start("eth0", "", nil))
	require.Eventually(t, func() bool { return m.Stats().ReadErrors == 1 }, 2*time.Second, 5*time.Millisecond)

	n, err := m.Stop()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Count())
}

func TestFileSink(t *testing.T) {
	live := newFakeHandle(packets(t, 1, 2, 3)...)
	sink := newFakeHandle(packets(t, 1, 2, 3)...)
	o := &fakeOpener{live: []*fakeHandle{live, sink}}
	m, s := newManager(t, o)

	path := filepath.Join(t.TempDir(), "network.nw.pcap")
	require.NoError(t, m.Start("eth0", path, nil))
	assert.Equal(t, []string{"eth0", "eth0"}, o.ifaces)

	require.Eventually(t, func() bool {
		st := m.Stats()
		return st.Stored == 3 && st.Written == 3
	}, 2*time.Second, 5*time.Millisecond)

	n, err := m.Stop()
	require.NoError(t, err)
	assert.Equal(t, 3, n, "sink packets are not stored twice")
	assert.Equal(t, 3, s.Count())
	assert.True(t, sink.isClosed())

	fh, err := file.Open(path)
	require.NoError(t, err)
	defer fh.Close()
	count := 0
	for {
		_, ci, err := fh.ReadPacketData()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
		assert.Equal(t, epoch.Add(time.Duration(count)*time.Millisecond), ci.Timestamp.UTC())
	}
	assert.Equal(t, 3, count)
}

func TestFileSinkOpenFailureClosesLive(t *testing.T) {
	live := newFakeHandle()
	o := &fakeOpener{live: []*fakeHandle{live}}
	m, _ := newManager(t, o)

	err := m.Start("eth0", filepath.Join(t.TempDir(), "out.pcap"), nil)
	assert.ErrorIs(t, err, core.ErrCaptureHandle)
	assert.True(t, live.isClosed())
	assert.Equal(t, StateIdle, m.State())
}

func TestLoad(t *testing.T) {
	h := newFakeHandle(packets(t, 1, 2)...)
	h.Close()
	o := &fakeOpener{files: map[string]*fakeHandle{"dut.pcap": h}}
	m, s := newManager(t, o)

	s.SetMark("L1")
	require.NoError(t, m.Load("dut.pcap", nil))
	assert.Equal(t, 2, s.Count())
	assert.Equal(t, []string{"start", "L1"}, s.At(0).Marks())
	assert.Contains(t, s.At(1).Text, "Destination: fe80::2")
	assert.Equal(t, StateIdle, m.State())
}

func TestLoadFailures(t *testing.T) {
	broken := newFakeHandle(append(packets(t, 1), step{err: errors.New("bad block")})...)
	o := &fakeOpener{
		files: map[string]*fakeHandle{"broken.pcap": broken},
		live:  []*fakeHandle{newFakeHandle()},
	}
	m, s := newManager(t, o)

	assert.ErrorIs(t, m.Load("missing.pcap", nil), core.ErrCaptureHandle)

	err := m.Load("broken.pcap", nil)
	assert.ErrorIs(t, err, core.ErrCaptureHandle)
	assert.True(t, strings.Contains(err.Error(), "after 1 packets"))
	assert.Equal(t, 1, s.Count())

	require.NoError(t, m.Start("eth0", "", nil))
	assert.ErrorIs(t, m.Load("broken.pcap", nil), core.ErrCaptureState)
	_, err = m.Stop()
	require.NoError(t, err)
}

func TestMarksDuringCapture(t *testing.T) {
	h := newFakeHandle(packets(t, 1)...)
	m, s := newManager(t, &fakeOpener{live: []*fakeHandle{h}})

	s.SetMark("S1")
	require.NoError(t, m.Start("eth0", "", nil))
	require.Eventually(t, func() bool { return s.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.SetMark("S2")
	_, err := m.Stop()
	require.NoError(t, err)

	assert.Equal(t, []string{"start", "S1", "S2"}, s.At(0).Marks())
}
