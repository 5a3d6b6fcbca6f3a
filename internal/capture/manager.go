// Package capture runs the background tasks that feed a packet store from a
// live interface, optionally mirroring the traffic into a pcap file.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"

	"firestige.xyz/wirecheck/internal/core"
	"firestige.xyz/wirecheck/internal/log"
	"firestige.xyz/wirecheck/internal/source"
	"firestige.xyz/wirecheck/internal/store"
)

// State of a Manager. A Manager is used for a single capture session.
type State string

const (
	StateIdle      State = "idle"
	StateCapturing State = "capturing"
	StateStopped   State = "stopped"
)

const (
	DefaultStopTimeout = 5 * time.Second
	defaultQueueSize   = 1024
)

// Renderer converts a decoded packet into record text.
type Renderer interface {
	Render(p gopacket.Packet) string
}

// Stats counts packets handled by a Manager.
type Stats struct {
	Received   uint64 // packets read by the live task
	Stored     uint64 // records appended to the store
	Written    uint64 // packets written by the file sink
	ReadErrors uint64 // reads that ended a task
	StartedAt  time.Time
	StoppedAt  time.Time
}

type Option func(*Manager)

// WithStopTimeout sets how long Stop waits for each task to exit.
func WithStopTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

// WithQueueSize sets the capacity of the channel between capture tasks and
// the store writer.
func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

type entry struct {
	text string
	ts   time.Time
}

type task struct {
	name   string
	handle source.Handle
	done   chan struct{}
	closed chan struct{}
}

func newTask(name string, h source.Handle) *task {
	return &task{name: name, handle: h, done: make(chan struct{}), closed: make(chan struct{})}
}

// closeHandle closes the task's handle and then signals closed. Close may
// block on some backends, so it runs apart from Stop's bounded wait.
func (t *task) closeHandle() {
	defer close(t.closed)
	if err := t.handle.Close(); err != nil {
		log.GetLogger().WithError(err).WithField("task", t.name).Warn("failed to close capture handle")
	}
}

// Manager owns the capture tasks. Only its writer goroutine appends to the
// store while capturing.
type Manager struct {
	store     *store.Store
	opener    source.Opener
	renderer  Renderer
	grace     time.Duration
	queueSize int

	mu        sync.Mutex
	state     State
	loading   bool
	cancel    context.CancelFunc
	tasks     []*task
	quit      chan struct{}
	writerEnd chan struct{}
	startedAt time.Time
	stoppedAt time.Time

	received   atomic.Uint64
	stored     atomic.Uint64
	written    atomic.Uint64
	readErrors atomic.Uint64
}

func NewManager(s *store.Store, opener source.Opener, renderer Renderer, opts ...Option) *Manager {
	m := &Manager{
		store:     s,
		opener:    opener,
		renderer:  renderer,
		grace:     DefaultStopTimeout,
		queueSize: defaultQueueSize,
		state:     StateIdle,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	started, stopped := m.startedAt, m.stoppedAt
	m.mu.Unlock()
	return Stats{
		Received:   m.received.Load(),
		Stored:     m.stored.Load(),
		Written:    m.written.Load(),
		ReadErrors: m.readErrors.Load(),
		StartedAt:  started,
		StoppedAt:  stopped,
	}
}

// Start opens iface and begins ingesting its packets into the store. When
// toFile is not empty a second handle on iface is opened and its packets
// are written to toFile as pcap. Open failures are returned and leave the
// Manager idle.
func (m *Manager) Start(iface, toFile string, options map[string]any) error {
	opts, err := source.DecodeOptions(options)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle || m.loading {
		return fmt.Errorf("%w: cannot start capture in state %s", core.ErrCaptureState, m.state)
	}

	l := log.GetLogger().WithField("iface", iface)
	live, err := m.opener.OpenLive(iface, opts)
	if err != nil {
		return handleError(err)
	}
	tasks := []*task{newTask("live", live)}

	var dumper *source.Dumper
	if toFile != "" {
		sinkHandle, err := m.opener.OpenLive(iface, opts)
		if err != nil {
			live.Close()
			return handleError(err)
		}
		if dumper, err = source.NewDumper(toFile, sinkHandle.SnapLen(), sinkHandle.LinkType()); err != nil {
			live.Close()
			sinkHandle.Close()
			return handleError(err)
		}
		tasks = append(tasks, newTask("file-sink", sinkHandle))
	}

	ctx, cancel := context.WithCancel(context.Background())
	queue := make(chan entry, m.queueSize)
	m.cancel = cancel
	m.tasks = tasks
	m.quit = make(chan struct{})
	m.writerEnd = make(chan struct{})
	m.startedAt = time.Now()

	go m.writeLoop(queue, m.quit, m.writerEnd)
	go m.ingest(ctx, tasks[0], queue)
	if dumper != nil {
		go m.sink(ctx, tasks[1], dumper)
	}

	m.state = StateCapturing
	l.WithField("file", toFile).WithField("backend", opts.Backend).Info("capture started")
	return nil
}

// Stop closes the capture handles and waits up to the stop timeout, shared by
// all tasks, for every handle to close and every task to exit. It returns the
// number of records in the store. Tasks whose handle or loop does not finish
// in time are abandoned and reported with ErrShutdownIncomplete; nothing they
// read afterwards reaches the store.
func (m *Manager) Stop() (int, error) {
	m.mu.Lock()
	if m.state != StateCapturing {
		m.state = StateStopped
		m.mu.Unlock()
		return m.store.Count(), nil
	}
	m.state = StateStopped
	tasks, cancel, quit, writerEnd := m.tasks, m.cancel, m.quit, m.writerEnd
	m.mu.Unlock()

	l := log.GetLogger()
	cancel()
	for _, t := range tasks {
		go t.closeHandle()
	}

	timeout := time.After(m.grace)
	expired := false
	wait := func(ch <-chan struct{}) bool {
		if expired {
			// the grace period is shared, later tasks get no extra time
			select {
			case <-ch:
				return true
			default:
				return false
			}
		}
		select {
		case <-ch:
			return true
		case <-timeout:
			expired = true
			return false
		}
	}

	var stuck []string
	for _, t := range tasks {
		switch {
		case !wait(t.closed):
			stuck = append(stuck, t.name+" (close)")
		case !wait(t.done):
			stuck = append(stuck, t.name)
		}
	}

	close(quit)
	<-writerEnd

	m.mu.Lock()
	m.stoppedAt = time.Now()
	m.mu.Unlock()

	count := m.store.Count()
	fields := l.WithField("records", count).WithField("received", m.received.Load())
	if len(stuck) > 0 {
		fields.WithField("tasks", strings.Join(stuck, ",")).Warn("capture stopped, tasks still running")
		return count, fmt.Errorf("%w: %s did not exit within %s", core.ErrShutdownIncomplete, strings.Join(stuck, ", "), m.grace)
	}
	fields.Info("capture stopped")
	return count, nil
}

// Load reads every packet of a capture file into the store, in file order.
// It cannot run while a live capture is active.
func (m *Manager) Load(path string, options map[string]any) error {
	opts, err := source.DecodeOptions(options)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}

	m.mu.Lock()
	if m.state == StateCapturing || m.loading {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot load %s while capturing", core.ErrCaptureState, path)
	}
	m.loading = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.loading = false
		m.mu.Unlock()
	}()

	h, err := m.opener.OpenFile(path, opts)
	if err != nil {
		return handleError(err)
	}
	defer h.Close()

	n := 0
	for {
		p, err := h.ReadPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: reading %s after %d packets: %v", core.ErrCaptureHandle, path, n, err)
		}
		m.store.PushAt(m.renderer.Render(p), timestamp(p))
		m.stored.Add(1)
		n++
	}
	log.GetLogger().WithField("file", path).WithField("packets", n).Info("capture file loaded")
	return nil
}

// ingest reads packets until the handle is closed or fails, checking for
// cancellation between packets.
func (m *Manager) ingest(ctx context.Context, t *task, queue chan<- entry) {
	defer close(t.done)
	for ctx.Err() == nil {
		p, err := t.handle.ReadPacket()
		if err != nil {
			if errors.Is(err, source.ErrTimeout) {
				continue
			}
			m.taskEnded(ctx, t, err)
			return
		}
		m.received.Add(1)
		e := entry{text: m.renderer.Render(p), ts: timestamp(p)}
		select {
		case queue <- e:
		case <-ctx.Done():
			return
		}
	}
}

// sink copies packets from its own handle into a pcap file.
func (m *Manager) sink(ctx context.Context, t *task, d *source.Dumper) {
	defer close(t.done)
	defer func() {
		if err := d.Close(); err != nil {
			log.GetLogger().WithError(err).WithField("file", d.Path()).Warn("failed to close capture file")
		}
	}()
	for ctx.Err() == nil {
		p, err := t.handle.ReadPacket()
		if err != nil {
			if errors.Is(err, source.ErrTimeout) {
				continue
			}
			m.taskEnded(ctx, t, err)
			return
		}
		if err := d.WritePacket(p); err != nil {
			log.GetLogger().WithError(err).WithField("file", d.Path()).Error("capture file write failed")
			return
		}
		m.written.Add(1)
	}
}

func (m *Manager) taskEnded(ctx context.Context, t *task, err error) {
	if ctx.Err() != nil || err == io.EOF {
		log.GetLogger().WithField("task", t.name).Debug("capture task finished")
		return
	}
	m.readErrors.Add(1)
	log.GetLogger().WithError(err).WithField("task", t.name).Warn("capture task ended by read error")
}

// writeLoop is the only writer to the store while capturing. On quit it
// stores whatever is already queued and returns.
func (m *Manager) writeLoop(queue <-chan entry, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case e := <-queue:
			m.push(e)
		case <-quit:
			for {
				select {
				case e := <-queue:
					m.push(e)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) push(e entry) {
	m.store.PushAt(e.text, e.ts)
	m.stored.Add(1)
}

func timestamp(p gopacket.Packet) time.Time {
	if md := p.Metadata(); md != nil {
		return md.Timestamp
	}
	return time.Time{}
}

func handleError(err error) error {
	if errors.Is(err, core.ErrCaptureHandle) {
		return err
	}
	return fmt.Errorf("%w: %v", core.ErrCaptureHandle, err)
}
