// Package sniffer records network traffic during a test run and verifies
// that expected packets were seen, in order, between named marks.
//
// A Sniffer is fed either by a live capture (StartCapture/StopCapture) or by
// a capture file (LoadCapture). Test steps call SetMark to delimit phases and
// then query the recorded packets with VerifyPackets, CountPackets and
// PrintPackets.
package sniffer

import (
	"io"
	"time"

	"firestige.xyz/wirecheck/internal/capture"
	"firestige.xyz/wirecheck/internal/core"
	"firestige.xyz/wirecheck/internal/log"
	"firestige.xyz/wirecheck/internal/match"
	"firestige.xyz/wirecheck/internal/render"
	"firestige.xyz/wirecheck/internal/source"
	"firestige.xyz/wirecheck/internal/store"
	"firestige.xyz/wirecheck/internal/verify"

	// live capture backends
	_ "firestige.xyz/wirecheck/internal/source/afpacket"
	_ "firestige.xyz/wirecheck/internal/source/pcap"
)

type settings struct {
	opener      source.Opener
	renderer    capture.Renderer
	stopTimeout time.Duration
	fileOptions map[string]any
}

type Option func(*settings)

// WithOpener replaces the packet source, mainly for tests.
func WithOpener(o source.Opener) Option {
	return func(s *settings) { s.opener = o }
}

// WithRenderer replaces the packet-to-text renderer.
func WithRenderer(r capture.Renderer) Option {
	return func(s *settings) { s.renderer = r }
}

// WithStopTimeout sets the grace period StopCapture waits for capture tasks.
func WithStopTimeout(d time.Duration) Option {
	return func(s *settings) { s.stopTimeout = d }
}

// WithFileOptions sets the capture options used by LoadCapture, e.g.
// {"decode_as": "ipv6"} for captures without a link layer.
func WithFileOptions(opts map[string]any) Option {
	return func(s *settings) { s.fileOptions = opts }
}

// Sniffer holds the packets of one capture session.
type Sniffer struct {
	store    *store.Store
	manager  *capture.Manager
	verifier *verify.Verifier
	files    map[string]any
}

func New(opts ...Option) *Sniffer {
	cfg := settings{
		opener:      source.DefaultOpener{},
		stopTimeout: capture.DefaultStopTimeout,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.renderer == nil {
		cfg.renderer = render.New()
	}

	st := store.New()
	return &Sniffer{
		store:    st,
		manager:  capture.NewManager(st, cfg.opener, cfg.renderer, capture.WithStopTimeout(cfg.stopTimeout)),
		verifier: verify.New(),
		files:    cfg.fileOptions,
	}
}

// SetMark names the most recent packet, or the next one when nothing has
// been recorded yet.
func (s *Sniffer) SetMark(name string) {
	s.store.SetMark(name)
}

// StartCapture begins recording packets from iface. When toFile is set the
// traffic is also written to that pcap file.
func (s *Sniffer) StartCapture(iface, toFile string, options map[string]any) error {
	return s.manager.Start(iface, toFile, options)
}

// StopCapture ends a live capture and returns the number of recorded
// packets. A core.ErrShutdownIncomplete error still comes with a valid count.
func (s *Sniffer) StopCapture() (int, error) {
	return s.manager.Stop()
}

// LoadCapture records every packet of a pcap or pcapng file.
func (s *Sniffer) LoadCapture(path string) error {
	return s.manager.Load(path, s.files)
}

// VerifyPackets checks that each expectation matches a distinct packet, in
// the given order, between startMark and endMark. An empty startMark means
// "start"; an empty endMark means the last packet. The first expectation
// that cannot be found is reported as a *core.MismatchError.
func (s *Sniffer) VerifyPackets(expected []match.Expectation, startMark, endMark string) error {
	w, err := verify.Resolve(s.store, startMark, endMark)
	if err != nil {
		return err
	}
	_, err = s.verifier.Verify(s.store.Snapshot(), expected, w)
	return err
}

// CountPackets returns how many packets between the marks match expected.
func (s *Sniffer) CountPackets(expected match.Expectation, startMark, endMark string) (int, error) {
	w, err := verify.Resolve(s.store, startMark, endMark)
	if err != nil {
		return 0, err
	}
	return s.verifier.Count(s.store.Snapshot(), expected, w)
}

// PrintPackets dumps the packets between the marks to w.
func (s *Sniffer) PrintPackets(w io.Writer, startMark, endMark string) error {
	win, err := verify.Resolve(s.store, startMark, endMark)
	if err != nil {
		return err
	}
	log.GetLogger().WithField("window", win.String()).Debug("printing packets")
	return verify.Print(w, s.store.Snapshot(), win)
}

func (s *Sniffer) Records() []*core.Record {
	return s.store.Snapshot()
}

func (s *Sniffer) FindIndexByMark(name string) (int, bool) {
	return s.store.FindIndexByMark(name)
}

func (s *Sniffer) Count() int {
	return s.store.Count()
}

func (s *Sniffer) State() capture.State {
	return s.manager.State()
}

func (s *Sniffer) Stats() capture.Stats {
	return s.manager.Stats()
}
