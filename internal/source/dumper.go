package source

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Dumper writes packets to a pcap file.
type Dumper struct {
	mu    sync.Mutex
	path  string
	f     *os.File
	buf   *bufio.Writer
	w     *pcapgo.Writer
	count int
}

// NewDumper creates path, truncating any existing file, and writes the pcap
// file header.
func NewDumper(path string, snapLen int, link layers.LinkType) (*Dumper, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file %s: %w", path, err)
	}
	buf := bufio.NewWriter(f)
	w := pcapgo.NewWriter(buf)
	if err := w.WriteFileHeader(uint32(snapLen), link); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write pcap header to %s: %w", path, err)
	}
	return &Dumper{path: path, f: f, buf: buf, w: w}, nil
}

// WritePacket appends one packet with its capture metadata.
func (d *Dumper) WritePacket(p gopacket.Packet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return os.ErrClosed
	}
	ci := p.Metadata().CaptureInfo
	data := p.Data()
	if ci.CaptureLength != len(data) {
		ci.CaptureLength = len(data)
	}
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}
	if err := d.w.WritePacket(ci, data); err != nil {
		return err
	}
	d.count++
	return nil
}

// Count returns the number of packets written.
func (d *Dumper) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

func (d *Dumper) Path() string {
	return d.path
}

// Close flushes buffered packets and closes the file.
func (d *Dumper) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	ferr := d.buf.Flush()
	cerr := d.f.Close()
	d.f = nil
	if ferr != nil {
		return ferr
	}
	return cerr
}
