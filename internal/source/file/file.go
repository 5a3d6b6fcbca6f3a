// Package file reads pcap and pcapng capture files without libpcap.
package file

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapng section header block type, identical in either byte order.
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type reader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Handle reads raw packets from a capture file in file order.
type Handle struct {
	path    string
	f       *os.File
	r       reader
	snapLen int
}

// Open detects the file format from its first block and prepares a reader.
func Open(path string) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}

	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture file %s: %w", path, err)
	}

	h := &Handle{path: path, f: f}
	if bytes.Equal(magic, ngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to parse pcapng file %s: %w", path, err)
		}
		h.r = ng
		if iface, err := ng.Interface(0); err == nil {
			h.snapLen = int(iface.SnapLength)
		}
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to parse pcap file %s: %w", path, err)
		}
		h.r = pr
		h.snapLen = int(pr.Snaplen())
	}
	return h, nil
}

// ReadPacketData returns io.EOF once the file is exhausted or closed.
func (h *Handle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	if h.f == nil {
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	data, ci, err := h.r.ReadPacketData()
	if err == io.ErrUnexpectedEOF {
		// truncated trailing record, typically from a writer that was killed
		return nil, ci, io.EOF
	}
	return data, ci, err
}

func (h *Handle) LinkType() layers.LinkType {
	return h.r.LinkType()
}

func (h *Handle) SnapLen() int {
	return h.snapLen
}

func (h *Handle) Path() string {
	return h.path
}

func (h *Handle) Close() error {
	if h.f == nil {
		return nil
	}
	err := h.f.Close()
	h.f = nil
	return err
}
