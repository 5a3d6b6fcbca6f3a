package cmd

import (
	"io"

	"firestige.xyz/wirecheck/internal/config"
	"firestige.xyz/wirecheck/internal/match"
	"firestige.xyz/wirecheck/pkg/sniffer"
)

// Session is the part of the sniffer the commands drive.
type Session interface {
	SetMark(name string)
	StartCapture(iface, toFile string, options map[string]any) error
	StopCapture() (int, error)
	LoadCapture(path string) error
	VerifyPackets(expected []match.Expectation, startMark, endMark string) error
	CountPackets(expected match.Expectation, startMark, endMark string) (int, error)
	PrintPackets(w io.Writer, startMark, endMark string) error
}

// newSession is replaced in tests.
var newSession = func(cfg *config.GlobalConfig) Session {
	return sniffer.New(
		sniffer.WithStopTimeout(cfg.Sniffer.StopTimeout),
		sniffer.WithFileOptions(fileOptions(cfg.Sniffer.Capture)),
	)
}

func fileOptions(c config.CaptureConfig) map[string]any {
	if c.DecodeAs == "" {
		return nil
	}
	return map[string]any{"decode_as": c.DecodeAs}
}

// window holds the --start/--end flags shared by the query commands.
type window struct {
	start string
	end   string
}

func (w window) withDefaults(v config.VerifyConfig) window {
	if w.start == "" {
		w.start = v.StartMark
	}
	return w
}
