package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/wirecheck/internal/core"
	"firestige.xyz/wirecheck/internal/log"
	"firestige.xyz/wirecheck/internal/match"
)

type captureOptions struct {
	iface    string
	output   string
	duration time.Duration
	expect   string
	filter   string
	win      window
}

var captureOpts captureOptions

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture live traffic, then optionally verify it",
	Long: `Capture packets from an interface for a fixed duration or until interrupted.
With --expect the captured packets are verified once capturing stops.

Examples:
  wirecheck capture -i eth0 -d 30s                       # capture and report the packet count
  wirecheck capture -i eth0 -w out.pcap -e expect.yaml   # keep a pcap copy and verify
  wirecheck capture -i wpan0 --bpf "ip6 and udp"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := currentConfig()
		if err != nil {
			return err
		}
		opts := captureOpts
		opts.win = window{}.withDefaults(cfg.Verify)
		if opts.iface == "" {
			opts.iface = cfg.Sniffer.Iface
		}
		options := cfg.Sniffer.Capture.Options()
		if opts.filter != "" {
			options["bpf_filter"] = opts.filter
		}
		return runCapture(ctx, newSession(cfg), opts, options, cmd.OutOrStdout())
	},
}

func init() {
	captureCmd.Flags().StringVarP(&captureOpts.iface, "iface", "i", "", "interface to capture on (default sniffer.iface)")
	captureCmd.Flags().StringVarP(&captureOpts.output, "write", "w", "", "also write the traffic to this pcap file")
	captureCmd.Flags().DurationVarP(&captureOpts.duration, "duration", "d", 10*time.Second, "how long to capture")
	captureCmd.Flags().StringVarP(&captureOpts.expect, "expect", "e", "", "YAML expectation file to verify after capturing")
	captureCmd.Flags().StringVar(&captureOpts.filter, "bpf", "", "BPF filter expression")
	rootCmd.AddCommand(captureCmd)
}

func runCapture(ctx context.Context, s Session, opts captureOptions, options map[string]any, out io.Writer) error {
	if opts.iface == "" {
		return fmt.Errorf("%w: no interface given and sniffer.iface is not set", core.ErrConfigInvalid)
	}

	var expected []match.Expectation
	if opts.expect != "" {
		var err error
		if expected, err = match.LoadFile(opts.expect); err != nil {
			return err
		}
	}

	if err := s.StartCapture(opts.iface, opts.output, options); err != nil {
		return err
	}
	fmt.Fprintf(out, "Capturing on %s for %s\n", opts.iface, opts.duration)

	timer := time.NewTimer(opts.duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		log.GetLogger().Info("capture interrupted")
	}

	n, err := s.StopCapture()
	if err != nil && !errors.Is(err, core.ErrShutdownIncomplete) {
		return err
	}
	if err != nil {
		log.GetLogger().WithError(err).Warn("capture did not shut down cleanly")
	}
	fmt.Fprintf(out, "Captured %d packet(s)\n", n)
	if opts.output != "" {
		fmt.Fprintf(out, "Written to %s\n", opts.output)
	}

	if len(expected) == 0 {
		return nil
	}
	return verifyAndReport(s, expected, opts.win, out)
}
