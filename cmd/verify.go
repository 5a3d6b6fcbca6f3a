package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/wirecheck/internal/core"
	"firestige.xyz/wirecheck/internal/match"
)

var (
	readFile   string
	expectFile string
	win        window
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify that expected packets occur in order in a capture file",
	Long: `Verify that every expectation matches a distinct packet of the capture,
in the order listed, between the --start and --end marks.

Examples:
  wirecheck verify -r dut.pcap -e expect.yaml
  wirecheck verify -r dut.pcap -e expect.yaml --log-level debug`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := currentConfig()
		if err != nil {
			return err
		}
		return runVerify(newSession(cfg), readFile, expectFile, win.withDefaults(cfg.Verify), cmd.OutOrStdout())
	},
}

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Count the packets matching each expectation",
	Long: `Count, for each expectation, the packets of the capture that match it.

Examples:
  wirecheck count -r dut.pcap -e expect.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := currentConfig()
		if err != nil {
			return err
		}
		return runCount(newSession(cfg), readFile, expectFile, win.withDefaults(cfg.Verify), cmd.OutOrStdout())
	},
}

var printCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the rendered packets of a capture file",
	Long: `Print every packet of the capture as the layer/field text expectations
are matched against.

Examples:
  wirecheck print -r dut.pcap`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := currentConfig()
		if err != nil {
			return err
		}
		return runPrint(newSession(cfg), readFile, win.withDefaults(cfg.Verify), cmd.OutOrStdout())
	},
}

func init() {
	for _, c := range []*cobra.Command{verifyCmd, countCmd, printCmd} {
		c.Flags().StringVarP(&readFile, "read", "r", "", "pcap or pcapng file to read (required)")
		c.MarkFlagRequired("read")
		c.Flags().StringVar(&win.start, "start", "", "mark opening the window (default verify.start_mark)")
		c.Flags().StringVar(&win.end, "end", "", "mark closing the window (default last packet)")
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{verifyCmd, countCmd} {
		c.Flags().StringVarP(&expectFile, "expect", "e", "", "YAML expectation file (required)")
		c.MarkFlagRequired("expect")
	}
}

func runVerify(s Session, capture, expectations string, w window, out io.Writer) error {
	expected, err := match.LoadFile(expectations)
	if err != nil {
		return err
	}
	if err := s.LoadCapture(capture); err != nil {
		return err
	}
	return verifyAndReport(s, expected, w, out)
}

func verifyAndReport(s Session, expected []match.Expectation, w window, out io.Writer) error {
	err := s.VerifyPackets(expected, w.start, w.end)
	var mismatch *core.MismatchError
	switch {
	case err == nil:
		fmt.Fprintf(out, "✓ %d expected packet(s) found in order\n", len(expected))
		return nil
	case errors.As(err, &mismatch):
		fmt.Fprintf(out, "✗ expectation #%d not found in window %s\n", mismatch.Position+1, mismatch.Window)
		fmt.Fprintf(out, "  %s\n", mismatch.Expected)
	}
	return err
}

func runCount(s Session, capture, expectations string, w window, out io.Writer) error {
	expected, err := match.LoadFile(expectations)
	if err != nil {
		return err
	}
	if err := s.LoadCapture(capture); err != nil {
		return err
	}
	for _, exp := range expected {
		n, err := s.CountPackets(exp, w.start, w.end)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d\t%s\n", n, exp)
	}
	return nil
}

func runPrint(s Session, capture string, w window, out io.Writer) error {
	if err := s.LoadCapture(capture); err != nil {
		return err
	}
	return s.PrintPackets(out, w.start, w.end)
}
