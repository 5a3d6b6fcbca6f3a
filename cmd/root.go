// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/wirecheck/internal/config"
	"firestige.xyz/wirecheck/internal/log"
)

var (
	// Global flags
	configFile string
	logLevel   string

	globalCfg *config.GlobalConfig
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "wirecheck",
	Short: "wirecheck - verify that expected packets appear in captured traffic",
	Long: `wirecheck records network traffic, from a live interface or a pcap file,
and checks that expected packets occur in order between named marks.

Expectations are YAML lists of layer/field regular expressions:

  - IPV6:
      Destination: ^fe80::1$
  - UDP:
      Destination Port: "5683"`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults only when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override log level: trace, debug, info, warn, error")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = strings.ToLower(logLevel)
		if err := cfg.ValidateAndApplyDefaults(); err != nil {
			return err
		}
	}
	if err := log.Init(&cfg.Log); err != nil {
		return err
	}
	globalCfg = cfg
	return nil
}

// currentConfig returns the config loaded by the root command, or defaults
// when the command ran without it.
func currentConfig() (*config.GlobalConfig, error) {
	if globalCfg == nil {
		cfg, err := config.Load("")
		if err != nil {
			return nil, err
		}
		globalCfg = cfg
	}
	return globalCfg, nil
}
