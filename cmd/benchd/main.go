// Command benchd drives bench instruments (power supply, battery
// simulator, electronic load) over serial, TCP, or USBTMC.  It runs a
// background monitor with an HTTP surface and offers one-shot test
// commands for pulse discharge, current profiles, and battery model
// characterization.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is injected via ldflags at build time.
var Version = "dev"

var logLevel string

func newLogger() *logrus.Logger {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(logLevel)
	if err != nil {
		log.Warnf("unknown log level %q, using info", logLevel)
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "benchd",
		Short: "benchd automates bench instruments and battery tests",
		Long: `benchd connects to a power supply, a battery simulator, and an
electronic load, continuously monitors voltage/current/power from every
connected instrument, and runs exclusive multi-phase tests (pulse
discharge, current profiles, battery model characterization) with CSV
artifacts.  Monitoring data is exposed over HTTP.`,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&ConfigFileName, "config", "c", ConfigFileName, "path to the YAML config file")
	flags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error)")

	cmd.AddCommand(
		newRunCommand(),
		newPulseCommand(),
		newProfileCommand(),
		newModelCommand(),
		newMkconfCommand(),
		newConfCommand(),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the benchd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("benchd version %s\n", Version)
		},
	}
}

func newMkconfCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mkconf",
		Short: "Write an example config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return mkconf()
		},
	}
}

func newConfCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "conf",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printconf()
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
