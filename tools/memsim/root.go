package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"chromaos/kernel/kfmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	machinePath string
	verbose     bool
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:   "memsim",
	Short: "Boot the chromaos memory subsystem on a simulated machine",
	Long: `memsim boots the physical allocator, the kernel heap and the kernel
address space over a host-backed physical memory arena. The machine is
described by a YAML file; a 64MiB machine is used when none is given.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&machinePath, "file", "f", "", "Machine description (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print the kernel log")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Lower the kernel log level to debug")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// attachLog routes the kernel log to w when verbose output is requested and
// returns a function that detaches it again.
func attachLog(w io.Writer) func() {
	if !verbose {
		return func() {}
	}
	kfmt.SetOutputSink(w)
	return func() { kfmt.SetOutputSink(nil) }
}

// loadMachine reads the machine description selected by the --file flag.
func loadMachine() (*Machine, error) {
	m := defaultMachine()
	if machinePath != "" {
		var err error
		if m, err = LoadMachine(machinePath); err != nil {
			return nil, err
		}
	}
	if debug {
		m.Config.LogLevel = slog.LevelDebug
	}
	return m, nil
}
