package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"specialpool/config"
	"specialpool/kernel/kfmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	arenaMiB   uint
	verbose    bool
	showLog    bool
	jsonOut    bool
)

var rootCmd = &cobra.Command{
	Use:   "guardsim",
	Short: "Exercise the guarded pool allocator in a hosted environment",
	Long: `guardsim runs the guarded pool allocator inside an emulated boot
environment. Guard pages are backed by real page protections so overruns,
underruns and stack overflows fault just like they would in firmware.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		kfmt.SetOutputSink(logSink())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().UintVar(&arenaMiB, "arena", 64, "Size of the emulated memory in MiB")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose allocator diagnostics")
	rootCmd.PersistentFlags().BoolVar(&showLog, "log", false, "Write the allocator log to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig returns the configuration selected by the global flags.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return config.Config{}, err
		}
	}

	if verbose {
		cfg.DebugMask |= uint32(kfmt.DebugVerbose)
	}
	return cfg, nil
}

// logSink returns the writer that receives the allocator log.
func logSink() io.Writer {
	if showLog {
		return os.Stderr
	}
	return io.Discard
}

// printJSON outputs data as JSON
func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
