package main

import (
	"fmt"
	"io"

	"specialpool/kernel/kfmt"
	"specialpool/kernel/mm"

	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var listTypes bool

func init() {
	cmd := newConfigCmd()
	cmd.Flags().BoolVar(&listTypes, "types", false, "List the memory type names that can be protected")
	rootCmd.AddCommand(cmd)
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long: `The config command prints the configuration that run would use,
followed by the settings report the allocator logs at start-up.

Example:
  guardsim config
  guardsim config --config pool.yaml
  guardsim config --types`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig(cmd.OutOrStdout())
		},
	}
}

func runConfig(w io.Writer) error {
	if listTypes {
		for _, name := range memoryTypeNames() {
			fmt.Fprintln(w, name)
		}
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(w, cfg)
	}

	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	fmt.Fprintf(w, "# source: %s\n", configSource())
	if _, err = w.Write(data); err != nil {
		return err
	}

	fmt.Fprintln(w, "---")
	prevSink := kfmt.GetOutputSink()
	kfmt.SetOutputSink(w)
	defer kfmt.SetOutputSink(prevSink)

	prevMask := kfmt.SetDebugMask(kfmt.DebugLevel(cfg.DebugMask) | kfmt.DebugInfo)
	defer kfmt.SetDebugMask(prevMask)
	cfg.Print()

	return nil
}

// memoryTypeNames returns the defined memory type names sorted
// alphabetically.
func memoryTypeNames() []string {
	byName := make(map[string]mm.MemoryType, mm.MaxMemoryType)
	for t := mm.MemoryType(0); t < mm.MaxMemoryType; t++ {
		byName[t.String()] = t
	}

	names := maps.Keys(byName)
	slices.Sort(names)
	return names
}

func configSource() string {
	if configPath == "" {
		return "defaults"
	}
	return configPath
}
