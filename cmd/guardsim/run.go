package main

import (
	"fmt"
	"io"
	"strings"

	"specialpool/kernel/mm"

	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var listScenarios bool

func init() {
	cmd := newRunCmd()
	cmd.Flags().BoolVar(&listScenarios, "list", false, "List the available scenarios")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [scenario...]",
		Short: "Run allocator scenarios",
		Long: `The run command starts a fresh emulated machine for each scenario,
brings up the guarded allocator with the effective configuration and checks
that the expected fault or error is observed. Without arguments every
scenario is run.

Example:
  guardsim run
  guardsim run overrun double-free
  guardsim run --list
  guardsim run --config pool.yaml --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.OutOrStdout(), args)
		},
	}
}

func runRun(w io.Writer, names []string) error {
	if listScenarios {
		for _, name := range scenarioNames() {
			fmt.Fprintf(w, "%-18s %s\n", name, scenarios[name].description)
		}
		return nil
	}

	if len(names) == 0 {
		names = scenarioNames()
	}

	for _, name := range names {
		if _, ok := scenarios[name]; !ok {
			return fmt.Errorf("unknown scenario %q (available: %s)", name, strings.Join(scenarioNames(), ", "))
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	arenaSize := uintptr(arenaMiB) * uintptr(mm.Mb)
	results := make([]result, 0, len(names))
	for _, name := range names {
		results = append(results, runScenario(name, scenarios[name], cfg, arenaSize))
	}

	if jsonOut {
		if err = printJSON(w, results); err != nil {
			return err
		}
	} else {
		for _, res := range results {
			fmt.Fprintf(w, "%-4s  %-18s %s\n", strings.ToUpper(res.Status), res.Scenario, res.Detail)
		}
	}

	failed := slices.IndexFunc(results, func(res result) bool { return res.Status == "fail" })
	if failed >= 0 {
		return fmt.Errorf("scenario %q failed", results[failed].Scenario)
	}
	return nil
}

// scenarioNames returns the scenario names in alphabetical order.
func scenarioNames() []string {
	names := maps.Keys(scenarios)
	slices.Sort(names)
	return names
}
