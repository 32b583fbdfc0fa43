package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codesweep/codesweep/internal/engine"
	"github.com/codesweep/codesweep/internal/types"
)

var (
	scanJSON    bool
	scanVerbose bool
	scanFailOn  string
)

var scanCmd = &cobra.Command{
	Use:   "scan [path]",
	Short: "Analyze a directory tree once and report findings",
	Long: `Scan every supported source file under the given path (default ".").

Results stream to the terminal as they are found, most severe first.
Analysis results are cached by content hash, so a second scan over an
unchanged tree is close to instant. With --cache-dir (or cache_dir in the
config file) the cache also survives across runs.

Exit code is 2 when findings at or above the --fail-on severity exist,
making the command usable as a CI gate.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := "."
		if len(args) > 0 {
			root = args[0]
		}

		var failOn types.Severity
		if scanFailOn != "" {
			failOn = types.Severity(scanFailOn)
			if !failOn.IsValid() {
				return fmt.Errorf("invalid --fail-on severity: %q", scanFailOn)
			}
		}

		e, err := engine.New(cfg, logger)
		if err != nil {
			return err
		}
		if err := e.Start(); err != nil {
			return err
		}
		defer func() {
			if err := e.Stop(context.Background()); err != nil {
				logger.Warn("engine shutdown failed", "error", err)
			}
		}()

		if !scanJSON {
			unsubscribe, err := e.Subscribe(newRenderer(e.Registry().Streamer, scanVerbose))
			if err != nil {
				return err
			}
			defer unsubscribe()
		}

		report, err := e.ScanDirectory(cmd.Context(), root)
		if err != nil {
			return err
		}

		if scanJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		}

		if failOn != "" && worstSeverity(report.Issues) <= failOn.Rank() {
			os.Exit(2)
		}
		return nil
	},
}

// worstSeverity returns the lowest (most severe) rank present, or a rank
// past every valid severity when there are no issues.
func worstSeverity(issues []types.Issue) int {
	worst := len(types.Severities)
	for _, issue := range issues {
		if r := issue.Severity.Rank(); r < worst {
			worst = r
		}
	}
	return worst
}

func init() {
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "emit the scan report as JSON instead of streaming output")
	scanCmd.Flags().BoolVar(&scanVerbose, "verbose", false, "show progress messages")
	scanCmd.Flags().StringVar(&scanFailOn, "fail-on", "", "exit 2 if findings at or above this severity exist")
	rootCmd.AddCommand(scanCmd)
}
