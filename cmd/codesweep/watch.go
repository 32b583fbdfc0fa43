package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/codesweep/codesweep/internal/engine"
)

var watchVerbose bool

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Watch a directory tree and re-analyze files as they change",
	Long: `Watch the given path (default ".") for source file changes.

Rapid edits to the same file are debounced, and only the scopes a change
touches are re-analyzed; untouched functions keep their previous results.
Findings stream to the terminal as edits settle. Stop with Ctrl-C.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := "."
		if len(args) > 0 {
			root = args[0]
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

		unsubscribe, err := e.Subscribe(newRenderer(e.Registry().Streamer, watchVerbose))
		if err != nil {
			return err
		}
		defer unsubscribe()

		// Watch mode runs one long-lived streaming session.
		if _, err := e.Registry().Streamer.StartAnalysis(0); err != nil {
			return err
		}

		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("%s %s\n", cyan("Watching"), root)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = e.Watch(ctx, root)
		e.Registry().Streamer.CancelAnalysis("watch stopped")
		return err
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchVerbose, "verbose", false, "show progress messages")
	rootCmd.AddCommand(watchCmd)
}
