package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var (
	dirFlag        string
	logLevelFlag   string
	eventsFileFlag string
)

var rootCmd = &cobra.Command{
	Use:   "conclave",
	Short: "Conclave - multi-worker AI code review and fix orchestration",
	Long: `Conclave sends a repository to several AI coding agents at once, merges
their findings into one prioritized review, lets a challenger agent push
the review until it is good enough, and then drives a fixer agent through
bounded rounds that turn approved fixes into commits.

Workflow:
  conclave init                        Create .conclave/config.yaml
  conclave review [paths...]           Multi-worker review with refinement
  conclave fix                         Fix the issues of the latest review

Commands:
  init        Initialize .conclave/ with the default configuration
  review      Review files or the working-tree diff
  fix         Fix reviewed issues in bounded, committed rounds
  config      Show the resolved configuration
  version     Show version info`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dirFlag, "dir", "C", ".", "Repository directory")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&eventsFileFlag, "events-file", "", "Append progress events as JSON lines to this file")
}

// Execute runs the root command
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
