// Command agentflow runs the per-agent task scheduler.
//
//	agentflow serve --config agentflow.yaml
//	agentflow next "0 9 * * MON-FRI" -n 5
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"agentflow/internal/scheduler"
)

var version = "dev"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	if err := buildRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agentflow",
		Short:        "Scheduled task execution for autonomous agents",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildNextCmd())
	return root
}

func buildNextCmd() *cobra.Command {
	var (
		count int
		from  string
	)
	cmd := &cobra.Command{
		Use:   "next <schedule>",
		Short: "Print the next occurrences of a schedule",
		Long: `Print the next occurrences of a recurrence schedule.

A schedule is a Go duration ("90m"), "@every <duration>", a cron descriptor
("@daily") or a five or six field cron expression evaluated in UTC.`,
		Example: `  agentflow next 15m
  agentflow next "0 9 * * MON-FRI" -n 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now().UTC()
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				start = t
			}
			times, err := scheduler.NextOccurrences(args[0], start, count)
			if err != nil {
				return err
			}
			for _, t := range times {
				fmt.Fprintln(cmd.OutOrStdout(), t.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of occurrences")
	cmd.Flags().StringVar(&from, "from", "", "start time (RFC3339), defaults to now")
	return cmd
}
