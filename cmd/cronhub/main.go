package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cronhub/internal/task/scheduler"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cronhub",
	Short: "Persistent job scheduler for HTTP, email, MQTT and RabbitMQ jobs",
	Long: `cronhub fires jobs on cron or fixed-interval schedules and keeps every
job, trigger and run log in a durable store.

Examples:
  cronhub run -c cronhub.yaml            # run the scheduler daemon
  cronhub jobs add -f backup.yaml        # register a job
  cronhub jobs list                      # grouped listing
  cronhub jobs trigger ops.backup        # fire once now`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./cronhub.yaml", "path to the config file (yaml or json)")
	rootCmd.AddCommand(runCmd, jobsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps façade result codes onto small process exit codes.
func exitCode(err error) int {
	var r scheduler.Result
	if !errors.As(err, &r) {
		return 1
	}
	switch r.Code {
	case scheduler.CodeInvalid:
		return 2
	case scheduler.CodeNotFound:
		return 3
	case scheduler.CodeConflict:
		return 4
	case scheduler.CodeExpiredEnd:
		return 5
	case scheduler.CodeNotRunning:
		return 6
	default:
		return 1
	}
}
