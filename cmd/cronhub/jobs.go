package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	yaml "go.yaml.in/yaml/v3"

	"cronhub/internal/app"
	"cronhub/internal/jobs"
	"cronhub/internal/task/scheduler"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
)

var (
	outputFormat string
	jobFile      string
	detailed     bool
	opTimeout    time.Duration
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage jobs in the configured store",
	Long: `Manage jobs directly in the store named by the config file.

Keys are "group.name"; a bare name uses the default group.

Examples:
  cronhub jobs add -f job.yaml
  cronhub jobs list --detailed -o yaml
  cronhub jobs pause reports.daily
  cronhub jobs logs reports.daily`,
}

func init() {
	jobsCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json", "output format: json or yaml")
	jobsCmd.PersistentFlags().DurationVar(&opTimeout, "timeout", 30*time.Second, "bound for one command")

	addCmd.Flags().StringVarP(&jobFile, "file", "f", "", "job spec file (yaml or json; a list adds several jobs)")
	_ = addCmd.MarkFlagRequired("file")
	listCmd.Flags().BoolVar(&detailed, "detailed", false, "full job views instead of the brief table")

	jobsCmd.AddCommand(listCmd, showCmd, addCmd, pauseCmd, resumeCmd, deleteCmd, triggerCmd, clearErrorCmd, logsCmd)
}

// withScheduler opens the store without starting the loop, so the commands
// are safe next to a running daemon.
func withScheduler(cmd *cobra.Command, fn func(ctx context.Context, s *scheduler.Service) error, opts ...app.Option) error {
	a, err := app.New(configPath, append([]app.Option{app.WithConsole(false)}, opts...)...)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), opTimeout)
	defer cancel()
	runErr := fn(ctx, a.Scheduler())
	closeErr := a.Close(ctx)
	if runErr != nil {
		return runErr
	}
	return closeErr
}

func keyArg(args []string) (jobs.Key, error) {
	return jobs.ParseKey(args[0])
}

// report prints r and turns a failed result into the command error.
func report(w io.Writer, r scheduler.Result) error {
	if !r.OK() {
		return r
	}
	fmt.Fprintln(w, green("ok"), r.Msg)
	return nil
}

func keyCommand(use, short string, run func(ctx context.Context, s *scheduler.Service, key jobs.Key) scheduler.Result, opts ...app.Option) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <group.name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keyArg(args)
			if err != nil {
				return err
			}
			return withScheduler(cmd, func(ctx context.Context, s *scheduler.Service) error {
				return report(cmd.OutOrStdout(), run(ctx, s, key))
			}, opts...)
		},
	}
}

var pauseCmd = keyCommand("pause", "Pause a job's trigger", func(ctx context.Context, s *scheduler.Service, key jobs.Key) scheduler.Result {
	return s.PauseOrDelete(ctx, key, false)
})

var deleteCmd = keyCommand("delete", "Delete a job, waiting for a running fire", func(ctx context.Context, s *scheduler.Service, key jobs.Key) scheduler.Result {
	return s.PauseOrDelete(ctx, key, true)
})

var resumeCmd = keyCommand("resume", "Resume a paused job", func(ctx context.Context, s *scheduler.Service, key jobs.Key) scheduler.Result {
	return s.Resume(ctx, key)
})

var clearErrorCmd = keyCommand("clear-error", "Clear a job's last error", func(ctx context.Context, s *scheduler.Service, key jobs.Key) scheduler.Result {
	return s.ClearError(ctx, key)
})

// triggerCmd runs the fire in this process and waits for it to finish.
var triggerCmd = keyCommand("trigger", "Fire a job once now", func(ctx context.Context, s *scheduler.Service, key jobs.Key) scheduler.Result {
	if _, err := s.StartScheduling(ctx); err != nil {
		return scheduler.Result{Code: scheduler.CodeStoreFailure, Msg: err.Error()}
	}
	r := s.TriggerNow(ctx, key)
	if _, err := s.StopScheduling(ctx); err != nil && r.OK() {
		return scheduler.Result{Code: scheduler.CodeStoreFailure, Msg: "fire did not finish: " + err.Error()}
	}
	return r
}, app.WithManualOnly())

var addCmd = &cobra.Command{
	Use:   "add -f <file>",
	Short: "Add jobs from a spec file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		data, err := os.ReadFile(jobFile)
		if err != nil {
			return err
		}
		specs, err := decodeJobSpecs(data)
		if err != nil {
			return fmt.Errorf("%s: %w", jobFile, err)
		}
		return withScheduler(cmd, func(ctx context.Context, s *scheduler.Service) error {
			var errs []error
			for _, spec := range specs {
				if err := report(cmd.OutOrStdout(), s.AddJob(ctx, spec)); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), red("failed"), spec.Group+"."+spec.Name+":", err)
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		})
	},
}

// decodeJobSpecs reads one spec or a list of specs. YAML is a superset of
// JSON, so both go through the YAML decoder with unknown fields rejected.
func decodeJobSpecs(data []byte) ([]scheduler.JobSpec, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, errors.New("empty job file")
	}
	doc := root.Content[0]
	if doc.Kind == yaml.SequenceNode {
		var specs []scheduler.JobSpec
		if err := strictDecode(data, &specs); err != nil {
			return nil, err
		}
		return specs, nil
	}
	var spec scheduler.JobSpec
	if err := strictDecode(data, &spec); err != nil {
		return nil, err
	}
	return []scheduler.JobSpec{spec}, nil
}

func strictDecode(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(v)
}

var showCmd = &cobra.Command{
	Use:   "show <group.name>",
	Short: "Show one job with its trigger and upcoming fire times",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := keyArg(args)
		if err != nil {
			return err
		}
		return withScheduler(cmd, func(ctx context.Context, s *scheduler.Service) error {
			v, r := s.QueryJob(ctx, key)
			if !r.OK() {
				return r
			}
			return render(cmd.OutOrStdout(), v)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs grouped by group",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withScheduler(cmd, func(ctx context.Context, s *scheduler.Service) error {
			if detailed {
				groups, r := s.ListAllDetailed(ctx)
				if !r.OK() {
					return r
				}
				return render(cmd.OutOrStdout(), groups)
			}
			groups, r := s.ListAllBrief(ctx)
			if !r.OK() {
				return r
			}
			return briefTable(cmd.OutOrStdout(), groups)
		})
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <group.name>",
	Short: "Show a job's run count and recent run log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := keyArg(args)
		if err != nil {
			return err
		}
		return withScheduler(cmd, func(ctx context.Context, s *scheduler.Service) error {
			entries, r := s.JobLogs(ctx, key)
			if !r.OK() {
				return r
			}
			count, r := s.RunCount(ctx, key)
			if !r.OK() {
				return r
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s runs=%d\n", key, count)
			for _, e := range entries {
				status := green("ok")
				if !e.OK {
					status = red("failed")
				}
				fmt.Fprintf(w, "%s %s %s %s\n", gray(e.At.Format(time.RFC3339)), status, e.Took.Round(time.Millisecond), e.Message)
			}
			return nil
		})
	},
}

func briefTable(w io.Writer, groups []scheduler.JobGroupBriefView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tNAME\tSTATE\tPREV\tNEXT\tRUNS\tERROR")
	for _, g := range groups {
		for _, j := range g.Jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				g.Group, j.Name, j.State, fmtTime(j.PrevFireTime), fmtTime(j.NextFireTime), j.RunCount, oneLine(j.LastError, 60))
		}
	}
	return tw.Flush()
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// render writes v as indented JSON or as YAML with the same field names.
func render(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	switch strings.ToLower(outputFormat) {
	case "", "json":
		_, err = fmt.Fprintln(w, string(b))
		return err
	case "yaml", "yml":
		var tree any
		if err := json.Unmarshal(b, &tree); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(tree); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}
}
