// cmd/do.go
package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/okibara/wayfind/internal/agent"
	"github.com/okibara/wayfind/internal/observability"
)

// newDoCmd builds the one-shot task command: open a browser, run a single
// natural-language task against the given URL, print the outcome.
func newDoCmd(state *rootState) *cobra.Command {
	var (
		startURL string
		headful  bool
		timeout  time.Duration
	)

	doCmd := &cobra.Command{
		Use:   "do [task...]",
		Short: "Run one natural-language task against a site.",
		Long: `Run a single task, e.g.:

  wayfind do --url github.com "sign in with the demo account"

The agent first looks for a remembered action path for this task on this
site and replays it; otherwise the vision model decides one action at a
time. Whatever works is stored for next time.`,
		Args: cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := state.viper.BindPFlag("agent.max_steps", cmd.Flags().Lookup("max-steps")); err != nil {
				return err
			}
			if err := state.viper.BindPFlag("matcher.threshold", cmd.Flags().Lookup("match-threshold")); err != nil {
				return err
			}
			return state.reload()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			cfg := state.cfg
			if headful {
				cfg.Browser.Headless = false
			}
			task := strings.Join(args, " ")
			log := observability.L()

			components, err := initializeTaskComponents(ctx, cfg, log)
			if components != nil {
				defer components.Shutdown()
			}
			if err != nil {
				return err
			}

			ag, err := newAgent(cfg, components.session, components.store, log)
			if err != nil {
				return err
			}

			result, err := ag.RunTask(ctx, task, startURL)
			if result != nil {
				printRunResult(cmd, result)
			}
			if err != nil {
				return fmt.Errorf("task did not complete: %w", err)
			}
			return nil
		},
	}

	doCmd.Flags().StringVarP(&startURL, "url", "u", "", "page the task starts on (scheme defaults to https://)")
	doCmd.Flags().BoolVar(&headful, "headful", false, "show the browser window while the agent works")
	doCmd.Flags().DurationVar(&timeout, "timeout", 0, "overall wall-clock budget for the run (0 = unlimited)")
	doCmd.Flags().Int("max-steps", 0, "override agent.max_steps for this run")
	doCmd.Flags().Float64("match-threshold", 0, "override matcher.threshold for this run")
	if err := doCmd.MarkFlagRequired("url"); err != nil {
		// Flag is defined two lines up; this cannot fail at runtime.
		panic(err)
	}

	return doCmd
}

// printRunResult writes the human-facing run summary to the command's
// stdout. The structured log already carries the same facts for machines.
func printRunResult(cmd *cobra.Command, res *agent.RunResult) {
	mode := "planned"
	switch {
	case res.Healed:
		mode = "replayed, self-healed"
	case res.Replayed:
		mode = "replayed"
	}
	cmd.Printf("Task %s after %d step(s) [%s]\n", res.Outcome, res.Steps, mode)
	if res.FinalURL != "" {
		cmd.Printf("Final URL: %s\n", res.FinalURL)
	}
	cmd.Printf("Run ID:    %s\n", res.RunID)
}
