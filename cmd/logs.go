// cmd/logs.go
package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
)

// newLogsCmd builds the log viewer over the rotated JSON log file. Without
// --follow it prints the last N lines and exits; with it, it keeps
// streaming as the file grows, surviving lumberjack rotations via re-open.
func newLogsCmd(state *rootState) *cobra.Command {
	var (
		follow bool
		lines  int
	)

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent structured log output.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logFile := state.cfg.Logging.LogFile
			if logFile == "" {
				return fmt.Errorf("logging.log_file is not configured; nothing to read")
			}

			if err := printLastLines(cmd.OutOrStdout(), logFile, lines); err != nil {
				return err
			}
			if !follow {
				return nil
			}

			t, err := tail.TailFile(logFile, tail.Config{
				Follow:    true,
				ReOpen:    true,
				MustExist: true,
				Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
				Logger:    tail.DiscardingLogger,
			})
			if err != nil {
				return fmt.Errorf("tailing %s: %w", logFile, err)
			}
			defer t.Cleanup()

			ctx := cmd.Context()
			for {
				select {
				case <-ctx.Done():
					t.Stop()
					return nil
				case line, ok := <-t.Lines:
					if !ok {
						return t.Err()
					}
					if line.Err != nil {
						continue
					}
					fmt.Fprintln(cmd.OutOrStdout(), line.Text)
				}
			}
		},
	}

	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming new lines")
	logsCmd.Flags().IntVarP(&lines, "lines", "n", 25, "how many trailing lines to print first")
	return logsCmd
}

// printLastLines writes the final n lines of the file, keeping only a
// bounded window in memory however large the log has grown.
func printLastLines(w io.Writer, path string, n int) error {
	if n <= 0 {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()

	window := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(window) == n {
			copy(window, window[1:])
			window = window[:n-1]
		}
		window = append(window, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading log file: %w", err)
	}
	for _, line := range window {
		fmt.Fprintln(w, line)
	}
	return nil
}
