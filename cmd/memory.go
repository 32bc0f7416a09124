// cmd/memory.go
package cmd

import (
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/okibara/wayfind/api/schemas"
	"github.com/okibara/wayfind/internal/observability"
)

// newMemoryCmd builds the store inspection command. It never touches the
// browser or the model, so it works with nothing but a store configured.
func newMemoryCmd(state *rootState) *cobra.Command {
	var asJSON bool

	memoryCmd := &cobra.Command{
		Use:   "memory",
		Short: "Show what the memory store has learned so far.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := observability.L()

			store, pool, err := newStore(ctx, state.cfg, log)
			if err != nil {
				return err
			}
			if pool != nil {
				defer pool.Close()
			}

			stats, err := store.Stats(ctx)
			if err != nil {
				return fmt.Errorf("reading store stats: %w", err)
			}

			if asJSON {
				out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(stats, "", "  ")
				if err != nil {
					return fmt.Errorf("encoding stats: %w", err)
				}
				cmd.Println(string(out))
				return nil
			}

			writeStats(cmd.OutOrStdout(), state.cfg.Memory.Backend, stats)
			return nil
		},
	}

	memoryCmd.Flags().BoolVar(&asJSON, "json", false, "emit stats as JSON")
	return memoryCmd
}

// writeStats renders the aggregate counts in the fixed-width layout shared
// by the memory command and the shell.
func writeStats(w io.Writer, backend string, stats *schemas.MemoryStats) {
	fmt.Fprintf(w, "Backend:     %s\n", backend)
	fmt.Fprintf(w, "Sites:       %d\n", stats.Sites)
	fmt.Fprintf(w, "Pages:       %d\n", stats.Pages)
	fmt.Fprintf(w, "Elements:    %d\n", stats.Elements)
	fmt.Fprintf(w, "Task paths:  %d (%d stale)\n", stats.TaskPaths, stats.StalePaths)
	fmt.Fprintf(w, "Runs:        %d\n", stats.Runs)
}
