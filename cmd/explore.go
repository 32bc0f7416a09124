// cmd/explore.go
package cmd

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/okibara/wayfind/internal/browser"
	"github.com/okibara/wayfind/internal/explorer"
	"github.com/okibara/wayfind/internal/observability"
)

// newExploreCmd builds the site-mapping command. Each seed URL gets its own
// browser session and explorer; sessions run in parallel up to the
// configured concurrency, all cut from one shared Chrome process.
func newExploreCmd(state *rootState) *cobra.Command {
	var (
		headful bool
		asJSON  bool
	)

	exploreCmd := &cobra.Command{
		Use:   "explore [url...]",
		Short: "Walk one or more sites breadth-first and stock the memory store.",
		Long: `Explore visits pages breadth-first from each seed URL, records page
structures and interactive elements into memory, and reports what it found.
No language model is involved; exploration is pure observation.`,
		Args: cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			for key, name := range map[string]string{
				"explorer.max_pages":          "max-pages",
				"explorer.max_depth":          "depth",
				"explorer.include_subdomains": "subdomains",
				"explorer.concurrency":        "concurrency",
			} {
				if err := state.viper.BindPFlag(key, flags.Lookup(name)); err != nil {
					return err
				}
			}
			return state.reload()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := state.cfg
			if headful {
				cfg.Browser.Headless = false
			}
			log := observability.L()

			store, pool, err := newStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			if pool != nil {
				defer pool.Close()
			}

			manager := browser.NewManager(browserOptions(cfg), log)
			defer func() {
				sctx, cancel := contextWithShutdownTimeout()
				defer cancel()
				if err := manager.Shutdown(sctx); err != nil {
					log.Warn("Browser shutdown failed", zap.Error(err))
				}
			}()

			opts := explorer.Options{
				MaxPages:          cfg.Explorer.MaxPages,
				MaxDepth:          cfg.Explorer.MaxDepth,
				IncludeSubdomains: cfg.Explorer.IncludeSubdomains,
				PageTimeout:       cfg.Explorer.PageTimeout,
			}
			fetcher := explorer.HTTPFetcher{Client: &http.Client{Timeout: 20 * time.Second}}

			var (
				mu      sync.Mutex
				reports = make(map[string]*explorer.Report, len(args))
			)

			group, gctx := errgroup.WithContext(ctx)
			group.SetLimit(cfg.Explorer.Concurrency)
			for _, seed := range args {
				group.Go(func() error {
					session, err := manager.NewSession(gctx)
					if err != nil {
						return fmt.Errorf("session for %s: %w", seed, err)
					}
					defer func() {
						sctx, cancel := contextWithShutdownTimeout()
						defer cancel()
						if err := session.Close(sctx); err != nil {
							log.Warn("Session close failed", zap.String("seed", seed), zap.Error(err))
						}
					}()

					exp, err := explorer.New(explorer.Deps{
						Browser: session,
						Tagger:  session,
						Store:   store,
						Fetcher: fetcher,
						Logger:  log,
					})
					if err != nil {
						return err
					}

					report, err := exp.Explore(gctx, seed, opts)
					if err != nil {
						return fmt.Errorf("exploring %s: %w", seed, err)
					}
					mu.Lock()
					reports[seed] = report
					mu.Unlock()
					return nil
				})
			}
			runErr := group.Wait()

			// Print whatever completed even when one seed failed; partial
			// maps are still useful and already persisted.
			if err := printReports(cmd, args, reports, asJSON); err != nil {
				return err
			}
			return runErr
		},
	}

	exploreCmd.Flags().Int("max-pages", 0, "distinct pages to visit per site")
	exploreCmd.Flags().IntP("depth", "d", 2, "link distance from the seed (0 = seed page only)")
	exploreCmd.Flags().Bool("subdomains", false, "treat sibling subdomains as in scope")
	exploreCmd.Flags().IntP("concurrency", "j", 0, "parallel browser sessions across seeds")
	exploreCmd.Flags().BoolVar(&headful, "headful", false, "show the browser window while exploring")
	exploreCmd.Flags().BoolVar(&asJSON, "json", false, "emit reports as JSON")

	return exploreCmd
}

// printReports renders per-seed results in seed order.
func printReports(cmd *cobra.Command, seeds []string, reports map[string]*explorer.Report, asJSON bool) error {
	if asJSON {
		ordered := make([]*explorer.Report, 0, len(reports))
		for _, seed := range seeds {
			if r, ok := reports[seed]; ok {
				ordered = append(ordered, r)
			}
		}
		out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(ordered, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding reports: %w", err)
		}
		cmd.Println(string(out))
		return nil
	}

	for _, seed := range seeds {
		report, ok := reports[seed]
		if !ok {
			cmd.Printf("-- %s: no report (exploration failed)\n", seed)
			continue
		}
		cmd.Printf("-- %s\n", report.StartURL)
		cmd.Printf("   pages visited: %d (%d new), elements seen: %d, errors: %d\n",
			report.PagesVisited, report.NewPages, report.ElementsSeen, report.Errors)
		cmd.Printf("   skipped: %d off-scope, %d already visited, %d past depth\n",
			report.SkippedOffScope, report.SkippedVisited, report.SkippedDepth)
		if len(report.Affordances) > 0 {
			kinds := make([]string, 0, len(report.Affordances))
			for kind := range report.Affordances {
				kinds = append(kinds, string(kind))
			}
			sort.Strings(kinds)
			cmd.Printf("   affordances:")
			for _, kind := range kinds {
				cmd.Printf(" %s=%d", kind, report.Affordances[explorer.Affordance(kind)])
			}
			cmd.Printf("\n")
		}
		cmd.Printf("   took %s (run %s)\n", report.Duration.Round(time.Millisecond), report.RunID)
	}
	return nil
}
