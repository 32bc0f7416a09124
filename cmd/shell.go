// cmd/shell.go
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/okibara/wayfind/internal/action"
	"github.com/okibara/wayfind/internal/agent"
	"github.com/okibara/wayfind/internal/explorer"
	"github.com/okibara/wayfind/internal/observability"
)

const shellHelp = `Commands:
  goto <url>            navigate the session to a page
  do <task...>          run a natural-language task on the current page
  explore [url]         map the current site (or the given seed) into memory
  memory                show store statistics
  screenshot [file]     save the current viewport as PNG
  wait [seconds]        let the page settle (default 2s)
  resume                continue a run paused by the agent
  status                show agent state and current page
  help                  this text
  quit                  leave the shell
`

// newShellCmd builds the interactive session: one browser, one store, and a
// line-based loop over the commands above. The agent is only constructed
// when an API key is configured; everything except 'do' works without one.
func newShellCmd(state *rootState) *cobra.Command {
	var (
		startURL string
		headful  bool
	)

	shellCmd := &cobra.Command{
		Use:   "shell",
		Short: "Drive a browser session interactively.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := state.cfg
			if headful {
				cfg.Browser.Headless = false
			}
			log := observability.L()

			components, err := initializeTaskComponents(ctx, cfg, log)
			if components != nil {
				defer components.Shutdown()
			}
			if err != nil {
				return err
			}

			sh := &shell{
				cmd:        cmd,
				state:      state,
				components: components,
				log:        log,
				executor: action.NewExecutor(components.session, log, action.ExecutorOptions{
					ActionTimeout: cfg.Agent.ActionTimeout,
					MaxWait:       cfg.Agent.MaxWait,
				}),
			}
			// A missing key degrades the shell instead of failing it.
			sh.agent, sh.agentErr = newAgent(cfg, components.session, components.store, log)
			if sh.agentErr != nil {
				log.Warn("Task planning unavailable in this shell", zap.Error(sh.agentErr))
			}

			if startURL != "" {
				if err := sh.handleGoto(ctx, startURL); err != nil {
					return err
				}
			}
			return sh.loop(ctx)
		},
	}

	shellCmd.Flags().StringVarP(&startURL, "url", "u", "", "page to open before the first prompt")
	shellCmd.Flags().BoolVar(&headful, "headful", false, "show the browser window")
	return shellCmd
}

// shell is the live state of one interactive session.
type shell struct {
	cmd        *cobra.Command
	state      *rootState
	components *taskComponents
	executor   *action.Executor
	agent      *agent.Agent // nil when no API key is configured
	agentErr   error
	log        *zap.Logger

	running   atomic.Bool // a task run is in flight
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func (s *shell) out() io.Writer {
	return s.cmd.OutOrStdout()
}

// loop reads one command per line until quit, EOF, or cancellation. Input
// comes from the command's configured stdin so tests can script it.
func (s *shell) loop(ctx context.Context) error {
	fmt.Fprint(s.out(), "wayfind interactive shell. Type 'help' for commands.\n")
	scanner := bufio.NewScanner(s.cmd.InOrStdin())

	for {
		if ctx.Err() != nil {
			break
		}
		fmt.Fprint(s.out(), "wayfind> ")
		if !scanner.Scan() {
			break // EOF (Ctrl+D)
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if s.dispatch(ctx, line) {
			break
		}
	}

	if s.runCancel != nil {
		s.runCancel()
	}
	s.wg.Wait()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading shell input: %w", err)
	}
	fmt.Fprintln(s.out(), "Leaving wayfind shell.")
	return nil
}

// dispatch executes one line and reports whether the shell should exit.
// Command errors are printed, never fatal: a typo must not tear down the
// browser session.
func (s *shell) dispatch(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	verb, rest := strings.ToLower(fields[0]), fields[1:]

	var err error
	switch verb {
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprint(s.out(), shellHelp)
	case "goto":
		if len(rest) != 1 {
			err = fmt.Errorf("usage: goto <url>")
			break
		}
		err = s.whenIdle(func() error { return s.handleGoto(ctx, rest[0]) })
	case "do":
		if len(rest) == 0 {
			err = fmt.Errorf("usage: do <task...>")
			break
		}
		err = s.whenIdle(func() error { return s.handleDo(ctx, strings.Join(rest, " ")) })
	case "explore":
		if len(rest) > 1 {
			err = fmt.Errorf("usage: explore [url]")
			break
		}
		seed := ""
		if len(rest) == 1 {
			seed = rest[0]
		}
		err = s.whenIdle(func() error { return s.handleExplore(ctx, seed) })
	case "memory":
		err = s.handleMemory(ctx)
	case "screenshot":
		if len(rest) > 1 {
			err = fmt.Errorf("usage: screenshot [file]")
			break
		}
		file := ""
		if len(rest) == 1 {
			file = rest[0]
		}
		err = s.whenIdle(func() error { return s.handleScreenshot(ctx, file) })
	case "wait":
		if len(rest) > 1 {
			err = fmt.Errorf("usage: wait [seconds]")
			break
		}
		err = s.whenIdle(func() error { return s.handleWait(ctx, rest) })
	case "resume":
		s.handleResume()
	case "status":
		s.handleStatus(ctx)
	default:
		err = fmt.Errorf("unknown command %q; type 'help'", verb)
	}

	if err != nil {
		fmt.Fprintf(s.out(), "error: %v\n", err)
	}
	return false
}

// whenIdle rejects browser-touching commands while a task run owns the
// session.
func (s *shell) whenIdle(fn func() error) error {
	if s.running.Load() {
		return fmt.Errorf("a task is running; 'status' shows it, 'resume' continues a paused one")
	}
	return fn()
}

// handleGoto navigates through the action grammar so scheme defaulting and
// URL validation behave exactly like a planned GOTO.
func (s *shell) handleGoto(ctx context.Context, rawURL string) error {
	act, err := action.Parse(fmt.Sprintf("GOTO %q", rawURL))
	if err != nil {
		return err
	}
	if _, err := s.executor.Execute(ctx, act, nil); err != nil {
		return err
	}
	return s.printLocation(ctx)
}

// handleDo starts a task run in the background so the prompt stays live:
// a PAUSE action hands control back here, and 'resume' continues the run.
func (s *shell) handleDo(ctx context.Context, task string) error {
	if s.agent == nil {
		return fmt.Errorf("task planning is unavailable: %w", s.agentErr)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		defer cancel()
		result, err := s.agent.RunTask(runCtx, task, "")
		// The prompt is already printed; start on a fresh line.
		fmt.Fprintln(s.out())
		if result != nil {
			printRunResult(s.cmd, result)
		}
		if err != nil {
			fmt.Fprintf(s.out(), "error: %v\n", err)
		}
		fmt.Fprint(s.out(), "wayfind> ")
	}()
	return nil
}

func (s *shell) handleExplore(ctx context.Context, seed string) error {
	if seed == "" {
		current, err := s.components.session.CurrentURL(ctx)
		if err != nil {
			return fmt.Errorf("no seed given and no current page: %w", err)
		}
		seed = current
	}

	exp, err := explorer.New(explorer.Deps{
		Browser: s.components.session,
		Tagger:  s.components.session,
		Store:   s.components.store,
		Fetcher: explorer.HTTPFetcher{Client: &http.Client{Timeout: 20 * time.Second}},
		Logger:  s.log,
	})
	if err != nil {
		return err
	}

	cfg := s.state.cfg
	report, err := exp.Explore(ctx, seed, explorer.Options{
		MaxPages:          cfg.Explorer.MaxPages,
		MaxDepth:          cfg.Explorer.MaxDepth,
		IncludeSubdomains: cfg.Explorer.IncludeSubdomains,
		PageTimeout:       cfg.Explorer.PageTimeout,
	})
	if err != nil {
		return err
	}
	return printReports(s.cmd, []string{seed}, map[string]*explorer.Report{seed: report}, false)
}

func (s *shell) handleMemory(ctx context.Context) error {
	stats, err := s.components.store.Stats(ctx)
	if err != nil {
		return err
	}
	writeStats(s.out(), s.state.cfg.Memory.Backend, stats)
	return nil
}

func (s *shell) handleScreenshot(ctx context.Context, file string) error {
	if file == "" {
		file = fmt.Sprintf("wayfind-%s.png", time.Now().Format("20060102-150405"))
	}
	png, err := s.components.session.Screenshot(ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(file, png, 0o644); err != nil {
		return fmt.Errorf("writing screenshot: %w", err)
	}
	fmt.Fprintf(s.out(), "saved %s (%d bytes)\n", file, len(png))
	return nil
}

// handleWait routes through the grammar so the configured wait cap applies
// here exactly as it does to planned WAIT actions.
func (s *shell) handleWait(ctx context.Context, args []string) error {
	text := "WAIT"
	if len(args) == 1 {
		text = "WAIT " + args[0]
	}
	act, err := action.Parse(text)
	if err != nil {
		return err
	}
	_, err = s.executor.Execute(ctx, act, nil)
	return err
}

func (s *shell) handleResume() {
	if s.agent == nil || !s.running.Load() {
		fmt.Fprintln(s.out(), "nothing to resume")
		return
	}
	s.agent.Resume()
}

func (s *shell) handleStatus(ctx context.Context) {
	if s.agent != nil {
		fmt.Fprintf(s.out(), "agent: %s\n", s.agent.State())
	} else {
		fmt.Fprintln(s.out(), "agent: unavailable (no API key)")
	}
	if err := s.printLocation(ctx); err != nil {
		fmt.Fprintln(s.out(), "page:  none")
	}
	if status, _ := s.components.session.LastHTTPStatus(); status >= 400 {
		fmt.Fprintf(s.out(), "http:  %d\n", status)
	}
}

func (s *shell) printLocation(ctx context.Context) error {
	url, err := s.components.session.CurrentURL(ctx)
	if err != nil {
		return err
	}
	title, err := s.components.session.Title(ctx)
	if err != nil {
		title = ""
	}
	if title != "" {
		fmt.Fprintf(s.out(), "page:  %s (%s)\n", url, title)
	} else {
		fmt.Fprintf(s.out(), "page:  %s\n", url)
	}
	return nil
}
