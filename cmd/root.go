// cmd/root.go

// Package cmd wires the wayfind command-line surface: one-shot task runs,
// site exploration, memory inspection, the interactive shell, and log
// following. Configuration is resolved once in the root command's
// PersistentPreRunE (defaults, then config file, then WAYFIND_* environment
// variables, then flags) and handed to subcommands as a plain struct.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/okibara/wayfind/internal/config"
	"github.com/okibara/wayfind/internal/observability"
)

// rootState is the configuration plumbing shared by every subcommand of one
// root command instance. Each NewRootCommand call gets a fresh one, so
// command instances built for tests never leak flags or config into each
// other.
type rootState struct {
	cfgFile string
	viper   *viper.Viper
	cfg     *config.Config
}

// reload rebuilds the effective config from the assembled viper instance.
// Subcommands call it after binding their own flags so flag values win over
// file and environment.
func (s *rootState) reload() error {
	cfg, err := config.FromViper(s.viper)
	if err != nil {
		return err
	}
	*s.cfg = *cfg
	return nil
}

// NewRootCommand builds the wayfind command tree. A fresh instance is
// created per invocation, which keeps interactive and test executions
// isolated from each other.
func NewRootCommand() *cobra.Command {
	state := &rootState{cfg: config.NewDefaultConfig()}

	rootCmd := &cobra.Command{
		Use:   "wayfind",
		Short: "Wayfind drives a real browser through natural-language tasks and remembers what worked.",
		Long: `Wayfind is a memory-augmented browsing agent. It observes pages through a
real Chrome instance, asks a vision model for one action at a time, and
records successful action sequences so the same task on the same site can
later replay without the model.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(state.cfgFile)
			if err != nil {
				return err
			}
			state.viper = v

			// Bind the persistent flags before the first unmarshal so
			// --log-level already shapes logger initialization.
			if err := v.BindPFlag("logging.level", cmd.Root().PersistentFlags().Lookup("log-level")); err != nil {
				return fmt.Errorf("binding log-level flag: %w", err)
			}

			if err := state.reload(); err != nil {
				// Stand up a minimal logger so the failure itself is visible
				// in the usual format.
				observability.InitializeLogger(config.LoggingConfig{Level: "info", Format: "console", ServiceName: "wayfind"})
				return err
			}

			observability.InitializeLogger(state.cfg.Logging)
			observability.L().Info("Starting wayfind", zap.String("version", Version))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&state.cfgFile, "config", "c", "", "config file (default is ./config.yaml, then ~/.wayfind/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newDoCmd(state),
		newExploreCmd(state),
		newMemoryCmd(state),
		newShellCmd(state),
		newLogsCmd(state),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree under the given context. The context should
// carry signal cancellation so Ctrl+C reaches in-flight browser work. Cobra
// itself prints the error to stderr; this additionally records it in the
// structured log before handing the exit decision back to main.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		observability.L().Error("Command failed", zap.Error(err))
		return err
	}
	return nil
}
