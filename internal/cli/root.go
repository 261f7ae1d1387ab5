package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"saaya/internal/cli/subcommands"
	"saaya/internal/config"
	"saaya/internal/logging"
	"saaya/internal/runtime"
)

// Execute is the entry point for the saaya CLI.
func Execute() int {
	cmd := NewCLI(runtime.DefaultRegistry)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// NewCLI builds the command tree. Engines are looked up in registry.
func NewCLI(registry runtime.Registry) *cobra.Command {
	env := &subcommands.Env{Registry: registry}
	var (
		engineName string
		logLevel   string
		verbose    bool
	)

	root := &cobra.Command{
		Use:           "saaya",
		Short:         "Local text generation over llama.cpp-style engines",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Resolve()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if engineName != "" {
				cfg.Runtime.Engine = strings.ToLower(engineName)
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return err
			}
			if verbose {
				logging.SetLevel(zapcore.DebugLevel)
			}
			env.Config = cfg
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logging.Close()
		},
	}
	root.PersistentFlags().StringVar(&engineName, "engine", "", "Engine to use (overrides runtime.engine)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level (overrides --log-level)")

	root.AddCommand(
		subcommands.NewRunCommand(env),
		subcommands.NewInfoCommand(env),
		subcommands.NewServeCommand(env),
		subcommands.NewSessionsCommand(env),
		subcommands.NewBenchCommand(env),
	)
	return root
}
