package subcommands

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"saaya/internal/inferbench"
)

// NewBenchCommand measures latency and throughput of a local model.
func NewBenchCommand(env *Env) *cobra.Command {
	var (
		lf      loadFlags
		cfg     = inferbench.DefaultConfig()
		prompts []string
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark generation speed of a local model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := lf.path(env.Config)
			if err != nil {
				return err
			}
			for i, p := range prompts {
				cfg.Prompts = append(cfg.Prompts, inferbench.Prompt{Name: "custom-" + strconv.Itoa(i+1), Text: p})
			}

			mgr, err := env.newManager()
			if err != nil {
				return err
			}
			log := env.Logger("bench")
			defer func() {
				if cerr := mgr.Close(); cerr != nil {
					log.Warn("shutdown failed", zap.Error(cerr))
				}
			}()
			h, err := mgr.Load(path, lf.options())
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			report, err := inferbench.NewRunner(mgr, h, cfg, log).Run(ctx)
			if report != nil && len(report.Summaries) > 0 {
				inferbench.Render(cmd.OutOrStdout(), report)
			}
			return err
		},
	}
	lf.register(cmd)
	cmd.Flags().IntVar(&cfg.Iterations, "iterations", cfg.Iterations, "Recorded runs per prompt")
	cmd.Flags().IntVar(&cfg.WarmupIterations, "warmup", cfg.WarmupIterations, "Unrecorded runs per prompt")
	cmd.Flags().IntVarP(&cfg.MaxTokens, "max-tokens", "n", cfg.MaxTokens, "Tokens to generate per run")
	cmd.Flags().StringVarP(&cfg.OutputPath, "output", "o", "", "Write the JSON report to this file")
	cmd.Flags().StringArrayVar(&prompts, "prompt", nil, "Benchmark this prompt instead of the built-in set (repeatable)")
	return cmd
}
