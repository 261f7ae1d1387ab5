package subcommands

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"saaya/internal/runtime"
)

type runFlags struct {
	load        loadFlags
	maxTokens   int
	temperature float64
	topK        int
	topP        float64
	seed        uint32
	stop        []string
	noStream    bool
	stats       bool
	noSpecial   bool
	parseSpec   bool
}

// NewRunCommand loads a model in-process and completes one prompt.
func NewRunCommand(env *Env) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [PROMPT]",
		Short: "Complete a prompt with a local model",
		Long: `Complete a prompt with a local model. Fragments are streamed to stdout
as they are produced. Without a PROMPT argument the prompt is read from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrompt(cmd, env, &f, args)
		},
	}
	f.load.register(cmd)
	cmd.Flags().IntVarP(&f.maxTokens, "max-tokens", "n", -1, "Tokens to generate (-1 uses the session default)")
	cmd.Flags().Float64Var(&f.temperature, "temperature", 0, "Sampling temperature (0 is greedy)")
	cmd.Flags().IntVar(&f.topK, "top-k", 0, "Top-k cutoff (0 disables)")
	cmd.Flags().Float64Var(&f.topP, "top-p", 1, "Nucleus cutoff in (0, 1]")
	cmd.Flags().Uint32Var(&f.seed, "seed", 0, "Sampler seed")
	cmd.Flags().StringSliceVar(&f.stop, "stop", nil, "Stop sequence (repeatable)")
	cmd.Flags().BoolVar(&f.noStream, "no-stream", false, "Print the completion once it is finished")
	cmd.Flags().BoolVar(&f.stats, "stats", false, "Print token counts and timing to stderr")
	cmd.Flags().BoolVar(&f.noSpecial, "no-special", false, "Do not add BOS or other model-added tokens to the prompt")
	cmd.Flags().BoolVar(&f.parseSpec, "parse-special", false, "Treat special-token text in the prompt as control tokens")
	return cmd
}

func (f *runFlags) options(cmd *cobra.Command) runtime.GenerationOptions {
	var o runtime.GenerationOptions
	flags := cmd.Flags()
	if flags.Changed("max-tokens") {
		o.MaxTokens = &f.maxTokens
	}
	if flags.Changed("temperature") {
		o.Temperature = &f.temperature
	}
	if flags.Changed("top-k") {
		o.TopK = &f.topK
	}
	if flags.Changed("top-p") {
		o.TopP = &f.topP
	}
	if flags.Changed("seed") {
		o.Seed = &f.seed
	}
	if flags.Changed("stop") {
		o.Stop = f.stop
	}
	if f.noSpecial {
		add := false
		o.AddSpecial = &add
	}
	o.ParseSpecial = f.parseSpec
	return o
}

func readPrompt(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	in := cmd.InOrStdin()
	if file, ok := in.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		return "", fmt.Errorf("no prompt given")
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimRight(string(data), "\r\n")
	if prompt == "" {
		return "", fmt.Errorf("no prompt given")
	}
	return prompt, nil
}

func runPrompt(cmd *cobra.Command, env *Env, f *runFlags, args []string) error {
	prompt, err := readPrompt(cmd, args)
	if err != nil {
		return err
	}
	path, err := f.load.path(env.Config)
	if err != nil {
		return err
	}

	mgr, err := env.newManager()
	if err != nil {
		return err
	}
	log := env.Logger("run")
	defer func() {
		if cerr := mgr.Close(); cerr != nil {
			log.Warn("shutdown failed", zap.Error(cerr))
		}
	}()

	h, err := mgr.Load(path, f.load.options())
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	out := cmd.OutOrStdout()
	req := runtime.Request{Prompt: prompt, Options: f.options(cmd)}
	if f.noStream {
		resp, err := mgr.Generate(ctx, h, req)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, resp.Text)
		f.report(cmd, resp.Stats, resp.Finish, resp.Warning)
		return nil
	}

	return mgr.Stream(ctx, h, req, func(evt runtime.StreamEvent) error {
		switch {
		case evt.Err != nil:
			fmt.Fprintln(out)
		case evt.Final:
			fmt.Fprintln(out)
			if evt.Stats != nil {
				f.report(cmd, *evt.Stats, evt.Finish, evt.Warning)
			}
		default:
			if _, err := io.WriteString(out, evt.Token); err != nil {
				return err
			}
		}
		return nil
	})
}

func (f *runFlags) report(cmd *cobra.Command, st runtime.Stats, finish, warning string) {
	if warning != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", warning)
	}
	if !f.stats {
		return
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "prompt tokens:    %d\n", st.TokensEvaluated)
	fmt.Fprintf(cmd.ErrOrStderr(), "generated tokens: %d\n", st.TokensGenerated)
	fmt.Fprintf(cmd.ErrOrStderr(), "finish:           %s\n", finish)
	fmt.Fprintf(cmd.ErrOrStderr(), "duration:         %s\n", st.Duration)
	if st.TTFT > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "time to first:    %s\n", st.TTFT)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "tokens/s:         %.2f\n", st.GenerationTPS)
}
