// Package subcommands holds the cobra commands behind the saaya CLI.
package subcommands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"saaya/internal/config"
	"saaya/internal/logging"
	"saaya/internal/runtime"
)

// Env is filled by the root command before any subcommand runs.
type Env struct {
	Config   config.Config
	Registry runtime.Registry
}

// Logger returns a named logger from the process root.
func (e *Env) Logger(name string) *zap.Logger { return logging.New(name) }

// newManager builds and initializes a manager for in-process commands.
func (e *Env) newManager() (*runtime.Manager, error) {
	mgr, err := runtime.NewManager(e.Config.Runtime, e.Registry, e.Logger("runtime"))
	if err != nil {
		return nil, err
	}
	if err := mgr.Init(); err != nil {
		return nil, err
	}
	return mgr, nil
}

// loadFlags are shared by commands that open a model locally.
type loadFlags struct {
	model   string
	ctx     int
	threads int
	batch   int
	gpu     int32
}

func (f *loadFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "Model file (defaults to runtime.model_path)")
	cmd.Flags().IntVar(&f.ctx, "ctx", 0, "Context size in tokens (0 uses config)")
	cmd.Flags().IntVar(&f.threads, "threads", 0, "Decode threads (0 uses config)")
	cmd.Flags().IntVar(&f.batch, "batch", 0, "Prompt batch size (0 uses the context size)")
	cmd.Flags().Int32Var(&f.gpu, "gpu-layers", 0, "Layers to offload to the GPU")
}

func (f *loadFlags) path(cfg config.Config) (string, error) {
	if f.model != "" {
		return f.model, nil
	}
	if cfg.Runtime.ModelPath != "" {
		return cfg.Runtime.ModelPath, nil
	}
	return "", errors.New("no model given: pass --model or set SAAYA_MODEL")
}

func (f *loadFlags) options() runtime.LoadOptions {
	return runtime.LoadOptions{
		ContextSize: f.ctx,
		Threads:     f.threads,
		BatchSize:   f.batch,
		GPULayers:   f.gpu,
	}
}

func parseHandle(s string) (int64, error) {
	h, err := strconv.ParseInt(s, 10, 64)
	if err != nil || h <= 0 {
		return 0, fmt.Errorf("invalid handle %q", s)
	}
	return h, nil
}
