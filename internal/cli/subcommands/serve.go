package subcommands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"saaya/server"
)

// NewServeCommand starts the HTTP server over an in-process manager.
func NewServeCommand(env *Env) *cobra.Command {
	var (
		host    string
		port    int
		preload loadFlags
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if host == "" {
				host = env.Config.Server.Host
			}
			if port <= 0 {
				port = env.Config.Server.Port
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, env, host, port, &preload)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Listen address (overrides server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides server.port)")
	preload.register(cmd)
	return cmd
}

func serve(ctx context.Context, env *Env, host string, port int, preload *loadFlags) error {
	log := env.Logger("serve")
	gin.SetMode(gin.ReleaseMode)

	mgr, err := env.newManager()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := mgr.Close(); cerr != nil {
			log.Warn("shutdown failed", zap.Error(cerr))
		}
	}()

	// A configured or flagged model is loaded up front as handle 1.
	if path, err := preload.path(env.Config); err == nil {
		h, err := mgr.Load(path, preload.options())
		if err != nil {
			return fmt.Errorf("preload %s: %w", path, err)
		}
		log.Info("model preloaded", zap.Int64("handle", int64(h)), zap.String("path", path))
	}

	srv := server.NewHTTPServer(host, strconv.Itoa(port), mgr, env.Logger("http"))
	if err := srv.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	log.Info("shutting down")
	return srv.Stop()
}
