package subcommands

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"saaya/client"
	"saaya/server"
)

// NewSessionsCommand manages sessions on a running server.
func NewSessionsCommand(env *Env) *cobra.Command {
	var addr string
	newClient := func() (*client.Client, error) {
		if addr == "" {
			addr = "http://" + env.Config.Addr()
		}
		return client.New(addr, nil)
	}

	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ps"},
		Short:   "List sessions on a running server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			sessions, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			renderSessions(cmd.OutOrStdout(), sessions)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "Server URL (defaults to server.host:server.port)")

	var lf loadFlags
	load := &cobra.Command{
		Use:   "load PATH",
		Short: "Load a model into a new session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			h, err := c.Load(cmd.Context(), server.LoadRequest{
				Path:        args[0],
				ContextSize: lf.ctx,
				Threads:     lf.threads,
				BatchSize:   lf.batch,
				GPULayers:   lf.gpu,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
	load.Flags().IntVar(&lf.ctx, "ctx", 0, "Context size in tokens (0 uses the server config)")
	load.Flags().IntVar(&lf.threads, "threads", 0, "Decode threads (0 uses the server config)")
	load.Flags().IntVar(&lf.batch, "batch", 0, "Prompt batch size")
	load.Flags().Int32Var(&lf.gpu, "gpu-layers", 0, "Layers to offload to the GPU")

	unload := &cobra.Command{
		Use:   "unload HANDLE",
		Short: "Release a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := parseHandle(args[0])
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			return c.Unload(cmd.Context(), h)
		},
	}

	cmd.AddCommand(load, unload)
	return cmd
}

func renderSessions(w io.Writer, sessions []server.SessionResponse) {
	var data [][]string
	for _, s := range sessions {
		data = append(data, []string{
			strconv.FormatInt(s.Handle, 10),
			s.Description,
			s.State,
			strconv.Itoa(s.ContextSize),
			s.Preset,
		})
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"HANDLE", "MODEL", "STATE", "CONTEXT", "PRESET"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
