package subcommands

import (
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"saaya/internal/runtime"
)

// NewInfoCommand loads a model and prints what the session reports about it.
func NewInfoCommand(env *Env) *cobra.Command {
	var f loadFlags
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show model and session details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := f.path(env.Config)
			if err != nil {
				return err
			}
			mgr, err := env.newManager()
			if err != nil {
				return err
			}
			defer func() {
				if cerr := mgr.Close(); cerr != nil {
					env.Logger("info").Warn("shutdown failed", zap.Error(cerr))
				}
			}()

			h, err := mgr.Load(path, f.options())
			if err != nil {
				return err
			}
			info, err := mgr.Info(h)
			if err != nil {
				return err
			}
			renderInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func renderInfo(w io.Writer, info runtime.SessionInfo) {
	preset := info.Preset
	if preset == "" {
		preset = "-"
	}
	system := info.SystemInfo
	if system == "" {
		system = "-"
	}
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk([][]string{
		{"engine", info.Engine},
		{"model", info.Description},
		{"path", info.Path},
		{"context", strconv.Itoa(info.ContextSize)},
		{"threads", strconv.Itoa(info.Threads)},
		{"vocab", strconv.Itoa(info.VocabSize)},
		{"preset", preset},
		{"state", info.State.String()},
		{"system", system},
	})
	table.Render()
}
