package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pocketbrain/pocketbrain/internal/mcptools"
)

func mcpCmd() *cobra.Command {
	var folder string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the agent tool surface over MCP stdio",
		Long: "Runs the MCP tool server an agent session connects to. The --folder\n" +
			"flag (or POCKETBRAIN_CHAT_FOLDER) names the calling chat; every tool\n" +
			"action is written as an IPC envelope under that folder and authorized\n" +
			"host-side by the watcher.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if folder == "" {
				folder = os.Getenv("POCKETBRAIN_CHAT_FOLDER")
			}
			if folder == "" {
				return fmt.Errorf("chat folder required: --folder or POCKETBRAIN_CHAT_FOLDER")
			}
			srv, err := mcptools.New(cfg.IpcRoot(), folder, Version)
			if err != nil {
				return err
			}
			return srv.ServeStdio()
		},
	}
	cmd.Flags().StringVar(&folder, "folder", "", "chat folder identity of the calling agent")
	return cmd
}
