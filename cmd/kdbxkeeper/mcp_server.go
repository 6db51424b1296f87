package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Ilya37/kdbxkeeper/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Run the read-only MCP server over stdio",
	Long: `Expose the keeper to MCP clients. Only masked, non-secret data
crosses this surface; unlock the vault through the keeper itself.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		k, err := startKeeper(ctx)
		if err != nil {
			return err
		}

		server := mcp.NewServer(k)
		log.Info("mcp server ready")
		return server.Run(ctx)
	},
}
