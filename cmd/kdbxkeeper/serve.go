package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ilya37/kdbxkeeper/internal/dispatcher"
	"github.com/Ilya37/kdbxkeeper/internal/natmsg"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the keeper as a native-messaging host",
	Long: `Serve the keeper's message surface over stdio using Chrome
native-messaging framing: a little-endian uint32 length followed by a JSON
envelope {type, payload}; responses are {success, data} or
{success: false, error}.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		k, err := startKeeper(ctx)
		if err != nil {
			return err
		}
		log.Info("native messaging host ready")

		return natmsg.Serve(ctx, os.Stdin, os.Stdout, func(ctx context.Context, raw json.RawMessage) any {
			var req dispatcher.Request
			if err := json.Unmarshal(raw, &req); err != nil {
				log.Warn("unparseable frame", zap.Error(err))
				return dispatcher.Response{Success: false, Error: "malformed request envelope"}
			}
			return k.Dispatch(ctx, req)
		})
	},
}
