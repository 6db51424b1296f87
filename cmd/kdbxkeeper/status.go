package main

import (
	"github.com/spf13/cobra"

	"github.com/Ilya37/kdbxkeeper/internal/dispatcher"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session state, storage health, and recovery status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		k, err := startKeeper(ctx)
		if err != nil {
			return err
		}

		out := map[string]any{}
		for name, reqType := range map[string]string{
			"state":    dispatcher.ReqGetState,
			"health":   dispatcher.ReqGetStorageHealth,
			"recovery": dispatcher.ReqGetRecoveryStatus,
		} {
			resp := k.Dispatch(ctx, mustRequest(reqType, nil))
			if resp.Success {
				out[name] = resp.Data
			} else {
				out[name] = map[string]string{"error": resp.Error}
			}
		}
		return printJSON(out)
	},
}
