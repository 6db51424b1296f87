package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ilya37/kdbxkeeper/internal/dispatcher"
	"github.com/Ilya37/kdbxkeeper/pkg/backup"
)

var (
	backupLimit      int
	restoreTimestamp int64
)

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupHistoryCmd)
	backupCmd.AddCommand(backupRestoreCmd)

	backupHistoryCmd.Flags().IntVarP(&backupLimit, "limit", "l", 10, "Number of snapshots to list")
	backupRestoreCmd.Flags().Int64VarP(&restoreTimestamp, "timestamp", "t", 0, "Snapshot timestamp (required)")
	backupRestoreCmd.MarkFlagRequired("timestamp")
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot history and restore",
}

var backupHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List retained snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := readPassphrase("Master passphrase: ")
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		k, err := startKeeper(ctx)
		if err != nil {
			return err
		}
		if resp := k.Dispatch(ctx, mustRequest(dispatcher.ReqUnlock, map[string]string{"password": passphrase})); !resp.Success {
			return fmt.Errorf("%s", resp.Error)
		}

		resp := k.Dispatch(ctx, mustRequest(dispatcher.ReqGetBackupHistory, map[string]int{"limit": backupLimit}))
		if !resp.Success {
			return fmt.Errorf("%s", resp.Error)
		}

		raw, err := json.Marshal(resp.Data)
		if err != nil {
			return fmt.Errorf("failed to render history: %w", err)
		}
		var data struct {
			Backups []backup.HistoryItem `json:"backups"`
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("failed to render history: %w", err)
		}

		if len(data.Backups) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}
		for _, b := range data.Backups {
			fmt.Printf("%d  %s  v%d  %-14s  %d bytes\n",
				b.Timestamp,
				time.UnixMilli(b.Timestamp).Format(time.RFC3339),
				b.Version, b.Reason, b.Size)
		}
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the database from a snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := readPassphrase("Master passphrase: ")
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		k, err := startKeeper(ctx)
		if err != nil {
			return err
		}

		resp := k.Dispatch(ctx, mustRequest(dispatcher.ReqRestoreFromBackup, map[string]any{
			"timestamp": restoreTimestamp,
			"password":  passphrase,
		}))
		if !resp.Success {
			return fmt.Errorf("%s", resp.Error)
		}
		fmt.Println("Snapshot restored.")
		return printJSON(resp.Data)
	},
}
