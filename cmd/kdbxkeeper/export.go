package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ilya37/kdbxkeeper/internal/dispatcher"
)

var exportDir string

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&exportDir, "dir", "d", ".", "Directory to write the export into")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the database as a .kdbx file",
	Long: `Write the encrypted database to "<name>-<date>.kdbx". The bytes are
the codec's save output, readable by any KeePass 2.x implementation.`,
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
		resp := k.Dispatch(ctx, mustRequest(dispatcher.ReqDownloadExport, map[string]string{"directory": exportDir}))
		if !resp.Success {
			return fmt.Errorf("%s", resp.Error)
		}
		data := resp.Data.(map[string]any)
		fmt.Printf("Exported to %s (%v bytes)\n", data["path"], data["size"])
		return nil
	},
}
