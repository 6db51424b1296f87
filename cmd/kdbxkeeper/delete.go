package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ilya37/kdbxkeeper/internal/dispatcher"
)

var deleteYes bool

func init() {
	rootCmd.AddCommand(deleteCmd)
	deleteCmd.Flags().BoolVar(&deleteYes, "yes", false, "Skip the confirmation prompt")
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the database and all stored versions, snapshots, and journal records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !deleteYes {
			fmt.Fprint(os.Stderr, "This permanently deletes the database and every snapshot. Type 'delete' to confirm: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read confirmation: %w", err)
			}
			if strings.TrimSpace(line) != "delete" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		if _, err := dispatchOnce(dispatcher.ReqDeleteDatabase, nil); err != nil {
			return err
		}
		fmt.Println("Database deleted.")
		return nil
	},
}
