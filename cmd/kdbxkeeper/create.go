package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ilya37/kdbxkeeper/internal/dispatcher"
)

var createName string

func init() {
	rootCmd.AddCommand(createCmd)
	createCmd.Flags().StringVarP(&createName, "name", "n", "", "Database display name (required)")
	createCmd.MarkFlagRequired("name")
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new password database",
	Long: `Create a fresh KDBX database protected by a master passphrase.

The recovery code printed at the end is shown exactly once; store it
somewhere safe.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := readPassphrase("Master passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if passphrase != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		data, err := dispatchOnce(dispatcher.ReqCreateDatabase, map[string]string{
			"name":     createName,
			"password": passphrase,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Database %q created.\n", createName)
		if code, ok := data["recoveryCode"].(string); ok {
			fmt.Printf("Recovery code (shown once): %s\n", code)
		}
		return nil
	},
}
