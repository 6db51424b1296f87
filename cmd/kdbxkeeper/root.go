// Package main provides the kdbxkeeper CLI application.
package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/Ilya37/kdbxkeeper/internal/config"
	"github.com/Ilya37/kdbxkeeper/internal/dispatcher"
	"github.com/Ilya37/kdbxkeeper/internal/logging"
	"github.com/Ilya37/kdbxkeeper/pkg/kdf"
)

var (
	flagConfig  string
	flagDataDir string
	flagDebug   bool

	cfg config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kdbxkeeper",
	Short: "kdbxkeeper is a local, offline KeePass-compatible password keeper",
	Long: `A durable KDBX 4 password keeper: dual-store persistence with version
history, an atomic-operation journal, scheduled snapshots, and a typed
message surface served over native messaging and MCP.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return err
		}
		if flagDataDir != "" {
			cfg.DataDir = flagDataDir
		}
		if log, err = logging.New(flagDebug); err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Override the keeper data directory")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Verbose logging")
}

// startKeeper builds and starts the keeper; the caller cancels the context
// to shut it down.
func startKeeper(ctx context.Context) (*dispatcher.Keeper, error) {
	k := dispatcher.New(cfg, kdf.Argon2(), log)
	if err := k.Start(ctx); err != nil {
		return nil, err
	}
	return k, nil
}

// readPassphrase prompts on the terminal without echo.
func readPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(raw), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
