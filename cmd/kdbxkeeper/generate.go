package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ilya37/kdbxkeeper/pkg/password"
)

var (
	generateLength      int
	generateCount       int
	generateNoSymbols   bool
	generateNoNumbers   bool
	generateNoUppercase bool
	generateNoLowercase bool
	generateAmbiguous   bool
)

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().IntVarP(&generateLength, "length", "l", 20, "Password length (4-64)")
	generateCmd.Flags().IntVarP(&generateCount, "count", "n", 1, "Number of passwords to generate")
	generateCmd.Flags().BoolVar(&generateNoSymbols, "no-symbols", false, "Exclude symbols")
	generateCmd.Flags().BoolVar(&generateNoNumbers, "no-numbers", false, "Exclude digits")
	generateCmd.Flags().BoolVar(&generateNoUppercase, "no-uppercase", false, "Exclude uppercase letters")
	generateCmd.Flags().BoolVar(&generateNoLowercase, "no-lowercase", false, "Exclude lowercase letters")
	generateCmd.Flags().BoolVar(&generateAmbiguous, "ambiguous", false, "Allow ambiguous characters (O 0 l 1 I)")
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate secure random passphrases",
	Long: `Generate cryptographically secure passphrases.

Examples:
  # A 20-character passphrase (default)
  kdbxkeeper generate

  # A 32-character passphrase without symbols
  kdbxkeeper generate -l 32 --no-symbols

  # Five passphrases
  kdbxkeeper generate -n 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if generateCount < 1 || generateCount > 100 {
			return fmt.Errorf("count must be between 1 and 100")
		}

		opts := password.Options{
			Length:           generateLength,
			IncludeUpper:     !generateNoUppercase,
			IncludeLower:     !generateNoLowercase,
			IncludeDigits:    !generateNoNumbers,
			IncludeSpecial:   !generateNoSymbols,
			ExcludeAmbiguous: !generateAmbiguous,
		}

		for i := 0; i < generateCount; i++ {
			generated, err := password.Generate(opts)
			if err != nil {
				return err
			}
			fmt.Printf("%s  (%s)\n", generated, password.Estimate(generated))
		}
		return nil
	},
}
