// Package password provides cryptographically secure passphrase generation
// and a coarse strength estimator.
package password

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Character classes used to assemble the effective alphabet.
const (
	charsetLowercase = "abcdefghijklmnopqrstuvwxyz"
	charsetUppercase = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	charsetDigits    = "0123456789"
	charsetSpecial   = "!@#$%^&*()_+-=[]{}|;:,.<>?"

	// charsetAmbiguous holds characters that are easy to confuse on screen.
	charsetAmbiguous = "O0l1I"

	MinLength = 4
	MaxLength = 64
)

var (
	ErrLengthOutOfRange = errors.New("password: length must be between 4 and 64")
)

// Options configures passphrase generation. The zero value is not useful;
// start from DefaultOptions.
type Options struct {
	Length           int  `json:"length"`
	IncludeUpper     bool `json:"includeUppercase"`
	IncludeLower     bool `json:"includeLowercase"`
	IncludeDigits    bool `json:"includeNumbers"`
	IncludeSpecial   bool `json:"includeSymbols"`
	ExcludeAmbiguous bool `json:"excludeAmbiguous"`
}

// DefaultOptions returns the generation defaults: 20 characters drawn from
// all four classes with ambiguous characters excluded.
func DefaultOptions() Options {
	return Options{
		Length:           20,
		IncludeUpper:     true,
		IncludeLower:     true,
		IncludeDigits:    true,
		IncludeSpecial:   true,
		ExcludeAmbiguous: true,
	}
}

// Alphabet returns the effective character set for the options. When every
// class flag is false it falls back to lowercase plus digits.
func (o Options) Alphabet() string {
	var b strings.Builder
	if o.IncludeLower {
		b.WriteString(charsetLowercase)
	}
	if o.IncludeUpper {
		b.WriteString(charsetUppercase)
	}
	if o.IncludeDigits {
		b.WriteString(charsetDigits)
	}
	if o.IncludeSpecial {
		b.WriteString(charsetSpecial)
	}

	alphabet := b.String()
	if alphabet == "" {
		alphabet = charsetLowercase + charsetDigits
	}
	if o.ExcludeAmbiguous {
		alphabet = removeChars(alphabet, charsetAmbiguous)
	}
	return alphabet
}

// Generate produces a passphrase of exactly o.Length characters, each drawn
// uniformly at random from the effective alphabet.
func Generate(o Options) (string, error) {
	if o.Length < MinLength || o.Length > MaxLength {
		return "", fmt.Errorf("%w: got %d", ErrLengthOutOfRange, o.Length)
	}

	alphabet := o.Alphabet()
	alphabetLen := big.NewInt(int64(len(alphabet)))

	out := make([]byte, o.Length)
	for i := range out {
		idx, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("password: failed to draw random index: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

// removeChars returns s with every character present in chars removed.
func removeChars(s, chars string) string {
	exclude := make(map[rune]bool, len(chars))
	for _, c := range chars {
		exclude[c] = true
	}

	var b strings.Builder
	for _, c := range s {
		if !exclude[c] {
			b.WriteRune(c)
		}
	}
	return b.String()
}
