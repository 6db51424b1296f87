package password

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerateLength(t *testing.T) {
	for _, length := range []int{4, 12, 20, 64} {
		opts := DefaultOptions()
		opts.Length = length
		got, err := Generate(opts)
		if err != nil {
			t.Fatalf("Generate(length=%d) failed: %v", length, err)
		}
		if len(got) != length {
			t.Errorf("expected length %d, got %d", length, len(got))
		}
	}
}

func TestGenerateLengthOutOfRange(t *testing.T) {
	for _, length := range []int{0, 3, 65, -1} {
		opts := DefaultOptions()
		opts.Length = length
		if _, err := Generate(opts); !errors.Is(err, ErrLengthOutOfRange) {
			t.Errorf("length %d: expected ErrLengthOutOfRange, got %v", length, err)
		}
	}
}

func TestGenerateAlphabetDomain(t *testing.T) {
	opts := Options{
		Length:           64,
		IncludeLower:     true,
		IncludeDigits:    true,
		ExcludeAmbiguous: true,
	}
	alphabet := opts.Alphabet()

	got, err := Generate(opts)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	for _, c := range got {
		if !strings.ContainsRune(alphabet, c) {
			t.Errorf("character %q is outside the configured alphabet", c)
		}
	}
	for _, c := range charsetAmbiguous {
		if strings.ContainsRune(got, c) {
			t.Errorf("ambiguous character %q was not excluded", c)
		}
	}
}

func TestGenerateFallbackAlphabet(t *testing.T) {
	// All class flags false falls back to lowercase+digits.
	opts := Options{Length: 32}
	alphabet := opts.Alphabet()
	if alphabet != charsetLowercase+charsetDigits {
		t.Fatalf("unexpected fallback alphabet: %s", alphabet)
	}

	got, err := Generate(opts)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	for _, c := range got {
		if !strings.ContainsRune(alphabet, c) {
			t.Errorf("character %q is outside the fallback alphabet", c)
		}
	}
}

func TestGenerateUniformity(t *testing.T) {
	// Statistical smoke test: over many draws every alphabet character
	// should appear, and no character should dominate.
	opts := Options{Length: 64, IncludeLower: true}
	alphabet := opts.Alphabet()

	counts := make(map[byte]int)
	const rounds = 200
	for i := 0; i < rounds; i++ {
		p, err := Generate(opts)
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		for j := 0; j < len(p); j++ {
			counts[p[j]]++
		}
	}

	total := rounds * opts.Length
	expected := float64(total) / float64(len(alphabet))
	for i := 0; i < len(alphabet); i++ {
		c := alphabet[i]
		n := counts[c]
		if n == 0 {
			t.Errorf("character %q never appeared in %d draws", c, total)
		}
		if float64(n) > expected*2 {
			t.Errorf("character %q appeared %d times, expected about %.0f", c, n, expected)
		}
	}
}

func TestEstimate(t *testing.T) {
	tests := []struct {
		passphrase string
		want       Strength
	}{
		{"", StrengthVeryWeak},
		{"abc", StrengthVeryWeak},
		{"abcdefgh", StrengthWeak},              // length >= 8 only
		{"abcdefghijkl", StrengthFair},          // length >= 12
		{"Abcdefgh1", StrengthFair},             // >= 8 + 3 classes
		{"Abcdefghijk1", StrengthGood},          // >= 12 + 3 classes
		{"Abcdefghijk1!", StrengthStrong},       // >= 12 + 4 classes
		{"Abcdefghijklmnopqr1!", StrengthStrong}, // all points, clamped
	}
	for _, tt := range tests {
		if got := Estimate(tt.passphrase); got != tt.want {
			t.Errorf("Estimate(%q) = %v, want %v", tt.passphrase, got, tt.want)
		}
	}
}

func TestStrengthString(t *testing.T) {
	if StrengthStrong.String() != "strong" {
		t.Errorf("unexpected label: %s", StrengthStrong)
	}
	if Strength(9).String() != "unknown" {
		t.Errorf("out-of-range strength should be unknown")
	}
}
