package checksum

import (
	"regexp"
	"testing"
)

func TestSHA256Hex(t *testing.T) {
	// Known vector for the empty input.
	got := SHA256Hex(nil)
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got != want {
		t.Errorf("SHA256Hex(nil) = %s, want %s", got, want)
	}

	if SHA256Hex([]byte("a")) == SHA256Hex([]byte("b")) {
		t.Error("distinct inputs produced identical digests")
	}
}

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(a))
	}

	b, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	if string(a) == string(b) {
		t.Error("two random draws were identical")
	}
}

func TestRandomHex(t *testing.T) {
	tok, err := RandomHex(16)
	if err != nil {
		t.Fatalf("RandomHex failed: %v", err)
	}
	if len(tok) != 32 {
		t.Errorf("expected 32 hex chars, got %d", len(tok))
	}
	if !regexp.MustCompile(`^[0-9a-f]+$`).MatchString(tok) {
		t.Errorf("token contains non-hex characters: %s", tok)
	}
}

func TestNewUUID(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	id := NewUUID()
	if !re.MatchString(id) {
		t.Errorf("UUID %s is not version-4 formatted", id)
	}
	if NewUUID() == id {
		t.Error("two UUIDs were identical")
	}
}
