package kdbx

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/hkdf"
)

// protectedSaltLength is the per-instance salt size for in-memory masking.
const protectedSaltLength = 16

// processKey masks protected values for the lifetime of this process. It is
// never persisted; on-disk protection is the codec's inner stream.
var processKey [32]byte

func init() {
	if _, err := rand.Read(processKey[:]); err != nil {
		panic(fmt.Sprintf("kdbx: cannot initialize protected-value key: %v", err))
	}
}

// ProtectedValue holds a field value whose cleartext is masked in memory.
// The plaintext is only materialised by Reveal.
type ProtectedValue struct {
	ciphertext []byte
	salt       []byte
}

// NewProtectedValue wraps cleartext in a masked in-memory representation.
func NewProtectedValue(cleartext string) *ProtectedValue {
	salt := make([]byte, protectedSaltLength)
	if _, err := rand.Read(salt); err != nil {
		panic(fmt.Sprintf("kdbx: cannot generate protected-value salt: %v", err))
	}

	data := []byte(cleartext)
	pad := protectedPad(salt, len(data))
	subtle.XORBytes(data, data, pad)
	wipe(pad)

	return &ProtectedValue{ciphertext: data, salt: salt}
}

// Reveal materialises and returns the cleartext.
func (p *ProtectedValue) Reveal() string {
	out := make([]byte, len(p.ciphertext))
	pad := protectedPad(p.salt, len(p.ciphertext))
	subtle.XORBytes(out, p.ciphertext, pad)
	wipe(pad)
	s := string(out)
	wipe(out)
	return s
}

// Len returns the cleartext length without revealing it.
func (p *ProtectedValue) Len() int {
	return len(p.ciphertext)
}

// Clone returns an independent copy. The pad is deterministic per salt within
// one process, so copying the masked bytes preserves the value.
func (p *ProtectedValue) Clone() *ProtectedValue {
	c := &ProtectedValue{
		ciphertext: make([]byte, len(p.ciphertext)),
		salt:       make([]byte, len(p.salt)),
	}
	copy(c.ciphertext, p.ciphertext)
	copy(c.salt, p.salt)
	return c
}

// Wipe overwrites the masked bytes. The value is unusable afterwards.
func (p *ProtectedValue) Wipe() {
	wipe(p.ciphertext)
	wipe(p.salt)
	p.ciphertext = nil
	p.salt = nil
}

// String masks the value in formatted output and structural logging.
func (p *ProtectedValue) String() string {
	return "********"
}

// MarshalJSON masks the value in any serialized structure.
func (p *ProtectedValue) MarshalJSON() ([]byte, error) {
	return []byte(`"********"`), nil
}

// protectedPad derives a keystream of n bytes bound to the salt.
func protectedPad(salt []byte, n int) []byte {
	r := hkdf.New(sha256.New, processKey[:], salt, []byte("kdbxkeeper-protected-value"))
	pad := make([]byte, n)
	if _, err := io.ReadFull(r, pad); err != nil {
		panic(fmt.Sprintf("kdbx: protected-value pad derivation failed: %v", err))
	}
	return pad
}

// wipe overwrites b with zeros; runtime.KeepAlive keeps the writes from being
// optimized away.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
