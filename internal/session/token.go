package session

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/Ilya37/kdbxkeeper/pkg/checksum"
)

// ErrNoToken indicates no live auto-unlock token exists.
var ErrNoToken = errors.New("session: no unlock token")

// Token is the auto-unlock credential. The token value is opaque random
// material; the passphrase is recoverable only by combining the token with
// the separately stored wrapped blob.
type Token struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	// LastActivity drives the idle deadline across host restarts.
	LastActivity time.Time `json:"lastActivity"`
}

// tokenStore keeps the token in a runtime file that is removed on lock and
// clean shutdown, and the wrapped passphrase in a sibling file that is
// useless without the token.
type tokenStore struct {
	tokenPath   string
	wrappedPath string
}

type wrappedCredential struct {
	Salt    string `json:"salt"`
	Wrapped string `json:"wrapped"`
}

func newTokenStore(tokenPath, wrappedPath string) *tokenStore {
	return &tokenStore{tokenPath: tokenPath, wrappedPath: wrappedPath}
}

// issue mints a fresh token, persists it, and stores the passphrase wrapped
// under it. The cleartext passphrase never reaches disk.
func (s *tokenStore) issue(passphrase string, ttl time.Duration) (*Token, error) {
	raw, err := checksum.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	tok := &Token{
		Token:        hex.EncodeToString(raw),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastActivity: now,
	}

	salt, err := checksum.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	pad, err := tokenPad(raw, salt, len(passphrase))
	if err != nil {
		return nil, err
	}
	wrapped := make([]byte, len(passphrase))
	subtle.XORBytes(wrapped, []byte(passphrase), pad)

	cred := wrappedCredential{
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Wrapped: base64.StdEncoding.EncodeToString(wrapped),
	}
	if err := writeJSON(s.wrappedPath, cred); err != nil {
		return nil, err
	}
	if err := writeJSON(s.tokenPath, tok); err != nil {
		os.Remove(s.wrappedPath)
		return nil, err
	}
	return tok, nil
}

// load returns the stored token, or ErrNoToken.
func (s *tokenStore) load() (*Token, error) {
	data, err := os.ReadFile(s.tokenPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("session: failed to read token: %w", err)
	}
	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("session: token file is corrupt: %w", err)
	}
	if tok.Token == "" {
		return nil, ErrNoToken
	}
	return &tok, nil
}

// save rewrites the token record (used when activity refreshes the idle
// deadline).
func (s *tokenStore) save(tok *Token) error {
	return writeJSON(s.tokenPath, tok)
}

// unwrap recovers the passphrase from the wrapped blob using the token.
func (s *tokenStore) unwrap(tok *Token) (string, error) {
	data, err := os.ReadFile(s.wrappedPath)
	if err != nil {
		return "", fmt.Errorf("session: failed to read wrapped credential: %w", err)
	}
	var cred wrappedCredential
	if err := json.Unmarshal(data, &cred); err != nil {
		return "", fmt.Errorf("session: wrapped credential is corrupt: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(cred.Salt)
	if err != nil {
		return "", fmt.Errorf("session: wrapped credential is corrupt: %w", err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(cred.Wrapped)
	if err != nil {
		return "", fmt.Errorf("session: wrapped credential is corrupt: %w", err)
	}

	raw, err := hex.DecodeString(tok.Token)
	if err != nil {
		return "", fmt.Errorf("session: token is corrupt: %w", err)
	}
	pad, err := tokenPad(raw, salt, len(wrapped))
	if err != nil {
		return "", err
	}
	out := make([]byte, len(wrapped))
	subtle.XORBytes(out, wrapped, pad)
	return string(out), nil
}

// clear removes both files. Missing files are fine.
func (s *tokenStore) clear() {
	os.Remove(s.tokenPath)
	os.Remove(s.wrappedPath)
}

// tokenPad expands the token into a keystream bound to the salt.
func tokenPad(token, salt []byte, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, token, salt, []byte("kdbxkeeper-unlock-token"))
	pad := make([]byte, n)
	if _, err := io.ReadFull(r, pad); err != nil {
		return nil, fmt.Errorf("session: token pad derivation failed: %w", err)
	}
	return pad, nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: failed to marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("session: failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("session: failed to commit %s: %w", path, err)
	}
	return nil
}
