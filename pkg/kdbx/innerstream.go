package kdbx

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/salsa20"
)

// Inner random stream ids from the inner header.
const (
	innerStreamSalsa20  = 2
	innerStreamChaCha20 = 3
)

// salsa20Nonce is the fixed nonce KeePass uses for the Salsa20 inner stream.
var salsa20Nonce = []byte{0xE8, 0x30, 0x09, 0x4B, 0x97, 0x20, 0x5D, 0x2A}

// innerStream decrypts/encrypts protected field values in document order.
type innerStream interface {
	xor(data []byte)
}

func newInnerStream(id uint32, key []byte) (innerStream, error) {
	switch id {
	case innerStreamChaCha20:
		digest := sha512.Sum512(key)
		c, err := chacha20.NewUnauthenticatedCipher(digest[0:32], digest[32:44])
		if err != nil {
			return nil, fmt.Errorf("%w: inner stream: %v", ErrCorrupt, err)
		}
		return &chachaStream{c: c}, nil

	case innerStreamSalsa20:
		digest := sha256.Sum256(key)
		return &salsaStream{key: digest}, nil

	default:
		return nil, fmt.Errorf("%w: inner stream id %d", ErrUnsupported, id)
	}
}

type chachaStream struct {
	c *chacha20.Cipher
}

func (s *chachaStream) xor(data []byte) {
	s.c.XORKeyStream(data, data)
}

// salsaStream tracks the absolute keystream offset; x/crypto/salsa20 exposes
// only a from-zero XORKeyStream, so each call re-derives the stream up to the
// current position. Protected fields are short, so the rework is negligible.
type salsaStream struct {
	key [32]byte
	pos int
}

func (s *salsaStream) xor(data []byte) {
	buf := make([]byte, s.pos+len(data))
	copy(buf[s.pos:], data)
	salsa20.XORKeyStream(buf, buf, salsa20Nonce, &s.key)
	copy(data, buf[s.pos:])
	s.pos += len(data)
}
