package kdbx

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
)

// compositeKey hashes the master passphrase into the 32-byte composite key.
// Single-credential only: no key file, no hardware token.
func compositeKey(passphrase []byte) []byte {
	inner := sha256.Sum256(passphrase)
	outer := sha256.Sum256(inner[:])
	return outer[:]
}

// deriveKeys runs the KDF callback and produces the payload cipher key and
// the HMAC base key.
func deriveKeys(h *header, composite []byte, argon2 Argon2Func) (masterKey, hmacBase []byte, err error) {
	if argon2 == nil {
		return nil, nil, fmt.Errorf("%w: no argon2 implementation supplied", ErrUnsupported)
	}

	transformed, err := argon2(Argon2Request{
		Password:    composite,
		Salt:        h.kdf.Salt,
		MemoryKiB:   h.kdf.MemoryKiB,
		Iterations:  h.kdf.Iterations,
		HashLength:  32,
		Parallelism: h.kdf.Parallelism,
		Type:        h.kdf.Type,
		Version:     Argon2Version,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: key transform: %v", ErrUnsupported, err)
	}
	if len(transformed) != 32 {
		return nil, nil, fmt.Errorf("%w: kdf returned %d bytes", ErrCorrupt, len(transformed))
	}

	mk := sha256.Sum256(append(append([]byte{}, h.masterSeed...), transformed...))

	hb := sha512.New()
	hb.Write(h.masterSeed)
	hb.Write(transformed)
	hb.Write([]byte{0x01})

	wipe(transformed)
	return mk[:], hb.Sum(nil), nil
}

// blockHMACKey derives the HMAC key for block index i; index
// 0xFFFFFFFFFFFFFFFF covers the header.
func blockHMACKey(hmacBase []byte, index uint64) []byte {
	idx := make([]byte, 8)
	binary.LittleEndian.PutUint64(idx, index)
	h := sha512.New()
	h.Write(idx)
	h.Write(hmacBase)
	return h.Sum(nil)
}

// headerHMAC computes the HMAC-SHA256 trailer over the raw header bytes.
func headerHMAC(raw, hmacBase []byte) []byte {
	mac := hmac.New(sha256.New, blockHMACKey(hmacBase, ^uint64(0)))
	mac.Write(raw)
	return mac.Sum(nil)
}

// hmacBlockSize is the write-path block granularity (1 MiB, KeePass default).
const hmacBlockSize = 1024 * 1024

// readHMACBlocks verifies and concatenates the HMAC block stream.
func readHMACBlocks(r io.Reader, hmacBase []byte) ([]byte, error) {
	var out bytes.Buffer
	for index := uint64(0); ; index++ {
		storedMAC := make([]byte, 32)
		if _, err := io.ReadFull(r, storedMAC); err != nil {
			return nil, fmt.Errorf("%w: truncated block stream", ErrCorrupt)
		}
		var length int32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, fmt.Errorf("%w: truncated block length", ErrCorrupt)
		}
		if length < 0 {
			return nil, fmt.Errorf("%w: negative block length", ErrCorrupt)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("%w: truncated block data", ErrCorrupt)
		}

		mac := hmac.New(sha256.New, blockHMACKey(hmacBase, index))
		idx := make([]byte, 8)
		binary.LittleEndian.PutUint64(idx, index)
		mac.Write(idx)
		lenBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBytes, uint32(length))
		mac.Write(lenBytes)
		mac.Write(data)
		if !hmac.Equal(mac.Sum(nil), storedMAC) {
			return nil, fmt.Errorf("%w: block %d authentication failed", ErrCorrupt, index)
		}

		if length == 0 {
			return out.Bytes(), nil
		}
		out.Write(data)
	}
}

// writeHMACBlocks splits data into authenticated blocks followed by the
// zero-length terminator.
func writeHMACBlocks(w io.Writer, data, hmacBase []byte) error {
	writeBlock := func(index uint64, block []byte) error {
		mac := hmac.New(sha256.New, blockHMACKey(hmacBase, index))
		idx := make([]byte, 8)
		binary.LittleEndian.PutUint64(idx, index)
		mac.Write(idx)
		lenBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBytes, uint32(len(block)))
		mac.Write(lenBytes)
		mac.Write(block)

		if _, err := w.Write(mac.Sum(nil)); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		if _, err := w.Write(lenBytes); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		if _, err := w.Write(block); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		return nil
	}

	index := uint64(0)
	for offset := 0; offset < len(data); index++ {
		end := offset + hmacBlockSize
		if end > len(data) {
			end = len(data)
		}
		if err := writeBlock(index, data[offset:end]); err != nil {
			return err
		}
		offset = end
	}
	return writeBlock(index, nil)
}

// encryptPayload applies the outer cipher.
func encryptPayload(h *header, masterKey, plaintext []byte) ([]byte, error) {
	switch h.cipher {
	case CipherAES256CBC:
		block, err := aes.NewCipher(masterKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if len(h.iv) != aes.BlockSize {
			return nil, fmt.Errorf("%w: aes iv must be 16 bytes", ErrCorrupt)
		}
		padded := padPKCS7(plaintext, aes.BlockSize)
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, h.iv).CryptBlocks(out, padded)
		return out, nil

	case CipherChaCha20:
		if len(h.iv) != chacha20.NonceSize {
			return nil, fmt.Errorf("%w: chacha20 nonce must be 12 bytes", ErrCorrupt)
		}
		stream, err := chacha20.NewUnauthenticatedCipher(masterKey, h.iv)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		out := make([]byte, len(plaintext))
		stream.XORKeyStream(out, plaintext)
		return out, nil

	default:
		return nil, fmt.Errorf("%w: cipher", ErrUnsupported)
	}
}

// decryptPayload strips the outer cipher.
func decryptPayload(h *header, masterKey, ciphertext []byte) ([]byte, error) {
	switch h.cipher {
	case CipherAES256CBC:
		block, err := aes.NewCipher(masterKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if len(h.iv) != aes.BlockSize {
			return nil, fmt.Errorf("%w: aes iv must be 16 bytes", ErrCorrupt)
		}
		if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
			return nil, fmt.Errorf("%w: ciphertext not block aligned", ErrCorrupt)
		}
		out := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, h.iv).CryptBlocks(out, ciphertext)
		return stripPKCS7(out, aes.BlockSize)

	case CipherChaCha20:
		if len(h.iv) != chacha20.NonceSize {
			return nil, fmt.Errorf("%w: chacha20 nonce must be 12 bytes", ErrCorrupt)
		}
		stream, err := chacha20.NewUnauthenticatedCipher(masterKey, h.iv)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		out := make([]byte, len(ciphertext))
		stream.XORKeyStream(out, ciphertext)
		return out, nil

	default:
		return nil, fmt.Errorf("%w: cipher", ErrUnsupported)
	}
}

func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func stripPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty padded payload", ErrCorrupt)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: invalid padding", ErrCorrupt)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: invalid padding", ErrCorrupt)
		}
	}
	return data[:len(data)-n], nil
}
