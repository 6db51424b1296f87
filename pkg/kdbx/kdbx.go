package kdbx

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
)

// Inner header field ids.
const (
	innerHeaderEnd       = 0
	innerHeaderStreamID  = 1
	innerHeaderStreamKey = 2
	innerHeaderBinary    = 3
)

// innerStreamKeyLength is the random key length written for the inner
// stream on save.
const innerStreamKeyLength = 64

// Load decrypts and parses a KDBX byte stream.
//
// It fails with ErrInvalidKey when authentication fails, ErrCorrupt when the
// header or inner stream fails structural or HMAC checks, and ErrUnsupported
// for unknown versions or cipher/KDF combinations.
func Load(data []byte, passphrase string, argon2 Argon2Func) (*Database, error) {
	h, headerLen, err := readHeader(data)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(data[headerLen:])

	storedDigest := make([]byte, 32)
	if _, err := io.ReadFull(r, storedDigest); err != nil {
		return nil, fmt.Errorf("%w: missing header digest", ErrCorrupt)
	}
	digest := sha256.Sum256(h.raw)
	if !bytes.Equal(digest[:], storedDigest) {
		return nil, fmt.Errorf("%w: header digest mismatch", ErrCorrupt)
	}

	composite := compositeKey([]byte(passphrase))
	masterKey, hmacBase, err := deriveKeys(h, composite, argon2)
	if err != nil {
		wipe(composite)
		return nil, err
	}

	storedMAC := make([]byte, 32)
	if _, err := io.ReadFull(r, storedMAC); err != nil {
		wipe(composite)
		return nil, fmt.Errorf("%w: missing header hmac", ErrCorrupt)
	}
	if !bytes.Equal(headerHMAC(h.raw, hmacBase), storedMAC) {
		// Wrong key and tampered header are indistinguishable here; report
		// the key so the caller can prompt again.
		wipe(composite)
		return nil, ErrInvalidKey
	}

	ciphertext, err := readHMACBlocks(r, hmacBase)
	if err != nil {
		wipe(composite)
		return nil, err
	}

	plaintext, err := decryptPayload(h, masterKey, ciphertext)
	if err != nil {
		wipe(composite)
		return nil, err
	}

	if h.compressed {
		gz, err := gzip.NewReader(bytes.NewReader(plaintext))
		if err != nil {
			wipe(composite)
			return nil, fmt.Errorf("%w: gzip: %v", ErrCorrupt, err)
		}
		plaintext, err = io.ReadAll(gz)
		if err != nil {
			wipe(composite)
			return nil, fmt.Errorf("%w: gzip: %v", ErrCorrupt, err)
		}
	}

	streamID, streamKey, xmlDoc, err := readInnerHeader(plaintext)
	if err != nil {
		wipe(composite)
		return nil, err
	}

	stream, err := newInnerStream(streamID, streamKey)
	if err != nil {
		wipe(composite)
		return nil, err
	}

	format := Format{
		Cipher:        h.cipher,
		Compressed:    h.compressed,
		KDF:           h.kdf,
		InnerStreamID: streamID,
	}

	db, err := parseXML(xmlDoc, stream, format)
	if err != nil {
		wipe(composite)
		return nil, err
	}

	db.composite = composite
	return db, nil
}

// Save serializes the database with the cipher and KDF parameters currently
// attached to it. Credentials must be present.
func (db *Database) Save(argon2 Argon2Func) ([]byte, error) {
	if db.composite == nil {
		return nil, fmt.Errorf("%w: no credentials attached", ErrInvalidKey)
	}

	kdf := db.Format.KDF
	salt, err := randomBytes(32)
	if err != nil {
		return nil, err
	}
	kdf.Salt = salt

	h := &header{
		cipher:     db.Format.Cipher,
		compressed: db.Format.Compressed,
		kdf:        kdf,
	}
	if h.masterSeed, err = randomBytes(32); err != nil {
		return nil, err
	}
	ivLen := aes.BlockSize
	if h.cipher == CipherChaCha20 {
		ivLen = chacha20.NonceSize
	}
	if h.iv, err = randomBytes(ivLen); err != nil {
		return nil, err
	}

	streamKey, err := randomBytes(innerStreamKeyLength)
	if err != nil {
		return nil, err
	}
	stream, err := newInnerStream(db.Format.InnerStreamID, streamKey)
	if err != nil {
		return nil, err
	}

	xmlDoc, err := buildXML(db, stream)
	if err != nil {
		return nil, err
	}

	var payload bytes.Buffer
	writeInnerHeader(&payload, db.Format.InnerStreamID, streamKey)
	payload.Write(xmlDoc)

	plaintext := payload.Bytes()
	if h.compressed {
		var gzBuf bytes.Buffer
		gz := gzip.NewWriter(&gzBuf)
		if _, err := gz.Write(plaintext); err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrIO, err)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrIO, err)
		}
		plaintext = gzBuf.Bytes()
	}

	raw := h.serialize()

	masterKey, hmacBase, err := deriveKeys(h, db.composite, argon2)
	if err != nil {
		return nil, err
	}

	ciphertext, err := encryptPayload(h, masterKey, plaintext)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Write(raw)
	digest := sha256.Sum256(raw)
	out.Write(digest[:])
	out.Write(headerHMAC(raw, hmacBase))
	if err := writeHMACBlocks(&out, ciphertext, hmacBase); err != nil {
		return nil, err
	}

	db.Format.KDF = kdf
	return out.Bytes(), nil
}

// readInnerHeader splits the decrypted payload into stream parameters and
// the XML document that follows the terminator.
func readInnerHeader(payload []byte) (streamID uint32, streamKey, xmlDoc []byte, err error) {
	r := bytes.NewReader(payload)
	var sawID, sawKey bool

	for {
		id, value, err := readInnerHeaderField(r)
		if err != nil {
			return 0, nil, nil, err
		}
		switch id {
		case innerHeaderEnd:
			if !sawID || !sawKey {
				return 0, nil, nil, fmt.Errorf("%w: incomplete inner header", ErrCorrupt)
			}
			return streamID, streamKey, payload[len(payload)-r.Len():], nil
		case innerHeaderStreamID:
			if len(value) != 4 {
				return 0, nil, nil, fmt.Errorf("%w: bad inner stream id", ErrCorrupt)
			}
			streamID = binary.LittleEndian.Uint32(value)
			sawID = true
		case innerHeaderStreamKey:
			streamKey = value
			sawKey = true
		case innerHeaderBinary:
			// Attachments are carried but unused.
		default:
			return 0, nil, nil, fmt.Errorf("%w: inner header field %d", ErrUnsupported, id)
		}
	}
}

func readInnerHeaderField(r *bytes.Reader) (byte, []byte, error) {
	id, err := r.ReadByte()
	if err != nil {
		return 0, nil, fmt.Errorf("%w: truncated inner header", ErrCorrupt)
	}
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return 0, nil, fmt.Errorf("%w: truncated inner header length", ErrCorrupt)
	}
	if int(length) > r.Len() {
		return 0, nil, fmt.Errorf("%w: inner header field overruns payload", ErrCorrupt)
	}
	value := make([]byte, length)
	if _, err := io.ReadFull(r, value); err != nil {
		return 0, nil, fmt.Errorf("%w: truncated inner header value", ErrCorrupt)
	}
	return id, value, nil
}

func writeInnerHeader(buf *bytes.Buffer, streamID uint32, streamKey []byte) {
	idValue := make([]byte, 4)
	binary.LittleEndian.PutUint32(idValue, streamID)
	writeInnerHeaderField(buf, innerHeaderStreamID, idValue)
	writeInnerHeaderField(buf, innerHeaderStreamKey, streamKey)
	writeInnerHeaderField(buf, innerHeaderEnd, nil)
}

func writeInnerHeaderField(buf *bytes.Buffer, id byte, value []byte) {
	buf.WriteByte(id)
	binary.Write(buf, binary.LittleEndian, uint32(len(value)))
	buf.Write(value)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("%w: random source: %v", ErrIO, err)
	}
	return b, nil
}
