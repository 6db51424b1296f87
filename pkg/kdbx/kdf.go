package kdbx

import (
	"bytes"
	"fmt"
)

// Argon2Type selects the Argon2 variant, using the raw KDBX type codes.
type Argon2Type uint32

const (
	Argon2TypeD  Argon2Type = 0
	Argon2TypeID Argon2Type = 2
)

// Argon2Version is the Argon2 version the KDF parameters request.
const Argon2Version = 0x13

// Argon2Request carries one key-derivation invocation. The codec never
// embeds a KDF; the caller supplies an Argon2Func (see pkg/kdf) and the
// request's Password field is the only place key material crosses over.
type Argon2Request struct {
	Password    []byte
	Salt        []byte
	MemoryKiB   uint32
	Iterations  uint32
	HashLength  uint32
	Parallelism uint32
	Type        Argon2Type
	Version     uint32
}

// Argon2Func derives HashLength bytes of key material.
type Argon2Func func(Argon2Request) ([]byte, error)

// KDF UUIDs as stored in the kdf parameter dictionary.
var (
	kdfArgon2D  = []byte{0xEF, 0x63, 0x6D, 0xDF, 0x8C, 0x29, 0x44, 0x4B, 0x91, 0xF7, 0xA9, 0xA4, 0x03, 0xE3, 0x0A, 0x0C}
	kdfArgon2ID = []byte{0x9E, 0x29, 0x8B, 0x19, 0x56, 0xDB, 0x47, 0x73, 0xB2, 0x3D, 0xFC, 0x3E, 0xC6, 0xF0, 0xA1, 0xE6}
)

// KDFParameters describes the Argon2 work factors attached to a database.
type KDFParameters struct {
	Type        Argon2Type
	Salt        []byte
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint32
}

// DefaultKDFParameters returns the write-path defaults: Argon2id, 64 MiB,
// 3 iterations, 4 lanes. The salt is regenerated on every save.
func DefaultKDFParameters() KDFParameters {
	return KDFParameters{
		Type:        Argon2TypeID,
		MemoryKiB:   64 * 1024,
		Iterations:  3,
		Parallelism: 4,
	}
}

// kdfParametersFromDict extracts Argon2 parameters from a parsed variant
// dictionary.
func kdfParametersFromDict(d *variantDict) (KDFParameters, error) {
	var p KDFParameters

	id, ok := d.bytesValue("$UUID")
	if !ok {
		return p, fmt.Errorf("%w: kdf parameters missing $UUID", ErrCorrupt)
	}
	switch {
	case bytes.Equal(id, kdfArgon2D):
		p.Type = Argon2TypeD
	case bytes.Equal(id, kdfArgon2ID):
		p.Type = Argon2TypeID
	default:
		return p, fmt.Errorf("%w: unknown kdf %x", ErrUnsupported, id)
	}

	salt, ok := d.bytesValue("S")
	if !ok {
		return p, fmt.Errorf("%w: kdf parameters missing salt", ErrCorrupt)
	}
	p.Salt = salt

	mem, ok := d.uint64Value("M")
	if !ok {
		return p, fmt.Errorf("%w: kdf parameters missing memory cost", ErrCorrupt)
	}
	p.MemoryKiB = uint32(mem / 1024)

	iter, ok := d.uint64Value("I")
	if !ok {
		return p, fmt.Errorf("%w: kdf parameters missing iterations", ErrCorrupt)
	}
	p.Iterations = uint32(iter)

	par, ok := d.uint32Value("P")
	if !ok {
		return p, fmt.Errorf("%w: kdf parameters missing parallelism", ErrCorrupt)
	}
	p.Parallelism = par

	return p, nil
}

// dict renders the parameters back into a variant dictionary.
func (p KDFParameters) dict() *variantDict {
	id := kdfArgon2ID
	if p.Type == Argon2TypeD {
		id = kdfArgon2D
	}

	d := newVariantDict()
	d.setBytes("$UUID", id)
	d.setBytes("S", p.Salt)
	d.setUint64("M", uint64(p.MemoryKiB)*1024)
	d.setUint64("I", uint64(p.Iterations))
	d.setUint32("P", p.Parallelism)
	d.setUint32("V", Argon2Version)
	return d
}
