// Package kdbx reads and writes KeePass 2.x (KDBX 4) database files.
package kdbx

import "errors"

// Codec errors. Callers distinguish the variants with errors.Is; ErrInvalidKey
// in particular drives the user-facing "wrong password" path.
var (
	// ErrInvalidKey indicates the passphrase failed authentication.
	ErrInvalidKey = errors.New("kdbx: invalid key")

	// ErrCorrupt indicates the container failed structural or HMAC checks.
	ErrCorrupt = errors.New("kdbx: file is corrupt")

	// ErrUnsupported indicates an unknown version or a cipher/KDF combination
	// this implementation does not support.
	ErrUnsupported = errors.New("kdbx: unsupported format")

	// ErrIO indicates an underlying read or write failure.
	ErrIO = errors.New("kdbx: i/o failure")
)
