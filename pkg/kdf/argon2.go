// Package kdf supplies the Argon2 callback the codec consumes. Keeping the
// primitive behind kdbx.Argon2Func keeps the codec free of a KDF dependency.
package kdf

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/Ilya37/kdbxkeeper/pkg/kdbx"
)

// ErrVariantUnavailable is returned for Argon2 variants golang.org/x/crypto
// does not expose (notably Argon2d). The codec maps it to ErrUnsupported.
var ErrVariantUnavailable = errors.New("kdf: argon2 variant not available")

// Argon2 returns a kdbx.Argon2Func backed by golang.org/x/crypto/argon2.
func Argon2() kdbx.Argon2Func {
	return func(req kdbx.Argon2Request) ([]byte, error) {
		if req.Version != 0 && req.Version != kdbx.Argon2Version {
			return nil, fmt.Errorf("kdf: argon2 version %#x not supported", req.Version)
		}
		if req.Parallelism == 0 || req.Parallelism > 255 {
			return nil, fmt.Errorf("kdf: parallelism %d out of range", req.Parallelism)
		}

		switch req.Type {
		case kdbx.Argon2TypeID:
			return argon2.IDKey(
				req.Password,
				req.Salt,
				req.Iterations,
				req.MemoryKiB,
				uint8(req.Parallelism),
				req.HashLength,
			), nil
		case kdbx.Argon2TypeD:
			return nil, fmt.Errorf("%w: argon2d", ErrVariantUnavailable)
		default:
			return nil, fmt.Errorf("%w: type %d", ErrVariantUnavailable, req.Type)
		}
	}
}

// Fast returns a callback with throwaway work factors for tests. It ignores
// the requested memory and iteration costs.
func Fast() kdbx.Argon2Func {
	return func(req kdbx.Argon2Request) ([]byte, error) {
		if req.Type != kdbx.Argon2TypeID {
			return nil, fmt.Errorf("%w: type %d", ErrVariantUnavailable, req.Type)
		}
		return argon2.IDKey(req.Password, req.Salt, 1, 8, 1, req.HashLength), nil
	}
}
