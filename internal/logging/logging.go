// Package logging constructs the keeper's zap loggers. Nothing in the
// system ever logs protected cleartext; handlers log ids, types, and
// checksums only.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production logger writing JSON to stderr. Stdout stays
// reserved for the native-messaging channel.
func New(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.Development = true
	}
	return cfg.Build()
}

// Nop returns a logger that discards everything, for tests and tools.
func Nop() *zap.Logger {
	return zap.NewNop()
}
