// Package logger defines the minimal logging function type threaded
// through every adapter package.
package logger

import "go.uber.org/zap"

// Logf is a printf-style log sink. A nil Logf is never called directly;
// callers should substitute Discard.
type Logf func(format string, args ...any)

// Discard drops all log lines. It is the zero value callers should
// fall back to when no Logf was supplied at construction.
func Discard(string, ...any) {}

// FromZap adapts a *zap.Logger to the Logf shape, so the ambient
// logging stack can be backed by a structured logger in binaries that
// want one (see cmd/netreplay) while every library package keeps the
// same lightweight func-type dependency.
func FromZap(z *zap.Logger) Logf {
	if z == nil {
		return Discard
	}
	sugar := z.Sugar()
	return func(format string, args ...any) {
		sugar.Infof(format, args...)
	}
}
