// Package instctx carries per-call flags through context to transports and drivers.
package instctx

import (
	"context"
	"encoding/hex"
	"log/slog"
)

type ctxIndex int

const (
	ctxIndexVerbose ctxIndex = iota
	ctxIndexLogger
)

// IsVerbose reports whether raw wire traffic should be dumped.
func IsVerbose(ctx context.Context) bool {
	val, ok := ctx.Value(ctxIndexVerbose).(bool)
	return ok && val
}

func SetVerbose(ctx context.Context, value bool) context.Context {
	return context.WithValue(ctx, ctxIndexVerbose, value)
}

// Logger returns the logger stored in ctx or the slog default.
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxIndexLogger).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxIndexLogger, l)
}

// DumpWire logs a hex dump of payload at debug level when ctx is verbose.
func DumpWire(ctx context.Context, direction string, payload []byte) {
	if !IsVerbose(ctx) {
		return
	}
	Logger(ctx).Debug("wire "+direction, "len", len(payload), "dump", "\n"+hex.Dump(payload))
}
