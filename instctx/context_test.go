package instctx

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerbose(t *testing.T) {
	ctx := context.Background()
	assert.False(t, IsVerbose(ctx))
	assert.True(t, IsVerbose(SetVerbose(ctx, true)))
	assert.False(t, IsVerbose(SetVerbose(ctx, false)))
}

func TestDumpWire(t *testing.T) {
	var out bytes.Buffer
	l := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := WithLogger(context.Background(), l)

	DumpWire(ctx, "tx", []byte("*RST\n"))
	assert.Empty(t, out.String())

	DumpWire(SetVerbose(ctx, true), "tx", []byte("*RST\n"))
	assert.Contains(t, out.String(), "wire tx")
	assert.Contains(t, out.String(), "2a 52 53 54 0a")
}

func TestLoggerDefault(t *testing.T) {
	assert.Same(t, slog.Default(), Logger(context.Background()))
}
