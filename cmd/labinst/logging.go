package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	chlog "github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mklimuk/labinst/config"
)

// setupLogging installs a charm console handler as the slog default and,
// when a log file is configured, tees records into a rotated logfmt file.
func setupLogging(cfg config.Log, verbose bool) (func() error, error) {
	level, err := chlog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = chlog.DebugLevel
	}
	charm := chlog.NewWithOptions(os.Stderr, chlog.Options{
		ReportCaller:    true,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Level:           level,
	})
	charm.SetColorProfile(termenv.TrueColor)
	if cfg.File == "" {
		slog.SetDefault(slog.New(charm))
		return func() error { return nil }, nil
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	file := chlog.NewWithOptions(rotated, chlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       chlog.LogfmtFormatter,
		Level:           level,
	})
	slog.SetDefault(slog.New(tee{charm, file}))
	return rotated.Close, nil
}

type tee []slog.Handler

func (t tee) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t tee) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t tee) WithGroup(name string) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
