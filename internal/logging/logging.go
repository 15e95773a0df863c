// Package logging builds the root zerolog logger of a shard.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level      string
	Format     string // "console" or "json"
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Shard      string
}

// New returns the root logger and a closer for the rotating file, if any.
// The console always receives output; the file, when set, gets JSON lines.
func New(opts Options, stdout io.Writer) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		var err error
		if level, err = zerolog.ParseLevel(opts.Level); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("log level %q: %w", opts.Level, err)
		}
	}
	if stdout == nil {
		stdout = os.Stdout
	}

	var console io.Writer = stdout
	if opts.Format != "json" {
		console = zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339}
	}

	var (
		out    io.Writer = console
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(console, file)
		closer = file
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if opts.Shard != "" {
		ctx = ctx.Str("shard", opts.Shard)
	}
	return ctx.Logger(), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
