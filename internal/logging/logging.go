package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jrick/logrotate/rotator"
	"github.com/rs/zerolog"
)

// Config describes logger runtime configuration.
type Config struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	TimeFormat  string `mapstructure:"time_format"`
	Caller      bool   `mapstructure:"caller"`
	PrettyPrint bool   `mapstructure:"pretty"`
	// File, when set, receives a copy of every line through a size-based rotator.
	File      string `mapstructure:"file"`
	MaxSizeKB int64  `mapstructure:"max_size_kb"`
	MaxRolls  int    `mapstructure:"max_rolls"`
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger constructs a zerolog logger from config. The returned closer
// flushes and closes the log file, if any.
func NewLogger(cfg Config) (zerolog.Logger, io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	writer := consoleOrStdout(cfg, os.Stdout)
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		r, err := newRotator(cfg)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		// the file always gets JSON lines, whatever the console format
		writer = zerolog.MultiLevelWriter(writer, r)
		closer = r
	}

	logger := zerolog.New(writer).Level(level)
	builder := logger.With().Timestamp()
	if cfg.Caller {
		builder = builder.Caller()
	}

	return builder.Logger(), closer, nil
}

func newRotator(cfg Config) (*rotator.Rotator, error) {
	if dir := filepath.Dir(cfg.File); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	sizeKB := cfg.MaxSizeKB
	if sizeKB <= 0 {
		sizeKB = 10 * 1024
	}
	rolls := cfg.MaxRolls
	if rolls <= 0 {
		rolls = 3
	}
	r, err := rotator.New(cfg.File, sizeKB, false, rolls)
	if err != nil {
		return nil, fmt.Errorf("create file rotator: %w", err)
	}
	return r, nil
}

func consoleOrStdout(cfg Config, out io.Writer) io.Writer {
	if cfg.PrettyPrint || strings.EqualFold(cfg.Format, "console") {
		return zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: zerolog.TimeFieldFormat,
		}
	}
	return out
}
