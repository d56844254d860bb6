// Package eventlog builds the structured logger the discovery engine reports
// ingestion outcomes through.
package eventlog

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the log file written under Config.Dir.
const FileName = "xcdiscovery.log"

// Config holds logger configuration.
type Config struct {
	Level      string
	Format     string // "console" or "json"
	Dir        string // directory for the rotating log file; empty disables it
	MaxSizeMB  int    // default 10
	MaxBackups int    // default 5
	MaxAgeDays int    // default 30
	Compress   bool
	// Out overrides stdout as the console destination (tests).
	Out io.Writer
}

// Logger wraps zerolog and owns the rotating file, if any.
type Logger struct {
	zerolog.Logger
	rotator *lumberjack.Logger
}

// New creates a logger. A log directory that cannot be created is reported
// on the returned logger and otherwise ignored.
func New(cfg Config) *Logger {
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	var console io.Writer = out
	if !strings.EqualFold(cfg.Format, "json") {
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: cfg.Out != nil}
	}

	var output io.Writer = console
	var rotator *lumberjack.Logger
	var dirErr error
	if cfg.Dir != "" {
		if dirErr = os.MkdirAll(cfg.Dir, 0755); dirErr == nil {
			rotator = &lumberjack.Logger{
				Filename:   filepath.Join(cfg.Dir, FileName),
				MaxSize:    orDefault(cfg.MaxSizeMB, 10),
				MaxBackups: orDefault(cfg.MaxBackups, 5),
				MaxAge:     orDefault(cfg.MaxAgeDays, 30),
				Compress:   cfg.Compress,
				LocalTime:  true,
			}
			output = io.MultiWriter(console, rotator)
		}
	}

	zl := zerolog.New(output).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	if dirErr != nil {
		zl.Warn().Err(dirErr).Str("dir", cfg.Dir).Msg("log file disabled")
	}
	return &Logger{Logger: zl, rotator: rotator}
}

// Close closes the log file if one is open.
func (l *Logger) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Component returns a child logger tagged with component.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.Logger.With().Str("component", name).Logger()
}

// ParseLevel converts a level name to zerolog.Level; unknown names mean info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
