// Package logger builds the structured loggers used by the plugin host.
//
// A Logger is created once by the embedding application and passed to every
// component that needs it; there is no package level instance.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"outputs"`
	AddSource   bool        `yaml:"addSource"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig controls audit log output behaviour.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// Logger owns the application and audit slog loggers and the files behind them.
type Logger struct {
	base  *slog.Logger
	audit *slog.Logger

	mu      sync.Mutex
	closers []io.Closer
}

// New configures a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	l := &Logger{}
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	handler, err := l.buildHandler(cfg.Format, cfg.OutputPaths, handlerOpts)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	l.base = slog.New(handler)
	l.audit = l.base.With(slog.String("log", "audit"))

	if cfg.Audit.Enabled {
		audit, err := l.buildAuditLogger(cfg.Audit)
		if err != nil {
			_ = l.Close()
			return nil, err
		}
		l.audit = audit
	}
	return l, nil
}

// NewWithWriter builds a Logger writing JSON lines for both streams into w.
// It is mostly useful in tests.
func NewWithWriter(w io.Writer, level string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	base := slog.New(handler)
	return &Logger{base: base, audit: base.With(slog.String("log", "audit"))}
}

// Discard returns a Logger that drops every record.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "error")
}

func (l *Logger) buildHandler(format string, outputs []string, opts *slog.HandlerOptions) (slog.Handler, error) {
	writers := make([]io.Writer, 0, len(outputs))
	if len(outputs) == 0 {
		writers = append(writers, os.Stdout)
	} else {
		for _, out := range outputs {
			writer, closer, err := openWriter(out)
			if err != nil {
				return nil, err
			}
			if closer != nil {
				l.closers = append(l.closers, closer)
			}
			writers = append(writers, writer)
		}
	}

	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = io.MultiWriter(writers...)
	}

	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

func (l *Logger) buildAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	writer, err := newRotatingWriter(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	if err != nil {
		return nil, err
	}
	l.closers = append(l.closers, writer)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler), nil
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		return file, file, nil
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the structured application logger.
func (l *Logger) L() *slog.Logger {
	if l == nil || l.base == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l.base
}

// Audit returns the audit logger. Capability invocations and signature
// decisions are written here.
func (l *Logger) Audit() *slog.Logger {
	if l == nil || l.audit == nil {
		return l.L()
	}
	return l.audit
}

// Named returns a child logger with the provided component name.
func (l *Logger) Named(name string) *slog.Logger {
	return l.L().With(slog.String("component", name))
}

// Close flushes and closes every file opened by the logger.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	for _, closer := range l.closers {
		err = errors.Join(err, closer.Close())
	}
	l.closers = nil
	return err
}
