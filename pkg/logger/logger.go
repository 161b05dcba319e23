package logger

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Rotation    RotationConfig
	Audit       AuditConfig
}

// AuditConfig controls audit log output behaviour.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	auditLogger   *slog.Logger
	once          sync.Once
	closers       []io.Closer
	initErr       error
)

// Init configures the global logger instances. Only the first call takes effect.
func Init(cfg Config) error {
	called := false
	once.Do(func() {
		called = true
		app, audit, cls, err := build(cfg)
		if err != nil {
			initErr = err
			return
		}
		mu.Lock()
		defaultLogger, auditLogger, closers = app, audit, cls
		mu.Unlock()
	})
	if initErr != nil {
		return initErr
	}
	if !called {
		return errors.New("logger already initialised")
	}
	return nil
}

func build(cfg Config) (*slog.Logger, *slog.Logger, []io.Closer, error) {
	var cls []io.Closer
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true}

	handler, err := buildHandler(cfg.Format, cfg.OutputPaths, cfg.Rotation, handlerOpts, &cls)
	if err != nil {
		closeAll(cls)
		return nil, nil, nil, err
	}
	app := slog.New(handler)

	audit := app
	if cfg.Audit.Enabled {
		audit, err = buildAuditLogger(cfg.Audit, &cls)
		if err != nil {
			closeAll(cls)
			return nil, nil, nil, err
		}
	}
	return app, audit, cls, nil
}

func buildHandler(format string, outputs []string, rotation RotationConfig, opts *slog.HandlerOptions, cls *[]io.Closer) (slog.Handler, error) {
	writers := make([]io.Writer, 0, len(outputs))
	if len(outputs) == 0 {
		writers = append(writers, os.Stdout)
	}
	for _, out := range outputs {
		writer, closer, err := openWriter(out, rotation)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			*cls = append(*cls, closer)
		}
		writers = append(writers, writer)
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

func buildAuditLogger(cfg AuditConfig, cls *[]io.Closer) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	writer, err := newRotatingWriter(cfg.Path, RotationConfig{
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, err
	}
	*cls = append(*cls, writer)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler).With(slog.String("stream", "audit")), nil
}

func openWriter(path string, rotation RotationConfig) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	default:
		writer, err := newRotatingWriter(path, rotation)
		if err != nil {
			return nil, nil, err
		}
		return writer, writer, nil
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

func closeAll(cls []io.Closer) error {
	var err error
	for _, closer := range cls {
		err = errors.Join(err, closer.Close())
	}
	return err
}

// L returns the structured logger instance.
func L() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		_ = Init(Config{})
		mu.RLock()
		l = defaultLogger
		mu.RUnlock()
		if l == nil {
			return slog.Default()
		}
	}
	return l
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	mu.RLock()
	l := auditLogger
	mu.RUnlock()
	if l == nil {
		return L()
	}
	return l
}

// Sync flushes buffered log entries to their outputs.
func Sync() error {
	mu.Lock()
	cls := closers
	closers = nil
	mu.Unlock()
	return closeAll(cls)
}

// Named returns a child logger with the provided component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}
