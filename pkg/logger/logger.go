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

// Config carries the knobs for the process-wide logger.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	AddSource   bool
	Audit       AuditConfig
}

// AuditConfig controls the dedicated audit log output.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	once          sync.Once
	initErr       error
	defaultLogger *slog.Logger
	auditLogger   *slog.Logger
	closers       []io.Closer
)

// Init wires the process-wide loggers. The first call wins; later calls
// observe the outcome of the first one.
func Init(cfg Config) error {
	once.Do(func() { initErr = setup(cfg) })
	return initErr
}

func setup(cfg Config) error {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	sink, err := combineOutputs(cfg.OutputPaths)
	if err != nil {
		return err
	}
	defaultLogger = slog.New(newHandler(cfg.Format, sink, opts))

	auditLogger = defaultLogger
	if cfg.Audit.Enabled {
		audit, err := newAuditLogger(cfg.Audit)
		if err != nil {
			return err
		}
		auditLogger = audit
	}
	return nil
}

func combineOutputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		writer, err := openSink(path)
		if err != nil {
			return nil, err
		}
		writers = append(writers, writer)
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func openSink(path string) (io.Writer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log output directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log sink %s: %w", path, err)
	}
	closers = append(closers, file)
	return file, nil
}

func newHandler(format string, sink io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(sink, opts)
	}
	return slog.NewJSONHandler(sink, opts)
}

func newAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log enabled but no path configured")
	}
	writer, err := newRotatingWriter(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	if err != nil {
		return nil, err
	}
	closers = append(closers, writer)
	return slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})), nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

// L returns the process logger, initialising the defaults on first use. It
// falls back to slog.Default when initialisation failed.
func L() *slog.Logger {
	if defaultLogger == nil {
		_ = Init(Config{})
	}
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

// Audit returns the audit logger. It falls back to the default logger when
// no dedicated audit output is configured.
func Audit() *slog.Logger {
	if auditLogger != nil {
		return auditLogger
	}
	return L()
}

// Named returns a child logger tagged with the component name.
func Named(name string) *slog.Logger {
	return L().With("component", name)
}

// Sync closes every file-backed log output.
func Sync() error {
	var errs []error
	for _, closer := range closers {
		errs = append(errs, closer.Close())
	}
	closers = nil
	return errors.Join(errs...)
}
