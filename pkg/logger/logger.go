// Package logger owns the process wide structured loggers: the application
// logger used by every component and the audit logger that records plugin
// lifecycle changes, permission decisions and admin requests.
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
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	AddSource   bool        `json:"add_source"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig controls audit log output behaviour.
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Set is a pair of configured loggers plus the outputs they own.
type Set struct {
	Logger  *slog.Logger
	Audit   *slog.Logger
	closers []io.Closer
}

// Close releases every file opened by the set.
func (s *Set) Close() error {
	var err error
	for _, c := range s.closers {
		err = errors.Join(err, c.Close())
	}
	s.closers = nil
	return err
}

var (
	mu      sync.RWMutex
	current *Set
)

// Build creates loggers from cfg without touching the global state.
func Build(cfg Config) (*Set, error) {
	set := &Set{}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level), AddSource: cfg.AddSource}
	handler, err := set.handler(cfg.Format, cfg.OutputPaths, opts)
	if err != nil {
		_ = set.Close()
		return nil, err
	}
	set.Logger = slog.New(handler)
	set.Audit = set.Logger.With("stream", "audit")
	if cfg.Audit.Enabled {
		audit, err := set.auditLogger(cfg.Audit)
		if err != nil {
			_ = set.Close()
			return nil, err
		}
		set.Audit = audit
	}
	return set, nil
}

// Init configures the global logger instances. Calling it again replaces
// them and closes the outputs of the previous configuration.
func Init(cfg Config) error {
	set, err := Build(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	prev := current
	current = set
	mu.Unlock()
	slog.SetDefault(set.Logger)
	if prev != nil {
		return prev.Close()
	}
	return nil
}

func (s *Set) handler(format string, outputs []string, opts *slog.HandlerOptions) (slog.Handler, error) {
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		writer, closer, err := openWriter(out)
		if err != nil {
			return nil, err
		}
		if closer != nil {
			s.closers = append(s.closers, closer)
		}
		writers = append(writers, writer)
	}
	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

func (s *Set) auditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	writer, err := newRotatingWriter(rotateConfig{
		Path:       cfg.Path,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
	})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, writer)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler), nil
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return file, file, nil
}

// ParseLevel maps a textual level to slog; unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func active() *Set {
	mu.RLock()
	set := current
	mu.RUnlock()
	if set != nil {
		return set
	}
	_ = Init(Config{})
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// L returns the structured logger instance.
func L() *slog.Logger {
	return active().Logger
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	return active().Audit
}

// Named returns a child logger tagged with the component name.
func Named(name string) *slog.Logger {
	return L().With("component", name)
}

// Sync closes the files behind the global loggers.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return nil
	}
	return current.Close()
}
