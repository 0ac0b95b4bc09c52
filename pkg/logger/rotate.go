package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 7
	defaultMaxAgeDays = 30
)

type rotateConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// maxBytes overrides MaxSizeMB; used by tests.
	maxBytes int64
	now      func() time.Time
}

// rotatingWriter is a size based rotating file. Backups are named
// path.1 (newest) to path.N.
type rotatingWriter struct {
	mu   sync.Mutex
	cfg  rotateConfig
	file *os.File
	size int64
}

func newRotatingWriter(cfg rotateConfig) (*rotatingWriter, error) {
	if cfg.Path == "" {
		return nil, errors.New("path is required")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = defaultMaxSizeMB
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = defaultMaxBackups
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = defaultMaxAgeDays
	}
	if cfg.maxBytes <= 0 {
		cfg.maxBytes = int64(cfg.MaxSizeMB) * 1024 * 1024
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingWriter{cfg: cfg}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.open(); err != nil {
		return 0, err
	}
	if w.size > 0 && w.size+int64(len(p)) > w.cfg.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *rotatingWriter) open() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *rotatingWriter) backup(i int) string {
	return fmt.Sprintf("%s.%d", w.cfg.Path, i)
}

func (w *rotatingWriter) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("close audit log: %w", err)
		}
		w.file = nil
	}
	w.size = 0

	_ = os.Remove(w.backup(w.cfg.MaxBackups))
	for i := w.cfg.MaxBackups - 1; i >= 1; i-- {
		if _, err := os.Stat(w.backup(i)); err == nil {
			_ = os.Rename(w.backup(i), w.backup(i+1))
		}
	}
	if err := os.Rename(w.cfg.Path, w.backup(1)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	w.prune()
	return nil
}

func (w *rotatingWriter) prune() {
	cutoff := w.cfg.now().Add(-time.Duration(w.cfg.MaxAgeDays) * 24 * time.Hour)
	for i := 1; i <= w.cfg.MaxBackups; i++ {
		info, err := os.Stat(w.backup(i))
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(w.backup(i))
		}
	}
}
