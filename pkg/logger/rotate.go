package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// rotatingFile is a size-capped append writer for the audit trail. When the
// active file would exceed the limit it is shifted to a numbered backup, and
// backups past the retention window are pruned.
type rotatingFile struct {
	mu      sync.Mutex
	out     *os.File
	path    string
	limit   int64
	keep    int
	retain  time.Duration
	written int64
}

func newRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rotatingFile, error) {
	if path == "" {
		return nil, errors.New("log path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 7
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	return newRotatingFile(path, int64(maxSizeMB)*1024*1024, maxBackups, time.Duration(maxAgeDays)*24*time.Hour)
}

func newRotatingFile(path string, limit int64, keep int, retain time.Duration) (*rotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory for audit log: %w", err)
	}
	return &rotatingFile{path: path, limit: limit, keep: keep, retain: retain}, nil
}

func (f *rotatingFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.open(); err != nil {
		return 0, err
	}
	if f.limit > 0 && f.written+int64(len(p)) > f.limit {
		if err := f.rotate(); err != nil {
			return 0, err
		}
		if err := f.open(); err != nil {
			return 0, err
		}
	}
	n, err := f.out.Write(p)
	f.written += int64(n)
	return n, err
}

func (f *rotatingFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.out == nil {
		return nil
	}
	err := f.out.Close()
	f.out = nil
	f.written = 0
	return err
}

func (f *rotatingFile) open() error {
	if f.out != nil {
		return nil
	}
	out, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log file: %w", err)
	}
	info, err := out.Stat()
	if err != nil {
		out.Close()
		return fmt.Errorf("stat audit log file: %w", err)
	}
	f.out = out
	f.written = info.Size()
	return nil
}

// rotate shifts path -> path.1 -> ... -> path.keep, then prunes backups past
// the retention window. Rename failures are non-fatal.
func (f *rotatingFile) rotate() error {
	if f.out != nil {
		_ = f.out.Close()
		f.out = nil
	}
	f.written = 0

	if f.keep <= 0 {
		_ = os.Remove(f.path)
		return nil
	}
	for i := f.keep - 1; i >= 1; i-- {
		if _, err := os.Stat(f.backupName(i)); err == nil {
			_ = os.Rename(f.backupName(i), f.backupName(i+1))
		}
	}
	if _, err := os.Stat(f.path); err == nil {
		_ = os.Rename(f.path, f.backupName(1))
	}
	f.prune()
	return nil
}

func (f *rotatingFile) backupName(n int) string {
	return fmt.Sprintf("%s.%d", f.path, n)
}

func (f *rotatingFile) prune() {
	if f.retain <= 0 {
		return
	}
	cutoff := time.Now().Add(-f.retain)
	for i := 1; i <= f.keep; i++ {
		info, err := os.Stat(f.backupName(i))
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(f.backupName(i))
		}
	}
}
