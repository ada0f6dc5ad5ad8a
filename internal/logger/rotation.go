package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102-150405.000000"

// RotationOptions bounds how large the live file grows and how many
// rotated files are kept
type RotationOptions struct {
	MaxSizeMB  int
	MaxAgeDays int // 0 keeps backups regardless of age
	MaxBackups int // 0 keeps every backup
	Compress   bool
}

// RotatingWriter is a size-rotated log file. Rotated files are renamed to
// <file>.<timestamp>, optionally gzipped, then pruned by age and count in
// the background. Close waits for that work to finish.
type RotatingWriter struct {
	mu   sync.Mutex
	path string
	opts RotationOptions
	file *os.File
	size int64

	archiving sync.WaitGroup
}

// NewRotatingWriter opens (or creates) path for appending
func NewRotatingWriter(path string, opts RotationOptions) (*RotatingWriter, error) {
	if opts.MaxSizeMB <= 0 {
		return nil, fmt.Errorf("max size must be positive, got %d MB", opts.MaxSizeMB)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{path: path, opts: opts}
	if err := w.open(); err != nil {
		return nil, err
	}

	w.archiving.Add(1)
	go func() {
		defer w.archiving.Done()
		w.prune()
	}()
	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) maxBytes() int64 {
	return int64(w.opts.MaxSizeMB) * 1024 * 1024
}

// Write appends p, rotating first when p would push the file past its
// limit. A single record is never split across files.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes() {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Rotate forces a rotation regardless of size
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return os.ErrClosed
	}
	return w.rotateLocked()
}

func (w *RotatingWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	backup := w.path + "." + time.Now().Format(backupTimeFormat)
	if err := os.Rename(w.path, backup); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	if err := w.open(); err != nil {
		return err
	}

	w.archiving.Add(1)
	go func() {
		defer w.archiving.Done()
		if w.opts.Compress {
			// A failed compression leaves the plain backup in place.
			_ = gzipFile(backup)
		}
		w.prune()
	}()
	return nil
}

// Close closes the live file and waits for pending archive work
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.archiving.Wait()
	return err
}

// Backups lists rotated files, oldest first
func (w *RotatingWriter) Backups() ([]string, error) {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil, err
	}
	// Timestamps sort lexically; a .gz suffix does not change the order.
	sort.Strings(matches)
	return matches, nil
}

// prune deletes backups past MaxAgeDays, then the oldest beyond MaxBackups
func (w *RotatingWriter) prune() {
	backups, err := w.Backups()
	if err != nil {
		return
	}

	kept := backups[:0]
	cutoff := time.Now().AddDate(0, 0, -w.opts.MaxAgeDays)
	for _, path := range backups {
		if w.opts.MaxAgeDays > 0 {
			if info, err := os.Stat(path); err == nil && info.ModTime().Before(cutoff) {
				_ = os.Remove(path)
				continue
			}
		}
		kept = append(kept, path)
	}

	if w.opts.MaxBackups > 0 && len(kept) > w.opts.MaxBackups {
		for _, path := range kept[:len(kept)-w.opts.MaxBackups] {
			_ = os.Remove(path)
		}
	}
}

// gzipFile replaces path with path.gz
func gzipFile(path string) error {
	if strings.HasSuffix(path, ".gz") {
		return nil
	}

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
