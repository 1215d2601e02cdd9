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

const backupTimeFormat = "20060102-150405.000"

// RotationPolicy bounds the size and lifetime of log files.
type RotationPolicy struct {
	MaxBytes int64         // rotate before a write would exceed this; 0 never rotates
	MaxAge   time.Duration // delete backups older than this; 0 keeps them
	Compress bool          // gzip backups after rotation
}

// policyFromConfig converts the megabyte and day units of Config.
func policyFromConfig(cfg Config) RotationPolicy {
	return RotationPolicy{
		MaxBytes: int64(cfg.MaxSize) * 1024 * 1024,
		MaxAge:   time.Duration(cfg.MaxAge) * 24 * time.Hour,
		Compress: cfg.Compress,
	}
}

// RotatingWriter appends to a log file and moves it aside as
// <path>.<timestamp> when it grows past the policy limit. Compression and
// pruning of backups run off the write path; Close waits for them.
type RotatingWriter struct {
	mu     sync.Mutex
	path   string
	policy RotationPolicy
	file   *os.File
	size   int64
	now    func() time.Time

	housekeeping sync.WaitGroup
}

// NewRotatingWriter opens path for appending and prunes expired backups.
func NewRotatingWriter(path string, policy RotationPolicy) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{path: path, policy: policy, now: time.Now}
	if err := w.open(); err != nil {
		return nil, err
	}

	w.housekeeping.Add(1)
	go func() {
		defer w.housekeeping.Done()
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

// Write appends p, rotating first when p would push a non-empty file past the limit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.policy.MaxBytes > 0 && w.size > 0 && w.size+int64(len(p)) > w.policy.MaxBytes {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the file and waits for pending compression and pruning.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.housekeeping.Wait()
	return err
}

// rotate must be called with mu held.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	backup := w.path + "." + w.now().Format(backupTimeFormat)
	if err := os.Rename(w.path, backup); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	w.housekeeping.Add(1)
	go func() {
		defer w.housekeeping.Done()
		if w.policy.Compress {
			_ = compressBackup(backup)
		}
		w.prune()
	}()
	return nil
}

// compressBackup gzips path into path.gz and removes path. The archive is
// written under a temporary name so a crash never leaves a truncated .gz.
func compressBackup(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := path + ".gz.tmp"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(dst)
	_, err = io.Copy(gz, src)
	if closeErr := gz.Close(); err == nil {
		err = closeErr
	}
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path+".gz"); err != nil {
		return err
	}
	return os.Remove(path)
}

type backupFile struct {
	path    string
	modTime time.Time
}

// backups lists rotated files for this writer, oldest first.
func (w *RotatingWriter) backups() []backupFile {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil
	}
	var out []backupFile
	for _, match := range matches {
		if strings.HasSuffix(match, ".tmp") {
			continue
		}
		info, err := os.Stat(match)
		if err != nil || info.IsDir() {
			continue
		}
		out = append(out, backupFile{path: match, modTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].modTime.Before(out[j].modTime)
	})
	return out
}

// prune deletes backups older than MaxAge.
func (w *RotatingWriter) prune() {
	if w.policy.MaxAge <= 0 {
		return
	}
	cutoff := w.now().Add(-w.policy.MaxAge)
	for _, backup := range w.backups() {
		if backup.modTime.Before(cutoff) {
			os.Remove(backup.path)
		}
	}
}
