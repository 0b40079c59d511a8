package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const rotatedSuffixLayout = "20060102-150405.000"

// Rotation controls when the daemon log file is rolled over.
type Rotation struct {
	MaxSizeMB  int // 0 disables rotation
	MaxAgeDays int // rotated files older than this are removed; 0 keeps all
	Compress   bool
}

// RotatingWriter appends to a log file and rolls it over once a write would
// push it past MaxSizeMB. Safe for concurrent use.
type RotatingWriter struct {
	path   string
	limit  int64
	policy Rotation

	mu   sync.Mutex
	file *os.File
	size int64

	// background gzip and prune jobs
	jobs sync.WaitGroup
}

// NewRotatingWriter opens path for appending, creating parent directories.
func NewRotatingWriter(path string, policy Rotation) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	w := &RotatingWriter{
		path:   path,
		limit:  int64(policy.MaxSizeMB) << 20,
		policy: policy,
	}
	if err := w.open(); err != nil {
		return nil, err
	}

	w.jobs.Add(1)
	go func() {
		defer w.jobs.Done()
		w.prune(time.Now())
	}()
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file, w.size = f, info.Size()
	return nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	// A single oversized record still goes into a fresh file rather than
	// being split.
	if w.limit > 0 && w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rollover(); err != nil {
			return 0, fmt.Errorf("failed to rotate log file: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the file and waits for pending compression.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.jobs.Wait()
	return err
}

// rollover requires w.mu.
func (w *RotatingWriter) rollover() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	rotated := w.path + "." + time.Now().Format(rotatedSuffixLayout)
	if err := os.Rename(w.path, rotated); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	w.jobs.Add(1)
	go func() {
		defer w.jobs.Done()
		if w.policy.Compress {
			_ = gzipFile(rotated)
		}
		w.prune(time.Now())
	}()
	return nil
}

// prune deletes rotated files older than MaxAgeDays and returns how many
// were removed.
func (w *RotatingWriter) prune(now time.Time) int {
	if w.policy.MaxAgeDays <= 0 {
		return 0
	}
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return 0
	}

	cutoff := now.AddDate(0, 0, -w.policy.MaxAgeDays)
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if os.Remove(path) == nil {
			removed++
		}
	}
	return removed
}

// gzipFile replaces path with path.gz.
func gzipFile(path string) error {
	if strings.HasSuffix(path, ".gz") {
		return nil
	}
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	_, copyErr := io.Copy(zw, src)
	closeErr := zw.Close()
	fileErr := dst.Close()
	for _, err := range []error{copyErr, closeErr, fileErr} {
		if err != nil {
			os.Remove(path + ".gz")
			return err
		}
	}
	return os.Remove(path)
}
