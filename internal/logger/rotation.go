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

// RotatingWriter appends to a log file and moves it aside once it grows
// past maxSize. Safe for concurrent use.
type RotatingWriter struct {
	mu       sync.Mutex
	path     string
	maxSize  int64
	maxAge   int
	compress bool
	file     *os.File
	size     int64
}

// NewRotatingWriter opens (or creates) path. A maxSizeMB of 0 starts a new
// file for every write.
func NewRotatingWriter(path string, maxSizeMB int, maxAgeDays int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	w := &RotatingWriter{
		path:     path,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		maxAge:   maxAgeDays,
		compress: compress,
		file:     file,
		size:     info.Size(),
	}
	w.prune()
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	rotated := fmt.Sprintf("%s.%s", w.path, time.Now().Format("20060102-150405.000"))
	if err := os.Rename(w.path, rotated); err != nil {
		return err
	}
	if w.compress {
		if err := gzipFile(rotated); err != nil {
			return err
		}
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.file = file
	w.size = 0
	return nil
}

// gzipFile replaces path with path.gz.
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		dst.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// prune removes rotated files older than maxAge days.
func (w *RotatingWriter) prune() {
	if w.maxAge <= 0 {
		return
	}
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -w.maxAge)
	for _, m := range matches {
		if !strings.HasPrefix(m, w.path+".") {
			continue
		}
		info, err := os.Stat(m)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		_ = os.Remove(m)
	}
}
