// SPDX-License-Identifier: MIT

package encoder

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	// DefaultMaxLogSize is the maximum encoder log size before rotation.
	DefaultMaxLogSize = 10 * 1024 * 1024 // 10 MB

	// DefaultMaxLogFiles is the number of rotated encoder logs retained.
	DefaultMaxLogFiles = 5
)

// RotatingWriter is an io.Writer that rotates the encoder stderr log when it
// exceeds a size limit. Rotated files are numbered (.1 newest) and may be
// gzip-compressed in the background. Thread-safe.
type RotatingWriter struct {
	path     string
	maxSize  int64
	maxFiles int
	compress bool

	mu   sync.Mutex
	file *os.File
	size int64
}

// RotatingWriterOption is a functional option for configuring RotatingWriter.
type RotatingWriterOption func(*RotatingWriter)

// WithMaxSize sets the maximum log file size before rotation.
func WithMaxSize(size int64) RotatingWriterOption {
	return func(w *RotatingWriter) {
		w.maxSize = size
	}
}

// WithMaxFiles sets the maximum number of rotated files to keep.
func WithMaxFiles(count int) RotatingWriterOption {
	return func(w *RotatingWriter) {
		w.maxFiles = count
	}
}

// WithCompression enables gzip compression of rotated logs.
func WithCompression(compress bool) RotatingWriterOption {
	return func(w *RotatingWriter) {
		w.compress = compress
	}
}

// NewRotatingWriter creates a rotating log writer at path.
func NewRotatingWriter(path string, opts ...RotatingWriterOption) (*RotatingWriter, error) {
	w := &RotatingWriter{
		path:     path,
		maxSize:  DefaultMaxLogSize,
		maxFiles: DefaultMaxLogFiles,
	}

	for _, opt := range opts {
		opt(w)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if err := w.openFile(); err != nil {
		return nil, err
	}

	return w, nil
}

// Write implements io.Writer. If the write would exceed maxSize, the log is
// rotated first. A failed rotation does not drop the write.
func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxSize {
		if rotErr := w.rotate(); rotErr != nil && w.file == nil {
			if openErr := w.openFile(); openErr != nil {
				return 0, openErr
			}
		}
	}

	n, err = w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the log file. Safe to call multiple times.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

// Size returns the current log file size.
func (w *RotatingWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// rotate performs the rotation. Caller must hold w.mu.
func (w *RotatingWriter) rotate() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		w.file = nil
	}

	// Shift existing rotated files up (2->3, 1->2), compressed or not.
	for i := w.maxFiles - 1; i >= 1; i-- {
		for _, ext := range []string{"", ".gz"} {
			oldPath := w.rotatedPath(i) + ext
			newPath := w.rotatedPath(i+1) + ext
			if _, err := os.Stat(oldPath); err == nil {
				if err := os.Rename(oldPath, newPath); err != nil {
					return fmt.Errorf("failed to shift log file %s: %w", oldPath, err)
				}
			}
		}
	}

	rotated := w.rotatedPath(1)
	if err := os.Rename(w.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	if w.compress {
		go compressFile(rotated)
	}

	// Drop anything beyond the retention window.
	for i := w.maxFiles + 1; i <= w.maxFiles+10; i++ {
		_ = os.Remove(w.rotatedPath(i))
		_ = os.Remove(w.rotatedPath(i) + ".gz")
	}

	return w.openFile()
}

func (w *RotatingWriter) openFile() error {
	// #nosec G304 - log path comes from validated configuration
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	w.file = file
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) rotatedPath(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}

// compressFile gzips a rotated log and removes the original.
func compressFile(path string) {
	// #nosec G304 - rotated path derives from the validated log path
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	gzPath := path + ".gz"
	gzFile, err := os.Create(gzPath) // #nosec G304
	if err != nil {
		return
	}
	defer gzFile.Close()

	gzWriter := gzip.NewWriter(gzFile)
	if _, err := gzWriter.Write(data); err != nil {
		_ = os.Remove(gzPath)
		return
	}
	if err := gzWriter.Close(); err != nil {
		_ = os.Remove(gzPath)
		return
	}

	_ = os.Remove(path)
}

// encoderLogWriter builds the rotating stderr log writer for the encoder
// subprocess under logDir.
func encoderLogWriter(logDir string) (io.WriteCloser, error) {
	return NewRotatingWriter(filepath.Join(logDir, "ffmpeg.log"),
		WithMaxSize(DefaultMaxLogSize),
		WithMaxFiles(DefaultMaxLogFiles),
		WithCompression(true))
}
