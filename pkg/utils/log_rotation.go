package utils

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

// RotationConfig holds configuration for log rotation
type RotationConfig struct {
	// Filename is the file to write logs to
	Filename string

	// MaxSize is the size in megabytes that triggers rotation (0 = never)
	MaxSize int64

	// MaxBackups is the number of rotated files kept (0 = keep all)
	MaxBackups int

	// Compress gzips rotated files
	Compress bool
}

// LogRotator is an io.Writer that moves the log file aside once it grows past
// MaxSize. Rotated files are named <base>-<timestamp><ext>.
type LogRotator struct {
	mu sync.Mutex

	config *RotationConfig
	file   *os.File
	size   int64
	// seq disambiguates rotations within the same second.
	seq int
	now func() time.Time
}

// NewLogRotator opens the log file for appending.
func NewLogRotator(config *RotationConfig) (*LogRotator, error) {
	if config == nil || config.Filename == "" {
		return nil, fmt.Errorf("log rotation needs a filename")
	}
	lr := &LogRotator{config: config, now: time.Now}
	if err := lr.open(); err != nil {
		return nil, err
	}
	return lr, nil
}

// Write implements io.Writer
func (lr *LogRotator) Write(p []byte) (int, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return 0, os.ErrClosed
	}
	if limit := lr.config.MaxSize << 20; limit > 0 && lr.size > 0 && lr.size+int64(len(p)) > limit {
		if err := lr.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}
	n, err := lr.file.Write(p)
	lr.size += int64(n)
	return n, err
}

// Close closes the log file
func (lr *LogRotator) Close() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return nil
	}
	err := lr.file.Close()
	lr.file = nil
	return err
}

// Rotate moves the current file aside immediately.
func (lr *LogRotator) Rotate() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.rotate()
}

func (lr *LogRotator) open() error {
	if err := os.MkdirAll(filepath.Dir(lr.config.Filename), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(lr.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	lr.file, lr.size = f, info.Size()
	return nil
}

func (lr *LogRotator) split() (dir, prefix, ext string) {
	dir = filepath.Dir(lr.config.Filename)
	base := filepath.Base(lr.config.Filename)
	ext = filepath.Ext(base)
	return dir, strings.TrimSuffix(base, ext) + "-", ext
}

func (lr *LogRotator) rotate() error {
	if lr.file != nil {
		if err := lr.file.Close(); err != nil {
			return err
		}
		lr.file = nil
	}

	dir, prefix, ext := lr.split()
	lr.seq++
	backup := filepath.Join(dir, fmt.Sprintf("%s%s.%04d%s",
		prefix, lr.now().UTC().Format("20060102T150405"), lr.seq, ext))
	if err := os.Rename(lr.config.Filename, backup); err != nil && !os.IsNotExist(err) {
		return err
	}

	if lr.config.Compress {
		if err := gzipFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "compressing %s: %v\n", backup, err)
		}
	}
	lr.prune()
	return lr.open()
}

// prune removes the oldest backups beyond MaxBackups.
func (lr *LogRotator) prune() {
	if lr.config.MaxBackups <= 0 {
		return
	}
	dir, prefix, ext := lr.split()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var backups []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && (strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz")) {
			backups = append(backups, name)
		}
	}
	if len(backups) <= lr.config.MaxBackups {
		return
	}

	// Backup names sort chronologically.
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-lr.config.MaxBackups] {
		_ = os.Remove(filepath.Join(dir, name))
	}
}

func gzipFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
