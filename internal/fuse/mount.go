package fuse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// MountConfig contains mount-specific configuration.
type MountConfig struct {
	MountPoint string   `yaml:"mount_point"`
	AllowOther bool     `yaml:"allow_other"`
	Options    []string `yaml:"options"`
	MaxWrite   int      `yaml:"max_write"`
	Debug      bool     `yaml:"debug"`
	// Create makes the mount point if it does not exist.
	Create bool `yaml:"create"`
}

// MountManager mounts one FileSystem and serves it until unmounted.
type MountManager struct {
	filesystem *FileSystem
	config     MountConfig
	logger     *slog.Logger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
	done    chan struct{}
}

// NewMountManager creates a mount manager for filesystem.
func NewMountManager(filesystem *FileSystem, config MountConfig, logger *slog.Logger) *MountManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MountManager{
		filesystem: filesystem,
		config:     config,
		logger:     logger.With("component", "mount", "mount_point", config.MountPoint),
	}
}

// Mount mounts the filesystem and starts serving kernel requests. It returns
// once the kernel has acknowledged the mount.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return fmt.Errorf("filesystem is already mounted")
	}
	if err := m.validateMountPoint(); err != nil {
		return fmt.Errorf("invalid mount point: %w", err)
	}

	server, err := fuse.NewServer(m.filesystem, m.config.MountPoint, m.buildFUSEOptions())
	if err != nil {
		return fmt.Errorf("failed to mount filesystem: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve()
	}()
	if err := server.WaitMount(); err != nil {
		_ = server.Unmount()
		<-done
		return fmt.Errorf("mount not acknowledged: %w", err)
	}

	m.server = server
	m.done = done
	m.mounted = true
	m.logger.Info("Projection mounted", "projection", m.filesystem.proj.Info().Name)

	go func() {
		<-done
		m.mu.Lock()
		if m.server == server {
			m.mounted = false
		}
		m.mu.Unlock()
		m.logger.Info("FUSE server stopped")
	}()
	return nil
}

// Unmount unmounts the filesystem, falling back to a lazy unmount when the
// mount is busy. Handles the kernel still held are released on the I/O node.
func (m *MountManager) Unmount(ctx context.Context) error {
	m.mu.Lock()
	server, done := m.server, m.done
	if !m.mounted || server == nil {
		m.mu.Unlock()
		return fmt.Errorf("filesystem is not mounted")
	}
	m.mu.Unlock()

	m.logger.Info("Unmounting filesystem")
	if err := server.Unmount(); err != nil {
		m.logger.Warn("Normal unmount failed, trying lazy unmount", "error", err)
		if lazyErr := unix.Unmount(m.config.MountPoint, unix.MNT_DETACH); lazyErr != nil {
			return fmt.Errorf("unmount failed: %w (lazy unmount also failed: %v)", err, lazyErr)
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.filesystem.releaseAll(ctx)

	m.mu.Lock()
	m.mounted = false
	m.server = nil
	m.mu.Unlock()
	return nil
}

// IsMounted reports whether the filesystem is currently mounted.
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// MountPoint returns the mount point.
func (m *MountManager) MountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the FUSE server stops.
func (m *MountManager) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	info, err := os.Stat(m.config.MountPoint)
	if os.IsNotExist(err) && m.config.Create {
		if err := os.MkdirAll(m.config.MountPoint, 0o755); err != nil {
			return fmt.Errorf("cannot create mount point: %w", err)
		}
		info, err = os.Stat(m.config.MountPoint)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mount point does not exist: %s", m.config.MountPoint)
		}
		return fmt.Errorf("cannot access mount point: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", m.config.MountPoint)
	}

	entries, err := os.ReadDir(m.config.MountPoint)
	if err != nil {
		return fmt.Errorf("cannot read mount point directory: %w", err)
	}
	if len(entries) > 0 {
		m.logger.Warn("Mount point is not empty")
	}

	if isMounted(m.config.MountPoint) {
		return fmt.Errorf("mount point %s is already mounted", m.config.MountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fuse.MountOptions {
	name := m.filesystem.proj.Info().Name
	opts := &fuse.MountOptions{
		AllowOther:         m.config.AllowOther,
		Options:            append([]string(nil), m.config.Options...),
		MaxWrite:           m.config.MaxWrite,
		FsName:             "iof:" + name,
		Name:               "iof",
		Debug:              m.config.Debug,
		DisableReadDirPlus: true,
		DisableXAttrs:      true,
		Logger:             slog.NewLogLogger(m.logger.Handler(), slog.LevelDebug),
	}
	if !m.filesystem.proj.Info().Writeable() {
		opts.Options = append(opts.Options, "ro")
	}
	return opts
}

// isMounted reports whether mountPoint appears in /proc/self/mounts.
func isMounted(mountPoint string) bool {
	data, err := os.ReadFile("/proc/self/mounts")
	if err != nil {
		return false
	}
	mountPoint = filepath.Clean(mountPoint)
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) > 1 && fields[1] == mountPoint {
			return true
		}
	}
	return false
}
