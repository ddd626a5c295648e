// Package local exports a directory of the I/O node's own filesystem.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/iofwd/iof/internal/protocol"
	"github.com/iofwd/iof/internal/storage"
)

// Backend serves paths below Root.
type Backend struct {
	root   string
	logger *slog.Logger
}

var _ storage.Backend = (*Backend)(nil)

// New returns a backend rooted at dir, which must be an existing directory.
func New(dir string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s: %w", abs, unix.ENOTDIR)
	}
	return &Backend{
		root:   abs,
		logger: logger.With("component", "local-backend", "root", abs),
	}, nil
}

// Root returns the exported directory.
func (b *Backend) Root() string {
	return b.root
}

func (b *Backend) path(name string) string {
	return filepath.Join(b.root, filepath.FromSlash(storage.Clean(name)))
}

func attrOf(st *unix.Stat_t) protocol.Attr {
	return protocol.Attr{
		Ino:       st.Ino,
		Mode:      st.Mode,
		Nlink:     uint32(st.Nlink),
		UID:       st.Uid,
		GID:       st.Gid,
		Rdev:      uint64(st.Rdev),
		Size:      uint64(st.Size),
		Blksize:   uint32(st.Blksize),
		Blocks:    uint64(st.Blocks),
		Atime:     int64(st.Atim.Sec),
		AtimeNsec: int64(st.Atim.Nsec),
		Mtime:     int64(st.Mtim.Sec),
		MtimeNsec: int64(st.Mtim.Nsec),
		Ctime:     int64(st.Ctim.Sec),
		CtimeNsec: int64(st.Ctim.Nsec),
	}
}

func lstat(p string) (protocol.Attr, error) {
	var st unix.Stat_t
	if err := unix.Lstat(p, &st); err != nil {
		return protocol.Attr{}, &os.PathError{Op: "lstat", Path: p, Err: err}
	}
	return attrOf(&st), nil
}

func timespecs(t protocol.Times) []unix.Timespec {
	return []unix.Timespec{
		{Sec: t.Atime.Sec, Nsec: t.Atime.Nsec},
		{Sec: t.Mtime.Sec, Nsec: t.Mtime.Nsec},
	}
}

func (b *Backend) Lookup(_ context.Context, dir, name string) (protocol.Attr, error) {
	p, err := storage.Join(dir, name)
	if err != nil {
		return protocol.Attr{}, err
	}
	return lstat(b.path(p))
}

func (b *Backend) Getattr(_ context.Context, name string) (protocol.Attr, error) {
	return lstat(b.path(name))
}

func (b *Backend) Open(_ context.Context, name string, flags int) (storage.File, error) {
	p := b.path(name)
	f, err := os.OpenFile(p, flags&^(unix.O_CREAT|unix.O_EXCL), 0)
	if err != nil {
		return nil, err
	}
	return &file{f: f, path: p}, nil
}

func (b *Backend) Create(_ context.Context, name string, flags int, mode uint32) (storage.File, error) {
	p := b.path(name)
	fd, err := unix.Open(p, flags|unix.O_CREAT|unix.O_CLOEXEC, mode)
	if err != nil {
		return nil, &os.PathError{Op: "create", Path: p, Err: err}
	}
	return &file{f: os.NewFile(uintptr(fd), p), path: p}, nil
}

func (b *Backend) Truncate(_ context.Context, name string, size int64) error {
	return os.Truncate(b.path(name), size)
}

func (b *Backend) Mkdir(_ context.Context, name string, mode uint32) error {
	p := b.path(name)
	if err := unix.Mkdir(p, mode); err != nil {
		return &os.PathError{Op: "mkdir", Path: p, Err: err}
	}
	return nil
}

func (b *Backend) Unlink(_ context.Context, name string) error {
	p := b.path(name)
	if err := unix.Unlink(p); err != nil {
		return &os.PathError{Op: "unlink", Path: p, Err: err}
	}
	return nil
}

func (b *Backend) Rmdir(_ context.Context, name string) error {
	p := b.path(name)
	if err := unix.Rmdir(p); err != nil {
		return &os.PathError{Op: "rmdir", Path: p, Err: err}
	}
	return nil
}

func (b *Backend) Rename(_ context.Context, from, to string) error {
	return os.Rename(b.path(from), b.path(to))
}

func (b *Backend) Symlink(_ context.Context, target, name string) error {
	return os.Symlink(target, b.path(name))
}

func (b *Backend) Readlink(_ context.Context, name string) (string, error) {
	return os.Readlink(b.path(name))
}

func (b *Backend) Chmod(_ context.Context, name string, mode uint32) error {
	p := b.path(name)
	if err := unix.Chmod(p, mode); err != nil {
		return &os.PathError{Op: "chmod", Path: p, Err: err}
	}
	return nil
}

func (b *Backend) Utimens(_ context.Context, name string, times protocol.Times) error {
	p := b.path(name)
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, p, timespecs(times), unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return &os.PathError{Op: "utimens", Path: p, Err: err}
	}
	return nil
}

func (b *Backend) Statfs(_ context.Context) (protocol.Statfs, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(b.root, &st); err != nil {
		return protocol.Statfs{}, &os.PathError{Op: "statfs", Path: b.root, Err: err}
	}
	return protocol.Statfs{
		Bsize:   uint64(st.Bsize),
		Frsize:  uint64(st.Frsize),
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		NameLen: uint64(st.Namelen),
	}, nil
}

// ReadDir lists name. Entries that vanish between the listing and their stat
// are skipped.
func (b *Backend) ReadDir(_ context.Context, name string) ([]storage.Dirent, error) {
	p := b.path(name)
	des, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	out := make([]storage.Dirent, 0, len(des))
	for _, de := range des {
		attr, err := lstat(filepath.Join(p, de.Name()))
		if err != nil {
			b.logger.Debug("Skipping entry", "name", de.Name(), "error", err)
			continue
		}
		out = append(out, storage.Dirent{Name: de.Name(), Attr: attr})
	}
	return out, nil
}

func (b *Backend) Close() error {
	return nil
}

type file struct {
	f    *os.File
	path string
}

func (f *file) Read(p []byte, off int64) (int, error) {
	n, err := unix.Pread(int(f.f.Fd()), p, off)
	if err != nil {
		return 0, &os.PathError{Op: "read", Path: f.path, Err: err}
	}
	return n, nil
}

func (f *file) Write(p []byte, off int64) (int, error) {
	return f.f.WriteAt(p, off)
}

func (f *file) Truncate(size int64) error {
	return f.f.Truncate(size)
}

func (f *file) Fsync(datasync bool) error {
	if !datasync {
		return f.f.Sync()
	}
	if err := unix.Fdatasync(int(f.f.Fd())); err != nil {
		return &os.PathError{Op: "fdatasync", Path: f.path, Err: err}
	}
	return nil
}

func (f *file) Getattr() (protocol.Attr, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.f.Fd()), &st); err != nil {
		return protocol.Attr{}, &os.PathError{Op: "fstat", Path: f.path, Err: err}
	}
	return attrOf(&st), nil
}

func (f *file) Chmod(mode uint32) error {
	if err := unix.Fchmod(int(f.f.Fd()), mode); err != nil {
		return &os.PathError{Op: "fchmod", Path: f.path, Err: err}
	}
	return nil
}

func (f *file) Utimens(times protocol.Times) error {
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, f.path, timespecs(times), 0); err != nil {
		return &os.PathError{Op: "utimens", Path: f.path, Err: err}
	}
	return nil
}

func (f *file) Close() error {
	return f.f.Close()
}
