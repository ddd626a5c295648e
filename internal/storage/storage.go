// Package storage defines the filesystem backends an I/O node exports. Paths
// handed to a Backend are relative to its root, use forward slashes, and are
// already cleaned; "." names the root itself.
package storage

import (
	"context"
	"path"
	"strings"
	"syscall"

	"github.com/iofwd/iof/internal/protocol"
)

// Dirent is one entry returned by ReadDir.
type Dirent struct {
	Name string
	Attr protocol.Attr
}

// Backend is the filesystem behind one projection. Errors carry a
// syscall.Errno somewhere in their chain so the I/O node can reply with it.
type Backend interface {
	// Lookup returns the attributes of the single component name inside dir.
	Lookup(ctx context.Context, dir, name string) (protocol.Attr, error)
	// Getattr returns the attributes of name without following a final
	// symbolic link.
	Getattr(ctx context.Context, name string) (protocol.Attr, error)
	Open(ctx context.Context, name string, flags int) (File, error)
	Create(ctx context.Context, name string, flags int, mode uint32) (File, error)
	Truncate(ctx context.Context, name string, size int64) error
	Mkdir(ctx context.Context, name string, mode uint32) error
	Unlink(ctx context.Context, name string) error
	Rmdir(ctx context.Context, name string) error
	Rename(ctx context.Context, from, to string) error
	Symlink(ctx context.Context, target, name string) error
	Readlink(ctx context.Context, name string) (string, error)
	Chmod(ctx context.Context, name string, mode uint32) error
	// Utimens sets the access and modification times. Nsec may carry
	// protocol.UtimeNow or protocol.UtimeOmit.
	Utimens(ctx context.Context, name string, times protocol.Times) error
	Statfs(ctx context.Context) (protocol.Statfs, error)
	ReadDir(ctx context.Context, name string) ([]Dirent, error)
	Close() error
}

// File is an open file of a Backend.
type File interface {
	// Read reads into p at off. A short count at end of file is not an error.
	Read(p []byte, off int64) (int, error)
	Write(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Fsync(datasync bool) error
	Getattr() (protocol.Attr, error)
	Chmod(mode uint32) error
	Utimens(times protocol.Times) error
	Close() error
}

// Clean turns a client supplied path into a root-relative one that cannot
// leave the root.
func Clean(name string) string {
	c := strings.TrimPrefix(path.Clean("/"+name), "/")
	if c == "" {
		return "."
	}
	return c
}

// Join appends a single component to dir. Components containing a slash or
// naming a parent are rejected with EINVAL.
func Join(dir, name string) (string, error) {
	if name == "" {
		return Clean(dir), nil
	}
	if name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return "", syscall.EINVAL
	}
	return Clean(path.Join(dir, name)), nil
}
