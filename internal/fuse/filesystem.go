package fuse

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/iofwd/iof/internal/client"
	"github.com/iofwd/iof/internal/protocol"
	"github.com/iofwd/iof/pkg/errors"
)

// Projection is the client projection served by a FileSystem.
type Projection interface {
	Info() client.Info
	Lookup(ctx context.Context, parent uint64, name string) (client.Entry, error)
	Forget(ctx context.Context, ino uint64, n uint64)
	Getattr(ctx context.Context, ino uint64, fh *client.FileHandle) (protocol.Attr, error)
	Setattr(ctx context.Context, ino uint64, fh *client.FileHandle, in client.SetattrIn) (protocol.Attr, error)
	Statfs(ctx context.Context) (protocol.Statfs, error)
	Readlink(ctx context.Context, ino uint64) (string, error)
	Mkdir(ctx context.Context, parent uint64, name string, mode uint32) (client.Entry, error)
	Symlink(ctx context.Context, parent uint64, name, target string) (client.Entry, error)
	Unlink(ctx context.Context, parent uint64, name string) error
	Rmdir(ctx context.Context, parent uint64, name string) error
	Rename(ctx context.Context, oldParent uint64, oldName string, newParent uint64, newName string) error
	Open(ctx context.Context, ino uint64, flags int) (*client.FileHandle, error)
	Create(ctx context.Context, parent uint64, name string, mode uint32, flags int) (*client.FileHandle, client.Entry, error)
	Read(ctx context.Context, fh *client.FileHandle, off int64, size int) ([]byte, error)
	Write(ctx context.Context, fh *client.FileHandle, off int64, data []byte) (int, error)
	Fsync(ctx context.Context, fh *client.FileHandle, datasync bool) error
	Release(ctx context.Context, fh *client.FileHandle) error
	Opendir(ctx context.Context, ino uint64) (*client.DirHandle, error)
	Readdir(ctx context.Context, dh *client.DirHandle) (protocol.DirEntry, bool, error)
	Seekdir(dh *client.DirHandle, offset uint64)
	Releasedir(ctx context.Context, dh *client.DirHandle) error
	Ioctl(fh *client.FileHandle, cmd uint32) (client.GahInfo, error)
}

var _ Projection = (*client.Projection)(nil)

// Config holds kernel cache settings of a mounted projection.
type Config struct {
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// Stats counts kernel requests that failed or were interrupted.
type Stats struct {
	Errors      atomic.Uint64
	Interrupted atomic.Uint64
	OpenFiles   atomic.Int64
	OpenDirs    atomic.Int64
}

// Snapshot returns the counters by name.
func (s *Stats) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"errors":      s.Errors.Load(),
		"interrupted": s.Interrupted.Load(),
		"open_files":  uint64(max(s.OpenFiles.Load(), 0)),
		"open_dirs":   uint64(max(s.OpenDirs.Load(), 0)),
	}
}

// dirStream is an open directory as seen by the kernel. The kernel buffer may
// be too small for the next entry, in which case it is kept for the next call.
type dirStream struct {
	mu      sync.Mutex
	dh      *client.DirHandle
	offset  uint64
	pending *protocol.DirEntry
}

// FileSystem serves one projection to the kernel. Kernel node ids are the
// projection's inode numbers, with the root at client.RootIno.
type FileSystem struct {
	fuse.RawFileSystem

	proj   Projection
	config Config
	logger *slog.Logger
	stats  Stats

	mu         sync.Mutex
	files      map[uint64]*client.FileHandle
	dirs       map[uint64]*dirStream
	nextHandle uint64
}

// NewFileSystem creates a FileSystem for proj.
func NewFileSystem(proj Projection, config Config, logger *slog.Logger) *FileSystem {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSystem{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		proj:          proj,
		config:        config,
		logger:        logger.With("component", "fuse", "projection", proj.Info().Name),
		files:         make(map[uint64]*client.FileHandle),
		dirs:          make(map[uint64]*dirStream),
		nextHandle:    1,
	}
}

func (fs *FileSystem) String() string {
	return "iof:" + fs.proj.Info().Name
}

// Stats returns the request counters.
func (fs *FileSystem) Stats() *Stats {
	return &fs.stats
}

// context turns a kernel interrupt channel into a context.
func (fs *FileSystem) context(cancel <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, stop := context.WithCancel(context.Background())
	if cancel == nil {
		return ctx, stop
	}
	go func() {
		select {
		case <-cancel:
			fs.stats.Interrupted.Add(1)
			stop()
		case <-ctx.Done():
		}
	}()
	return ctx, stop
}

func (fs *FileSystem) status(op string, err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	fs.stats.Errors.Add(1)
	errno := errors.Errno(err)
	fs.logger.Debug("Request failed", "op", op, "errno", errno, "error", err)
	return fuse.Status(errno)
}

func (fs *FileSystem) fillAttr(a protocol.Attr, out *fuse.Attr) {
	out.Ino = a.Ino
	out.Size = a.Size
	out.Blocks = a.Blocks
	out.Atime = uint64(a.Atime)
	out.Atimensec = uint32(a.AtimeNsec)
	out.Mtime = uint64(a.Mtime)
	out.Mtimensec = uint32(a.MtimeNsec)
	out.Ctime = uint64(a.Ctime)
	out.Ctimensec = uint32(a.CtimeNsec)
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Uid = a.UID
	out.Gid = a.GID
	out.Rdev = uint32(a.Rdev)
	out.Blksize = a.Blksize
}

func (fs *FileSystem) fillEntry(e client.Entry, out *fuse.EntryOut) {
	out.NodeId = e.Ino
	out.Generation = 1
	fs.fillAttr(e.Attr, &out.Attr)
	out.SetEntryTimeout(fs.config.EntryTimeout)
	out.SetAttrTimeout(fs.config.AttrTimeout)
}

func (fs *FileSystem) addFile(fh *client.FileHandle) uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id := fs.nextHandle
	fs.nextHandle++
	fs.files[id] = fh
	fs.stats.OpenFiles.Add(1)
	return id
}

func (fs *FileSystem) file(id uint64) (*client.FileHandle, fuse.Status) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fh, ok := fs.files[id]
	if !ok {
		return nil, fuse.EBADF
	}
	return fh, fuse.OK
}

func (fs *FileSystem) dir(id uint64) (*dirStream, fuse.Status) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ds, ok := fs.dirs[id]
	if !ok {
		return nil, fuse.EBADF
	}
	return ds, fuse.OK
}

func (fs *FileSystem) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	ctx, stop := fs.context(cancel)
	defer stop()
	e, err := fs.proj.Lookup(ctx, header.NodeId, name)
	if err != nil {
		return fs.status("lookup", err)
	}
	fs.fillEntry(e, out)
	return fuse.OK
}

func (fs *FileSystem) Forget(nodeid, nlookup uint64) {
	fs.proj.Forget(context.Background(), nodeid, nlookup)
}

func (fs *FileSystem) GetAttr(cancel <-chan struct{}, input *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	ctx, stop := fs.context(cancel)
	defer stop()

	var fh *client.FileHandle
	if input.Flags()&fuse.FUSE_GETATTR_FH != 0 {
		if f, st := fs.file(input.Fh()); st == fuse.OK {
			fh = f
		}
	}
	a, err := fs.proj.Getattr(ctx, input.NodeId, fh)
	if err != nil {
		return fs.status("getattr", err)
	}
	fs.fillAttr(a, &out.Attr)
	out.SetTimeout(fs.config.AttrTimeout)
	return fuse.OK
}

func (fs *FileSystem) SetAttr(cancel <-chan struct{}, input *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	ctx, stop := fs.context(cancel)
	defer stop()

	var fh *client.FileHandle
	if id, ok := input.GetFh(); ok {
		f, st := fs.file(id)
		if st != fuse.OK {
			return st
		}
		fh = f
	}
	if _, ok := input.GetUID(); ok {
		return fuse.EPERM
	}
	if _, ok := input.GetGID(); ok {
		return fuse.EPERM
	}

	var in client.SetattrIn
	if mode, ok := input.GetMode(); ok {
		mode &= 0o7777
		in.Mode = &mode
	}
	if size, ok := input.GetSize(); ok {
		in.Size = &size
	}
	if t, ok := input.GetATime(); ok {
		in.Atime = &t
	}
	if t, ok := input.GetMTime(); ok {
		in.Mtime = &t
	}

	a, err := fs.proj.Setattr(ctx, input.NodeId, fh, in)
	if err != nil {
		return fs.status("setattr", err)
	}
	fs.fillAttr(a, &out.Attr)
	out.SetTimeout(fs.config.AttrTimeout)
	return fuse.OK
}

func (fs *FileSystem) Mkdir(cancel <-chan struct{}, input *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	ctx, stop := fs.context(cancel)
	defer stop()
	e, err := fs.proj.Mkdir(ctx, input.NodeId, name, input.Mode)
	if err != nil {
		return fs.status("mkdir", err)
	}
	fs.fillEntry(e, out)
	return fuse.OK
}

func (fs *FileSystem) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	ctx, stop := fs.context(cancel)
	defer stop()
	return fs.status("unlink", fs.proj.Unlink(ctx, header.NodeId, name))
}

func (fs *FileSystem) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	ctx, stop := fs.context(cancel)
	defer stop()
	return fs.status("rmdir", fs.proj.Rmdir(ctx, header.NodeId, name))
}

func (fs *FileSystem) Rename(cancel <-chan struct{}, input *fuse.RenameIn, oldName string, newName string) fuse.Status {
	// RENAME_NOREPLACE and RENAME_EXCHANGE cannot be forwarded.
	if input.Flags != 0 {
		return fuse.EINVAL
	}
	ctx, stop := fs.context(cancel)
	defer stop()
	return fs.status("rename", fs.proj.Rename(ctx, input.NodeId, oldName, input.Newdir, newName))
}

func (fs *FileSystem) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo string, linkName string, out *fuse.EntryOut) fuse.Status {
	ctx, stop := fs.context(cancel)
	defer stop()
	e, err := fs.proj.Symlink(ctx, header.NodeId, linkName, pointedTo)
	if err != nil {
		return fs.status("symlink", err)
	}
	fs.fillEntry(e, out)
	return fuse.OK
}

func (fs *FileSystem) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	ctx, stop := fs.context(cancel)
	defer stop()
	target, err := fs.proj.Readlink(ctx, header.NodeId)
	if err != nil {
		return nil, fs.status("readlink", err)
	}
	return []byte(target), fuse.OK
}

func (fs *FileSystem) Create(cancel <-chan struct{}, input *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	ctx, stop := fs.context(cancel)
	defer stop()
	fh, e, err := fs.proj.Create(ctx, input.NodeId, name, input.Mode, int(input.Flags))
	if err != nil {
		return fs.status("create", err)
	}
	fs.fillEntry(e, &out.EntryOut)
	out.Fh = fs.addFile(fh)
	return fuse.OK
}

func (fs *FileSystem) Open(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	ctx, stop := fs.context(cancel)
	defer stop()
	fh, err := fs.proj.Open(ctx, input.NodeId, int(input.Flags))
	if err != nil {
		return fs.status("open", err)
	}
	out.Fh = fs.addFile(fh)
	return fuse.OK
}

func (fs *FileSystem) Read(cancel <-chan struct{}, input *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	fh, st := fs.file(input.Fh)
	if st != fuse.OK {
		return nil, st
	}
	ctx, stop := fs.context(cancel)
	defer stop()
	data, err := fs.proj.Read(ctx, fh, int64(input.Offset), int(input.Size))
	if err != nil {
		return nil, fs.status("read", err)
	}
	return fuse.ReadResultData(data), fuse.OK
}

func (fs *FileSystem) Write(cancel <-chan struct{}, input *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	fh, st := fs.file(input.Fh)
	if st != fuse.OK {
		return 0, st
	}
	ctx, stop := fs.context(cancel)
	defer stop()
	n, err := fs.proj.Write(ctx, fh, int64(input.Offset), data)
	if err != nil {
		return 0, fs.status("write", err)
	}
	return uint32(n), fuse.OK
}

// Flush has nothing to do: writes are not buffered on the client.
func (fs *FileSystem) Flush(cancel <-chan struct{}, input *fuse.FlushIn) fuse.Status {
	_, st := fs.file(input.Fh)
	return st
}

func (fs *FileSystem) Fsync(cancel <-chan struct{}, input *fuse.FsyncIn) fuse.Status {
	fh, st := fs.file(input.Fh)
	if st != fuse.OK {
		return st
	}
	ctx, stop := fs.context(cancel)
	defer stop()
	return fs.status("fsync", fs.proj.Fsync(ctx, fh, input.FsyncFlags&1 != 0))
}

func (fs *FileSystem) Release(cancel <-chan struct{}, input *fuse.ReleaseIn) {
	fs.mu.Lock()
	fh, ok := fs.files[input.Fh]
	delete(fs.files, input.Fh)
	fs.mu.Unlock()
	if !ok {
		return
	}
	fs.stats.OpenFiles.Add(-1)
	if err := fs.proj.Release(context.Background(), fh); err != nil {
		fs.status("release", err)
	}
}

func (fs *FileSystem) Ioctl(cancel <-chan struct{}, input *fuse.IoctlIn, inbuf []byte, output *fuse.IoctlOut, outbuf []byte) fuse.Status {
	fh, st := fs.file(input.Fh)
	if st != fuse.OK {
		return st
	}
	info, err := fs.proj.Ioctl(fh, input.Cmd)
	if err != nil {
		return fs.status("ioctl", err)
	}
	copy(outbuf, info.Bytes())
	output.Result = 0
	return fuse.OK
}

func (fs *FileSystem) OpenDir(cancel <-chan struct{}, input *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	ctx, stop := fs.context(cancel)
	defer stop()
	dh, err := fs.proj.Opendir(ctx, input.NodeId)
	if err != nil {
		return fs.status("opendir", err)
	}

	fs.mu.Lock()
	id := fs.nextHandle
	fs.nextHandle++
	fs.dirs[id] = &dirStream{dh: dh}
	fs.mu.Unlock()
	fs.stats.OpenDirs.Add(1)

	out.Fh = id
	return fuse.OK
}

// ReadDir fills the kernel buffer from the directory cursor. Entry offsets are
// the resume offsets handed out by the I/O node, so a seek by the kernel
// repositions the cursor.
func (fs *FileSystem) ReadDir(cancel <-chan struct{}, input *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	ds, st := fs.dir(input.Fh)
	if st != fuse.OK {
		return st
	}
	ctx, stop := fs.context(cancel)
	defer stop()

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if input.Offset != ds.offset {
		fs.proj.Seekdir(ds.dh, input.Offset)
		ds.offset = input.Offset
		ds.pending = nil
	}

	for {
		var e protocol.DirEntry
		if ds.pending != nil {
			e = *ds.pending
			ds.pending = nil
		} else {
			var ok bool
			var err error
			e, ok, err = fs.proj.Readdir(ctx, ds.dh)
			if err != nil {
				return fs.status("readdir", err)
			}
			if !ok {
				return fuse.OK
			}
		}

		if !out.AddDirEntry(fuse.DirEntry{Name: e.Name, Ino: e.Attr.Ino, Mode: e.Attr.Mode, Off: e.Next}) {
			ds.pending = &e
			return fuse.OK
		}
		ds.offset = e.Next
	}
}

func (fs *FileSystem) ReleaseDir(input *fuse.ReleaseIn) {
	fs.mu.Lock()
	ds, ok := fs.dirs[input.Fh]
	delete(fs.dirs, input.Fh)
	fs.mu.Unlock()
	if !ok {
		return
	}
	fs.stats.OpenDirs.Add(-1)
	if err := fs.proj.Releasedir(context.Background(), ds.dh); err != nil {
		fs.status("releasedir", err)
	}
}

func (fs *FileSystem) StatFs(cancel <-chan struct{}, input *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	ctx, stop := fs.context(cancel)
	defer stop()
	s, err := fs.proj.Statfs(ctx)
	if err != nil {
		return fs.status("statfs", err)
	}
	out.Blocks = s.Blocks
	out.Bfree = s.Bfree
	out.Bavail = s.Bavail
	out.Files = s.Files
	out.Ffree = s.Ffree
	out.Bsize = uint32(s.Bsize)
	out.Frsize = uint32(s.Frsize)
	out.NameLen = uint32(s.NameLen)
	return fuse.OK
}

// releaseAll closes every handle the kernel left open, as on a lazy unmount.
func (fs *FileSystem) releaseAll(ctx context.Context) {
	fs.mu.Lock()
	files, dirs := fs.files, fs.dirs
	fs.files = make(map[uint64]*client.FileHandle)
	fs.dirs = make(map[uint64]*dirStream)
	fs.mu.Unlock()

	for _, fh := range files {
		if err := fs.proj.Release(ctx, fh); err != nil {
			fs.logger.Debug("Releasing file after unmount failed", "error", err)
		}
	}
	for _, ds := range dirs {
		if err := fs.proj.Releasedir(ctx, ds.dh); err != nil {
			fs.logger.Debug("Releasing directory after unmount failed", "error", err)
		}
	}
	fs.stats.OpenFiles.Add(-int64(len(files)))
	fs.stats.OpenDirs.Add(-int64(len(dirs)))
}

var _ fuse.RawFileSystem = (*FileSystem)(nil)
