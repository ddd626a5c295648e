package fuse

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iofwd/iof/internal/client"
	"github.com/iofwd/iof/internal/protocol"
	"github.com/iofwd/iof/pkg/errors"
)

// fakeProjection serves a flat root directory from memory.
type fakeProjection struct {
	mu sync.Mutex

	info      client.Info
	attrs     map[string]protocol.Attr
	data      map[uint64][]byte
	dir       []protocol.DirEntry
	pos       int
	seeks     []uint64
	forgotten map[uint64]uint64
	setattr   client.SetattrIn
	released  int
	closed    int
	fail      error
}

func newFakeProjection(writeable bool) *fakeProjection {
	info := client.Info{Name: "scratch", CliFSID: 7}
	if writeable {
		info.Flags = client.FlagWriteable
	}
	return &fakeProjection{
		info: info,
		attrs: map[string]protocol.Attr{
			"a": {Ino: 10, Mode: syscall.S_IFREG | 0o644, Size: 5, Nlink: 1},
			"b": {Ino: 11, Mode: syscall.S_IFDIR | 0o755, Nlink: 2},
			"c": {Ino: 12, Mode: syscall.S_IFLNK | 0o777, Nlink: 1},
		},
		data: map[uint64][]byte{10: []byte("hello")},
		dir: []protocol.DirEntry{
			{Name: "a", Attr: protocol.Attr{Ino: 10, Mode: syscall.S_IFREG}, Next: 1},
			{Name: "b", Attr: protocol.Attr{Ino: 11, Mode: syscall.S_IFDIR}, Next: 2},
			{Name: "c", Attr: protocol.Attr{Ino: 12, Mode: syscall.S_IFLNK}, Next: 3},
		},
		forgotten: make(map[uint64]uint64),
	}
}

func (f *fakeProjection) Info() client.Info { return f.info }

func (f *fakeProjection) Lookup(ctx context.Context, parent uint64, name string) (client.Entry, error) {
	if f.fail != nil {
		return client.Entry{}, f.fail
	}
	a, ok := f.attrs[name]
	if !ok || parent != client.RootIno {
		return client.Entry{}, errors.NewError(errors.ErrCodeOperationFailed, "no such entry").WithErrno(syscall.ENOENT)
	}
	return client.Entry{Ino: a.Ino, Attr: a}, nil
}

func (f *fakeProjection) Forget(ctx context.Context, ino uint64, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten[ino] += n
}

func (f *fakeProjection) Getattr(ctx context.Context, ino uint64, fh *client.FileHandle) (protocol.Attr, error) {
	for _, a := range f.attrs {
		if a.Ino == ino {
			return a, nil
		}
	}
	return protocol.Attr{Ino: ino, Mode: syscall.S_IFDIR | 0o755}, nil
}

func (f *fakeProjection) Setattr(ctx context.Context, ino uint64, fh *client.FileHandle, in client.SetattrIn) (protocol.Attr, error) {
	f.setattr = in
	a, _ := f.Getattr(ctx, ino, fh)
	if in.Size != nil {
		a.Size = *in.Size
	}
	return a, nil
}

func (f *fakeProjection) Statfs(ctx context.Context) (protocol.Statfs, error) {
	return protocol.Statfs{Bsize: 4096, Frsize: 4096, Blocks: 100, Bfree: 50, Bavail: 40, Files: 10, Ffree: 5, NameLen: 255}, nil
}

func (f *fakeProjection) Readlink(ctx context.Context, ino uint64) (string, error) {
	if ino != 12 {
		return "", errors.NewError(errors.ErrCodeOperationFailed, "not a link").WithErrno(syscall.EINVAL)
	}
	return "a", nil
}

func (f *fakeProjection) Mkdir(ctx context.Context, parent uint64, name string, mode uint32) (client.Entry, error) {
	a := protocol.Attr{Ino: 20, Mode: syscall.S_IFDIR | mode}
	f.attrs[name] = a
	return client.Entry{Ino: a.Ino, Attr: a}, nil
}

func (f *fakeProjection) Symlink(ctx context.Context, parent uint64, name, target string) (client.Entry, error) {
	a := protocol.Attr{Ino: 21, Mode: syscall.S_IFLNK | 0o777, Size: uint64(len(target))}
	f.attrs[name] = a
	return client.Entry{Ino: a.Ino, Attr: a}, nil
}

func (f *fakeProjection) Unlink(ctx context.Context, parent uint64, name string) error {
	if _, ok := f.attrs[name]; !ok {
		return errors.NewError(errors.ErrCodeOperationFailed, "no such entry").WithErrno(syscall.ENOENT)
	}
	delete(f.attrs, name)
	return nil
}

func (f *fakeProjection) Rmdir(ctx context.Context, parent uint64, name string) error {
	return f.Unlink(ctx, parent, name)
}

func (f *fakeProjection) Rename(ctx context.Context, oldParent uint64, oldName string, newParent uint64, newName string) error {
	a, ok := f.attrs[oldName]
	if !ok {
		return errors.NewError(errors.ErrCodeOperationFailed, "no such entry").WithErrno(syscall.ENOENT)
	}
	delete(f.attrs, oldName)
	f.attrs[newName] = a
	return nil
}

func (f *fakeProjection) Open(ctx context.Context, ino uint64, flags int) (*client.FileHandle, error) {
	if !f.info.Writeable() && flags&syscall.O_ACCMODE != syscall.O_RDONLY {
		return nil, errors.NewError(errors.ErrCodeReadOnly, "read-only projection")
	}
	return &client.FileHandle{Ino: ino, Flags: flags}, nil
}

func (f *fakeProjection) Create(ctx context.Context, parent uint64, name string, mode uint32, flags int) (*client.FileHandle, client.Entry, error) {
	a := protocol.Attr{Ino: 22, Mode: syscall.S_IFREG | mode}
	f.attrs[name] = a
	return &client.FileHandle{Ino: a.Ino, Flags: flags}, client.Entry{Ino: a.Ino, Attr: a}, nil
}

func (f *fakeProjection) Read(ctx context.Context, fh *client.FileHandle, off int64, size int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.data[fh.Ino]
	if off >= int64(len(d)) {
		return nil, nil
	}
	end := min(int(off)+size, len(d))
	return append([]byte(nil), d[off:end]...), nil
}

func (f *fakeProjection) Write(ctx context.Context, fh *client.FileHandle, off int64, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.data[fh.Ino]
	if need := int(off) + len(data); need > len(d) {
		d = append(d, make([]byte, need-len(d))...)
	}
	copy(d[off:], data)
	f.data[fh.Ino] = d
	return len(data), nil
}

func (f *fakeProjection) Fsync(ctx context.Context, fh *client.FileHandle, datasync bool) error {
	return nil
}

func (f *fakeProjection) Release(ctx context.Context, fh *client.FileHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func (f *fakeProjection) Opendir(ctx context.Context, ino uint64) (*client.DirHandle, error) {
	if ino != client.RootIno {
		return nil, errors.NewError(errors.ErrCodeOperationFailed, "not a directory").WithErrno(syscall.ENOTDIR)
	}
	f.pos = 0
	return &client.DirHandle{Ino: ino}, nil
}

func (f *fakeProjection) Readdir(ctx context.Context, dh *client.DirHandle) (protocol.DirEntry, bool, error) {
	if f.pos >= len(f.dir) {
		return protocol.DirEntry{}, false, nil
	}
	e := f.dir[f.pos]
	f.pos++
	return e, true, nil
}

func (f *fakeProjection) Seekdir(dh *client.DirHandle, offset uint64) {
	f.seeks = append(f.seeks, offset)
	f.pos = int(offset)
}

func (f *fakeProjection) Releasedir(ctx context.Context, dh *client.DirHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeProjection) Ioctl(fh *client.FileHandle, cmd uint32) (client.GahInfo, error) {
	if cmd != client.IoctlGAH {
		return client.GahInfo{}, errors.NewError(errors.ErrCodeOperationFailed, "ioctl not supported").WithErrno(syscall.ENOTSUP)
	}
	return client.GahInfo{Version: client.IoctlVersion, CNSSID: 99, CliFSID: f.info.CliFSID}, nil
}

func newTestFS(t *testing.T, writeable bool) (*FileSystem, *fakeProjection) {
	t.Helper()
	proj := newFakeProjection(writeable)
	return NewFileSystem(proj, Config{AttrTimeout: 2 * time.Second, EntryTimeout: time.Second}, nil), proj
}

func root() fuse.InHeader {
	return fuse.InHeader{NodeId: client.RootIno}
}

func TestLookupFillsEntry(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t, true)

	var out fuse.EntryOut
	require.Equal(t, fuse.OK, fs.Lookup(nil, &fuse.InHeader{NodeId: client.RootIno}, "a", &out))
	assert.Equal(t, uint64(10), out.NodeId)
	assert.Equal(t, uint64(10), out.Attr.Ino)
	assert.Equal(t, uint64(5), out.Attr.Size)
	assert.Equal(t, uint32(syscall.S_IFREG|0o644), out.Attr.Mode)
	assert.Equal(t, time.Second, out.EntryTimeout())
	assert.Equal(t, 2*time.Second, out.AttrTimeout())
}

func TestErrorsBecomeErrno(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want fuse.Status
	}{
		{"errno in chain", errors.NewError(errors.ErrCodeOperationFailed, "gone").WithErrno(syscall.ENOENT), fuse.ENOENT},
		{"offline projection", errors.NewError(errors.ErrCodeProjectionOffline, "offline"), fuse.Status(syscall.EHOSTDOWN)},
		{"read-only projection", errors.NewError(errors.ErrCodeReadOnly, "ro"), fuse.EROFS},
		{"plain error", stderrors.New("boom"), fuse.EIO},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fs, proj := newTestFS(t, true)
			proj.fail = tt.err

			var out fuse.EntryOut
			in := root()
			if got := fs.Lookup(nil, &in, "a", &out); got != tt.want {
				t.Errorf("Lookup() = %v, want %v", got, tt.want)
			}
			if got := fs.Stats().Snapshot()["errors"]; got != 1 {
				t.Errorf("errors = %d, want 1", got)
			}
		})
	}
}

func TestOpenReadWriteRelease(t *testing.T) {
	t.Parallel()
	fs, proj := newTestFS(t, true)

	var open fuse.OpenOut
	require.Equal(t, fuse.OK, fs.Open(nil, &fuse.OpenIn{InHeader: fuse.InHeader{NodeId: 10}, Flags: syscall.O_RDWR}, &open))
	assert.NotZero(t, open.Fh)
	assert.Equal(t, uint64(1), fs.Stats().Snapshot()["open_files"])

	n, st := fs.Write(nil, &fuse.WriteIn{Fh: open.Fh, Offset: 5}, []byte(" world"))
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, uint32(6), n)

	res, st := fs.Read(nil, &fuse.ReadIn{Fh: open.Fh, Offset: 0, Size: 64}, make([]byte, 64))
	require.Equal(t, fuse.OK, st)
	data, st := res.Bytes(make([]byte, 64))
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, "hello world", string(data))

	assert.Equal(t, fuse.OK, fs.Flush(nil, &fuse.FlushIn{Fh: open.Fh}))
	assert.Equal(t, fuse.OK, fs.Fsync(nil, &fuse.FsyncIn{Fh: open.Fh, FsyncFlags: 1}))

	fs.Release(nil, &fuse.ReleaseIn{Fh: open.Fh})
	assert.Equal(t, 1, proj.released)
	assert.Equal(t, uint64(0), fs.Stats().Snapshot()["open_files"])

	_, st = fs.Read(nil, &fuse.ReadIn{Fh: open.Fh, Size: 1}, make([]byte, 1))
	assert.Equal(t, fuse.EBADF, st)

	// A second release of the same handle does not reach the projection.
	fs.Release(nil, &fuse.ReleaseIn{Fh: open.Fh})
	assert.Equal(t, 1, proj.released)
}

func TestOpenOnReadOnlyProjection(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t, false)

	var open fuse.OpenOut
	st := fs.Open(nil, &fuse.OpenIn{InHeader: fuse.InHeader{NodeId: 10}, Flags: syscall.O_WRONLY}, &open)
	assert.Equal(t, fuse.EROFS, st)
	assert.Equal(t, fuse.OK, fs.Open(nil, &fuse.OpenIn{InHeader: fuse.InHeader{NodeId: 10}}, &open))
}

func TestCreateRegistersHandle(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t, true)

	var out fuse.CreateOut
	in := &fuse.CreateIn{InHeader: root(), Flags: syscall.O_WRONLY, Mode: 0o600}
	require.Equal(t, fuse.OK, fs.Create(nil, in, "new", &out))
	assert.Equal(t, uint64(22), out.NodeId)
	assert.Equal(t, uint32(syscall.S_IFREG|0o600), out.Attr.Mode)

	n, st := fs.Write(nil, &fuse.WriteIn{Fh: out.Fh}, []byte("x"))
	assert.Equal(t, fuse.OK, st)
	assert.Equal(t, uint32(1), n)
}

func TestSetAttr(t *testing.T) {
	t.Parallel()
	fs, proj := newTestFS(t, true)

	in := &fuse.SetAttrIn{}
	in.NodeId = 10
	in.Valid = fuse.FATTR_MODE | fuse.FATTR_SIZE | fuse.FATTR_MTIME
	in.Mode = syscall.S_IFREG | 0o600
	in.Size = 3
	in.Mtime = 1000

	var out fuse.AttrOut
	require.Equal(t, fuse.OK, fs.SetAttr(nil, in, &out))
	require.NotNil(t, proj.setattr.Mode)
	assert.Equal(t, uint32(0o600), *proj.setattr.Mode)
	require.NotNil(t, proj.setattr.Size)
	assert.Equal(t, uint64(3), *proj.setattr.Size)
	assert.Nil(t, proj.setattr.Atime)
	require.NotNil(t, proj.setattr.Mtime)
	assert.Equal(t, int64(1000), proj.setattr.Mtime.Unix())
	assert.Equal(t, uint64(3), out.Attr.Size)
	assert.Equal(t, 2*time.Second, out.Timeout())

	chown := &fuse.SetAttrIn{}
	chown.NodeId = 10
	chown.Valid = fuse.FATTR_UID
	assert.Equal(t, fuse.EPERM, fs.SetAttr(nil, chown, &out))

	badFh := &fuse.SetAttrIn{}
	badFh.NodeId = 10
	badFh.Valid = fuse.FATTR_FH | fuse.FATTR_SIZE
	badFh.Fh = 42
	assert.Equal(t, fuse.EBADF, fs.SetAttr(nil, badFh, &out))
}

func TestNamespaceOperations(t *testing.T) {
	t.Parallel()
	fs, proj := newTestFS(t, true)
	hdr := root()

	var entry fuse.EntryOut
	require.Equal(t, fuse.OK, fs.Mkdir(nil, &fuse.MkdirIn{InHeader: hdr, Mode: 0o755}, "d", &entry))
	assert.Equal(t, uint32(syscall.S_IFDIR|0o755), entry.Attr.Mode)

	require.Equal(t, fuse.OK, fs.Symlink(nil, &hdr, "a", "l", &entry))
	assert.Equal(t, uint64(21), entry.NodeId)

	target, st := fs.Readlink(nil, &fuse.InHeader{NodeId: 12})
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, "a", string(target))

	rn := &fuse.RenameIn{InHeader: hdr, Newdir: client.RootIno}
	require.Equal(t, fuse.OK, fs.Rename(nil, rn, "a", "z"))
	assert.Contains(t, proj.attrs, "z")
	assert.NotContains(t, proj.attrs, "a")

	rn.Flags = 1
	assert.Equal(t, fuse.EINVAL, fs.Rename(nil, rn, "z", "y"))

	assert.Equal(t, fuse.OK, fs.Unlink(nil, &hdr, "z"))
	assert.Equal(t, fuse.ENOENT, fs.Unlink(nil, &hdr, "z"))
	assert.Equal(t, fuse.OK, fs.Rmdir(nil, &hdr, "d"))
}

func TestForgetPassesLookupCount(t *testing.T) {
	t.Parallel()
	fs, proj := newTestFS(t, true)

	fs.Forget(10, 2)
	fs.Forget(10, 1)
	assert.Equal(t, uint64(3), proj.forgotten[10])
}

func TestStatFs(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t, true)

	var out fuse.StatfsOut
	hdr := root()
	require.Equal(t, fuse.OK, fs.StatFs(nil, &hdr, &out))
	assert.Equal(t, uint64(100), out.Blocks)
	assert.Equal(t, uint64(40), out.Bavail)
	assert.Equal(t, uint32(4096), out.Bsize)
	assert.Equal(t, uint32(255), out.NameLen)
}

func TestIoctl(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t, true)

	var open fuse.OpenOut
	require.Equal(t, fuse.OK, fs.Open(nil, &fuse.OpenIn{InHeader: fuse.InHeader{NodeId: 10}}, &open))

	outbuf := make([]byte, client.GahInfoSize)
	var out fuse.IoctlOut
	require.Equal(t, fuse.OK, fs.Ioctl(nil, &fuse.IoctlIn{Fh: open.Fh, Cmd: client.IoctlGAH}, nil, &out, outbuf))
	assert.Equal(t, uint32(client.IoctlVersion), binary.LittleEndian.Uint32(outbuf[0:4]))
	assert.Equal(t, uint32(99), binary.LittleEndian.Uint32(outbuf[4:8]))
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(outbuf[8:12]))

	assert.Equal(t, fuse.ENOTSUP, fs.Ioctl(nil, &fuse.IoctlIn{Fh: open.Fh, Cmd: 1}, nil, &out, outbuf))
	assert.Equal(t, fuse.EBADF, fs.Ioctl(nil, &fuse.IoctlIn{Fh: 999, Cmd: client.IoctlGAH}, nil, &out, outbuf))
}

// direntName returns the name of the first FUSE dirent in buf.
func direntName(buf []byte) string {
	const header = 24
	n := binary.LittleEndian.Uint32(buf[16:20])
	return string(buf[header : header+int(n)])
}

func TestReadDirKeepsEntryThatDoesNotFit(t *testing.T) {
	t.Parallel()
	fs, proj := newTestFS(t, true)

	var open fuse.OpenOut
	require.Equal(t, fuse.OK, fs.OpenDir(nil, &fuse.OpenIn{InHeader: root()}, &open))

	// Each one-letter entry takes 32 bytes, so only one fits per call.
	var names []string
	var offset uint64
	for i := 0; i < 5; i++ {
		buf := make([]byte, 40)
		list := fuse.NewDirEntryList(buf, offset)
		require.Equal(t, fuse.OK, fs.ReadDir(nil, &fuse.ReadIn{Fh: open.Fh, Offset: offset}, list))
		if list.Offset == offset {
			break
		}
		names = append(names, direntName(buf))
		offset = list.Offset
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
	assert.Empty(t, proj.seeks)

	// Rewinding seeks the cursor.
	buf := make([]byte, 4096)
	list := fuse.NewDirEntryList(buf, 0)
	require.Equal(t, fuse.OK, fs.ReadDir(nil, &fuse.ReadIn{Fh: open.Fh, Offset: 0}, list))
	assert.Equal(t, []uint64{0}, proj.seeks)
	assert.Equal(t, uint64(3), list.Offset)
	assert.Equal(t, "a", direntName(buf))

	fs.ReleaseDir(&fuse.ReleaseIn{Fh: open.Fh})
	assert.Equal(t, 1, proj.closed)
	assert.Equal(t, fuse.EBADF, fs.ReadDir(nil, &fuse.ReadIn{Fh: open.Fh}, fuse.NewDirEntryList(buf, 0)))
}

func TestOpenDirOnFile(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t, true)

	var open fuse.OpenOut
	assert.Equal(t, fuse.ENOTDIR, fs.OpenDir(nil, &fuse.OpenIn{InHeader: fuse.InHeader{NodeId: 10}}, &open))
}

func TestInterruptCancelsContext(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t, true)

	cancel := make(chan struct{})
	ctx, stop := fs.context(cancel)
	defer stop()
	close(cancel)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled by interrupt")
	}
	assert.Equal(t, uint64(1), fs.Stats().Snapshot()["interrupted"])
}

func TestReleaseAll(t *testing.T) {
	t.Parallel()
	fs, proj := newTestFS(t, true)

	var open fuse.OpenOut
	require.Equal(t, fuse.OK, fs.Open(nil, &fuse.OpenIn{InHeader: fuse.InHeader{NodeId: 10}}, &open))
	require.Equal(t, fuse.OK, fs.OpenDir(nil, &fuse.OpenIn{InHeader: root()}, &open))

	fs.releaseAll(context.Background())
	assert.Equal(t, 1, proj.released)
	assert.Equal(t, 1, proj.closed)
	snap := fs.Stats().Snapshot()
	assert.Equal(t, uint64(0), snap["open_files"])
	assert.Equal(t, uint64(0), snap["open_dirs"])
}

func TestBuildFUSEOptions(t *testing.T) {
	t.Parallel()

	ro, _ := newTestFS(t, false)
	opts := NewMountManager(ro, MountConfig{MountPoint: "/mnt/x", Options: []string{"noatime"}}, nil).buildFUSEOptions()
	assert.Equal(t, "iof:scratch", opts.FsName)
	assert.True(t, opts.DisableReadDirPlus)
	assert.Equal(t, []string{"noatime", "ro"}, opts.Options)

	rw, _ := newTestFS(t, true)
	opts = NewMountManager(rw, MountConfig{MountPoint: "/mnt/x", AllowOther: true}, nil).buildFUSEOptions()
	assert.True(t, opts.AllowOther)
	assert.NotContains(t, opts.Options, "ro")
}

func TestValidateMountPoint(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	tests := []struct {
		name    string
		config  MountConfig
		wantErr bool
	}{
		{"empty", MountConfig{}, true},
		{"missing", MountConfig{MountPoint: filepath.Join(dir, "missing")}, true},
		{"created", MountConfig{MountPoint: filepath.Join(dir, "made"), Create: true}, false},
		{"not a directory", MountConfig{MountPoint: file}, true},
		{"existing directory", MountConfig{MountPoint: dir}, false},
	}

	for _, tt := range tests {
		fs, _ := newTestFS(t, true)
		m := NewMountManager(fs, tt.config, nil)
		err := m.validateMountPoint()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: validateMountPoint() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestUnmountWhenNotMounted(t *testing.T) {
	t.Parallel()
	fs, _ := newTestFS(t, true)
	m := NewMountManager(fs, MountConfig{MountPoint: t.TempDir()}, nil)
	assert.False(t, m.IsMounted())
	assert.Error(t, m.Unmount(context.Background()))
}
