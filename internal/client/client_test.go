package client

import (
	"bytes"
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/iofwd/iof/internal/circuit"
	"github.com/iofwd/iof/internal/progress"
	"github.com/iofwd/iof/internal/protocol"
	"github.com/iofwd/iof/internal/request"
	"github.com/iofwd/iof/internal/server"
	"github.com/iofwd/iof/internal/storage/local"
	"github.com/iofwd/iof/internal/transport"
	"github.com/iofwd/iof/pkg/errors"
	"github.com/iofwd/iof/pkg/retry"
)

type fixture struct {
	dir     string
	servers map[string]*server.Server
	client  *transport.Client
	engine  *request.Engine
	infos   []protocol.ProjectionInfo
}

type fixtureOpts struct {
	// nodes are the I/O node names; each serves the same directory.
	nodes     []string
	readOnly  bool
	readdirSz uint32
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	logger := quietLogger()
	if len(opts.nodes) == 0 {
		opts.nodes = []string{"ionss0"}
	}

	f := &fixture{dir: t.TempDir(), servers: make(map[string]*server.Server)}
	listeners := make(map[string]*bufconn.Listener)
	var endpoints []string
	for i, node := range opts.nodes {
		b, err := local.New(f.dir, logger)
		require.NoError(t, err)
		srv, err := server.New(server.Config{Rank: uint8(i)}, []server.Export{{
			Name:        "/scratch",
			Backend:     b,
			Writeable:   !opts.readOnly,
			Failover:    true,
			MaxRead:     8,
			MaxWrite:    8,
			ReaddirSize: opts.readdirSz,
		}}, logger)
		require.NoError(t, err)

		lis := bufconn.Listen(1 << 20)
		go func() { _ = srv.Serve(lis) }()
		t.Cleanup(func() { _ = srv.Stop() })

		f.servers[node] = srv
		listeners[node] = lis
		endpoints = append(endpoints, "passthrough:///"+node)
	}

	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := listeners[addr]
		if !ok {
			return nil, stderrors.New("connection refused")
		}
		return lis.DialContext(ctx)
	}
	cli, err := transport.NewClient(transport.ClientConfig{
		Endpoints: endpoints,
		Timeout:   2 * time.Second,
		Breaker:   circuit.Config{FailureThreshold: 3, Timeout: time.Minute},
	}, logger, transport.WithDialOptions(grpc.WithContextDialer(dialer)))
	require.NoError(t, err)

	driver := progress.NewDriver(cli, progress.Config{PollInterval: 5 * time.Millisecond}, logger)
	require.NoError(t, driver.Start())
	t.Cleanup(func() {
		driver.Stop()
		_ = cli.Close()
	})

	reg, err := protocol.NewDefaultRegistry(protocol.NewRegistry(logger))
	require.NoError(t, err)
	f.engine, err = request.NewEngine(reg, cli, driver, request.Config{
		PoolDelta: 2,
		Retry:     retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond},
	}, logger)
	require.NoError(t, err)
	f.client = cli

	q, err := f.engine.Query(testCtx(t))
	require.NoError(t, err)
	f.infos = q.Projections
	return f
}

func (f *fixture) projection(t *testing.T) *Projection {
	t.Helper()
	require.NotEmpty(t, f.infos)
	p, err := New(InfoFromWire(f.infos[0], 0), f.engine, f.client, Config{PoolDelta: 2}, quietLogger())
	require.NoError(t, err)
	return p
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (f *fixture) write(t *testing.T, name, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, name), []byte(data), 0o644))
}

func TestModeSupport(t *testing.T) {
	t.Parallel()
	tests := []struct {
		flags Flags
		want  bool
	}{
		{0, true},
		{FlagWriteable | FlagFailover, true},
		{1 << 2, false},
		{FlagWriteable | 3<<2, false},
	}
	for _, tt := range tests {
		if got := IsModeSupported(tt.flags); got != tt.want {
			t.Errorf("IsModeSupported(%#x) = %v, want %v", uint64(tt.flags), got, tt.want)
		}
	}

	_, err := New(Info{Name: "/x", Flags: 1 << 2}, nil, nil, Config{}, nil)
	require.Error(t, err)
}

func TestReleaseFailureIsLogged(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	p, err := New(InfoFromWire(f.infos[0], 0), f.engine, f.client, Config{PoolDelta: 2}, logger)
	require.NoError(t, err)

	r, err := f.engine.Take(p.statusPool, protocol.OpFsync)
	require.NoError(t, err)
	p.release(r)
	assert.Empty(t, logs.String())

	p.release(r)
	assert.Contains(t, logs.String(), "Releasing request failed")
	assert.Contains(t, logs.String(), "already released")
	assert.Zero(t, p.statusPool.Stats().InUse)
}

func TestLookupAndForget(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})
	f.write(t, "a", "alpha")
	p := f.projection(t)
	ctx := testCtx(t)

	e1, err := p.Lookup(ctx, RootIno, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), e1.Attr.Size)
	assert.NotEqual(t, RootIno, e1.Ino)

	// A second lookup shares the entry and returns its capability to the node.
	e2, err := p.Lookup(ctx, RootIno, "a")
	require.NoError(t, err)
	assert.Equal(t, e1.Ino, e2.Ino)
	assert.Equal(t, 1, p.Inodes())
	ie, ok := p.Inode(e1.Ino)
	require.True(t, ok)
	assert.Equal(t, int64(2), ie.Refs())
	assert.Equal(t, 1, f.servers["ionss0"].OpenHandles())

	p.Forget(ctx, e1.Ino, 1)
	assert.Equal(t, 1, p.Inodes())
	p.Forget(ctx, e1.Ino, 1)
	assert.Equal(t, 0, p.Inodes())
	assert.Equal(t, 0, f.servers["ionss0"].OpenHandles())

	_, err = p.Lookup(ctx, RootIno, "missing")
	assert.Equal(t, syscall.ENOENT, errors.Errno(err))

	_, err = p.Getattr(ctx, 12345, nil)
	assert.Equal(t, syscall.ENOENT, errors.Errno(err))
}

func TestCreateWriteReadRelease(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})
	p := f.projection(t)
	ctx := testCtx(t)

	fh, entry, err := p.Create(ctx, RootIno, "log", 0o600, os.O_RDWR)
	require.NoError(t, err)
	assert.Equal(t, 1, p.OpenFiles())
	assert.Equal(t, 1, p.Inodes())

	// Both directions exceed the 8 byte limits and are split.
	payload := []byte("twenty-one bytes long")
	n, err := p.Write(ctx, fh, 0, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	got, err := p.Read(ctx, fh, 7, 100)
	require.NoError(t, err)
	assert.Equal(t, "one bytes long", string(got))

	attr, err := p.Getattr(ctx, entry.Ino, fh)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(payload)), attr.Size)

	require.NoError(t, p.Fsync(ctx, fh, true))
	require.NoError(t, p.Release(ctx, fh))
	assert.Equal(t, 0, p.OpenFiles())

	err = p.Release(ctx, fh)
	assert.Equal(t, syscall.EBADF, errors.Errno(err))

	snap := p.Stats().Snapshot()
	assert.Equal(t, uint64(len(payload)), snap["write_bytes"])
	assert.Equal(t, uint64(14), snap["read_bytes"])
}

func TestOpenFlags(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})
	f.write(t, "a", "alpha")
	p := f.projection(t)
	ctx := testCtx(t)

	e, err := p.Lookup(ctx, RootIno, "a")
	require.NoError(t, err)

	_, err = p.Open(ctx, e.Ino, os.O_RDONLY|os.O_CREATE)
	assert.Equal(t, syscall.ENOTSUP, errors.Errno(err))

	_, _, err = p.Create(ctx, RootIno, "b", 0o644, os.O_RDWR|syscall.O_DIRECTORY)
	assert.Equal(t, syscall.ENOTSUP, errors.Errno(err))

	fh, err := p.Open(ctx, e.Ino, os.O_RDONLY)
	require.NoError(t, err)
	got, err := p.Read(ctx, fh, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(got))
	require.NoError(t, p.Release(ctx, fh))
}

func TestReadOnlyProjection(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{readOnly: true})
	f.write(t, "a", "alpha")
	p := f.projection(t)
	ctx := testCtx(t)

	_, _, err := p.Create(ctx, RootIno, "b", 0o644, os.O_RDWR)
	assert.Equal(t, syscall.EROFS, errors.Errno(err))
	_, err = p.Mkdir(ctx, RootIno, "d", 0o755)
	assert.Equal(t, syscall.EROFS, errors.Errno(err))
	assert.Equal(t, syscall.EROFS, errors.Errno(p.Unlink(ctx, RootIno, "a")))

	e, err := p.Lookup(ctx, RootIno, "a")
	require.NoError(t, err)
	_, err = p.Open(ctx, e.Ino, os.O_WRONLY)
	assert.Equal(t, syscall.EROFS, errors.Errno(err))

	fh, err := p.Open(ctx, e.Ino, os.O_RDONLY)
	require.NoError(t, err)
	require.NoError(t, p.Release(ctx, fh))
}

func TestReaddirBatches(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{readdirSz: 2})
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		f.write(t, name, name)
	}
	p := f.projection(t)
	ctx := testCtx(t)

	dh, err := p.Opendir(ctx, RootIno)
	require.NoError(t, err)
	assert.Equal(t, 1, p.OpenDirs())

	var names []string
	var third uint64
	for {
		e, ok, err := p.Readdir(ctx, dh)
		require.NoError(t, err)
		if !ok {
			break
		}
		names = append(names, e.Name)
		if len(names) == 2 {
			third = e.Next
		}
	}
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, names)

	// Seeking back replays the tail.
	p.Seekdir(dh, third)
	var tail []string
	for {
		e, ok, err := p.Readdir(ctx, dh)
		require.NoError(t, err)
		if !ok {
			break
		}
		tail = append(tail, e.Name)
	}
	assert.Equal(t, names[2:], tail)

	require.NoError(t, p.Releasedir(ctx, dh))
	assert.Equal(t, 0, p.OpenDirs())
	assert.Equal(t, 0, f.servers["ionss0"].OpenHandles())

	err = p.Releasedir(ctx, dh)
	assert.Equal(t, syscall.EBADF, errors.Errno(err))
}

func TestNamespaceOperations(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})
	p := f.projection(t)
	ctx := testCtx(t)

	d, err := p.Mkdir(ctx, RootIno, "dir", 0o755)
	require.NoError(t, err)
	assert.True(t, d.Attr.Mode&syscall.S_IFDIR != 0)

	fh, _, err := p.Create(ctx, d.Ino, "f", 0o644, os.O_WRONLY)
	require.NoError(t, err)
	require.NoError(t, p.Release(ctx, fh))

	l, err := p.Symlink(ctx, RootIno, "link", "dir/f")
	require.NoError(t, err)
	target, err := p.Readlink(ctx, l.Ino)
	require.NoError(t, err)
	assert.Equal(t, "dir/f", target)
	target, err = p.ReadlinkPath(ctx, "link")
	require.NoError(t, err)
	assert.Equal(t, "dir/f", target)

	require.NoError(t, p.Rename(ctx, d.Ino, "f", RootIno, "g"))
	_, err = os.Stat(filepath.Join(f.dir, "g"))
	require.NoError(t, err)

	attr, err := p.GetattrPath(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), attr.Size)

	size := uint64(3)
	mode := uint32(0o600)
	mtime := time.Unix(1_700_000_000, 0)
	g, err := p.Lookup(ctx, RootIno, "g")
	require.NoError(t, err)
	attr, err = p.Setattr(ctx, g.Ino, nil, SetattrIn{Mode: &mode, Size: &size, Mtime: &mtime})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), attr.Size)
	assert.Equal(t, uint32(0o600), attr.Mode&0o777)
	assert.Equal(t, mtime.Unix(), attr.Mtime)

	require.NoError(t, p.Unlink(ctx, RootIno, "g"))
	require.NoError(t, p.Rmdir(ctx, RootIno, "dir"))
	_, err = os.Stat(filepath.Join(f.dir, "dir"))
	assert.True(t, os.IsNotExist(err))

	st, err := p.Statfs(ctx)
	require.NoError(t, err)
	assert.NotZero(t, st.Bsize)
}

func TestIoctl(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})
	p := f.projection(t)
	ctx := testCtx(t)

	fh, _, err := p.Create(ctx, RootIno, "x", 0o644, os.O_RDWR)
	require.NoError(t, err)

	info, err := p.Ioctl(fh, IoctlGAH)
	require.NoError(t, err)
	assert.Equal(t, int32(IoctlVersion), info.Version)
	assert.Equal(t, int32(os.Getpid()), info.CNSSID)
	g, _ := fh.Cap().Token()
	assert.Equal(t, g, info.GAH)
	assert.Len(t, info.Bytes(), GahInfoSize)

	_, err = p.Ioctl(fh, 0x1234)
	assert.Equal(t, syscall.ENOTSUP, errors.Errno(err))

	require.NoError(t, p.Release(ctx, fh))
	_, err = p.Ioctl(fh, IoctlGAH)
	assert.Equal(t, syscall.EIO, errors.Errno(err))
}

func TestOffline(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})
	f.write(t, "a", "alpha")
	p := f.projection(t)
	ctx := testCtx(t)

	e, err := p.Lookup(ctx, RootIno, "a")
	require.NoError(t, err)

	p.Offline(syscall.ENOTCONN)
	assert.Equal(t, syscall.ENOTCONN, p.OfflineReason())
	assert.Equal(t, FailoverOffline, p.FailoverState())

	_, err = p.Getattr(ctx, e.Ino, nil)
	assert.Equal(t, syscall.ENOTCONN, errors.Errno(err))
	_, err = p.Lookup(ctx, RootIno, "a")
	assert.Equal(t, syscall.ENOTCONN, errors.Errno(err))

	// The first reason sticks.
	p.Offline(syscall.EIO)
	assert.Equal(t, syscall.ENOTCONN, p.OfflineReason())
}

func TestFailoverRefreshesRoot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{nodes: []string{"ionss0", "ionss1"}})
	f.write(t, "a", "alpha")
	p := f.projection(t)
	ctx := testCtx(t)

	e, err := p.Lookup(ctx, RootIno, "a")
	require.NoError(t, err)
	fh, err := p.Open(ctx, e.Ino, os.O_RDONLY)
	require.NoError(t, err)

	require.NoError(t, p.Failover(ctx))
	assert.Equal(t, 1, f.client.Active())
	assert.Equal(t, FailoverRunning, p.FailoverState())
	assert.Zero(t, p.OfflineReason())

	assert.False(t, fh.Cap().Valid())
	_, err = p.Read(ctx, fh, 0, 5)
	require.Error(t, err)

	// The root works against the new node and lookups start over.
	attr, err := p.GetattrPath(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), attr.Size)
	_, err = p.Lookup(ctx, RootIno, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, f.servers["ionss1"].OpenHandles())

	// With no node left the projection goes offline.
	require.Error(t, p.Failover(ctx))
	assert.Equal(t, syscall.EHOSTDOWN, p.OfflineReason())
}

func TestShutdownReleasesEverything(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOpts{})
	f.write(t, "a", "alpha")
	p := f.projection(t)
	ctx := testCtx(t)

	_, err := p.Lookup(ctx, RootIno, "a")
	require.NoError(t, err)
	_, err = p.Opendir(ctx, RootIno)
	require.NoError(t, err)
	_, _, err = p.Create(ctx, RootIno, "b", 0o644, os.O_RDWR)
	require.NoError(t, err)
	require.Equal(t, 4, f.servers["ionss0"].OpenHandles())

	p.Shutdown(ctx)
	assert.Equal(t, 0, p.OpenDirs())
	assert.Equal(t, 0, p.OpenFiles())
	assert.Equal(t, 0, p.Inodes())
	assert.Equal(t, 0, f.servers["ionss0"].OpenHandles())
}
