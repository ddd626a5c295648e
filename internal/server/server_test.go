package server

import (
	"context"
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
	"github.com/iofwd/iof/internal/storage/local"
	"github.com/iofwd/iof/internal/transport"
	"github.com/iofwd/iof/pkg/errors"
	"github.com/iofwd/iof/pkg/gah"
	"github.com/iofwd/iof/pkg/retry"
)

type fixture struct {
	server *Server
	engine *request.Engine
	rw     protocol.ProjectionInfo
	ro     protocol.ProjectionInfo
	rwDir  string
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newFixture serves a writeable and a read-only local export over bufconn.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := quietLogger()

	rwDir, roDir := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(roDir, "motd"), []byte("hello"), 0o644))

	rw, err := local.New(rwDir, logger)
	require.NoError(t, err)
	ro, err := local.New(roDir, logger)
	require.NoError(t, err)

	srv, err := New(Config{Rank: 3, PollInterval: 50}, []Export{
		{Name: "/scratch", Backend: rw, Writeable: true, ReaddirSize: 2},
		{Name: "/data", Backend: ro},
	}, logger)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
	cli, err := transport.NewClient(transport.ClientConfig{
		Endpoints: []string{"passthrough:///ionss"},
		Timeout:   2 * time.Second,
		Breaker:   circuit.Config{FailureThreshold: 3, Timeout: time.Minute},
	}, logger, transport.WithDialOptions(grpc.WithContextDialer(dialer)))
	require.NoError(t, err)

	driver := progress.NewDriver(cli, progress.Config{PollInterval: 5 * time.Millisecond}, logger)
	require.NoError(t, driver.Start())

	reg, err := protocol.NewDefaultRegistry(protocol.NewRegistry(logger))
	require.NoError(t, err)
	e, err := request.NewEngine(reg, cli, driver, request.Config{
		PoolDelta: 4,
		Retry:     retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond},
	}, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		driver.Stop()
		_ = cli.Close()
		_ = srv.Stop()
	})

	f := &fixture{server: srv, engine: e, rwDir: rwDir}
	q, err := e.Query(testCtx(t))
	require.NoError(t, err)
	require.Len(t, q.Projections, 2)
	f.rw, f.ro = q.Projections[0], q.Projections[1]
	return f
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func capOf(g gah.GAH) *request.Capability {
	c := request.NewCapability(nil)
	c.Set(g)
	return c
}

func (f *fixture) call(t *testing.T, op protocol.Op, g gah.GAH, in, out any) error {
	t.Helper()
	var c *request.Capability
	if g != (gah.GAH{}) {
		c = capOf(g)
	}
	_, err := f.engine.Call(testCtx(t), op, c, in, out)
	return err
}

func TestQueryDescribesExports(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	assert.Equal(t, "/scratch", f.rw.Name)
	assert.Equal(t, int32(0), f.rw.FSID)
	assert.Equal(t, FlagWriteable, f.rw.Flags)
	assert.Equal(t, uint32(2), f.rw.ReaddirSize)
	assert.Equal(t, uint32(DefaultMaxRead), f.rw.MaxRead)
	assert.Equal(t, uint8(3), f.rw.GAH.Root)

	assert.Equal(t, "/data", f.ro.Name)
	assert.Equal(t, uint64(0), f.ro.Flags)
	assert.Equal(t, uint8(1), f.ro.GAH.Base)
}

func TestCreateWriteReadClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	created := new(protocol.CreateOut)
	require.NoError(t, f.call(t, protocol.OpCreate, f.rw.GAH,
		&protocol.CreateIn{Name: "notes", Mode: 0o640, Flags: int32(os.O_RDWR), RegInode: 1}, created))
	assert.NotEqual(t, gah.GAH{}, created.InodeGAH)
	assert.Equal(t, uint32(0o640), created.Stat.Mode&0o777)
	assert.Equal(t, 2, f.server.OpenHandles())

	wout := new(protocol.WritexOut)
	require.NoError(t, f.call(t, protocol.OpWritex, created.GAH,
		&protocol.WritexIn{Data: []byte("forwarded"), Base: 0}, wout))
	assert.Equal(t, uint64(9), wout.Len)

	rout := new(protocol.ReadxOut)
	require.NoError(t, f.call(t, protocol.OpReadx, created.GAH,
		&protocol.ReadxIn{Base: 4, Len: 100}, rout))
	assert.Equal(t, "arded", string(rout.Data))
	assert.Equal(t, uint32(5), rout.IovLen)

	require.NoError(t, f.call(t, protocol.OpFsync, created.GAH, new(protocol.GahIn), new(protocol.StatusOut)))
	require.NoError(t, f.call(t, protocol.OpClose, created.GAH, new(protocol.GahIn), nil))
	require.NoError(t, f.call(t, protocol.OpClose, created.InodeGAH, new(protocol.GahIn), nil))
	assert.Equal(t, 0, f.server.OpenHandles())

	data, err := os.ReadFile(filepath.Join(f.rwDir, "notes"))
	require.NoError(t, err)
	assert.Equal(t, "forwarded", string(data))
}

func TestLookupAndGetattr(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out := new(protocol.LookupOut)
	require.NoError(t, f.call(t, protocol.OpLookup, f.ro.GAH, &protocol.GahStringIn{Name: "motd"}, out))
	assert.Equal(t, uint64(5), out.Stat.Size)

	attr := new(protocol.AttrOut)
	require.NoError(t, f.call(t, protocol.OpGetattrGAH, out.GAH, new(protocol.GahIn), attr))
	assert.Equal(t, out.Stat.Ino, attr.Data.Ino)

	byPath := new(protocol.AttrOut)
	require.NoError(t, f.call(t, protocol.OpGetattr, f.ro.GAH, &protocol.GahStringIn{Name: "motd"}, byPath))
	assert.Equal(t, out.Stat.Ino, byPath.Data.Ino)

	missing := new(protocol.LookupOut)
	err := f.call(t, protocol.OpLookup, f.ro.GAH, &protocol.GahStringIn{Name: "nope"}, missing)
	assert.Equal(t, syscall.ENOENT, errors.Errno(err))
}

func TestReadOnlyExportRejectsMutations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name string
		op   protocol.Op
		in   any
		out  any
	}{
		{"create", protocol.OpCreate, &protocol.CreateIn{Name: "x", Mode: 0o644}, new(protocol.CreateOut)},
		{"mkdir", protocol.OpMkdir, &protocol.CreateIn{Name: "d", Mode: 0o755}, new(protocol.StatusOut)},
		{"unlink", protocol.OpUnlink, &protocol.OpenIn{Name: "motd"}, new(protocol.StatusOut)},
		{"open for write", protocol.OpOpen, &protocol.OpenIn{Name: "motd", Flags: int32(os.O_WRONLY)}, new(protocol.GahPairOut)},
		{"symlink", protocol.OpSymlink, &protocol.TwoStringIn{Name: "l", OldPath: "motd"}, new(protocol.StatusOut)},
	}
	for _, tt := range tests {
		err := f.call(t, tt.op, f.ro.GAH, tt.in, tt.out)
		if got := errors.Errno(err); got != syscall.EROFS {
			t.Errorf("%s: errno = %v, want EROFS", tt.name, got)
		}
	}

	err := f.call(t, protocol.OpChmod, gah.GAH{}, &protocol.ChmodIn{Path: "motd", Mode: 0o600, FSID: f.ro.FSID}, new(protocol.StatusOut))
	assert.Equal(t, syscall.EROFS, errors.Errno(err))

	// Reads still work.
	opened := new(protocol.GahPairOut)
	require.NoError(t, f.call(t, protocol.OpOpen, f.ro.GAH, &protocol.OpenIn{Name: "motd"}, opened))
	require.NoError(t, f.call(t, protocol.OpClose, opened.GAH, new(protocol.GahIn), nil))
}

func TestStaleHandleIsRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out := new(protocol.LookupOut)
	require.NoError(t, f.call(t, protocol.OpLookup, f.ro.GAH, &protocol.GahStringIn{Name: "motd"}, out))
	require.NoError(t, f.call(t, protocol.OpClose, out.GAH, new(protocol.GahIn), nil))

	_, err := f.engine.Call(testCtx(t), protocol.OpGetattrGAH, capOf(out.GAH), new(protocol.GahIn), new(protocol.AttrOut))
	require.Error(t, err)
	assert.Equal(t, syscall.EIO, errors.Errno(err))
	assert.Equal(t, uint64(1), f.server.Stats().Rejected)
}

func TestReaddirPages(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, os.WriteFile(filepath.Join(f.rwDir, name), nil, 0o644))
	}

	dir := new(protocol.GahPairOut)
	require.NoError(t, f.call(t, protocol.OpOpendir, f.rw.GAH, new(protocol.GahStringIn), dir))

	var names []string
	var offset uint64
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5)
		out := new(protocol.ReaddirOut)
		require.NoError(t, f.call(t, protocol.OpReaddir, dir.GAH, &protocol.ReaddirIn{Offset: offset, Count: 10}, out))
		assert.LessOrEqual(t, len(out.Replies), 2)
		for _, e := range out.Replies {
			names = append(names, e.Name)
			offset = e.Next
		}
		if out.Last != 0 {
			break
		}
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, names)

	require.NoError(t, f.call(t, protocol.OpClosedir, dir.GAH, new(protocol.GahIn), nil))
	assert.Equal(t, 0, f.server.OpenHandles())
}

func TestPathOperations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	require.NoError(t, f.call(t, protocol.OpMkdir, f.rw.GAH, &protocol.CreateIn{Name: "sub", Mode: 0o755}, new(protocol.StatusOut)))
	require.NoError(t, os.WriteFile(filepath.Join(f.rwDir, "sub", "f"), []byte("0123456789"), 0o644))

	require.NoError(t, f.call(t, protocol.OpTruncate, gah.GAH{},
		&protocol.TruncateIn{Path: "sub/f", Len: 4, FSID: f.rw.FSID}, new(protocol.StatusOut)))
	fi, err := os.Stat(filepath.Join(f.rwDir, "sub", "f"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), fi.Size())

	require.NoError(t, f.call(t, protocol.OpRename, f.rw.GAH,
		&protocol.TwoStringIn{Name: "g", OldPath: "sub/f"}, new(protocol.StatusOut)))
	_, err = os.Stat(filepath.Join(f.rwDir, "g"))
	require.NoError(t, err)

	require.NoError(t, f.call(t, protocol.OpSymlink, f.rw.GAH,
		&protocol.TwoStringIn{Name: "link", OldPath: "g"}, new(protocol.StatusOut)))
	target := new(protocol.StringOut)
	require.NoError(t, f.call(t, protocol.OpReadlink, gah.GAH{},
		&protocol.StringIn{Path: "link", FSID: f.rw.FSID}, target))
	assert.Equal(t, "g", target.Path)

	require.NoError(t, f.call(t, protocol.OpRmdir, gah.GAH{},
		&protocol.StringIn{Path: "sub", FSID: f.rw.FSID}, new(protocol.StatusOut)))

	err = f.call(t, protocol.OpRmdir, gah.GAH{}, &protocol.StringIn{Path: "sub", FSID: 9}, new(protocol.StatusOut))
	assert.Equal(t, syscall.EIO, errors.Errno(err))

	st := new(protocol.StatfsOut)
	require.NoError(t, f.call(t, protocol.OpStatfs, f.rw.GAH, new(protocol.GahIn), st))
	assert.NotZero(t, st.Data.Bsize)
}

func TestStopClosesLeftoverHandles(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out := new(protocol.LookupOut)
	require.NoError(t, f.call(t, protocol.OpLookup, f.ro.GAH, &protocol.GahStringIn{Name: "motd"}, out))
	require.Equal(t, 1, f.server.OpenHandles())

	snap := f.server.Snapshot()
	assert.NotZero(t, snap["served"])
	assert.Equal(t, uint64(f.server.Stats().Handles.InUse), snap["handles"])

	require.NoError(t, f.server.Stop())
	assert.Equal(t, 0, f.server.Stats().Handles.InUse)
}

func TestNewValidatesExports(t *testing.T) {
	t.Parallel()
	b, err := local.New(t.TempDir(), nil)
	require.NoError(t, err)

	tests := []struct {
		name    string
		exports []Export
	}{
		{"none", nil},
		{"no backend", []Export{{Name: "/a"}}},
		{"no name", []Export{{Backend: b}}},
		{"duplicate", []Export{{Name: "/a", Backend: b}, {Name: "/a", Backend: b}}},
	}
	for _, tt := range tests {
		if _, err := New(Config{}, tt.exports, nil); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}
