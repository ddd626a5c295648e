package adapter

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/iofwd/iof/internal/client"
	"github.com/iofwd/iof/internal/config"
	"github.com/iofwd/iof/internal/server"
	"github.com/iofwd/iof/internal/storage/local"
	"github.com/iofwd/iof/pkg/errors"
	"github.com/iofwd/iof/pkg/health"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// cluster is a set of I/O nodes exporting the same directory over bufconn.
type cluster struct {
	dir     string
	mu      sync.Mutex
	lis     map[string]*bufconn.Listener
	servers map[string]*server.Server
}

func newCluster(t *testing.T, nodes ...string) *cluster {
	t.Helper()
	c := &cluster{
		dir:     t.TempDir(),
		lis:     make(map[string]*bufconn.Listener),
		servers: make(map[string]*server.Server),
	}
	for i, node := range nodes {
		b, err := local.New(c.dir, quietLogger())
		require.NoError(t, err)
		srv, err := server.New(server.Config{Rank: uint8(i)}, []server.Export{
			{Name: "/scratch", Backend: b, Writeable: true, Failover: true},
			{Name: "/data", Backend: b, Failover: true},
		}, quietLogger())
		require.NoError(t, err)

		lis := bufconn.Listen(1 << 20)
		go func() { _ = srv.Serve(lis) }()
		t.Cleanup(func() { _ = srv.Stop() })
		c.lis[node] = lis
		c.servers[node] = srv
	}
	return c
}

func (c *cluster) dialer(ctx context.Context, addr string) (net.Conn, error) {
	c.mu.Lock()
	lis, ok := c.lis[addr]
	c.mu.Unlock()
	if !ok {
		return nil, stderrors.New("connection refused")
	}
	return lis.DialContext(ctx)
}

// kill stops a node and refuses new connections to it.
func (c *cluster) kill(t *testing.T, node string) {
	t.Helper()
	c.mu.Lock()
	delete(c.lis, node)
	srv := c.servers[node]
	c.mu.Unlock()
	require.NoError(t, srv.Stop())
}

func testConfig(t *testing.T, nodes ...string) *config.Configuration {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Global.LogLevel = "ERROR"
	cfg.Metrics.Enabled = false
	cfg.Client.MountPrefix = t.TempDir()
	cfg.Client.HealthInterval = time.Hour
	cfg.Client.SignOnAttempts = 2
	cfg.Transport.RPCTimeout = 2 * time.Second
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.Jitter = false
	cfg.Progress.PollInterval = 5 * time.Millisecond
	cfg.Pools.Delta = 2
	for _, n := range nodes {
		cfg.Transport.Endpoints = append(cfg.Transport.Endpoints, "passthrough:///"+n)
	}
	return cfg
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startAdapter(t *testing.T, c *cluster, nodes ...string) *Adapter {
	t.Helper()
	a, err := New(testConfig(t, nodes...),
		WithLogger(quietLogger()),
		WithoutMount(),
		WithDialOptions(grpc.WithContextDialer(c.dialer)))
	require.NoError(t, err)
	require.NoError(t, a.Start(testCtx(t)))
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Configuration)
	}{
		{"no endpoints", func(c *config.Configuration) { c.Transport.Endpoints = nil }},
		{"no mount prefix", func(c *config.Configuration) { c.Client.MountPrefix = "" }},
		{"bad log level", func(c *config.Configuration) { c.Global.LogLevel = "LOUD" }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t, "ionss0")
			tt.mutate(cfg)
			if _, err := New(cfg, WithLogger(quietLogger())); err == nil {
				t.Errorf("New() succeeded, want error")
			}
		})
	}
}

func TestMountPoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix, name, want string
	}{
		{"/mnt/iof", "/scratch", "/mnt/iof/scratch"},
		{"/mnt/iof", "scratch", "/mnt/iof/scratch"},
		{"/mnt/iof/", "/a/b", "/mnt/iof/a/b"},
		{"/mnt/iof", "/../etc", "/mnt/iof/etc"},
	}
	for _, tt := range tests {
		if got := MountPoint(tt.prefix, tt.name); got != tt.want {
			t.Errorf("MountPoint(%q, %q) = %q, want %q", tt.prefix, tt.name, got, tt.want)
		}
	}
}

func TestStartAttachesProjections(t *testing.T) {
	t.Parallel()
	c := newCluster(t, "ionss0")
	require.NoError(t, os.WriteFile(filepath.Join(c.dir, "motd"), []byte("hello"), 0o644))
	a := startAdapter(t, c, "ionss0")

	attached := a.Attached()
	require.Len(t, attached, 2)
	assert.Equal(t, "/scratch", attached[0].Projection.Info().Name)
	assert.True(t, attached[0].Projection.Info().Writeable())
	assert.Equal(t, "/data", attached[1].Projection.Info().Name)
	assert.False(t, attached[1].Projection.Info().Writeable())
	assert.Nil(t, attached[0].Mount)

	ctx := testCtx(t)
	p := attached[1].Projection
	e, err := p.Lookup(ctx, client.RootIno, "motd")
	require.NoError(t, err)
	fh, err := p.Open(ctx, e.Ino, os.O_RDONLY)
	require.NoError(t, err)
	data, err := p.Read(ctx, fh, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	require.NoError(t, p.Release(ctx, fh))

	st := a.Status()
	assert.Equal(t, a.ID().String(), st.ID)
	assert.Equal(t, "healthy", st.Node)
	require.Len(t, st.Projections, 2)
	assert.Equal(t, "passthrough:///ionss0", st.Projections[0].Endpoint)
	assert.Empty(t, st.Projections[0].Offline)
	assert.Empty(t, st.Projections[0].MountPoint)

	assert.NotEqual(t, [16]byte{}, [16]byte(a.ID()))
	assert.Equal(t, health.StateHealthy, a.Health().GetState(NodeComponent))

	err = a.Start(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.NewError(errors.ErrCodeAlreadyStarted, ""))
}

func TestMetricsSources(t *testing.T) {
	t.Parallel()
	c := newCluster(t, "ionss0")
	a := startAdapter(t, c, "ionss0")

	_, err := a.Attached()[0].Projection.Statfs(testCtx(t))
	require.NoError(t, err)

	families, err := a.Metrics().Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"iof_rpc_total",
		"iof_projection_statfs",
		"iof_fuse_errors",
		"iof_engine_sent",
		"iof_transport_in_use",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}

func TestSignOnFails(t *testing.T) {
	t.Parallel()
	c := newCluster(t)

	a, err := New(testConfig(t, "nowhere"),
		WithLogger(quietLogger()),
		WithoutMount(),
		WithDialOptions(grpc.WithContextDialer(c.dialer)))
	require.NoError(t, err)

	err = a.Start(testCtx(t))
	require.Error(t, err)
	assert.Empty(t, a.Attached())
	assert.NoError(t, a.Stop(context.Background()))
	assert.NoError(t, a.Stop(context.Background()))
}

func TestHealthCheckFailsProjectionsOver(t *testing.T) {
	t.Parallel()
	c := newCluster(t, "ionss0", "ionss1")
	require.NoError(t, os.WriteFile(filepath.Join(c.dir, "a"), []byte("alpha"), 0o644))
	a := startAdapter(t, c, "ionss0", "ionss1")
	ctx := testCtx(t)

	p := a.Attached()[0].Projection
	_, err := p.Lookup(ctx, client.RootIno, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, c.servers["ionss0"].OpenHandles())

	c.kill(t, "ionss0")

	// The check is resent to the surviving node; the projections notice the
	// move and fail over to it.
	require.NoError(t, a.checkNode(ctx, NodeComponent))
	for _, at := range a.Attached() {
		assert.Equal(t, 1, at.binding.Active())
		assert.False(t, at.binding.moved())
		assert.Zero(t, at.Projection.OfflineReason())
	}

	assert.Contains(t, a.Status().OpenBreakers, "ionss0", "the lost node is skipped")
	assert.NotContains(t, a.Status().OpenBreakers, "ionss1")

	attr, err := p.GetattrPath(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), attr.Size)
	_, err = p.Lookup(ctx, client.RootIno, "a")
	require.NoError(t, err)
}

func TestUnavailableNodeTakesProjectionsOffline(t *testing.T) {
	t.Parallel()
	c := newCluster(t, "ionss0")
	a := startAdapter(t, c, "ionss0")
	ctx := testCtx(t)

	c.kill(t, "ionss0")
	for i := 0; i < health.DefaultConfig().UnavailableThreshold; i++ {
		a.Health().CheckNow(ctx, a.checkNode)
	}
	assert.Equal(t, health.StateUnavailable, a.Health().GetState(NodeComponent))

	for _, at := range a.Attached() {
		assert.Equal(t, syscall.EHOSTDOWN, at.Projection.OfflineReason())
	}
	for _, ps := range a.Status().Projections {
		assert.Equal(t, syscall.EHOSTDOWN.Error(), ps.Offline)
	}
	_, err := a.Attached()[0].Projection.Lookup(ctx, client.RootIno, "a")
	require.Error(t, err)
	assert.Equal(t, syscall.EHOSTDOWN, errors.Errno(err))
}
