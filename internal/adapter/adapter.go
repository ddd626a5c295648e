package adapter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/iofwd/iof/internal/client"
	"github.com/iofwd/iof/internal/config"
	"github.com/iofwd/iof/internal/fuse"
	"github.com/iofwd/iof/internal/metrics"
	"github.com/iofwd/iof/internal/progress"
	"github.com/iofwd/iof/internal/protocol"
	"github.com/iofwd/iof/internal/request"
	"github.com/iofwd/iof/internal/transport"
	"github.com/iofwd/iof/pkg/api"
	"github.com/iofwd/iof/pkg/errors"
	"github.com/iofwd/iof/pkg/health"
	"github.com/iofwd/iof/pkg/profiling"
	"github.com/iofwd/iof/pkg/retry"
	"github.com/iofwd/iof/pkg/utils"
)

// NodeComponent is the health component of the I/O node connection.
const NodeComponent = "ionss"

// binding is the failover view of one projection. The transport can move to
// another endpoint on its own when an evicted request is resent; bound stays on
// the endpoint the projection's capabilities came from until the projection
// fails over.
type binding struct {
	client *transport.Client
	bound  atomic.Int32
}

func newBinding(c *transport.Client) *binding {
	b := &binding{client: c}
	b.bound.Store(int32(c.Active()))
	return b
}

func (b *binding) Active() int {
	return int(b.bound.Load())
}

func (b *binding) Failover(from int) (int, error) {
	to, err := b.client.Failover(from)
	if err != nil {
		return to, err
	}
	b.bound.Store(int32(to))
	return to, nil
}

// moved reports whether the transport left the bound endpoint.
func (b *binding) moved() bool {
	return b.client.Active() != b.Active()
}

// Attached is one projection of the client node.
type Attached struct {
	Projection *client.Projection
	FileSystem *fuse.FileSystem
	// Mount is nil when the adapter does not mount.
	Mount *fuse.MountManager

	binding *binding
}

// Adapter is a client node: it signs on to the I/O nodes, attaches every
// projection they offer and mounts each one below the mount prefix.
type Adapter struct {
	config *config.Configuration
	id     uuid.UUID
	logger *slog.Logger
	closer io.Closer

	metrics *metrics.Collector
	client  *transport.Client
	driver  *progress.Driver
	engine  *request.Engine
	health  *health.Tracker

	mount    bool
	dialOpts []grpc.DialOption

	mu       sync.Mutex
	attached []*Attached
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	checks   sync.WaitGroup
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger uses logger instead of one built from the global configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithDialOptions passes gRPC dial options to the transport.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(a *Adapter) {
		a.dialOpts = append(a.dialOpts, opts...)
	}
}

// WithoutMount attaches projections without mounting them.
func WithoutMount() Option {
	return func(a *Adapter) {
		a.mount = false
	}
}

// New creates a client node for cfg. Nothing is contacted until Start.
func New(cfg *config.Configuration, opts ...Option) (*Adapter, error) {
	if err := cfg.ValidateClient(); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}

	a := &Adapter{config: cfg, id: uuid.New(), mount: true}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		logger, closer, err := utils.NewLogger(utils.LogConfig{
			Level:      cfg.Global.LogLevel,
			Format:     cfg.Global.LogFormat,
			File:       cfg.Global.LogFile,
			MaxSizeMB:  cfg.Global.LogMaxSizeMB,
			MaxBackups: cfg.Global.LogMaxBackups,
			Compress:   cfg.Global.LogCompress,
		})
		if err != nil {
			return nil, err
		}
		a.logger, a.closer = logger, closer
	}
	a.logger = a.logger.With("instance", a.id.String())

	var err error
	a.metrics, err = metrics.NewCollector(&metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
	}, a.logger)
	if err != nil {
		return nil, err
	}

	a.client, err = transport.NewClient(transport.ClientConfig{
		Endpoints:      cfg.Transport.Endpoints,
		Timeout:        cfg.Transport.RPCTimeout,
		MaxMessageSize: cfg.Transport.MaxMessageSize,
		QueueDepth:     cfg.Transport.QueueDepth,
		Breaker:        cfg.Circuit,
	}, a.logger, transport.WithObserver(a.metrics), transport.WithDialOptions(a.dialOpts...))
	if err != nil {
		return nil, err
	}
	a.driver = progress.NewDriver(a.client, cfg.Progress, a.logger)

	reg, err := protocol.NewDefaultRegistry(protocol.NewRegistry(a.logger))
	if err != nil {
		_ = a.client.Close()
		return nil, err
	}
	a.engine, err = request.NewEngine(reg, a.client, a.driver, request.Config{
		PoolDelta: cfg.Pools.Delta,
		Retry:     cfg.Retry,
	}, a.logger)
	if err != nil {
		_ = a.client.Close()
		return nil, err
	}

	hc := health.DefaultConfig()
	if cfg.Client.HealthInterval > 0 {
		hc.HealthCheckInterval = cfg.Client.HealthInterval
	}
	a.health = health.NewTracker(hc)
	a.health.RegisterComponent(NodeComponent)
	a.health.AddStateChangeCallback(health.StateUnavailable, a.nodeUnavailable)

	a.metrics.RegisterSource("engine", "requests", a.engineStats)
	a.metrics.RegisterSource("transport", "calls", a.callStats)
	a.metrics.RegisterSource("runtime", "iof", profiling.Snapshot)
	api.NewHandler("iof", a.health, func() any { return a.Status() }, a.logger).Register(a.metrics)
	if cfg.Metrics.Pprof {
		profiling.Register(a.metrics)
	}
	return a, nil
}

// ID returns the instance id of the client node.
func (a *Adapter) ID() uuid.UUID {
	return a.id
}

// Metrics returns the metrics collector.
func (a *Adapter) Metrics() *metrics.Collector {
	return a.metrics
}

// Health returns the I/O node health tracker.
func (a *Adapter) Health() *health.Tracker {
	return a.health
}

// Attached returns the attached projections in sign-on order.
func (a *Adapter) Attached() []*Attached {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Attached(nil), a.attached...)
}

// Start signs on, attaches and mounts every supported projection and starts
// probing the I/O node.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.NewError(errors.ErrCodeAlreadyStarted, "adapter already started").WithComponent("adapter")
	}
	a.started = true
	a.mu.Unlock()

	a.logger.Info("Starting client node",
		"endpoints", a.config.Transport.Endpoints,
		"mount_prefix", a.config.Client.MountPrefix)

	if err := a.metrics.Start(ctx); err != nil {
		return err
	}
	if err := a.driver.Start(); err != nil {
		return err
	}

	q, err := a.signOn(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("Signed on", "rank", q.Rank, "projections", q.Count, "version", q.ProtoVersion)

	for i, info := range q.Projections {
		if err := a.attach(ctx, client.InfoFromWire(info, int32(i))); err != nil {
			_ = a.Stop(context.Background())
			return err
		}
	}
	if len(a.Attached()) == 0 {
		return errors.NewError(errors.ErrCodeInvalidState, "no usable projection offered").
			WithComponent("adapter").WithOperation("start")
	}

	hctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	a.checks.Add(1)
	go func() {
		defer a.checks.Done()
		a.health.StartHealthChecks(hctx, a.checkNode)
	}()
	return nil
}

// signOn queries the I/O node until it answers or the attempts run out.
func (a *Adapter) signOn(ctx context.Context) (*protocol.PsrQueryOut, error) {
	rc := a.config.Retry
	rc.RetryableErrors = append(append([]errors.ErrorCode(nil), rc.RetryableErrors...),
		errors.ErrCodeTransportUnreachable, errors.ErrCodeRetryExhausted, errors.ErrCodeTransportTimeout)
	r := retry.New(rc).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		a.logger.Warn("Sign-on failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	})
	if n := a.config.Client.SignOnAttempts; n > 0 {
		r = r.WithMaxAttempts(n)
	}

	var q *protocol.PsrQueryOut
	err := r.DoWithContext(ctx, func(ctx context.Context) error {
		var err error
		q, err = a.engine.Query(ctx)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTransportUnreachable, "sign-on failed").
			WithComponent("adapter").WithOperation("sign_on")
	}
	if q.ProtoVersion != protocol.ProtoVersion {
		return nil, errors.Newf(errors.ErrCodeTransportProtocol, "I/O node speaks version %d, want %d",
			q.ProtoVersion, protocol.ProtoVersion).WithComponent("adapter").WithOperation("sign_on")
	}
	return q, nil
}

func (a *Adapter) attach(ctx context.Context, info client.Info) error {
	if !client.IsModeSupported(info.Flags) {
		a.logger.Warn("Skipping projection with unsupported mode", "projection", info.Name, "mode", info.Flags.ModeIndex())
		return nil
	}

	b := newBinding(a.client)
	p, err := client.New(info, a.engine, b, client.Config{PoolDelta: a.config.Pools.Delta}, a.logger)
	if err != nil {
		return err
	}
	fsys := fuse.NewFileSystem(p, fuse.Config{
		AttrTimeout:  a.config.Client.AttrTimeout,
		EntryTimeout: a.config.Client.EntryTimeout,
	}, a.logger)
	at := &Attached{Projection: p, FileSystem: fsys, binding: b}

	if a.mount {
		at.Mount = fuse.NewMountManager(fsys, fuse.MountConfig{
			MountPoint: MountPoint(a.config.Client.MountPrefix, info.Name),
			AllowOther: a.config.Client.AllowOther,
			Options:    a.config.Client.FuseOptions,
			MaxWrite:   int(info.MaxWrite),
			Create:     true,
		}, a.logger)
		if err := at.Mount.Mount(ctx); err != nil {
			p.Shutdown(ctx)
			return err
		}
	}

	a.metrics.RegisterSource("projection", info.Name, p.Stats().Snapshot)
	a.metrics.RegisterSource("fuse", info.Name, fsys.Stats().Snapshot)

	a.mu.Lock()
	a.attached = append(a.attached, at)
	a.mu.Unlock()
	a.logger.Info("Attached projection", "projection", info.Name, "fsid", info.FSID, "writeable", info.Writeable())
	return nil
}

// ProjectionStatus describes one attached projection.
type ProjectionStatus struct {
	Name       string `json:"name"`
	FSID       int32  `json:"fsid"`
	Writeable  bool   `json:"writeable"`
	MountPoint string `json:"mount_point,omitempty"`
	Endpoint   string `json:"endpoint"`
	Failover   string `json:"failover"`
	Offline    string `json:"offline,omitempty"`
	Inodes     int    `json:"inodes"`
	OpenFiles  int    `json:"open_files"`
	OpenDirs   int    `json:"open_dirs"`
}

// Status describes the client node.
type Status struct {
	ID   string `json:"id"`
	Node string `json:"node"`
	// OpenBreakers names the endpoints currently skipped by failover.
	OpenBreakers string             `json:"open_breakers,omitempty"`
	Projections  []ProjectionStatus `json:"projections"`
}

// Status returns the current state of every attached projection.
func (a *Adapter) Status() Status {
	st := Status{
		ID:          a.id.String(),
		Node:        a.health.GetState(NodeComponent).String(),
		Projections: []ProjectionStatus{},
	}
	if err := a.client.Breakers().HealthCheck(); err != nil {
		st.OpenBreakers = err.Error()
	}
	for _, at := range a.Attached() {
		p := at.Projection
		info := p.Info()
		ps := ProjectionStatus{
			Name:      info.Name,
			FSID:      info.FSID,
			Writeable: info.Writeable(),
			Endpoint:  a.client.Endpoint(at.binding.Active()),
			Failover:  p.FailoverState().String(),
			Inodes:    p.Inodes(),
			OpenFiles: p.OpenFiles(),
			OpenDirs:  p.OpenDirs(),
		}
		if at.Mount != nil {
			ps.MountPoint = at.Mount.MountPoint()
		}
		if reason := p.OfflineReason(); reason != 0 {
			ps.Offline = reason.Error()
		}
		st.Projections = append(st.Projections, ps)
	}
	return st
}

// MountPoint returns where a projection is mounted below prefix.
func MountPoint(prefix, name string) string {
	return filepath.Join(prefix, filepath.Clean("/"+name))
}

// checkNode checks the I/O node with psr_query. When the transport has already
// moved to another endpoint, the projections still bound to the lost one fail
// over.
func (a *Adapter) checkNode(ctx context.Context, _ string) error {
	if _, err := a.engine.Query(ctx); err != nil {
		return err
	}
	for _, at := range a.Attached() {
		if at.binding.moved() && at.Projection.OfflineReason() == 0 {
			a.failover(ctx, at)
		}
	}
	return nil
}

func (a *Adapter) failover(ctx context.Context, at *Attached) {
	name := at.Projection.Info().Name
	if err := at.Projection.Failover(ctx); err != nil {
		a.logger.Error("Projection failover failed", "projection", name, "offline", at.Projection.OfflineReason(), "error", err)
		return
	}
	a.logger.Warn("Projection failed over", "projection", name, "endpoint", a.client.Endpoint(at.binding.Active()))
}

// nodeUnavailable fails every projection over once the I/O node stops
// answering. A projection with nowhere to go is taken offline.
func (a *Adapter) nodeUnavailable(component string, old, _ health.HealthState, err error) {
	a.logger.Error("I/O node unavailable", "component", component, "was", old, "error", err)

	ctx, cancel := context.WithTimeout(context.Background(), a.config.Transport.RPCTimeout)
	defer cancel()

	online := 0
	for _, at := range a.Attached() {
		if at.Projection.OfflineReason() != 0 {
			continue
		}
		a.failover(ctx, at)
		if at.Projection.OfflineReason() == 0 {
			online++
		}
	}
	if online > 0 {
		a.health.Reset(component)
	}
}

func (a *Adapter) engineStats() map[string]uint64 {
	s := a.engine.Stats()
	return map[string]uint64{
		"sent":           uint64(s.Sent),
		"completed":      uint64(s.Completed),
		"presend_failed": uint64(s.PresendFailed),
		"evicted":        uint64(s.Evicted),
		"resent":         uint64(s.Resent),
		"invalidated":    uint64(s.Invalidated),
	}
}

func (a *Adapter) callStats() map[string]uint64 {
	s := a.client.CallStats()
	return map[string]uint64{
		"in_use":    uint64(s.InUse),
		"allocated": uint64(s.Allocated),
		"grows":     uint64(s.Grows),
	}
}

// Stop unmounts and releases every projection, then shuts the transport down.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	cancel := a.cancel
	a.cancel = nil
	attached := a.attached
	a.attached = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.checks.Wait()

	var errs []error
	for _, at := range attached {
		name := at.Projection.Info().Name
		if at.Mount != nil && at.Mount.IsMounted() {
			if err := at.Mount.Unmount(ctx); err != nil {
				errs = append(errs, fmt.Errorf("unmount %s: %w", name, err))
			}
		}
		at.Projection.Shutdown(ctx)
		a.metrics.UnregisterSource("projection", name)
		a.metrics.UnregisterSource("fuse", name)
	}

	if err := a.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	a.driver.Stop()
	if err := a.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.metrics.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("Client node stopped", "projections", len(attached))
	if a.closer != nil {
		if err := a.closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("stop: %v", errs)
	}
	return nil
}
