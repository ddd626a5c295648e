// Package client implements the client side of a projection: the filesystem
// operation set expressed as remote operations on an I/O node, the inode table
// mapping local inode numbers to capabilities, and the open handle lists.
package client

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/iofwd/iof/internal/pool"
	"github.com/iofwd/iof/internal/protocol"
	"github.com/iofwd/iof/internal/request"
	"github.com/iofwd/iof/pkg/errors"
	"github.com/iofwd/iof/pkg/gah"
)

// Flags are the projection feature flags reported at sign-on.
type Flags uint64

const (
	// FlagWriteable allows mutating operations.
	FlagWriteable Flags = 1 << 0
	// FlagFailover allows moving to another I/O node when the current one is lost.
	FlagFailover Flags = 1 << 1
)

// ModeIndex returns the access mode encoded in bits 2..5.
func (f Flags) ModeIndex() int {
	return int(f&0x3F) >> 2
}

var supportedModes = []int{0}

// IsModeSupported reports whether the access mode in f can be projected. Only
// private access (mode 0) is implemented.
func IsModeSupported(f Flags) bool {
	mode := f.ModeIndex()
	for _, m := range supportedModes {
		if m == mode {
			return true
		}
	}
	return false
}

// Info describes one projection as offered by the I/O node.
type Info struct {
	Name        string
	FSID        int32
	CliFSID     int32
	Root        gah.GAH
	Flags       Flags
	MaxRead     uint32
	MaxWrite    uint32
	MaxIOVRead  uint32
	ReaddirSize uint32
}

// InfoFromWire converts a sign-on record. cliFSID is the local index of the
// projection.
func InfoFromWire(p protocol.ProjectionInfo, cliFSID int32) Info {
	return Info{
		Name:        p.Name,
		FSID:        p.FSID,
		CliFSID:     cliFSID,
		Root:        p.GAH,
		Flags:       Flags(p.Flags),
		MaxRead:     p.MaxRead,
		MaxWrite:    p.MaxWrite,
		MaxIOVRead:  p.MaxIOVRead,
		ReaddirSize: p.ReaddirSize,
	}
}

// Writeable reports whether mutating operations are allowed.
func (i Info) Writeable() bool {
	return i.Flags&FlagWriteable != 0
}

// FailoverState is the failover progress of a projection.
type FailoverState int32

const (
	FailoverRunning FailoverState = iota
	FailoverOffline
	FailoverInProgress
	FailoverComplete
)

func (s FailoverState) String() string {
	switch s {
	case FailoverRunning:
		return "running"
	case FailoverOffline:
		return "offline"
	case FailoverInProgress:
		return "in_progress"
	case FailoverComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Mover moves the transport to another endpoint of the failover set.
type Mover interface {
	Active() int
	Failover(from int) (int, error)
}

// Stats counts calls per filesystem operation.
type Stats struct {
	Opendir, Readdir, Closedir      atomic.Uint64
	Getattr, Setattr, Statfs        atomic.Uint64
	Create, Open, Release           atomic.Uint64
	Read, Write, Fsync              atomic.Uint64
	ReadBytes, WriteBytes           atomic.Uint64
	Readlink, Symlink, Mkdir        atomic.Uint64
	Rmdir, Unlink, Rename           atomic.Uint64
	Lookup, Forget, Ioctl, GAHIoctl atomic.Uint64
}

// Snapshot returns the counters by name.
func (s *Stats) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"opendir":     s.Opendir.Load(),
		"readdir":     s.Readdir.Load(),
		"closedir":    s.Closedir.Load(),
		"getattr":     s.Getattr.Load(),
		"setattr":     s.Setattr.Load(),
		"statfs":      s.Statfs.Load(),
		"create":      s.Create.Load(),
		"open":        s.Open.Load(),
		"release":     s.Release.Load(),
		"read":        s.Read.Load(),
		"write":       s.Write.Load(),
		"fsync":       s.Fsync.Load(),
		"read_bytes":  s.ReadBytes.Load(),
		"write_bytes": s.WriteBytes.Load(),
		"readlink":    s.Readlink.Load(),
		"symlink":     s.Symlink.Load(),
		"mkdir":       s.Mkdir.Load(),
		"rmdir":       s.Rmdir.Load(),
		"unlink":      s.Unlink.Load(),
		"rename":      s.Rename.Load(),
		"lookup":      s.Lookup.Load(),
		"forget":      s.Forget.Load(),
		"ioctl":       s.Ioctl.Load(),
		"il_ioctl":    s.GAHIoctl.Load(),
	}
}

// Config holds projection settings.
type Config struct {
	// PoolDelta is the growth batch of the per-operation request pools.
	PoolDelta int
}

// Projection is the client view of one exported filesystem.
type Projection struct {
	info   Info
	engine *request.Engine
	mover  Mover
	logger *slog.Logger
	stats  Stats

	dhPool      *pool.Pool[request.Request]
	fhPool      *pool.Pool[request.Request]
	lookupPool  *pool.Pool[request.Request]
	entryPool   *pool.Pool[request.Request]
	closePool   *pool.Pool[request.Request]
	getattrPool *pool.Pool[request.Request]
	statusPool  *pool.Pool[request.Request]
	readPool    *pool.Pool[request.Request]
	writePool   *pool.Pool[request.Request]

	// gahLock guards every token held by the projection.
	gahLock sync.Mutex
	root    *request.Capability

	inodeMu sync.Mutex
	inodes  map[uint64]*Inode

	odLock   sync.Mutex
	openDirs map[*DirHandle]struct{}

	ofLock    sync.Mutex
	openFiles map[*FileHandle]struct{}

	offlineReason atomic.Int32
	failover      atomic.Int32
}

// New creates a projection served through e. mover may be nil, in which case a
// lost I/O node takes the projection offline.
func New(info Info, e *request.Engine, mover Mover, cfg Config, logger *slog.Logger) (*Projection, error) {
	if !IsModeSupported(info.Flags) {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "projection %s: access mode %d not supported",
			info.Name, info.Flags.ModeIndex()).WithComponent("client")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if info.ReaddirSize == 0 {
		info.ReaddirSize = 64
	}

	p := &Projection{
		info:      info,
		engine:    e,
		mover:     mover,
		logger:    logger.With("component", "client", "projection", info.Name),
		inodes:    make(map[uint64]*Inode),
		openDirs:  make(map[*DirHandle]struct{}),
		openFiles: make(map[*FileHandle]struct{}),
	}
	p.root = request.NewCapability(&p.gahLock)
	p.root.Set(info.Root)

	newPool := func(kind string) *pool.Pool[request.Request] {
		return e.NewPool(info.Name+"/"+kind, cfg.PoolDelta)
	}
	p.dhPool = newPool("dh")
	p.fhPool = newPool("fh")
	p.lookupPool = newPool("lookup")
	p.entryPool = newPool("entry")
	p.closePool = newPool("close")
	p.getattrPool = newPool("getattr")
	p.statusPool = newPool("status")
	p.readPool = newPool("readbuf")
	p.writePool = newPool("write")

	p.logger.Info("Projection ready",
		"fsid", info.FSID,
		"cli_fsid", info.CliFSID,
		"writeable", info.Writeable(),
		"failover", info.Flags&FlagFailover != 0,
		"max_read", info.MaxRead,
		"max_write", info.MaxWrite)
	return p, nil
}

// Info returns the sign-on description.
func (p *Projection) Info() Info {
	return p.info
}

// Stats returns the per-operation counters.
func (p *Projection) Stats() *Stats {
	return &p.stats
}

// PoolStats returns the counters of the projection's request pools.
func (p *Projection) PoolStats() []pool.Stats {
	pools := []*pool.Pool[request.Request]{
		p.dhPool, p.fhPool, p.lookupPool, p.entryPool, p.closePool,
		p.getattrPool, p.statusPool, p.readPool, p.writePool,
	}
	out := make([]pool.Stats, 0, len(pools))
	for _, pl := range pools {
		out = append(out, pl.Stats())
	}
	return out
}

// OfflineReason returns the errno every operation fails with, or 0 while online.
func (p *Projection) OfflineReason() syscall.Errno {
	return syscall.Errno(p.offlineReason.Load())
}

// FailoverState returns the failover progress.
func (p *Projection) FailoverState() FailoverState {
	return FailoverState(p.failover.Load())
}

// enter counts the call and rejects it while offline, or when it mutates a
// read-only projection.
func (p *Projection) enter(counter *atomic.Uint64, op string, mutating bool) error {
	counter.Add(1)
	if reason := p.OfflineReason(); reason != 0 {
		return errors.NewError(errors.ErrCodeProjectionOffline, "projection offline").
			WithComponent("client").
			WithOperation(op).
			WithErrno(reason)
	}
	if mutating && !p.info.Writeable() {
		p.logger.Info("Attempt to modify read-only projection", "op", op)
		return errors.NewError(errors.ErrCodeReadOnly, "read-only projection").
			WithComponent("client").
			WithOperation(op)
	}
	return nil
}

// call runs one operation on a request from pl and returns the request's
// outcome.
func (p *Projection) call(ctx context.Context, pl *pool.Pool[request.Request], op protocol.Op,
	c *request.Capability, in, out any, ops request.Ops) error {
	r, err := p.engine.Take(pl, op)
	if err != nil {
		return err
	}
	r.Cap, r.In, r.Out, r.Ops = c, in, out, ops

	if err := p.engine.Send(r); err != nil {
		p.release(r)
		return err
	}
	if err := p.engine.Await(ctx, r); err != nil {
		p.release(r)
		return err
	}
	err = r.Err()
	p.release(r)
	return err
}

// release returns r to its pool. A failure means the request was already
// released elsewhere and is logged.
func (p *Projection) release(r *request.Request) {
	if err := p.engine.Release(r); err != nil {
		p.logger.Warn("Releasing request failed", "request", r.String(), "error", err)
	}
}

// Offline takes the projection offline: every later operation fails with
// reason and every held capability is invalidated.
func (p *Projection) Offline(reason syscall.Errno) {
	if reason == 0 {
		reason = syscall.EHOSTDOWN
	}
	if !p.offlineReason.CompareAndSwap(0, int32(reason)) {
		return
	}
	p.failover.Store(int32(FailoverOffline))
	p.invalidateAll(true)
	p.logger.Warn("Projection offline", "reason", reason.Error())
}

// invalidateAll clears the valid flag of every capability held by the
// projection. The root capability is included when withRoot is set.
func (p *Projection) invalidateAll(withRoot bool) int {
	n := 0
	if withRoot && p.root.MarkInvalid() {
		n++
	}

	p.inodeMu.Lock()
	for _, ie := range p.inodes {
		if ie.Cap.MarkInvalid() {
			n++
		}
	}
	p.inodeMu.Unlock()

	p.odLock.Lock()
	for dh := range p.openDirs {
		if dh.cap.MarkInvalid() {
			n++
		}
	}
	p.odLock.Unlock()

	p.ofLock.Lock()
	for fh := range p.openFiles {
		if fh.cap.MarkInvalid() {
			n++
		}
	}
	p.ofLock.Unlock()
	return n
}

// Failover moves the projection to the next I/O node of the failover set. Open
// handles and looked-up inodes do not survive the move: their capabilities are
// invalidated and later use fails with EHOSTDOWN, while the root is refreshed
// from the new node's sign-on record. Without the failover flag, or when no
// other node is left, the projection goes offline.
func (p *Projection) Failover(ctx context.Context) error {
	if p.info.Flags&FlagFailover == 0 || p.mover == nil {
		p.Offline(syscall.EHOSTDOWN)
		return p.offlineErr("failover")
	}
	if !p.failover.CompareAndSwap(int32(FailoverRunning), int32(FailoverInProgress)) &&
		!p.failover.CompareAndSwap(int32(FailoverComplete), int32(FailoverInProgress)) {
		return errors.Newf(errors.ErrCodeInvalidState, "failover in state %s", p.FailoverState()).
			WithComponent("client").WithOperation("failover")
	}

	from := p.mover.Active()
	to, err := p.mover.Failover(from)
	if err != nil {
		p.failover.Store(int32(FailoverRunning))
		p.Offline(syscall.EHOSTDOWN)
		return err
	}
	dropped := p.invalidateAll(true)

	q, err := p.engine.Query(ctx)
	if err != nil {
		p.failover.Store(int32(FailoverRunning))
		p.Offline(syscall.EHOSTDOWN)
		return err
	}
	for _, info := range q.Projections {
		if info.Name == p.info.Name {
			p.root.Set(info.GAH)
			p.failover.Store(int32(FailoverComplete))
			p.logger.Warn("Projection failed over", "from", from, "to", to, "invalidated", dropped)
			p.failover.Store(int32(FailoverRunning))
			return nil
		}
	}

	p.failover.Store(int32(FailoverRunning))
	p.Offline(syscall.ENOENT)
	return p.offlineErr("failover")
}

func (p *Projection) offlineErr(op string) error {
	return errors.NewError(errors.ErrCodeProjectionOffline, "projection offline").
		WithComponent("client").
		WithOperation(op).
		WithErrno(p.OfflineReason())
}

// Shutdown releases every open directory and file, then forgets every inode.
// Remote closes are skipped for capabilities already invalid.
func (p *Projection) Shutdown(ctx context.Context) {
	p.odLock.Lock()
	dirs := make([]*DirHandle, 0, len(p.openDirs))
	for dh := range p.openDirs {
		dirs = append(dirs, dh)
	}
	p.odLock.Unlock()
	for _, dh := range dirs {
		if err := p.Releasedir(ctx, dh); err != nil {
			p.logger.Debug("Closing directory on shutdown failed", "error", err)
		}
	}

	p.ofLock.Lock()
	files := make([]*FileHandle, 0, len(p.openFiles))
	for fh := range p.openFiles {
		files = append(files, fh)
	}
	p.ofLock.Unlock()
	for _, fh := range files {
		if err := p.Release(ctx, fh); err != nil {
			p.logger.Debug("Closing file on shutdown failed", "error", err)
		}
	}

	p.inodeMu.Lock()
	inodes := make([]*Inode, 0, len(p.inodes))
	for ino, ie := range p.inodes {
		inodes = append(inodes, ie)
		delete(p.inodes, ino)
	}
	p.inodeMu.Unlock()
	for _, ie := range inodes {
		p.closeGAH(ctx, ie.Cap)
	}

	p.logger.Info("Projection shut down", "dirs", len(dirs), "files", len(files), "inodes", len(inodes))
}

// closeGAH asks the I/O node to drop a capability. Failures are logged only.
func (p *Projection) closeGAH(ctx context.Context, c *request.Capability) {
	if !c.Valid() {
		return
	}
	if err := p.call(ctx, p.closePool, protocol.OpClose, c, new(protocol.GahIn), nil, nil); err != nil {
		p.logger.Debug("Close failed", "gah", c.String(), "error", err)
	}
	c.MarkInvalid()
}
