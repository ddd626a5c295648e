// Package server is the I/O node. It exports one or more backends as
// projections, hands out capabilities for the objects clients open, and serves
// every forwarded filesystem operation against them.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/iofwd/iof/internal/buffer"
	"github.com/iofwd/iof/internal/protocol"
	"github.com/iofwd/iof/internal/storage"
	"github.com/iofwd/iof/internal/transport"
	"github.com/iofwd/iof/pkg/errors"
	"github.com/iofwd/iof/pkg/gah"
)

// Projection flags reported by psr_query.
const (
	FlagWriteable uint64 = 1 << 0
	FlagFailover  uint64 = 1 << 1
)

// Defaults applied to exports that leave a limit unset.
const (
	DefaultMaxRead     = 1 << 20
	DefaultMaxWrite    = 1 << 20
	DefaultReaddirSize = 64
)

// Export is one projection offered to clients.
type Export struct {
	Name        string
	Backend     storage.Backend
	Writeable   bool
	Failover    bool
	MaxRead     uint32
	MaxWrite    uint32
	MaxIOVRead  uint32
	ReaddirSize uint32
}

// Config holds I/O node settings.
type Config struct {
	// Rank is written into every capability minted by this node.
	Rank        uint8
	GAHCapacity int
	GAHDelta    int
	// PollInterval is the liveness poll period, in milliseconds, advertised to
	// clients.
	PollInterval uint32
	Features     uint32
	Transport    transport.ServerConfig
}

type export struct {
	Export
	fsid int32
	root gah.GAH
}

func (e *export) flags() uint64 {
	var f uint64
	if e.Writeable {
		f |= FlagWriteable
	}
	if e.Failover {
		f |= FlagFailover
	}
	return f
}

// Server is an I/O node.
type Server struct {
	cfg       Config
	store     *gah.Store
	exports   []*export
	registry  *protocol.Registry
	transport *transport.Server
	buffers   *buffer.BytePool
	logger    *slog.Logger

	served  atomic.Uint64
	invalid atomic.Uint64
}

// New creates an I/O node for exports. Every export gets a root capability that
// lives as long as the server.
func New(cfg Config, exports []Export, logger *slog.Logger, opts ...transport.ServerOption) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(exports) == 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "no projections configured").
			WithComponent("server")
	}

	var storeOpts []gah.Option
	storeOpts = append(storeOpts, gah.WithRank(cfg.Rank))
	if cfg.GAHCapacity > 0 {
		storeOpts = append(storeOpts, gah.WithCapacity(cfg.GAHCapacity))
	}
	if cfg.GAHDelta > 0 {
		storeOpts = append(storeOpts, gah.WithDelta(cfg.GAHDelta))
	}

	s := &Server{
		cfg:    cfg,
		store:  gah.NewStore(storeOpts...),
		logger: logger.With("component", "ionss", "rank", cfg.Rank),
	}

	maxRead := 0
	seen := make(map[string]bool, len(exports))
	for i, ex := range exports {
		if ex.Name == "" || ex.Backend == nil {
			return nil, errors.Newf(errors.ErrCodeInvalidConfig, "projection %d needs a name and a backend", i).
				WithComponent("server")
		}
		if seen[ex.Name] {
			return nil, errors.Newf(errors.ErrCodeInvalidConfig, "projection %q configured twice", ex.Name).
				WithComponent("server")
		}
		seen[ex.Name] = true

		if ex.MaxRead == 0 {
			ex.MaxRead = DefaultMaxRead
		}
		if ex.MaxWrite == 0 {
			ex.MaxWrite = DefaultMaxWrite
		}
		if ex.MaxIOVRead == 0 {
			ex.MaxIOVRead = ex.MaxRead
		}
		if ex.ReaddirSize == 0 {
			ex.ReaddirSize = DefaultReaddirSize
		}
		maxRead = max(maxRead, int(ex.MaxRead))

		e := &export{Export: ex, fsid: int32(i)}
		root, err := s.store.Allocate(uint8(i), &object{kind: kindInode, export: e, path: ".", root: true})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeResourceExhausted, "allocate root handle").
				WithComponent("server")
		}
		e.root = root
		s.exports = append(s.exports, e)
		s.logger.Info("Exporting projection", "name", ex.Name, "fsid", i,
			"writeable", ex.Writeable, "root", root.String())
	}
	s.buffers = buffer.NewBytePool(maxRead)

	reg, err := protocol.NewDefaultRegistry(protocol.NewRegistry(logger))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeRegistrationFailed, "build protocol registry").
			WithComponent("server")
	}
	s.registry = reg
	s.transport = transport.NewServer(cfg.Transport, logger, opts...)

	if err := s.RegisterHandlers(); err != nil {
		return nil, err
	}
	return s, nil
}

// RegisterHandlers binds a handler to every IOF_PRIVATE operation and to
// psr_query. The first failure is returned.
func (s *Server) RegisterHandlers() error {
	hs := s.handlers()
	bind := func(d protocol.Descriptor) error {
		h, ok := hs[d.Name]
		if !ok {
			return fmt.Errorf("no handler for %s", d.Name)
		}
		return s.transport.Register(d, s.count(h))
	}
	for _, class := range []string{protocol.ClassPrivate, protocol.ClassQuery} {
		if err := s.registry.Register(class, bind); err != nil {
			return errors.Wrap(err, errors.ErrCodeRegistrationFailed, "register "+class).
				WithComponent("server")
		}
	}
	return nil
}

func (s *Server) count(h transport.Handler) transport.Handler {
	return func(ctx context.Context, in any) (any, error) {
		s.served.Add(1)
		return h(ctx, in)
	}
}

// Serve accepts client connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	return s.transport.Serve(lis)
}

// Projections describes the exports in fsid order.
func (s *Server) Projections() []protocol.ProjectionInfo {
	out := make([]protocol.ProjectionInfo, 0, len(s.exports))
	for _, e := range s.exports {
		out = append(out, protocol.ProjectionInfo{
			Name:        e.Name,
			FSID:        e.fsid,
			GAH:         e.root,
			Flags:       e.flags(),
			MaxRead:     e.MaxRead,
			MaxWrite:    e.MaxWrite,
			MaxIOVRead:  e.MaxIOVRead,
			ReaddirSize: e.ReaddirSize,
		})
	}
	return out
}

// Registry returns the protocol registry the handlers are bound through.
func (s *Server) Registry() *protocol.Registry {
	return s.registry
}

// Stats is a snapshot of the node.
type Stats struct {
	Served   uint64
	Rejected uint64
	Handles  gah.Stats
	Buffers  buffer.PoolStats
}

// Stats returns the node counters.
func (s *Server) Stats() Stats {
	return Stats{
		Served:   s.served.Load(),
		Rejected: s.invalid.Load(),
		Handles:  s.store.Stats(),
		Buffers:  s.buffers.Stats(),
	}
}

// Snapshot flattens the counters for the metrics collector.
func (s *Server) Snapshot() map[string]uint64 {
	st := s.Stats()
	return map[string]uint64{
		"served":        st.Served,
		"rejected":      st.Rejected,
		"handles":       uint64(st.Handles.InUse),
		"handle_grows":  uint64(st.Handles.Grows),
		"buffer_hits":   st.Buffers.Hits,
		"buffer_misses": st.Buffers.Misses,
	}
}

// OpenHandles returns the number of live capabilities, the export roots
// excluded.
func (s *Server) OpenHandles() int {
	return s.store.InUse() - len(s.exports)
}

// Stop drains in-flight calls, closes every object clients left open and
// destroys the capability store. Handles still live after that are reported as
// a leak.
func (s *Server) Stop() error {
	s.transport.Stop()

	type live struct {
		g   gah.GAH
		obj *object
	}
	var open []live
	s.store.Range(func(g gah.GAH, data any) bool {
		open = append(open, live{g, data.(*object)})
		return true
	})

	leaked := 0
	for _, l := range open {
		if !l.obj.root {
			leaked++
		}
		if err := s.release(l.g, l.obj); err != nil {
			s.logger.Warn("Closing handle on shutdown failed", "gah", l.g.String(), "error", err)
		}
	}
	if leaked > 0 {
		s.logger.Info("Closed handles left open by clients", "count", leaked)
	}

	for _, e := range s.exports {
		if err := e.Backend.Close(); err != nil {
			s.logger.Warn("Closing backend failed", "projection", e.Name, "error", err)
		}
	}

	if err := s.store.Destroy(); err != nil {
		s.logger.Error("Capability store leaked handles", "error", err)
		return errors.Wrap(err, errors.ErrCodeResourceLeaked, "destroy capability store").
			WithComponent("server")
	}
	return nil
}
