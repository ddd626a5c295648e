package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/iofwd/iof/internal/protocol"
)

// ServiceName is the gRPC service every forwarded operation travels through.
const ServiceName = "iof.Forwarder"

const callMethod = "/" + ServiceName + "/Call"

// dispatcher is the handler type of the service descriptor.
type dispatcher interface {
	dispatch(ctx context.Context, env *Envelope) (*Reply, error)
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(dispatcher).dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(dispatcher).dispatch(ctx, req.(*Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*dispatcher)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "iof",
}

// Handler serves one operation. in is the decoded input message (nil when the
// descriptor has no input); the returned value is encoded as the reply body.
type Handler func(ctx context.Context, in any) (any, error)

// Observer receives one event per completed call.
type Observer interface {
	ObserveRPC(side, op string, d time.Duration, err error)
}

// ServerConfig holds server transport settings.
type ServerConfig struct {
	MaxMessageSize int
}

type route struct {
	desc    protocol.Descriptor
	handler Handler
}

// Server routes incoming calls to per-op-code handlers.
type Server struct {
	mu       sync.RWMutex
	routes   map[uint32]route
	grpc     *grpc.Server
	logger   *slog.Logger
	observer Observer
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerObserver reports every served call to o.
func WithServerObserver(o Observer) ServerOption {
	return func(s *Server) {
		s.observer = o
	}
}

// NewServer creates a server. Handlers are added with Register before Serve.
func NewServer(cfg ServerConfig, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		routes: make(map[uint32]route),
		logger: logger.With("component", "transport-server"),
	}
	for _, opt := range opts {
		opt(s)
	}

	gopts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(s.recoverUnary)}
	if cfg.MaxMessageSize > 0 {
		gopts = append(gopts,
			grpc.MaxRecvMsgSize(cfg.MaxMessageSize),
			grpc.MaxSendMsgSize(cfg.MaxMessageSize))
	}
	s.grpc = grpc.NewServer(gopts...)
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// recoverUnary turns a handler panic into an Internal error for that call, so
// one bad request cannot take the node down.
func (s *Server) recoverUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, h grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if p := recover(); p != nil {
			op := "unknown"
			if env, ok := req.(*Envelope); ok {
				op = fmt.Sprintf("%#x", env.Op)
			}
			s.logger.Error("Handler panicked", "op", op, "panic", p, "stack", string(debug.Stack()))
			resp, err = nil, status.Errorf(codes.Internal, "op %s: handler panicked", op)
		}
	}()
	return h(ctx, req)
}

// Register binds h to the descriptor's op code. It has the shape of a
// protocol.RegisterFunc once h is chosen.
func (s *Server) Register(d protocol.Descriptor, h Handler) error {
	if h == nil {
		return fmt.Errorf("transport: nil handler for %s", d.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.routes[d.OpCode]; ok {
		return fmt.Errorf("%w: %#x (%s)", ErrDuplicateOp, d.OpCode, existing.desc.Name)
	}
	s.routes[d.OpCode] = route{desc: d, handler: h}
	return nil
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Serving forwarded operations", "address", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop waits for in-flight calls and stops the server.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) dispatch(ctx context.Context, env *Envelope) (*Reply, error) {
	s.mu.RLock()
	rt, ok := s.routes[env.Op]
	s.mu.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "op code %#x not registered", env.Op)
	}

	start := time.Now()
	reply, err := s.serve(ctx, rt, env)
	if s.observer != nil {
		s.observer.ObserveRPC("server", rt.desc.Name, time.Since(start), err)
	}
	return reply, err
}

func (s *Server) serve(ctx context.Context, rt route, env *Envelope) (*Reply, error) {
	var in any
	if rt.desc.NewIn != nil {
		in = rt.desc.NewIn()
		if err := Unmarshal(env.Body, in); err != nil {
			s.logger.Warn("Malformed request", "op", rt.desc.Name, "error", err)
			return nil, status.Errorf(codes.InvalidArgument, "%s: %v", rt.desc.Name, err)
		}
	}

	out, err := rt.handler(ctx, in)
	if err != nil {
		s.logger.Error("Handler failed", "op", rt.desc.Name, "error", err)
		return nil, status.Errorf(codes.Internal, "%s: %v", rt.desc.Name, err)
	}

	body, err := Marshal(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%s: encode reply: %v", rt.desc.Name, err)
	}
	return &Reply{Body: body}, nil
}
