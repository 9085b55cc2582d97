package admin

import (
	"context"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/vexor/ingress/internal/xdpmgr"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// xdpManager is the subset of xdpmgr.Manager the attach/detach service
// drives; declared as an interface so tests can supply a fake.
type xdpManager interface {
	Attach() error
	Detach() error
	Register(identity uuid.UUID, fd int) (uint32, error)
	Stats() xdpmgr.Stats
}

// AttachDetachService implements AttachDetachServiceServer over the shared
// filter program manager for one interface.
type AttachDetachService struct {
	UnimplementedAttachDetachServiceServer
	mgr xdpManager
}

// NewAttachDetachService wraps a manager for gRPC exposure.
func NewAttachDetachService(mgr xdpManager) *AttachDetachService {
	return &AttachDetachService{mgr: mgr}
}

func (s *AttachDetachService) Attach(ctx context.Context, req *AttachRequest) (*AttachResponse, error) {
	if err := s.mgr.Attach(); err != nil {
		return &AttachResponse{Attached: false, Error: err.Error()}, nil
	}
	return &AttachResponse{Attached: true}, nil
}

func (s *AttachDetachService) Detach(ctx context.Context, req *DetachRequest) (*DetachResponse, error) {
	if err := s.mgr.Detach(); err != nil {
		return &DetachResponse{Detached: false, Error: err.Error()}, nil
	}
	return &DetachResponse{Detached: true}, nil
}

func (s *AttachDetachService) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	id, err := uuid.Parse(req.Identity)
	if err != nil {
		return &RegisterResponse{Error: err.Error()}, nil
	}
	q, err := s.mgr.Register(id, int(req.Fd))
	if err != nil {
		return &RegisterResponse{Error: err.Error()}, nil
	}
	return &RegisterResponse{QueueID: q}, nil
}

func (s *AttachDetachService) Stats(ctx context.Context, req *StatsRequest) (*StatsResponse, error) {
	st := s.mgr.Stats()
	return &StatsResponse{
		Interface:      st.Interface,
		Attached:       st.Attached,
		RegisteredQ:    int32(st.RegisteredQ),
		MaxQueues:      st.MaxQueues,
		UsingGenerated: st.UsingGenerated,
	}, nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "ingress.admin.AttachDetachService",
	HandlerType: (*AttachDetachServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Attach", Handler: attachHandler},
		{MethodName: "Detach", Handler: detachHandler},
		{MethodName: "Register", Handler: registerHandler},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ingress/admin.proto",
}

func attachHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AttachRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AttachDetachServiceServer).Attach(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ingress.admin.AttachDetachService/Attach"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AttachDetachServiceServer).Attach(ctx, req.(*AttachRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func detachHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DetachRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AttachDetachServiceServer).Detach(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ingress.admin.AttachDetachService/Detach"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AttachDetachServiceServer).Detach(ctx, req.(*DetachRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func registerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AttachDetachServiceServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ingress.admin.AttachDetachService/Register"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AttachDetachServiceServer).Register(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func statsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AttachDetachServiceServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ingress.admin.AttachDetachService/Stats"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AttachDetachServiceServer).Stats(ctx, req.(*StatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// NewGRPCServer builds a grpc.Server with the attach/detach service
// registered, forced onto the jsonCodec since there is no .proto-generated
// codec for these types. spiffe may be nil to serve plaintext, which is
// only appropriate on a loopback-only admin address.
func NewGRPCServer(svc AttachDetachServiceServer, spiffe *SPIFFESource) *grpc.Server {
	opts := []grpc.ServerOption{grpc.ForceServerCodec(jsonCodec{})}
	if spiffe != nil {
		opts = append(opts, spiffe.ServerOption())
	}
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&serviceDesc, svc)
	return srv
}

// ListenAndServeGRPC starts the admin gRPC surface on addr and blocks until
// the listener or server returns an error.
func ListenAndServeGRPC(addr string, svc AttachDetachServiceServer, spiffe *SPIFFESource) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := NewGRPCServer(svc, spiffe)
	slog.Info("admin grpc surface listening", "addr", addr, "mtls", spiffe != nil)
	return srv.Serve(lis)
}
