// Package grpcapi exposes the escrow engine as a gRPC service. Messages are
// google.protobuf.Struct values, so clients need no generated stubs.
package grpcapi

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"skillchain/native/escrow"
	"skillchain/services/escrowd/api"
	"skillchain/services/escrowd/auth"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "skillchain.escrow.v1.Escrow"

type Config struct {
	Service  *api.Service
	Verifier *auth.Verifier
	Logger   *slog.Logger
}

// EscrowServer is the handler type of the escrow service.
type EscrowServer interface {
	Create(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Fund(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReleaseMilestone(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestCancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApproveCancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveDispute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Milestones(context.Context, *structpb.Struct) (*structpb.Struct, error)
	List(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Balance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Credit(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Server implements EscrowServer over the shared api service.
type Server struct {
	svc    *api.Service
	logger *slog.Logger
}

// New builds a grpc.Server with telemetry, observation and authentication
// installed and the escrow service registered.
func New(cfg Config, opts ...grpc.ServerOption) *grpc.Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "grpc"))
	opts = append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(observeInterceptor(logger), authInterceptor(cfg.Verifier)),
	}, opts...)
	srv := grpc.NewServer(opts...)
	Register(srv, &Server{svc: cfg.Service, logger: logger})
	return srv
}

type rpcFunc func(context.Context, *structpb.Struct) (*structpb.Struct, error)

// Register installs the escrow service on registrar.
func Register(registrar grpc.ServiceRegistrar, s *Server) {
	methods := []struct {
		name string
		fn   rpcFunc
	}{
		{"Create", s.Create},
		{"Fund", s.Fund},
		{"ReleaseMilestone", s.ReleaseMilestone},
		{"RequestCancel", s.RequestCancel},
		{"ApproveCancel", s.ApproveCancel},
		{"ResolveDispute", s.ResolveDispute},
		{"Get", s.Get},
		{"Milestones", s.Milestones},
		{"List", s.List},
		{"Balance", s.Balance},
		{"Credit", s.Credit},
	}
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*EscrowServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    "skillchain/escrow/v1/escrow.proto",
	}
	for _, m := range methods {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{MethodName: m.name, Handler: unaryHandler(m.name, m.fn)})
	}
	registrar.RegisterService(desc, s)
}

func unaryHandler(name string, fn rpcFunc) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*structpb.Struct)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return fn(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}

// reply encodes resp or maps err, logging failures outside the taxonomy.
func (s *Server) reply(ctx context.Context, resp any, err error) (*structpb.Struct, error) {
	if err != nil {
		mapped := toStatus(err)
		if status.Code(mapped) == codes.Internal {
			s.logger.ErrorContext(ctx, "rpc failed", slog.Any("error", err))
		}
		return nil, mapped
	}
	out, err := encodeStruct(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "build response: %v", err)
	}
	return out, nil
}

func (s *Server) Create(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req api.CreateRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.svc.Create(ctx, req)
	return s.reply(ctx, resp, err)
}

func (s *Server) Fund(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req fundRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	id, err := api.ParseID(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.svc.Fund(ctx, id, req.FundRequest)
	return s.reply(ctx, resp, err)
}

func (s *Server) ReleaseMilestone(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req releaseRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	id, err := api.ParseID(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	milestoneID, err := api.ParseMilestoneID(req.MilestoneID)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.svc.Release(ctx, id, milestoneID)
	return s.reply(ctx, resp, err)
}

func (s *Server) RequestCancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.escrowID(in)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.svc.RequestCancel(ctx, id)
	return s.reply(ctx, resp, err)
}

func (s *Server) ApproveCancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.escrowID(in)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.svc.ApproveCancel(ctx, id)
	return s.reply(ctx, resp, err)
}

func (s *Server) ResolveDispute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req resolveRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	id, err := api.ParseID(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.svc.Resolve(ctx, id, req.ResolveRequest)
	return s.reply(ctx, resp, err)
}

func (s *Server) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.escrowID(in)
	if err != nil {
		return nil, toStatus(err)
	}
	view, ok, err := s.svc.Get(ctx, id)
	if err == nil && !ok {
		return nil, toStatus(fmt.Errorf("%w: escrow %d", escrow.ErrEscrowNotFound, id))
	}
	return s.reply(ctx, view, err)
}

func (s *Server) Milestones(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.escrowID(in)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.svc.Milestones(ctx, id)
	return s.reply(ctx, resp, err)
}

func (s *Server) List(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req listRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.svc.List(ctx, req.Identity, req.Role)
	return s.reply(ctx, resp, err)
}

func (s *Server) Balance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req identityRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.svc.Balance(ctx, req.Identity)
	return s.reply(ctx, resp, err)
}

func (s *Server) Credit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	principal, _ := auth.PrincipalFromContext(ctx)
	if !principal.HasScopes(auth.ScopeLedgerAdmin) {
		return nil, toStatus(auth.ErrInsufficientScope)
	}
	var req api.CreditRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.svc.Credit(ctx, req)
	return s.reply(ctx, resp, err)
}

func (s *Server) escrowID(in *structpb.Struct) (uint64, error) {
	var req idRequest
	if err := decodeStruct(in, &req); err != nil {
		return 0, err
	}
	return api.ParseID(req.ID)
}
