package grpcapi

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"skillchain/native/escrow"
	"skillchain/observability"
	"skillchain/services/escrowd/auth"
)

// authInterceptor resolves the bearer token carried in the authorization
// metadata and attaches the caller identity the engine reads.
func authInterceptor(verifier *auth.Verifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		var header string
		if values := md.Get("authorization"); len(values) > 0 {
			header = values[0]
		}
		principal, err := verifier.VerifyHeader(header)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		if !principal.HasScopes(auth.ScopeEscrow) {
			return nil, status.Error(codes.PermissionDenied, auth.ErrInsufficientScope.Error())
		}
		ctx = auth.WithPrincipal(ctx, principal)
		ctx = escrow.WithCaller(ctx, principal.Identity)
		return handler(ctx, req)
	}
}

// observeInterceptor records request metrics and a debug log line per call.
func observeInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	metrics := observability.ModuleMetrics()
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)
		code := status.Code(err)
		method := strings.TrimPrefix(info.FullMethod, "/"+ServiceName+"/")
		metrics.Observe("grpc", method, httpStatus(code), elapsed)
		level := slog.LevelDebug
		if code == codes.Internal || code == codes.Unknown {
			level = slog.LevelError
		}
		logger.LogAttrs(ctx, level, "rpc served",
			slog.String("method", method),
			slog.String("code", code.String()),
			slog.Duration("elapsed", elapsed),
		)
		return resp, err
	}
}
