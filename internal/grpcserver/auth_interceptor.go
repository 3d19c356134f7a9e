package grpcserver

import (
	"context"
	"strings"

	"github.com/snappy-loop/picturebook/internal/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	metadataKeyAuthorization = "authorization"
	healthServicePrefix      = "/grpc.health.v1.Health/"
)

// AuthUnaryInterceptor returns a gRPC unary interceptor that validates the bearer token
// from the "authorization" metadata using auth.Service. Health checks are not authenticated.
func AuthUnaryInterceptor(authService *auth.Service) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, healthServicePrefix) {
			return handler(ctx, req)
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		vals := md.Get(metadataKeyAuthorization)
		if len(vals) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing authorization")
		}
		if err := authService.ValidateHeader(vals[0]); err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(ctx, req)
	}
}
