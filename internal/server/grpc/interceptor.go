package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func (s *GRPCServer) loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()

	resp, err := handler(ctx, req)

	code := status.Code(err)
	args := []any{"method", info.FullMethod, "code", code.String(), "duration", time.Since(start)}
	switch code {
	case codes.OK:
		s.logger.Debug(ctx, "grpc call", args...)
	case codes.Internal, codes.Unknown, codes.DataLoss:
		s.logger.Error(ctx, "grpc call failed", append(args, "error", err)...)
	default:
		s.logger.Warn(ctx, "grpc call failed", append(args, "error", err)...)
	}

	return resp, err
}
