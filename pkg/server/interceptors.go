package server

import (
	"context"
	"runtime/debug"
	"time"

	"zgdrive/pkg/logging"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// =============================================================================
// 1. Logging Interceptor
// =============================================================================

func UnaryLoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	logRPC("unary", info.FullMethod, time.Since(start), err)
	return resp, err
}

// StreamLoggingInterceptor 健康检查的 Watch 是流式调用
func StreamLoggingInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	logRPC("stream", info.FullMethod, time.Since(start), err)
	return err
}

func logRPC(kind, method string, duration time.Duration, err error) {
	code := status.Code(err)
	fields := []zap.Field{
		logging.String("kind", kind),
		logging.String("method", method),
		logging.String("code", code.String()),
		logging.Duration("dur", duration),
	}
	if err != nil {
		fields = append(fields, logging.Err(err))
	}

	switch code {
	case codes.OK:
		logging.Debug("grpc request", fields...)
	case codes.Internal, codes.Unknown, codes.DataLoss:
		logging.Error("grpc request", fields...)
	default:
		logging.Warn("grpc request", fields...)
	}
}

// =============================================================================
// 2. Recovery Interceptor
// =============================================================================

func UnaryRecoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverFromPanic(info.FullMethod, r)
		}
	}()
	return handler(ctx, req)
}

func StreamRecoveryInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverFromPanic(info.FullMethod, r)
		}
	}()
	return handler(srv, ss)
}

func recoverFromPanic(method string, p any) error {
	logging.Error("panic recovered",
		logging.String("method", method),
		zap.Any("panic", p),
		logging.String("stack", string(debug.Stack())))
	return status.Errorf(codes.Internal, "internal server error: panic recovered")
}
