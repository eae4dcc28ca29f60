package server

import (
	"context"
	"time"

	"zgdrive/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// 健康检查中登记的服务名
const (
	ServiceNamespace = "zgdrive.Namespace"
	ServiceRelay     = "zgdrive.Relay"
)

// Checker 返回 nil 表示依赖可用 (例如数据库 Ping)
type Checker func(ctx context.Context) error

// NewGRPCServer 带日志与 panic 恢复的 gRPC 服务，注册 health 与 reflection
func NewGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(UnaryRecoveryInterceptor, UnaryLoggingInterceptor),
		grpc.ChainStreamInterceptor(StreamRecoveryInterceptor, StreamLoggingInterceptor),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	hs.SetServingStatus(ServiceRelay, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceNamespace, healthpb.HealthCheckResponse_NOT_SERVING)
	return srv, hs
}

// UpdateHealth 执行一次检查并更新命名空间服务与整体状态
func UpdateHealth(ctx context.Context, hs *health.Server, check Checker) {
	st := healthpb.HealthCheckResponse_SERVING
	if check != nil {
		if err := check(ctx); err != nil {
			logging.Warn("health check failed", logging.Err(err))
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	hs.SetServingStatus(ServiceNamespace, st)
	hs.SetServingStatus("", st)
}

// WatchHealth 周期性检查，直到 ctx 结束
func WatchHealth(ctx context.Context, hs *health.Server, check Checker, every time.Duration) {
	UpdateHealth(ctx, hs, check)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-t.C:
			UpdateHealth(ctx, hs, check)
		}
	}
}
