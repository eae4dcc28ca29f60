// Package client talks to a running zg-server over gRPC.
package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Client 封装了与服务端的连接
type Client struct {
	conn   *grpc.ClientConn
	Health healthpb.HealthClient
}

// NewClient 只创建对象，连接在后台建立；网络不通不会在这里报错
func NewClient(addr string, extra ...grpc.DialOption) (*Client, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", addr, err)
	}
	return &Client{conn: conn, Health: healthpb.NewHealthClient(conn)}, nil
}

// PingResult 一次健康检查
type PingResult struct {
	Service string
	Status  healthpb.HealthCheckResponse_ServingStatus
	Latency time.Duration
}

func (p PingResult) Serving() bool {
	return p.Status == healthpb.HealthCheckResponse_SERVING
}

// Ping 查询某个服务的健康状态；service 为空表示整体状态
func (c *Client) Ping(ctx context.Context, service string) (*PingResult, error) {
	start := time.Now()
	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return nil, err
	}
	return &PingResult{Service: service, Status: resp.GetStatus(), Latency: time.Since(start)}, nil
}

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
