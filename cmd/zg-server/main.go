package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zgdrive/pkg/app"
	"zgdrive/pkg/config"
	"zgdrive/pkg/logging"
	"zgdrive/pkg/server"
	"zgdrive/pkg/service"
)

func main() {
	// 1. Load Config
	cfgFile := flag.String("config", "", "config file (default is ./.zg/config.yaml or $HOME/.zg/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatalf("❌ Config error: %v", err)
	}
	if err := logging.Init(cfg.Log); err != nil {
		log.Fatalf("❌ Logger error: %v", err)
	}
	defer func() { _ = logging.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Init Core Application
	application, err := app.New(ctx, cfg)
	if err != nil {
		logging.Error("failed to initialize app", logging.Err(err))
		os.Exit(1)
	}
	defer application.Close()
	logging.Info("zgdrive core initialized",
		logging.String("db", cfg.Database.Driver),
		logging.String("storage", cfg.Storage.Type),
		logging.String("tier", application.Tier.String()))

	// 3. HTTP: 命名空间 API + /relay + /metrics + /healthz
	httpSrv := &http.Server{
		Addr: cfg.Server.HTTPAddr,
		Handler: server.NewHTTPHandler(server.HTTPDeps{
			API:   service.NewAPI(application.Namespace, application.Backup),
			Relay: application.Relay,
			Ready: application.DB.Ping,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 4. gRPC: health + reflection
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logging.Error("failed to listen", logging.String("addr", cfg.Server.GRPCAddr), logging.Err(err))
		os.Exit(1)
	}
	grpcSrv, hs := server.NewGRPCServer()
	period := cfg.Server.HealthPeriod
	if period <= 0 {
		period = 10 * time.Second
	}
	go server.WatchHealth(ctx, hs, application.DB.Ping, period)

	// 5. Start Servers (Async)
	errCh := make(chan error, 2)
	go func() {
		logging.Info("http server listening", logging.String("addr", cfg.Server.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logging.Info("grpc server listening", logging.String("addr", cfg.Server.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	// 6. Graceful Shutdown
	select {
	case <-ctx.Done():
		logging.Info("shutting down")
	case err := <-errCh:
		logging.Error("server failed", logging.Err(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("http shutdown", logging.Err(err))
	}
	grpcSrv.GracefulStop()
	logging.Info("server stopped")
}
