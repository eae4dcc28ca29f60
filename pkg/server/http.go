package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"zgdrive/pkg/logging"
	"zgdrive/pkg/metrics"
	"zgdrive/pkg/service"
)

// HTTPDeps HTTP 入口的组成部分；为 nil 的部分不注册
type HTTPDeps struct {
	API   *service.API
	Relay http.Handler
	Ready Checker
}

// NewHTTPHandler 组装路由: /api/*, /relay, /metrics, /healthz
// 中间件顺序: 日志 (request id) 在外，指标在内
func NewHTTPHandler(d HTTPDeps) http.Handler {
	mux := http.NewServeMux()
	if d.API != nil {
		d.API.Register(mux)
	}
	if d.Relay != nil {
		mux.Handle("/relay", d.Relay)
	}
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", healthz(d.Ready))

	return logging.Middleware(metrics.Middleware(mux))
}

func healthz(check Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, body := http.StatusOK, map[string]string{"status": "ok"}
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				status, body = http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
